package session_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/MegaGrindStone/streamchat/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type remoteCall struct {
	op      string
	id      string
	session models.ChatSession
}

type mockRemote struct {
	sessions []models.ChatSession
	listErr  error
	saveErr  error

	// gate, when set, blocks every write until it is closed.
	gate chan struct{}

	mu    sync.Mutex
	calls []remoteCall
}

func (m *mockRemote) ListSessions(context.Context) ([]models.ChatSession, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	return append([]models.ChatSession(nil), m.sessions...), nil
}

func (m *mockRemote) SaveSession(_ context.Context, sess models.ChatSession) error {
	if m.gate != nil {
		<-m.gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, remoteCall{op: "save", id: sess.ID, session: sess})
	return m.saveErr
}

func (m *mockRemote) DeleteSession(_ context.Context, id string) error {
	if m.gate != nil {
		<-m.gate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, remoteCall{op: "delete", id: id})
	return nil
}

func (m *mockRemote) recorded() []remoteCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]remoteCall(nil), m.calls...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func userMsg(content string) models.Message {
	return session.NewMessage(models.RoleUser, content)
}

func TestCreateOrReuseSession(t *testing.T) {
	store := session.NewStore(nil, discardLogger())
	defer store.Close()

	assert.Empty(t, store.ActiveSessionID())

	id, created := store.CreateOrReuseSession("Hello")
	require.True(t, created)
	require.NotEmpty(t, id)
	assert.Equal(t, id, store.ActiveSessionID())

	again, created := store.CreateOrReuseSession("Something else")
	assert.False(t, created)
	assert.Equal(t, id, again)

	sess, ok := store.Session(id)
	require.True(t, ok)
	assert.Equal(t, "Hello", sess.Title)
	assert.Equal(t, models.DateGroupToday, sess.DateGroup)

	minted := store.NewChat()
	assert.NotEqual(t, id, minted)
	assert.Equal(t, minted, store.ActiveSessionID())
	assert.Nil(t, store.Messages())
	_, ok = store.Session(minted)
	assert.False(t, ok)

	next, created := store.CreateOrReuseSession("Second chat")
	assert.True(t, created)
	assert.Equal(t, minted, next)

	list := store.ListSessions()
	require.Len(t, list, 2)
	assert.Equal(t, next, list[0].ID)
	assert.Equal(t, id, list[1].ID)
}

func TestAppendAndUpsert(t *testing.T) {
	store := session.NewStore(nil, discardLogger())
	defer store.Close()

	id, _ := store.CreateOrReuseSession("q")
	u := userMsg("q")
	require.NoError(t, store.AppendUserTurn(id, nil, u))

	reply := session.NewMessage(models.RoleModel, "")
	require.NoError(t, store.AppendMessage(id, reply))

	reply.Content = "partial"
	require.NoError(t, store.UpsertAssistantContent(id, reply))
	reply.Content = "partial answer"
	reply.GroundingSources = []models.GroundingSource{{Title: "A", URI: "https://a.com"}}
	require.NoError(t, store.UpsertAssistantContent(id, reply))

	msgs := store.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "q", msgs[0].Content)
	assert.Equal(t, "partial answer", msgs[1].Content)
	assert.Len(t, msgs[1].GroundingSources, 1)

	// Returned transcripts are copies.
	msgs[1].Content = "changed"
	assert.Equal(t, "partial answer", store.Messages()[1].Content)

	assert.ErrorIs(t, store.UpsertAssistantContent("unknown", reply), session.ErrSessionNotFound)
	assert.ErrorIs(t, store.AppendMessage("unknown", reply), session.ErrSessionNotFound)
}

func TestPrefixBefore(t *testing.T) {
	store := session.NewStore(nil, discardLogger())
	defer store.Close()

	id, _ := store.CreateOrReuseSession("a")
	msgs := []models.Message{userMsg("a"), session.NewMessage(models.RoleModel, "b"), userMsg("c")}
	require.NoError(t, store.AppendUserTurn(id, msgs[:2], msgs[2]))

	prefix, err := store.PrefixBefore(msgs[2].ID)
	require.NoError(t, err)
	assert.Equal(t, msgs[:2], prefix)

	prefix, err = store.PrefixBefore(msgs[0].ID)
	require.NoError(t, err)
	assert.Empty(t, prefix)

	_, err = store.PrefixBefore("missing")
	assert.ErrorIs(t, err, session.ErrMessageNotFound)
}

func TestLoadAndDeleteSession(t *testing.T) {
	remote := &mockRemote{}
	store := session.NewStore(remote, discardLogger())
	defer store.Close()

	first, _ := store.CreateOrReuseSession("first")
	require.NoError(t, store.AppendUserTurn(first, nil, userMsg("first")))
	store.NewChat()
	second, _ := store.CreateOrReuseSession("second")
	require.NoError(t, store.AppendUserTurn(second, nil, userMsg("second")))

	require.NoError(t, store.LoadSession(first))
	assert.Equal(t, first, store.ActiveSessionID())
	assert.Equal(t, "first", store.Messages()[0].Content)
	assert.ErrorIs(t, store.LoadSession("missing"), session.ErrSessionNotFound)

	require.NoError(t, store.DeleteSession(first))
	assert.NotEqual(t, first, store.ActiveSessionID())
	assert.Nil(t, store.Messages())
	_, ok := store.Session(first)
	assert.False(t, ok)
	assert.ErrorIs(t, store.DeleteSession(first), session.ErrSessionNotFound)

	require.NoError(t, store.DeleteSession(second))

	store.Flush()
	var deleted []string
	for _, c := range remote.recorded() {
		if c.op == "delete" {
			deleted = append(deleted, c.id)
		}
	}
	assert.Equal(t, []string{first, second}, deleted)
}

func TestRefreshMergesRemote(t *testing.T) {
	remote := &mockRemote{sessions: []models.ChatSession{
		{ID: "old", Title: "old", DateGroup: "Yesterday"},
		{ID: "newer", Title: "newer remote", DateGroup: "Today"},
	}}
	store := session.NewStore(remote, discardLogger())
	defer store.Close()

	id, _ := store.CreateOrReuseSession("local")
	require.NoError(t, store.Refresh(context.Background()))

	list := store.ListSessions()
	require.Len(t, list, 3)
	assert.Equal(t, id, list[0].ID)
	assert.Equal(t, "newer", list[1].ID)
	assert.Equal(t, "old", list[2].ID)

	// A second refresh does not duplicate anything, and local copies win.
	remote.sessions = append(remote.sessions, models.ChatSession{ID: id, Title: "remote copy"})
	require.NoError(t, store.Refresh(context.Background()))
	list = store.ListSessions()
	require.Len(t, list, 3)
	assert.Equal(t, "local", list[0].Title)

	remote.listErr = errors.New("unreachable")
	assert.Error(t, store.Refresh(context.Background()))
	assert.Len(t, store.ListSessions(), 3)
}

func TestMirrorWritesInOrder(t *testing.T) {
	remote := &mockRemote{}
	store := session.NewStore(remote, discardLogger())
	defer store.Close()

	id, _ := store.CreateOrReuseSession("q")
	require.NoError(t, store.AppendUserTurn(id, nil, userMsg("q")))
	store.Flush()

	reply := session.NewMessage(models.RoleModel, "final")
	require.NoError(t, store.AppendMessage(id, reply))
	store.Flush()

	calls := remote.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, "save", calls[0].op)
	assert.Len(t, calls[0].session.Messages, 1)
	assert.Len(t, calls[1].session.Messages, 2)
	assert.Equal(t, "final", calls[1].session.Messages[1].Content)
}

func TestMirrorCoalescesPendingWrites(t *testing.T) {
	gate := make(chan struct{})
	remote := &mockRemote{gate: gate}
	store := session.NewStore(remote, discardLogger())
	defer store.Close()

	id, _ := store.CreateOrReuseSession("q")
	require.NoError(t, store.AppendUserTurn(id, nil, userMsg("q")))

	reply := session.NewMessage(models.RoleModel, "")
	require.NoError(t, store.AppendMessage(id, reply))
	for _, text := range []string{"a", "ab", "abc"} {
		reply.Content = text
		require.NoError(t, store.UpsertAssistantContent(id, reply))
	}

	close(gate)
	store.Flush()

	calls := remote.recorded()
	// The first write may already be in flight; everything after it collapses into one.
	require.LessOrEqual(t, len(calls), 2)
	last := calls[len(calls)-1].session
	require.Len(t, last.Messages, 2)
	assert.Equal(t, "abc", last.Messages[1].Content)
}

func TestMirrorDeleteDropsPendingWrites(t *testing.T) {
	gate := make(chan struct{})
	remote := &mockRemote{gate: gate}
	store := session.NewStore(remote, discardLogger())
	defer store.Close()

	id, _ := store.CreateOrReuseSession("q")
	require.NoError(t, store.AppendUserTurn(id, nil, userMsg("q")))
	for range 3 {
		require.NoError(t, store.AppendMessage(id, session.NewMessage(models.RoleModel, "x")))
	}
	require.NoError(t, store.DeleteSession(id))
	assert.ErrorIs(t, store.AppendMessage(id, userMsg("late")), session.ErrSessionNotFound)

	close(gate)
	store.Flush()

	calls := remote.recorded()
	require.NotEmpty(t, calls)
	assert.Equal(t, remoteCall{op: "delete", id: id}, calls[len(calls)-1])
	assert.LessOrEqual(t, len(calls), 2)
}

func TestMirrorFailuresAreSwallowed(t *testing.T) {
	remote := &mockRemote{saveErr: errors.New("history store down")}
	store := session.NewStore(remote, discardLogger())

	id, _ := store.CreateOrReuseSession("q")
	require.NoError(t, store.AppendUserTurn(id, nil, userMsg("q")))
	store.Close()

	assert.Len(t, remote.recorded(), 1)
	assert.Len(t, store.Messages(), 1)
}
