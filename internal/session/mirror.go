package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/MegaGrindStone/streamchat/internal/models"
)

type mirrorOp struct {
	id       string
	deleted  bool
	snapshot models.ChatSession
}

// mirror runs remote writes one at a time in the order they were queued. Pending saves of the same
// session collapse into the latest snapshot, and a delete drops every pending save of its session, so
// a deleted session is never written back.
type mirror struct {
	remote Remote

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []mirrorOp
	running bool
	closed  bool
	done    chan struct{}

	logger *slog.Logger
}

func newMirror(remote Remote, logger *slog.Logger) *mirror {
	m := &mirror{
		remote: remote,
		done:   make(chan struct{}),
		logger: logger,
	}
	m.cond = sync.NewCond(&m.mu)
	go m.run()
	return m
}

func (m *mirror) save(sess models.ChatSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	for i := len(m.queue) - 1; i >= 0; i-- {
		op := m.queue[i]
		if op.id != sess.ID {
			continue
		}
		if op.deleted {
			break
		}
		m.queue[i].snapshot = sess
		return
	}
	m.queue = append(m.queue, mirrorOp{id: sess.ID, snapshot: sess})
	m.cond.Broadcast()
}

func (m *mirror) delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	kept := m.queue[:0]
	for _, op := range m.queue {
		if op.id == id && !op.deleted {
			continue
		}
		kept = append(kept, op)
	}
	m.queue = append(kept, mirrorOp{id: id, deleted: true})
	m.cond.Broadcast()
}

func (m *mirror) run() {
	defer close(m.done)
	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.closed {
			m.cond.Wait()
		}
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		op := m.queue[0]
		m.queue = m.queue[1:]
		m.running = true
		m.mu.Unlock()

		m.apply(op)

		m.mu.Lock()
		m.running = false
		m.cond.Broadcast()
		m.mu.Unlock()
	}
}

func (m *mirror) apply(op mirrorOp) {
	ctx := context.Background()
	if op.deleted {
		if err := m.remote.DeleteSession(ctx, op.id); err != nil {
			m.logger.Warn("Failed to delete remote session",
				slog.String("id", op.id),
				slog.String(errLoggerKey, err.Error()))
		}
		return
	}
	if err := m.remote.SaveSession(ctx, op.snapshot); err != nil {
		m.logger.Warn("Failed to save remote session",
			slog.String("id", op.id),
			slog.String(errLoggerKey, err.Error()))
	}
}

func (m *mirror) flush() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for (len(m.queue) > 0 || m.running) && !m.closed {
		m.cond.Wait()
	}
}

func (m *mirror) close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		<-m.done
		return
	}
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()
	<-m.done
}
