package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/MegaGrindStone/streamchat/internal/config"
	"github.com/MegaGrindStone/streamchat/internal/generation"
	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62"))

	sourceStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Italic(true)

	noticeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))
)

type askOpts struct {
	Model     string
	Search    bool
	Think     bool
	Image     string
	SessionID string
}

// modelOverride selects another model for a single run without touching the configuration file.
type modelOverride struct {
	*config.Store
	model string
}

func (m modelOverride) Settings() config.Settings {
	st := m.Store.Settings()
	if m.model != "" {
		st.Model = m.model
	}
	return st
}

func newAskCmd(a *app) *cobra.Command {
	var opts askOpts

	cmd := &cobra.Command{
		Use:   "ask <message>",
		Short: "Send one message and stream the response",
		Long: `Send one message and stream the response to stdout. Ctrl-C stops the generation
and keeps what was received so far.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return a.ask(ctx, cmd.OutOrStdout(), strings.Join(args, " "), opts)
		},
	}
	cmd.Flags().StringVarP(&opts.Model, "model", "m", "", "Model id (default from configuration)")
	cmd.Flags().BoolVar(&opts.Search, "search", false, "Ground the response with web search")
	cmd.Flags().BoolVar(&opts.Think, "think", false, "Enable deep thinking on models that support it")
	cmd.Flags().StringVar(&opts.Image, "image", "", "Image file to attach")
	cmd.Flags().StringVar(&opts.SessionID, "session", "", "Continue the session with this id")
	return cmd
}

func (a *app) ask(ctx context.Context, w io.Writer, text string, opts askOpts) error {
	cfg, err := a.config()
	if err != nil {
		return err
	}
	settings := modelOverride{Store: cfg, model: opts.Model}
	st := settings.Settings()

	var image string
	if opts.Image != "" {
		image, err = readImage(opts.Image)
		if err != nil {
			return err
		}
	}

	dispatcher, err := newDispatcher(st, a.logger)
	if err != nil {
		return err
	}

	store := newSessionStore(ctx, st, a.logger)
	defer store.Close()
	if opts.SessionID != "" {
		if err := store.LoadSession(opts.SessionID); err != nil {
			return fmt.Errorf("failed to load session %s: %w", opts.SessionID, err)
		}
	}

	out := &streamPrinter{w: w}
	ctrl := generation.NewController(settings, dispatcher, store, out.publish, a.logger)

	fmt.Fprintln(w, headerStyle.Render(st.Model))
	msg, err := ctrl.Generate(ctx, generation.Submission{
		Text:      text,
		DeepThink: opts.Think,
		Search:    opts.Search,
		Image:     image,
	})
	if err != nil {
		return err
	}

	fmt.Fprintln(w)
	if ctx.Err() != nil {
		fmt.Fprintln(w, noticeStyle.Render("[stopped]"))
	}
	for _, src := range msg.GroundingSources {
		title := src.Title
		if title == "" {
			title = src.URI
		}
		fmt.Fprintf(w, "%s %s\n", sourceStyle.Render("•"), sourceStyle.Render(title+" <"+src.URI+">"))
	}
	fmt.Fprintln(w, idStyle.Render("session "+store.ActiveSessionID()))
	a.logger.Debug("Ask finished", slog.String("messageID", msg.ID), slog.Int("length", len(msg.Content)))
	return nil
}

// streamPrinter writes every publication as a delta to what was already written. A publication that
// does not extend the previous one, such as an error text, is written on its own line.
type streamPrinter struct {
	w       io.Writer
	written string
}

func (p *streamPrinter) publish(_ string, msg models.Message, _ bool) {
	if delta, ok := strings.CutPrefix(msg.Content, p.written); ok {
		fmt.Fprint(p.w, delta)
	} else {
		fmt.Fprintf(p.w, "\n%s", noticeStyle.Render(msg.Content))
	}
	p.written = msg.Content
}

func readImage(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read image: %w", err)
	}
	mimeType := http.DetectContentType(b)
	if !strings.HasPrefix(mimeType, "image/") {
		return "", fmt.Errorf("%s is not an image (%s)", path, mimeType)
	}
	return models.EncodeDataURI(mimeType, b), nil
}
