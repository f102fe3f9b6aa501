package main

import (
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/MegaGrindStone/streamchat/internal/services"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	roleStyles = map[models.Role]lipgloss.Style{
		models.RoleUser:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")),
		models.RoleModel:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42")),
		models.RoleSystem: lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("243")),
	}
)

func newSessionsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect the sessions held by the history server",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List sessions, newest first",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				client, err := a.historyClient()
				if err != nil {
					return err
				}
				list, err := client.ListSessions(cmd.Context())
				if err != nil {
					return err
				}
				if len(list) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No sessions.")
					return nil
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
				for i := len(list) - 1; i >= 0; i-- {
					sess := list[i]
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
						idStyle.Render(sess.ID),
						titleStyle.Render(sess.Title),
						sess.DateGroup,
						strconv.Itoa(len(sess.Messages))+" messages")
				}
				return tw.Flush()
			},
		},
		&cobra.Command{
			Use:   "show <id>",
			Short: "Print a session transcript",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				client, err := a.historyClient()
				if err != nil {
					return err
				}
				list, err := client.ListSessions(cmd.Context())
				if err != nil {
					return err
				}
				for _, sess := range list {
					if sess.ID != args[0] {
						continue
					}
					w := cmd.OutOrStdout()
					fmt.Fprintln(w, titleStyle.Render(sess.Title))
					for _, msg := range sess.Messages {
						fmt.Fprintf(w, "\n%s\n%s\n", roleStyles[msg.Role].Render(string(msg.Role)), msg.Content)
						for _, src := range msg.GroundingSources {
							fmt.Fprintf(w, "%s %s\n", sourceStyle.Render("•"), src.URI)
						}
					}
					return nil
				}
				return fmt.Errorf("session %s not found", args[0])
			},
		},
		&cobra.Command{
			Use:   "rm <id>",
			Short: "Delete a session",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				client, err := a.historyClient()
				if err != nil {
					return err
				}
				if err := client.DeleteSession(cmd.Context(), args[0]); err != nil {
					if errors.Is(err, services.ErrNotFound) {
						return fmt.Errorf("session %s not found", args[0])
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
				return nil
			},
		},
	)
	return cmd
}

func (a *app) historyClient() (services.HistoryClient, error) {
	cfg, err := a.config()
	if err != nil {
		return services.HistoryClient{}, err
	}
	client, ok := newHistoryClient(cfg.Settings(), a.logger)
	if !ok {
		return services.HistoryClient{}, errors.New("no history server configured (historyURL)")
	}
	return client, nil
}
