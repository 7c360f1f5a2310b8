package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tronlabs/tron/internal/config"
	"github.com/tronlabs/tron/internal/eventstore"
	"github.com/tronlabs/tron/pkg/models"
)

func buildSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect stored sessions",
	}
	cmd.AddCommand(buildSessionsListCmd(), buildSessionsShowCmd())
	return cmd
}

func buildSessionsListCmd() *cobra.Command {
	var (
		configPath string
		status     string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recent first",
		Example: `  # All sessions
  tron sessions list

  # Only sessions still accepting turns
  tron sessions list --status active`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsList(cmd, configPath, status, limit)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to configuration file")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (active or ended)")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum sessions to list")
	return cmd
}

func buildSessionsShowCmd() *cobra.Command {
	var (
		configPath string
		messages   bool
	)

	cmd := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show one session's details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSessionsShow(cmd, configPath, args[0], messages)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to configuration file")
	cmd.Flags().BoolVar(&messages, "messages", false, "Include the projected conversation at the head")
	return cmd
}

func runSessionsList(cmd *cobra.Command, configPath, status string, limit int) error {
	store, err := openCLIStore(cmd, configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.ListSessions(cmd.Context(), eventstore.ListSessionsFilter{
		Status: models.SessionStatus(strings.TrimSpace(status)),
		Limit:  limit,
	})
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions found.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tMODEL\tSTATUS\tMSGS\tTOKENS\tLAST ACTIVITY")
	for _, s := range sessions {
		title := s.Title
		if title == "" {
			title = "-"
		}
		if len(title) > 40 {
			title = title[:37] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%s\n",
			s.ID, title, s.LatestModel, s.Status, s.MessageCount,
			s.InputTokens+s.OutputTokens, s.LastActivityAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func runSessionsShow(cmd *cobra.Command, configPath, sessionID string, messages bool) error {
	store, err := openCLIStore(cmd, configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	session, err := store.GetSession(cmd.Context(), sessionID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Session:     %s\n", session.ID)
	fmt.Fprintf(out, "Workspace:   %s\n", session.WorkspaceID)
	fmt.Fprintf(out, "Directory:   %s\n", session.WorkingDirectory)
	fmt.Fprintf(out, "Model:       %s\n", session.LatestModel)
	fmt.Fprintf(out, "Status:      %s\n", session.Status)
	if session.Title != "" {
		fmt.Fprintf(out, "Title:       %s\n", session.Title)
	}
	if len(session.Tags) > 0 {
		fmt.Fprintf(out, "Tags:        %s\n", strings.Join(session.Tags, ", "))
	}
	if session.ForkFromEventID != "" {
		fmt.Fprintf(out, "Forked from: %s (session %s)\n", session.ForkFromEventID, session.ParentSessionID)
	}
	fmt.Fprintf(out, "Events:      %d (head %s)\n", session.EventCount, session.HeadEventID)
	fmt.Fprintf(out, "Messages:    %d over %d turns\n", session.MessageCount, session.TurnCount)
	fmt.Fprintf(out, "Tokens:      %d in / %d out (cache read %d, cache write %d)\n",
		session.InputTokens, session.OutputTokens, session.CacheReadTokens, session.CacheCreationTokens)
	fmt.Fprintf(out, "Created:     %s\n", session.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Active:      %s\n", session.LastActivityAt.Format(time.RFC3339))
	if session.EndedAt != nil {
		fmt.Fprintf(out, "Ended:       %s\n", session.EndedAt.Format(time.RFC3339))
	}

	if !messages {
		return nil
	}

	entries, err := store.GetMessagesAtHead(cmd.Context(), sessionID)
	if err != nil {
		return err
	}
	fmt.Fprintln(out)
	if len(entries) == 0 {
		fmt.Fprintln(out, "No messages.")
		return nil
	}
	for _, entry := range entries {
		text := strings.TrimSpace(entry.Message.Content.Text())
		if text == "" {
			if uses := entry.Message.Content.ToolUses(); len(uses) > 0 {
				names := make([]string, len(uses))
				for i, use := range uses {
					names[i] = use.Name
				}
				text = "[tool calls: " + strings.Join(names, ", ") + "]"
			} else {
				text = "[no text content]"
			}
		}
		fmt.Fprintf(out, "--- %s (%s)\n%s\n", entry.Message.Role, entry.EventID, text)
	}
	return nil
}

// openCLIStore loads the config and opens the migrated store for a one-shot
// command.
func openCLIStore(cmd *cobra.Command, configPath string) (*eventstore.Store, error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return openStore(cmd.Context(), cfg, nil, nil)
}
