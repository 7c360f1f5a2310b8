package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tronlabs/tron/internal/eventstore"
)

func buildSearchCmd() *cobra.Command {
	var (
		configPath string
		sessionID  string
		toolName   string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Full-text search over the event log",
		Long: `Search message and tool content across all sessions. Matches are
ranked by relevance and returned with a highlighted snippet.`,
		Example: `  # Search everywhere
  tron search "connection refused"

  # Search one session's tool output
  tron search "exit status" --session ses_...

  # Find invocations of a tool by name
  tron search --tool bash ""`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd, configPath, args[0], sessionID, toolName, limit)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to configuration file")
	cmd.Flags().StringVar(&sessionID, "session", "", "Restrict to one session")
	cmd.Flags().StringVar(&toolName, "tool", "", "Search by tool name instead of content")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum hits to return")
	return cmd
}

func runSearch(cmd *cobra.Command, configPath, query, sessionID, toolName string, limit int) error {
	store, err := openCLIStore(cmd, configPath)
	if err != nil {
		return err
	}
	defer store.Close()

	opts := eventstore.SearchOptions{SessionID: sessionID, Limit: limit}
	var hits []eventstore.SearchHit
	if toolName != "" {
		hits, err = store.SearchByToolName(cmd.Context(), toolName, opts)
	} else {
		hits, err = store.SearchContent(cmd.Context(), query, opts)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(hits) == 0 {
		fmt.Fprintln(out, "No matches.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tEVENT\tTYPE\tSNIPPET")
	for _, hit := range hits {
		snippet := hit.Snippet
		if len(snippet) > 80 {
			snippet = snippet[:77] + "..."
		}
		typ := hit.Type
		if hit.ToolName != "" {
			typ += " (" + hit.ToolName + ")"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", hit.SessionID, hit.EventID, typ, snippet)
	}
	return w.Flush()
}
