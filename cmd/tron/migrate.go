package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tronlabs/tron/internal/config"
	"github.com/tronlabs/tron/internal/storage"
)

func buildMigrateCmd() *cobra.Command {
	var (
		configPath string
		status     bool
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Long: `Apply every pending schema migration in version order, each in its
own transaction. serve does the same on startup; this command exists for
pre-deploy migration runs and for inspecting state with --status.`,
		Example: `  # Apply pending migrations
  tron migrate

  # Show applied and pending versions without changing anything
  tron migrate --status`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if status {
				return runMigrateStatus(cmd, configPath)
			}
			return runMigrateUp(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to configuration file")
	cmd.Flags().BoolVar(&status, "status", false, "Show migration status instead of applying")
	return cmd
}

func runMigrateUp(cmd *cobra.Command, configPath string) error {
	migrator, closeFn, err := openMigrator(configPath)
	if err != nil {
		return err
	}
	defer closeFn()

	applied, err := migrator.Up(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(applied) == 0 {
		fmt.Fprintln(out, "No pending migrations.")
		return nil
	}
	for _, version := range applied {
		fmt.Fprintf(out, "Applied migration %04d\n", version)
	}
	return nil
}

func runMigrateStatus(cmd *cobra.Command, configPath string) error {
	migrator, closeFn, err := openMigrator(configPath)
	if err != nil {
		return err
	}
	defer closeFn()

	applied, err := migrator.Status(cmd.Context())
	if err != nil {
		return err
	}
	pending, err := migrator.Pending(cmd.Context())
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATE\tAPPLIED AT")
	for _, m := range applied {
		fmt.Fprintf(w, "%04d\t%s\tapplied\t%s\n", m.Version, m.Name, m.AppliedAt.Format(time.RFC3339))
	}
	for _, m := range pending {
		fmt.Fprintf(w, "%04d\t%s\tpending\t-\n", m.Version, m.Name)
	}
	return w.Flush()
}

// openMigrator opens the configured database for a migration run.
func openMigrator(configPath string) (*storage.Migrator, func(), error) {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return nil, nil, err
	}

	migrator, err := storage.NewMigrator(db.DB)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return migrator, func() { _ = db.Close() }, nil
}
