package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/romangrechin/rss-aggregator/db"
)

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "rss-aggregator",
		Short:         "RSS and Atom feed ingestion engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to a YAML or TOML config file")

	getConfigPath := func() string { return configPath }

	cmd.AddCommand(newServeCmd(getConfigPath))
	cmd.AddCommand(newMigrateCmd(getConfigPath))
	cmd.AddCommand(newFeedCmd(getConfigPath))
	return cmd
}

func newServeCmd(getConfigPath func() string) *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(getConfigPath())
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, log, migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "Apply pending migrations before starting")
	return cmd
}

func newMigrateCmd(getConfigPath func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(getConfigPath())
			if err != nil {
				return err
			}
			return db.Migrate(cfg.DbUrl, log)
		},
	}
}

func newFeedCmd(getConfigPath func() string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Manage feeds",
	}

	withApp := func(run func(cmd *cobra.Command, a *app, args []string) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(getConfigPath())
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer a.Close()
			return run(cmd, a, args)
		}
	}

	var title string
	add := &cobra.Command{
		Use:   "add <url>",
		Short: "Subscribe to a feed, discovering it from a page URL if needed",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			feed, _, err := a.agg.Subscribe(cmd.Context(), args[0], title, nil)
			if err != nil {
				return fmt.Errorf("subscribe: %w", err)
			}
			return writeJSON(cmd.OutOrStdout(), feed)
		}),
	}
	add.Flags().StringVar(&title, "title", "", "Feed title; taken from the feed when empty")

	var all bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List feeds with their fetch health",
		Args:  cobra.NoArgs,
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			health, err := a.agg.Health(cmd.Context())
			if err != nil {
				return err
			}
			if !all {
				n := 0
				for _, h := range health {
					if h.Active {
						health[n] = h
						n++
					}
				}
				health = health[:n]
			}
			return writeJSON(cmd.OutOrStdout(), health)
		}),
	}
	list.Flags().BoolVar(&all, "all", false, "Include inactive feeds")

	remove := &cobra.Command{
		Use:   "remove <id>",
		Short: "Deactivate a feed",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid feed id %q: %w", args[0], err)
			}
			return a.agg.Unsubscribe(cmd.Context(), id)
		}),
	}

	fetch := &cobra.Command{
		Use:   "fetch [id]",
		Short: "Fetch one feed now, or every due feed once",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
			if len(args) == 0 {
				return a.agg.RunOnce(cmd.Context())
			}
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid feed id %q: %w", args[0], err)
			}
			outcome, err := a.agg.Refresh(cmd.Context(), id)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), outcome)
		}),
	}

	cmd.AddCommand(add, list, remove, fetch)
	return cmd
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
