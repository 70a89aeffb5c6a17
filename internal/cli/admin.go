package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pyamooz/pyamooz-chat/internal/audit"
	"github.com/pyamooz/pyamooz-chat/internal/auth"
	"github.com/pyamooz/pyamooz-chat/internal/catalog"
	"github.com/pyamooz/pyamooz-chat/internal/db"
	"github.com/pyamooz/pyamooz-chat/internal/llm/provider/avalai"
)

func newMigrateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			_, cfg, err := a.loadConfig(ctx)
			if err != nil {
				return err
			}
			store, err := db.Open(ctx, cfg.Database.Type, cfg.Database.SQLitePath, cfg.Database.PostgresURL)
			if err != nil {
				return err
			}
			defer store.Close()
			v, err := store.SchemaVersion(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s schema at version %d\n", store.Dialect(), v)
			return nil
		},
	}
}

func newTokenCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Manage access tokens",
	}

	var userID, username, role string
	var ttl time.Duration
	issue := &cobra.Command{
		Use:   "issue",
		Short: "Issue a signed access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, cfg, err := a.loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is not configured")
			}
			if strings.TrimSpace(userID) == "" {
				return fmt.Errorf("--user is required")
			}
			if ttl <= 0 {
				ttl = cfg.Auth.AccessTokenTTL
			}
			token, err := auth.IssueAccessToken(cfg.Auth.JWTSecret, userID, username, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	issue.Flags().StringVar(&userID, "user", "", "user ID (subject)")
	issue.Flags().StringVar(&username, "username", "", "display name")
	issue.Flags().StringVar(&role, "role", "", "role; \"admin\" manages the model catalog")
	issue.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to auth.access_token_ttl)")

	cmd.AddCommand(issue)
	return cmd
}

func newModelsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Manage the model catalog",
	}

	var force bool
	var output string
	sync := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize the catalog with the provider's model list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			_, cfg, err := a.loadConfig(ctx)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()

			store, err := db.Open(ctx, cfg.Database.Type, cfg.Database.SQLitePath, cfg.Database.PostgresURL)
			if err != nil {
				return err
			}
			defer store.Close()

			source := avalai.NewModelsClient(cfg.Catalog.ModelsURL, 0, logger.Logger)
			svc := catalog.NewService(store, source, audit.NewNopLogger(), logger.Logger)
			stats, err := svc.Sync(ctx, force)
			if err != nil {
				return err
			}
			return printValue(cmd.OutOrStdout(), output, stats)
		},
	}
	sync.Flags().BoolVar(&force, "force", false, "bypass the cached model list")
	sync.Flags().StringVarP(&output, "output", "o", "yaml", "output format: yaml or json")

	cmd.AddCommand(sync)
	return cmd
}

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load and validate the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, _, err := a.loadConfig(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: configuration OK\n", a.configPath)
			return nil
		},
	})
	return cmd
}

func printValue(w io.Writer, format string, v interface{}) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
