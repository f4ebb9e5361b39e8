package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ehr/intake/internal/config"
	"github.com/ehr/intake/internal/platform/db"
	"github.com/ehr/intake/internal/platform/definitions"
	"github.com/ehr/intake/internal/platform/rules"
	"github.com/ehr/intake/migrations"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "intake-server",
		Short:         "Substance use intake assessment and placement API",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(definitionsCmd())
	rootCmd.AddCommand(evaluateCmd())
	return rootCmd
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	logger := zerolog.New(out).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the intake API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

// withDB loads config and runs fn against a short-lived pool.
func withDB(ctx context.Context, fn func(cfg *config.Config, pool *pgxpool.Pool) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.RequireDatabase(); err != nil {
		return err
	}
	pool, err := db.NewPool(ctx, db.PoolOptions{
		URL:             cfg.DatabaseURL,
		MaxConns:        2,
		ApplicationName: "intake-cli",
	})
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(cfg, pool)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations to a tenant schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			ctx := cmd.Context()
			return withDB(ctx, func(cfg *config.Config, pool *pgxpool.Pool) error {
				if tenant == "" {
					tenant = cfg.DefaultTenant
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Running migrations for tenant: %s\n", tenant)
				count, err := db.EnsureTenantSchema(ctx, pool, tenant, migrations.FS)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("tenant", "", "Tenant identifier (defaults to DEFAULT_TENANT)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			ctx := cmd.Context()
			return withDB(ctx, func(cfg *config.Config, pool *pgxpool.Pool) error {
				if tenant == "" {
					tenant = cfg.DefaultTenant
				}
				schema, err := db.SchemaFor(tenant)
				if err != nil {
					return err
				}
				statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx, schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(cmd.OutOrStdout(), schema, statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("tenant", "", "Tenant identifier (defaults to DEFAULT_TENANT)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printMigrationStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema and apply migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			if _, err := db.SchemaFor(name); err != nil {
				return err
			}
			ctx := cmd.Context()
			return withDB(ctx, func(_ *config.Config, pool *pgxpool.Pool) error {
				count, err := db.EnsureTenantSchema(ctx, pool, name, migrations.FS)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Tenant %s ready (%d migration(s) applied).\n", name, count)
				return nil
			})
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

func definitionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "definitions",
		Short: "Inspect assessment definitions",
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the template, scoring config and rule sets",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			source, err := validateDefinitions(dir)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: invalid\n", source)
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", source)
			return nil
		},
	}
	validateCmd.Flags().String("dir", "", "Definitions directory (defaults to the built-in set)")
	cmd.AddCommand(validateCmd)
	return cmd
}

// validateDefinitions reports every problem in dir, or in the built-in set
// when dir is empty.
func validateDefinitions(dir string) (string, error) {
	if dir != "" {
		return dir, definitions.Check(os.DirFS(dir), dir)
	}
	b, err := definitions.LoadDefaults()
	if err != nil {
		return definitions.EmbeddedSource, err
	}
	return b.Source, b.RulesErr
}

type evaluateInput struct {
	Severities map[string]int `yaml:"severities"`
	Facts      map[string]any `yaml:"facts"`
}

type evaluateOutput struct {
	Decision    *rules.Decision `json:"decision,omitempty"`
	Fingerprint string          `json:"fingerprint,omitempty"`
	Fallback    *rules.Fallback `json:"fallback,omitempty"`
	Error       string          `json:"error,omitempty"`
}

func evaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate the rule sets against severities and facts from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			input, _ := cmd.Flags().GetString("input")
			dir, _ := cmd.Flags().GetString("dir")
			if input == "" {
				return fmt.Errorf("--input is required")
			}
			data, err := os.ReadFile(input)
			if err != nil {
				return err
			}
			var in evaluateInput
			if err := yaml.Unmarshal(data, &in); err != nil {
				return fmt.Errorf("decode %s: %w", input, err)
			}

			var rec *rules.Recommender
			if wm, loc, err := definitions.LoadRules(dir); err != nil {
				rec = rules.UnavailableRecommender(err)
			} else if rec, err = rules.NewRecommender(wm, loc); err != nil {
				rec = rules.UnavailableRecommender(err)
			}

			var out evaluateOutput
			d, err := rec.Evaluate(in.Severities, in.Facts)
			if err != nil {
				fb := rec.Fallback()
				out.Fallback, out.Error = &fb, err.Error()
			} else {
				out.Decision = &d
				if out.Fingerprint, err = d.Fingerprint(); err != nil {
					return err
				}
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().String("input", "", "YAML file with severities and facts")
	cmd.Flags().String("dir", "", "Definitions directory (defaults to the built-in set)")
	return cmd
}
