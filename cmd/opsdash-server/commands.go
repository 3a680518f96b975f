package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/opsdash/opsdash/internal/config"
	"github.com/opsdash/opsdash/internal/domain/labtemplate"
	"github.com/opsdash/opsdash/internal/platform/db"
	"github.com/opsdash/opsdash/migrations"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run PostgreSQL migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, schema, closeFn, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			fmt.Fprintf(cmd.OutOrStdout(), "Running migrations on schema: %s\n", schema)
			count, err := migrator.Up(cmd.Context(), schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	addMigrateFlags(upCmd)
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, schema, closeFn, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := migrator.Status(cmd.Context(), schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Migration status for schema: %s\n", schema)
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	addMigrateFlags(statusCmd)
	cmd.AddCommand(statusCmd)

	return cmd
}

func addMigrateFlags(cmd *cobra.Command) {
	cmd.Flags().String("schema", "", "Target schema (defaults to DB_SCHEMA)")
	cmd.Flags().String("dir", "", "Read migrations from this directory instead of the embedded set")
}

func openMigrator(cmd *cobra.Command) (*db.Migrator, string, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, "", nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, "", nil, fmt.Errorf("DATABASE_URL is required for migrations")
	}

	schema, _ := cmd.Flags().GetString("schema")
	if schema == "" {
		schema = cfg.DBSchema
	}
	var source fs.FS = migrations.FS
	if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
		source = os.DirFS(dir)
	}

	pool, err := db.NewPool(cmd.Context(), db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
	if err != nil {
		return nil, "", nil, err
	}
	return db.NewMigrator(pool, source), schema, pool.Close, nil
}

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect and manage the test template catalogue",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List active templates from the configured data source",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			filters := labtemplate.FilterSet{}
			filters.SearchTerm, _ = cmd.Flags().GetString("search")
			filters.Category, _ = cmd.Flags().GetString("category")
			filters.SampleType, _ = cmd.Flags().GetString("sample-type")
			filters.Methodology, _ = cmd.Flags().GetString("methodology")
			return listCatalog(cmd, cfg, filters)
		},
	}
	listCmd.Flags().String("search", "", "Free-text search over name, alternate name and category")
	listCmd.Flags().String("category", "", "Exact category, case-insensitive")
	listCmd.Flags().String("sample-type", "", "Exact sample type, case-insensitive")
	listCmd.Flags().String("methodology", "", "Exact methodology, case-insensitive")
	cmd.AddCommand(listCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "validate FILE",
		Short: "Check a YAML catalogue without loading it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := labtemplate.LoadCatalogFile(args[0])
			if err != nil {
				return err
			}
			active := labtemplate.Apply(items, labtemplate.FilterSet{})
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d templates (%d active)\n", args[0], len(items), len(active))
			return nil
		},
	})

	importCmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Replace the SQLite catalogue with a YAML catalogue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("db")
			if path == "" {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				path = cfg.SQLitePath
			}

			items, err := labtemplate.LoadCatalogFile(args[0])
			if err != nil {
				return err
			}
			repo, err := labtemplate.NewTemplateRepoSQLite(path)
			if err != nil {
				return err
			}
			defer repo.Close()

			if err := repo.Import(cmd.Context(), items); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d templates into %s\n", len(items), path)
			return nil
		},
	}
	importCmd.Flags().String("db", "", "SQLite database path (defaults to SQLITE_PATH)")
	cmd.AddCommand(importCmd)

	return cmd
}

// listCatalog runs filters through a Store so the CLI sees exactly what the
// API would serve.
func listCatalog(cmd *cobra.Command, cfg *config.Config, filters labtemplate.FilterSet) error {
	ctx := cmd.Context()
	logger := zerolog.New(cmd.ErrOrStderr()).Level(zerolog.WarnLevel)

	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer be.close()

	store := newStore(cfg, logger, be.repo)
	if filters.IsEmpty() {
		store.LoadAll(ctx)
	} else {
		store.Search(ctx, filters)
	}
	st := store.State()
	if st.Error != "" {
		return errors.New(st.Error)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-20s %-36s %-20s %-14s %s\n", "ID", "NAME", "CATEGORY", "SAMPLE TYPE", "PARAMS")
	for _, t := range st.Templates {
		fmt.Fprintf(out, "%-20s %-36s %-20s %-14s %d\n", t.ID, t.Name, t.Category, t.SampleType, len(t.Parameters))
	}
	fmt.Fprintf(out, "%d template(s)\n", len(st.Templates))
	return nil
}
