package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mediassist/mediassist/internal/domain/casefile"
	"github.com/mediassist/mediassist/internal/domain/principal"
	"github.com/mediassist/mediassist/internal/platform/db"
)

// withBackend loads the config, opens the store and runs fn against it.
func withBackend(fn func(ctx context.Context, be *backend) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := context.Background()
	be, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer be.Close()
	return fn(ctx, be)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(func(ctx context.Context, be *backend) error {
				count, err := be.migrator.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) to %s store.\n", count, be.driver)
				return nil
			})
		},
	})

	// migrate status
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(func(ctx context.Context, be *backend) error {
				statuses, err := be.migrator.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrations(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	})

	return cmd
}

func printMigrations(w io.Writer, statuses []db.MigrationStatus) {
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

func principalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "principal",
		Short: "Manage submitters and recipients",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Register a principal",
		RunE: func(cmd *cobra.Command, args []string) error {
			var np principal.NewPrincipal
			np.Username, _ = cmd.Flags().GetString("username")
			np.Password, _ = cmd.Flags().GetString("password")
			np.Role, _ = cmd.Flags().GetString("role")
			np.DisplayName, _ = cmd.Flags().GetString("display-name")
			np.Specialty, _ = cmd.Flags().GetString("specialty")
			if np.Password == "" {
				np.Password = os.Getenv("MEDIASSIST_PASSWORD")
			}

			return withBackend(func(ctx context.Context, be *backend) error {
				p, err := principal.NewService(be.principals, nil, nil).Register(ctx, np)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created %s %s (%s)\n", p.Role, p.Username, p.ID)
				return nil
			})
		},
	}
	createCmd.Flags().String("username", "", "Login name")
	createCmd.Flags().String("password", "", "Password (or MEDIASSIST_PASSWORD)")
	createCmd.Flags().String("role", "", "submitter or recipient")
	createCmd.Flags().String("display-name", "", "Name shown to other principals")
	createCmd.Flags().String("specialty", "", "Recipient specialty")
	_ = createCmd.MarkFlagRequired("username")
	_ = createCmd.MarkFlagRequired("role")
	cmd.AddCommand(createCmd)

	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Register principals from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()

			return withBackend(func(ctx context.Context, be *backend) error {
				res, err := principal.NewService(be.principals, nil, nil).Seed(ctx, f)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created %d principal(s), skipped %d existing.\n", res.Created, res.Skipped)
				return nil
			})
		},
	}
	seedCmd.Flags().String("file", "principals.yaml", "Seed file")
	cmd.AddCommand(seedCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List principals",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")
			return withBackend(func(ctx context.Context, be *backend) error {
				principals, total, err := principal.NewService(be.principals, nil, nil).List(ctx, limit, offset)
				if err != nil {
					return err
				}
				printPrincipals(cmd.OutOrStdout(), principals, total)
				return nil
			})
		},
	}
	listCmd.Flags().Int("limit", 50, "Maximum rows")
	listCmd.Flags().Int("offset", 0, "Rows to skip")
	cmd.AddCommand(listCmd)

	return cmd
}

func printPrincipals(w io.Writer, principals []*principal.Principal, total int) {
	fmt.Fprintf(w, "%-36s %-24s %-10s %s\n", "ID", "USERNAME", "ROLE", "DISPLAY NAME")
	for _, p := range principals {
		fmt.Fprintf(w, "%-36s %-24s %-10s %s\n", p.ID, p.Username, p.Role, p.DisplayName)
	}
	fmt.Fprintf(w, "%d of %d principal(s)\n", len(principals), total)
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect case audit trails",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the transitions recorded for a case",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetString("case")
			id, err := uuid.Parse(raw)
			if err != nil {
				return fmt.Errorf("--case must be a case id: %w", err)
			}
			return withBackend(func(ctx context.Context, be *backend) error {
				entries, err := be.store.AuditTrail(ctx, id)
				if err != nil {
					return fmt.Errorf("audit trail for %s: %w", id, err)
				}
				printAuditTrail(cmd.OutOrStdout(), entries)
				return nil
			})
		},
	}
	showCmd.Flags().String("case", "", "Case id")
	_ = showCmd.MarkFlagRequired("case")
	cmd.AddCommand(showCmd)

	return cmd
}

// printAuditTrail includes the detail column, which the HTTP view omits.
func printAuditTrail(w io.Writer, entries []*casefile.AuditEntry) {
	fmt.Fprintf(w, "%-5s %-10s %-10s %-20s %s\n", "SEQ", "FROM", "TO", "RECORDED AT", "DETAIL")
	for _, e := range entries {
		from := string(e.OldStatus)
		if from == "" {
			from = "-"
		}
		fmt.Fprintf(w, "%-5d %-10s %-10s %-20s %s\n",
			e.Seq, from, e.NewStatus, e.RecordedAt.UTC().Format("2006-01-02 15:04:05"), e.Detail)
	}
}
