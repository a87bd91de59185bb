package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"convo-engine/internal/auth"
	"convo-engine/internal/config"
	"convo-engine/internal/rbac"
	"convo-engine/internal/store"
	"convo-engine/pkg/utils"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "convoctl",
		Short:         "Administer the conversational engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newMigrateCmd(), newSeedCmd(), newTokenCmd())
	return root
}

// openStore loads config and connects to Postgres. The caller closes the store's DB.
func openStore(ctx context.Context) (*store.Postgres, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	db, err := utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{MaxOpenConns: 2})
	if err != nil {
		return nil, err
	}
	return store.NewPostgres(db), nil
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.DB().Close()
			if err := st.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema applied")
			return nil
		},
	}
}

func newSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file.yaml>",
		Short: "Load assistants, channel bindings and tasks from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			seed, err := store.ParseSeed(f)
			if err != nil {
				return err
			}

			st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.DB().Close()
			if err := store.Seed(cmd.Context(), st, seed); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d assistants, %d tasks\n", len(seed.Assistants), len(seed.Tasks))
			return nil
		},
	}
}

func newTokenCmd() *cobra.Command {
	var (
		subject auth.Subject
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an access/refresh token pair for an operator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch subject.Role {
			case rbac.RoleOwner, rbac.RoleSupervisor, rbac.RoleAgent, rbac.RoleSuperAdmin:
			default:
				return fmt.Errorf("unknown role %q", subject.Role)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if ttl > 0 {
				cfg.Auth.AccessTokenTTL = ttl
				if cfg.Auth.RefreshTokenTTL <= ttl {
					cfg.Auth.RefreshTokenTTL = 2 * ttl
				}
			}
			m, err := auth.NewManager(cfg.Auth)
			if err != nil {
				return err
			}
			pair, err := m.IssuePair(time.Now(), subject)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(pair)
		},
	}
	cmd.Flags().StringVar(&subject.TenantID, "tenant", "", "tenant id (required)")
	cmd.Flags().StringVar(&subject.UserID, "user", "", "user id (required)")
	cmd.Flags().StringVar(&subject.Name, "name", "", "display name used in system notes")
	cmd.Flags().StringVar(&subject.Role, "role", rbac.RoleAgent, "owner, supervisor, agent or super_admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "access token lifetime (defaults to JWT_ACCESS_TTL)")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
