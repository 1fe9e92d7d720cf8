package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"catalog/api/internal/auth"
	"catalog/api/internal/rbac"
	"catalog/api/internal/store"
)

var (
	healthURL  string
	tokenName  string
	tokenRole  string
	tokenTTL   time.Duration
	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()
			pool, err := store.Open(ctx, cfg.DatabaseURL, 2)
			if err != nil {
				return err
			}
			defer pool.Close()
			applied, err := store.ApplyMigrations(ctx, pool, cfg.MigrationsDir, log)
			if err != nil {
				return err
			}
			log.Info("migrations complete", zap.Int("applied", applied))
			return nil
		},
	}

	healthCmd = &cobra.Command{
		Use:   "health",
		Short: "Probe a running API's readiness endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			url := healthURL
			if url == "" {
				addr := cfg.Addr
				if strings.HasPrefix(addr, ":") {
					addr = "localhost" + addr
				}
				url = "http://" + addr + "/api/ready"
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("probe %s: %w", url, err)
			}
			defer resp.Body.Close()
			var body map[string]any
			_ = json.NewDecoder(resp.Body).Decode(&body)
			out, _ := json.MarshalIndent(body, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("not ready: status %d", resp.StatusCode)
			}
			return nil
		},
	}

	tokenCmd = &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a bearer token signed with the configured secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			role := rbac.Role(strings.ToLower(strings.TrimSpace(tokenRole)))
			if !role.Valid() {
				return fmt.Errorf("unknown role %q, want one of %v", tokenRole, rbac.Roles())
			}
			if cfg.Production() && os.Getenv("CATALOG_ALLOW_TOKEN_CLI") == "" {
				return fmt.Errorf("refusing to mint tokens in production without CATALOG_ALLOW_TOKEN_CLI")
			}
			ttl := tokenTTL
			if ttl <= 0 {
				ttl = cfg.TokenTTL
			}
			name := tokenName
			if name == "" {
				name = args[0]
			}
			token, claims, err := auth.Issue([]byte(cfg.JWTSecret), args[0], name, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			log.Debug("token issued", zap.String("sub", claims.Sub), zap.String("role", string(claims.Role)), zap.Time("expires", time.Unix(claims.Exp, 0)))
			return nil
		},
	}
)

func init() {
	healthCmd.Flags().StringVar(&healthURL, "url", "", "readiness URL (defaults to the configured listen address)")
	tokenCmd.Flags().StringVar(&tokenName, "name", "", "display name (defaults to the user id)")
	tokenCmd.Flags().StringVar(&tokenRole, "role", string(rbac.RoleGuest), "role embedded in the token")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (defaults to the configured TTL)")
}
