package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"coordline/internal/app"
	"coordline/internal/config"
	"coordline/internal/engine"
	"coordline/internal/mcptools"
	"coordline/internal/migrate"
	"coordline/internal/server"
)

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the workspace database and a default coordline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); err == nil && !force {
				fmt.Printf("%s already exists\n", cfgPath)
			} else {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", cfgPath)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				applied, err := migrate.Status(a.DB)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(applied)
				}
				for _, m := range applied {
					fmt.Printf("schema %d %s (applied %s)\n", m.Version, m.Name, m.AppliedAt.Local().Format(time.DateTime))
				}
				fmt.Println("Workspace ready")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowAgentHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, janitor and webhook forwarder",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.Context) error {
				logger := log.New(os.Stderr, "", log.LstdFlags)
				authCfg := server.AuthConfig{
					JWTSecret:        viper.GetString("jwt-secret"),
					AllowAgentHeader: allowAgentHeader,
					Logger:           logger,
				}
				if authCfg.JWTSecret == "" && !allowAgentHeader {
					return fmt.Errorf("COORD_JWT_SECRET is required for bearer auth (or pass --allow-agent-header for local use)")
				}
				handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					<-gctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
				g.Go(func() error {
					fmt.Printf("Serving Coordline API on http://%s%s (OpenAPI at %s, Swagger UI at %s)\n",
						addr, basePath, path.Join(basePath, "openapi.json"), path.Join(basePath, "docs"))
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					return runJanitor(gctx, a.Engine, a.Config.Coordination.SweepInterval, logger)
				})
				if hooks := server.NewWebhookDispatcher(a.Engine, logger); hooks != nil {
					g.Go(func() error { return hooks.Run(gctx) })
				}
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowAgentHeader, "allow-agent-header", false, "trust X-Agent-Id without credentials (local use only)")
	return cmd
}

// runJanitor sweeps expired sessions, overdue proposals, lapsed claims and
// dead locks until ctx is done. Sweep errors are logged, not fatal.
func runJanitor(ctx context.Context, e engine.Engine, interval time.Duration, logger *log.Logger) error {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stats, err := e.Sweep(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.Printf("janitor: sweep failed: %v", err)
				continue
			}
			if n := len(stats.ExpiredSessions) + len(stats.ClosedProposals) + len(stats.RequeuedTasks); n > 0 || stats.PurgedLocks > 0 {
				logger.Printf("janitor: expired %d sessions, closed %d proposals, requeued %d tasks, purged %d locks",
					len(stats.ExpiredSessions), len(stats.ClosedProposals), len(stats.RequeuedTasks), stats.PurgedLocks)
			}
			if c := stats.AuditCompaction; c.RolledUp > 0 || c.ArchivedDays > 0 {
				logger.Printf("janitor: audit rolled up %d entries, archived %d days", c.RolledUp, c.ArchivedDays)
			}
		}
	}
}

func mcpCmd() *cobra.Command {
	var agent string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve coordination tools over MCP stdio for one agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return mcpserver.ServeStdio(mcptools.NewServer(e, agent))
			})
		},
	}
	cmd.Flags().StringVar(&agent, "agent", "", "agent identity the tools act as")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one janitor pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stats, err := e.Sweep(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stats)
				}
				tw := newTable("Expired sessions", "Closed proposals", "Requeued tasks", "Purged locks", "Audit rolled up", "Archived days")
				tw.AppendRow([]any{len(stats.ExpiredSessions), len(stats.ClosedProposals), len(stats.RequeuedTasks), stats.PurgedLocks,
					stats.AuditCompaction.RolledUp, stats.AuditCompaction.ArchivedDays})
				tw.Render()
				return nil
			})
		},
	}
}
