package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"coordline/internal/app"
	"coordline/internal/config"
	"coordline/internal/db"
	"coordline/internal/engine"
)

var rootCmd = &cobra.Command{
	Use:   "coord",
	Short: "Coordline CLI",
	Long: `Coordline coordinates autonomous workers that share a session.
- Session: a unit of collaboration; workers join, work and leave.
- Blackboard: versioned key/value state plus an append-only findings log.
- Locks: leased, exclusive claims on named resources.
- Tasks: a priority queue with leased claims and bounded retries.
- Topics: ordered event logs with durable per-worker cursors.
- Proposals: weighted votes resolved by majority, unanimity or threshold.
- Audit: every operation is recorded, redacted and exportable.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("COORD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (default <workspace>/coordline.yml)")
	flags.Bool("json", false, "output JSON")
	flags.String("agent-id", "operator", "agent identifier for commands that act in a session")
	flags.String("jwt-secret", "", "HS256 secret for bearer tokens (serve, agent token)")
	flags.Duration("lock-ttl", 0, "override coordination.lock_ttl")
	flags.Duration("claim-ttl", 0, "override coordination.claim_ttl")
	flags.Int("retry-budget", 0, "override coordination.retry_budget")
	flags.Duration("proposal-deadline", 0, "override coordination.proposal_deadline")
	flags.Duration("session-ttl", 0, "override coordination.session_ttl")
	for _, name := range []string{"workspace", "config", "json", "agent-id", "jwt-secret", "lock-ttl", "claim-ttl", "retry-budget", "proposal-deadline", "session-ttl"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(mcpCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(lockCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(findingCmd())
	rootCmd.AddCommand(proposalCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(agentCmd())
}

// loadConfig reads the workspace config and applies flag and COORD_* env
// overrides on top.
func loadConfig() (*config.Config, error) {
	cfg, err := app.LoadConfig(app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
	})
	if err != nil {
		return nil, err
	}
	durations := map[string]*time.Duration{
		"lock-ttl":          &cfg.Coordination.LockTTL,
		"claim-ttl":         &cfg.Coordination.ClaimTTL,
		"proposal-deadline": &cfg.Coordination.ProposalDeadline,
		"session-ttl":       &cfg.Coordination.SessionTTL,
	}
	for key, target := range durations {
		if viper.IsSet(key) {
			*target = viper.GetDuration(key)
		}
	}
	if viper.IsSet("retry-budget") {
		cfg.Coordination.RetryBudget = viper.GetInt("retry-budget")
	}
	return cfg, cfg.Validate()
}

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace"), Config: cfg})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.Context) error {
		return fn(ctx, a.Engine)
	})
}

func agentID() string {
	return viper.GetString("agent-id")
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(header ...any) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row(header))
	return tw
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.Local().Format(time.DateTime)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
