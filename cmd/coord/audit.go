package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"coordline/internal/audit"
	"coordline/internal/engine"
)

type auditFlags struct {
	filter audit.Filter
	since  time.Duration
}

func (f *auditFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.filter.SessionID, "session", "", "session id")
	fs.StringVar(&f.filter.AgentID, "agent", "", "agent id")
	fs.StringVar(&f.filter.ActionType, "type", "", "action type (tool, skill, external, decision, error)")
	fs.StringVar(&f.filter.ActionName, "action", "", "action name, e.g. lock.acquire")
	fs.StringVar(&f.filter.Outcome, "outcome", "", "outcome status")
	fs.DurationVar(&f.since, "since", 0, "only entries newer than this")
}

func (f *auditFlags) resolve() audit.Filter {
	filter := f.filter
	if f.since > 0 {
		filter.Since = time.Now().Add(-f.since)
	}
	return filter
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "audit", Short: "Query, export and compact the audit trail"}
	cmd.AddCommand(auditTailCmd(), auditExportCmd(), auditCompactCmd(), auditArchivesCmd())
	return cmd
}

func auditTailCmd() *cobra.Command {
	var flags auditFlags
	var limit int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				filter := flags.resolve()
				filter.PageSize = limit
				entries, _, err := e.Audit.Page(ctx, filter)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					records := make([]any, 0, len(entries))
					for _, entry := range entries {
						records = append(records, entry.Export())
					}
					return printJSON(records)
				}
				tw := newTable("Time", "Agent", "Session", "Action", "Outcome", "Duration", "Details")
				for _, entry := range entries {
					details := entry.Details
					if entry.RedactionApplied {
						details += " [redacted]"
					}
					tw.AppendRow([]any{entry.Timestamp.Local().Format(time.DateTime), entry.AgentID, entry.SessionID,
						entry.ActionName, entry.Outcome, entry.Duration.Round(time.Microsecond).String(), details})
				}
				tw.Render()
				return nil
			})
		},
	}
	flags.register(cmd.Flags())
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "entries to show")
	return cmd
}

func auditExportCmd() *cobra.Command {
	var flags auditFlags
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write matching entries as JSON lines in the flat export format",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var w io.Writer = os.Stdout
				if out != "" && out != "-" {
					f, err := os.Create(out)
					if err != nil {
						return err
					}
					defer f.Close()
					w = f
				}
				n, err := e.Audit.Export(ctx, w, flags.resolve())
				if err != nil {
					return err
				}
				if w != os.Stdout {
					fmt.Printf("Exported %d records to %s\n", n, out)
				}
				return nil
			})
		},
	}
	flags.register(cmd.Flags())
	cmd.Flags().StringVarP(&out, "out", "o", "-", "output file")
	return cmd
}

func auditCompactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Roll hot entries into hourly buckets and archive old days",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stats, err := e.Audit.Compact(ctx, time.Now())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stats)
				}
				fmt.Printf("Rolled up %d entries, archived %d days (%d buckets)\n", stats.RolledUp, stats.ArchivedDays, stats.ArchivedBuckets)
				return nil
			})
		},
	}
}

func auditArchivesCmd() *cobra.Command {
	var seq int64
	cmd := &cobra.Command{
		Use:   "archives",
		Short: "List cold archives, or decode one with --seq",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				archives, err := e.Repo.ListColdArchives(ctx, seq > 0)
				if err != nil {
					return err
				}
				if seq > 0 {
					for _, a := range archives {
						if a.Seq != seq {
							continue
						}
						buckets, err := audit.ReadArchive(a)
						if err != nil {
							return err
						}
						if viper.GetBool("json") {
							return printJSON(buckets)
						}
						tw := newTable("Hour", "Agent", "Session", "Action", "Outcome", "Entries", "Redacted", "Sensitive")
						for _, b := range buckets {
							tw.AppendRow([]any{b.Bucket.Format(time.DateTime), b.AgentID, b.SessionID, b.ActionName, b.Outcome,
								b.Entries, b.RedactedEntries, b.SensitiveEntries})
						}
						tw.Render()
						return nil
					}
					return fmt.Errorf("archive %d not found", seq)
				}
				if viper.GetBool("json") {
					return printJSON(archives)
				}
				tw := newTable("Seq", "Day", "Buckets", "Entries", "Archived")
				for _, a := range archives {
					tw.AppendRow([]any{a.Seq, a.Day.Format(time.DateOnly), a.Buckets, a.Entries, formatTime(&a.ArchivedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&seq, "seq", 0, "archive to decode")
	return cmd
}
