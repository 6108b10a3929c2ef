package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"coordline/internal/blackboard"
	"coordline/internal/domain"
	"coordline/internal/engine"
	"coordline/internal/taskq"
)

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "session", Short: "Inspect sessions"}

	var status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sessions, err := e.ListSessions(ctx, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sessions)
				}
				tw := newTable("ID", "Status", "Initiator", "Created", "Expires", "Ended")
				for _, s := range sessions {
					tw.AppendRow([]any{s.ID, s.Status, s.InitiatorID, formatTime(&s.CreatedAt), formatTime(s.ExpiresAt), formatTime(s.EndedAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "filter by status (active, completed, aborted)")
	list.Flags().IntVar(&limit, "limit", 50, "maximum sessions to show")

	show := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show a session with its roster and task counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.GetSession(ctx, args[0])
				if err != nil {
					return err
				}
				participants, err := e.Participants(ctx, s.ID, false)
				if err != nil {
					return err
				}
				counts, err := e.Tasks.Counts(ctx, s.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"session": s, "participants": participants, "tasks": counts})
				}
				fmt.Printf("Session %s (%s)\n", s.ID, s.Status)
				fmt.Printf("Initiator: %s\nCreated:   %s\n", s.InitiatorID, formatTime(&s.CreatedAt))
				if s.ExpiresAt != nil {
					fmt.Printf("Expires:   %s\n", formatTime(s.ExpiresAt))
				}
				if len(s.Context) > 0 {
					fmt.Printf("Context:   %s\n", string(s.Context))
				}
				tw := newTable("Agent", "Joined", "Left", "Outcome")
				for _, p := range participants {
					tw.AppendRow([]any{p.AgentID, formatTime(&p.JoinedAt), formatTime(p.LeftAt), p.Outcome})
				}
				tw.Render()
				if len(counts) > 0 {
					statuses := make([]string, 0, len(counts))
					for st := range counts {
						statuses = append(statuses, st)
					}
					sort.Strings(statuses)
					parts := make([]string, 0, len(statuses))
					for _, st := range statuses {
						parts = append(parts, fmt.Sprintf("%s=%d", st, counts[st]))
					}
					fmt.Println("Tasks:", strings.Join(parts, " "))
				}
				return nil
			})
		},
	}
	cmd.AddCommand(list, show)
	return cmd
}

func lockCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "lock", Short: "Inspect resource leases"}
	var prefix string
	list := &cobra.Command{
		Use:   "list",
		Short: "List live leases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				locks, err := e.Locks.List(ctx, prefix)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(locks)
				}
				tw := newTable("Resource", "Holder", "Acquired", "Expires", "TTL")
				for _, l := range locks {
					tw.AppendRow([]any{l.ResourceID, l.HolderID, formatTime(&l.AcquiredAt), formatTime(&l.ExpiresAt), l.TTL.String()})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&prefix, "prefix", "", "resource prefix")
	cmd.AddCommand(list)
	return cmd
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Inspect the task queue"}
	var f taskq.ListFilter
	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks by priority",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Tasks.List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable("ID", "Session", "Type", "Priority", "Status", "Assigned", "Attempts", "Lease expires")
				for _, t := range tasks {
					tw.AppendRow([]any{t.ID, t.SessionID, t.Type, t.Priority, t.Status, deref(t.AssignedTo),
						fmt.Sprintf("%d/%d", t.Attempts, t.MaxRetries+1), formatTime(t.LeaseExpiresAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.SessionID, "session", "", "session id")
	list.Flags().StringVar(&f.Status, "status", "", "filter by status")
	list.Flags().StringVar(&f.Type, "type", "", "filter by task type")
	list.Flags().StringVar(&f.AssignedTo, "assigned-to", "", "filter by worker")
	list.Flags().IntVar(&f.Limit, "limit", 100, "maximum tasks to show")

	show := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Tasks.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.AddCommand(list, show)
	return cmd
}

func findingCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "finding", Short: "Inspect the findings log"}
	var f blackboard.FindingFilter
	var sessionID string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List findings newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sessionID == "" {
				return fmt.Errorf("--session is required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var findings []domain.Finding
				for finding, err := range e.Board.ListFindings(ctx, sessionID, f) {
					if err != nil {
						return err
					}
					findings = append(findings, finding)
					if limit > 0 && len(findings) >= limit {
						break
					}
				}
				if viper.GetBool("json") {
					return printJSON(findings)
				}
				tw := newTable("ID", "Agent", "Category", "Confidence", "Content", "Supersedes")
				for _, fd := range findings {
					tw.AppendRow([]any{fd.ID, fd.AgentID, fd.Category, fmt.Sprintf("%.2f", fd.Confidence), fd.Content, fd.Supersedes})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&sessionID, "session", "", "session id")
	list.Flags().StringVar(&f.Category, "category", "", "observation, hypothesis or conclusion")
	list.Flags().StringVar(&f.AgentID, "agent", "", "filter by author")
	list.Flags().BoolVar(&f.Current, "current", false, "hide superseded findings")
	list.Flags().IntVar(&limit, "limit", 100, "maximum findings to show")
	cmd.AddCommand(list)
	return cmd
}

func proposalCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "proposal", Short: "Inspect proposals and votes"}
	var sessionID, status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List proposals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				props, err := e.Consensus.List(ctx, sessionID, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(props)
				}
				tw := newTable("ID", "Session", "Rule", "Status", "Outcome", "Confidence", "Deadline", "Description")
				for _, p := range props {
					conf := ""
					if p.AggregateConfidence != nil {
						conf = fmt.Sprintf("%.2f", *p.AggregateConfidence)
					}
					tw.AppendRow([]any{p.ID, p.SessionID, p.Rule, p.Status, p.Outcome, conf, formatTime(&p.Deadline), p.Description})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&sessionID, "session", "", "session id")
	list.Flags().StringVar(&status, "status", "", "open, decided or expired")

	show := &cobra.Command{
		Use:   "show <proposal-id>",
		Short: "Show a proposal with its ballots",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Consensus.Get(ctx, args[0])
				if err != nil {
					return err
				}
				votes, err := e.Consensus.Votes(ctx, p.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"proposal": p, "votes": votes})
				}
				fmt.Printf("Proposal %s: %s\n", p.ID, p.Description)
				fmt.Printf("Rule: %s  Status: %s  Outcome: %s  Deadline: %s\n", p.Rule, p.Status, p.Outcome, formatTime(&p.Deadline))
				tw := newTable("Agent", "Choice", "Confidence", "Evidence", "Domain", "Reason")
				for _, v := range votes {
					tw.AppendRow([]any{v.AgentID, v.Choice, fmt.Sprintf("%.2f", v.Confidence), v.EvidenceCount, v.Domain, v.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.AddCommand(list, show)
	return cmd
}

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "events", Short: "Read topic event logs"}
	var sessionID, topic string
	var from int64
	var limit int
	var follow bool
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Print events after a sequence number, optionally following new ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sessionID == "" {
				return fmt.Errorf("--session is required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if follow {
					for ev, err := range e.Events.Subscribe(ctx, sessionID, topic, from) {
						if err != nil {
							if ctx.Err() != nil {
								return nil
							}
							return err
						}
						printEvent(ev)
					}
					return nil
				}
				events, _, err := e.Events.Page(ctx, sessionID, topic, from, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				for _, ev := range events {
					printEvent(ev)
				}
				return nil
			})
		},
	}
	tail.Flags().StringVar(&sessionID, "session", "", "session id")
	tail.Flags().StringVar(&topic, "topic", engine.MessagesTopic, "topic name")
	tail.Flags().Int64Var(&from, "from", 0, "start after this sequence number")
	tail.Flags().IntVar(&limit, "limit", 50, "maximum events without --follow")
	tail.Flags().BoolVarP(&follow, "follow", "f", false, "keep streaming new events")
	cmd.AddCommand(tail)
	return cmd
}

func printEvent(ev domain.Event) {
	if viper.GetBool("json") {
		_ = printJSON(ev)
		return
	}
	fmt.Printf("%d\t%s\t%s\t%s\t%s\n", ev.Seq, ev.TS.Local().Format("15:04:05.000"), ev.AgentID, ev.Type, string(ev.Payload))
}
