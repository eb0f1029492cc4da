package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/MacJediWizard/continuum/internal/console"
	"github.com/MacJediWizard/continuum/internal/ledger"
	"github.com/MacJediWizard/continuum/internal/maintenance"
	"github.com/spf13/cobra"
)

func newLedgerCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Record and verify usage events",
	}
	cmd.AddCommand(
		newLedgerRecordCmd(opts),
		newLedgerVerifyCmd(opts),
		newLedgerAuditCmd(opts),
		newLedgerRecentCmd(opts),
		newLedgerRolloverCmd(opts),
		newLedgerSnapshotCmd(opts),
	)
	return cmd
}

type recordOptions struct {
	eventType string
	state     string
	mode      string
	reason    string
	latency   int64
	llmUsed   bool
	cacheHit  bool
}

func newLedgerRecordCmd(opts *globalOptions) *cobra.Command {
	ro := &recordOptions{}

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Append a usage event",
		RunE: func(cmd *cobra.Command, args []string) error {
			fact := ledger.Fact{
				EventType:     ledger.EventType(strings.ToLower(ro.eventType)),
				DecisionState: ledger.DecisionState(strings.ToUpper(ro.state)),
				Mode:          ro.mode,
				ReasonCode:    ro.reason,
				LLMUsed:       ro.llmUsed,
				CacheHit:      ro.cacheHit,
			}
			if cmd.Flags().Changed("latency") {
				latency := ro.latency
				fact.LatencyMS = &latency
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				ev, err := a.ledger.Append(ctx, fact)
				if err != nil {
					return err
				}
				return printJSON(ev)
			})
		},
	}

	cmd.Flags().StringVar(&ro.eventType, "type", string(ledger.EventAnalysis), "Event type (analysis, feedback, error)")
	cmd.Flags().StringVar(&ro.state, "state", string(ledger.DecisionAllow), "Decision state (ALLOW, GUIDE, BLOCK, ERROR, FEEDBACK)")
	cmd.Flags().StringVar(&ro.mode, "mode", "", "Serving mode")
	cmd.Flags().StringVar(&ro.reason, "reason", "", "Reason code")
	cmd.Flags().Int64Var(&ro.latency, "latency", 0, "Latency in milliseconds")
	cmd.Flags().BoolVar(&ro.llmUsed, "llm", false, "The decision used the model")
	cmd.Flags().BoolVar(&ro.cacheHit, "cache", false, "The decision was served from cache")

	return cmd
}

func newLedgerVerifyCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check the heartbeat chain head",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConsole(cmd, opts, func(ctx context.Context, c *console.Console) error {
				status, err := c.VerifyChain(ctx, opts.operator)
				if err != nil {
					return err
				}
				if err := printJSON(status); err != nil {
					return err
				}
				if !status.OK {
					return fmt.Errorf("heartbeat chain not ok: %s", status.Reason)
				}
				return nil
			})
		},
	}
}

func newLedgerAuditCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Re-verify every event in the heartbeat chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConsole(cmd, opts, func(ctx context.Context, c *console.Console) error {
				report, err := c.Audit(ctx, opts.operator)
				if err != nil {
					return err
				}
				if err := printJSON(report); err != nil {
					return err
				}
				if report.BrokenAt > 0 {
					return fmt.Errorf("heartbeat chain broken at position %d (%s)", report.BrokenAt, report.BrokenEvent)
				}
				return nil
			})
		},
	}
}

func newLedgerRecentCmd(opts *globalOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "recent",
		Short: "List the most recent usage events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConsole(cmd, opts, func(ctx context.Context, c *console.Console) error {
				events, err := c.RecentEvents(ctx, opts.operator, limit)
				if err != nil {
					return err
				}
				for _, ev := range events {
					fmt.Printf("%-6d %s  %-8s %-8s %s\n",
						ev.HeartbeatCounter, ev.TSUTC, ev.EventType, ev.DecisionState, ev.EventID)
				}
				return nil
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Number of events to list")

	return cmd
}

func newLedgerRolloverCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rollover",
		Short: "Finalize the previous month if the calendar month has changed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if err := a.ledger.Rollover(ctx); err != nil {
					return err
				}
				meta, err := a.ledger.Meta(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Active month: %s (last finalized: %s)\n", meta.ActiveMonth, meta.LastFinalizedMonth)
				return nil
			})
		},
	}
}

func newLedgerSnapshotCmd(opts *globalOptions) *cobra.Command {
	var dir string
	var keep int

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Write a compressed, checksummed copy of the usage database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				sc := maintenance.DefaultSnapshotConfig()
				sc.Dir = dir
				if sc.Dir == "" {
					sc.Dir = filepath.Join(a.cfg.ArtifactDir, "snapshots")
				}
				if keep > 0 {
					sc.MaxSnapshots = keep
				}
				snap, err := maintenance.NewSnapshotService(a.ledger.Store(), sc, a.logger).CreateSnapshot(ctx)
				if err != nil {
					return err
				}
				return printJSON(snap)
			})
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "Snapshot directory (defaults to <artifact dir>/snapshots)")
	cmd.Flags().IntVar(&keep, "keep", 0, "Number of snapshots to retain")

	return cmd
}

func newDashboardCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Show license, usage, billing and chain health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConsole(cmd, opts, func(ctx context.Context, c *console.Console) error {
				d, err := c.Dashboard(ctx, opts.operator)
				if err != nil {
					return err
				}
				return printJSON(d)
			})
		},
	}
}
