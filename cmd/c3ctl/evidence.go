package main

import (
	"context"
	"fmt"
	"time"

	"github.com/MacJediWizard/continuum/internal/console"
	"github.com/MacJediWizard/continuum/internal/ledger"
	"github.com/spf13/cobra"
)

func newSummaryCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Emit and verify signed monthly summaries",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "emit [month]",
			Short: "Emit the signed summary for a month (defaults to the active month)",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withConsole(cmd, opts, func(ctx context.Context, c *console.Console) error {
					month := ledger.MonthOf(time.Now())
					if len(args) == 1 {
						month = args[0]
					}
					art, err := c.EmitSummary(ctx, opts.operator, month)
					if err != nil {
						return err
					}
					fmt.Printf("Summary: %s\nSignature: %s\n", art.JSONPath, art.SigPath)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "verify <month>",
			Short: "Verify a stored monthly summary against its signature",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withConsole(cmd, opts, func(ctx context.Context, c *console.Console) error {
					summary, err := c.VerifySummary(ctx, opts.operator, args[0])
					if err != nil {
						return err
					}
					fmt.Printf("Summary %s verified (%d events, chain %s)\n",
						summary.Month, summary.Counts.TotalEvents, summary.Chain.Reason)
					return nil
				})
			},
		},
	)
	return cmd
}

func newExportCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export compliance records",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "compliance",
		Short: "Export the content-free decision log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withConsole(cmd, opts, func(ctx context.Context, c *console.Console) error {
				art, err := c.ExportCompliance(ctx, opts.operator)
				if err != nil {
					return err
				}
				fmt.Printf("Exported %d records to %s\n", len(art.Export.Records), art.Location)
				return nil
			})
		},
	})
	return cmd
}

func newEvidenceCmd(opts *globalOptions) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "evidence",
		Short: "Generate and open sealed evidence summaries",
	}

	openCmd := &cobra.Command{
		Use:   "open",
		Short: "Decrypt and verify an evidence summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			if file != "" {
				var err error
				if data, err = readInput(file); err != nil {
					return fmt.Errorf("read evidence: %w", err)
				}
			}
			return withConsole(cmd, opts, func(ctx context.Context, c *console.Console) error {
				summary, err := c.OpenEvidence(ctx, opts.operator, data)
				if err != nil {
					return err
				}
				return printJSON(summary)
			})
		},
	}
	openCmd.Flags().StringVar(&file, "file", "", "Evidence envelope file (defaults to the stored summary)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "generate",
			Short: "Seal the current evidence summary",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withConsole(cmd, opts, func(ctx context.Context, c *console.Console) error {
					art, err := c.GenerateEvidence(ctx, opts.operator)
					if err != nil {
						return err
					}
					fmt.Printf("Evidence for %s written to %s\n", art.Summary.Month, art.Location)
					return nil
				})
			},
		},
		openCmd,
	)
	return cmd
}
