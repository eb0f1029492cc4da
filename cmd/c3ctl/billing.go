package main

import (
	"time"

	"github.com/MacJediWizard/continuum/internal/billing"
	"github.com/MacJediWizard/continuum/internal/license"
	"github.com/spf13/cobra"
)

func newBillingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "billing",
		Short: "Price usage against the tier schedule",
	}
	cmd.AddCommand(newBillingEstimateCmd())
	return cmd
}

func newBillingEstimateCmd() *cobra.Command {
	var tier string
	var usage, quota int64
	var forecast bool

	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Estimate the monthly bill for a usage count",
		RunE: func(cmd *cobra.Command, args []string) error {
			calc := billing.NewCalculator()
			t := license.NormalizeTier(tier)
			if forecast {
				return printJSON(calc.Forecast(t, usage, quota, time.Now().UTC()))
			}
			return printJSON(calc.Estimate(t, usage, quota))
		},
	}

	cmd.Flags().StringVar(&tier, "tier", "PRO", "License tier")
	cmd.Flags().Int64Var(&usage, "usage", 0, "Analysis count")
	cmd.Flags().Int64Var(&quota, "quota", 0, "License quota limit")
	cmd.Flags().BoolVar(&forecast, "forecast", false, "Project usage to the end of the month")

	return cmd
}
