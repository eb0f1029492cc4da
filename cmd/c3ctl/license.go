package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/MacJediWizard/continuum/internal/console"
	"github.com/MacJediWizard/continuum/internal/license"
	"github.com/spf13/cobra"
)

func newLicenseCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "license",
		Short: "Seal, inspect and install license envelopes",
	}
	cmd.AddCommand(
		newLicenseSealCmd(opts),
		newLicenseInspectCmd(opts),
		newLicenseUpdateCmd(opts),
	)
	return cmd
}

func newLicenseSealCmd(opts *globalOptions) *cobra.Command {
	var input, output, version string

	cmd := &cobra.Command{
		Use:   "seal",
		Short: "Seal a license payload into an envelope",
		Long: `Seals a JSON license payload under LICENSE_KEY. The payload is read from
--in (or stdin) and the envelope is written to --out (or stdout).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLicenseSeal(opts, input, output, version)
		},
	}

	cmd.Flags().StringVar(&input, "in", "-", "Payload JSON file")
	cmd.Flags().StringVar(&output, "out", "", "Envelope output file")
	cmd.Flags().StringVar(&version, "version", "", "Envelope version (defaults to the configured version)")

	return cmd
}

func runLicenseSeal(opts *globalOptions, input, output, version string) error {
	cfg, _, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if cfg.LicenseKey == "" {
		return license.ErrKeyMissing
	}
	if version == "" {
		version = cfg.EnvelopeVersion
	}
	codec, err := license.NewCodec(version)
	if err != nil {
		return err
	}

	data, err := readInput(input)
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	payload, err := license.ParsePayload(data)
	if err != nil {
		return err
	}
	env, err := codec.Seal(payload, cfg.LicenseKey)
	if err != nil {
		return err
	}

	if output != "" {
		if err := license.SaveFile(output, env); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "Sealed %s (envelope v%s) to %s\n", payload.DisplayUID(), env.Version, output)
		return nil
	}
	return printJSON(env)
}

func newLicenseInspectCmd(opts *globalOptions) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Decrypt and show the installed license",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLicenseInspect(opts, file)
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "License file (defaults to the configured license file)")

	return cmd
}

func runLicenseInspect(opts *globalOptions, file string) error {
	cfg, _, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if file == "" {
		file = cfg.LicenseFile
	}

	payload, err := license.LoadFile(file, cfg.LicenseKey)
	if err != nil {
		fmt.Printf("License status: %s\n", license.StatusOf(err))
		return err
	}

	days, ttl := payload.TTL(time.Now())
	return printJSON(console.LicenseView{
		Status:       license.StatusOK,
		LicenseID:    payload.LicenseID,
		CustomerName: payload.CustomerName,
		UID:          payload.DisplayUID(),
		Tier:         payload.Tier,
		ExpiryDate:   payload.ExpiryDate,
		DaysLeft:     days,
		TTLStatus:    ttl,
		QuotaLimit:   payload.QuotaLimit,
	})
}

func newLicenseUpdateCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "update <envelope-file>",
		Short: "Install an uploaded license envelope",
		Long: `Verifies the uploaded envelope under LICENSE_KEY and installs it as the
license file. The previous file is kept as a timestamped backup.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			uploaded, err := readInput(args[0])
			if err != nil {
				return fmt.Errorf("read envelope: %w", err)
			}
			return withConsole(cmd, opts, func(ctx context.Context, c *console.Console) error {
				payload, err := c.UpdateLicense(ctx, opts.operator, uploaded)
				if err != nil {
					return err
				}
				fmt.Printf("License %s installed (tier %s, expires %s)\n",
					payload.LicenseID, payload.Tier, payload.ExpiryDate)
				return nil
			})
		},
	}
}
