package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/MacJediWizard/continuum/internal/config"
	"github.com/MacJediWizard/continuum/internal/crypto"
	"github.com/spf13/cobra"
)

func newConfigCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "path",
			Short: "Print the configuration file in use",
			RunE: func(cmd *cobra.Command, args []string) error {
				path, err := configPath(opts)
				if err != nil {
					return err
				}
				fmt.Println(path)
				return nil
			},
		},
		newConfigInitCmd(opts),
	)
	return cmd
}

func newConfigInitCmd(opts *globalOptions) *cobra.Command {
	var force, signingKey bool
	var env string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file with the defaults",
		Long: `Writes the default settings to the configuration file (--config, C3_CONFIG
or ~/.continuum/config.yml). With --generate-signing-key a random usage
signing key is included. The file is created with 0600 permissions.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := configPath(opts)
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
			}

			cfg := config.Default()
			if env != "" {
				cfg.Environment = config.Environment(env)
			}
			if signingKey {
				key, err := crypto.RandomBytes(32)
				if err != nil {
					return err
				}
				cfg.SigningKey = hex.EncodeToString(key)
			}
			if err := cfg.Save(path); err != nil {
				return err
			}
			fmt.Printf("Configuration written to %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	cmd.Flags().BoolVar(&signingKey, "generate-signing-key", false, "Include a random usage signing key")
	cmd.Flags().StringVar(&env, "env", "", "Deployment environment (development, staging, production)")

	return cmd
}

// configPath resolves the file Load reads.
func configPath(opts *globalOptions) (string, error) {
	if opts.configPath != "" {
		return opts.configPath, nil
	}
	if path := strings.TrimSpace(os.Getenv("C3_CONFIG")); path != "" {
		return path, nil
	}
	return config.DefaultConfigPath()
}
