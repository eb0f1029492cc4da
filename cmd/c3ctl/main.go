// Package main is the entrypoint for the Continuum command center CLI.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/MacJediWizard/continuum/internal/auth"
	"github.com/MacJediWizard/continuum/internal/billing"
	"github.com/MacJediWizard/continuum/internal/config"
	"github.com/MacJediWizard/continuum/internal/console"
	"github.com/MacJediWizard/continuum/internal/evidence"
	"github.com/MacJediWizard/continuum/internal/ledger"
	"github.com/MacJediWizard/continuum/internal/license"
	"github.com/MacJediWizard/continuum/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath    string
	logLevel      string
	operator      string
	passwordStdin bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "c3ctl",
		Short: "Continuum command center - licenses, usage ledger and billing evidence",
		Long: `c3ctl manages license envelopes, records and verifies the tamper-evident
usage ledger, and produces signed billing evidence.

Configuration is read from the file named by C3_CONFIG (or --config) and from
the environment. Operator actions prompt for the admin password.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.configPath != "" {
				return os.Setenv("C3_CONFIG", opts.configPath)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (overrides LOG_LEVEL)")
	rootCmd.PersistentFlags().StringVar(&opts.operator, "operator", defaultOperator(), "Operator id for the session guard")
	rootCmd.PersistentFlags().BoolVar(&opts.passwordStdin, "password-stdin", false, "Read the admin password from stdin")

	rootCmd.AddCommand(
		newVersionCmd(),
		newLicenseCmd(opts),
		newLedgerCmd(opts),
		newBillingCmd(),
		newSummaryCmd(opts),
		newExportCmd(opts),
		newEvidenceCmd(opts),
		newDashboardCmd(opts),
		newDaemonCmd(opts),
		newConfigCmd(opts),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("c3ctl %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Built:      %s\n", BuildDate)
			fmt.Printf("  Go version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func defaultOperator() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "admin"
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}

// loadConfig reads the configuration. Commands that only need part of it
// check what they use; the daemon and operator commands call Validate.
func loadConfig(opts *globalOptions) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	level := cfg.LogLevel
	if opts.logLevel != "" {
		level = opts.logLevel
	}
	return cfg, newLogger(level), nil
}

// app is the wired command center.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	ledger    *ledger.Ledger
	generator *evidence.Generator
	metrics   *metrics.Metrics
}

// openApp opens the ledger and the artifact sinks. m may be nil.
func openApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, m *metrics.Metrics) (*app, error) {
	codec, err := license.NewCodec(cfg.EnvelopeVersion)
	if err != nil {
		return nil, err
	}

	sink, err := openSink(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	var ledgerOpts []ledger.Option
	if m != nil {
		ledgerOpts = append(ledgerOpts, ledger.WithObserver(m))
	}
	l, err := ledger.Open(cfg.UsageDBPath, cfg.SigningKey, logger, ledgerOpts...)
	if err != nil {
		return nil, fmt.Errorf("open usage ledger: %w", err)
	}

	gen := evidence.NewGenerator(l, sink, cfg.SigningKey, logger,
		evidence.WithCodec(codec),
		evidence.WithAPIVersion(cfg.APIVersion),
	)
	l.SetFinalizer(gen)

	return &app{cfg: cfg, logger: logger, ledger: l, generator: gen, metrics: m}, nil
}

func openSink(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (evidence.Sink, error) {
	dir, err := evidence.NewDirSink(cfg.ArtifactDir)
	if err != nil {
		return nil, err
	}
	s3cfg, ok := cfg.S3Config()
	if !ok {
		return dir, nil
	}
	mirror, err := evidence.NewS3Sink(ctx, s3cfg)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("bucket", s3cfg.Bucket).Str("prefix", s3cfg.Prefix).Msg("mirroring artifacts to s3")
	return evidence.NewMirrorSink(dir, logger, mirror), nil
}

func (a *app) Close() error {
	return a.ledger.Close()
}

// console builds the operator console over the app.
func (a *app) console() (*console.Console, error) {
	cred, err := a.cfg.Credential()
	if err != nil {
		return nil, err
	}
	var guardOpts []auth.GuardOption
	var consoleOpts []console.Option
	if a.metrics != nil {
		guardOpts = append(guardOpts, auth.WithObserver(a.metrics))
		consoleOpts = append(consoleOpts, console.WithLicenseObserver(a.metrics.SetLicenseDaysLeft))
	}
	sessions := auth.NewSessions(cred, a.cfg.GuardConfig(), a.logger, guardOpts...)
	return console.New(a.ledger, a.generator, sessions, billing.NewCalculator(),
		console.LicenseSettings{File: a.cfg.LicenseFile, Key: a.cfg.LicenseKey},
		a.logger, consoleOpts...), nil
}

// withConsole validates the configuration, opens the app, logs the operator in
// and runs fn.
func withConsole(cmd *cobra.Command, opts *globalOptions, fn func(ctx context.Context, c *console.Console) error) error {
	cfg, logger, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := openApp(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	c, err := a.console()
	if err != nil {
		return err
	}

	secret, err := readSecret("Admin password: ", opts.passwordStdin)
	if err != nil {
		return fmt.Errorf("read admin password: %w", err)
	}
	if err := c.Login(opts.operator, secret); err != nil {
		return err
	}
	defer c.Logout(opts.operator)

	return fn(ctx, c)
}

// withApp opens the app without an operator session. It serves the ingest and
// maintenance commands (record, rollover, snapshot) that run on the ledger host
// alongside the serving pipeline; commands that reveal ledger data use withConsole.
func withApp(cmd *cobra.Command, opts *globalOptions, fn func(ctx context.Context, a *app) error) error {
	cfg, logger, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if cfg.SigningKey == "" {
		return &config.Error{Reason: config.ErrMissingSigningKey.Reason, Field: "USAGE_SIGNING_KEY"}
	}
	a, err := openApp(cmd.Context(), cfg, logger, nil)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a)
}

// readSecret reads a secret without echo from a terminal, or a single line
// from stdin when fromStdin is set or stdin is not a terminal.
func readSecret(label string, fromStdin bool) (string, error) {
	fd := int(os.Stdin.Fd())
	if fromStdin || !term.IsTerminal(fd) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", err
		}
		return strings.TrimRight(line, "\r\n"), nil
	}
	fmt.Fprint(os.Stderr, label)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
