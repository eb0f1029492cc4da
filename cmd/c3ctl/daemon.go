package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/MacJediWizard/continuum/internal/ledger"
	"github.com/MacJediWizard/continuum/internal/license"
	"github.com/MacJediWizard/continuum/internal/maintenance"
	"github.com/MacJediWizard/continuum/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	licenseCheckInterval = time.Hour
	shutdownTimeout      = 30 * time.Second
)

type daemonOptions struct {
	metricsAddr      string
	monitorInterval  time.Duration
	snapshots        bool
	snapshotSchedule string
}

func newDaemonCmd(opts *globalOptions) *cobra.Command {
	do := &daemonOptions{}

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the rollover scheduler and serve metrics",
		Long: `Runs the month rollover on its cron schedule, samples the heartbeat chain
and decision health into Prometheus gauges, optionally snapshots the usage
database, and serves /metrics and /healthz until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), opts, do)
		},
	}

	cmd.Flags().StringVar(&do.metricsAddr, "metrics-addr", "", "Metrics listen address (overrides C3_METRICS_ADDR)")
	cmd.Flags().DurationVar(&do.monitorInterval, "monitor-interval", time.Minute, "Chain and health sampling interval")
	cmd.Flags().BoolVar(&do.snapshots, "snapshots", true, "Take scheduled snapshots of the usage database")
	cmd.Flags().StringVar(&do.snapshotSchedule, "snapshot-schedule", "", "Cron expression for snapshots")

	return cmd
}

func runDaemon(parent context.Context, opts *globalOptions, do *daemonOptions) error {
	cfg, logger, err := loadConfig(opts)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if do.metricsAddr != "" {
		cfg.MetricsAddr = do.metricsAddr
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.NewMetrics(reg)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := openApp(ctx, cfg, logger, m)
	if err != nil {
		return err
	}
	defer a.Close()

	rollover := maintenance.NewRolloverScheduler(a.ledger, cfg.RolloverSchedule, logger)
	if err := rollover.Start(); err != nil {
		return fmt.Errorf("start rollover scheduler: %w", err)
	}
	defer func() { <-rollover.Stop().Done() }()
	// A month boundary may have passed while the daemon was down.
	rollover.RunNow()

	if do.snapshots {
		sc := maintenance.DefaultSnapshotConfig()
		sc.Dir = filepath.Join(cfg.ArtifactDir, "snapshots")
		if do.snapshotSchedule != "" {
			sc.CronExpression = do.snapshotSchedule
		}
		snapshots := maintenance.NewSnapshotService(a.ledger.Store(), sc, logger)
		if err := snapshots.Start(); err != nil {
			return fmt.Errorf("start snapshot service: %w", err)
		}
		defer func() { <-snapshots.Stop().Done() }()
	}

	monitor := metrics.NewMonitor(a.ledger, m, do.monitorInterval, logger)
	monitor.Start(ctx)
	defer monitor.Stop()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/healthz", healthzHandler(a))

	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().Str("addr", cfg.MetricsAddr).Msg("metrics server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		watchLicense(gctx, cfg.LicenseFile, cfg.LicenseKey, m, logger)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Msg("daemon stopped")
	return nil
}

// watchLicense publishes the license days left until ctx is done.
func watchLicense(ctx context.Context, file, key string, m *metrics.Metrics, logger zerolog.Logger) {
	check := func() {
		p, err := license.LoadFile(file, key)
		if err != nil {
			logger.Warn().Str("status", license.StatusOf(err)).Msg("license not loaded")
			m.SetLicenseDaysLeft(-1)
			return
		}
		days, _ := p.TTL(time.Now())
		m.SetLicenseDaysLeft(days)
	}

	check()
	ticker := time.NewTicker(licenseCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}

func healthzHandler(a *app) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := a.ledger.VerifyChain(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "error", "error": err.Error()})
			return
		}
		if !status.OK && status.Reason != ledger.ReasonNoEvents {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	}
}
