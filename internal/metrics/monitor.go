package metrics

import (
	"context"
	"time"

	"github.com/MacJediWizard/continuum/internal/ledger"
	"github.com/rs/zerolog"
)

// DefaultMonitorInterval is how often the chain monitor samples the ledger.
const DefaultMonitorInterval = time.Minute

// ChainSource is the ledger surface the monitor samples.
type ChainSource interface {
	VerifyChain(ctx context.Context) (ledger.ChainStatus, error)
	DecisionHealth(ctx context.Context, now time.Time) (ledger.Health, error)
}

// Monitor periodically verifies the chain head and refreshes the health gauges.
type Monitor struct {
	source   ChainSource
	metrics  *Metrics
	interval time.Duration
	now      func() time.Time
	logger   zerolog.Logger
	stop     chan struct{}
	done     chan struct{}
}

// NewMonitor creates a chain monitor.
func NewMonitor(source ChainSource, m *Metrics, interval time.Duration, logger zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultMonitorInterval
	}
	return &Monitor{
		source:   source,
		metrics:  m,
		interval: interval,
		now:      time.Now,
		logger:   logger.With().Str("component", "chain_monitor").Logger(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start samples once immediately and then every interval until ctx is done or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	go m.run(ctx)
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)

	m.Sample(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stop:
			return
		case <-ticker.C:
			m.Sample(ctx)
		}
	}
}

// Stop signals the monitor to stop and waits for it to finish.
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
}

// Sample takes one measurement.
func (m *Monitor) Sample(ctx context.Context) {
	status, err := m.source.VerifyChain(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("chain verification failed")
		m.metrics.ChainOK.Set(0)
	} else {
		m.metrics.SetChainStatus(status)
		if !status.OK && status.Reason != ledger.ReasonNoEvents {
			m.logger.Warn().Str("reason", status.Reason).Msg("heartbeat chain did not verify")
		}
	}

	health, err := m.source.DecisionHealth(ctx, m.now())
	if err != nil {
		m.logger.Error().Err(err).Msg("decision health query failed")
		return
	}
	m.metrics.SetHealth(health)
}
