package metrics

import (
	"errors"
	"testing"

	"github.com/MacJediWizard/continuum/internal/auth"
	"github.com/MacJediWizard/continuum/internal/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var (
	_ ledger.Observer = (*Metrics)(nil)
	_ auth.Observer   = (*Metrics)(nil)
)

func newTestMetrics(t *testing.T) *Metrics {
	t.Helper()
	m, err := NewMetrics(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	return m
}

func TestMetrics_UsageEvents(t *testing.T) {
	m := newTestMetrics(t)

	m.EventAppended(&ledger.UsageEvent{EventType: ledger.EventAnalysis, DecisionState: ledger.DecisionAllow, HeartbeatCounter: 1})
	m.EventAppended(&ledger.UsageEvent{EventType: ledger.EventAnalysis, DecisionState: ledger.DecisionAllow, HeartbeatCounter: 2})
	m.EventAppended(&ledger.UsageEvent{EventType: ledger.EventFeedback, DecisionState: ledger.DecisionFeedback, HeartbeatCounter: 3})

	if v := testutil.ToFloat64(m.UsageEvents.WithLabelValues("analysis", "ALLOW")); v != 2 {
		t.Errorf("expected 2 analysis/ALLOW events, got %f", v)
	}
	if v := testutil.ToFloat64(m.UsageEvents.WithLabelValues("feedback", "FEEDBACK")); v != 1 {
		t.Errorf("expected 1 feedback event, got %f", v)
	}
	if v := testutil.ToFloat64(m.HeartbeatCounter); v != 3 {
		t.Errorf("expected heartbeat counter 3, got %f", v)
	}
}

func TestMetrics_FailuresAndFinalizations(t *testing.T) {
	m := newTestMetrics(t)

	m.AppendFailed("storage_error")
	m.AppendFailed("storage_error")
	m.MonthFinalized("2026-09", nil)
	m.MonthFinalized("2026-10", errors.New("sink down"))
	m.MonthFinalized("2026-10", nil)

	if v := testutil.ToFloat64(m.AppendFailures.WithLabelValues("storage_error")); v != 2 {
		t.Errorf("expected 2 failures, got %f", v)
	}
	if v := testutil.ToFloat64(m.MonthFinalizations.WithLabelValues("ok")); v != 2 {
		t.Errorf("expected 2 ok finalizations, got %f", v)
	}
	if v := testutil.ToFloat64(m.MonthFinalizations.WithLabelValues("error")); v != 1 {
		t.Errorf("expected 1 failed finalization, got %f", v)
	}
}

func TestMetrics_AuthEvents(t *testing.T) {
	m := newTestMetrics(t)

	for i := 0; i < 5; i++ {
		m.ObserveAuth(auth.EventLoginFailed)
	}
	m.ObserveAuth(auth.EventLockoutStarted)

	if v := testutil.ToFloat64(m.AuthEvents.WithLabelValues(auth.EventLoginFailed)); v != 5 {
		t.Errorf("expected 5 failed logins, got %f", v)
	}
	if v := testutil.ToFloat64(m.AuthEvents.WithLabelValues(auth.EventLockoutStarted)); v != 1 {
		t.Errorf("expected 1 lockout, got %f", v)
	}
}

func TestMetrics_Gauges(t *testing.T) {
	m := newTestMetrics(t)

	m.SetChainStatus(ledger.ChainStatus{OK: true, Reason: ledger.ReasonOK, HeartbeatCounter: 42})
	if v := testutil.ToFloat64(m.ChainOK); v != 1 {
		t.Errorf("expected chain ok 1, got %f", v)
	}
	if v := testutil.ToFloat64(m.HeartbeatCounter); v != 42 {
		t.Errorf("expected counter 42, got %f", v)
	}

	m.SetChainStatus(ledger.ChainStatus{OK: false, Reason: ledger.ReasonSignatureMismatch})
	if v := testutil.ToFloat64(m.ChainOK); v != 0 {
		t.Errorf("expected chain ok 0, got %f", v)
	}

	m.SetHealth(ledger.Health{Status: ledger.HealthWatch, Total24h: 200, ErrorRate24h: 0.05})
	if v := testutil.ToFloat64(m.ErrorRate24h); v != 0.05 {
		t.Errorf("expected error rate 0.05, got %f", v)
	}
	if v := testutil.ToFloat64(m.Decisions24h); v != 200 {
		t.Errorf("expected 200 decisions, got %f", v)
	}

	m.SetLicenseDaysLeft(-1)
	if v := testutil.ToFloat64(m.LicenseDaysLeft); v != -1 {
		t.Errorf("expected -1 days left, got %f", v)
	}
}

func TestMetrics_Registration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewMetrics(reg); err != nil {
		t.Fatalf("first registration failed: %v", err)
	}
	if _, err := NewMetrics(reg); err == nil {
		t.Fatal("expected error on duplicate registration")
	}
}
