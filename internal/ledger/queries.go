package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"
)

// Counts are the per-month usage totals used for billing.
type Counts struct {
	// AnalysisCount includes error events, which are billed as analyses.
	AnalysisCount int64 `json:"analysis_count"`
	FeedbackCount int64 `json:"feedback_count"`
	TotalEvents   int64 `json:"total_events"`
}

// MonthlyCounts returns usage totals for a YYYY-MM month.
func (l *Ledger) MonthlyCounts(ctx context.Context, month string) (Counts, error) {
	query := `
		SELECT
			COALESCE(SUM(CASE WHEN event_type IN ('analysis', 'error') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN event_type = 'feedback' THEN 1 ELSE 0 END), 0),
			COUNT(*)
		FROM usage_events
		WHERE month = ?
	`
	var c Counts
	err := l.store.db.QueryRowContext(ctx, query, month).Scan(&c.AnalysisCount, &c.FeedbackCount, &c.TotalEvents)
	if err != nil {
		return Counts{}, wrap(ErrStorage, fmt.Errorf("query monthly counts: %w", err))
	}
	return c, nil
}

// StateBreakdown returns the number of events per decision state in a month.
func (l *Ledger) StateBreakdown(ctx context.Context, month string) (map[DecisionState]int64, error) {
	rows, err := l.store.db.QueryContext(ctx, `
		SELECT decision_state, COUNT(*)
		FROM usage_events
		WHERE month = ?
		GROUP BY decision_state
	`, month)
	if err != nil {
		return nil, wrap(ErrStorage, fmt.Errorf("query state breakdown: %w", err))
	}
	defer rows.Close()

	out := make(map[DecisionState]int64)
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, wrap(ErrStorage, fmt.Errorf("scan state breakdown: %w", err))
		}
		out[DecisionState(state)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(ErrStorage, err)
	}
	return out, nil
}

// Decision buckets used by the trend view.
const (
	BucketAllow = "ALLOW"
	BucketGuide = "GUIDE"
	BucketError = "ERROR"
)

// TrendDays is the length of the decision trend window, today included.
const TrendDays = 30

// TrendPoint is one day and bucket of the decision trend.
type TrendPoint struct {
	Day    string `json:"day"`
	Bucket string `json:"decision_bucket"`
	Count  int64  `json:"count"`
}

// DecisionTrend returns per-day decision buckets for analysis and error events
// over the TrendDays days ending at now. GUIDE and BLOCK share the GUIDE bucket;
// anything other than ALLOW, GUIDE or BLOCK counts as ERROR.
func (l *Ledger) DecisionTrend(ctx context.Context, now time.Time) ([]TrendPoint, error) {
	since := now.UTC().AddDate(0, 0, -(TrendDays - 1)).Format(DayLayout)
	rows, err := l.store.db.QueryContext(ctx, `
		SELECT
			day,
			CASE
				WHEN decision_state = 'ALLOW' THEN 'ALLOW'
				WHEN decision_state IN ('GUIDE', 'BLOCK') THEN 'GUIDE'
				ELSE 'ERROR'
			END AS decision_bucket,
			COUNT(*)
		FROM usage_events
		WHERE event_type IN ('analysis', 'error')
		  AND day >= ?
		GROUP BY day, decision_bucket
		ORDER BY day ASC, decision_bucket ASC
	`, since)
	if err != nil {
		return nil, wrap(ErrStorage, fmt.Errorf("query decision trend: %w", err))
	}
	defer rows.Close()

	var out []TrendPoint
	for rows.Next() {
		var p TrendPoint
		if err := rows.Scan(&p.Day, &p.Bucket, &p.Count); err != nil {
			return nil, wrap(ErrStorage, fmt.Errorf("scan decision trend: %w", err))
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(ErrStorage, err)
	}
	return out, nil
}

// RollupTrend sums trend points per bucket.
func RollupTrend(points []TrendPoint) map[string]int64 {
	out := make(map[string]int64)
	for _, p := range points {
		out[p.Bucket] += p.Count
	}
	return out
}

// Health statuses.
const (
	HealthNoTraffic = "NO_TRAFFIC"
	HealthHealthy   = "HEALTHY"
	HealthWatch     = "WATCH"
	HealthRisk      = "RISK"
)

// Health is the decision error rate over the last 24 hours.
type Health struct {
	Status       string  `json:"status"`
	Total24h     int64   `json:"total_24h"`
	ErrorRate24h float64 `json:"error_rate_24h"`
}

// OK reports whether the status is HEALTHY or there was no traffic.
func (h Health) OK() bool {
	return h.Status == HealthHealthy || h.Status == HealthNoTraffic
}

// ClassifyHealth buckets an error rate: <= 2% healthy, <= 8% watch, above that risk.
func ClassifyHealth(total, errCount int64) Health {
	if total <= 0 {
		return Health{Status: HealthNoTraffic}
	}
	rate := float64(errCount) / float64(total)
	h := Health{Total24h: total, ErrorRate24h: math.Round(rate*10000) / 10000}
	switch {
	case rate <= 0.02:
		h.Status = HealthHealthy
	case rate <= 0.08:
		h.Status = HealthWatch
	default:
		h.Status = HealthRisk
	}
	return h
}

// DecisionHealth computes Health for analysis and error events in the 24 hours before now.
func (l *Ledger) DecisionHealth(ctx context.Context, now time.Time) (Health, error) {
	since := now.UTC().Add(-24 * time.Hour).Format(TimestampLayout)
	var total, errCount int64
	err := l.store.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN decision_state = 'ERROR' OR event_type = 'error' THEN 1 ELSE 0 END), 0)
		FROM usage_events
		WHERE event_type IN ('analysis', 'error')
		  AND ts_utc >= ?
	`, since).Scan(&total, &errCount)
	if err != nil {
		return Health{}, wrap(ErrStorage, fmt.Errorf("query decision health: %w", err))
	}
	return ClassifyHealth(total, errCount), nil
}

// RecentEvents returns up to limit analysis and error events, newest first.
func (l *Ledger) RecentEvents(ctx context.Context, limit int) ([]*UsageEvent, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := l.store.db.QueryContext(ctx, `
		SELECT `+eventColumns+`
		FROM usage_events
		WHERE event_type IN ('analysis', 'error')
		ORDER BY ts_utc DESC, heartbeat_counter DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, wrap(ErrStorage, fmt.Errorf("query recent events: %w", err))
	}
	defer rows.Close()

	var out []*UsageEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, wrap(ErrStorage, fmt.Errorf("scan usage event: %w", err))
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(ErrStorage, err)
	}
	return out, nil
}

// Checkpoint identifies the last event of a month in the chain.
type Checkpoint struct {
	EventID          string `json:"event_id"`
	HeartbeatCounter int64  `json:"heartbeat_counter"`
	TSUTC            string `json:"ts_utc"`
	HeartbeatSig     string `json:"heartbeat_sig"`
}

// MonthCheckpoint returns the highest-counter event of month, or nil if the
// month has no events.
func (l *Ledger) MonthCheckpoint(ctx context.Context, month string) (*Checkpoint, error) {
	var cp Checkpoint
	err := l.store.db.QueryRowContext(ctx, `
		SELECT event_id, heartbeat_counter, ts_utc, heartbeat_sig
		FROM usage_events
		WHERE month = ?
		ORDER BY heartbeat_counter DESC
		LIMIT 1
	`, month).Scan(&cp.EventID, &cp.HeartbeatCounter, &cp.TSUTC, &cp.HeartbeatSig)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap(ErrStorage, fmt.Errorf("query month checkpoint: %w", err))
	}
	return &cp, nil
}
