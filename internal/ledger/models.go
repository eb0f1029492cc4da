package ledger

import (
	"fmt"
	"time"
)

// EventType classifies a usage event.
type EventType string

const (
	EventAnalysis EventType = "analysis"
	EventFeedback EventType = "feedback"
	EventError    EventType = "error"
)

// IsValid reports whether t is a known event type.
func (t EventType) IsValid() bool {
	switch t {
	case EventAnalysis, EventFeedback, EventError:
		return true
	}
	return false
}

// DecisionState is the outcome recorded with a usage event.
type DecisionState string

const (
	DecisionAllow    DecisionState = "ALLOW"
	DecisionGuide    DecisionState = "GUIDE"
	DecisionBlock    DecisionState = "BLOCK"
	DecisionError    DecisionState = "ERROR"
	DecisionFeedback DecisionState = "FEEDBACK"
)

// IsValid reports whether s is a known decision state.
func (s DecisionState) IsValid() bool {
	switch s {
	case DecisionAllow, DecisionGuide, DecisionBlock, DecisionError, DecisionFeedback:
		return true
	}
	return false
}

// Timestamp and partition layouts. Timestamps have a fixed width so that
// string comparison in SQL orders them chronologically.
const (
	TimestampLayout = "2006-01-02T15:04:05.000000Z"
	MonthLayout     = "2006-01"
	DayLayout       = "2006-01-02"
)

// MonthOf returns the YYYY-MM partition key of t in UTC.
func MonthOf(t time.Time) string {
	return t.UTC().Format(MonthLayout)
}

// Fact is one usage observation handed to the ledger by the serving pipeline.
type Fact struct {
	EventType     EventType
	DecisionState DecisionState
	Mode          string
	ReasonCode    string
	LLMUsed       bool
	CacheHit      bool
	// LatencyMS is optional.
	LatencyMS *int64
}

// normalize fills the decision state implied by feedback and error events and
// rejects facts the ledger cannot record.
func (f Fact) normalize() (Fact, error) {
	if !f.EventType.IsValid() {
		return f, fmt.Errorf("unknown event type %q", f.EventType)
	}
	if f.DecisionState == "" {
		switch f.EventType {
		case EventFeedback:
			f.DecisionState = DecisionFeedback
		case EventError:
			f.DecisionState = DecisionError
		default:
			return f, fmt.Errorf("decision state required for %s events", f.EventType)
		}
	}
	if !f.DecisionState.IsValid() {
		return f, fmt.Errorf("unknown decision state %q", f.DecisionState)
	}
	if f.LatencyMS != nil && *f.LatencyMS < 0 {
		return f, fmt.Errorf("negative latency %d", *f.LatencyMS)
	}
	return f, nil
}

// UsageEvent is an immutable ledger row.
type UsageEvent struct {
	EventID          string        `json:"event_id"`
	EventType        EventType     `json:"event_type"`
	TSUTC            string        `json:"ts_utc"`
	Month            string        `json:"month"`
	Day              string        `json:"day"`
	DecisionState    DecisionState `json:"decision_state"`
	Mode             string        `json:"mode"`
	ReasonCode       string        `json:"reason_code"`
	LLMUsed          bool          `json:"llm_used"`
	CacheHit         bool          `json:"cache_hit"`
	LatencyMS        *int64        `json:"latency_ms"`
	HeartbeatCounter int64         `json:"heartbeat_counter"`
	HeartbeatSig     string        `json:"heartbeat_sig"`
}

// Meta is the ledger's singleton bookkeeping record.
type Meta struct {
	ActiveMonth        string `json:"active_month"`
	TotalEvents        int64  `json:"total_events"`
	HeartbeatCounter   int64  `json:"heartbeat_counter"`
	LastEventID        string `json:"last_event_id"`
	LastEventTS        string `json:"last_event_ts"`
	LastHeartbeatSig   string `json:"last_heartbeat_sig"`
	LastFinalizedMonth string `json:"last_finalized_month"`
}

// Chain verification reasons.
const (
	ReasonOK                = "ok"
	ReasonNoEvents          = "no_events"
	ReasonMissingSigningKey = "missing_signing_key"
	ReasonSignatureMismatch = "signature_mismatch"
	ReasonCounterGap        = "counter_gap"
)

// ChainStatus is the result of checking the heartbeat chain head.
type ChainStatus struct {
	OK               bool   `json:"ok"`
	Reason           string `json:"reason"`
	TotalEvents      int64  `json:"total_events"`
	HeartbeatCounter int64  `json:"heartbeat_counter"`
	LastEventID      string `json:"last_event_id,omitempty"`
	LastEventTS      string `json:"last_event_ts,omitempty"`
}

// AuditReport is the result of walking the whole chain.
type AuditReport struct {
	ChainStatus
	Checked int64 `json:"checked"`
	// BrokenAt is the position of the first bad row, zero when the chain is intact.
	BrokenAt    int64  `json:"broken_at,omitempty"`
	BrokenEvent string `json:"broken_event_id,omitempty"`
}
