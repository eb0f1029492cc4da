// Package ledger implements the append-only usage event log and its signed
// heartbeat chain.
//
// Every event carries heartbeat_counter n and
// heartbeat_sig = HMAC-SHA256(signing key, "{total}|{n}|{event_id}|{ts_utc}"). The
// usage_meta table mirrors the head of the chain, so truncating or editing the
// tail is detectable without scanning the log.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MacJediWizard/continuum/internal/crypto"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Finalizer closes out a month, typically by emitting its signed summary.
// It must be idempotent.
type Finalizer interface {
	FinalizeMonth(ctx context.Context, month string) error
}

// Observer is notified of ledger activity.
type Observer interface {
	EventAppended(ev *UsageEvent)
	AppendFailed(reason string)
	MonthFinalized(month string, err error)
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithObserver sets the activity observer.
func WithObserver(o Observer) Option {
	return func(l *Ledger) { l.observer = o }
}

// WithFinalizer sets the month finalizer used on rollover.
func WithFinalizer(f Finalizer) Option {
	return func(l *Ledger) { l.finalizer = f }
}

// Ledger is the single writer of the usage log. Reads go straight to the
// store and never take the writer lock.
type Ledger struct {
	mu         sync.Mutex
	store      *SQLiteStore
	signingKey []byte
	now        func() time.Time
	finalizer  Finalizer
	observer   Observer
	logger     zerolog.Logger
}

// New creates a ledger over store. An empty signing key leaves the ledger
// read-only: appends fail and verification reports missing_signing_key.
func New(store *SQLiteStore, signingKey string, logger zerolog.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		store:      store,
		signingKey: []byte(signingKey),
		now:        time.Now,
		logger:     logger.With().Str("component", "ledger").Logger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Open opens the SQLite store at path and wraps it in a Ledger.
func Open(path, signingKey string, logger zerolog.Logger, opts ...Option) (*Ledger, error) {
	store, err := OpenSQLiteStore(path, logger)
	if err != nil {
		return nil, wrap(ErrStorage, err)
	}
	return New(store, signingKey, logger, opts...), nil
}

// Close closes the underlying store.
func (l *Ledger) Close() error {
	return l.store.Close()
}

// Store returns the underlying store.
func (l *Ledger) Store() *SQLiteStore {
	return l.store
}

// SetFinalizer replaces the month finalizer.
func (l *Ledger) SetFinalizer(f Finalizer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.finalizer = f
}

// HasSigningKey reports whether the ledger can sign and verify.
func (l *Ledger) HasSigningKey() bool {
	return len(l.signingKey) > 0
}

// heartbeatSig signs one chain position.
func (l *Ledger) heartbeatSig(total, counter int64, eventID, ts string) string {
	msg := strconv.FormatInt(total, 10) + "|" + strconv.FormatInt(counter, 10) + "|" + eventID + "|" + ts
	return crypto.MACHex(l.signingKey, []byte(msg))
}

// Append records fact as the next event of the chain. The event insert and the
// meta update commit in one transaction; on any error nothing is written.
//
// If the event falls in a later month than the active one, the previous month is
// finalized before the new month becomes active. A finalizer failure does not
// fail the append; the rollover is retried by the next append or Rollover call.
func (l *Ledger) Append(ctx context.Context, fact Fact) (*UsageEvent, error) {
	fact, err := fact.normalize()
	if err != nil {
		l.appendFailed(ErrInvalidFact.Reason)
		return nil, wrap(ErrInvalidFact, err)
	}
	if !l.HasSigningKey() {
		l.appendFailed(ErrMissingSigningKey.Reason)
		return nil, ErrMissingSigningKey
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().UTC()
	ev := &UsageEvent{
		EventID:       uuid.NewString(),
		EventType:     fact.EventType,
		TSUTC:         now.Format(TimestampLayout),
		Month:         now.Format(MonthLayout),
		Day:           now.Format(DayLayout),
		DecisionState: fact.DecisionState,
		Mode:          fact.Mode,
		ReasonCode:    fact.ReasonCode,
		LLMUsed:       fact.LLMUsed,
		CacheHit:      fact.CacheHit,
		LatencyMS:     fact.LatencyMS,
	}

	meta, err := l.commitEvent(ctx, ev)
	if err != nil {
		l.appendFailed(ErrStorage.Reason)
		l.logger.Error().Err(err).Str("event_type", string(ev.EventType)).Msg("failed to append usage event")
		return nil, wrap(ErrStorage, err)
	}

	if l.observer != nil {
		l.observer.EventAppended(ev)
	}

	if meta.ActiveMonth != "" && ev.Month > meta.ActiveMonth {
		// Failures are logged and retried on the next call.
		_ = l.rollover(ctx, meta, ev.Month)
	}

	return ev, nil
}

// commitEvent signs ev at the next chain position and stores it together with
// the updated meta. It returns the meta as it was before the insert.
func (l *Ledger) commitEvent(ctx context.Context, ev *UsageEvent) (Meta, error) {
	tx, err := l.store.db.BeginTx(ctx, nil)
	if err != nil {
		return Meta{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	meta, err := readMeta(ctx, tx)
	if err != nil {
		return Meta{}, err
	}

	total := meta.TotalEvents + 1
	counter := meta.HeartbeatCounter + 1
	ev.HeartbeatCounter = counter
	ev.HeartbeatSig = l.heartbeatSig(total, counter, ev.EventID, ev.TSUTC)

	if err := insertEvent(ctx, tx, ev); err != nil {
		return Meta{}, err
	}

	updates := map[string]string{
		metaTotalEvents:      strconv.FormatInt(total, 10),
		metaHeartbeatCounter: strconv.FormatInt(counter, 10),
		metaLastEventID:      ev.EventID,
		metaLastEventTS:      ev.TSUTC,
		metaLastHeartbeatSig: ev.HeartbeatSig,
	}
	if meta.ActiveMonth == "" {
		updates[metaActiveMonth] = ev.Month
	}
	if err := setMeta(ctx, tx, updates); err != nil {
		return Meta{}, err
	}

	if err := tx.Commit(); err != nil {
		return Meta{}, fmt.Errorf("commit usage event: %w", err)
	}
	return meta, nil
}

// Rollover finalizes the active month if the clock has moved past it. It is
// safe to call at any time; it is a no-op when nothing is due.
func (l *Ledger) Rollover(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	meta, err := readMeta(ctx, l.store.db)
	if err != nil {
		return wrap(ErrStorage, err)
	}
	month := MonthOf(l.now())
	if meta.ActiveMonth == "" || month <= meta.ActiveMonth {
		return nil
	}
	return l.rollover(ctx, meta, month)
}

// rollover must be called with l.mu held.
func (l *Ledger) rollover(ctx context.Context, meta Meta, next string) error {
	prev := meta.ActiveMonth
	log := l.logger.With().Str("month", prev).Str("next_month", next).Logger()

	if meta.LastFinalizedMonth != prev {
		if l.finalizer != nil {
			if err := l.finalizer.FinalizeMonth(ctx, prev); err != nil {
				log.Warn().Err(err).Msg("month finalization failed, will retry")
				if l.observer != nil {
					l.observer.MonthFinalized(prev, err)
				}
				return fmt.Errorf("finalize month %s: %w", prev, err)
			}
		} else {
			log.Warn().Msg("no finalizer configured, advancing month without summary")
		}
	}

	err := setMeta(ctx, l.store.db, map[string]string{
		metaLastFinalizedMonth: prev,
		metaActiveMonth:        next,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to record month rollover")
		return wrap(ErrStorage, err)
	}

	if l.observer != nil {
		l.observer.MonthFinalized(prev, nil)
	}
	log.Info().Msg("month rolled over")
	return nil
}

func (l *Ledger) appendFailed(reason string) {
	if l.observer != nil {
		l.observer.AppendFailed(reason)
	}
}

// Meta returns the current ledger metadata.
func (l *Ledger) Meta(ctx context.Context) (Meta, error) {
	meta, err := readMeta(ctx, l.store.db)
	if err != nil {
		return Meta{}, wrap(ErrStorage, err)
	}
	return meta, nil
}

// Event returns one event by id.
func (l *Ledger) Event(ctx context.Context, eventID string) (*UsageEvent, error) {
	ev, err := getEvent(ctx, l.store.db, eventID)
	if err != nil {
		if err == ErrEventNotFound {
			return nil, err
		}
		return nil, wrap(ErrStorage, err)
	}
	return ev, nil
}

// VerifyChain checks the chain head: the meta signature is recomputed, and the
// event it names must exist with the same counter, timestamp and signature and
// be the highest counter in the log. An empty head over a non-empty log fails.
func (l *Ledger) VerifyChain(ctx context.Context) (ChainStatus, error) {
	meta, err := readMeta(ctx, l.store.db)
	if err != nil {
		return ChainStatus{}, wrap(ErrStorage, err)
	}

	status := ChainStatus{
		TotalEvents:      meta.TotalEvents,
		HeartbeatCounter: meta.HeartbeatCounter,
		LastEventID:      meta.LastEventID,
		LastEventTS:      meta.LastEventTS,
	}

	var maxCounter sql.NullInt64
	err = l.store.db.QueryRowContext(ctx, "SELECT MAX(heartbeat_counter) FROM usage_events").Scan(&maxCounter)
	if err != nil {
		return ChainStatus{}, wrap(ErrStorage, fmt.Errorf("query chain head: %w", err))
	}

	if strings.TrimSpace(meta.LastEventID) == "" {
		if maxCounter.Valid {
			// Events exist that no meta head covers.
			status.Reason = ReasonSignatureMismatch
			return status, nil
		}
		status.OK = true
		status.Reason = ReasonNoEvents
		return status, nil
	}
	if !l.HasSigningKey() {
		status.Reason = ReasonMissingSigningKey
		return status, nil
	}

	status.Reason = ReasonSignatureMismatch

	expected := l.heartbeatSig(meta.TotalEvents, meta.HeartbeatCounter, meta.LastEventID, meta.LastEventTS)
	if meta.LastHeartbeatSig == "" || !crypto.EqualString(expected, strings.ToLower(meta.LastHeartbeatSig)) {
		return status, nil
	}

	last, err := getEvent(ctx, l.store.db, meta.LastEventID)
	if err == ErrEventNotFound {
		return status, nil
	}
	if err != nil {
		return ChainStatus{}, wrap(ErrStorage, err)
	}
	if last.HeartbeatCounter != meta.HeartbeatCounter ||
		last.TSUTC != meta.LastEventTS ||
		!crypto.EqualString(last.HeartbeatSig, meta.LastHeartbeatSig) {
		return status, nil
	}

	if maxCounter.Int64 != meta.HeartbeatCounter {
		status.Reason = ReasonCounterGap
		return status, nil
	}

	status.OK = true
	status.Reason = ReasonOK
	return status, nil
}

// Audit walks every event in counter order, recomputing each signature and
// checking the counter has no gaps, then checks the head against meta.
func (l *Ledger) Audit(ctx context.Context) (AuditReport, error) {
	head, err := l.VerifyChain(ctx)
	if err != nil {
		return AuditReport{}, err
	}
	report := AuditReport{ChainStatus: head}
	if head.Reason == ReasonMissingSigningKey {
		return report, nil
	}

	rows, err := l.store.db.QueryContext(ctx,
		"SELECT "+eventColumns+" FROM usage_events ORDER BY heartbeat_counter ASC, id ASC")
	if err != nil {
		return AuditReport{}, wrap(ErrStorage, fmt.Errorf("query usage events: %w", err))
	}
	defer rows.Close()

	fail := func(reason string, ev *UsageEvent, pos int64) (AuditReport, error) {
		report.OK = false
		report.Reason = reason
		report.BrokenAt = pos
		report.BrokenEvent = ev.EventID
		l.logger.Warn().
			Str("reason", reason).
			Int64("position", pos).
			Str("event_id", ev.EventID).
			Msg("usage chain audit failed")
		return report, nil
	}

	var pos int64
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return AuditReport{}, wrap(ErrStorage, fmt.Errorf("scan usage event: %w", err))
		}
		pos++
		report.Checked = pos

		if ev.HeartbeatCounter != pos {
			return fail(ReasonCounterGap, ev, pos)
		}
		expected := l.heartbeatSig(pos, pos, ev.EventID, ev.TSUTC)
		if !crypto.EqualString(expected, strings.ToLower(ev.HeartbeatSig)) {
			return fail(ReasonSignatureMismatch, ev, pos)
		}
	}
	if err := rows.Err(); err != nil {
		return AuditReport{}, wrap(ErrStorage, fmt.Errorf("iterate usage events: %w", err))
	}

	switch {
	case head.LastEventID == "" && pos > 0:
		// Events exist that the meta head does not cover.
		report.OK = false
		report.Reason = ReasonSignatureMismatch
		report.BrokenAt = 1
	case head.LastEventID != "" && pos != head.HeartbeatCounter:
		report.OK = false
		report.Reason = ReasonCounterGap
		report.BrokenAt = pos + 1
	}
	return report, nil
}
