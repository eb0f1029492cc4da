package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MacJediWizard/continuum/internal/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSigningKey = "usage-signing-key"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type countingFinalizer struct {
	calls  atomic.Int64
	months sync.Map
	fail   atomic.Bool
}

func (f *countingFinalizer) FinalizeMonth(_ context.Context, month string) error {
	f.calls.Add(1)
	if f.fail.Load() {
		return errors.New("sink unavailable")
	}
	n, _ := f.months.LoadOrStore(month, new(atomic.Int64))
	n.(*atomic.Int64).Add(1)
	return nil
}

func (f *countingFinalizer) finalized(month string) int64 {
	n, ok := f.months.Load(month)
	if !ok {
		return 0
	}
	return n.(*atomic.Int64).Load()
}

type recordingObserver struct {
	appended  atomic.Int64
	failed    atomic.Int64
	finalized atomic.Int64
	finalErrs atomic.Int64
}

func (o *recordingObserver) EventAppended(*UsageEvent) { o.appended.Add(1) }
func (o *recordingObserver) AppendFailed(string)       { o.failed.Add(1) }
func (o *recordingObserver) MonthFinalized(_ string, err error) {
	if err != nil {
		o.finalErrs.Add(1)
		return
	}
	o.finalized.Add(1)
}

func newTestLedger(t *testing.T, key string, opts ...Option) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "usage.db"), key, zerolog.Nop(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func allow() Fact {
	latency := int64(65)
	return Fact{EventType: EventAnalysis, DecisionState: DecisionAllow, Mode: "no-op", ReasonCode: "ok", LatencyMS: &latency}
}

func appendN(t *testing.T, l *Ledger, clock *fakeClock, n int) []*UsageEvent {
	t.Helper()
	out := make([]*UsageEvent, 0, n)
	for i := 0; i < n; i++ {
		ev, err := l.Append(context.Background(), allow())
		require.NoError(t, err)
		out = append(out, ev)
		if clock != nil {
			clock.Advance(time.Second)
		}
	}
	return out
}

func TestAppend_ChainIntegrity(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC))
	l := newTestLedger(t, testSigningKey, WithClock(clock.Now))

	events := appendN(t, l, clock, 25)
	for i, ev := range events {
		n := int64(i + 1)
		assert.Equal(t, n, ev.HeartbeatCounter)
		assert.Equal(t, "2026-10", ev.Month)
		assert.Equal(t, "2026-10-19", ev.Day)

		msg := []byte(formatSigned(n, ev.EventID, ev.TSUTC))
		assert.Equal(t, crypto.MACHex([]byte(testSigningKey), msg), ev.HeartbeatSig)
	}
	assert.Equal(t, "2026-10-19T09:00:00.000000Z", events[0].TSUTC)

	meta, err := l.Meta(ctx)
	require.NoError(t, err)
	last := events[len(events)-1]
	assert.Equal(t, int64(25), meta.TotalEvents)
	assert.Equal(t, int64(25), meta.HeartbeatCounter)
	assert.Equal(t, last.EventID, meta.LastEventID)
	assert.Equal(t, last.TSUTC, meta.LastEventTS)
	assert.Equal(t, last.HeartbeatSig, meta.LastHeartbeatSig)
	assert.Equal(t, "2026-10", meta.ActiveMonth)

	status, err := l.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, status.OK)
	assert.Equal(t, ReasonOK, status.Reason)

	report, err := l.Audit(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Equal(t, int64(25), report.Checked)

	stored, err := l.Event(ctx, last.EventID)
	require.NoError(t, err)
	assert.Equal(t, *last, *stored)
}

func formatSigned(n int64, id, ts string) string {
	s := strconv.FormatInt(n, 10)
	return s + "|" + s + "|" + id + "|" + ts
}

func TestVerifyChain_Empty(t *testing.T) {
	l := newTestLedger(t, testSigningKey)

	status, err := l.VerifyChain(context.Background())
	require.NoError(t, err)
	assert.True(t, status.OK)
	assert.Equal(t, ReasonNoEvents, status.Reason)

	report, err := l.Audit(context.Background())
	require.NoError(t, err)
	assert.True(t, report.OK)
	assert.Zero(t, report.Checked)
}

func TestVerifyChain_TamperedTimestamp(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC))
	l := newTestLedger(t, testSigningKey, WithClock(clock.Now))
	events := appendN(t, l, clock, 5)
	last := events[4]

	_, err := l.Store().DB().Exec(
		"UPDATE usage_events SET ts_utc = ? WHERE event_id = ?",
		"2026-10-18T09:00:00.000000Z", last.EventID)
	require.NoError(t, err)

	status, err := l.VerifyChain(ctx)
	require.NoError(t, err)
	assert.False(t, status.OK)
	assert.Equal(t, ReasonSignatureMismatch, status.Reason)
}

func TestVerifyChain_TamperedMeta(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC))
	l := newTestLedger(t, testSigningKey, WithClock(clock.Now))
	appendN(t, l, clock, 3)

	_, err := l.Store().DB().Exec("UPDATE usage_meta SET value = '2' WHERE key = 'total_events'")
	require.NoError(t, err)

	status, err := l.VerifyChain(ctx)
	require.NoError(t, err)
	assert.False(t, status.OK)
	assert.Equal(t, ReasonSignatureMismatch, status.Reason)
}

func TestVerifyChain_DeletedTail(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC))
	l := newTestLedger(t, testSigningKey, WithClock(clock.Now))
	events := appendN(t, l, clock, 4)

	_, err := l.Store().DB().Exec("DELETE FROM usage_events WHERE event_id = ?", events[3].EventID)
	require.NoError(t, err)

	status, err := l.VerifyChain(ctx)
	require.NoError(t, err)
	assert.False(t, status.OK)
	assert.Equal(t, ReasonSignatureMismatch, status.Reason)
}

func TestVerifyChain_WrongOrMissingKey(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "usage.db")

	writer, err := Open(path, testSigningKey, zerolog.Nop())
	require.NoError(t, err)
	appendN(t, writer, nil, 3)
	require.NoError(t, writer.Close())

	other, err := Open(path, "other-key", zerolog.Nop())
	require.NoError(t, err)
	status, err := other.VerifyChain(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReasonSignatureMismatch, status.Reason)
	require.NoError(t, other.Close())

	reader, err := Open(path, "", zerolog.Nop())
	require.NoError(t, err)
	defer reader.Close()
	status, err = reader.VerifyChain(ctx)
	require.NoError(t, err)
	assert.False(t, status.OK)
	assert.Equal(t, ReasonMissingSigningKey, status.Reason)
	assert.Equal(t, int64(3), status.TotalEvents)

	_, err = reader.Append(ctx, allow())
	assert.ErrorIs(t, err, ErrMissingSigningKey)
	assert.ErrorIs(t, err, ErrLedger)
}

func TestAudit_DetectsMidChainEdits(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC))
	l := newTestLedger(t, testSigningKey, WithClock(clock.Now))
	events := appendN(t, l, clock, 10)

	_, err := l.Store().DB().Exec("UPDATE usage_events SET ts_utc = ? WHERE event_id = ?",
		"2026-10-19T08:00:00.000000Z", events[4].EventID)
	require.NoError(t, err)

	// The head is untouched, so only the full walk notices.
	status, err := l.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, status.OK)

	report, err := l.Audit(ctx)
	require.NoError(t, err)
	assert.False(t, report.OK)
	assert.Equal(t, ReasonSignatureMismatch, report.Reason)
	assert.Equal(t, int64(5), report.BrokenAt)
	assert.Equal(t, events[4].EventID, report.BrokenEvent)
}

func TestAudit_DetectsDeletion(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC))
	l := newTestLedger(t, testSigningKey, WithClock(clock.Now))
	events := appendN(t, l, clock, 6)

	_, err := l.Store().DB().Exec("DELETE FROM usage_events WHERE event_id = ?", events[2].EventID)
	require.NoError(t, err)

	report, err := l.Audit(ctx)
	require.NoError(t, err)
	assert.False(t, report.OK)
	assert.Equal(t, ReasonCounterGap, report.Reason)
	assert.Equal(t, int64(3), report.BrokenAt)
}

func TestAudit_DetectsWipedMeta(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, testSigningKey)
	appendN(t, l, nil, 2)

	_, err := l.Store().DB().Exec("DELETE FROM usage_meta")
	require.NoError(t, err)

	report, err := l.Audit(ctx)
	require.NoError(t, err)
	assert.False(t, report.OK)
	assert.Equal(t, ReasonSignatureMismatch, report.Reason)
}

func TestVerifyChain_WipedMeta(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, testSigningKey)
	appendN(t, l, nil, 3)

	_, err := l.Store().DB().Exec("DELETE FROM usage_meta")
	require.NoError(t, err)

	status, err := l.VerifyChain(ctx)
	require.NoError(t, err)
	assert.False(t, status.OK)
	assert.Equal(t, ReasonSignatureMismatch, status.Reason)
}

func TestAppend_StorageFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	obs := &recordingObserver{}
	l := newTestLedger(t, testSigningKey, WithObserver(obs))
	appendN(t, l, nil, 2)
	before, err := l.Meta(ctx)
	require.NoError(t, err)

	// The event insert succeeds, then the meta update aborts the transaction.
	_, err = l.Store().DB().Exec(`
		CREATE TRIGGER fail_meta_update BEFORE UPDATE ON usage_meta
		BEGIN
			SELECT RAISE(ABORT, 'meta locked');
		END`)
	require.NoError(t, err)

	ev, err := l.Append(ctx, allow())
	require.Error(t, err)
	assert.Nil(t, ev)
	assert.ErrorIs(t, err, ErrStorage)
	assert.ErrorIs(t, err, ErrLedger)
	assert.Equal(t, int64(1), obs.failed.Load())
	assert.Equal(t, int64(2), obs.appended.Load())

	var count int64
	require.NoError(t, l.Store().DB().QueryRow("SELECT COUNT(*) FROM usage_events").Scan(&count))
	assert.Equal(t, int64(2), count)

	after, err := l.Meta(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	status, err := l.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, status.OK)
	assert.Equal(t, ReasonOK, status.Reason)

	_, err = l.Store().DB().Exec("DROP TRIGGER fail_meta_update")
	require.NoError(t, err)
	ev, err = l.Append(ctx, allow())
	require.NoError(t, err)
	assert.Equal(t, int64(3), ev.HeartbeatCounter)
}

func TestAppend_InvalidFact(t *testing.T) {
	ctx := context.Background()
	obs := &recordingObserver{}
	l := newTestLedger(t, testSigningKey, WithObserver(obs))
	negative := int64(-1)

	facts := []Fact{
		{EventType: "purchase", DecisionState: DecisionAllow},
		{EventType: EventAnalysis},
		{EventType: EventAnalysis, DecisionState: "MAYBE"},
		{EventType: EventAnalysis, DecisionState: DecisionAllow, LatencyMS: &negative},
	}
	for _, f := range facts {
		_, err := l.Append(ctx, f)
		assert.ErrorIs(t, err, ErrInvalidFact)
	}

	meta, err := l.Meta(ctx)
	require.NoError(t, err)
	assert.Zero(t, meta.TotalEvents)
	assert.Equal(t, int64(len(facts)), obs.failed.Load())
}

func TestAppend_DefaultsDecisionState(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t, testSigningKey)

	ev, err := l.Append(ctx, Fact{EventType: EventFeedback})
	require.NoError(t, err)
	assert.Equal(t, DecisionFeedback, ev.DecisionState)
	assert.Nil(t, ev.LatencyMS)

	ev, err = l.Append(ctx, Fact{EventType: EventError, ReasonCode: "upstream_timeout"})
	require.NoError(t, err)
	assert.Equal(t, DecisionError, ev.DecisionState)

	stored, err := l.Event(ctx, ev.EventID)
	require.NoError(t, err)
	assert.Equal(t, "upstream_timeout", stored.ReasonCode)

	_, err = l.Event(ctx, "missing")
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestAppend_Concurrent(t *testing.T) {
	ctx := context.Background()
	obs := &recordingObserver{}
	l := newTestLedger(t, testSigningKey, WithObserver(obs))

	const workers, perWorker = 8, 25
	var wg sync.WaitGroup
	errs := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				if _, err := l.Append(ctx, allow()); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	meta, err := l.Meta(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(workers*perWorker), meta.HeartbeatCounter)
	assert.Equal(t, int64(workers*perWorker), obs.appended.Load())

	report, err := l.Audit(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK, report.Reason)
	assert.Equal(t, int64(workers*perWorker), report.Checked)
}

func TestRollover_FinalizesPreviousMonthOnce(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2026, 1, 31, 23, 59, 0, 0, time.UTC))
	fin := &countingFinalizer{}
	obs := &recordingObserver{}
	l := newTestLedger(t, testSigningKey, WithClock(clock.Now), WithFinalizer(fin), WithObserver(obs))

	appendN(t, l, clock, 3)
	assert.Zero(t, fin.calls.Load())

	clock.Set(time.Date(2026, 2, 1, 0, 0, 1, 0, time.UTC))
	appendN(t, l, clock, 3)
	assert.Equal(t, int64(1), fin.calls.Load())
	assert.Equal(t, int64(1), fin.finalized("2026-01"))

	meta, err := l.Meta(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2026-02", meta.ActiveMonth)
	assert.Equal(t, "2026-01", meta.LastFinalizedMonth)

	require.NoError(t, l.Rollover(ctx))
	assert.Equal(t, int64(1), fin.calls.Load())
	assert.Equal(t, int64(1), obs.finalized.Load())

	counts, err := l.MonthlyCounts(ctx, "2026-01")
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts.TotalEvents)
}

func TestRollover_ConcurrentAppendsFinalizeOnce(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC))
	fin := &countingFinalizer{}
	l := newTestLedger(t, testSigningKey, WithClock(clock.Now), WithFinalizer(fin))
	appendN(t, l, nil, 2)

	clock.Set(time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC))
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = l.Append(context.Background(), allow())
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), fin.calls.Load())
	assert.Equal(t, int64(1), fin.finalized("2026-03"))
}

func TestRollover_FailureIsRetried(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2026, 5, 31, 12, 0, 0, 0, time.UTC))
	fin := &countingFinalizer{}
	obs := &recordingObserver{}
	l := newTestLedger(t, testSigningKey, WithClock(clock.Now), WithFinalizer(fin), WithObserver(obs))
	appendN(t, l, nil, 1)

	clock.Set(time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC))
	fin.fail.Store(true)

	ev, err := l.Append(ctx, allow())
	require.NoError(t, err, "the event is recorded even if finalization fails")
	assert.Equal(t, int64(2), ev.HeartbeatCounter)

	meta, err := l.Meta(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2026-05", meta.ActiveMonth)
	assert.Empty(t, meta.LastFinalizedMonth)
	assert.Equal(t, int64(1), obs.finalErrs.Load())

	assert.Error(t, l.Rollover(ctx))

	fin.fail.Store(false)
	require.NoError(t, l.Rollover(ctx))

	meta, err = l.Meta(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2026-06", meta.ActiveMonth)
	assert.Equal(t, "2026-05", meta.LastFinalizedMonth)
	assert.Equal(t, int64(1), fin.finalized("2026-05"))

	status, err := l.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, status.OK)
}

func TestRollover_NoopWithinMonthOrEmpty(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2026, 7, 10, 0, 0, 0, 0, time.UTC))
	fin := &countingFinalizer{}
	l := newTestLedger(t, testSigningKey, WithClock(clock.Now))
	l.SetFinalizer(fin)

	require.NoError(t, l.Rollover(ctx))
	appendN(t, l, nil, 1)
	require.NoError(t, l.Rollover(ctx))

	// A clock that moves backwards never rolls the month back.
	clock.Set(time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC))
	appendN(t, l, nil, 1)
	require.NoError(t, l.Rollover(ctx))
	assert.Zero(t, fin.calls.Load())

	meta, err := l.Meta(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2026-07", meta.ActiveMonth)
}

func TestRollover_WithoutFinalizerStillAdvances(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock(time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC))
	l := newTestLedger(t, testSigningKey, WithClock(clock.Now))
	appendN(t, l, nil, 1)

	clock.Set(time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, l.Rollover(ctx))

	meta, err := l.Meta(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2026-09", meta.ActiveMonth)
	assert.Equal(t, "2026-08", meta.LastFinalizedMonth)
}
