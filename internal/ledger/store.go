package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Meta keys in usage_meta.
const (
	metaActiveMonth        = "active_month"
	metaTotalEvents        = "total_events"
	metaHeartbeatCounter   = "heartbeat_counter"
	metaLastEventID        = "last_event_id"
	metaLastEventTS        = "last_event_ts"
	metaLastHeartbeatSig   = "last_heartbeat_sig"
	metaLastFinalizedMonth = "last_finalized_month"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore persists usage events and ledger metadata in a SQLite database
// running in WAL mode, so readers never block the single writer.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger zerolog.Logger
}

// OpenSQLiteStore opens (creating if needed) the usage database at path.
func OpenSQLiteStore(path string, logger zerolog.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create usage db directory: %w", err)
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{
		db:     db,
		path:   path,
		logger: logger.With().Str("component", "usage_store").Logger(),
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	store.logger.Info().Str("path", path).Msg("usage database initialized")

	return store, nil
}

// migrate creates the necessary tables.
func (s *SQLiteStore) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS usage_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL UNIQUE,
			event_type TEXT NOT NULL,
			ts_utc TEXT NOT NULL,
			month TEXT NOT NULL,
			day TEXT NOT NULL,
			decision_state TEXT NOT NULL,
			mode TEXT NOT NULL DEFAULT '',
			reason_code TEXT NOT NULL DEFAULT '',
			llm_used INTEGER NOT NULL DEFAULT 0,
			cache_hit INTEGER NOT NULL DEFAULT 0,
			latency_ms INTEGER,
			heartbeat_counter INTEGER NOT NULL,
			heartbeat_sig TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_usage_events_month ON usage_events(month);
		CREATE INDEX IF NOT EXISTS idx_usage_events_day ON usage_events(day);
		CREATE INDEX IF NOT EXISTS idx_usage_events_day_decision ON usage_events(day, decision_state);
		CREATE INDEX IF NOT EXISTS idx_usage_events_counter ON usage_events(heartbeat_counter);

		CREATE TABLE IF NOT EXISTS usage_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Path returns the database file location.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for maintenance tooling.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// Snapshot writes a consistent copy of the database to dest, which must not exist.
func (s *SQLiteStore) Snapshot(ctx context.Context, dest string) error {
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", dest); err != nil {
		return wrap(ErrStorage, fmt.Errorf("snapshot usage store: %w", err))
	}
	return nil
}

func readMeta(ctx context.Context, q querier) (Meta, error) {
	rows, err := q.QueryContext(ctx, "SELECT key, value FROM usage_meta")
	if err != nil {
		return Meta{}, fmt.Errorf("query usage meta: %w", err)
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return Meta{}, fmt.Errorf("scan usage meta: %w", err)
		}
		values[key] = value
	}
	if err := rows.Err(); err != nil {
		return Meta{}, fmt.Errorf("iterate usage meta: %w", err)
	}

	return Meta{
		ActiveMonth:        values[metaActiveMonth],
		TotalEvents:        parseInt(values[metaTotalEvents]),
		HeartbeatCounter:   parseInt(values[metaHeartbeatCounter]),
		LastEventID:        values[metaLastEventID],
		LastEventTS:        values[metaLastEventTS],
		LastHeartbeatSig:   values[metaLastHeartbeatSig],
		LastFinalizedMonth: values[metaLastFinalizedMonth],
	}, nil
}

func setMeta(ctx context.Context, q querier, values map[string]string) error {
	query := `
		INSERT INTO usage_meta (key, value)
		VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`
	for key, value := range values {
		if _, err := q.ExecContext(ctx, query, key, value); err != nil {
			return fmt.Errorf("set usage meta %s: %w", key, err)
		}
	}
	return nil
}

func insertEvent(ctx context.Context, q querier, ev *UsageEvent) error {
	query := `
		INSERT INTO usage_events (
			event_id, event_type, ts_utc, month, day,
			decision_state, mode, reason_code, llm_used, cache_hit,
			latency_ms, heartbeat_counter, heartbeat_sig
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var latency sql.NullInt64
	if ev.LatencyMS != nil {
		latency = sql.NullInt64{Int64: *ev.LatencyMS, Valid: true}
	}

	_, err := q.ExecContext(ctx, query,
		ev.EventID,
		string(ev.EventType),
		ev.TSUTC,
		ev.Month,
		ev.Day,
		string(ev.DecisionState),
		ev.Mode,
		ev.ReasonCode,
		boolInt(ev.LLMUsed),
		boolInt(ev.CacheHit),
		latency,
		ev.HeartbeatCounter,
		ev.HeartbeatSig,
	)
	if err != nil {
		return fmt.Errorf("insert usage event: %w", err)
	}
	return nil
}

const eventColumns = `
	event_id, event_type, ts_utc, month, day,
	decision_state, mode, reason_code, llm_used, cache_hit,
	latency_ms, heartbeat_counter, heartbeat_sig
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*UsageEvent, error) {
	var (
		ev                UsageEvent
		eventType, state  string
		llmUsed, cacheHit int64
		latency           sql.NullInt64
	)
	err := row.Scan(
		&ev.EventID,
		&eventType,
		&ev.TSUTC,
		&ev.Month,
		&ev.Day,
		&state,
		&ev.Mode,
		&ev.ReasonCode,
		&llmUsed,
		&cacheHit,
		&latency,
		&ev.HeartbeatCounter,
		&ev.HeartbeatSig,
	)
	if err != nil {
		return nil, err
	}
	ev.EventType = EventType(eventType)
	ev.DecisionState = DecisionState(state)
	ev.LLMUsed = llmUsed != 0
	ev.CacheHit = cacheHit != 0
	if latency.Valid {
		v := latency.Int64
		ev.LatencyMS = &v
	}
	return &ev, nil
}

func getEvent(ctx context.Context, q querier, eventID string) (*UsageEvent, error) {
	row := q.QueryRowContext(ctx, "SELECT "+eventColumns+" FROM usage_events WHERE event_id = ?", eventID)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get usage event: %w", err)
	}
	return ev, nil
}

func parseInt(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
