package maintenance

import (
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Snapshotter writes a consistent copy of the usage store to a file.
type Snapshotter interface {
	Snapshot(ctx context.Context, dest string) error
}

// SnapshotConfig holds configuration for ledger snapshots.
type SnapshotConfig struct {
	// Dir is where snapshots are stored.
	Dir string

	// MaxSnapshots is the number of snapshots to keep (0 = unlimited).
	MaxSnapshots int

	// CronExpression schedules automatic snapshots.
	CronExpression string

	// CompressLevel is the gzip compression level (1-9).
	CompressLevel int
}

// DefaultSnapshotConfig returns a config with sensible defaults.
func DefaultSnapshotConfig() SnapshotConfig {
	return SnapshotConfig{
		Dir:            "logs/snapshots",
		MaxSnapshots:   14,
		CronExpression: "30 2 * * *", // Daily at 02:30 UTC
		CompressLevel:  gzip.DefaultCompression,
	}
}

const (
	snapshotPrefix   = "usage-snapshot-"
	snapshotSuffix   = ".db.gz"
	checksumSuffix   = ".sha256"
	snapshotTimeTmpl = "20060102-150405"
)

// Snapshot describes one written snapshot.
type Snapshot struct {
	FilePath  string    `json:"file_path"`
	SizeBytes int64     `json:"size_bytes"`
	Checksum  string    `json:"checksum"`
	CreatedAt time.Time `json:"created_at"`
}

// SnapshotService takes scheduled, compressed, checksummed snapshots of the ledger.
type SnapshotService struct {
	store   Snapshotter
	config  SnapshotConfig
	cron    *cron.Cron
	now     func() time.Time
	logger  zerolog.Logger
	mu      sync.Mutex
	running bool
}

// NewSnapshotService creates a new snapshot service.
func NewSnapshotService(store Snapshotter, config SnapshotConfig, logger zerolog.Logger) *SnapshotService {
	return &SnapshotService{
		store:  store,
		config: config,
		cron:   cron.New(cron.WithLocation(time.UTC)),
		now:    time.Now,
		logger: logger.With().Str("component", "ledger_snapshot").Logger(),
	}
}

// Start starts the snapshot scheduler.
func (s *SnapshotService) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("snapshot service already running")
	}

	if err := os.MkdirAll(s.config.Dir, 0700); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}

	_, err := s.cron.AddFunc(s.config.CronExpression, func() {
		if _, err := s.CreateSnapshot(context.Background()); err != nil {
			s.logger.Error().Err(err).Msg("scheduled snapshot failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule snapshot: %w", err)
	}

	s.cron.Start()
	s.running = true

	s.logger.Info().
		Str("schedule", s.config.CronExpression).
		Str("snapshot_dir", s.config.Dir).
		Int("max_snapshots", s.config.MaxSnapshots).
		Msg("ledger snapshot service started")

	return nil
}

// Stop stops the snapshot scheduler.
func (s *SnapshotService) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}

	s.running = false
	s.logger.Info().Msg("stopping ledger snapshot service")
	return s.cron.Stop()
}

// CreateSnapshot writes a new gzip snapshot and its checksum file, then prunes
// snapshots beyond MaxSnapshots.
func (s *SnapshotService) CreateSnapshot(ctx context.Context) (*Snapshot, error) {
	if err := os.MkdirAll(s.config.Dir, 0700); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}

	created := s.now().UTC()
	name := snapshotPrefix + created.Format(snapshotTimeTmpl) + snapshotSuffix
	path := filepath.Join(s.config.Dir, name)

	raw, err := os.CreateTemp(s.config.Dir, ".raw-*.db")
	if err != nil {
		return nil, fmt.Errorf("create temp snapshot: %w", err)
	}
	rawPath := raw.Name()
	raw.Close()
	// VACUUM INTO refuses to overwrite an existing file.
	os.Remove(rawPath)
	defer os.Remove(rawPath)

	if err := s.store.Snapshot(ctx, rawPath); err != nil {
		return nil, err
	}

	size, checksum, err := s.compress(rawPath, path)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path+checksumSuffix, []byte(checksum+"  "+name+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("write snapshot checksum: %w", err)
	}

	s.logger.Info().
		Str("file_path", path).
		Int64("size_bytes", size).
		Str("checksum", checksum).
		Msg("ledger snapshot completed")

	s.prune()

	return &Snapshot{FilePath: path, SizeBytes: size, Checksum: checksum, CreatedAt: created}, nil
}

// compress gzips src into dest and returns the compressed size and its checksum.
func (s *SnapshotService) compress(src, dest string) (int64, string, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, "", fmt.Errorf("open raw snapshot: %w", err)
	}
	defer in.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return 0, "", fmt.Errorf("create snapshot file: %w", err)
	}

	level := s.config.CompressLevel
	if level == 0 {
		level = gzip.DefaultCompression
	}
	h := sha256.New()
	zw, err := gzip.NewWriterLevel(io.MultiWriter(out, h), level)
	if err != nil {
		out.Close()
		os.Remove(dest)
		return 0, "", fmt.Errorf("create gzip writer: %w", err)
	}

	if _, err := io.Copy(zw, in); err != nil {
		zw.Close()
		out.Close()
		os.Remove(dest)
		return 0, "", fmt.Errorf("compress snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		out.Close()
		os.Remove(dest)
		return 0, "", fmt.Errorf("close gzip writer: %w", err)
	}

	info, err := out.Stat()
	if err != nil {
		out.Close()
		return 0, "", fmt.Errorf("stat snapshot: %w", err)
	}
	if err := out.Close(); err != nil {
		return 0, "", fmt.Errorf("close snapshot: %w", err)
	}

	return info.Size(), "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

// ListSnapshots returns snapshot files in the directory, oldest first.
func (s *SnapshotService) ListSnapshots() ([]string, error) {
	entries, err := os.ReadDir(s.config.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	var paths []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, snapshotPrefix) || !strings.HasSuffix(name, snapshotSuffix) {
			continue
		}
		paths = append(paths, filepath.Join(s.config.Dir, name))
	}
	// The timestamp layout sorts lexically.
	sort.Strings(paths)
	return paths, nil
}

func (s *SnapshotService) prune() {
	if s.config.MaxSnapshots <= 0 {
		return
	}
	paths, err := s.ListSnapshots()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list snapshots for pruning")
		return
	}

	for i := 0; i < len(paths)-s.config.MaxSnapshots; i++ {
		if err := os.Remove(paths[i]); err != nil && !os.IsNotExist(err) {
			s.logger.Error().Err(err).Str("file_path", paths[i]).Msg("failed to delete old snapshot")
			continue
		}
		os.Remove(paths[i] + checksumSuffix)
		s.logger.Info().Str("file_path", paths[i]).Msg("deleted old snapshot")
	}
}

// VerifySnapshot recomputes the checksum of a snapshot file and compares it
// with its .sha256 sidecar.
func VerifySnapshot(path string) error {
	recorded, err := os.ReadFile(path + checksumSuffix)
	if err != nil {
		return fmt.Errorf("read snapshot checksum: %w", err)
	}
	fields := strings.Fields(string(recorded))
	if len(fields) == 0 {
		return errors.New("empty snapshot checksum file")
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hash snapshot: %w", err)
	}
	actual := "sha256:" + hex.EncodeToString(h.Sum(nil))
	if actual != fields[0] {
		return fmt.Errorf("snapshot checksum mismatch: expected %s, got %s", fields[0], actual)
	}
	return nil
}
