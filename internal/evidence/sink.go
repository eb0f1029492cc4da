package evidence

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// ErrArtifactNotFound indicates a named artifact does not exist in a sink.
var ErrArtifactNotFound = errors.New("artifact not found")

// Sink stores generated artifacts by name.
type Sink interface {
	Put(ctx context.Context, name string, data []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
	Exists(ctx context.Context, name string) (bool, error)
	// Location describes where name is stored, for operator display.
	Location(name string) string
}

// DirSink stores artifacts as files in a local directory.
type DirSink struct {
	dir string
}

// NewDirSink creates the directory if needed.
func NewDirSink(dir string) (*DirSink, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	return &DirSink{dir: dir}, nil
}

func (s *DirSink) path(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("invalid artifact name %q", name)
	}
	return filepath.Join(s.dir, name), nil
}

// Put writes the artifact atomically.
func (s *DirSink) Put(_ context.Context, name string, data []byte) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close artifact: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename artifact: %w", err)
	}
	return nil
}

// Get reads an artifact.
func (s *DirSink) Get(_ context.Context, name string) ([]byte, error) {
	path, err := s.path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrArtifactNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return data, nil
}

// Exists reports whether the artifact file exists.
func (s *DirSink) Exists(_ context.Context, name string) (bool, error) {
	path, err := s.path(name)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat artifact: %w", err)
	}
	return true, nil
}

// Location returns the file path of the artifact.
func (s *DirSink) Location(name string) string {
	return filepath.Join(s.dir, name)
}

// MirrorSink writes every artifact to a primary sink and then to each mirror.
// Reads are served by the primary. An artifact only counts as existing once
// every sink has it, so a failed mirror write is repeated on the next attempt.
type MirrorSink struct {
	primary Sink
	mirrors []Sink
	logger  zerolog.Logger
}

// NewMirrorSink creates a MirrorSink.
func NewMirrorSink(primary Sink, logger zerolog.Logger, mirrors ...Sink) *MirrorSink {
	return &MirrorSink{
		primary: primary,
		mirrors: mirrors,
		logger:  logger.With().Str("component", "artifact_mirror").Logger(),
	}
}

// Put writes to the primary, then to each mirror.
func (s *MirrorSink) Put(ctx context.Context, name string, data []byte) error {
	if err := s.primary.Put(ctx, name, data); err != nil {
		return err
	}
	for _, m := range s.mirrors {
		if err := m.Put(ctx, name, data); err != nil {
			s.logger.Error().Err(err).Str("artifact", name).Str("location", m.Location(name)).Msg("failed to mirror artifact")
			return fmt.Errorf("mirror %s: %w", name, err)
		}
	}
	return nil
}

// Get reads from the primary.
func (s *MirrorSink) Get(ctx context.Context, name string) ([]byte, error) {
	return s.primary.Get(ctx, name)
}

// Exists is true only if every sink holds the artifact.
func (s *MirrorSink) Exists(ctx context.Context, name string) (bool, error) {
	for _, sink := range append([]Sink{s.primary}, s.mirrors...) {
		ok, err := sink.Exists(ctx, name)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// Location returns the primary location.
func (s *MirrorSink) Location(name string) string {
	return s.primary.Location(name)
}
