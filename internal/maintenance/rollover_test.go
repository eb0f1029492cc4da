package maintenance

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

// mockRoller implements Roller for testing.
type mockRoller struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (m *mockRoller) Rollover(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if _, ok := ctx.Deadline(); !ok {
		return errors.New("rollover called without deadline")
	}
	return m.err
}

func (m *mockRoller) getCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func TestNewRolloverScheduler(t *testing.T) {
	s := NewRolloverScheduler(&mockRoller{}, "0 * * * *", zerolog.Nop())

	if s == nil {
		t.Fatal("expected non-nil scheduler")
	}
	if s.schedule != "0 * * * *" {
		t.Errorf("expected schedule to be kept, got %q", s.schedule)
	}
	if s.running {
		t.Error("expected scheduler to not be running initially")
	}
}

func TestRolloverScheduler_StartStop(t *testing.T) {
	s := NewRolloverScheduler(&mockRoller{}, "0 * * * *", zerolog.Nop())

	if err := s.Start(); err != nil {
		t.Fatalf("unexpected error starting scheduler: %v", err)
	}
	if !s.running {
		t.Error("expected scheduler to be running after Start()")
	}

	// Starting again should return an error
	if err := s.Start(); err == nil {
		t.Error("expected error when starting already-running scheduler")
	}

	<-s.Stop().Done()
	if s.running {
		t.Error("expected scheduler to not be running after Stop()")
	}

	// Stopping a stopped scheduler returns a done context.
	select {
	case <-s.Stop().Done():
	default:
		t.Error("expected done context from stopped scheduler")
	}
}

func TestRolloverScheduler_InvalidSchedule(t *testing.T) {
	s := NewRolloverScheduler(&mockRoller{}, "whenever", zerolog.Nop())
	if err := s.Start(); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
	if s.running {
		t.Error("scheduler must not run after a failed start")
	}
}

func TestRolloverScheduler_RunNow(t *testing.T) {
	roller := &mockRoller{}
	s := NewRolloverScheduler(roller, "0 * * * *", zerolog.Nop())

	s.RunNow()
	if roller.getCalls() != 1 {
		t.Errorf("expected 1 call, got %d", roller.getCalls())
	}

	// Failures are logged, not propagated.
	roller.err = errors.New("sink unavailable")
	s.RunNow()
	if roller.getCalls() != 2 {
		t.Errorf("expected 2 calls, got %d", roller.getCalls())
	}
}
