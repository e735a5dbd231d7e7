package sweep

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/atmx/spread-market/internal/lifecycle"
)

type countingSweeper struct {
	calls atomic.Int32
	err   error
	block chan struct{}
}

func (s *countingSweeper) SweepAll(ctx context.Context) (lifecycle.SweepResult, error) {
	s.calls.Add(1)
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return lifecycle.SweepResult{}, ctx.Err()
		}
	}
	return lifecycle.SweepResult{Checked: 2, Transitions: map[string][]lifecycle.Transition{
		"m1": {lifecycle.Activated},
	}}, s.err
}

func TestNew_RejectsBadSchedule(t *testing.T) {
	if _, err := New(&countingSweeper{}, "not a schedule", time.Second, nil); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestNew_AcceptsDescriptors(t *testing.T) {
	for _, schedule := range []string{DefaultSchedule, "@every 1m", "0 */5 * * * *"} {
		if _, err := New(&countingSweeper{}, schedule, time.Second, nil); err != nil {
			t.Errorf("%q: %v", schedule, err)
		}
	}
}

func TestRunOnce(t *testing.T) {
	sw := &countingSweeper{}
	sc, err := New(sw, DefaultSchedule, time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}
	res := sc.RunOnce(context.Background())
	if sw.calls.Load() != 1 {
		t.Errorf("expected 1 sweep, got %d", sw.calls.Load())
	}
	if res.Checked != 2 || res.Changed() != 1 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestRunOnce_ErrorIsSwallowed(t *testing.T) {
	sw := &countingSweeper{err: errors.New("db down")}
	sc, _ := New(sw, DefaultSchedule, time.Second, nil)
	sc.RunOnce(context.Background())
	if sw.calls.Load() != 1 {
		t.Errorf("expected 1 sweep, got %d", sw.calls.Load())
	}
}

func TestRunOnce_Timeout(t *testing.T) {
	sw := &countingSweeper{block: make(chan struct{})}
	sc, _ := New(sw, DefaultSchedule, 20*time.Millisecond, nil)

	done := make(chan struct{})
	go func() {
		sc.RunOnce(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunOnce did not honour its timeout")
	}
}

func TestRun_FiresAndStops(t *testing.T) {
	sw := &countingSweeper{}
	sc, err := New(sw, "@every 1s", time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		_ = sc.Run(ctx)
		close(stopped)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for sw.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	cancel()
	<-stopped
	if sw.calls.Load() == 0 {
		t.Fatal("expected at least one scheduled sweep")
	}
}
