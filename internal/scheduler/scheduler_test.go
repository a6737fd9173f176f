package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestStartFiresCallbackRepeatedly(t *testing.T) {
	s := New(nil)
	var calls int32
	s.Register("tick", 5*time.Millisecond, func(ctx context.Context) {
		atomic.AddInt32(&calls, 1)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx, "tick")

	time.Sleep(40 * time.Millisecond)
	s.Stop("tick")

	if atomic.LoadInt32(&calls) < 2 {
		t.Fatalf("expected at least 2 fires, got %d", calls)
	}
}

func TestStopHaltsFurtherFires(t *testing.T) {
	s := New(nil)
	var calls int32
	s.Register("tick", 5*time.Millisecond, func(ctx context.Context) {
		atomic.AddInt32(&calls, 1)
	})

	ctx := context.Background()
	s.Start(ctx, "tick")
	time.Sleep(15 * time.Millisecond)
	s.Stop("tick")
	afterStop := atomic.LoadInt32(&calls)

	time.Sleep(30 * time.Millisecond)
	if atomic.LoadInt32(&calls) != afterStop {
		t.Fatalf("expected no further fires after Stop: before=%d after=%d", afterStop, calls)
	}
}

func TestCallbackPanicDoesNotKillTimer(t *testing.T) {
	s := New(nil)
	var calls int32
	s.Register("flaky", 5*time.Millisecond, func(ctx context.Context) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			panic("boom")
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx, "flaky")
	time.Sleep(30 * time.Millisecond)
	s.Stop("flaky")

	if atomic.LoadInt32(&calls) < 2 {
		t.Fatalf("expected timer to keep firing after a panic, got %d calls", calls)
	}
}

func TestGetStatusReportsRunningState(t *testing.T) {
	s := New(nil)
	s.Register("tick", time.Minute, func(ctx context.Context) {})

	statuses := s.GetStatus()
	if len(statuses) != 1 || statuses[0].Running {
		t.Fatalf("expected one registered, not-running timer, got %+v", statuses)
	}

	s.Start(context.Background(), "tick")
	defer s.Stop("tick")

	statuses = s.GetStatus()
	if !statuses[0].Running {
		t.Fatalf("expected timer to report running after Start")
	}
}
