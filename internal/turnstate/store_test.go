package turnstate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/aura/internal/protocol"
)

func TestSetGetFullReplace(t *testing.T) {
	s := New(time.Minute, time.Minute)

	s.Set("c1", protocol.ContextPackage{SuggestedNextFocus: "first", FlagsForIngestion: []string{"a"}}, 0)
	s.Set("c1", protocol.ContextPackage{SuggestedNextFocus: "second"}, 0)

	got, ok := s.Get("c1")
	if !ok {
		t.Fatalf("Get() ok = false, want hit")
	}
	if got.SuggestedNextFocus != "second" {
		t.Fatalf("SuggestedNextFocus = %q, want %q", got.SuggestedNextFocus, "second")
	}
	if len(got.FlagsForIngestion) != 0 {
		t.Fatalf("FlagsForIngestion = %v, want replaced away, not merged", got.FlagsForIngestion)
	}
}

func TestGetExpiredEntryMisses(t *testing.T) {
	s := New(time.Minute, time.Minute)
	s.Set("c1", protocol.ContextPackage{SuggestedNextFocus: "x"}, 5*time.Millisecond)

	time.Sleep(10 * time.Millisecond)
	if _, ok := s.Get("c1"); ok {
		t.Fatalf("Get() ok = true for expired entry, want miss")
	}
}

func TestGetUnknownConversation(t *testing.T) {
	s := New(time.Minute, time.Minute)
	if _, ok := s.Get("nope"); ok {
		t.Fatalf("Get() ok = true for unknown conversation")
	}
}

func TestClonedPackagesDoNotAlias(t *testing.T) {
	s := New(time.Minute, time.Minute)
	flags := []string{"revisit_running_goals"}
	s.Set("c1", protocol.ContextPackage{FlagsForIngestion: flags}, 0)
	flags[0] = "mutated"

	got, ok := s.Get("c1")
	if !ok {
		t.Fatalf("Get() ok = false, want hit")
	}
	if got.FlagsForIngestion[0] != "revisit_running_goals" {
		t.Fatalf("stored package aliased caller slice: %v", got.FlagsForIngestion)
	}
}

func TestHeartbeatExpiryFiresHookOnce(t *testing.T) {
	s := New(time.Minute, 5*time.Millisecond)

	var (
		mu    sync.Mutex
		fired []string
	)
	s.SetHeartbeatExpireHook(func(id string) {
		mu.Lock()
		defer mu.Unlock()
		fired = append(fired, id)
	})

	s.Heartbeat("c1")
	time.Sleep(10 * time.Millisecond)
	s.sweep()
	s.sweep()

	mu.Lock()
	defer mu.Unlock()
	if len(fired) != 1 || fired[0] != "c1" {
		t.Fatalf("expire hook fired = %v, want exactly once for c1", fired)
	}
}

func TestHeartbeatRefreshPreventsExpiry(t *testing.T) {
	s := New(time.Minute, 50*time.Millisecond)

	var (
		mu    sync.Mutex
		fired int
	)
	s.SetHeartbeatExpireHook(func(string) {
		mu.Lock()
		defer mu.Unlock()
		fired++
	})

	s.Heartbeat("c1")
	time.Sleep(20 * time.Millisecond)
	s.Heartbeat("c1")
	time.Sleep(20 * time.Millisecond)
	s.sweep()

	mu.Lock()
	defer mu.Unlock()
	if fired != 0 {
		t.Fatalf("expire hook fired %d times despite refresh", fired)
	}
	if s.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", s.ActiveCount())
	}
}

func TestSweepWithoutHook(t *testing.T) {
	s := New(5*time.Millisecond, 5*time.Millisecond)
	s.Set("c1", protocol.ContextPackage{SuggestedNextFocus: "x"}, 5*time.Millisecond)
	s.Heartbeat("c1")

	time.Sleep(10 * time.Millisecond)
	s.sweep()

	if _, ok := s.Get("c1"); ok {
		t.Fatalf("context entry survived sweep")
	}
	if s.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d after sweep, want 0", s.ActiveCount())
	}
}

func TestJanitorSweeps(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(time.Minute, 5*time.Millisecond)

	done := make(chan struct{})
	var once sync.Once
	s.SetHeartbeatExpireHook(func(string) {
		once.Do(func() { close(done) })
	})

	s.Heartbeat("c1")
	s.StartJanitor(ctx, time.Millisecond)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("janitor did not fire expire hook within 1s")
	}
}
