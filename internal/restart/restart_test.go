package restart

import (
	"testing"
	"time"

	"github.com/steveyegge/mabd/internal/config"
)

func testPolicy() config.RestartPolicy {
	return config.RestartPolicy{
		Enabled:            true,
		MaxRestarts:        3,
		BackoffBaseSeconds: 1,
		BackoffMaxSeconds:  60,
		CooldownSeconds:    3600,
	}
}

func TestEvaluateAllowsUnderMax(t *testing.T) {
	tr := New(testPolicy())
	key := SlotKey{TownID: "t1", Role: "developer", Instance: 1}

	d := tr.Evaluate(key, 0, time.Now())
	if !d.Allowed {
		t.Fatalf("expected allowed, got reason %q", d.Reason)
	}
	if d.RestartCount != 1 {
		t.Errorf("RestartCount = %d, want 1", d.RestartCount)
	}
}

func TestEvaluateDeniesAtMax(t *testing.T) {
	tr := New(testPolicy())
	key := SlotKey{TownID: "t1", Role: "developer", Instance: 1}

	d := tr.Evaluate(key, 3, time.Now())
	if d.Allowed {
		t.Fatal("expected denied at max_restarts")
	}
}

func TestEvaluateResetsOutsideCooldown(t *testing.T) {
	policy := testPolicy()
	policy.CooldownSeconds = 1
	tr := New(policy)
	key := SlotKey{TownID: "t1", Role: "developer", Instance: 1}

	staleFailure := time.Now().Add(-2 * time.Second)
	d := tr.Evaluate(key, 3, staleFailure)
	if !d.Allowed {
		t.Fatalf("expected allowed after cooldown reset, got reason %q", d.Reason)
	}
	if d.RestartCount != 1 {
		t.Errorf("RestartCount = %d, want 1 (reset)", d.RestartCount)
	}
}

func TestEvaluateMaxRestartsZeroDisables(t *testing.T) {
	policy := testPolicy()
	policy.MaxRestarts = 0
	tr := New(policy)
	key := SlotKey{TownID: "t1", Role: "developer", Instance: 1}

	d := tr.Evaluate(key, 0, time.Now())
	if d.Allowed {
		t.Fatal("expected max_restarts=0 to disable restarts")
	}
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	policy := testPolicy()
	policy.BackoffBaseSeconds = 1
	policy.BackoffMaxSeconds = 4
	tr := New(policy)

	if got := tr.backoff(1); got != 1*time.Second {
		t.Errorf("backoff(1) = %v, want 1s", got)
	}
	if got := tr.backoff(2); got != 2*time.Second {
		t.Errorf("backoff(2) = %v, want 2s", got)
	}
	if got := tr.backoff(10); got != 4*time.Second {
		t.Errorf("backoff(10) = %v, want capped at 4s", got)
	}
}

func TestCancelAllStopsPendingRespawns(t *testing.T) {
	tr := New(testPolicy())
	key := SlotKey{TownID: "t1", Role: "developer", Instance: 1}

	ran := false
	tr.Schedule(key, 20*time.Millisecond, func() { ran = true })
	tr.CancelAll()

	time.Sleep(50 * time.Millisecond)
	if ran {
		t.Error("expected scheduled respawn to be cancelled")
	}
}
