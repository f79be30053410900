// Package restart implements the restart supervisor: it tracks
// each logical worker slot's restart history, computes exponential
// backoff, detects when the cooldown window resets the counter, and
// decides whether a respawn is still allowed under the configured
// max_restarts ceiling.
package restart

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/steveyegge/mabd/internal/config"
)

// SlotKey identifies a logical (town, role, instance) worker slot whose
// restart history persists across successive Worker records.
type SlotKey struct {
	TownID   string
	Role     string
	Instance int
}

func (k SlotKey) String() string {
	return fmt.Sprintf("%s/%s/%d", k.TownID, k.Role, k.Instance)
}

// history records, in memory, the count and time of the last restart
// Evaluate allowed for a slot. The store persists the authoritative
// restart_count on the current Worker record; Evaluate computes backoff
// and the cooldown check from its arguments and does not read history.
type history struct {
	restartCount int
	lastRestart  time.Time
}

// Tracker decides whether/when a FAILED worker may be respawned.
type Tracker struct {
	mu     sync.Mutex
	policy config.RestartPolicy
	slots  map[string]*history
	timers map[string]*time.Timer
}

// New constructs a Tracker under the given policy.
func New(policy config.RestartPolicy) *Tracker {
	return &Tracker{
		policy: policy,
		slots:  make(map[string]*history),
		timers: make(map[string]*time.Timer),
	}
}

// Decision is the result of evaluating a restart attempt.
type Decision struct {
	Allowed      bool
	Delay        time.Duration
	RestartCount int // restart_count the new Worker record should carry
	Reason       string
}

// Evaluate decides whether a respawn for key is permitted, given the
// restart_count carried by the FAILED predecessor record and when it
// failed. Outside the cooldown window the count resets to 0.
func (t *Tracker) Evaluate(key SlotKey, predecessorRestartCount int, failedAt time.Time) Decision {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.policy.Enabled {
		return Decision{Allowed: false, Reason: "restart_policy disabled"}
	}
	if t.policy.MaxRestarts == 0 {
		return Decision{Allowed: false, Reason: "max_restarts is 0"}
	}

	count := predecessorRestartCount
	if time.Since(failedAt) > t.policy.Cooldown() {
		count = 0
	}

	if count >= t.policy.MaxRestarts {
		return Decision{Allowed: false, Reason: fmt.Sprintf("max_restarts (%d) reached", t.policy.MaxRestarts)}
	}

	newCount := count + 1
	delay := t.backoff(newCount)

	h := t.slots[key.String()]
	if h == nil {
		h = &history{}
		t.slots[key.String()] = h
	}
	h.restartCount = newCount
	h.lastRestart = time.Now()

	return Decision{Allowed: true, Delay: delay, RestartCount: newCount}
}

func (t *Tracker) backoff(restartCount int) time.Duration {
	base := t.policy.BackoffBase()
	backoff := time.Duration(float64(base) * math.Pow(2, float64(restartCount-1)))
	if max := t.policy.BackoffMax(); backoff > max {
		backoff = max
	}
	return backoff
}

// Schedule arranges for fn to run after delay, tracked under key so a
// pending respawn can be cancelled by CancelAll on shutdown.
func (t *Tracker) Schedule(key SlotKey, delay time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	timer := time.AfterFunc(delay, func() {
		t.mu.Lock()
		delete(t.timers, key.String())
		t.mu.Unlock()
		fn()
	})
	t.timers[key.String()] = timer
}

// CancelAll stops every pending respawn without running it. Shutdown
// calls this so restart_count is never incremented for a respawn that
// never happens.
func (t *Tracker) CancelAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, timer := range t.timers {
		timer.Stop()
		delete(t.timers, k)
	}
}

// Reset clears a slot's history, used when a manual restart (as opposed
// to an automatic respawn) resets restart_count to 0.
func (t *Tracker) Reset(key SlotKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.slots, key.String())
}
