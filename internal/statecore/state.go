// Package statecore implements the State Core (C4): a single mutex-guarded
// regime — Awake or Asleep — driven by a stream of Activity/NoActivity
// notifications from the Activity Classifier, emitting a Sleep or Wake
// action only on the edges that matter.
package statecore

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/kubesleeper/kubesleeper/internal/classify"
)

// Regime is the controller's durable sleep/awake verdict.
type Regime int

const (
	Awake Regime = iota
	Asleep
)

func (r Regime) String() string {
	if r == Asleep {
		return "Asleep"
	}
	return "Awake"
}

// Action is the side effect a notification may trigger. The caller must
// dispatch it after releasing RegimeState's lock.
type Action int

const (
	NoAction Action = iota
	Sleep
	Wake
)

func (a Action) String() string {
	switch a {
	case Sleep:
		return "Sleep"
	case Wake:
		return "Wake"
	default:
		return "NoAction"
	}
}

// RegimeState is the process-wide singleton tracking one target's (or the
// whole controller's, depending on wiring) Awake/Asleep regime. All state
// transitions go through Observe, which holds the lock only long enough to
// update in-memory state and compute the resulting Action; the caller
// performs the actual Kubernetes I/O after the lock is released so a slow
// apply never blocks a concurrent HTTP request.
type RegimeState struct {
	mu sync.Mutex

	initialized        bool
	lastNotification   classify.Kind
	since              time.Time
	regime             Regime
	sleepinessDuration time.Duration

	logger *slog.Logger
}

// New creates a RegimeState that starts Awake and requires sleepinessDuration
// of continuous NoActivity (measured from the Activity->NoActivity edge)
// before it will dispatch a Sleep action.
func New(sleepinessDuration time.Duration, logger *slog.Logger) *RegimeState {
	if logger == nil {
		logger = slog.Default()
	}
	return &RegimeState{
		regime:             Awake,
		sleepinessDuration: sleepinessDuration,
		logger:             logger,
	}
}

// Regime returns the current regime under lock.
func (s *RegimeState) Regime() Regime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.regime
}

// SetSleepinessDuration updates the idle threshold the NoActivity->NoActivity
// edge is measured against. Safe to call concurrently with Observe; the
// config hot-reload watcher is the only expected caller. The change applies
// to the next comparison — it does not retroactively re-evaluate "since".
func (s *RegimeState) SetSleepinessDuration(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d == s.sleepinessDuration {
		return
	}
	s.logger.Info("sleepiness duration updated", "old", s.sleepinessDuration, "new", d)
	s.sleepinessDuration = d
}

// Observe feeds one notification into the state machine and returns the
// Action the caller must now perform, if any.
//
// since is updated only on the two edges where the notification kind
// actually flips (Activity->NoActivity and NoActivity->Activity); a run of
// identical notifications never resets the clock the sleepiness duration is
// measured against.
//
//   - Activity -> Activity: no-op.
//   - Activity -> NoActivity: since = ts, no action yet.
//   - NoActivity -> NoActivity: if already Asleep, no-op; otherwise dispatch
//     Sleep once ts - since >= sleepinessDuration.
//   - NoActivity -> Activity: since = ts; dispatch Wake unless already
//     Awake (a NoActivity run that ended before the sleepiness threshold
//     never slept, so there is nothing to wake).
//
// The very first observation only seeds lastNotification/since; it never
// dispatches an action, since there is no prior edge to compare against.
func (s *RegimeState) Observe(kind classify.Kind, ts time.Time) Action {
	// A panic inside the critical section leaves the regime's in-memory
	// invariants (kind/since/last-notification) in an unknown state. The
	// process exits rather than keep running on a corrupted regime.
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("state core critical section panicked, exiting", "panic", r)
			os.Exit(1)
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		s.initialized = true
		s.lastNotification = kind
		s.since = ts
		return NoAction
	}

	prev := s.lastNotification
	s.lastNotification = kind

	switch {
	case prev == classify.Activity && kind == classify.Activity:
		return NoAction

	case prev == classify.Activity && kind == classify.NoActivity:
		s.since = ts
		return NoAction

	case prev == classify.NoActivity && kind == classify.NoActivity:
		if s.regime == Asleep {
			return NoAction
		}
		if ts.Sub(s.since) >= s.sleepinessDuration {
			s.regime = Asleep
			s.logger.Info("regime transition", "regime", s.regime, "since", s.since, "at", ts)
			return Sleep
		}
		return NoAction

	default: // prev == NoActivity && kind == Activity
		s.since = ts
		if s.regime == Awake {
			return NoAction
		}
		s.regime = Awake
		s.logger.Info("regime transition", "regime", s.regime, "since", s.since, "at", ts)
		return Wake
	}
}
