// Package scheduler implements the Scheduler (C7): the ticker loop that
// drives one full observation cycle — list targets, scrape ingress
// metrics, classify activity, feed the State Core, and carry out whatever
// Sleep or Wake action falls out — plus the out-of-band wake path the
// Interception Endpoint triggers on a live request.
package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/kubesleeper/kubesleeper/internal/classify"
	"github.com/kubesleeper/kubesleeper/internal/executor"
	"github.com/kubesleeper/kubesleeper/internal/history"
	"github.com/kubesleeper/kubesleeper/internal/k8s"
	"github.com/kubesleeper/kubesleeper/internal/notify"
	"github.com/kubesleeper/kubesleeper/internal/statecore"
)

// TargetLister enumerates the Deployments and Services the controller
// manages. Implemented by *k8s.Adapter.
type TargetLister interface {
	ListDeploymentTargets(ctx context.Context) ([]k8s.DeploymentTarget, []error)
	ListServiceTargets(ctx context.Context) ([]k8s.ServiceTarget, []error)
}

// MetricsCollector produces one ingress metric snapshot per call.
// Implemented by *metrics.Traefik.
type MetricsCollector interface {
	Collect(ctx context.Context) (classify.MetricSample, error)
}

// Notifier feeds one classifier verdict into the shared regime and
// returns the action the caller must now perform, if any. Implemented by
// *statecore.RegimeState, and shared with the Interception Endpoint so
// both observation paths drive the same regime.
type Notifier interface {
	Observe(kind classify.Kind, ts time.Time) statecore.Action
}

// TransitionExecutor carries out a Sleep or Wake action against a target
// set. Implemented by *executor.Executor.
type TransitionExecutor interface {
	ExecuteSleep(ctx context.Context, targets executor.Targets) error
	ExecuteWake(ctx context.Context, targets executor.Targets) error
}

// NotifyEngine fans a transition out to configured notification adapters.
// Implemented by *notify.Engine.
type NotifyEngine interface {
	Notify(ctx context.Context, n notify.Notification)
}

// Scheduler owns the periodic tick loop and the out-of-band wake path.
// Both paths share one actionMu so a tick-driven Sleep can never race an
// endpoint-driven Wake into carrying out conflicting actions on the same
// target set.
type Scheduler struct {
	lister   TargetLister
	metrics  MetricsCollector
	notifier Notifier
	executor TransitionExecutor
	notify   NotifyEngine
	history  history.HistoryWriter
	logger   *slog.Logger

	intervalMu sync.Mutex
	interval   time.Duration
	ticker     *time.Ticker

	tickMu     sync.Mutex // held only for the duration of one tick; TryLock skips an overlapping tick
	actionMu   sync.Mutex // serializes ExecuteSleep/ExecuteWake against DispatchWake
	sampleMu   sync.Mutex
	prevSample classify.MetricSample
}

// New creates a Scheduler that ticks every interval.
func New(
	lister TargetLister,
	metrics MetricsCollector,
	notifier Notifier,
	exec TransitionExecutor,
	notifyEngine NotifyEngine,
	historyWriter history.HistoryWriter,
	interval time.Duration,
	logger *slog.Logger,
) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if historyWriter == nil {
		historyWriter = history.NoopWriter{}
	}
	return &Scheduler{
		lister:     lister,
		metrics:    metrics,
		notifier:   notifier,
		executor:   exec,
		notify:     notifyEngine,
		history:    historyWriter,
		logger:     logger,
		interval:   interval,
		prevSample: classify.MetricSample{},
	}
}

// Run executes one tick immediately, then repeats every interval until
// ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	s.tick(ctx)

	s.intervalMu.Lock()
	s.ticker = time.NewTicker(s.interval)
	ticker := s.ticker
	s.intervalMu.Unlock()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// SetInterval updates the tick period. If the scheduler is already
// running, the live ticker is reset immediately; otherwise the new value
// takes effect the next time Run starts the ticker. The config hot-reload
// watcher is the expected caller.
func (s *Scheduler) SetInterval(d time.Duration) {
	s.intervalMu.Lock()
	defer s.intervalMu.Unlock()
	if d == s.interval {
		return
	}
	s.logger.Info("scheduler refresh interval updated", "old", s.interval, "new", d)
	s.interval = d
	if s.ticker != nil {
		s.ticker.Reset(d)
	}
}

// tick runs one observation cycle. If the previous tick is still running
// (a slow scrape or a stuck wait-ready loop), this tick is skipped rather
// than queued — the next scheduled tick will pick up current state anyway.
func (s *Scheduler) tick(ctx context.Context) {
	if !s.tickMu.TryLock() {
		s.logger.Warn("scheduler tick skipped: previous tick still running")
		return
	}
	defer s.tickMu.Unlock()

	targets, listErrs := s.listTargets(ctx)
	for _, err := range listErrs {
		s.logger.Warn("target list error", "error", err)
	}

	sample, err := s.metrics.Collect(ctx)
	if err != nil {
		s.logger.Warn("metrics collection failed, tick aborted", "error", err)
		return
	}

	s.sampleMu.Lock()
	prev := s.prevSample
	s.prevSample = sample
	s.sampleMu.Unlock()

	kind := classify.Classify(prev, sample)
	action := s.notifier.Observe(kind, time.Now())
	if action == statecore.NoAction {
		return
	}

	s.performAction(ctx, action, targets)
}

// DispatchWake carries out an immediate Wake independent of the tick
// cadence. The Interception Endpoint calls this after observing Activity
// on a live request, so a sleeping target wakes as soon as a request
// arrives rather than waiting for the next scheduled tick.
func (s *Scheduler) DispatchWake(ctx context.Context) {
	targets, listErrs := s.listTargets(ctx)
	for _, err := range listErrs {
		s.logger.Warn("target list error during dispatched wake", "error", err)
	}
	s.performAction(ctx, statecore.Wake, targets)
}

func (s *Scheduler) listTargets(ctx context.Context) (executor.Targets, []error) {
	deployments, depErrs := s.lister.ListDeploymentTargets(ctx)
	services, svcErrs := s.lister.ListServiceTargets(ctx)
	return executor.Targets{Deployments: deployments, Services: services}, append(depErrs, svcErrs...)
}

func (s *Scheduler) performAction(ctx context.Context, action statecore.Action, targets executor.Targets) {
	s.actionMu.Lock()
	defer s.actionMu.Unlock()

	now := time.Now()
	switch action {
	case statecore.Sleep:
		if err := s.executor.ExecuteSleep(ctx, targets); err != nil {
			s.logger.Error("sleep execution had errors", "error", err)
		}
		s.recordTransition(ctx, "Sleep", targets, now)
	case statecore.Wake:
		if err := s.executor.ExecuteWake(ctx, targets); err != nil {
			s.logger.Error("wake execution had errors", "error", err)
		}
		s.recordTransition(ctx, "Wake", targets, now)
	}
}

func (s *Scheduler) recordTransition(ctx context.Context, action string, targets executor.Targets, ts time.Time) {
	for _, d := range targets.Deployments {
		s.notify.Notify(ctx, notify.Notification{Action: action, TargetKind: "Deployment", TargetID: d.ID(), Timestamp: ts})
		if err := s.history.Record(history.TransitionRecord{Timestamp: ts, Action: action, TargetKind: "Deployment", TargetID: d.ID()}); err != nil {
			s.logger.Warn("history record failed", "target", d.ID(), "error", err)
		}
	}
	for _, svc := range targets.Services {
		s.notify.Notify(ctx, notify.Notification{Action: action, TargetKind: "Service", TargetID: svc.ID(), Timestamp: ts})
		if err := s.history.Record(history.TransitionRecord{Timestamp: ts, Action: action, TargetKind: "Service", TargetID: svc.ID()}); err != nil {
			s.logger.Warn("history record failed", "target", svc.ID(), "error", err)
		}
	}
}
