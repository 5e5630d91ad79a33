// Package executor implements the Transition Executor (C5): it carries out
// a Sleep or Wake action across a target set in the order the wire contract
// requires, and blocks a Wake until every affected Deployment reports ready
// replicas.
package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/kubesleeper/kubesleeper/internal/k8s"
)

const (
	defaultWaitReadyBaseDelay     = 100 * time.Millisecond
	defaultWaitReadyMaxDelay      = 12800 * time.Millisecond
	defaultWaitReadyMaxIterations = 1000
)

// Targets is the set of resources one action applies to, resolved fresh by
// the caller on every tick.
type Targets struct {
	Deployments []k8s.DeploymentTarget
	Services    []k8s.ServiceTarget
}

// Executor applies Sleep/Wake actions via a Resource Adapter.
type Executor struct {
	adapter *k8s.Adapter
	logger  *slog.Logger

	waitReadyBaseDelay     time.Duration
	waitReadyMaxDelay      time.Duration
	waitReadyMaxIterations int
}

// Option configures an Executor.
type Option func(*Executor)

// WithWaitReadyTuning overrides the readiness poll backoff, primarily for
// tests that cannot afford the production cadence.
func WithWaitReadyTuning(baseDelay, maxDelay time.Duration, maxIterations int) Option {
	return func(e *Executor) {
		e.waitReadyBaseDelay = baseDelay
		e.waitReadyMaxDelay = maxDelay
		e.waitReadyMaxIterations = maxIterations
	}
}

// New creates an Executor bound to adapter.
func New(adapter *k8s.Adapter, logger *slog.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	e := &Executor{
		adapter:                adapter,
		logger:                 logger,
		waitReadyBaseDelay:     defaultWaitReadyBaseDelay,
		waitReadyMaxDelay:      defaultWaitReadyMaxDelay,
		waitReadyMaxIterations: defaultWaitReadyMaxIterations,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteSleep puts every target in targets to sleep, Deployments first and
// Services second; until the Service pass reaches a Service, it still
// selects pods of a Deployment that may already be scaled to zero.
// Per-target failures are collected and joined; one bad target never stops
// the rest from being attempted.
func (e *Executor) ExecuteSleep(ctx context.Context, targets Targets) error {
	var errs []error
	for _, d := range targets.Deployments {
		if err := e.adapter.ApplySleepDeployment(ctx, d); err != nil {
			e.logger.Warn("sleep deployment failed", "id", d.ID(), "error", err)
			errs = append(errs, err)
		}
	}
	for _, s := range targets.Services {
		if err := e.adapter.ApplySleepService(ctx, s); err != nil {
			e.logger.Warn("sleep service failed", "id", s.ID(), "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ExecuteWake wakes every target in targets, Services first and Deployments
// second — restoring traffic routing before scaling up means the first
// ready pod starts receiving real requests immediately rather than after a
// second selector flip. All Deployment wake patches are applied before any
// WaitReady poll starts, and the polls themselves run concurrently, one
// goroutine per deployment, so a crash-looping deployment that never
// becomes ready cannot delay readiness reporting for any other deployment
// in the same wake.
func (e *Executor) ExecuteWake(ctx context.Context, targets Targets) error {
	var errs []error
	for _, s := range targets.Services {
		if err := e.adapter.ApplyWakeService(ctx, s); err != nil {
			e.logger.Warn("wake service failed", "id", s.ID(), "error", err)
			errs = append(errs, err)
		}
	}

	var ready []k8s.DeploymentTarget
	for _, d := range targets.Deployments {
		if err := e.adapter.ApplyWakeDeployment(ctx, d); err != nil {
			e.logger.Warn("wake deployment failed", "id", d.ID(), "error", err)
			errs = append(errs, err)
			continue
		}
		ready = append(ready, d)
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(len(ready))
	for _, d := range ready {
		go func(d k8s.DeploymentTarget) {
			defer wg.Done()
			desired := d.Replicas
			if d.StoredReplicas != nil {
				desired = *d.StoredReplicas
			}
			if err := e.waitReady(ctx, d, desired); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(d)
	}
	wg.Wait()

	return errors.Join(errs...)
}

// waitReady polls ReadyReplicas until it reaches desired, backing off
// 100ms*2^min(i,7) between polls, capped at 12.8s, for at most
// waitReadyMaxIterations attempts before giving up with
// MaxWaitingWakeTimeError. A desired count of zero is trivially ready.
func (e *Executor) waitReady(ctx context.Context, d k8s.DeploymentTarget, desired int32) error {
	if desired <= 0 {
		return nil
	}
	for i := 0; i < e.waitReadyMaxIterations; i++ {
		ready, err := e.adapter.ReadyReplicas(ctx, d)
		if err != nil {
			e.logger.Warn("waitReady poll failed", "id", d.ID(), "error", err)
		} else if ready >= desired {
			return nil
		}

		delay := e.waitReadyBaseDelay * time.Duration(1<<min(i, 7))
		if delay > e.waitReadyMaxDelay {
			delay = e.waitReadyMaxDelay
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return &k8s.MaxWaitingWakeTimeError{ID: d.ID()}
}
