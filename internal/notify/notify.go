// Package notify delivers Sleep/Wake transition notifications to
// externally configured adapters (currently just webhooks), with
// exponential-backoff retry and bounded concurrency so a slow or dead
// endpoint never backs up the controller.
package notify

import (
	"context"
	"log/slog"
	"time"
)

// Adapter delivers a notification to an external system.
type Adapter interface {
	Name() string
	Send(ctx context.Context, n Notification) error
}

// Notification is the payload sent to adapters whenever the Transition
// Executor carries out a Sleep or Wake action.
type Notification struct {
	Action     string    `json:"action"`     // "Sleep" or "Wake"
	TargetKind string    `json:"targetKind"` // "Deployment" or "Service"
	TargetID   string    `json:"targetId"`   // "namespace/name"
	Timestamp  time.Time `json:"timestamp"`
}

// Engine fans a Notification out to every configured Adapter.
type Engine struct {
	adapters   map[string]Adapter
	dispatcher *RetryDispatcher
	logger     *slog.Logger
}

// Option configures the Engine.
type Option func(*Engine)

// WithLogger sets the logger for the engine.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithRetryDispatcher overrides the engine's retry dispatcher.
func WithRetryDispatcher(d *RetryDispatcher) Option {
	return func(e *Engine) { e.dispatcher = d }
}

// NewEngine creates a notification engine fanning out to adapters.
func NewEngine(adapters map[string]Adapter, opts ...Option) *Engine {
	e := &Engine{
		adapters: adapters,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.dispatcher == nil {
		e.dispatcher = NewRetryDispatcher(WithRetryLogger(e.logger))
	}
	return e
}

// Notify dispatches n to every configured adapter. Delivery is
// asynchronous and best-effort per adapter; Notify itself never blocks on
// network I/O.
func (e *Engine) Notify(ctx context.Context, n Notification) {
	for _, adapter := range e.adapters {
		e.dispatcher.Dispatch(ctx, adapter, n)
	}
}
