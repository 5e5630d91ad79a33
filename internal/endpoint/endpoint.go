// Package endpoint implements the Interception Endpoint (C6): the HTTP
// surface a sleeping Service's sentinel selector redirects real traffic to.
// A request here means "someone just tried to reach an asleep workload" —
// it records Activity and, if that flips the regime, kicks off a Wake
// without making the caller wait for it.
package endpoint

import (
	"context"
	"embed"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kubesleeper/kubesleeper/internal/classify"
	"github.com/kubesleeper/kubesleeper/internal/server"
	"github.com/kubesleeper/kubesleeper/internal/statecore"
)

//go:embed static/waiting.html
var embeddedStatic embed.FS

// Notifier is the subset of statecore.RegimeState the endpoint depends on.
type Notifier interface {
	Observe(kind classify.Kind, ts time.Time) statecore.Action
}

// WakeDispatcher performs a Wake action asynchronously. The Scheduler's
// wiring implements this by re-listing targets and calling the Transition
// Executor.
type WakeDispatcher interface {
	DispatchWake(ctx context.Context)
}

// Endpoint is the Interception Endpoint's HTTP handler: a catch-all route
// that records Activity for any non-prefixed path, a /wait page, and a
// static asset mount rooted at the prefix.
type Endpoint struct {
	prefix     string
	notifier   Notifier
	dispatcher WakeDispatcher
	logger     *slog.Logger

	mux *http.ServeMux
}

// New builds an Endpoint mounted under prefix (normalized to have leading
// and trailing slashes, e.g. "kubesleeper" -> "/kubesleeper/").
func New(prefix string, notifier Notifier, dispatcher WakeDispatcher, logger *slog.Logger) (*Endpoint, error) {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Endpoint{
		prefix:     server.NormalizeBasePath(prefix),
		notifier:   notifier,
		dispatcher: dispatcher,
		logger:     logger,
	}

	staticHandler, err := server.NewStaticHandler(embeddedStatic, "static")
	if err != nil {
		return nil, fmt.Errorf("build static handler: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle(e.prefix+"static/", http.StripPrefix(e.prefix+"static", staticHandler))
	mux.HandleFunc(e.prefix+"wait", e.handleWait)
	mux.HandleFunc("/", e.handleCatchAll)
	e.mux = mux

	return e, nil
}

// Handler returns the wrapped http.Handler, with reverse-proxy header
// normalization applied ahead of routing.
func (e *Endpoint) Handler() http.Handler {
	return server.ProxyHeaderMiddleware(e.mux)
}

func (e *Endpoint) handleWait(w http.ResponseWriter, r *http.Request) {
	e.logger.Info("serving wait page", "path", r.URL.Path)
	f, err := embeddedStatic.Open("static/waiting.html")
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	rs, ok := f.(io.ReadSeeker)
	if !ok {
		http.Error(w, "embedded file is not seekable", http.StatusInternalServerError)
		return
	}
	http.ServeContent(w, r, fi.Name(), fi.ModTime(), rs)
}

// handleCatchAll is the interception route: a path outside the controller
// prefix is treated as live traffic hitting an asleep Service, while an
// unmatched path under the prefix gets a 404 and records nothing. It records Activity synchronously — so two racing requests
// cannot both start a Wake — then redirects to the wait page, launching
// any resulting Wake in the background so the redirect is never stalled by
// Kubernetes I/O.
func (e *Endpoint) handleCatchAll(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, e.prefix) {
		http.NotFound(w, r)
		return
	}

	e.logger.Info("intercepted request", "path", r.URL.Path)
	action := e.notifier.Observe(classify.Activity, time.Now())
	if action == statecore.Wake {
		go e.dispatcher.DispatchWake(context.Background())
	}

	http.Redirect(w, r, strings.TrimSuffix(e.prefix, "/")+"/wait", http.StatusFound)
}
