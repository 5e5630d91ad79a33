// Command kubesleeper runs (or manually drives) the scale-to-zero
// controller: a scheduler that samples ingress traffic and puts idle
// workloads to sleep, an interception endpoint that wakes them back up on
// the next request, and a handful of one-shot verbs for operating on the
// same machinery by hand.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kubesleeper/kubesleeper/internal/config"
	"github.com/kubesleeper/kubesleeper/internal/endpoint"
	"github.com/kubesleeper/kubesleeper/internal/executor"
	"github.com/kubesleeper/kubesleeper/internal/history"
	"github.com/kubesleeper/kubesleeper/internal/k8s"
	"github.com/kubesleeper/kubesleeper/internal/metrics"
	"github.com/kubesleeper/kubesleeper/internal/notify"
	"github.com/kubesleeper/kubesleeper/internal/scheduler"
	"github.com/kubesleeper/kubesleeper/internal/statecore"
)

// controllerPrefix is the path segment the Interception Endpoint's own
// routes (the wait page, static assets) live under; everything else is
// the catch-all that records Activity.
const controllerPrefix = "kubesleeper"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	verb, args := os.Args[1], os.Args[2:]

	var err error
	switch verb {
	case "start":
		err = runStart(args)
	case "sleep":
		err = runTransition(args, "sleep")
	case "wake":
		err = runTransition(args, "wake")
	case "config":
		err = runConfig(args)
	case "history":
		err = runHistory(args)
	case "status":
		err = runStatus(args)
	case "-h", "-help", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n", verb)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: kubesleeper <command> [flags]

commands:
  start            run the scheduler and interception endpoint
  sleep            manually put target(s) to sleep
  wake             manually wake target(s)
  config dump      print the effective configuration as YAML
  history          tail the transition history log
  status           print the live asleep/awake state of every managed target`)
}

// commonFlags are accepted by every subcommand that touches the cluster
// or the config file.
type commonFlags struct {
	configPath string
	kubeconfig string
	logFormat  string
}

func bindCommonFlags(fs *flag.FlagSet) *commonFlags {
	cf := &commonFlags{}
	fs.StringVar(&cf.configPath, "config", getEnv("KUBESLEEPER_CONFIG", ""), "path to YAML config file")
	fs.StringVar(&cf.kubeconfig, "kubeconfig", getEnv("KUBECONFIG", ""), "path to kubeconfig file (empty uses in-cluster config)")
	fs.StringVar(&cf.logFormat, "log-format", getEnv("LOG_FORMAT", "json"), "log format (json or text)")
	return cf
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fallback
		}
		return b
	}
	return fallback
}

func setupLogger(format string, writer io.Writer) (*slog.Logger, error) {
	var handler slog.Handler
	switch format {
	case "text":
		handler = slog.NewTextHandler(writer, nil)
	case "json":
		handler = slog.NewJSONHandler(writer, nil)
	default:
		return nil, fmt.Errorf("unsupported log format %q: must be \"json\" or \"text\"", format)
	}
	return slog.New(handler), nil
}

// loadEffectiveConfig layers Defaults() under an optional config file,
// logging file-extension warnings and validation errors along the way. It
// fails on a path whose extension check fails (checked before existence),
// or on a file that exists but cannot be read or parsed; a missing file
// with an accepted extension is not an error.
func loadEffectiveConfig(cf *commonFlags, logger *slog.Logger) (config.Config, error) {
	cfg := config.Defaults()

	if cf.configPath == "" {
		return cfg, nil
	}

	if warn, err := config.CheckExtension(cf.configPath); err != nil {
		return cfg, err
	} else if warn != "" {
		logger.Warn(warn)
	}

	loaded, errs := config.Load(cf.configPath)
	for _, e := range errs {
		logger.Warn("config validation", "error", e)
	}
	if loaded == nil {
		return cfg, fmt.Errorf("failed to load config file %q", cf.configPath)
	}
	return config.Merge(cfg, *loaded), nil
}

func buildNotifyEngine(cfg config.Config, logger *slog.Logger) (*notify.Engine, error) {
	var adapterConfigs []config.AdapterConfig
	if cfg.Notifications != nil {
		adapterConfigs = cfg.Notifications.Adapters
	}
	adapters, err := notify.BuildAdapters(adapterConfigs)
	if err != nil {
		return nil, fmt.Errorf("build notification adapters: %w", err)
	}
	return notify.NewEngine(adapters, notify.WithLogger(logger)), nil
}

func buildHistoryWriter(cfg config.Config, logger *slog.Logger) (history.HistoryWriter, error) {
	if cfg.History.Path == "" {
		return history.NoopWriter{}, nil
	}
	w, err := history.NewFileWriter(cfg.History.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("open history file %q: %w", cfg.History.Path, err)
	}
	return w, nil
}

// runStart wires the full controller — Resource Adapter, Metrics Adapter,
// State Core, Transition Executor, Scheduler, Interception Endpoint — and
// runs it until SIGINT/SIGTERM.
func runStart(args []string) error {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	cf := bindCommonFlags(fs)
	var serverPortOverride int
	var sleepinessOverride int
	var refreshOverride int
	fs.IntVar(&serverPortOverride, "server-port", 0, "override server.port (0 = use config/default)")
	fs.IntVar(&sleepinessOverride, "sleepiness-duration", 0, "override controller.sleepiness_duration seconds (0 = use config/default)")
	fs.IntVar(&refreshOverride, "refresh-interval", 0, "override controller.refresh_interval seconds (0 = use config/default)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	bootstrapLogger, err := setupLogger(cf.logFormat, os.Stdout)
	if err != nil {
		return err
	}
	slog.SetDefault(bootstrapLogger)

	cfg, err := loadEffectiveConfig(cf, bootstrapLogger)
	if err != nil {
		return err
	}
	cfg = config.Merge(cfg, config.Config{
		Server:     config.ServerConfig{Port: serverPortOverride},
		Controller: config.ControllerConfig{SleepinessDurationSeconds: sleepinessOverride, RefreshIntervalSeconds: refreshOverride},
	})

	logger := bootstrapLogger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clientset, err := k8s.BuildClientset(cf.kubeconfig)
	if err != nil {
		return fmt.Errorf("build kubernetes client: %w", err)
	}

	notifyEngine, err := buildNotifyEngine(cfg, logger)
	if err != nil {
		return err
	}

	historyWriter, err := buildHistoryWriter(cfg, logger)
	if err != nil {
		return err
	}
	defer historyWriter.Close()

	if fw, ok := historyWriter.(*history.FileWriter); ok {
		pruner := history.NewPruner(cfg.History.Path, cfg.History.RetentionDays, fw, logger)
		go pruner.Run(ctx)
	}

	adapter := k8s.NewAdapter(clientset, int32(cfg.Server.Port), logger,
		k8s.WithNamespaceFilter(cfg.Targets.IncludeNamespaces, cfg.Targets.ExcludeNamespaces))
	metricsAdapter := metrics.NewTraefik(clientset, logger)
	regime := statecore.New(time.Duration(cfg.Controller.SleepinessDurationSeconds)*time.Second, logger)
	exec := executor.New(adapter, logger)
	sched := scheduler.New(adapter, metricsAdapter, regime, exec, notifyEngine, historyWriter,
		time.Duration(cfg.Controller.RefreshIntervalSeconds)*time.Second, logger)

	ep, err := endpoint.New(controllerPrefix, regime, sched, logger)
	if err != nil {
		return fmt.Errorf("build interception endpoint: %w", err)
	}

	httpServer := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Server.Port),
		Handler: ep.Handler(),
	}

	go sched.Run(ctx)

	if cf.configPath != "" {
		watcher := config.NewWatcher(cf.configPath, func(newCfg *config.Config, errs []error) {
			for _, e := range errs {
				logger.Warn("config reload validation", "error", e)
			}
			if newCfg == nil {
				logger.Warn("config reload failed, keeping previous values")
				return
			}
			reloaded := config.Merge(config.Defaults(), *newCfg)
			if reloaded.Server.Port != cfg.Server.Port {
				logger.Warn("server.port changed on disk but is not hot-reloadable; restart to apply", "configured", cfg.Server.Port, "new", reloaded.Server.Port)
			}
			regime.SetSleepinessDuration(time.Duration(reloaded.Controller.SleepinessDurationSeconds) * time.Second)
			sched.SetInterval(time.Duration(reloaded.Controller.RefreshIntervalSeconds) * time.Second)
		}, logger)
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Warn("config watcher stopped", "error", err)
			}
		}()
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// runTransition implements the manual "sleep"/"wake" CLI verbs: the same
// Resource Adapter and Transition Executor the scheduler uses, invoked
// once against either a single named target or the whole cluster.
func runTransition(args []string, verb string) error {
	fs := flag.NewFlagSet(verb, flag.ContinueOnError)
	cf := bindCommonFlags(fs)
	var target string
	var all bool
	fs.StringVar(&target, "target", "", "namespace/name of a single target")
	fs.BoolVar(&all, "all", getEnvBool("KUBESLEEPER_ALL", false), "apply to every managed target")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if (target == "") == !all {
		return fmt.Errorf("exactly one of --target or --all must be set")
	}

	logger, err := setupLogger(cf.logFormat, os.Stderr)
	if err != nil {
		return err
	}

	cfg, err := loadEffectiveConfig(cf, logger)
	if err != nil {
		return err
	}

	clientset, err := k8s.BuildClientset(cf.kubeconfig)
	if err != nil {
		return fmt.Errorf("build kubernetes client: %w", err)
	}

	adapter := k8s.NewAdapter(clientset, int32(cfg.Server.Port), logger,
		k8s.WithNamespaceFilter(cfg.Targets.IncludeNamespaces, cfg.Targets.ExcludeNamespaces))
	exec := executor.New(adapter, logger)

	ctx := context.Background()
	deployments, depErrs := adapter.ListDeploymentTargets(ctx)
	services, svcErrs := adapter.ListServiceTargets(ctx)
	for _, e := range append(depErrs, svcErrs...) {
		logger.Warn("target list error", "error", e)
	}

	if target != "" {
		deployments = filterDeployments(deployments, target)
		services = filterServices(services, target)
		if len(deployments) == 0 && len(services) == 0 {
			return fmt.Errorf("no managed target found matching %q", target)
		}
	}

	// Consult history for a human-facing "last known action" note; the
	// actual no-op guard lives in the Resource Adapter's Apply* methods,
	// which are idempotent regardless of what the log says.
	if last, err := history.ReadHistory(cfg.History.Path); err == nil {
		for _, d := range deployments {
			if rec, ok := last[d.ID()]; ok {
				logger.Info("target history", "target", d.ID(), "lastAction", rec.Action, "at", rec.Timestamp)
			}
		}
		for _, s := range services {
			if rec, ok := last[s.ID()]; ok {
				logger.Info("target history", "target", s.ID(), "lastAction", rec.Action, "at", rec.Timestamp)
			}
		}
	}

	targets := executor.Targets{Deployments: deployments, Services: services}
	switch verb {
	case "sleep":
		err = exec.ExecuteSleep(ctx, targets)
	case "wake":
		err = exec.ExecuteWake(ctx, targets)
	}
	if err != nil {
		return fmt.Errorf("%s failed for one or more targets: %w", verb, err)
	}

	fmt.Printf("%s complete: %d deployment(s), %d service(s)\n", verb, len(deployments), len(services))
	return nil
}

func filterDeployments(in []k8s.DeploymentTarget, id string) []k8s.DeploymentTarget {
	var out []k8s.DeploymentTarget
	for _, d := range in {
		if d.ID() == id {
			out = append(out, d)
		}
	}
	return out
}

func filterServices(in []k8s.ServiceTarget, id string) []k8s.ServiceTarget {
	var out []k8s.ServiceTarget
	for _, s := range in {
		if s.ID() == id {
			out = append(out, s)
		}
	}
	return out
}

// runConfig implements "config dump": print the effective configuration
// (defaults layered with an optional file) as YAML.
func runConfig(args []string) error {
	if len(args) == 0 || args[0] != "dump" {
		return fmt.Errorf(`usage: kubesleeper config dump [--config path]`)
	}

	fs := flag.NewFlagSet("config dump", flag.ContinueOnError)
	cf := bindCommonFlags(fs)
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	logger, err := setupLogger(cf.logFormat, os.Stderr)
	if err != nil {
		return err
	}

	cfg, err := loadEffectiveConfig(cf, logger)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	fmt.Print(string(out))
	return nil
}

// runHistory implements "history": tail the durable Sleep/Wake transition
// log in chronological order, optionally pruning entries past retention
// first.
func runHistory(args []string) error {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	cf := bindCommonFlags(fs)
	var limit int
	var prune bool
	fs.IntVar(&limit, "limit", 20, "maximum number of records to print")
	fs.BoolVar(&prune, "prune", false, "prune records past the configured retention before printing")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger, err := setupLogger(cf.logFormat, os.Stderr)
	if err != nil {
		return err
	}

	cfg, err := loadEffectiveConfig(cf, logger)
	if err != nil {
		return err
	}
	if cfg.History.Path == "" {
		return fmt.Errorf("no history path configured")
	}

	if prune {
		if err := history.Prune(cfg.History.Path, cfg.History.RetentionDays, logger); err != nil {
			return fmt.Errorf("prune history: %w", err)
		}
	}

	records, err := history.ReadAllRecords(cfg.History.Path)
	if err != nil {
		return fmt.Errorf("read history: %w", err)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Timestamp.Before(records[j].Timestamp) })
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}

	for _, rec := range records {
		fmt.Printf("%s\t%s\t%s\t%s\n",
			rec.Timestamp.Format(time.RFC3339), rec.Action, rec.TargetKind, rec.TargetID)
	}
	return nil
}

// deploymentStatus and serviceStatus are the printed shape of "status", kept
// separate from k8s.DeploymentTarget/ServiceTarget so the live "waking up
// (n/m)" state can sit next to the durable pre-sleep values.
type deploymentStatus struct {
	ID             string `yaml:"id"`
	State          string `yaml:"state"`
	StoredReplicas int32  `yaml:"stored_replicas"`
}

type serviceStatus struct {
	ID             string            `yaml:"id"`
	State          string            `yaml:"state"`
	StoredSelector map[string]string `yaml:"stored_selector,omitempty"`
	StoredPorts    []k8s.ServicePort `yaml:"stored_ports,omitempty"`
}

type clusterStatus struct {
	Deployments []deploymentStatus  `yaml:"Deployments"`
	Services    []serviceStatus     `yaml:"Services"`
	MetricPods  map[string][]string `yaml:"Metric Pods"`
}

// runStatus implements "status": a live snapshot of every managed target's
// asleep/awake/waking-up state, plus the ingress pods the Metrics Adapter
// currently discovers. Unlike "config dump" (static config) or "history"
// (past transitions only), this reflects the cluster as of right now.
func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	cf := bindCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger, err := setupLogger(cf.logFormat, os.Stderr)
	if err != nil {
		return err
	}

	cfg, err := loadEffectiveConfig(cf, logger)
	if err != nil {
		return err
	}

	clientset, err := k8s.BuildClientset(cf.kubeconfig)
	if err != nil {
		return fmt.Errorf("build kubernetes client: %w", err)
	}

	adapter := k8s.NewAdapter(clientset, int32(cfg.Server.Port), logger,
		k8s.WithNamespaceFilter(cfg.Targets.IncludeNamespaces, cfg.Targets.ExcludeNamespaces))

	ctx := context.Background()
	deployments, depErrs := adapter.ListDeploymentTargets(ctx)
	services, svcErrs := adapter.ListServiceTargets(ctx)
	for _, e := range append(depErrs, svcErrs...) {
		logger.Warn("target list error", "error", e)
	}

	out := clusterStatus{MetricPods: map[string][]string{}}
	for _, d := range deployments {
		state := "asleep"
		if !d.Asleep() {
			ready, err := adapter.ReadyReplicas(ctx, d)
			if err != nil {
				logger.Warn("ready replicas lookup failed", "target", d.ID(), "error", err)
				state = "unknown"
			} else if ready != d.Replicas {
				state = fmt.Sprintf("waking up (%d/%d)", ready, d.Replicas)
			} else {
				state = "awake"
			}
		}
		var stored int32
		if d.StoredReplicas != nil {
			stored = *d.StoredReplicas
		}
		out.Deployments = append(out.Deployments, deploymentStatus{
			ID: d.ID(), State: state, StoredReplicas: stored,
		})
	}
	for _, s := range services {
		state := "awake"
		if s.Asleep() {
			state = "asleep"
		}
		out.Services = append(out.Services, serviceStatus{
			ID: s.ID(), State: state, StoredSelector: s.StoredSelector, StoredPorts: s.StoredPorts,
		})
	}

	traefik := metrics.NewTraefik(clientset, logger)
	pods, err := traefik.ListIngressPods(ctx)
	if err != nil {
		logger.Warn("ingress pod discovery failed", "error", err)
	}
	for _, p := range pods {
		out.MetricPods["Traefik"] = append(out.MetricPods["Traefik"], p.UID)
	}

	marshaled, err := yaml.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	fmt.Print(string(marshaled))
	return nil
}
