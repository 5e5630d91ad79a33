// Package metrics implements the Metrics Adapter (C2): a pluggable
// capability set — list_ingress_pods, scrape, parse — with one concrete
// implementation for Traefik's Prometheus text-format exposition.
package metrics

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/kubesleeper/kubesleeper/internal/classify"
)

// IngressLabelSelector selects Traefik's own pods cluster-wide.
const IngressLabelSelector = "app.kubernetes.io/name=traefik"

// traefikCounterPattern matches a single traefik_service_requests_total
// sample line and captures the service name and cumulative count.
var traefikCounterPattern = regexp.MustCompile(`traefik_service_requests_total\{[^}]*service="([^"]+)"[^}]*\}\s+(\d+)`)

// ScrapeError reports an HTTP or text-parsing failure while fetching
// metrics from a single ingress pod. It never aborts the containing tick.
type ScrapeError struct {
	PodUID string
	Op     string
	Err    error
}

func (e *ScrapeError) Error() string {
	return fmt.Sprintf("scrape %s (pod %s): %v", e.Op, e.PodUID, e.Err)
}

func (e *ScrapeError) Unwrap() error { return e.Err }

// PodHandle is the minimal view of an ingress pod the Metrics Adapter
// needs to scrape it.
type PodHandle struct {
	UID         string
	PodIP       string
	Annotations map[string]string
}

// HTTPClient abstracts *http.Client for testability.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Traefik is the Metrics Adapter's Traefik implementation: it discovers
// Traefik pods by label, scrapes each pod's Prometheus endpoint, and
// extracts per-service request counters.
type Traefik struct {
	clientset kubernetes.Interface
	client    HTTPClient
	logger    *slog.Logger
}

// Option configures a Traefik adapter.
type Option func(*Traefik)

// WithHTTPClient overrides the HTTP client used for scraping.
func WithHTTPClient(c HTTPClient) Option {
	return func(t *Traefik) { t.client = c }
}

// NewTraefik creates a Traefik metrics adapter bound to clientset.
func NewTraefik(clientset kubernetes.Interface, logger *slog.Logger, opts ...Option) *Traefik {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	t := &Traefik{
		clientset: clientset,
		client:    &http.Client{},
		logger:    logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ListIngressPods enumerates Traefik's own pods cluster-wide.
func (t *Traefik) ListIngressPods(ctx context.Context) ([]PodHandle, error) {
	list, err := t.clientset.CoreV1().Pods("").List(ctx, metav1.ListOptions{
		LabelSelector: IngressLabelSelector,
	})
	if err != nil {
		return nil, fmt.Errorf("list ingress pods: %w", err)
	}

	handles := make([]PodHandle, 0, len(list.Items))
	for i := range list.Items {
		p := &list.Items[i]
		handles = append(handles, PodHandle{
			UID:         string(p.UID),
			PodIP:       p.Status.PodIP,
			Annotations: p.Annotations,
		})
	}
	return handles, nil
}

// Scrape fetches the raw Prometheus text exposition from pod. Missing ip,
// port, or path annotation fails the scrape for this pod only.
func (t *Traefik) Scrape(ctx context.Context, pod PodHandle) (string, error) {
	if pod.PodIP == "" {
		return "", &ScrapeError{PodUID: pod.UID, Op: "missing pod ip", Err: fmt.Errorf("pod ip is empty")}
	}
	port, ok := pod.Annotations["prometheus.io/port"]
	if !ok || port == "" {
		return "", &ScrapeError{PodUID: pod.UID, Op: "missing prometheus.io/port annotation", Err: fmt.Errorf("annotation absent")}
	}
	path, ok := pod.Annotations["prometheus.io/path"]
	if !ok || path == "" {
		return "", &ScrapeError{PodUID: pod.UID, Op: "missing prometheus.io/path annotation", Err: fmt.Errorf("annotation absent")}
	}

	url := fmt.Sprintf("http://%s:%s%s", pod.PodIP, port, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", &ScrapeError{PodUID: pod.UID, Op: "build request", Err: err}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", &ScrapeError{PodUID: pod.UID, Op: "http get", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &ScrapeError{PodUID: pod.UID, Op: "http get", Err: fmt.Errorf("non-2xx status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &ScrapeError{PodUID: pod.UID, Op: "read body", Err: err}
	}
	return string(body), nil
}

// Parse extracts per-service request counters from raw Traefik
// Prometheus text. A malformed counter value fails the pod (ParseMetric),
// but never the whole scrape.
func (t *Traefik) Parse(podUID, raw string) (map[string]uint64, error) {
	matches := traefikCounterPattern.FindAllStringSubmatch(raw, -1)
	counts := make(map[string]uint64, len(matches))
	for _, m := range matches {
		service, rawCount := m[1], m[2]
		n, err := strconv.ParseUint(rawCount, 10, 64)
		if err != nil {
			return nil, &ScrapeError{PodUID: podUID, Op: "parse metric", Err: err}
		}
		counts[service] += n
	}
	return counts, nil
}

// Collect composes ListIngressPods, Scrape, and Parse into a single
// MetricSample: for every reachable ingress pod, per-service counters are
// summed into {service -> {pod_uid -> count}}. A pod that fails to scrape
// or parse is logged and excluded from the sample; it never aborts the
// whole collection.
func (t *Traefik) Collect(ctx context.Context) (classify.MetricSample, error) {
	pods, err := t.ListIngressPods(ctx)
	if err != nil {
		return nil, err
	}

	sample := classify.MetricSample{}
	for _, pod := range pods {
		raw, err := t.Scrape(ctx, pod)
		if err != nil {
			t.logger.Warn("ingress pod scrape failed", "pod", pod.UID, "error", err)
			continue
		}
		counts, err := t.Parse(pod.UID, raw)
		if err != nil {
			t.logger.Warn("ingress pod metric parse failed", "pod", pod.UID, "error", err)
			continue
		}
		for service, count := range counts {
			if sample[service] == nil {
				sample[service] = map[string]uint64{}
			}
			sample[service][pod.UID] += count
		}
	}
	return sample, nil
}
