package k8s

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
)

// Annotation keys written on managed resources. Every key carries the
// kubesleeper/ namespace prefix per the wire contract.
const (
	AnnotationPrefix         = "kubesleeper/"
	AnnotationStoreReplicas  = AnnotationPrefix + "store.replicas"
	AnnotationStoreSelectors = AnnotationPrefix + "store.selectors"
	AnnotationStorePorts     = AnnotationPrefix + "store.ports"
)

// ControllerAppLabel identifies the controller's own Deployment so that
// list_targets can exclude it from the target set.
const (
	ControllerAppLabelKey   = "app.kubernetes.io/name"
	ControllerAppLabelValue = "kubesleeper"
)

// SentinelSelector is the fixed selector Services carry while asleep.
const (
	SentinelSelectorKey   = "app"
	SentinelSelectorValue = "kubesleeper"
)

// SystemNamespace is excluded cluster-wide from both Deployment and Service
// target enumeration.
const SystemNamespace = "kube-system"

// ClusterAPIService identifies the Service fronting the Kubernetes API
// server, excluded from Service target enumeration.
const (
	ClusterAPIServiceNamespace = "default"
	ClusterAPIServiceName      = "kubernetes"
)

// DeploymentTarget is the parsed, typed view of a Deployment the controller
// manages.
type DeploymentTarget struct {
	Namespace string
	Name      string
	UID       string
	Replicas  int32

	// StoredReplicas is the durable pre-sleep replica count. Present iff the
	// deployment is observably asleep.
	StoredReplicas *int32
}

// ID returns the "namespace/name" identity used throughout logs and errors.
func (d DeploymentTarget) ID() string { return d.Namespace + "/" + d.Name }

// Asleep reports whether the deployment is currently scaled to zero.
func (d DeploymentTarget) Asleep() bool { return d.Replicas == 0 }

// ServicePort mirrors a Kubernetes ServicePort, restricted to the fields the
// controller must remember and rewrite.
type ServicePort struct {
	Port       int32              `json:"port"`
	TargetPort intstr.IntOrString `json:"targetPort"`
}

// ServiceTarget is the parsed, typed view of a Service the controller
// manages.
type ServiceTarget struct {
	Namespace string
	Name      string
	Selector  map[string]string
	Ports     []ServicePort

	// StoredSelector and StoredPorts are the durable pre-sleep values.
	// Present iff the service is currently redirected.
	StoredSelector map[string]string
	StoredPorts    []ServicePort
}

// ID returns the "namespace/name" identity used throughout logs and errors.
func (s ServiceTarget) ID() string { return s.Namespace + "/" + s.Name }

// Asleep reports whether the service is currently redirected to the
// interception endpoint's sentinel selector.
func (s ServiceTarget) Asleep() bool {
	return len(s.Selector) == 1 && s.Selector[SentinelSelectorKey] == SentinelSelectorValue
}

// Adapter is the Resource Adapter (C1): it lists, parses, and patches
// Deployments and Services, encoding pre-sleep state in annotations.
type Adapter struct {
	clientset kubernetes.Interface
	logger    *slog.Logger

	// interceptPort is the port Service target ports are rewritten to while
	// asleep — the Interception Endpoint's listen port.
	interceptPort int32

	includeNamespaces []string
	excludeNamespaces []string
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithNamespaceFilter narrows the namespaces an Adapter considers, on top
// of the mandatory exclusions. An empty include list means "all namespaces
// not otherwise excluded".
func WithNamespaceFilter(include, exclude []string) Option {
	return func(a *Adapter) {
		a.includeNamespaces = include
		a.excludeNamespaces = exclude
	}
}

// NewAdapter creates a Resource Adapter bound to clientset. interceptPort is
// the Interception Endpoint's listen port, written as every Service's
// target_port while asleep.
func NewAdapter(clientset kubernetes.Interface, interceptPort int32, logger *slog.Logger, opts ...Option) *Adapter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	a := &Adapter{
		clientset:     clientset,
		logger:        logger,
		interceptPort: interceptPort,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) namespaceAllowed(ns string) bool {
	if ns == SystemNamespace {
		return false
	}
	for _, excl := range a.excludeNamespaces {
		if ns == excl {
			return false
		}
	}
	if len(a.includeNamespaces) == 0 {
		return true
	}
	for _, inc := range a.includeNamespaces {
		if ns == inc {
			return true
		}
	}
	return false
}

// ListDeploymentTargets enumerates every Deployment the controller manages,
// excluding the controller's own deployment and the system namespace.
// Resources that fail to parse are reported individually; a bad apple does
// not prevent the rest of the list from being returned.
func (a *Adapter) ListDeploymentTargets(ctx context.Context) ([]DeploymentTarget, []error) {
	list, err := a.clientset.AppsV1().Deployments("").List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, []error{&KubeError{Op: "list deployments", Err: err}}
	}

	var targets []DeploymentTarget
	var errs []error
	for i := range list.Items {
		d := &list.Items[i]
		if !a.namespaceAllowed(d.Namespace) {
			continue
		}
		if d.Labels[ControllerAppLabelKey] == ControllerAppLabelValue {
			continue
		}
		target, err := parseDeploymentTarget(d)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		targets = append(targets, target)
	}
	return targets, errs
}

func parseDeploymentTarget(d *appsv1.Deployment) (DeploymentTarget, error) {
	id := d.Namespace + "/" + d.Name
	if d.Spec.Replicas == nil {
		return DeploymentTarget{}, &MissingValueError{ID: id, Field: ".spec.replicas"}
	}
	target := DeploymentTarget{
		Namespace: d.Namespace,
		Name:      d.Name,
		UID:       string(d.UID),
		Replicas:  *d.Spec.Replicas,
	}

	raw, hasAnnotation := d.Annotations[AnnotationStoreReplicas]
	if target.Asleep() {
		if !hasAnnotation {
			return DeploymentTarget{}, &MissingAnnotationError{ID: id, Key: AnnotationStoreReplicas}
		}
		n, err := strconv.ParseInt(raw, 10, 32)
		if err != nil {
			return DeploymentTarget{}, &ParseFailedError{ID: id, Field: AnnotationStoreReplicas, Err: err}
		}
		stored := int32(n)
		target.StoredReplicas = &stored
	}
	return target, nil
}

// ApplySleepDeployment transitions a single Deployment to Asleep (replicas
// 0, stored_replicas set from the pre-sleep count). A no-op, logged at
// debug, if the deployment is already asleep.
func (a *Adapter) ApplySleepDeployment(ctx context.Context, d DeploymentTarget) error {
	if d.Asleep() {
		a.logger.Debug("deployment already asleep, skipping sleep", "id", d.ID())
		return nil
	}

	patch := map[string]any{
		"spec": map[string]any{"replicas": int32(0)},
		"metadata": map[string]any{
			"annotations": map[string]any{
				AnnotationStoreReplicas: strconv.Itoa(int(d.Replicas)),
			},
		},
	}
	return a.patchDeployment(ctx, d, patch)
}

// ApplyWakeDeployment transitions a single Deployment to Awake (replicas
// restored from stored_replicas). A no-op, logged at debug, if the
// deployment is already awake.
func (a *Adapter) ApplyWakeDeployment(ctx context.Context, d DeploymentTarget) error {
	if !d.Asleep() {
		a.logger.Debug("deployment already awake, skipping wake", "id", d.ID())
		return nil
	}
	if d.StoredReplicas == nil {
		return &MissingAnnotationError{ID: d.ID(), Key: AnnotationStoreReplicas}
	}

	patch := map[string]any{
		"spec": map[string]any{"replicas": *d.StoredReplicas},
	}
	return a.patchDeployment(ctx, d, patch)
}

func (a *Adapter) patchDeployment(ctx context.Context, d DeploymentTarget, patch map[string]any) error {
	body, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("marshal deployment patch for %q: %w", d.ID(), err)
	}
	_, err = a.clientset.AppsV1().Deployments(d.Namespace).Patch(
		ctx, d.Name, types.MergePatchType, body, metav1.PatchOptions{},
	)
	if err != nil {
		return &KubeError{Op: fmt.Sprintf("patch deployment %s", d.ID()), Err: err}
	}
	return nil
}

// ReadyReplicas returns the current number of ready replicas for d, reading
// the live Deployment status.
func (a *Adapter) ReadyReplicas(ctx context.Context, d DeploymentTarget) (int32, error) {
	current, err := a.clientset.AppsV1().Deployments(d.Namespace).Get(ctx, d.Name, metav1.GetOptions{})
	if err != nil {
		return 0, &KubeError{Op: fmt.Sprintf("get deployment %s", d.ID()), Err: err}
	}
	return current.Status.ReadyReplicas, nil
}

// ListServiceTargets enumerates every Service the controller manages,
// excluding the system namespace and the cluster API service.
func (a *Adapter) ListServiceTargets(ctx context.Context) ([]ServiceTarget, []error) {
	list, err := a.clientset.CoreV1().Services("").List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, []error{&KubeError{Op: "list services", Err: err}}
	}

	var targets []ServiceTarget
	var errs []error
	for i := range list.Items {
		s := &list.Items[i]
		if !a.namespaceAllowed(s.Namespace) {
			continue
		}
		if s.Namespace == ClusterAPIServiceNamespace && s.Name == ClusterAPIServiceName {
			continue
		}
		target, err := parseServiceTarget(s)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		targets = append(targets, target)
	}
	return targets, errs
}

func parseServiceTarget(s *corev1.Service) (ServiceTarget, error) {
	id := s.Namespace + "/" + s.Name
	if s.Spec.Selector == nil {
		return ServiceTarget{}, &MissingValueError{ID: id, Field: ".spec.selector"}
	}
	if s.Spec.Ports == nil {
		return ServiceTarget{}, &MissingValueError{ID: id, Field: ".spec.ports"}
	}

	target := ServiceTarget{
		Namespace: s.Namespace,
		Name:      s.Name,
		Selector:  map[string]string{},
		Ports:     make([]ServicePort, 0, len(s.Spec.Ports)),
	}
	for k, v := range s.Spec.Selector {
		target.Selector[k] = v
	}
	for _, p := range s.Spec.Ports {
		targetPort := p.TargetPort
		if targetPort.Type == intstr.Int && targetPort.IntVal == 0 && targetPort.StrVal == "" {
			targetPort = intstr.FromInt32(p.Port)
		}
		target.Ports = append(target.Ports, ServicePort{Port: p.Port, TargetPort: targetPort})
	}

	if target.Asleep() {
		rawSelector, hasSelector := s.Annotations[AnnotationStoreSelectors]
		if !hasSelector {
			return ServiceTarget{}, &MissingAnnotationError{ID: id, Key: AnnotationStoreSelectors}
		}
		var storedSelector map[string]string
		if err := json.Unmarshal([]byte(rawSelector), &storedSelector); err != nil {
			return ServiceTarget{}, &ParseFailedError{ID: id, Field: AnnotationStoreSelectors, Err: err}
		}
		target.StoredSelector = storedSelector

		rawPorts, hasPorts := s.Annotations[AnnotationStorePorts]
		if !hasPorts {
			return ServiceTarget{}, &MissingAnnotationError{ID: id, Key: AnnotationStorePorts}
		}
		var storedPorts []ServicePort
		if err := json.Unmarshal([]byte(rawPorts), &storedPorts); err != nil {
			return ServiceTarget{}, &ParseFailedError{ID: id, Field: AnnotationStorePorts, Err: err}
		}
		target.StoredPorts = storedPorts
	}

	return target, nil
}

// ApplySleepService transitions a single Service to Asleep: selector
// rewritten to the sentinel, every port's target_port rewritten to the
// Interception Endpoint's port, originals encoded into stored-*
// annotations. A no-op, logged at debug, if the service is already asleep.
func (a *Adapter) ApplySleepService(ctx context.Context, s ServiceTarget) error {
	if s.Asleep() {
		a.logger.Debug("service already asleep, skipping sleep", "id", s.ID())
		return nil
	}

	storedSelector, err := json.Marshal(s.Selector)
	if err != nil {
		return fmt.Errorf("marshal stored selector for %q: %w", s.ID(), err)
	}
	storedPorts, err := json.Marshal(s.Ports)
	if err != nil {
		return fmt.Errorf("marshal stored ports for %q: %w", s.ID(), err)
	}

	newPorts := make([]ServicePort, len(s.Ports))
	for i, p := range s.Ports {
		newPorts[i] = ServicePort{Port: p.Port, TargetPort: intstr.FromInt32(a.interceptPort)}
	}

	patch := map[string]any{
		"spec": map[string]any{
			"selector": map[string]string{SentinelSelectorKey: SentinelSelectorValue},
			"ports":    newPorts,
		},
		"metadata": map[string]any{
			"annotations": map[string]any{
				AnnotationStoreSelectors: string(storedSelector),
				AnnotationStorePorts:     string(storedPorts),
			},
		},
	}
	return a.patchService(ctx, s, patch)
}

// ApplyWakeService transitions a single Service to Awake: selector and
// ports restored from stored-* annotations. A no-op, logged at debug, if
// the service is already awake. Stored-* annotations are left in place
// (harmless) so a mid-transition restart can safely replay the verb.
func (a *Adapter) ApplyWakeService(ctx context.Context, s ServiceTarget) error {
	if !s.Asleep() {
		a.logger.Debug("service already awake, skipping wake", "id", s.ID())
		return nil
	}
	if s.StoredSelector == nil {
		return &MissingAnnotationError{ID: s.ID(), Key: AnnotationStoreSelectors}
	}
	if s.StoredPorts == nil {
		return &MissingAnnotationError{ID: s.ID(), Key: AnnotationStorePorts}
	}

	patch := map[string]any{
		"spec": map[string]any{
			"selector": s.StoredSelector,
			"ports":    s.StoredPorts,
		},
	}
	return a.patchService(ctx, s, patch)
}

func (a *Adapter) patchService(ctx context.Context, s ServiceTarget, patch map[string]any) error {
	body, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("marshal service patch for %q: %w", s.ID(), err)
	}
	_, err = a.clientset.CoreV1().Services(s.Namespace).Patch(
		ctx, s.Name, types.MergePatchType, body, metav1.PatchOptions{},
	)
	if err != nil {
		return &KubeError{Op: fmt.Sprintf("patch service %s", s.ID()), Err: err}
	}
	return nil
}
