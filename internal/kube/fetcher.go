package kube

import (
	"context"
	"time"

	"github.com/pkg/errors"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/client-go/kubernetes"
	metricsclient "k8s.io/metrics/pkg/client/clientset/versioned"
)

// DefaultCallTimeout bounds every call to a cluster's API server.
const DefaultCallTimeout = 30 * time.Second

// Fetcher reads the live state of one cluster.
type Fetcher interface {
	ListNodes(ctx context.Context) ([]corev1.Node, error)
	ListNamespaces(ctx context.Context) ([]corev1.Namespace, error)
	ListRunningPods(ctx context.Context) ([]corev1.Pod, error)
	ListDeployments(ctx context.Context) ([]appsv1.Deployment, error)
	NodeUsage(ctx context.Context) (*NodeUsage, error)
}

// NodeUsage is the cluster-wide sum of metrics-server node usage.
type NodeUsage struct {
	CPUMillicores int64
	MemoryBytes   int64
}

type clientFetcher struct {
	clientset   kubernetes.Interface
	metrics     metricsclient.Interface
	callTimeout time.Duration
}

// NewFetcher wraps existing clients. metrics may be nil, in which case NodeUsage fails.
func NewFetcher(clientset kubernetes.Interface, metrics metricsclient.Interface, callTimeout time.Duration) Fetcher {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return &clientFetcher{
		clientset:   clientset,
		metrics:     metrics,
		callTimeout: callTimeout,
	}
}

func (f *clientFetcher) ListNodes(ctx context.Context) ([]corev1.Node, error) {
	ctx, cancel := context.WithTimeout(ctx, f.callTimeout)
	defer cancel()

	nodes, err := f.clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list nodes")
	}
	return nodes.Items, nil
}

func (f *clientFetcher) ListNamespaces(ctx context.Context) ([]corev1.Namespace, error) {
	ctx, cancel := context.WithTimeout(ctx, f.callTimeout)
	defer cancel()

	namespaces, err := f.clientset.CoreV1().Namespaces().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list namespaces")
	}
	return namespaces.Items, nil
}

// ListRunningPods lists pods in phase Running across all namespaces.
func (f *clientFetcher) ListRunningPods(ctx context.Context) ([]corev1.Pod, error) {
	ctx, cancel := context.WithTimeout(ctx, f.callTimeout)
	defer cancel()

	pods, err := f.clientset.CoreV1().Pods("").List(ctx, metav1.ListOptions{
		FieldSelector: fields.OneTermEqualSelector("status.phase", string(corev1.PodRunning)).String(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pods")
	}

	// Not every API server honours the field selector.
	running := make([]corev1.Pod, 0, len(pods.Items))
	for _, pod := range pods.Items {
		if pod.Status.Phase == corev1.PodRunning {
			running = append(running, pod)
		}
	}
	return running, nil
}

func (f *clientFetcher) ListDeployments(ctx context.Context) ([]appsv1.Deployment, error) {
	ctx, cancel := context.WithTimeout(ctx, f.callTimeout)
	defer cancel()

	deployments, err := f.clientset.AppsV1().Deployments("").List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list deployments")
	}
	return deployments.Items, nil
}

func (f *clientFetcher) NodeUsage(ctx context.Context) (*NodeUsage, error) {
	if f.metrics == nil {
		return nil, errors.New("metrics client not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, f.callTimeout)
	defer cancel()

	nodeMetrics, err := f.metrics.MetricsV1beta1().NodeMetricses().List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch node metrics")
	}

	usage := &NodeUsage{}
	for _, nm := range nodeMetrics.Items {
		usage.CPUMillicores += nm.Usage.Cpu().MilliValue()
		usage.MemoryBytes += nm.Usage.Memory().Value()
	}
	return usage, nil
}
