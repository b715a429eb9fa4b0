package kube

import (
	"encoding/base64"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/helmcloud/k8s-posture/internal/storage"
	"github.com/pkg/errors"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	metricsclient "k8s.io/metrics/pkg/client/clientset/versioned"
)

// Connector builds a Fetcher for a registered cluster.
type Connector struct {
	callTimeout time.Duration
}

func NewConnector(callTimeout time.Duration) *Connector {
	return &Connector{callTimeout: callTimeout}
}

// Connect builds clients from the cluster's stored kubeconfig with its context selected. A
// cluster without a stored kubeconfig is reached with the ambient config: in-cluster first,
// then KUBECONFIG or ~/.kube/config.
func (c *Connector) Connect(cluster storage.Cluster) (Fetcher, error) {
	config, err := restConfig(cluster)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get kubernetes config for cluster %s", cluster.Name)
	}
	config.Timeout = c.callTimeout

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create kubernetes clientset")
	}

	metricsClientset, err := metricsclient.NewForConfig(config)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create metrics clientset")
	}

	return NewFetcher(clientset, metricsClientset, c.callTimeout), nil
}

func restConfig(cluster storage.Cluster) (*rest.Config, error) {
	if strings.TrimSpace(cluster.KubeConfig) != "" {
		raw, err := DecodeKubeConfig(cluster.KubeConfig)
		if err != nil {
			return nil, err
		}
		return configFromBytes(raw, cluster.Context)
	}
	return ambientConfig(cluster.Context)
}

// DecodeKubeConfig decodes the base64 credential blob stored on a cluster.
func DecodeKubeConfig(blob string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(blob))
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode kubeconfig")
	}
	return raw, nil
}

func configFromBytes(raw []byte, context string) (*rest.Config, error) {
	apiConfig, err := clientcmd.Load(raw)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse kubeconfig")
	}
	if context != "" {
		if _, ok := apiConfig.Contexts[context]; !ok {
			return nil, errors.Errorf("context %q not found in kubeconfig", context)
		}
		apiConfig.CurrentContext = context
	}

	config, err := clientcmd.NewDefaultClientConfig(*apiConfig, &clientcmd.ConfigOverrides{}).ClientConfig()
	if err != nil {
		return nil, errors.Wrap(err, "failed to build config from kubeconfig")
	}
	return config, nil
}

func ambientConfig(context string) (*rest.Config, error) {
	config, err := rest.InClusterConfig()
	if err == nil {
		log.Println("Using in-cluster kubernetes config")
		return config, nil
	}

	kubeconfigPath := os.Getenv("KUBECONFIG")
	if kubeconfigPath == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, errors.Wrap(err, "failed to get home directory")
		}
		kubeconfigPath = filepath.Join(homeDir, ".kube", "config")
	}

	config, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		&clientcmd.ClientConfigLoadingRules{ExplicitPath: kubeconfigPath},
		&clientcmd.ConfigOverrides{CurrentContext: context},
	).ClientConfig()
	if err != nil {
		return nil, errors.Wrap(err, "failed to build config from kubeconfig")
	}

	log.Printf("Using kubeconfig from: %s", kubeconfigPath)
	return config, nil
}
