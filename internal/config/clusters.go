package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"

	"github.com/helmcloud/k8s-posture/internal/storage"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ClusterFile is the YAML document read by "clusters import".
type ClusterFile struct {
	Clusters []ClusterEntry `yaml:"clusters"`
}

type ClusterEntry struct {
	Name               string `yaml:"name"`
	Address            string `yaml:"address"`
	Port               string `yaml:"port"`
	Context            string `yaml:"context"`
	KubeConfigPath     string `yaml:"kubeconfigPath"`
	KubeConfig         string `yaml:"kubeconfig"` // base64, used when kubeconfigPath is empty
	EnforcementEnabled bool   `yaml:"enforcementEnabled"`
	GracePeriodDays    int    `yaml:"gracePeriodDays"`
}

// LoadClusterFile parses a cluster file. Relative kubeconfig paths are resolved against the
// file's directory and their content is stored base64 encoded.
func LoadClusterFile(path string) ([]storage.Cluster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read cluster file")
	}

	var file ClusterFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrap(err, "failed to parse cluster file")
	}
	if len(file.Clusters) == 0 {
		return nil, errors.Errorf("no clusters defined in %s", path)
	}

	seen := make(map[string]bool)
	clusters := make([]storage.Cluster, 0, len(file.Clusters))
	for i, entry := range file.Clusters {
		name := strings.TrimSpace(entry.Name)
		if name == "" {
			return nil, errors.Errorf("cluster %d: name is required", i+1)
		}
		if seen[name] {
			return nil, errors.Errorf("cluster %s: defined more than once", name)
		}
		seen[name] = true

		if entry.GracePeriodDays < 0 {
			return nil, errors.Errorf("cluster %s: gracePeriodDays must not be negative", name)
		}

		kubeConfig := strings.TrimSpace(entry.KubeConfig)
		if entry.KubeConfigPath != "" {
			kcPath := entry.KubeConfigPath
			if !filepath.IsAbs(kcPath) {
				kcPath = filepath.Join(filepath.Dir(path), kcPath)
			}
			raw, err := os.ReadFile(kcPath)
			if err != nil {
				return nil, errors.Wrapf(err, "cluster %s: failed to read kubeconfig", name)
			}
			kubeConfig = base64.StdEncoding.EncodeToString(raw)
		} else if kubeConfig != "" {
			if _, err := base64.StdEncoding.DecodeString(kubeConfig); err != nil {
				return nil, errors.Wrapf(err, "cluster %s: kubeconfig is not valid base64", name)
			}
		}

		clusters = append(clusters, storage.Cluster{
			Name:               name,
			Address:            entry.Address,
			Port:               entry.Port,
			Context:            entry.Context,
			KubeConfig:         kubeConfig,
			EnforcementEnabled: entry.EnforcementEnabled,
			GracePeriodDays:    entry.GracePeriodDays,
		})
	}
	return clusters, nil
}
