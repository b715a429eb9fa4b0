package storage

import "time"

// Image compliance classifications.
const (
	ComplianceCompliant    = "compliant"
	ComplianceNonCompliant = "non-compliant"
	ComplianceUnscanned    = "unscanned"
)

type Cluster struct {
	ID                 int64
	Name               string
	Address            string
	Port               string
	Context            string
	KubeConfig         string // base64 encoded kubeconfig
	EnforcementEnabled bool
	GracePeriodDays    int
	LastScanned        *time.Time
	DeletedAt          *time.Time
}

type Namespace struct {
	ID        int64
	ClusterID int64
	Name      string
	Compliant *bool // nil until the first rollup
}

type Deployment struct {
	ID            int64
	ClusterID     int64
	Namespace     string
	Name          string
	UID           string
	Generation    int64
	Replicas      int32
	ReadyReplicas int32
}

type Image struct {
	ID               int64
	ClusterID        int64
	Name             string
	Digest           string
	Compliance       string
	RunningInCluster bool
	LastScanned      *time.Time
}

type Pod struct {
	ID              int64
	ClusterID       int64
	Namespace       string
	Name            string
	UID             string
	ResourceVersion string
	GenerateName    string
	Phase           string
	StartedAt       *time.Time
	Violations      int
	Compliant       bool
	ImageIDs        []int64
}

type ClusterEvent struct {
	ID        int64
	ClusterID int64
	RunID     string
	Category  string
	Action    string
	Severity  string
	Message   string
	Detail    string
	CreatedAt time.Time
}

// PodViolations is the compliance input for a single pod row, live or historical.
type PodViolations struct {
	ID         int64
	Violations int
}

// NamespacePods pairs a namespace row with the compliance flags of the pods running in it.
type NamespacePods struct {
	ID           int64
	ClusterID    int64
	Name         string
	PodCompliant []bool
}

type RescanCandidate struct {
	ImageID         int64
	ClusterID       int64
	GracePeriodDays int
	LastScanned     *time.Time
}

// DailyCompliance is one cluster's compliance ratio on one history day.
type DailyCompliance struct {
	SavedDate           string
	ClusterID           int64
	ClusterName         string
	Namespaces          int
	CompliantNamespaces int
	Pods                int
	CompliantPods       int
}
