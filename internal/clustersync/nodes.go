package clustersync

import (
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/pkg/errors"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
)

// NodeSummary is the node capacity of one cluster. A nil field could not be computed.
type NodeSummary struct {
	NumNodes  *int
	NumCPU    *int64
	AmountRAM *int64

	// Usage from metrics-server, nil when unavailable.
	UsedCPUMillicores *int64
	UsedRAM           *int64
}

// NodeCapacity is the raw capacity reported by one node.
type NodeCapacity struct {
	Name   string
	CPU    string
	Memory string
}

var memoryMultipliers = map[string]int64{
	"":   1,
	"k":  1000,
	"M":  1000 * 1000,
	"G":  1000 * 1000 * 1000,
	"T":  1000 * 1000 * 1000 * 1000,
	"P":  1000 * 1000 * 1000 * 1000 * 1000,
	"E":  1000 * 1000 * 1000 * 1000 * 1000 * 1000,
	"Ki": 1 << 10,
	"Mi": 1 << 20,
	"Gi": 1 << 30,
	"Ti": 1 << 40,
	"Pi": 1 << 50,
	"Ei": 1 << 60,
}

// ParseMemory converts a memory amount with a unit suffix, such as "16Gi" or "512Mi", to bytes.
// Amounts written as fractions or exponents ("1.5Gi", "1e9") go through resource.Quantity.
func ParseMemory(s string) (int64, error) {
	s = strings.TrimSpace(s)
	split := strings.IndexFunc(s, func(r rune) bool { return !unicode.IsDigit(r) })
	if split == -1 {
		split = len(s)
	}
	number, suffix := s[:split], s[split:]

	multiplier, ok := memoryMultipliers[suffix]
	if number == "" || !ok {
		return parseMemoryQuantity(s)
	}

	value, err := strconv.ParseInt(number, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid memory amount %q", s)
	}
	if value > 0 && multiplier > (1<<63-1)/value {
		return 0, errors.Errorf("memory amount %q overflows", s)
	}
	return value * multiplier, nil
}

func parseMemoryQuantity(s string) (int64, error) {
	q, err := resource.ParseQuantity(s)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid memory amount %q", s)
	}
	if q.Sign() < 0 {
		return 0, errors.Errorf("negative memory amount %q", s)
	}
	if q.AsApproximateFloat64() >= math.MaxInt64 {
		return 0, errors.Errorf("memory amount %q overflows", s)
	}
	return q.Value(), nil
}

// parseCPU returns whole cores, rounding millicore amounts up.
func parseCPU(s string) (int64, error) {
	q, err := resource.ParseQuantity(strings.TrimSpace(s))
	if err != nil {
		return 0, errors.Wrapf(err, "invalid cpu amount %q", s)
	}
	return q.Value(), nil
}

// BuildNodeSummary totals the capacity of the given nodes. Any unparseable value yields a
// summary with every field nil.
func BuildNodeSummary(nodes []NodeCapacity) (NodeSummary, error) {
	var cpu, ram int64
	for _, n := range nodes {
		c, err := parseCPU(n.CPU)
		if err != nil {
			return NodeSummary{}, errors.Wrapf(err, "node %s", n.Name)
		}
		m, err := ParseMemory(n.Memory)
		if err != nil {
			return NodeSummary{}, errors.Wrapf(err, "node %s", n.Name)
		}
		cpu += c
		ram += m
	}
	count := len(nodes)
	return NodeSummary{NumNodes: &count, NumCPU: &cpu, AmountRAM: &ram}, nil
}

func nodeCapacities(nodes []corev1.Node) []NodeCapacity {
	capacities := make([]NodeCapacity, len(nodes))
	for i, node := range nodes {
		capacities[i] = NodeCapacity{
			Name:   node.Name,
			CPU:    quantityString(node.Status.Capacity, corev1.ResourceCPU),
			Memory: quantityString(node.Status.Capacity, corev1.ResourceMemory),
		}
	}
	return capacities
}

func quantityString(resources corev1.ResourceList, name corev1.ResourceName) string {
	if qty, ok := resources[name]; ok {
		return qty.String()
	}
	return "0"
}
