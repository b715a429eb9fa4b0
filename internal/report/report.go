package report

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/helmcloud/k8s-posture/internal/analyzer"
	"github.com/helmcloud/k8s-posture/internal/clustersync"
	"github.com/helmcloud/k8s-posture/internal/history"
	"github.com/helmcloud/k8s-posture/internal/storage"
	"github.com/pkg/errors"
)

// Days is how many saved dates the weekly report covers, ending yesterday.
const Days = 7

// Narrator writes the optional summary paragraph.
type Narrator interface {
	Narrative(ctx context.Context, in analyzer.Input) (string, error)
}

type DayCompliance struct {
	Day          string
	NamespacePct float64
	PodPct       float64
	HasPods      bool
}

type ClusterTrend struct {
	Name string
	Days []DayCompliance
}

type Data struct {
	GeneratedAt  time.Time
	From         string
	To           string
	Clusters     []ClusterTrend
	NonCompliant []string
	Fleet        *clustersync.FleetSummary
	Narrative    string

	trend []storage.DailyCompliance
}

// Collect reads the compliance trend of the last Days saved dates before now.
// fleet may be nil when no sync has run in this process.
func Collect(ctx context.Context, store *storage.Storage, now time.Time, fleet *clustersync.FleetSummary) (*Data, error) {
	to := now.AddDate(0, 0, -1).Format(history.DayLayout)
	from := now.AddDate(0, 0, -Days).Format(history.DayLayout)

	trend, err := store.ComplianceTrend(ctx, from, to)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read compliance trend")
	}
	nonCompliant, err := store.NonCompliantNamespaces(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read non-compliant namespaces")
	}

	return &Data{
		GeneratedAt:  now,
		From:         from,
		To:           to,
		Clusters:     groupTrend(trend),
		NonCompliant: nonCompliant,
		Fleet:        fleet,
		trend:        trend,
	}, nil
}

func groupTrend(trend []storage.DailyCompliance) []ClusterTrend {
	byName := make(map[string]*ClusterTrend)
	var names []string
	for _, d := range trend {
		ct, ok := byName[d.ClusterName]
		if !ok {
			ct = &ClusterTrend{Name: d.ClusterName}
			byName[d.ClusterName] = ct
			names = append(names, d.ClusterName)
		}
		ct.Days = append(ct.Days, DayCompliance{
			Day:          d.SavedDate,
			NamespacePct: percent(d.CompliantNamespaces, d.Namespaces),
			PodPct:       percent(d.CompliantPods, d.Pods),
			HasPods:      d.Pods > 0,
		})
	}

	sort.Strings(names)
	clusters := make([]ClusterTrend, 0, len(names))
	for _, name := range names {
		ct := byName[name]
		sort.Slice(ct.Days, func(i, j int) bool { return ct.Days[i].Day < ct.Days[j].Day })
		clusters = append(clusters, *ct)
	}
	return clusters
}

// percent treats an empty set as fully compliant.
func percent(part, total int) float64 {
	if total == 0 {
		return 100
	}
	return float64(part) * 100 / float64(total)
}

func (d *Data) narratorInput() analyzer.Input {
	in := analyzer.Input{From: d.From, To: d.To, Trend: d.trend, NonCompliant: d.NonCompliant}
	if d.Fleet != nil {
		in.Nodes = d.Fleet.Nodes
		in.CPUCores = d.Fleet.CPUCores
		in.RAMBytes = d.Fleet.RAMBytes
	}
	return in
}

// Generate collects the report data and renders it to a temporary PDF whose path is returned.
// The caller removes the file. A failing narrator only drops the narrative.
func Generate(ctx context.Context, store *storage.Storage, narrator Narrator, fleet *clustersync.FleetSummary, now time.Time) (string, error) {
	data, err := Collect(ctx, store, now, fleet)
	if err != nil {
		return "", err
	}

	if narrator != nil && len(data.trend) > 0 {
		text, err := narrator.Narrative(ctx, data.narratorInput())
		if err != nil {
			log.Printf("Warning: failed to generate report narrative: %v", err)
		} else {
			data.Narrative = text
		}
	}

	tempFile, err := os.CreateTemp("", fmt.Sprintf("posture-%s-*.pdf", data.To))
	if err != nil {
		return "", errors.Wrap(err, "failed to create temp file")
	}
	tempFile.Close()

	if err := Render(data, tempFile.Name()); err != nil {
		os.Remove(tempFile.Name())
		return "", err
	}
	return tempFile.Name(), nil
}
