package analyzer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/helmcloud/k8s-posture/internal/storage"
)

// Input is the data a narrative is written from.
type Input struct {
	From         string
	To           string
	Trend        []storage.DailyCompliance
	NonCompliant []string
	Nodes        int64
	CPUCores     int64
	RAMBytes     int64
}

func systemPrompt(language string) string {
	if language == "" {
		language = "english"
	}
	return fmt.Sprintf(`You are a Kubernetes security posture analyst writing for platform engineers.
You receive daily namespace and pod compliance counts per cluster and the namespaces that are currently non-compliant.
Write at most three short paragraphs of plain text in %s: the overall direction, the clusters that regressed or improved, and where to look first.
Do not use markdown headings, tables or emojis. Do not invent numbers that are not in the data.`, language)
}

func buildPrompt(in Input) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Period: %s to %s\n", in.From, in.To)
	if in.Nodes > 0 {
		fmt.Fprintf(&b, "Fleet: %d nodes, %d CPU cores, %d GiB RAM\n", in.Nodes, in.CPUCores, in.RAMBytes>>30)
	}

	b.WriteString("\nDaily compliance (date | cluster | compliant namespaces/total | compliant pods/total):\n")
	trend := make([]storage.DailyCompliance, len(in.Trend))
	copy(trend, in.Trend)
	sort.SliceStable(trend, func(i, j int) bool {
		if trend[i].ClusterName != trend[j].ClusterName {
			return trend[i].ClusterName < trend[j].ClusterName
		}
		return trend[i].SavedDate < trend[j].SavedDate
	})
	for _, d := range trend {
		fmt.Fprintf(&b, "%s | %s | %d/%d | %d/%d\n",
			d.SavedDate, d.ClusterName, d.CompliantNamespaces, d.Namespaces, d.CompliantPods, d.Pods)
	}

	b.WriteString("\nCurrently non-compliant namespaces:\n")
	if len(in.NonCompliant) == 0 {
		b.WriteString("none\n")
	}
	for _, ns := range in.NonCompliant {
		fmt.Fprintf(&b, "- %s\n", ns)
	}
	return b.String()
}
