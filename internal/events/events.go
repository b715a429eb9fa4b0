package events

import (
	"context"
	"fmt"
	"log"

	"github.com/helmcloud/k8s-posture/internal/metrics"
	"github.com/helmcloud/k8s-posture/internal/storage"
	"github.com/pkg/errors"
)

const (
	CategoryBatchJob   = "Batch Job"
	CategoryLicense    = "License Validation"
	CategoryCompliance = "Cluster Pod Compliance"
	CategoryHistory    = "History"
)

const (
	ActionGet    = "Get"
	ActionUpdate = "Update"
	ActionCreate = "Create"
)

const (
	SeverityInfo     = "Info"
	SeverityWarning  = "Warning"
	SeverityError    = "Error"
	SeverityCritical = "Critical"
)

var severityRank = map[string]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityError:    2,
	SeverityCritical: 3,
}

// ValidSeverity reports whether s is a known severity name.
func ValidSeverity(s string) bool {
	_, ok := severityRank[s]
	return ok
}

// Sink accepts cluster events.
type Sink interface {
	Record(ctx context.Context, e *storage.ClusterEvent) error
}

// Recorder persists events to the cluster_events table.
type Recorder struct {
	store *storage.Storage
}

func NewRecorder(store *storage.Storage) *Recorder {
	return &Recorder{store: store}
}

func (r *Recorder) Record(ctx context.Context, e *storage.ClusterEvent) error {
	if err := r.store.SaveClusterEvent(ctx, e); err != nil {
		return errors.Wrapf(err, "failed to record event for cluster %d", e.ClusterID)
	}
	metrics.ClusterEvents.WithLabelValues(e.Severity).Inc()
	return nil
}

// Messenger delivers a plain text notification.
type Messenger interface {
	SendMessage(ctx context.Context, text string) error
}

// Notifier records through next and forwards events at or above minSeverity to a Messenger.
type Notifier struct {
	next        Sink
	messenger   Messenger
	minSeverity string
}

func NewNotifier(next Sink, messenger Messenger, minSeverity string) *Notifier {
	if !ValidSeverity(minSeverity) {
		minSeverity = SeverityError
	}
	return &Notifier{next: next, messenger: messenger, minSeverity: minSeverity}
}

func (n *Notifier) Record(ctx context.Context, e *storage.ClusterEvent) error {
	if err := n.next.Record(ctx, e); err != nil {
		return err
	}
	if severityRank[e.Severity] < severityRank[n.minSeverity] {
		return nil
	}
	if err := n.messenger.SendMessage(ctx, FormatEvent(e)); err != nil {
		log.Printf("Warning: failed to send notification for cluster %d: %v", e.ClusterID, err)
	}
	return nil
}

func FormatEvent(e *storage.ClusterEvent) string {
	text := fmt.Sprintf("[%s] %s / %s on cluster %d: %s", e.Severity, e.Category, e.Action, e.ClusterID, e.Message)
	if e.Detail != "" {
		text += "\n> " + e.Detail
	}
	return text
}
