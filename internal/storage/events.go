package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

func (s *Storage) SaveClusterEvent(ctx context.Context, e *ClusterEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	// Stored in UTC so that created_at compares correctly as text.
	e.CreatedAt = e.CreatedAt.UTC()
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO cluster_events (
			cluster_id, run_id, category, action, severity, message, detail, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`,
		e.ClusterID, e.RunID, e.Category, e.Action, e.Severity, e.Message, e.Detail, e.CreatedAt,
	).Scan(&e.ID)
	if err != nil {
		return errors.Wrap(err, "failed to save cluster event")
	}
	return nil
}

// ListClusterEvents returns the newest events for a cluster, newest first.
func (s *Storage) ListClusterEvents(ctx context.Context, clusterID int64, limit int) ([]ClusterEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cluster_id, run_id, category, action, severity, message, detail, created_at
		FROM cluster_events
		WHERE cluster_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`,
		clusterID, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query cluster events")
	}
	defer rows.Close()

	var events []ClusterEvent
	for rows.Next() {
		var e ClusterEvent
		var detail sql.NullString
		if err := rows.Scan(
			&e.ID, &e.ClusterID, &e.RunID, &e.Category, &e.Action, &e.Severity,
			&e.Message, &detail, &e.CreatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan cluster event")
		}
		e.Detail = detail.String
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Storage) PruneClusterEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM cluster_events WHERE created_at < ?", before.UTC())
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune cluster events")
	}
	return res.RowsAffected()
}
