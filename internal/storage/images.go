package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

// SaveImage returns the id of the image row for (cluster, name, digest), inserting it
// when absent. created reports whether a new row was written.
func (s *Storage) SaveImage(ctx context.Context, img *Image) (id int64, created bool, err error) {
	err = s.db.QueryRowContext(ctx,
		"SELECT id FROM images WHERE cluster_id = ? AND name = ? AND digest = ?",
		img.ClusterID, img.Name, img.Digest,
	).Scan(&id)
	if err == nil {
		img.ID = id
		return id, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, errors.Wrapf(err, "failed to look up image %s", img.Name)
	}

	compliance := img.Compliance
	if compliance == "" {
		compliance = ComplianceUnscanned
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO images (cluster_id, name, digest, compliance, running_in_cluster)
		VALUES (?, ?, ?, ?, 1)
		RETURNING id`,
		img.ClusterID, img.Name, img.Digest, compliance,
	).Scan(&id)
	if err != nil {
		return 0, false, errors.Wrapf(err, "failed to insert image %s", img.Name)
	}
	img.ID = id
	img.Compliance = compliance
	return id, true, nil
}

func (s *Storage) ListImages(ctx context.Context, clusterID int64) ([]Image, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cluster_id, name, digest, compliance, running_in_cluster, last_scanned
		FROM images
		WHERE cluster_id = ?
		ORDER BY id`,
		clusterID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query images")
	}
	defer rows.Close()

	var images []Image
	for rows.Next() {
		var img Image
		var lastScanned sql.NullTime
		if err := rows.Scan(
			&img.ID, &img.ClusterID, &img.Name, &img.Digest, &img.Compliance,
			&img.RunningInCluster, &lastScanned,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan image")
		}
		img.LastScanned = nullTimePtr(lastScanned)
		images = append(images, img)
	}
	return images, rows.Err()
}

// MarkRunningImages flags exactly the given images of the cluster as running.
func (s *Storage) MarkRunningImages(ctx context.Context, clusterID int64, runningIDs []int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"UPDATE images SET running_in_cluster = 0 WHERE cluster_id = ?", clusterID,
		); err != nil {
			return errors.Wrap(err, "failed to reset running images")
		}
		for _, chunk := range chunkIDs(runningIDs) {
			args := append([]any{clusterID}, int64Args(chunk)...)
			if _, err := tx.ExecContext(ctx,
				"UPDATE images SET running_in_cluster = 1 WHERE cluster_id = ? AND id IN ("+placeholders(len(chunk))+")",
				args...,
			); err != nil {
				return errors.Wrap(err, "failed to mark running images")
			}
		}
		return nil
	})
}

// SetImageScanResult records the outcome of an external scan and closes pending rescans.
func (s *Storage) SetImageScanResult(ctx context.Context, imageID int64, compliance string, scannedAt time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"UPDATE images SET compliance = ?, last_scanned = ? WHERE id = ?", compliance, scannedAt.UTC(), imageID,
		); err != nil {
			return errors.Wrapf(err, "failed to update image %d scan result", imageID)
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE image_rescans SET completed_at = ? WHERE image_id = ? AND completed_at IS NULL", scannedAt.UTC(), imageID,
		); err != nil {
			return errors.Wrapf(err, "failed to complete rescans for image %d", imageID)
		}
		return nil
	})
}

// RescanCandidates lists running images of live clusters that have rescanning enabled
// and no pending rescan request.
func (s *Storage) RescanCandidates(ctx context.Context) ([]RescanCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.id, i.cluster_id, c.grace_period_days, i.last_scanned
		FROM images i
		JOIN clusters c ON c.id = i.cluster_id
		WHERE c.deleted_at IS NULL
			AND c.grace_period_days > 0
			AND i.running_in_cluster = 1
			AND NOT EXISTS (
				SELECT 1 FROM image_rescans r WHERE r.image_id = i.id AND r.completed_at IS NULL
			)
		ORDER BY i.id`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query rescan candidates")
	}
	defer rows.Close()

	var candidates []RescanCandidate
	for rows.Next() {
		var c RescanCandidate
		var lastScanned sql.NullTime
		if err := rows.Scan(&c.ImageID, &c.ClusterID, &c.GracePeriodDays, &lastScanned); err != nil {
			return nil, errors.Wrap(err, "failed to scan rescan candidate")
		}
		c.LastScanned = nullTimePtr(lastScanned)
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

func (s *Storage) QueueRescans(ctx context.Context, candidates []RescanCandidate, at time.Time) error {
	if len(candidates) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, c := range candidates {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO image_rescans (image_id, cluster_id, requested_at) VALUES (?, ?, ?)",
				c.ImageID, c.ClusterID, at.UTC(),
			); err != nil {
				return errors.Wrapf(err, "failed to queue rescan for image %d", c.ImageID)
			}
		}
		return nil
	})
}

func (s *Storage) PendingRescans(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM image_rescans WHERE completed_at IS NULL",
	).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count pending rescans")
	}
	return n, nil
}
