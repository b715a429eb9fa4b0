package storage

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// FindPod returns the id of the pod row for (cluster, namespace, name), or 0 when absent.
func (s *Storage) FindPod(ctx context.Context, clusterID int64, namespace, name string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM pods WHERE cluster_id = ? AND namespace = ? AND name = ?",
		clusterID, namespace, name,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "failed to look up pod %s/%s", namespace, name)
	}
	return id, nil
}

// InsertPod writes a new pod row together with its image associations.
func (s *Storage) InsertPod(ctx context.Context, pod *Pod) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO pods (
				cluster_id, namespace, name, uid, resource_version, generate_name,
				phase, started_at, violations, compliant
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			RETURNING id`,
			pod.ClusterID, pod.Namespace, pod.Name, pod.UID, pod.ResourceVersion, pod.GenerateName,
			pod.Phase, pod.StartedAt, pod.Violations, pod.Compliant,
		).Scan(&id)
		if err != nil {
			return errors.Wrapf(err, "failed to insert pod %s/%s", pod.Namespace, pod.Name)
		}
		_, err = linkImages(ctx, tx, id, pod.ImageIDs)
		return err
	})
	if err != nil {
		return 0, err
	}
	pod.ID = id
	return id, nil
}

// LinkPodImages attaches images to an existing pod and returns how many links were new.
func (s *Storage) LinkPodImages(ctx context.Context, podID int64, imageIDs []int64) (int, error) {
	var added int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		added, err = linkImages(ctx, tx, podID, imageIDs)
		return err
	})
	return added, err
}

func linkImages(ctx context.Context, tx *sql.Tx, podID int64, imageIDs []int64) (int, error) {
	added := 0
	for _, imageID := range imageIDs {
		res, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO pod_images (pod_id, image_id) VALUES (?, ?)", podID, imageID,
		)
		if err != nil {
			return added, errors.Wrapf(err, "failed to link pod %d to image %d", podID, imageID)
		}
		if n, err := res.RowsAffected(); err == nil {
			added += int(n)
		}
	}
	return added, nil
}

// ListPods returns the live pods of a cluster with their image ids.
func (s *Storage) ListPods(ctx context.Context, clusterID int64) ([]Pod, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cluster_id, namespace, name, uid, resource_version, generate_name,
			phase, started_at, violations, compliant
		FROM pods
		WHERE cluster_id = ?
		ORDER BY id`,
		clusterID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query pods")
	}

	var pods []Pod
	index := make(map[int64]int)
	for rows.Next() {
		var p Pod
		var startedAt sql.NullTime
		if err := rows.Scan(
			&p.ID, &p.ClusterID, &p.Namespace, &p.Name, &p.UID, &p.ResourceVersion,
			&p.GenerateName, &p.Phase, &startedAt, &p.Violations, &p.Compliant,
		); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "failed to scan pod")
		}
		p.StartedAt = nullTimePtr(startedAt)
		index[p.ID] = len(pods)
		pods = append(pods, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, errors.Wrap(err, "failed to iterate pods")
	}
	rows.Close()

	links, err := s.db.QueryContext(ctx, `
		SELECT pi.pod_id, pi.image_id
		FROM pod_images pi
		JOIN pods p ON p.id = pi.pod_id
		WHERE p.cluster_id = ?
		ORDER BY pi.pod_id, pi.image_id`,
		clusterID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query pod images")
	}
	defer links.Close()
	for links.Next() {
		var podID, imageID int64
		if err := links.Scan(&podID, &imageID); err != nil {
			return nil, errors.Wrap(err, "failed to scan pod image")
		}
		if i, ok := index[podID]; ok {
			pods[i].ImageIDs = append(pods[i].ImageIDs, imageID)
		}
	}
	return pods, links.Err()
}

func (s *Storage) DeletePods(ctx context.Context, ids []int64) error {
	return s.deleteByID(ctx, "pods", ids)
}

// SetPodViolations records the outstanding policy violation count of a live pod.
func (s *Storage) SetPodViolations(ctx context.Context, clusterID int64, namespace, name string, violations int) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE pods SET violations = ? WHERE cluster_id = ? AND namespace = ? AND name = ?",
		violations, clusterID, namespace, name,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to set violations for pod %s/%s", namespace, name)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(sql.ErrNoRows, "pod %s/%s not found in cluster %d", namespace, name, clusterID)
	}
	return nil
}

func (s *Storage) PodViolations(ctx context.Context, clusterID int64) ([]PodViolations, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, violations FROM pods WHERE cluster_id = ? ORDER BY id", clusterID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query pod violations")
	}
	defer rows.Close()
	return scanPodViolations(rows)
}

func (s *Storage) UpdatePodCompliance(ctx context.Context, ids []int64, compliant bool) error {
	return s.updateCompliance(ctx, "pods", ids, compliant)
}

func scanPodViolations(rows *sql.Rows) ([]PodViolations, error) {
	var result []PodViolations
	for rows.Next() {
		var pv PodViolations
		if err := rows.Scan(&pv.ID, &pv.Violations); err != nil {
			return nil, errors.Wrap(err, "failed to scan pod violations")
		}
		result = append(result, pv)
	}
	return result, rows.Err()
}
