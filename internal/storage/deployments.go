package storage

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

func (s *Storage) SaveDeployment(ctx context.Context, d *Deployment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO deployments (
			cluster_id, namespace, name, uid, generation, replicas, ready_replicas
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(cluster_id, namespace, name) DO UPDATE SET
			uid = excluded.uid,
			generation = excluded.generation,
			replicas = excluded.replicas,
			ready_replicas = excluded.ready_replicas,
			updated_at = CURRENT_TIMESTAMP`,
		d.ClusterID, d.Namespace, d.Name, d.UID, d.Generation, d.Replicas, d.ReadyReplicas,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to save deployment %s/%s", d.Namespace, d.Name)
	}
	return nil
}

func (s *Storage) ListDeployments(ctx context.Context, clusterID int64) ([]Deployment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cluster_id, namespace, name, uid, generation, replicas, ready_replicas
		FROM deployments
		WHERE cluster_id = ?
		ORDER BY namespace, name`,
		clusterID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query deployments")
	}
	defer rows.Close()

	var deployments []Deployment
	for rows.Next() {
		var d Deployment
		if err := rows.Scan(
			&d.ID, &d.ClusterID, &d.Namespace, &d.Name, &d.UID,
			&d.Generation, &d.Replicas, &d.ReadyReplicas,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan deployment")
		}
		deployments = append(deployments, d)
	}
	return deployments, rows.Err()
}

func (s *Storage) DeleteDeployments(ctx context.Context, ids []int64) error {
	return s.deleteByID(ctx, "deployments", ids)
}

func (s *Storage) deleteByID(ctx context.Context, table string, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, chunk := range chunkIDs(ids) {
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM "+table+" WHERE id IN ("+placeholders(len(chunk))+")", int64Args(chunk)...,
			); err != nil {
				return errors.Wrapf(err, "failed to delete from %s", table)
			}
		}
		return nil
	})
}
