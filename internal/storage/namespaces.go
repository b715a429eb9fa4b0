package storage

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

func (s *Storage) SaveNamespace(ctx context.Context, clusterID int64, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO namespaces (cluster_id, name) VALUES (?, ?)
		ON CONFLICT(cluster_id, name) DO UPDATE SET updated_at = CURRENT_TIMESTAMP`,
		clusterID, name,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to save namespace %s", name)
	}
	return nil
}

func (s *Storage) ListNamespaces(ctx context.Context, clusterID int64) ([]Namespace, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cluster_id, name, compliant
		FROM namespaces
		WHERE cluster_id = ?
		ORDER BY name`,
		clusterID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query namespaces")
	}
	defer rows.Close()

	var namespaces []Namespace
	for rows.Next() {
		var ns Namespace
		var compliant sql.NullBool
		if err := rows.Scan(&ns.ID, &ns.ClusterID, &ns.Name, &compliant); err != nil {
			return nil, errors.Wrap(err, "failed to scan namespace")
		}
		ns.Compliant = nullBoolPtr(compliant)
		namespaces = append(namespaces, ns)
	}
	return namespaces, rows.Err()
}

func (s *Storage) DeleteNamespaces(ctx context.Context, clusterID int64, names []string) error {
	if len(names) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, name := range names {
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM namespaces WHERE cluster_id = ? AND name = ?", clusterID, name,
			); err != nil {
				return errors.Wrapf(err, "failed to delete namespace %s", name)
			}
		}
		return nil
	})
}

// NamespacesWithPods returns every namespace of the cluster with the compliance flag of
// each live pod whose namespace column matches it.
func (s *Storage) NamespacesWithPods(ctx context.Context, clusterID int64) ([]NamespacePods, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT n.id, n.cluster_id, n.name, p.compliant
		FROM namespaces n
		LEFT JOIN pods p ON p.cluster_id = n.cluster_id AND p.namespace = n.name
		WHERE n.cluster_id = ?
		ORDER BY n.id`,
		clusterID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query namespaces with pods")
	}
	defer rows.Close()
	return scanNamespacePods(rows)
}

func (s *Storage) UpdateNamespaceCompliance(ctx context.Context, ids []int64, compliant bool) error {
	return s.updateCompliance(ctx, "namespaces", ids, compliant)
}

func scanNamespacePods(rows *sql.Rows) ([]NamespacePods, error) {
	var result []NamespacePods
	index := make(map[int64]int)
	for rows.Next() {
		var ns NamespacePods
		var podCompliant sql.NullBool
		if err := rows.Scan(&ns.ID, &ns.ClusterID, &ns.Name, &podCompliant); err != nil {
			return nil, errors.Wrap(err, "failed to scan namespace pod")
		}
		i, ok := index[ns.ID]
		if !ok {
			i = len(result)
			index[ns.ID] = i
			result = append(result, ns)
		}
		if podCompliant.Valid {
			result[i].PodCompliant = append(result[i].PodCompliant, podCompliant.Bool)
		}
	}
	return result, rows.Err()
}

// updateCompliance sets the compliant flag of the given rows in one statement per chunk.
func (s *Storage) updateCompliance(ctx context.Context, table string, ids []int64, compliant bool) error {
	if len(ids) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, chunk := range chunkIDs(ids) {
			args := append([]any{compliant}, int64Args(chunk)...)
			if _, err := tx.ExecContext(ctx,
				"UPDATE "+table+" SET compliant = ? WHERE id IN ("+placeholders(len(chunk))+")", args...,
			); err != nil {
				return errors.Wrapf(err, "failed to update %s compliance", table)
			}
		}
		return nil
	})
}
