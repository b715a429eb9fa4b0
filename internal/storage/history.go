package storage

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// HistoryEntity names a live table that is snapshotted once per day.
type HistoryEntity string

const (
	HistoryClusters    HistoryEntity = "clusters"
	HistoryNamespaces  HistoryEntity = "namespaces"
	HistoryDeployments HistoryEntity = "deployments"
	HistoryImages      HistoryEntity = "images"
	HistoryPods        HistoryEntity = "pods"
)

// HistoryEntities is the order in which a daily snapshot is captured.
var HistoryEntities = []HistoryEntity{
	HistoryClusters,
	HistoryNamespaces,
	HistoryDeployments,
	HistoryImages,
	HistoryPods,
}

type historyCopy struct {
	table      string
	statements []string
}

var historyCopies = map[HistoryEntity]historyCopy{
	HistoryClusters: {
		table: "clusters_history",
		statements: []string{`
			INSERT INTO clusters_history (
				saved_date, cluster_id, name, address, context, enforcement_enabled,
				grace_period_days, last_scanned
			)
			SELECT ?, id, name, address, context, enforcement_enabled, grace_period_days, last_scanned
			FROM clusters
			WHERE deleted_at IS NULL`,
		},
	},
	HistoryNamespaces: {
		table: "namespaces_history",
		statements: []string{`
			INSERT INTO namespaces_history (saved_date, namespace_id, cluster_id, cluster_name, name, compliant)
			SELECT ?, n.id, n.cluster_id, c.name, n.name, n.compliant
			FROM namespaces n
			JOIN clusters c ON c.id = n.cluster_id
			WHERE c.deleted_at IS NULL`,
		},
	},
	HistoryDeployments: {
		table: "deployments_history",
		statements: []string{`
			INSERT INTO deployments_history (
				saved_date, deployment_id, cluster_id, cluster_name, namespace, name,
				generation, replicas, ready_replicas
			)
			SELECT ?, d.id, d.cluster_id, c.name, d.namespace, d.name, d.generation, d.replicas, d.ready_replicas
			FROM deployments d
			JOIN clusters c ON c.id = d.cluster_id
			WHERE c.deleted_at IS NULL`,
		},
	},
	HistoryImages: {
		table: "images_history",
		statements: []string{`
			INSERT INTO images_history (
				saved_date, image_id, cluster_id, cluster_name, name, digest, compliance,
				running_in_cluster, last_scanned
			)
			SELECT ?, i.id, i.cluster_id, c.name, i.name, i.digest, i.compliance, i.running_in_cluster, i.last_scanned
			FROM images i
			JOIN clusters c ON c.id = i.cluster_id
			WHERE c.deleted_at IS NULL`,
		},
	},
	HistoryPods: {
		table: "pods_history",
		statements: []string{`
			INSERT INTO pods_history (
				saved_date, pod_id, cluster_id, cluster_name, namespace, name, uid,
				resource_version, phase, violations, compliant
			)
			SELECT ?, p.id, p.cluster_id, c.name, p.namespace, p.name, p.uid,
				p.resource_version, p.phase, p.violations, p.compliant
			FROM pods p
			JOIN clusters c ON c.id = p.cluster_id
			WHERE c.deleted_at IS NULL`, `
			INSERT INTO pod_images_history (saved_date, pod_id, image_id)
			SELECT ?, pi.pod_id, pi.image_id
			FROM pod_images pi
			JOIN pods p ON p.id = pi.pod_id
			JOIN clusters c ON c.id = p.cluster_id
			WHERE c.deleted_at IS NULL`,
		},
	},
}

// ReplaceHistory clears every history row of entity tagged with savedDate and copies the
// live rows in again, in one transaction. It returns the number of primary rows written.
func (s *Storage) ReplaceHistory(ctx context.Context, entity HistoryEntity, savedDate string) (int64, error) {
	hc, ok := historyCopies[entity]
	if !ok {
		return 0, errors.Errorf("unknown history entity %q", entity)
	}

	var written int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+hc.table+" WHERE saved_date = ?", savedDate); err != nil {
			return errors.Wrapf(err, "failed to clear %s history for %s", entity, savedDate)
		}
		if entity == HistoryPods {
			if _, err := tx.ExecContext(ctx, "DELETE FROM pod_images_history WHERE saved_date = ?", savedDate); err != nil {
				return errors.Wrapf(err, "failed to clear pod image history for %s", savedDate)
			}
		}
		for i, stmt := range hc.statements {
			res, err := tx.ExecContext(ctx, stmt, savedDate)
			if err != nil {
				return errors.Wrapf(err, "failed to copy %s history for %s", entity, savedDate)
			}
			if i == 0 {
				written, _ = res.RowsAffected()
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

func (s *Storage) CountHistory(ctx context.Context, entity HistoryEntity, savedDate string) (int, error) {
	hc, ok := historyCopies[entity]
	if !ok {
		return 0, errors.Errorf("unknown history entity %q", entity)
	}
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+hc.table+" WHERE saved_date = ?", savedDate,
	).Scan(&n)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to count %s history", entity)
	}
	return n, nil
}

func (s *Storage) PodHistoryViolations(ctx context.Context, savedDate string) ([]PodViolations, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, violations FROM pods_history WHERE saved_date = ? ORDER BY id", savedDate,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query pod history violations")
	}
	defer rows.Close()
	return scanPodViolations(rows)
}

func (s *Storage) UpdatePodHistoryCompliance(ctx context.Context, ids []int64, compliant bool) error {
	return s.updateCompliance(ctx, "pods_history", ids, compliant)
}

// NamespaceHistoryWithPods is NamespacesWithPods over the snapshot taken on savedDate.
func (s *Storage) NamespaceHistoryWithPods(ctx context.Context, savedDate string) ([]NamespacePods, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT n.id, n.cluster_id, n.name, p.compliant
		FROM namespaces_history n
		LEFT JOIN pods_history p
			ON p.saved_date = n.saved_date AND p.cluster_id = n.cluster_id AND p.namespace = n.name
		WHERE n.saved_date = ?
		ORDER BY n.id`,
		savedDate,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query namespace history with pods")
	}
	defer rows.Close()
	return scanNamespacePods(rows)
}

func (s *Storage) UpdateNamespaceHistoryCompliance(ctx context.Context, ids []int64, compliant bool) error {
	return s.updateCompliance(ctx, "namespaces_history", ids, compliant)
}

// ComplianceTrend summarises namespace and pod compliance per cluster for every history
// day in [from, to], ordered by day then cluster.
func (s *Storage) ComplianceTrend(ctx context.Context, from, to string) ([]DailyCompliance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT n.saved_date, n.cluster_id, n.cluster_name,
			COUNT(*),
			COALESCE(SUM(CASE WHEN n.compliant = 1 THEN 1 ELSE 0 END), 0),
			(SELECT COUNT(*) FROM pods_history p
				WHERE p.saved_date = n.saved_date AND p.cluster_id = n.cluster_id),
			(SELECT COUNT(*) FROM pods_history p
				WHERE p.saved_date = n.saved_date AND p.cluster_id = n.cluster_id AND p.compliant = 1)
		FROM namespaces_history n
		WHERE n.saved_date BETWEEN ? AND ?
		GROUP BY n.saved_date, n.cluster_id, n.cluster_name
		ORDER BY n.saved_date, n.cluster_id`,
		from, to,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query compliance trend")
	}
	defer rows.Close()

	var trend []DailyCompliance
	for rows.Next() {
		var d DailyCompliance
		if err := rows.Scan(
			&d.SavedDate, &d.ClusterID, &d.ClusterName, &d.Namespaces,
			&d.CompliantNamespaces, &d.Pods, &d.CompliantPods,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan compliance trend")
		}
		trend = append(trend, d)
	}
	return trend, rows.Err()
}

// NonCompliantNamespaces lists "cluster/namespace" for every live namespace currently
// marked non-compliant.
func (s *Storage) NonCompliantNamespaces(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.name, n.name
		FROM namespaces n
		JOIN clusters c ON c.id = n.cluster_id
		WHERE n.compliant = 0 AND c.deleted_at IS NULL
		ORDER BY c.name, n.name`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query non-compliant namespaces")
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var cluster, namespace string
		if err := rows.Scan(&cluster, &namespace); err != nil {
			return nil, errors.Wrap(err, "failed to scan non-compliant namespace")
		}
		names = append(names, cluster+"/"+namespace)
	}
	return names, rows.Err()
}
