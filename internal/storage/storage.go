package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// maxBatch keeps IN (...) lists well under sqlite's bound-parameter limit.
const maxBatch = 500

type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL", dbPath)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	// sqlite allows a single writer; serialising on one connection avoids SQLITE_BUSY
	// when clusters are synced in parallel.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping database")
	}

	s := &Storage{db: db}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to migrate database")
	}

	return s, nil
}

func (s *Storage) migrate() error {
	_, err := s.db.Exec(schema)
	if err != nil {
		return errors.Wrap(err, "failed to execute schema")
	}
	return nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

func (s *Storage) ListClusters(ctx context.Context) ([]Cluster, error) {
	return s.queryClusters(ctx, "WHERE deleted_at IS NULL ORDER BY id")
}

// ListClustersByIDs returns the non-deleted clusters among ids. Unknown ids are ignored.
func (s *Storage) ListClustersByIDs(ctx context.Context, ids []int64) ([]Cluster, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var clusters []Cluster
	for _, chunk := range chunkIDs(ids) {
		found, err := s.queryClusters(ctx,
			"WHERE deleted_at IS NULL AND id IN ("+placeholders(len(chunk))+") ORDER BY id",
			int64Args(chunk)...)
		if err != nil {
			return nil, err
		}
		clusters = append(clusters, found...)
	}
	return clusters, nil
}

func (s *Storage) GetCluster(ctx context.Context, id int64) (*Cluster, error) {
	clusters, err := s.queryClusters(ctx, "WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(clusters) == 0 {
		return nil, sql.ErrNoRows
	}
	return &clusters[0], nil
}

func (s *Storage) queryClusters(ctx context.Context, where string, args ...any) ([]Cluster, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, address, port, context, kube_config, enforcement_enabled,
			grace_period_days, last_scanned, deleted_at
		FROM clusters `+where, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query clusters")
	}
	defer rows.Close()

	var clusters []Cluster
	for rows.Next() {
		var c Cluster
		var lastScanned, deletedAt sql.NullTime
		if err := rows.Scan(
			&c.ID, &c.Name, &c.Address, &c.Port, &c.Context, &c.KubeConfig,
			&c.EnforcementEnabled, &c.GracePeriodDays, &lastScanned, &deletedAt,
		); err != nil {
			return nil, errors.Wrap(err, "failed to scan cluster")
		}
		c.LastScanned = nullTimePtr(lastScanned)
		c.DeletedAt = nullTimePtr(deletedAt)
		clusters = append(clusters, c)
	}
	return clusters, rows.Err()
}

// SaveCluster inserts the cluster, or updates the existing row with the same name.
func (s *Storage) SaveCluster(ctx context.Context, c *Cluster) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO clusters (
			name, address, port, context, kube_config, enforcement_enabled, grace_period_days
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			address = excluded.address,
			port = excluded.port,
			context = excluded.context,
			kube_config = excluded.kube_config,
			enforcement_enabled = excluded.enforcement_enabled,
			grace_period_days = excluded.grace_period_days,
			deleted_at = NULL
		RETURNING id`,
		c.Name, c.Address, c.Port, c.Context, c.KubeConfig, c.EnforcementEnabled, c.GracePeriodDays,
	).Scan(&id)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to save cluster %s", c.Name)
	}
	c.ID = id
	return id, nil
}

func (s *Storage) MarkClusterScanned(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, "UPDATE clusters SET last_scanned = ? WHERE id = ?", at.UTC(), id)
	if err != nil {
		return errors.Wrapf(err, "failed to mark cluster %d scanned", id)
	}
	return nil
}

func (s *Storage) SoftDeleteCluster(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, "UPDATE clusters SET deleted_at = ? WHERE id = ?", at.UTC(), id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete cluster %d", id)
	}
	return nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func chunkIDs(ids []int64) [][]int64 {
	var chunks [][]int64
	for start := 0; start < len(ids); start += maxBatch {
		end := start + maxBatch
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullBoolPtr(b sql.NullBool) *bool {
	if !b.Valid {
		return nil
	}
	v := b.Bool
	return &v
}
