// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/sitemirror/internal/crawler"
	"github.com/JakeFAU/sitemirror/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "job_status"

// Config controls the Postgres connection pool used for job status rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool the store needs; pgxmock satisfies it.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// StatusStore implements store.StatusRepository on a single Postgres table
// keyed by (root, started_at).
type StatusStore struct {
	pool  pool
	table string
}

var _ store.StatusRepository = (*StatusStore)(nil)

// NewStatusStore connects to Postgres using cfg.
func NewStatusStore(ctx context.Context, cfg Config) (*StatusStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewStatusStoreWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewStatusStoreWithPool builds a store on an existing pool.
func NewStatusStoreWithPool(p pool, table string) (*StatusStore, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &StatusStore{pool: p, table: table}, nil
}

// Close releases the pool.
func (s *StatusStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// UpsertStatus inserts rec or overwrites the row of the same run. Rows that
// already hold a newer update are left alone.
func (s *StatusStore) UpsertStatus(ctx context.Context, rec store.JobRecord) error {
	if rec.Job.Key() == "" {
		return errors.New("job root is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %[1]s (
	root, fetch_images, node, status,
	html_discovered, images_discovered, html_downloaded, images_downloaded,
	html_bytes, image_bytes,
	started_at, finished_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (root, started_at) DO UPDATE SET
	node = EXCLUDED.node,
	status = EXCLUDED.status,
	html_discovered = EXCLUDED.html_discovered,
	images_discovered = EXCLUDED.images_discovered,
	html_downloaded = EXCLUDED.html_downloaded,
	images_downloaded = EXCLUDED.images_downloaded,
	html_bytes = EXCLUDED.html_bytes,
	image_bytes = EXCLUDED.image_bytes,
	finished_at = EXCLUDED.finished_at,
	updated_at = EXCLUDED.updated_at
WHERE %[1]s.updated_at <= EXCLUDED.updated_at`, s.table)

	st := rec.Stats
	_, err := s.pool.Exec(ctx, query,
		rec.Job.Root,
		rec.Job.FetchImages,
		rec.Node,
		string(rec.Status),
		st.HTMLDiscovered,
		st.ImagesDiscovered,
		st.HTMLDownloaded,
		st.ImagesDownloaded,
		st.HTMLBytes,
		st.ImageBytes,
		rec.StartedAt,
		rec.FinishedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert job status: %w", err)
	}
	return nil
}

// GetStatus loads the latest run of root.
func (s *StatusStore) GetStatus(ctx context.Context, root string) (store.JobRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE root = $1 ORDER BY started_at DESC LIMIT 1`, columns, s.table)
	rec, err := scanRecord(s.pool.QueryRow(ctx, query, root))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.JobRecord{}, store.ErrNotFound
		}
		return store.JobRecord{}, fmt.Errorf("get job status: %w", err)
	}
	return rec, nil
}

// ListStatuses returns runs ordered by start time, newest first.
func (s *StatusStore) ListStatuses(
	ctx context.Context,
	status *crawler.JobStatus,
	limit,
	offset int,
) ([]store.JobRecord, error) {
	var filter *string
	if status != nil {
		v := string(*status)
		filter = &v
	}
	query := fmt.Sprintf(`SELECT %s FROM %s
WHERE ($1::text IS NULL OR status = $1)
ORDER BY started_at DESC
LIMIT $2 OFFSET $3`, columns, s.table)
	rows, err := s.pool.Query(ctx, query, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list job statuses: %w", err)
	}
	defer rows.Close()

	var out []store.JobRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job status row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job statuses: %w", err)
	}
	return out, nil
}

const columns = `root, fetch_images, node, status,
	html_discovered, images_discovered, html_downloaded, images_downloaded,
	html_bytes, image_bytes, started_at, finished_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (store.JobRecord, error) {
	var (
		root        string
		fetchImages bool
		node        string
		status      string
		st          crawler.CrawlJobStats
		started     time.Time
		finished    *time.Time
		updated     time.Time
	)
	err := row.Scan(
		&root,
		&fetchImages,
		&node,
		&status,
		&st.HTMLDiscovered,
		&st.ImagesDiscovered,
		&st.HTMLDownloaded,
		&st.ImagesDownloaded,
		&st.HTMLBytes,
		&st.ImageBytes,
		&started,
		&finished,
		&updated,
	)
	if err != nil {
		return store.JobRecord{}, err
	}
	job := crawler.CrawlJob{Root: root, FetchImages: fetchImages}
	st.Job = job
	return store.JobRecord{
		Job:        job,
		Node:       node,
		Status:     crawler.JobStatus(status),
		Stats:      st,
		StartedAt:  started,
		FinishedAt: finished,
		UpdatedAt:  updated,
	}, nil
}
