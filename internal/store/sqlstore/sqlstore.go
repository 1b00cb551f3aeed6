// Package sqlstore reads rate limit policies and department quotas from the
// document service's PostgreSQL database.
//
// It expects these tables, owned and migrated by the document service:
//
//	rate_limit_policies(endpoint text primary key, max_requests int, window_ms bigint, updated_at timestamptz)
//	departments(id text primary key, allocated_storage bigint null)
//	files(id, department_id text, size bigint, status text)
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver

	"github.com/AlexKimmel/docgate/internal/quota"
	"github.com/AlexKimmel/docgate/internal/ratelimit"
)

const (
	selectPolicyQuery = `SELECT max_requests, window_ms FROM rate_limit_policies WHERE endpoint = $1`
	upsertPolicyQuery = `INSERT INTO rate_limit_policies (endpoint, max_requests, window_ms, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (endpoint) DO UPDATE
		SET max_requests = EXCLUDED.max_requests, window_ms = EXCLUDED.window_ms, updated_at = now()`

	selectAllocationQuery = `SELECT COALESCE(allocated_storage, 0) FROM departments WHERE id = $1`
	sumActiveFilesQuery   = `SELECT COALESCE(SUM(size), 0) FROM files WHERE department_id = $1 AND status <> 'deleted'`
	updateAllocationQuery = `UPDATE departments SET allocated_storage = $2 WHERE id = $1`
)

type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects with the pgx driver and pings the database.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database dsn is required")
	}
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	return db, nil
}

// Store implements ratelimit.PolicyStore and quota.Allocator over one *sql.DB.
type Store struct {
	db *sql.DB
}

var (
	_ ratelimit.PolicyStore = (*Store)(nil)
	_ quota.Allocator       = (*Store)(nil)
)

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Lookup(ctx context.Context, endpoint string) (ratelimit.Policy, bool, error) {
	p := ratelimit.Policy{Endpoint: endpoint}
	err := s.db.QueryRowContext(ctx, selectPolicyQuery, endpoint).Scan(&p.MaxRequests, &p.WindowMS)
	if errors.Is(err, sql.ErrNoRows) {
		return ratelimit.Policy{}, false, nil
	}
	if err != nil {
		return ratelimit.Policy{}, false, err
	}
	return p, true, nil
}

func (s *Store) Upsert(ctx context.Context, p ratelimit.Policy) error {
	_, err := s.db.ExecContext(ctx, upsertPolicyQuery, p.Endpoint, p.MaxRequests, p.WindowMS)
	return err
}

func (s *Store) Allocation(ctx context.Context, departmentID string) (int64, bool, error) {
	var allocated int64
	err := s.db.QueryRowContext(ctx, selectAllocationQuery, departmentID).Scan(&allocated)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return allocated, true, nil
}

func (s *Store) UsedStorage(ctx context.Context, departmentID string) (int64, error) {
	var used int64
	if err := s.db.QueryRowContext(ctx, sumActiveFilesQuery, departmentID).Scan(&used); err != nil {
		return 0, err
	}
	return used, nil
}

func (s *Store) SetAllocation(ctx context.Context, departmentID string, bytes int64) error {
	res, err := s.db.ExecContext(ctx, updateAllocationQuery, departmentID, bytes)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return quota.ErrDepartmentNotFound
	}
	return nil
}
