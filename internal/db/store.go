package db

import (
	"context"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opensandbox/proclist/pkg/types"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store provides access to the PostgreSQL result archive.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store with a connection pool.
func NewStore(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

var migrations = []struct {
	version  int
	filename string
}{
	{1, "migrations/001_initial.up.sql"},
	{2, "migrations/002_result_exe_index.up.sql"},
}

// Migrate runs database migrations.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err = s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	for _, m := range migrations {
		if currentVersion >= m.version {
			continue
		}
		if err := s.apply(ctx, m.version, m.filename); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) apply(ctx context.Context, version int, filename string) error {
	sql, err := migrationsFS.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read migration file %s: %w", filename, err)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction for migration %d: %w", version, err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, string(sql)); err != nil {
		return fmt.Errorf("failed to apply migration %03d: %w", version, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
		return fmt.Errorf("failed to record migration %03d: %w", version, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit migration %03d: %w", version, err)
	}
	return nil
}

// InsertResult archives a flow result. Redelivered results are ignored.
func (s *Store) InsertResult(ctx context.Context, r types.FlowResult) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO flow_results (source_id, flow_id, client_id, kind, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (flow_id, source_id) DO NOTHING`,
		r.ID, r.FlowID, r.ClientID, r.Kind, []byte(r.Payload), r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert result: %w", err)
	}
	return nil
}

// ResultQuery filters archived results of one client.
type ResultQuery struct {
	ClientID string
	Kind     string // empty matches every kind
	Exe      string // exact executable path of process results
	Limit    int
	Offset   int
}

// ListClientResults returns archived results for a client, newest first.
func (s *Store) ListClientResults(ctx context.Context, q ResultQuery) ([]types.FlowResult, error) {
	if q.Limit <= 0 || q.Limit > 1000 {
		q.Limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT source_id, flow_id, client_id, kind, payload, created_at
		FROM flow_results
		WHERE client_id = $1
		  AND ($2 = '' OR kind = $2)
		  AND ($3 = '' OR payload->>'exe' = $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4 OFFSET $5`,
		q.ClientID, q.Kind, q.Exe, q.Limit, q.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.FlowResult, error) {
		var r types.FlowResult
		var payload []byte
		err := row.Scan(&r.ID, &r.FlowID, &r.ClientID, &r.Kind, &payload, &r.CreatedAt)
		r.Payload = payload
		return r, err
	})
}
