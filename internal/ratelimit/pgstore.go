package ratelimit

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PGStore keeps rate counters in a shared postgres table so every node in a
// deployment enforces the same subject and organization windows.
//
// Expected schema:
//
//	create table rate_counters (
//	    key          text        not null,
//	    window_start timestamptz not null,
//	    count        bigint      not null,
//	    primary key (key, window_start)
//	);
type PGStore struct {
	db *sql.DB
}

// OpenPG connects to the counter store.
func OpenPG(dsn string) (*PGStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &PGStore{db: db}, nil
}

// NewPGStore wraps an existing handle; the caller keeps ownership of db.
func NewPGStore(db *sql.DB) *PGStore { return &PGStore{db: db} }

// DB exposes the underlying handle for readiness probes.
func (s *PGStore) DB() *sql.DB { return s.db }

// Close releases the connection pool.
func (s *PGStore) Close() error { return s.db.Close() }

// Incr implements Store with an atomic upsert.
func (s *PGStore) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	start := windowStart(time.Now().UTC(), window)
	var count int64
	err := s.db.QueryRowContext(ctx, `
		insert into rate_counters(key, window_start, count)
		values ($1, $2, 1)
		on conflict (key, window_start) do update
		set count = rate_counters.count + 1
		returning count
	`, key, start).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Purge deletes counters whose window started before the cutoff. Expired
// windows are never read again; this only bounds table growth.
func (s *PGStore) Purge(ctx context.Context, olderThan time.Duration) error {
	cutoff := time.Now().UTC().Add(-olderThan)
	_, err := s.db.ExecContext(ctx, `delete from rate_counters where window_start < $1`, cutoff)
	return err
}

// StartPurge runs Purge on the given interval until the returned stop
// function is called.
func (s *PGStore) StartPurge(interval, olderThan time.Duration) func() {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = s.Purge(ctx, olderThan)
			}
		}
	}()
	return cancel
}
