package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite" // Pure Go driver
)

// DB is a SQL-backed JobStore. The same queries run on Postgres and
// SQLite; only placeholders and row locking differ.
type DB struct {
	*sql.DB
	driver string
	now    func() time.Time
}

// Open connects to postgres://... or sqlite://path and applies the schema.
func Open(ctx context.Context, databaseURL string) (*DB, error) {
	var (
		conn   *sql.DB
		driver string
		err    error
	)

	switch {
	case strings.HasPrefix(databaseURL, "sqlite://"):
		driver = "sqlite"
		path := strings.TrimPrefix(databaseURL, "sqlite://")
		dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
		conn, err = sql.Open("sqlite", dsn)
		if err == nil {
			// SQLite allows one writer; serialise through a single connection.
			conn.SetMaxOpenConns(1)
		}
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		driver = "postgres"
		conn, err = sql.Open("postgres", databaseURL)
		if err == nil {
			conn.SetMaxOpenConns(25)
			conn.SetMaxIdleConns(5)
			conn.SetConnMaxLifetime(time.Hour)
		}
	default:
		return nil, fmt.Errorf("unsupported database URL scheme")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db := &DB{DB: conn, driver: driver, now: time.Now}
	if err := db.migrate(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) migrate(ctx context.Context) error {
	docType := "TEXT"
	if db.driver == "postgres" {
		docType = "JSONB"
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sync_jobs (
			id         TEXT PRIMARY KEY,
			type       TEXT NOT NULL,
			status     TEXT NOT NULL,
			document   ` + docType + ` NOT NULL,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS sync_jobs_status_created_idx ON sync_jobs (status, created_at)`,
		`CREATE INDEX IF NOT EXISTS sync_jobs_created_idx ON sync_jobs (created_at)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
	}
	return nil
}

// rebind rewrites $n placeholders to ? for SQLite.
func (db *DB) rebind(query string) string {
	if db.driver != "sqlite" {
		return query
	}
	var b strings.Builder
	for i := 0; i < len(query); i++ {
		if query[i] == '$' {
			j := i + 1
			for j < len(query) && query[j] >= '0' && query[j] <= '9' {
				j++
			}
			if j > i+1 {
				b.WriteByte('?')
				i = j - 1
				continue
			}
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
