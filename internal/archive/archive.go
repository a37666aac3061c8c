// Package archive persists purged envelopes into a SQL database so the
// 7-day queue retention does not erase the audit trail.
package archive

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	// Supported drivers, selected by config
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/motorhub/notifq/internal/queue"
)

// Config selects the archive database.
type Config struct {
	// Driver is one of sqlite3, postgres, mysql
	Driver string
	// DSN is the driver-specific connection string
	DSN string
	// Table defaults to notifq_archive
	Table string
}

// Archive writes envelope snapshots into a SQL table. It implements
// queue.Archiver.
type Archive struct {
	db     *sql.DB
	config Config
	logger *slog.Logger
}

var _ queue.Archiver = (*Archive)(nil)

// Open connects to the archive database and ensures the schema exists.
func Open(ctx context.Context, config Config) (*Archive, error) {
	switch config.Driver {
	case "sqlite3", "postgres", "mysql":
	default:
		return nil, fmt.Errorf("unsupported archive driver %q", config.Driver)
	}
	if config.Table == "" {
		config.Table = "notifq_archive"
	}

	db, err := sql.Open(config.Driver, config.DSN)
	if err != nil {
		return nil, fmt.Errorf("open archive database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping archive database: %w", err)
	}

	a := &Archive{
		db:     db,
		config: config,
		logger: slog.Default().With("component", "archive", "driver", config.Driver),
	}

	if err := a.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return a, nil
}

// Close releases the database connection.
func (a *Archive) Close() error {
	return a.db.Close()
}

func (a *Archive) ensureSchema(ctx context.Context) error {
	payloadType := "BLOB"
	if a.config.Driver == "postgres" {
		payloadType = "BYTEA"
	}

	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		channel TEXT NOT NULL,
		priority INTEGER NOT NULL,
		recipient TEXT,
		status TEXT NOT NULL,
		retry_count INTEGER NOT NULL,
		last_error TEXT,
		payload %s,
		created_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP NULL,
		archived_at TIMESTAMP NOT NULL,
		PRIMARY KEY (tenant_id, id)
	)`, a.config.Table, payloadType)

	if _, err := a.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create archive table: %w", err)
	}
	return nil
}

// rebind converts ? placeholders to $N for the postgres driver.
func (a *Archive) rebind(query string) string {
	if a.config.Driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Archive inserts envelope snapshots in one transaction. Re-archiving the
// same envelope id is treated as success.
func (a *Archive) Archive(ctx context.Context, envs []*queue.Envelope) error {
	if len(envs) == 0 {
		return nil
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive transaction: %w", err)
	}
	defer tx.Rollback()

	insert := a.rebind(fmt.Sprintf(
		`INSERT INTO %s (id, tenant_id, channel, priority, recipient, status,
			retry_count, last_error, payload, created_at, completed_at, archived_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, a.config.Table))

	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return fmt.Errorf("prepare archive insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, env := range envs {
		var completedAt sql.NullTime
		if !env.CompletedAt.IsZero() {
			completedAt = sql.NullTime{Time: env.CompletedAt, Valid: true}
		}

		_, err := stmt.ExecContext(ctx,
			env.ID,
			env.TenantID,
			string(env.Channel),
			int(env.Priority),
			env.Recipient,
			string(env.Status),
			env.RetryCount,
			env.LastError,
			[]byte(env.Payload),
			env.CreatedAt,
			completedAt,
			now,
		)
		if err != nil {
			if isDuplicateKey(err) {
				continue
			}
			return fmt.Errorf("archive envelope %s: %w", env.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit archive transaction: %w", err)
	}

	a.logger.Debug("archived envelopes", "count", len(envs))
	return nil
}

// isDuplicateKey recognises primary key violations across the supported
// drivers without importing their error types.
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") ||
		strings.Contains(msg, "duplicate")
}
