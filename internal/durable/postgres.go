package durable

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/engramdb/engram/pkg/errors"
	"github.com/engramdb/engram/pkg/record"

	"github.com/engramdb/engram/internal/prepared"
)

// PostgresBackend stores records in a Postgres table. Each pooled connection
// is a dedicated single-connection database handle so prepared plans stay
// bound to their session for the lifetime of the slot.
type PostgresBackend struct {
	dsn   string
	table string
	plans *prepared.Cache

	bootstrapOnce sync.Once
	bootstrapErr  error
}

// NewPostgresBackend creates a Postgres backend. Plans compiled by its
// connections are cached in the supplied plan cache.
func NewPostgresBackend(dsn, table string, plans *prepared.Cache) *PostgresBackend {
	if table == "" {
		table = "engram_records"
	}
	return &PostgresBackend{
		dsn:   dsn,
		table: table,
		plans: plans,
	}
}

// Name identifies the backend
func (b *PostgresBackend) Name() string { return "postgres" }

// Dial opens a dedicated session. The schema is bootstrapped on first dial.
func (b *PostgresBackend) Dial(ctx context.Context) (Conn, error) {
	db, err := sql.Open("postgres", b.dsn)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeConnectionFailed, "failed to open postgres session").
			WithCause(err).
			WithRetryable(true)
	}

	// One underlying connection per pool slot keeps prepared statements
	// pinned to a single session.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.NewError(errors.ErrCodeConnectionFailed, "postgres ping failed").
			WithCause(err).
			WithRetryable(true)
	}

	b.bootstrapOnce.Do(func() {
		b.bootstrapErr = b.bootstrap(ctx, db)
	})
	if b.bootstrapErr != nil {
		_ = db.Close()
		return nil, b.bootstrapErr
	}

	return &postgresConn{backend: b, db: db, id: prepared.NextConnID()}, nil
}

func (b *PostgresBackend) bootstrap(ctx context.Context, db *sql.DB) error {
	schema := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			kind       TEXT        NOT NULL,
			id         TEXT        NOT NULL,
			version    BIGINT      NOT NULL,
			payload    BYTEA,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (kind, id)
		)`, b.table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_updated_at_idx ON %s (updated_at)`, b.table, b.table),
	}
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return errors.NewError(errors.ErrCodeStorageWrite, "failed to bootstrap schema").
				WithCause(err)
		}
	}
	return nil
}

type postgresConn struct {
	backend *PostgresBackend
	db      *sql.DB
	id      uint64
}

func (c *postgresConn) ID() uint64 { return c.id }

func (c *postgresConn) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

func (c *postgresConn) Close() error {
	c.backend.plans.CloseConn(c.id)
	return c.db.Close()
}

// stmt returns the cached prepared statement for the query, compiling it on
// this session on a miss.
func (c *postgresConn) stmt(ctx context.Context, query string) (*sql.Stmt, error) {
	plan, err := c.backend.plans.Get(ctx, c.id, query, func(ctx context.Context, q string) (prepared.Statement, error) {
		return c.db.PrepareContext(ctx, q)
	})
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeStorageRead, "failed to prepare statement").
			WithCause(err).
			WithRetryable(true)
	}
	return plan.(*sql.Stmt), nil
}

func (c *postgresConn) Get(ctx context.Context, identity record.Identity) (*record.Record, error) {
	query := fmt.Sprintf(
		`SELECT version, payload, updated_at FROM %s WHERE kind = $1 AND id = $2`,
		c.backend.table)
	stmt, err := c.stmt(ctx, query)
	if err != nil {
		return nil, err
	}

	rec := &record.Record{Kind: identity.Kind, ID: identity.ID}
	err = stmt.QueryRowContext(ctx, string(identity.Kind), identity.ID).
		Scan(&rec.Version, &rec.Payload, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, errors.Newf(errors.ErrCodeRecordNotFound, "record %s not found", identity)
	}
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeStorageRead, "failed to read record").
			WithCause(err).
			WithRetryable(true)
	}
	return rec, nil
}

func (c *postgresConn) Put(ctx context.Context, rec *record.Record, expectedVersion uint64) (uint64, error) {
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	switch expectedVersion {
	case VersionAny:
		query := fmt.Sprintf(
			`INSERT INTO %s (kind, id, version, payload, updated_at)
			 VALUES ($1, $2, 1, $3, $4)
			 ON CONFLICT (kind, id) DO UPDATE
			   SET version = %s.version + 1, payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at
			 RETURNING version`,
			c.backend.table, c.backend.table)
		stmt, err := c.stmt(ctx, query)
		if err != nil {
			return 0, err
		}
		var version uint64
		if err := stmt.QueryRowContext(ctx, string(rec.Kind), rec.ID, rec.Payload, updatedAt).Scan(&version); err != nil {
			return 0, errors.NewError(errors.ErrCodeStorageWrite, "failed to write record").
				WithCause(err).
				WithRetryable(true)
		}
		return version, nil

	case 0:
		query := fmt.Sprintf(
			`INSERT INTO %s (kind, id, version, payload, updated_at)
			 VALUES ($1, $2, 1, $3, $4)
			 ON CONFLICT (kind, id) DO NOTHING`,
			c.backend.table)
		stmt, err := c.stmt(ctx, query)
		if err != nil {
			return 0, err
		}
		result, err := stmt.ExecContext(ctx, string(rec.Kind), rec.ID, rec.Payload, updatedAt)
		if err != nil {
			return 0, errors.NewError(errors.ErrCodeStorageWrite, "failed to insert record").
				WithCause(err).
				WithRetryable(true)
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			return 0, c.conflict(ctx, rec.Identity(), expectedVersion)
		}
		return 1, nil

	default:
		query := fmt.Sprintf(
			`UPDATE %s SET version = version + 1, payload = $3, updated_at = $4
			 WHERE kind = $1 AND id = $2 AND version = $5
			 RETURNING version`,
			c.backend.table)
		stmt, err := c.stmt(ctx, query)
		if err != nil {
			return 0, err
		}
		var version uint64
		err = stmt.QueryRowContext(ctx, string(rec.Kind), rec.ID, rec.Payload, updatedAt, expectedVersion).Scan(&version)
		if err == sql.ErrNoRows {
			return 0, c.conflict(ctx, rec.Identity(), expectedVersion)
		}
		if err != nil {
			return 0, errors.NewError(errors.ErrCodeStorageWrite, "failed to update record").
				WithCause(err).
				WithRetryable(true)
		}
		return version, nil
	}
}

// conflict builds the CONFLICT_DETECTED error carrying the stored version.
func (c *postgresConn) conflict(ctx context.Context, identity record.Identity, expected uint64) error {
	var stored uint64
	query := fmt.Sprintf(`SELECT version FROM %s WHERE kind = $1 AND id = $2`, c.backend.table)
	stmt, err := c.stmt(ctx, query)
	if err == nil {
		_ = stmt.QueryRowContext(ctx, string(identity.Kind), identity.ID).Scan(&stored)
	}
	return errors.Newf(errors.ErrCodeConflictDetected, "version mismatch for %s", identity).
		WithDetail("expected_version", expected).
		WithDetail("stored_version", stored)
}

func (c *postgresConn) Delete(ctx context.Context, identity record.Identity) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE kind = $1 AND id = $2`, c.backend.table)
	stmt, err := c.stmt(ctx, query)
	if err != nil {
		return err
	}
	result, err := stmt.ExecContext(ctx, string(identity.Kind), identity.ID)
	if err != nil {
		return errors.NewError(errors.ErrCodeStorageWrite, "failed to delete record").
			WithCause(err).
			WithRetryable(true)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return errors.Newf(errors.ErrCodeRecordNotFound, "record %s not found", identity)
	}
	return nil
}

func (c *postgresConn) BatchGet(ctx context.Context, identities []record.Identity) ([]*record.Record, error) {
	out := make([]*record.Record, len(identities))
	for i, identity := range identities {
		rec, err := c.Get(ctx, identity)
		if err != nil {
			if errors.CodeOf(err) == errors.ErrCodeRecordNotFound {
				continue
			}
			return nil, err
		}
		out[i] = rec
	}
	return out, nil
}

func (c *postgresConn) BatchPut(ctx context.Context, recs []*record.Record, expectedVersions []uint64) ([]uint64, error) {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeStorageWrite, "failed to begin batch transaction").
			WithCause(err).
			WithRetryable(true)
	}
	defer func() { _ = tx.Rollback() }()

	versions := make([]uint64, len(recs))
	for i, rec := range recs {
		version, err := c.putInTx(ctx, tx, rec, expectedVersions[i])
		if err != nil {
			if engramErr, ok := err.(*errors.EngramError); ok {
				return nil, engramErr.WithDetail("batch_index", i)
			}
			return nil, err
		}
		versions[i] = version
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.NewError(errors.ErrCodeStorageWrite, "failed to commit batch").
			WithCause(err).
			WithRetryable(true)
	}
	return versions, nil
}

// putInTx mirrors Put inside the batch transaction, reusing cached plans
// through tx.StmtContext.
func (c *postgresConn) putInTx(ctx context.Context, tx *sql.Tx, rec *record.Record, expectedVersion uint64) (uint64, error) {
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	if expectedVersion == VersionAny {
		query := fmt.Sprintf(
			`INSERT INTO %s (kind, id, version, payload, updated_at)
			 VALUES ($1, $2, 1, $3, $4)
			 ON CONFLICT (kind, id) DO UPDATE
			   SET version = %s.version + 1, payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at
			 RETURNING version`,
			c.backend.table, c.backend.table)
		stmt, err := c.stmt(ctx, query)
		if err != nil {
			return 0, err
		}
		var version uint64
		if err := tx.StmtContext(ctx, stmt).QueryRowContext(ctx, string(rec.Kind), rec.ID, rec.Payload, updatedAt).Scan(&version); err != nil {
			return 0, errors.NewError(errors.ErrCodeStorageWrite, "failed to write record in batch").
				WithCause(err).
				WithRetryable(true)
		}
		return version, nil
	}

	if expectedVersion == 0 {
		query := fmt.Sprintf(
			`INSERT INTO %s (kind, id, version, payload, updated_at)
			 VALUES ($1, $2, 1, $3, $4)
			 ON CONFLICT (kind, id) DO NOTHING`,
			c.backend.table)
		stmt, err := c.stmt(ctx, query)
		if err != nil {
			return 0, err
		}
		result, err := tx.StmtContext(ctx, stmt).ExecContext(ctx, string(rec.Kind), rec.ID, rec.Payload, updatedAt)
		if err != nil {
			return 0, errors.NewError(errors.ErrCodeStorageWrite, "failed to insert record in batch").
				WithCause(err).
				WithRetryable(true)
		}
		if affected, _ := result.RowsAffected(); affected == 0 {
			return 0, errors.Newf(errors.ErrCodeConflictDetected, "version mismatch for %s", rec.Identity()).
				WithDetail("expected_version", expectedVersion)
		}
		return 1, nil
	}

	query := fmt.Sprintf(
		`UPDATE %s SET version = version + 1, payload = $3, updated_at = $4
		 WHERE kind = $1 AND id = $2 AND version = $5
		 RETURNING version`,
		c.backend.table)
	stmt, err := c.stmt(ctx, query)
	if err != nil {
		return 0, err
	}
	var version uint64
	err = tx.StmtContext(ctx, stmt).QueryRowContext(ctx, string(rec.Kind), rec.ID, rec.Payload, updatedAt, expectedVersion).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, errors.Newf(errors.ErrCodeConflictDetected, "version mismatch for %s", rec.Identity()).
			WithDetail("expected_version", expectedVersion)
	}
	if err != nil {
		return 0, errors.NewError(errors.ErrCodeStorageWrite, "failed to update record in batch").
			WithCause(err).
			WithRetryable(true)
	}
	return version, nil
}

func (c *postgresConn) RecordsSince(ctx context.Context, watermark time.Time) ([]*record.Record, error) {
	query := fmt.Sprintf(
		`SELECT kind, id, version, payload, updated_at FROM %s
		 WHERE updated_at >= $1 ORDER BY updated_at`,
		c.backend.table)
	stmt, err := c.stmt(ctx, query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.QueryContext(ctx, watermark)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeStorageRead, "failed to scan records since watermark").
			WithCause(err).
			WithRetryable(true)
	}
	defer rows.Close()

	var out []*record.Record
	for rows.Next() {
		rec := &record.Record{}
		var kind string
		if err := rows.Scan(&kind, &rec.ID, &rec.Version, &rec.Payload, &rec.UpdatedAt); err != nil {
			return nil, errors.NewError(errors.ErrCodeStorageRead, "failed to scan record row").
				WithCause(err)
		}
		rec.Kind = record.Kind(kind)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewError(errors.ErrCodeStorageRead, "record scan aborted").
			WithCause(err).
			WithRetryable(true)
	}
	return out, nil
}
