package migrate

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// TableName holds the bookkeeping rows.
const TableName = "pgembed_schema_migrations"

// PgxEngine runs migrations over a single pgx connection.
type PgxEngine struct {
	conn *pgx.Conn
}

// NewPgxEngine connects to uri and makes sure the bookkeeping table exists.
func NewPgxEngine(ctx context.Context, uri string) (Engine, error) {
	conn, err := pgx.Connect(ctx, uri)
	if err != nil {
		return nil, err
	}
	_, err = conn.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+TableName+` (
		id TEXT PRIMARY KEY,
		version BIGINT NOT NULL,
		checksum TEXT NOT NULL,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	if err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("create %s: %w", TableName, err)
	}
	return &PgxEngine{conn: conn}, nil
}

func (e *PgxEngine) Applied(ctx context.Context) ([]Record, error) {
	rows, err := e.conn.Query(ctx, `SELECT id, version, checksum, applied_at FROM `+TableName+` ORDER BY version, id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var r Record
		err := row.Scan(&r.ID, &r.Version, &r.Checksum, &r.AppliedAt)
		return r, err
	})
}

// Apply executes the migration body and inserts its row in one transaction.
// The body goes over the simple protocol so files may hold several
// statements.
func (e *PgxEngine) Apply(ctx context.Context, m Migration) error {
	return pgx.BeginFunc(ctx, e.conn, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, m.SQL); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `INSERT INTO `+TableName+` (id, version, checksum) VALUES ($1, $2, $3)`, m.ID, m.Version, m.Checksum)
		return err
	})
}

func (e *PgxEngine) Close(ctx context.Context) error {
	return e.conn.Close(ctx)
}
