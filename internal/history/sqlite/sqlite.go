package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/pgembed/internal/history"
)

// Sink writes history events to SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// a second connection to ":memory:" would see an empty database
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS instance_history(
			id TEXT PRIMARY KEY,
			occurred_at TIMESTAMP NOT NULL,
			event TEXT NOT NULL,
			data_dir TEXT NOT NULL,
			version TEXT,
			port INTEGER NOT NULL DEFAULT 0,
			pid INTEGER NOT NULL DEFAULT 0,
			from_state TEXT,
			state TEXT NOT NULL,
			error TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_instance_history_data_dir ON instance_history(data_dir);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instance_history(id, occurred_at, event, data_dir, version, port, pid, from_state, state, error)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		e.ID, e.OccurredAt.UTC(), string(e.Type), e.DataDir, nullable(e.Version), e.Port, e.PID,
		nullable(e.From), e.State, nullable(e.Error))
	return err
}

// Events returns the journal of one data directory, oldest first.
func (s *Sink) Events(ctx context.Context, dataDir string) ([]history.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, occurred_at, event, data_dir, version, port, pid, from_state, state, error
		FROM instance_history WHERE data_dir = ? ORDER BY occurred_at, rowid;`, dataDir)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []history.Event
	for rows.Next() {
		var (
			e                     history.Event
			typ                   string
			version, from, errMsg sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.OccurredAt, &typ, &e.DataDir, &version, &e.Port, &e.PID, &from, &e.State, &errMsg); err != nil {
			return nil, err
		}
		e.Type = history.EventType(typ)
		e.Version, e.From, e.Error = version.String, from.String, errMsg.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
