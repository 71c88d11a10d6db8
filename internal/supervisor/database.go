package supervisor

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/loykin/pgembed/internal/history"
	"github.com/loykin/pgembed/internal/migrate"
)

// RunMigrations applies the pending migrations of src to the configured
// database and returns the IDs applied by this call. A failing migration
// stops the run with a *migrate.MigrationFailedError.
func (s *Supervisor) RunMigrations(ctx context.Context, src migrate.Source) ([]string, error) {
	var applied []string
	err := s.withLock(ctx, func(ctx context.Context) error {
		if s.State() != StateRunning {
			return ErrNotRunning
		}
		var err error
		applied, err = s.runner.Apply(ctx, s.uri(s.cfg.Database), src)

		e := history.NewEvent(history.EventMigrate, s.cfg.DataDir, StateRunning.String())
		e.Version = s.artifact.Key.Version
		e.Port = s.cfg.Port
		if err != nil {
			e.Error = err.Error()
		}
		s.record(ctx, e)

		if errors.Is(err, migrate.ErrChecksumMismatch) {
			return fmt.Errorf("%w: %w", ErrChecksumMismatch, err)
		}
		return err
	})
	return applied, err
}

// CreateDatabase creates database name owned by the configured user.
func (s *Supervisor) CreateDatabase(ctx context.Context, name string) error {
	return s.admin(ctx, func(conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{name}.Sanitize())
		return err
	})
}

// DropDatabase drops database name if it exists.
func (s *Supervisor) DropDatabase(ctx context.Context, name string) error {
	return s.admin(ctx, func(conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, "DROP DATABASE IF EXISTS "+pgx.Identifier{name}.Sanitize())
		return err
	})
}

// DatabaseExists reports whether database name exists.
func (s *Supervisor) DatabaseExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.admin(ctx, func(conn *pgx.Conn) error {
		return conn.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)", name).Scan(&exists)
	})
	return exists, err
}

// admin runs fn on a connection to the maintenance database.
func (s *Supervisor) admin(ctx context.Context, fn func(*pgx.Conn) error) error {
	if s.State() != StateRunning {
		return ErrNotRunning
	}
	conn, err := pgx.Connect(ctx, s.uri(DefaultDatabase))
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() { _ = conn.Close(context.WithoutCancel(ctx)) }()
	return fn(conn)
}
