package migrate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loykin/pgembed/internal/logger"
	"github.com/loykin/pgembed/internal/metrics"
)

// Runner sequences migrations over an Engine.
type Runner struct {
	Factory EngineFactory // defaults to NewPgxEngine
	Logger  *slog.Logger
}

// Apply loads src, checks that already applied migrations are unchanged and
// applies the pending ones in ascending order. It returns the IDs applied by
// this call. The first failure stops the run with a *MigrationFailedError;
// earlier migrations stay applied.
func (r *Runner) Apply(ctx context.Context, uri string, src Source) ([]string, error) {
	log := r.Logger
	if log == nil {
		log = logger.Discard()
	}
	factory := r.Factory
	if factory == nil {
		factory = NewPgxEngine
	}

	loaded, err := src.Load()
	if err != nil {
		return nil, err
	}
	ordered, err := Sort(loaded)
	if err != nil {
		return nil, err
	}

	eng, err := factory(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("connect migration engine: %w", err)
	}
	defer func() { _ = eng.Close(context.WithoutCancel(ctx)) }()

	records, err := eng.Applied(ctx)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	done := make(map[string]Record, len(records))
	for _, rec := range records {
		done[rec.ID] = rec
	}

	var pending []Migration
	for _, m := range ordered {
		rec, ok := done[m.ID]
		if !ok {
			pending = append(pending, m)
			continue
		}
		if rec.Checksum != m.Checksum {
			return nil, fmt.Errorf("%w: %s was applied with checksum %s, file now has %s", ErrChecksumMismatch, m.ID, rec.Checksum, m.Checksum)
		}
		delete(done, m.ID)
	}
	for id := range done {
		log.Warn("applied migration missing from source", "id", id)
	}

	applied := make([]string, 0, len(pending))
	for _, m := range pending {
		if err := ctx.Err(); err != nil {
			metrics.IncMigrationFailed()
			metrics.AddMigrationsApplied(len(applied))
			return applied, &MigrationFailedError{MigrationID: m.ID, Cause: err, Applied: applied}
		}
		if err := eng.Apply(ctx, m); err != nil {
			metrics.IncMigrationFailed()
			metrics.AddMigrationsApplied(len(applied))
			log.Error("migration failed", "id", m.ID, "error", err)
			return applied, &MigrationFailedError{MigrationID: m.ID, Cause: err, Applied: applied}
		}
		applied = append(applied, m.ID)
		log.Info("migration applied", "id", m.ID)
	}
	metrics.AddMigrationsApplied(len(applied))
	return applied, nil
}
