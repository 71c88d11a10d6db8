// Package migrate applies ordered SQL migrations to a running server and
// records them in a bookkeeping table so each one runs exactly once.
package migrate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrChecksumMismatch reports an applied migration whose file changed since.
var ErrChecksumMismatch = errors.New("migration checksum mismatch")

// Migration is one SQL file.
type Migration struct {
	ID       string // file stem, e.g. "0002_add_users"
	Version  int64  // numeric prefix of ID, 0 when absent
	SQL      string
	Checksum string // sha256 hex of SQL
}

// Record is a migration the engine reports as applied.
type Record struct {
	ID        string
	Version   int64
	Checksum  string
	AppliedAt time.Time
}

//go:generate mockgen -destination=mocks/mock_engine.go -package=mocks github.com/loykin/pgembed/internal/migrate Engine

// Engine executes migrations against one database. Apply must run the
// migration and its bookkeeping atomically.
type Engine interface {
	Applied(ctx context.Context) ([]Record, error)
	Apply(ctx context.Context, m Migration) error
	Close(ctx context.Context) error
}

// EngineFactory connects an Engine to the database at uri.
type EngineFactory func(ctx context.Context, uri string) (Engine, error)

// MigrationFailedError stops a run. Applied lists what this run applied
// before the failure; those are not rolled back.
type MigrationFailedError struct {
	MigrationID string
	Cause       error
	Applied     []string
}

func (e *MigrationFailedError) Error() string {
	return fmt.Sprintf("migration %s failed after %d applied: %v", e.MigrationID, len(e.Applied), e.Cause)
}

func (e *MigrationFailedError) Unwrap() error { return e.Cause }

// newMigration builds a Migration from a file name and its content.
// Down migrations ("*.down.sql") are reported as skip.
func newMigration(name string, body []byte) (m Migration, skip bool, err error) {
	lower := strings.ToLower(name)
	if !strings.HasSuffix(lower, ".sql") || strings.HasSuffix(lower, ".down.sql") {
		return Migration{}, true, nil
	}
	id := name[:len(name)-len(".sql")]
	id = strings.TrimSuffix(id, ".up")
	if id == "" {
		return Migration{}, false, fmt.Errorf("migration file %q has no name", name)
	}
	sum := sha256.Sum256(body)
	return Migration{
		ID:       id,
		Version:  parseVersion(id),
		SQL:      string(body),
		Checksum: hex.EncodeToString(sum[:]),
	}, false, nil
}

// parseVersion reads the leading digits of id.
func parseVersion(id string) int64 {
	end := 0
	for end < len(id) && id[end] >= '0' && id[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}
	v, err := strconv.ParseInt(id[:end], 10, 64)
	if err != nil {
		return 0
	}
	return v
}
