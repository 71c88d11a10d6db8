// Package supervisor drives one embedded PostgreSQL instance through its
// lifecycle: fetch the server archive, install it, initialize the data
// directory, run the server and tear it down again. Every mutation of a data
// directory is serialized in-process and across processes.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/loykin/pgembed/internal/archive"
	"github.com/loykin/pgembed/internal/artifact"
	"github.com/loykin/pgembed/internal/lock"
	"github.com/loykin/pgembed/internal/metrics"
	"github.com/loykin/pgembed/internal/migrate"
	"github.com/loykin/pgembed/internal/process"
)

const (
	pgdataName      = "pgdata"
	initMarkerName  = ".pgembed-initialized"
	lockFileName    = ".pgembed.lock"
	pwfileName      = ".pgembed.pwfile"
	socketDirName   = "run"
	readinessPeriod = 100 * time.Millisecond
	cleanupTimeout  = 30 * time.Second
)

// sharedGuard serializes lifecycle operations of every Supervisor in this
// process, so two instances pointed at one data directory exclude each other
// even before the file lock is consulted.
var sharedGuard = lock.NewGuard()

// ConnectionDescriptor tells a client how to reach a running instance.
type ConnectionDescriptor struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"-"`
	Database string `json:"database"`
	URI      string `json:"-"`
}

// Supervisor owns one instance. It is safe for concurrent use.
type Supervisor struct {
	cfg      Config
	log      *slog.Logger
	guard    *lock.Guard
	cache    *artifact.Cache
	artifact artifact.Artifact
	exec     process.Executor
	runner   *migrate.Runner

	mu      sync.Mutex
	state   State
	failErr error
	install archive.Installation
	proc    *process.Process
	handle  process.Handle
}

// New validates cfg and returns a Supervisor in the uninitialized state. It
// performs no I/O.
func New(cfg Config) (*Supervisor, error) {
	cfg, err := cfg.withDefaults()
	if err != nil {
		return nil, err
	}
	a, err := artifact.Resolve(cfg.Platform, cfg.Version, cfg.artifactOptions())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	log := cfg.Logger.With("data_dir", cfg.DataDir, "port", cfg.Port)
	d := &artifact.Downloader{
		Client:      cfg.HTTPClient,
		MaxAttempts: cfg.MaxDownloadAttempts,
		Logger:      log,
	}
	cache := artifact.NewCache(cfg.CacheDir, d, sharedGuard, log)
	cache.VerifyOnLookup = cfg.VerifyCache
	return &Supervisor{
		cfg:      cfg,
		log:      log,
		guard:    sharedGuard,
		cache:    cache,
		artifact: a,
		exec:     process.OSExecutor{},
		runner:   &migrate.Runner{Factory: cfg.MigrationEngine, Logger: log},
	}, nil
}

// Config returns the effective configuration, defaults applied.
func (s *Supervisor) Config() Config { return s.cfg.clone() }

func (s *Supervisor) pgdata() string     { return filepath.Join(s.cfg.DataDir, pgdataName) }
func (s *Supervisor) initMarker() string { return filepath.Join(s.cfg.DataDir, initMarkerName) }
func (s *Supervisor) lockFile() string   { return filepath.Join(s.cfg.DataDir, lockFileName) }
func (s *Supervisor) socketDir() string  { return filepath.Join(s.cfg.DataDir, socketDirName) }
func (s *Supervisor) pidFile() string    { return filepath.Join(s.pgdata(), "postmaster.pid") }

func (s *Supervisor) installDir() string {
	return filepath.Join(s.cfg.InstallDir, s.artifact.Key.String())
}

// withLock runs fn under the data directory guard. Once the instance failed,
// fn is not run at all.
func (s *Supervisor) withLock(ctx context.Context, fn func(context.Context) error) error {
	if err := s.failed(); err != nil {
		return err
	}
	return s.guard.WithLock(ctx, "data:"+s.cfg.DataDir, s.lockFile(), func(ctx context.Context) error {
		if err := s.failed(); err != nil {
			return err
		}
		return fn(ctx)
	})
}

// fail moves to the failed state when err is terminal and returns err.
func (s *Supervisor) fail(ctx context.Context, err error) error {
	if err != nil && terminal(err) {
		s.setState(ctx, StateFailed, err)
		s.log.Error("instance failed", "error", err)
	}
	return err
}

func (s *Supervisor) failed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateFailed {
		return fmt.Errorf("%w: %w", ErrFailed, s.failErr)
	}
	return nil
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status is a point-in-time view of the instance.
type Status struct {
	State     string         `json:"state"`
	DataDir   string         `json:"data_dir"`
	Port      int            `json:"port"`
	Version   string         `json:"version"`
	PID       int            `json:"pid,omitempty"`
	StartedAt time.Time      `json:"started_at,omitempty"`
	LogPath   string         `json:"log_path,omitempty"`
	Error     string         `json:"error,omitempty"`
	Usage     *metrics.Usage `json:"usage,omitempty"`
}

// Status snapshots the instance. Resource usage is sampled when running.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	st := Status{
		State:   s.state.String(),
		DataDir: s.cfg.DataDir,
		Port:    s.cfg.Port,
		Version: s.artifact.Key.Version,
	}
	if s.state == StateRunning {
		st.PID = s.handle.PID
		st.StartedAt = s.handle.StartedAt
		st.LogPath = s.handle.LogPath
	}
	if s.failErr != nil {
		st.Error = s.failErr.Error()
	}
	s.mu.Unlock()

	if st.PID != 0 {
		if u, err := metrics.Sample(st.PID); err == nil {
			st.Usage = &u
		}
	}
	return st
}

// ConnectionURI returns the URI of the configured database.
func (s *Supervisor) ConnectionURI() (string, error) {
	return s.DatabaseURI(s.cfg.Database)
}

// DatabaseURI returns the URI of database name on the running server.
func (s *Supervisor) DatabaseURI(name string) (string, error) {
	if s.State() != StateRunning {
		return "", ErrNotRunning
	}
	return s.uri(name), nil
}

func (s *Supervisor) uri(db string) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(s.cfg.User, s.cfg.Password),
		Host:   "localhost:" + strconv.Itoa(s.cfg.Port),
		Path:   "/" + db,
	}
	return u.String()
}

func (s *Supervisor) descriptor() ConnectionDescriptor {
	return ConnectionDescriptor{
		Host:     "localhost",
		Port:     s.cfg.Port,
		User:     s.cfg.User,
		Password: s.cfg.Password,
		Database: s.cfg.Database,
		URI:      s.uri(s.cfg.Database),
	}
}
