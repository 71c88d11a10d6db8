// Package pgembed downloads, initializes and supervises a local PostgreSQL
// server for tests and embedded use.
//
//	inst, err := pgembed.New(pgembed.Config{DataDir: dir, Port: 15432})
//	if err != nil { ... }
//	defer inst.Close(context.Background())
//	desc, err := inst.Start(ctx)
package pgembed

import (
	"context"
	"io/fs"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/pgembed/internal/artifact"
	"github.com/loykin/pgembed/internal/config"
	"github.com/loykin/pgembed/internal/history"
	"github.com/loykin/pgembed/internal/history/factory"
	"github.com/loykin/pgembed/internal/metrics"
	"github.com/loykin/pgembed/internal/migrate"
	"github.com/loykin/pgembed/internal/readiness"
	"github.com/loykin/pgembed/internal/supervisor"
)

// Re-export core types for external consumers.

type Config = supervisor.Config

type ConnectionDescriptor = supervisor.ConnectionDescriptor

type State = supervisor.State

type Status = supervisor.Status

type AuthMethod = supervisor.AuthMethod

type Platform = artifact.Platform

type CacheEntry = artifact.Entry

type MigrationSource = migrate.Source

type MigrationFailedError = migrate.MigrationFailedError

type HistorySink = history.Sink

type HistoryEvent = history.Event

type ReadinessProbe = readiness.Probe

// Readiness probes for Config.ReadinessProbe; combine them with AllProbes.
type (
	PostmasterProbe = readiness.PostmasterProbe
	TCPProbe        = readiness.TCPProbe
	PingProbe       = readiness.PingProbe
	LogProbe        = readiness.LogProbe
	CommandProbe    = readiness.CommandProbe
)

type FileConfig = config.File

type ExternalServer = supervisor.External

const (
	StateUninitialized = supervisor.StateUninitialized
	StateDownloaded    = supervisor.StateDownloaded
	StateExtracted     = supervisor.StateExtracted
	StateInitialized   = supervisor.StateInitialized
	StateRunning       = supervisor.StateRunning
	StateStopped       = supervisor.StateStopped
	StateFailed        = supervisor.StateFailed
)

const (
	AuthPassword    = supervisor.AuthPassword
	AuthMD5         = supervisor.AuthMD5
	AuthScramSHA256 = supervisor.AuthScramSHA256
)

var (
	ErrUnsupportedPlatform  = supervisor.ErrUnsupportedPlatform
	ErrDownloadFailed       = supervisor.ErrDownloadFailed
	ErrChecksumMismatch     = supervisor.ErrChecksumMismatch
	ErrExtractionFailed     = supervisor.ErrExtractionFailed
	ErrInitializationFailed = supervisor.ErrInitializationFailed
	ErrPortInUse            = supervisor.ErrPortInUse
	ErrProcessSpawnFailed   = supervisor.ErrProcessSpawnFailed
	ErrReadinessTimeout     = supervisor.ErrReadinessTimeout
	ErrAlreadyRunning       = supervisor.ErrAlreadyRunning
	ErrLockContention       = supervisor.ErrLockContention
	ErrNotRunning           = supervisor.ErrNotRunning
	ErrInvalidConfig        = supervisor.ErrInvalidConfig
	ErrFailed               = supervisor.ErrFailed
)

// Instance is a thin facade over one supervised server.
type Instance struct{ inner *supervisor.Supervisor }

// New validates cfg and applies defaults. It does no I/O.
func New(cfg Config) (*Instance, error) {
	s, err := supervisor.New(cfg)
	if err != nil {
		return nil, err
	}
	return &Instance{inner: s}, nil
}

func (i *Instance) Setup(ctx context.Context) error { return i.inner.Setup(ctx) }
func (i *Instance) Start(ctx context.Context) (ConnectionDescriptor, error) {
	return i.inner.Start(ctx)
}
func (i *Instance) Stop(ctx context.Context) error  { return i.inner.Stop(ctx) }
func (i *Instance) Clean(ctx context.Context) error { return i.inner.Clean(ctx) }
func (i *Instance) Close(ctx context.Context) error { return i.inner.Close(ctx) }
func (i *Instance) RunMigrations(ctx context.Context, src MigrationSource) ([]string, error) {
	return i.inner.RunMigrations(ctx, src)
}
func (i *Instance) ConnectionURI() (string, error)          { return i.inner.ConnectionURI() }
func (i *Instance) DatabaseURI(name string) (string, error) { return i.inner.DatabaseURI(name) }
func (i *Instance) CreateDatabase(ctx context.Context, name string) error {
	return i.inner.CreateDatabase(ctx, name)
}
func (i *Instance) DropDatabase(ctx context.Context, name string) error {
	return i.inner.DropDatabase(ctx, name)
}
func (i *Instance) DatabaseExists(ctx context.Context, name string) (bool, error) {
	return i.inner.DatabaseExists(ctx, name)
}
func (i *Instance) State() State   { return i.inner.State() }
func (i *Instance) Status() Status { return i.inner.Status() }
func (i *Instance) Config() Config { return i.inner.Config() }

// Helpers

func DirSource(dir string) MigrationSource           { return migrate.DirSource(dir) }
func FSSource(fsys fs.FS) MigrationSource            { return migrate.FSSource(fsys) }
func FilesSource(paths ...string) MigrationSource    { return migrate.FilesSource(paths...) }
func ParsePlatform(s string) (Platform, error)       { return artifact.ParsePlatform(s) }
func ParseAuthMethod(s string) (AuthMethod, error)   { return supervisor.ParseAuthMethod(s) }
func LoadConfig(path string) (*FileConfig, error)    { return config.Load(path) }
func NewHistorySink(dsn string) (HistorySink, error) { return factory.NewSinkFromDSN(dsn) }
func RegisterMetrics(r prometheus.Registerer) error  { return metrics.Register(r) }
func RegisterMetricsDefault() error                  { return metrics.Register(prometheus.DefaultRegisterer) }

// StopExternal stops a server started by another process from the pid file
// in dataDir, escalating to a kill after grace.
func StopExternal(ctx context.Context, dataDir string, grace time.Duration) error {
	return supervisor.StopExternal(ctx, dataDir, grace)
}

// AllProbes is ready once every probe is.
func AllProbes(probes ...ReadinessProbe) ReadinessProbe { return readiness.All(probes...) }

// FindExternal reports a live server another process started in dataDir.
func FindExternal(dataDir string) (ExternalServer, bool, error) {
	return supervisor.FindExternal(dataDir)
}

// DefaultCacheDir is where archives are cached when Config.CacheDir is unset.
func DefaultCacheDir() string { return supervisor.DefaultCacheDir() }

// CachedArtifacts lists the verified archives under cacheDir.
func CachedArtifacts(cacheDir string) ([]CacheEntry, error) {
	return artifact.NewCache(cacheDir, nil, nil, nil).Entries()
}

// PurgeCache deletes every cached archive under cacheDir.
func PurgeCache(cacheDir string) error {
	return artifact.NewCache(cacheDir, nil, nil, nil).Purge()
}
