package supervisor

import (
	"fmt"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/loykin/pgembed/internal/artifact"
	"github.com/loykin/pgembed/internal/history"
	"github.com/loykin/pgembed/internal/logger"
	"github.com/loykin/pgembed/internal/migrate"
	"github.com/loykin/pgembed/internal/readiness"
)

// Defaults applied by New.
const (
	DefaultVersion        = "16.2.0"
	DefaultPort           = 5432
	DefaultUser           = "postgres"
	DefaultPassword       = "postgres"
	DefaultDatabase       = "postgres"
	DefaultLocale         = "C"
	DefaultEncoding       = "UTF8"
	DefaultStartupTimeout = 15 * time.Second
	DefaultStopTimeout    = 10 * time.Second
)

// AuthMethod is the host authentication method initdb configures.
type AuthMethod string

const (
	AuthPassword    AuthMethod = "password"
	AuthMD5         AuthMethod = "md5"
	AuthScramSHA256 AuthMethod = "scram-sha-256"
)

// ParseAuthMethod accepts the initdb names plus "plain" for password.
func ParseAuthMethod(s string) (AuthMethod, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "scram", "scram-sha-256":
		return AuthScramSHA256, nil
	case "md5":
		return AuthMD5, nil
	case "plain", "password":
		return AuthPassword, nil
	}
	return "", fmt.Errorf("%w: unknown auth method %q", ErrInvalidConfig, s)
}

// Config describes one instance. Port and DataDir together identify it.
type Config struct {
	Version  string
	Platform artifact.Platform // zero value means the host
	Port     int
	User     string
	Password string
	Database string

	AuthMethod AuthMethod
	Locale     string
	Encoding   string

	DataDir    string
	CacheDir   string // defaults to the user cache dir
	InstallDir string // defaults to <CacheDir>/install
	// Persistent keeps the data directory on Close.
	Persistent bool

	StartupTimeout time.Duration
	StopTimeout    time.Duration // grace before the hard kill

	RepositoryURL       string
	Checksums           map[string]string // "os-arch-version" -> "sha256:<hex>"
	MaxDownloadAttempts int
	VerifyCache         bool

	// ServerParams become "-c key=value" server arguments.
	ServerParams map[string]string
	// Env adds to the server environment.
	Env map[string]string
	// Log controls rotation of the server output; Dir defaults to <DataDir>/log.
	Log logger.Config

	// MigrationDir is applied after every successful Start when set.
	MigrationDir string

	ReadinessProbe  readiness.Probe
	MigrationEngine migrate.EngineFactory
	HTTPClient      *http.Client
	Logger          *slog.Logger
	History         []history.Sink
}

// withDefaults fills unset fields and validates the result. It touches no
// files.
func (c Config) withDefaults() (Config, error) {
	c = c.clone()
	if c.Version == "" {
		c.Version = DefaultVersion
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.User == "" {
		c.User = DefaultUser
	}
	if c.Password == "" {
		c.Password = DefaultPassword
	}
	if c.Database == "" {
		c.Database = DefaultDatabase
	}
	if c.Locale == "" {
		c.Locale = DefaultLocale
	}
	if c.Encoding == "" {
		c.Encoding = DefaultEncoding
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = DefaultStartupTimeout
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.Logger == nil {
		c.Logger = logger.Discard()
	}
	if c.ReadinessProbe == nil {
		c.ReadinessProbe = readiness.Default()
	}

	auth, err := ParseAuthMethod(string(c.AuthMethod))
	if err != nil {
		return c, err
	}
	c.AuthMethod = auth

	if c.Port < 1 || c.Port > 65535 {
		return c, fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return c, fmt.Errorf("%w: data directory is required", ErrInvalidConfig)
	}
	if c.DataDir, err = filepath.Abs(c.DataDir); err != nil {
		return c, fmt.Errorf("%w: data directory: %w", ErrInvalidConfig, err)
	}
	if c.CacheDir == "" {
		c.CacheDir = DefaultCacheDir()
	}
	if c.CacheDir, err = filepath.Abs(c.CacheDir); err != nil {
		return c, fmt.Errorf("%w: cache directory: %w", ErrInvalidConfig, err)
	}
	if c.InstallDir == "" {
		c.InstallDir = filepath.Join(c.CacheDir, "install")
	}
	if c.Log.Dir == "" && c.Log.Path == "" {
		c.Log.Dir = filepath.Join(c.DataDir, "log")
	}
	if strings.ContainsAny(c.User, "\x00") || c.User != strings.TrimSpace(c.User) {
		return c, fmt.Errorf("%w: invalid user name %q", ErrInvalidConfig, c.User)
	}

	// resolving validates platform and version without I/O
	if _, err := artifact.Resolve(c.Platform, c.Version, c.artifactOptions()); err != nil {
		return c, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.AuthMethod == AuthScramSHA256 {
		v, err := semver.NewVersion(c.Version)
		if err == nil && v.Major() < 10 {
			return c, fmt.Errorf("%w: scram-sha-256 needs server version 10 or later", ErrInvalidConfig)
		}
	}
	return c, nil
}

// clone copies the maps and slices so callers cannot change a Config held by
// a Supervisor.
func (c Config) clone() Config {
	c.Checksums = maps.Clone(c.Checksums)
	c.ServerParams = maps.Clone(c.ServerParams)
	c.Env = maps.Clone(c.Env)
	c.History = slices.Clone(c.History)
	return c
}

// DefaultCacheDir is <user cache dir>/pgembed, falling back to the temp dir.
func DefaultCacheDir() string {
	base, err := os.UserCacheDir()
	if err != nil {
		base = os.TempDir()
	}
	return filepath.Join(base, "pgembed")
}

func (c Config) artifactOptions() artifact.Options {
	return artifact.Options{RepositoryURL: c.RepositoryURL, Checksums: c.Checksums}
}
