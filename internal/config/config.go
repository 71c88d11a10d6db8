// Package config reads instance definitions from TOML, YAML or JSON files
// for the command line tool.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/pgembed/internal/artifact"
	"github.com/loykin/pgembed/internal/history"
	"github.com/loykin/pgembed/internal/history/factory"
	"github.com/loykin/pgembed/internal/logger"
	"github.com/loykin/pgembed/internal/supervisor"
)

// EnvPrefix prefixes the environment overrides, e.g. PGEMBED_PORT.
const EnvPrefix = "PGEMBED"

// keyDelimiter replaces viper's "." so checksum keys such as
// "linux-amd64-16.2.0" and dotted server parameters stay whole.
const keyDelimiter = "::"

// File mirrors the on-disk layout.
type File struct {
	Version  string `mapstructure:"version"`
	Platform string `mapstructure:"platform"` // "os-arch", empty for the host
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`

	AuthMethod string `mapstructure:"auth_method"`
	Locale     string `mapstructure:"locale"`
	Encoding   string `mapstructure:"encoding"`

	DataDir    string `mapstructure:"data_dir"`
	CacheDir   string `mapstructure:"cache_dir"`
	InstallDir string `mapstructure:"install_dir"`
	Persistent bool   `mapstructure:"persistent"`

	StartupTimeout time.Duration `mapstructure:"startup_timeout"`
	StopTimeout    time.Duration `mapstructure:"stop_timeout"`

	RepositoryURL       string            `mapstructure:"repository_url"`
	Checksums           map[string]string `mapstructure:"checksums"`
	MaxDownloadAttempts int               `mapstructure:"max_download_attempts"`
	VerifyCache         bool              `mapstructure:"verify_cache"`

	ServerParams map[string]string `mapstructure:"server_params"`
	// Env holds KEY=VALUE pairs; a list keeps the key case intact.
	Env []string `mapstructure:"env"`

	Log          logger.Config `mapstructure:"log"`
	LogLevel     string        `mapstructure:"log_level"`
	MigrationDir string        `mapstructure:"migration_dir"`
	// History lists sink DSNs, see factory.NewSinkFromDSN.
	History []string `mapstructure:"history"`

	HTTP HTTPConfig `mapstructure:"http"`
}

// HTTPConfig configures the status endpoint of "pgembed run".
type HTTPConfig struct {
	Listen string `mapstructure:"listen"`
}

// envKeys may be overridden from the environment.
var envKeys = []string{
	"version", "platform", "port", "user", "password", "database",
	"auth_method", "data_dir", "cache_dir", "install_dir", "persistent",
	"startup_timeout", "stop_timeout", "repository_url", "migration_dir",
	"log_level", "http" + keyDelimiter + "listen",
}

// Load reads path and applies PGEMBED_* overrides. An empty path reads the
// environment only. Relative directories in the file are taken relative to
// the file.
func Load(path string) (*File, error) {
	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(keyDelimiter, "_"))
	for _, k := range envKeys {
		if err := v.BindEnv(k); err != nil {
			return nil, err
		}
	}

	base := ""
	if path != "" {
		v.SetConfigFile(path)
		if filepath.Ext(path) == "" {
			v.SetConfigType("toml")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, err
		}
		base = filepath.Dir(abs)
	}

	var f File
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if base != "" {
		for _, p := range []*string{&f.DataDir, &f.CacheDir, &f.InstallDir, &f.MigrationDir, &f.Log.Dir, &f.Log.Path} {
			*p = relativeTo(base, *p)
		}
	}
	return &f, nil
}

func relativeTo(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// Level is the parsed log_level, info when unset.
func (f *File) Level() slog.Level {
	return logger.ParseLevel(f.LogLevel)
}

// Config converts f into an instance configuration and opens the history
// sinks. The returned closer releases the sinks.
func (f *File) Config(log *slog.Logger) (supervisor.Config, func() error, error) {
	noop := func() error { return nil }

	var plat artifact.Platform
	if f.Platform != "" {
		p, err := artifact.ParsePlatform(f.Platform)
		if err != nil {
			return supervisor.Config{}, noop, fmt.Errorf("%w: %w", supervisor.ErrInvalidConfig, err)
		}
		plat = p
	}
	auth, err := supervisor.ParseAuthMethod(f.AuthMethod)
	if err != nil {
		return supervisor.Config{}, noop, err
	}
	env, err := parseEnv(f.Env)
	if err != nil {
		return supervisor.Config{}, noop, err
	}

	sinks := make([]history.Sink, 0, len(f.History))
	var closers []io.Closer
	closeAll := func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c.Close())
		}
		return errors.Join(errs...)
	}
	for _, dsn := range f.History {
		s, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			_ = closeAll()
			return supervisor.Config{}, noop, fmt.Errorf("history sink %q: %w", dsn, err)
		}
		sinks = append(sinks, s)
		if c, ok := s.(io.Closer); ok {
			closers = append(closers, c)
		}
	}

	cfg := supervisor.Config{
		Version:             f.Version,
		Platform:            plat,
		Port:                f.Port,
		User:                f.User,
		Password:            f.Password,
		Database:            f.Database,
		AuthMethod:          auth,
		Locale:              f.Locale,
		Encoding:            f.Encoding,
		DataDir:             f.DataDir,
		CacheDir:            f.CacheDir,
		InstallDir:          f.InstallDir,
		Persistent:          f.Persistent,
		StartupTimeout:      f.StartupTimeout,
		StopTimeout:         f.StopTimeout,
		RepositoryURL:       f.RepositoryURL,
		Checksums:           f.Checksums,
		MaxDownloadAttempts: f.MaxDownloadAttempts,
		VerifyCache:         f.VerifyCache,
		ServerParams:        f.ServerParams,
		Env:                 env,
		Log:                 f.Log,
		MigrationDir:        f.MigrationDir,
		Logger:              log,
		History:             sinks,
	}
	return cfg, closeAll, nil
}

func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	m := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		k, v, ok := strings.Cut(kv, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("%w: env entry %q is not KEY=VALUE", supervisor.ErrInvalidConfig, kv)
		}
		m[k] = v
	}
	return m, nil
}

// Exists reports whether path names a readable file.
func Exists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
