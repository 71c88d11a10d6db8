package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/pgembed/internal/artifact"
	"github.com/loykin/pgembed/internal/readiness"
)

func TestNewAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	s, err := New(Config{
		DataDir:  filepath.Join(dir, "data"),
		CacheDir: filepath.Join(dir, "cache"),
		Platform: artifact.Platform{OS: "linux", Arch: "amd64"},
	})
	require.NoError(t, err)
	cfg := s.Config()
	assert.Equal(t, DefaultVersion, cfg.Version)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultUser, cfg.User)
	assert.Equal(t, DefaultDatabase, cfg.Database)
	assert.Equal(t, AuthScramSHA256, cfg.AuthMethod)
	assert.Equal(t, DefaultStartupTimeout, cfg.StartupTimeout)
	assert.Equal(t, DefaultStopTimeout, cfg.StopTimeout)
	assert.Equal(t, filepath.Join(dir, "cache", "install"), cfg.InstallDir)
	assert.Equal(t, filepath.Join(dir, "data", "log"), cfg.Log.Dir)
	assert.Equal(t, readiness.Default().Describe(), cfg.ReadinessProbe.Describe())
	assert.Equal(t, StateUninitialized, s.State())

	// no I/O before Setup
	_, err = os.Stat(filepath.Join(dir, "data"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "cache"))
	assert.True(t, os.IsNotExist(err))
}

func TestNewCopiesMapsAndSlices(t *testing.T) {
	dir := t.TempDir()
	params := map[string]string{"fsync": "off"}
	extraEnv := map[string]string{"TZ": "UTC"}
	s, err := New(Config{
		DataDir:      filepath.Join(dir, "data"),
		CacheDir:     filepath.Join(dir, "cache"),
		Platform:     artifact.Platform{OS: "linux", Arch: "amd64"},
		ServerParams: params,
		Env:          extraEnv,
	})
	require.NoError(t, err)
	args := s.serverArgs()

	params["fsync"] = "on"
	params["work_mem"] = "64MB"
	extraEnv["TZ"] = "Asia/Seoul"
	s.Config().ServerParams["shared_buffers"] = "1GB"

	assert.Equal(t, args, s.serverArgs())
	assert.Contains(t, s.serverEnv(), "TZ=UTC")
	assert.NotContains(t, s.serverEnv(), "TZ=Asia/Seoul")
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	base := func() Config {
		return Config{DataDir: dir, Platform: artifact.Platform{OS: "linux", Arch: "amd64"}}
	}
	cases := []struct {
		name   string
		mutate func(*Config)
		also   error
	}{
		{"missing data dir", func(c *Config) { c.DataDir = " " }, nil},
		{"port out of range", func(c *Config) { c.Port = 70000 }, nil},
		{"unknown auth", func(c *Config) { c.AuthMethod = "trust-me" }, nil},
		{"bad version", func(c *Config) { c.Version = "banana" }, ErrUnsupportedPlatform},
		{"unsupported platform", func(c *Config) { c.Platform = artifact.Platform{OS: "plan9", Arch: "amd64"} }, ErrUnsupportedPlatform},
		{"scram on old server", func(c *Config) { c.Version = "9.6.24" }, nil},
		{"bad pinned checksum", func(c *Config) { c.Checksums = map[string]string{"linux-amd64-16.2.0": "md5:abc"} }, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			_, err := New(cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			if tc.also != nil {
				assert.ErrorIs(t, err, tc.also)
			}
		})
	}
}

func TestParseAuthMethod(t *testing.T) {
	for in, want := range map[string]AuthMethod{
		"":              AuthScramSHA256,
		"plain":         AuthPassword,
		"PASSWORD":      AuthPassword,
		"md5":           AuthMD5,
		"scram-sha-256": AuthScramSHA256,
	} {
		got, err := ParseAuthMethod(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestTransitions(t *testing.T) {
	assert.True(t, canTransition(StateUninitialized, StateDownloaded))
	assert.True(t, canTransition(StateInitialized, StateRunning))
	assert.True(t, canTransition(StateRunning, StateStopped))
	assert.True(t, canTransition(StateStopped, StateRunning))
	assert.True(t, canTransition(StateRunning, StateFailed))
	assert.False(t, canTransition(StateUninitialized, StateRunning))
	assert.False(t, canTransition(StateRunning, StateUninitialized))
	assert.False(t, canTransition(StateFailed, StateUninitialized))
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestOperationsBeforeStart(t *testing.T) {
	s, err := New(Config{DataDir: t.TempDir(), Platform: artifact.Platform{OS: "linux", Arch: "amd64"}})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, StateUninitialized, s.State())
	_, err = s.ConnectionURI()
	assert.True(t, errors.Is(err, ErrNotRunning))
	require.NoError(t, s.Clean(ctx))
	assert.Equal(t, "uninitialized", s.Status().State)
}

func TestStopExternalWithoutServer(t *testing.T) {
	require.NoError(t, StopExternal(context.Background(), t.TempDir(), 0))
	_, ok, err := FindExternal(t.TempDir())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFindExternalIgnoresStalePIDFile(t *testing.T) {
	dir := t.TempDir()
	pgdata := filepath.Join(dir, pgdataName)
	require.NoError(t, os.MkdirAll(pgdata, 0o700))
	// pid far above any pid_max
	require.NoError(t, os.WriteFile(filepath.Join(pgdata, "postmaster.pid"), []byte("99999999\n"+pgdata+"\n0\n5432\n"), 0o600))
	_, ok, err := FindExternal(dir)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDefaultCacheDir(t *testing.T) {
	assert.Equal(t, "pgembed", filepath.Base(DefaultCacheDir()))
}
