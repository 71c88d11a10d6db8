package config

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loykin/pgembed/internal/supervisor"
)

func writeFile(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "pgembed.toml", `
version = "15.4"
platform = "linux-x86_64"
port = 15432
user = "app"
auth_method = "md5"
data_dir = "data"
persistent = true
startup_timeout = "30s"
stop_timeout = "2s"
env = ["TZ=UTC", "PGOPTIONS=-c statement_timeout=0"]
history = ["sqlite://:memory:"]
log_level = "debug"

[checksums]
"linux-amd64-15.4.0" = "sha256:abcd"

[server_params]
shared_buffers = "128MB"

[log]
max_size_mb = 5

[http]
listen = "127.0.0.1:8089"
`)
	f, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if f.Port != 15432 || f.User != "app" || !f.Persistent {
		t.Fatalf("unexpected scalars: %+v", f)
	}
	if f.StartupTimeout != 30*time.Second || f.StopTimeout != 2*time.Second {
		t.Fatalf("durations: %v %v", f.StartupTimeout, f.StopTimeout)
	}
	if want := filepath.Join(filepath.Dir(path), "data"); f.DataDir != want {
		t.Fatalf("data dir %q, want %q", f.DataDir, want)
	}
	if f.Log.MaxSizeMB != 5 || f.HTTP.Listen != "127.0.0.1:8089" {
		t.Fatalf("nested tables: %+v %+v", f.Log, f.HTTP)
	}
	if f.Level() != slog.LevelDebug {
		t.Fatalf("level %v", f.Level())
	}

	cfg, closeSinks, err := f.Config(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	defer func() { _ = closeSinks() }()
	if cfg.Platform.OS != "linux" || cfg.Platform.Arch != "amd64" {
		t.Fatalf("platform %+v", cfg.Platform)
	}
	if cfg.AuthMethod != supervisor.AuthMD5 {
		t.Fatalf("auth %q", cfg.AuthMethod)
	}
	if cfg.Env["TZ"] != "UTC" || cfg.Env["PGOPTIONS"] != "-c statement_timeout=0" {
		t.Fatalf("env %v", cfg.Env)
	}
	if cfg.Checksums["linux-amd64-15.4.0"] != "sha256:abcd" || cfg.ServerParams["shared_buffers"] != "128MB" {
		t.Fatalf("maps %v %v", cfg.Checksums, cfg.ServerParams)
	}
	if len(cfg.History) != 1 {
		t.Fatalf("expected one history sink, got %d", len(cfg.History))
	}
}

func TestLoadYAMLAndJSON(t *testing.T) {
	yml := writeFile(t, "pgembed.yaml", "port: 6543\ndata_dir: /srv/pg\nserver_params:\n  fsync: \"off\"\n")
	f, err := Load(yml)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if f.Port != 6543 || f.DataDir != "/srv/pg" || f.ServerParams["fsync"] != "off" {
		t.Fatalf("yaml: %+v", f)
	}

	js := writeFile(t, "pgembed.json", `{"port": 7654, "database": "shop", "stop_timeout": "1500ms"}`)
	f, err = Load(js)
	if err != nil {
		t.Fatalf("load json: %v", err)
	}
	if f.Port != 7654 || f.Database != "shop" || f.StopTimeout != 1500*time.Millisecond {
		t.Fatalf("json: %+v", f)
	}
}

func TestLoadWithoutExtensionIsTOML(t *testing.T) {
	path := writeFile(t, "pgembedrc", "port = 9999\n")
	f, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if f.Port != 9999 {
		t.Fatalf("port %d", f.Port)
	}
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeFile(t, "pgembed.toml", "port = 1111\nuser = \"fromfile\"\n")
	t.Setenv("PGEMBED_PORT", "2222")
	t.Setenv("PGEMBED_HTTP_LISTEN", ":9000")
	f, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if f.Port != 2222 {
		t.Fatalf("env override ignored: %d", f.Port)
	}
	if f.User != "fromfile" {
		t.Fatalf("user %q", f.User)
	}
	if f.HTTP.Listen != ":9000" {
		t.Fatalf("listen %q", f.HTTP.Listen)
	}
}

func TestLoadEnvironmentOnly(t *testing.T) {
	t.Setenv("PGEMBED_DATA_DIR", "/var/lib/pgembed")
	f, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if f.DataDir != "/var/lib/pgembed" {
		t.Fatalf("data dir %q", f.DataDir)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected error for missing file")
	}
	bad := writeFile(t, "bad.toml", "port = [\n")
	if _, err := Load(bad); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestConfigRejectsBadValues(t *testing.T) {
	cases := map[string]File{
		"platform": {Platform: "plan9-mips"},
		"auth":     {AuthMethod: "trust"},
		"env":      {Env: []string{"NOEQUALS"}},
	}
	for name, f := range cases {
		t.Run(name, func(t *testing.T) {
			_, closeSinks, err := f.Config(nil)
			if !errors.Is(err, supervisor.ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
			if err := closeSinks(); err != nil {
				t.Fatalf("close: %v", err)
			}
		})
	}

	f := File{History: []string{"sqlite://:memory:", "ftp://nowhere"}}
	if _, _, err := f.Config(nil); err == nil {
		t.Fatal("expected error for unsupported history DSN")
	}
}

func TestExists(t *testing.T) {
	path := writeFile(t, "x.toml", "")
	if !Exists(path) {
		t.Fatal("file should exist")
	}
	if Exists(filepath.Dir(path)) {
		t.Fatal("directory is not a config file")
	}
}

func TestDottedKeysStayWhole(t *testing.T) {
	path := writeFile(t, "pgembed.toml", `
[server_params]
"auto_explain.log_min_duration" = "250ms"
`)
	f, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if f.ServerParams["auto_explain.log_min_duration"] != "250ms" {
		t.Fatalf("server params %v", f.ServerParams)
	}
}
