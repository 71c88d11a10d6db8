package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/loykin/pgembed"
	"github.com/loykin/pgembed/internal/config"
	"github.com/loykin/pgembed/internal/logger"
	"github.com/loykin/pgembed/internal/migrate"
	"github.com/loykin/pgembed/internal/readiness"
	"github.com/loykin/pgembed/internal/server"
)

// defaultConfigFile is picked up from the working directory when --config
// is not given.
const defaultConfigFile = "pgembed.toml"

type command struct {
	flags *GlobalFlags
}

// load reads the config file and applies the command line overrides.
func (c command) load(cmd *cobra.Command) (*pgembed.FileConfig, error) {
	path := c.flags.ConfigPath
	if path == "" && config.Exists(defaultConfigFile) {
		path = defaultConfigFile
	}
	f, err := pgembed.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	if changed(cmd, "data-dir") {
		f.DataDir = c.flags.DataDir
	}
	if changed(cmd, "cache-dir") {
		f.CacheDir = c.flags.CacheDir
	}
	if changed(cmd, "port") {
		f.Port = c.flags.Port
	}
	if changed(cmd, "pg-version") {
		f.Version = c.flags.PGVersion
	}
	if changed(cmd, "log-level") {
		f.LogLevel = c.flags.LogLevel
	}
	return f, nil
}

func (c command) logger(cmd *cobra.Command, f *pgembed.FileConfig) *slog.Logger {
	return logger.New(cmd.ErrOrStderr(), f.Level(), c.flags.Color)
}

// instance builds an Instance from the merged configuration. tweak may
// adjust the config before validation.
func (c command) instance(cmd *cobra.Command, tweak func(*pgembed.Config)) (*pgembed.Instance, *pgembed.FileConfig, func() error, error) {
	f, err := c.load(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	cfg, closeSinks, err := f.Config(c.logger(cmd, f))
	if err != nil {
		return nil, nil, nil, err
	}
	if tweak != nil {
		tweak(&cfg)
	}
	inst, err := pgembed.New(cfg)
	if err != nil {
		_ = closeSinks()
		return nil, nil, nil, err
	}
	return inst, f, closeSinks, nil
}

func (c command) Setup(cmd *cobra.Command) error {
	inst, _, closeSinks, err := c.instance(cmd, nil)
	if err != nil {
		return err
	}
	defer func() { _ = closeSinks() }()
	if err := inst.Setup(cmd.Context()); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), inst.Status())
}

// connectionInfo is what start and run print.
type connectionInfo struct {
	pgembed.ConnectionDescriptor
	URI string `json:"uri"`
	PID int    `json:"pid"`
}

func (c command) Start(cmd *cobra.Command) error {
	inst, _, closeSinks, err := c.instance(cmd, func(cfg *pgembed.Config) {
		cfg.Persistent = true
		// the server outlives us, so it has to write its own log files
		if cfg.ServerParams == nil {
			cfg.ServerParams = map[string]string{}
		}
		if _, ok := cfg.ServerParams["logging_collector"]; !ok {
			cfg.ServerParams["logging_collector"] = "on"
		}
	})
	if err != nil {
		return err
	}
	defer func() { _ = closeSinks() }()

	desc, err := inst.Start(cmd.Context())
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), connectionInfo{ConnectionDescriptor: desc, URI: desc.URI, PID: inst.Status().PID})
}

func (c command) Run(cmd *cobra.Command, flags RunFlags) error {
	inst, f, closeSinks, err := c.instance(cmd, func(cfg *pgembed.Config) {
		if flags.MigrationDir != "" {
			cfg.MigrationDir = flags.MigrationDir
		}
		if flags.Persistent {
			cfg.Persistent = true
		}
	})
	if err != nil {
		return err
	}
	defer func() { _ = closeSinks() }()
	log := c.logger(cmd, f)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := pgembed.RegisterMetricsDefault(); err != nil {
		return err
	}

	shutdown := func() error {
		cctx, cancel := context.WithTimeout(context.Background(), inst.Config().StopTimeout+30*time.Second)
		defer cancel()
		return inst.Close(cctx)
	}

	desc, err := inst.Start(ctx)
	if err != nil {
		return errors.Join(err, shutdown())
	}

	listen := f.HTTP.Listen
	if flags.HTTPListen != "" {
		listen = flags.HTTPListen
	}
	if listen != "" {
		srv, err := server.NewServer(listen, "", inst)
		if err != nil {
			return errors.Join(fmt.Errorf("listen %s: %w", listen, err), shutdown())
		}
		log.Info("status endpoint listening", "addr", srv.Addr())
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	if err := printJSON(cmd.OutOrStdout(), connectionInfo{ConnectionDescriptor: desc, URI: desc.URI, PID: inst.Status().PID}); err != nil {
		return errors.Join(err, shutdown())
	}
	log.Info("server running; interrupt to stop", "port", desc.Port, "data_dir", inst.Config().DataDir)
	<-ctx.Done()
	log.Info("shutting down")
	return shutdown()
}

func (c command) dataDir(cmd *cobra.Command) (*pgembed.FileConfig, string, error) {
	f, err := c.load(cmd)
	if err != nil {
		return nil, "", err
	}
	if f.DataDir == "" {
		return nil, "", fmt.Errorf("%w: data directory is required", pgembed.ErrInvalidConfig)
	}
	dir, err := filepath.Abs(f.DataDir)
	return f, dir, err
}

func (c command) Stop(cmd *cobra.Command, flags StopFlags) error {
	_, dir, err := c.dataDir(cmd)
	if err != nil {
		return err
	}
	return pgembed.StopExternal(cmd.Context(), dir, flags.Grace)
}

func (c command) Clean(cmd *cobra.Command) error {
	inst, _, closeSinks, err := c.instance(cmd, nil)
	if err != nil {
		return err
	}
	defer func() { _ = closeSinks() }()
	return inst.Clean(cmd.Context())
}

func (c command) Migrate(cmd *cobra.Command, flags MigrateFlags) error {
	inst, f, closeSinks, err := c.instance(cmd, nil)
	if err != nil {
		return err
	}
	defer func() { _ = closeSinks() }()

	dir := flags.Dir
	if dir == "" {
		dir = f.MigrationDir
	}
	if dir == "" {
		return fmt.Errorf("%w: no migration directory, pass --dir or set migration_dir", pgembed.ErrInvalidConfig)
	}
	cfg := inst.Config()
	ext, ok, err := pgembed.FindExternal(cfg.DataDir)
	if err != nil {
		return err
	}
	if !ok || !ext.Ready {
		return fmt.Errorf("%w: no server in %s", pgembed.ErrNotRunning, cfg.DataDir)
	}
	uri := readiness.URI(readiness.Target{
		Host:     "localhost",
		Port:     ext.Port,
		User:     cfg.User,
		Password: cfg.Password,
		Database: cfg.Database,
	})
	runner := migrate.Runner{Logger: c.logger(cmd, f)}
	applied, err := runner.Apply(cmd.Context(), uri, pgembed.DirSource(dir))
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), map[string]any{"applied": applied})
}

func (c command) cacheDir(f *pgembed.FileConfig) string {
	if f.CacheDir != "" {
		return f.CacheDir
	}
	return pgembed.DefaultCacheDir()
}

func (c command) Purge(cmd *cobra.Command) error {
	f, err := c.load(cmd)
	if err != nil {
		return err
	}
	dir := c.cacheDir(f)
	entries, err := pgembed.CachedArtifacts(dir)
	if err != nil {
		return err
	}
	var total int64
	for _, e := range entries {
		total += e.Size
	}
	if err := pgembed.PurgeCache(dir); err != nil {
		return err
	}
	c.logger(cmd, f).Info("cache purged", "dir", dir, "archives", len(entries), "freed", humanize.Bytes(uint64(total)))
	return nil
}

// statusReport is printed by the status command.
type statusReport struct {
	DataDir  string                  `json:"data_dir,omitempty"`
	Running  bool                    `json:"running"`
	Server   *pgembed.ExternalServer `json:"server,omitempty"`
	CacheDir string                  `json:"cache_dir"`
	Cached   []cachedArchive         `json:"cached"`
}

type cachedArchive struct {
	Key       string    `json:"key"`
	Size      string    `json:"size"`
	FetchedAt time.Time `json:"fetched_at"`
}

func (c command) Status(cmd *cobra.Command) error {
	f, err := c.load(cmd)
	if err != nil {
		return err
	}
	rep := statusReport{CacheDir: c.cacheDir(f), Cached: []cachedArchive{}}
	if f.DataDir != "" {
		if rep.DataDir, err = filepath.Abs(f.DataDir); err != nil {
			return err
		}
		ext, ok, err := pgembed.FindExternal(rep.DataDir)
		if err != nil {
			return err
		}
		if ok {
			rep.Running, rep.Server = true, &ext
		}
	}
	entries, err := pgembed.CachedArtifacts(rep.CacheDir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		rep.Cached = append(rep.Cached, cachedArchive{
			Key:       e.Key.String(),
			Size:      humanize.Bytes(uint64(e.Size)),
			FetchedAt: e.FetchedAt,
		})
	}
	return printJSON(cmd.OutOrStdout(), rep)
}
