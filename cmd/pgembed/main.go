package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags are shared by every subcommand and override the config file.
type GlobalFlags struct {
	ConfigPath string
	DataDir    string
	CacheDir   string
	Port       int
	PGVersion  string
	LogLevel   string
	Color      bool
}

// RunFlags holds flags for the run command
type RunFlags struct {
	MigrationDir string
	HTTPListen   string
	Persistent   bool
}

// StopFlags holds flags for the stop command
type StopFlags struct {
	Grace time.Duration
}

// MigrateFlags holds flags for the migrate command
type MigrateFlags struct {
	Dir string
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	c := command{flags: globalFlags}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createSetupCommand(c),
		createStartCommand(c),
		createRunCommand(c, &RunFlags{}),
		createStopCommand(c, &StopFlags{}),
		createCleanCommand(c),
		createMigrateCommand(c, &MigrateFlags{}),
		createPurgeCommand(c),
		createStatusCommand(c),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "pgembed",
		Short: "Run a local PostgreSQL server without installing it",
		Long: `pgembed downloads a PostgreSQL distribution, initializes a data directory
and supervises the server.

Examples:
  pgembed run --data-dir=./pg --port=15432
  pgembed start --config=pgembed.toml
  pgembed migrate --dir=./migrations
  pgembed stop`,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.ConfigPath, "config", "", "config file (TOML, YAML or JSON); pgembed.toml in the working directory is used when present")
	pf.StringVar(&flags.DataDir, "data-dir", "", "instance data directory")
	pf.StringVar(&flags.CacheDir, "cache-dir", "", "archive cache directory")
	pf.IntVar(&flags.Port, "port", 0, "server port")
	pf.StringVar(&flags.PGVersion, "pg-version", "", "PostgreSQL version, e.g. 16.2.0")
	pf.StringVar(&flags.LogLevel, "log-level", "", "debug, info, warn or error")
	pf.BoolVar(&flags.Color, "color", false, "colored log output")
	return root
}

func createSetupCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Download, extract and initialize without starting",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Setup(cmd)
		},
	}
}

func createStartCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the server in the background and print its connection details",
		Long: `Start the server and leave it running after pgembed exits. The data
directory is kept; stop the server with "pgembed stop".`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Start(cmd)
		},
	}
}

func createRunCommand(c command, flags *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the server in the foreground until interrupted",
		Long: `Run the server until SIGINT or SIGTERM, then stop it. Unless the instance
is persistent its data directory is removed on exit.

Examples:
  pgembed run --migrations=./migrations
  pgembed run --http=127.0.0.1:8089   # serves /status, /healthz and /metrics`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Run(cmd, *flags)
		},
	}
	cmd.Flags().StringVar(&flags.MigrationDir, "migrations", "", "apply migrations from this directory after start")
	cmd.Flags().StringVar(&flags.HTTPListen, "http", "", "serve status and metrics on this address")
	cmd.Flags().BoolVar(&flags.Persistent, "persistent", false, "keep the data directory on exit")
	return cmd
}

func createStopCommand(c command, flags *StopFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop a server started by pgembed start",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Stop(cmd, *flags)
		},
	}
	cmd.Flags().DurationVar(&flags.Grace, "grace", 10*time.Second, "wait this long before killing the server")
	return cmd
}

func createCleanCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove the data directory of a stopped instance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Clean(cmd)
		},
	}
}

func createMigrateCommand(c command, flags *MigrateFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending migrations to the running server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Migrate(cmd, *flags)
		},
	}
	cmd.Flags().StringVar(&flags.Dir, "dir", "", "migration directory (defaults to migration_dir from the config)")
	return cmd
}

func createPurgeCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete every cached archive",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Purge(cmd)
		},
	}
}

func createStatusCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the server and cache state as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Status(cmd)
		},
	}
}
