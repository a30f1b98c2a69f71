package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"

	"github.com/bft-labs/cmdserver/internal/cliconfig"
	"github.com/bft-labs/cmdserver/internal/executor"
	"github.com/bft-labs/cmdserver/pkg/client"
	"github.com/bft-labs/cmdserver/pkg/cmdserver"
	"github.com/bft-labs/cmdserver/pkg/log"
	"github.com/bft-labs/cmdserver/pkg/settings"
	"github.com/bft-labs/cmdserver/plugins/configwatcher"
)

const longHelp = `Keep a command-line tool warm behind a Unix socket.

The server listens on a socket and forks a worker for every client
connection. The worker speaks a channel-multiplexed protocol: output,
error and debug streams flow to the client, input is pulled from it on
demand, and every command ends with its exit status.

Configure via $HOME/.cmdserver/config.toml, CMDSERVER_* environment
variables, or flags. Flags win over the environment, which wins over the
file.`

var exampleUsage = strings.TrimSpace(`
  cmdserver serve --address /tmp/tool.sock --idle-timeout 30m
  cmdserver serve --exec /usr/local/bin/tool --settings ~/.toolrc.toml
  cmdserver run --address /tmp/tool.sock -- status --verbose
  cmdserver pipe --exec /usr/local/bin/tool
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

// getVersionHash returns the VCS revision the binary was built from.
func getVersionHash() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			return s.Value
		}
	}
	return ""
}

// exitStatus is the process status main exits with after a successful
// command run.
var exitStatus int

func main() {
	cfg := cliconfig.DefaultConfig()
	var cfgPath string

	logger, err := log.NewConsoleLogger(os.Stderr, "info")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:           "cmdserver",
		Short:         "Persistent command server over a Unix socket",
		Long:          longHelp,
		Example:       exampleUsage,
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (default: $HOME/.cmdserver/config.toml)")
	root.PersistentFlags().StringVar(&cfg.Address, "address", cfg.Address, "path of the listening socket")

	// loadConfig layers the config file and environment under the flags
	// the user set explicitly.
	loadConfig := func(cmd *cobra.Command) error {
		cfgFile := cfgPath
		if cfgFile == "" {
			cfgFile = cliconfig.DefaultConfigPath()
		}

		changed := map[string]bool{}
		cmd.Flags().Visit(func(f *pflag.Flag) { changed[f.Name] = true })

		if cfgFile != "" && cliconfig.FileExists(cfgFile) {
			fc, err := cliconfig.LoadFileConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := cliconfig.ApplyFileConfig(&cfg, fc, changed); err != nil {
				return err
			}
		}
		return cliconfig.ApplyEnvConfig(&cfg, changed)
	}

	root.AddCommand(
		newServeCommand(&cfg, loadConfig, &logger),
		newRunCommand(&cfg, loadConfig),
		newEncodingCommand(&cfg, loadConfig),
		newWorkerCommand(&logger),
		newPipeCommand(&logger),
	)

	if err := root.Execute(); err != nil {
		logger.Error("cmdserver", log.Err(err))
		os.Exit(1)
	}
	os.Exit(exitStatus)
}

func newServeCommand(cfg *cliconfig.Config, loadConfig func(*cobra.Command) error, logger **log.ZerologAdapter) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Listen on the socket and fork a worker per connection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			l, err := log.NewConsoleLogger(os.Stderr, cfg.LogLevel)
			if err != nil {
				return err
			}
			*logger = l
			l.Info("configuration", log.Any("config", *cfg))

			opts := []cmdserver.Option{cmdserver.WithLogger(l)}
			if cfg.WatchConfig {
				opts = append(opts, configwatcher.WithDefaultConfigWatcher())
			}

			srv, err := cmdserver.New(cmdserver.Config{
				Address:         cfg.Address,
				PollInterval:    cfg.PollInterval,
				IdleTimeout:     cfg.IdleTimeout,
				ShutdownTimeout: cfg.ShutdownTimeout,
				WorkerArgs:      append([]string{"worker"}, cfg.WorkerArgs()...),
				SettingsFiles:   cfg.SettingsFiles,
			}, opts...)
			if err != nil {
				return fmt.Errorf("create server: %w", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			if err := srv.Start(ctx); err != nil {
				return fmt.Errorf("start server: %w", err)
			}

			select {
			case sig := <-sigCh:
				l.Info("received signal, stopping", log.String("signal", sig.String()))
			case <-srv.Done():
			}

			if srv.Status().CanStop() {
				if err := srv.Stop(); err != nil {
					return fmt.Errorf("stop server: %w", err)
				}
			}
			<-srv.Done()
			return srv.Err()
		},
	}

	f := cmd.Flags()
	f.DurationVar(&cfg.PollInterval, "poll", cfg.PollInterval, "how often the accept loop checks whether to exit")
	f.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "drain after this long without a connection (0 disables)")
	f.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "how long to wait for workers when stopping")
	f.StringVar(&cfg.LogPath, "log", cfg.LogPath, `per-session diagnostics: "-" for the debug channel or a file path`)
	f.StringVar(&cfg.Encoding, "encoding", cfg.Encoding, "encoding advertised to clients")
	f.StringVar(&cfg.ExecPath, "exec", cfg.ExecPath, "program run for every command (default: built-in commands)")
	f.BoolVar(&cfg.ForwardStdin, "forward-stdin", cfg.ForwardStdin, "relay client input to the program's stdin")
	f.StringArrayVar(&cfg.SettingsFiles, "settings", cfg.SettingsFiles, "TOML settings file loaded by every worker (repeatable)")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "server log level")
	f.BoolVar(&cfg.WatchConfig, "watch", cfg.WatchConfig, "drain when the socket or a settings file changes")
	return cmd
}

func newRunCommand(cfg *cliconfig.Config, loadConfig func(*cobra.Command) error) *cobra.Command {
	return &cobra.Command{
		Use:   "run [--] ARG...",
		Short: "Run one command on a running server",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd); err != nil {
				return err
			}
			ctx := cmd.Context()

			c, err := client.Dial(ctx, cfg.Address)
			if err != nil {
				return err
			}
			defer c.Close()

			status, err := c.RunCommand(ctx, args, client.Streams{
				Stdin:  os.Stdin,
				Stdout: os.Stdout,
				Stderr: os.Stderr,
				Debug:  os.Stderr,
			})
			if err != nil {
				return err
			}
			exitStatus = status
			return nil
		},
	}
}

func newEncodingCommand(cfg *cliconfig.Config, loadConfig func(*cobra.Command) error) *cobra.Command {
	return &cobra.Command{
		Use:   "encoding",
		Short: "Print the encoding a running server uses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd); err != nil {
				return err
			}
			ctx := cmd.Context()

			c, err := client.Dial(ctx, cfg.Address)
			if err != nil {
				return err
			}
			defer c.Close()

			enc, err := c.GetEncoding(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), enc)
			return nil
		},
	}
}

// workerFlags are the session settings shared by the worker and pipe
// subcommands.
type workerFlags struct {
	encoding      string
	logPath       string
	execPath      string
	forwardStdin  bool
	settingsFiles []string
	logLevel      string
}

func (w *workerFlags) register(f *pflag.FlagSet) {
	f.StringVar(&w.encoding, "encoding", "UTF-8", "encoding advertised to the client")
	f.StringVar(&w.logPath, "log", "", `per-session diagnostics: "-" for the debug channel or a file path`)
	f.StringVar(&w.execPath, "exec", "", "program run for every command (default: built-in commands)")
	f.BoolVar(&w.forwardStdin, "forward-stdin", false, "relay client input to the program's stdin")
	f.StringArrayVar(&w.settingsFiles, "settings", nil, "TOML settings file (repeatable)")
	f.StringVar(&w.logLevel, "log-level", "info", "worker log level")
}

func (w *workerFlags) workerConfig(logger log.Logger) (cmdserver.WorkerConfig, error) {
	encoding, err := cliconfig.CanonicalEncoding(w.encoding)
	if err != nil {
		return cmdserver.WorkerConfig{}, err
	}

	base := settings.New()
	for _, path := range w.settingsFiles {
		if err := base.LoadTOML(path); err != nil {
			return cmdserver.WorkerConfig{}, err
		}
	}

	var exec cmdserver.Executor = executor.NewBuiltin()
	if w.execPath != "" {
		exec = executor.NewExec(w.execPath, w.forwardStdin, logger)
	}

	return cmdserver.WorkerConfig{
		Executor:    exec,
		Settings:    base,
		Encoding:    encoding,
		LogPath:     w.logPath,
		VersionHash: getVersionHash(),
		Logger:      logger,
	}, nil
}

func newWorkerCommand(logger **log.ZerologAdapter) *cobra.Command {
	var wf workerFlags
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Serve the connection inherited from the server",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := log.NewConsoleLogger(os.Stderr, wf.logLevel)
			if err != nil {
				return err
			}
			*logger = l
			wl := l.With(log.Pid(os.Getpid()))

			wcfg, err := wf.workerConfig(wl)
			if err != nil {
				return err
			}
			exitStatus = cmdserver.RunWorker(cmd.Context(), wcfg)
			return nil
		},
	}
	wf.register(cmd.Flags())
	return cmd
}

func newPipeCommand(logger **log.ZerologAdapter) *cobra.Command {
	var wf workerFlags
	cmd := &cobra.Command{
		Use:   "pipe",
		Short: "Serve one session over stdin and stdout",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			l, err := log.NewConsoleLogger(os.Stderr, wf.logLevel)
			if err != nil {
				return err
			}
			*logger = l

			wcfg, err := wf.workerConfig(l)
			if err != nil {
				return err
			}
			status, err := cmdserver.RunPipe(cmd.Context(), wcfg)
			if err != nil {
				return err
			}
			exitStatus = status
			return nil
		},
	}
	wf.register(cmd.Flags())
	return cmd
}
