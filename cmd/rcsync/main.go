package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/rcsync/internal/config"
	"github.com/openmined/rcsync/internal/daemon"
	"github.com/openmined/rcsync/internal/utils"
	"github.com/openmined/rcsync/internal/version"
	"github.com/openmined/rcsync/internal/workspace"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	configFileName = "config"
	envPrefix      = "RCSYNC"
)

var (
	green = color.New(color.FgHiGreen).SprintFunc()
	cyan  = color.New(color.FgHiCyan).SprintFunc()
)

const rcsyncArt = `
 _ __ ___ ___ _   _ _ __   ___
| '__/ __/ __| | | | '_ \ / __|
| | | (__\__ \ |_| | | | | (__
|_|  \___|___/\__, |_| |_|\___|
              |___/`

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rcsync [remote] [local_dir]",
		Short: "Keep a local directory and an rclone remote in sync",
		Long: `rcsync cross-copies a local directory and an rclone remote on start, then
watches the local tree and polls the remote, running rclone whenever either
side changes.`,
		Version: version.Detailed(),
		Args:    cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, args)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			// all good now, show header
			cmd.SilenceUsage = true

			closeLog, err := setupLogging(cfg)
			if err != nil {
				return err
			}
			defer closeLog()

			showHeader(cmd.OutOrStdout(), cfg)

			d, err := daemon.New(cfg)
			if err != nil {
				return err
			}

			defer slog.Info("Bye!")
			return d.Start(cmd.Context())
		},
	}

	cmd.Flags().SortFlags = false
	cmd.Flags().StringP("remote", "r", "", "rclone remote path, e.g. gdrive:backup")
	cmd.Flags().Duration("cooldown", config.DefaultBatchCooldown, "quiet period before a batch of changes is synced")
	cmd.Flags().Duration("poll-interval", config.DefaultPollInterval, "interval between remote listings")
	cmd.Flags().Duration("modify-window", config.DefaultModifyWindow, "max time difference for files to be considered equal")
	cmd.Flags().String("backend", config.DefaultWatchBackend, "file watch backend (notify|fsnotify)")
	cmd.Flags().String("rclone", config.DefaultRclonePath, "path to the rclone binary")
	cmd.Flags().String("rclone-config", "", "rclone config file")
	cmd.Flags().String("log-file", "", "log file (default <state-dir>/logs/<root-key>.log)")
	cmd.Flags().String("control-addr", "", "address of the local control plane, e.g. 127.0.0.1:7938 (disabled when empty)")
	cmd.Flags().String("control-token", "", "bearer token for the control plane (generated when empty)")

	cmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "rcsync config file")
	cmd.PersistentFlags().StringP("local", "l", "", "local directory")
	cmd.PersistentFlags().String("state-dir", config.DefaultStateDir, "directory for locks, journals and logs")
	cmd.PersistentFlags().String("log-level", config.DefaultLogLevel, "log level (debug|info|warn|error)")

	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func main() {
	slog.SetDefault(slog.New(newConsoleHandler(os.Stdout, slog.LevelInfo)))

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn("failed to load .env", "error", err)
	}

	// Setup root context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

// flagKeys maps config keys to the flags that override them
var flagKeys = map[string]string{
	"remote":         "remote",
	"local_dir":      "local",
	"batch_cooldown": "cooldown",
	"poll_interval":  "poll-interval",
	"modify_window":  "modify-window",
	"watch_backend":  "backend",
	"rclone_path":    "rclone",
	"rclone_config":  "rclone-config",
	"log_file":       "log-file",
	"control_addr":   "control-addr",
	"control_token":  "control-token",
	"state_dir":      "state-dir",
	"log_level":      "log-level",
}

// loadConfig layers defaults, the config file, environment, flags and
// positional arguments, in increasing precedence.
func loadConfig(cmd *cobra.Command, args []string) (*config.Config, error) {
	v := viper.New()
	setDefaults(v)

	// config path
	if f := cmd.Flag("config"); f != nil && f.Changed {
		v.SetConfigFile(f.Value.String())
	} else {
		v.AddConfigPath(config.DefaultStateDir)
		v.AddConfigPath(filepath.Join(filepath.Dir(config.DefaultStateDir), ".config", "rcsync"))
		v.SetConfigName(configFileName)
		v.SetConfigType("json")
	}

	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		var notFound viper.ConfigFileNotFoundError
		if !enoent && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
		}
	}

	for key, name := range flagKeys {
		if f := cmd.Flag(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if len(args) > 0 {
		v.Set("remote", args[0])
	}
	if len(args) > 1 {
		v.Set("local_dir", args[1])
	}

	cfg := &config.Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config decode: %w", err)
	}
	cfg.Path = v.ConfigFileUsed()

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := config.Default()
	v.SetDefault("remote", d.Remote)
	v.SetDefault("local_dir", d.LocalDir)
	v.SetDefault("modify_window", d.ModifyWindow)
	v.SetDefault("batch_cooldown", d.BatchCooldown)
	v.SetDefault("poll_interval", d.PollInterval)
	v.SetDefault("rclone_path", d.RclonePath)
	v.SetDefault("rclone_config", d.RcloneConfig)
	v.SetDefault("rclone_args", []string{})
	v.SetDefault("watch_backend", d.WatchBackend)
	v.SetDefault("ignore", []string{})
	v.SetDefault("transfer_retries", d.TransferRetries)
	v.SetDefault("listing_retries", d.ListingRetries)
	v.SetDefault("retry_backoff", d.RetryBackoff)
	v.SetDefault("shutdown_grace", d.ShutdownGrace)
	v.SetDefault("prime_remote_baseline", d.PrimeRemoteBaseline)
	v.SetDefault("state_dir", d.StateDir)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_file", d.LogFile)
	v.SetDefault("control_addr", d.ControlAddr)
	v.SetDefault("control_token", d.ControlToken)
}

func newConsoleHandler(w *os.File, level slog.Level) slog.Handler {
	return tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(w.Fd()),
	})
}

// setupLogging logs to stdout and to the log file of the local root
func setupLogging(cfg *config.Config) (func(), error) {
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	logFile := cfg.LogFile
	if logFile == "" {
		logFile = filepath.Join(cfg.StateDir, "logs", workspace.RootKey(cfg.LocalDir)+".log")
	}
	if err := utils.EnsureParent(logFile); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	logInterceptor := utils.NewLogInterceptor(file)
	fileHandler := slog.NewTextHandler(logInterceptor, &slog.HandlerOptions{
		Level: level,
		// Do not include time as it is added by the log interceptor.
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	})

	slog.SetDefault(slog.New(utils.NewMultiLogHandler(newConsoleHandler(os.Stdout, level), fileHandler)))
	slog.Debug("logging", "file", logFile, "level", level)

	return func() {
		logInterceptor.Close()
		file.Close()
	}, nil
}

func showHeader(w io.Writer, cfg *config.Config) {
	color.New(color.FgHiCyan, color.Bold).Fprintln(w, rcsyncArt)
	fmt.Fprintf(w, "%s %s\n", green("version "), version.Short())
	fmt.Fprintf(w, "%s %s\n", green("remote  "), cyan(cfg.Remote))
	fmt.Fprintf(w, "%s %s\n\n", green("local   "), cyan(cfg.LocalDir))
}
