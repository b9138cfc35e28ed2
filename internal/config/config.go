package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/openmined/rcsync/internal/utils"
)

const (
	BackendNotify   = "notify"
	BackendFsnotify = "fsnotify"
)

var (
	home, _            = os.UserHomeDir()
	DefaultStateDir    = filepath.Join(home, ".rcsync")
	DefaultConfigPath  = filepath.Join(DefaultStateDir, "config.json")
	DefaultLogFilePath = filepath.Join(DefaultStateDir, "logs", "rcsync.log")
)

const (
	DefaultModifyWindow    = time.Second
	DefaultBatchCooldown   = 5 * time.Second
	DefaultPollInterval    = 30 * time.Second
	DefaultRclonePath      = "rclone"
	DefaultWatchBackend    = BackendNotify
	DefaultTransferRetries = 3
	DefaultListingRetries  = 3
	DefaultRetryBackoff    = time.Second
	DefaultShutdownGrace   = 10 * time.Second
	DefaultLogLevel        = "info"
)

var (
	ErrNoRemote       = errors.New("remote is required")
	ErrNoLocalDir     = errors.New("local directory is required")
	ErrInvalidBackend = errors.New("unknown watch backend")
)

var watchBackends = []string{BackendNotify, BackendFsnotify}

// Config is the daemon configuration. It is not modified after Validate.
type Config struct {
	Remote              string        `json:"remote" mapstructure:"remote"`
	LocalDir            string        `json:"local_dir" mapstructure:"local_dir"`
	ModifyWindow        time.Duration `json:"modify_window" mapstructure:"modify_window"`
	BatchCooldown       time.Duration `json:"batch_cooldown" mapstructure:"batch_cooldown"`
	PollInterval        time.Duration `json:"poll_interval" mapstructure:"poll_interval"`
	RclonePath          string        `json:"rclone_path" mapstructure:"rclone_path"`
	RcloneConfig        string        `json:"rclone_config,omitempty" mapstructure:"rclone_config"`
	RcloneArgs          []string      `json:"rclone_args,omitempty" mapstructure:"rclone_args"`
	WatchBackend        string        `json:"watch_backend" mapstructure:"watch_backend"`
	Ignore              []string      `json:"ignore,omitempty" mapstructure:"ignore"`
	TransferRetries     int           `json:"transfer_retries" mapstructure:"transfer_retries"`
	ListingRetries      int           `json:"listing_retries" mapstructure:"listing_retries"`
	RetryBackoff        time.Duration `json:"retry_backoff" mapstructure:"retry_backoff"`
	ShutdownGrace       time.Duration `json:"shutdown_grace" mapstructure:"shutdown_grace"`
	PrimeRemoteBaseline bool          `json:"prime_remote_baseline" mapstructure:"prime_remote_baseline"`
	StateDir            string        `json:"state_dir" mapstructure:"state_dir"`
	LogLevel            string        `json:"log_level" mapstructure:"log_level"`
	LogFile             string        `json:"log_file,omitempty" mapstructure:"log_file"`
	ControlAddr         string        `json:"control_addr,omitempty" mapstructure:"control_addr"`
	ControlToken        string        `json:"control_token,omitempty" mapstructure:"control_token"`
	Path                string        `json:"-" mapstructure:"-"`
}

// Default returns a config with every optional setting filled in
func Default() *Config {
	return &Config{
		ModifyWindow:        DefaultModifyWindow,
		BatchCooldown:       DefaultBatchCooldown,
		PollInterval:        DefaultPollInterval,
		RclonePath:          DefaultRclonePath,
		WatchBackend:        DefaultWatchBackend,
		TransferRetries:     DefaultTransferRetries,
		ListingRetries:      DefaultListingRetries,
		RetryBackoff:        DefaultRetryBackoff,
		ShutdownGrace:       DefaultShutdownGrace,
		PrimeRemoteBaseline: true,
		StateDir:            DefaultStateDir,
		LogLevel:            DefaultLogLevel,
	}
}

// Validate normalizes paths and rejects settings the daemon cannot run with
func (c *Config) Validate() error {
	var err error

	c.Remote = strings.TrimSpace(c.Remote)
	if c.Remote == "" {
		return ErrNoRemote
	}

	if strings.TrimSpace(c.LocalDir) == "" {
		return ErrNoLocalDir
	}
	if c.LocalDir, err = utils.ResolvePath(c.LocalDir); err != nil {
		return fmt.Errorf("local dir: %w", err)
	}

	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}
	if c.StateDir, err = utils.ResolvePath(c.StateDir); err != nil {
		return fmt.Errorf("state dir: %w", err)
	}
	if isWithin(c.LocalDir, c.StateDir) {
		return fmt.Errorf("state dir %q must not be inside the local dir %q", c.StateDir, c.LocalDir)
	}

	if c.Path != "" {
		if c.Path, err = utils.ResolvePath(c.Path); err != nil {
			return fmt.Errorf("config path: %w", err)
		}
	}
	if c.LogFile != "" {
		if c.LogFile, err = utils.ResolvePath(c.LogFile); err != nil {
			return fmt.Errorf("log file: %w", err)
		}
	}
	if c.RcloneConfig != "" {
		if c.RcloneConfig, err = utils.ResolvePath(c.RcloneConfig); err != nil {
			return fmt.Errorf("rclone config: %w", err)
		}
	}

	if c.RclonePath == "" {
		c.RclonePath = DefaultRclonePath
	}

	durations := []struct {
		name  string
		value time.Duration
	}{
		{"modify_window", c.ModifyWindow},
		{"batch_cooldown", c.BatchCooldown},
		{"poll_interval", c.PollInterval},
		{"retry_backoff", c.RetryBackoff},
		{"shutdown_grace", c.ShutdownGrace},
	}
	for _, d := range durations {
		if d.value <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.value)
		}
	}

	if c.TransferRetries < 0 {
		return fmt.Errorf("transfer_retries must not be negative, got %d", c.TransferRetries)
	}
	if c.ListingRetries < 0 {
		return fmt.Errorf("listing_retries must not be negative, got %d", c.ListingRetries)
	}

	c.WatchBackend = strings.ToLower(strings.TrimSpace(c.WatchBackend))
	if c.WatchBackend == "" {
		c.WatchBackend = DefaultWatchBackend
	}
	if !slices.Contains(watchBackends, c.WatchBackend) {
		return fmt.Errorf("%w: %q", ErrInvalidBackend, c.WatchBackend)
	}

	c.ControlAddr = strings.TrimSpace(c.ControlAddr)
	if c.ControlAddr != "" {
		if _, _, err := net.SplitHostPort(c.ControlAddr); err != nil {
			return fmt.Errorf("control_addr: %w", err)
		}
	}

	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}

	return nil
}

// ParseLogLevel maps a level name to a slog level
func ParseLogLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return l, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return l, nil
}

func (c *Config) Save(path string) error {
	if err := utils.EnsureParent(path); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o644)
}

func (c *Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("remote", c.Remote),
		slog.String("local_dir", c.LocalDir),
		slog.Duration("batch_cooldown", c.BatchCooldown),
		slog.Duration("poll_interval", c.PollInterval),
		slog.Duration("modify_window", c.ModifyWindow),
		slog.String("watch_backend", c.WatchBackend),
		slog.String("state_dir", c.StateDir),
		slog.String("control_addr", c.ControlAddr),
	)
}

func isWithin(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
