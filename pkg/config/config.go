package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/paulschiretz/pgl-hostbackup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-hostbackup/pkg/plog"
	"github.com/paulschiretz/pgl-hostbackup/pkg/util"
)

// ConfigName is the base name of the configuration file (without extension).
const ConfigName = "config"

// Names of the per-host subdirectories under <baseDir>/<host>/.
const (
	CurrentDirName   = "current"
	LimitedDirName   = "rollback-limited"
	UnlimitedDirName = "rollback-unlimited"
	ArchivedDirName  = "rollback-archived"
	ScratchDirName   = ".scratch"
)

// Target identifies one backup run. It is immutable for the run's
// lifetime and threaded explicitly through all components.
type Target struct {
	Host string
	Port int
	// Root is the remote directory tree that gets mirrored.
	Root string
}

// Addr returns the scp-style host:path address for a remote path.
func (t Target) Addr(remotePath string) string {
	return t.Host + ":" + remotePath
}

// HostPaths holds the resolved on-disk layout for one host.
type HostPaths struct {
	// Root is <baseDir>/<host>.
	Root string
	// Current is the live mirror of the remote tree.
	Current string
	// Limited holds the time-windowed rollback snapshots, one
	// timestamp-named directory per run.
	Limited string
	// Unlimited holds the never-purged snapshots of incremental paths.
	Unlimited string
	// Archived holds compressed evicted snapshots when archiving is enabled.
	Archived string
	// Scratch holds the fetched list files and the report during a run.
	Scratch string
}

type RemoteConfig struct {
	// Root is the remote directory tree to back up.
	Root string `mapstructure:"root"`
	// ExcludePath is the remote location of the per-host exclude list.
	// The file doubles as the host's opt-in switch: if it cannot be
	// fetched, the host is not backed up.
	ExcludePath string `mapstructure:"exclude_path"`
	// IncrementalPath is the remote location of the per-host incremental
	// list. Optional; its absence disables unlimited retention.
	IncrementalPath string `mapstructure:"incremental_path"`
	// ReportPath is where the run report is delivered on the remote host.
	ReportPath string `mapstructure:"report_path"`
}

type SyncConfig struct {
	RsyncBinary string `mapstructure:"rsync_binary"`
	ScpBinary   string `mapstructure:"scp_binary"`
	// BandwidthLimitKBps throttles rsync transfers. 0 means unlimited.
	BandwidthLimitKBps int `mapstructure:"bandwidth_limit_kbps"`
}

type RetentionConfig struct {
	// MinKeep snapshots are always retained regardless of age.
	MinKeep int `mapstructure:"min_keep"`
	// WindowDays is the maximum age of snapshots beyond the MinKeep floor.
	WindowDays int `mapstructure:"window_days"`
	// EvictWorkers bounds the parallelism of snapshot removal.
	EvictWorkers int `mapstructure:"evict_workers"`
	// ArchiveEvicted compresses snapshots into the archived directory
	// before removing them instead of discarding their contents.
	ArchiveEvicted bool `mapstructure:"archive_evicted"`
	// ArchiveFormat is "tar.zst" or "tar.gz".
	ArchiveFormat string `mapstructure:"archive_format"`
}

// RuntimeConfig holds per-invocation values that never come from the
// config file.
type RuntimeConfig struct {
	DryRun bool
	Quiet  bool
}

type Config struct {
	Version  string        `mapstructure:"-"`
	BaseDir  string        `mapstructure:"base_dir"`
	LogLevel string        `mapstructure:"log_level"`
	Metrics  bool          `mapstructure:"metrics"`
	Runtime  RuntimeConfig `mapstructure:"-"`
	// DefaultPort is used when no port argument is given on the command line.
	DefaultPort int `mapstructure:"default_port"`
	// CommonExcludeFile is the local list of patterns excluded for every
	// host. Missing file is a fatal precondition; an empty file is fine.
	// Defaults to <baseDir>/exclude.common.
	CommonExcludeFile string          `mapstructure:"common_exclude_file"`
	Remote            RemoteConfig    `mapstructure:"remote"`
	Sync              SyncConfig      `mapstructure:"sync"`
	Retention         RetentionConfig `mapstructure:"retention"`
}

// NewDefault creates and returns a Config struct with sensible default values.
func NewDefault() Config {
	return Config{
		Version:     buildinfo.Version,
		BaseDir:     "", // Intentionally empty to force user configuration.
		LogLevel:    "info",
		Metrics:     true,
		DefaultPort: 22,
		Remote: RemoteConfig{
			Root:            "/",
			ExcludePath:     "/etc/pgl-hostbackup/exclude.list",
			IncrementalPath: "/etc/pgl-hostbackup/incremental.list",
			ReportPath:      "/var/log/pgl-hostbackup.report",
		},
		Sync: SyncConfig{
			RsyncBinary:        "rsync",
			ScpBinary:          "scp",
			BandwidthLimitKBps: 0,
		},
		Retention: RetentionConfig{
			MinKeep:        10,
			WindowDays:     14,
			EvictWorkers:   4,
			ArchiveEvicted: false,
			ArchiveFormat:  "tar.zst",
		},
	}
}

// Load reads the configuration via viper. When configFile is empty the
// default search paths are used (/etc/pgl-hostbackup, ~/.pgl-hostbackup).
// A missing config file is a normal case and yields the defaults;
// environment variables with the PGL_ prefix override either way.
func Load(configFile string) (Config, error) {
	v := viper.New()

	defaults := NewDefault()
	v.SetDefault("base_dir", defaults.BaseDir)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("metrics", defaults.Metrics)
	v.SetDefault("default_port", defaults.DefaultPort)
	v.SetDefault("common_exclude_file", defaults.CommonExcludeFile)
	v.SetDefault("remote.root", defaults.Remote.Root)
	v.SetDefault("remote.exclude_path", defaults.Remote.ExcludePath)
	v.SetDefault("remote.incremental_path", defaults.Remote.IncrementalPath)
	v.SetDefault("remote.report_path", defaults.Remote.ReportPath)
	v.SetDefault("sync.rsync_binary", defaults.Sync.RsyncBinary)
	v.SetDefault("sync.scp_binary", defaults.Sync.ScpBinary)
	v.SetDefault("sync.bandwidth_limit_kbps", defaults.Sync.BandwidthLimitKBps)
	v.SetDefault("retention.min_keep", defaults.Retention.MinKeep)
	v.SetDefault("retention.window_days", defaults.Retention.WindowDays)
	v.SetDefault("retention.evict_workers", defaults.Retention.EvictWorkers)
	v.SetDefault("retention.archive_evicted", defaults.Retention.ArchiveEvicted)
	v.SetDefault("retention.archive_format", defaults.Retention.ArchiveFormat)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(ConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/pgl-hostbackup")
		v.AddConfigPath("$HOME/.pgl-hostbackup")
	}

	v.SetEnvPrefix("PGL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// An explicitly named config file must exist; the default search
		// paths may legitimately be empty.
		if configFile != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		plog.Info("Loading configuration", "path", v.ConfigFileUsed())
	}

	cfg := NewDefault()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for logical errors and resolves
// derived paths. It does not touch the filesystem; existence checks
// belong to preflight.
func (c *Config) Validate() error {
	if c.BaseDir == "" {
		return fmt.Errorf("base_dir cannot be empty")
	}

	var err error
	c.BaseDir, err = util.ExpandPath(c.BaseDir)
	if err != nil {
		return fmt.Errorf("could not expand base_dir: %w", err)
	}
	c.BaseDir = filepath.Clean(c.BaseDir)

	if c.CommonExcludeFile == "" {
		c.CommonExcludeFile = filepath.Join(c.BaseDir, "exclude.common")
	} else {
		c.CommonExcludeFile, err = util.ExpandPath(c.CommonExcludeFile)
		if err != nil {
			return fmt.Errorf("could not expand common_exclude_file: %w", err)
		}
		c.CommonExcludeFile = filepath.Clean(c.CommonExcludeFile)
	}

	if c.DefaultPort < 1 || c.DefaultPort > 65535 {
		return fmt.Errorf("default_port must be between 1 and 65535")
	}
	if c.Remote.Root == "" {
		return fmt.Errorf("remote.root cannot be empty")
	}
	if c.Remote.ExcludePath == "" {
		return fmt.Errorf("remote.exclude_path cannot be empty")
	}
	if c.Remote.ReportPath == "" {
		return fmt.Errorf("remote.report_path cannot be empty")
	}
	if c.Sync.RsyncBinary == "" {
		return fmt.Errorf("sync.rsync_binary cannot be empty")
	}
	if c.Sync.ScpBinary == "" {
		return fmt.Errorf("sync.scp_binary cannot be empty")
	}
	if c.Sync.BandwidthLimitKBps < 0 {
		return fmt.Errorf("sync.bandwidth_limit_kbps cannot be negative")
	}
	if c.Retention.MinKeep < 0 {
		return fmt.Errorf("retention.min_keep cannot be negative")
	}
	if c.Retention.WindowDays < 0 {
		return fmt.Errorf("retention.window_days cannot be negative")
	}
	if c.Retention.EvictWorkers < 1 {
		return fmt.Errorf("retention.evict_workers must be at least 1")
	}
	if c.Retention.ArchiveEvicted {
		switch c.Retention.ArchiveFormat {
		case "tar.zst", "tar.gz":
		default:
			return fmt.Errorf("retention.archive_format must be 'tar.zst' or 'tar.gz', got %q", c.Retention.ArchiveFormat)
		}
	}
	return nil
}

// TargetFor builds the Target for one invocation. A port of 0 selects
// the configured default.
func (c *Config) TargetFor(host string, port int) Target {
	if port == 0 {
		port = c.DefaultPort
	}
	return Target{Host: host, Port: port, Root: c.Remote.Root}
}

// HostPaths resolves the per-host directory layout under the base dir.
func (c *Config) HostPaths(host string) HostPaths {
	root := filepath.Join(c.BaseDir, host)
	return HostPaths{
		Root:      root,
		Current:   filepath.Join(root, CurrentDirName),
		Limited:   filepath.Join(root, LimitedDirName),
		Unlimited: filepath.Join(root, UnlimitedDirName),
		Archived:  filepath.Join(root, ArchivedDirName),
		Scratch:   filepath.Join(root, ScratchDirName),
	}
}

// Window returns the retention window as a duration.
func (c *Config) Window() time.Duration {
	return time.Duration(c.Retention.WindowDays) * 24 * time.Hour
}

// LogSummary prints a user-friendly summary of the configuration.
func (c *Config) LogSummary(target Target) {
	logArgs := []interface{}{
		"host", target.Host,
		"port", target.Port,
		"remote_root", target.Root,
		"base_dir", c.BaseDir,
		"log_level", c.LogLevel,
		"dry_run", c.Runtime.DryRun,
		"metrics", c.Metrics,
		"retention_min_keep", c.Retention.MinKeep,
		"retention_window_days", c.Retention.WindowDays,
	}
	if c.Sync.BandwidthLimitKBps > 0 {
		logArgs = append(logArgs, "bwlimit_kbps", c.Sync.BandwidthLimitKBps)
	}
	if c.Retention.ArchiveEvicted {
		logArgs = append(logArgs, "archive_evicted", fmt.Sprintf("enabled (f:%s)", c.Retention.ArchiveFormat))
	}
	plog.Info("Configuration loaded", logArgs...)
}

// EnsureHostLayout creates the writable parts of the per-host tree.
// The base dir itself must already exist (preflight checks that).
func EnsureHostLayout(paths HostPaths) error {
	for _, dir := range []string{paths.Root, paths.Current, paths.Limited, paths.Scratch} {
		if err := os.MkdirAll(dir, util.UserWritableDirPerms); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
