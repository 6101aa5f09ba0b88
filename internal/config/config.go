// Package config loads the daemon configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/tjst-t/proxmox-bmc/internal/machine"
	"github.com/tjst-t/proxmox-bmc/internal/proxmox"
)

// EnvPrefix is prepended to every environment override, e.g.
// PBMC_CONTROL_ADDRESS for control.address.
const EnvPrefix = "PBMC"

// Config holds the daemon configuration
type Config struct {
	ConfigDir       string        `mapstructure:"config_dir"`
	PIDFile         string        `mapstructure:"pid_file"`
	ShowPasswords   bool          `mapstructure:"show_passwords"`
	SyncInterval    time.Duration `mapstructure:"sync_interval"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	StopGrace       time.Duration `mapstructure:"stop_grace"`

	Log         LogConfig           `mapstructure:"log"`
	Control     ControlConfig       `mapstructure:"control"`
	IPMI        IPMIConfig          `mapstructure:"ipmi"`
	Proxmox     ProxmoxConfig       `mapstructure:"proxmox"`
	BootDevices proxmox.BootDevices `mapstructure:"boot_devices"`
	Machine     MachineConfig       `mapstructure:"machine"`

	// File is the config file that was read, empty when none was.
	File string `mapstructure:"-"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
	Debug bool   `mapstructure:"debug"`
	// Format is "console" or "json".
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// ControlConfig configures the HTTP control API.
type ControlConfig struct {
	Address  string    `mapstructure:"address"`
	Username string    `mapstructure:"username"`
	Password string    `mapstructure:"password"`
	TLS      TLSConfig `mapstructure:"tls"`
}

// TLSConfig contains TLS configuration. With Enabled set and no files
// given, a self-signed certificate is generated at startup.
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

type IPMIConfig struct {
	SessionTimeout time.Duration `mapstructure:"session_timeout"`
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
}

type ProxmoxConfig struct {
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	TaskTimeout      time.Duration `mapstructure:"task_timeout"`
	TaskPollInterval time.Duration `mapstructure:"task_poll_interval"`
}

type MachineConfig struct {
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
	MaxStale     time.Duration `mapstructure:"max_stale"`
	QueryTimeout time.Duration `mapstructure:"query_timeout"`
	Retry        RetryConfig   `mapstructure:"retry"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	MaxElapsed  time.Duration `mapstructure:"max_elapsed"`
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("config_dir", "~/.pbmc")
	// Empty means <config_dir>/master.pid.
	v.SetDefault("pid_file", "")
	v.SetDefault("show_passwords", false)
	v.SetDefault("sync_interval", 3*time.Second)
	v.SetDefault("shutdown_timeout", 10*time.Second)
	v.SetDefault("stop_grace", 5*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.debug", false)
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")

	v.SetDefault("control.address", "127.0.0.1:50891")
	v.SetDefault("control.username", "")
	v.SetDefault("control.password", "")
	v.SetDefault("control.tls.enabled", false)
	v.SetDefault("control.tls.cert_file", "")
	v.SetDefault("control.tls.key_file", "")

	v.SetDefault("ipmi.session_timeout", 60*time.Second)
	v.SetDefault("ipmi.command_timeout", 45*time.Second)

	v.SetDefault("proxmox.request_timeout", 10*time.Second)
	v.SetDefault("proxmox.task_timeout", 60*time.Second)
	v.SetDefault("proxmox.task_poll_interval", 500*time.Millisecond)

	boot := proxmox.DefaultBootDevices()
	v.SetDefault("boot_devices.disk", boot.Disk)
	v.SetDefault("boot_devices.cdrom", boot.CDROM)
	v.SetDefault("boot_devices.network", boot.Network)

	m := machine.DefaultOptions()
	v.SetDefault("machine.cache_ttl", m.CacheTTL)
	v.SetDefault("machine.max_stale", m.MaxStale)
	v.SetDefault("machine.query_timeout", m.QueryTimeout)
	v.SetDefault("machine.retry.max_attempts", m.Retry.MaxAttempts)
	v.SetDefault("machine.retry.base_delay", m.Retry.BaseDelay)
	v.SetDefault("machine.retry.max_delay", m.Retry.MaxDelay)
	v.SetDefault("machine.retry.max_elapsed", m.Retry.MaxElapsed)
}

// Load reads the configuration: defaults, then the YAML file at path (or
// ~/.pbmc/pbmcd.yaml when path is empty and that file exists), then PBMC_*
// environment variables.
func Load(path string) (*Config, error) {
	return LoadWith(viper.New(), path)
}

// LoadWith is Load on a caller-provided viper instance, so flags bound to v
// take precedence.
func LoadWith(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		if home, err := os.UserHomeDir(); err == nil {
			candidate := filepath.Join(home, ".pbmc", "pbmcd.yaml")
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
			}
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.File = path

	var err error
	if cfg.ConfigDir, err = expandHome(cfg.ConfigDir); err != nil {
		return nil, err
	}
	if cfg.PIDFile == "" {
		cfg.PIDFile = filepath.Join(cfg.ConfigDir, "master.pid")
	} else if cfg.PIDFile, err = expandHome(cfg.PIDFile); err != nil {
		return nil, err
	}
	for _, p := range []*string{&cfg.Log.File, &cfg.Control.TLS.CertFile, &cfg.Control.TLS.KeyFile} {
		if *p, err = expandHome(*p); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the loaded values.
func (c *Config) Validate() error {
	var errs []error
	positive := map[string]time.Duration{
		"sync_interval":              c.SyncInterval,
		"shutdown_timeout":           c.ShutdownTimeout,
		"stop_grace":                 c.StopGrace,
		"ipmi.session_timeout":       c.IPMI.SessionTimeout,
		"ipmi.command_timeout":       c.IPMI.CommandTimeout,
		"proxmox.request_timeout":    c.Proxmox.RequestTimeout,
		"proxmox.task_timeout":       c.Proxmox.TaskTimeout,
		"proxmox.task_poll_interval": c.Proxmox.TaskPollInterval,
		"machine.cache_ttl":          c.Machine.CacheTTL,
		"machine.max_stale":          c.Machine.MaxStale,
		"machine.query_timeout":      c.Machine.QueryTimeout,
		"machine.retry.base_delay":   c.Machine.Retry.BaseDelay,
		"machine.retry.max_delay":    c.Machine.Retry.MaxDelay,
		"machine.retry.max_elapsed":  c.Machine.Retry.MaxElapsed,
	}
	for _, key := range sortedKeys(positive) {
		if positive[key] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", key, positive[key]))
		}
	}
	if c.Machine.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("machine.retry.max_attempts must be at least 1, got %d", c.Machine.Retry.MaxAttempts))
	}
	if c.Machine.MaxStale < c.Machine.CacheTTL {
		errs = append(errs, fmt.Errorf("machine.max_stale (%s) is shorter than machine.cache_ttl (%s)", c.Machine.MaxStale, c.Machine.CacheTTL))
	}
	if c.BootDevices.Disk == "" || c.BootDevices.CDROM == "" || c.BootDevices.Network == "" {
		errs = append(errs, errors.New("boot_devices.disk, boot_devices.cdrom and boot_devices.network must be set"))
	}
	if c.ConfigDir == "" {
		errs = append(errs, errors.New("config_dir must be set"))
	}
	if c.Control.Address == "" {
		errs = append(errs, errors.New("control.address must be set"))
	}
	if (c.Control.TLS.CertFile == "") != (c.Control.TLS.KeyFile == "") {
		errs = append(errs, errors.New("control.tls.cert_file and control.tls.key_file must be set together"))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be console or json, got %q", c.Log.Format))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// StoreDir is where instance configurations live.
func (c *Config) StoreDir() string {
	return filepath.Join(c.ConfigDir, "bmcs")
}

// ProxmoxOptions returns the hypervisor client settings shared by every
// instance. Endpoint and token are filled in per instance.
func (c *Config) ProxmoxOptions() proxmox.Options {
	return proxmox.Options{
		RequestTimeout:   c.Proxmox.RequestTimeout,
		TaskTimeout:      c.Proxmox.TaskTimeout,
		TaskPollInterval: c.Proxmox.TaskPollInterval,
		BootDevices:      c.BootDevices,
	}
}

func (c *Config) MachineOptions() machine.Options {
	return machine.Options{
		CacheTTL:     c.Machine.CacheTTL,
		MaxStale:     c.Machine.MaxStale,
		QueryTimeout: c.Machine.QueryTimeout,
		Retry: machine.RetryPolicy{
			MaxAttempts: c.Machine.Retry.MaxAttempts,
			BaseDelay:   c.Machine.Retry.BaseDelay,
			MaxDelay:    c.Machine.Retry.MaxDelay,
			MaxElapsed:  c.Machine.Retry.MaxElapsed,
		},
		BootDevices: c.BootDevices,
	}
}

// ConfigureZerolog sets the global level and output of zerolog. The
// returned closer releases the log file, if any.
func (c *LogConfig) ConfigureZerolog() (io.Closer, error) {
	level, err := c.level()
	if err != nil {
		return nil, err
	}
	w, closer, err := c.Writer(os.Stderr)
	if err != nil {
		return nil, err
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
	return closer, nil
}

// Writer returns the log sink: stderr or the configured file, rendered as
// console text or JSON lines.
func (c *LogConfig) Writer(stderr io.Writer) (io.Writer, io.Closer, error) {
	var out io.Writer = stderr
	var closer io.Closer = nopCloser{}
	if c.File != "" {
		if err := os.MkdirAll(filepath.Dir(c.File), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log dir: %w", err)
		}
		f, err := os.OpenFile(c.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out, closer = f, f
	}
	if c.Format == "json" {
		return out, closer, nil
	}
	return zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339, NoColor: c.File != ""}, closer, nil
}

func (c *LogConfig) level() (zerolog.Level, error) {
	if c.Debug {
		return zerolog.DebugLevel, nil
	}
	return parseLevel(c.Level)
}

func parseLevel(s string) (zerolog.Level, error) {
	switch strings.ToLower(s) {
	case "trace":
		return zerolog.TraceLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "", "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	default:
		return zerolog.NoLevel, fmt.Errorf("log.level %q is not one of trace, debug, info, warn, error", s)
	}
}

func expandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand %s: %w", p, err)
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}

func sortedKeys(m map[string]time.Duration) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
