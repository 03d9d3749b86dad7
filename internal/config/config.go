package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied to fields left unset.
const (
	DefaultJava             = "java"
	DefaultStopTimeout      = 30 * time.Second
	DefaultDownloadAttempts = 2
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
)

// Config holds persistent daemon configuration loaded from ~/.mcadmin/config.yaml.
type Config struct {
	ServerDir        string   `yaml:"server_dir"`
	Java             string   `yaml:"java"`
	JVMParams        string   `yaml:"jvm_params"`
	Jar              string   `yaml:"jar"`
	StopTimeout      Duration `yaml:"stop_timeout"`
	ConsoleLines     int      `yaml:"console_lines"`
	ManifestURL      string   `yaml:"manifest_url"`
	DownloadAttempts int      `yaml:"download_attempts"`
	Autostart        bool     `yaml:"autostart"`

	APIAddr   string `yaml:"api_addr"`
	Metrics   bool   `yaml:"metrics"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`
	AuditLog  string `yaml:"audit_log"`
}

// Duration wraps time.Duration for YAML unmarshaling from strings like "10s", "5m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// Home returns the mcadmin state directory: ~/.mcadmin.
func Home() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".mcadmin")
}

// DefaultPath returns the default config file path: ~/.mcadmin/config.yaml.
func DefaultPath() string {
	h := Home()
	if h == "" {
		return ""
	}
	return filepath.Join(h, "config.yaml")
}

// Load reads a YAML config file from path and fills in defaults. If the
// file does not exist, it returns the defaults and no error.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.ServerDir == "" {
		if h := Home(); h != "" {
			c.ServerDir = filepath.Join(h, "server")
		}
	}
	c.ServerDir = expandHome(c.ServerDir)
	c.LogFile = expandHome(c.LogFile)
	c.AuditLog = expandHome(c.AuditLog)

	if c.Java == "" {
		c.Java = DefaultJava
	}
	if c.StopTimeout.Duration == 0 {
		c.StopTimeout.Duration = DefaultStopTimeout
	}
	if c.DownloadAttempts == 0 {
		c.DownloadAttempts = DefaultDownloadAttempts
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = DefaultLogFormat
	}
}

// Validate checks that the config is usable.
func (c *Config) Validate() error {
	var errs []error
	if c.ServerDir == "" {
		errs = append(errs, errors.New("server_dir is required"))
	}
	if c.StopTimeout.Duration < 0 {
		errs = append(errs, errors.New("stop_timeout must not be negative"))
	}
	if c.DownloadAttempts < 1 {
		errs = append(errs, errors.New("download_attempts must be at least 1"))
	}
	if c.ConsoleLines < 0 {
		errs = append(errs, errors.New("console_lines must not be negative"))
	}
	if c.Jar != "" && strings.ContainsRune(c.Jar, filepath.Separator) {
		errs = append(errs, fmt.Errorf("jar %q must be a filename inside server_dir", c.Jar))
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q must be text or json", c.LogFormat))
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log_level %q", c.LogLevel))
	}
	return errors.Join(errs...)
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
