package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/marcelocantos/dsh/internal/ipc"
	"github.com/marcelocantos/dsh/internal/pipeline"
)

// Server modes.
const (
	ModeSequential = "sequential"
	ModeConcurrent = "concurrent"
)

// Wire protocols.
const (
	ProtocolMarker = "marker"
	ProtocolFramed = "framed"
)

// Config holds the global dsh configuration.
type Config struct {
	Shell  ShellConfig  `yaml:"shell"`
	Server ServerConfig `yaml:"server"`
	Audit  AuditConfig  `yaml:"audit"`
}

// ShellConfig bounds what a single input line may contain.
type ShellConfig struct {
	Prompt      string `yaml:"prompt"`
	MaxCommands int    `yaml:"max_commands" validate:"gte=1,lte=64"`
	MaxArgs     int    `yaml:"max_args" validate:"gte=1,lte=1024"`
	MaxLine     int    `yaml:"max_line" validate:"gte=1"`
}

// ServerConfig controls the remote shell listener and client.
type ServerConfig struct {
	// Address is a "unix:/path" socket target. When empty, Interface and
	// Port select a TCP listener.
	Address   string `yaml:"address" validate:"omitempty,startswith=unix:"`
	Interface string `yaml:"interface" validate:"required"`
	Host      string `yaml:"host" validate:"required"`
	Port      int    `yaml:"port" validate:"gte=1,lte=65535"`
	Mode      string `yaml:"mode" validate:"oneof=sequential concurrent"`
	Protocol  string `yaml:"protocol" validate:"oneof=marker framed"`

	// StdinFromConn hands the connection to the first stage as its
	// standard input. Off by default: stages see empty input.
	StdinFromConn bool `yaml:"stdin_from_conn"`

	// OutputRate throttles output per session in bytes per second.
	// Zero means unlimited.
	OutputRate int64 `yaml:"output_rate" validate:"gte=0"`
}

// AuditConfig controls audit log settings. An empty path disables the log.
type AuditConfig struct {
	Path string `yaml:"path"`
}

// ListenTarget returns the address the server listens on.
func (s *ServerConfig) ListenTarget() string {
	if s.Address != "" {
		return s.Address
	}
	return ipc.JoinHostPort(s.Interface, s.Port)
}

// DialTarget returns the address the client connects to.
func (s *ServerConfig) DialTarget() string {
	if s.Address != "" {
		return s.Address
	}
	return ipc.JoinHostPort(s.Host, s.Port)
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Shell: ShellConfig{
			Prompt:      "dsh> ",
			MaxCommands: pipeline.DefaultMaxCommands,
			MaxArgs:     pipeline.DefaultMaxArgs,
			MaxLine:     pipeline.DefaultMaxLine,
		},
		Server: ServerConfig{
			Interface: ipc.DefaultServerInterface,
			Host:      ipc.DefaultClientHost,
			Port:      ipc.DefaultPort,
			Mode:      ModeSequential,
			Protocol:  ProtocolMarker,
		},
		Audit: AuditConfig{
			Path: filepath.Join(home, ".local", "share", "dsh", "audit.jsonl"),
		},
	}
}

// Load reads the config from the standard location (~/.config/dsh/config.yaml).
// If the file doesn't exist, returns the default config.
func Load() (*Config, error) {
	return LoadFrom(ConfigPath())
}

// LoadFrom reads the config from the given path.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	// Expand ~ in audit path.
	if cfg.Audit.Path != "" && cfg.Audit.Path[0] == '~' {
		home, _ := os.UserHomeDir()
		cfg.Audit.Path = filepath.Join(home, cfg.Audit.Path[1:])
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate the configuration for basic semantic errors. Field names in
// errors use their YAML keys.
func (c *Config) Validate() error {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		return strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
	})
	return validate.Struct(c)
}

// Builder returns a pipeline builder honouring the shell limits.
func (c *Config) Builder() *pipeline.Builder {
	return &pipeline.Builder{
		MaxCommands: c.Shell.MaxCommands,
		MaxArgs:     c.Shell.MaxArgs,
		MaxLine:     c.Shell.MaxLine,
	}
}

// ConfigPath returns the standard config file path.
func ConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "dsh", "config.yaml")
}
