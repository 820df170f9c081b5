// Package config loads server settings from TOML or YAML files and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	DefaultAddr   = "0.0.0.0:4674"
	DefaultEngine = "keras"

	envPrefix = "MODELSERVER_"
)

var ErrUnsupportedFormat = errors.New("unsupported config file format")

type Config struct {
	Server ServerConfig `toml:"server" yaml:"server"`
	Engine EngineConfig `toml:"engine" yaml:"engine"`
	Log    LogConfig    `toml:"log" yaml:"log"`
}

type ServerConfig struct {
	Addr              string        `toml:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `toml:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `toml:"shutdown_timeout" yaml:"shutdown_timeout"`
	CORSOrigins       []string      `toml:"cors_origins" yaml:"cors_origins"`
}

type EngineConfig struct {
	Name string `toml:"name" yaml:"name"`
	// ONNXLibrary is the path to the ONNX Runtime shared library.
	ONNXLibrary string `toml:"onnx_library" yaml:"onnx_library"`
	// ONNXAllowPaths lets init requests name an ONNX file on this host
	// instead of sending its bytes.
	ONNXAllowPaths bool `toml:"onnx_allow_paths" yaml:"onnx_allow_paths"`
}

type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:              DefaultAddr,
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Engine: EngineConfig{
			Name: DefaultEngine,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the file at path, if any, then applies MODELSERVER_*
// environment overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read configuration file: %w", err)
		default:
			if err := decode(path, data, cfg); err != nil {
				return nil, err
			}
		}
	}

	applyDefaults(cfg)
	applyEnv(cfg, os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse TOML configuration: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse YAML configuration: %w", err)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	return nil
}

// applyDefaults fills fields a config file left empty.
func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = def.Server.Addr
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = def.Server.ReadHeaderTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = def.Server.ShutdownTimeout
	}
	if cfg.Engine.Name == "" {
		cfg.Engine.Name = def.Engine.Name
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = def.Log.Format
	}
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	set := func(key string, dst *string) {
		if v, ok := lookup(envPrefix + key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set("ADDR", &cfg.Server.Addr)
	set("ENGINE", &cfg.Engine.Name)
	set("ONNX_LIBRARY", &cfg.Engine.ONNXLibrary)
	set("LOG_LEVEL", &cfg.Log.Level)
	set("LOG_FORMAT", &cfg.Log.Format)
}

// ValidationErrors holds every problem Validate found.
type ValidationErrors []error

func (v ValidationErrors) Error() string {
	var b strings.Builder
	b.WriteString("validation failed with the following errors:")
	for _, err := range v {
		b.WriteString("\n- ")
		b.WriteString(err.Error())
	}
	return b.String()
}

func (c *Config) Validate() error {
	var errs ValidationErrors
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server address cannot be empty"))
	}
	if c.Server.ReadHeaderTimeout < 0 {
		errs = append(errs, errors.New("read header timeout cannot be negative"))
	}
	if c.Server.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("shutdown timeout cannot be negative"))
	}
	if c.Engine.Name == "" {
		errs = append(errs, errors.New("engine name cannot be empty"))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("unsupported log level %q", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "discard":
	default:
		errs = append(errs, fmt.Errorf("unsupported log format %q", c.Log.Format))
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}
