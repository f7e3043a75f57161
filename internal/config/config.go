package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	defaultConfigPath = "~/.config/sessionmeta/config.json"
	envPrefix         = "SESSIONMETA"
	defaultQueueSize  = 64
)

// Config holds user-editable settings for the metadata writer.
type Config struct {
	Settings   Settings   `json:"settings" envconfig:"SETTINGS"`
	Logging    Logging    `json:"logging" envconfig:"LOG"`
	Paths      Paths      `json:"paths" envconfig:"PATHS"`
	Server     Server     `json:"server" envconfig:"SERVER"`
	Processing Processing `json:"processing" envconfig:"PROCESSING"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level" envconfig:"LEVEL" validate:"oneof=debug info warn warning error"`
	Format     string `json:"format" envconfig:"FORMAT" validate:"oneof=text json"`
	FileOutput bool   `json:"file_output" envconfig:"FILE_OUTPUT"` // Enable file logging
	LogDir     string `json:"log_dir" envconfig:"DIR" validate:"required_if=FileOutput true"`
}

// Paths configures on-disk locations owned by the service.
type Paths struct {
	DatabasePath string `json:"database_path" envconfig:"DATABASE"`
	SpoolDir     string `json:"spool_dir" envconfig:"SPOOL_DIR"`
}

// Server configures the ingest listeners.
type Server struct {
	Addr     string `json:"addr" envconfig:"ADDR" validate:"required"`
	GRPCAddr string `json:"grpc_addr" envconfig:"GRPC_ADDR"` // empty disables gRPC
}

// Processing captures event pipeline limits.
type Processing struct {
	QueueSize int `json:"queue_size" envconfig:"QUEUE_SIZE" validate:"gte=1,lte=10000"`
}

// ErrorKind classifies configuration failures.
type ErrorKind string

const (
	ErrFile       ErrorKind = "file"
	ErrEnv        ErrorKind = "env"
	ErrValidation ErrorKind = "validation"
)

// Error is returned by Load and Validate.
type Error struct {
	Kind ErrorKind
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("config %s error (%s): %v", e.Kind, e.Path, e.Err)
	}
	return fmt.Sprintf("config %s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

var validate = validator.New()

// Path returns the config file path Load reads, honoring SESSIONMETA_CONFIG.
func Path() string {
	if p := os.Getenv(envPrefix + "_CONFIG"); p != "" {
		return p
	}
	return defaultConfigPath
}

// Load reads configuration from disk, falling back to defaults, then applies
// a .env file and SESSIONMETA_* environment overrides.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// LoadFile is Load with an explicit config file path.
func LoadFile(configPath string) (*Config, error) {
	cfg := Default()

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, &Error{Kind: ErrFile, Path: configPath, Err: err}
	}

	f, err := os.Open(expanded)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, &Error{Kind: ErrFile, Path: expanded, Err: err}
	default:
		defer f.Close()
		if err := json.NewDecoder(f).Decode(cfg); err != nil {
			return nil, &Error{Kind: ErrFile, Path: expanded, Err: err}
		}
	}

	// .env never overrides variables already set in the process.
	_ = godotenv.Load()
	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return nil, &Error{Kind: ErrEnv, Err: err}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return &Error{Kind: ErrValidation, Err: err}
	}
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Settings: DefaultSettings(),
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DatabasePath: filepath.Join(os.TempDir(), "sessionmeta.db"),
		},
		Server: Server{
			Addr:     ":8765",
			GRPCAddr: ":8766",
		},
		Processing: Processing{
			QueueSize: defaultQueueSize,
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
