// Package config loads cellsync's YAML configuration.
//
// A file only needs the keys it changes; everything else keeps the value
// from Default. Unknown keys are rejected so a typo does not silently fall
// back to a default.
//
//	client:
//	  endpoint: ws://localhost:8080/api/storage/ws
//	  passphrase: alice
//	  backoff:
//	    initial: 100ms
//	    max: 5s
//	server:
//	  listen: :8080
//	  driver: sqlite
//	  path: ./cellsync.db
//	log:
//	  level: debug
//	  format: json
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/roach88/cellsync/internal/storage"
)

// Server backend drivers.
const (
	DriverSQLite = "sqlite"
	DriverBadger = "badger"
	DriverMemory = "memory"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config is the whole configuration file.
type Config struct {
	Client ClientConfig `yaml:"client"`
	Server ServerConfig `yaml:"server"`
	Log    LogConfig    `yaml:"log"`
}

// ClientConfig configures runtimes opened by the CLI.
type ClientConfig struct {
	// Endpoint is the store's websocket URL.
	Endpoint string `yaml:"endpoint" validate:"required,url"`
	// Passphrase derives the signing identity. Empty means a fresh
	// identity per process.
	Passphrase string `yaml:"passphrase"`
	// Space is the default owner for get and set. Empty means the
	// identity's own space.
	Space       string        `yaml:"space"`
	SyncTimeout time.Duration `yaml:"sync_timeout" validate:"gt=0"`
	Backoff     BackoffConfig `yaml:"backoff"`
}

// BackoffConfig shapes the provider's reconnect delay.
type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial" validate:"gt=0"`
	Max        time.Duration `yaml:"max" validate:"gtefield=Initial"`
	Multiplier float64       `yaml:"multiplier" validate:"gte=1"`
	Jitter     float64       `yaml:"jitter" validate:"gte=0,lte=1"`
}

// Settings converts b for storage.Config.
func (b BackoffConfig) Settings() storage.BackoffSettings {
	return storage.BackoffSettings{
		Initial:    b.Initial,
		Max:        b.Max,
		Multiplier: b.Multiplier,
		Jitter:     b.Jitter,
	}
}

// ServerConfig configures the reference store.
type ServerConfig struct {
	Listen string `yaml:"listen" validate:"required,hostname_port"`
	Driver string `yaml:"driver" validate:"oneof=sqlite badger memory"`
	// Path is the SQLite file or Badger directory.
	Path         string        `yaml:"path" validate:"required_unless=Driver memory"`
	SendBuffer   int           `yaml:"send_buffer" validate:"gte=0"`
	WriteTimeout time.Duration `yaml:"write_timeout" validate:"gte=0"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	b := storage.DefaultBackoff()
	return Config{
		Client: ClientConfig{
			Endpoint:    "ws://localhost:8080/api/storage/ws",
			SyncTimeout: 10 * time.Second,
			Backoff: BackoffConfig{
				Initial:    b.Initial,
				Max:        b.Max,
				Multiplier: b.Multiplier,
				Jitter:     b.Jitter,
			},
		},
		Server: ServerConfig{
			Listen: "localhost:8080",
			Driver: DriverSQLite,
			Path:   "cellsync.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over Default. An empty path returns Default.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over Default and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			return &Error{Fields: verrs}
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Error lists every field that failed validation.
type Error struct {
	Fields validator.ValidationErrors
}

func (e *Error) Error() string {
	var b bytes.Buffer
	b.WriteString("invalid config:")
	for _, f := range e.Fields {
		fmt.Fprintf(&b, " %s failed %q", f.Namespace(), f.Tag())
		if p := f.Param(); p != "" {
			fmt.Fprintf(&b, " (%s)", p)
		}
		b.WriteByte(';')
	}
	return b.String()
}

// IsConfigError reports whether err is a validation failure.
func IsConfigError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}
