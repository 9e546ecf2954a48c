// Package config loads service configuration from YAML, applies
// environment overrides, and validates the result against an embedded CUE
// schema.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaCUE string

// Environment variables that override file values.
const (
	EnvListen       = "OCTAVIO_LISTEN"
	EnvStoreBackend = "OCTAVIO_STORE_BACKEND"
	EnvS3Bucket     = "OCTAVIO_S3_BUCKET"
	EnvKeyPrefix    = "OCTAVIO_KEY_PREFIX"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendS3     = "s3"
)

type Config struct {
	Listen    string         `yaml:"listen" json:"listen"`
	KeyPrefix string         `yaml:"key_prefix" json:"key_prefix"`
	LogLevel  string         `yaml:"log_level" json:"log_level"`
	Store     StoreConfig    `yaml:"store" json:"store"`
	Registry  RegistryConfig `yaml:"registry" json:"registry"`
	Merge     MergeConfig    `yaml:"merge" json:"merge"`
}

type StoreConfig struct {
	Backend string       `yaml:"backend" json:"backend"`
	SQLite  SQLiteConfig `yaml:"sqlite" json:"sqlite"`
	S3      S3Config     `yaml:"s3" json:"s3"`
}

type SQLiteConfig struct {
	Path string `yaml:"path" json:"path"`
}

// S3Config locates the bucket. Credentials come from the standard AWS
// environment variables.
type S3Config struct {
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	Bucket   string `yaml:"bucket" json:"bucket"`
	Region   string `yaml:"region" json:"region"`
	UseSSL   bool   `yaml:"use_ssl" json:"use_ssl"`
}

type RegistryConfig struct {
	Path string `yaml:"path" json:"path"`
}

type MergeConfig struct {
	// BoundaryWindow is the stitcher's splice window.
	BoundaryWindow time.Duration `yaml:"boundary_window" json:"boundary_window"`
	// Eager runs a merge after every accepted fragment instead of only
	// on read.
	Eager bool `yaml:"eager" json:"eager"`
	// Attempts bounds merge passes per read when passes abort.
	Attempts int `yaml:"attempts" json:"attempts"`
	// ReclaimParallelism bounds concurrent deletes after a commit.
	ReclaimParallelism int `yaml:"reclaim_parallelism" json:"reclaim_parallelism"`
	// Timeout bounds one eager merge.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Listen:    ":5001",
		KeyPrefix: "prod",
		LogLevel:  "info",
		Store: StoreConfig{
			Backend: BackendSQLite,
			SQLite:  SQLiteConfig{Path: "octavio-objects.db"},
			S3:      S3Config{Endpoint: "s3.amazonaws.com", Region: "us-east-1", UseSSL: true},
		},
		Registry: RegistryConfig{Path: "octavio-registry.db"},
		Merge: MergeConfig{
			BoundaryWindow:     250 * time.Millisecond,
			Eager:              true,
			Attempts:           3,
			ReclaimParallelism: 4,
			Timeout:            30 * time.Second,
		},
	}
}

// ValidationError lists every schema violation.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Problems, "; ")
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates. An empty path loads defaults only.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg, os.Getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv(EnvListen); v != "" {
		cfg.Listen = v
	}
	if v := getenv(EnvStoreBackend); v != "" {
		cfg.Store.Backend = v
	}
	if v := getenv(EnvS3Bucket); v != "" {
		cfg.Store.S3.Bucket = v
	}
	if v := getenv(EnvKeyPrefix); v != "" {
		cfg.KeyPrefix = v
	}
}

// Validate checks cfg against the embedded schema.
func (c Config) Validate() error {
	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	v := schema.Unify(ctx.Encode(c))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		var problems []string
		for _, e := range cueerrors.Errors(err) {
			problems = append(problems, e.Error())
		}
		return &ValidationError{Problems: problems}
	}
	return nil
}

// SlogLevel maps LogLevel to a slog level.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
