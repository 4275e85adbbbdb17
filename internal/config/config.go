// Package config loads the retoucher server configuration.
//
// Values come from built-in defaults, then an optional YAML file, then
// command-line flags applied by the caller. String values that name paths
// or secrets may reference the environment as ${VAR} or ${VAR:-default}.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Lock backends.
const (
	LockLocal    = "local"
	LockPostgres = "postgres"
	LockRedis    = "redis"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Tools   ToolsConfig   `yaml:"tools"`
	Export  ExportConfig  `yaml:"export"`
	Editor  EditorConfig  `yaml:"editor"`
	Lock    LockConfig    `yaml:"lock"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	// JWTKey signs session tokens (HS256).
	JWTKey          string        `yaml:"jwt_key"`
	SessionTTL      time.Duration `yaml:"session_ttl"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type StorageConfig struct {
	// DataDir holds the per-session file namespaces.
	DataDir string `yaml:"data_dir"`
	// DSN selects the Postgres catalog. Empty keeps everything in memory.
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"max_conns"`
}

type ToolsConfig struct {
	ExifTool string        `yaml:"exiftool"`
	Magick   string        `yaml:"magick"`
	Timeout  time.Duration `yaml:"timeout"`
	MaxProcs int           `yaml:"max_procs"`
	TempDir  string        `yaml:"temp_dir"`
}

type ExportConfig struct {
	Workers     int     `yaml:"workers"`
	Tolerance   float64 `yaml:"tolerance"`
	MaxAttempts int     `yaml:"max_attempts"`
	MinQuality  int     `yaml:"min_quality"`
}

type EditorConfig struct {
	// URL of the edit model endpoint. Empty uses the identity editor.
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

type LockConfig struct {
	Backend   string        `yaml:"backend"`
	RedisAddr string        `yaml:"redis_addr"`
	TTL       time.Duration `yaml:"ttl"`
	// Wait bounds lock acquisition. Zero waits for the request context.
	Wait time.Duration `yaml:"wait"`
	// MaxConns sizes the postgres backend's own pool. Every held lock pins
	// one connection of it; catalog queries never use it.
	MaxConns int32 `yaml:"max_conns"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	Dev   bool   `yaml:"dev"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			SessionTTL:      24 * time.Hour,
			MaxUploadBytes:  200 << 20,
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			DataDir:  filepath.Join(os.TempDir(), "retoucher"),
			MaxConns: 10,
		},
		Tools: ToolsConfig{
			ExifTool: "exiftool",
			Magick:   "magick",
			Timeout:  60 * time.Second,
			MaxProcs: 4,
		},
		Export: ExportConfig{
			Workers:     2,
			Tolerance:   0.10,
			MaxAttempts: 6,
			MinQuality:  30,
		},
		Editor: EditorConfig{
			Timeout: 120 * time.Second,
		},
		Lock: LockConfig{
			Backend:  LockLocal,
			TTL:      5 * time.Minute,
			Wait:     30 * time.Second,
			MaxConns: 32,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// LoadFile overlays the YAML file at path on the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Expand()
	return cfg, nil
}

// Expand resolves environment references in path and secret fields.
func (c *Config) Expand() {
	c.Server.JWTKey = expandVars(c.Server.JWTKey)
	c.Storage.DataDir = expandVars(c.Storage.DataDir)
	c.Storage.DSN = expandVars(c.Storage.DSN)
	c.Tools.ExifTool = expandVars(c.Tools.ExifTool)
	c.Tools.Magick = expandVars(c.Tools.Magick)
	c.Tools.TempDir = expandVars(c.Tools.TempDir)
	c.Editor.URL = expandVars(c.Editor.URL)
	c.Editor.APIKey = expandVars(c.Editor.APIKey)
	c.Lock.RedisAddr = expandVars(c.Lock.RedisAddr)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if v := os.Getenv(parts[1]); v != "" {
			return v
		}
		return parts[2]
	})
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Server.JWTKey == "" {
		errs = append(errs, errors.New("server.jwt_key is required"))
	}
	if c.Server.SessionTTL <= 0 {
		errs = append(errs, errors.New("server.session_ttl must be positive"))
	}
	if c.Server.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("server.max_upload_bytes must be positive"))
	}
	if c.Storage.DataDir == "" {
		errs = append(errs, errors.New("storage.data_dir is required"))
	}
	if c.Tools.ExifTool == "" || c.Tools.Magick == "" {
		errs = append(errs, errors.New("tools.exiftool and tools.magick are required"))
	}
	if c.Tools.MaxProcs < 1 {
		errs = append(errs, fmt.Errorf("tools.max_procs must be >= 1, got %d", c.Tools.MaxProcs))
	}
	if c.Tools.Timeout <= 0 {
		errs = append(errs, errors.New("tools.timeout must be positive"))
	}
	if c.Export.Workers < 1 {
		errs = append(errs, fmt.Errorf("export.workers must be >= 1, got %d", c.Export.Workers))
	}
	if c.Export.Tolerance <= 0 || c.Export.Tolerance >= 1 {
		errs = append(errs, fmt.Errorf("export.tolerance must be in (0,1), got %v", c.Export.Tolerance))
	}
	if c.Export.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("export.max_attempts must be >= 1, got %d", c.Export.MaxAttempts))
	}
	if c.Export.MinQuality < 1 || c.Export.MinQuality > 100 {
		errs = append(errs, fmt.Errorf("export.min_quality must be in [1,100], got %d", c.Export.MinQuality))
	}

	switch c.Lock.Backend {
	case LockLocal:
	case LockPostgres:
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("lock.backend postgres requires storage.dsn"))
		}
		if c.Lock.MaxConns < 1 {
			errs = append(errs, fmt.Errorf("lock.max_conns must be >= 1, got %d", c.Lock.MaxConns))
		}
	case LockRedis:
		if c.Lock.RedisAddr == "" {
			errs = append(errs, errors.New("lock.backend redis requires lock.redis_addr"))
		}
		if c.Lock.TTL <= 0 {
			errs = append(errs, errors.New("lock.ttl must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid lock.backend: %q", c.Lock.Backend))
	}
	if c.Lock.Wait < 0 {
		errs = append(errs, errors.New("lock.wait must not be negative"))
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log.level: %q", c.Log.Level))
	}

	return errors.Join(errs...)
}
