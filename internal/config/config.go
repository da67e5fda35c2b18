// Package config loads worker settings from defaults, an optional YAML file
// and KILN_* environment variables, in that order of precedence.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	kilnlog "github.com/seantiz/kiln/internal/log"
)

const (
	defaultListenAddr    = ":8080"
	defaultStoreBackend  = "sqlite"
	defaultDBPath        = "kiln.db"
	defaultStoreDir      = "kiln-data"
	defaultRedisAddr     = "localhost:6379"
	defaultRedisPrefix   = "kiln:"
	defaultBlock         = "echo"
	defaultMaxWorkers    = 1
	defaultQueueCapacity = 1024

	// DevicesAuto asks the worker to enumerate GPUs with nvidia-smi.
	DevicesAuto = -1

	envListenAddr     = "KILN_LISTEN_ADDR"
	envLogLevel       = "KILN_LOG_LEVEL"
	envStoreBackend   = "KILN_STORE"
	envDBPath         = "KILN_DB_PATH"
	envStoreDir       = "KILN_STORE_DIR"
	envRedisAddr      = "KILN_REDIS_ADDR"
	envRedisPassword  = "KILN_REDIS_PASSWORD"
	envRedisDB        = "KILN_REDIS_DB"
	envRedisPrefix    = "KILN_REDIS_PREFIX"
	envDurableQueue   = "KILN_DURABLE_QUEUE"
	envDevices        = "KILN_DEVICES"
	envExcludeDevices = "KILN_EXCLUDE_DEVICES"
	envRequireDevice  = "KILN_REQUIRE_DEVICE"
	envMaxWorkers     = "KILN_MAX_WORKERS"
	envQueueCapacity  = "KILN_QUEUE_CAPACITY"
	envJobTimeout     = "KILN_JOB_TIMEOUT"
	envBlock          = "KILN_BLOCK"
	envWebhookURL     = "KILN_WEBHOOK_URL"
	envTraceOutput    = "KILN_TRACE_OUTPUT"
	envCORSOrigins    = "KILN_CORS_ORIGINS"
)

// Config holds worker configuration.
type Config struct {
	ListenAddr string     `yaml:"listen_addr"`
	LogLevel   slog.Level `yaml:"log_level"`

	// Store selects the durable backend: sqlite, fs, redis or memory.
	Store         string `yaml:"store"`
	DBPath        string `yaml:"db_path"`
	StoreDir      string `yaml:"store_dir"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	RedisPrefix   string `yaml:"redis_prefix"`

	// DurableQueue keeps the queue document in the store instead of memory.
	// Only the memory store may turn it off: persistent records would outlive
	// the in-memory queue and restarts could not fail their jobs.
	DurableQueue bool `yaml:"durable_queue"`

	// Devices is the number of GPU units, or DevicesAuto to detect them.
	Devices        int      `yaml:"devices"`
	ExcludeDevices []string `yaml:"exclude_devices"`
	RequireDevice  bool     `yaml:"require_device"`

	MaxWorkers    int           `yaml:"max_workers"`
	QueueCapacity int           `yaml:"queue_capacity"`
	JobTimeout    time.Duration `yaml:"job_timeout"`

	Block       string   `yaml:"block"`
	WebhookURL  string   `yaml:"webhook_url"`
	TraceOutput string   `yaml:"trace_output"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ListenAddr:    defaultListenAddr,
		LogLevel:      slog.LevelInfo,
		Store:         defaultStoreBackend,
		DBPath:        defaultDBPath,
		StoreDir:      defaultStoreDir,
		RedisAddr:     defaultRedisAddr,
		RedisPrefix:   defaultRedisPrefix,
		DurableQueue:  true,
		MaxWorkers:    defaultMaxWorkers,
		QueueCapacity: defaultQueueCapacity,
		Block:         defaultBlock,
		CORSOrigins:   []string{"*"},
	}
}

// Load builds the configuration. When path is non-empty the YAML file there
// overrides defaults; environment variables override both.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.ListenAddr, envListenAddr)
	setString(&cfg.Store, envStoreBackend)
	setString(&cfg.DBPath, envDBPath)
	setString(&cfg.StoreDir, envStoreDir)
	setString(&cfg.RedisAddr, envRedisAddr)
	setString(&cfg.RedisPassword, envRedisPassword)
	setString(&cfg.RedisPrefix, envRedisPrefix)
	setString(&cfg.Block, envBlock)
	setString(&cfg.WebhookURL, envWebhookURL)
	setString(&cfg.TraceOutput, envTraceOutput)
	setList(&cfg.ExcludeDevices, envExcludeDevices)
	setList(&cfg.CORSOrigins, envCORSOrigins)

	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = kilnlog.ParseLevel(v)
	}

	for _, f := range []struct {
		env string
		dst *int
	}{
		{envRedisDB, &cfg.RedisDB},
		{envDevices, &cfg.Devices},
		{envMaxWorkers, &cfg.MaxWorkers},
		{envQueueCapacity, &cfg.QueueCapacity},
	} {
		if v := os.Getenv(f.env); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", f.env, err)
			}
			*f.dst = n
		}
	}

	for _, f := range []struct {
		env string
		dst *bool
	}{
		{envDurableQueue, &cfg.DurableQueue},
		{envRequireDevice, &cfg.RequireDevice},
	} {
		if v := os.Getenv(f.env); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", f.env, err)
			}
			*f.dst = b
		}
	}

	if v := os.Getenv(envJobTimeout); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", envJobTimeout, err)
		}
		cfg.JobTimeout = d
	}
	return nil
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setList(dst *[]string, env string) {
	v := os.Getenv(env)
	if v == "" {
		return
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}

// Validate rejects settings the worker cannot run with.
func (c Config) Validate() error {
	switch c.Store {
	case "sqlite", "fs", "redis", "memory":
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	if !c.DurableQueue && c.Store != "memory" {
		return fmt.Errorf("durable_queue may only be false with the memory store, got store %q", c.Store)
	}
	if c.MaxWorkers < 1 {
		return fmt.Errorf("max_workers must be at least 1, got %d", c.MaxWorkers)
	}
	if c.QueueCapacity < 1 {
		return fmt.Errorf("queue_capacity must be at least 1, got %d", c.QueueCapacity)
	}
	if c.Devices < DevicesAuto {
		return fmt.Errorf("devices must be %d (auto) or a count, got %d", DevicesAuto, c.Devices)
	}
	if c.JobTimeout < 0 {
		return fmt.Errorf("job_timeout must not be negative")
	}
	return nil
}

// NewLogger creates a structured JSON logger writing to w at the configured
// level. Attributes added with log.ContextAttrs are included.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return kilnlog.New(w, level)
}
