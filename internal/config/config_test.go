package config

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	kilnlog "github.com/seantiz/kiln/internal/log"
)

var allEnv = []string{
	envListenAddr, envLogLevel, envStoreBackend, envDBPath, envStoreDir,
	envRedisAddr, envRedisPassword, envRedisDB, envRedisPrefix, envDurableQueue,
	envDevices, envExcludeDevices, envRequireDevice, envMaxWorkers,
	envQueueCapacity, envJobTimeout, envBlock, envWebhookURL, envTraceOutput,
	envCORSOrigins,
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allEnv {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(cfg, Default()) {
		t.Errorf("Load() = %+v, want defaults %+v", cfg, Default())
	}
	if cfg.ListenAddr != defaultListenAddr {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, defaultListenAddr)
	}
	if cfg.DBPath != defaultDBPath {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, defaultDBPath)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelInfo)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv(envListenAddr, ":9090")
	t.Setenv(envDBPath, "/tmp/test.db")
	t.Setenv(envLogLevel, "debug")
	t.Setenv(envStoreBackend, "redis")
	t.Setenv(envRedisDB, "3")
	t.Setenv(envDevices, "2")
	t.Setenv(envExcludeDevices, "cuda:0, cuda:3")
	t.Setenv(envRequireDevice, "true")
	t.Setenv(envMaxWorkers, "4")
	t.Setenv(envJobTimeout, "90s")
	t.Setenv(envDurableQueue, "true")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ListenAddr != ":9090" {
		t.Errorf("ListenAddr = %q, want %q", cfg.ListenAddr, ":9090")
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, "/tmp/test.db")
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, want %v", cfg.LogLevel, slog.LevelDebug)
	}
	if cfg.Store != "redis" || cfg.RedisDB != 3 {
		t.Errorf("Store = %q db %d, want redis db 3", cfg.Store, cfg.RedisDB)
	}
	if cfg.Devices != 2 || !cfg.RequireDevice || cfg.MaxWorkers != 4 {
		t.Errorf("Devices = %d RequireDevice = %v MaxWorkers = %d", cfg.Devices, cfg.RequireDevice, cfg.MaxWorkers)
	}
	if !reflect.DeepEqual(cfg.ExcludeDevices, []string{"cuda:0", "cuda:3"}) {
		t.Errorf("ExcludeDevices = %v", cfg.ExcludeDevices)
	}
	if cfg.JobTimeout != 90*time.Second {
		t.Errorf("JobTimeout = %v, want 90s", cfg.JobTimeout)
	}
	if !cfg.DurableQueue {
		t.Error("DurableQueue = false, want true")
	}
}

func TestVolatileQueueNeedsMemoryStore(t *testing.T) {
	clearEnv(t)
	t.Setenv(envDurableQueue, "false")

	for _, backend := range []string{"sqlite", "fs", "redis"} {
		t.Setenv(envStoreBackend, backend)
		if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "durable_queue") {
			t.Errorf("store %s: Load() error = %v, want durable_queue rejection", backend, err)
		}
	}

	t.Setenv(envStoreBackend, "memory")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("memory store: Load: %v", err)
	}
	if cfg.DurableQueue {
		t.Error("DurableQueue = true, want false")
	}
}

func TestLoadBadEnv(t *testing.T) {
	tests := map[string]string{
		envMaxWorkers:    "many",
		envRequireDevice: "sometimes",
		envJobTimeout:    "forever",
	}
	for env, val := range tests {
		t.Run(env, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(env, val)
			if _, err := Load(""); err == nil {
				t.Errorf("Load with %s=%q should fail", env, val)
			}
		})
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "kiln.yaml")
	yamlDoc := `
listen_addr: ":7000"
log_level: warn
store: fs
store_dir: /var/lib/kiln
devices: 4
exclude_devices: ["cuda:1"]
max_workers: 3
job_timeout: 2m
block: countdown
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv(envMaxWorkers, "2")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":7000" || cfg.Store != "fs" || cfg.StoreDir != "/var/lib/kiln" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.LogLevel != slog.LevelWarn {
		t.Errorf("LogLevel = %v, want warn", cfg.LogLevel)
	}
	if cfg.Devices != 4 || cfg.Block != "countdown" || cfg.JobTimeout != 2*time.Minute {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.MaxWorkers != 2 {
		t.Errorf("MaxWorkers = %d, env should override file", cfg.MaxWorkers)
	}
	if cfg.DBPath != defaultDBPath {
		t.Errorf("DBPath = %q, unset keys keep defaults", cfg.DBPath)
	}
}

func TestLoadMissingFile(t *testing.T) {
	clearEnv(t)
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Load of a missing file should fail")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"store", func(c *Config) { c.Store = "etcd" }},
		{"workers", func(c *Config) { c.MaxWorkers = 0 }},
		{"capacity", func(c *Config) { c.QueueCapacity = 0 }},
		{"devices", func(c *Config) { c.Devices = -2 }},
		{"timeout", func(c *Config) { c.JobTimeout = -time.Second }},
		{"volatile queue", func(c *Config) { c.DurableQueue = false }},
	}
	for _, tt := range tests {
		cfg := Default()
		tt.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: Validate() = nil, want error", tt.name)
		}
	}
	if err := Default().Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestNewLoggerOutputsJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}

	ctx := kilnlog.WithToken(context.Background(), "01TOKEN")
	logger.InfoContext(ctx, "test message", "key", "value")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("logger output is not valid JSON: %v\noutput: %s", err, buf.String())
	}

	for _, key := range []string{"time", "level", "msg"} {
		if _, ok := entry[key]; !ok {
			t.Errorf("JSON output missing expected key %q", key)
		}
	}
	if entry["msg"] != "test message" {
		t.Errorf("msg = %v, want %q", entry["msg"], "test message")
	}
	if entry["key"] != "value" {
		t.Errorf("key = %v, want %q", entry["key"], "value")
	}
	if entry["token"] != "01TOKEN" {
		t.Errorf("token = %v, want context attribute", entry["token"])
	}
}
