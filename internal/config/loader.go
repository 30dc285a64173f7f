package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"predictd/internal/common/fsutil"
	"predictd/internal/device"
)

const (
	IsolationProcess = "process"
	IsolationThread  = "thread"
)

// Duration is a time.Duration that decodes from strings like "2ms" in every
// supported file format.
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

func (d Duration) D() time.Duration { return time.Duration(d) }

// Config holds the static runtime parameters. It is read once at startup.
type Config struct {
	Devices               []string `json:"devices" yaml:"devices" toml:"devices"`
	ReplicaCount          int      `json:"replica_count" yaml:"replica_count" toml:"replica_count"`
	MaxBatchSize          int      `json:"max_batch_size" yaml:"max_batch_size" toml:"max_batch_size"`
	MaxBatchWait          Duration `json:"max_batch_wait" yaml:"max_batch_wait" toml:"max_batch_wait"`
	DispatchQueueCapacity int      `json:"dispatch_queue_capacity" yaml:"dispatch_queue_capacity" toml:"dispatch_queue_capacity"`
	ExecutionTimeout      Duration `json:"execution_timeout" yaml:"execution_timeout" toml:"execution_timeout"`
	LoadTimeout           Duration `json:"load_timeout" yaml:"load_timeout" toml:"load_timeout"`
	DrainTimeout          Duration `json:"drain_timeout" yaml:"drain_timeout" toml:"drain_timeout"`
	RequestTimeout        Duration `json:"request_timeout" yaml:"request_timeout" toml:"request_timeout"`
	Isolation             string   `json:"isolation" yaml:"isolation" toml:"isolation"`
	WorkerBinary          string   `json:"worker_binary" yaml:"worker_binary" toml:"worker_binary"`
	ArtifactPath          string   `json:"artifact_path" yaml:"artifact_path" toml:"artifact_path"`
	PlacementPath         string   `json:"placement_path" yaml:"placement_path" toml:"placement_path"`
	PadMissingFeatures    bool     `json:"pad_missing_features" yaml:"pad_missing_features" toml:"pad_missing_features"`
	OutputPrecision       string   `json:"output_precision" yaml:"output_precision" toml:"output_precision"`

	Addr         string `json:"addr" yaml:"addr" toml:"addr"`
	LogLevel     string `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFormat    string `json:"log_format" yaml:"log_format" toml:"log_format"`
	RequestLog   string `json:"request_log" yaml:"request_log" toml:"request_log"`
	MaxBodyBytes int64  `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`

	CORSEnabled        bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSAllowedOrigins []string `json:"cors_allowed_origins" yaml:"cors_allowed_origins" toml:"cors_allowed_origins"`
	CORSAllowedMethods []string `json:"cors_allowed_methods" yaml:"cors_allowed_methods" toml:"cors_allowed_methods"`
	CORSAllowedHeaders []string `json:"cors_allowed_headers" yaml:"cors_allowed_headers" toml:"cors_allowed_headers"`
}

// Defaults returns a config with every optional field filled in.
func Defaults() Config {
	return Config{
		Devices:               []string{"cpu:0"},
		MaxBatchSize:          32,
		MaxBatchWait:          Duration(2 * time.Millisecond),
		DispatchQueueCapacity: 64,
		ExecutionTimeout:      Duration(5 * time.Second),
		LoadTimeout:           Duration(60 * time.Second),
		DrainTimeout:          Duration(30 * time.Second),
		Isolation:             IsolationProcess,
		OutputPrecision:       "fp32",
		Addr:                  ":8080",
		LogLevel:              "info",
		LogFormat:             "json",
		MaxBodyBytes:          1 << 20,
		CORSAllowedMethods:    []string{"GET", "POST", "OPTIONS"},
		CORSAllowedHeaders:    []string{"Content-Type", "X-Request-Id"},
	}
}

// Load reads a configuration file based on its extension over Defaults.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	case ".json":
		err = json.Unmarshal(b, &cfg)
	case ".toml":
		err = toml.Unmarshal(b, &cfg)
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadDotEnv preloads variables from the given .env files into the process
// environment without overriding ones already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from PREDICTD_* environment variables.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	str := func(key string, dst *string) {
		if v := getenv("PREDICTD_" + key); v != "" {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v := getenv("PREDICTD_" + key); v != "" {
			*dst = splitList(v)
		}
	}
	var firstErr error
	note := func(key string, err error) {
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("PREDICTD_%s: %w", key, err)
		}
	}
	num := func(key string, dst *int) {
		if v := getenv("PREDICTD_" + key); v != "" {
			n, err := strconv.Atoi(v)
			note(key, err)
			if err == nil {
				*dst = n
			}
		}
	}
	dur := func(key string, dst *Duration) {
		if v := getenv("PREDICTD_" + key); v != "" {
			note(key, dst.UnmarshalText([]byte(v)))
		}
	}
	flag := func(key string, dst *bool) {
		if v := getenv("PREDICTD_" + key); v != "" {
			b, err := strconv.ParseBool(v)
			note(key, err)
			if err == nil {
				*dst = b
			}
		}
	}

	list("DEVICES", &c.Devices)
	num("REPLICA_COUNT", &c.ReplicaCount)
	num("MAX_BATCH_SIZE", &c.MaxBatchSize)
	dur("MAX_BATCH_WAIT", &c.MaxBatchWait)
	num("DISPATCH_QUEUE_CAPACITY", &c.DispatchQueueCapacity)
	dur("EXECUTION_TIMEOUT", &c.ExecutionTimeout)
	dur("LOAD_TIMEOUT", &c.LoadTimeout)
	dur("DRAIN_TIMEOUT", &c.DrainTimeout)
	dur("REQUEST_TIMEOUT", &c.RequestTimeout)
	str("ISOLATION", &c.Isolation)
	str("WORKER_BINARY", &c.WorkerBinary)
	str("ARTIFACT_PATH", &c.ArtifactPath)
	str("PLACEMENT_PATH", &c.PlacementPath)
	flag("PAD_MISSING_FEATURES", &c.PadMissingFeatures)
	str("OUTPUT_PRECISION", &c.OutputPrecision)
	str("ADDR", &c.Addr)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)
	str("REQUEST_LOG", &c.RequestLog)
	if v := getenv("PREDICTD_MAX_BODY_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		note("MAX_BODY_BYTES", err)
		if err == nil {
			c.MaxBodyBytes = n
		}
	}
	flag("CORS_ENABLED", &c.CORSEnabled)
	list("CORS_ALLOWED_ORIGINS", &c.CORSAllowedOrigins)
	return firstErr
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the configuration, expands "~" in paths and normalizes
// device ids in place.
func (c *Config) Validate() error {
	if c.ArtifactPath == "" {
		return fmt.Errorf("artifact_path is required")
	}
	if c.PlacementPath == "" {
		return fmt.Errorf("placement_path is required")
	}
	if err := fsutil.ExpandPaths(&c.ArtifactPath, &c.PlacementPath, &c.WorkerBinary); err != nil {
		return err
	}
	devs, err := device.Normalize(c.Devices)
	if err != nil {
		return fmt.Errorf("devices: %w", err)
	}
	if len(devs) == 0 {
		return fmt.Errorf("devices: at least one device is required")
	}
	c.Devices = devs
	if c.ReplicaCount < 0 || c.ReplicaCount > len(c.Devices) {
		return fmt.Errorf("replica_count %d out of range [0,%d]", c.ReplicaCount, len(c.Devices))
	}
	if c.MaxBatchSize < 1 {
		return fmt.Errorf("max_batch_size must be >= 1")
	}
	if c.MaxBatchWait < 0 {
		return fmt.Errorf("max_batch_wait must not be negative")
	}
	if c.DispatchQueueCapacity < 1 {
		return fmt.Errorf("dispatch_queue_capacity must be >= 1")
	}
	for name, d := range map[string]Duration{"execution_timeout": c.ExecutionTimeout, "load_timeout": c.LoadTimeout, "drain_timeout": c.DrainTimeout} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request_timeout must not be negative")
	}
	switch c.Isolation {
	case IsolationProcess, IsolationThread:
	default:
		return fmt.Errorf("isolation must be %q or %q, got %q", IsolationProcess, IsolationThread, c.Isolation)
	}
	switch c.OutputPrecision {
	case "fp32", "fp16":
	default:
		return fmt.Errorf("output_precision must be fp32 or fp16, got %q", c.OutputPrecision)
	}
	switch c.RequestLog {
	case "", "off", "error", "info", "debug":
	default:
		return fmt.Errorf("request_log must be off, error, info or debug, got %q", c.RequestLog)
	}
	return nil
}

// Replicas is the number of workers to start; zero means one per device.
func (c Config) Replicas() int {
	if c.ReplicaCount == 0 {
		return len(c.Devices)
	}
	return c.ReplicaCount
}
