package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	p := writeTempFile(t, t.TempDir(), "cfg.yaml", `
devices:
  - cpu:0
  - cpu:1
replica_count: 1
max_batch_size: 16
max_batch_wait: 5ms
execution_timeout: 250ms
isolation: thread
artifact_path: /models/ranker.pda
placement_path: /models/plan.yaml
pad_missing_features: true
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Devices) != 2 || cfg.ReplicaCount != 1 || cfg.MaxBatchSize != 16 {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.MaxBatchWait.D() != 5*time.Millisecond || cfg.ExecutionTimeout.D() != 250*time.Millisecond {
		t.Fatalf("durations not decoded: %v %v", cfg.MaxBatchWait.D(), cfg.ExecutionTimeout.D())
	}
	if !cfg.PadMissingFeatures || cfg.Isolation != IsolationThread {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	// untouched fields keep defaults
	if cfg.DispatchQueueCapacity != 64 || cfg.Addr != ":8080" || cfg.LoadTimeout.D() != time.Minute {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestLoadJSON(t *testing.T) {
	p := writeTempFile(t, t.TempDir(), "cfg.json", `{"addr":":7070","max_batch_wait":"1ms","dispatch_queue_capacity":8,"output_precision":"fp16"}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":7070" || cfg.MaxBatchWait.D() != time.Millisecond || cfg.DispatchQueueCapacity != 8 || cfg.OutputPrecision != "fp16" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadTOML(t *testing.T) {
	p := writeTempFile(t, t.TempDir(), "cfg.toml", "addr=\":8081\"\ndevices=[\"cuda:0\"]\ndrain_timeout=\"10s\"\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":8081" || cfg.Devices[0] != "cuda:0" || cfg.DrainTimeout.D() != 10*time.Second {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error on empty path")
	}
	d := t.TempDir()
	if _, err := Load(writeTempFile(t, d, "cfg.txt", "not supported")); err == nil {
		t.Fatalf("expected unsupported extension error")
	}
	if _, err := Load(writeTempFile(t, d, "bad.yaml", "max_batch_wait: soon\n")); err == nil {
		t.Fatalf("expected bad duration error")
	}
	if _, err := Load(filepath.Join(d, "missing.yaml")); err == nil {
		t.Fatalf("expected missing file error")
	}
}

func validConfig() Config {
	c := Defaults()
	c.ArtifactPath = "a.pda"
	c.PlacementPath = "p.yaml"
	return c
}

func TestValidate(t *testing.T) {
	c := validConfig()
	c.Devices = []string{" CPU:0 ", "cuda"}
	if err := c.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if c.Devices[0] != "cpu:0" || c.Devices[1] != "cuda:0" {
		t.Fatalf("devices not normalized: %v", c.Devices)
	}
	if c.Replicas() != 2 {
		t.Fatalf("replicas=%d", c.Replicas())
	}

	bad := map[string]func(*Config){
		"no artifact":   func(c *Config) { c.ArtifactPath = "" },
		"no placement":  func(c *Config) { c.PlacementPath = "" },
		"no devices":    func(c *Config) { c.Devices = nil },
		"dup devices":   func(c *Config) { c.Devices = []string{"cpu:0", "cpu"} },
		"bad device":    func(c *Config) { c.Devices = []string{"tpu:0"} },
		"replicas":      func(c *Config) { c.ReplicaCount = 5 },
		"batch size":    func(c *Config) { c.MaxBatchSize = 0 },
		"queue":         func(c *Config) { c.DispatchQueueCapacity = 0 },
		"exec timeout":  func(c *Config) { c.ExecutionTimeout = 0 },
		"isolation":     func(c *Config) { c.Isolation = "container" },
		"precision":     func(c *Config) { c.OutputPrecision = "int8" },
		"request limit": func(c *Config) { c.RequestTimeout = -1 },
		"request log":   func(c *Config) { c.RequestLog = "verbose" },
	}
	for name, mutate := range bad {
		c := validConfig()
		mutate(&c)
		if err := c.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"PREDICTD_DEVICES":              "cpu:0, cpu:1",
		"PREDICTD_MAX_BATCH_WAIT":       "3ms",
		"PREDICTD_REPLICA_COUNT":        "2",
		"PREDICTD_PAD_MISSING_FEATURES": "true",
		"PREDICTD_ADDR":                 ":9000",
		"PREDICTD_MAX_BODY_BYTES":       "2048",
		"PREDICTD_REQUEST_LOG":          "error",
	}
	c := Defaults()
	if err := c.ApplyEnv(func(k string) string { return env[k] }); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(c.Devices) != 2 || c.Devices[1] != "cpu:1" || c.MaxBatchWait.D() != 3*time.Millisecond {
		t.Fatalf("unexpected cfg: %+v", c)
	}
	if c.ReplicaCount != 2 || !c.PadMissingFeatures || c.Addr != ":9000" || c.MaxBodyBytes != 2048 || c.RequestLog != "error" {
		t.Fatalf("unexpected cfg: %+v", c)
	}

	c = Defaults()
	err := c.ApplyEnv(func(k string) string {
		if k == "PREDICTD_MAX_BATCH_SIZE" {
			return "lots"
		}
		return ""
	})
	if err == nil || c.MaxBatchSize != 32 {
		t.Fatalf("expected parse error and unchanged value, got %v / %d", err, c.MaxBatchSize)
	}
}

func TestLoadDotEnv(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, ".env", "PREDICTD_TEST_DOTENV=from-file\n")
	t.Setenv("PREDICTD_TEST_DOTENV", "")
	os.Unsetenv("PREDICTD_TEST_DOTENV")
	if err := LoadDotEnv(filepath.Join(d, "absent.env"), p); err != nil {
		t.Fatalf("dotenv: %v", err)
	}
	if got := os.Getenv("PREDICTD_TEST_DOTENV"); got != "from-file" {
		t.Fatalf("env=%q", got)
	}
}

func TestValidateExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	c := validConfig()
	c.ArtifactPath = "~/models/ranker.pda"
	if err := c.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if c.ArtifactPath != filepath.Join(home, "models", "ranker.pda") {
		t.Fatalf("artifact path = %q", c.ArtifactPath)
	}
}
