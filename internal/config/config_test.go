package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	c := Default()
	if c.Backend != BackendPebble || c.Fsync != "interval" {
		t.Fatalf("unexpected storage defaults: %+v", c)
	}
	if c.Queue.TTR() != 30*time.Second || c.Queue.RetryCount != 3 {
		t.Fatalf("unexpected queue defaults: %+v", c.Queue)
	}
	if !c.Scheduler.Enabled || c.Scheduler.Interval() != 200*time.Millisecond || c.Scheduler.BatchSize != 512 {
		t.Fatalf("unexpected scheduler defaults: %+v", c.Scheduler)
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "ice.json")
	data := `{"backend":"redis","redis":{"addr":"cache:6379","db":2},"queue":{"ttrMs":1000,"topics":["sms","email"]}}`
	if err := os.WriteFile(file, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	c, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Backend != BackendRedis || c.Redis.Addr != "cache:6379" || c.Redis.DB != 2 {
		t.Fatalf("redis section not applied: %+v", c.Redis)
	}
	if c.Queue.TTRMs != 1000 || len(c.Queue.Topics) != 2 {
		t.Fatalf("queue section not applied: %+v", c.Queue)
	}
	// untouched fields keep defaults
	if c.Queue.RetryCount != 3 || c.Redis.KeyPrefix != "{ice}" {
		t.Fatalf("defaults lost: %+v", c)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "ice.yaml")
	data := strings.Join([]string{
		"backend: postgres",
		"postgres:",
		"  dsn: postgres://ice@db/ice",
		"  maxConns: 4",
		"scheduler:",
		"  intervalMs: 50",
		"log:",
		"  level: debug",
		"  format: text",
		"",
	}, "\n")
	if err := os.WriteFile(file, []byte(data), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	c, err := Load(file)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Backend != BackendPostgres || c.Postgres.DSN != "postgres://ice@db/ice" || c.Postgres.MaxConns != 4 {
		t.Fatalf("postgres section not applied: %+v", c.Postgres)
	}
	if c.Scheduler.IntervalMs != 50 || c.Scheduler.BatchSize != 512 {
		t.Fatalf("scheduler merge wrong: %+v", c.Scheduler)
	}
	if c.Log.Level != "debug" || c.Log.Format != "text" {
		t.Fatalf("log section not applied: %+v", c.Log)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("ICE_BACKEND", "redis")
	t.Setenv("ICE_REDIS_ADDR", "10.0.0.1:6379")
	t.Setenv("ICE_QUEUE_TTR_MS", "2500")
	t.Setenv("ICE_QUEUE_TOPICS", "sms,email")
	t.Setenv("ICE_QUEUE_DEAD_LETTER_TOPIC", "dead")
	t.Setenv("ICE_SCHEDULER_ENABLED", "false")
	t.Setenv("ICE_GRPC_ADDR", ":6000")
	t.Setenv("ICE_LOG_LEVEL", "warn")

	c := Default()
	if err := FromEnv(&c); err != nil {
		t.Fatalf("from env: %v", err)
	}
	if c.Backend != BackendRedis || c.Redis.Addr != "10.0.0.1:6379" {
		t.Fatalf("backend env not applied: %+v", c)
	}
	if c.Queue.TTRMs != 2500 || c.Queue.DeadLetterTopic != "dead" {
		t.Fatalf("queue env not applied: %+v", c.Queue)
	}
	if len(c.Queue.Topics) != 2 || c.Queue.Topics[1] != "email" {
		t.Fatalf("topics not split: %v", c.Queue.Topics)
	}
	if c.Scheduler.Enabled {
		t.Fatalf("scheduler should be disabled")
	}
	if c.Server.GRPCAddr != ":6000" || c.Server.HTTPAddr != ":8080" {
		t.Fatalf("server env wrong: %+v", c.Server)
	}
	if c.Log.Level != "warn" {
		t.Fatalf("log level not applied: %q", c.Log.Level)
	}
}

func TestFromEnvBadValue(t *testing.T) {
	t.Setenv("ICE_QUEUE_RETRY_COUNT", "many")
	c := Default()
	if err := FromEnv(&c); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestValidate(t *testing.T) {
	c := Default()
	c.Backend = "mongo"
	c.Queue.TTRMs = 0
	c.Queue.Topics = []string{"ok", " "}
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected validation errors")
	}
	for _, want := range []string{"backend", "ttrMs", "topics"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}

	c = Default()
	c.Backend = BackendPostgres
	if err := c.Validate(); err == nil || !strings.Contains(err.Error(), "dsn") {
		t.Fatalf("postgres without dsn accepted: %v", err)
	}
}
