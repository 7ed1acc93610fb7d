package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
redis:
  addr: redis.internal:6379
postgres:
  host: pg.internal
  user: chkmate
  password: secret
  database: chkmate
kafka:
  enabled: true
  brokers:
    - kafka.internal:9092
sweep:
  enabled: true
  interval: 30s
match:
  minimum_stake_wei: 2000000000000000
  max_turn_time: 15s
  max_missed_turns: 3
  join_window: 1h
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Redis.Addr != "redis.internal:6379" {
		t.Errorf("redis addr = %q", cfg.Redis.Addr)
	}
	if !cfg.Kafka.Enabled || cfg.Kafka.Brokers[0] != "kafka.internal:9092" {
		t.Errorf("kafka = %+v", cfg.Kafka)
	}
	if cfg.Sweep.Interval != 30*time.Second {
		t.Errorf("sweep interval = %v", cfg.Sweep.Interval)
	}
	if cfg.Match.MinimumStakeWei != 2_000_000_000_000_000 {
		t.Errorf("minimum stake = %d", cfg.Match.MinimumStakeWei)
	}
	if cfg.Match.MaxTurnTime != 15*time.Second {
		t.Errorf("max turn time = %v", cfg.Match.MaxTurnTime)
	}
	if cfg.Match.MaxMissedTurns != 3 {
		t.Errorf("max missed turns = %d", cfg.Match.MaxMissedTurns)
	}
	if cfg.Match.JoinWindow != time.Hour {
		t.Errorf("join window = %v", cfg.Match.JoinWindow)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9090\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("redis addr = %q, want default", cfg.Redis.Addr)
	}
	if cfg.Kafka.Topic != "settlement-retries" {
		t.Errorf("kafka topic = %q, want default", cfg.Kafka.Topic)
	}
	if cfg.Match.MinimumStakeWei != 1_000_000_000_000_000 {
		t.Errorf("minimum stake = %d, want default", cfg.Match.MinimumStakeWei)
	}
	if cfg.Match.MaxTurnTime != 20*time.Second {
		t.Errorf("max turn time = %v, want default", cfg.Match.MaxTurnTime)
	}
	if cfg.Sweep.Interval != time.Minute || cfg.Sweep.BatchSize != 100 {
		t.Errorf("sweep = %+v, want defaults", cfg.Sweep)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("PG_PASSWORD", "s3cret")
	path := writeConfig(t, "postgres:\n  password: ${PG_PASSWORD}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Postgres.Password != "s3cret" {
		t.Errorf("password = %q, want expanded env value", cfg.Postgres.Password)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("Load() should fail for a missing file")
	}
}

func TestConnectionString(t *testing.T) {
	pg := PostgresConfig{
		Host:     "db",
		Port:     5432,
		User:     "chkmate",
		Password: "pw",
		Database: "matches",
	}
	want := "postgres://chkmate:pw@db:5432/matches?sslmode=disable"
	if got := pg.ConnectionString(); got != want {
		t.Errorf("ConnectionString() = %q, want %q", got, want)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Server.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Server.Port)
	}
	if !cfg.Sweep.Enabled {
		t.Error("sweeper should run by default")
	}
	if cfg.Kafka.Enabled {
		t.Error("kafka should be opt-in")
	}
	if cfg.Match.MaxMissedTurns != 2 {
		t.Errorf("max missed turns = %d, want 2", cfg.Match.MaxMissedTurns)
	}
}
