package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadDefaults(t *testing.T) *Config {
	t.Helper()
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	cfg := loadDefaults(t)

	assert.Equal(t, 8080, cfg.Service.Port)
	assert.Equal(t, 2112, cfg.Service.MetricsPort)
	assert.Equal(t, 30*time.Minute, cfg.Evaluation.ResponseTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Evaluation.RebuttalTimeout)
	assert.Equal(t, 4, cfg.Evaluation.Concurrency)
	assert.True(t, cfg.Evaluation.ConductDebate)
	assert.Equal(t, "heuristic", cfg.Judges.Mode)
	assert.Equal(t, "localhost:6379", cfg.Session.RedisAddr)
	assert.False(t, cfg.Database.Enabled)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 256, cfg.Streaming.RingCapacity)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestJudgeLLMDefaults(t *testing.T) {
	cfg := loadDefaults(t)

	assert.Equal(t, "gpt-4o-mini", cfg.Judges.Default.Model)
	assert.Zero(t, cfg.Judges.Default.Temperature)
	assert.Equal(t, 512, cfg.Judges.Default.MaxTokens)

	// Per-dimension settings inherit the default model; macro keeps a
	// tighter token budget and debate gets the stronger model.
	assert.Equal(t, "gpt-4o-mini", cfg.Judges.Macro.Model)
	assert.Equal(t, 256, cfg.Judges.Macro.MaxTokens)
	assert.Equal(t, "gpt-4o-mini", cfg.Judges.Fundamental.Model)
	assert.Equal(t, "gpt-4o-mini", cfg.Judges.Execution.Model)
	assert.Equal(t, "gpt-4o", cfg.Judges.Debate.Model)
	assert.Equal(t, 512, cfg.Judges.Debate.MaxTokens)

	for _, dim := range []string{"macro", "fundamental", "execution", "debate"} {
		assert.Zerof(t, cfg.Judges.For(dim).Temperature, "judge %s must grade at temperature 0", dim)
	}
	assert.Equal(t, cfg.Judges.Default, cfg.Judges.For("unknown"))
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fabench.yaml")
	yaml := `
service:
  port: 9090
evaluation:
  response_timeout: 45m
  concurrency: 8
  conduct_debate: false
  simulation_date: "2025-11-20"
judges:
  mode: llm
  service:
    base_url: http://judge:9000
  macro:
    model: gpt-4.1-mini
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := LoadFrom(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Service.Port)
	assert.Equal(t, 45*time.Minute, cfg.Evaluation.ResponseTimeout)
	assert.Equal(t, 8, cfg.Evaluation.Concurrency)
	assert.False(t, cfg.Evaluation.ConductDebate)
	assert.Equal(t, "llm", cfg.Judges.Mode)
	assert.Equal(t, "http://judge:9000", cfg.Judges.Service.BaseURL)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Explicit macro model, but its token budget and the other
	// dimensions keep their defaults.
	assert.Equal(t, "gpt-4.1-mini", cfg.Judges.Macro.Model)
	assert.Equal(t, 256, cfg.Judges.Macro.MaxTokens)
	assert.Equal(t, "gpt-4o-mini", cfg.Judges.Fundamental.Model)

	sim, err := cfg.Evaluation.EffectiveSimulationDate(time.Now())
	require.NoError(t, err)
	assert.Equal(t, "2025-11-20", sim.Format("2006-01-02"))
}

func TestLoadHonorsConfigPathEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte("service:\n  port: 7171\n"), 0o644))
	t.Setenv("CONFIG_PATH", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7171, cfg.Service.Port)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FABENCH_SERVICE_PORT", "9191")
	t.Setenv("FABENCH_EVALUATION_CONCURRENCY", "16")
	t.Setenv("FABENCH_LOGGING_LEVEL", "debug")

	cfg := loadDefaults(t)
	assert.Equal(t, 9191, cfg.Service.Port)
	assert.Equal(t, 16, cfg.Evaluation.Concurrency)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestJudgeLLMEnvOverrides(t *testing.T) {
	t.Run("Default model propagates to unset dimensions", func(t *testing.T) {
		t.Setenv("EVAL_LLM_DEFAULT_MODEL", "gpt-4o")

		cfg := loadDefaults(t)
		assert.Equal(t, "gpt-4o", cfg.Judges.Default.Model)
		assert.Equal(t, "gpt-4o", cfg.Judges.Macro.Model)
		assert.Equal(t, "gpt-4o", cfg.Judges.Execution.Model)
		// Debate is pinned explicitly, not inherited.
		assert.Equal(t, "gpt-4o", cfg.Judges.Debate.Model)
	})

	t.Run("Per-dimension model override", func(t *testing.T) {
		t.Setenv("EVAL_LLM_MACRO_MODEL", "claude-3-sonnet")

		cfg := loadDefaults(t)
		assert.Equal(t, "claude-3-sonnet", cfg.Judges.Macro.Model)
		assert.Equal(t, "anthropic", cfg.Judges.Macro.ResolveProvider())
		assert.Equal(t, "gpt-4o-mini", cfg.Judges.Execution.Model)
		assert.Equal(t, "openai", cfg.Judges.Execution.ResolveProvider())
	})

	t.Run("Explicit provider wins over inference", func(t *testing.T) {
		t.Setenv("EVAL_LLM_EXECUTION_PROVIDER", "azure")

		cfg := loadDefaults(t)
		assert.Equal(t, "azure", cfg.Judges.Execution.ResolveProvider())
	})

	t.Run("Invalid numeric overrides are ignored", func(t *testing.T) {
		t.Setenv("EVAL_LLM_MACRO_MAX_TOKENS", "invalid")
		t.Setenv("EVAL_LLM_MACRO_TEMPERATURE", "invalid")

		cfg := loadDefaults(t)
		assert.Equal(t, 256, cfg.Judges.Macro.MaxTokens)
		assert.Zero(t, cfg.Judges.Macro.Temperature)
	})

	t.Run("Valid numeric overrides apply", func(t *testing.T) {
		t.Setenv("EVAL_LLM_MACRO_MAX_TOKENS", "500")

		cfg := loadDefaults(t)
		assert.Equal(t, 500, cfg.Judges.Macro.MaxTokens)
	})
}

func TestValidate(t *testing.T) {
	base := loadDefaults(t)

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"Zero port", func(c *Config) { c.Service.Port = 0 }, "service port"},
		{"Zero concurrency", func(c *Config) { c.Evaluation.Concurrency = 0 }, "concurrency"},
		{"Negative response timeout", func(c *Config) { c.Evaluation.ResponseTimeout = -time.Second }, "response timeout"},
		{"Bad simulation date", func(c *Config) { c.Evaluation.SimulationDate = "late November" }, "simulation_date"},
		{"Unknown judges mode", func(c *Config) { c.Judges.Mode = "vibes" }, "judges mode"},
		{"LLM mode without service", func(c *Config) { c.Judges.Mode = "llm" }, "base_url"},
		{"Unknown database driver", func(c *Config) { c.Database.Enabled = true; c.Database.Driver = "oracle" }, "database driver"},
		{"Zero ring capacity", func(c *Config) { c.Streaming.RingCapacity = 0 }, "ring capacity"},
		{"Sample rate above one", func(c *Config) { c.Tracing.SampleRate = 2 }, "sample rate"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := *base
			tc.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}

	assert.NoError(t, base.Validate())
}

func TestEffectiveSimulationDate(t *testing.T) {
	now := time.Date(2026, time.August, 23, 12, 0, 0, 0, time.UTC)

	var e EvaluationConfig
	d, err := e.EffectiveSimulationDate(now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC), d)

	e.SimulationDate = "2025-11-20"
	d, err = e.EffectiveSimulationDate(now)
	require.NoError(t, err)
	assert.Equal(t, 2025, d.Year())
	assert.Equal(t, time.November, d.Month())

	e.SimulationDate = "soon"
	_, err = e.EffectiveSimulationDate(now)
	assert.Error(t, err)
}

func TestDatabaseDSN(t *testing.T) {
	d := DatabaseConfig{
		Host: "db", Port: 5433, User: "eval", Password: "s3cret",
		Database: "results", SSLMode: "require",
	}
	assert.Equal(t, "host=db port=5433 user=eval password=s3cret dbname=results sslmode=require", d.DSN())
}
