// Package config loads engine configuration from a YAML file with
// FABENCH_* environment overrides layered on top. Judge LLM settings
// additionally honor the EVAL_LLM_* variables so a single run can be
// repointed at different grading models without touching the file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is the full engine configuration.
type Config struct {
	Service    ServiceConfig    `mapstructure:"service"`
	Evaluation EvaluationConfig `mapstructure:"evaluation"`
	Judges     JudgesConfig     `mapstructure:"judges"`
	Session    SessionConfig    `mapstructure:"session"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Streaming  StreamingConfig  `mapstructure:"streaming"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServiceConfig holds the HTTP listener settings. SelfID is the
// green agent's identity on A2A messages. An empty AuthToken disables
// ingest authentication, for local runs only.
type ServiceConfig struct {
	SelfID          string        `mapstructure:"self_id"`
	Port            int           `mapstructure:"port"`
	MetricsPort     int           `mapstructure:"metrics_port"`
	AuthToken       string        `mapstructure:"auth_token"`
	IngestRate      float64       `mapstructure:"ingest_rate"`
	IngestBurst     int           `mapstructure:"ingest_burst"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout of zero keeps SSE streams open indefinitely.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// EvaluationConfig controls the per-task protocol run.
type EvaluationConfig struct {
	ResponseTimeout time.Duration `mapstructure:"response_timeout"`
	RebuttalTimeout time.Duration `mapstructure:"rebuttal_timeout"`
	Concurrency     int           `mapstructure:"concurrency"`
	ConductDebate   bool          `mapstructure:"conduct_debate"`
	// SimulationDate in 2006-01-02 form. Empty means January 1 of the
	// previous calendar year.
	SimulationDate string `mapstructure:"simulation_date"`
}

// EffectiveSimulationDate resolves the configured simulation date,
// defaulting to January 1 of the year before now.
func (e EvaluationConfig) EffectiveSimulationDate(now time.Time) (time.Time, error) {
	if e.SimulationDate == "" {
		return time.Date(now.Year()-1, time.January, 1, 0, 0, 0, 0, time.UTC), nil
	}
	d, err := time.Parse("2006-01-02", e.SimulationDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse simulation_date %q: %w", e.SimulationDate, err)
	}
	return d, nil
}

// JudgesConfig selects the scoring backend and the LLM settings per
// dimension. Mode "heuristic" grades locally; "llm" calls the judge
// service with each dimension's model settings.
type JudgesConfig struct {
	Mode        string       `mapstructure:"mode"`
	Service     JudgeService `mapstructure:"service"`
	Default     LLMSettings  `mapstructure:"default"`
	Macro       LLMSettings  `mapstructure:"macro"`
	Fundamental LLMSettings  `mapstructure:"fundamental"`
	Execution   LLMSettings  `mapstructure:"execution"`
	Debate      LLMSettings  `mapstructure:"debate"`
}

// JudgeService locates the external LLM grading service.
type JudgeService struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LLMSettings configures one judge's model. Temperature defaults to 0
// so repeated runs grade identically.
type LLMSettings struct {
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
	Provider    string  `mapstructure:"provider"`
}

// ResolveProvider returns the explicit provider or infers one from the
// model name.
func (s LLMSettings) ResolveProvider() string {
	if s.Provider != "" {
		return s.Provider
	}
	if strings.HasPrefix(s.Model, "claude") {
		return "anthropic"
	}
	return "openai"
}

// For returns the settings for a dimension, falling back to Default
// for names it does not know.
func (j JudgesConfig) For(dimension string) LLMSettings {
	switch dimension {
	case "macro":
		return j.Macro
	case "fundamental":
		return j.Fundamental
	case "execution":
		return j.Execution
	case "debate":
		return j.Debate
	default:
		return j.Default
	}
}

// normalize fills per-dimension blanks from Default. Explicit file or
// env values are never overwritten.
func (j *JudgesConfig) normalize() {
	for _, s := range []*LLMSettings{&j.Macro, &j.Fundamental, &j.Execution, &j.Debate} {
		if s.Model == "" {
			s.Model = j.Default.Model
		}
		if s.MaxTokens == 0 {
			s.MaxTokens = j.Default.MaxTokens
		}
		if s.Provider == "" {
			s.Provider = j.Default.Provider
		}
	}
}

// SessionConfig holds the Redis run registry settings. The engine
// falls back to an in-process registry when Redis is unreachable.
type SessionConfig struct {
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db"`
	TTL           time.Duration `mapstructure:"ttl"`
}

// DatabaseConfig holds the results store settings. Driver is postgres
// or sqlite; sqlite keeps history in the local file named by Path and
// needs no server, which suits single-node CLI runs.
type DatabaseConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Driver    string `mapstructure:"driver"`
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	User      string `mapstructure:"user"`
	Password  string `mapstructure:"password"`
	Database  string `mapstructure:"database"`
	SSLMode   string `mapstructure:"ssl_mode"`
	Path      string `mapstructure:"path"`
	QueueSize int    `mapstructure:"queue_size"`
}

// DSN renders the lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode)
}

// StreamingConfig sizes the per-run event replay ring.
type StreamingConfig struct {
	RingCapacity int `mapstructure:"ring_capacity"`
}

// TracingConfig holds the OTLP exporter settings.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

// LoggingConfig holds the zap logger settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// BuildLogger constructs the configured zap logger. The returned level
// handle supports live adjustment, which the config watcher uses.
func (l LoggingConfig) BuildLogger() (*zap.Logger, zap.AtomicLevel, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if parsed, err := zapcore.ParseLevel(l.Level); err == nil {
		level.SetLevel(parsed)
	}

	zcfg := zap.NewProductionConfig()
	if l.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = level

	logger, err := zcfg.Build()
	return logger, level, err
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.self_id", "fabench-green")
	v.SetDefault("service.port", 8080)
	v.SetDefault("service.metrics_port", 2112)
	v.SetDefault("service.auth_token", "")
	v.SetDefault("service.ingest_rate", 50.0)
	v.SetDefault("service.ingest_burst", 100)
	v.SetDefault("service.graceful_timeout", "30s")
	v.SetDefault("service.read_timeout", "10s")
	v.SetDefault("service.write_timeout", "0s")

	v.SetDefault("evaluation.response_timeout", "30m")
	v.SetDefault("evaluation.rebuttal_timeout", "10m")
	v.SetDefault("evaluation.concurrency", 4)
	v.SetDefault("evaluation.conduct_debate", true)
	v.SetDefault("evaluation.simulation_date", "")

	v.SetDefault("judges.mode", "heuristic")
	v.SetDefault("judges.service.base_url", "")
	v.SetDefault("judges.service.api_key", "")
	v.SetDefault("judges.service.timeout", "60s")
	v.SetDefault("judges.default.model", "gpt-4o-mini")
	v.SetDefault("judges.default.temperature", 0.0)
	v.SetDefault("judges.default.max_tokens", 512)
	// Macro verdicts are short; debate grading wants the stronger model.
	v.SetDefault("judges.macro.max_tokens", 256)
	v.SetDefault("judges.debate.model", "gpt-4o")

	v.SetDefault("session.redis_addr", "localhost:6379")
	v.SetDefault("session.redis_password", "")
	v.SetDefault("session.redis_db", 0)
	v.SetDefault("session.ttl", "24h")

	v.SetDefault("database.enabled", false)
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "fabench")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "fabench")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.path", "fabench.db")
	v.SetDefault("database.queue_size", 256)

	v.SetDefault("streaming.ring_capacity", 256)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4317")
	v.SetDefault("tracing.service_name", "fabench")
	v.SetDefault("tracing.sample_rate", 1.0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads the file named by CONFIG_PATH, defaulting to
// config/fabench.yaml. A missing file is not an error; defaults and
// environment overrides still apply.
func Load() (*Config, error) {
	return LoadFrom(os.Getenv("CONFIG_PATH"))
}

// LoadFrom reads configuration from an explicit path.
func LoadFrom(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("FABENCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = "config/fabench.yaml"
	}
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyLLMEnv(&cfg.Judges.Default, "DEFAULT")
	cfg.Judges.normalize()
	applyLLMEnv(&cfg.Judges.Macro, "MACRO")
	applyLLMEnv(&cfg.Judges.Fundamental, "FUNDAMENTAL")
	applyLLMEnv(&cfg.Judges.Execution, "EXECUTION")
	applyLLMEnv(&cfg.Judges.Debate, "DEBATE")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyLLMEnv layers EVAL_LLM_<NAME>_* overrides onto one judge's
// settings. Values that fail to parse are ignored.
func applyLLMEnv(s *LLMSettings, name string) {
	prefix := "EVAL_LLM_" + name + "_"
	if m := os.Getenv(prefix + "MODEL"); m != "" {
		s.Model = m
	}
	if t := os.Getenv(prefix + "TEMPERATURE"); t != "" {
		var x float64
		if _, err := fmt.Sscanf(t, "%f", &x); err == nil && x >= 0 {
			s.Temperature = x
		}
	}
	if mt := os.Getenv(prefix + "MAX_TOKENS"); mt != "" {
		var x int
		if _, err := fmt.Sscanf(mt, "%d", &x); err == nil && x > 0 {
			s.MaxTokens = x
		}
	}
	if p := os.Getenv(prefix + "PROVIDER"); p != "" {
		s.Provider = p
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("service port must be between 1 and 65535, got %d", c.Service.Port)
	}
	if c.Service.MetricsPort < 1 || c.Service.MetricsPort > 65535 {
		return fmt.Errorf("metrics port must be between 1 and 65535, got %d", c.Service.MetricsPort)
	}
	if c.Evaluation.Concurrency < 1 {
		return fmt.Errorf("evaluation concurrency must be at least 1, got %d", c.Evaluation.Concurrency)
	}
	if c.Evaluation.ResponseTimeout <= 0 {
		return fmt.Errorf("response timeout must be positive, got %v", c.Evaluation.ResponseTimeout)
	}
	if c.Evaluation.RebuttalTimeout <= 0 {
		return fmt.Errorf("rebuttal timeout must be positive, got %v", c.Evaluation.RebuttalTimeout)
	}
	if c.Evaluation.SimulationDate != "" {
		if _, err := time.Parse("2006-01-02", c.Evaluation.SimulationDate); err != nil {
			return fmt.Errorf("simulation_date must be YYYY-MM-DD, got %q", c.Evaluation.SimulationDate)
		}
	}
	switch c.Judges.Mode {
	case "heuristic":
	case "llm":
		if c.Judges.Service.BaseURL == "" {
			return fmt.Errorf("judges mode %q requires judges.service.base_url", c.Judges.Mode)
		}
	default:
		return fmt.Errorf("judges mode must be heuristic or llm, got %q", c.Judges.Mode)
	}
	if c.Database.Enabled {
		switch c.Database.Driver {
		case "", "postgres", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("database driver must be postgres or sqlite, got %q", c.Database.Driver)
		}
	}
	if c.Streaming.RingCapacity < 1 {
		return fmt.Errorf("streaming ring capacity must be at least 1, got %d", c.Streaming.RingCapacity)
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing sample rate must be between 0 and 1, got %v", c.Tracing.SampleRate)
	}
	return nil
}
