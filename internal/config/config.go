// Package config loads platform configuration from a YAML file with
// an environment overlay. Environment variables always win, so a
// containerized deploy can run without any file present.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	Redis       RedisConfig       `yaml:"redis"`
	Policy      PolicyConfig      `yaml:"policy"`
	Scheduling  SchedulingConfig  `yaml:"scheduling"`
	Agents      AgentsConfig      `yaml:"agents"`
	Rails       RailsConfig       `yaml:"rails"`
	Override    OverrideConfig    `yaml:"override"`
	Events      EventsConfig      `yaml:"events"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type DatabaseConfig struct {
	// Backend selects the relational store: memory, postgres, supabase.
	Backend     string `yaml:"backend"`
	PostgresURL string `yaml:"postgres_url"`
	SupabaseURL string `yaml:"supabase_url"`
	SupabaseKey string `yaml:"supabase_key"`
}

type ObjectStoreConfig struct {
	// Backend selects the blob store: memory, s3.
	Backend string `yaml:"backend"`
	Bucket  string `yaml:"bucket"`
	Region  string `yaml:"region"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PolicyConfig struct {
	EvaluatorURL      string        `yaml:"evaluator_url"`
	Timeout           time.Duration `yaml:"timeout"`
	PolicyVersion     string        `yaml:"policy_version"`
	RiskFailThreshold float64       `yaml:"risk_fail_threshold"`
	RiskHoldThreshold float64       `yaml:"risk_hold_threshold"`
}

type SchedulingConfig struct {
	// LineParallelism caps concurrent line executions per process.
	LineParallelism int `yaml:"line_parallelism"`
	// BatchParallelism caps concurrently active batches.
	BatchParallelism int `yaml:"batch_parallelism"`
}

// AgentConfig is the per-agent invocation budget.
type AgentConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
}

type AgentsConfig struct {
	Intent AgentConfig `yaml:"intent"`
	ACC    AgentConfig `yaml:"acc"`
	PDR    AgentConfig `yaml:"pdr"`
	ARL    AgentConfig `yaml:"arl"`
	RCA    AgentConfig `yaml:"rca"`
	CRRAK  AgentConfig `yaml:"crrak"`
}

// ByName resolves an agent budget by its registry name; unknown agents
// get the PDR budget, the widest one.
func (a AgentsConfig) ByName(name string) AgentConfig {
	switch name {
	case "intent":
		return a.Intent
	case "acc":
		return a.ACC
	case "pdr":
		return a.PDR
	case "arl":
		return a.ARL
	case "rca":
		return a.RCA
	case "crrak":
		return a.CRRAK
	}
	return a.PDR
}

type RailsConfig struct {
	// BaselineSuccess overrides per-rail baseline success rates.
	BaselineSuccess map[string]float64 `yaml:"baseline_success"`
	// RetryPenalty is subtracted from the success rate per retry.
	RetryPenalty float64 `yaml:"retry_penalty"`
	// LargeAmountFactor multiplies the success rate for amounts > 10^6.
	LargeAmountFactor float64 `yaml:"large_amount_factor"`
	// DeterministicSeed pins the mock executor RNG; 0 means wall-clock
	// seeded.
	DeterministicSeed int64 `yaml:"deterministic_seed"`
}

type OverrideConfig struct {
	// SigningSecret validates operator-override JWTs.
	SigningSecret string `yaml:"signing_secret"`
}

type EventsConfig struct {
	// Backend selects the event bus: memory, pubsub.
	Backend   string `yaml:"backend"`
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
}

// Default returns the compiled-in configuration used when no file or
// environment is present (tests, local dev).
func Default() *Config {
	return &Config{
		Server:      ServerConfig{Port: "8080", Env: "development"},
		Database:    DatabaseConfig{Backend: "memory"},
		ObjectStore: ObjectStoreConfig{Backend: "memory"},
		Policy: PolicyConfig{
			Timeout:           10 * time.Second,
			PolicyVersion:     "2024.1",
			RiskFailThreshold: 0.5,
			RiskHoldThreshold: 0.3,
		},
		Scheduling: SchedulingConfig{LineParallelism: 8, BatchParallelism: 4},
		Agents: AgentsConfig{
			Intent: AgentConfig{Timeout: 5 * time.Second, MaxRetries: 3},
			ACC:    AgentConfig{Timeout: 12 * time.Second, MaxRetries: 3},
			PDR:    AgentConfig{Timeout: 30 * time.Second, MaxRetries: 3},
			ARL:    AgentConfig{Timeout: 10 * time.Second, MaxRetries: 3},
			RCA:    AgentConfig{Timeout: 10 * time.Second, MaxRetries: 3},
			CRRAK:  AgentConfig{Timeout: 10 * time.Second, MaxRetries: 3},
		},
		Rails: RailsConfig{
			RetryPenalty:      0.05,
			LargeAmountFactor: 0.85,
		},
		Override: OverrideConfig{SigningSecret: "dev-override-secret"},
		Events:   EventsConfig{Backend: "memory", TopicID: "payflow-events"},
	}
}

// Load reads the YAML file at path (if it exists) over the defaults,
// then applies the environment overlay.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		f, err := os.Open(path)
		if err == nil {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// LoadWithDotenv loads .env first (ignored when absent), then Load.
func LoadWithDotenv(path string) (*Config, error) {
	_ = godotenv.Load()
	return Load(path)
}

func (c *Config) applyEnv() {
	setStr := func(dst *string, key string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setStr(&c.Server.Port, "PORT")
	setStr(&c.Server.Env, "APP_ENV")
	setStr(&c.Database.Backend, "DATABASE_BACKEND")
	setStr(&c.Database.PostgresURL, "DATABASE_URL")
	setStr(&c.Database.SupabaseURL, "SUPABASE_URL")
	setStr(&c.Database.SupabaseKey, "SUPABASE_SERVICE_KEY")
	setStr(&c.ObjectStore.Backend, "OBJECT_STORE_BACKEND")
	setStr(&c.ObjectStore.Bucket, "OBJECT_STORE_BUCKET")
	setStr(&c.ObjectStore.Region, "OBJECT_STORE_REGION")
	setStr(&c.Redis.Addr, "REDIS_ADDR")
	setStr(&c.Redis.Password, "REDIS_PASSWORD")
	setStr(&c.Policy.EvaluatorURL, "POLICY_EVALUATOR_URL")
	setStr(&c.Policy.PolicyVersion, "POLICY_VERSION")
	setStr(&c.Override.SigningSecret, "OVERRIDE_SIGNING_SECRET")
	setStr(&c.Events.Backend, "EVENTS_BACKEND")
	setStr(&c.Events.ProjectID, "GCP_PROJECT_ID")
	setStr(&c.Events.TopicID, "EVENTS_TOPIC")

	if v := os.Getenv("LINE_PARALLELISM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Scheduling.LineParallelism = n
		}
	}
	if v := os.Getenv("BATCH_PARALLELISM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Scheduling.BatchParallelism = n
		}
	}
	if v := os.Getenv("DETERMINISTIC_SEED"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Rails.DeterministicSeed = n
		}
	}
}
