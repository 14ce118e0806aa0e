// Package config loads GUPPI configuration from a YAML file with
// environment overrides. Every policy threshold the scheduler honors
// (retention windows, cooldown bounds, output caps) lives here as a
// documented default rather than a constant buried in the loop.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all GUPPI runtime configuration.
type Config struct {
	Agent     AgentConfig     `yaml:"agent"`
	Broker    BrokerConfig    `yaml:"broker"`
	LLM       LLMConfig       `yaml:"llm"`
	Memory    MemoryConfig    `yaml:"memory"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Execution ExecutionConfig `yaml:"execution"`
	Compute   ComputeConfig   `yaml:"compute"`
}

// AgentConfig identifies this instance and its private filesystem root.
type AgentConfig struct {
	Name         string `yaml:"name"`
	Root         string `yaml:"root"`
	IdentityFile string `yaml:"identity_file"`
}

// BrokerConfig selects and configures the message broker backend.
type BrokerConfig struct {
	// Backend is "redis" or "memory". The in-memory backend exists for
	// tests and single-process development runs.
	Backend string `yaml:"backend"`
	URL     string `yaml:"url"`
}

// LLMConfig configures the two decision-backend tiers.
type LLMConfig struct {
	Provider  string        `yaml:"provider"`
	APIKey    string        `yaml:"api_key"`
	FastModel string        `yaml:"fast_model"`
	SlowModel string        `yaml:"slow_model"`
	Timeout   time.Duration `yaml:"timeout"`
}

// MemoryConfig holds the tier promotion policy.
type MemoryConfig struct {
	// HotRetention is the hot-log size that triggers prune_and_summarize.
	HotRetention int `yaml:"hot_retention"`
	// HotKeep is how many recent turns survive a prune.
	HotKeep int `yaml:"hot_keep"`
	// ContextTurns is the hot-log tail injected into a standard context.
	ContextTurns int `yaml:"context_turns"`
	// OrientationTail replaces ContextTurns after a deep sleep.
	OrientationTail int `yaml:"orientation_tail"`
	// OrientationAfter is the sleep duration that switches context
	// synthesis into orientation mode.
	OrientationAfter time.Duration `yaml:"orientation_after"`
	// RecentEpisodes is how many episode summaries enter the context.
	RecentEpisodes int `yaml:"recent_episodes"`
	// ClipboardMaxEntries bounds the persistent scratchpad.
	ClipboardMaxEntries int `yaml:"clipboard_max_entries"`
	// EmbedModel is the embedding model identity the semantic index is
	// pinned to. Changing it requires a full re-embed.
	EmbedModel string `yaml:"embed_model"`
}

// SchedulerConfig holds the refractory loop policy.
type SchedulerConfig struct {
	CooldownMin      time.Duration `yaml:"cooldown_min"`
	CooldownMax      time.Duration `yaml:"cooldown_max"`
	GovernorLimit    int           `yaml:"governor_limit"`
	GovernorWindow   time.Duration `yaml:"governor_window"`
	DedupTTL         time.Duration `yaml:"dedup_ttl"`
	BurstDrainMax    int           `yaml:"burst_drain_max"`
	HeartbeatEvery   time.Duration `yaml:"heartbeat_every"`
	DefaultAlarmWait time.Duration `yaml:"default_alarm_wait"`
}

// ExecutionConfig governs the action executor.
type ExecutionConfig struct {
	MaxConcurrentSubprocs int64         `yaml:"max_concurrent_subprocs"`
	ForegroundTimeout     time.Duration `yaml:"foreground_timeout"`
	// OutputLimit is the machete: captured stdout/stderr is hard
	// truncated at this many bytes before it touches any store.
	OutputLimit int           `yaml:"output_limit"`
	SpawnScript string        `yaml:"spawn_script"`
}

// ComputeConfig configures the remote compute gateway and worker.
type ComputeConfig struct {
	Queue          string        `yaml:"queue"`
	ReplyTimeout   time.Duration `yaml:"reply_timeout"`
	Backend        string        `yaml:"backend"` // "ollama" or "genai"
	OllamaEndpoint string        `yaml:"ollama_endpoint"`
	EmbedModel     string        `yaml:"embed_model"`
	SummarizeModel string        `yaml:"summarize_model"`
}

// Default returns the documented policy defaults.
func Default() Config {
	return Config{
		Agent: AgentConfig{
			Name:         "agent-genesis",
			Root:         defaultRoot(),
			IdentityFile: ".guppi-identity",
		},
		Broker: BrokerConfig{
			Backend: "redis",
			URL:     "redis://localhost:6379/0",
		},
		LLM: LLMConfig{
			Provider:  "genai",
			FastModel: "gemini-2.5-flash",
			SlowModel: "gemini-2.5-pro",
			Timeout:   300 * time.Second,
		},
		Memory: MemoryConfig{
			HotRetention:        30,
			HotKeep:             15,
			ContextTurns:        20,
			OrientationTail:     3,
			OrientationAfter:    time.Hour,
			RecentEpisodes:      5,
			ClipboardMaxEntries: 50,
			EmbedModel:          "nomic-embed-text",
		},
		Scheduler: SchedulerConfig{
			CooldownMin:      10 * time.Second,
			CooldownMax:      30 * time.Second,
			GovernorLimit:    15,
			GovernorWindow:   300 * time.Second,
			DedupTTL:         90 * time.Second,
			BurstDrainMax:    20,
			HeartbeatEvery:   60 * time.Second,
			DefaultAlarmWait: 24 * time.Hour,
		},
		Execution: ExecutionConfig{
			MaxConcurrentSubprocs: 4,
			ForegroundTimeout:     150 * time.Second,
			OutputLimit:           20000,
			SpawnScript:           "spawn_agent_lxc.sh",
		},
		Compute: ComputeConfig{
			Queue:          "queue:gpu_heavy",
			ReplyTimeout:   30 * time.Second,
			Backend:        "ollama",
			OllamaEndpoint: "http://localhost:11434",
			EmbedModel:     "nomic-embed-text",
			SummarizeModel: "mistral",
		},
	}
}

func defaultRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

// Load reads the config file at path, if it exists, on top of the
// defaults, then applies GUPPI_* environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Missing file is fine: defaults + env.
		case err != nil:
			return cfg, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()

	if cfg.Memory.HotKeep >= cfg.Memory.HotRetention {
		return cfg, fmt.Errorf("memory.hot_keep (%d) must be below memory.hot_retention (%d)",
			cfg.Memory.HotKeep, cfg.Memory.HotRetention)
	}
	if cfg.Scheduler.CooldownMax < cfg.Scheduler.CooldownMin {
		return cfg, fmt.Errorf("scheduler.cooldown_max below cooldown_min")
	}
	return cfg, nil
}

// applyEnv overlays environment variables on the loaded config. Only the
// settings operators actually vary per host are exposed this way.
func (c *Config) applyEnv() {
	setStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setStr("GUPPI_AGENT_NAME", &c.Agent.Name)
	setStr("GUPPI_ROOT", &c.Agent.Root)
	setStr("GUPPI_BROKER_URL", &c.Broker.URL)
	setStr("GUPPI_BROKER_BACKEND", &c.Broker.Backend)
	setStr("GUPPI_API_KEY", &c.LLM.APIKey)
	setStr("GUPPI_MODEL_FAST", &c.LLM.FastModel)
	setStr("GUPPI_MODEL_SLOW", &c.LLM.SlowModel)
	setStr("GUPPI_OLLAMA_ENDPOINT", &c.Compute.OllamaEndpoint)
	setStr("GUPPI_COMPUTE_BACKEND", &c.Compute.Backend)

	if v := os.Getenv("GUPPI_OUTPUT_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Execution.OutputLimit = n
		}
	}
	if v := os.Getenv("GUPPI_FOREGROUND_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Execution.ForegroundTimeout = d
		}
	}
}

// IdentityPath resolves the identity file under the agent root.
func (c *Config) IdentityPath() string {
	return filepath.Join(c.Agent.Root, c.Agent.IdentityFile)
}
