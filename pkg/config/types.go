package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Config represents the persistent recall configuration stored as
// config.toml in the .recall/ directory. The TOML layout uses sections for
// logical grouping.
type Config struct {
	Version     int               `toml:"version"`
	Storage     StorageConfig     `toml:"storage"`
	API         APIConfig         `toml:"api"`
	Embedding   EmbeddingConfig   `toml:"embedding"`
	LLM         LLMConfig         `toml:"llm"`
	NLI         NLIConfig         `toml:"nli"`
	Ranking     RankingConfig     `toml:"ranking"`
	Stale       StaleConfig       `toml:"stale"`
	Memory      MemoryConfig      `toml:"memory"`
	Eventstream EventstreamConfig `toml:"eventstream"`
}

// StorageConfig holds durable store settings.
type StorageConfig struct {
	PostgresDSN string `toml:"postgres_dsn,omitempty"`
}

// APIConfig holds API server settings.
type APIConfig struct {
	Listen string `toml:"listen,omitempty"`
}

// EmbeddingConfig holds embedding provider settings.
type EmbeddingConfig struct {
	Provider   string `toml:"provider,omitempty"`
	Target     string `toml:"target,omitempty"`
	Model      string `toml:"model,omitempty"`
	Dimensions uint   `toml:"dimensions,omitempty"`
}

// LLMConfig holds settings for the JSON-completion client used by the
// evaluator, the consolidator and auto-reflection.
type LLMConfig struct {
	Provider  string `toml:"provider,omitempty"`
	Target    string `toml:"target,omitempty"`
	Model     string `toml:"model,omitempty"`
	TimeoutMs uint   `toml:"timeout_ms,omitempty"`
}

// NLIConfig holds settings for the contradiction classifier.
// Mode is "external", "local" or "off".
type NLIConfig struct {
	Mode      string `toml:"mode,omitempty"`
	Target    string `toml:"target,omitempty"`
	ModelPath string `toml:"model_path,omitempty"`
}

// RankingConfig holds composite ranking settings.
type RankingConfig struct {
	ImportanceWeight    float64 `toml:"importance_weight,omitempty"`
	RecencyWeight       float64 `toml:"recency_weight,omitempty"`
	ActivationThreshold uint    `toml:"activation_threshold,omitempty"`
}

// StaleConfig holds per-type verification windows in days.
type StaleConfig struct {
	ProcedureDays uint `toml:"procedure_days,omitempty"`
	FactDays      uint `toml:"fact_days,omitempty"`
	DecisionDays  uint `toml:"decision_days,omitempty"`
	DefaultDays   uint `toml:"default_days,omitempty"`
}

// MemoryConfig holds memory layer settings.
type MemoryConfig struct {
	WMMaxTokens         uint `toml:"wm_max_tokens,omitempty"`
	LinkedFragmentLimit uint `toml:"linked_fragment_limit,omitempty"`
	TokenBudget         uint `toml:"token_budget,omitempty"`
}

// EventstreamConfig holds Kafka event publishing settings.
type EventstreamConfig struct {
	Enabled bool     `toml:"enabled,omitempty"`
	Brokers []string `toml:"brokers,omitempty"`
	Topic   string   `toml:"topic,omitempty"`
}

// Validate rejects configurations that would break retrieval semantics.
func (c *Config) Validate() error {
	iw, rw := c.Ranking.ImportanceWeight, c.Ranking.RecencyWeight
	if iw != 0 || rw != 0 {
		if sum := iw + rw; sum < 0.999 || sum > 1.001 {
			return fmt.Errorf("ranking weights must sum to 1, got %g", sum)
		}
	}
	return nil
}

// configKeyInfo maps a user-facing dotted key name to a getter and setter on *Config.
type configKeyInfo struct {
	get func(c *Config) string
	set func(c *Config, v string) error
}

func uintKey(get func(c *Config) uint, set func(c *Config, n uint)) configKeyInfo {
	return configKeyInfo{
		get: func(c *Config) string {
			if get(c) == 0 {
				return ""
			}
			return strconv.FormatUint(uint64(get(c)), 10)
		},
		set: func(c *Config, v string) error {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid unsigned integer %q: %w", v, err)
			}
			set(c, uint(n))
			return nil
		},
	}
}

func floatKey(get func(c *Config) float64, set func(c *Config, f float64)) configKeyInfo {
	return configKeyInfo{
		get: func(c *Config) string {
			if get(c) == 0 {
				return ""
			}
			return strconv.FormatFloat(get(c), 'g', -1, 64)
		},
		set: func(c *Config, v string) error {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("invalid float %q: %w", v, err)
			}
			set(c, f)
			return nil
		},
	}
}

// configKeys is the authoritative map of all supported config keys.
// Keys use dotted notation matching the TOML section structure.
var configKeys = map[string]configKeyInfo{
	"storage.postgres_dsn": {
		get: func(c *Config) string { return c.Storage.PostgresDSN },
		set: func(c *Config, v string) error { c.Storage.PostgresDSN = v; return nil },
	},
	"api.listen": {
		get: func(c *Config) string { return c.API.Listen },
		set: func(c *Config, v string) error { c.API.Listen = v; return nil },
	},
	"embedding.provider": {
		get: func(c *Config) string { return c.Embedding.Provider },
		set: func(c *Config, v string) error { c.Embedding.Provider = v; return nil },
	},
	"embedding.target": {
		get: func(c *Config) string { return c.Embedding.Target },
		set: func(c *Config, v string) error { c.Embedding.Target = v; return nil },
	},
	"embedding.model": {
		get: func(c *Config) string { return c.Embedding.Model },
		set: func(c *Config, v string) error { c.Embedding.Model = v; return nil },
	},
	"embedding.dimensions": uintKey(
		func(c *Config) uint { return c.Embedding.Dimensions },
		func(c *Config, n uint) { c.Embedding.Dimensions = n },
	),
	"llm.provider": {
		get: func(c *Config) string { return c.LLM.Provider },
		set: func(c *Config, v string) error { c.LLM.Provider = v; return nil },
	},
	"llm.target": {
		get: func(c *Config) string { return c.LLM.Target },
		set: func(c *Config, v string) error { c.LLM.Target = v; return nil },
	},
	"llm.model": {
		get: func(c *Config) string { return c.LLM.Model },
		set: func(c *Config, v string) error { c.LLM.Model = v; return nil },
	},
	"llm.timeout_ms": uintKey(
		func(c *Config) uint { return c.LLM.TimeoutMs },
		func(c *Config, n uint) { c.LLM.TimeoutMs = n },
	),
	"nli.mode": {
		get: func(c *Config) string { return c.NLI.Mode },
		set: func(c *Config, v string) error { c.NLI.Mode = v; return nil },
	},
	"nli.target": {
		get: func(c *Config) string { return c.NLI.Target },
		set: func(c *Config, v string) error { c.NLI.Target = v; return nil },
	},
	"nli.model_path": {
		get: func(c *Config) string { return c.NLI.ModelPath },
		set: func(c *Config, v string) error { c.NLI.ModelPath = v; return nil },
	},
	"ranking.importance_weight": floatKey(
		func(c *Config) float64 { return c.Ranking.ImportanceWeight },
		func(c *Config, f float64) { c.Ranking.ImportanceWeight = f },
	),
	"ranking.recency_weight": floatKey(
		func(c *Config) float64 { return c.Ranking.RecencyWeight },
		func(c *Config, f float64) { c.Ranking.RecencyWeight = f },
	),
	"ranking.activation_threshold": uintKey(
		func(c *Config) uint { return c.Ranking.ActivationThreshold },
		func(c *Config, n uint) { c.Ranking.ActivationThreshold = n },
	),
	"stale.procedure_days": uintKey(
		func(c *Config) uint { return c.Stale.ProcedureDays },
		func(c *Config, n uint) { c.Stale.ProcedureDays = n },
	),
	"stale.fact_days": uintKey(
		func(c *Config) uint { return c.Stale.FactDays },
		func(c *Config, n uint) { c.Stale.FactDays = n },
	),
	"stale.decision_days": uintKey(
		func(c *Config) uint { return c.Stale.DecisionDays },
		func(c *Config, n uint) { c.Stale.DecisionDays = n },
	),
	"stale.default_days": uintKey(
		func(c *Config) uint { return c.Stale.DefaultDays },
		func(c *Config, n uint) { c.Stale.DefaultDays = n },
	),
	"memory.wm_max_tokens": uintKey(
		func(c *Config) uint { return c.Memory.WMMaxTokens },
		func(c *Config, n uint) { c.Memory.WMMaxTokens = n },
	),
	"memory.linked_fragment_limit": uintKey(
		func(c *Config) uint { return c.Memory.LinkedFragmentLimit },
		func(c *Config, n uint) { c.Memory.LinkedFragmentLimit = n },
	),
	"memory.token_budget": uintKey(
		func(c *Config) uint { return c.Memory.TokenBudget },
		func(c *Config, n uint) { c.Memory.TokenBudget = n },
	),
	"eventstream.enabled": {
		get: func(c *Config) string { return strconv.FormatBool(c.Eventstream.Enabled) },
		set: func(c *Config, v string) error {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("invalid value for eventstream.enabled: %w", err)
			}
			c.Eventstream.Enabled = b
			return nil
		},
	},
	"eventstream.brokers": {
		get: func(c *Config) string { return strings.Join(c.Eventstream.Brokers, ",") },
		set: func(c *Config, v string) error {
			var brokers []string
			for _, b := range strings.Split(v, ",") {
				if b = strings.TrimSpace(b); b != "" {
					brokers = append(brokers, b)
				}
			}
			c.Eventstream.Brokers = brokers
			return nil
		},
	},
	"eventstream.topic": {
		get: func(c *Config) string { return c.Eventstream.Topic },
		set: func(c *Config, v string) error { c.Eventstream.Topic = v; return nil },
	},
}
