package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/papercomputeco/recall/pkg/dotdir"
)

// InitViper creates and returns a configured *viper.Viper.
// It sets defaults from NewDefaultConfig(), reads the config.toml file
// (if found via dotdir resolution), and binds environment variables
// with the RECALL_ prefix.
//
// Config precedence (highest to lowest):
//  1. CLI flags (once bound via BindRegisteredFlags)
//  2. Environment variables (RECALL_API_LISTEN, RECALL_STORAGE_POSTGRES_DSN, etc.)
//  3. config.toml file values
//  4. Defaults from NewDefaultConfig()
func InitViper(configDir string) (*viper.Viper, error) {
	v := viper.New()

	// 1. Register all defaults from NewDefaultConfig().
	setViperDefaults(v)

	// 2. Config file discovery via dotdir resolution.
	v.SetConfigName("config")
	v.SetConfigType("toml")

	ddm := dotdir.NewManager()
	target, err := ddm.Target(configDir)
	if err != nil {
		return nil, fmt.Errorf("resolving config dir: %w", err)
	}

	if target != "" {
		v.AddConfigPath(target)
	}

	if err := v.ReadInConfig(); err != nil {
		// Config file not found errors are fine, defaults will apply.
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	// 3. Environment variables: RECALL_API_LISTEN, RECALL_NLI_MODE, etc.
	v.SetEnvPrefix("RECALL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v, nil
}

// setViperDefaults registers defaults from NewDefaultConfig() into viper
// using dotted-key notation. This keeps defaults.go as the single source of truth.
func setViperDefaults(v *viper.Viper) {
	d := NewDefaultConfig()

	v.SetDefault("version", d.Version)

	// Storage
	v.SetDefault("storage.postgres_dsn", d.Storage.PostgresDSN)

	// API
	v.SetDefault("api.listen", d.API.Listen)

	// Embedding
	v.SetDefault("embedding.provider", d.Embedding.Provider)
	v.SetDefault("embedding.target", d.Embedding.Target)
	v.SetDefault("embedding.model", d.Embedding.Model)
	v.SetDefault("embedding.dimensions", d.Embedding.Dimensions)

	// LLM
	v.SetDefault("llm.provider", d.LLM.Provider)
	v.SetDefault("llm.target", d.LLM.Target)
	v.SetDefault("llm.model", d.LLM.Model)
	v.SetDefault("llm.timeout_ms", d.LLM.TimeoutMs)

	// NLI
	v.SetDefault("nli.mode", d.NLI.Mode)
	v.SetDefault("nli.target", d.NLI.Target)
	v.SetDefault("nli.model_path", d.NLI.ModelPath)

	// Ranking
	v.SetDefault("ranking.importance_weight", d.Ranking.ImportanceWeight)
	v.SetDefault("ranking.recency_weight", d.Ranking.RecencyWeight)
	v.SetDefault("ranking.activation_threshold", d.Ranking.ActivationThreshold)

	// Stale windows
	v.SetDefault("stale.procedure_days", d.Stale.ProcedureDays)
	v.SetDefault("stale.fact_days", d.Stale.FactDays)
	v.SetDefault("stale.decision_days", d.Stale.DecisionDays)
	v.SetDefault("stale.default_days", d.Stale.DefaultDays)

	// Memory
	v.SetDefault("memory.wm_max_tokens", d.Memory.WMMaxTokens)
	v.SetDefault("memory.linked_fragment_limit", d.Memory.LinkedFragmentLimit)
	v.SetDefault("memory.token_budget", d.Memory.TokenBudget)

	// Eventstream
	v.SetDefault("eventstream.enabled", d.Eventstream.Enabled)
	v.SetDefault("eventstream.brokers", d.Eventstream.Brokers)
	v.SetDefault("eventstream.topic", d.Eventstream.Topic)
}
