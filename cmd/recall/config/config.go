// Package configcmder provides the config command for managing persistent
// recall configuration stored in the .recall/ directory.
package configcmder

import (
	"github.com/spf13/cobra"
)

const configLongDesc string = `Manage persistent recall configuration.

Configuration is stored as config.toml in the .recall/ directory and provides
default values for command flags. CLI flags always take precedence over
config file values, and RECALL_* environment variables sit in between.

Keys use dotted notation matching the TOML section structure:
  storage.postgres_dsn, api.listen,
  embedding.provider, embedding.target, embedding.model, embedding.dimensions,
  llm.provider, llm.target, llm.model, llm.timeout_ms,
  nli.mode, nli.target, nli.model_path,
  ranking.importance_weight, ranking.recency_weight, ranking.activation_threshold,
  stale.procedure_days, stale.fact_days, stale.decision_days, stale.default_days,
  memory.wm_max_tokens, memory.linked_fragment_limit, memory.token_budget,
  eventstream.enabled, eventstream.brokers, eventstream.topic

Use subcommands to get, set, or list configuration values:
  recall config set <key> <value>    Set a configuration value
  recall config get <key>            Get a configuration value
  recall config list                 List all configuration values

Examples:
  recall config set storage.postgres_dsn postgres://recall:recall@db:5432/recall
  recall config set nli.mode external
  recall config get embedding.model
  recall config list`

const configShortDesc string = "Manage persistent recall configuration"

func NewConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: configShortDesc,
		Long:  configLongDesc,
	}

	cmd.AddCommand(newSetCmd())
	cmd.AddCommand(newGetCmd())
	cmd.AddCommand(newListCmd())

	return cmd
}
