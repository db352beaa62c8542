// Package consolidatecmder provides the `recall consolidate` CLI command.
package consolidatecmder

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/papercomputeco/recall/pkg/cliui"
	"github.com/papercomputeco/recall/pkg/config"
	"github.com/papercomputeco/recall/pkg/consolidator"
	"github.com/papercomputeco/recall/pkg/embeddings"
	ollamaembed "github.com/papercomputeco/recall/pkg/embeddings/ollama"
	"github.com/papercomputeco/recall/pkg/eventstream/nop"
	"github.com/papercomputeco/recall/pkg/index"
	"github.com/papercomputeco/recall/pkg/llm"
	"github.com/papercomputeco/recall/pkg/logger"
	"github.com/papercomputeco/recall/pkg/nli"
	"github.com/papercomputeco/recall/pkg/store/postgres"
)

const consolidateLongDesc string = `Run the memory maintenance pipeline once and exit.

Applies TTL transitions, importance decay, expiry, dedup, embedding
backfill, contradiction detection, and the remaining maintenance stages
against the configured PostgreSQL store, then prints a per-stage report.

The service runs this pipeline on its own schedule; use this command for
cron-driven deployments or to force a run after bulk imports.

Examples:
  recall consolidate
  recall consolidate --postgres postgres://recall:recall@db:5432/recall`

const consolidateShortDesc string = "Run the memory maintenance pipeline once"

type consolidateCommander struct {
	postgresDSN string
	logFile     string
	v           *viper.Viper
}

var consolidateFlags = []string{
	config.FlagPostgresDSN,
	config.FlagEmbeddingProv,
	config.FlagEmbeddingTgt,
	config.FlagEmbeddingModel,
	config.FlagEmbeddingDims,
	config.FlagLLMProv,
	config.FlagLLMTgt,
	config.FlagLLMModel,
	config.FlagNLIMode,
	config.FlagNLITgt,
	config.FlagNLIModelPath,
}

// NewConsolidateCmd creates the consolidate cobra command.
func NewConsolidateCmd() *cobra.Command {
	cmder := &consolidateCommander{}

	cmd := &cobra.Command{
		Use:   "consolidate",
		Short: consolidateShortDesc,
		Long:  consolidateLongDesc,
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			configDir, err := cmd.Flags().GetString("config-dir")
			if err != nil {
				configDir = ""
			}

			v, err := config.InitViper(configDir)
			if err != nil {
				return fmt.Errorf("initializing config: %w", err)
			}
			config.BindRegisteredFlags(v, cmd, config.Flags, consolidateFlags)
			cmder.v = v
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			debug, err := cmd.Flags().GetBool("debug")
			if err != nil {
				return fmt.Errorf("could not get debug flag: %v", err)
			}
			return cmder.run(cmd.Context(), cmd, debug)
		},
	}

	config.AddStringFlag(cmd, config.Flags, config.FlagPostgresDSN, &cmder.postgresDSN)
	cmd.Flags().StringVar(&cmder.logFile, "log-file", "", "Also write JSON logs to this file")

	return cmd
}

func (c *consolidateCommander) run(ctx context.Context, cmd *cobra.Command, debug bool) error {
	log := logger.NewLogger(debug)
	defer log.Sync()

	out := logger.New(logger.WithPretty(true), logger.WithDebug(debug))
	if c.logFile != "" {
		f, err := os.OpenFile(c.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		defer f.Close()
		out = logger.Multi(out, logger.New(logger.WithJSON(true), logger.WithWriter(f)))
	}

	dsn := c.v.GetString("storage.postgres_dsn")
	if dsn == "" || dsn == "inmemory" {
		return fmt.Errorf("consolidate requires a PostgreSQL store, got %q", dsn)
	}

	st, err := postgres.NewDriver(ctx, postgres.Config{
		DSN:  dsn,
		Dims: int(c.v.GetUint("embedding.dimensions")),
	}, log)
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	defer st.Close()

	out.Info("connected", "dims", c.v.GetUint("embedding.dimensions"))

	ix, err := index.New(index.Config{Disabled: true}, log)
	if err != nil {
		return fmt.Errorf("creating index: %w", err)
	}
	defer ix.Close()

	var embedder embeddings.Embedder
	if c.v.GetString("embedding.provider") == "ollama" {
		embedder, err = ollamaembed.NewEmbedder(ollamaembed.EmbedderConfig{
			BaseURL: c.v.GetString("embedding.target"),
			Model:   c.v.GetString("embedding.model"),
		})
		if err != nil {
			return fmt.Errorf("creating embedder: %w", err)
		}
	}

	var client llm.Client = llm.NewNopClient()
	if c.v.GetString("llm.provider") == "ollama" {
		client = llm.NewOllamaClient(llm.OllamaConfig{
			BaseURL: c.v.GetString("llm.target"),
			Model:   c.v.GetString("llm.model"),
			Timeout: time.Duration(c.v.GetUint("llm.timeout_ms")) * time.Millisecond,
		})
	}

	var classifier nli.Classifier
	switch c.v.GetString("nli.mode") {
	case "external":
		classifier = nli.NewExternalClassifier(nli.ExternalConfig{
			BaseURL: c.v.GetString("nli.target"),
		}, log)
	case "local":
		classifier = nli.NewLocalClassifier(nli.LocalConfig{
			ModelPath: c.v.GetString("nli.model_path"),
		}, log)
	}

	if embedder == nil {
		out.Warn("no embedding provider, backfill and contradiction stages will be skipped")
	}

	cons := consolidator.New(st, ix, embedder, classifier, client, nop.NewPublisher(), log)

	var report *consolidator.Report
	if err := cliui.Step(cmd.OutOrStdout(), "Consolidating memory", func() error {
		var runErr error
		report, runErr = cons.Run(ctx)
		return runErr
	}); err != nil {
		return err
	}

	stages := make([]string, 0, len(report.Stages))
	for name := range report.Stages {
		stages = append(stages, name)
	}
	sort.Strings(stages)

	for _, name := range stages {
		fmt.Fprintf(cmd.OutOrStdout(), "  %s %s\n",
			cliui.KeyStyle.Render(name+":"),
			cliui.ValueStyle.Render(fmt.Sprintf("%d", report.Stages[name])),
		)
	}

	if len(report.StaleTop) > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", cliui.DimStyle.Render(
			fmt.Sprintf("%d fragments awaiting verification", len(report.StaleTop)),
		))
	}

	return nil
}
