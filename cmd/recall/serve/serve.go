// Package servecmder provides the serve command that runs the memory service.
package servecmder

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/papercomputeco/recall/api"
	"github.com/papercomputeco/recall/api/mcp"
	"github.com/papercomputeco/recall/pkg/config"
	"github.com/papercomputeco/recall/pkg/consolidator"
	"github.com/papercomputeco/recall/pkg/embeddings"
	ollamaembed "github.com/papercomputeco/recall/pkg/embeddings/ollama"
	"github.com/papercomputeco/recall/pkg/evaluator"
	"github.com/papercomputeco/recall/pkg/eventstream"
	"github.com/papercomputeco/recall/pkg/eventstream/kafka"
	"github.com/papercomputeco/recall/pkg/eventstream/nop"
	"github.com/papercomputeco/recall/pkg/fragment"
	"github.com/papercomputeco/recall/pkg/index"
	"github.com/papercomputeco/recall/pkg/llm"
	"github.com/papercomputeco/recall/pkg/logger"
	"github.com/papercomputeco/recall/pkg/memory"
	"github.com/papercomputeco/recall/pkg/nli"
	"github.com/papercomputeco/recall/pkg/search"
	"github.com/papercomputeco/recall/pkg/session"
	"github.com/papercomputeco/recall/pkg/store"
	"github.com/papercomputeco/recall/pkg/store/inmemory"
	"github.com/papercomputeco/recall/pkg/store/postgres"
)

type ServeCommander struct {
	listen       string
	postgresDSN  string
	embedProv    string
	embedTarget  string
	embedModel   string
	embedDims    uint
	llmProv      string
	llmTarget    string
	llmModel     string
	nliMode      string
	nliTarget    string
	nliModelPath string

	debug bool
	v     *viper.Viper

	logger *zap.Logger
}

const serveLongDesc string = `Run the Recall memory service.

Starts the HTTP API, the MCP endpoint, and the background evaluation
worker. Configuration is layered: flags override environment variables
(RECALL_*), which override .recall/config.toml, which overrides defaults.

Use "inmemory" as the postgres DSN to run without a database.`

const serveShortDesc string = "Run the Recall memory service"

// serveFlags are the registry keys this command registers and binds.
var serveFlags = []string{
	config.FlagAPIListen,
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

func NewServeCmd() *cobra.Command {
	cmder := &ServeCommander{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: serveShortDesc,
		Long:  serveLongDesc,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			configDir, err := cmd.Flags().GetString("config-dir")
			if err != nil {
				configDir = ""
			}

			v, err := config.InitViper(configDir)
			if err != nil {
				return fmt.Errorf("initializing config: %w", err)
			}
			config.BindRegisteredFlags(v, cmd, config.Flags, serveFlags)
			cmder.v = v
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cmder.debug, err = cmd.Flags().GetBool("debug")
			if err != nil {
				return fmt.Errorf("could not get debug flag: %v", err)
			}
			return cmder.run()
		},
	}

	config.AddStringFlag(cmd, config.Flags, config.FlagAPIListen, &cmder.listen)
	config.AddStringFlag(cmd, config.Flags, config.FlagPostgresDSN, &cmder.postgresDSN)
	config.AddStringFlag(cmd, config.Flags, config.FlagEmbeddingProv, &cmder.embedProv)
	config.AddStringFlag(cmd, config.Flags, config.FlagEmbeddingTgt, &cmder.embedTarget)
	config.AddStringFlag(cmd, config.Flags, config.FlagEmbeddingModel, &cmder.embedModel)
	config.AddUintFlag(cmd, config.Flags, config.FlagEmbeddingDims, &cmder.embedDims)
	config.AddStringFlag(cmd, config.Flags, config.FlagLLMProv, &cmder.llmProv)
	config.AddStringFlag(cmd, config.Flags, config.FlagLLMTgt, &cmder.llmTarget)
	config.AddStringFlag(cmd, config.Flags, config.FlagLLMModel, &cmder.llmModel)
	config.AddStringFlag(cmd, config.Flags, config.FlagNLIMode, &cmder.nliMode)
	config.AddStringFlag(cmd, config.Flags, config.FlagNLITgt, &cmder.nliTarget)
	config.AddStringFlag(cmd, config.Flags, config.FlagNLIModelPath, &cmder.nliModelPath)

	return cmd
}

func (c *ServeCommander) run() error {
	c.logger = logger.NewLogger(c.debug)
	defer c.logger.Sync()

	ctx := context.Background()

	// Create durable store
	st, err := c.createStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	// Create fast index
	ix, err := index.New(index.Config{
		WMMaxTokens: int(c.v.GetUint("memory.wm_max_tokens")),
	}, c.logger)
	if err != nil {
		return fmt.Errorf("creating index: %w", err)
	}
	defer ix.Close()

	// Create providers
	embedder, err := c.createEmbedder()
	if err != nil {
		return err
	}
	client := c.createLLM()
	classifier := c.createClassifier()
	publisher, err := c.createPublisher()
	if err != nil {
		return err
	}
	defer publisher.Close()

	// Create retrieval cascade
	searcher := search.NewSearcher(st, ix, embedder, search.Config{
		TokenBudget: int(c.v.GetUint("memory.token_budget")),
		LinkLimit:   int(c.v.GetUint("memory.linked_fragment_limit")),
		Ranking: search.RankConfig{
			ImportanceWeight:    c.v.GetFloat64("ranking.importance_weight"),
			RecencyWeight:       c.v.GetFloat64("ranking.recency_weight"),
			ActivationThreshold: int(c.v.GetUint("ranking.activation_threshold")),
		},
		Stale: search.StaleConfig{
			ProcedureDays: int(c.v.GetUint("stale.procedure_days")),
			FactDays:      int(c.v.GetUint("stale.fact_days")),
			DecisionDays:  int(c.v.GetUint("stale.decision_days")),
			DefaultDays:   int(c.v.GetUint("stale.default_days")),
		},
	}, c.logger)

	// Create the memory manager and its collaborators
	factory := fragment.NewFactory(c.logger)
	activity := session.NewActivity(session.Config{}, c.logger)
	cons := consolidator.New(st, ix, embedder, classifier, client, publisher, c.logger)

	manager := memory.New(st, ix, searcher, factory, embedder, client, activity, cons, publisher, memory.Config{
		ContextBudget: int(c.v.GetUint("memory.token_budget")),
	}, c.logger)

	autoReflect := session.NewAutoReflect(activity, client, manager.Sink(), c.logger)

	// Start the async evaluation worker
	worker := evaluator.NewWorker(st, ix, client, c.logger)
	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()
	worker.Start(workerCtx)

	// Create MCP server
	mcpServer, err := mcp.NewServer(mcp.Config{
		Manager: manager,
		Logger:  c.logger,
	})
	if err != nil {
		return fmt.Errorf("creating mcp server: %w", err)
	}

	// Create API server
	listen := c.v.GetString("api.listen")
	apiServer := api.NewServer(api.Config{
		ListenAddr: listen,
	}, manager, mcpServer, c.logger)

	c.logger.Info("starting memory service",
		zap.String("listen", listen),
		zap.String("embedding_provider", c.v.GetString("embedding.provider")),
		zap.String("llm_provider", c.v.GetString("llm.provider")),
		zap.String("nli_mode", c.v.GetString("nli.mode")),
	)

	// Channel to capture errors from goroutines
	errChan := make(chan error, 1)

	go func() {
		if err := apiServer.Run(); err != nil {
			errChan <- fmt.Errorf("API server error: %w", err)
		}
	}()

	// Wait for interrupt signal or error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case sig := <-sigChan:
		c.logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		return c.shutdown(autoReflect, worker, apiServer)
	}
}

// shutdown drains the service in order: reflect open sessions so nothing
// in working memory is lost, stop the evaluation worker, then close the
// API server. The store and index close via the run() defers.
func (c *ServeCommander) shutdown(autoReflect *session.AutoReflect, worker *evaluator.Worker, apiServer *api.Server) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	autoReflect.RunAll(shutdownCtx)
	worker.Stop()

	if err := apiServer.Shutdown(); err != nil {
		c.logger.Warn("api shutdown", zap.Error(err))
	}

	c.logger.Info("shutdown complete")
	return nil
}

func (c *ServeCommander) createStore(ctx context.Context) (store.Driver, error) {
	dsn := c.v.GetString("storage.postgres_dsn")
	if dsn == "" || dsn == "inmemory" {
		c.logger.Info("using in-memory storage")
		return inmemory.NewDriver(), nil
	}

	driver, err := postgres.NewDriver(ctx, postgres.Config{
		DSN:  dsn,
		Dims: int(c.v.GetUint("embedding.dimensions")),
	}, c.logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	c.logger.Info("using postgres storage")
	return driver, nil
}

func (c *ServeCommander) createEmbedder() (embeddings.Embedder, error) {
	switch c.v.GetString("embedding.provider") {
	case "ollama":
		emb, err := ollamaembed.NewEmbedder(ollamaembed.EmbedderConfig{
			BaseURL: c.v.GetString("embedding.target"),
			Model:   c.v.GetString("embedding.model"),
		})
		if err != nil {
			return nil, fmt.Errorf("creating embedder: %w", err)
		}
		return emb, nil
	case "", "none":
		c.logger.Info("no embedding provider, semantic retrieval disabled")
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", c.v.GetString("embedding.provider"))
	}
}

func (c *ServeCommander) createLLM() llm.Client {
	switch c.v.GetString("llm.provider") {
	case "ollama":
		return llm.NewOllamaClient(llm.OllamaConfig{
			BaseURL: c.v.GetString("llm.target"),
			Model:   c.v.GetString("llm.model"),
			Timeout: time.Duration(c.v.GetUint("llm.timeout_ms")) * time.Millisecond,
		})
	default:
		c.logger.Info("no llm provider, evaluation and reflection degrade to heuristics")
		return llm.NewNopClient()
	}
}

func (c *ServeCommander) createClassifier() nli.Classifier {
	switch c.v.GetString("nli.mode") {
	case "external":
		return nli.NewExternalClassifier(nli.ExternalConfig{
			BaseURL: c.v.GetString("nli.target"),
		}, c.logger)
	case "local":
		return nli.NewLocalClassifier(nli.LocalConfig{
			ModelPath: c.v.GetString("nli.model_path"),
		}, c.logger)
	default:
		return nil
	}
}

func (c *ServeCommander) createPublisher() (eventstream.Publisher, error) {
	if !c.v.GetBool("eventstream.enabled") {
		return nop.NewPublisher(), nil
	}

	pub, err := kafka.NewPublisher(kafka.Config{
		Brokers: c.v.GetStringSlice("eventstream.brokers"),
		Topic:   c.v.GetString("eventstream.topic"),
	}, c.logger)
	if err != nil {
		return nil, fmt.Errorf("creating kafka publisher: %w", err)
	}

	c.logger.Info("publishing fragment events to kafka",
		zap.Strings("brokers", c.v.GetStringSlice("eventstream.brokers")),
		zap.String("topic", c.v.GetString("eventstream.topic")),
	)
	return pub, nil
}
