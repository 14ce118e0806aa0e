package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"guppi/internal/compute"
	"guppi/internal/embedding"
	"guppi/internal/logging"
)

var workerName string

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a heavy-compute worker",
	Long: `Consumes embedding and summarization requests from the shared compute
queue. Any number of workers may run against the same queue; each
request is handed to exactly one of them.`,
	RunE: runWorker,
}

func init() {
	host, _ := os.Hostname()
	workerCmd.Flags().StringVar(&workerName, "name", host, "worker name reported in replies")
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logging.Named(logger, "worker")

	b, err := openBroker(ctx)
	if err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	defer b.Close()

	engine, err := embedding.NewEngine(ctx, embedding.Config{
		Provider:       cfg.Compute.Backend,
		OllamaEndpoint: cfg.Compute.OllamaEndpoint,
		OllamaModel:    cfg.Compute.EmbedModel,
		GenAIAPIKey:    cfg.LLM.APIKey,
		GenAIModel:     cfg.Compute.EmbedModel,
	})
	if err != nil {
		return fmt.Errorf("embedding engine: %w", err)
	}

	var summarizer compute.Summarizer
	switch cfg.Compute.Backend {
	case "ollama", "":
		summarizer = compute.NewOllamaSummarizer(cfg.Compute.OllamaEndpoint, cfg.Compute.SummarizeModel)
	case "genai":
		if summarizer, err = compute.NewGenAISummarizer(ctx, cfg.LLM.APIKey, cfg.Compute.SummarizeModel); err != nil {
			return fmt.Errorf("summarizer: %w", err)
		}
	default:
		return fmt.Errorf("unknown compute backend %q", cfg.Compute.Backend)
	}

	log.Info("worker starting",
		zap.String("name", workerName),
		zap.String("queue", cfg.Compute.Queue),
		zap.String("backend", cfg.Compute.Backend))

	w := compute.NewWorker(b, compute.WorkerOptions{
		Name:       workerName,
		Queue:      cfg.Compute.Queue,
		Engine:     engine,
		Summarizer: summarizer,
		Logger:     log,
	})
	return w.Run(ctx)
}
