// guppi is the per-agent orchestration runtime: a refractory event loop
// over a message broker, a two-tier decision backend, tiered memory and
// a remote compute gateway. One process per agent.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"guppi/internal/broker"
	"guppi/internal/config"
	"guppi/internal/logging"
	"guppi/internal/types"
)

var (
	cfgPath string
	verbose bool

	cfg    config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "guppi",
	Short: "GUPPI - per-agent event-loop orchestration runtime",
	Long: `GUPPI runs one autonomous agent: it listens on the agent's inbox and
subscribed chat streams, throttles reactive wakes through a refractory
cooldown, consults a two-tier LLM backend for each decision, executes
the decided action, and journals every turn to tiered memory.

The worker subcommand runs the other side of the heavy-compute queue:
a competing consumer that serves embedding and summarization requests.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		if cfg, err = config.Load(cfgPath); err != nil {
			return err
		}
		if logger, err = logging.New(verbose); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "guppi.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(postCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(killCmd)
}

// openBroker connects the configured backend. The in-memory backend is
// only useful when scheduler and worker share one process.
func openBroker(ctx context.Context) (broker.Broker, error) {
	switch cfg.Broker.Backend {
	case "redis", "":
		return broker.NewRedis(ctx, cfg.Broker.URL)
	case "memory":
		logger.Warn("using in-memory broker; state dies with this process")
		return broker.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown broker backend %q", cfg.Broker.Backend)
	}
}

// loadIdentity reads the agent's identity contract, falling back to a
// bare name when no contract was staged. The second return is the
// genesis note a parent left when spawning this instance, if any.
func loadIdentity() (types.Identity, string) {
	id := types.Identity{Name: cfg.Agent.Name}
	data, err := os.ReadFile(cfg.IdentityPath())
	if err != nil {
		return id, ""
	}
	var contract struct {
		types.Identity
		GenesisNote string `json:"genesis_note"`
	}
	if err := json.Unmarshal(data, &contract); err != nil {
		logger.Warn("identity file unreadable, using bare name",
			zap.String("path", cfg.IdentityPath()), zap.Error(err))
		return id, ""
	}
	if contract.Name == "" {
		contract.Name = cfg.Agent.Name
	}
	return contract.Identity, contract.GenesisNote
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
