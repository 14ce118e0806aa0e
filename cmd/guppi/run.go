package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"guppi/internal/broker"
	"guppi/internal/compute"
	"guppi/internal/executor"
	"guppi/internal/logging"
	"guppi/internal/memory"
	"guppi/internal/scheduler"
	"guppi/internal/spawn"
	"guppi/internal/thinker"
	"guppi/internal/types"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent event loop",
	Long: `Starts the refractory scheduler for the configured agent and blocks
until SIGINT, SIGTERM or a broker kill-switch entry naming this agent.
Crash-recovered turns from a previous run surface as Ghosted events
before normal traffic is consumed.`,
	RunE: runAgent,
}

func runAgent(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logging.Named(logger, "run")
	identity, genesisNote := loadIdentity()
	log.Info("agent starting", zap.String("agent", identity.Name))

	b, err := openBroker(ctx)
	if err != nil {
		return fmt.Errorf("broker: %w", err)
	}
	defer b.Close()

	store, ghosts, err := memory.Open(memory.Options{
		Root:                filepath.Join(cfg.Agent.Root, "memory"),
		EmbedModel:          cfg.Memory.EmbedModel,
		ClipboardMaxEntries: cfg.Memory.ClipboardMaxEntries,
		Logger:              logging.Named(logger, "memory"),
	})
	if err != nil {
		return fmt.Errorf("memory: %w", err)
	}
	defer store.Close()
	if len(ghosts) > 0 {
		log.Warn("recovered abandoned turns", zap.Strings("turn_ids", ghosts))
	}

	// A freshly spawned instance wakes to its parent's genesis note
	// before any inbox traffic.
	if genesisNote != "" && store.Turns.Len() == 0 {
		if err := pushFirstWake(ctx, b, identity.Name, genesisNote); err != nil {
			log.Warn("first wake enqueue failed", zap.Error(err))
		}
	}

	subs, err := scheduler.OpenSubs(filepath.Join(cfg.Agent.Root, "subscriptions.json"))
	if err != nil {
		return fmt.Errorf("subscriptions: %w", err)
	}

	backend, err := thinker.NewGenAIBackend(ctx, cfg.LLM.APIKey, cfg.LLM.FastModel, cfg.LLM.SlowModel)
	if err != nil {
		return fmt.Errorf("decision backend: %w", err)
	}
	decider := thinker.New(backend, logging.Named(logger, "thinker"))

	gateway := compute.NewGateway(b, cfg.Compute.Queue, cfg.Compute.ReplyTimeout,
		logging.Named(logger, "compute"))

	spawner := spawn.NewScript(cfg.Execution.SpawnScript, cfg.Agent.Root,
		logging.Named(logger, "spawn"))

	exec := executor.New(executor.Config{
		OutputLimit:           cfg.Execution.OutputLimit,
		ForegroundTimeout:     cfg.Execution.ForegroundTimeout,
		MaxConcurrentSubprocs: cfg.Execution.MaxConcurrentSubprocs,
		Root:                  cfg.Agent.Root,
	}, identity, b, store, gateway, spawner, subs, logging.Named(logger, "executor"))

	sched := scheduler.New(scheduler.Options{
		Config:     cfg,
		Identity:   identity,
		Broker:     b,
		Store:      store,
		Decider:    decider,
		Runner:     exec,
		Gateway:    gateway,
		Subs:       subs,
		BootGhosts: ghosts,
		Logger:     logging.Named(logger, "scheduler"),
	})

	err = sched.Run(ctx)
	log.Info("agent stopped", zap.String("agent", identity.Name))
	return err
}

func pushFirstWake(ctx context.Context, b broker.Broker, agent, note string) error {
	ev := types.Event{
		ID:        "ev-" + uuid.NewString(),
		Agent:     agent,
		Timestamp: time.Now().UTC(),
		Type:      types.EventNewMessage,
		Source:    "genesis",
	}
	content, err := json.Marshal("First wake. Your parent's genesis note: " + note)
	if err != nil {
		return err
	}
	ev.Content = content
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return b.QueuePush(ctx, broker.Inbox(agent), payload)
}
