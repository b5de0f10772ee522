package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lucid-vigil/decoygate/pkg/api"
	"github.com/lucid-vigil/decoygate/pkg/classifier"
	"github.com/lucid-vigil/decoygate/pkg/config"
	"github.com/lucid-vigil/decoygate/pkg/dispatch"
	"github.com/lucid-vigil/decoygate/pkg/escalation"
	"github.com/lucid-vigil/decoygate/pkg/events"
	"github.com/lucid-vigil/decoygate/pkg/logger"
	"github.com/lucid-vigil/decoygate/pkg/metrics"
	"github.com/lucid-vigil/decoygate/pkg/policy"
	"github.com/lucid-vigil/decoygate/pkg/session"
	"github.com/lucid-vigil/decoygate/pkg/store"
	"github.com/lucid-vigil/decoygate/pkg/sysmon"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the classification and dispatch engine",
		RunE:  runServe,
	}
}

// logForwarder and logHoneypot are the default route sinks until a
// transport integration registers its own. Decisions still reach any
// attached observer through the event bus.
type logForwarder struct{}

func (logForwarder) Forward(_ context.Context, sessionID, peerAddr string) error {
	log.Info().Str("session_id", sessionID).Str("peer", peerAddr).Msg("Forwarding session")
	return nil
}

func (logForwarder) Terminate(_ context.Context, sessionID, peerAddr string) error {
	log.Info().Str("session_id", sessionID).Str("peer", peerAddr).Msg("Terminating session")
	return nil
}

type logHoneypot struct{}

func (logHoneypot) Engage(_ context.Context, handoff dispatch.Handoff) error {
	log.Info().
		Str("session_id", handoff.SessionID).
		Str("peer", handoff.PeerAddr).
		Str("action", handoff.Action.String()).
		Msg("Engaging honeypot")
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger.Init(cfg.LogLevel)

	log.Info().Msg("decoygate engine starting")

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Msgf("Received signal: %s. Shutting down gracefully...", sig)
		cancel()
	}()

	collector := metrics.NewCollector()
	registry := session.NewRegistry(cfg.Engine.MaxSessions, log.Logger)
	peers := events.NewPeerTracker(cfg.Engine.RepeatOffenderWindow)
	defer peers.Stop()

	bus := events.NewBus(log.Logger, 1024)
	bus.Start(ctx)
	defer bus.Stop()

	detector := classifier.NewDetector(nil, cfg.Classifier.AnomalyThreshold, log.Logger)
	if cfg.Classifier.ModelPath != "" {
		forest, err := classifier.LoadForest(cfg.Classifier.ModelPath)
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.Classifier.ModelPath).
				Msg("Failed to load ensemble model, running on heuristic")
		} else {
			detector.SetModel(forest)
		}
	}

	agent := policy.NewAgent(cfg.Policy, time.Now().UnixNano(), log.Logger)

	var st *store.Store
	if cfg.Store.Path != "" {
		st, err = store.Open(cfg.Store.Path, log.Logger)
		if err != nil {
			return err
		}
		defer st.Close()

		snap, err := st.LoadSnapshot()
		if err != nil {
			log.Warn().Err(err).Msg("Failed to load Q-table snapshot")
		} else if len(snap.Entries) > 0 {
			agent.Restore(snap)
		}
	}

	deps := dispatch.Deps{
		Registry:  registry,
		Detector:  detector,
		Agent:     agent,
		Rewards:   policy.NewRewardCalculator(cfg.Policy.Reward),
		Peers:     peers,
		Bus:       bus,
		Collector: collector,
		Honeypot:  logHoneypot{},
		Forwarder: logForwarder{},
	}
	if st != nil {
		deps.Ledger = st
	}
	if cfg.Escalation.Enabled && cfg.Escalation.Endpoint != "" {
		deps.Escalator = escalation.NewHTTPEscalator(cfg.Escalation.Endpoint, log.Logger)
	}
	if cfg.Sysmon.Enabled {
		monitor := sysmon.New(cfg.Sysmon, collector, log.Logger)
		go monitor.Run(ctx)
		deps.Pressure = monitor
	}

	dispatcher := dispatch.New(cfg, deps, log.Logger)
	defer dispatcher.Shutdown()

	if cfg.Classifier.WatchModel && cfg.Classifier.ModelPath != "" {
		watcher := store.NewModelWatcher(cfg.Classifier.ModelPath, func() {
			forest, err := classifier.LoadForest(cfg.Classifier.ModelPath)
			if err != nil {
				log.Error().Err(err).Msg("Model reload failed, keeping previous model")
				return
			}
			detector.SetModel(forest)
			bus.Publish(events.EngineEvent{Type: events.EventModelReloaded, Timestamp: time.Now()})
		}, log.Logger)
		go func() {
			if err := watcher.Run(ctx); err != nil {
				log.Error().Err(err).Msg("Model watcher stopped")
			}
		}()
	}

	apiServer := api.NewServer(cfg.APIPort, dispatcher, registry, detector, agent, collector, bus, log.Logger)
	go func() {
		if err := apiServer.Start(); err != nil {
			log.Error().Err(err).Msg("API server failed")
			cancel()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("API server shutdown failed")
	}

	if st != nil {
		if err := st.SaveSnapshot(agent.Snapshot()); err != nil {
			log.Error().Err(err).Msg("Failed to persist Q-table snapshot")
		}
	}

	log.Info().Msg("decoygate engine stopped")
	return nil
}
