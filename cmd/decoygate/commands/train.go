package commands

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/lucid-vigil/decoygate/pkg/config"
	"github.com/lucid-vigil/decoygate/pkg/logger"
	"github.com/lucid-vigil/decoygate/pkg/policy"
	"github.com/lucid-vigil/decoygate/pkg/store"
)

func newTrainCommand() *cobra.Command {
	var (
		episodes     int
		seed         int64
		hostileRatio float64
		startEpsilon float64
	)

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Warm up the policy against a synthetic traffic environment",
		Long: `train runs the Q-learning agent through simulated sessions with a
known benign/hostile split, so a fresh deployment starts from sane
engagement estimates instead of a zero table. The learned snapshot is
saved to the configured store.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger.Init(cfg.LogLevel)

			if cfg.Store.Path == "" {
				return fmt.Errorf("store.path must be configured to persist the trained Q-table")
			}

			if seed == 0 {
				seed = time.Now().UnixNano()
			}

			policyCfg := cfg.Policy
			policyCfg.Epsilon = startEpsilon

			agent := policy.NewAgent(policyCfg, seed, log.Logger)
			rewards := policy.NewRewardCalculator(cfg.Policy.Reward)
			rng := rand.New(rand.NewSource(seed))

			log.Info().
				Int("episodes", episodes).
				Float64("hostile_ratio", hostileRatio).
				Float64("start_epsilon", startEpsilon).
				Msg("Training policy against synthetic environment")

			for i := 0; i < episodes; i++ {
				runEpisode(agent, rewards, rng, hostileRatio)
			}

			stats := agent.GetStats()
			log.Info().
				Int("episodes_trained", stats.EpisodesTrained).
				Int("states_explored", stats.StatesExplored).
				Float64("epsilon", stats.Epsilon).
				Float64("avg_q", stats.AvgQValue).
				Msg("Training finished")

			st, err := store.Open(cfg.Store.Path, log.Logger)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.SaveSnapshot(agent.Snapshot()); err != nil {
				return err
			}
			log.Info().Str("path", cfg.Store.Path).Msg("Q-table snapshot saved")
			return nil
		},
	}

	cmd.Flags().IntVar(&episodes, "episodes", 1000, "number of synthetic sessions to simulate")
	cmd.Flags().Int64Var(&seed, "seed", 0, "RNG seed (0 picks a time-based seed)")
	cmd.Flags().Float64Var(&hostileRatio, "hostile-ratio", 0.4, "fraction of simulated sessions that are hostile")
	cmd.Flags().Float64Var(&startEpsilon, "epsilon", 1.0, "initial exploration rate for training")
	return cmd
}

// runEpisode simulates one session: the environment knows the ground
// truth, scores it the way the classifier plausibly would, and pays out
// the same rewards the live close path computes.
func runEpisode(agent *policy.Agent, rewards *policy.RewardCalculator, rng *rand.Rand, hostileRatio float64) {
	hostile := rng.Float64() < hostileRatio
	repeat := rng.Float64() < 0.3

	var score float64
	if hostile {
		score = 0.55 + rng.Float64()*0.45
	} else {
		score = rng.Float64() * 0.45
	}

	state := policy.StateFromScore(score, repeat)
	action := agent.SelectAction(state)

	var outcome policy.Outcome
	switch {
	case !hostile:
		outcome = policy.Outcome{Tag: policy.OutcomeBenign}
	case action == policy.Block:
		outcome = policy.Outcome{Tag: policy.OutcomeBlocked}
	default:
		outcome = policy.Outcome{
			Tag:                 policy.OutcomeEngaged,
			CredentialsCaptured: rng.Intn(3),
			MaliciousCommands:   rng.Intn(6),
		}
	}

	reward := rewards.Calculate(action, outcome)
	next := policy.StateFromScore(score, true)
	agent.Update(state, action, reward, next)
	agent.FinishEpisode()
}
