package cli

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/davarch/deploy-gate/internal/domain"
	"github.com/davarch/deploy-gate/internal/infrastructure/config"
	"github.com/davarch/deploy-gate/internal/infrastructure/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback <environment>",
	Short: "Re-apply the last known good artifact of an environment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env := args[0]

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		if _, ok := cfg.Environment(env); !ok {
			return fmt.Errorf("unknown environment %q", env)
		}

		log := logging.New()
		defer func() { _ = log.Sync() }()

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		st, closeStore, err := openStore(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer closeStore()

		promoter, err := newPromoter(cfg, log, st, domain.NopMetrics{})
		if err != nil {
			return err
		}

		state, attempt, err := promoter.Rollback(ctx, env)
		if err != nil {
			log.Error("rollback failed", zap.String("environment", env), zap.Error(err))
			return &exitError{code: exitRollbackFailed, err: err}
		}

		fmt.Printf("rolled back %s to %s (%s)\n", env, attempt.Artifact.Image(), state.RolloutStatus)
		return nil
	},
}

func init() {
	rollbackCmd.ValidArgsFunction = completeEnvironmentsAt(0)
	rootCmd.AddCommand(rollbackCmd)
}
