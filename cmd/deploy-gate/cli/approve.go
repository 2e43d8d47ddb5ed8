package cli

import (
	"fmt"

	"github.com/davarch/deploy-gate/internal/domain"
	"github.com/davarch/deploy-gate/internal/infrastructure/config"
	"github.com/davarch/deploy-gate/internal/infrastructure/logging"
	"github.com/spf13/cobra"
)

func decisionCmd(use string, decision domain.ApprovalDecision, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <digest> <environment>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			digest, env := args[0], args[1]

			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if _, ok := cfg.Environment(env); !ok {
				return fmt.Errorf("unknown environment %q", env)
			}

			log := logging.New()
			defer func() { _ = log.Sync() }()

			src, err := newApprovals(cfg, log)
			if err != nil {
				return err
			}
			defer func() { _ = src.Close() }()

			if err := src.Publish(cmd.Context(), env, digest, decision); err != nil {
				return err
			}
			fmt.Printf("%s: %s in %s\n", decision, digest, env)
			return nil
		},
	}
}

func init() {
	approve := decisionCmd("approve", domain.Approved, "Approve promoting a digest into an environment")
	deny := decisionCmd("deny", domain.Denied, "Deny promoting a digest into an environment")
	approve.ValidArgsFunction = completeEnvironmentsAt(1)
	deny.ValidArgsFunction = completeEnvironmentsAt(1)

	rootCmd.AddCommand(approve, deny)
}

// completeEnvironmentsAt completes configured environment names for the
// positional argument at index pos.
func completeEnvironmentsAt(pos int) func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
	return func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) != pos {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		var out []string
		for _, e := range cfg.Pipeline.Environments {
			out = append(out, e.Name)
		}
		return out, cobra.ShellCompDirectiveNoFileComp
	}
}
