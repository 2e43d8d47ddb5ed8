package cli

import (
	"fmt"
	"strings"

	"github.com/davarch/deploy-gate/internal/infrastructure/config"
	"github.com/spf13/cobra"
)

var enableCmd = &cobra.Command{
	Use:   "enable <target>",
	Short: "Enable a watch target by name or repository:tag",
	Args:  cobra.MatchAll(cobra.ExactArgs(1)),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}

		if !setTargetEnabled(&cfg, name, true) {
			fmt.Printf("no change (target %q already enabled or not found)\n", name)
			return nil
		}

		if err := config.Save(cfgPath, cfg); err != nil {
			return err
		}

		fmt.Printf("enabled: %s\n", name)
		return nil
	},
}

func init() {
	enableCmd.ValidArgsFunction = completeTargets
	targetsCmd.AddCommand(enableCmd)
}

func completeTargets(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	out := make([]string, 0, len(cfg.Watch.Targets))
	for _, t := range cfg.Watch.Targets {
		if key := targetKey(t); strings.HasPrefix(key, toComplete) {
			out = append(out, key)
		}
	}

	return out, cobra.ShellCompDirectiveNoFileComp
}
