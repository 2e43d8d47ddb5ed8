package cli

import (
	"fmt"

	"github.com/davarch/deploy-gate/internal/infrastructure/config"
	"github.com/spf13/cobra"
)

var disableCmd = &cobra.Command{
	Use:   "disable <target>",
	Short: "Disable a watch target by name or repository:tag",
	Args:  cobra.MatchAll(cobra.ExactArgs(1)),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}

		if !setTargetEnabled(&cfg, name, false) {
			fmt.Printf("no change (target %q already disabled or not found)\n", name)
			return nil
		}

		if err := config.Save(cfgPath, cfg); err != nil {
			return err
		}
		fmt.Printf("disabled: %s\n", name)

		return nil
	},
}

func init() {
	disableCmd.ValidArgsFunction = completeTargets

	targetsCmd.AddCommand(disableCmd)
}
