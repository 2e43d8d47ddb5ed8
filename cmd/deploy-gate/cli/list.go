package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/davarch/deploy-gate/internal/infrastructure/config"
	"github.com/spf13/cobra"
)

var (
	listOnlyEnabled  bool
	listOnlyDisabled bool
	listJSON         bool
)

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "Manage the repository:tag targets polled by watch",
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List watch targets from the config file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}

		items := make([]config.Target, 0, len(cfg.Watch.Targets))
		for _, t := range cfg.Watch.Targets {
			if listOnlyEnabled && !t.Enabled {
				continue
			}
			if listOnlyDisabled && t.Enabled {
				continue
			}
			items = append(items, t)
		}

		if listJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(items)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "NAME\tREPOSITORY\tTAG\tENABLED")
		for _, t := range items {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", targetKey(t), t.Repository, t.Tag, t.Enabled)
		}
		_ = w.Flush()
		return nil
	},
}

func init() {
	listCmd.Flags().BoolVar(&listOnlyEnabled, "enabled", false, "show only enabled targets")
	listCmd.Flags().BoolVar(&listOnlyDisabled, "disabled", false, "show only disabled targets")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "print JSON")

	listCmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if listOnlyEnabled && listOnlyDisabled {
			return fmt.Errorf("flags --enabled and --disabled are mutually exclusive")
		}
		return nil
	}

	targetsCmd.AddCommand(listCmd)
	rootCmd.AddCommand(targetsCmd)
}

// targetKey is the name used on the command line: the configured name, or
// repository:tag when the target has none.
func targetKey(t config.Target) string {
	if t.Name != "" {
		return t.Name
	}
	return t.Repository + ":" + t.Tag
}

// setTargetEnabled flips matching targets and reports whether anything changed.
func setTargetEnabled(cfg *config.Config, key string, enabled bool) bool {
	changed := false
	for i := range cfg.Watch.Targets {
		if targetKey(cfg.Watch.Targets[i]) == key && cfg.Watch.Targets[i].Enabled != enabled {
			cfg.Watch.Targets[i].Enabled = enabled
			changed = true
		}
	}
	return changed
}
