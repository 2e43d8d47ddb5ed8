package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/davarch/deploy-gate/internal/domain"
	"github.com/davarch/deploy-gate/internal/infrastructure/config"
	"github.com/davarch/deploy-gate/internal/policy"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

var policyJSON bool

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect and test admission policy rules",
}

var policyCheckCmd = &cobra.Command{
	Use:   "check <descriptor.yaml>",
	Short: "Evaluate a deployment descriptor file against the configured rules",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rules, err := loadRules()
		if err != nil {
			return err
		}

		b, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var d domain.DeploymentDescriptor
		if err := yaml.Unmarshal(b, &d); err != nil {
			return fmt.Errorf("parse %s: %w", args[0], err)
		}

		res := rules.Evaluate(d)
		if policyJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
		} else {
			printViolations(os.Stdout, res)
		}

		if !res.Passed {
			return &exitError{code: exitPolicyGateFailed}
		}
		return nil
	},
}

var policyRulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "List the loaded policy rules in evaluation order",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rules, err := loadRules()
		if err != nil {
			return err
		}
		rs := rules.Rules()

		if policyJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(rs)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "ID\tSCOPE\tMESSAGE")
		for _, r := range rs.Rules {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", r.ID, r.Scope, r.Message)
		}
		return w.Flush()
	},
}

func init() {
	policyCmd.PersistentFlags().BoolVar(&policyJSON, "json", false, "print JSON")
	policyCmd.AddCommand(policyCheckCmd, policyRulesCmd)
	rootCmd.AddCommand(policyCmd)
}

func loadRules() (*policy.Store, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	return policy.NewStore(zap.NewNop(), cfg.Policy.RulesFile)
}

func printViolations(w io.Writer, res domain.GateResult) {
	if res.Passed {
		_, _ = fmt.Fprintln(w, "PASS: no violations")
		return
	}
	_, _ = fmt.Fprintf(w, "FAIL: %d violation(s)\n", len(res.Violations))
	for _, v := range res.Violations {
		if v.Container != "" {
			_, _ = fmt.Fprintf(w, "  - %s [%s]: %s\n", v.RuleID, v.Container, v.Message)
			continue
		}
		_, _ = fmt.Fprintf(w, "  - %s: %s\n", v.RuleID, v.Message)
	}
}
