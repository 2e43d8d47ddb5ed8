package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/davarch/deploy-gate/internal/domain"
	"github.com/davarch/deploy-gate/internal/infrastructure/config"
	"github.com/davarch/deploy-gate/internal/infrastructure/logging"
	"github.com/spf13/cobra"
)

var (
	statusJSON bool
	statusRun  string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the recorded state of every environment, or of one run",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}

		log := logging.New()
		defer func() { _ = log.Sync() }()

		st, closeStore, err := openStore(cmd.Context(), cfg, log)
		if err != nil {
			return err
		}
		defer closeStore()

		if statusRun != "" {
			return printRun(cmd.Context(), os.Stdout, st, statusRun, statusJSON)
		}

		states := make([]domain.EnvironmentState, 0, len(cfg.Pipeline.Environments))
		for _, e := range cfg.Pipeline.Environments {
			s, err := st.LoadEnvironment(cmd.Context(), e.Name)
			if err != nil && !errors.Is(err, domain.ErrNotFound) {
				return err
			}
			s.Environment = e.Name
			states = append(states, s)
		}

		if statusJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(states)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "ENVIRONMENT\tCURRENT\tLAST_KNOWN_GOOD\tROLLOUT\tUPDATED")
		for _, s := range states {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				s.Environment, refOrDash(s.CurrentArtifact), refOrDash(s.LastKnownGoodArtifact),
				orDash(string(s.RolloutStatus)), timeOrDash(s.UpdatedAt))
		}
		return w.Flush()
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print JSON")
	statusCmd.Flags().StringVar(&statusRun, "run", "", "show the record of this run id")
	rootCmd.AddCommand(statusCmd)
}

func printRun(ctx context.Context, w io.Writer, st runLoader, id string, asJSON bool) error {
	snap, err := st.LoadRun(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("run %q: %w", id, err)
	}
	if err != nil {
		return err
	}
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	_, err = fmt.Fprint(w, snap.Report())
	return err
}

func refOrDash(a *domain.ArtifactReference) string {
	if a == nil {
		return "-"
	}
	return a.Image()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func timeOrDash(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
