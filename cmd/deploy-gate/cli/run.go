package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/davarch/deploy-gate/internal/domain"
	"github.com/davarch/deploy-gate/internal/infrastructure/config"
	"github.com/davarch/deploy-gate/internal/infrastructure/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	runRepository string
	runTag        string
	runDigest     string
	runRegistry   string
	runSeverity   string
	runJSON       bool
	runEnvs       []string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one artifact through the gates and promote it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := logging.New()
		defer func() { _ = log.Sync() }()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		if cfg, err = selectEnvironments(cfg, runEnvs); err != nil {
			return err
		}
		if runSeverity != "" {
			cfg.Pipeline.SeverityThreshold = runSeverity
			if err := cfg.Validate(); err != nil {
				return err
			}
		}

		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		p, err := buildPipeline(ctx, cfg, log, prometheus.NewRegistry())
		if err != nil {
			return err
		}
		defer p.Close()

		a := domain.ArtifactReference{
			Registry:   runRegistry,
			Repository: runRepository,
			Tag:        runTag,
			Digest:     runDigest,
		}
		log.Info("start",
			zap.String("version", version),
			zap.String("artifact", a.Image()),
			zap.Int("environments", len(cfg.Pipeline.Environments)),
		)

		snap, err := p.orchestrator.Run(ctx, a)
		if err != nil {
			return err
		}

		if runJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(snap); err != nil {
				return err
			}
		} else {
			fmt.Print(snap.Report())
		}

		if code := exitCodeFor(snap); code != exitOK {
			return &exitError{code: code}
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runRepository, "repository", "", "image repository, e.g. team/app")
	runCmd.Flags().StringVar(&runTag, "tag", "latest", "image tag")
	runCmd.Flags().StringVar(&runDigest, "digest", "", "image digest; resolved from the registry when empty")
	runCmd.Flags().StringVar(&runRegistry, "registry", "", "registry host, defaults to registry.default")
	runCmd.Flags().StringVar(&runSeverity, "severity", "", "override pipeline.severity_threshold")
	runCmd.Flags().StringSliceVar(&runEnvs, "environments", nil, "promote through these configured environments, in this order")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the run record as JSON")
	_ = runCmd.MarkFlagRequired("repository")

	runCmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		if runTag == "" && runDigest == "" {
			return errors.New("one of --tag or --digest is required")
		}
		return nil
	}

	rootCmd.AddCommand(runCmd)
}

// selectEnvironments narrows the promotion chain to names, in the order
// given. The last selected environment becomes the production hop.
func selectEnvironments(cfg config.Config, names []string) (config.Config, error) {
	if len(names) == 0 {
		return cfg, nil
	}
	chain := make([]config.Environment, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		name = strings.TrimSpace(name)
		env, ok := cfg.Environment(name)
		if !ok {
			return cfg, fmt.Errorf("unknown environment %q", name)
		}
		if seen[name] {
			return cfg, fmt.Errorf("environment %q listed twice", name)
		}
		seen[name] = true
		chain = append(chain, env)
	}
	cfg.Pipeline.Environments = chain
	return cfg, nil
}
