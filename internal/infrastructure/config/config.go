package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"
)

type Target struct {
	Repository string `yaml:"repository"`
	Tag        string `yaml:"tag"`
	Enabled    bool   `yaml:"enabled"`
	Name       string `yaml:"name,omitempty"`
}

// Environment is one hop of the promotion chain. Template is a YAML
// workload descriptor rendered with the artifact being promoted.
type Environment struct {
	Name            string        `yaml:"name"`
	Namespace       string        `yaml:"namespace,omitempty"`
	RequireApproval *bool         `yaml:"require_approval,omitempty"`
	ApprovalTimeout time.Duration `yaml:"approval_timeout,omitempty"`
	Template        string        `yaml:"template,omitempty"`
	TemplateFile    string        `yaml:"template_file,omitempty"`
}

type Retry struct {
	Attempts int           `yaml:"attempts"`
	Initial  time.Duration `yaml:"initial"`
	Max      time.Duration `yaml:"max"`
}

type Config struct {
	Registry struct {
		Host    string `yaml:"host"`
		Default string `yaml:"default"`
	} `yaml:"registry"`

	Scanner struct {
		BaseURL string        `yaml:"base_url"`
		Token   string        `yaml:"token"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"scanner"`

	Cluster struct {
		Kubeconfig string `yaml:"kubeconfig"`
	} `yaml:"cluster"`

	Approval struct {
		RedisAddr     string        `yaml:"redis_addr"`
		RedisPassword string        `yaml:"redis_password"`
		RedisDB       int           `yaml:"redis_db"`
		PollInterval  time.Duration `yaml:"poll_interval"`
	} `yaml:"approval"`

	Store struct {
		Driver      string `yaml:"driver"`
		Dir         string `yaml:"dir"`
		DatabaseURL string `yaml:"database_url"`
	} `yaml:"store"`

	Archive struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Bucket    string `yaml:"bucket"`
		Secure    bool   `yaml:"secure"`
	} `yaml:"archive"`

	Notify struct {
		Desktop bool `yaml:"desktop"`
	} `yaml:"notify"`

	Metrics struct {
		Listen string `yaml:"listen"`
	} `yaml:"metrics"`

	Pipeline struct {
		Environments      []Environment `yaml:"environments"`
		SeverityThreshold string        `yaml:"severity_threshold"`
		SoftGates         []string      `yaml:"soft_gates,omitempty"`
		Retry             Retry         `yaml:"retry"`
		PromotionTimeout  time.Duration `yaml:"promotion_timeout"`
		PollInterval      time.Duration `yaml:"poll_interval"`
	} `yaml:"pipeline"`

	Policy struct {
		RulesFile string `yaml:"rules_file"`
	} `yaml:"policy"`

	Watch struct {
		Interval  time.Duration `yaml:"interval"`
		Targets   []Target      `yaml:"targets"`
		PauseFile string        `yaml:"pause_file"`
	} `yaml:"watch"`
}

func Load(path string) (Config, error) {
	var c Config

	c.Scanner.Timeout = 30 * time.Second
	c.Approval.PollInterval = 5 * time.Second
	c.Store.Driver = "fs"
	c.Store.Dir = expandHome("~/.local/state/deploy-gate")
	c.Notify.Desktop = true
	c.Pipeline.SeverityThreshold = "HIGH"
	c.Pipeline.Retry = Retry{Attempts: 4, Initial: 300 * time.Millisecond, Max: 5 * time.Second}
	c.Pipeline.PromotionTimeout = 5 * time.Minute
	c.Pipeline.PollInterval = 2 * time.Second
	c.Watch.Interval = time.Minute

	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(b, &c); err != nil {
				return c, fmt.Errorf("parse %s: %w", path, err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return c, err
		}
	}

	if v := os.Getenv("DEPLOY_GATE_SCANNER_URL"); v != "" {
		c.Scanner.BaseURL = v
	}

	if v := os.Getenv("DEPLOY_GATE_SCANNER_TOKEN"); v != "" {
		c.Scanner.Token = v
	}

	if v := os.Getenv("DEPLOY_GATE_REDIS_ADDR"); v != "" {
		c.Approval.RedisAddr = v
	}

	if v := os.Getenv("DEPLOY_GATE_DATABASE_URL"); v != "" {
		c.Store.Driver = "postgres"
		c.Store.DatabaseURL = v
	}

	if v := os.Getenv("DEPLOY_GATE_SEVERITY"); v != "" {
		c.Pipeline.SeverityThreshold = v
	}

	if v := os.Getenv("DEPLOY_GATE_RULES"); v != "" {
		c.Policy.RulesFile = v
	}

	if v := os.Getenv("DEPLOY_GATE_RETRY_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pipeline.Retry.Attempts = n
		}
	}

	if v := os.Getenv("DEPLOY_GATE_PROMOTION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Pipeline.PromotionTimeout = d
		}
	}

	if v := os.Getenv("KUBECONFIG"); v != "" && c.Cluster.Kubeconfig == "" {
		c.Cluster.Kubeconfig = v
	}

	if v := os.Getenv("DOCKER_HOST"); v != "" && c.Registry.Host == "" {
		c.Registry.Host = v
	}

	if v := os.Getenv("DEPLOY_GATE_MINIO_ENDPOINT"); v != "" {
		c.Archive.Endpoint = v
	}
	if v := os.Getenv("DEPLOY_GATE_MINIO_ACCESS_KEY"); v != "" {
		c.Archive.AccessKey = v
	}
	if v := os.Getenv("DEPLOY_GATE_MINIO_SECRET_KEY"); v != "" {
		c.Archive.SecretKey = v
	}
	if v := os.Getenv("DEPLOY_GATE_MINIO_BUCKET"); v != "" {
		c.Archive.Bucket = v
	}

	c.Store.Dir = expandHome(c.Store.Dir)
	c.Policy.RulesFile = expandHome(c.Policy.RulesFile)

	if len(c.Pipeline.Environments) == 0 {
		c.Pipeline.Environments = []Environment{{Name: "staging"}, {Name: "production"}}
	}

	if c.Pipeline.Retry.Attempts <= 0 {
		c.Pipeline.Retry.Attempts = 1
	}

	if c.Pipeline.PromotionTimeout <= 0 {
		c.Pipeline.PromotionTimeout = 5 * time.Minute
	}

	if c.Pipeline.PollInterval <= 0 {
		c.Pipeline.PollInterval = 2 * time.Second
	}

	if c.Watch.Interval <= 0 {
		c.Watch.Interval = time.Minute
	}

	if c.Watch.PauseFile == "" {
		c.Watch.PauseFile = expandHome("~/.cache/deploy-gate.paused")
	}

	return c, c.Validate()
}

func (c Config) Validate() error {
	if !validSeverity(c.Pipeline.SeverityThreshold) {
		return fmt.Errorf("pipeline.severity_threshold %q is not one of LOW, MEDIUM, HIGH, CRITICAL", c.Pipeline.SeverityThreshold)
	}

	seen := make(map[string]struct{}, len(c.Pipeline.Environments))
	for i, env := range c.Pipeline.Environments {
		name := strings.TrimSpace(env.Name)
		if name == "" {
			return fmt.Errorf("pipeline.environments[%d].name is required", i)
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("pipeline.environments[%d]: duplicate environment %q", i, name)
		}
		seen[name] = struct{}{}
	}

	for _, g := range c.Pipeline.SoftGates {
		switch g {
		case "scan", "policy":
		default:
			return fmt.Errorf("pipeline.soft_gates: unsupported gate %q", g)
		}
	}

	switch c.Store.Driver {
	case "fs":
		if c.Store.Dir == "" {
			return errors.New("store.dir is required for the fs store")
		}
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return errors.New("store.database_url is required for the postgres store")
		}
	default:
		return fmt.Errorf("store.driver %q is not one of fs, postgres", c.Store.Driver)
	}

	return nil
}

// RequiresApproval reports whether the environment at index i waits for an
// approval. Unless configured, only the last environment does.
func (c Config) RequiresApproval(i int) bool {
	env := c.Pipeline.Environments[i]
	if env.RequireApproval != nil {
		return *env.RequireApproval
	}
	return i == len(c.Pipeline.Environments)-1
}

func (c Config) SoftGate(name string) bool {
	for _, g := range c.Pipeline.SoftGates {
		if g == name {
			return true
		}
	}
	return false
}

func (c Config) Environment(name string) (Environment, bool) {
	for _, env := range c.Pipeline.Environments {
		if env.Name == name {
			return env, true
		}
	}
	return Environment{}, false
}

func Save(path string, c Config) error {
	if path == "" {
		return errors.New("empty config path")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	lockFile := path + ".lock"
	lf, err := os.OpenFile(lockFile, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	defer func() { _ = lf.Close() }()

	if runtime.GOOS != "windows" {
		if err := syscall.Flock(int(lf.Fd()), syscall.LOCK_EX); err != nil {
			return err
		}
		defer func() { _ = syscall.Flock(int(lf.Fd()), syscall.LOCK_UN) }()
	}

	b, err := yaml.Marshal(&c)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	defer func() { _ = f.Close() }()

	if _, err := f.Write(b); err != nil {
		return err
	}

	if err := f.Sync(); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}

func validSeverity(s string) bool {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOW", "MEDIUM", "HIGH", "CRITICAL":
		return true
	}
	return false
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		if h, _ := os.UserHomeDir(); h != "" {
			return h + p[1:]
		}
	}
	return p
}
