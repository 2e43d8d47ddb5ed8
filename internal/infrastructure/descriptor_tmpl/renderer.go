package descriptor_tmpl

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"strings"
	"text/template"

	"github.com/davarch/deploy-gate/internal/domain"
	"gopkg.in/yaml.v3"
)

const defaultTemplate = `name: {{ .Name }}
replicas: 1
containers:
  - name: {{ .Name }}
    image: {{ .Image }}
`

// Environment carries the descriptor template of one environment. File
// wins over Template when both are set.
type Environment struct {
	Name      string
	Namespace string
	Template  string
	File      string
}

type Renderer struct {
	envs map[string]env
}

type env struct {
	namespace string
	tmpl      *template.Template
}

type values struct {
	Name        string
	Image       string
	Registry    string
	Repository  string
	Tag         string
	Digest      string
	Environment string
	Namespace   string
}

func New(envs []Environment) (*Renderer, error) {
	r := &Renderer{envs: make(map[string]env, len(envs))}
	for _, e := range envs {
		src := e.Template
		if e.File != "" {
			b, err := os.ReadFile(e.File)
			if err != nil {
				return nil, fmt.Errorf("template for %s: %w", e.Name, err)
			}
			src = string(b)
		}
		if strings.TrimSpace(src) == "" {
			src = defaultTemplate
		}
		t, err := template.New(e.Name).Option("missingkey=error").Parse(src)
		if err != nil {
			return nil, fmt.Errorf("template for %s: %w", e.Name, err)
		}
		ns := e.Namespace
		if ns == "" {
			ns = e.Name
		}
		r.envs[e.Name] = env{namespace: ns, tmpl: t}
	}
	return r, nil
}

func (r *Renderer) Render(envName string, a domain.ArtifactReference) (domain.DeploymentDescriptor, error) {
	e, ok := r.envs[envName]
	if !ok {
		return domain.DeploymentDescriptor{}, fmt.Errorf("environment %q: %w", envName, domain.ErrNotFound)
	}

	v := values{
		Name:        path.Base(a.Repository),
		Image:       a.Image(),
		Registry:    a.Registry,
		Repository:  a.Repository,
		Tag:         a.Tag,
		Digest:      a.Digest,
		Environment: envName,
		Namespace:   e.namespace,
	}

	var buf bytes.Buffer
	if err := e.tmpl.Execute(&buf, v); err != nil {
		return domain.DeploymentDescriptor{}, fmt.Errorf("render %s: %w", envName, err)
	}

	var d domain.DeploymentDescriptor
	if err := yaml.Unmarshal(buf.Bytes(), &d); err != nil {
		return domain.DeploymentDescriptor{}, fmt.Errorf("decode %s descriptor: %w", envName, err)
	}

	if d.Name == "" {
		d.Name = v.Name
	}
	if d.Namespace == "" {
		d.Namespace = e.namespace
	}
	d.Environment = envName
	if d.Replicas == 0 {
		d.Replicas = 1
	}
	return d, nil
}
