package cache_fs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/davarch/deploy-gate/internal/domain"
)

// FSStore keeps run records and environment state as JSON files:
//
//	<dir>/runs/<run id>.json
//	<dir>/environments/<env>.json
type FSStore struct {
	dir string
}

func New(dir string) *FSStore { return &FSStore{dir: dir} }

func (c *FSStore) SaveRun(_ context.Context, r domain.RunSnapshot) error {
	if r.ID == "" {
		return errors.New("run id is empty")
	}
	return c.write(filepath.Join("runs", safeName(r.ID)+".json"), r)
}

func (c *FSStore) LoadRun(_ context.Context, id string) (domain.RunSnapshot, error) {
	var r domain.RunSnapshot
	err := c.read(filepath.Join("runs", safeName(id)+".json"), &r)
	return r, err
}

func (c *FSStore) LoadEnvironment(_ context.Context, env string) (domain.EnvironmentState, error) {
	var s domain.EnvironmentState
	if err := c.read(filepath.Join("environments", safeName(env)+".json"), &s); err != nil {
		return domain.EnvironmentState{}, err
	}
	return s, nil
}

func (c *FSStore) SaveEnvironment(_ context.Context, s domain.EnvironmentState) error {
	if s.Environment == "" {
		return errors.New("environment name is empty")
	}
	return c.write(filepath.Join("environments", safeName(s.Environment)+".json"), s)
}

func (c *FSStore) read(rel string, v any) error {
	if c.dir == "" {
		return errors.New("store dir is empty")
	}
	b, err := os.ReadFile(filepath.Join(c.dir, rel))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%s: %w", rel, domain.ErrNotFound)
		}
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %s: %w", rel, err)
	}
	return nil
}

// write replaces the file atomically so readers never see a partial record.
func (c *FSStore) write(rel string, v any) error {
	if c.dir == "" {
		return errors.New("store dir is empty")
	}
	path := filepath.Join(c.dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func safeName(s string) string {
	return strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(s)
}
