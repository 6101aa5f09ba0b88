package bmc

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	// ErrNotConfigured is returned for a VM id with no stored instance.
	ErrNotConfigured = errors.New("bmc not configured")
	// ErrExists is returned by Add for a VM id that already has an instance.
	ErrExists = errors.New("bmc already configured")
)

const configFile = "config.yaml"

// Store keeps one YAML file per instance under <dir>/<vmid>/.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates dir if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store root.
func (s *Store) Dir() string {
	return s.dir
}

// Add validates and persists a new instance.
func (s *Store) Add(inst Instance) error {
	inst.ApplyDefaults()
	if err := inst.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.path(inst.VMID)); err == nil {
		return fmt.Errorf("vm %s: %w", inst.VMID, ErrExists)
	}
	return s.write(inst)
}

// Put validates and persists inst, replacing any stored version.
func (s *Store) Put(inst Instance) error {
	inst.ApplyDefaults()
	if err := inst.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(inst)
}

// Get loads the instance for vmid.
func (s *Store) Get(vmid string) (Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read(vmid)
}

// Exists reports whether vmid has a stored instance.
func (s *Store) Exists(vmid string) bool {
	_, err := os.Stat(s.path(vmid))
	return err == nil
}

// Delete removes the instance directory.
func (s *Store) Delete(vmid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.path(vmid)); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("vm %s: %w", vmid, ErrNotConfigured)
	}
	if err := os.RemoveAll(filepath.Join(s.dir, vmid)); err != nil {
		return fmt.Errorf("delete vm %s: %w", vmid, err)
	}
	return nil
}

// List returns every stored instance sorted by numeric VM id. Unreadable
// entries are skipped.
func (s *Store) List() ([]Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read config dir: %w", err)
	}
	var out []Instance
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := strconv.ParseUint(e.Name(), 10, 32); err != nil {
			continue
		}
		inst, err := s.read(e.Name())
		if err != nil {
			continue
		}
		out = append(out, inst)
	}
	sort.Slice(out, func(a, b int) bool {
		x, _ := strconv.ParseUint(out[a].VMID, 10, 32)
		y, _ := strconv.ParseUint(out[b].VMID, 10, 32)
		return x < y
	})
	return out, nil
}

// SetActive updates the persisted active flag.
func (s *Store) SetActive(vmid string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, err := s.read(vmid)
	if err != nil {
		return err
	}
	if inst.Active == active {
		return nil
	}
	inst.Active = active
	return s.write(inst)
}

func (s *Store) path(vmid string) string {
	return filepath.Join(s.dir, vmid, configFile)
}

func (s *Store) read(vmid string) (Instance, error) {
	if _, err := strconv.ParseUint(vmid, 10, 32); err != nil {
		return Instance{}, fmt.Errorf("vm %q: %w", vmid, ErrNotConfigured)
	}
	data, err := os.ReadFile(s.path(vmid))
	if errors.Is(err, fs.ErrNotExist) {
		return Instance{}, fmt.Errorf("vm %s: %w", vmid, ErrNotConfigured)
	}
	if err != nil {
		return Instance{}, fmt.Errorf("read vm %s: %w", vmid, err)
	}
	var inst Instance
	if err := yaml.Unmarshal(data, &inst); err != nil {
		return Instance{}, fmt.Errorf("parse vm %s: %w", vmid, err)
	}
	inst.VMID = vmid
	inst.ApplyDefaults()
	return inst, nil
}

func (s *Store) write(inst Instance) error {
	dir := filepath.Join(s.dir, inst.VMID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create vm dir: %w", err)
	}
	data, err := yaml.Marshal(inst)
	if err != nil {
		return fmt.Errorf("encode vm %s: %w", inst.VMID, err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.yaml")
	if err != nil {
		return fmt.Errorf("write vm %s: %w", inst.VMID, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write vm %s: %w", inst.VMID, err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("write vm %s: %w", inst.VMID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write vm %s: %w", inst.VMID, err)
	}
	if err := os.Rename(tmp.Name(), s.path(inst.VMID)); err != nil {
		return fmt.Errorf("write vm %s: %w", inst.VMID, err)
	}
	return nil
}
