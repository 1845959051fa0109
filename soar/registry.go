package soar

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"warden/core"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Registry holds the loaded playbook definitions by name
type Registry struct {
	mu        sync.RWMutex
	playbooks map[string]*Playbook
	validate  *validator.Validate
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		playbooks: make(map[string]*Playbook),
		validate:  validator.New(),
	}
}

// ParsePlaybook decodes and validates one YAML playbook document
func (r *Registry) ParsePlaybook(data []byte) (*Playbook, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var pb Playbook
	if err := dec.Decode(&pb); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty playbook document")
		}
		return nil, fmt.Errorf("failed to decode playbook: %w", err)
	}
	if err := r.Validate(&pb); err != nil {
		return nil, err
	}
	return &pb, nil
}

// Validate checks a playbook definition
func (r *Registry) Validate(pb *Playbook) error {
	if err := r.validate.Struct(pb); err != nil {
		return fmt.Errorf("invalid playbook %q: %w", pb.Name, err)
	}
	if err := pb.check(); err != nil {
		return fmt.Errorf("invalid playbook %q: %w", pb.Name, err)
	}
	return nil
}

// Register validates and adds a playbook, replacing one with the same name
func (r *Registry) Register(pb *Playbook) error {
	if err := r.Validate(pb); err != nil {
		return err
	}
	r.mu.Lock()
	r.playbooks[pb.Name] = pb
	r.mu.Unlock()
	return nil
}

// LoadFile parses and registers a single playbook file
func (r *Registry) LoadFile(path string) (*Playbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read playbook %s: %w", path, err)
	}
	pb, err := r.ParsePlaybook(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	if err := r.Register(pb); err != nil {
		return nil, err
	}
	return pb, nil
}

// LoadDir registers every .yaml and .yml file in dir. All files are
// checked; the returned error joins every failure.
func (r *Registry) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read playbook directory: %w", err)
	}

	var errs []error
	names := make(map[string]string)
	loaded := 0
	for _, entry := range entries {
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to read playbook %s: %w", entry.Name(), err))
			continue
		}
		pb, err := r.ParsePlaybook(data)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", entry.Name(), err))
			continue
		}
		if prev, ok := names[pb.Name]; ok {
			errs = append(errs, fmt.Errorf("%s: playbook %q already defined in %s", entry.Name(), pb.Name, prev))
			continue
		}
		names[pb.Name] = entry.Name()
		r.mu.Lock()
		r.playbooks[pb.Name] = pb
		r.mu.Unlock()
		loaded++
	}
	return loaded, errors.Join(errs...)
}

// Get returns the named playbook
func (r *Registry) Get(name string) (*Playbook, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pb, ok := r.playbooks[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrUnknownPlaybook, name)
	}
	return pb, nil
}

// List returns all playbooks sorted by name
func (r *Registry) List() []*Playbook {
	r.mu.RLock()
	out := make([]*Playbook, 0, len(r.playbooks))
	for _, pb := range r.playbooks {
		out = append(out, pb)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered playbooks
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.playbooks)
}
