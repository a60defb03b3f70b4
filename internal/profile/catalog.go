package profile

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed builtin.yaml
var builtinYAML []byte

// ErrUnknownModel is returned by Resolve for a model with no profile.
var ErrUnknownModel = errors.New("unknown device model")

// catalogFile is for YAML unmarshaling
type catalogFile struct {
	Profiles []*Profile `yaml:"profiles"`
}

// Catalog holds the profiles known to this process, keyed by model id.
// A Catalog is owned by its creator; there is no shared instance.
type Catalog struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

// Builtin returns a new catalog holding the embedded profiles.
func Builtin() (*Catalog, error) {
	c := &Catalog{profiles: make(map[string]*Profile)}
	if err := c.load(builtinYAML); err != nil {
		return nil, fmt.Errorf("failed to parse builtin profiles: %w", err)
	}
	return c, nil
}

// LoadOverrides merges profiles read from r into the catalog. A profile with
// the same model as an existing one replaces it entirely.
func (c *Catalog) LoadOverrides(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read profiles: %w", err)
	}
	return c.load(data)
}

// LoadFile merges the profiles in the YAML file at path.
func (c *Catalog) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open profiles file: %w", err)
	}
	defer f.Close()

	if err := c.LoadOverrides(f); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func (c *Catalog) load(data []byte) error {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("invalid profile YAML: %w", err)
	}

	// Validate everything before touching the catalog so a bad file
	// leaves it unchanged.
	seen := make(map[string]bool, len(file.Profiles))
	for _, p := range file.Profiles {
		if p == nil {
			continue
		}
		if err := p.Validate(); err != nil {
			return err
		}
		if seen[p.Model] {
			return fmt.Errorf("duplicate profile %s", p.Model)
		}
		seen[p.Model] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range file.Profiles {
		if p != nil {
			c.profiles[p.Model] = p
		}
	}
	return nil
}

// Resolve returns the profile for model. The returned profile is a copy and
// may be kept by the caller.
func (c *Catalog) Resolve(model string) (*Profile, error) {
	c.mu.RLock()
	p, ok := c.profiles[model]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}
	return p.clone(), nil
}

// Models lists the model ids in the catalog, sorted.
func (c *Catalog) Models() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	models := make([]string, 0, len(c.profiles))
	for m := range c.profiles {
		models = append(models, m)
	}
	sort.Strings(models)
	return models
}

func (p *Profile) clone() *Profile {
	cp := *p
	cp.Properties = append([]Property(nil), p.Properties...)
	cp.index = make(map[string]int, len(p.index))
	for k, v := range p.index {
		cp.index[k] = v
	}
	return &cp
}
