package presets

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/bobarin/beatsync/internal/models"
)

//go:embed presets.yaml
var builtin []byte

// Preset is a named SyncConfig bundle.
type Preset struct {
	Name        string               `json:"name"`
	Description string               `json:"description"`
	Config      models.SyncConfigDoc `json:"config"`

	resolved models.SyncConfig
}

// SyncConfig returns the preset applied on top of the defaults.
func (p Preset) SyncConfig() models.SyncConfig {
	return p.resolved
}

type presetFile struct {
	Presets []struct {
		Name        string               `yaml:"name"`
		Description string               `yaml:"description"`
		Config      models.SyncConfigDoc `yaml:"config"`
	} `yaml:"presets"`
}

// Registry holds presets in declaration order. It is read-only after Load.
type Registry struct {
	order  []string
	byName map[string]Preset
}

// Load parses the built-in presets and, when path is set, overlays the
// presets in that file. A file preset replaces a built-in one of the same
// name.
func Load(path string) (*Registry, error) {
	r := &Registry{byName: make(map[string]Preset)}
	if err := r.add(builtin, "built-in presets"); err != nil {
		return nil, err
	}
	if path == "" {
		return r, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read presets file: %w", err)
	}
	if err := r.add(data, path); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) add(data []byte, source string) error {
	var file presetFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil {
		return fmt.Errorf("failed to parse %s: %w", source, err)
	}

	for _, p := range file.Presets {
		if p.Name == "" {
			return fmt.Errorf("%s: preset without a name", source)
		}
		cfg, err := p.Config.Apply(models.DefaultSyncConfig())
		if err != nil {
			return fmt.Errorf("%s: preset %q: %w", source, p.Name, err)
		}
		if _, exists := r.byName[p.Name]; !exists {
			r.order = append(r.order, p.Name)
		}
		r.byName[p.Name] = Preset{
			Name:        p.Name,
			Description: p.Description,
			Config:      cfg.Doc(),
			resolved:    cfg,
		}
	}
	return nil
}

func (r *Registry) Get(name string) (Preset, bool) {
	p, ok := r.byName[name]
	return p, ok
}

func (r *Registry) List() []Preset {
	out := make([]Preset, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}
