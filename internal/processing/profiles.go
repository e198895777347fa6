// Package processing turns raw scene rasters into masked, scaled and mosaicked
// tiles using per-sensor profiles.
package processing

import (
	_ "embed"
	"fmt"
	"io"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/geotile-pipeline/internal/pipeline"
)

//go:embed profiles.yaml
var builtinProfiles string

// MaskKind selects how a MaskRule evaluates a pixel.
type MaskKind string

// Supported mask kinds.
const (
	MaskNone      MaskKind = "none"
	MaskThreshold MaskKind = "threshold"
	MaskRatio     MaskKind = "ratio"
)

// MaskRule marks cloud and shadow pixels invalid. Threshold rules compare one
// band against Min/Max; ratio rules compare Numerator/Denominator. A zero bound
// is disabled. Bounds are in raw digital numbers, before scaling.
type MaskRule struct {
	Kind        MaskKind `yaml:"kind" mapstructure:"kind"`
	Band        string   `yaml:"band" mapstructure:"band"`
	Numerator   string   `yaml:"numerator" mapstructure:"numerator"`
	Denominator string   `yaml:"denominator" mapstructure:"denominator"`
	Min         float64  `yaml:"min" mapstructure:"min"`
	Max         float64  `yaml:"max" mapstructure:"max"`
}

// BandSpec describes one band and its linear conversion to physical units.
type BandSpec struct {
	Name   string  `yaml:"name" mapstructure:"name"`
	Gain   float64 `yaml:"gain" mapstructure:"gain"`
	Offset float64 `yaml:"offset" mapstructure:"offset"`
}

// SensorProfile holds everything sensor specific the pipeline needs.
type SensorProfile struct {
	ID     string     `yaml:"id" mapstructure:"id"`
	Bands  []BandSpec `yaml:"bands" mapstructure:"bands"`
	Mask   MaskRule   `yaml:"mask" mapstructure:"mask"`
	NoData *float64   `yaml:"nodata" mapstructure:"nodata"`
}

// BandNames returns the profile's band names in order.
func (p SensorProfile) BandNames() []string {
	names := make([]string, len(p.Bands))
	for i, b := range p.Bands {
		names[i] = b.Name
	}
	return names
}

func (p SensorProfile) bandIndex(name string) int {
	for i, b := range p.Bands {
		if b.Name == name {
			return i
		}
	}
	return -1
}

// Validate checks that the profile is internally consistent.
func (p SensorProfile) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return pipeline.InvalidConfigf("sensor profile missing id")
	}
	if len(p.Bands) == 0 {
		return pipeline.InvalidConfigf("sensor profile %s has no bands", p.ID)
	}
	seen := make(map[string]bool, len(p.Bands))
	for _, b := range p.Bands {
		if b.Name == "" || seen[b.Name] {
			return pipeline.InvalidConfigf("sensor profile %s has empty or duplicate band %q", p.ID, b.Name)
		}
		if b.Gain == 0 {
			return pipeline.InvalidConfigf("sensor profile %s band %s has zero gain", p.ID, b.Name)
		}
		seen[b.Name] = true
	}
	switch p.Mask.Kind {
	case "", MaskNone:
	case MaskThreshold:
		if !seen[p.Mask.Band] {
			return pipeline.InvalidConfigf("sensor profile %s masks unknown band %q", p.ID, p.Mask.Band)
		}
	case MaskRatio:
		if !seen[p.Mask.Numerator] || !seen[p.Mask.Denominator] {
			return pipeline.InvalidConfigf("sensor profile %s ratio mask references unknown bands", p.ID)
		}
	default:
		return pipeline.InvalidConfigf("sensor profile %s has unknown mask kind %q", p.ID, p.Mask.Kind)
	}
	if p.Mask.Min > 0 && p.Mask.Max > 0 && p.Mask.Min >= p.Mask.Max {
		return pipeline.InvalidConfigf("sensor profile %s mask min must be below max", p.ID)
	}
	return nil
}

// Registry resolves sensor identifiers to profiles.
type Registry struct {
	profiles map[string]SensorProfile
}

type profileFile struct {
	Profiles []SensorProfile `yaml:"profiles"`
}

// LoadProfiles parses a YAML profile document into a new registry.
func LoadProfiles(r io.Reader) (*Registry, error) {
	var doc profileFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode sensor profiles: %w", err)
	}
	reg := &Registry{profiles: make(map[string]SensorProfile, len(doc.Profiles))}
	if err := reg.Add(doc.Profiles...); err != nil {
		return nil, err
	}
	return reg, nil
}

// DefaultRegistry returns the built-in profiles.
func DefaultRegistry() *Registry {
	reg, err := LoadProfiles(strings.NewReader(builtinProfiles))
	if err != nil {
		panic(fmt.Sprintf("builtin sensor profiles: %v", err))
	}
	return reg
}

// Add validates and inserts profiles, replacing any with the same ID.
func (r *Registry) Add(profiles ...SensorProfile) error {
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			return err
		}
		r.profiles[p.ID] = p
	}
	return nil
}

// Get returns the profile for id.
func (r *Registry) Get(id string) (SensorProfile, error) {
	p, ok := r.profiles[id]
	if !ok {
		return SensorProfile{}, pipeline.InvalidConfigf("unknown sensor %q", id)
	}
	return p, nil
}

// IDs lists registered sensor identifiers in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.profiles))
	for id := range r.profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
