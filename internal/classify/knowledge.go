package classify

import (
	_ "embed"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/geotile-pipeline/internal/pipeline"
)

var (
	//go:embed catalog.yaml
	builtinCatalog string
	//go:embed vocabulary.yaml
	builtinVocabulary string
)

// Resolution class labels.
const (
	ResolutionVeryHigh = "very-high"
	ResolutionHigh     = "high"
	ResolutionMedium   = "medium"
	ResolutionLow      = "low"
)

// ResolutionClass buckets a ground sample distance in metres.
func ResolutionClass(meters float64) string {
	switch {
	case meters < 1:
		return ResolutionVeryHigh
	case meters < 5:
		return ResolutionHigh
	case meters < 30:
		return ResolutionMedium
	default:
		return ResolutionLow
	}
}

// Satellite is one catalog entry.
type Satellite struct {
	Name        string   `yaml:"name"`
	Aliases     []string `yaml:"aliases"`
	Instrument  string   `yaml:"instrument"`
	SensorType  string   `yaml:"sensor_type"`
	Resolution  float64  `yaml:"resolution_m"`
	aliasTokens [][]string
}

// Catalog is the registry of known satellites.
type Catalog struct {
	Satellites []Satellite `yaml:"satellites"`
}

// LoadCatalog parses a YAML catalog.
func LoadCatalog(r io.Reader) (*Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	for i := range c.Satellites {
		s := &c.Satellites[i]
		if s.Name == "" || s.SensorType == "" || s.Resolution <= 0 {
			return nil, pipeline.InvalidConfigf("catalog entry %d is incomplete", i)
		}
		for _, alias := range append([]string{s.Name}, s.Aliases...) {
			if toks := Tokenize(Normalize(alias)); len(toks) > 0 {
				s.aliasTokens = append(s.aliasTokens, toks)
			}
		}
	}
	return &c, nil
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() *Catalog {
	c, err := LoadCatalog(strings.NewReader(builtinCatalog))
	if err != nil {
		panic(fmt.Sprintf("builtin catalog: %v", err))
	}
	return c
}

// Entry is one curated label with its match terms and reference description.
type Entry struct {
	Category    pipeline.Category `yaml:"category"`
	Label       string            `yaml:"label"`
	Terms       []string          `yaml:"terms"`
	Description string            `yaml:"description"`
	termTokens  [][]string
}

// Vocabulary is the curated label list shared by the keyword and similarity classifiers.
type Vocabulary struct {
	Labels []Entry `yaml:"labels"`
}

// LoadVocabulary parses a YAML vocabulary.
func LoadVocabulary(r io.Reader) (*Vocabulary, error) {
	var v Vocabulary
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode vocabulary: %w", err)
	}
	valid := make(map[pipeline.Category]bool, len(pipeline.Categories))
	for _, c := range pipeline.Categories {
		valid[c] = true
	}
	for i := range v.Labels {
		e := &v.Labels[i]
		if !valid[e.Category] || e.Label == "" {
			return nil, pipeline.InvalidConfigf("vocabulary entry %d has bad category %q or empty label", i, e.Category)
		}
		for _, term := range e.Terms {
			if toks := Tokenize(Normalize(term)); len(toks) > 0 {
				e.termTokens = append(e.termTokens, toks)
			}
		}
	}
	return &v, nil
}

// DefaultVocabulary returns the built-in vocabulary.
func DefaultVocabulary() *Vocabulary {
	v, err := LoadVocabulary(strings.NewReader(builtinVocabulary))
	if err != nil {
		panic(fmt.Sprintf("builtin vocabulary: %v", err))
	}
	return v
}

// phraseAt reports whether phrase occurs in tokens starting at i.
func phraseAt(tokens []string, i int, phrase []string) bool {
	if i+len(phrase) > len(tokens) {
		return false
	}
	for j, p := range phrase {
		if tokens[i+j] != p {
			return false
		}
	}
	return true
}

// containsPhrase reports whether phrase occurs anywhere in tokens.
func containsPhrase(tokens, phrase []string) bool {
	for i := range tokens {
		if phraseAt(tokens, i, phrase) {
			return true
		}
	}
	return false
}
