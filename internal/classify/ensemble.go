package classify

import (
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/geotile-pipeline/internal/metrics"
	"github.com/JakeFAU/geotile-pipeline/internal/pipeline"
)

// DefaultWeights are the per-method merge weights.
func DefaultWeights() map[string]float64 {
	return map[string]float64{
		MethodCatalog:    1.0,
		MethodLexical:    0.8,
		MethodSimilarity: 0.6,
		MethodKeyword:    0.5,
	}
}

// ValidateWeights rejects unknown methods and weights outside [0, 1].
func ValidateWeights(weights map[string]float64) error {
	for method, w := range weights {
		if _, ok := methodPriority[method]; !ok {
			return pipeline.InvalidConfigf("unknown method %q (want one of %s)", method, strings.Join(methodNames(), ", "))
		}
		if math.IsNaN(w) || w < 0 || w > 1 {
			return pipeline.InvalidConfigf("%s weight must be in [0, 1], got %v", method, w)
		}
	}
	return nil
}

func methodNames() []string {
	return []string{MethodCatalog, MethodLexical, MethodSimilarity, MethodKeyword}
}

// methodPriority orders methods for tie breaking; lower wins.
var methodPriority = map[string]int{
	MethodCatalog:    0,
	MethodLexical:    1,
	MethodSimilarity: 2,
	MethodKeyword:    3,
}

func priorityOf(method string) int {
	if p, ok := methodPriority[method]; ok {
		return p
	}
	return len(methodPriority)
}

const scoreEpsilon = 1e-9

type candidate struct {
	label    string
	score    float64
	priority int
	votes    []pipeline.Vote
}

// Merge combines votes into one winning label per category. For each category
// the label with the largest weighted confidence sum wins; ties go to the label
// backed by the highest-priority method (catalog, lexical, similarity,
// keyword), then to the lexically smaller label. Categories without votes are
// omitted. ok is false when there are no usable votes at all. Merge does not
// depend on vote order and does not modify its input.
func Merge(votes []pipeline.Vote, weights map[string]float64) (map[pipeline.Category]pipeline.Label, bool) {
	sorted := append([]pipeline.Vote(nil), votes...)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		if a.Label != b.Label {
			return a.Label < b.Label
		}
		if pa, pb := priorityOf(a.Method), priorityOf(b.Method); pa != pb {
			return pa < pb
		}
		if a.Method != b.Method {
			return a.Method < b.Method
		}
		return a.Confidence > b.Confidence
	})

	byCategory := make(map[pipeline.Category]map[string]*candidate)
	for _, v := range sorted {
		w, ok := weights[v.Method]
		if !ok || w <= 0 || v.Confidence <= 0 || v.Label == "" {
			continue
		}
		cands := byCategory[v.Category]
		if cands == nil {
			cands = make(map[string]*candidate)
			byCategory[v.Category] = cands
		}
		c := cands[v.Label]
		if c == nil {
			c = &candidate{label: v.Label, priority: priorityOf(v.Method)}
			cands[v.Label] = c
		}
		c.score += w * v.Confidence
		c.priority = min(c.priority, priorityOf(v.Method))
		c.votes = append(c.votes, v)
	}
	if len(byCategory) == 0 {
		return nil, false
	}

	labels := make(map[pipeline.Category]pipeline.Label, len(byCategory))
	for cat, cands := range byCategory {
		var best *candidate
		for _, c := range cands {
			if best == nil || beats(c, best) {
				best = c
			}
		}
		labels[cat] = pipeline.Label{
			Value:      best.label,
			Score:      best.score,
			Confidence: math.Min(1, best.score),
			Votes:      best.votes,
		}
	}
	return labels, true
}

func beats(c, best *candidate) bool {
	switch {
	case c.score > best.score+scoreEpsilon:
		return true
	case c.score < best.score-scoreEpsilon:
		return false
	case c.priority != best.priority:
		return c.priority < best.priority
	default:
		return c.label < best.label
	}
}

// Ensemble runs every classifier over a document and merges their votes.
type Ensemble struct {
	classifiers []Classifier
	weights     map[string]float64
	clock       pipeline.Clock
	logger      *zap.Logger
}

// Config tunes the default ensemble.
type Config struct {
	Weights          map[string]float64
	MinSimilarity    float64
	LexicalThreshold float64
}

// NewDefault builds the four-method ensemble on the built-in catalog and vocabulary.
func NewDefault(cfg Config, clock pipeline.Clock, logger *zap.Logger) *Ensemble {
	vocab := DefaultVocabulary()
	return New([]Classifier{
		NewCatalogLookup(nil),
		NewLexicalModel(cfg.LexicalThreshold),
		NewSimilarityScorer(vocab, cfg.MinSimilarity),
		NewKeywordMatcher(vocab),
	}, cfg.Weights, clock, logger)
}

// New builds an Ensemble. Missing weights fall back to DefaultWeights and
// weights outside [0, 1] are clamped.
func New(classifiers []Classifier, weights map[string]float64, clock pipeline.Clock, logger *zap.Logger) *Ensemble {
	if logger == nil {
		logger = zap.NewNop()
	}
	merged := DefaultWeights()
	for method, w := range weights {
		clamped := w
		if math.IsNaN(w) {
			clamped = 0
		}
		clamped = min(1, max(0, clamped))
		if clamped != w {
			logger.Warn("classifier weight clamped", zap.String("method", method), zap.Float64("weight", w), zap.Float64("clamped", clamped))
		}
		merged[method] = clamped
	}
	return &Ensemble{classifiers: classifiers, weights: merged, clock: clock, logger: logger}
}

// Weights returns a copy of the effective weights.
func (e *Ensemble) Weights() map[string]float64 {
	out := make(map[string]float64, len(e.weights))
	for k, v := range e.weights {
		out[k] = v
	}
	return out
}

// Votes runs every classifier and returns their concatenated votes.
func (e *Ensemble) Votes(doc Document) []pipeline.Vote {
	var votes []pipeline.Vote
	for _, c := range e.classifiers {
		v := c.Classify(doc)
		e.logger.Debug("classifier votes", zap.String("method", c.Name()), zap.Int("votes", len(v)), zap.String("url", doc.URL))
		votes = append(votes, v...)
	}
	return votes
}

// Classify votes and merges. ok is false when no classifier voted; such a page
// yields no result rather than a guessed label.
func (e *Ensemble) Classify(doc Document) (pipeline.ClassificationResult, bool) {
	labels, ok := Merge(e.Votes(doc), e.weights)
	if !ok {
		return pipeline.ClassificationResult{}, false
	}
	var sum float64
	for cat, l := range labels {
		sum += l.Confidence
		metrics.ObserveLabel(string(cat), l.Value)
	}
	result := pipeline.ClassificationResult{
		URL:        doc.URL,
		Title:      doc.Title,
		Labels:     labels,
		Confidence: sum / float64(len(labels)),
	}
	if e.clock != nil {
		result.ClassifiedAt = e.clock.Now()
	}
	return result, true
}
