package classify

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/JakeFAU/geotile-pipeline/internal/pipeline"
)

// Classifier method names, also used as weight keys.
const (
	MethodCatalog    = "catalog"
	MethodLexical    = "lexical"
	MethodSimilarity = "similarity"
	MethodKeyword    = "keyword"
)

// Classifier produces zero or more votes for a document.
type Classifier interface {
	Name() string
	Classify(doc Document) []pipeline.Vote
}

// voteSet keeps the strongest vote per (category, label) for one classifier.
type voteSet struct {
	method string
	votes  map[pipeline.Category]map[string]float64
}

func newVoteSet(method string) *voteSet {
	return &voteSet{method: method, votes: make(map[pipeline.Category]map[string]float64)}
}

func (s *voteSet) add(cat pipeline.Category, label string, confidence float64) {
	byLabel, ok := s.votes[cat]
	if !ok {
		byLabel = make(map[string]float64)
		s.votes[cat] = byLabel
	}
	if confidence > byLabel[label] {
		byLabel[label] = confidence
	}
}

func (s *voteSet) list() []pipeline.Vote {
	var out []pipeline.Vote
	for cat, byLabel := range s.votes {
		for label, conf := range byLabel {
			out = append(out, pipeline.Vote{Category: cat, Label: label, Confidence: conf, Method: s.method})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Label < out[j].Label
	})
	return out
}

// CatalogLookup matches documents against the satellite registry. A hit is
// authoritative and also yields the sensor type and resolution class.
type CatalogLookup struct {
	catalog    *Catalog
	confidence float64
}

// NewCatalogLookup builds the catalog classifier. A nil catalog uses the built-in one.
func NewCatalogLookup(catalog *Catalog) *CatalogLookup {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &CatalogLookup{catalog: catalog, confidence: 0.95}
}

// Name implements Classifier.
func (c *CatalogLookup) Name() string { return MethodCatalog }

// Classify implements Classifier.
func (c *CatalogLookup) Classify(doc Document) []pipeline.Vote {
	set := newVoteSet(MethodCatalog)
	for _, sat := range c.catalog.Satellites {
		for _, alias := range sat.aliasTokens {
			if !containsPhrase(doc.Tokens, alias) {
				continue
			}
			set.add(pipeline.CategorySatellite, sat.Name, c.confidence)
			set.add(pipeline.CategorySensor, sat.SensorType, c.confidence)
			set.add(pipeline.CategoryResolution, ResolutionClass(sat.Resolution), c.confidence)
			break
		}
	}
	return set.list()
}

// KeywordMatcher matches curated terms. A term matching whole tokens scores
// exact; a single-token term embedded in a longer token scores partial.
// Longer phrases claim their tokens first, so "very high resolution" does not
// also count as "high resolution".
type KeywordMatcher struct {
	vocab   *Vocabulary
	exact   float64
	partial float64
}

// NewKeywordMatcher builds the keyword classifier. A nil vocabulary uses the built-in one.
func NewKeywordMatcher(vocab *Vocabulary) *KeywordMatcher {
	if vocab == nil {
		vocab = DefaultVocabulary()
	}
	return &KeywordMatcher{vocab: vocab, exact: 0.9, partial: 0.5}
}

// Name implements Classifier.
func (k *KeywordMatcher) Name() string { return MethodKeyword }

type phraseHit struct {
	entry *Entry
	start int
	size  int
}

// Classify implements Classifier.
func (k *KeywordMatcher) Classify(doc Document) []pipeline.Vote {
	var hits []phraseHit
	for i := range k.vocab.Labels {
		e := &k.vocab.Labels[i]
		for _, term := range e.termTokens {
			for pos := range doc.Tokens {
				if phraseAt(doc.Tokens, pos, term) {
					hits = append(hits, phraseHit{entry: e, start: pos, size: len(term)})
				}
			}
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].size != hits[j].size {
			return hits[i].size > hits[j].size
		}
		return hits[i].start < hits[j].start
	})

	set := newVoteSet(MethodKeyword)
	claimed := make([]bool, len(doc.Tokens))
	for _, h := range hits {
		free := true
		for p := h.start; p < h.start+h.size; p++ {
			if claimed[p] {
				free = false
				break
			}
		}
		if !free {
			continue
		}
		for p := h.start; p < h.start+h.size; p++ {
			claimed[p] = true
		}
		set.add(h.entry.Category, h.entry.Label, k.exact)
	}

	for i := range k.vocab.Labels {
		e := &k.vocab.Labels[i]
		for _, term := range e.termTokens {
			if len(term) != 1 || len([]rune(term[0])) < 3 {
				continue
			}
			for pos, tok := range doc.Tokens {
				if !claimed[pos] && partialMatch(tok, term[0]) {
					set.add(e.Category, e.Label, k.partial)
					break
				}
			}
		}
	}
	return set.list()
}

// partialMatch reports whether term sits inside tok as a hyphen-delimited part
// or as a prefix followed by a short variant suffix ("sentinel-2" in "sentinel-2a").
func partialMatch(tok, term string) bool {
	if tok == term {
		return false
	}
	if rest, ok := strings.CutPrefix(tok, term); ok {
		return len(rest) <= 2 || rest[0] == '-'
	}
	return strings.HasSuffix(tok, "-"+term) || strings.Contains(tok, "-"+term+"-")
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true, "be": true, "by": true,
	"for": true, "from": true, "has": true, "in": true, "is": true, "it": true, "of": true, "on": true,
	"or": true, "that": true, "the": true, "this": true, "to": true, "with": true, "was": true, "were": true,
	"data": true, "dataset": true,
}

func contentTokens(text string) []string {
	var out []string
	for _, tok := range Tokenize(Normalize(text)) {
		if len(tok) < 2 || stopwords[tok] {
			continue
		}
		out = append(out, tok)
	}
	return out
}

type reference struct {
	category pipeline.Category
	label    string
	vector   map[string]float64
	norm     float64
}

// SimilarityScorer compares a document's TF-IDF vector with reference label
// descriptions and votes for the closest label per category.
type SimilarityScorer struct {
	refs          []reference
	idf           map[string]float64
	minSimilarity float64
}

// DefaultMinSimilarity is the cosine floor below which no vote is cast.
const DefaultMinSimilarity = 0.15

// NewSimilarityScorer builds the similarity classifier. A nil vocabulary uses
// the built-in one; minSimilarity <= 0 selects the default.
func NewSimilarityScorer(vocab *Vocabulary, minSimilarity float64) *SimilarityScorer {
	if vocab == nil {
		vocab = DefaultVocabulary()
	}
	if minSimilarity <= 0 {
		minSimilarity = DefaultMinSimilarity
	}
	docs := make([][]string, len(vocab.Labels))
	df := make(map[string]int)
	for i, e := range vocab.Labels {
		docs[i] = contentTokens(e.Label + " " + strings.Join(e.Terms, " ") + " " + e.Description)
		seen := make(map[string]bool)
		for _, tok := range docs[i] {
			if !seen[tok] {
				seen[tok] = true
				df[tok]++
			}
		}
	}
	n := float64(len(docs))
	idf := make(map[string]float64, len(df))
	for tok, count := range df {
		idf[tok] = math.Log((1+n)/(1+float64(count))) + 1
	}

	s := &SimilarityScorer{idf: idf, minSimilarity: minSimilarity}
	for i, e := range vocab.Labels {
		vec, norm := s.vectorize(docs[i])
		s.refs = append(s.refs, reference{category: e.Category, label: e.Label, vector: vec, norm: norm})
	}
	return s
}

func (s *SimilarityScorer) vectorize(tokens []string) (map[string]float64, float64) {
	tf := make(map[string]float64)
	for _, tok := range tokens {
		if _, known := s.idf[tok]; known {
			tf[tok]++
		}
	}
	var sum float64
	for tok, count := range tf {
		w := count * s.idf[tok]
		tf[tok] = w
		sum += w * w
	}
	return tf, math.Sqrt(sum)
}

// Name implements Classifier.
func (s *SimilarityScorer) Name() string { return MethodSimilarity }

// Classify implements Classifier.
func (s *SimilarityScorer) Classify(doc Document) []pipeline.Vote {
	vec, norm := s.vectorize(contentTokens(doc.Text))
	if norm == 0 {
		return nil
	}
	type best struct {
		label string
		score float64
	}
	winners := make(map[pipeline.Category]best)
	for _, ref := range s.refs {
		if ref.norm == 0 {
			continue
		}
		var dot float64
		for tok, w := range vec {
			dot += w * ref.vector[tok]
		}
		score := dot / (norm * ref.norm)
		cur, ok := winners[ref.category]
		if !ok || score > cur.score || (score == cur.score && ref.label < cur.label) {
			winners[ref.category] = best{label: ref.label, score: score}
		}
	}
	set := newVoteSet(MethodSimilarity)
	for cat, w := range winners {
		if w.score >= s.minSimilarity {
			set.add(cat, w.label, math.Min(1, w.score))
		}
	}
	return set.list()
}

var (
	platformPattern = regexp.MustCompile(
		`(?i)\b(sentinel|landsat|spot|worldview|pl[eé]iades|gaofen|kompsat|radarsat|cbers|geoeye)[\s-]?(\d{1,2})[a-d]?\b`)
	resolutionPattern = regexp.MustCompile(`(?i)\b(\d+(?:\.\d+)?)\s?(cm|km|m|meters?|metres?)\b`)
	sensorPattern     = regexp.MustCompile(
		`(?i)\b(multi-?spectral|hyper-?spectral|panchromatic|synthetic aperture radar|SAR|thermal infrared|lidar)\b`)
)

var platformNames = map[string]string{
	"sentinel":  "Sentinel-%s",
	"landsat":   "Landsat %s",
	"spot":      "SPOT %s",
	"worldview": "WorldView-%s",
	"pleiades":  "Pléiades",
	"gaofen":    "Gaofen-%s",
	"kompsat":   "KOMPSAT-%s",
	"radarsat":  "RADARSAT-%s",
	"cbers":     "CBERS-%s",
	"geoeye":    "GeoEye-%s",
}

var sensorNames = map[string]string{
	"multispectral":            "multispectral",
	"multi-spectral":           "multispectral",
	"hyperspectral":            "hyperspectral",
	"hyper-spectral":           "hyperspectral",
	"panchromatic":             "panchromatic",
	"synthetic aperture radar": "sar",
	"sar":                      "sar",
	"thermal infrared":         "thermal",
	"lidar":                    "lidar",
}

var (
	entityCues = map[string]bool{
		"satellite": true, "satellites": true, "mission": true, "imagery": true, "sensor": true,
		"instrument": true, "constellation": true, "spacecraft": true, "scenes": true, "scene": true,
		"products": true, "product": true, "acquired": true, "level-1": true, "level-2": true,
		"level-2a": true, "level-1c": true, "collection": true, "bands": true, "orbit": true,
	}
	resolutionCues = map[string]bool{
		"resolution": true, "gsd": true, "pixel": true, "pixels": true, "spatial": true,
		"sampling": true, "ground": true,
	}
)

// logistic weights: bias, capitalised, context cue, appears in metadata, log mention count.
type logisticWeights [5]float64

var (
	entityWeights     = logisticWeights{-1.0, 0.8, 1.2, 1.0, 0.6}
	resolutionWeights = logisticWeights{-1.5, 0, 2.0, 0.8, 0.4}
)

func (w logisticWeights) probability(capitalised, cue, inMeta bool, count int) float64 {
	z := w[0] + w[4]*math.Log1p(float64(count))
	if capitalised {
		z += w[1]
	}
	if cue {
		z += w[2]
	}
	if inMeta {
		z += w[3]
	}
	return 1 / (1 + math.Exp(-z))
}

// LexicalModel extracts satellite names, sensor types and resolution
// expressions from the raw text and scores each mention with a logistic model
// over its surface form and surrounding tokens.
type LexicalModel struct {
	threshold float64
	window    int
}

// NewLexicalModel builds the lexical classifier. threshold <= 0 selects 0.5.
func NewLexicalModel(threshold float64) *LexicalModel {
	if threshold <= 0 {
		threshold = 0.5
	}
	return &LexicalModel{threshold: threshold, window: 6}
}

// Name implements Classifier.
func (l *LexicalModel) Name() string { return MethodLexical }

type mention struct {
	category    pipeline.Category
	label       string
	capitalised bool
	cue         bool
	inMeta      bool
}

// Classify implements Classifier.
func (l *LexicalModel) Classify(doc Document) []pipeline.Vote {
	meta := doc.Meta()
	text := meta + " \n " + doc.Raw
	var mentions []mention

	for _, m := range platformPattern.FindAllStringSubmatchIndex(text, -1) {
		prefix := Normalize(text[m[2]:m[3]])
		format, ok := platformNames[prefix]
		if !ok {
			continue
		}
		label := format
		if strings.Contains(format, "%s") {
			label = strings.Replace(format, "%s", text[m[4]:m[5]], 1)
		}
		mentions = append(mentions, mention{
			category:    pipeline.CategorySatellite,
			label:       label,
			capitalised: startsUpper(text[m[0]:m[1]]),
			cue:         l.hasCue(text, m[0], m[1], entityCues),
			inMeta:      m[0] < len(meta),
		})
	}
	for _, m := range sensorPattern.FindAllStringSubmatchIndex(text, -1) {
		surface := text[m[2]:m[3]]
		if strings.EqualFold(surface, "sar") && surface != "SAR" {
			continue
		}
		label := sensorNames[Normalize(surface)]
		if label == "" {
			continue
		}
		mentions = append(mentions, mention{
			category:    pipeline.CategorySensor,
			label:       label,
			capitalised: true,
			cue:         l.hasCue(text, m[0], m[1], entityCues),
			inMeta:      m[0] < len(meta),
		})
	}
	for _, m := range resolutionPattern.FindAllStringSubmatchIndex(text, -1) {
		value, err := strconv.ParseFloat(text[m[2]:m[3]], 64)
		if err != nil {
			continue
		}
		meters := toMeters(value, strings.ToLower(text[m[4]:m[5]]))
		if meters < 0.05 || meters > 5000 {
			continue
		}
		mentions = append(mentions, mention{
			category: pipeline.CategoryResolution,
			label:    ResolutionClass(meters),
			cue:      l.hasCue(text, m[0], m[1], resolutionCues),
			inMeta:   m[0] < len(meta),
		})
	}

	counts := make(map[pipeline.Category]map[string]int)
	for _, m := range mentions {
		if counts[m.category] == nil {
			counts[m.category] = make(map[string]int)
		}
		counts[m.category][m.label]++
	}
	set := newVoteSet(MethodLexical)
	for _, m := range mentions {
		weights := entityWeights
		if m.category == pipeline.CategoryResolution {
			weights = resolutionWeights
		}
		p := weights.probability(m.capitalised, m.cue, m.inMeta, counts[m.category][m.label])
		if p >= l.threshold {
			set.add(m.category, m.label, p)
		}
	}
	return set.list()
}

func (l *LexicalModel) hasCue(text string, start, end int, cues map[string]bool) bool {
	left := Tokenize(Normalize(text[max(0, start-120):start]))
	right := Tokenize(Normalize(text[end:min(len(text), end+120)]))
	if len(left) > l.window {
		left = left[len(left)-l.window:]
	}
	if len(right) > l.window {
		right = right[:l.window]
	}
	for _, tok := range append(left, right...) {
		if cues[tok] {
			return true
		}
	}
	return false
}

func toMeters(value float64, unit string) float64 {
	switch unit {
	case "cm":
		return value / 100
	case "km":
		return value * 1000
	default:
		return value
	}
}

func startsUpper(s string) bool {
	for _, r := range s {
		return unicode.IsUpper(r)
	}
	return false
}
