// Package patterns derives confidence-scored pattern candidates from
// synchronized experiment records.
package patterns

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/NikhilSetiya/evalsync/pkg/errors"
	"github.com/NikhilSetiya/evalsync/pkg/types"
)

// Config contains extraction thresholds
type Config struct {
	QAThreshold         float64 `json:"qa_threshold"`
	RAGThreshold        float64 `json:"rag_threshold"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	MaxPerExperiment    int     `json:"max_per_experiment"`
}

// DefaultConfig returns default extraction thresholds
func DefaultConfig() Config {
	return Config{
		QAThreshold:         0.8,
		RAGThreshold:        0.7,
		ConfidenceThreshold: 0.6,
		MaxPerExperiment:    10,
	}
}

// Validate checks the threshold ranges
func (c Config) Validate() error {
	for name, v := range map[string]float64{
		"qa threshold":         c.QAThreshold,
		"rag threshold":        c.RAGThreshold,
		"confidence threshold": c.ConfidenceThreshold,
	} {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return errors.NewConfigurationError(fmt.Sprintf("pattern %s must be within [0,1]", name))
		}
	}
	if c.MaxPerExperiment < 1 {
		return errors.NewConfigurationError("pattern max per experiment must be >= 1")
	}
	return nil
}

// metric names per family; anything else belongs to EVAL
var (
	qaMetrics = map[string]bool{
		"correctness":        true,
		"qa_correctness":     true,
		"answer_correctness": true,
		"exact_match":        true,
		"accuracy":           true,
	}
	ragMetrics = map[string]bool{
		"relevance":         true,
		"context_relevance": true,
		"answer_relevancy":  true,
		"faithfulness":      true,
		"context_precision": true,
		"context_recall":    true,
		"groundedness":      true,
	}
)

// KindOf returns the pattern kind a metric contributes to
func KindOf(metric string) types.PatternKind {
	name := normalizeMetric(metric)
	switch {
	case qaMetrics[name]:
		return types.PatternKindQA
	case ragMetrics[name]:
		return types.PatternKindRAG
	default:
		return types.PatternKindEval
	}
}

func normalizeMetric(metric string) string {
	name := strings.ToLower(strings.TrimSpace(metric))
	return strings.NewReplacer("-", "_", " ", "_").Replace(name)
}

// Extractor turns experiment records into pattern candidates. It holds
// only immutable configuration and is safe for concurrent use.
type Extractor struct {
	config Config
}

// NewExtractor creates an extractor from a validated configuration
func NewExtractor(config Config) (*Extractor, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Extractor{config: config}, nil
}

// Config returns the extractor configuration
func (e *Extractor) Config() Config {
	return e.config
}

type experimentGroup struct {
	dataset string
	id      string
	records []types.ExperimentRecord
}

type ranked struct {
	candidate types.PatternCandidate
	order     int
}

// Extract groups records by dataset and experiment, scores each metric
// family and returns the qualifying candidates ordered by descending
// confidence, then dataset name, then first appearance.
func (e *Extractor) Extract(records []types.ExperimentRecord) []types.PatternCandidate {
	groups := groupRecords(records)

	var out []ranked
	order := 0
	for _, g := range groups {
		var perExperiment []ranked
		for _, kind := range types.PatternKinds {
			candidate, ok := e.score(g, kind)
			if !ok {
				continue
			}
			perExperiment = append(perExperiment, ranked{candidate: candidate, order: order})
			order++
		}

		out = append(out, e.capPerExperiment(perExperiment)...)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.candidate.Confidence != b.candidate.Confidence {
			return a.candidate.Confidence > b.candidate.Confidence
		}
		if a.candidate.DatasetName != b.candidate.DatasetName {
			return a.candidate.DatasetName < b.candidate.DatasetName
		}
		return a.order < b.order
	})

	candidates := make([]types.PatternCandidate, len(out))
	for i, r := range out {
		candidates[i] = r.candidate
	}
	return candidates
}

func groupRecords(records []types.ExperimentRecord) []*experimentGroup {
	index := make(map[[2]string]*experimentGroup)
	var groups []*experimentGroup

	for _, r := range records {
		if r.ID == "" {
			continue
		}
		key := [2]string{r.DatasetName, r.ID}
		g, ok := index[key]
		if !ok {
			g = &experimentGroup{dataset: r.DatasetName, id: r.ID}
			index[key] = g
			groups = append(groups, g)
		}
		g.records = append(g.records, r)
	}

	return groups
}

func (e *Extractor) score(g *experimentGroup, kind types.PatternKind) (types.PatternCandidate, bool) {
	sums := make(map[string]float64)
	counts := make(map[string]int)
	var total float64
	var n int

	for _, r := range g.records {
		for metric, value := range r.EvalScores {
			if math.IsNaN(value) || math.IsInf(value, 0) || KindOf(metric) != kind {
				continue
			}
			value = clamp(value)
			name := normalizeMetric(metric)
			sums[name] += value
			counts[name]++
			total += value
			n++
		}
	}

	if n == 0 {
		return types.PatternCandidate{}, false
	}

	confidence := total / float64(n)
	if confidence < e.config.ConfidenceThreshold || confidence < e.kindThreshold(kind) {
		return types.PatternCandidate{}, false
	}

	scores := make(map[string]float64, len(sums))
	for name, sum := range sums {
		scores[name] = sum / float64(counts[name])
	}

	payload := types.PatternPayload{
		Scores:      scores,
		SampleCount: len(g.records),
	}
	for _, r := range g.records {
		if payload.Input == "" {
			payload.Input = r.Input
		}
		if payload.ExpectedOutput == "" {
			payload.ExpectedOutput = r.ExpectedOutput
		}
		if payload.Output == "" {
			payload.Output = r.Output
		}
	}

	return types.PatternCandidate{
		Kind:                kind,
		DatasetName:         g.dataset,
		Confidence:          confidence,
		SourceExperimentIDs: []string{g.id},
		Payload:             payload,
	}, true
}

func (e *Extractor) kindThreshold(kind types.PatternKind) float64 {
	switch kind {
	case types.PatternKindQA:
		return e.config.QAThreshold
	case types.PatternKindRAG:
		return e.config.RAGThreshold
	default:
		return e.config.ConfidenceThreshold
	}
}

// capPerExperiment keeps the MaxPerExperiment highest-confidence
// candidates; earlier candidates win ties.
func (e *Extractor) capPerExperiment(candidates []ranked) []ranked {
	if len(candidates) <= e.config.MaxPerExperiment {
		return candidates
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].candidate.Confidence > candidates[j].candidate.Confidence
	})
	return candidates[:e.config.MaxPerExperiment]
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
