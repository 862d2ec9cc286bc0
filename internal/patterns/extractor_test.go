package patterns

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/evalsync/pkg/errors"
	"github.com/NikhilSetiya/evalsync/pkg/types"
)

func newTestExtractor(t *testing.T, mutate func(*Config)) *Extractor {
	t.Helper()

	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	e, err := NewExtractor(cfg)
	require.NoError(t, err)
	return e
}

func record(dataset, id string, scores map[string]float64) types.ExperimentRecord {
	return types.ExperimentRecord{ID: id, DatasetName: dataset, EvalScores: scores}
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, types.PatternKindQA, KindOf("correctness"))
	assert.Equal(t, types.PatternKindQA, KindOf("Exact-Match"))
	assert.Equal(t, types.PatternKindRAG, KindOf("context_relevance"))
	assert.Equal(t, types.PatternKindRAG, KindOf(" Faithfulness "))
	assert.Equal(t, types.PatternKindEval, KindOf("toxicity"))
}

func TestNewExtractor_InvalidConfig(t *testing.T) {
	_, err := NewExtractor(Config{QAThreshold: 1.2, RAGThreshold: 0.5, ConfidenceThreshold: 0.5, MaxPerExperiment: 1})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfiguration))

	_, err = NewExtractor(Config{QAThreshold: 0.5, RAGThreshold: 0.5, ConfidenceThreshold: 0.5, MaxPerExperiment: 0})
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfiguration))
}

func TestExtract_ThresholdsPerKind(t *testing.T) {
	e := newTestExtractor(t, nil)

	out := e.Extract([]types.ExperimentRecord{
		record("qa", "exp-1", map[string]float64{"correctness": 0.9}),
		record("qa", "exp-2", map[string]float64{"correctness": 0.75}),
		record("rag", "exp-3", map[string]float64{"faithfulness": 0.75}),
		record("rag", "exp-4", map[string]float64{"context_recall": 0.65}),
		record("eval", "exp-5", map[string]float64{"helpfulness": 0.61}),
		record("eval", "exp-6", map[string]float64{"helpfulness": 0.59}),
	})

	keys := make([]string, 0, len(out))
	for _, c := range out {
		keys = append(keys, c.Key().String())
	}
	assert.Equal(t, []string{
		"qa/exp-1/QA",
		"rag/exp-3/RAG",
		"eval/exp-5/EVAL",
	}, keys)
}

func TestExtract_GroupsByExperiment(t *testing.T) {
	e := newTestExtractor(t, nil)

	out := e.Extract([]types.ExperimentRecord{
		{ID: "exp-1", DatasetName: "qa", Input: "What is 2+2?", Output: "4",
			EvalScores: map[string]float64{"correctness": 1.0, "accuracy": 0.8}},
		{ID: "exp-1", DatasetName: "qa", ExpectedOutput: "4",
			EvalScores: map[string]float64{"correctness": 0.9}},
	})

	require.Len(t, out, 1)
	c := out[0]
	assert.Equal(t, types.PatternKindQA, c.Kind)
	assert.InDelta(t, 0.9, c.Confidence, 1e-9)
	assert.Equal(t, []string{"exp-1"}, c.SourceExperimentIDs)
	assert.Equal(t, "What is 2+2?", c.Payload.Input)
	assert.Equal(t, "4", c.Payload.ExpectedOutput)
	assert.Equal(t, 2, c.Payload.SampleCount)
	assert.InDelta(t, 0.95, c.Payload.Scores["correctness"], 1e-9)
}

func TestExtract_SameIDDifferentDatasets(t *testing.T) {
	e := newTestExtractor(t, nil)

	out := e.Extract([]types.ExperimentRecord{
		record("b", "exp-1", map[string]float64{"correctness": 0.9}),
		record("a", "exp-1", map[string]float64{"correctness": 0.9}),
	})

	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].DatasetName, "equal confidence sorts by dataset")
	assert.Equal(t, "b", out[1].DatasetName)
}

func TestExtract_ClampsAndIgnoresNonFinite(t *testing.T) {
	e := newTestExtractor(t, nil)

	out := e.Extract([]types.ExperimentRecord{
		record("qa", "exp-1", map[string]float64{"correctness": 7, "accuracy": math.NaN()}),
		record("qa", "exp-2", map[string]float64{"correctness": math.Inf(1)}),
		record("qa", "exp-3", map[string]float64{"correctness": -3}),
	})

	require.Len(t, out, 1)
	assert.Equal(t, "exp-1", out[0].ExperimentID())
	assert.Equal(t, 1.0, out[0].Confidence)
}

func TestExtract_CapPerExperiment(t *testing.T) {
	e := newTestExtractor(t, func(c *Config) { c.MaxPerExperiment = 2 })

	out := e.Extract([]types.ExperimentRecord{
		record("mixed", "exp-1", map[string]float64{
			"correctness":  0.85,
			"faithfulness": 0.95,
			"helpfulness":  0.85,
		}),
	})

	require.Len(t, out, 2)
	assert.Equal(t, types.PatternKindRAG, out[0].Kind)
	// QA and EVAL tie; QA appeared first
	assert.Equal(t, types.PatternKindQA, out[1].Kind)
}

func TestExtract_Properties(t *testing.T) {
	cfg := Config{QAThreshold: 0.5, RAGThreshold: 0.4, ConfidenceThreshold: 0.3, MaxPerExperiment: 2}
	e := newTestExtractor(t, func(c *Config) { *c = cfg })

	var records []types.ExperimentRecord
	for i := 0; i < 60; i++ {
		v := float64(i%11) / 10
		records = append(records, record(
			fmt.Sprintf("ds-%d", i%4),
			fmt.Sprintf("exp-%d", i%20),
			map[string]float64{"correctness": v, "relevance": 1 - v, "coherence": v / 2},
		))
	}

	out := e.Extract(records)
	require.NotEmpty(t, out)

	perExperiment := map[string]int{}
	for i, c := range out {
		assert.GreaterOrEqual(t, c.Confidence, cfg.ConfidenceThreshold)
		switch c.Kind {
		case types.PatternKindQA:
			assert.GreaterOrEqual(t, c.Confidence, cfg.QAThreshold)
		case types.PatternKindRAG:
			assert.GreaterOrEqual(t, c.Confidence, cfg.RAGThreshold)
		}
		if i > 0 {
			assert.GreaterOrEqual(t, out[i-1].Confidence, c.Confidence)
		}
		perExperiment[c.DatasetName+"/"+c.ExperimentID()]++
	}
	for key, n := range perExperiment {
		assert.LessOrEqual(t, n, cfg.MaxPerExperiment, key)
	}
}

func TestExtract_Empty(t *testing.T) {
	e := newTestExtractor(t, nil)
	assert.Empty(t, e.Extract(nil))
	assert.Empty(t, e.Extract([]types.ExperimentRecord{{DatasetName: "x"}}))
}
