package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SyncTarget identifies one dataset on the telemetry platform
type SyncTarget struct {
	DatasetName string `json:"dataset_name" yaml:"dataset_name"`
	MaxAgeDays  int    `json:"max_age_days" yaml:"max_age_days"`
}

// ExperimentRecord is a single evaluated experiment item fetched upstream
type ExperimentRecord struct {
	ID             string                 `json:"id"`
	DatasetName    string                 `json:"dataset_name"`
	CapturedAt     time.Time              `json:"captured_at"`
	EvalScores     map[string]float64     `json:"eval_scores"`
	Input          string                 `json:"input,omitempty"`
	ExpectedOutput string                 `json:"expected_output,omitempty"`
	Output         string                 `json:"output,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// PatternKind classifies an extracted pattern
type PatternKind string

const (
	PatternKindQA   PatternKind = "QA"
	PatternKindRAG  PatternKind = "RAG"
	PatternKindEval PatternKind = "EVAL"
)

// PatternKinds lists every kind in declaration order
var PatternKinds = []PatternKind{PatternKindQA, PatternKindRAG, PatternKindEval}

// Valid reports whether k is a known kind
func (k PatternKind) Valid() bool {
	switch k {
	case PatternKindQA, PatternKindRAG, PatternKindEval:
		return true
	}
	return false
}

// PatternPayload is the kind-specific body of a pattern
type PatternPayload struct {
	Input          string             `json:"input,omitempty"`
	ExpectedOutput string             `json:"expected_output,omitempty"`
	Output         string             `json:"output,omitempty"`
	Scores         map[string]float64 `json:"scores"`
	SampleCount    int                `json:"sample_count"`
}

// Value implements driver.Valuer so payloads are stored as JSON
func (p PatternPayload) Value() (driver.Value, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner
func (p *PatternPayload) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*p = PatternPayload{}
		return nil
	case []byte:
		return json.Unmarshal(v, p)
	case string:
		return json.Unmarshal([]byte(v), p)
	default:
		return fmt.Errorf("cannot scan %T into PatternPayload", src)
	}
}

// PatternKey is the idempotent upsert key of a pattern
type PatternKey struct {
	DatasetName  string      `json:"dataset_name"`
	ExperimentID string      `json:"experiment_id"`
	Kind         PatternKind `json:"pattern_kind"`
}

func (k PatternKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.DatasetName, k.ExperimentID, k.Kind)
}

// PatternCandidate is a pattern produced by extraction, not yet persisted
type PatternCandidate struct {
	Kind                PatternKind    `json:"kind"`
	DatasetName         string         `json:"dataset_name"`
	Confidence          float64        `json:"confidence"`
	SourceExperimentIDs []string       `json:"source_experiment_ids"`
	Payload             PatternPayload `json:"payload"`
}

// ExperimentID returns the experiment the candidate was extracted from
func (c PatternCandidate) ExperimentID() string {
	if len(c.SourceExperimentIDs) == 0 {
		return ""
	}
	return c.SourceExperimentIDs[0]
}

// Key returns the upsert key
func (c PatternCandidate) Key() PatternKey {
	return PatternKey{
		DatasetName:  c.DatasetName,
		ExperimentID: c.ExperimentID(),
		Kind:         c.Kind,
	}
}

// Pattern is a persisted pattern row
type Pattern struct {
	ID           uuid.UUID      `json:"id" db:"id"`
	DatasetName  string         `json:"dataset_name" db:"dataset_name"`
	ExperimentID string         `json:"experiment_id" db:"experiment_id"`
	Kind         PatternKind    `json:"pattern_kind" db:"pattern_kind"`
	Confidence   float64        `json:"confidence" db:"confidence"`
	Payload      PatternPayload `json:"payload" db:"payload"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at" db:"updated_at"`
}

// SyncTrigger records why a sync cycle ran
type SyncTrigger string

const (
	SyncTriggerScheduled SyncTrigger = "scheduled"
	SyncTriggerManual    SyncTrigger = "manual"
)

// SyncRun summarizes one sync cycle
type SyncRun struct {
	ID                uuid.UUID     `json:"id" db:"id"`
	Trigger           SyncTrigger   `json:"trigger" db:"trigger_type"`
	StartedAt         time.Time     `json:"started_at" db:"started_at"`
	FinishedAt        time.Time     `json:"finished_at" db:"finished_at"`
	Targets           []string      `json:"targets" db:"-"`
	Succeeded         int           `json:"succeeded" db:"succeeded"`
	Failed            int           `json:"failed" db:"failed"`
	Skipped           int           `json:"skipped" db:"skipped"`
	PatternsExtracted int           `json:"patterns_extracted" db:"patterns_extracted"`
	PatternsPersisted int           `json:"patterns_persisted" db:"patterns_persisted"`
	Failures          []SyncFailure `json:"failures,omitempty" db:"-"`
}

// Duration returns how long the run took
func (r *SyncRun) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// SyncFailure describes one target that did not sync
type SyncFailure struct {
	DatasetName string `json:"dataset_name"`
	Reason      string `json:"reason"`
	Error       string `json:"error,omitempty"`
}

// SyncState is the persisted last-sync marker of a dataset
type SyncState struct {
	DatasetName string    `json:"dataset_name" db:"dataset_name"`
	LastSyncAt  time.Time `json:"last_sync_at" db:"last_sync_at"`
	LastRunID   uuid.UUID `json:"last_run_id" db:"last_run_id"`
}
