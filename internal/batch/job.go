package batch

import (
	"time"
)

// Default job limits applied to zero-valued fields
const (
	DefaultBatchSize        = 50
	DefaultConcurrencyLimit = 5
	DefaultPerBatchTimeout  = 5 * time.Minute
	DefaultProgressInterval = 10
)

// Item is one unit of work. Key identifies it in outcomes and logs.
type Item struct {
	Key   string      `json:"key"`
	Value interface{} `json:"-"`
}

// Job describes a batch run
type Job struct {
	Items            []Item        `json:"items"`
	BatchSize        int           `json:"batch_size"`
	ConcurrencyLimit int           `json:"concurrency_limit"`
	PerBatchTimeout  time.Duration `json:"per_batch_timeout"`
	ProgressInterval int           `json:"progress_interval"`
}

// WithItems returns a copy of the job carrying items
func (j Job) WithItems(items []Item) Job {
	j.Items = items
	return j
}

func (j Job) withDefaults() Job {
	if j.BatchSize <= 0 {
		j.BatchSize = DefaultBatchSize
	}
	if j.ConcurrencyLimit <= 0 {
		j.ConcurrencyLimit = DefaultConcurrencyLimit
	}
	if j.PerBatchTimeout <= 0 {
		j.PerBatchTimeout = DefaultPerBatchTimeout
	}
	if j.ProgressInterval <= 0 {
		j.ProgressInterval = DefaultProgressInterval
	}
	return j
}

// Chunks partitions item indexes into consecutive groups of BatchSize.
// The last chunk may be smaller.
func (j Job) Chunks() [][]int {
	size := j.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}

	chunks := make([][]int, 0, (len(j.Items)+size-1)/size)
	for start := 0; start < len(j.Items); start += size {
		end := start + size
		if end > len(j.Items) {
			end = len(j.Items)
		}
		chunk := make([]int, 0, end-start)
		for i := start; i < end; i++ {
			chunk = append(chunk, i)
		}
		chunks = append(chunks, chunk)
	}
	return chunks
}

// OutcomeStatus is the final state of one item
type OutcomeStatus string

const (
	StatusSuccess OutcomeStatus = "success"
	StatusFailure OutcomeStatus = "failure"
	StatusSkipped OutcomeStatus = "skipped"
)

// Outcome is the result for a single item
type Outcome struct {
	Index   int           `json:"index"`
	Key     string        `json:"key"`
	Status  OutcomeStatus `json:"status"`
	Payload interface{}   `json:"-"`
	Reason  string        `json:"reason,omitempty"`
	Err     error         `json:"-"`
}

// Result holds exactly one outcome per input item, in input order
type Result struct {
	Outcomes   []Outcome `json:"outcomes"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Duration returns the wall time of the run
func (r *Result) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Failures returns the failed outcomes
func (r *Result) Failures() []Outcome {
	var failed []Outcome
	for _, o := range r.Outcomes {
		if o.Status == StatusFailure {
			failed = append(failed, o)
		}
	}
	return failed
}

// Progress is a counts-so-far snapshot published during a run
type Progress struct {
	Completed int       `json:"completed"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Skipped   int       `json:"skipped"`
	Total     int       `json:"total"`
	Done      bool      `json:"done"`
	UpdatedAt time.Time `json:"updated_at"`
}
