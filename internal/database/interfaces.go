package database

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/NikhilSetiya/evalsync/pkg/types"
)

// PatternStore persists extracted patterns
type PatternStore interface {
	UpsertPatterns(ctx context.Context, candidates []types.PatternCandidate) (int, error)
	ListPatterns(ctx context.Context, filter *PatternFilter, pagination *Pagination) ([]types.Pattern, int64, error)
}

// SyncStateStore persists last-sync markers and run history
type SyncStateStore interface {
	LastSync(ctx context.Context, dataset string) (time.Time, bool, error)
	LastSyncs(ctx context.Context) (map[string]time.Time, error)
	RecordSync(ctx context.Context, dataset string, at time.Time, runID uuid.UUID) error
	SaveRun(ctx context.Context, run *types.SyncRun) error
	GetRun(ctx context.Context, id uuid.UUID) (*types.SyncRun, error)
	ListRuns(ctx context.Context, limit int) ([]types.SyncRun, error)
}

// PatternFilter narrows pattern queries
type PatternFilter struct {
	DatasetName   string            `json:"dataset_name,omitempty"`
	Kind          types.PatternKind `json:"kind,omitempty"`
	ExperimentID  string            `json:"experiment_id,omitempty"`
	MinConfidence float64           `json:"min_confidence,omitempty"`
}

// Pagination represents pagination parameters
type Pagination struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

// DefaultPageSize applies when a pagination carries no size
const DefaultPageSize = 50

func (p *Pagination) limitOffset() (int, int) {
	if p == nil {
		return DefaultPageSize, 0
	}
	size := p.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > 500 {
		size = 500
	}
	page := p.Page
	if page < 1 {
		page = 1
	}
	return size, (page - 1) * size
}
