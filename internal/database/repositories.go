package database

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/NikhilSetiya/evalsync/pkg/errors"
	"github.com/NikhilSetiya/evalsync/pkg/types"
)

// Repositories holds all repository instances
type Repositories struct {
	Patterns  *PatternRepository
	SyncState *SyncStateRepository
}

// NewRepositories creates all repositories over db
func NewRepositories(db *DB) *Repositories {
	return &Repositories{
		Patterns:  NewPatternRepository(db),
		SyncState: NewSyncStateRepository(db),
	}
}

// PatternRepository handles pattern persistence
type PatternRepository struct {
	db  *DB
	now func() time.Time
}

// NewPatternRepository creates a new pattern repository
func NewPatternRepository(db *DB) *PatternRepository {
	return &PatternRepository{db: db, now: time.Now}
}

func (r *PatternRepository) upsertQuery() string {
	const insert = `
		INSERT INTO patterns (id, dataset_name, experiment_id, pattern_kind, confidence, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	if r.db.Driver() == DriverMySQL {
		return insert + `
		ON DUPLICATE KEY UPDATE
			confidence = VALUES(confidence),
			payload = VALUES(payload),
			updated_at = VALUES(updated_at)`
	}

	return r.db.Rebind(insert + `
		ON CONFLICT (dataset_name, experiment_id, pattern_kind) DO UPDATE SET
			confidence = excluded.confidence,
			payload = excluded.payload,
			updated_at = excluded.updated_at`)
}

// UpsertPatterns writes candidates keyed by (dataset, experiment, kind).
// Writing the same candidates again updates rows in place, so repeated
// sync cycles never duplicate patterns. Returns the number of distinct
// keys written.
func (r *PatternRepository) UpsertPatterns(ctx context.Context, candidates []types.PatternCandidate) (int, error) {
	unique := dedupeCandidates(candidates)
	if len(unique) == 0 {
		return 0, nil
	}

	for _, c := range unique {
		if c.DatasetName == "" || c.ExperimentID() == "" || !c.Kind.Valid() {
			return 0, errors.NewValidationError(fmt.Sprintf("invalid pattern key %s", c.Key()))
		}
	}

	start := time.Now()
	defer r.db.observe("upsert", "patterns", start)

	now := r.now().UTC()
	query := r.upsertQuery()

	err := r.db.WithTransaction(ctx, func(tx *sqlx.Tx) error {
		stmt, err := tx.PreparexContext(ctx, query)
		if err != nil {
			return errors.NewInternalError("failed to prepare pattern upsert").WithCause(err)
		}
		defer stmt.Close()

		for _, c := range unique {
			if _, err := stmt.ExecContext(ctx,
				uuid.New(),
				c.DatasetName,
				c.ExperimentID(),
				c.Kind,
				c.Confidence,
				c.Payload,
				now,
				now,
			); err != nil {
				return errors.NewInternalError("failed to upsert pattern " + c.Key().String()).WithCause(err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return len(unique), nil
}

// dedupeCandidates keeps the highest-confidence candidate for each key,
// in order of the key's first appearance
func dedupeCandidates(candidates []types.PatternCandidate) []types.PatternCandidate {
	index := make(map[types.PatternKey]int, len(candidates))
	out := make([]types.PatternCandidate, 0, len(candidates))
	for _, c := range candidates {
		key := c.Key()
		if i, ok := index[key]; ok {
			if c.Confidence > out[i].Confidence {
				out[i] = c
			}
			continue
		}
		index[key] = len(out)
		out = append(out, c)
	}
	return out
}

// ListPatterns returns patterns ordered by confidence, highest first,
// along with the total count matching filter
func (r *PatternRepository) ListPatterns(ctx context.Context, filter *PatternFilter, pagination *Pagination) ([]types.Pattern, int64, error) {
	start := time.Now()
	defer r.db.observe("select", "patterns", start)

	where, args := patternWhere(filter)

	var total int64
	countQuery := r.db.Rebind("SELECT COUNT(*) FROM patterns" + where)
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, errors.NewInternalError("failed to count patterns").WithCause(err)
	}

	limit, offset := pagination.limitOffset()
	query := r.db.Rebind(`
		SELECT id, dataset_name, experiment_id, pattern_kind, confidence, payload, created_at, updated_at
		FROM patterns` + where + `
		ORDER BY confidence DESC, dataset_name ASC, experiment_id ASC, pattern_kind ASC
		LIMIT ? OFFSET ?`)

	patterns := []types.Pattern{}
	if err := r.db.SelectContext(ctx, &patterns, query, append(args, limit, offset)...); err != nil {
		return nil, 0, errors.NewInternalError("failed to list patterns").WithCause(err)
	}

	return patterns, total, nil
}

// GetPattern retrieves a pattern by its upsert key
func (r *PatternRepository) GetPattern(ctx context.Context, key types.PatternKey) (*types.Pattern, error) {
	var pattern types.Pattern
	query := r.db.Rebind(`
		SELECT id, dataset_name, experiment_id, pattern_kind, confidence, payload, created_at, updated_at
		FROM patterns
		WHERE dataset_name = ? AND experiment_id = ? AND pattern_kind = ?`)

	err := r.db.GetContext(ctx, &pattern, query, key.DatasetName, key.ExperimentID, key.Kind)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("pattern")
		}
		return nil, errors.NewInternalError("failed to get pattern").WithCause(err)
	}

	return &pattern, nil
}

func patternWhere(filter *PatternFilter) (string, []interface{}) {
	if filter == nil {
		return "", nil
	}

	var (
		conditions []string
		args       []interface{}
	)
	if filter.DatasetName != "" {
		conditions = append(conditions, "dataset_name = ?")
		args = append(args, filter.DatasetName)
	}
	if filter.Kind != "" {
		conditions = append(conditions, "pattern_kind = ?")
		args = append(args, filter.Kind)
	}
	if filter.ExperimentID != "" {
		conditions = append(conditions, "experiment_id = ?")
		args = append(args, filter.ExperimentID)
	}
	if filter.MinConfidence > 0 {
		conditions = append(conditions, "confidence >= ?")
		args = append(args, filter.MinConfidence)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

// SyncStateRepository handles last-sync markers and run history
type SyncStateRepository struct {
	db *DB
}

// NewSyncStateRepository creates a new sync state repository
func NewSyncStateRepository(db *DB) *SyncStateRepository {
	return &SyncStateRepository{db: db}
}

// LastSync returns when dataset was last synced. The boolean is false when
// the dataset has never been synced.
func (r *SyncStateRepository) LastSync(ctx context.Context, dataset string) (time.Time, bool, error) {
	var state types.SyncState
	query := r.db.Rebind(`SELECT dataset_name, last_sync_at, last_run_id FROM sync_state WHERE dataset_name = ?`)

	if err := r.db.GetContext(ctx, &state, query, dataset); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, errors.NewInternalError("failed to get sync state").WithCause(err)
	}

	return state.LastSyncAt, true, nil
}

// LastSyncs returns the last sync time of every known dataset
func (r *SyncStateRepository) LastSyncs(ctx context.Context) (map[string]time.Time, error) {
	var states []types.SyncState
	if err := r.db.SelectContext(ctx, &states, `SELECT dataset_name, last_sync_at, last_run_id FROM sync_state`); err != nil {
		return nil, errors.NewInternalError("failed to list sync state").WithCause(err)
	}

	out := make(map[string]time.Time, len(states))
	for _, s := range states {
		out[s.DatasetName] = s.LastSyncAt
	}
	return out, nil
}

// RecordSync stores at as the last sync time of dataset
func (r *SyncStateRepository) RecordSync(ctx context.Context, dataset string, at time.Time, runID uuid.UUID) error {
	start := time.Now()
	defer r.db.observe("upsert", "sync_state", start)

	query := `INSERT INTO sync_state (dataset_name, last_sync_at, last_run_id) VALUES (?, ?, ?)`
	if r.db.Driver() == DriverMySQL {
		query += ` ON DUPLICATE KEY UPDATE last_sync_at = VALUES(last_sync_at), last_run_id = VALUES(last_run_id)`
	} else {
		query = r.db.Rebind(query + ` ON CONFLICT (dataset_name) DO UPDATE SET last_sync_at = excluded.last_sync_at, last_run_id = excluded.last_run_id`)
	}

	if _, err := r.db.ExecContext(ctx, query, dataset, at.UTC(), runID); err != nil {
		return errors.NewInternalError("failed to record sync").WithCause(err)
	}
	return nil
}

type syncRunRow struct {
	types.SyncRun
	TargetsJSON  string `db:"targets"`
	FailuresJSON string `db:"failures"`
}

func (row syncRunRow) toRun() (types.SyncRun, error) {
	run := row.SyncRun
	run.StartedAt = run.StartedAt.UTC()
	run.FinishedAt = run.FinishedAt.UTC()
	if row.TargetsJSON != "" {
		if err := json.Unmarshal([]byte(row.TargetsJSON), &run.Targets); err != nil {
			return run, fmt.Errorf("failed to decode targets of run %s: %w", run.ID, err)
		}
	}
	if row.FailuresJSON != "" {
		if err := json.Unmarshal([]byte(row.FailuresJSON), &run.Failures); err != nil {
			return run, fmt.Errorf("failed to decode failures of run %s: %w", run.ID, err)
		}
	}
	return run, nil
}

// SaveRun appends a finished run to the history
func (r *SyncStateRepository) SaveRun(ctx context.Context, run *types.SyncRun) error {
	if run == nil {
		return errors.NewValidationError("sync run is required")
	}
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}

	targets, err := json.Marshal(nonNil(run.Targets))
	if err != nil {
		return errors.NewInternalError("failed to encode run targets").WithCause(err)
	}
	failures, err := json.Marshal(run.Failures)
	if err != nil {
		return errors.NewInternalError("failed to encode run failures").WithCause(err)
	}
	if run.Failures == nil {
		failures = []byte("[]")
	}

	query := r.db.Rebind(`
		INSERT INTO sync_runs (id, trigger_type, started_at, finished_at, targets, succeeded, failed, skipped,
			patterns_extracted, patterns_persisted, failures)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err = r.db.ExecContext(ctx, query,
		run.ID,
		run.Trigger,
		run.StartedAt.UTC(),
		run.FinishedAt.UTC(),
		string(targets),
		run.Succeeded,
		run.Failed,
		run.Skipped,
		run.PatternsExtracted,
		run.PatternsPersisted,
		string(failures),
	)
	if err != nil {
		return errors.NewInternalError("failed to save sync run").WithCause(err)
	}
	return nil
}

const selectRunColumns = `
	SELECT id, trigger_type, started_at, finished_at, targets, succeeded, failed, skipped,
		patterns_extracted, patterns_persisted, failures
	FROM sync_runs`

// GetRun retrieves a run by ID
func (r *SyncStateRepository) GetRun(ctx context.Context, id uuid.UUID) (*types.SyncRun, error) {
	var row syncRunRow
	if err := r.db.GetContext(ctx, &row, r.db.Rebind(selectRunColumns+` WHERE id = ?`), id); err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("sync run")
		}
		return nil, errors.NewInternalError("failed to get sync run").WithCause(err)
	}

	run, err := row.toRun()
	if err != nil {
		return nil, errors.NewInternalError("failed to decode sync run").WithCause(err)
	}
	return &run, nil
}

// ListRuns returns the most recent runs, newest first
func (r *SyncStateRepository) ListRuns(ctx context.Context, limit int) ([]types.SyncRun, error) {
	if limit <= 0 {
		limit = 20
	}

	var rows []syncRunRow
	query := r.db.Rebind(selectRunColumns + ` ORDER BY started_at DESC LIMIT ?`)
	if err := r.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, errors.NewInternalError("failed to list sync runs").WithCause(err)
	}

	runs := make([]types.SyncRun, 0, len(rows))
	for _, row := range rows {
		run, err := row.toRun()
		if err != nil {
			return nil, errors.NewInternalError("failed to decode sync run").WithCause(err)
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
