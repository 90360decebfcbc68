package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/Mindburn-Labs/helm/autopilot/pkg/budget"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/contracts"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/lifecycle"
)

// SQLRepository implements Repository using database/sql.
// It supports both Postgres and SQLite via standard drivers.
type SQLRepository struct {
	db     *sql.DB
	ledger *budget.SQLLedger
	clock  func() time.Time
}

func NewSQLRepository(db *sql.DB) *SQLRepository {
	return &SQLRepository{db: db, ledger: budget.NewSQLLedger(db), clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *SQLRepository) WithClock(clock func() time.Time) *SQLRepository {
	s.clock = clock
	return s
}

// DB exposes the handle so sibling stores can share the connection.
func (s *SQLRepository) DB() *sql.DB { return s.db }

const schema = `
CREATE TABLE IF NOT EXISTS goals (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	budget_tokens BIGINT,
	budget_time_seconds DOUBLE PRECISION,
	budget_cost_usd DOUBLE PRECISION,
	spent_tokens BIGINT NOT NULL DEFAULT 0,
	spent_time_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
	spent_cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
	success_criteria TEXT,
	quality_gates TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS goals_status_idx ON goals (status);
CREATE TABLE IF NOT EXISTS work_items (
	id TEXT PRIMARY KEY,
	goal_id TEXT NOT NULL REFERENCES goals(id),
	title TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	dependencies TEXT,
	retry_count INTEGER NOT NULL DEFAULT 0,
	max_retries INTEGER NOT NULL DEFAULT 3,
	verification_status TEXT NOT NULL DEFAULT 'pending',
	estimated_tokens BIGINT NOT NULL DEFAULT 0,
	estimated_cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
	previous_strategies TEXT,
	next_attempt_at TEXT,
	overage_approved INTEGER NOT NULL DEFAULT 0,
	model_override TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS work_items_goal_idx ON work_items (goal_id);
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	work_item_id TEXT NOT NULL REFERENCES work_items(id),
	goal_id TEXT NOT NULL,
	status TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	tier TEXT NOT NULL DEFAULT '',
	tokens_used BIGINT NOT NULL DEFAULT 0,
	cost_usd DOUBLE PRECISION NOT NULL DEFAULT 0,
	time_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
	artifacts TEXT,
	error_message TEXT NOT NULL DEFAULT '',
	started_at TEXT NOT NULL,
	completed_at TEXT
);
CREATE INDEX IF NOT EXISTS runs_work_item_idx ON runs (work_item_id);
CREATE INDEX IF NOT EXISTS runs_status_idx ON runs (status);
CREATE TABLE IF NOT EXISTS budget_usage (
	run_id TEXT PRIMARY KEY,
	goal_id TEXT NOT NULL,
	tokens BIGINT NOT NULL,
	time_seconds DOUBLE PRECISION NOT NULL,
	cost_usd DOUBLE PRECISION NOT NULL,
	recorded_at TEXT NOT NULL
);
`

// Init creates the tables if they do not exist.
func (s *SQLRepository) Init(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to init schema: %w", err)
		}
	}
	return nil
}

// --- goals ---

const goalColumns = `id, title, description, status, priority, budget_tokens, budget_time_seconds, budget_cost_usd,
	spent_tokens, spent_time_seconds, spent_cost_usd, success_criteria, quality_gates, created_at, updated_at`

func (s *SQLRepository) GetGoal(ctx context.Context, id string) (*contracts.Goal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+goalColumns+` FROM goals WHERE id = $1`, id)
	g, err := scanGoal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("goal %s: %w", id, ErrNotFound)
	}
	return g, err
}

func (s *SQLRepository) ListGoalsByStatus(ctx context.Context, statuses ...contracts.GoalStatus) ([]*contracts.Goal, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+goalColumns+` FROM goals WHERE status IN (`+placeholders(1, len(args))+`)
		ORDER BY priority DESC, created_at, id`, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Goal
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *SQLRepository) CreateGoal(ctx context.Context, g *contracts.Goal) error {
	criteria, err := encodeJSON(g.SuccessCriteria)
	if err != nil {
		return err
	}
	gates, err := encodeJSON(g.QualityGates)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO goals (`+goalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		g.ID, g.Title, g.Description, string(g.Status), g.Priority,
		nullInt(g.Budget.Tokens), nullFloat(g.Budget.TimeSeconds), nullFloat(g.Budget.CostUSD),
		g.Spent.Tokens, g.Spent.TimeSeconds, g.Spent.CostUSD, criteria, gates,
		formatTime(g.CreatedAt), formatTime(g.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert goal: %w", err)
	}
	return nil
}

func (s *SQLRepository) UpdateGoalStatus(ctx context.Context, id string, from, to contracts.GoalStatus) (*contracts.Goal, error) {
	if err := lifecycle.ValidateGoal(from, to); err != nil {
		return nil, fmt.Errorf("goal %s: %w", id, err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE goals SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`,
		string(to), formatTime(s.clock()), id, string(from))
	if err != nil {
		return nil, fmt.Errorf("failed to update goal status: %w", err)
	}
	if err := s.checkCAS(ctx, res, "goals", id); err != nil {
		return nil, err
	}
	return s.GetGoal(ctx, id)
}

// Append implements budget.Ledger.
func (s *SQLRepository) Append(ctx context.Context, u budget.Usage) (bool, error) {
	return s.AddGoalSpend(ctx, u)
}

func (s *SQLRepository) AddGoalSpend(ctx context.Context, u budget.Usage) (bool, error) {
	if u.RecordedAt.IsZero() {
		u.RecordedAt = s.clock().UTC()
	}
	return s.ledger.Append(ctx, u)
}

// --- work items ---

const workItemColumns = `id, goal_id, title, description, status, dependencies, retry_count, max_retries,
	verification_status, estimated_tokens, estimated_cost_usd, previous_strategies, next_attempt_at,
	overage_approved, model_override, created_at, updated_at`

func (s *SQLRepository) CreateWorkItem(ctx context.Context, w *contracts.WorkItem) error {
	deps, err := encodeJSON(w.Dependencies)
	if err != nil {
		return err
	}
	strategies, err := encodeJSON(w.PreviousStrategies)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO work_items (`+workItemColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		w.ID, w.GoalID, w.Title, w.Description, string(w.Status), deps, w.RetryCount, w.MaxRetries,
		string(w.VerificationStatus), w.EstimatedTokens, w.EstimatedCostUSD, strategies, nullTime(w.NextAttemptAt),
		boolInt(w.OverageApproved), w.ModelOverride, formatTime(w.CreatedAt), formatTime(w.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert work item: %w", err)
	}
	return nil
}

func (s *SQLRepository) GetWorkItem(ctx context.Context, id string) (*contracts.WorkItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id = $1`, id)
	w, err := scanWorkItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("work item %s: %w", id, ErrNotFound)
	}
	return w, err
}

func (s *SQLRepository) GetWorkItemsForGoal(ctx context.Context, goalID string) ([]*contracts.WorkItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE goal_id = $1 ORDER BY created_at, id`, goalID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *SQLRepository) UpdateWorkItemStatus(ctx context.Context, id string, from, to contracts.WorkItemStatus, mutate Mutator) (*contracts.WorkItem, error) {
	if err := lifecycle.ValidateWorkItem(from, to); err != nil {
		return nil, fmt.Errorf("work item %s: %w", id, err)
	}
	cur, err := s.GetWorkItem(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status != from {
		return nil, fmt.Errorf("work item %s is %s, expected %s: %w", id, cur.Status, from, ErrConflict)
	}
	if mutate != nil {
		mutate(cur)
	}
	cur.Status = to
	cur.UpdatedAt = s.clock().UTC()
	if err := s.writeWorkItem(ctx, cur, from); err != nil {
		return nil, err
	}
	return cur, nil
}

func (s *SQLRepository) UpdateWorkItem(ctx context.Context, w *contracts.WorkItem) error {
	next := w.Clone()
	next.UpdatedAt = s.clock().UTC()
	return s.writeWorkItem(ctx, next, w.Status)
}

func (s *SQLRepository) writeWorkItem(ctx context.Context, w *contracts.WorkItem, from contracts.WorkItemStatus) error {
	deps, err := encodeJSON(w.Dependencies)
	if err != nil {
		return err
	}
	strategies, err := encodeJSON(w.PreviousStrategies)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE work_items SET title = $1, description = $2, status = $3, dependencies = $4, retry_count = $5,
			max_retries = $6, verification_status = $7, estimated_tokens = $8, estimated_cost_usd = $9,
			previous_strategies = $10, next_attempt_at = $11, overage_approved = $12, model_override = $13, updated_at = $14
		WHERE id = $15 AND status = $16`,
		w.Title, w.Description, string(w.Status), deps, w.RetryCount, w.MaxRetries, string(w.VerificationStatus),
		w.EstimatedTokens, w.EstimatedCostUSD, strategies, nullTime(w.NextAttemptAt), boolInt(w.OverageApproved),
		w.ModelOverride, formatTime(w.UpdatedAt), w.ID, string(from))
	if err != nil {
		return fmt.Errorf("failed to update work item: %w", err)
	}
	return s.checkCAS(ctx, res, "work_items", w.ID)
}

// --- runs ---

const runColumns = `id, work_item_id, goal_id, status, model, tier, tokens_used, cost_usd, time_seconds,
	artifacts, error_message, started_at, completed_at`

func (s *SQLRepository) CreateRun(ctx context.Context, r *contracts.Run) error {
	if r.Status != contracts.RunRunning {
		return fmt.Errorf("run %s must start running, got %s", r.ID, r.Status)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, work_item_id, goal_id, status, model, tier, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.WorkItemID, r.GoalID, string(r.Status), r.Model, r.Tier, formatTime(r.StartedAt))
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

func (s *SQLRepository) GetRun(ctx context.Context, id string) (*contracts.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return r, err
}

func (s *SQLRepository) CompleteRun(ctx context.Context, id string, res contracts.RunResult) (*contracts.Run, error) {
	if err := lifecycle.ValidateRun(contracts.RunRunning, res.Status); err != nil {
		return nil, fmt.Errorf("run %s: %w", id, err)
	}
	completed := res.CompletedAt
	if completed.IsZero() {
		completed = s.clock().UTC()
	}
	artifacts, err := encodeJSON(res.Artifacts)
	if err != nil {
		return nil, err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = $1, tokens_used = $2, cost_usd = $3, time_seconds = $4, artifacts = $5,
			error_message = $6, completed_at = $7
		WHERE id = $8 AND status = $9`,
		string(res.Status), res.TokensUsed, res.CostUSD, res.TimeSeconds, artifacts, res.ErrorMessage,
		formatTime(completed), id, string(contracts.RunRunning))
	if err != nil {
		return nil, fmt.Errorf("failed to complete run: %w", err)
	}
	if err := s.checkCAS(ctx, result, "runs", id); err != nil {
		return nil, err
	}
	return s.GetRun(ctx, id)
}

func (s *SQLRepository) GetRunsByWorkItem(ctx context.Context, workItemID string) ([]*contracts.Run, error) {
	return s.queryRuns(ctx, `SELECT `+runColumns+` FROM runs WHERE work_item_id = $1 ORDER BY started_at, id`, workItemID)
}

func (s *SQLRepository) ListRunningRuns(ctx context.Context) ([]*contracts.Run, error) {
	return s.queryRuns(ctx, `SELECT `+runColumns+` FROM runs WHERE status = $1 ORDER BY started_at, id`, string(contracts.RunRunning))
}

func (s *SQLRepository) queryRuns(ctx context.Context, query string, args ...any) ([]*contracts.Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// checkCAS maps a zero-row guarded update to ErrNotFound or ErrConflict.
func (s *SQLRepository) checkCAS(ctx context.Context, res sql.Result, table, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", table, id, ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", table, id, ErrConflict)
}
