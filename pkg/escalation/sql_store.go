package escalation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/helm/autopilot/pkg/contracts"
)

// SQLStore implements Store using database/sql. It supports both Postgres
// and SQLite; timestamps are stored as RFC 3339 text.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS escalations (
	id TEXT PRIMARY KEY,
	work_item_id TEXT NOT NULL DEFAULT '',
	goal_id TEXT NOT NULL,
	run_id TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL,
	severity TEXT NOT NULL,
	status TEXT NOT NULL,
	context TEXT,
	resolution TEXT,
	acknowledged_by TEXT NOT NULL DEFAULT '',
	dismiss_reason TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS escalations_goal_idx ON escalations (goal_id, status);
CREATE TABLE IF NOT EXISTS escalation_receipts (
	receipt_id TEXT PRIMARY KEY,
	escalation_id TEXT NOT NULL,
	from_status TEXT NOT NULL DEFAULT '',
	to_status TEXT NOT NULL,
	actor TEXT NOT NULL DEFAULT '',
	action TEXT NOT NULL DEFAULT '',
	note TEXT NOT NULL DEFAULT '',
	at TEXT NOT NULL,
	content_hash TEXT NOT NULL
);
`

// Init creates the escalation tables.
func (s *SQLStore) Init(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to init escalation schema: %w", err)
		}
	}
	return nil
}

const selectColumns = `SELECT id, work_item_id, goal_id, run_id, type, severity, status, context, resolution,
	acknowledged_by, dismiss_reason, created_at, updated_at FROM escalations`

func (s *SQLStore) Create(ctx context.Context, e *contracts.Escalation) error {
	ctxJSON, resJSON, err := encode(e)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO escalations (id, work_item_id, goal_id, run_id, type, severity, status, context, resolution,
			acknowledged_by, dismiss_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.ID, e.WorkItemID, e.GoalID, e.RunID, e.Type, e.Severity, e.Status, ctxJSON, resJSON,
		e.AcknowledgedBy, e.DismissReason, formatTime(e.CreatedAt), formatTime(e.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert escalation: %w", err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*contracts.Escalation, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = $1`, id)
	e, err := scanEscalation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return e, err
}

func (s *SQLStore) Update(ctx context.Context, e *contracts.Escalation, from contracts.EscalationStatus) error {
	ctxJSON, resJSON, err := encode(e)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE escalations SET status = $1, severity = $2, context = $3, resolution = $4,
			acknowledged_by = $5, dismiss_reason = $6, updated_at = $7
		WHERE id = $8 AND status = $9`,
		e.Status, e.Severity, ctxJSON, resJSON, e.AcknowledgedBy, e.DismissReason, formatTime(e.UpdatedAt),
		e.ID, from)
	if err != nil {
		return fmt.Errorf("failed to update escalation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		if _, gerr := s.Get(ctx, e.ID); errors.Is(gerr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrConflict
	}
	return nil
}

func (s *SQLStore) ListByGoal(ctx context.Context, goalID string) ([]*contracts.Escalation, error) {
	return s.list(ctx, selectColumns+` WHERE goal_id = $1 ORDER BY created_at, id`, goalID)
}

func (s *SQLStore) ListByStatus(ctx context.Context, statuses ...contracts.EscalationStatus) ([]*contracts.Escalation, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	marks := make([]string, len(statuses))
	for i, st := range statuses {
		args[i] = st
		marks[i] = fmt.Sprintf("$%d", i+1)
	}
	q := selectColumns + ` WHERE status IN (` + strings.Join(marks, ", ") + `) ORDER BY created_at, id`
	return s.list(ctx, q, args...)
}

func (s *SQLStore) AppendReceipt(ctx context.Context, r *Receipt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO escalation_receipts (receipt_id, escalation_id, from_status, to_status, actor, action, note, at, content_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		r.ReceiptID, r.EscalationID, r.From, r.To, r.Actor, r.Action, r.Note, formatTime(r.At), r.ContentHash)
	if err != nil {
		return fmt.Errorf("failed to insert escalation receipt: %w", err)
	}
	return nil
}

func (s *SQLStore) Receipts(ctx context.Context, escalationID string) ([]*Receipt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT receipt_id, escalation_id, from_status, to_status, actor, action, note, at, content_hash
		FROM escalation_receipts WHERE escalation_id = $1 ORDER BY at, receipt_id`, escalationID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Receipt
	for rows.Next() {
		var (
			r        Receipt
			from, to string
			action   string
			at       string
		)
		if err := rows.Scan(&r.ReceiptID, &r.EscalationID, &from, &to, &r.Actor, &action, &r.Note, &at, &r.ContentHash); err != nil {
			return nil, err
		}
		r.From = contracts.EscalationStatus(from)
		r.To = contracts.EscalationStatus(to)
		r.Action = contracts.ResolutionAction(action)
		r.At = parseTime(at)
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *SQLStore) list(ctx context.Context, query string, args ...any) ([]*contracts.Escalation, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Escalation
	for rows.Next() {
		e, err := scanEscalation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEscalation(sc scanner) (*contracts.Escalation, error) {
	var (
		e                    contracts.Escalation
		typ, sev, status     string
		ctxJSON, resJSON     sql.NullString
		createdAt, updatedAt string
	)
	err := sc.Scan(&e.ID, &e.WorkItemID, &e.GoalID, &e.RunID, &typ, &sev, &status, &ctxJSON, &resJSON,
		&e.AcknowledgedBy, &e.DismissReason, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	e.Type = contracts.EscalationType(typ)
	e.Severity = contracts.Severity(sev)
	e.Status = contracts.EscalationStatus(status)
	e.CreatedAt = parseTime(createdAt)
	e.UpdatedAt = parseTime(updatedAt)
	if ctxJSON.Valid && ctxJSON.String != "" {
		if err := json.Unmarshal([]byte(ctxJSON.String), &e.Context); err != nil {
			return nil, fmt.Errorf("escalation %s: bad context: %w", e.ID, err)
		}
	}
	if resJSON.Valid && resJSON.String != "" {
		var r contracts.Resolution
		if err := json.Unmarshal([]byte(resJSON.String), &r); err != nil {
			return nil, fmt.Errorf("escalation %s: bad resolution: %w", e.ID, err)
		}
		e.Resolution = &r
	}
	return &e, nil
}

func encode(e *contracts.Escalation) (ctxJSON, resJSON sql.NullString, err error) {
	if e.Context != nil {
		b, err := json.Marshal(e.Context)
		if err != nil {
			return ctxJSON, resJSON, fmt.Errorf("failed to encode escalation context: %w", err)
		}
		ctxJSON = sql.NullString{String: string(b), Valid: true}
	}
	if e.Resolution != nil {
		b, err := json.Marshal(e.Resolution)
		if err != nil {
			return ctxJSON, resJSON, fmt.Errorf("failed to encode resolution: %w", err)
		}
		resJSON = sql.NullString{String: string(b), Valid: true}
	}
	return ctxJSON, resJSON, nil
}

// timeLayout is fixed width so text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
