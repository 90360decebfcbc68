package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Mindburn-Labs/helm/autopilot/pkg/contracts"
)

type scanner interface {
	Scan(dest ...any) error
}

func scanGoal(sc scanner) (*contracts.Goal, error) {
	var (
		g                    contracts.Goal
		status               string
		budgetTokens         sql.NullInt64
		budgetTime, budgetUS sql.NullFloat64
		criteria, gates      sql.NullString
		createdAt, updatedAt string
	)
	err := sc.Scan(&g.ID, &g.Title, &g.Description, &status, &g.Priority, &budgetTokens, &budgetTime, &budgetUS,
		&g.Spent.Tokens, &g.Spent.TimeSeconds, &g.Spent.CostUSD, &criteria, &gates, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	g.Status = contracts.GoalStatus(status)
	if budgetTokens.Valid {
		g.Budget.Tokens = contracts.Int64(budgetTokens.Int64)
	}
	if budgetTime.Valid {
		g.Budget.TimeSeconds = contracts.Float64(budgetTime.Float64)
	}
	if budgetUS.Valid {
		g.Budget.CostUSD = contracts.Float64(budgetUS.Float64)
	}
	if err := decodeJSON(criteria, &g.SuccessCriteria); err != nil {
		return nil, fmt.Errorf("goal %s: success criteria: %w", g.ID, err)
	}
	if err := decodeJSON(gates, &g.QualityGates); err != nil {
		return nil, fmt.Errorf("goal %s: quality gates: %w", g.ID, err)
	}
	g.CreatedAt = parseTime(createdAt)
	g.UpdatedAt = parseTime(updatedAt)
	return &g, nil
}

func scanWorkItem(sc scanner) (*contracts.WorkItem, error) {
	var (
		w                    contracts.WorkItem
		status, verification string
		deps, strategies     sql.NullString
		nextAttempt          sql.NullString
		overage              int
		createdAt, updatedAt string
	)
	err := sc.Scan(&w.ID, &w.GoalID, &w.Title, &w.Description, &status, &deps, &w.RetryCount, &w.MaxRetries,
		&verification, &w.EstimatedTokens, &w.EstimatedCostUSD, &strategies, &nextAttempt,
		&overage, &w.ModelOverride, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	w.Status = contracts.WorkItemStatus(status)
	w.VerificationStatus = contracts.VerificationStatus(verification)
	w.OverageApproved = overage != 0
	if err := decodeJSON(deps, &w.Dependencies); err != nil {
		return nil, fmt.Errorf("work item %s: dependencies: %w", w.ID, err)
	}
	if err := decodeJSON(strategies, &w.PreviousStrategies); err != nil {
		return nil, fmt.Errorf("work item %s: strategies: %w", w.ID, err)
	}
	if nextAttempt.Valid && nextAttempt.String != "" {
		t := parseTime(nextAttempt.String)
		w.NextAttemptAt = &t
	}
	w.CreatedAt = parseTime(createdAt)
	w.UpdatedAt = parseTime(updatedAt)
	return &w, nil
}

func scanRun(sc scanner) (*contracts.Run, error) {
	var (
		r           contracts.Run
		status      string
		artifacts   sql.NullString
		startedAt   string
		completedAt sql.NullString
	)
	err := sc.Scan(&r.ID, &r.WorkItemID, &r.GoalID, &status, &r.Model, &r.Tier, &r.TokensUsed, &r.CostUSD,
		&r.TimeSeconds, &artifacts, &r.ErrorMessage, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	r.Status = contracts.RunStatus(status)
	if err := decodeJSON(artifacts, &r.Artifacts); err != nil {
		return nil, fmt.Errorf("run %s: artifacts: %w", r.ID, err)
	}
	r.StartedAt = parseTime(startedAt)
	if completedAt.Valid && completedAt.String != "" {
		t := parseTime(completedAt.String)
		r.CompletedAt = &t
	}
	return &r, nil
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

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeJSON(v any) (sql.NullString, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode column: %w", err)
	}
	if string(b) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeJSON(s sql.NullString, into any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(s.String), into)
}

func placeholders(start, n int) string {
	marks := make([]string, n)
	for i := range marks {
		marks[i] = fmt.Sprintf("$%d", start+i)
	}
	return strings.Join(marks, ", ")
}
