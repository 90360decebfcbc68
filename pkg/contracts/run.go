package contracts

import "time"

// RunStatus is the lifecycle status of a Run.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailure RunStatus = "failure"
	RunTimeout RunStatus = "timeout"
	RunAborted RunStatus = "aborted"
)

// ArtifactRef points to a content-addressed artifact produced by a run.
type ArtifactRef struct {
	Name   string `json:"name"`
	Digest string `json:"digest"`
	Size   int64  `json:"size"`
}

// Run is one execution attempt of a WorkItem. Immutable once completed.
type Run struct {
	ID           string        `json:"id"`
	WorkItemID   string        `json:"work_item_id"`
	GoalID       string        `json:"goal_id"`
	Status       RunStatus     `json:"status"`
	Model        string        `json:"model"`
	Tier         string        `json:"tier"`
	TokensUsed   int64         `json:"tokens_used"`
	CostUSD      float64       `json:"cost_usd"`
	TimeSeconds  float64       `json:"time_seconds"`
	Artifacts    []ArtifactRef `json:"artifacts,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
}

// RunResult is the terminal data written by CompleteRun.
type RunResult struct {
	Status       RunStatus
	TokensUsed   int64
	CostUSD      float64
	TimeSeconds  float64
	Artifacts    []ArtifactRef
	ErrorMessage string
	CompletedAt  time.Time
}
