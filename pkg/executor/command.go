package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// UsagePrefix marks the stdout line a command uses to report its usage, e.g.
//
//	AUTOPILOT_USAGE {"tokens_used": 1200, "cost_usd": 0.02}
const UsagePrefix = "AUTOPILOT_USAGE "

// CommandEngine runs a shell command per work item. The work item is passed
// through AUTOPILOT_* environment variables. Stdout and stderr are returned
// as artifacts.
type CommandEngine struct {
	Shell   string
	Command string
	Dir     string
	Env     []string
	// WaitDelay bounds how long output pipes stay open after cancellation.
	WaitDelay time.Duration
}

// NewCommandEngine creates an engine running command with /bin/sh.
func NewCommandEngine(command string) *CommandEngine {
	return &CommandEngine{Shell: "/bin/sh", Command: command, WaitDelay: 2 * time.Second}
}

type commandUsage struct {
	TokensUsed int64   `json:"tokens_used"`
	CostUSD    float64 `json:"cost_usd"`
}

func (c *CommandEngine) Execute(ctx context.Context, req Request) (Outcome, error) {
	if c.Command == "" {
		return Outcome{}, errors.New("command engine: command not configured")
	}
	shell := c.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	//nolint:gosec // G204: the command is operator configuration
	cmd := exec.CommandContext(ctx, shell, "-c", c.Command)
	cmd.Dir = c.Dir
	cmd.WaitDelay = c.WaitDelay
	cmd.Env = append(append(os.Environ(), c.Env...), requestEnv(req)...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := Outcome{
		Artifacts: []Artifact{
			{Name: "stdout", Data: stdout.Bytes()},
			{Name: "stderr", Data: stderr.Bytes()},
		},
	}
	if u, ok := parseUsage(stdout.Bytes()); ok {
		out.TokensUsed = u.TokensUsed
		out.CostUSD = u.CostUSD
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return out, ctxErr
	}
	if err != nil {
		msg := strings.TrimSpace(lastLines(stderr.String(), 5))
		if msg == "" {
			return out, fmt.Errorf("command failed: %w", err)
		}
		return out, fmt.Errorf("command failed: %w: %s", err, msg)
	}
	return out, nil
}

func requestEnv(req Request) []string {
	env := []string{
		"AUTOPILOT_RUN_ID=" + req.RunID,
		"AUTOPILOT_MODEL=" + req.Model,
		"AUTOPILOT_TIER=" + string(req.Selection.Tier),
	}
	if w := req.WorkItem; w != nil {
		env = append(env,
			"AUTOPILOT_WORK_ITEM_ID="+w.ID,
			"AUTOPILOT_WORK_ITEM_TITLE="+w.Title,
			"AUTOPILOT_WORK_ITEM_DESCRIPTION="+w.Description,
			fmt.Sprintf("AUTOPILOT_RETRY_COUNT=%d", w.RetryCount),
		)
		if n := len(w.PreviousStrategies); n > 0 {
			env = append(env, "AUTOPILOT_STRATEGY="+w.PreviousStrategies[n-1])
		}
	}
	if g := req.Goal; g != nil {
		env = append(env, "AUTOPILOT_GOAL_ID="+g.ID, "AUTOPILOT_GOAL_TITLE="+g.Title)
	}
	return env
}

// parseUsage returns the last usage line written to stdout.
func parseUsage(stdout []byte) (commandUsage, bool) {
	var (
		u     commandUsage
		found bool
	)
	sc := bufio.NewScanner(bytes.NewReader(stdout))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line, ok := strings.CutPrefix(sc.Text(), UsagePrefix)
		if !ok {
			continue
		}
		var next commandUsage
		if err := json.Unmarshal([]byte(line), &next); err == nil {
			u, found = next, true
		}
	}
	return u, found
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
