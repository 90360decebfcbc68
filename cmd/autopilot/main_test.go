package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/autopilot/pkg/config"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/contracts"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/escalation"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/kernel"
)

const testPlan = `
goal:
  id: release-1-4
  title: Ship release 1.4
  priority: 2
  budget:
    tokens: 200000
work_items:
  - key: changelog
    title: Collect changelog entries
  - key: notes
    title: Write release notes
    depends_on: [changelog]
`

func setupEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for k, v := range map[string]string{
		"AUTOPILOT_CONFIG":    "",
		"DATABASE_URL":        "",
		"SQLITE_PATH":         filepath.Join(dir, "autopilot.db"),
		"LOG_LEVEL":           "ERROR",
		"AUTOPILOT_ENGINE":    "",
		"TIER_CONFIG_PATH":    "",
		"REDIS_ADDR":          "",
		"OTEL_ENABLED":        "",
		"ACTION_TOKEN_SECRET": "0123456789abcdef0123456789abcdef",
	} {
		t.Setenv(k, v)
	}
	return dir
}

func run(t *testing.T, args ...string) (stdout, stderr string, code int) {
	t.Helper()
	var out, errb bytes.Buffer
	code = Run(args, &out, &errb)
	return out.String(), errb.String(), code
}

func importPlan(t *testing.T, dir string) {
	t.Helper()
	path := filepath.Join(dir, "plan.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testPlan), 0o600))
	out, errOut, code := run(t, "goal", "import", path)
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "imported goal release-1-4 (2 work items)")
}

// openTestApp gives a test direct access to the database the commands use.
func openTestApp(t *testing.T) *app {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	a, err := openApp(context.Background(), cfg, false)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func TestRun_GoalLifecycle(t *testing.T) {
	dir := setupEnv(t)
	importPlan(t, dir)

	out, errOut, code := run(t, "goal", "list", "--json")
	require.Equal(t, 0, code, errOut)
	var goals []contracts.Goal
	require.NoError(t, json.Unmarshal([]byte(out), &goals))
	require.Len(t, goals, 1)
	assert.Equal(t, contracts.GoalQueued, goals[0].Status)

	out, _, code = run(t, "goal", "list")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "0/200000")
	assert.Contains(t, out, "Ship release 1.4")

	_, errOut, code = run(t, "goal", "cancel", "release-1-4")
	require.Equal(t, 0, code, errOut)

	out, _, code = run(t, "goal", "list", "--status", "cancelled")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "release-1-4")

	_, _, code = run(t, "goal", "import", filepath.Join(dir, "plan.yaml"))
	assert.Equal(t, 1, code, "goal ids are unique")
}

func TestRun_GoalImportRejectsInvalidPlan(t *testing.T) {
	dir := setupEnv(t)
	path := filepath.Join(dir, "cyclic.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
goal:
  title: x
work_items:
  - {key: a, title: a, depends_on: [b]}
  - {key: b, title: b, depends_on: [a]}
`), 0o600))

	_, errOut, code := run(t, "goal", "import", path)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "dependency cycle")
}

func TestRun_EscalationTokenFlow(t *testing.T) {
	dir := setupEnv(t)
	importPlan(t, dir)

	a := openTestApp(t)
	ctx := context.Background()
	items, err := a.repo.GetWorkItemsForGoal(ctx, "release-1-4")
	require.NoError(t, err)
	require.Len(t, items, 2)
	e, err := a.escalations.CreateEscalation(ctx, escalation.Params{
		GoalID:     "release-1-4",
		WorkItemID: items[0].ID,
		Type:       contracts.EscalationManual,
		Severity:   contracts.SeverityHigh,
	})
	require.NoError(t, err)

	out, errOut, code := run(t, "escalation", "list")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, e.ID)

	_, errOut, code = run(t, "escalation", "ack", e.ID, "--actor", "oncall")
	require.Equal(t, 0, code, errOut)

	out, errOut, code = run(t, "escalation", "token", e.ID, "--actions", "skip", "--subject", "oncall")
	require.Equal(t, 0, code, errOut)
	token := strings.TrimSpace(out)
	require.NotEmpty(t, token)

	_, errOut, code = run(t, "escalation", "resolve", "--token", token, "--action", "retry")
	assert.Equal(t, 1, code, "token does not permit retry")
	assert.Contains(t, errOut, "not permitted")

	_, errOut, code = run(t, "escalation", "resolve", "--token", token, "--action", "skip")
	require.Equal(t, 0, code, errOut)

	w, err := a.repo.GetWorkItem(ctx, items[0].ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.WorkItemBlocked, w.Status)
	assert.Equal(t, contracts.VerificationSkipped, w.VerificationStatus)

	out, errOut, code = run(t, "escalation", "receipts", e.ID)
	require.Equal(t, 0, code, errOut)
	var receipts []escalation.Receipt
	require.NoError(t, json.Unmarshal([]byte(out), &receipts))
	require.Len(t, receipts, 3)
	assert.Equal(t, contracts.EscalationResolved, receipts[2].To)

	out, _, code = run(t, "escalation", "list", "--json")
	require.Equal(t, 0, code)
	assert.JSONEq(t, "null", out)
}

func TestRun_EscalationTokenRequiresSecret(t *testing.T) {
	setupEnv(t)
	t.Setenv("ACTION_TOKEN_SECRET", "")

	_, errOut, code := run(t, "escalation", "token", "esc-1")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "ACTION_TOKEN_SECRET")
}

func TestRun_Status(t *testing.T) {
	dir := setupEnv(t)
	importPlan(t, dir)

	out, errOut, code := run(t, "status")
	require.Equal(t, 0, code, errOut)
	var rep statusReport
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, 1, rep.Goals[contracts.GoalQueued])
	assert.Empty(t, rep.Escalations)
	assert.Nil(t, rep.Scheduler)
}

func TestRun_TiersCheck(t *testing.T) {
	dir := setupEnv(t)

	out, errOut, code := run(t, "tiers", "check")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "built-in tiers")
	assert.Contains(t, out, "medium")

	bad := filepath.Join(dir, "tiers.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("version: banana\n"), 0o600))
	_, _, code = run(t, "tiers", "check", bad)
	assert.Equal(t, 1, code)
}

func TestRun_Errors(t *testing.T) {
	setupEnv(t)

	_, _, code := run(t, "frobnicate")
	assert.Equal(t, 1, code)

	t.Setenv("TICK_INTERVAL", "soon")
	_, errOut, code := run(t, "status")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "load config")
}

func TestNewMux(t *testing.T) {
	setupEnv(t)
	a := openTestApp(t)
	srv := httptest.NewServer(newMux(a.sched))
	defer srv.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer func() { _ = resp.Body.Close() }()
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body)
	}

	code, body := get("/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)

	code, body = get("/status")
	require.Equal(t, http.StatusOK, code)
	var snap kernel.Snapshot
	require.NoError(t, json.Unmarshal([]byte(body), &snap))
	assert.Equal(t, kernel.StatusIdle, snap.Status)

	code, body = get("/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "autopilot_scheduler_status")
	assert.Contains(t, body, "go_goroutines")
}
