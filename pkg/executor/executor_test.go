package executor

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/autopilot/pkg/artifacts"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/contracts"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/kernel/retry"
	"github.com/Mindburn-Labs/helm/autopilot/pkg/llm"
)

func request(title string) Request {
	return Request{
		RunID:    "run-1",
		WorkItem: &contracts.WorkItem{ID: "wi-1", GoalID: "g-1", Title: title},
		Goal:     &contracts.Goal{ID: "g-1", Title: "goal"},
		Model:    "small",
	}
}

func TestExecutor_NormalizesOutcomes(t *testing.T) {
	boom := errors.New("boom")
	cases := []struct {
		name   string
		engine EngineFunc
		ctx    func() (context.Context, context.CancelFunc)
		want   contracts.RunStatus
	}{
		{
			name:   "empty status is success",
			engine: func(context.Context, Request) (Outcome, error) { return Outcome{TokensUsed: 5}, nil },
			want:   contracts.RunSuccess,
		},
		{
			name:   "error is failure",
			engine: func(context.Context, Request) (Outcome, error) { return Outcome{}, boom },
			want:   contracts.RunFailure,
		},
		{
			name: "explicit failure without error",
			engine: func(context.Context, Request) (Outcome, error) {
				return Outcome{Status: contracts.RunFailure}, nil
			},
			want: contracts.RunFailure,
		},
		{
			name:   "deadline is timeout",
			engine: func(ctx context.Context, _ Request) (Outcome, error) { <-ctx.Done(); return Outcome{}, ctx.Err() },
			ctx: func() (context.Context, context.CancelFunc) {
				return context.WithTimeout(context.Background(), time.Millisecond)
			},
			want: contracts.RunTimeout,
		},
		{
			name:   "cancel is aborted",
			engine: func(ctx context.Context, _ Request) (Outcome, error) { return Outcome{}, errors.New("killed") },
			ctx: func() (context.Context, context.CancelFunc) {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				return ctx, cancel
			},
			want: contracts.RunAborted,
		},
		{
			name:   "panic is failure",
			engine: func(context.Context, Request) (Outcome, error) { panic("bad engine") },
			want:   contracts.RunFailure,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := context.Background(), context.CancelFunc(func() {})
			if tc.ctx != nil {
				ctx, cancel = tc.ctx()
			}
			defer cancel()

			out := New(tc.engine).Execute(ctx, request("a"))
			assert.Equal(t, tc.want, out.Status)
			if tc.want != contracts.RunSuccess {
				assert.Error(t, out.Err)
			}
		})
	}
}

func TestExecutor_PanicWrapsSentinel(t *testing.T) {
	out := New(EngineFunc(func(context.Context, Request) (Outcome, error) { panic("x") })).
		Execute(context.Background(), request("a"))
	assert.ErrorIs(t, out.Err, ErrEnginePanic)
}

func TestExecutor_PricesAndTimes(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		now = now.Add(1500 * time.Millisecond)
		return now
	}
	exec := New(Succeed(2000, 0),
		WithClock(clock),
		WithPricer(func(model string, tokens int64) float64 {
			assert.Equal(t, "small", model)
			return float64(tokens) / 1000 * 0.5
		}))

	out := exec.Execute(context.Background(), request("a"))
	assert.Equal(t, contracts.RunSuccess, out.Status)
	assert.InDelta(t, 1.0, out.CostUSD, 1e-9)
	assert.InDelta(t, 1.5, out.TimeSeconds, 1e-9)
}

func TestExecutor_CapturesArtifacts(t *testing.T) {
	store := artifacts.NewMemoryStore()
	engine := EngineFunc(func(context.Context, Request) (Outcome, error) {
		return Outcome{Artifacts: []Artifact{{Name: "patch", Data: []byte("diff")}}}, nil
	})
	out := New(engine, WithArtifactStore(store)).Execute(context.Background(), request("a"))
	require.Len(t, out.Refs, 1)
	assert.Equal(t, "patch", out.Refs[0].Name)
	assert.Equal(t, artifacts.Digest([]byte("diff")), out.Refs[0].Digest)

	data, err := store.Get(context.Background(), out.Refs[0].Digest)
	require.NoError(t, err)
	assert.Equal(t, []byte("diff"), data)
}

func TestScriptedEngine(t *testing.T) {
	boom := errors.New("connection reset")
	eng := NewScriptedEngine().Script("flaky", Fail(boom, 10), Succeed(20, 0.1))
	ctx := context.Background()

	out, err := eng.Execute(ctx, request("flaky"))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(10), out.TokensUsed)

	out, err = eng.Execute(ctx, request("flaky"))
	require.NoError(t, err)
	assert.Equal(t, int64(20), out.TokensUsed)

	// the last step repeats
	_, err = eng.Execute(ctx, request("flaky"))
	require.NoError(t, err)

	_, err = eng.Execute(ctx, request("other"))
	require.NoError(t, err)
	assert.Equal(t, 3, eng.CallCount("flaky"))
	assert.Len(t, eng.Calls(), 4)
}

func TestScriptedEngine_Block(t *testing.T) {
	release := make(chan struct{})
	eng := NewScriptedEngine().Script("slow", Block(release))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := eng.Execute(ctx, request("slow"))
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	out, err := eng.Execute(context.Background(), request("slow"))
	require.NoError(t, err)
	assert.Equal(t, contracts.RunSuccess, out.Status)
}

func TestCommandEngine(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	ctx := context.Background()

	eng := NewCommandEngine(`echo "working on $AUTOPILOT_WORK_ITEM_TITLE"; echo 'AUTOPILOT_USAGE {"tokens_used": 42, "cost_usd": 0.5}'`)
	out, err := eng.Execute(ctx, request("build"))
	require.NoError(t, err)
	assert.Equal(t, int64(42), out.TokensUsed)
	assert.InDelta(t, 0.5, out.CostUSD, 1e-9)
	require.Len(t, out.Artifacts, 2)
	assert.Contains(t, string(out.Artifacts[0].Data), "working on build")

	eng = NewCommandEngine(`echo "no such tool" >&2; exit 3`)
	_, err = eng.Execute(ctx, request("build"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no such tool")

	eng = NewCommandEngine(`sleep 5`)
	cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	out2 := New(eng).Execute(cctx, request("build"))
	assert.Equal(t, contracts.RunTimeout, out2.Status)
}

type fakeChat struct {
	err  error
	seen []llm.Message
	opts *llm.SamplingOptions
}

func (f *fakeChat) Chat(_ context.Context, msgs []llm.Message, opts *llm.SamplingOptions) (*llm.Response, error) {
	f.seen, f.opts = msgs, opts
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Response{Content: "done", Usage: llm.Usage{TotalTokens: 77}}, nil
}

func TestChatEngine(t *testing.T) {
	client := &fakeChat{}
	out, err := NewChatEngine(client, 512).Execute(context.Background(), request("write docs"))
	require.NoError(t, err)
	assert.Equal(t, int64(77), out.TokensUsed)
	assert.Equal(t, "small", client.opts.Model)
	assert.Equal(t, 512, client.opts.MaxTokens)
	require.Len(t, client.seen, 2)
	assert.Equal(t, "write docs", client.seen[1].Content)

	client.err = &llm.HTTPStatusError{StatusCode: http.StatusForbidden, Body: "no"}
	_, err = NewChatEngine(client, 0).Execute(context.Background(), request("write docs"))
	var classified retry.Classified
	require.ErrorAs(t, err, &classified)
	assert.Equal(t, retry.CategoryPermission, classified.Classification().Category)
}
