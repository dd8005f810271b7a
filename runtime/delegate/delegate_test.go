package delegate

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/runtime/agent"
	"github.com/loomhq/loom/runtime/engine"
	"github.com/loomhq/loom/runtime/engine/inmem"
	"github.com/loomhq/loom/runtime/task"
)

type heartbeatRecorder struct {
	mu    sync.Mutex
	beats []map[string]any
}

func (h *heartbeatRecorder) record(_ context.Context, details ...any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, d := range details {
		if m, ok := d.(map[string]any); ok {
			h.beats = append(h.beats, m)
		}
	}
}

func (h *heartbeatRecorder) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.beats)
}

func decodeSubmitInput(t *testing.T, arg any) task.WorkflowInput {
	t.Helper()
	input, ok := arg.(task.WorkflowInput)
	require.True(t, ok, "workflow arg type %T", arg)
	return input
}

func TestSubmitRecordsTaskAndStartsWorkflow(t *testing.T) {
	eng := inmem.New()
	eng.Register(task.WorkflowName, func(_ context.Context, _ *inmem.Env, arg any) (any, error) {
		input := decodeSubmitInput(t, arg)
		return task.WorkflowResult{
			TaskID:       input.TaskID,
			Status:       task.StatusCompleted,
			FinalSummary: "done: " + input.RequestText,
		}, nil
	})

	store := task.NewMemStore()
	b := NewBridge(Options{Engine: eng, Store: store, TaskQueue: "loom-tasks"})

	rc := &agent.RuntimeContext{UserID: "u-1", Language: "fr"}
	sub, handle, err := b.Submit(context.Background(), "research", "find the report", "u-1", rc, map[string]any{"depth": 2})
	require.NoError(t, err)
	require.NotNil(t, handle)
	assert.True(t, strings.HasPrefix(sub.WorkflowID, "delegate-"))
	assert.Equal(t, sub.WorkflowID, handle.ID())

	rec, err := store.Get(context.Background(), sub.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "u-1", rec.UserID)
	assert.Equal(t, "research", rec.TargetAgent)
	assert.Equal(t, sub.WorkflowID, rec.WorkflowID)
	assert.Equal(t, handle.RunID(), rec.RunID)
	assert.Equal(t, "fr", rec.Context["language"])

	var result task.WorkflowResult
	require.NoError(t, handle.Result(context.Background(), &result))
	assert.Equal(t, task.StatusCompleted, result.Status)
	assert.Equal(t, "done: find the report", result.FinalSummary)
}

func TestWaitWithHeartbeatPacesLiveness(t *testing.T) {
	eng := inmem.New()
	eng.Register(task.WorkflowName, func(_ context.Context, _ *inmem.Env, arg any) (any, error) {
		input := decodeSubmitInput(t, arg)
		time.Sleep(120 * time.Millisecond)
		return task.WorkflowResult{TaskID: input.TaskID, Status: task.StatusCompleted, FinalSummary: "slow"}, nil
	})

	hb := &heartbeatRecorder{}
	b := NewBridge(Options{
		Engine:            eng,
		Store:             task.NewMemStore(),
		Heartbeat:         hb.record,
		HeartbeatInterval: 25 * time.Millisecond,
	})

	_, handle, err := b.Submit(context.Background(), "research", "slow job", "u-1", nil, nil)
	require.NoError(t, err)

	result, err := b.WaitWithHeartbeat(context.Background(), handle, "research")
	require.NoError(t, err)
	assert.Equal(t, "slow", result.FinalSummary)

	require.GreaterOrEqual(t, hb.count(), 1)
	hb.mu.Lock()
	beat := hb.beats[0]
	hb.mu.Unlock()
	assert.Equal(t, "research", beat["label"])
	assert.Equal(t, "delegated_agent", beat["phase"])
	assert.Equal(t, handle.ID(), beat["workflow_id"])
}

func TestWaitWithHeartbeatCallerCancellation(t *testing.T) {
	eng := inmem.New()
	eng.Register(task.WorkflowName, func(ctx context.Context, env *inmem.Env, _ any) (any, error) {
		// Parks until signalled; the test never signals.
		select {
		case <-env.Signal(task.SignalHumanInput):
		case <-ctx.Done():
		}
		return task.WorkflowResult{Status: task.StatusCompleted}, nil
	})

	b := NewBridge(Options{
		Engine:            eng,
		Store:             task.NewMemStore(),
		HeartbeatInterval: 10 * time.Millisecond,
	})
	_, handle, err := b.Submit(context.Background(), "research", "parked", "u-1", nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(40 * time.Millisecond)
		cancel()
	}()
	_, err = b.WaitWithHeartbeat(ctx, handle, "research")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStatusReportsFinalSummary(t *testing.T) {
	eng := inmem.New()
	eng.Register(task.WorkflowName, func(_ context.Context, _ *inmem.Env, arg any) (any, error) {
		input := decodeSubmitInput(t, arg)
		return task.WorkflowResult{TaskID: input.TaskID, Status: task.StatusCompleted, FinalSummary: "summary"}, nil
	})

	b := NewBridge(Options{Engine: eng, Store: task.NewMemStore()})
	sub, handle, err := b.Submit(context.Background(), "research", "status job", "u-1", nil, nil)
	require.NoError(t, err)
	require.NoError(t, handle.Result(context.Background(), nil))

	st, err := b.Status(context.Background(), sub.WorkflowID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCompleted, st.Status)
	assert.Equal(t, "summary", st.FinalSummary)

	_, err = b.Status(context.Background(), "ghost")
	assert.ErrorIs(t, err, engine.ErrWorkflowNotFound)
}

func TestResumeDeliversHumanInput(t *testing.T) {
	eng := inmem.New()
	eng.Register(task.WorkflowName, func(ctx context.Context, env *inmem.Env, _ any) (any, error) {
		select {
		case payload := <-env.Signal(task.SignalHumanInput):
			m, _ := payload.(map[string]any)
			return task.WorkflowResult{Status: task.StatusCompleted, FinalSummary: m["answer"].(string)}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	b := NewBridge(Options{Engine: eng, Store: task.NewMemStore()})
	sub, handle, err := b.Submit(context.Background(), "research", "needs approval", "u-1", nil, nil)
	require.NoError(t, err)

	require.NoError(t, b.Resume(context.Background(), sub.WorkflowID, map[string]any{"answer": "approved"}))

	var result task.WorkflowResult
	require.NoError(t, handle.Result(context.Background(), &result))
	assert.Equal(t, "approved", result.FinalSummary)
}
