package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/runtime/task"
	"github.com/loomhq/loom/storage"
)

// Tests here need a live server; set LOOM_POSTGRES_TEST_DSN to run them.
func openStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("LOOM_POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("LOOM_POSTGRES_TEST_DSN not set")
	}
	s, err := Open(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestAgentRoundTrip(t *testing.T) {
	s := openStore(t)
	agents := s.Agents()
	ctx := context.Background()
	name := "it-" + uuid.NewString()

	rec := storage.AgentRecord{
		Name: name, Scope: storage.ScopeGlobal, Enabled: true,
		ClassName: "loom.ChatAgent", Kind: "agent",
		Payload: []byte(`{"name":"` + name + `","enabled":true,"kind":"agent"}`),
	}
	require.NoError(t, agents.Save(ctx, rec))
	t.Cleanup(func() { _ = agents.Delete(ctx, name, storage.ScopeGlobal, "") })

	got, err := agents.Get(ctx, name, storage.ScopeGlobal, "")
	require.NoError(t, err)
	assert.Equal(t, rec.ClassName, got.ClassName)
	assert.JSONEq(t, string(rec.Payload), string(got.Payload))
}

func TestTaskStatusDAG(t *testing.T) {
	s := openStore(t)
	tasks := s.Tasks()
	ctx := context.Background()
	id := "it-" + uuid.NewString()

	rec, err := tasks.Create(ctx, task.Record{
		TaskID: id, UserID: "it-user", TargetAgent: "docs", RequestText: "summarize",
	})
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, rec.Status)
	assert.WithinDuration(t, time.Now(), rec.CreatedAt, time.Minute)

	_, err = tasks.UpdateStatus(ctx, id, task.StatusCompleted, task.StatusUpdate{})
	assert.ErrorIs(t, err, task.ErrInvalidStatusTransition)

	_, err = tasks.UpdateStatus(ctx, id, task.StatusRunning, task.StatusUpdate{})
	require.NoError(t, err)
	done, err := tasks.UpdateStatus(ctx, id, task.StatusCompleted, task.StatusUpdate{})
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, done.Status)
}
