package task

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()

	first, err := s.Create(ctx, Record{
		TaskID: "t-1", UserID: "u-1", TargetAgent: "docs",
		RequestText: "summarize", WorkflowID: "wf-1", Status: StatusQueued,
	})
	require.NoError(t, err)

	// Progress past QUEUED, then resubmit the same task id.
	_, err = s.UpdateStatus(ctx, "t-1", StatusRunning, StatusUpdate{})
	require.NoError(t, err)

	again, err := s.Create(ctx, Record{
		TaskID: "t-1", UserID: "someone-else", TargetAgent: "other",
		RequestText: "changed", WorkflowID: "wf-2",
		Parameters: map[string]any{"k": "v"},
	})
	require.NoError(t, err)

	// Only the handle, context and parameters refreshed.
	assert.Equal(t, "wf-2", again.WorkflowID)
	assert.Equal(t, map[string]any{"k": "v"}, again.Parameters)
	assert.Equal(t, StatusRunning, again.Status)
	assert.Equal(t, "u-1", again.UserID)
	assert.Equal(t, "docs", again.TargetAgent)
	assert.Equal(t, "summarize", again.RequestText)
	assert.Equal(t, first.CreatedAt, again.CreatedAt)
}

func TestUpdateStatusEnforcesDAG(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	_, err := s.Create(ctx, Record{TaskID: "t-1", UserID: "u-1", Status: StatusQueued})
	require.NoError(t, err)

	_, err = s.UpdateStatus(ctx, "t-1", StatusCompleted, StatusUpdate{})
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)

	_, err = s.UpdateStatus(ctx, "t-1", StatusRunning, StatusUpdate{})
	require.NoError(t, err)
	_, err = s.UpdateStatus(ctx, "t-1", StatusBlocked, StatusUpdate{
		Blocked: &BlockedDetails{CheckpointRef: "t-1"},
	})
	require.NoError(t, err)

	rec, err := s.Get(ctx, "t-1")
	require.NoError(t, err)
	require.NotNil(t, rec.Blocked)
	assert.Equal(t, "t-1", rec.Blocked.CheckpointRef)

	// Unblocking clears the blocked details.
	_, err = s.UpdateStatus(ctx, "t-1", StatusRunning, StatusUpdate{})
	require.NoError(t, err)
	rec, err = s.Get(ctx, "t-1")
	require.NoError(t, err)
	assert.Nil(t, rec.Blocked)

	_, err = s.UpdateStatus(ctx, "t-1", StatusCompleted, StatusUpdate{})
	require.NoError(t, err)
	_, err = s.UpdateStatus(ctx, "t-1", StatusRunning, StatusUpdate{})
	assert.ErrorIs(t, err, ErrInvalidStatusTransition)
}

func TestGetForUserOwnership(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	_, err := s.Create(ctx, Record{TaskID: "t-1", UserID: "u-1"})
	require.NoError(t, err)

	_, err = s.GetForUser(ctx, "t-1", "u-1")
	assert.NoError(t, err)
	_, err = s.GetForUser(ctx, "t-1", "u-2")
	assert.ErrorIs(t, err, ErrTaskForbidden)
	_, err = s.GetForUser(ctx, "ghost", "u-1")
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestListForUserFilters(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	seed := []Record{
		{TaskID: "t-1", UserID: "u-1", TargetAgent: "docs", Status: StatusQueued},
		{TaskID: "t-2", UserID: "u-1", TargetAgent: "news", Status: StatusQueued},
		{TaskID: "t-3", UserID: "u-2", TargetAgent: "docs", Status: StatusQueued},
	}
	for _, rec := range seed {
		_, err := s.Create(ctx, rec)
		require.NoError(t, err)
	}
	_, err := s.UpdateStatus(ctx, "t-2", StatusRunning, StatusUpdate{})
	require.NoError(t, err)

	all, err := s.ListForUser(ctx, "u-1", ListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	running, err := s.ListForUser(ctx, "u-1", ListFilter{Statuses: []Status{StatusRunning}})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, "t-2", running[0].TaskID)

	docs, err := s.ListForUser(ctx, "u-1", ListFilter{TargetAgent: "docs"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "t-1", docs[0].TaskID)
}
