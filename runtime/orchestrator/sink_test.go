package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/runtime/agent"
)

func frame(ch agent.Channel, text string) *agent.ChatMessage {
	return &agent.ChatMessage{Role: agent.RoleAssistant, Channel: ch, Parts: agent.NewText(text)}
}

func drain(t *testing.T, s *Sink, n int) []*agent.ChatMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	out := make([]*agent.ChatMessage, 0, n)
	for i := 0; i < n; i++ {
		msg, err := s.Next(ctx)
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func TestSinkDeliversInOrder(t *testing.T) {
	s := NewSink(4, nil)
	s.Push(frame(agent.ChannelThought, "a"))
	s.Push(frame(agent.ChannelToolResult, "b"))
	s.Push(frame(agent.ChannelFinal, "c"))

	out := drain(t, s, 3)
	assert.Equal(t, "a", out[0].Text())
	assert.Equal(t, "b", out[1].Text())
	assert.Equal(t, "c", out[2].Text())
	assert.Zero(t, s.Dropped())
}

func TestSinkShedsThoughtsFirst(t *testing.T) {
	s := NewSink(2, nil)
	s.Push(frame(agent.ChannelThought, "t1"))
	s.Push(frame(agent.ChannelToolResult, "r1"))

	// Full: an incoming thought is shed outright.
	s.Push(frame(agent.ChannelThought, "t2"))
	// Full: an incoming tool result evicts the buffered thought.
	s.Push(frame(agent.ChannelToolResult, "r2"))

	out := drain(t, s, 2)
	assert.Equal(t, "r1", out[0].Text())
	assert.Equal(t, "r2", out[1].Text())
	assert.Equal(t, 2, s.Dropped())
}

func TestSinkNeverDropsFinal(t *testing.T) {
	s := NewSink(2, nil)
	s.Push(frame(agent.ChannelFinal, "f1"))
	s.Push(frame(agent.ChannelFinal, "f2"))

	// Full of finals: an intermediate frame is shed, a final still lands.
	s.Push(frame(agent.ChannelToolResult, "r1"))
	s.Push(frame(agent.ChannelFinal, "f3"))

	out := drain(t, s, 3)
	assert.Equal(t, "f1", out[0].Text())
	assert.Equal(t, "f2", out[1].Text())
	assert.Equal(t, "f3", out[2].Text())
	assert.Equal(t, 1, s.Dropped())
}

func TestSinkCloseDrainsThenErrors(t *testing.T) {
	s := NewSink(4, nil)
	s.Push(frame(agent.ChannelFinal, "f1"))
	s.Close()

	out := drain(t, s, 1)
	assert.Equal(t, "f1", out[0].Text())
	_, err := s.Next(context.Background())
	assert.ErrorIs(t, err, ErrSinkClosed)

	// Pushes after close are ignored.
	s.Push(frame(agent.ChannelFinal, "late"))
	_, err = s.Next(context.Background())
	assert.ErrorIs(t, err, ErrSinkClosed)
}

func TestSinkNextHonorsContext(t *testing.T) {
	s := NewSink(4, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
