package orchestrator

import (
	"context"
	"errors"
	"sync"

	"github.com/loomhq/loom/runtime/agent"
	"github.com/loomhq/loom/runtime/telemetry"
)

// DefaultSinkCapacity bounds the number of frames buffered between the graph
// and a slow client.
const DefaultSinkCapacity = 32

// ErrSinkClosed is returned by Next once the sink is closed and drained.
var ErrSinkClosed = errors.New("stream sink closed")

// Sink is the bounded buffer carrying stream frames from a running exchange
// to the client connection. Producers never block: when the buffer is full,
// thought frames are shed first, then other intermediate frames. Final
// frames are never dropped.
type Sink struct {
	mu      sync.Mutex
	buf     []*agent.ChatMessage
	cap     int
	closed  bool
	dropped int

	ready   chan struct{}
	metrics telemetry.Metrics
}

// NewSink builds a sink. A non-positive capacity selects the default.
func NewSink(capacity int, metrics telemetry.Metrics) *Sink {
	if capacity <= 0 {
		capacity = DefaultSinkCapacity
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Sink{
		cap:     capacity,
		ready:   make(chan struct{}, 1),
		metrics: metrics,
	}
}

// Push enqueues a frame, shedding lower-value frames when the buffer is
// full. Push never blocks and silently ignores frames after Close.
func (s *Sink) Push(msg *agent.ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if len(s.buf) >= s.cap {
		if msg.Channel == agent.ChannelThought {
			s.drop()
			return
		}
		if !s.evict(agent.ChannelThought) && msg.Channel != agent.ChannelFinal {
			if !s.evictIntermediate() {
				s.drop()
				return
			}
		}
		// A full buffer of finals grows: finals are never dropped.
	}
	s.buf = append(s.buf, msg)
	s.signal()
}

// Next returns the oldest buffered frame, blocking until one arrives, the
// sink closes, or the context is done.
func (s *Sink) Next(ctx context.Context) (*agent.ChatMessage, error) {
	for {
		s.mu.Lock()
		if len(s.buf) > 0 {
			msg := s.buf[0]
			s.buf = s.buf[1:]
			s.mu.Unlock()
			return msg, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil, ErrSinkClosed
		}
		select {
		case <-s.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close marks the sink closed. Buffered frames remain readable; Next returns
// ErrSinkClosed once drained.
func (s *Sink) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

// Dropped reports the number of frames shed since creation.
func (s *Sink) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// evict removes the oldest buffered frame on the given channel.
func (s *Sink) evict(ch agent.Channel) bool {
	for i, m := range s.buf {
		if m.Channel == ch {
			s.buf = append(s.buf[:i], s.buf[i+1:]...)
			s.drop()
			return true
		}
	}
	return false
}

// evictIntermediate removes the oldest non-final frame.
func (s *Sink) evictIntermediate() bool {
	for i, m := range s.buf {
		if m.Channel != agent.ChannelFinal {
			s.buf = append(s.buf[:i], s.buf[i+1:]...)
			s.drop()
			return true
		}
	}
	return false
}

func (s *Sink) drop() {
	s.dropped++
	s.metrics.IncCounter("loom.stream.dropped", 1)
}

func (s *Sink) signal() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}
