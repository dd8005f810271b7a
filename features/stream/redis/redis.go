// Package redis provides a cross-node stream fan-out backed by Redis pub/sub.
// Callers build a Redis client, pass it to New, and receive a mirror that
// republishes every stream frame of a session to a per-session channel so
// observers on other nodes can follow the exchange.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/loomhq/loom/runtime/agent"
	"github.com/loomhq/loom/runtime/telemetry"
)

// defaultChannelPrefix namespaces the per-session pub/sub channels.
const defaultChannelPrefix = "loom.stream."

type (
	// Options configures the mirror.
	Options struct {
		// Redis is the connection used for pub/sub. Required; the caller owns
		// its lifecycle.
		Redis *goredis.Client
		// ChannelPrefix namespaces the per-session channels. Empty uses
		// "loom.stream.".
		ChannelPrefix string
		// OperationTimeout bounds individual publish operations. Zero means
		// no timeout.
		OperationTimeout time.Duration
		Logger           telemetry.Logger
	}

	// Mirror publishes stream frames to a Redis channel per session.
	Mirror struct {
		redis   *goredis.Client
		prefix  string
		timeout time.Duration
		logger  telemetry.Logger
	}
)

// New constructs a mirror backed by the provided Redis connection.
func New(opts Options) (*Mirror, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := opts.ChannelPrefix
	if prefix == "" {
		prefix = defaultChannelPrefix
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Mirror{
		redis:   opts.Redis,
		prefix:  prefix,
		timeout: opts.OperationTimeout,
		logger:  logger,
	}, nil
}

// Publish sends one frame to the session's channel. Frames without a session
// id are skipped.
func (m *Mirror) Publish(ctx context.Context, msg *agent.ChatMessage) error {
	if msg == nil || msg.SessionID == "" {
		return nil
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode stream frame: %w", err)
	}
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}
	if err := m.redis.Publish(ctx, m.channel(msg.SessionID), payload).Err(); err != nil {
		return fmt.Errorf("publish stream frame to %s: %w", m.channel(msg.SessionID), err)
	}
	return nil
}

// Subscribe follows the frames of one session. The returned channel closes
// when ctx is cancelled or stop is called. Malformed frames are logged and
// skipped.
func (m *Mirror) Subscribe(ctx context.Context, sessionID string) (<-chan *agent.ChatMessage, func()) {
	sub := m.redis.Subscribe(ctx, m.channel(sessionID))
	out := make(chan *agent.ChatMessage, 32)

	go func() {
		defer close(out)
		for raw := range sub.Channel() {
			var msg agent.ChatMessage
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				m.logger.Warn(ctx, "decode mirrored frame", "session_id", sessionID, "err", err.Error())
				continue
			}
			select {
			case out <- &msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	stop := func() { _ = sub.Close() }
	return out, stop
}

func (m *Mirror) channel(sessionID string) string {
	return m.prefix + sessionID
}
