// Package gateway exposes the chat surface over a websocket endpoint.
// Each inbound frame is one exchange: the gateway streams intermediate
// messages as the graph produces them, then closes the exchange with a final
// or error frame. Sessions outlive connections; closing the socket tears the
// warmed agents down but keeps the session row and history.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loomhq/loom/runtime/agent"
	"github.com/loomhq/loom/runtime/orchestrator"
	"github.com/loomhq/loom/runtime/telemetry"
)

// writeWait bounds a single frame write to a stalled client.
const writeWait = 10 * time.Second

type (
	// Options wires the gateway's dependencies.
	Options struct {
		Orchestrator *orchestrator.Orchestrator
		// AuthorizedOrigins lists the Origin values allowed to connect. Empty
		// allows same-origin requests only (the upgrader default).
		AuthorizedOrigins []string
		Logger            telemetry.Logger
		Metrics           telemetry.Metrics
	}

	// Server is the websocket chat endpoint.
	Server struct {
		orch     *orchestrator.Orchestrator
		upgrader websocket.Upgrader
		logger   telemetry.Logger
		metrics  telemetry.Metrics
	}

	// ChatAskInput is the client frame starting or resuming an exchange.
	ChatAskInput struct {
		UserID           string                `json:"user_id"`
		SessionID        string                `json:"session_id,omitempty"`
		Message          string                `json:"message"`
		AgentName        string                `json:"agent_name"`
		RuntimeContext   *agent.RuntimeContext `json:"runtime_context,omitempty"`
		ClientExchangeID string                `json:"client_exchange_id,omitempty"`
		// HumanInput resumes a blocked exchange (interrupt approval payload).
		HumanInput map[string]any `json:"human_input,omitempty"`
	}

	// StreamFrame carries one intermediate message.
	StreamFrame struct {
		Type    string             `json:"type"` // "stream"
		Message *agent.ChatMessage `json:"message"`
	}

	// FinalFrame closes an exchange.
	FinalFrame struct {
		Type     string               `json:"type"` // "final"
		Messages []*agent.ChatMessage `json:"messages"`
		Session  *sessionInfo         `json:"session"`
		// Blocked reports that the exchange paused on an interrupt and waits
		// for a follow-up frame carrying human_input.
		Blocked    bool              `json:"blocked,omitempty"`
		Interrupts []agent.Interrupt `json:"interrupts,omitempty"`
	}

	// ErrorFrame reports an exchange failure.
	ErrorFrame struct {
		Type      string `json:"type"` // "error"
		Content   string `json:"content"`
		SessionID string `json:"session_id,omitempty"`
	}

	sessionInfo struct {
		ID        string    `json:"id"`
		UserID    string    `json:"user_id"`
		Title     string    `json:"title"`
		UpdatedAt time.Time `json:"updated_at"`
	}
)

// New builds the gateway server.
func New(opts Options) (*Server, error) {
	if opts.Orchestrator == nil {
		return nil, errors.New("gateway: orchestrator is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	s := &Server{
		orch:    opts.Orchestrator,
		logger:  logger,
		metrics: metrics,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	if len(opts.AuthorizedOrigins) > 0 {
		allowed := make(map[string]struct{}, len(opts.AuthorizedOrigins))
		for _, o := range opts.AuthorizedOrigins {
			allowed[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
		}
		s.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			_, ok := allowed[strings.ToLower(u.Scheme+"://"+u.Host)]
			return ok
		}
	}
	return s, nil
}

// Handler returns the HTTP handler serving the chat endpoint at /ws/chat.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/chat", s.handleChat)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// handleChat upgrades the connection and serves exchanges until the client
// disconnects. All warmed sessions are torn down on close.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn(r.Context(), "websocket upgrade", "err", err.Error())
		return
	}
	defer conn.Close()
	ctx := r.Context()

	// One writer goroutine per connection: gorilla connections allow a
	// single concurrent writer, and stream frames race the final frame
	// otherwise.
	var writeMu sync.Mutex
	write := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteJSON(v)
	}

	sessions := make(map[string]struct{})
	defer func() {
		for id := range sessions {
			s.orch.EndSession(ctx, id)
		}
	}()

	for {
		var in ChatAskInput
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn(ctx, "websocket read", "err", err.Error())
			}
			return
		}
		s.serveExchange(ctx, in, write, sessions)
	}
}

// serveExchange runs one exchange and writes its frames. Errors become a
// single error frame; the connection stays open for the next exchange.
func (s *Server) serveExchange(ctx context.Context, in ChatAskInput, write func(any) error, sessions map[string]struct{}) {
	sink := orchestrator.NewSink(orchestrator.DefaultSinkCapacity, s.metrics)
	defer sink.Close()

	// Drain the sink concurrently so slow graph nodes and slow clients do
	// not block each other beyond the sink's drop policy.
	streamCtx, stopStream := context.WithCancel(ctx)
	var streamed sync.WaitGroup
	streamed.Add(1)
	go func() {
		defer streamed.Done()
		for {
			msg, err := sink.Next(streamCtx)
			if err != nil {
				return
			}
			if err := write(StreamFrame{Type: "stream", Message: msg}); err != nil {
				s.logger.Warn(ctx, "write stream frame", "session_id", msg.SessionID, "err", err.Error())
				return
			}
		}
	}()

	res, err := s.orch.HandleExchange(ctx, orchestrator.Request{
		UserID:           in.UserID,
		SessionID:        in.SessionID,
		AgentName:        in.AgentName,
		Message:          in.Message,
		Runtime:          in.RuntimeContext,
		ClientExchangeID: in.ClientExchangeID,
		HumanInput:       in.HumanInput,
	}, sink)

	// Let the reader drain what the exchange produced before the terminal
	// frame goes out.
	sink.Close()
	streamed.Wait()
	stopStream()

	if err != nil {
		s.metrics.IncCounter("loom.gateway.exchange_errors", 1, "agent", in.AgentName)
		frame := ErrorFrame{Type: "error", Content: err.Error(), SessionID: in.SessionID}
		if werr := write(frame); werr != nil {
			s.logger.Warn(ctx, "write error frame", "err", werr.Error())
		}
		return
	}

	sessions[res.Session.ID] = struct{}{}
	final := FinalFrame{
		Type:     "final",
		Messages: res.Finals,
		Session: &sessionInfo{
			ID:        res.Session.ID,
			UserID:    res.Session.UserID,
			Title:     res.Session.Title,
			UpdatedAt: res.Session.UpdatedAt,
		},
		Blocked:    res.Blocked,
		Interrupts: res.Interrupts,
	}
	if err := write(final); err != nil {
		s.logger.Warn(ctx, "write final frame", "session_id", res.Session.ID, "err", err.Error())
	}
}
