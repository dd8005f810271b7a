// Package orchestrator runs chat exchanges: it resolves the session, warms
// the agent through the session cache, streams intermediate graph output
// through a bounded sink, and persists every message of the exchange in rank
// order.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomhq/loom/runtime/agent"
	"github.com/loomhq/loom/runtime/factory"
	"github.com/loomhq/loom/runtime/telemetry"
	"github.com/loomhq/loom/storage"
)

// titleRunes caps the session title derived from the first user message.
const titleRunes = 80

type (
	// Options wires the orchestrator's dependencies.
	Options struct {
		Factory  *factory.Factory
		Sessions storage.SessionStore
		History  storage.HistoryStore
		Logger   telemetry.Logger
		Metrics  telemetry.Metrics
		// Mirror republishes stream frames beyond the local sink so observers
		// on other nodes can follow the exchange. Optional.
		Mirror Mirror
	}

	// Mirror is the cross-node stream fan-out contract. Publish failures must
	// not fail the exchange; the orchestrator logs and continues.
	Mirror interface {
		Publish(ctx context.Context, msg *agent.ChatMessage) error
	}

	// Request is one chat exchange as received from the gateway.
	Request struct {
		UserID    string
		SessionID string // empty starts a new session
		AgentName string
		Message   string
		Runtime   *agent.RuntimeContext
		// ClientExchangeID lets the client correlate frames; a fresh id is
		// assigned when empty.
		ClientExchangeID string
		// HumanInput resumes a blocked exchange instead of starting a new one.
		HumanInput map[string]any
	}

	// Result is the terminal outcome of an exchange.
	Result struct {
		Session    *storage.Session
		ExchangeID string
		Finals     []*agent.ChatMessage
		// Blocked reports that the exchange paused on an interrupt; the
		// session stays warm so the checkpoint survives until resume.
		Blocked    bool
		Interrupts []agent.Interrupt
	}

	// Orchestrator coordinates sessions, agents and persistence for the chat
	// surface.
	Orchestrator struct {
		factory  *factory.Factory
		sessions storage.SessionStore
		history  storage.HistoryStore
		logger   telemetry.Logger
		metrics  telemetry.Metrics
		mirror   Mirror

		mu    sync.Mutex
		ranks map[string]*rankAlloc
	}

	// rankAlloc serializes exchanges and rank assignment for one session.
	rankAlloc struct {
		mu   sync.Mutex
		next int
	}
)

// New builds an orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Factory == nil || opts.Sessions == nil || opts.History == nil {
		return nil, fmt.Errorf("orchestrator: factory, session store and history store are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Orchestrator{
		factory:  opts.Factory,
		sessions: opts.Sessions,
		history:  opts.History,
		logger:   logger,
		metrics:  metrics,
		mirror:   opts.Mirror,
		ranks:    make(map[string]*rankAlloc),
	}, nil
}

// HandleExchange runs one exchange end to end. Intermediate messages stream
// through the sink as they are produced; all messages of the exchange are
// persisted in rank order, including on failure, before the error is
// returned. Exchanges on the same session are serialized.
func (o *Orchestrator) HandleExchange(ctx context.Context, req Request, sink *Sink) (*Result, error) {
	if req.UserID == "" || req.AgentName == "" {
		return nil, fmt.Errorf("orchestrator: user id and agent name are required")
	}
	if req.Message == "" && len(req.HumanInput) == 0 {
		return nil, fmt.Errorf("orchestrator: message is required")
	}
	started := time.Now()

	session, err := o.resolveSession(ctx, req)
	if err != nil {
		return nil, err
	}
	alloc := o.alloc(session.ID)
	alloc.mu.Lock()
	defer alloc.mu.Unlock()
	if alloc.next == 0 {
		max, err := o.history.MaxRank(ctx, session.ID)
		if err != nil {
			return nil, fmt.Errorf("session %s: load max rank: %w", session.ID, err)
		}
		alloc.next = max + 1
	}

	exchangeID := req.ClientExchangeID
	if exchangeID == "" {
		exchangeID = uuid.NewString()
	}

	ag, hit, err := o.factory.CreateAndInit(ctx, req.AgentName, req.Runtime, session.ID)
	if err != nil {
		return nil, fmt.Errorf("warm agent %q: %w", req.AgentName, err)
	}
	g := ag.Graph()
	if g == nil {
		return nil, fmt.Errorf("agent %q has no graph", req.AgentName)
	}
	o.logger.Debug(ctx, "exchange started",
		"session_id", session.ID, "exchange_id", exchangeID,
		"agent", req.AgentName, "cache_hit", hit)

	// Every message of the exchange is stamped and collected here, in the
	// order the graph produced it. The stamp is the persistence order.
	var collected []*agent.ChatMessage
	stamp := func(msg *agent.ChatMessage) {
		msg.SessionID = session.ID
		msg.ExchangeID = exchangeID
		msg.Rank = alloc.next
		alloc.next++
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now().UTC()
		}
		collected = append(collected, msg)
	}
	emit := func(ctx context.Context, msg *agent.ChatMessage) error {
		stamp(msg)
		if sink != nil {
			sink.Push(msg)
		}
		if o.mirror != nil {
			if err := o.mirror.Publish(ctx, msg); err != nil {
				o.logger.Warn(ctx, "mirror stream frame", "session_id", msg.SessionID, "err", err.Error())
			}
		}
		return nil
	}

	var st *agent.State
	if len(req.HumanInput) > 0 {
		st, err = g.Resume(ctx, session.ID, req.HumanInput, emit)
	} else {
		userMsg := &agent.ChatMessage{
			Role:    agent.RoleUser,
			Channel: agent.ChannelFinal,
			Parts:   agent.NewText(req.Message),
		}
		stamp(userMsg)
		st, err = g.Invoke(ctx, session.ID, &agent.State{Messages: []*agent.ChatMessage{userMsg}}, emit)
	}
	if err != nil {
		// Cancellation or graph failure: flush what already streamed so the
		// transcript stays consistent with what the client saw.
		if perr := o.persist(context.WithoutCancel(ctx), session, collected); perr != nil {
			o.logger.Warn(ctx, "flush interrupted exchange", "exchange_id", exchangeID, "err", perr.Error())
		}
		return nil, fmt.Errorf("exchange %s: %w", exchangeID, err)
	}

	if perr := o.persist(ctx, session, collected); perr != nil {
		return nil, perr
	}
	o.metrics.RecordTimer("loom.exchange.duration", time.Since(started), "agent", req.AgentName)

	res := &Result{Session: session, ExchangeID: exchangeID}
	if st.Blocked {
		res.Blocked = true
		if snap, ok := g.Snapshot(session.ID); ok {
			res.Interrupts = snap.Interrupts
		}
		return res, nil
	}
	for _, msg := range collected {
		if msg.Role == agent.RoleAssistant && msg.Channel == agent.ChannelFinal {
			res.Finals = append(res.Finals, msg)
		}
	}
	return res, nil
}

// EndSession closes every agent warmed for the session and forgets its rank
// allocator. The session row and history remain.
func (o *Orchestrator) EndSession(ctx context.Context, sessionID string) {
	o.factory.TeardownSession(ctx, sessionID)
	o.mu.Lock()
	delete(o.ranks, sessionID)
	o.mu.Unlock()
}

// History returns the persisted transcript of a session.
func (o *Orchestrator) History(ctx context.Context, sessionID string) ([]*agent.ChatMessage, error) {
	return o.history.ListBySession(ctx, sessionID)
}

// Sessions lists the user's sessions, most recently updated first.
func (o *Orchestrator) Sessions(ctx context.Context, userID string) ([]*storage.Session, error) {
	return o.sessions.ListForUser(ctx, userID)
}

// resolveSession loads the requested session or creates a new row. New
// sessions take their title from the first user message.
func (o *Orchestrator) resolveSession(ctx context.Context, req Request) (*storage.Session, error) {
	if req.SessionID != "" {
		s, err := o.sessions.Get(ctx, req.SessionID)
		if err == nil {
			if s.UserID != req.UserID {
				return nil, fmt.Errorf("session %s: %w", req.SessionID, storage.ErrNotFound)
			}
			return s, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("load session %s: %w", req.SessionID, err)
		}
	}
	id := req.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	s := &storage.Session{
		ID:        id,
		UserID:    req.UserID,
		Title:     sessionTitle(req.Message),
		UpdatedAt: time.Now().UTC(),
	}
	if err := o.sessions.Save(ctx, s); err != nil {
		return nil, fmt.Errorf("create session %s: %w", id, err)
	}
	return s, nil
}

// persist appends the exchange messages and refreshes the session row. A
// history failure is returned; a session refresh failure is only logged.
func (o *Orchestrator) persist(ctx context.Context, session *storage.Session, msgs []*agent.ChatMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := o.history.Append(ctx, msgs); err != nil {
		return fmt.Errorf("session %s: persist %d messages: %w", session.ID, len(msgs), err)
	}
	session.UpdatedAt = time.Now().UTC()
	if err := o.sessions.Save(ctx, session); err != nil {
		o.logger.Warn(ctx, "refresh session row", "session_id", session.ID, "err", err.Error())
	}
	return nil
}

func (o *Orchestrator) alloc(sessionID string) *rankAlloc {
	o.mu.Lock()
	defer o.mu.Unlock()
	a, ok := o.ranks[sessionID]
	if !ok {
		a = &rankAlloc{}
		o.ranks[sessionID] = a
	}
	return a
}

// sessionTitle derives a session title from the first user message.
func sessionTitle(message string) string {
	runes := []rune(message)
	if len(runes) <= titleRunes {
		return message
	}
	return string(runes[:titleRunes])
}
