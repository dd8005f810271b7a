// Package mcp owns the per-agent MCP client lifecycle: connecting to the
// configured tool servers, discovering and validating tools, dispatching
// calls, and atomically swapping the whole binding when credentials rotate
// or a transport dies.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/loomhq/loom/config"
	"github.com/loomhq/loom/runtime/agent"
	"github.com/loomhq/loom/runtime/telemetry"
)

type (
	// CallResult is the outcome of one tool dispatch. IsError marks a tool
	// level failure the model can read and correct; transport faults are
	// returned as errors instead.
	CallResult struct {
		Text    string
		IsError bool
	}

	// Conn is one connected MCP server. The production implementation wraps
	// a mark3labs client; tests substitute fakes through the Dialer.
	Conn interface {
		ListTools(ctx context.Context) ([]Tool, error)
		CallTool(ctx context.Context, name string, args map[string]any) (CallResult, error)
		Close() error
	}

	// Dialer connects to one configured server. bearer is empty for servers
	// with auth_mode "none".
	Dialer func(ctx context.Context, srv config.MCPServer, bearer string) (Conn, error)

	// Options configures a Runtime.
	Options struct {
		// Servers are the resolved server configs referenced by the agent's
		// tuning. Disabled servers must be filtered out by the caller.
		Servers []config.MCPServer
		// Tokens supplies the bearer token read from the live runtime
		// context. Required when any server uses bearer auth.
		Tokens agent.TokenProvider
		// Logger defaults to the noop logger.
		Logger telemetry.Logger
		// Dialer defaults to the mcp-go backed dialer.
		Dialer Dialer
	}

	// Runtime is the per-agent owner of connected MCP servers and their
	// toolkit. Reads take an atomic snapshot; RefreshAndBind swaps the whole
	// binding in one pointer store so in-flight calls finish against the old
	// clients.
	Runtime struct {
		servers []config.MCPServer
		tokens  agent.TokenProvider
		logger  telemetry.Logger
		dial    Dialer

		binding atomic.Pointer[binding]
		closed  atomic.Bool
	}

	binding struct {
		conns map[string]Conn // server name -> conn
		kit   *Toolkit
	}
)

// closeDrain bounds how long a superseded client gets to close quietly.
const closeDrain = 5 * time.Second

// NewRuntime builds an unconnected runtime. Call Init before use.
func NewRuntime(opts Options) *Runtime {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	dial := opts.Dialer
	if dial == nil {
		dial = dialMCPGo
	}
	r := &Runtime{
		servers: opts.Servers,
		tokens:  opts.Tokens,
		logger:  logger,
		dial:    dial,
	}
	r.binding.Store(&binding{kit: NewToolkit(nil)})
	return r
}

// Init connects the configured servers and binds the discovered tools.
// No servers, or bearer servers without an available token, yield a
// tool-less runtime rather than an error: the agent still answers, it just
// cannot call tools.
func (r *Runtime) Init(ctx context.Context) error {
	if r.closed.Load() {
		return ErrRuntimeClosed
	}
	b, err := r.connect(ctx)
	if err != nil {
		return err
	}
	r.binding.Store(b)
	return nil
}

// Tools returns the current toolkit snapshot.
func (r *Runtime) Tools() *Toolkit {
	return r.binding.Load().kit
}

// Call validates the arguments and dispatches the named tool. Argument
// validation failures come back as a tool-level CallResult error; transport
// faults are returned as errors for the caller to classify.
func (r *Runtime) Call(ctx context.Context, name string, args map[string]any) (CallResult, error) {
	if r.closed.Load() {
		return CallResult{}, ErrRuntimeClosed
	}
	b := r.binding.Load()
	if err := b.kit.ValidateArgs(name, args); err != nil {
		if errors.Is(err, ErrToolNotBound) {
			return CallResult{}, err
		}
		return CallResult{Text: err.Error(), IsError: true}, nil
	}
	server, _ := b.kit.Server(name)
	conn, ok := b.conns[server]
	if !ok {
		return CallResult{}, fmt.Errorf("tool %q: %w", name, ErrToolNotBound)
	}
	return conn.CallTool(ctx, name, args)
}

// RefreshAndBind rebuilds the connections with fresh credentials and swaps
// the binding atomically. The superseded clients are closed quietly in the
// background so in-flight calls are not interrupted.
func (r *Runtime) RefreshAndBind(ctx context.Context) error {
	if r.closed.Load() {
		return ErrRuntimeClosed
	}
	b, err := r.connect(ctx)
	if err != nil {
		return err
	}
	old := r.binding.Swap(b)
	r.quietClose(old)
	return nil
}

// Close tears down the current binding. It is idempotent and swallows
// connection close errors.
func (r *Runtime) Close(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	old := r.binding.Swap(&binding{kit: NewToolkit(nil)})
	for name, conn := range old.conns {
		if err := conn.Close(); err != nil {
			r.logger.Warn(ctx, "mcp close", "server", name, "err", err.Error())
		}
	}
	return nil
}

func (r *Runtime) connect(ctx context.Context) (*binding, error) {
	b := &binding{conns: make(map[string]Conn)}
	var tools []Tool
	for _, srv := range r.servers {
		bearer := ""
		if srv.AuthMode == "bearer" {
			if r.tokens == nil {
				continue
			}
			tok, err := r.tokens.Token(ctx)
			if err != nil || tok == "" {
				// No credentials yet; the agent runs tool-less until refresh.
				continue
			}
			bearer = tok
		}
		conn, err := r.dial(ctx, srv, bearer)
		if err != nil {
			r.logger.Warn(ctx, "mcp connect failed", "server", srv.Name, "err", err.Error())
			continue
		}
		discovered, err := conn.ListTools(ctx)
		if err != nil {
			r.logger.Warn(ctx, "mcp list tools failed", "server", srv.Name, "err", err.Error())
			_ = conn.Close()
			continue
		}
		b.conns[srv.Name] = conn
		for _, t := range discovered {
			t.Server = srv.Name
			tools = append(tools, t)
		}
	}
	b.kit = NewToolkit(tools)
	return b, nil
}

// quietClose closes a superseded binding off the request path.
func (r *Runtime) quietClose(old *binding) {
	if old == nil || len(old.conns) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeDrain)
		defer cancel()
		for name, conn := range old.conns {
			if err := conn.Close(); err != nil {
				r.logger.Debug(ctx, "mcp quiet close", "server", name, "err", err.Error())
			}
		}
	}()
}
