package mcp

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
)

var (
	// ErrToolNotBound indicates the toolkit has no tool with the requested
	// name.
	ErrToolNotBound = errors.New("tool not bound")
	// ErrRuntimeClosed indicates the runtime was closed and can no longer
	// dispatch calls.
	ErrRuntimeClosed = errors.New("mcp runtime closed")
)

// IsAuthError reports whether err looks like an expired or rejected bearer
// token anywhere in the chain. MCP transports surface auth failures as HTTP
// status text, so the message is matched as well as the chain.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "401") ||
		strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "invalid_token") ||
		strings.Contains(msg, "token expired")
}

// IsTimeout reports whether err is a deadline or network timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsClosedStream reports whether err indicates the transport stream ended
// underneath the call.
func IsClosedStream(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "stream closed") ||
		strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "broken pipe")
}

// IsTransportFault reports whether err warrants a client refresh: an auth
// failure, a timeout, or a closed stream.
func IsTransportFault(err error) bool {
	return IsAuthError(err) || IsTimeout(err) || IsClosedStream(err)
}
