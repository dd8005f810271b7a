package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	mcpspec "github.com/mark3labs/mcp-go/mcp"

	"github.com/loomhq/loom/config"
)

// mcpgoConn adapts a mark3labs client to the Conn contract.
type mcpgoConn struct {
	client *mcpclient.Client
}

// dialMCPGo is the production dialer. It builds the transport named by the
// server config, starts the session, and completes the initialize handshake.
func dialMCPGo(ctx context.Context, srv config.MCPServer, bearer string) (Conn, error) {
	var (
		c   *mcpclient.Client
		err error
	)
	headers := map[string]string{}
	if bearer != "" {
		headers["Authorization"] = "Bearer " + bearer
	}
	switch srv.Transport {
	case "streamable-http":
		c, err = mcpclient.NewStreamableHttpClient(srv.Endpoint, transport.WithHTTPHeaders(headers))
	case "sse":
		c, err = mcpclient.NewSSEMCPClient(srv.Endpoint, transport.WithHeaders(headers))
	case "stdio":
		c, err = mcpclient.NewStdioMCPClient(srv.Command, nil, srv.Args...)
	default:
		return nil, fmt.Errorf("mcp server %q: unknown transport %q", srv.Name, srv.Transport)
	}
	if err != nil {
		return nil, fmt.Errorf("mcp server %q: %w", srv.Name, err)
	}
	if srv.Transport != "stdio" {
		if err := c.Start(ctx); err != nil {
			return nil, fmt.Errorf("mcp server %q: start: %w", srv.Name, err)
		}
	}
	initReq := mcpspec.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcpspec.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcpspec.Implementation{Name: "loom", Version: "1.0.0"}
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("mcp server %q: initialize: %w", srv.Name, err)
	}
	return &mcpgoConn{client: c}, nil
}

func (c *mcpgoConn) ListTools(ctx context.Context) ([]Tool, error) {
	res, err := c.client.ListTools(ctx, mcpspec.ListToolsRequest{})
	if err != nil {
		return nil, err
	}
	tools := make([]Tool, 0, len(res.Tools))
	for _, t := range res.Tools {
		tools = append(tools, Tool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schemaToMap(t.InputSchema),
		})
	}
	return tools, nil
}

func (c *mcpgoConn) CallTool(ctx context.Context, name string, args map[string]any) (CallResult, error) {
	req := mcpspec.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	res, err := c.client.CallTool(ctx, req)
	if err != nil {
		return CallResult{}, err
	}
	var sb strings.Builder
	for _, content := range res.Content {
		if tc, ok := mcpspec.AsTextContent(content); ok {
			if sb.Len() > 0 {
				sb.WriteByte('\n')
			}
			sb.WriteString(tc.Text)
		}
	}
	return CallResult{Text: sb.String(), IsError: res.IsError}, nil
}

func (c *mcpgoConn) Close() error {
	return c.client.Close()
}

// schemaToMap converts the typed mcp-go input schema into the generic JSON
// object form the toolkit compiles.
func schemaToMap(s mcpspec.ToolInputSchema) map[string]any {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}
