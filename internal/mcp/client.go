package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"weak"

	"github.com/zookeeper-run/zoo/internal/engine"
)

// ToolPrefixMode controls whether remote tool names are mangled to
// disambiguate identically-named tools across servers.
type ToolPrefixMode bool

const (
	PrefixTools   ToolPrefixMode = true
	NoPrefixTools ToolPrefixMode = false
)

const defaultCallTimeout = 30 * time.Second

// remoteTool is the subset of a tools/list entry this client needs.
type remoteTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

type listToolsResult struct {
	Tools []remoteTool `json:"tools"`
}

type toolCallContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type toolCallResult struct {
	Content []toolCallContent `json:"content"`
	IsError bool              `json:"isError"`
}

// Client wires a Session to an engine.Registry: it discovers the
// server's tools and registers each as a remote-invoking
// engine.ToolHandler, mangling names to mcp_<server_id>:<tool_name>
// when prefixing is enabled (the default, since two servers may expose
// a tool with the same bare name).
type Client struct {
	ServerID    string
	Prefix      ToolPrefixMode
	CallTimeout time.Duration

	session *Session
}

// NewClient constructs a Client bound to session.
func NewClient(serverID string, session *Session) *Client {
	return &Client{
		ServerID:    serverID,
		Prefix:      PrefixTools,
		CallTimeout: defaultCallTimeout,
		session:     session,
	}
}

// Connect runs the session handshake.
func (c *Client) Connect() error {
	return c.session.Initialize()
}

// Disconnect tears down the session.
func (c *Client) Disconnect() error {
	return c.session.Shutdown()
}

func (c *Client) mangledName(toolName string) string {
	if !bool(c.Prefix) {
		return toolName
	}
	return fmt.Sprintf("mcp_%s:%s", c.ServerID, toolName)
}

// DiscoverTools calls tools/list and registers each tool into registry
// as a handler that invokes tools/call over this client's session.
// Each handler captures only a weak.Pointer to c, so a client that has
// been dropped (server removed, reconnect in progress) fails its call
// with McpDisconnected instead of keeping the client, its session, and
// the registry alive through a reference cycle.
func (c *Client) DiscoverTools(registry *engine.Registry) ([]string, error) {
	raw, err := c.session.SendRequest("tools/list", nil)
	if err != nil {
		return nil, err
	}

	var result listToolsResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, engine.Wrap(engine.KindMcpProtocolError, "parse tools/list result", err)
	}

	weakClient := weak.Make(c)
	registered := make([]string, 0, len(result.Tools))

	for _, t := range result.Tools {
		name := c.mangledName(t.Name)
		remoteName := t.Name
		schema := t.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}

		registry.Register(&engine.ToolDescriptor{
			Name:        name,
			Description: t.Description,
			Schema:      schema,
			Handler:     remoteHandler(weakClient, remoteName),
		})
		registered = append(registered, name)
	}

	return registered, nil
}

// remoteHandler builds an engine.ToolHandler that upgrades weakClient on
// each invocation rather than closing over the client directly. It fails
// with McpDisconnected if the client is gone or its session is not Ready.
func remoteHandler(weakClient weak.Pointer[Client], remoteName string) engine.ToolHandler {
	return func(_ context.Context, args map[string]any) (any, error) {
		c := weakClient.Value()
		if c == nil || c.session.State() != StateReady {
			return nil, engine.New(engine.KindMcpDisconnected, "mcp client no longer available")
		}
		return c.callTool(remoteName, args)
	}
}

func (c *Client) callTool(remoteName string, args map[string]any) (string, error) {
	params := map[string]any{"name": remoteName}
	if args != nil {
		params["arguments"] = args
	}

	resultCh := make(chan struct {
		raw json.RawMessage
		err error
	}, 1)

	go func() {
		raw, err := c.session.SendRequest("tools/call", params)
		resultCh <- struct {
			raw json.RawMessage
			err error
		}{raw, err}
	}()

	timeout := c.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}

	select {
	case res := <-resultCh:
		if res.err != nil {
			return "", res.err
		}
		return decodeToolCallResult(res.raw)
	case <-time.After(timeout):
		// The in-flight SendRequest's router entry is intentionally
		// leaked here; it resolves (and is discarded) if the server
		// eventually responds, or is cleared on session shutdown.
		return "", engine.New(engine.KindMcpTimeout, fmt.Sprintf("tool call %q timed out after %s", remoteName, timeout))
	}
}

func decodeToolCallResult(raw json.RawMessage) (string, error) {
	var result toolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", engine.Wrap(engine.KindMcpProtocolError, "parse tools/call result", err)
	}

	var parts []string
	for _, c := range result.Content {
		if c.Type == "text" {
			parts = append(parts, c.Text)
		}
	}
	text := strings.Join(parts, "\n")

	if result.IsError {
		return "", engine.New(engine.KindMcpServerError, text)
	}
	return text, nil
}
