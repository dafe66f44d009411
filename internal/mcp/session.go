package mcp

import (
	"encoding/json"
	"sync"

	"github.com/zookeeper-run/zoo/internal/engine"
)

// State is a Session's position in the connection handshake.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateShuttingDown State = "shutting_down"
)

// ServerInfo is the remote server's self-description from "initialize".
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Capabilities is the subset of server capability flags this client
// tracks.
type Capabilities struct {
	Tools     bool
	Resources bool
	Prompts   bool
	Logging   bool
}

type capabilityFlags struct {
	Tools     json.RawMessage `json:"tools"`
	Resources json.RawMessage `json:"resources"`
	Prompts   json.RawMessage `json:"prompts"`
	Logging   json.RawMessage `json:"logging"`
}

type initializeResult struct {
	ProtocolVersion string           `json:"protocolVersion"`
	ServerInfo      ServerInfo       `json:"serverInfo"`
	Capabilities    capabilityFlags  `json:"capabilities"`
}

// Session drives the MCP initialize/initialized handshake over a
// Transport + Router and tracks the resulting server identity and
// capabilities.
type Session struct {
	ServerID  string
	ClientName string
	ClientVersion string

	transport Transport
	router    *Router

	mu           sync.Mutex
	state        State
	serverInfo   ServerInfo
	capabilities Capabilities
}

// NewSession constructs a Session over transport, wiring its incoming
// lines through a fresh Router.
func NewSession(serverID string, transport Transport) *Session {
	s := &Session{
		ServerID:      serverID,
		ClientName:    "zoo",
		ClientVersion: "1.0.0",
		transport:     transport,
		router:        NewRouter(),
		state:         StateDisconnected,
	}
	return s
}

// Router exposes the session's router so a tool wrapper can await a
// tools/call response.
func (s *Session) Router() *Router { return s.router }

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State returns the current handshake state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ServerInfo returns the server's self-reported name/version, valid once
// State() == StateReady.
func (s *Session) ServerInfo() ServerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverInfo
}

// Capabilities returns the server's advertised capability flags, valid
// once State() == StateReady.
func (s *Session) Capabilities() Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capabilities
}

// Initialize runs the handshake: connect, send "initialize", await the
// result, send "notifications/initialized", transition to Ready.
func (s *Session) Initialize() error {
	s.setState(StateConnecting)

	if err := s.transport.Connect(func(line string) {
		s.router.RouteMessage(Decode([]byte(line)))
	}); err != nil {
		s.setState(StateDisconnected)
		return engine.Wrap(engine.KindMcpTransportFailed, "connect", err)
	}

	s.setState(StateInitializing)

	params := map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    s.ClientName,
			"version": s.ClientVersion,
		},
	}
	raw, err := s.sendRequest("initialize", params)
	if err != nil {
		s.setState(StateDisconnected)
		return err
	}

	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		s.setState(StateDisconnected)
		return engine.Wrap(engine.KindMcpProtocolError, "parse initialize result", err)
	}

	s.mu.Lock()
	s.serverInfo = result.ServerInfo
	s.capabilities = Capabilities{
		Tools:     result.Capabilities.Tools != nil,
		Resources: result.Capabilities.Resources != nil,
		Prompts:   result.Capabilities.Prompts != nil,
		Logging:   result.Capabilities.Logging != nil,
	}
	s.mu.Unlock()

	if err := s.sendNotification("notifications/initialized", nil); err != nil {
		s.setState(StateDisconnected)
		return err
	}

	s.setState(StateReady)
	return nil
}

// SendRequest sends method/params and returns the raw result, fulfilled
// by the router. If the transport send fails, it returns an
// McpTransportFailed error tagged -32603 (Internal error) immediately
// rather than hanging.
func (s *Session) SendRequest(method string, params any) (json.RawMessage, error) {
	return s.sendRequest(method, params)
}

func (s *Session) sendRequest(method string, params any) (json.RawMessage, error) {
	id, ch := s.router.CreatePendingRequest()

	payload, err := EncodeRequest(&id, method, params)
	if err != nil {
		return nil, engine.Wrap(engine.KindMcpProtocolError, "encode request", err)
	}

	if err := s.transport.Send(payload); err != nil {
		return nil, engine.New(engine.KindMcpTransportFailed, "-32603: "+err.Error())
	}

	return Await(ch)
}

func (s *Session) sendNotification(method string, params any) error {
	payload, err := EncodeRequest(nil, method, params)
	if err != nil {
		return engine.Wrap(engine.KindMcpProtocolError, "encode notification", err)
	}
	if err := s.transport.Send(payload); err != nil {
		return engine.Wrap(engine.KindMcpTransportFailed, "send notification", err)
	}
	return nil
}

// Shutdown cancels all pending router promises, disconnects the
// transport, and returns to Disconnected. Idempotent.
func (s *Session) Shutdown() error {
	if s.State() == StateDisconnected {
		return nil
	}
	s.setState(StateShuttingDown)
	s.router.CancelAll("session shutting down")
	err := s.transport.Disconnect()
	s.setState(StateDisconnected)
	return err
}
