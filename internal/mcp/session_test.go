package mcp_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zookeeper-run/zoo/internal/mcp"
)

// fakeTransport is an in-memory Transport double: Send inspects the
// outgoing request and synthesizes a matching response/error via onLine,
// so Session.Initialize can run without a real subprocess.
type fakeTransport struct {
	onLine        func(line string)
	connectErr    error
	sendErr       error
	disconnectErr error
	sent          [][]byte
}

func (f *fakeTransport) Connect(onLine func(line string)) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.onLine = onLine
	return nil
}

func (f *fakeTransport) Send(message []byte) error {
	f.sent = append(f.sent, message)
	if f.sendErr != nil {
		return f.sendErr
	}

	var req struct {
		ID     *int64 `json:"id"`
		Method string `json:"method"`
	}
	if err := json.Unmarshal(message, &req); err != nil {
		return nil
	}
	if req.ID == nil {
		return nil // notification, no response expected
	}

	switch req.Method {
	case "initialize":
		resp, _ := mcp.EncodeResponse(*req.ID, map[string]any{
			"protocolVersion": "2024-11-05",
			"serverInfo":      map[string]any{"name": "fake-server", "version": "0.1.0"},
			"capabilities":    map[string]any{"tools": map[string]any{}},
		}, nil)
		f.onLine(string(resp))
	default:
		resp, _ := mcp.EncodeResponse(*req.ID, map[string]any{}, nil)
		f.onLine(string(resp))
	}
	return nil
}

func (f *fakeTransport) Disconnect() error { return f.disconnectErr }

func (f *fakeTransport) Connected() bool { return f.onLine != nil }

func TestSessionInitializeReachesReadyState(t *testing.T) {
	ft := &fakeTransport{}
	s := mcp.NewSession("srv1", ft)

	require.NoError(t, s.Initialize())
	assert.Equal(t, mcp.StateReady, s.State())
	assert.Equal(t, "fake-server", s.ServerInfo().Name)
	assert.True(t, s.Capabilities().Tools)
}

func TestSessionInitializeTransportFailure(t *testing.T) {
	ft := &fakeTransport{connectErr: assertErr("boom")}
	s := mcp.NewSession("srv1", ft)

	err := s.Initialize()
	require.Error(t, err)
	assert.Equal(t, mcp.StateDisconnected, s.State())
}

func TestSessionShutdownIsIdempotent(t *testing.T) {
	ft := &fakeTransport{}
	s := mcp.NewSession("srv1", ft)
	require.NoError(t, s.Initialize())

	require.NoError(t, s.Shutdown())
	assert.Equal(t, mcp.StateDisconnected, s.State())
	require.NoError(t, s.Shutdown())
}

func TestSessionSendRequestRoundTrips(t *testing.T) {
	ft := &fakeTransport{}
	s := mcp.NewSession("srv1", ft)
	require.NoError(t, s.Initialize())

	raw, err := s.SendRequest("tools/list", nil)
	require.NoError(t, err)
	assert.NotNil(t, raw)
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
