package mcp

// Transport abstracts the wire connection an MCP Session speaks over.
// StdioTransport is the only implementation here; an HTTP transport is
// conceivable but out of scope.
type Transport interface {
	// Connect establishes the connection (e.g. spawns the subprocess) and
	// starts delivering incoming lines to onLine.
	Connect(onLine func(line string)) error

	// Send writes one line (without trailing newline; Send appends it).
	Send(message []byte) error

	// Disconnect tears down the connection and joins any background
	// goroutines.
	Disconnect() error

	// Connected reports whether the transport believes itself open.
	Connected() bool
}
