// Package zoo is the embeddable local-LLM agent engine: a single
// inference worker fed by a thread-safe request queue, wired to
// conversation history, a tool registry, lexical RAG retrieval, and MCP
// tool servers.
package zoo

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/zookeeper-run/zoo/internal/backend"
	"github.com/zookeeper-run/zoo/internal/engine"
	"github.com/zookeeper-run/zoo/internal/logging"
	"github.com/zookeeper-run/zoo/internal/mcp"
	"github.com/zookeeper-run/zoo/internal/rag"
)

const defaultMaxQueueSize = 64

// RAGConfig wires an optional in-memory lexical store into the turn
// pipeline.
type RAGConfig struct {
	// Store, if non-nil, is consulted (alongside the Context DB, if
	// configured) on every turn submitted with RAG enabled.
	Store *rag.Store
}

// Config configures an Agent's backend, conversation defaults, and
// optional collaborators.
type Config struct {
	Backend backend.Config

	SystemPrompt string
	MaxQueueSize int // 0 uses defaultMaxQueueSize

	RAG RAGConfig
	// ContextDBPath, if non-empty, opens a durable SQLite archive used
	// both to record pruned messages and, when RAG is requested, as an
	// additional retriever. ":memory:" is valid.
	ContextDBPath string

	PruneTargetRatio    float64
	MinMessagesToKeep   int
	MaxToolIterations   int
	MaxGenerationTokens int
	StopSequences       []string

	// MetricsRegistry, if non-nil, enables Prometheus turn/tool metrics
	// registered against it.
	MetricsRegistry prometheus.Registerer

	// Logger, if non-nil, receives MCP subprocess stderr output.
	Logger *logging.Logger
}

// Result is the outcome of one submitted turn.
type Result struct {
	Response engine.Response
	Err      error
}

type promiseEntry struct {
	resultCh chan Result
}

// Future is fulfilled once the agent's worker finishes (or fails) the
// turn it was created for.
type Future struct {
	ch <-chan Result
}

// Await blocks until the turn completes and returns its result.
func (f *Future) Await() (engine.Response, error) {
	r := <-f.ch
	return r.Response, r.Err
}

// Agent is the facade tying together a backend, conversation history,
// the agentic loop, and optional RAG/MCP collaborators behind a single
// submit/await API. Exactly one worker goroutine drives the backend.
type Agent struct {
	backend   backend.Backend
	history   *engine.History
	registry  *engine.Registry
	recovery  *engine.Recovery
	queue     *engine.Queue
	loop      *engine.Loop
	contextDB *rag.ContextDB
	logger    *logging.Logger

	mcpMu      sync.Mutex
	mcpClients map[string]*mcp.Client

	running atomic.Bool
	wg      sync.WaitGroup

	promiseMu sync.Mutex
	promises  []*promiseEntry
}

// New validates cfg, initializes be, and spawns the agent's worker
// goroutine.
func New(cfg Config, be backend.Backend) (*Agent, error) {
	if err := cfg.Backend.Validate(); err != nil {
		return nil, err
	}
	if err := be.Initialize(cfg.Backend); err != nil {
		return nil, err
	}

	history := engine.NewHistory(nil)
	if cfg.SystemPrompt != "" {
		history.SetSystemPrompt(cfg.SystemPrompt)
	}

	registry := engine.NewRegistry()
	recovery := engine.NewRecovery()

	var contextDB *rag.ContextDB
	var archiver engine.Archiver
	var retrievers []engine.Retriever

	if cfg.ContextDBPath != "" {
		db, err := rag.OpenContextDB(cfg.ContextDBPath)
		if err != nil {
			return nil, err
		}
		contextDB = db
		archiver = db
		retrievers = append(retrievers, db)
	}
	if cfg.RAG.Store != nil {
		retrievers = append(retrievers, cfg.RAG.Store)
	}

	var metrics *engine.TurnMetrics
	if cfg.MetricsRegistry != nil {
		metrics = engine.NewTurnMetrics(cfg.MetricsRegistry)
	}

	loop := engine.NewLoop(be, history, registry, recovery, engine.LoopConfig{
		ContextSize:         cfg.Backend.ContextSize,
		PruneTargetRatio:    cfg.PruneTargetRatio,
		MinMessagesToKeep:   cfg.MinMessagesToKeep,
		MaxToolIterations:   cfg.MaxToolIterations,
		MaxGenerationTokens: cfg.MaxGenerationTokens,
		StopSequences:       cfg.StopSequences,
	})
	loop.Archiver = archiver
	loop.Retrievers = retrievers
	loop.Metrics = metrics

	maxQueue := cfg.MaxQueueSize
	if maxQueue <= 0 {
		maxQueue = defaultMaxQueueSize
	}

	a := &Agent{
		backend:    be,
		history:    history,
		registry:   registry,
		recovery:   recovery,
		queue:      engine.NewQueue(maxQueue),
		loop:       loop,
		contextDB:  contextDB,
		logger:     cfg.Logger,
		mcpClients: make(map[string]*mcp.Client),
	}
	a.running.Store(true)
	a.wg.Add(1)
	go a.workerLoop()

	return a, nil
}

// RegisterTool adds a locally-implemented tool to the agent's registry.
func (a *Agent) RegisterTool(d *engine.ToolDescriptor) {
	a.registry.Register(d)
}

// ConnectMCP connects to an MCP server over transport, runs the
// initialize handshake, and registers its tools (mangled as
// mcp_<serverID>:<tool>) into the agent's registry.
func (a *Agent) ConnectMCP(serverID string, transport mcp.Transport) error {
	session := mcp.NewSession(serverID, transport)
	client := mcp.NewClient(serverID, session)

	if err := client.Connect(); err != nil {
		return err
	}
	if _, err := client.DiscoverTools(a.registry); err != nil {
		_ = client.Disconnect()
		return err
	}

	a.mcpMu.Lock()
	a.mcpClients[serverID] = client
	a.mcpMu.Unlock()
	return nil
}

// ConnectMCPStdio is a convenience wrapper around ConnectMCP for the
// common case of a subprocess MCP server.
func (a *Agent) ConnectMCPStdio(serverID, command string, args []string, env map[string]string) error {
	return a.ConnectMCP(serverID, &mcp.StdioTransport{
		Command: command,
		Args:    args,
		Env:     env,
		Logger:  a.logger,
	})
}

// DisconnectMCP shuts down and forgets the named MCP server, if
// connected. Tools it registered are not unregistered (their handlers
// already fail with McpDisconnected after this call).
func (a *Agent) DisconnectMCP(serverID string) error {
	a.mcpMu.Lock()
	client, ok := a.mcpClients[serverID]
	delete(a.mcpClients, serverID)
	a.mcpMu.Unlock()

	if !ok {
		return nil
	}
	return client.Disconnect()
}

// Submit enqueues message as a user turn and returns a Future for its
// Response. sink, if non-nil, receives each generated piece as it
// streams. The request is pushed onto the queue before its promise is
// registered, both under the promise lock, so the worker can never
// dequeue a promise before the matching request is visible, nor look for
// the promise of a popped request before it is registered.
func (a *Agent) Submit(message string, sink func(piece string)) (*Future, error) {
	if !a.running.Load() {
		return nil, engine.New(engine.KindAgentNotRunning, "agent is not running")
	}

	req := engine.Request{
		Message: engine.Message{Role: engine.RoleUser, Content: message},
		Options: engine.RequestOptions{
			RAG: engine.RAGOptions{Enabled: len(a.loop.Retrievers) > 0, TopK: 5},
		},
		Sink: sink,
	}

	a.promiseMu.Lock()
	defer a.promiseMu.Unlock()

	if !a.queue.Push(req) {
		return nil, engine.New(engine.KindQueueFull, "request queue is full")
	}

	entry := &promiseEntry{resultCh: make(chan Result, 1)}
	a.promises = append(a.promises, entry)

	return &Future{ch: entry.resultCh}, nil
}

// SubmitAndWait submits message and blocks for its Response.
func (a *Agent) SubmitAndWait(message string, sink func(piece string)) (engine.Response, error) {
	future, err := a.Submit(message, sink)
	if err != nil {
		return engine.Response{}, err
	}
	return future.Await()
}

// Cancel requests cooperative cancellation of the turn currently (or
// next) being processed.
func (a *Agent) Cancel() {
	a.loop.Cancel()
}

// Stop is idempotent: it cancels the in-flight turn, shuts down the
// queue, joins the worker, fulfils any stranded promises with
// AgentNotRunning, and disconnects MCP servers and the Context DB.
func (a *Agent) Stop() {
	if !a.running.CompareAndSwap(true, false) {
		return
	}

	a.loop.Cancel()
	a.queue.Shutdown()
	a.wg.Wait()

	a.mcpMu.Lock()
	for id, client := range a.mcpClients {
		_ = client.Disconnect()
		delete(a.mcpClients, id)
	}
	a.mcpMu.Unlock()

	if a.contextDB != nil {
		_ = a.contextDB.Close()
	}
}

func (a *Agent) workerLoop() {
	defer a.wg.Done()

	for {
		req, ok := a.queue.Pop()
		if !ok {
			a.drainPromises()
			return
		}

		entry := a.popPromise()
		resp, err := a.loop.Process(req)
		entry.resultCh <- Result{Response: resp, Err: err}

		// A Cancel applies to one turn; after Stop the flag stays set for
		// any requests still queued.
		if a.running.Load() {
			a.loop.ResetCancellation()
		}
	}
}

func (a *Agent) popPromise() *promiseEntry {
	a.promiseMu.Lock()
	defer a.promiseMu.Unlock()
	entry := a.promises[0]
	a.promises = a.promises[1:]
	return entry
}

func (a *Agent) drainPromises() {
	a.promiseMu.Lock()
	stranded := a.promises
	a.promises = nil
	a.promiseMu.Unlock()

	for _, entry := range stranded {
		entry.resultCh <- Result{Err: engine.New(engine.KindAgentNotRunning, "agent is shutting down")}
	}
}
