package mcp

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/zookeeper-run/zoo/internal/engine"
)

// pendingRequest is a promise awaiting a routed response.
type pendingRequest struct {
	resultCh chan pendingResult
}

type pendingResult struct {
	result json.RawMessage
	err    error
}

// NotificationHandler is invoked for incoming notifications.
type NotificationHandler func(method string, params json.RawMessage)

// Router holds the outgoing-request id counter and correlates responses
// to pending promises by id, independent of any specific transport.
type Router struct {
	nextID int64 // atomic

	mu      sync.Mutex
	pending map[int64]*pendingRequest

	notifyMu sync.RWMutex
	onNotify NotificationHandler
}

// NewRouter constructs an empty Router.
func NewRouter() *Router {
	return &Router{pending: make(map[int64]*pendingRequest)}
}

// SetNotificationHandler installs (or clears, with nil) the handler
// invoked for incoming notifications.
func (r *Router) SetNotificationHandler(h NotificationHandler) {
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	r.onNotify = h
}

// CreatePendingRequest allocates the next request id and registers a
// promise for it, returning both. The caller sends the request over the
// transport and then waits on resultCh (or uses Await).
func (r *Router) CreatePendingRequest() (id int64, resultCh <-chan pendingResult) {
	id = atomic.AddInt64(&r.nextID, 1)
	p := &pendingRequest{resultCh: make(chan pendingResult, 1)}

	r.mu.Lock()
	r.pending[id] = p
	r.mu.Unlock()

	return id, p.resultCh
}

// Await blocks on ch and returns its result/err. A response carrying an
// RPCError has already been turned into an engine McpProtocolError by
// RouteMessage.
func Await(ch <-chan pendingResult) (json.RawMessage, error) {
	res := <-ch
	return res.result, res.err
}

// PendingCount returns the number of outstanding (unrouted, uncancelled)
// requests.
func (r *Router) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// RouteMessage dispatches one decoded wire message: a Response is matched
// to its pending promise by id and fulfilled (outside the lock);
// malformed or id-less responses are dropped; a Request with no id
// (notification) invokes the installed handler. This is called from the
// transport's background reader goroutine.
func (r *Router) RouteMessage(msg DecodedMessage) {
	switch msg.Kind {
	case KindResponse:
		r.routeResponse(msg.Response)
	case KindRequest:
		if msg.Request.IsNotification() {
			r.notifyMu.RLock()
			handler := r.onNotify
			r.notifyMu.RUnlock()
			if handler != nil {
				handler(msg.Request.Method, msg.Request.Params)
			}
		}
		// Requests with an id would require this client to act as a
		// server too; out of scope here, dropped best-effort.
	case KindParseError:
		// malformed messages are silently dropped
	}
}

func (r *Router) routeResponse(resp *Response) {
	if resp == nil || resp.ID == nil {
		return
	}

	r.mu.Lock()
	p, ok := r.pending[*resp.ID]
	if ok {
		delete(r.pending, *resp.ID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if resp.Error != nil {
		p.resultCh <- pendingResult{err: engine.New(engine.KindMcpProtocolError, resp.Error.Error())}
		return
	}
	p.resultCh <- pendingResult{result: resp.Result}
}

// CancelAll resolves every outstanding pending request with
// McpDisconnected, described by reason.
func (r *Router) CancelAll(reason string) {
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[int64]*pendingRequest)
	r.mu.Unlock()

	for _, p := range pending {
		p.resultCh <- pendingResult{err: engine.New(engine.KindMcpDisconnected, reason)}
	}
}
