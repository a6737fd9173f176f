package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/kaelstrom/travianbot/internal/bridge"
)

// pageBroker is the single bridgeResponse dispatch point shared by every
// PageConn on a Server: spec.md §1 treats the controlled browser page as
// an external collaborator reachable only "by the transport" and names
// no second wire protocol for it, so a PageConn's Send is carried as a
// bridgeRequest Event and its answer arrives back as an ordinary
// bridgeResponse RPC call, keyed by requestId rather than by connection
// so one handler can serve every bound serverKey at once.
type pageBroker struct {
	mu      sync.Mutex
	pending map[string]chan bridge.Response
}

func newPageBroker(server *Server) *pageBroker {
	b := &pageBroker{pending: map[string]chan bridge.Response{}}
	server.Register("bridgeResponse", b.handle)
	return b
}

func (b *pageBroker) handle(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p bridgeResponseParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, err
	}
	b.mu.Lock()
	ch, ok := b.pending[p.RequestID]
	if ok {
		delete(b.pending, p.RequestID)
	}
	b.mu.Unlock()
	if !ok {
		return map[string]bool{"ok": false}, nil
	}
	ch <- p.Response
	return map[string]bool{"ok": true}, nil
}

func (b *pageBroker) await(reqID string) chan bridge.Response {
	ch := make(chan bridge.Response, 1)
	b.mu.Lock()
	b.pending[reqID] = ch
	b.mu.Unlock()
	return ch
}

func (b *pageBroker) forget(reqID string) {
	b.mu.Lock()
	delete(b.pending, reqID)
	b.mu.Unlock()
}

// PageConn implements bridge.Transport (and supervisor.PageHandle, via
// Close) over the same stdio channel transport.Server already speaks.
type PageConn struct {
	serverKey string
	server    *Server
	broker    *pageBroker

	closed int32
}

// bridgeRequestPayload is the Event body a PageConn's Send emits.
type bridgeRequestPayload struct {
	RequestID string         `json:"requestId"`
	ServerKey string         `json:"serverKey"`
	Message   bridge.Message `json:"message"`
}

type bridgeResponseParams struct {
	RequestID string          `json:"requestId"`
	Response  bridge.Response `json:"response"`
}

// NewPageConn builds a PageConn for serverKey, lazily installing the
// shared bridgeResponse handler on server the first time any PageConn is
// created for it.
func NewPageConn(serverKey string, server *Server) *PageConn {
	server.brokerOnce.Do(func() { server.broker = newPageBroker(server) })
	return &PageConn{serverKey: serverKey, server: server, broker: server.broker}
}

// Send implements bridge.Transport by round-tripping message through the
// frontend as a bridgeRequest Event / bridgeResponse Request pair.
func (pc *PageConn) Send(ctx context.Context, message bridge.Message) (bridge.Response, error) {
	if atomic.LoadInt32(&pc.closed) != 0 {
		return bridge.Response{}, fmt.Errorf("transport: page %s is closed", pc.serverKey)
	}

	reqID := uuid.NewString()
	ch := pc.broker.await(reqID)
	defer pc.broker.forget(reqID)

	if err := pc.server.Emit("bridgeRequest", bridgeRequestPayload{RequestID: reqID, ServerKey: pc.serverKey, Message: message}); err != nil {
		return bridge.Response{}, fmt.Errorf("transport: emit bridgeRequest: %w", err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return bridge.Response{}, ctx.Err()
	}
}

// Close marks the PageConn closed; in-flight Sends still resolve against
// ctx, but no further bridgeRequest will be emitted for it.
func (pc *PageConn) Close() error {
	atomic.StoreInt32(&pc.closed, 1)
	return nil
}
