// Package bridge implements the ContentScriptBridge from spec.md §4.7: a
// reliable request/response channel to an in-page scanner/executor that
// survives page reloads and host-imposed timer throttling.
//
// The retry-with-backoff-then-circuit-style-state machine follows the
// teacher's control_plane/scheduler/circuit_breaker.go CircuitBreaker in
// spirit — state that escalates on repeated failure and resets on success
// — generalized here from admission control over a task queue to a
// per-call adaptive timeout, and its transient-retry loop mirrors
// fluxforge/agent/executor.go's send-and-log-on-failure shape.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Timeout bounds, per spec.md §4.7.
const (
	BaseTimeout = 30 * time.Second
	StepTimeout = 10 * time.Second
	MaxTimeout  = 60 * time.Second

	ReadyPollInterval = 800 * time.Millisecond
)

// Transient retry delays, per spec.md §4.7.
var TransientRetryDelays = []time.Duration{1 * time.Second, 2 * time.Second}

// ErrTransient identifies the two named transport failure strings spec.md
// calls out as retry-worthy ("receiving end does not exist",
// "could not establish connection") rather than terminal.
var ErrTransient = errors.New("bridge: transient transport error")

// Transport is the underlying one-shot send primitive a PageHandle
// implements; Bridge adds timeout, retry, and dedup on top of it.
type Transport interface {
	// Send delivers message and blocks for exactly one response or ctx
	// cancellation. It must return ErrTransient (wrapped) for the two
	// transient conditions named in spec.md §4.7.
	Send(ctx context.Context, message Message) (Response, error)
}

// MessageType distinguishes SCAN and EXECUTE requests.
type MessageType string

const (
	MessageScan    MessageType = "SCAN"
	MessageExecute MessageType = "EXECUTE"
)

// Message is one outbound request to the in-page agent.
type Message struct {
	Type      MessageType            `json:"type"`
	Action    string                 `json:"action,omitempty"`
	Params    map[string]interface{} `json:"params,omitempty"`
	RequestID int64                  `json:"requestId,omitempty"`
}

// Response is the in-page agent's reply.
type Response struct {
	OK      bool                   `json:"ok"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Reason  string                 `json:"reason,omitempty"`
	Message string                 `json:"message,omitempty"`
}

// Bridge is the concrete ContentScriptBridge.
type Bridge struct {
	transport Transport

	mu              sync.Mutex
	currentTimeout  time.Duration
	consecutiveFail int

	nextRequestID int64
}

// New builds a Bridge over transport, with the timeout starting at
// BaseTimeout.
func New(transport Transport) *Bridge {
	return &Bridge{transport: transport, currentTimeout: BaseTimeout}
}

// CurrentTimeout reports the adaptive timeout that the next Send will use.
func (b *Bridge) CurrentTimeout() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentTimeout
}

func (b *Bridge) onTimeout() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFail++
	next := BaseTimeout + time.Duration(b.consecutiveFail)*StepTimeout
	if next > MaxTimeout {
		next = MaxTimeout
	}
	b.currentTimeout = next
	return next
}

func (b *Bridge) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutiveFail = 0
	b.currentTimeout = BaseTimeout
}

// Send delivers message, stamping a monotonically increasing requestId on
// EXECUTE messages (so the in-page executor can discard duplicate retries,
// spec.md §4.7), applying the adaptive timeout, transient retry with 1s/2s
// backoff, and ghost-callback suppression via a settled flag so a response
// that finally arrives after Send has already returned on timeout cannot
// affect caller state.
func (b *Bridge) Send(ctx context.Context, message Message) (Response, error) {
	if message.Type == MessageExecute && message.RequestID == 0 {
		message.RequestID = atomic.AddInt64(&b.nextRequestID, 1)
	}

	var lastErr error
	for attempt := 0; attempt <= len(TransientRetryDelays); attempt++ {
		resp, err := b.sendOnce(ctx, message)
		if err == nil {
			b.onSuccess()
			return resp, nil
		}
		lastErr = err
		if !errors.Is(err, ErrTransient) {
			return Response{}, err
		}
		if attempt < len(TransientRetryDelays) {
			select {
			case <-ctx.Done():
				return Response{}, ctx.Err()
			case <-time.After(TransientRetryDelays[attempt]):
			}
		}
	}
	return Response{}, lastErr
}

// sendOnce performs a single timed attempt, isolating a late response
// after the timeout window so it can never mutate caller-visible state
// (the ghost-callback suppression spec.md §4.7 and §5 require).
func (b *Bridge) sendOnce(ctx context.Context, message Message) (Response, error) {
	timeout := b.CurrentTimeout()
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		resp Response
		err  error
	}
	ch := make(chan result, 1)
	var settled int32

	go func() {
		resp, err := b.transport.Send(attemptCtx, message)
		if atomic.CompareAndSwapInt32(&settled, 0, 1) {
			ch <- result{resp, err}
		}
		// A CAS loss means sendOnce already timed out and moved on; the
		// ghost response is discarded here with no further effect.
	}()

	select {
	case r := <-ch:
		return r.resp, r.err
	case <-attemptCtx.Done():
		atomic.CompareAndSwapInt32(&settled, 0, 1)
		b.onTimeout()
		return Response{}, fmt.Errorf("bridge: timed out after %s: %w", timeout, attemptCtx.Err())
	}
}

// WaitForReady polls a lightweight liveness query roughly every
// ReadyPollInterval until it succeeds or maxMs elapses, used after any
// navigation that reloads the page.
func (b *Bridge) WaitForReady(ctx context.Context, maxMs time.Duration) bool {
	deadline := time.Now().Add(maxMs)
	for {
		resp, err := b.Send(ctx, Message{Type: MessageScan})
		if err == nil && resp.OK {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(ReadyPollInterval):
		}
	}
}

// VerifyPage issues a single SCAN and compares the reported page to
// expected.
func (b *Bridge) VerifyPage(ctx context.Context, expected string) bool {
	resp, err := b.Send(ctx, Message{Type: MessageScan})
	if err != nil || !resp.OK {
		return false
	}
	page, _ := resp.Data["page"].(string)
	return page == expected
}
