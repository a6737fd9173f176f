// Package transport implements the line-delimited JSON-RPC channel to the
// frontend named in spec.md §6: stdout is reserved for the protocol, all
// logging goes to stderr, and every inbound line is one Request dispatched
// by method name to a handler.
//
// The method-name-to-handler-function registry, and the "one handler per
// RPC verb" naming (getStatus, startBot, ... on Handlers), follow the
// teacher's control_plane/api.go API type: a flat struct of collaborators
// plus one exported handler method per endpoint, generalized here from
// net/http routes to JSON-RPC method names over stdio.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
)

// JSON-RPC error codes, per spec.md §6.
const (
	CodeUnknownMethod = -32601
	CodeParseError    = -32700
	CodeHandlerError  = -32000
)

// Request is one inbound line.
type Request struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// rpcError is the error half of a Response.
type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// response is one outbound line: exactly one of Result/Error is set.
type response struct {
	ID     int64       `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  *rpcError   `json:"error,omitempty"`
}

// event is one outbound unsolicited line, per spec.md §6.
type event struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// Handler answers one RPC method call. Params is the raw params object;
// handlers decode it themselves into whatever shape they expect.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Server is the line-delimited JSON-RPC server: reads Requests from an
// input stream, dispatches them to registered Handlers, and writes
// Responses/Events to an output stream. One write lock guards the output
// stream so a handler's Response and an unrelated Event (e.g. statusUpdate
// fired from the engine's own goroutine) never interleave mid-line.
type Server struct {
	in     *bufio.Scanner
	out    io.Writer
	logger *zap.Logger

	writeMu sync.Mutex

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	brokerOnce sync.Once
	broker     *pageBroker
}

// New builds a Server reading newline-delimited JSON Requests from in and
// writing Responses/Events to out.
func New(in io.Reader, out io.Writer, logger *zap.Logger) *Server {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	return &Server{in: scanner, out: out, logger: logger, handlers: map[string]Handler{}}
}

// Register binds method to h. Re-registering a method replaces its
// handler, which callers use during tests and for wiring additive
// per-server methods after construction.
func (s *Server) Register(method string, h Handler) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.handlers[method] = h
}

// Emit writes an unsolicited Event line, per spec.md §6. Safe to call
// from any goroutine (e.g. an EventBus subscriber forwarding botEvent or
// statusUpdate to the frontend).
func (s *Server) Emit(topic string, data interface{}) error {
	return s.writeLine(event{Event: topic, Data: data})
}

// Serve reads Requests until ctx is cancelled or the input stream ends,
// dispatching each to its registered Handler and writing back a Response.
// A malformed line produces a parse-error Response with id 0 (the line's
// own id, if any, cannot be trusted to have parsed).
func (s *Server) Serve(ctx context.Context) error {
	for s.in.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := s.in.Bytes()
		if len(line) == 0 {
			continue
		}
		s.handleLine(ctx, append([]byte(nil), line...))
	}
	return s.in.Err()
}

func (s *Server) handleLine(ctx context.Context, line []byte) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		_ = s.writeLine(response{Error: &rpcError{Code: CodeParseError, Message: err.Error()}})
		return
	}

	s.handlersMu.RLock()
	h, ok := s.handlers[req.Method]
	s.handlersMu.RUnlock()
	if !ok {
		_ = s.writeLine(response{ID: req.ID, Error: &rpcError{Code: CodeUnknownMethod, Message: fmt.Sprintf("unknown method %q", req.Method)}})
		return
	}

	result, err := s.runHandler(ctx, h, req.Params)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("transport: handler error", zap.String("method", req.Method), zap.Error(err))
		}
		_ = s.writeLine(response{ID: req.ID, Error: &rpcError{Code: CodeHandlerError, Message: err.Error()}})
		return
	}
	_ = s.writeLine(response{ID: req.ID, Result: result})
}

// runHandler recovers a handler panic into an error response, per spec.md
// §7 "a handler's exception is caught, logged, and treated as a ...
// failure" applied at the protocol boundary.
func (s *Server) runHandler(ctx context.Context, h Handler, params json.RawMessage) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, params)
}

func (s *Server) writeLine(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.out.Write(data)
	return err
}
