// Package telegramtest provides a fake Bot API server for tests.
package telegramtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

// Call is one recorded Bot API request.
type Call struct {
	Method  string
	Payload map[string]any
}

// Handler produces the raw envelope returned for a method call. Returning nil
// falls back to the default ok response.
type Handler func(payload map[string]any) map[string]any

// Server is an in-process Bot API stub. All methods succeed by default;
// individual methods can be overridden with Handle.
type Server struct {
	mu            sync.Mutex
	calls         []Call
	handlers      map[string]Handler
	nextMessageID int64

	httpSrv *httptest.Server
}

// New starts a fake Bot API server. Callers must Close it.
func New() *Server {
	s := &Server{
		handlers:      make(map[string]Handler),
		nextMessageID: 1,
	}
	s.httpSrv = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// URL returns the base URL to hand to the client under test.
func (s *Server) URL() string { return s.httpSrv.URL }

// Close shuts the server down.
func (s *Server) Close() { s.httpSrv.Close() }

// Handle overrides the response for a method.
func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Calls returns the recorded calls for a method, or all calls when method is
// empty.
func (s *Server) Calls(method string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	if method == "" {
		return append([]Call(nil), s.calls...)
	}
	var out []Call
	for _, c := range s.calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// CallCount returns how many times a method was called.
func (s *Server) CallCount(method string) int {
	return len(s.Calls(method))
}

// LastCall returns the most recent call for a method, or nil.
func (s *Server) LastCall(method string) *Call {
	calls := s.Calls(method)
	if len(calls) == 0 {
		return nil
	}
	return &calls[len(calls)-1]
}

// Err builds an ok=false envelope.
func Err(code int, description string) map[string]any {
	return map[string]any{"ok": false, "error_code": code, "description": description}
}

// OK builds an ok=true envelope around result.
func OK(result any) map[string]any {
	return map[string]any{"ok": true, "result": result}
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	// Path shape: /bot<token>/<method>
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
	method := parts[len(parts)-1]

	var payload map[string]any
	_ = json.NewDecoder(r.Body).Decode(&payload)

	s.mu.Lock()
	s.calls = append(s.calls, Call{Method: method, Payload: payload})
	h := s.handlers[method]
	s.mu.Unlock()

	var envelope map[string]any
	if h != nil {
		envelope = h(payload)
	}
	if envelope == nil {
		envelope = s.defaultEnvelope(method, payload)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(envelope)
}

func (s *Server) defaultEnvelope(method string, payload map[string]any) map[string]any {
	switch method {
	case "sendMessage":
		s.mu.Lock()
		id := s.nextMessageID
		s.nextMessageID++
		s.mu.Unlock()
		return OK(map[string]any{
			"message_id": id,
			"chat":       map[string]any{"id": payload["chat_id"]},
			"text":       payload["text"],
		})
	case "getUpdates":
		return OK([]any{})
	default:
		return OK(true)
	}
}
