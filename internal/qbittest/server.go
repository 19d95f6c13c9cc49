// Package qbittest provides an in-process stand-in for the qbit agent server,
// used by tests that exercise the client and runner against real HTTP/SSE
// traffic.
package qbittest

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Server implements the qbit session endpoints and replays a scripted
// sequence of raw SSE lines for every execute call.
type Server struct {
	server *httptest.Server

	mu           sync.Mutex
	sessions     map[string]bool
	script       []string
	failAttempts int
	executeCalls int
}

// New starts a fake server that streams the given raw SSE lines on execute.
func New(script []string) *Server {
	s := &Server{
		sessions: make(map[string]bool),
		script:   script,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/sessions", s.handleCreateSession)
	mux.HandleFunc("/sessions/", s.handleSession)
	s.server = httptest.NewServer(mux)
	return s
}

// URL returns the server's base URL.
func (s *Server) URL() string {
	return s.server.URL
}

// Close shuts the server down.
func (s *Server) Close() {
	s.server.Close()
}

// SetScript replaces the SSE lines replayed on subsequent execute calls.
func (s *Server) SetScript(script []string) {
	s.mu.Lock()
	s.script = script
	s.mu.Unlock()
}

// FailNextConnections makes the next n execute calls die before response
// headers are written, which a client sees as a connection-level error.
func (s *Server) FailNextConnections(n int) {
	s.mu.Lock()
	s.failAttempts = n
	s.mu.Unlock()
}

// ExecuteCalls returns how many execute requests have reached the server,
// including ones that were made to fail.
func (s *Server) ExecuteCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.executeCalls
}

// SessionCount returns the number of live sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := uuid.NewString()
	s.mu.Lock()
	s.sessions[id] = true
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"session_id":%q}`, id)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/sessions/")

	if r.Method == http.MethodDelete {
		s.mu.Lock()
		_, ok := s.sessions[rest]
		delete(s.sessions, rest)
		s.mu.Unlock()
		if ok {
			w.WriteHeader(http.StatusNoContent)
		} else {
			w.WriteHeader(http.StatusNotFound)
		}
		return
	}

	sessionID, op, _ := strings.Cut(rest, "/")
	if r.Method != http.MethodPost || op != "execute" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	s.mu.Lock()
	s.executeCalls++
	known := s.sessions[sessionID]
	shouldFail := s.failAttempts > 0
	if shouldFail {
		s.failAttempts--
	}
	script := s.script
	s.mu.Unlock()

	if shouldFail {
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				conn.Close()
			}
		}
		return
	}

	if !known {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"session not found"}`)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	flusher := w.(http.Flusher)
	for _, line := range script {
		fmt.Fprintf(w, "%s\n", line)
		flusher.Flush()
	}
}

// CompletedScript is the canonical three-event stream from the wire protocol:
// started, one text delta, completed with response "4".
func CompletedScript() []string {
	return []string{
		"event: started",
		`data: {"event":"started","timestamp":1000,"turn_id":"t1"}`,
		"",
		"event: text_delta",
		`data: {"timestamp":1001,"delta":"4"}`,
		"",
		"event: completed",
		`data: {"timestamp":1002,"response":"4","duration_ms":2,"tokens_used":12}`,
		"",
	}
}
