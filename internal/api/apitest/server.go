// Package apitest provides a scripted conversion server for tests. It serves
// the progress, retry and convert routes plus the /ws/admin push socket.
package apitest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/JakeFAU/convertwatch/internal/progress"
)

// Reply is one scripted response from the progress endpoint.
type Reply struct {
	// Code defaults to 200.
	Code int
	// Progress is encoded as the body unless Raw is set.
	Progress progress.JobProgress
	// Raw is written verbatim when non-empty.
	Raw string
}

// Snapshot builds a 200 reply for jobID.
func Snapshot(jobID string, status progress.Status, pct int) Reply {
	return Reply{Progress: progress.JobProgress{JobID: jobID, Status: status, Progress: pct}}
}

// Failed builds a 200 reply reporting a failed job with msg.
func Failed(jobID, msg string) Reply {
	return Reply{Progress: progress.JobProgress{JobID: jobID, Status: progress.StatusFailed, ErrorMessage: msg}}
}

// Server is an httptest server with scripted behaviour. Unscripted jobs
// answer 404. Once a script has a single reply left, it is repeated.
type Server struct {
	mu         sync.Mutex
	scripts    map[string][]Reply
	commands   map[string]commandResult
	hits       map[string]int
	requestIDs []string
	clients    map[*websocket.Conn]struct{}

	upgrader websocket.Upgrader
	srv      *httptest.Server
}

type commandResult struct {
	code    int
	success bool
	reason  string
}

// New starts a server and registers its shutdown with t.
func New(t testing.TB) *Server {
	t.Helper()
	s := NewServer()
	t.Cleanup(s.Close)
	return s
}

// NewServer starts a server; the caller must Close it.
func NewServer() *Server {
	s := &Server{
		scripts:  make(map[string][]Reply),
		commands: make(map[string]commandResult),
		hits:     make(map[string]int),
		clients:  make(map[*websocket.Conn]struct{}),
	}
	r := chi.NewRouter()
	r.Use(s.recordRequest)
	r.Use(recoverMiddleware)
	r.Route("/api", func(r chi.Router) {
		r.Get("/progress/{job_id}", s.getProgress)
		r.Post("/retry/{job_id}", s.retryJob)
		r.Post("/convert", s.convert)
	})
	r.Get("/ws/admin", s.adminSocket)

	s.srv = httptest.NewServer(r)
	return s
}

// URL is the http base URL.
func (s *Server) URL() string { return s.srv.URL }

// WSURL is the admin push socket URL.
func (s *Server) WSURL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws/admin"
}

// Close drops push clients and stops the server.
func (s *Server) Close() {
	s.DropClients()
	s.srv.Close()
}

// Script queues progress replies for jobID, appending to any existing script.
func (s *Server) Script(jobID string, replies ...Reply) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[jobID] = append(s.scripts[jobID], replies...)
}

// RetryResult sets the answer to POST /api/retry/{jobID}. The default is success.
func (s *Server) RetryResult(jobID string, code int, success bool, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands["retry/"+jobID] = commandResult{code: code, success: success, reason: reason}
}

// ConvertResult sets the answer to POST /api/convert for jobID.
func (s *Server) ConvertResult(jobID string, code int, success bool, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands["convert/"+jobID] = commandResult{code: code, success: success, reason: reason}
}

// Hits counts requests for a route key: "progress/ID", "retry/ID" or "convert/ID".
func (s *Server) Hits(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[key]
}

// RequestIDs returns the X-Request-ID headers seen so far.
func (s *Server) RequestIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requestIDs...)
}

func (s *Server) recordRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get("X-Request-ID"); id != "" {
			s.mu.Lock()
			s.requestIDs = append(s.requestIDs, id)
			s.mu.Unlock()
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) getProgress(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	s.mu.Lock()
	s.hits["progress/"+jobID]++
	queue := s.scripts[jobID]
	var (
		reply Reply
		ok    bool
	)
	if len(queue) > 0 {
		reply, ok = queue[0], true
		if len(queue) > 1 {
			s.scripts[jobID] = queue[1:]
		}
	}
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "Job not found")
		return
	}
	code := reply.Code
	if code == 0 {
		code = http.StatusOK
	}
	if reply.Raw != "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = w.Write([]byte(reply.Raw))
		return
	}
	writeJSON(w, code, reply.Progress)
}

func (s *Server) retryJob(w http.ResponseWriter, r *http.Request) {
	s.writeCommand(w, "retry/"+chi.URLParam(r, "job_id"))
}

func (s *Server) convert(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.JobID == "" {
		writeError(w, http.StatusBadRequest, "missing job_id")
		return
	}
	s.writeCommand(w, "convert/"+req.JobID)
}

func (s *Server) writeCommand(w http.ResponseWriter, key string) {
	s.mu.Lock()
	s.hits[key]++
	res, ok := s.commands[key]
	s.mu.Unlock()
	if !ok {
		res = commandResult{code: http.StatusOK, success: true}
	}
	body := map[string]any{"success": res.success}
	if res.reason != "" {
		body["error"] = res.reason
	}
	writeJSON(w, res.code, body)
}

func recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
