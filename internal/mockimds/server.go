// Package mockimds provides an IMDSv2-compatible metadata HTTP service backed
// by a fixture tree: PUT a token, then GET meta-data paths with it. Faults can
// be injected per path for exercising clients.
package mockimds

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/lstoll/metadata-query/internal/metadata"
)

// Drop as an injected status closes the connection without a response.
const Drop = 0

// Server serves a Tree over the IMDSv2 wire protocol.
type Server struct {
	tree       *Tree
	tokenStore *TokenStore
	clock      clock.PassiveClock
	log        logr.Logger
	listenAddr string
	srv        *http.Server

	mu            sync.Mutex
	faults        map[string][]int
	always        map[string]int
	latency       map[string]time.Duration
	tokenFaults   []int
	requests      map[string]int
	tokenRequests int
}

// Option configures the server.
type Option func(*Server)

// WithClock sets the clock token expiry is measured against.
func WithClock(c clock.PassiveClock) Option {
	return func(s *Server) { s.clock = c }
}

// WithLogger sets the request logger.
func WithLogger(l logr.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithListenAddr sets the address Run listens on.
func WithListenAddr(addr string) Option {
	return func(s *Server) { s.listenAddr = addr }
}

// NewServer returns a server for tree. Use Handler with httptest, or Run to listen.
func NewServer(tree *Tree, opts ...Option) *Server {
	s := &Server{
		tree:       tree,
		clock:      clock.RealClock{},
		log:        logr.Discard(),
		listenAddr: "127.0.0.1:1338",
		faults:     make(map[string][]int),
		always:     make(map[string]int),
		latency:    make(map[string]time.Duration),
		requests:   make(map[string]int),
	}
	for _, o := range opts {
		o(s)
	}
	s.tokenStore = NewTokenStore(s.clock)
	mux := http.NewServeMux()
	mux.HandleFunc(metadata.PathToken, s.servePutToken)
	mux.HandleFunc(metadata.PathMetadata, s.serveGetMetadata)
	s.srv = &http.Server{
		Addr:         s.listenAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Run listens and serves until ctx is done. Returns when the server is shut down.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = s.srv.Shutdown(context.Background())
	}()
	s.log.Info("listening", "addr", ln.Addr().String())
	err = s.srv.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// FailPath answers the next requests for path with the given statuses, one
// per request, before serving normally again.
func (s *Server) FailPath(path string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	path = clean(path)
	s.faults[path] = append(s.faults[path], statuses...)
}

// FailPathAlways answers every request for path with status.
func (s *Server) FailPathAlways(path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.always[clean(path)] = status
}

// FailToken answers the next token requests with the given statuses.
func (s *Server) FailToken(statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokenFaults = append(s.tokenFaults, statuses...)
}

// SetLatency delays every response for path by d.
func (s *Server) SetLatency(path string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency[clean(path)] = d
}

// RevokeTokens invalidates every token issued so far.
func (s *Server) RevokeTokens() { s.tokenStore.RevokeAll() }

// Requests returns how many GETs were received for path.
func (s *Server) Requests(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[clean(path)]
}

// TokenRequests returns how many token PUTs were received.
func (s *Server) TokenRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenRequests
}

func (s *Server) servePutToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.mu.Lock()
	s.tokenRequests++
	fault, faulted := pop(&s.tokenFaults)
	s.mu.Unlock()
	if faulted {
		s.fail(w, fault)
		return
	}

	ttlStr := r.Header.Get(metadata.TokenTTLHeader)
	if ttlStr == "" {
		http.Error(w, "missing "+metadata.TokenTTLHeader, http.StatusBadRequest)
		return
	}
	ttl, err := strconv.Atoi(ttlStr)
	if err != nil || ttl < 1 || ttl > 21600 {
		http.Error(w, "invalid "+metadata.TokenTTLHeader, http.StatusBadRequest)
		return
	}
	s.tokenStore.Prune()
	token, granted, err := s.tokenStore.Create(time.Duration(ttl) * time.Second)
	if err != nil {
		http.Error(w, "token creation failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set(metadata.TokenTTLHeader, strconv.Itoa(int(granted/time.Second)))
	_, _ = w.Write([]byte(token))
}

func (s *Server) serveGetMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	path := clean(strings.TrimPrefix(r.URL.Path, metadata.PathMetadata))

	s.mu.Lock()
	s.requests[path]++
	delay := s.latency[path]
	status, always := s.always[path]
	queue := s.faults[path]
	fault, faulted := pop(&queue)
	s.faults[path] = queue
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	token := r.Header.Get(metadata.TokenHeader)
	if token == "" || !s.tokenStore.Valid(token) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	switch {
	case faulted:
		s.fail(w, fault)
		return
	case always:
		s.fail(w, status)
		return
	}

	n, ok := s.tree.lookup(path)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	s.log.V(1).Info("served", "path", path, "dir", n.dir)
	w.Header().Set("Content-Type", "text/plain")
	if n.dir {
		_, _ = w.Write([]byte(n.listing()))
		return
	}
	_, _ = w.Write([]byte(n.value))
}

func (s *Server) fail(w http.ResponseWriter, status int) {
	if status == Drop {
		if hj, ok := w.(http.Hijacker); ok {
			if conn, _, err := hj.Hijack(); err == nil {
				_ = conn.Close()
				return
			}
		}
		status = http.StatusBadGateway
	}
	http.Error(w, http.StatusText(status), status)
}

func pop(q *[]int) (int, bool) {
	if len(*q) == 0 {
		return 0, false
	}
	v := (*q)[0]
	*q = (*q)[1:]
	return v, true
}

func clean(path string) string { return strings.Trim(path, "/") }
