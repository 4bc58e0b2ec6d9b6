package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// maxRequestBodySize caps a single POSTed JSON-RPC message.
const maxRequestBodySize = 1 << 20

const shutdownTimeout = 10 * time.Second

type httpSession struct {
	id              string
	protocolVersion string
	createdAt       time.Time
}

type sessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*httpSession
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: make(map[string]*httpSession)}
}

func (s *sessionStore) create(protocolVersion string) *httpSession {
	sess := &httpSession{
		id:              uuid.New().String(),
		protocolVersion: protocolVersion,
		createdAt:       time.Now(),
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	return sess
}

func (s *sessionStore) get(id string) (*httpSession, bool) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	return sess, ok
}

func (s *sessionStore) delete(id string) bool {
	s.mu.Lock()
	_, existed := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	return existed
}

func (s *sessionStore) len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// httpTransport serves the Streamable HTTP flavor of MCP. Server-initiated
// streams are not offered, so GET is refused.
type httpTransport struct {
	server   *mcpServer
	sessions *sessionStore
	logger   *slog.Logger
}

// newHTTPHandler mounts /mcp, /metrics and /healthz.
func newHTTPHandler(srv *mcpServer, gatherer prometheus.Gatherer) http.Handler {
	transport := &httpTransport{
		server:   srv,
		sessions: newSessionStore(),
		logger:   srv.logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/mcp", transport.handleMCP)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok")
	})
	return mux
}

func (t *httpTransport) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		t.handlePost(w, r)
	case http.MethodDelete:
		t.handleDelete(w, r)
	default:
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

func (t *httpTransport) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
		return
	}
	if !t.sessions.delete(sessionID) {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	t.logger.Info("session terminated", "session_id", sessionID)
	w.WriteHeader(http.StatusNoContent)
}

func (t *httpTransport) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize+1))
	if err != nil {
		writeRPC(w, errorResponse(json.RawMessage("null"), &rpcError{Code: codeParseError, Message: "failed to read request body"}))
		return
	}
	if len(body) > maxRequestBodySize {
		writeRPC(w, errorResponse(json.RawMessage("null"), &rpcError{Code: codeInvalidRequest, Message: "request body too large"}))
		return
	}

	var req rpcRequest
	if err := decodeJSON(body, &req); err != nil {
		writeRPC(w, errorResponse(json.RawMessage("null"), &rpcError{Code: codeParseError, Message: "invalid JSON"}))
		return
	}
	if req.JSONRPC != "2.0" {
		writeRPC(w, errorResponse(req.ID, &rpcError{Code: codeInvalidRequest, Message: "invalid JSON-RPC version"}))
		return
	}

	sessionID := r.Header.Get("Mcp-Session-Id")
	isInitialize := req.Method == "initialize"
	if !isInitialize {
		if sessionID == "" {
			http.Error(w, "Bad Request: missing Mcp-Session-Id", http.StatusBadRequest)
			return
		}
		if _, ok := t.sessions.get(sessionID); !ok {
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
	}

	// A dropped client does not abort the backend call; the API client
	// timeout bounds it instead.
	ctx := context.WithoutCancel(r.Context())
	if req.isNotification() {
		t.server.respond(ctx, req)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	response := t.server.respond(ctx, req)
	if isInitialize && response != nil && response.Error == nil {
		sess := t.sessions.create(negotiatedProtocol(response))
		w.Header().Set("Mcp-Session-Id", sess.id)
		t.logger.Info("session created", "session_id", sess.id, "protocol_version", sess.protocolVersion)
	}
	writeRPC(w, response)
}

func negotiatedProtocol(response *rpcResponse) string {
	if result, ok := response.Result.(map[string]any); ok {
		if version, ok := result["protocolVersion"].(string); ok {
			return version
		}
	}
	return mcpProtocolVersion
}

func writeRPC(w http.ResponseWriter, response *rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response)
}

// serveHTTP runs handler on addr until ctx is cancelled, then drains
// in-flight requests.
func serveHTTP(ctx context.Context, addr string, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("shutting down", "addr", addr)
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
