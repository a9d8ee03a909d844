// Package rpc exposes the node's sync protocol over HTTP: change pull and
// push, subscription management, an event stream per subscription, and
// operator diagnostics.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tandemsync/tandem/internal/apply"
	"github.com/tandemsync/tandem/internal/changelog"
	"github.com/tandemsync/tandem/internal/hub"
	"github.com/tandemsync/tandem/internal/mapping"
	"github.com/tandemsync/tandem/internal/types"
)

// HTTPServer serves the sync endpoints for one node.
type HTTPServer struct {
	store    *changelog.Store
	engine   *apply.Engine
	hub      *hub.Hub
	mappings *mapping.Provider

	httpServer *http.Server
	listener   net.Listener
	addr       string
	token      string // Bearer token; empty disables auth
	heartbeat  time.Duration
	mu         sync.RWMutex
}

// NewHTTPServer wires the sync components behind an HTTP listener address.
// token, when non-empty, is required as a Bearer credential on every /sync
// endpoint; /health stays open.
func NewHTTPServer(store *changelog.Store, engine *apply.Engine, h *hub.Hub, mappings *mapping.Provider, addr, token string) *HTTPServer {
	return &HTTPServer{
		store:     store,
		engine:    engine,
		hub:       h,
		mappings:  mappings,
		addr:      addr,
		token:     token,
		heartbeat: 15 * time.Second,
	}
}

// SetHeartbeat overrides the stream heartbeat interval.
func (h *HTTPServer) SetHeartbeat(d time.Duration) {
	if d > 0 {
		h.heartbeat = d
	}
}

// Start listens and serves until ctx is cancelled.
func (h *HTTPServer) Start(ctx context.Context) error {
	// No global write timeout: /sync/stream responses stay open for the
	// life of the subscription.
	h.httpServer = &http.Server{
		Handler:           h.Handler(),
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", h.addr, err)
	}
	h.mu.Lock()
	h.listener = ln
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.httpServer.Shutdown(shutdownCtx)
	}()

	err = h.httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler builds the route mux. Exposed for tests.
func (h *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/sync/state", h.handleState)
	mux.HandleFunc("/sync/changes", h.handleChanges)
	mux.HandleFunc("/sync/subscribe", h.handleSubscribe)
	mux.HandleFunc("/sync/subscribe/", h.handleUnsubscribe)
	mux.HandleFunc("/sync/stream/", h.handleStream)
	mux.HandleFunc("/sync/diagnostics", h.handleDiagnostics)
	return mux
}

// Addr returns the bound listen address.
func (h *HTTPServer) Addr() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.listener != nil {
		return h.listener.Addr().String()
	}
	return h.addr
}

func (h *HTTPServer) authorized(w http.ResponseWriter, r *http.Request) bool {
	if h.token == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") || strings.TrimPrefix(header, "Bearer ") != h.token {
		h.writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
		return false
	}
	return true
}

func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	resp := HealthResponse{Status: "healthy"}
	if origin, err := h.store.Origin(r.Context()); err == nil {
		resp.Origin = origin
	} else {
		resp.Status = "degraded"
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPServer) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !h.authorized(w, r) {
		return
	}
	origin, err := h.store.Origin(r.Context())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, StateResponse{
		OriginID:         origin,
		ConnectedClients: h.hub.ConnectedClients(),
	})
}

func (h *HTTPServer) handleChanges(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(w, r) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		h.handleFetchChanges(w, r)
	case http.MethodPost:
		h.handlePushChanges(w, r)
	default:
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (h *HTTPServer) handleFetchChanges(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var fromVersion int64
	if s := q.Get("fromVersion"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil || v < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid fromVersion")
			return
		}
		fromVersion = v
	}
	limit := 0
	if s := q.Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			h.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = v
	}
	excludeOrigin := q.Get("excludeOrigin")

	entries, hasMore, err := h.store.FetchChanges(r.Context(), fromVersion, limit, excludeOrigin)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := ChangesResponse{
		Changes:     entries,
		FromVersion: fromVersion,
		ToVersion:   fromVersion,
		HasMore:     hasMore,
	}
	if len(entries) > 0 {
		resp.ToVersion = entries[len(entries)-1].Version
	}
	if resp.Changes == nil {
		resp.Changes = []types.ChangeEntry{}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPServer) handlePushChanges(w http.ResponseWriter, r *http.Request) {
	var req PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	if req.OriginID == "" {
		h.writeError(w, http.StatusBadRequest, "missing originId")
		return
	}
	for _, entry := range req.Changes {
		if err := entry.Validate(); err != nil {
			h.writeError(w, http.StatusBadRequest, fmt.Sprintf("entry %d: %v", entry.Version, err))
			return
		}
	}

	// Pushed entries arrive already mapped by the sender. A registered peer
	// with the claimed origin scopes the conflict window; unknown origins
	// fall back to full last-writer-wins.
	peerID, err := h.peerForOrigin(r.Context(), req.OriginID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	res, err := h.engine.ApplyBatch(r.Context(), peerID, req.Changes, h.mappings.Current().ServerWinsTables())
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	log.Printf("rpc: push from %s: %d applied, %d skipped, %d deferred",
		req.OriginID, res.Applied, res.Skipped, res.Deferred)
	h.writeJSON(w, http.StatusOK, PushResponse{Applied: res.Applied})
}

func (h *HTTPServer) peerForOrigin(ctx context.Context, origin string) (string, error) {
	peers, err := h.store.ListPeers(ctx)
	if err != nil {
		return "", err
	}
	for _, p := range peers {
		if p.Origin == origin {
			return p.ID, nil
		}
	}
	return "", nil
}

func (h *HTTPServer) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !h.authorized(w, r) {
		return
	}
	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}

	var keys []string
	if req.Filter != nil {
		keys = req.Filter.RecordKeys
	}
	sub, err := h.hub.Subscribe(hub.Kind(req.Type), req.TableName, keys, req.OriginID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// No stream is attached yet; the linger clock gives the client its
	// window to open /sync/stream/{id}.
	h.hub.Detach(sub.ID)

	h.writeJSON(w, http.StatusOK, SubscribeResponse{
		SubscriptionID: sub.ID,
		Type:           string(sub.Kind),
		TableName:      sub.Table,
	})
}

func (h *HTTPServer) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !h.authorized(w, r) {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/sync/subscribe/")
	if id == "" || strings.Contains(id, "/") {
		h.writeError(w, http.StatusBadRequest, "missing subscription id")
		return
	}
	if !h.hub.Unsubscribe(id) {
		h.writeError(w, http.StatusNotFound, "unknown subscription "+id)
		return
	}
	h.writeJSON(w, http.StatusOK, UnsubscribeResponse{Deleted: id})
}

func (h *HTTPServer) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !h.authorized(w, r) {
		return
	}

	resp := DiagnosticsResponse{
		HashMismatches: h.engine.Mismatches(),
		DeferredCount:  h.engine.DeferredCount(),
		GeneratedAt:    time.Now().UTC(),
	}
	for _, o := range h.engine.Unresolved() {
		diag := UnresolvedDiagnostic{
			Version:       o.Entry.Version,
			Table:         o.Entry.TableName,
			PkValue:       o.Entry.PkValue,
			MissingParent: o.MissingParent,
		}
		if o.Err != nil {
			diag.Error = o.Err.Error()
		}
		resp.Unresolved = append(resp.Unresolved, diag)
	}
	if peers, err := h.store.ListPeers(r.Context()); err == nil {
		for _, p := range peers {
			if p.Quarantined {
				resp.QuarantinedPeers = append(resp.QuarantinedPeers, p.ID)
			}
		}
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("rpc: write response: %v", err)
	}
}

func (h *HTTPServer) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, ErrorResponse{Error: msg})
}
