// Package observer exposes the running system to humans and dashboards:
// an HTTP API over the fleet and the order book, plus a WebSocket stream
// of market and agent events.
package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arbnet/arbnet-go/internal/manager"
	"github.com/arbnet/arbnet-go/internal/market"
)

const (
	wsReadDeadline = 60 * time.Second
	wsPingInterval = 10 * time.Second
)

// Config configures the observer server.
type Config struct {
	Port   int    `json:"port"`
	APIKey string `json:"apiKey"`
}

// Server is the read-only operations surface. It never mutates the
// marketplace or the fleet.
type Server struct {
	cfg     Config
	mgr     *manager.Manager
	mkt     *market.Marketplace
	started time.Time

	wsMu    sync.Mutex
	wsConns map[*wsConn]bool

	mux *http.ServeMux
	srv *http.Server
}

// New creates an observer over the given manager and marketplace and
// wires itself into their event streams.
func New(cfg Config, mgr *manager.Manager, mkt *market.Marketplace) *Server {
	s := &Server{
		cfg:     cfg,
		mgr:     mgr,
		mkt:     mkt,
		started: time.Now(),
		wsConns: make(map[*wsConn]bool),
		mux:     http.NewServeMux(),
	}

	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/api/status", s.withAuth(s.handleStatus))
	s.mux.HandleFunc("/api/bids", s.withAuth(s.handleBids))
	s.mux.HandleFunc("/api/matches", s.withAuth(s.handleMatches))
	s.mux.HandleFunc("/api/negotiations", s.withAuth(s.handleNegotiations))
	s.mux.HandleFunc("/api/stats", s.withAuth(s.handleStats))

	if mkt != nil {
		mkt.OnEvent(func(ev market.Event) {
			s.broadcast(map[string]any{
				"type":        "market",
				"event":       string(ev.Type),
				"bid":         ev.Bid,
				"match":       ev.Match,
				"negotiation": ev.Negotiation,
				"timestamp":   time.Now(),
			})
		})
	}
	if mgr != nil {
		mgr.OnEvent(func(ev manager.Event) {
			s.broadcast(map[string]any{
				"type":      "fleet",
				"event":     ev.Type,
				"agentId":   ev.AgentID,
				"data":      ev.Data,
				"timestamp": ev.Timestamp,
			})
		})
	}
	return s
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:    fmt.Sprintf("0.0.0.0:%d", s.cfg.Port),
		Handler: s.mux,
	}

	log.Printf("[Observer] ✅ HTTP API → http://0.0.0.0:%d", s.cfg.Port)
	log.Printf("[Observer] ✅ Event stream → ws://0.0.0.0:%d/ws", s.cfg.Port)

	go s.pingLoop(ctx)
	go func() {
		<-ctx.Done()
		s.closeAllWS()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
	}()

	if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the server down without waiting for ctx.
func (s *Server) Stop() {
	if s.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(ctx)
	}
	s.closeAllWS()
}

func (s *Server) withAuth(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey != "" {
			auth := r.Header.Get("Authorization")
			if auth != "Bearer "+s.cfg.APIKey {
				http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
				return
			}
		}
		handler(w, r)
	}
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]any{
		"status": "ok",
		"uptime": int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	status := map[string]any{
		"uptime": int(time.Since(s.started).Seconds()),
	}
	if s.mgr != nil {
		status["agents"] = s.mgr.AgentIDs()
		status["agentCount"] = s.mgr.Count()
	}
	if s.mkt != nil {
		status["market"] = s.mkt.Stats()
	}
	writeJSON(w, status)
}

func (s *Server) handleBids(w http.ResponseWriter, _ *http.Request) {
	if s.mkt == nil {
		writeJSON(w, map[string]any{"bids": []any{}, "total": 0})
		return
	}
	bids := s.mkt.Bids()
	writeJSON(w, map[string]any{"bids": bids, "total": len(bids)})
}

func (s *Server) handleMatches(w http.ResponseWriter, _ *http.Request) {
	if s.mkt == nil {
		writeJSON(w, map[string]any{"matches": []any{}, "total": 0})
		return
	}
	matches := s.mkt.Matches()
	writeJSON(w, map[string]any{"matches": matches, "total": len(matches)})
}

func (s *Server) handleNegotiations(w http.ResponseWriter, _ *http.Request) {
	if s.mkt == nil {
		writeJSON(w, map[string]any{"negotiations": []any{}, "total": 0})
		return
	}
	negs := s.mkt.Negotiations()
	writeJSON(w, map[string]any{"negotiations": negs, "total": len(negs)})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	if s.mkt == nil {
		writeJSON(w, market.Stats{})
		return
	}
	writeJSON(w, s.mkt.Stats())
}

// --- WebSocket event stream ---

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn wraps a websocket.Conn with a write mutex; gorilla/websocket
// does NOT support concurrent writes.
type wsConn struct {
	*websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) WriteJSONSafe(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteJSON(v)
}

func (c *wsConn) WritePing() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(websocket.PingMessage, nil)
}

func (c *wsConn) WriteCloseSafe(code int, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text))
}

// handleWS upgrades the connection and streams JSON event frames until
// the client goes away. Clients only listen; inbound frames just extend
// the read deadline.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	raw, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Observer] ⚠️ Upgrade failed: %v", err)
		return
	}

	conn := &wsConn{Conn: raw}
	peer := r.RemoteAddr
	log.Printf("[Observer] 🔗 Connected: %s", peer)

	s.wsMu.Lock()
	s.wsConns[conn] = true
	s.wsMu.Unlock()

	defer func() {
		raw.Close()
		s.wsMu.Lock()
		delete(s.wsConns, conn)
		s.wsMu.Unlock()
		log.Printf("[Observer] 🔌 Disconnected: %s", peer)
	}()

	raw.SetReadDeadline(time.Now().Add(wsReadDeadline))
	raw.SetPongHandler(func(string) error {
		raw.SetReadDeadline(time.Now().Add(wsReadDeadline))
		return nil
	})

	for {
		if _, _, err := raw.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[Observer] ⚠️ %s: %v", peer, err)
			}
			return
		}
		raw.SetReadDeadline(time.Now().Add(wsReadDeadline))
	}
}

// broadcast sends one event frame to every connected client, dropping
// connections whose writes fail.
func (s *Server) broadcast(frame map[string]any) {
	s.wsMu.Lock()
	if len(s.wsConns) == 0 {
		s.wsMu.Unlock()
		return
	}
	conns := make([]*wsConn, 0, len(s.wsConns))
	for c := range s.wsConns {
		conns = append(conns, c)
	}
	s.wsMu.Unlock()

	var dead []*wsConn
	for _, c := range conns {
		if err := c.WriteJSONSafe(frame); err != nil {
			dead = append(dead, c)
		}
	}
	if len(dead) > 0 {
		s.wsMu.Lock()
		for _, c := range dead {
			delete(s.wsConns, c)
			c.Close()
		}
		s.wsMu.Unlock()
	}
}

// pingLoop keeps idle streams alive with WS-level pings.
func (s *Server) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.wsMu.Lock()
			conns := make([]*wsConn, 0, len(s.wsConns))
			for c := range s.wsConns {
				conns = append(conns, c)
			}
			s.wsMu.Unlock()

			var dead []*wsConn
			for _, c := range conns {
				if err := c.WritePing(); err != nil {
					dead = append(dead, c)
				}
			}
			if len(dead) > 0 {
				s.wsMu.Lock()
				for _, c := range dead {
					delete(s.wsConns, c)
					c.Close()
				}
				s.wsMu.Unlock()
			}
		}
	}
}

// closeAllWS closes every stream (called on shutdown).
func (s *Server) closeAllWS() {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	for c := range s.wsConns {
		c.WriteCloseSafe(websocket.CloseGoingAway, "server shutdown")
		c.Close()
		delete(s.wsConns, c)
	}
}

// ConnectionCount returns the number of active event-stream clients.
func (s *Server) ConnectionCount() int {
	s.wsMu.Lock()
	defer s.wsMu.Unlock()
	return len(s.wsConns)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
