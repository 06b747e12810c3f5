// Package server is a reference implementation of the notes API.
//
// It serves the REST endpoints under /api, a websocket hub at /ws that
// broadcasts a note-update frame after every successful write, and /health.
// Notes are kept in a Store: in memory by default, or in a libSQL database.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/mschirtzinger/notesync/internal/notes/realtime"
)

// Server manages the notes API and websocket connections.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server
	store    Store
	now      func() time.Time

	// WebSocket client management
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	// Frame broadcasting
	broadcast chan realtime.Frame

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Config holds server configuration
type Config struct {
	// Addr to listen on (default: ":3000")
	Addr string

	// Store for notes (default: a new MemoryStore)
	Store Store

	// Now is the clock used for soft deletes (default: time.Now)
	Now func() time.Time

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Addr:   ":3000",
		Logger: log.New(os.Stderr, "[server] ", log.LstdFlags),
	}
}

// NewServer creates a new notes server
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Addr == "" {
		config.Addr = ":3000"
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[server] ", log.LstdFlags)
	}
	if config.Store == nil {
		config.Store = NewMemoryStore()
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      config.Addr,
		store:     config.Store,
		now:       config.Now,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan realtime.Frame, 256),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Handler returns the HTTP routes. Start serves them; tests may mount them
// on an httptest server after calling StartBroadcast.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/notes", s.handleList)
	mux.HandleFunc("POST /api/notes", s.handleCreate)
	mux.HandleFunc("GET /api/notes/{uid}", s.handleGet)
	mux.HandleFunc("PUT /api/notes/{uid}", s.handleUpdate)
	mux.HandleFunc("DELETE /api/notes/{uid}", s.handleDelete)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// StartBroadcast starts delivering broadcast frames to websocket clients.
// Start calls it; call it directly only when serving Handler yourself.
func (s *Server) StartBroadcast() {
	s.wg.Add(1)
	go s.broadcastLoop()
}

// Start begins the HTTP server and websocket hub
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: websocket connections are long-lived.
	}

	s.StartBroadcast()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Notes server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	s.logger.Println("Stopping notes server")

	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()

	if err := s.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}

	s.logger.Println("Notes server stopped")
	return nil
}

// Broadcast queues a note-update event for every connected client
func (s *Server) Broadcast(ev realtime.Event) {
	frame := realtime.Frame{Event: realtime.EventName, Data: ev}
	select {
	case s.broadcast <- frame:
	case <-s.ctx.Done():
	default:
		s.logger.Println("Warning: broadcast channel full, dropping frame")
	}
}

// broadcastLoop handles frame broadcasting to all clients
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case frame := <-s.broadcast:
			data, err := json.Marshal(frame)
			if err != nil {
				s.logger.Printf("Failed to marshal frame: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.logger.Printf("Failed to send to client: %v", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

// handleWebSocket upgrades HTTP connections to WebSocket
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Client connected (total: %d)", clientCount)

	go s.readLoop(conn)
}

// readLoop notices client disconnects. Clients send nothing.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

// removeClient safely removes a client connection
func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Client disconnected (total: %d)", clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

// GetAddr returns the server's listening address
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// APIURL returns the base URL of the REST API, e.g. http://127.0.0.1:3000/api
func (s *Server) APIURL() string {
	return "http://" + s.GetAddr() + "/api"
}

// ClientCount returns the current number of connected clients
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
