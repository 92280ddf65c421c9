// Package websocket pushes navigation updates to connected clients.
package websocket

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yegors/safewalk/pkg/logger"
	"golang.org/x/net/websocket"
)

// Message is the envelope sent to clients
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type client struct {
	id   uint64
	conn *websocket.Conn
	send chan *Message
}

// Server tracks websocket clients and broadcasts messages to them. A client
// that cannot keep up loses messages instead of slowing the others down.
type Server struct {
	mu      sync.RWMutex
	clients map[uint64]*client
	nextID  atomic.Uint64

	allowedOrigins []string
	bufferSize     int
	writeTimeout   time.Duration
	logger         *logger.Logger
}

// NewServer creates a new websocket server. Handshakes from an Origin not in
// allowedOrigins are refused; an empty list or "*" accepts every origin.
func NewServer(allowedOrigins []string, log *logger.Logger) *Server {
	return &Server{
		clients:        make(map[uint64]*client),
		allowedOrigins: allowedOrigins,
		bufferSize:     64,
		writeTimeout:   5 * time.Second,
		logger:         log.Named("websocket"),
	}
}

// HandleWebSocket upgrades the request and serves the client until it
// disconnects.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	srv := websocket.Server{
		Handshake: s.checkOrigin,
		Handler:   s.serve,
	}
	srv.ServeHTTP(w, r)
}

// checkOrigin rejects the handshake with 403 unless the Origin is allowed
func (s *Server) checkOrigin(_ *websocket.Config, r *http.Request) error {
	origin := r.Header.Get("Origin")
	if len(s.allowedOrigins) == 0 {
		return nil
	}
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return nil
		}
	}

	s.logger.Warn("Websocket origin refused",
		logger.String("origin", origin),
		logger.String("remote_addr", r.RemoteAddr))
	return fmt.Errorf("origin %q not allowed", origin)
}

func (s *Server) serve(conn *websocket.Conn) {
	c := &client{
		id:   s.nextID.Add(1),
		conn: conn,
		send: make(chan *Message, s.bufferSize),
	}

	s.mu.Lock()
	s.clients[c.id] = c
	count := len(s.clients)
	s.mu.Unlock()

	s.logger.Info("Client connected",
		logger.Uint64("client_id", c.id),
		logger.String("remote_addr", conn.Request().RemoteAddr),
		logger.Int("clients", count))

	done := make(chan struct{})
	go s.readLoop(c, done)
	s.writeLoop(c, done)

	s.mu.Lock()
	delete(s.clients, c.id)
	count = len(s.clients)
	s.mu.Unlock()
	conn.Close()

	s.logger.Info("Client disconnected", logger.Uint64("client_id", c.id), logger.Int("clients", count))
}

// readLoop discards inbound frames and reports when the peer goes away
func (s *Server) readLoop(c *client, done chan<- struct{}) {
	defer close(done)
	var discard string
	for {
		if err := websocket.Message.Receive(c.conn, &discard); err != nil {
			return
		}
	}
}

func (s *Server) writeLoop(c *client, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := websocket.JSON.Send(c.conn, msg); err != nil {
				s.logger.Debug("Write failed", logger.Uint64("client_id", c.id), logger.Error(err))
				return
			}
		}
	}
}

// Broadcast queues msg for every connected client without blocking
func (s *Server) Broadcast(msg *Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.clients {
		select {
		case c.send <- msg:
		default:
			s.logger.Warn("Client buffer full, dropping message",
				logger.Uint64("client_id", c.id),
				logger.String("type", msg.Type))
		}
	}
}

// ClientCount returns the number of connected clients
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
