package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// DefaultRelayPath is the websocket endpoint served by RelayServer.
const DefaultRelayPath = "/bus"

// frame is one text message received from a client, forwarded to every
// other client.
type frame struct {
	from *websocket.Conn
	data []byte
}

// relayClient is one connected websocket with its own send queue, so a
// slow reader only loses its own frames.
type relayClient struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
}

// RelayServerConfig holds relay configuration.
type RelayServerConfig struct {
	// Addr to listen on, e.g. "127.0.0.1:7420". Port 0 picks a free port.
	Addr string

	// Logger for relay activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultRelayServerConfig returns sensible defaults.
func DefaultRelayServerConfig() *RelayServerConfig {
	return &RelayServerConfig{
		Addr:   "127.0.0.1:7420",
		Logger: log.New(os.Stderr, "[relay] ", log.LstdFlags),
	}
}

// RelayServer is a rendezvous hub for the signaling bus. It keeps no state
// besides the set of connected clients and forwards every frame it
// receives to all other clients.
type RelayServer struct {
	addr     string
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]*relayClient
	clientsMu sync.RWMutex

	frames chan frame

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewRelayServer creates a relay. Start must be called to begin serving.
func NewRelayServer(config *RelayServerConfig) *RelayServer {
	if config == nil {
		config = DefaultRelayServerConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[relay] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &RelayServer{
		addr:    config.Addr,
		clients: make(map[*websocket.Conn]*relayClient),
		frames:  make(chan frame, queueSize),
		ctx:     ctx,
		cancel:  cancel,
		logger:  config.Logger,
	}
}

// Handler returns the HTTP handler serving the relay endpoints. It is
// exposed so the relay can be mounted on an existing server.
func (s *RelayServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(DefaultRelayPath, s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start begins the HTTP server and the forwarding loop.
func (s *RelayServer) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.StartForwarding()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Relay listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// StartForwarding runs only the forwarding loop, for relays mounted with
// Handler on an externally managed server.
func (s *RelayServer) StartForwarding() {
	s.wg.Add(1)
	go s.forwardLoop()
}

// Stop closes every client and shuts the server down.
func (s *RelayServer) Stop() error {
	s.logger.Println("Stopping relay")

	s.cancel()

	s.clientsMu.Lock()
	for conn, c := range s.clients {
		close(c.done)
		_ = conn.Close(websocket.StatusGoingAway, "relay shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("relay shutdown error: %w", err)
		}
	}

	s.wg.Wait()
	s.logger.Println("Relay stopped")
	return nil
}

// forwardLoop queues each frame for every client except its origin. It
// never blocks on a client: a full queue drops the frame for that client.
func (s *RelayServer) forwardLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case f := <-s.frames:
			s.clientsMu.RLock()
			for conn, c := range s.clients {
				if conn == f.from {
					continue
				}
				select {
				case c.send <- f.data:
				default:
					s.logger.Println("Warning: client queue full, dropping frame")
				}
			}
			s.clientsMu.RUnlock()
		}
	}
}

// writeLoop drains the send queue of c until it disconnects.
func (s *RelayServer) writeLoop(c *relayClient) {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-c.done:
			return

		case data := <-c.send:
			ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
			err := c.conn.Write(ctx, websocket.MessageText, data)
			cancel()

			if err != nil {
				s.logger.Printf("Failed to forward to client: %v", err)
				s.removeClient(c.conn)
				return
			}
		}
	}
}

func (s *RelayServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	c := &relayClient{
		conn: conn,
		send: make(chan []byte, queueSize),
		done: make(chan struct{}),
	}

	s.clientsMu.Lock()
	if s.ctx.Err() != nil {
		s.clientsMu.Unlock()
		_ = conn.Close(websocket.StatusGoingAway, "relay shutting down")
		return
	}
	s.clients[conn] = c
	clientCount := len(s.clients)
	s.wg.Add(1)
	s.clientsMu.Unlock()

	go s.writeLoop(c)

	s.logger.Printf("Client connected (total: %d)", clientCount)

	s.readLoop(conn)
}

// readLoop queues every text frame from conn until it disconnects.
func (s *RelayServer) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		typ, data, err := conn.Read(s.ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		select {
		case s.frames <- frame{from: conn, data: data}:
		case <-s.ctx.Done():
			return
		default:
			s.logger.Println("Warning: relay queue full, dropping frame")
		}
	}
}

func (s *RelayServer) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if c, exists := s.clients[conn]; exists {
		close(c.done)
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Client disconnected (total: %d)", clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}

func (s *RelayServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

// Addr returns the listening address.
func (s *RelayServer) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// URL returns the websocket URL clients should dial.
func (s *RelayServer) URL() string {
	return "ws://" + s.Addr() + DefaultRelayPath
}

// ClientCount returns the number of connected clients.
func (s *RelayServer) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
