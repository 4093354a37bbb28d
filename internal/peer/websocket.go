package peer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

const (
	// DefaultPeerPath is the endpoint responders accept connections on.
	DefaultPeerPath = "/peer"

	// DeviceHeader carries the dialing device's id.
	DeviceHeader = "X-Workplans-Device"

	sendTimeout = 5 * time.Second
	readLimit   = 1 << 20
)

// WebSocketConfig holds configuration for a WebSocketTransport.
type WebSocketConfig struct {
	// LocalID is this device's id, sent to responders when dialing.
	LocalID string

	// ListenAddr to accept connections on. Port 0 picks a free port.
	ListenAddr string

	// AdvertiseAddr overrides the host:port put in Addr, for listeners
	// bound to a wildcard address.
	AdvertiseAddr string

	// DialTimeout bounds connection establishment (default: 10s)
	DialTimeout time.Duration

	// Logger for transport activity (default: stderr logger)
	Logger *log.Logger
}

// WebSocketTransport connects devices directly over websockets. Every
// device listens on its own endpoint; the initiator dials the address the
// responder advertised, and the responder only accepts a connection from a
// device it registered as expected.
type WebSocketTransport struct {
	cfg      WebSocketConfig
	listener net.Listener
	server   *http.Server

	mu      sync.Mutex
	pending map[string]*wsConn
	conns   map[*wsConn]struct{}
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewWebSocketTransport starts listening on cfg.ListenAddr.
func NewWebSocketTransport(cfg WebSocketConfig) (*WebSocketTransport, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[peer] ", log.LstdFlags)
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:0"
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &WebSocketTransport{
		cfg:      cfg,
		listener: ln,
		pending:  make(map[string]*wsConn),
		conns:    make(map[*wsConn]struct{}),
		ctx:      ctx,
		cancel:   cancel,
		logger:   cfg.Logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(DefaultPeerPath, t.handlePeer)
	t.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Printf("Server error: %v", err)
		}
	}()

	return t, nil
}

// Addr implements Transport.
func (t *WebSocketTransport) Addr() string {
	host := t.cfg.AdvertiseAddr
	if host == "" {
		host = t.listener.Addr().String()
	}
	return "ws://" + host + DefaultPeerPath
}

// Connect implements Transport.
func (t *WebSocketTransport) Connect(_ context.Context, remote Remote, initiator bool, events Events) (Conn, error) {
	ctx, cancel := context.WithCancel(t.ctx)
	c := &wsConn{
		transport: t,
		remote:    remote,
		events:    events,
		d:         newDispatcher(),
		ctx:       ctx,
		cancel:    cancel,
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		cancel()
		return nil, ErrTransportClosed
	}
	t.conns[c] = struct{}{}
	var replaced *wsConn
	if !initiator {
		replaced = t.pending[remote.ID]
		t.pending[remote.ID] = c
	}
	t.mu.Unlock()

	if replaced != nil {
		_ = replaced.Close()
	}

	c.d.post(func() { events.state(StateConnecting) })

	if initiator {
		if remote.Addr == "" {
			c.fail(fmt.Errorf("no address advertised by %s", remote.ID))
			return c, nil
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			c.dial()
		}()
	}
	return c, nil
}

// Close implements Transport.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := make([]*wsConn, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	t.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := t.server.Shutdown(ctx)

	t.wg.Wait()
	if err != nil {
		return fmt.Errorf("peer transport shutdown error: %w", err)
	}
	return nil
}

func (t *WebSocketTransport) handlePeer(w http.ResponseWriter, r *http.Request) {
	id := r.Header.Get(DeviceHeader)

	t.mu.Lock()
	c := t.pending[id]
	delete(t.pending, id)
	t.mu.Unlock()

	if c == nil {
		http.Error(w, ErrNoPendingPeer.Error(), http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		c.fail(fmt.Errorf("websocket upgrade failed: %w", err))
		return
	}

	if c.attach(conn) {
		c.readLoop()
	}
}

func (t *WebSocketTransport) forget(c *wsConn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.conns, c)
	if t.pending[c.remote.ID] == c {
		delete(t.pending, c.remote.ID)
	}
}

// wsConn is both the Conn and, once attached, its Channel.
type wsConn struct {
	transport *WebSocketTransport
	remote    Remote
	events    Events
	d         *dispatcher

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	ws     *websocket.Conn
	closed bool

	open    atomic.Bool
	writeMu sync.Mutex
}

func (c *wsConn) dial() {
	ctx, cancel := context.WithTimeout(c.ctx, c.transport.cfg.DialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, c.remote.Addr, &websocket.DialOptions{
		HTTPHeader: http.Header{DeviceHeader: []string{c.transport.cfg.LocalID}},
	})
	if err != nil {
		c.fail(fmt.Errorf("failed to dial %s: %w", c.remote.Addr, err))
		return
	}

	if c.attach(conn) {
		c.readLoop()
	}
}

// attach adopts conn unless the connection was closed meanwhile.
func (c *wsConn) attach(conn *websocket.Conn) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.CloseNow()
		return false
	}
	c.ws = conn
	c.mu.Unlock()

	conn.SetReadLimit(readLimit)
	c.open.Store(true)
	c.d.post(func() {
		c.events.state(StateConnected)
		c.events.open(c)
	})
	return true
}

func (c *wsConn) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.transport.logger.Printf("Connection to %s failed: %v", c.remote.ID, err)
	c.transport.forget(c)
	c.cancel()
	c.d.finish(func() { c.events.state(StateFailed) })
}

func (c *wsConn) readLoop() {
	for {
		typ, data, err := c.ws.Read(c.ctx)
		if err != nil {
			c.open.Store(false)

			c.mu.Lock()
			local := c.closed
			c.closed = true
			c.mu.Unlock()

			c.transport.forget(c)
			c.cancel()
			if !local {
				c.d.post(func() { c.events.state(StateDisconnected) })
			}
			c.d.finish(func() { c.events.closed() })
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		c.d.post(func() { c.events.message(data) })
	}
}

func (c *wsConn) Channel() Channel {
	if !c.open.Load() {
		return nil
	}
	return c
}

func (c *wsConn) Send(data []byte) error {
	if !c.open.Load() {
		return ErrChannelClosed
	}

	ctx, cancel := context.WithTimeout(c.ctx, sendTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to send to %s: %w", c.remote.ID, err)
	}
	return nil
}

func (c *wsConn) IsOpen() bool {
	return c.open.Load()
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.mu.Unlock()

	c.open.Store(false)
	c.transport.forget(c)

	if ws == nil {
		c.cancel()
		c.d.finish(func() { c.events.state(StateClosed) })
		return nil
	}

	// The read loop observes the close and reports OnClose.
	_ = ws.Close(websocket.StatusNormalClosure, "")
	c.cancel()
	return nil
}
