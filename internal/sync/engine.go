package sync

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	gosync "sync"
	"time"

	"github.com/ThymoBruce/workplans/internal/bus"
	"github.com/ThymoBruce/workplans/internal/device"
	"github.com/ThymoBruce/workplans/internal/peer"
	"github.com/ThymoBruce/workplans/internal/protocol"
	"github.com/ThymoBruce/workplans/internal/schedule"
)

// Config holds configuration for the sync engine.
type Config struct {
	// DiscoveryInterval is how often an enabled engine re-announces itself
	DiscoveryInterval time.Duration

	// NegotiationTimeout bounds how long a peer may stay negotiating
	NegotiationTimeout time.Duration

	// Logger for sync activity
	Logger *log.Logger

	// Now returns the current time (default: time.Now)
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DiscoveryInterval:  10 * time.Second,
		NegotiationTimeout: 20 * time.Second,
		Logger:             log.New(os.Stderr, "[sync] ", log.LstdFlags),
		Now:                time.Now,
	}
}

// engine implements the Engine interface.
type engine struct {
	identity  device.Identity
	bus       bus.Bus
	transport peer.Transport
	provider  SnapshotProvider
	config    *Config

	mu        gosync.Mutex
	enabled   bool
	closed    bool
	peers     *peerTable
	trusted   map[string]struct{}
	listeners []Listener

	// discoveryStop ends the current discovery loop; discoveryDone is
	// closed once it has returned.
	discoveryStop chan struct{}
	discoveryDone chan struct{}

	unsubscribe func()
	ctx         context.Context
	cancel      context.CancelFunc
}

// New creates a disabled engine for identity. Bus traffic is handled from
// the start; discovery and connection establishment begin with Enable.
//
// If config is nil, DefaultConfig is used.
func New(identity device.Identity, b bus.Bus, transport peer.Transport, provider SnapshotProvider, config *Config) (Engine, error) {
	if identity.ID == "" {
		return nil, fmt.Errorf("identity cannot be empty")
	}
	if b == nil {
		return nil, fmt.Errorf("bus cannot be nil")
	}
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if provider == nil {
		return nil, fmt.Errorf("snapshot provider cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &engine{
		identity:  identity,
		bus:       b,
		transport: transport,
		provider:  provider,
		config:    config,
		peers:     newPeerTable(),
		trusted:   make(map[string]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
	e.unsubscribe = b.Subscribe(e.handle)
	return e, nil
}

// Enable implements Engine.
func (e *engine) Enable() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.enabled || e.closed {
		return
	}
	e.enabled = true
	e.discoveryStop = make(chan struct{})
	e.discoveryDone = make(chan struct{})

	go e.discoveryLoop(e.discoveryStop, e.discoveryDone)
	e.config.Logger.Println("Sync enabled")
}

// Disable implements Engine.
func (e *engine) Disable() {
	e.mu.Lock()
	if !e.enabled {
		e.mu.Unlock()
		return
	}
	e.enabled = false
	stop, done := e.discoveryStop, e.discoveryDone
	e.discoveryStop, e.discoveryDone = nil, nil

	removed := e.peers.drain()
	for _, p := range removed {
		p.state = PeerDisconnected
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	listeners := e.listenersLocked()
	e.mu.Unlock()

	close(stop)
	<-done

	for _, p := range removed {
		if p.conn != nil {
			_ = p.conn.Close()
		}
	}
	for _, p := range removed {
		for _, l := range listeners {
			l.DeviceDisconnected(p.id)
		}
	}
	e.config.Logger.Printf("Sync disabled (%d peers dropped)", len(removed))
}

// IsEnabled implements Engine.
func (e *engine) IsEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.enabled
}

// BroadcastUpdate implements Engine.
func (e *engine) BroadcastUpdate(snap schedule.Snapshot) {
	e.mu.Lock()
	if !e.enabled {
		e.mu.Unlock()
		return
	}
	type target struct {
		id string
		ch peer.Channel
	}
	var targets []target
	e.peers.each(func(p *peerEntry) {
		if p.state == PeerConnected && p.channel != nil && p.channel.IsOpen() {
			targets = append(targets, target{p.id, p.channel})
		}
	})
	e.mu.Unlock()

	if len(targets) == 0 {
		return
	}

	data, err := protocol.Encode(&protocol.SyncUpdate{Header: e.header(), Data: snap})
	if err != nil {
		e.config.Logger.Printf("Warning: failed to encode update: %v", err)
		return
	}
	for _, t := range targets {
		if err := t.ch.Send(data); err != nil {
			e.config.Logger.Printf("Warning: failed to send update to %s: %v", t.id, err)
		}
	}
}

// SetTrustedPeers implements Engine.
func (e *engine) SetTrustedPeers(ids []string) {
	trusted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		trusted[id] = struct{}{}
	}

	e.mu.Lock()
	e.trusted = trusted
	e.mu.Unlock()
}

// TrustedPeers implements Engine.
func (e *engine) TrustedPeers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]string, 0, len(e.trusted))
	for id := range e.trusted {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsTrusted implements Engine.
func (e *engine) IsTrusted(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.trusted[id]
	return ok
}

// ConnectedPeers implements Engine.
func (e *engine) ConnectedPeers() []PeerInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peers.list(func(p *peerEntry) bool { return p.state == PeerConnected })
}

// Peers implements Engine.
func (e *engine) Peers() []PeerInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peers.list(func(*peerEntry) bool { return true })
}

// AddListener implements Engine.
func (e *engine) AddListener(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

// Identity implements Engine.
func (e *engine) Identity() device.Identity {
	return e.identity
}

// Close implements Engine.
func (e *engine) Close() error {
	e.Disable()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.unsubscribe()
	e.cancel()
	return nil
}

func (e *engine) discoveryLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.config.DiscoveryInterval)
	defer ticker.Stop()

	for {
		e.publish(&protocol.DeviceDiscovery{Header: e.header(), Addr: e.transport.Addr()})

		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

func (e *engine) handle(msg protocol.Message) {
	if msg.Sender().SenderID == e.identity.ID {
		return
	}

	switch m := msg.(type) {
	case *protocol.DeviceDiscovery:
		e.handleDiscovery(m)
	case *protocol.DeviceResponse:
		e.handleResponse(m)
	case *protocol.LinkRequest, *protocol.LinkResponse, *protocol.LinkConfirm, *protocol.DevicePing:
		// Pairing traffic.
	case *protocol.SyncRequest, *protocol.SyncResponse, *protocol.SyncUpdate:
		e.config.Logger.Printf("Ignoring %s from %s on the bus", m.Type(), m.Sender().SenderID)
	}
}

func (e *engine) handleDiscovery(m *protocol.DeviceDiscovery) {
	e.mu.Lock()
	if !e.enabled {
		e.mu.Unlock()
		return
	}
	var p *peerEntry
	if _, known := e.peers.get(m.SenderID); !known {
		p = e.registerLocked(m.SenderID, m.SenderName, m.Addr, false)
	}
	e.mu.Unlock()

	// The responder slot must exist before the initiator can see our
	// answer and dial.
	if p != nil {
		e.connect(p)
	}
	if !e.IsEnabled() {
		return
	}
	e.publish(&protocol.DeviceResponse{
		Header:    e.header(),
		Addr:      e.transport.Addr(),
		Expecting: p != nil,
	})
}

func (e *engine) handleResponse(m *protocol.DeviceResponse) {
	e.mu.Lock()
	if !e.enabled {
		e.mu.Unlock()
		return
	}

	// Without a waiting slot on the other side there is nothing to dial.
	if !m.Expecting {
		e.mu.Unlock()
		return
	}

	var replaced *peerEntry
	if existing, known := e.peers.get(m.SenderID); known {
		// Both sides waiting as responder: the lower id initiates.
		waiting := existing.state == PeerNegotiating && !existing.initiator && existing.channel == nil
		if !waiting || e.identity.ID >= m.SenderID {
			e.mu.Unlock()
			return
		}
		replaced = existing
		e.peers.remove(existing.id)
		if existing.timer != nil {
			existing.timer.Stop()
		}
	}
	p := e.registerLocked(m.SenderID, m.SenderName, m.Addr, true)
	e.mu.Unlock()

	if replaced != nil && replaced.conn != nil {
		_ = replaced.conn.Close()
	}
	e.connect(p)
}

// registerLocked records a negotiating peer before any channel exists.
func (e *engine) registerLocked(id, name, addr string, initiator bool) *peerEntry {
	p := &peerEntry{
		id:        id,
		name:      name,
		addr:      addr,
		initiator: initiator,
		state:     PeerNegotiating,
		lastSeen:  e.config.Now(),
	}
	e.peers.insert(p)
	p.timer = time.AfterFunc(e.config.NegotiationTimeout, func() {
		e.negotiationExpired(p)
	})

	role := "responder"
	if initiator {
		role = "initiator"
	}
	e.config.Logger.Printf("Negotiating with %s (%s) as %s", name, id, role)
	return p
}

// connect asks the transport for a connection to p.
func (e *engine) connect(p *peerEntry) {
	events := peer.Events{
		OnOpen:    func(ch peer.Channel) { e.channelOpen(p, ch) },
		OnMessage: func(data []byte) { e.channelMessage(p, data) },
		OnClose:   func() { e.teardown(p, "channel closed") },
		OnStateChange: func(s peer.State) {
			switch s {
			case peer.StateDisconnected, peer.StateFailed, peer.StateClosed:
				e.teardown(p, "connection "+s.String())
			}
		},
	}

	conn, err := e.transport.Connect(e.ctx, peer.Remote{ID: p.id, Name: p.name, Addr: p.addr}, p.initiator, events)
	if err != nil {
		e.config.Logger.Printf("Warning: failed to connect to %s: %v", p.id, err)
		e.teardown(p, "connect failed")
		return
	}

	e.mu.Lock()
	if e.peers.current(p) {
		p.conn = conn
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	// Torn down while connecting.
	_ = conn.Close()
}

func (e *engine) negotiationExpired(p *peerEntry) {
	e.mu.Lock()
	stuck := e.peers.current(p) && p.state == PeerNegotiating
	e.mu.Unlock()

	if stuck {
		e.teardown(p, "negotiation timed out")
	}
}

func (e *engine) channelOpen(p *peerEntry, ch peer.Channel) {
	e.mu.Lock()
	if !e.peers.current(p) {
		e.mu.Unlock()
		return
	}
	p.state = PeerConnected
	p.channel = ch
	p.lastSeen = e.config.Now()
	if p.timer != nil {
		p.timer.Stop()
	}
	listeners := e.listenersLocked()
	e.mu.Unlock()

	e.config.Logger.Printf("Connected to %s (%s)", p.name, p.id)
	for _, l := range listeners {
		l.DeviceConnected(p.id, p.name)
	}

	e.send(p.id, ch, &protocol.SyncRequest{Header: e.header()})
}

func (e *engine) channelMessage(p *peerEntry, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		e.config.Logger.Printf("Dropping malformed message from %s: %v", p.id, err)
		return
	}

	e.mu.Lock()
	if !e.peers.current(p) || p.channel == nil {
		e.mu.Unlock()
		return
	}
	p.lastSeen = e.config.Now()
	ch := p.channel
	var listeners []Listener
	switch msg.(type) {
	case *protocol.SyncResponse, *protocol.SyncUpdate:
		listeners = e.listenersLocked()
	}
	e.mu.Unlock()

	switch m := msg.(type) {
	case *protocol.SyncRequest:
		e.send(p.id, ch, &protocol.SyncResponse{Header: e.header(), Data: e.provider()})
	case *protocol.SyncResponse:
		for _, l := range listeners {
			l.DataReceived(p.id, m.Data)
		}
	case *protocol.SyncUpdate:
		for _, l := range listeners {
			l.DataReceived(p.id, m.Data)
		}
	case *protocol.DeviceDiscovery, *protocol.DeviceResponse,
		*protocol.LinkRequest, *protocol.LinkResponse, *protocol.LinkConfirm, *protocol.DevicePing:
		e.config.Logger.Printf("Dropping %s from %s: not a channel message", m.Type(), p.id)
	}
}

// teardown removes p if it is still registered, closes its connection and
// reports the disconnect.
func (e *engine) teardown(p *peerEntry, reason string) {
	e.mu.Lock()
	if !e.peers.current(p) {
		e.mu.Unlock()
		return
	}
	e.peers.remove(p.id)
	p.state = PeerDisconnected
	if p.timer != nil {
		p.timer.Stop()
	}
	conn := p.conn
	listeners := e.listenersLocked()
	e.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	e.config.Logger.Printf("Disconnected from %s (%s): %s", p.name, p.id, reason)
	for _, l := range listeners {
		l.DeviceDisconnected(p.id)
	}
}

func (e *engine) send(id string, ch peer.Channel, msg protocol.Message) {
	data, err := protocol.Encode(msg)
	if err != nil {
		e.config.Logger.Printf("Warning: failed to encode %s: %v", msg.Type(), err)
		return
	}
	if err := ch.Send(data); err != nil {
		e.config.Logger.Printf("Warning: failed to send %s to %s: %v", msg.Type(), id, err)
	}
}

func (e *engine) header() protocol.Header {
	return protocol.NewHeader(e.identity, e.config.Now())
}

func (e *engine) publish(msg protocol.Message) {
	ctx, cancel := context.WithTimeout(e.ctx, 5*time.Second)
	defer cancel()

	if err := e.bus.Publish(ctx, msg); err != nil {
		e.config.Logger.Printf("Warning: failed to publish %s: %v", msg.Type(), err)
	}
}

func (e *engine) listenersLocked() []Listener {
	out := make([]Listener, len(e.listeners))
	copy(out, e.listeners)
	return out
}
