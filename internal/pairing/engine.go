// Package pairing establishes trust between devices with short-lived
// six-digit codes exchanged over the signaling bus.
//
// The exchange:
//  1. The initiator calls GenerateLinkCode, which opens a session and
//     broadcasts link_request{sessionId, code}. The request is re-announced
//     while the session is open so a late redeemer still sees it.
//  2. The redeemer calls LinkWithCode with the code shown on the
//     initiator. On the first matching request it answers
//     link_response{sessionId} and tracks the session it answered.
//  3. The initiator confirms with link_confirm{sessionId} and trusts the
//     redeemer; the redeemer trusts the initiator once the confirmation
//     correlates with the session it answered.
//
// Sessions expire five minutes after creation. Linked devices broadcast
// device_ping periodically; a ping from a trusted device refreshes its
// last-seen time.
package pairing

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ThymoBruce/workplans/internal/bus"
	"github.com/ThymoBruce/workplans/internal/device"
	"github.com/ThymoBruce/workplans/internal/protocol"
)

// Config holds configuration for the pairing engine.
type Config struct {
	// SessionTTL is how long a generated code stays redeemable
	SessionTTL time.Duration

	// LinkTimeout bounds LinkWithCode
	LinkTimeout time.Duration

	// PingInterval is the liveness beacon period
	PingInterval time.Duration

	// AnnounceInterval is how often an open session re-broadcasts its
	// link_request. Zero broadcasts once.
	AnnounceInterval time.Duration

	// Logger for pairing activity
	Logger *log.Logger

	// Now returns the current time (default: time.Now)
	Now func() time.Time
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SessionTTL:       5 * time.Minute,
		LinkTimeout:      30 * time.Second,
		PingInterval:     30 * time.Second,
		AnnounceInterval: 2 * time.Second,
		Logger:           log.New(os.Stderr, "[pairing] ", log.LstdFlags),
		Now:              time.Now,
	}
}

// Engine owns the trust list and the open pairing sessions of one device.
type Engine struct {
	identity device.Identity
	bus      bus.Bus
	store    TrustStore
	config   *Config

	mu        sync.Mutex
	links     *linkTable
	sessions  *sessionTable
	listeners []Listener
	closed    bool

	unsubscribe  func()
	livenessOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine for identity, loads the trust list from store and
// starts handling pairing messages on b.
func New(identity device.Identity, b bus.Bus, store TrustStore) (*Engine, error) {
	return NewWithConfig(identity, b, store, DefaultConfig())
}

// NewWithConfig creates an engine with custom configuration.
func NewWithConfig(identity device.Identity, b bus.Bus, store TrustStore, config *Config) (*Engine, error) {
	if identity.ID == "" {
		return nil, fmt.Errorf("identity cannot be empty")
	}
	if b == nil {
		return nil, fmt.Errorf("bus cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[pairing] ", log.LstdFlags)
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		identity: identity,
		bus:      b,
		store:    store,
		config:   config,
		links:    newLinkTable(),
		sessions: newSessionTable(),
		ctx:      ctx,
		cancel:   cancel,
	}

	links, err := store.LoadLinks()
	if err != nil {
		config.Logger.Printf("Warning: failed to load trust list: %v", err)
	}
	for _, l := range links {
		e.links.insert(l)
	}

	e.unsubscribe = b.Subscribe(e.handle)
	return e, nil
}

// AddListener registers l for trust list notifications.
func (e *Engine) AddListener(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

// Identity returns the identity this engine pairs as.
func (e *Engine) Identity() device.Identity {
	return e.identity
}

// GenerateLinkCode opens an initiator session and returns its code. The
// code is redeemable until the session is confirmed or expires.
func (e *Engine) GenerateLinkCode() string {
	now := e.config.Now()
	s := newSession("session-"+uuid.NewString(), e.identity.ID, e.identity.Name, newLinkCode(), now, true)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return s.code
	}
	e.sessions.insert(s)
	e.wg.Add(1)
	e.mu.Unlock()

	go e.runSession(s)

	e.config.Logger.Printf("Opened pairing session %s", s.id)
	return s.code
}

// LinkWithCode waits for a link_request carrying code and answers it. It
// reports false when no request arrives within LinkTimeout, when ctx is
// cancelled, or when the code is malformed. A true result means the
// response was sent; the link is recorded when the confirmation arrives.
func (e *Engine) LinkWithCode(ctx context.Context, code string) bool {
	if err := ValidateCode(code); err != nil {
		e.config.Logger.Printf("Rejecting link attempt: %v", err)
		return false
	}

	matched := make(chan *protocol.LinkRequest, 1)
	unsubscribe := e.bus.Subscribe(func(msg protocol.Message) {
		req, ok := msg.(*protocol.LinkRequest)
		if !ok || req.SenderID == e.identity.ID || req.LinkCode != code {
			return
		}
		select {
		case matched <- req:
		default:
		}
	})
	defer unsubscribe()

	timer := time.NewTimer(e.config.LinkTimeout)
	defer timer.Stop()

	var req *protocol.LinkRequest
	select {
	case req = <-matched:
	case <-timer.C:
		e.config.Logger.Printf("No device offered code %s within %s", code, e.config.LinkTimeout)
		return false
	case <-ctx.Done():
		return false
	case <-e.ctx.Done():
		return false
	}

	s := newSession(req.SessionID, req.SenderID, req.SenderName, code, e.config.Now(), false)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.sessions.insert(s)
	e.wg.Add(1)
	e.mu.Unlock()

	go e.runSession(s)

	e.publish(&protocol.LinkResponse{
		Header:    e.header(),
		SessionID: req.SessionID,
		LinkCode:  code,
	})
	e.config.Logger.Printf("Answered pairing session %s from %s", req.SessionID, req.SenderName)
	return true
}

// UnlinkDevice removes id from the trust list. It reports whether id was
// trusted.
func (e *Engine) UnlinkDevice(id string) bool {
	e.mu.Lock()
	if !e.links.remove(id) {
		e.mu.Unlock()
		return false
	}
	if err := e.store.DeleteLink(id); err != nil {
		e.config.Logger.Printf("Warning: failed to delete link %s: %v", id, err)
	}
	listeners := e.listenersLocked()
	e.mu.Unlock()

	for _, l := range listeners {
		l.DeviceUnlinked(id)
	}
	return true
}

// IsDeviceLinked reports whether id is in the trust list.
func (e *Engine) IsDeviceLinked(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.links.get(id)
	return ok
}

// GetLinkedDevices returns the trust list ordered by link time.
func (e *Engine) GetLinkedDevices() []DeviceLink {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.links.list()
}

// LinkedIDs returns the ids of every trusted device.
func (e *Engine) LinkedIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]string, 0, e.links.len())
	e.links.each(func(l DeviceLink) { ids = append(ids, l.DeviceID) })
	return ids
}

// OpenSessions returns the number of sessions awaiting confirmation.
func (e *Engine) OpenSessions() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions.len()
}

// StartLiveness begins broadcasting device_ping every PingInterval while
// the trust list is non-empty. Each tick first reloads the trust list from
// the store. Calling it again has no effect.
func (e *Engine) StartLiveness() {
	e.livenessOnce.Do(func() {
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return
		}
		e.wg.Add(1)
		e.mu.Unlock()

		go e.pingLoop()
	})
}

// Close stops the engine. Open sessions are dropped; a LinkWithCode in
// progress returns false. The bus is not closed.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.sessions.clear()
	e.mu.Unlock()

	e.unsubscribe()
	e.cancel()
	e.wg.Wait()
	return nil
}

func (e *Engine) handle(msg protocol.Message) {
	if msg.Sender().SenderID == e.identity.ID {
		return
	}

	switch m := msg.(type) {
	case *protocol.LinkResponse:
		e.handleLinkResponse(m)
	case *protocol.LinkConfirm:
		e.handleLinkConfirm(m)
	case *protocol.DevicePing:
		e.handleDevicePing(m)
	case *protocol.LinkRequest:
		// Answered by LinkWithCode.
	case *protocol.DeviceDiscovery, *protocol.DeviceResponse,
		*protocol.SyncRequest, *protocol.SyncResponse, *protocol.SyncUpdate:
		// Sync traffic.
	}
}

func (e *Engine) handleLinkResponse(m *protocol.LinkResponse) {
	e.mu.Lock()
	s, ok := e.sessions.get(m.SessionID)
	if e.closed || !ok || !s.isInitiator || s.code != m.LinkCode {
		e.mu.Unlock()
		return
	}

	now := e.config.Now()
	link := DeviceLink{
		DeviceID:   m.SenderID,
		DeviceName: m.SenderName,
		LinkCode:   s.code,
		LinkedAt:   now,
		LastSeen:   now,
	}
	e.links.insert(link)
	e.saveLinkLocked(link)
	e.sessions.remove(s.id)
	listeners := e.listenersLocked()
	e.mu.Unlock()

	e.publish(&protocol.LinkConfirm{Header: e.header(), SessionID: s.id})

	e.config.Logger.Printf("Linked %s (%s)", link.DeviceName, link.DeviceID)
	for _, l := range listeners {
		l.DeviceLinked(link)
	}
}

func (e *Engine) handleLinkConfirm(m *protocol.LinkConfirm) {
	e.mu.Lock()
	s, ok := e.sessions.get(m.SessionID)
	if e.closed || !ok || s.isInitiator || s.ownerID != m.SenderID {
		e.mu.Unlock()
		if !ok {
			e.config.Logger.Printf("Ignoring link_confirm for unknown session %s", m.SessionID)
		}
		return
	}

	now := e.config.Now()
	link := DeviceLink{
		DeviceID:   m.SenderID,
		DeviceName: m.SenderName,
		LinkCode:   s.code,
		LinkedAt:   now,
		LastSeen:   now,
	}
	e.links.insert(link)
	e.saveLinkLocked(link)
	e.sessions.remove(s.id)
	listeners := e.listenersLocked()
	e.mu.Unlock()

	e.config.Logger.Printf("Linked %s (%s)", link.DeviceName, link.DeviceID)
	for _, l := range listeners {
		l.DeviceLinked(link)
	}
}

// handleDevicePing refreshes LastSeen of a linked sender. A ping from an
// unknown sender reloads the trust list first, since another process
// sharing the store may have linked it.
func (e *Engine) handleDevicePing(m *protocol.DevicePing) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}

	var changes linkChanges
	if _, ok := e.links.get(m.SenderID); !ok {
		changes = e.reloadLocked()
	}

	now := e.config.Now()
	if e.links.touch(m.SenderID, now) {
		if err := e.store.TouchLink(m.SenderID, now); err != nil {
			e.config.Logger.Printf("Warning: failed to record ping from %s: %v", m.SenderID, err)
		}
	}
	listeners := e.listenersLocked()
	e.mu.Unlock()

	changes.notify(listeners)
}

// ReloadLinks replaces the in-memory trust list with the stored one and
// notifies listeners of devices linked or unlinked by other processes.
func (e *Engine) ReloadLinks() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	changes := e.reloadLocked()
	listeners := e.listenersLocked()
	e.mu.Unlock()

	changes.notify(listeners)
}

// linkChanges is the difference a reload made to the trust list.
type linkChanges struct {
	linked   []DeviceLink
	unlinked []string
}

func (c linkChanges) notify(listeners []Listener) {
	for _, l := range listeners {
		for _, link := range c.linked {
			l.DeviceLinked(link)
		}
		for _, id := range c.unlinked {
			l.DeviceUnlinked(id)
		}
	}
}

// reloadLocked swaps in the stored trust list. On a load failure the
// in-memory list is kept.
func (e *Engine) reloadLocked() linkChanges {
	var changes linkChanges

	stored, err := e.store.LoadLinks()
	if err != nil {
		e.config.Logger.Printf("Warning: failed to reload trust list: %v", err)
		return changes
	}

	next := newLinkTable()
	for _, l := range stored {
		next.insert(l)
		if _, ok := e.links.get(l.DeviceID); !ok {
			changes.linked = append(changes.linked, l)
		}
	}
	e.links.each(func(l DeviceLink) {
		if _, ok := next.get(l.DeviceID); !ok {
			changes.unlinked = append(changes.unlinked, l.DeviceID)
		}
	})
	e.links = next
	return changes
}

// runSession re-announces an initiator session and expires any session
// after SessionTTL.
func (e *Engine) runSession(s *session) {
	defer e.wg.Done()

	expiry := time.NewTimer(e.config.SessionTTL)
	defer expiry.Stop()

	var announce <-chan time.Time
	if s.isInitiator {
		e.announce(s)
		if e.config.AnnounceInterval > 0 {
			ticker := time.NewTicker(e.config.AnnounceInterval)
			defer ticker.Stop()
			announce = ticker.C
		}
	}

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-s.done:
			return
		case <-expiry.C:
			e.mu.Lock()
			if cur, ok := e.sessions.get(s.id); ok && cur == s {
				e.sessions.remove(s.id)
			}
			e.mu.Unlock()
			return
		case <-announce:
			e.announce(s)
		}
	}
}

func (e *Engine) announce(s *session) {
	e.publish(&protocol.LinkRequest{
		Header:    e.header(),
		SessionID: s.id,
		LinkCode:  s.code,
	})
}

func (e *Engine) pingLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.ReloadLinks()

			e.mu.Lock()
			linked := e.links.len() > 0
			e.mu.Unlock()

			if linked {
				e.publish(&protocol.DevicePing{Header: e.header()})
			}
		}
	}
}

func (e *Engine) header() protocol.Header {
	return protocol.NewHeader(e.identity, e.config.Now())
}

func (e *Engine) publish(msg protocol.Message) {
	ctx, cancel := context.WithTimeout(e.ctx, 5*time.Second)
	defer cancel()

	if err := e.bus.Publish(ctx, msg); err != nil {
		e.config.Logger.Printf("Warning: failed to publish %s: %v", msg.Type(), err)
	}
}

// saveLinkLocked stores one trust list entry. Failures are logged; the
// in-memory list stays authoritative.
func (e *Engine) saveLinkLocked(link DeviceLink) {
	if err := e.store.UpsertLink(link); err != nil {
		e.config.Logger.Printf("Warning: failed to save link %s: %v", link.DeviceID, err)
	}
}

func (e *Engine) listenersLocked() []Listener {
	out := make([]Listener, len(e.listeners))
	copy(out, e.listeners)
	return out
}
