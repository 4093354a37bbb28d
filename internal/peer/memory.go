package peer

import (
	"context"
	"sync"
	"sync/atomic"
)

// MemoryNetwork connects MemoryTransports living in the same process. It is
// the transport used when every device shares one process, and in tests.
type MemoryNetwork struct {
	mu        sync.Mutex
	endpoints map[string]*MemoryTransport
}

// NewMemoryNetwork creates an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{endpoints: make(map[string]*MemoryTransport)}
}

// Transport returns the endpoint for localID, creating it on first use.
func (n *MemoryNetwork) Transport(localID string) *MemoryTransport {
	n.mu.Lock()
	defer n.mu.Unlock()

	if t, ok := n.endpoints[localID]; ok && !t.isClosed() {
		return t
	}
	t := &MemoryTransport{
		network: n,
		localID: localID,
		pending: make(map[string]*memConn),
		conns:   make(map[*memConn]struct{}),
	}
	n.endpoints[localID] = t
	return t
}

// Disrupt reports state on both ends of every connection between a and b,
// as if their path had changed underneath them.
func (n *MemoryNetwork) Disrupt(a, b string, state State) {
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		n.mu.Lock()
		t := n.endpoints[pair[0]]
		n.mu.Unlock()
		if t == nil {
			continue
		}
		for _, c := range t.connsTo(pair[1]) {
			c := c
			c.d.post(func() { c.events.state(state) })
		}
	}
}

func (n *MemoryNetwork) lookup(id string) *MemoryTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.endpoints[id]
}

// MemoryTransport is one device's endpoint on a MemoryNetwork.
type MemoryTransport struct {
	network *MemoryNetwork
	localID string

	mu      sync.Mutex
	pending map[string]*memConn
	conns   map[*memConn]struct{}
	closed  bool
}

// Addr implements Transport.
func (t *MemoryTransport) Addr() string {
	return "mem://" + t.localID
}

// Connect implements Transport. An initiator fails unless the remote has a
// pending responder connection for this endpoint.
func (t *MemoryTransport) Connect(_ context.Context, remote Remote, initiator bool, events Events) (Conn, error) {
	c := &memConn{
		transport: t,
		remote:    remote,
		events:    events,
		d:         newDispatcher(),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrTransportClosed
	}
	t.conns[c] = struct{}{}
	var replaced *memConn
	if !initiator {
		replaced = t.pending[remote.ID]
		t.pending[remote.ID] = c
	}
	t.mu.Unlock()

	if replaced != nil {
		_ = replaced.Close()
	}

	c.d.post(func() { events.state(StateConnecting) })
	if !initiator {
		return c, nil
	}

	far := t.network.lookup(remote.ID)
	var responder *memConn
	if far != nil {
		responder = far.claim(t.localID)
	}
	if responder == nil {
		c.fail()
		return c, nil
	}

	a, b := newPipe(c, responder)
	c.attach(a)
	responder.attach(b)
	return c, nil
}

// Close implements Transport.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := make([]*memConn, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	return nil
}

func (t *MemoryTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// claim removes and returns the pending connection expecting remoteID.
func (t *MemoryTransport) claim(remoteID string) *memConn {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	c := t.pending[remoteID]
	delete(t.pending, remoteID)
	return c
}

func (t *MemoryTransport) forget(c *memConn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.conns, c)
	if t.pending[c.remote.ID] == c {
		delete(t.pending, c.remote.ID)
	}
}

func (t *MemoryTransport) connsTo(remoteID string) []*memConn {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []*memConn
	for c := range t.conns {
		if c.remote.ID == remoteID {
			out = append(out, c)
		}
	}
	return out
}

type memConn struct {
	transport *MemoryTransport
	remote    Remote
	events    Events
	d         *dispatcher

	mu     sync.Mutex
	ch     *memChannel
	closed bool
}

func (c *memConn) Channel() Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch == nil {
		return nil
	}
	return c.ch
}

func (c *memConn) attach(ch *memChannel) {
	c.mu.Lock()
	c.ch = ch
	c.mu.Unlock()

	c.d.post(func() {
		c.events.state(StateConnected)
		c.events.open(ch)
	})
}

func (c *memConn) fail() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.transport.forget(c)
	c.d.finish(func() { c.events.state(StateFailed) })
}

// end is called by the pipe once the channel is gone.
func (c *memConn) end() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.transport.forget(c)
	c.d.finish(func() { c.events.closed() })
}

func (c *memConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	ch := c.ch
	if ch == nil {
		c.closed = true
	}
	c.mu.Unlock()

	if ch != nil {
		return ch.Close()
	}

	c.transport.forget(c)
	c.d.finish(func() { c.events.state(StateClosed) })
	return nil
}

// pipe links two memChannels; closing either end closes both.
type pipe struct {
	once sync.Once
	a, b *memChannel
}

func newPipe(initiator, responder *memConn) (*memChannel, *memChannel) {
	p := &pipe{}
	p.a = &memChannel{pipe: p, owner: initiator}
	p.b = &memChannel{pipe: p, owner: responder}
	p.a.peer, p.b.peer = p.b, p.a
	p.a.open.Store(true)
	p.b.open.Store(true)
	return p.a, p.b
}

func (p *pipe) close() {
	p.once.Do(func() {
		p.a.open.Store(false)
		p.b.open.Store(false)
		p.a.owner.end()
		p.b.owner.end()
	})
}

type memChannel struct {
	pipe  *pipe
	owner *memConn
	peer  *memChannel
	open  atomic.Bool
}

func (ch *memChannel) Send(data []byte) error {
	if !ch.open.Load() {
		return ErrChannelClosed
	}
	buf := append([]byte(nil), data...)
	target := ch.peer.owner
	target.d.post(func() { target.events.message(buf) })
	return nil
}

func (ch *memChannel) IsOpen() bool {
	return ch.open.Load()
}

func (ch *memChannel) Close() error {
	ch.pipe.close()
	return nil
}
