// Package peer provides direct, ordered, bidirectional channels between two
// devices. How the connection is negotiated is the transport's business;
// the sync engine only sees lifecycle events.
//
// Connect never blocks on negotiation. The initiating side opens the
// channel; the responding side registers that it expects the remote and
// waits for the remote-offered channel. Outcomes are reported through
// Events: OnOpen once the channel is usable, OnStateChange for connectivity
// transitions, OnClose when the channel ends.
package peer

import (
	"context"
	"errors"
)

var (
	// ErrChannelClosed is returned when sending on a closed channel.
	ErrChannelClosed = errors.New("channel closed")

	// ErrNoPendingPeer is returned to an initiator whose remote is not
	// expecting a connection from it.
	ErrNoPendingPeer = errors.New("remote is not expecting this peer")

	// ErrTransportClosed is returned by Connect after Close.
	ErrTransportClosed = errors.New("transport closed")
)

// State is the connectivity state of a connection.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

// String returns a human-readable representation of the state.
func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Remote describes the peer to connect to.
type Remote struct {
	ID   string
	Name string
	// Addr is the endpoint the remote advertised; ignored by transports
	// that do not need one.
	Addr string
}

// Channel is an open message channel to one peer.
type Channel interface {
	// Send queues one message. It fails with ErrChannelClosed once the
	// channel has ended.
	Send(data []byte) error

	// IsOpen reports whether the channel can currently carry messages.
	IsOpen() bool

	// Close ends the channel.
	Close() error
}

// Events receives lifecycle notifications for one connection. Any field may
// be nil. Callbacks for one connection are not invoked concurrently with
// each other, but may run on transport goroutines.
type Events struct {
	OnOpen        func(ch Channel)
	OnMessage     func(data []byte)
	OnClose       func()
	OnStateChange func(state State)
}

func (e Events) open(ch Channel) {
	if e.OnOpen != nil {
		e.OnOpen(ch)
	}
}

func (e Events) message(data []byte) {
	if e.OnMessage != nil {
		e.OnMessage(data)
	}
}

func (e Events) closed() {
	if e.OnClose != nil {
		e.OnClose()
	}
}

func (e Events) state(s State) {
	if e.OnStateChange != nil {
		e.OnStateChange(s)
	}
}

// Conn is one negotiated (or negotiating) connection.
type Conn interface {
	// Channel returns the open channel, or nil while negotiating.
	Channel() Channel

	// Close tears the connection down. It is safe to call more than once.
	Close() error
}

// Transport establishes connections to peers.
type Transport interface {
	// Addr returns the endpoint to advertise in discovery messages, or ""
	// when the transport does not need one.
	Addr() string

	// Connect starts negotiating a connection to remote and returns
	// immediately.
	Connect(ctx context.Context, remote Remote, initiator bool, events Events) (Conn, error)

	// Close stops accepting connections and closes every open one.
	Close() error
}
