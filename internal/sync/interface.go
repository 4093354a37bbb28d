package sync

import (
	"time"

	"github.com/ThymoBruce/workplans/internal/device"
	"github.com/ThymoBruce/workplans/internal/schedule"
)

// Engine discovers enabled peers and exchanges schedule snapshots with them.
type Engine interface {
	// Enable starts discovery. A device_discovery is broadcast immediately
	// and then every DiscoveryInterval.
	//
	// Calling Enable on an enabled or closed engine has no effect.
	Enable()

	// Disable closes every peer channel, forgets every peer and stops
	// discovery. It returns once no further discovery will be broadcast.
	//
	// Each removed peer is reported through DeviceDisconnected.
	// Calling Disable on a disabled engine has no effect.
	Disable()

	// IsEnabled reports whether discovery is running.
	IsEnabled() bool

	// BroadcastUpdate sends snap as sync_update to every peer whose
	// channel is open. Peers still negotiating are skipped.
	//
	// Does nothing while disabled.
	//
	// Example:
	//   engine.BroadcastUpdate(sched.Snapshot(time.Now()))
	BroadcastUpdate(snap schedule.Snapshot)

	// SetTrustedPeers stores the allow-list callers use to filter
	// DataReceived. The engine itself connects to any enabled peer.
	//
	// Example:
	//   engine.SetTrustedPeers(pairingEngine.LinkedIDs())
	SetTrustedPeers(ids []string)

	// TrustedPeers returns the stored allow-list, sorted.
	TrustedPeers() []string

	// IsTrusted reports whether id is on the allow-list.
	IsTrusted(id string) bool

	// ConnectedPeers returns the peers whose channel is open.
	ConnectedPeers() []PeerInfo

	// Peers returns every registered peer, including those negotiating.
	Peers() []PeerInfo

	// AddListener registers l for peer and data notifications.
	AddListener(l Listener)

	// Identity returns the identity this engine announces.
	Identity() device.Identity

	// Close disables the engine and stops handling bus traffic. The bus
	// and the transport are not closed.
	Close() error
}

// SnapshotProvider returns the local state sent in answer to a pull.
type SnapshotProvider func() schedule.Snapshot

// PeerState is the lifecycle stage of one peer entry.
type PeerState int

const (
	PeerDiscovering PeerState = iota
	PeerNegotiating
	PeerConnected
	PeerDisconnected
)

// String returns a human-readable representation of the state.
func (s PeerState) String() string {
	switch s {
	case PeerDiscovering:
		return "discovering"
	case PeerNegotiating:
		return "negotiating"
	case PeerConnected:
		return "connected"
	case PeerDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// PeerInfo describes one peer entry.
type PeerInfo struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	State     PeerState `json:"state" yaml:"state"`
	Initiator bool      `json:"initiator" yaml:"initiator"`
	LastSeen  time.Time `json:"lastSeen" yaml:"lastSeen"`
}

// Listener receives engine notifications. Calls are made after the change
// they report, outside the engine lock, possibly from several goroutines.
type Listener interface {
	// DataReceived delivers a snapshot from a sync_response or sync_update.
	DataReceived(from string, snap schedule.Snapshot)

	// DeviceConnected reports a peer whose channel opened.
	DeviceConnected(id, name string)

	// DeviceDisconnected reports a removed peer.
	DeviceDisconnected(id string)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	OnData         func(from string, snap schedule.Snapshot)
	OnConnected    func(id, name string)
	OnDisconnected func(id string)
}

// DataReceived implements Listener.
func (f ListenerFuncs) DataReceived(from string, snap schedule.Snapshot) {
	if f.OnData != nil {
		f.OnData(from, snap)
	}
}

// DeviceConnected implements Listener.
func (f ListenerFuncs) DeviceConnected(id, name string) {
	if f.OnConnected != nil {
		f.OnConnected(id, name)
	}
}

// DeviceDisconnected implements Listener.
func (f ListenerFuncs) DeviceDisconnected(id string) {
	if f.OnDisconnected != nil {
		f.OnDisconnected(id)
	}
}
