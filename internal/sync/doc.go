// Package sync keeps the schedule state of enabled devices in step over
// direct peer channels.
//
// Overview
//
// Devices find each other on the signaling bus and then talk over one
// ordered peer channel per pair. The engine never applies state itself: it
// hands received snapshots to its Listener and asks a SnapshotProvider for
// the local state when a peer pulls.
//
// Architecture
//
//	 Device A                     signaling bus                  Device B
//	 ────────                     ─────────────                  ────────
//	 Enable() ── device_discovery ──────────────────────────────▶ register peer A (responder)
//	          ◀─────────────────────────────── device_response ── (pending slot for A)
//	 register peer B (initiator)
//	 transport.Connect ═════════════ peer channel ══════════════▶ channel open
//	 channel open                                                 DeviceConnected(A)
//	 DeviceConnected(B)
//	 sync_request ═══════════════════════════════════════════════▶
//	          ◀══════════════════════════════════════ sync_response(snapshot of B)
//	 DataReceived(B, snapshot)
//
// Discovery repeats every DiscoveryInterval while enabled. A device that
// receives a discovery from a peer it has no entry for registers as the
// responding side before it answers, so the initiator's connection always
// finds a waiting slot.
//
// Peer lifecycle
//
// Each peer entry moves Discovering → Negotiating → Connected →
// Disconnected. Disconnected is terminal: the entry is removed and the
// Listener is told. A peer stuck in Negotiating for NegotiationTimeout is
// torn down the same way. There is no automatic reconnection; the next
// discovery cycle is the only way back.
//
// When both devices register as responders for each other, the one with
// the lower device id switches to initiating once it sees the other's
// expecting device_response.
//
// Usage
//
//	engine, err := sync.New(identity, bus, transport, provider, nil)
//	if err != nil {
//	    return err
//	}
//	defer engine.Close()
//
//	engine.AddListener(sync.ListenerFuncs{
//	    OnData: func(from string, snap schedule.Snapshot) {
//	        // merge snap into the local schedule
//	    },
//	})
//	engine.Enable()
//
//	// after a local edit
//	engine.BroadcastUpdate(current.Snapshot(time.Now()))
//
// Concurrency
//
// All engine methods are safe for concurrent use. Bus messages and channel
// events are handled one at a time per source; state changes happen under
// the engine's mutex and Listener calls are made after the change, outside
// the lock.
package sync
