// Package node runs one device: it owns the local schedule and wires the
// pairing engine, the sync engine and the state file together.
//
// The node:
// 1. Loads today's state from the state file (older state is discarded)
// 2. Debounces local edits into one persist-and-broadcast
// 3. Merges snapshots received from trusted peers and persists them
// 4. Picks up edits other processes make to the state file
// 5. Keeps the sync engine's allow-list equal to the trust list
package node

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ThymoBruce/workplans/internal/bus"
	"github.com/ThymoBruce/workplans/internal/device"
	"github.com/ThymoBruce/workplans/internal/pairing"
	"github.com/ThymoBruce/workplans/internal/peer"
	"github.com/ThymoBruce/workplans/internal/schedule"
	"github.com/ThymoBruce/workplans/internal/store"
	syncengine "github.com/ThymoBruce/workplans/internal/sync"
)

// Config holds configuration for a node.
type Config struct {
	// DebounceInterval is the quiet window after a local edit before it
	// is persisted and broadcast
	DebounceInterval time.Duration

	// RequireTrust drops snapshots from peers not in the trust list
	RequireTrust bool

	// WatchState enables picking up state file edits by other processes
	WatchState bool

	// Logger for node activity
	Logger *log.Logger

	// Now returns the current time (default: time.Now)
	Now func() time.Time

	// Pairing and Sync configure the engines (default: their DefaultConfig)
	Pairing *pairing.Config
	Sync    *syncengine.Config
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 500 * time.Millisecond,
		RequireTrust:     true,
		WatchState:       true,
		Logger:           log.New(os.Stderr, "[node] ", log.LstdFlags),
		Now:              time.Now,
	}
}

// Node is one running device.
type Node struct {
	identity device.Identity
	state    *store.StateFile
	config   *Config

	pairing *pairing.Engine
	sync    syncengine.Engine
	watcher *StateWatcher

	mu        sync.Mutex
	schedule  schedule.Schedule
	lastSaved time.Time
	// pendingAt is when the latest unflushed edit happened; zero
	// when nothing is pending. pendingPersist is false for edits that
	// came from the state file itself.
	pendingAt      time.Time
	pendingPersist bool
	started        bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a node. The engines are created immediately; nothing is
// broadcast until Start.
func New(identity device.Identity, b bus.Bus, transport peer.Transport, state *store.StateFile, trust pairing.TrustStore, config *Config) (*Node, error) {
	if state == nil {
		return nil, fmt.Errorf("state file cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[node] ", log.LstdFlags)
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = 500 * time.Millisecond
	}

	pairingEngine, err := pairing.NewWithConfig(identity, b, trust, config.Pairing)
	if err != nil {
		return nil, fmt.Errorf("failed to create pairing engine: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		identity: identity,
		state:    state,
		config:   config,
		pairing:  pairingEngine,
		schedule: schedule.DefaultDay(),
		ctx:      ctx,
		cancel:   cancel,
	}

	syncEngine, err := syncengine.New(identity, b, transport, n.currentSnapshot, config.Sync)
	if err != nil {
		cancel()
		_ = pairingEngine.Close()
		return nil, fmt.Errorf("failed to create sync engine: %w", err)
	}
	n.sync = syncEngine

	n.pairing.AddListener(pairing.ListenerFuncs{
		OnLinked:   func(pairing.DeviceLink) { n.refreshTrust() },
		OnUnlinked: func(string) { n.refreshTrust() },
	})
	n.sync.AddListener(syncengine.ListenerFuncs{OnData: n.applyRemote})
	n.refreshTrust()

	return n, nil
}

// Start loads the saved state, starts liveness pings, the state watcher
// and sync discovery, and begins flushing local edits.
func (n *Node) Start() error {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return fmt.Errorf("node already started")
	}
	n.started = true
	n.mu.Unlock()

	n.config.Logger.Printf("Starting node %s", n.identity)

	n.loadState()

	if n.config.WatchState {
		if err := n.startWatcher(); err != nil {
			return err
		}
	}

	n.wg.Add(1)
	go n.processChanges()

	n.pairing.StartLiveness()
	n.sync.Enable()
	return nil
}

// Stop flushes pending edits and shuts the engines down. The bus and the
// transport are left open for their owner to close.
func (n *Node) Stop() error {
	n.config.Logger.Println("Stopping node")

	n.cancel()
	if n.watcher != nil {
		if err := n.watcher.Stop(); err != nil {
			n.config.Logger.Printf("Error stopping watcher: %v", err)
		}
	}
	n.wg.Wait()

	n.flush(true)

	if err := n.sync.Close(); err != nil {
		n.config.Logger.Printf("Error closing sync engine: %v", err)
	}
	if err := n.pairing.Close(); err != nil {
		n.config.Logger.Printf("Error closing pairing engine: %v", err)
	}

	n.config.Logger.Println("Node stopped")
	return nil
}

// Identity returns the node's device identity.
func (n *Node) Identity() device.Identity {
	return n.identity
}

// Pairing returns the node's pairing engine.
func (n *Node) Pairing() *pairing.Engine {
	return n.pairing
}

// Sync returns the node's sync engine.
func (n *Node) Sync() syncengine.Engine {
	return n.sync
}

// Schedule returns a copy of the current schedule.
func (n *Node) Schedule() schedule.Schedule {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.schedule.Clone()
}

// Stats returns completion statistics for the current schedule.
func (n *Node) Stats() schedule.Stats {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.schedule.Stats()
}

// ToggleTask flips the completion of a task.
func (n *Node) ToggleTask(taskID string) error {
	return n.edit(func(s schedule.Schedule) error { return s.ToggleTask(taskID) })
}

// AddCustomTask adds a custom task to a block.
func (n *Node) AddCustomTask(blockID, text string) (schedule.Task, error) {
	var task schedule.Task
	err := n.edit(func(s schedule.Schedule) error {
		var err error
		task, err = s.AddCustomTask(blockID, text)
		return err
	})
	return task, err
}

// RemoveCustomTask removes a custom task.
func (n *Node) RemoveCustomTask(taskID string) error {
	return n.edit(func(s schedule.Schedule) error { return s.RemoveCustomTask(taskID) })
}

// Reset clears all completion and custom tasks.
func (n *Node) Reset() {
	_ = n.edit(func(s schedule.Schedule) error {
		s.Reset()
		return nil
	})
}

// Flush persists and broadcasts pending edits now instead of waiting for
// the debounce window.
func (n *Node) Flush() {
	n.flush(true)
}

// edit applies fn to the schedule and queues the result for flushing.
func (n *Node) edit(fn func(schedule.Schedule) error) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := fn(n.schedule); err != nil {
		return err
	}
	n.queueLocked(true)
	return nil
}

func (n *Node) queueLocked(persist bool) {
	n.pendingAt = n.config.Now()
	n.pendingPersist = n.pendingPersist || persist
}

// processChanges flushes queued edits once they have been quiet for
// DebounceInterval.
func (n *Node) processChanges() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.DebounceInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return

		case <-ticker.C:
			n.flush(false)
		}
	}
}

// flush persists and broadcasts the schedule if an edit is pending and,
// unless force is set, the debounce window has passed.
func (n *Node) flush(force bool) {
	n.mu.Lock()
	if n.pendingAt.IsZero() {
		n.mu.Unlock()
		return
	}
	if !force && n.config.Now().Sub(n.pendingAt) < n.config.DebounceInterval {
		n.mu.Unlock()
		return
	}

	snap := n.schedule.Snapshot(n.config.Now())
	if n.pendingPersist {
		n.saveLocked(snap)
	}
	n.pendingAt = time.Time{}
	n.pendingPersist = false
	n.mu.Unlock()

	n.sync.BroadcastUpdate(snap)
}

// saveLocked writes snap to the state file. Failures are logged; the
// in-memory schedule stays authoritative.
func (n *Node) saveLocked(snap schedule.Snapshot) {
	if err := n.state.Save(snap); err != nil {
		n.config.Logger.Printf("Warning: failed to save state: %v", err)
		return
	}
	n.lastSaved = snap.LastUpdated
}

func (n *Node) currentSnapshot() schedule.Snapshot {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.schedule.Snapshot(n.config.Now())
}

// applyRemote merges a peer's snapshot and persists the result without
// broadcasting it again.
func (n *Node) applyRemote(from string, snap schedule.Snapshot) {
	if n.config.RequireTrust && !n.sync.IsTrusted(from) {
		n.config.Logger.Printf("Ignoring state from untrusted device %s", from)
		return
	}
	if err := snap.Validate(); err != nil {
		n.config.Logger.Printf("Ignoring invalid state from %s: %v", from, err)
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	n.schedule = schedule.Merge(n.schedule, snap)
	n.saveLocked(n.schedule.Snapshot(n.config.Now()))
	n.config.Logger.Printf("Applied state from %s (%d completed)", from, len(snap.CompletedTasks))
}

// loadState adopts today's saved state. State from another day is
// discarded.
func (n *Node) loadState() {
	snap, ok, err := n.state.Load()
	if err != nil {
		n.config.Logger.Printf("Warning: failed to load state: %v", err)
		return
	}
	if !ok {
		return
	}

	if !snap.IsFromDay(n.config.Now()) {
		n.config.Logger.Printf("Discarding state from %s", snap.LastUpdated.Format(time.DateOnly))
		if err := n.state.Clear(); err != nil {
			n.config.Logger.Printf("Warning: failed to clear state: %v", err)
		}
		return
	}

	n.mu.Lock()
	n.schedule = schedule.Merge(schedule.DefaultDay(), snap)
	n.lastSaved = snap.LastUpdated
	n.mu.Unlock()
}

func (n *Node) refreshTrust() {
	n.sync.SetTrustedPeers(n.pairing.LinkedIDs())
}

func (n *Node) startWatcher() error {
	if err := os.MkdirAll(filepath.Dir(n.state.Path()), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	watcher, err := NewStateWatcher(n.state.Path())
	if err != nil {
		return err
	}
	if err := watcher.Start(); err != nil {
		return err
	}
	n.watcher = watcher

	n.wg.Add(1)
	go n.watchState()
	return nil
}

// watchState reloads the state file when another process changes it.
func (n *Node) watchState() {
	defer n.wg.Done()

	for {
		select {
		case <-n.ctx.Done():
			return

		case event, ok := <-n.watcher.Events():
			if !ok {
				return
			}
			if event.Op == OpWrite {
				n.reloadState()
			}

		case err, ok := <-n.watcher.Errors():
			if !ok {
				return
			}
			n.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// reloadState replaces the schedule with the file's content unless the
// file holds what this node last wrote.
func (n *Node) reloadState() {
	snap, ok, err := n.state.Load()
	if err != nil {
		n.config.Logger.Printf("Warning: failed to reload state: %v", err)
		return
	}
	if !ok {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if snap.LastUpdated.Equal(n.lastSaved) {
		return
	}
	n.lastSaved = snap.LastUpdated
	n.schedule = schedule.Merge(schedule.DefaultDay(), snap)
	n.queueLocked(false)
	n.config.Logger.Println("State file changed on disk; broadcasting")
}
