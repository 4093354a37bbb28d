package sync

import (
	"sort"
	"time"

	"github.com/ThymoBruce/workplans/internal/peer"
)

// peerEntry is the engine's record of one peer. Event handlers hold the
// pointer and act only while it is still the registered entry for its id.
type peerEntry struct {
	id        string
	name      string
	addr      string
	initiator bool
	state     PeerState
	lastSeen  time.Time

	conn    peer.Conn
	channel peer.Channel
	timer   *time.Timer
}

func (p *peerEntry) info() PeerInfo {
	return PeerInfo{
		ID:        p.id,
		Name:      p.name,
		State:     p.state,
		Initiator: p.initiator,
		LastSeen:  p.lastSeen,
	}
}

// peerTable holds at most one entry per peer id.
type peerTable struct {
	peers map[string]*peerEntry
}

func newPeerTable() *peerTable {
	return &peerTable{peers: make(map[string]*peerEntry)}
}

func (t *peerTable) insert(p *peerEntry) {
	t.peers[p.id] = p
}

func (t *peerTable) get(id string) (*peerEntry, bool) {
	p, ok := t.peers[id]
	return p, ok
}

// current reports whether p is the registered entry for its id.
func (t *peerTable) current(p *peerEntry) bool {
	cur, ok := t.peers[p.id]
	return ok && cur == p
}

func (t *peerTable) remove(id string) {
	delete(t.peers, id)
}

func (t *peerTable) each(fn func(*peerEntry)) {
	for _, p := range t.peers {
		fn(p)
	}
}

// drain removes and returns every entry.
func (t *peerTable) drain() []*peerEntry {
	out := make([]*peerEntry, 0, len(t.peers))
	for id, p := range t.peers {
		out = append(out, p)
		delete(t.peers, id)
	}
	return out
}

// list returns infos for entries accepted by keep, sorted by id.
func (t *peerTable) list(keep func(*peerEntry) bool) []PeerInfo {
	var out []PeerInfo
	t.each(func(p *peerEntry) {
		if keep(p) {
			out = append(out, p.info())
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
