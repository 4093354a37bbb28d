package pairing

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DeviceLink is one entry of the trust list: a device this device completed
// pairing with.
type DeviceLink struct {
	DeviceID   string    `json:"deviceId" yaml:"deviceId"`
	DeviceName string    `json:"deviceName" yaml:"deviceName"`
	LinkCode   string    `json:"linkCode" yaml:"linkCode"`
	LinkedAt   time.Time `json:"linkedAt" yaml:"linkedAt"`
	LastSeen   time.Time `json:"lastSeen" yaml:"lastSeen"`
}

// TrustStore persists the trust list one record at a time, so several
// processes sharing a store never overwrite each other's entries.
type TrustStore interface {
	LoadLinks() ([]DeviceLink, error)

	// UpsertLink inserts link or replaces the entry with the same id.
	UpsertLink(link DeviceLink) error

	// DeleteLink removes the entry for deviceID. Missing entries are not
	// an error.
	DeleteLink(deviceID string) error

	// TouchLink sets LastSeen of an existing entry. It never creates one.
	TouchLink(deviceID string, at time.Time) error
}

// MarshalLinks renders a trust list as JSON text.
func MarshalLinks(links []DeviceLink) ([]byte, error) {
	if links == nil {
		links = []DeviceLink{}
	}
	data, err := json.MarshalIndent(links, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal trust list: %w", err)
	}
	return data, nil
}

// UnmarshalLinks parses JSON text produced by MarshalLinks. Entries without
// a device id are rejected; later duplicates replace earlier ones.
func UnmarshalLinks(data []byte) ([]DeviceLink, error) {
	var raw []DeviceLink
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trust list: %w", err)
	}

	t := newLinkTable()
	for i, l := range raw {
		if l.DeviceID == "" {
			return nil, fmt.Errorf("trust list entry %d has no device id", i)
		}
		t.insert(l)
	}
	return t.list(), nil
}

// MemoryStore is a TrustStore keeping the serialized trust list in memory.
type MemoryStore struct {
	mu   sync.Mutex
	data []byte
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// LoadLinks implements TrustStore.
func (s *MemoryStore) LoadLinks() ([]DeviceLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return nil, nil
	}
	return UnmarshalLinks(s.data)
}

// SaveLinks replaces the stored list with links.
func (s *MemoryStore) SaveLinks(links []DeviceLink) error {
	data, err := MarshalLinks(links)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.data = data
	s.mu.Unlock()
	return nil
}

// UpsertLink implements TrustStore.
func (s *MemoryStore) UpsertLink(link DeviceLink) error {
	return s.update(func(t *linkTable) { t.insert(link) })
}

// DeleteLink implements TrustStore.
func (s *MemoryStore) DeleteLink(deviceID string) error {
	return s.update(func(t *linkTable) { t.remove(deviceID) })
}

// TouchLink implements TrustStore.
func (s *MemoryStore) TouchLink(deviceID string, at time.Time) error {
	return s.update(func(t *linkTable) { t.touch(deviceID, at) })
}

// update applies fn to the stored list in one critical section.
func (s *MemoryStore) update(fn func(*linkTable)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := newLinkTable()
	if s.data != nil {
		links, err := UnmarshalLinks(s.data)
		if err != nil {
			return err
		}
		for _, l := range links {
			t.insert(l)
		}
	}
	fn(t)

	data, err := MarshalLinks(t.list())
	if err != nil {
		return err
	}
	s.data = data
	return nil
}

// linkTable holds the trust list, keyed by device id.
type linkTable struct {
	links map[string]DeviceLink
}

func newLinkTable() *linkTable {
	return &linkTable{links: make(map[string]DeviceLink)}
}

func (t *linkTable) insert(l DeviceLink) {
	t.links[l.DeviceID] = l
}

func (t *linkTable) remove(id string) bool {
	if _, ok := t.links[id]; !ok {
		return false
	}
	delete(t.links, id)
	return true
}

func (t *linkTable) get(id string) (DeviceLink, bool) {
	l, ok := t.links[id]
	return l, ok
}

// touch records that id was seen at. It reports false for unknown ids.
func (t *linkTable) touch(id string, at time.Time) bool {
	l, ok := t.links[id]
	if !ok {
		return false
	}
	l.LastSeen = at
	t.links[id] = l
	return true
}

func (t *linkTable) each(fn func(DeviceLink)) {
	for _, l := range t.links {
		fn(l)
	}
}

func (t *linkTable) len() int {
	return len(t.links)
}

// list returns the links ordered by link time, then id.
func (t *linkTable) list() []DeviceLink {
	out := make([]DeviceLink, 0, len(t.links))
	t.each(func(l DeviceLink) { out = append(out, l) })
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LinkedAt.Equal(out[j].LinkedAt) {
			return out[i].LinkedAt.Before(out[j].LinkedAt)
		}
		return out[i].DeviceID < out[j].DeviceID
	})
	return out
}
