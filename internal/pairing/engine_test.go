package pairing

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/ThymoBruce/workplans/internal/bus"
	"github.com/ThymoBruce/workplans/internal/device"
	"github.com/ThymoBruce/workplans/internal/protocol"
)

func testConfig() *Config {
	return &Config{
		SessionTTL:       time.Second,
		LinkTimeout:      2 * time.Second,
		PingInterval:     20 * time.Millisecond,
		AnnounceInterval: 20 * time.Millisecond,
		Logger:           log.New(io.Discard, "", 0),
	}
}

func newTestEngine(t *testing.T, b bus.Bus, name string, store TrustStore, config *Config) *Engine {
	t.Helper()

	if store == nil {
		store = NewMemoryStore()
	}
	if config == nil {
		config = testConfig()
	}
	e, err := NewWithConfig(device.NewIdentity(name), b, store, config)
	if err != nil {
		t.Fatalf("NewWithConfig failed: %v", err)
	}
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func newTestBus(t *testing.T) *bus.Local {
	t.Helper()
	b := bus.NewLocal(log.New(io.Discard, "", 0))
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// pair links a and b over their shared bus.
func pair(t *testing.T, a, b *Engine) {
	t.Helper()

	code := a.GenerateLinkCode()
	if !b.LinkWithCode(context.Background(), code) {
		t.Fatal("LinkWithCode returned false")
	}
	waitFor(t, "both sides linked", func() bool {
		return a.IsDeviceLinked(b.Identity().ID) && b.IsDeviceLinked(a.Identity().ID)
	})
}

type recordingListener struct {
	mu       sync.Mutex
	linked   []DeviceLink
	unlinked []string
}

func (r *recordingListener) DeviceLinked(link DeviceLink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.linked = append(r.linked, link)
}

func (r *recordingListener) DeviceUnlinked(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unlinked = append(r.unlinked, id)
}

func (r *recordingListener) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.linked), len(r.unlinked)
}

func TestLinkRoundTrip(t *testing.T) {
	b := newTestBus(t)
	storeA := NewMemoryStore()
	storeB := NewMemoryStore()
	a := newTestEngine(t, b, "Alpha", storeA, nil)
	c := newTestEngine(t, b, "Bravo", storeB, nil)

	listenerA := &recordingListener{}
	listenerB := &recordingListener{}
	a.AddListener(listenerA)
	c.AddListener(listenerB)

	code := a.GenerateLinkCode()
	if err := ValidateCode(code); err != nil {
		t.Fatalf("generated code invalid: %v", err)
	}

	// Start listening well after generation; the session re-announces.
	time.Sleep(60 * time.Millisecond)
	if !c.LinkWithCode(context.Background(), code) {
		t.Fatal("LinkWithCode returned false")
	}

	waitFor(t, "both sides linked", func() bool {
		return a.IsDeviceLinked(c.Identity().ID) && c.IsDeviceLinked(a.Identity().ID)
	})
	waitFor(t, "listeners notified", func() bool {
		la, _ := listenerA.counts()
		lb, _ := listenerB.counts()
		return la == 1 && lb == 1
	})

	links := a.GetLinkedDevices()
	if len(links) != 1 || links[0].DeviceName != "Bravo" || links[0].LinkCode != code {
		t.Errorf("unexpected trust list on initiator: %+v", links)
	}
	links = c.GetLinkedDevices()
	if len(links) != 1 || links[0].DeviceName != "Alpha" || links[0].LinkCode != code {
		t.Errorf("unexpected trust list on redeemer: %+v", links)
	}

	for name, store := range map[string]*MemoryStore{"initiator": storeA, "redeemer": storeB} {
		stored, err := store.LoadLinks()
		if err != nil {
			t.Fatalf("LoadLinks failed: %v", err)
		}
		if len(stored) != 1 {
			t.Errorf("%s persisted %d links, want 1", name, len(stored))
		}
	}

	waitFor(t, "sessions consumed", func() bool {
		return a.OpenSessions() == 0 && c.OpenSessions() == 0
	})
}

func TestLinkWithUnknownCodeFails(t *testing.T) {
	b := newTestBus(t)
	config := testConfig()
	config.LinkTimeout = 150 * time.Millisecond
	a := newTestEngine(t, b, "Alpha", nil, nil)
	c := newTestEngine(t, b, "Bravo", nil, config)

	a.GenerateLinkCode()

	start := time.Now()
	if c.LinkWithCode(context.Background(), "000001") {
		t.Fatal("expected LinkWithCode to fail for an unknown code")
	}
	if elapsed := time.Since(start); elapsed < config.LinkTimeout {
		t.Errorf("LinkWithCode returned after %s, before the timeout", elapsed)
	}

	if n := len(a.GetLinkedDevices()); n != 0 {
		t.Errorf("initiator trust list has %d entries", n)
	}
	if n := len(c.GetLinkedDevices()); n != 0 {
		t.Errorf("redeemer trust list has %d entries", n)
	}
}

func TestLinkWithCodeRejectsMalformedCode(t *testing.T) {
	b := newTestBus(t)
	e := newTestEngine(t, b, "Alpha", nil, nil)

	for _, code := range []string{"", "12345", "1234567", "12a456"} {
		if e.LinkWithCode(context.Background(), code) {
			t.Errorf("LinkWithCode(%q) = true", code)
		}
	}
}

func TestLinkWithCodeCancelled(t *testing.T) {
	b := newTestBus(t)
	e := newTestEngine(t, b, "Alpha", nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if e.LinkWithCode(ctx, "123456") {
		t.Error("LinkWithCode succeeded with a cancelled context")
	}
}

func TestOwnCodeIsNotRedeemed(t *testing.T) {
	b := newTestBus(t)
	config := testConfig()
	config.LinkTimeout = 100 * time.Millisecond
	e := newTestEngine(t, b, "Alpha", nil, config)

	code := e.GenerateLinkCode()
	if e.LinkWithCode(context.Background(), code) {
		t.Error("device redeemed its own code")
	}
}

func TestUnlinkNotReinsertedByPing(t *testing.T) {
	b := newTestBus(t)
	a := newTestEngine(t, b, "Alpha", nil, nil)
	c := newTestEngine(t, b, "Bravo", nil, nil)
	pair(t, a, c)

	listener := &recordingListener{}
	a.AddListener(listener)

	if !a.UnlinkDevice(c.Identity().ID) {
		t.Fatal("UnlinkDevice reported the device as unknown")
	}
	if a.IsDeviceLinked(c.Identity().ID) {
		t.Fatal("device still linked after UnlinkDevice")
	}
	if _, unlinked := listener.counts(); unlinked != 1 {
		t.Errorf("expected 1 unlink notification, got %d", unlinked)
	}

	// c still trusts a, so it keeps pinging.
	c.StartLiveness()
	time.Sleep(100 * time.Millisecond)

	if a.IsDeviceLinked(c.Identity().ID) {
		t.Error("ping reinserted an unlinked device")
	}
	if a.UnlinkDevice(c.Identity().ID) {
		t.Error("second UnlinkDevice reported a removal")
	}
}

func TestPingRefreshesLastSeen(t *testing.T) {
	b := newTestBus(t)
	var mu sync.Mutex
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	config := testConfig()
	config.Now = clock
	a := newTestEngine(t, b, "Alpha", nil, config)
	c := newTestEngine(t, b, "Bravo", nil, nil)
	pair(t, a, c)

	mu.Lock()
	now = now.Add(time.Hour)
	mu.Unlock()

	c.StartLiveness()
	waitFor(t, "last seen refreshed", func() bool {
		links := a.GetLinkedDevices()
		return len(links) == 1 && links[0].LastSeen.Equal(clock())
	})
}

func TestPingFromUnknownDeviceIgnored(t *testing.T) {
	b := newTestBus(t)
	e := newTestEngine(t, b, "Alpha", nil, nil)

	stranger := device.NewIdentity("Stranger")
	if err := b.Publish(context.Background(), &protocol.DevicePing{Header: protocol.NewHeader(stranger, time.Now())}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if e.IsDeviceLinked(stranger.ID) {
		t.Error("ping from unknown device created a link")
	}
}

func TestLinkConfirmRequiresSession(t *testing.T) {
	b := newTestBus(t)
	e := newTestEngine(t, b, "Alpha", nil, nil)
	forger := device.NewIdentity("Forger")

	if err := b.Publish(context.Background(), &protocol.LinkConfirm{
		Header:    protocol.NewHeader(forger, time.Now()),
		SessionID: "session-made-up",
	}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if e.IsDeviceLinked(forger.ID) {
		t.Error("uncorrelated link_confirm created a link")
	}
}

func TestLinkConfirmFromWrongSenderIgnored(t *testing.T) {
	b := newTestBus(t)
	e := newTestEngine(t, b, "Bravo", nil, nil)

	owner := device.NewIdentity("Owner")
	forger := device.NewIdentity("Forger")
	const sessionID = "session-owned"
	const code = "482913"

	result := make(chan bool, 1)
	go func() { result <- e.LinkWithCode(context.Background(), code) }()

	// Offer the session until the redeemer answers.
	waitFor(t, "redeemer answered", func() bool {
		_ = b.Publish(context.Background(), &protocol.LinkRequest{
			Header:    protocol.NewHeader(owner, time.Now()),
			SessionID: sessionID,
			LinkCode:  code,
		})
		return e.OpenSessions() == 1
	})
	if !<-result {
		t.Fatal("LinkWithCode returned false")
	}

	publish := func(sender device.Identity) {
		t.Helper()
		if err := b.Publish(context.Background(), &protocol.LinkConfirm{
			Header:    protocol.NewHeader(sender, time.Now()),
			SessionID: sessionID,
		}); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}

	publish(forger)
	time.Sleep(50 * time.Millisecond)
	if e.IsDeviceLinked(forger.ID) {
		t.Error("link_confirm from a device other than the session owner created a link")
	}
	if e.OpenSessions() != 1 {
		t.Errorf("forged confirm consumed the session")
	}

	publish(owner)
	waitFor(t, "owner linked", func() bool { return e.IsDeviceLinked(owner.ID) })
	if e.OpenSessions() != 0 {
		t.Errorf("session not consumed by the owner's confirm")
	}
}

func TestSessionExpires(t *testing.T) {
	b := newTestBus(t)
	config := testConfig()
	config.SessionTTL = 50 * time.Millisecond
	a := newTestEngine(t, b, "Alpha", nil, config)

	requests := make(chan *protocol.LinkRequest, 64)
	unsubscribe := b.Subscribe(func(msg protocol.Message) {
		if req, ok := msg.(*protocol.LinkRequest); ok {
			select {
			case requests <- req:
			default:
			}
		}
	})
	defer unsubscribe()

	code := a.GenerateLinkCode()
	var req *protocol.LinkRequest
	select {
	case req = <-requests:
	case <-time.After(2 * time.Second):
		t.Fatal("no link_request observed")
	}

	waitFor(t, "session expired", func() bool { return a.OpenSessions() == 0 })

	late := device.NewIdentity("Late")
	if err := b.Publish(context.Background(), &protocol.LinkResponse{
		Header:    protocol.NewHeader(late, time.Now()),
		SessionID: req.SessionID,
		LinkCode:  code,
	}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	if a.IsDeviceLinked(late.ID) {
		t.Error("expired session accepted a response")
	}
}

func TestLoadsTrustListFromStore(t *testing.T) {
	store := NewMemoryStore()
	linkedAt := time.Date(2026, 1, 5, 8, 0, 0, 0, time.UTC)
	if err := store.SaveLinks([]DeviceLink{{
		DeviceID:   "device-known",
		DeviceName: "Known",
		LinkCode:   "123456",
		LinkedAt:   linkedAt,
		LastSeen:   linkedAt,
	}}); err != nil {
		t.Fatalf("SaveLinks failed: %v", err)
	}

	e := newTestEngine(t, newTestBus(t), "Alpha", store, nil)
	if !e.IsDeviceLinked("device-known") {
		t.Error("trust list not loaded from store")
	}
}

type failingStore struct{}

func (failingStore) LoadLinks() ([]DeviceLink, error) { return nil, errors.New("disk on fire") }
func (failingStore) UpsertLink(DeviceLink) error       { return errors.New("disk on fire") }
func (failingStore) DeleteLink(string) error           { return errors.New("disk on fire") }
func (failingStore) TouchLink(string, time.Time) error { return errors.New("disk on fire") }

func TestPersistenceFailureKeepsMemoryState(t *testing.T) {
	b := newTestBus(t)
	a := newTestEngine(t, b, "Alpha", failingStore{}, nil)
	c := newTestEngine(t, b, "Bravo", nil, nil)

	pair(t, a, c)

	if !a.UnlinkDevice(c.Identity().ID) {
		t.Error("UnlinkDevice failed with a failing store")
	}
}

func TestNewWithConfigValidation(t *testing.T) {
	b := newTestBus(t)
	id := device.NewIdentity("Alpha")

	tests := []struct {
		name     string
		identity device.Identity
		bus      bus.Bus
		store    TrustStore
	}{
		{"empty identity", device.Identity{}, b, NewMemoryStore()},
		{"nil bus", id, nil, NewMemoryStore()},
		{"nil store", id, b, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewWithConfig(tt.identity, tt.bus, tt.store, testConfig()); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	e := newTestEngine(t, newTestBus(t), "Alpha", nil, nil)
	e.GenerateLinkCode()
	e.StartLiveness()

	if err := e.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if e.OpenSessions() != 0 {
		t.Error("sessions survived Close")
	}
}

func TestPingFromDeviceLinkedElsewhereReloads(t *testing.T) {
	b := newTestBus(t)
	shared := NewMemoryStore()
	e := newTestEngine(t, b, "Alpha", shared, nil)
	listener := &recordingListener{}
	e.AddListener(listener)

	// Another process sharing the store links a phone.
	phone := device.NewIdentity("Phone")
	linkedAt := time.Now().Add(-time.Minute)
	if err := shared.UpsertLink(DeviceLink{DeviceID: phone.ID, DeviceName: phone.Name, LinkedAt: linkedAt, LastSeen: linkedAt}); err != nil {
		t.Fatalf("UpsertLink failed: %v", err)
	}

	if err := b.Publish(context.Background(), &protocol.DevicePing{Header: protocol.NewHeader(phone, time.Now())}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	waitFor(t, "phone trusted after ping", func() bool {
		return e.IsDeviceLinked(phone.ID)
	})

	if linked, _ := listener.counts(); linked != 1 {
		t.Errorf("expected 1 link notification, got %d", linked)
	}
	stored, err := shared.LoadLinks()
	if err != nil {
		t.Fatalf("LoadLinks failed: %v", err)
	}
	if len(stored) != 1 || !stored[0].LastSeen.After(linkedAt) {
		t.Errorf("stored links = %+v, want the phone with a refreshed LastSeen", stored)
	}
}

func TestReloadLinksReportsExternalUnlink(t *testing.T) {
	b := newTestBus(t)
	shared := NewMemoryStore()
	if err := shared.UpsertLink(DeviceLink{DeviceID: "device-tablet", DeviceName: "Tablet", LinkedAt: time.Now()}); err != nil {
		t.Fatalf("UpsertLink failed: %v", err)
	}
	e := newTestEngine(t, b, "Alpha", shared, nil)
	listener := &recordingListener{}
	e.AddListener(listener)

	if err := shared.DeleteLink("device-tablet"); err != nil {
		t.Fatalf("DeleteLink failed: %v", err)
	}
	e.ReloadLinks()

	if e.IsDeviceLinked("device-tablet") {
		t.Error("device still linked after reload")
	}
	if _, unlinked := listener.counts(); unlinked != 1 {
		t.Errorf("expected 1 unlink notification, got %d", unlinked)
	}
}

func TestEngineWritesOnlyItsOwnRecords(t *testing.T) {
	b := newTestBus(t)
	shared := NewMemoryStore()
	a := newTestEngine(t, b, "Alpha", shared, nil)
	c := newTestEngine(t, b, "Bravo", nil, nil)
	pair(t, a, c)

	// Linked by another process after a loaded its list.
	if err := shared.UpsertLink(DeviceLink{DeviceID: "device-tablet", DeviceName: "Tablet", LinkedAt: time.Now()}); err != nil {
		t.Fatalf("UpsertLink failed: %v", err)
	}

	c.StartLiveness()
	waitFor(t, "ping recorded", func() bool {
		stored, err := shared.LoadLinks()
		if err != nil {
			return false
		}
		for _, l := range stored {
			if l.DeviceID == c.Identity().ID && !l.LastSeen.Equal(l.LinkedAt) {
				return true
			}
		}
		return false
	})
	if !a.UnlinkDevice(c.Identity().ID) {
		t.Fatal("UnlinkDevice reported the device as unknown")
	}

	stored, err := shared.LoadLinks()
	if err != nil {
		t.Fatalf("LoadLinks failed: %v", err)
	}
	if len(stored) != 1 || stored[0].DeviceID != "device-tablet" {
		t.Errorf("stored links = %+v, want only the tablet", stored)
	}
}
