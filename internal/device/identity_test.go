package device

import (
	"errors"
	"strings"
	"testing"
)

type memIdentityStore struct {
	id    *Identity
	saves int
	err   error
}

func (m *memIdentityStore) LoadIdentity() (Identity, error) {
	if m.err != nil {
		return Identity{}, m.err
	}
	if m.id == nil {
		return Identity{}, ErrNoIdentity
	}
	return *m.id, nil
}

func (m *memIdentityStore) SaveIdentity(id Identity) error {
	m.id = &id
	m.saves++
	return nil
}

func TestNewIdentity(t *testing.T) {
	a := NewIdentity("")
	b := NewIdentity("Office PC")

	if !strings.HasPrefix(a.ID, IDPrefix) {
		t.Errorf("id %q missing prefix %q", a.ID, IDPrefix)
	}
	if a.ID == b.ID {
		t.Errorf("expected distinct ids, got %q twice", a.ID)
	}
	if a.Name == "" {
		t.Error("expected random name for empty input")
	}
	if b.Name != "Office PC" {
		t.Errorf("expected name %q, got %q", "Office PC", b.Name)
	}
}

func TestLoadOrCreate(t *testing.T) {
	store := &memIdentityStore{}

	first, err := LoadOrCreate(store, "")
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if store.saves != 1 {
		t.Errorf("expected 1 save, got %d", store.saves)
	}

	second, err := LoadOrCreate(store, "")
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if second != first {
		t.Errorf("identity changed across loads: %v -> %v", first, second)
	}
	if store.saves != 1 {
		t.Errorf("expected no extra save, got %d", store.saves)
	}

	renamed, err := LoadOrCreate(store, "Kitchen Tablet")
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if renamed.ID != first.ID {
		t.Errorf("rename must keep id %q, got %q", first.ID, renamed.ID)
	}
	if renamed.Name != "Kitchen Tablet" {
		t.Errorf("expected renamed identity, got %q", renamed.Name)
	}
}

func TestLoadOrCreate_StoreError(t *testing.T) {
	store := &memIdentityStore{err: errors.New("disk gone")}
	if _, err := LoadOrCreate(store, ""); err == nil {
		t.Fatal("expected error from failing store")
	}
}
