// Package device defines the identity a participant presents on the signaling
// bus and to its peers.
//
// Identities are persisted by an IdentityStore so the trust list built by the
// pairing engine keeps matching the same device across restarts.
package device

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/google/uuid"
)

// IDPrefix is prepended to every generated device id.
const IDPrefix = "device-"

// ErrNoIdentity is returned by an IdentityStore that has never saved one.
var ErrNoIdentity = errors.New("no device identity stored")

// Identity identifies a participant.
type Identity struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

// IdentityStore persists the local device identity.
type IdentityStore interface {
	LoadIdentity() (Identity, error)
	SaveIdentity(id Identity) error
}

var (
	nameAdjectives = []string{"Quick", "Smart", "Bright", "Swift", "Sharp", "Clear"}
	nameNouns      = []string{"Laptop", "Phone", "Tablet", "Desktop", "Device", "Computer"}
)

// NewIdentity generates a fresh identity. An empty name is replaced with
// a random friendly name.
func NewIdentity(name string) Identity {
	if name == "" {
		name = RandomName()
	}
	return Identity{
		ID:   IDPrefix + uuid.NewString(),
		Name: name,
	}
}

// RandomName returns a two-word display name such as "Swift Tablet".
func RandomName() string {
	adj := nameAdjectives[rand.IntN(len(nameAdjectives))]
	noun := nameNouns[rand.IntN(len(nameNouns))]
	return adj + " " + noun
}

// LoadOrCreate returns the stored identity, generating and saving one on
// first use. A non-empty name overrides the stored display name; the id
// never changes once saved.
func LoadOrCreate(store IdentityStore, name string) (Identity, error) {
	id, err := store.LoadIdentity()
	switch {
	case errors.Is(err, ErrNoIdentity):
		id = NewIdentity(name)
		if err := store.SaveIdentity(id); err != nil {
			return Identity{}, fmt.Errorf("failed to save new identity: %w", err)
		}
		return id, nil
	case err != nil:
		return Identity{}, fmt.Errorf("failed to load identity: %w", err)
	}

	if name != "" && name != id.Name {
		id.Name = name
		if err := store.SaveIdentity(id); err != nil {
			return Identity{}, fmt.Errorf("failed to rename identity: %w", err)
		}
	}
	return id, nil
}

// String returns "Name (id)".
func (i Identity) String() string {
	return fmt.Sprintf("%s (%s)", i.Name, i.ID)
}
