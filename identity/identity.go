// Package identity carries the two process-wide constants every registry
// in package coordinator needs to know about itself: a stable UUID and a
// reachable address. Both are fixed for the process lifetime and passed
// into the registries at construction rather than read from a global, so
// a single test binary can host several logical instances at once.
package identity

import "github.com/google/uuid"

// Identity names one coordinator process.
type Identity struct {
	ID      uuid.UUID
	Address string
}

// New assigns a fresh UUID to a process reachable at address.
func New(address string) Identity {
	return Identity{ID: uuid.New(), Address: address}
}

// WithID builds an Identity around a caller-supplied UUID, for tests that
// need to assert on a known holder ID or simulate a process restart that
// keeps the same identity.
func WithID(id uuid.UUID, address string) Identity {
	return Identity{ID: id, Address: address}
}

func (i Identity) String() string {
	return i.ID.String() + "@" + i.Address
}
