// Package ids provides phantom-typed, process-lifetime-stable identifiers
// and endpoint references for the ring protocol.
//
// The generic marker parameter prevents a ThinkerID from ever being passed
// where a ForkID is expected, matching spec.md §9's "polymorphic ids"
// design note, and mirrors the original Rust implementation's
// PhantomData<T>-wrapped Id<T> (original_source/src/lib/utils.rs).
package ids

import (
	"bytes"
	"fmt"
	"net"

	"github.com/google/uuid"
)

// Kind markers. These types are never instantiated; they only ever appear
// as the type parameter of ID and Ref.
type (
	Thinker struct{}
	Fork    struct{}
	Token   struct{}
)

// ID is a 128-bit random identifier, scoped to a kind K so that ids of
// different kinds cannot be compared or confused at compile time.
type ID[K any] struct {
	v uuid.UUID
}

// New returns a fresh, randomly generated ID.
func New[K any]() ID[K] {
	return ID[K]{v: uuid.New()}
}

// Zero reports the zero-value ID, useful as a sentinel "no id yet".
func Zero[K any]() ID[K] {
	return ID[K]{}
}

// IsZero reports whether id is the zero value.
func (id ID[K]) IsZero() bool {
	return id.v == uuid.Nil
}

// Compare returns -1, 0, or 1 using byte-lexicographic order over the
// underlying 128 bits, satisfying spec.md §3's "totally ordered
// (byte-lexicographic)" requirement so that ties in any election (e.g. the
// issuer tie-break in token regeneration) are broken deterministically.
func (id ID[K]) Compare(other ID[K]) int {
	return bytes.Compare(id.v[:], other.v[:])
}

// Equal reports whether id and other are the same identifier.
func (id ID[K]) Equal(other ID[K]) bool {
	return id.v == other.v
}

func (id ID[K]) String() string {
	return id.v.String()
}

// Seed derives an int64 suitable for seeding a process-local PRNG
// (spec.md §9: "seed it from the OS") from this id's random bits, so
// callers don't need a second source of entropy just to pick a think/eat
// duration.
func (id ID[K]) Seed() int64 {
	var s int64
	for i, b := range id.v {
		s ^= int64(b) << (8 * uint(i%8))
	}
	return s
}

// MarshalBinary/UnmarshalBinary let ID participate directly in gob
// encoding without reflecting into the kind marker.
func (id ID[K]) MarshalBinary() ([]byte, error) {
	return id.v[:], nil
}

func (id *ID[K]) UnmarshalBinary(data []byte) error {
	if len(data) != len(id.v) {
		return fmt.Errorf("ids: bad id length %d", len(data))
	}
	copy(id.v[:], data)
	return nil
}

// Ref pairs an ID with the network endpoint it is reachable at — the only
// way one node names another, per spec.md §3.
type Ref[K any] struct {
	ID      ID[K]
	Address *net.UDPAddr
}

func NewRef[K any](id ID[K], addr *net.UDPAddr) Ref[K] {
	return Ref[K]{ID: id, Address: addr}
}

func (r Ref[K]) String() string {
	addr := "<nil>"
	if r.Address != nil {
		addr = r.Address.String()
	}
	return fmt.Sprintf("%s@%s", r.ID, addr)
}
