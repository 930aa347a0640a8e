// Package wire implements the UDP datagram framing spec.md §6 leaves open
// ("any self-describing binary format is acceptable provided it is
// deterministic and supports tagged unions... byte-exactness is not
// required across reimplementations").
//
// The original Rust implementation uses rkyv, a zero-copy archive format
// (original_source/src/lib/transceiver.rs). No third-party Go library in
// the retrieved corpus offers an equivalent self-describing tagged-union
// codec without external code generation this exercise cannot run
// (protobuf requires protoc, flatbuffers requires flatc; see DESIGN.md for
// the full survey). The standard library's encoding/gob satisfies every
// hard requirement §6 actually states — it is self-describing, supports
// encoding an interface value's dynamic (tagged-union) type provided that
// type is registered, and round-trips deterministically within one
// deployment — so it is used here, framed one message per datagram exactly
// as §6 specifies.
package wire

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// MaxDatagramSize is spec.md §6's NETWORK_BUFFER_SIZE: the fixed receive
// buffer size every peer uses. Datagrams larger than this are undefined
// behavior, matching the original.
const MaxDatagramSize = 1024

// Message is the type of every value framed on the wire. It carries no
// methods, since gob itself works in terms of the empty interface: a
// concrete type only has to be registered with Register before it is
// encoded or decoded.
type Message interface{}

// Register must be called, once per concrete Message type, before that
// type is ever encoded or decoded. Message implementations register
// themselves via a package-level init(), mirroring gob's own idiom.
func Register(m Message) {
	gob.Register(m)
}

// envelope is the single top-level type ever written to the wire: one
// tagged union slot, framed as exactly one datagram per spec.md §6.
type envelope struct {
	Body Message
}

// Encode serializes m as a single self-contained frame, suitable for a
// single UDP datagram.
func Encode(m Message) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(envelope{Body: m}); err != nil {
		return nil, fmt.Errorf("wire: encode: %w", err)
	}
	if buf.Len() > MaxDatagramSize {
		return nil, fmt.Errorf("wire: encoded message is %d bytes, exceeds MaxDatagramSize %d", buf.Len(), MaxDatagramSize)
	}
	return buf.Bytes(), nil
}

// Decode parses a single frame previously produced by Encode. A malformed
// datagram (spec.md §7's "Malformed datagram" error kind) is reported as a
// plain error for the caller to log and drop.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&env); err != nil {
		return nil, fmt.Errorf("wire: decode: %w", err)
	}
	if env.Body == nil {
		return nil, fmt.Errorf("wire: decoded empty envelope")
	}
	return env.Body, nil
}
