// Package protocol implements the distributed mutual-exclusion protocol of
// spec.md: the Fork lease state machine (§4.1), the Thinker state machine
// (§4.2), the token regeneration sub-protocol (§4.3), and the keep-alive
// liveness logic (§4.4), which spec.md treats as cross-cutting behavior
// living inside Fork and Thinker rather than as a separate type.
//
// Grounded throughout on original_source/src/lib/{fork,thinker,messages}.rs
// — the Rust implementation this specification was distilled from — kept
// in the idiom of this repository's teacher (joeycumines-go-utilpkg):
// exhaustive tagged unions as small structs plus a discriminating method,
// protocol events handled inline and logged rather than returned as
// errors, no goroutines inside the state machines
// themselves (spec.md §9: "No async... do not introduce a task runtime").
package protocol

import (
	"github.com/nomnomring/nomnomring/ids"
)

// Token is the immutable per-version eating permission of spec.md §3. Its
// identity (ID) is preserved across regenerations; Version increases
// monotonically with each regeneration; Issuer records who minted this
// version.
type Token struct {
	ID      ids.ID[ids.Token]
	Version uint32
	Issuer  ids.ID[ids.Thinker]
}

// rank returns a value such that comparing two Tokens' ranks implements
// spec.md §3's total priority order between two references to the same
// TokenID: higher Version wins; on equal Version, larger Issuer id wins.
type tokenRank struct {
	version uint32
	issuer  ids.ID[ids.Thinker]
}

func (t Token) rank() tokenRank {
	return tokenRank{version: t.Version, issuer: t.Issuer}
}

// HigherPriority reports whether t outranks other. It panics if t and
// other do not share a TokenID — spec.md §3 is explicit that tokens with
// distinct TokenIds are incomparable, so callers must never invoke this
// across slots.
func (t Token) HigherPriority(other Token) bool {
	if !t.ID.Equal(other.ID) {
		panic("protocol: compared tokens with distinct TokenIds")
	}
	a, b := t.rank(), other.rank()
	if a.version != b.version {
		return a.version > b.version
	}
	return a.issuer.Compare(b.issuer) > 0
}

// Equal reports whether t and other refer to the same token at the same
// version, minted by the same issuer.
func (t Token) Equal(other Token) bool {
	return t.ID.Equal(other.ID) && t.Version == other.Version && t.Issuer.Equal(other.Issuer)
}

// Next returns the version+1 token this thinker would propose, if it
// believes t is lost. The TokenID is preserved; only Version and Issuer
// change, per spec.md §4.3.
func (t Token) Next(issuer ids.ID[ids.Thinker]) Token {
	return Token{ID: t.ID, Version: t.Version + 1, Issuer: issuer}
}

// Proposal is a candidate replacement for a token believed lost
// (spec.md §3, §4.3). It exists only while some thinker believes Proposed
// is missing, and carries an increasing ProposeVersion so that successive
// proposals for the same token can be ordered and duplicates ignored.
type Proposal struct {
	Proposed       Token
	ProposeVersion uint32
}
