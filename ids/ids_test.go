package ids

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIDOrdering(t *testing.T) {
	a := New[Thinker]()
	b := New[Thinker]()
	require.False(t, a.Equal(b))
	require.Zero(t, a.Compare(a))

	// flip operands, the sign must flip with it
	if a.Compare(b) < 0 {
		require.Greater(t, b.Compare(a), 0)
	} else {
		require.Less(t, b.Compare(a), 0)
	}
}

func TestIDZero(t *testing.T) {
	var z ID[Fork]
	require.True(t, z.IsZero())
	require.False(t, New[Fork]().IsZero())
}

func TestIDRoundTripBinary(t *testing.T) {
	orig := New[Token]()
	data, err := orig.MarshalBinary()
	require.NoError(t, err)

	var got ID[Token]
	require.NoError(t, got.UnmarshalBinary(data))
	require.True(t, orig.Equal(got))
}
