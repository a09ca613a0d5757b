package hash

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSumStrings(t *testing.T) {
	require.Len(t, SumStrings(), 2*Size)
	require.Equal(t, SumStrings("a", "b"), SumStrings("a", "b"))
	require.NotEqual(t, SumStrings("ab", "c"), SumStrings("a", "bc"))
	require.NotEqual(t, SumStrings("a"), SumStrings("a", ""))
}

func TestHasherReuse(t *testing.T) {
	first := SumStrings("x", "y", "z")
	for range 10 {
		require.Equal(t, first, SumStrings("x", "y", "z"))
	}
}

func TestSum(t *testing.T) {
	require.Equal(t, Sum([]byte("ab")), Sum([]byte("a"), []byte("b")))
	require.NotEqual(t, Sum([]byte("ab")), Sum([]byte("ba")))
	require.Equal(t, Sum(), Sum(nil))
}
