package referrald

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIPHasherIsKeyedAndCanonical(t *testing.T) {
	h := NewIPHasher("salt-a")

	hash := h.Hash("2001:db8::1")
	require.Len(t, hash, 64)
	require.Equal(t, hash, h.Hash(" 2001:0db8:0000::0001 "))
	require.NotEqual(t, hash, h.Hash("2001:db8::2"))
	require.NotEqual(t, hash, NewIPHasher("salt-b").Hash("2001:db8::1"))
}
