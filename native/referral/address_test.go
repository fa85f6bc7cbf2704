package referral

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeAddress(t *testing.T) {
	addr, err := NormalizeAddress("  0xAbCdEf0123456789aBcDeF0123456789AbCdEf01 ")
	require.NoError(t, err)
	require.Equal(t, "0xabcdef0123456789abcdef0123456789abcdef01", addr)

	for _, bad := range []string{"", "0x123", "abcdef0123456789abcdef0123456789abcdef0z", "not-a-wallet"} {
		_, err := NormalizeAddress(bad)
		require.ErrorIs(t, err, ErrInvalidAddress, bad)
	}
}

func TestNormalizeCode(t *testing.T) {
	code, err := NormalizeCode(" cg-abc123 ", "CG")
	require.NoError(t, err)
	require.Equal(t, "CG-ABC123", code)

	for _, bad := range []string{"", "ABC123", "CG-ABC", "XX-ABC123", "CG-ABC_123", "CG-ABCDEFGHJKLMN"} {
		_, err := NormalizeCode(bad, "CG")
		require.ErrorIs(t, err, ErrInvalidCode, bad)
	}
}

func TestGenerateCodeRoundTrips(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := GenerateCode("dao")
		require.NoError(t, err)
		require.True(t, strings.HasPrefix(code, "DAO-"))
		normalized, err := NormalizeCode(code, "DAO")
		require.NoError(t, err)
		require.Equal(t, code, normalized)
	}
}

func TestKindRetriable(t *testing.T) {
	require.True(t, KindOf(ErrTreasuryExhausted).Retriable())
	require.True(t, KindOf(ErrTransferTimeout).Retriable())
	require.False(t, KindOf(ErrNotEligible).Retriable())
	require.False(t, KindOf(&ExceedsCapError{}).Retriable())
	require.Equal(t, KindInvalidInput, KindOf(ErrSelfReferral))
}
