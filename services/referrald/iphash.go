package referrald

import (
	"encoding/hex"
	"net"
	"strings"

	"lukechampine.com/blake3"
)

// IPHasher turns client addresses into salted, non-reversible identifiers.
type IPHasher struct {
	key [32]byte
}

// NewIPHasher derives the BLAKE3 key from salt.
func NewIPHasher(salt string) *IPHasher {
	return &IPHasher{key: blake3.Sum256([]byte(salt))}
}

// Hash returns the hex keyed hash of the canonical form of ip.
func (h *IPHasher) Hash(ip string) string {
	canonical := strings.TrimSpace(ip)
	if parsed := net.ParseIP(canonical); parsed != nil {
		canonical = parsed.String()
	}
	mac := blake3.New(32, h.key[:])
	_, _ = mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}
