package referral

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// DefaultCodePrefix is used when no prefix is configured.
const DefaultCodePrefix = "CG"

const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

var codeBody = regexp.MustCompile(`^[A-Z0-9]{6,12}$`)

// NormalizeAddress validates an EVM address and returns its lowercase 0x form.
func NormalizeAddress(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return "", fmt.Errorf("%w: %q", ErrInvalidAddress, raw)
	}
	return strings.ToLower(common.HexToAddress(trimmed).Hex()), nil
}

// NormalizeCode upper-cases a referral code and checks it has the
// <PREFIX>-<6..12 alphanumerics> shape.
func NormalizeCode(raw, prefix string) (string, error) {
	if prefix == "" {
		prefix = DefaultCodePrefix
	}
	code := strings.ToUpper(strings.TrimSpace(raw))
	body, ok := strings.CutPrefix(code, strings.ToUpper(prefix)+"-")
	if !ok || !codeBody.MatchString(body) {
		return "", fmt.Errorf("%w: %q", ErrInvalidCode, raw)
	}
	return code, nil
}

// GenerateCode returns a random code with the supplied prefix. Ambiguous
// characters (0/O, 1/I) are excluded.
func GenerateCode(prefix string) (string, error) {
	if prefix == "" {
		prefix = DefaultCodePrefix
	}
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("referral: generate code: %w", err)
	}
	out := make([]byte, len(buf))
	for i, b := range buf {
		out[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return strings.ToUpper(prefix) + "-" + string(out), nil
}
