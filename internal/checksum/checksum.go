package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

func SHA256(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Unit digests a migration together with its rollback script. A NUL byte
// separates the two so that moving bytes between them changes the sum.
func Unit(up, down []byte) string {
	h := sha256.New()
	h.Write(up)
	h.Write([]byte{0})
	h.Write(down)
	return hex.EncodeToString(h.Sum(nil))
}

// Equal compares two hex digests case-insensitively. Stores written by
// other tools may upper-case them.
func Equal(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}

// Short returns the first 12 hex characters for display.
func Short(sum string) string {
	if len(sum) <= 12 {
		return sum
	}
	return sum[:12]
}
