package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

func HashString(input string) string {
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:16])
}

// HashNormalized hashes text after lowercasing and collapsing whitespace, so
// cache keys ignore formatting differences.
func HashNormalized(input string) string {
	return HashString(strings.Join(strings.Fields(strings.ToLower(input)), " "))
}
