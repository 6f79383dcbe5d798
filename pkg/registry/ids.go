package registry

import (
	"crypto/rand"
	"fmt"
)

// idAlphabet deliberately excludes uppercase so resource IDs are safe as
// lowercase-only identifiers in downstream install targets.
const idAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

const idLength = 10

// NewResourceID generates a resource identity with the configured prefix,
// e.g. "corpus-dxh6e6wtff".
func NewResourceID(prefix string) (string, error) {
	buf := make([]byte, idLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate resource id: %w", err)
	}
	for i, b := range buf {
		buf[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return prefix + string(buf), nil
}
