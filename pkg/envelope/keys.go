package envelope

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// LoadPrivateKey reads a hex-encoded Ed25519 key from path. Both the 32-byte
// seed form and the full 64-byte private key are accepted, matching the hex
// public keys in the signer registry.
func LoadPrivateKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("envelope: read key: %w", err)
	}
	raw, err := hex.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("envelope: decode key %q: %w", path, err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fmt.Errorf("envelope: key %q has %d bytes, want %d or %d",
			path, len(raw), ed25519.SeedSize, ed25519.PrivateKeySize)
	}
}
