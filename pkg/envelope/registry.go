package envelope

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Registry maps agent source ids to their long-term Ed25519 verifying keys.
// It is loaded once at startup and immutable afterwards; key changes require
// a process restart, so no locking is needed on the read path.
type Registry struct {
	keys map[string]ed25519.PublicKey
}

// NewRegistry builds a registry from hex-encoded public keys.
func NewRegistry(keys map[string]string) (*Registry, error) {
	r := &Registry{keys: make(map[string]ed25519.PublicKey, len(keys))}
	for source, keyHex := range keys {
		pub, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, fmt.Errorf("signer key for %q: invalid hex: %w", source, err)
		}
		if len(pub) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("signer key for %q: invalid size %d", source, len(pub))
		}
		r.keys[source] = ed25519.PublicKey(pub)
	}
	return r, nil
}

// LoadRegistry reads a YAML signer file of the form:
//
//	signers:
//	  host-a: <hex ed25519 public key>
//	  host-b: <hex ed25519 public key>
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load signer registry %q: %w", path, err)
	}
	var doc struct {
		Signers map[string]string `yaml:"signers"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse signer registry %q: %w", path, err)
	}
	if len(doc.Signers) == 0 {
		return nil, fmt.Errorf("signer registry %q lists no signers", path)
	}
	return NewRegistry(doc.Signers)
}

// Lookup returns the verifying key for a source id.
func (r *Registry) Lookup(sourceID string) (ed25519.PublicKey, bool) {
	pub, ok := r.keys[sourceID]
	return pub, ok
}

// Len returns the number of registered signers.
func (r *Registry) Len() int { return len(r.keys) }
