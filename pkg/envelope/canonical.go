package envelope

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Canonical returns the RFC 8785 canonical bytes of the envelope with the
// signature field omitted. These are the bytes the producer signs; they are
// stable across implementations because JCS fixes key order, number
// formatting, and escaping.
func Canonical(e *Envelope) ([]byte, error) {
	shadow := *e
	shadow.Signature = ""
	return canonicalBytes(&shadow)
}

// ComputeEventID returns the content-derived identifier: the SHA-256 hex
// digest of the canonical bytes with both signature and event_id omitted.
// It is a pure function of (source, class, timestamp, schema, payload), so
// re-sent and replayed envelopes collapse onto one identity.
func ComputeEventID(e *Envelope) (string, error) {
	shadow := *e
	shadow.Signature = ""
	shadow.EventID = ""
	b, err := canonicalBytes(&shadow)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// Sign stamps the envelope with its event id and a detached hex-encoded
// Ed25519 signature over the canonical bytes.
func Sign(e *Envelope, priv ed25519.PrivateKey) error {
	id, err := ComputeEventID(e)
	if err != nil {
		return err
	}
	e.EventID = id
	canonical, err := Canonical(e)
	if err != nil {
		return err
	}
	e.Signature = hex.EncodeToString(ed25519.Sign(priv, canonical))
	return nil
}

// verifySignature checks the detached signature against pub.
func verifySignature(e *Envelope, pub ed25519.PublicKey) (bool, error) {
	sig, err := hex.DecodeString(e.Signature)
	if err != nil {
		return false, fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return false, fmt.Errorf("invalid signature size %d", len(sig))
	}
	canonical, err := Canonical(e)
	if err != nil {
		return false, err
	}
	return ed25519.Verify(pub, canonical, sig), nil
}

func canonicalBytes(e *Envelope) ([]byte, error) {
	// Payload must itself be valid JSON or JCS cannot fix its form.
	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrSchema)
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("canonical pre-marshal failed: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("jcs transform failed: %w", err)
	}
	return out, nil
}
