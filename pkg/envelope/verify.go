package envelope

import (
	"fmt"
	"time"
)

// Verifier checks inbound envelopes against the signer registry and the
// optional payload schema set. The clock is injected so admission-window
// boundaries are testable.
type Verifier struct {
	registry *Registry
	schemas  *SchemaSet
	now      func() time.Time
}

// NewVerifier builds a verifier. schemas may be nil.
func NewVerifier(registry *Registry, schemas *SchemaSet) *Verifier {
	return &Verifier{registry: registry, schemas: schemas, now: time.Now}
}

// WithClock overrides the wall clock, for tests.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify runs the full admission checks in order: schema, content identity,
// signer lookup, signature, clock skew. The returned error wraps one of
// ErrSchema, ErrUnknownSource, ErrBadSig, or ErrClockSkew; nil means the
// envelope is admissible.
func (v *Verifier) Verify(e *Envelope) error {
	if e.SchemaVersion != SchemaVersion {
		return fmt.Errorf("%w: unsupported schema_version %d", ErrSchema, e.SchemaVersion)
	}
	if !e.Class.Valid() {
		return fmt.Errorf("%w: unknown class %q", ErrSchema, e.Class)
	}
	if e.SourceID == "" {
		return fmt.Errorf("%w: empty source_id", ErrSchema)
	}
	if e.Signature == "" {
		return fmt.Errorf("%w: missing signature", ErrBadSig)
	}
	if err := v.schemas.Validate(e.Class, e.Payload); err != nil {
		return err
	}

	// The event id must be the pure content hash; a mismatch means the
	// envelope was tampered with or assembled wrong.
	id, err := ComputeEventID(e)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}
	if e.EventID != id {
		return fmt.Errorf("%w: event_id does not match content", ErrSchema)
	}

	pub, ok := v.registry.Lookup(e.SourceID)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownSource, e.SourceID)
	}
	valid, err := verifySignature(e, pub)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSig, err)
	}
	if !valid {
		return ErrBadSig
	}

	if !e.WithinWindow(v.now()) {
		return fmt.Errorf("%w: timestamp_ns=%d", ErrClockSkew, e.TimestampNS)
	}
	return nil
}
