// Package envelope defines the signed, content-addressed unit of telemetry
// exchanged between agents, the event bus, and the fusion engine.
package envelope

import (
	"encoding/json"
	"errors"
	"time"
)

// SchemaVersion is the current envelope schema version. Envelopes carrying
// any other version are refused with ErrSchema.
const SchemaVersion = 1

// Class is the coarse category of an observation.
type Class string

const (
	ClassAuth        Class = "AUTH"
	ClassPersistence Class = "PERSISTENCE"
	ClassFlow        Class = "FLOW"
	ClassProcess     Class = "PROCESS"
	ClassOther       Class = "OTHER"
)

// Valid reports whether c is a member of the closed class set.
func (c Class) Valid() bool {
	switch c {
	case ClassAuth, ClassPersistence, ClassFlow, ClassProcess, ClassOther:
		return true
	}
	return false
}

// Verification errors. The bus maps these onto publish verdicts; all of them
// are non-retryable for the offending envelope.
var (
	ErrUnknownSource = errors.New("envelope: source not in signer registry")
	ErrBadSig        = errors.New("envelope: signature verification failed")
	ErrClockSkew     = errors.New("envelope: timestamp outside admission window")
	ErrSchema        = errors.New("envelope: schema violation")
)

// Admission window for producer timestamps. The lower bound is inclusive:
// a timestamp of exactly now-MaxAge is admitted.
const (
	MaxAge    = 24 * time.Hour
	MaxFuture = 5 * time.Minute
)

// Envelope is the sole on-the-wire unit. EventID is derived from the
// canonical content (see ComputeEventID) and doubles as the dedupe key
// end-to-end. Payload is opaque, schema-tagged JSON owned by the class.
type Envelope struct {
	EventID       string          `json:"event_id,omitempty"`
	SourceID      string          `json:"source_id"`
	Class         Class           `json:"class"`
	TimestampNS   int64           `json:"timestamp_ns"`
	SchemaVersion int             `json:"schema_version"`
	Payload       json.RawMessage `json:"payload"`
	Signature     string          `json:"signature,omitempty"`
}

// Timestamp returns the producer capture time as a wall-clock time.
func (e *Envelope) Timestamp() time.Time {
	return time.Unix(0, e.TimestampNS)
}

// WithinWindow reports whether the envelope timestamp falls inside
// [now-MaxAge, now+MaxFuture].
func (e *Envelope) WithinWindow(now time.Time) bool {
	ts := e.Timestamp()
	if ts.Before(now.Add(-MaxAge)) {
		return false
	}
	return !ts.After(now.Add(MaxFuture))
}
