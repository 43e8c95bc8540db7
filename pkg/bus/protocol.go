// Package bus implements the mutually-authenticated ingest endpoint. Agents
// publish signed envelopes over TLS with client certificates; the server
// verifies, deduplicates, and appends them to its durable queue before
// acknowledging.
package bus

import "github.com/amoskys/amoskys/pkg/envelope"

// Status is the per-envelope publish verdict.
type Status string

const (
	StatusAccepted  Status = "ACCEPTED"
	StatusDuplicate Status = "DUPLICATE"
	StatusRetry     Status = "RETRY"
	StatusRejected  Status = "REJECTED"
)

// PublishPath is the ingest route. The body is one envelope object or an
// array of envelopes; the response carries one ack per envelope in order.
const PublishPath = "/v1/publish"

// Ack is the verdict for one envelope.
type Ack struct {
	EventID      string `json:"event_id"`
	Status       Status `json:"status"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// PublishResponse is the body returned by PublishPath.
type PublishResponse struct {
	Results []Ack `json:"results"`
}

// Retryable reports whether the verdict allows the sender to try again.
func (a Ack) Retryable() bool { return a.Status == StatusRetry }

// Settled reports whether the envelope is finished from the sender's point
// of view: it is durably stored, already known, or terminally refused.
func (a Ack) Settled() bool {
	return a.Status == StatusAccepted || a.Status == StatusDuplicate || a.Status == StatusRejected
}

// batchEnvelopes is the parsed request body.
type batchEnvelopes []*envelope.Envelope
