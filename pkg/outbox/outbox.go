// Package outbox implements the agent side of delivery: a durable spool of
// signed envelopes drained to the bus with retry, backoff, and a circuit
// breaker. Telemetry survives agent restarts and bus outages; only an
// explicit REJECTED verdict ever drops a record.
package outbox

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"time"

	"github.com/sony/gobreaker"

	"github.com/amoskys/amoskys/pkg/bus"
	"github.com/amoskys/amoskys/pkg/config"
	"github.com/amoskys/amoskys/pkg/envelope"
	"github.com/amoskys/amoskys/pkg/observability"
	"github.com/amoskys/amoskys/pkg/queue"
)

// Sender drains the outbox queue to the bus. Exactly one Sender runs per
// agent; it is the queue's only consumer.
type Sender struct {
	cfg     config.AgentConfig
	q       *queue.Queue
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	metrics *observability.Metrics
	log     *slog.Logger

	sleep func(context.Context, time.Duration)
	rand  func() float64
}

// NewSender builds the delivery loop. The HTTP client presents the agent's
// client certificate; the bus will refuse anything not chained to the CA.
func NewSender(cfg config.AgentConfig, q *queue.Queue, metrics *observability.Metrics, log *slog.Logger) (*Sender, error) {
	tlsCfg, err := clientTLS(cfg.TLS)
	if err != nil {
		return nil, err
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "bus-publish",
		Timeout: cfg.BreakerCooldown(),
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return int(c.ConsecutiveFailures) >= cfg.BreakerFailures
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			log.Info("publish breaker state change", "from", from.String(), "to", to.String())
		},
	})
	return &Sender{
		cfg: cfg,
		q:   q,
		client: &http.Client{
			Timeout:   cfg.RequestTimeout(),
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
		},
		breaker: breaker,
		metrics: metrics,
		log:     log,
		sleep:   sleepCtx,
		rand:    rand.Float64,
	}, nil
}

// Ready reports delivery health: the spool is writable and the breaker is
// not open.
func (s *Sender) Ready() bool {
	return s.q.Healthy() && s.breaker.State() != gobreaker.StateOpen
}

// Run drains the queue until ctx cancels.
func (s *Sender) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		s.publishGauges()
		if s.breaker.State() == gobreaker.StateOpen {
			s.metrics.AgentReadyState.Set(0)
			s.sleep(ctx, s.cfg.SendIdlePoll())
			continue
		}
		s.metrics.AgentReadyState.Set(1)

		recs, err := s.q.PeekBatch(s.cfg.BatchSize)
		if err != nil {
			s.log.Error("outbox lease failed", "error", err)
			s.sleep(ctx, s.cfg.SendIdlePoll())
			continue
		}
		if len(recs) == 0 {
			s.sleep(ctx, s.cfg.SendIdlePoll())
			continue
		}
		recs = s.trimToBytes(recs)

		resp, err := s.send(ctx, recs)
		if err != nil {
			s.retryAll(recs, err)
			continue
		}
		s.settle(recs, resp)
	}
	return ctx.Err()
}

// trimToBytes enforces the batch byte ceiling; surplus leased records are
// returned to PENDING with no backoff so the next pass picks them up.
func (s *Sender) trimToBytes(recs []*queue.Record) []*queue.Record {
	total := int64(0)
	cut := len(recs)
	for i, r := range recs {
		total += int64(len(r.Envelope.Payload))
		if i > 0 && total > s.cfg.BatchBytes {
			cut = i
			break
		}
	}
	if cut == len(recs) {
		return recs
	}
	surplus := make([]string, 0, len(recs)-cut)
	for _, r := range recs[cut:] {
		surplus = append(surplus, r.Envelope.EventID)
	}
	if err := s.q.Release(surplus); err != nil {
		s.log.Error("outbox un-lease failed", "error", err)
	}
	return recs[:cut]
}

func (s *Sender) send(ctx context.Context, recs []*queue.Record) (*bus.PublishResponse, error) {
	envs := make([]*envelope.Envelope, len(recs))
	for i, r := range recs {
		envs[i] = r.Envelope
	}
	body, err := json.Marshal(envs)
	if err != nil {
		return nil, fmt.Errorf("outbox: marshal batch: %w", err)
	}
	out, err := s.breaker.Execute(func() (any, error) {
		return s.post(ctx, body)
	})
	if err != nil {
		return nil, err
	}
	return out.(*bus.PublishResponse), nil
}

func (s *Sender) post(ctx context.Context, body []byte) (*bus.PublishResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.BusURL+bus.PublishPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10))
		return nil, fmt.Errorf("outbox: bus answered %d", resp.StatusCode)
	}
	var pr bus.PublishResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("outbox: decode response: %w", err)
	}
	return &pr, nil
}

// retryAll returns a failed batch to PENDING with per-record backoff. A
// breaker-open error skips the attempt bump; nothing was actually sent.
func (s *Sender) retryAll(recs []*queue.Record, cause error) {
	if errors.Is(cause, gobreaker.ErrOpenState) || errors.Is(cause, gobreaker.ErrTooManyRequests) {
		ids := make([]string, len(recs))
		for i, r := range recs {
			ids[i] = r.Envelope.EventID
		}
		if err := s.q.Release(ids); err != nil {
			s.log.Error("outbox un-lease failed", "error", err)
		}
		return
	}
	s.log.Warn("publish failed, backing off", "batch", len(recs), "error", cause)
	for _, r := range recs {
		s.nackOne(r)
	}
}

// settle applies per-envelope verdicts. ACCEPTED and DUPLICATE complete the
// record; REJECTED completes it too, after counting the drop, since a signed
// envelope the bus refuses will never become acceptable by retrying.
func (s *Sender) settle(recs []*queue.Record, resp *bus.PublishResponse) {
	acks := make(map[string]bus.Ack, len(resp.Results))
	for _, a := range resp.Results {
		acks[a.EventID] = a
	}
	var done []string
	for _, r := range recs {
		id := r.Envelope.EventID
		ack, ok := acks[id]
		if !ok {
			// No verdict for a sent envelope: treat as retryable.
			s.nackOne(r)
			continue
		}
		switch {
		case ack.Status == bus.StatusRejected:
			s.metrics.OutboxDroppedRejected.Inc()
			s.log.Warn("envelope rejected by bus, dropping",
				"event_id", id, "source_id", r.Envelope.SourceID, "reason", ack.Reason)
			done = append(done, id)
		case ack.Settled():
			done = append(done, id)
		default:
			s.nackOne(r)
		}
	}
	if len(done) > 0 {
		if err := s.q.Ack(done); err != nil {
			s.log.Error("outbox ack failed", "error", err)
		}
	}
	s.publishGauges()
}

func (s *Sender) nackOne(r *queue.Record) {
	d := s.backoff(r.Attempts)
	s.metrics.OutboxBackoffMs.Set(float64(d.Milliseconds()))
	if err := s.q.Nack([]string{r.Envelope.EventID}, d); err != nil {
		s.log.Error("outbox nack failed", "event_id", r.Envelope.EventID, "error", err)
	}
}

// backoff computes full-jitter exponential backoff: uniform over
// [0, min(cap, base*2^attempt)].
func (s *Sender) backoff(attempt int) time.Duration {
	ceiling := s.cfg.BackoffCap()
	d := s.cfg.BackoffBase()
	for i := 0; i < attempt && d < ceiling; i++ {
		d *= 2
	}
	if d > ceiling {
		d = ceiling
	}
	return time.Duration(s.rand() * float64(d))
}

func (s *Sender) publishGauges() {
	if depth, err := s.q.Size(); err == nil {
		s.metrics.OutboxDepth.Set(float64(depth))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// clientTLS builds the agent's mTLS client config.
func clientTLS(cfg config.TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("outbox: load keypair: %w", err)
	}
	caPEM, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("outbox: load CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("outbox: no certificates in %q", cfg.CAFile)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
