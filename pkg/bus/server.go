package bus

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/amoskys/amoskys/pkg/bus/dedup"
	"github.com/amoskys/amoskys/pkg/config"
	"github.com/amoskys/amoskys/pkg/envelope"
	"github.com/amoskys/amoskys/pkg/observability"
	"github.com/amoskys/amoskys/pkg/queue"
)

// retryAfter is the backoff suggested on RETRY verdicts.
const retryAfter = 1000 * time.Millisecond

// maxBodyBytes bounds a publish body: a full batch of 1 MiB payloads plus
// envelope overhead.
const maxBodyBytes = 4 << 20

type appendReq struct {
	env   *envelope.Envelope
	reply chan appendResult
}

type appendResult struct {
	fresh bool
	err   error
}

// Server is the ingest endpoint. Handler goroutines verify and admit;
// a single durability worker owns the queue writer so appends serialize
// (the queue's single-writer contract). Handlers suspend on the reply
// channel until the append is fsynced.
type Server struct {
	cfg      config.BusConfig
	verifier *envelope.Verifier
	q        *queue.Queue
	index    dedup.Index
	metrics  *observability.Metrics
	log      *slog.Logger

	inflight atomic.Int64
	appendCh chan appendReq

	limitMu  sync.Mutex
	limiters map[string]*rate.Limiter

	wg sync.WaitGroup
}

// NewServer wires the ingest server. The dedupe index may be dedup.None{}.
func NewServer(cfg config.BusConfig, verifier *envelope.Verifier, q *queue.Queue, index dedup.Index, metrics *observability.Metrics, log *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		verifier: verifier,
		q:        q,
		index:    index,
		metrics:  metrics,
		log:      log,
		appendCh: make(chan appendReq),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Ready reports ingest readiness: durable queue writable and signer
// registry loaded.
func (s *Server) Ready() bool {
	return s.q.Healthy() && s.verifier != nil
}

// Start launches the durability worker and housekeeping loops.
func (s *Server) Start(ctx context.Context) {
	s.wg.Add(2)
	go s.writerLoop(ctx)
	go s.houseKeeping(ctx)
}

// Wait blocks until background workers exit.
func (s *Server) Wait() { s.wg.Wait() }

func (s *Server) writerLoop(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.appendCh:
			fresh, err := s.q.Enqueue(req.env)
			req.reply <- appendResult{fresh: fresh, err: err}
		}
	}
}

func (s *Server) houseKeeping(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.q.GC(ctx); err != nil && !errors.Is(err, queue.ErrClosed) {
				s.log.Warn("queue gc failed", "error", err)
			}
			if depth, err := s.q.Size(); err == nil {
				s.metrics.QueueDepth.Set(float64(depth))
			}
		}
	}
}

// Handler returns the ingest mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(PublishPath, s.handlePublish)
	return mux
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Hard admission limit: refuse before reading the body.
	n := s.inflight.Add(1)
	s.metrics.Inflight.Set(float64(n))
	defer func() {
		s.metrics.Inflight.Set(float64(s.inflight.Add(-1)))
	}()
	if int(n) > s.cfg.Concurrency {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
		return
	}
	overSoft := int(n) > s.cfg.Concurrency*8/10

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.PublishTimeout())
	defer cancel()

	envs, err := decodeEnvelopes(r.Body)
	if err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}

	requestID := uuid.NewString()
	resp := PublishResponse{Results: make([]Ack, 0, len(envs))}
	for _, e := range envs {
		ack := s.admit(ctx, e, overSoft)
		s.metrics.PublishTotal.WithLabelValues(statusLabel(ack.Status), string(e.Class), e.SourceID).Inc()
		if ack.Status == StatusRejected {
			// Offending payloads are never logged, only identifiers.
			s.log.Info("envelope rejected",
				"request_id", requestID, "event_id", e.EventID, "source_id", e.SourceID, "reason", ack.Reason)
		}
		resp.Results = append(resp.Results, ack)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// admit runs the per-envelope admission pipeline in order: envelope verify
// (signature, schema, clock skew), admission control, dedupe, durable
// append. The ack is written only after the queue append has fsynced.
func (s *Server) admit(ctx context.Context, e *envelope.Envelope, overSoft bool) Ack {
	if err := s.verifier.Verify(e); err != nil {
		return Ack{EventID: e.EventID, Status: StatusRejected, Reason: verifyReason(err)}
	}

	if overSoft || !s.sourceLimiter(e.SourceID).Allow() {
		return Ack{EventID: e.EventID, Status: StatusRetry, RetryAfterMs: retryAfter.Milliseconds()}
	}

	if seen, err := s.index.Seen(ctx, e.EventID); err != nil {
		s.log.Warn("dedupe index lookup failed", "event_id", e.EventID, "error", err)
	} else if seen {
		return Ack{EventID: e.EventID, Status: StatusDuplicate}
	}

	req := appendReq{env: e, reply: make(chan appendResult, 1)}
	select {
	case s.appendCh <- req:
	case <-ctx.Done():
		return Ack{EventID: e.EventID, Status: StatusRetry, RetryAfterMs: retryAfter.Milliseconds()}
	}
	var res appendResult
	select {
	case res = <-req.reply:
	case <-ctx.Done():
		return Ack{EventID: e.EventID, Status: StatusRetry, RetryAfterMs: retryAfter.Milliseconds()}
	}

	switch {
	case errors.Is(res.err, queue.ErrFull):
		return Ack{EventID: e.EventID, Status: StatusRetry, RetryAfterMs: retryAfter.Milliseconds()}
	case res.err != nil:
		// Storage trouble is transient from the client's point of view;
		// readiness drops separately and sheds traffic.
		s.log.Error("durable append failed", "event_id", e.EventID, "error", res.err)
		return Ack{EventID: e.EventID, Status: StatusRetry, RetryAfterMs: retryAfter.Milliseconds()}
	case !res.fresh:
		return Ack{EventID: e.EventID, Status: StatusDuplicate}
	}

	if err := s.index.Mark(ctx, e.EventID); err != nil {
		s.log.Warn("dedupe index mark failed", "event_id", e.EventID, "error", err)
	}
	if depth, err := s.q.Size(); err == nil {
		s.metrics.QueueDepth.Set(float64(depth))
	}
	return Ack{EventID: e.EventID, Status: StatusAccepted}
}

func (s *Server) sourceLimiter(sourceID string) *rate.Limiter {
	s.limitMu.Lock()
	defer s.limitMu.Unlock()
	l, ok := s.limiters[sourceID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.cfg.SourceRPS), s.cfg.SourceBurst)
		s.limiters[sourceID] = l
	}
	return l
}

// Serve runs the mTLS listener until ctx cancels, then drains gracefully.
func (s *Server) Serve(ctx context.Context) error {
	tlsCfg, err := serverTLS(s.cfg.TLS)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServeTLS("", "") }()
	s.log.Info("bus listening", "addr", s.cfg.Listen)
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// serverTLS builds the mutually-authenticated listener config: the peer
// certificate must chain to the operator CA or the connection is refused.
func serverTLS(cfg config.TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("bus: load keypair: %w", err)
	}
	caPEM, err := os.ReadFile(cfg.CAFile)
	if err != nil {
		return nil, fmt.Errorf("bus: load CA: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("bus: no certificates in %q", cfg.CAFile)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func decodeEnvelopes(body io.Reader) (batchEnvelopes, error) {
	data, err := io.ReadAll(io.LimitReader(body, maxBodyBytes))
	if err != nil {
		return nil, err
	}
	trimmed := firstNonSpace(data)
	if trimmed == '[' {
		var envs batchEnvelopes
		if err := json.Unmarshal(data, &envs); err != nil {
			return nil, err
		}
		if len(envs) == 0 {
			return nil, errors.New("empty batch")
		}
		return envs, nil
	}
	var e envelope.Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return batchEnvelopes{&e}, nil
}

func firstNonSpace(data []byte) byte {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b
	}
	return 0
}

func statusLabel(st Status) string {
	switch st {
	case StatusAccepted:
		return "accepted"
	case StatusDuplicate:
		return "duplicate"
	case StatusRetry:
		return "retry"
	default:
		return "rejected"
	}
}

func verifyReason(err error) string {
	switch {
	case errors.Is(err, envelope.ErrUnknownSource):
		return "unknown_source"
	case errors.Is(err, envelope.ErrBadSig):
		return "bad_signature"
	case errors.Is(err, envelope.ErrClockSkew):
		return "clock_skew"
	default:
		return "schema"
	}
}
