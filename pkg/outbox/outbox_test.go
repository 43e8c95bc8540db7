package outbox

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amoskys/amoskys/pkg/bus"
	"github.com/amoskys/amoskys/pkg/config"
	"github.com/amoskys/amoskys/pkg/envelope"
	"github.com/amoskys/amoskys/pkg/observability"
	"github.com/amoskys/amoskys/pkg/queue"
)

func testAgentConfig(busURL string) config.AgentConfig {
	return config.AgentConfig{
		SourceID:         "host-a",
		BusURL:           busURL,
		BatchSize:        32,
		BatchBytes:       1 << 20,
		BackoffBaseMs:    250,
		BackoffCapMs:     30000,
		BreakerFailures:  5,
		BreakerCooldownS: 15,
		SendIdlePollMs:   10,
		RequestTimeoutS:  5,
	}
}

func newTestSender(t *testing.T, cfg config.AgentConfig, client *http.Client) (*Sender, *queue.Queue, *observability.Metrics) {
	t.Helper()
	q, err := queue.Open(t.TempDir(), queue.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	metrics := observability.NewMetrics()
	s := &Sender{
		cfg:    cfg,
		q:      q,
		client: client,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "bus-publish",
			Timeout: cfg.BreakerCooldown(),
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return int(c.ConsecutiveFailures) >= cfg.BreakerFailures
			},
		}),
		metrics: metrics,
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		sleep:   func(context.Context, time.Duration) {},
		rand:    func() float64 { return 1 },
	}
	return s, q, metrics
}

func spoolEnvelope(t *testing.T, q *queue.Queue, n int) *envelope.Envelope {
	t.Helper()
	e := &envelope.Envelope{
		EventID:       "event-" + string(rune('a'+n)),
		SourceID:      "host-a",
		Class:         envelope.ClassAuth,
		TimestampNS:   int64(n),
		SchemaVersion: 1,
		Payload:       json.RawMessage(`{"subtype":"sudo"}`),
	}
	fresh, err := q.Enqueue(e)
	require.NoError(t, err)
	require.True(t, fresh)
	return e
}

// verdictServer acks every envelope in the request with the verdicts it was
// seeded with, keyed by event id.
func verdictServer(t *testing.T, verdicts map[string]bus.Status) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var envs []*envelope.Envelope
		require.NoError(t, json.NewDecoder(r.Body).Decode(&envs))
		var resp bus.PublishResponse
		for _, e := range envs {
			st, ok := verdicts[e.EventID]
			if !ok {
				st = bus.StatusAccepted
			}
			resp.Results = append(resp.Results, bus.Ack{EventID: e.EventID, Status: st, RetryAfterMs: 100})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestSenderSettlesVerdicts(t *testing.T) {
	ts := verdictServer(t, map[string]bus.Status{
		"event-a": bus.StatusAccepted,
		"event-b": bus.StatusDuplicate,
		"event-c": bus.StatusRejected,
		"event-d": bus.StatusRetry,
	})
	defer ts.Close()
	s, q, metrics := newTestSender(t, testAgentConfig(ts.URL), ts.Client())
	for i := 0; i < 4; i++ {
		spoolEnvelope(t, q, i)
	}

	recs, err := q.PeekBatch(4)
	require.NoError(t, err)
	resp, err := s.send(context.Background(), recs)
	require.NoError(t, err)
	s.settle(recs, resp)

	// Accepted, duplicate, and rejected are all terminal.
	for _, id := range []string{"event-a", "event-b", "event-c"} {
		state, known, err := q.Contains(id)
		require.NoError(t, err)
		require.True(t, known)
		assert.Equal(t, queue.StateDone, state, id)
	}
	// Retry goes back to pending with a counted attempt.
	state, known, err := q.Contains("event-d")
	require.NoError(t, err)
	require.True(t, known)
	assert.Equal(t, queue.StatePending, state)

	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.OutboxDroppedRejected))
}

func TestSenderBacksOffOnTransportFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()
	s, q, _ := newTestSender(t, testAgentConfig(ts.URL), ts.Client())
	spoolEnvelope(t, q, 0)

	recs, err := q.PeekBatch(1)
	require.NoError(t, err)
	_, err = s.send(context.Background(), recs)
	require.Error(t, err)
	s.retryAll(recs, err)

	// Not due until the backoff elapses.
	recs, err = q.PeekBatch(1)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestBreakerOpensAndSkipsAttemptCount(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()
	cfg := testAgentConfig(ts.URL)
	cfg.BreakerFailures = 2
	s, q, _ := newTestSender(t, cfg, ts.Client())
	spoolEnvelope(t, q, 0)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		recs, err := q.PeekBatch(1)
		require.NoError(t, err)
		if len(recs) == 0 {
			// Re-lease after the previous backoff by clearing it.
			require.NoError(t, q.Nack([]string{"event-a"}, -time.Hour))
			recs, err = q.PeekBatch(1)
			require.NoError(t, err)
		}
		_, err = s.send(ctx, recs)
		require.Error(t, err)
		s.retryAll(recs, err)
	}
	assert.Equal(t, gobreaker.StateOpen, s.breaker.State())
	assert.False(t, s.Ready())

	// With the breaker open nothing is sent and the lease is returned
	// without burning an attempt.
	require.NoError(t, q.Nack([]string{"event-a"}, -time.Hour))
	recs, err := q.PeekBatch(1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	attemptsBefore := recs[0].Attempts
	_, err = s.send(ctx, recs)
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	s.retryAll(recs, err)

	recs, err = q.PeekBatch(1)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, attemptsBefore, recs[0].Attempts)
}

func TestBackoffGrowthAndCap(t *testing.T) {
	s, _, _ := newTestSender(t, testAgentConfig("http://unused"), http.DefaultClient)

	assert.Equal(t, 250*time.Millisecond, s.backoff(0))
	assert.Equal(t, 500*time.Millisecond, s.backoff(1))
	assert.Equal(t, 2*time.Second, s.backoff(3))
	assert.Equal(t, 30*time.Second, s.backoff(10))
	assert.Equal(t, 30*time.Second, s.backoff(63))

	// Full jitter draws uniformly below the exponential ceiling.
	s.rand = func() float64 { return 0.5 }
	assert.Equal(t, 125*time.Millisecond, s.backoff(0))
	s.rand = func() float64 { return 0 }
	assert.Equal(t, time.Duration(0), s.backoff(5))
}

func TestTrimToBytesReleasesSurplus(t *testing.T) {
	cfg := testAgentConfig("http://unused")
	cfg.BatchBytes = 25
	s, q, _ := newTestSender(t, cfg, http.DefaultClient)
	for i := 0; i < 3; i++ {
		spoolEnvelope(t, q, i) // 18-byte payloads
	}

	recs, err := q.PeekBatch(3)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	kept := s.trimToBytes(recs)
	assert.Len(t, kept, 1)

	// Surplus leases are pending again, attempts untouched.
	rest, err := q.PeekBatch(3)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, 0, rest[0].Attempts)
}
