package fusion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/amoskys/amoskys/pkg/config"
	"github.com/amoskys/amoskys/pkg/envelope"
	"github.com/amoskys/amoskys/pkg/observability"
	"github.com/amoskys/amoskys/pkg/queue"
	"github.com/amoskys/amoskys/pkg/store"
)

const leaseBatch = 256

// event is a decoded envelope in engine-internal form.
type event struct {
	id       string
	class    envelope.Class
	sourceID string
	tsNS     int64
	subtype  string
	payload  map[string]any
}

// Engine consumes verified envelopes, maintains per-rule per-group event
// rings, and emits incidents. It is single-threaded: one goroutine owns all
// ring state, so matching needs no locks and stays deterministic.
type Engine struct {
	cfg     config.FusionConfig
	rules   []*Rule
	q       *queue.Queue
	store   *store.Store
	metrics *observability.Metrics
	log     *slog.Logger

	// rings[ruleID][groupKey] holds events relevant to that rule, oldest
	// first, bounded by RingCap and trimmed to the rule window plus slack.
	rings map[string]map[string][]*event
}

// NewEngine wires the correlation engine over an already-open queue and store.
func NewEngine(cfg config.FusionConfig, rules []*Rule, q *queue.Queue, st *store.Store, metrics *observability.Metrics, log *slog.Logger) *Engine {
	rings := make(map[string]map[string][]*event, len(rules))
	for _, r := range rules {
		rings[r.RuleID] = make(map[string][]*event)
	}
	return &Engine{cfg: cfg, rules: rules, q: q, store: st, metrics: metrics, log: log, rings: rings}
}

// Ready reports whether the engine can consume.
func (en *Engine) Ready() bool { return en.q.Healthy() }

// Run consumes the input queue until ctx cancels. Events are acked once
// every rule has seen them; a storage failure leaves the lease to be
// redelivered, and incident idempotency absorbs the replay.
func (en *Engine) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		recs, err := en.q.PeekBatch(leaseBatch)
		if err != nil {
			en.log.Error("input lease failed", "error", err)
			sleepCtx(ctx, time.Second)
			continue
		}
		if len(recs) == 0 {
			sleepCtx(ctx, 200*time.Millisecond)
			continue
		}
		en.settle(recs)
	}
	return ctx.Err()
}

// Drain consumes records already due in the input queue and returns once it
// is empty. Called at shutdown so a stop between lease and ack settles the
// outstanding work before the store closes.
func (en *Engine) Drain(ctx context.Context) error {
	for ctx.Err() == nil {
		recs, err := en.q.PeekBatch(leaseBatch)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			return nil
		}
		en.settle(recs)
	}
	return ctx.Err()
}

// settle ingests one leased batch, acking what correlated and nacking what
// must be redelivered.
func (en *Engine) settle(recs []*queue.Record) {
	var done, redo []string
	for _, rec := range recs {
		if err := en.Ingest(rec.Envelope); err != nil {
			en.log.Error("ingest failed, will retry", "event_id", rec.Envelope.EventID, "error", err)
			redo = append(redo, rec.Envelope.EventID)
			continue
		}
		done = append(done, rec.Envelope.EventID)
	}
	if len(done) > 0 {
		if err := en.q.Ack(done); err != nil {
			en.log.Error("input ack failed", "error", err)
		}
	}
	if len(redo) > 0 {
		if err := en.q.Nack(redo, time.Second); err != nil {
			en.log.Error("input nack failed", "error", err)
		}
	}
}

// Ingest feeds one envelope through every rule. A failure in one rule is
// counted and logged but never blocks the others; only a store failure is
// returned, so the event can be redelivered.
func (en *Engine) Ingest(e *envelope.Envelope) error {
	ev, err := decodeEvent(e)
	if err != nil {
		// Undecodable payloads passed admission but cannot correlate;
		// dropping them here is final.
		en.log.Warn("unparseable payload, skipping", "event_id", e.EventID, "source_id", e.SourceID)
		return nil
	}
	for _, r := range en.rules {
		if err := en.applyRule(r, ev); err != nil {
			return err
		}
	}
	return nil
}

func decodeEvent(e *envelope.Envelope) (*event, error) {
	var payload map[string]any
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return nil, err
	}
	subtype, _ := payload["subtype"].(string)
	return &event{
		id:       e.EventID,
		class:    e.Class,
		sourceID: e.SourceID,
		tsNS:     e.TimestampNS,
		subtype:  subtype,
		payload:  payload,
	}, nil
}

// applyRule admits the event into the rule's ring and attempts a match.
func (en *Engine) applyRule(r *Rule, ev *event) error {
	relevant, err := en.relevant(r, ev)
	if err != nil {
		en.ruleError(r, ev, err)
		return nil
	}
	if !relevant {
		return nil
	}
	key := groupKey(r, ev)
	ring := en.admit(r, key, ev)

	matched, err := en.match(r, ring, ev)
	if err != nil {
		en.ruleError(r, ev, err)
		return nil
	}
	if matched == nil {
		return nil
	}
	return en.emit(r, key, matched)
}

// relevant reports whether any predicate of the rule accepts the event.
func (en *Engine) relevant(r *Rule, ev *event) (bool, error) {
	for _, p := range r.Predicates {
		ok, err := p.matches(ev)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func groupKey(r *Rule, ev *event) string {
	if v, ok := ev.payload[r.GroupBy].(string); ok && v != "" {
		return v
	}
	// Events without the grouping field correlate by their emitting agent.
	return ev.sourceID
}

// admit appends the event to the rule's ring for key, evicting by capacity
// and by age. The ring is kept sorted by timestamp so out-of-order arrivals
// inside the slack window still correlate. Matched events stay in the ring
// until they age out, so later arrivals can pair with them again; the
// incident id absorbs re-matches of an identical set.
func (en *Engine) admit(r *Rule, key string, ev *event) []*event {
	ring := en.rings[r.RuleID][key]
	for _, cur := range ring {
		// Redelivered event: the ring holds each id once.
		if cur.id == ev.id {
			return ring
		}
	}
	pos := sort.Search(len(ring), func(i int) bool { return ring[i].tsNS > ev.tsNS })
	ring = append(ring, nil)
	copy(ring[pos+1:], ring[pos:])
	ring[pos] = ev

	horizon := ring[len(ring)-1].tsNS - (time.Duration(r.WindowS)*time.Second + en.cfg.WindowSlack()).Nanoseconds()
	trim := 0
	for trim < len(ring) && ring[trim].tsNS < horizon {
		trim++
	}
	if over := len(ring) - trim - en.cfg.RingCap; over > 0 {
		trim += over
	}
	ring = ring[trim:]
	en.rings[r.RuleID][key] = ring
	return ring
}

// match searches the ring for one event per predicate, all within the rule
// window and containing the newly arrived event. For ordered rules the
// matched timestamps must be non-decreasing in predicate order.
func (en *Engine) match(r *Rule, ring []*event, newest *event) ([]*event, error) {
	window := (time.Duration(r.WindowS) * time.Second).Nanoseconds()
	candidates := make([][]*event, len(r.Predicates))
	for i, p := range r.Predicates {
		for _, ev := range ring {
			if abs(newest.tsNS-ev.tsNS) > window {
				continue
			}
			ok, err := p.matches(ev)
			if err != nil {
				return nil, err
			}
			if ok {
				candidates[i] = append(candidates[i], ev)
			}
		}
		if len(candidates[i]) == 0 {
			return nil, nil
		}
	}
	picked := make([]*event, len(r.Predicates))
	if !en.assign(r, candidates, picked, 0, window, newest) {
		return nil, nil
	}
	return picked, nil
}

// assign backtracks over predicate candidates, newest first, enforcing
// distinctness, the window span, ordering, and inclusion of the new event.
func (en *Engine) assign(r *Rule, candidates [][]*event, picked []*event, i int, window int64, newest *event) bool {
	if i == len(candidates) {
		minTS, maxTS := picked[0].tsNS, picked[0].tsNS
		hasNewest := false
		for _, ev := range picked {
			if ev.tsNS < minTS {
				minTS = ev.tsNS
			}
			if ev.tsNS > maxTS {
				maxTS = ev.tsNS
			}
			if ev.id == newest.id {
				hasNewest = true
			}
		}
		return hasNewest && maxTS-minTS <= window
	}
	cands := candidates[i]
	for j := len(cands) - 1; j >= 0; j-- {
		ev := cands[j]
		if r.Ordered && i > 0 && ev.tsNS < picked[i-1].tsNS {
			continue
		}
		dup := false
		for k := 0; k < i; k++ {
			if picked[k].id == ev.id {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		picked[i] = ev
		if en.assign(r, candidates, picked, i+1, window, newest) {
			return true
		}
	}
	return false
}

// emit persists the incident and updates device risk. The incident id is a
// digest of what was matched, so replays collapse into the existing row.
func (en *Engine) emit(r *Rule, key string, matched []*event) error {
	ids := make([]string, len(matched))
	windowStart := matched[0].tsNS
	windowEnd := matched[0].tsNS
	for i, ev := range matched {
		ids[i] = ev.id
		if ev.tsNS < windowStart {
			windowStart = ev.tsNS
		}
		if ev.tsNS > windowEnd {
			windowEnd = ev.tsNS
		}
	}
	sort.Strings(ids)
	inc := &store.Incident{
		IncidentID:    incidentID(r.RuleID, key, windowStart, ids),
		RuleID:        r.RuleID,
		Severity:      r.Severity,
		DeviceID:      key,
		Summary:       strings.ReplaceAll(r.Summary, "{device_id}", key),
		WindowStartNS: windowStart,
		WindowEndNS:   windowEnd,
		EventIDs:      ids,
		Tactics:       r.Tactics,
		Techniques:    r.Techniques,
	}
	fresh, err := en.store.Insert(inc)
	if err != nil {
		return err
	}
	if !fresh {
		return nil
	}
	en.metrics.IncidentsTotal.WithLabelValues(r.RuleID, r.Severity).Inc()
	score, err := en.store.AddRisk(key, r.Severity)
	if err != nil {
		return err
	}
	en.metrics.DeviceRisk.WithLabelValues(key).Set(score)
	en.log.Info("incident emitted",
		"incident_id", inc.IncidentID, "rule_id", r.RuleID, "device_id", key,
		"severity", r.Severity, "events", len(ids), "risk", score)
	return nil
}

func (en *Engine) ruleError(r *Rule, ev *event, err error) {
	en.metrics.RuleErrors.WithLabelValues(r.RuleID).Inc()
	en.log.Warn("rule evaluation failed",
		"rule_id", r.RuleID, "event_id", ev.id, "source_id", ev.sourceID, "error", err)
}

// incidentID digests the matched content: rule, grouping key, window start,
// and the sorted matched event ids.
func incidentID(ruleID, key string, windowStartNS int64, sortedEventIDs []string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%d", ruleID, key, windowStartNS)
	for _, id := range sortedEventIDs {
		h.Write([]byte{'|'})
		h.Write([]byte(id))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
