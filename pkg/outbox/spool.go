package outbox

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/amoskys/amoskys/pkg/config"
	"github.com/amoskys/amoskys/pkg/envelope"
	"github.com/amoskys/amoskys/pkg/queue"
)

// spoolDoc is the hand-off format probes write into the spool directory:
// one JSON document per file, class plus raw payload. The loader stamps
// source identity, time, and signature.
type spoolDoc struct {
	Class       envelope.Class  `json:"class"`
	TimestampNS int64           `json:"ts_ns,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

// Loader scans the spool directory, wraps probe documents into signed
// envelopes, and enqueues them. A file is deleted only after its envelope
// is durably queued, so a crash mid-scan re-reads the file and the queue's
// idempotent enqueue absorbs the repeat.
type Loader struct {
	cfg   config.AgentConfig
	q     *queue.Queue
	key   ed25519.PrivateKey
	log   *slog.Logger
	clock func() time.Time
}

// NewLoader builds the spool scanner.
func NewLoader(cfg config.AgentConfig, q *queue.Queue, key ed25519.PrivateKey, log *slog.Logger) *Loader {
	return &Loader{cfg: cfg, q: q, key: key, log: log, clock: time.Now}
}

// Run scans the spool directory until ctx cancels.
func (l *Loader) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.SpoolPoll())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := l.scan(); err != nil {
				l.log.Error("spool scan failed", "error", err)
			}
		}
	}
}

func (l *Loader) scan() error {
	entries, err := os.ReadDir(l.cfg.SpoolDir)
	if err != nil {
		return fmt.Errorf("outbox: read spool dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		names = append(names, entry.Name())
	}
	// Probes name files with a monotonic prefix; lexical order preserves
	// their emission order.
	sort.Strings(names)
	for _, name := range names {
		path := filepath.Join(l.cfg.SpoolDir, name)
		if err := l.ingest(path); err != nil {
			if errors.Is(err, queue.ErrFull) {
				// Leave the file in place; backpressure holds at the disk.
				return nil
			}
			l.log.Warn("spool file skipped", "file", name, "error", err)
		}
	}
	return nil
}

func (l *Loader) ingest(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var doc spoolDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return l.quarantine(path, fmt.Errorf("malformed document: %w", err))
	}
	if !doc.Class.Valid() || len(doc.Payload) == 0 {
		return l.quarantine(path, errors.New("missing class or payload"))
	}
	ts := doc.TimestampNS
	if ts == 0 {
		ts = l.clock().UnixNano()
	}
	e := &envelope.Envelope{
		SourceID:      l.cfg.SourceID,
		Class:         doc.Class,
		TimestampNS:   ts,
		SchemaVersion: 1,
		Payload:       doc.Payload,
	}
	if err := envelope.Sign(e, l.key); err != nil {
		return err
	}
	if _, err := l.q.Enqueue(e); err != nil {
		return err
	}
	return os.Remove(path)
}

// quarantine renames an unparseable file out of the scan set instead of
// re-reading it forever.
func (l *Loader) quarantine(path string, cause error) error {
	if err := os.Rename(path, path+".bad"); err != nil {
		return err
	}
	return fmt.Errorf("outbox: quarantined %s: %w", filepath.Base(path), cause)
}
