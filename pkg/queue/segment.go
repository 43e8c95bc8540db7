package queue

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Segment records are canonical lines:
//
//	Q1|<sha256 hex of payload>|<payload JSON>\n
//
// The payload is compact JSON, which never contains a raw newline, so the
// file is line-parseable. The per-record hash makes a torn tail detectable:
// on recovery the last line is dropped if it fails to parse or to verify.
const (
	recordMagic = "Q1"
	segmentExt  = ".log"
)

type segmentWriter struct {
	dir      string
	maxBytes int64
	file     *os.File
	num      int64
	size     int64
}

func segmentPath(dir string, num int64) string {
	return filepath.Join(dir, fmt.Sprintf("%08d%s", num, segmentExt))
}

func openSegments(dir string, maxBytes int64) (*segmentWriter, error) {
	nums, err := listSegments(dir)
	if err != nil {
		return nil, err
	}
	num := int64(1)
	if len(nums) > 0 {
		num = nums[len(nums)-1]
	}
	f, err := os.OpenFile(segmentPath(dir, num), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("queue: open segment: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("queue: stat segment: %w", err)
	}
	return &segmentWriter{dir: dir, maxBytes: maxBytes, file: f, num: num, size: info.Size()}, nil
}

// openSegmentsReader opens the directory for a consumer process. No file
// handle is held and no repair happens; the producer owns the active tail.
func openSegmentsReader(dir string) (*segmentWriter, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("queue: open segments read-only: %w", err)
	}
	return &segmentWriter{dir: dir}, nil
}

func listSegments(dir string) ([]int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("queue: list segments: %w", err)
	}
	var nums []int64
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, segmentExt) {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSuffix(name, segmentExt), 10, 64)
		if err != nil {
			continue
		}
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums, nil
}

// append writes one record line and fsyncs before returning. The returned
// offset/length address the whole line within the segment.
func (w *segmentWriter) append(payload []byte) (segNum, offset, length int64, err error) {
	if w.size >= w.maxBytes {
		if err := w.rotate(); err != nil {
			return 0, 0, 0, err
		}
	}
	line := encodeRecord(payload)
	offset = w.size
	if _, err := w.file.Write(line); err != nil {
		return 0, 0, 0, fmt.Errorf("queue: append: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return 0, 0, 0, fmt.Errorf("queue: fsync: %w", err)
	}
	w.size += int64(len(line))
	return w.num, offset, int64(len(line)), nil
}

func (w *segmentWriter) rotate() error {
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("queue: fsync before rotate: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("queue: close segment: %w", err)
	}
	w.num++
	f, err := os.OpenFile(segmentPath(w.dir, w.num), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o640)
	if err != nil {
		return fmt.Errorf("queue: rotate segment: %w", err)
	}
	w.file = f
	w.size = 0
	return nil
}

// read returns the payload of the record at (segNum, offset, length).
func (w *segmentWriter) read(segNum, offset, length int64) ([]byte, error) {
	buf := make([]byte, length)
	if w.file != nil && segNum == w.num {
		if _, err := w.file.ReadAt(buf, offset); err != nil {
			return nil, fmt.Errorf("queue: read record: %w", err)
		}
	} else {
		f, err := os.Open(segmentPath(w.dir, segNum))
		if err != nil {
			return nil, fmt.Errorf("queue: open segment %d: %w", segNum, err)
		}
		defer func() { _ = f.Close() }()
		if _, err := f.ReadAt(buf, offset); err != nil {
			return nil, fmt.Errorf("queue: read record: %w", err)
		}
	}
	return decodeRecord(bytes.TrimSuffix(buf, []byte{'\n'}))
}

// repairTail truncates a torn final record on the active segment. Returns
// true when bytes were dropped.
func (w *segmentWriter) repairTail() (bool, error) {
	data, err := os.ReadFile(segmentPath(w.dir, w.num))
	if err != nil {
		return false, fmt.Errorf("queue: repair tail: %w", err)
	}
	valid := int64(0)
	rest := data
	for len(rest) > 0 {
		nl := bytes.IndexByte(rest, '\n')
		if nl < 0 {
			break // incomplete final line
		}
		if _, err := decodeRecord(rest[:nl]); err != nil {
			break // torn or corrupt final line
		}
		valid += int64(nl + 1)
		rest = rest[nl+1:]
	}
	if valid == int64(len(data)) {
		w.size = valid
		return false, nil
	}
	if err := w.file.Truncate(valid); err != nil {
		return false, fmt.Errorf("queue: truncate torn tail: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return false, fmt.Errorf("queue: fsync after truncate: %w", err)
	}
	w.size = valid
	return true, nil
}

// scan walks every record in every segment in order.
func (w *segmentWriter) scan(fn func(segNum, offset, length int64, payload []byte) error) error {
	nums, err := listSegments(w.dir)
	if err != nil {
		return err
	}
	for _, n := range nums {
		data, err := os.ReadFile(segmentPath(w.dir, n))
		if err != nil {
			return fmt.Errorf("queue: scan segment %d: %w", n, err)
		}
		offset := int64(0)
		for len(data) > 0 {
			nl := bytes.IndexByte(data, '\n')
			if nl < 0 {
				break
			}
			payload, err := decodeRecord(data[:nl])
			if err != nil {
				// Only the active segment may carry a torn tail, and
				// repairTail already removed it; anything else is corruption.
				return fmt.Errorf("queue: segment %d offset %d: %w", n, offset, err)
			}
			if err := fn(n, offset, int64(nl+1), payload); err != nil {
				return err
			}
			offset += int64(nl + 1)
			data = data[nl+1:]
		}
	}
	return nil
}

// sealedSegments lists segments no longer accepting writes.
func (w *segmentWriter) sealedSegments() []int64 {
	nums, err := listSegments(w.dir)
	if err != nil {
		return nil
	}
	var sealed []int64
	for _, n := range nums {
		if n != w.num {
			sealed = append(sealed, n)
		}
	}
	return sealed
}

func (w *segmentWriter) remove(num int64) error {
	return os.Remove(segmentPath(w.dir, num))
}

func (w *segmentWriter) close() error {
	if w.file == nil {
		return nil
	}
	if err := w.file.Sync(); err != nil {
		_ = w.file.Close()
		return err
	}
	return w.file.Close()
}

func encodeRecord(payload []byte) []byte {
	sum := sha256.Sum256(payload)
	var b bytes.Buffer
	b.Grow(len(recordMagic) + 2 + hex.EncodedLen(len(sum)) + len(payload) + 1)
	b.WriteString(recordMagic)
	b.WriteByte('|')
	b.WriteString(hex.EncodeToString(sum[:]))
	b.WriteByte('|')
	b.Write(payload)
	b.WriteByte('\n')
	return b.Bytes()
}

func decodeRecord(line []byte) ([]byte, error) {
	parts := bytes.SplitN(line, []byte{'|'}, 3)
	if len(parts) != 3 || string(parts[0]) != recordMagic {
		return nil, fmt.Errorf("queue: malformed record line")
	}
	payload := parts[2]
	sum := sha256.Sum256(payload)
	if hex.EncodeToString(sum[:]) != string(parts[1]) {
		return nil, fmt.Errorf("queue: record hash mismatch")
	}
	return payload, nil
}
