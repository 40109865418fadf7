package persist

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/opsrelay/opsrelay/internal/model"
)

const (
	activeName = "active.wal"
	segSuffix  = ".zlog"

	// Records accumulated in the active WAL before rotation into a
	// compressed segment.
	rotateThreshold = 4096
)

// SegmentStore is the append-only file backend. Records land in an active
// WAL as length-prefixed JSON rows and rotate into zstd-compressed segment
// files named seg_{minTs}_{maxTs}.zlog, so retention can drop whole files
// by filename alone.
type SegmentStore struct {
	mu      sync.Mutex
	dir     string
	file    *os.File
	pending []model.LogRecord

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// OpenSegments opens the store at dir, creating it if needed, and replays
// any active WAL left by a previous run back into the pending set.
func OpenSegments(dir string) (*SegmentStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(dir, activeName), os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		f.Close()
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		f.Close()
		return nil, err
	}

	s := &SegmentStore{
		dir:     dir,
		file:    f,
		encoder: enc,
		decoder: dec,
	}
	rows, err := readRows(f)
	if err != nil {
		// A torn tail is what a crash mid-append leaves behind. Keep the
		// intact prefix and rewrite the WAL so appends start clean.
		log.Printf("WAL tail unreadable, recovering %d intact rows: %v", len(rows), err)
		if werr := rewriteWAL(f, rows); werr != nil {
			f.Close()
			return nil, fmt.Errorf("wal rewrite: %w", werr)
		}
	}
	s.pending = rows
	return s, nil
}

// rewriteWAL replaces the file contents with the given rows.
func rewriteWAL(f *os.File, rows []model.LogRecord) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	lenBuf := make([]byte, 4)
	for i := range rows {
		data, err := json.Marshal(&rows[i])
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(lenBuf, uint32(len(data)))
		if _, err := f.Write(lenBuf); err != nil {
			return err
		}
		if _, err := f.Write(data); err != nil {
			return err
		}
	}
	return nil
}

// Write appends the record to the active WAL, rotating into a segment once
// the threshold is reached.
func (s *SegmentStore) Write(rec *model.LogRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Format: [Len uint32][JSON bytes]
	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(data)))
	if _, err := s.file.Write(lenBuf); err != nil {
		return err
	}
	if _, err := s.file.Write(data); err != nil {
		return err
	}

	s.pending = append(s.pending, *rec)
	if len(s.pending) >= rotateThreshold {
		return s.rotateLocked()
	}
	return nil
}

// rotateLocked compresses the pending rows into a segment file and resets
// the active WAL. Caller holds s.mu.
func (s *SegmentStore) rotateLocked() error {
	if len(s.pending) == 0 {
		return nil
	}

	minTs := s.pending[0].Timestamp.UnixNano()
	maxTs := minTs
	for _, r := range s.pending {
		ts := r.Timestamp.UnixNano()
		if ts < minTs {
			minTs = ts
		}
		if ts > maxTs {
			maxTs = ts
		}
	}

	raw, err := json.Marshal(s.pending)
	if err != nil {
		return err
	}
	compressed := s.encoder.EncodeAll(raw, make([]byte, 0, len(raw)))

	name := fmt.Sprintf("seg_%d_%d%s", minTs, maxTs, segSuffix)
	tmp := filepath.Join(s.dir, name+".tmp")
	if err := os.WriteFile(tmp, compressed, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, name)); err != nil {
		return err
	}

	s.pending = s.pending[:0]
	if err := s.file.Truncate(0); err != nil {
		return err
	}
	_, err = s.file.Seek(0, 0)
	return err
}

// Flush forces rotation of the pending rows regardless of threshold.
func (s *SegmentStore) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rotateLocked()
}

// Search scans the pending rows first, then segment files newest-first,
// returning up to limit records whose message or details contain the query,
// newest first.
func (s *SegmentStore) Search(query string, limit int) ([]model.LogRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	q := strings.ToLower(query)

	s.mu.Lock()
	pending := make([]model.LogRecord, len(s.pending))
	copy(pending, s.pending)
	s.mu.Unlock()

	var out []model.LogRecord
	for i := len(pending) - 1; i >= 0 && len(out) < limit; i-- {
		if recordContains(&pending[i], q) {
			out = append(out, pending[i])
		}
	}
	if len(out) >= limit {
		return out, nil
	}

	segs, err := s.segmentFiles()
	if err != nil {
		return out, err
	}
	// Newest segments first.
	sort.Slice(segs, func(i, j int) bool { return segs[i].maxTs > segs[j].maxTs })

	for _, seg := range segs {
		if len(out) >= limit {
			break
		}
		rows, err := s.readSegment(seg.name)
		if err != nil {
			return out, err
		}
		for i := len(rows) - 1; i >= 0 && len(out) < limit; i-- {
			if recordContains(&rows[i], q) {
				out = append(out, rows[i])
			}
		}
	}
	return out, nil
}

// PurgeOlderThan deletes segment files whose newest record is beyond the
// retention window. The active WAL is never purged.
func (s *SegmentStore) PurgeOlderThan(d time.Duration) error {
	threshold := time.Now().Add(-d).UnixNano()
	segs, err := s.segmentFiles()
	if err != nil {
		return err
	}
	for _, seg := range segs {
		if seg.maxTs < threshold {
			if err := os.Remove(filepath.Join(s.dir, seg.name)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close rotates any pending rows and closes the WAL.
func (s *SegmentStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.rotateLocked(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}

type segmentInfo struct {
	name  string
	minTs int64
	maxTs int64
}

func (s *SegmentStore) segmentFiles() ([]segmentInfo, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var segs []segmentInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), segSuffix) {
			continue
		}
		minTs, maxTs, err := parseSegmentName(entry.Name())
		if err != nil {
			continue
		}
		segs = append(segs, segmentInfo{name: entry.Name(), minTs: minTs, maxTs: maxTs})
	}
	return segs, nil
}

func (s *SegmentStore) readSegment(name string) ([]model.LogRecord, error) {
	compressed, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return nil, err
	}
	raw, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("segment %s: %w", name, err)
	}
	var rows []model.LogRecord
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("segment %s: %w", name, err)
	}
	return rows, nil
}

// parseSegmentName extracts the timestamp bounds from seg_{minTs}_{maxTs}.zlog.
func parseSegmentName(name string) (int64, int64, error) {
	base := strings.TrimSuffix(name, segSuffix)
	parts := strings.Split(base, "_")
	if len(parts) != 3 || parts[0] != "seg" {
		return 0, 0, fmt.Errorf("invalid segment name %q", name)
	}
	minTs, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	maxTs, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return minTs, maxTs, nil
}

func recordContains(rec *model.LogRecord, q string) bool {
	if q == "" {
		return true
	}
	if strings.Contains(strings.ToLower(rec.Message), q) {
		return true
	}
	for _, v := range rec.Details {
		if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), q) {
			return true
		}
	}
	return false
}

// readRows replays length-prefixed JSON rows from the start of the file.
func readRows(f *os.File) ([]model.LogRecord, error) {
	if _, err := f.Seek(0, 0); err != nil {
		return nil, err
	}
	var rows []model.LogRecord
	for {
		lenBuf := make([]byte, 4)
		_, err := io.ReadFull(f, lenBuf)
		if err == io.EOF {
			break
		}
		if err != nil {
			return rows, fmt.Errorf("read length: %v", err)
		}
		length := binary.LittleEndian.Uint32(lenBuf)
		data := make([]byte, length)
		if _, err := io.ReadFull(f, data); err != nil {
			return rows, fmt.Errorf("read row: %v", err)
		}
		var rec model.LogRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return rows, fmt.Errorf("unmarshal row: %v", err)
		}
		rows = append(rows, rec)
	}
	// Leave the cursor at the end for subsequent appends.
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return rows, err
	}
	return rows, nil
}
