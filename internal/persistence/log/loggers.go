package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"mss.voxelcraft.ai/internal/engine"
)

// HourlyWriter appends JSON lines to zstd files named
// <prefix>-YYYY-MM-DD-HH.jsonl.zst under dir, one file per UTC hour.
// Every Write ends a zstd block, so a reader of the live file sees each
// line as soon as Write returns. Reopening an existing hour appends a new
// frame to it.
type HourlyWriter struct {
	dir    string
	prefix string
	now    func() time.Time

	mu  sync.Mutex
	seg *segment
}

type segment struct {
	hour string
	f    *os.File
	enc  *zstd.Encoder
	json *json.Encoder
}

func (s *segment) close() error {
	err := s.enc.Close()
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	return err
}

func NewHourlyWriter(dir, prefix string) *HourlyWriter {
	return &HourlyWriter{dir: dir, prefix: prefix, now: time.Now}
}

func (w *HourlyWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seg == nil {
		return nil
	}
	err := w.seg.close()
	w.seg = nil
	return err
}

func (w *HourlyWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	seg, err := w.segmentLocked(w.now().UTC().Format("2006-01-02-15"))
	if err != nil {
		return err
	}
	if err := seg.json.Encode(v); err != nil {
		return fmt.Errorf("%s: %w", seg.f.Name(), err)
	}
	return seg.enc.Flush()
}

func (w *HourlyWriter) segmentLocked(hour string) (*segment, error) {
	if w.seg != nil && w.seg.hour == hour {
		return w.seg, nil
	}
	if w.seg != nil {
		old := w.seg
		w.seg = nil
		if err := old.close(); err != nil {
			return nil, fmt.Errorf("close %s: %w", old.f.Name(), err)
		}
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return nil, err
	}
	name := filepath.Join(w.dir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	w.seg = &segment{hour: hour, f: f, enc: enc, json: json.NewEncoder(enc)}
	return w.seg, nil
}

// AuditLogger writes engine audit entries (compressed).
type AuditLogger struct{ w *HourlyWriter }

func NewAuditLogger(dataDir string) *AuditLogger {
	return &AuditLogger{w: NewHourlyWriter(AuditDir(dataDir), "audit")}
}

// AuditDir is where NewAuditLogger places its files.
func AuditDir(dataDir string) string { return filepath.Join(dataDir, "audit") }

func (l *AuditLogger) WriteAudit(e engine.AuditEntry) error { return l.w.Write(e) }
func (l *AuditLogger) Close() error                         { return l.w.Close() }

// errTruncated marks a stream that ended inside a zstd frame.
var errTruncated = errors.New("truncated stream")

// AuditFilter selects entries in ReadAudit. Zero fields match everything.
type AuditFilter struct {
	Since  time.Time
	Action string
	Actor  string
	Disk   string
	Limit  int
}

func (f AuditFilter) match(e engine.AuditEntry) bool {
	switch {
	case !f.Since.IsZero() && e.Time.Before(f.Since):
		return false
	case f.Action != "" && !strings.EqualFold(f.Action, e.Action):
		return false
	case f.Actor != "" && f.Actor != e.Actor:
		return false
	case f.Disk != "" && f.Disk != e.Disk:
		return false
	}
	return true
}

// ReadAudit returns matching entries from every audit file in dir, oldest
// first. With a Limit only the newest Limit entries are kept. A truncated
// tail on the newest file (a writer still running) is tolerated.
func ReadAudit(dir string, f AuditFilter) ([]engine.AuditEntry, error) {
	files, err := filepath.Glob(filepath.Join(dir, "audit-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	var out []engine.AuditEntry
	for i, path := range files {
		err := readFile(path, func(e engine.AuditEntry) {
			if f.match(e) {
				out = append(out, e)
			}
		})
		if errors.Is(err, errTruncated) && i == len(files)-1 {
			err = nil
		}
		if err != nil {
			return out, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out, nil
}

func readFile(path string, fn func(engine.AuditEntry)) error {
	fh, err := os.Open(path)
	if err != nil {
		return err
	}
	defer fh.Close()
	dec, err := zstd.NewReader(fh)
	if err != nil {
		return err
	}
	defer dec.Close()

	sc := bufio.NewScanner(dec)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var e engine.AuditEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return err
		}
		fn(e)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("%w: %v", errTruncated, err)
	}
	return nil
}
