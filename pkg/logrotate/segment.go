package logrotate

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/polisai/polis-monitor/pkg/domain"
)

const (
	segmentExt  = ".log"
	logFilePerm = 0o600
	logDirPerm  = 0o750
)

// Record is one line of a log segment.
type Record struct {
	Timestamp     time.Time          `json:"timestamp"`
	RequestID     string             `json:"request_id"`
	Method        string             `json:"method,omitempty"`
	URL           string             `json:"url"`
	ProxyDecision string             `json:"proxy_decision,omitempty"`
	Status        domain.EntryStatus `json:"status"`
	StatusCode    int                `json:"status_code,omitempty"`
	ErrorKind     domain.ErrorKind   `json:"error_kind,omitempty"`
	Error         string             `json:"error,omitempty"`
	DurationMS    float64            `json:"duration_ms"`
	ContentLength int64              `json:"content_length,omitempty"`
	Truncated     bool               `json:"truncated,omitempty"`
}

// NewRecord summarises an entry as a log record.
func NewRecord(e domain.MonitoringEntry) Record {
	ts := e.CompletedAt
	if ts.IsZero() {
		ts = e.StartedAt
	}
	return Record{
		Timestamp:     ts,
		RequestID:     e.RequestID,
		Method:        e.Method,
		URL:           e.URL,
		ProxyDecision: e.ProxyDecision,
		Status:        e.Status,
		StatusCode:    e.StatusCode,
		ErrorKind:     e.ErrorKind,
		Error:         e.ErrorMessage,
		DurationMS:    float64(e.Duration) / float64(time.Millisecond),
		ContentLength: e.ContentLength,
		Truncated:     e.Truncated,
	}
}

// segment is a log segment whose lines have been accepted but not yet written.
type segment struct {
	name    string
	opened  time.Time
	records int
	bytes   int64
	lines   [][]byte
	trigger string
}

func segmentName(prefix string, at time.Time, seq uint64) string {
	return fmt.Sprintf("%s_%s_%06d%s", prefix, at.Format("20060102_150405"), seq, segmentExt)
}

func isSegmentFile(prefix, name string) bool {
	if !strings.HasPrefix(name, prefix+"_") {
		return false
	}
	return strings.HasSuffix(name, segmentExt) ||
		strings.HasSuffix(name, segmentExt+".gz") ||
		strings.HasSuffix(name, segmentExt+".zst")
}

func appendLines(path string, lines [][]byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, logFilePerm)
	if err != nil {
		return fmt.Errorf("open segment %s: %w", path, err)
	}
	w := bufio.NewWriter(f)
	for _, line := range lines {
		if _, err := w.Write(line); err != nil {
			_ = f.Close()
			return fmt.Errorf("write segment %s: %w", path, err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("flush segment %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close segment %s: %w", path, err)
	}
	return nil
}

// compressFile writes a compressed copy of path and removes the original.
func compressFile(path string, format Compression) (string, error) {
	in, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open sealed segment %s: %w", path, err)
	}
	defer in.Close()

	outPath := path + ".gz"
	if format == CompressionZstd {
		outPath = path + ".zst"
	}
	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, logFilePerm)
	if err != nil {
		return "", fmt.Errorf("open compressed output %s: %w", outPath, err)
	}

	var enc io.WriteCloser
	switch format {
	case CompressionZstd:
		enc, err = zstd.NewWriter(out)
		if err != nil {
			_ = out.Close()
			return "", fmt.Errorf("create zstd writer: %w", err)
		}
	default:
		enc = gzip.NewWriter(out)
	}

	if _, err := io.Copy(enc, in); err != nil {
		_ = enc.Close()
		_ = out.Close()
		_ = os.Remove(outPath)
		return "", fmt.Errorf("compress %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		_ = out.Close()
		_ = os.Remove(outPath)
		return "", fmt.Errorf("finalize %s: %w", outPath, err)
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", outPath, err)
	}
	if err := os.Remove(path); err != nil {
		return outPath, fmt.Errorf("remove uncompressed segment %s: %w", path, err)
	}
	return outPath, nil
}

// LoadSegment reads the records of a plain, gzip or zstd segment.
func LoadSegment(path string) ([]Record, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	switch {
	case strings.HasSuffix(path, ".gz"):
		gr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("open gzip segment: %w", err)
		}
		defer gr.Close()
		r = gr
	case strings.HasSuffix(path, ".zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("open zstd segment: %w", err)
		}
		defer zr.Close()
		r = zr
	}

	var records []Record
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return records, fmt.Errorf("decode %s line %d: %w", path, line, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("read segment: %w", err)
	}
	return records, nil
}
