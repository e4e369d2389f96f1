package wal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const defaultMaxSegmentBytes = 64 * 1024 * 1024

const activeSegmentName = "active.wal"

// Config configures a Store, following this repo's Default*Config idiom.
type Config struct {
	Dir             string
	MaxSegmentBytes int64
	Logger          *zap.Logger
}

// DefaultConfig returns sane defaults for dir; Logger defaults to a no-op
// logger if left nil on Open.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:             dir,
		MaxSegmentBytes: defaultMaxSegmentBytes,
	}
}

// Store is the append-only, durable, totally-ordered log of every
// book-mutating event (spec.md section 4.1). It owns exactly one active
// segment file at a time; rotated segments are retained (optionally
// zstd-compressed) for full replay.
type Store struct {
	cfg    Config
	logger *zap.Logger

	mu          sync.Mutex
	file        *os.File
	writer      *bufio.Writer
	activeBytes int64
	lsn         int64
	seq         *segmentSeq
	closed      bool
}

// Open creates or reopens the WAL directory, positioning the Store to
// append after whatever is already durable. Callers that need to rebuild
// in-memory state from history should call Replay before issuing new
// Appends.
func Open(cfg Config) (*Store, error) {
	if cfg.MaxSegmentBytes <= 0 {
		cfg.MaxSegmentBytes = defaultMaxSegmentBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: creating directory: %w", err)
	}

	path := filepath.Join(cfg.Dir, activeSegmentName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: opening active segment: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("wal: stat active segment: %w", err)
	}

	s := &Store{
		cfg:         cfg,
		logger:      cfg.Logger,
		file:        f,
		writer:      bufio.NewWriter(f),
		activeBytes: info.Size(),
		seq:         newSegmentSeq("segment-"),
	}

	// Resume rotated-segment numbering after any segments already on disk,
	// so a Rotate after a restart never reuses an existing segment's name.
	if entries, err := os.ReadDir(cfg.Dir); err == nil {
		for _, e := range entries {
			rest := strings.TrimPrefix(e.Name(), "segment-")
			if rest == e.Name() {
				continue
			}
			digits := strings.SplitN(rest, ".", 2)[0]
			if n, err := strconv.ParseUint(digits, 10, 64); err == nil && n > s.seq.counter {
				s.seq.counter = n
			}
		}
	}
	return s, nil
}

// NextLSN returns the LSN the next Append call would assign to its first
// record, useful for tests and for tagging a just-produced snapshot.
func (s *Store) NextLSN() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lsn + 1
}

// SetLSN sets the Store's LSN counter directly. Replay already advances the
// counter to the highest LSN it reads, so Recovery does not need to call it.
func (s *Store) SetLSN(lsn int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lsn = lsn
}

// Append assigns each record the next LSN, frames and writes all of them,
// then fsyncs once. Partial durability of the batch is never observable:
// either every record in the call lands durably, or none of them do and the
// caller gets an error back.
//
// Append, Replay, SetLSN, Rotate and the torn-tail truncation all update
// lsn/activeBytes under the Store's mutex; the matching engine's
// single-writer discipline (spec.md section 5) means only one goroutine
// appends in practice, and the mutex guards against accidental concurrent
// use (e.g. from tests).
func (s *Store) Append(records ...Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if len(records) == 0 {
		return nil
	}

	var buf []byte
	for i := range records {
		s.lsn++
		records[i].LSN = s.lsn

		frame, err := encodeFrame(records[i])
		if err != nil {
			s.lsn -= int64(i + 1)
			return fmt.Errorf("wal: encoding record: %w", err)
		}
		buf = append(buf, frame...)
	}

	if _, err := s.writer.Write(buf); err != nil {
		return fmt.Errorf("%w: %v", ErrFullDisk, err)
	}
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("%w: %v", ErrFullDisk, err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrFullDisk, err)
	}

	s.activeBytes += int64(len(buf))
	return nil
}

// ShouldRotate reports whether the active segment has grown past its
// configured size threshold.
func (s *Store) ShouldRotate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeBytes >= s.cfg.MaxSegmentBytes
}

// Close flushes and closes the active segment.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.writer.Flush(); err != nil {
		return err
	}
	return s.file.Close()
}

// segmentFiles lists rotated segments in replay order (oldest first),
// followed by the active segment, by sorting rotated files on their names,
// whose zero-padded sequence number makes name order match rotation order.
func (s *Store) segmentFiles() ([]string, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		return nil, err
	}

	type rotated struct {
		name string
		seq  string
	}
	var rotatedFiles []rotated
	for _, e := range entries {
		name := e.Name()
		if name == activeSegmentName {
			continue
		}
		if strings.HasPrefix(name, "segment-") {
			rotatedFiles = append(rotatedFiles, rotated{name: name, seq: name})
		}
	}
	sort.Slice(rotatedFiles, func(i, j int) bool { return rotatedFiles[i].seq < rotatedFiles[j].seq })

	files := make([]string, 0, len(rotatedFiles)+1)
	for _, r := range rotatedFiles {
		files = append(files, filepath.Join(s.cfg.Dir, r.name))
	}
	files = append(files, filepath.Join(s.cfg.Dir, activeSegmentName))
	return files, nil
}

// countingReader wraps an io.Reader to track how many bytes have been
// consumed from it, so Replay can locate the exact byte offset a torn frame
// starts at.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Replay streams every durable record, in LSN order, to fn. It stops
// silently — without returning an error — the moment it hits a torn tail
// (a short length prefix or truncated payload), per spec.md section 4.1's
// replay contract: everything before the tear is the durable history: the
// caller treats the preceding record as the last durable state. A
// checksum mismatch on the final frame of the active segment is treated
// the same way, as a torn write; a checksum mismatch on any earlier frame
// is corruption and is returned as an error.
//
// When the tear is in the active segment, Replay also physically truncates
// it to the end of the last intact record, so a subsequent Append resumes
// writing immediately after durable history instead of leaving the
// leftover partial frame sitting between old and new records, where it
// would abort every future Replay at that same point (spec.md sections
// 4.1/7, "TornTailOnReplay is recovered by truncating to the last intact
// record").
//
// Replay also advances the Store's internal LSN counter to the highest LSN
// it observed, so subsequent Append calls continue the sequence correctly.
func (s *Store) Replay(fn func(Record) error) error {
	files, err := s.segmentFiles()
	if err != nil {
		return fmt.Errorf("wal: listing segments: %w", err)
	}

	activePath := filepath.Join(s.cfg.Dir, activeSegmentName)

	var highWater int64
	for _, path := range files {
		r, closeFn, err := openSegmentForRead(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("wal: opening segment %s: %w", path, err)
		}

		cr := &countingReader{r: r}
		tornAt := int64(-1)
		for {
			before := cr.n
			rec, err := readFrame(cr)
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				if errors.Is(err, errTornFrame) {
					tornAt = before
					break
				}
				// A complete frame that fails its checksum is a torn write
				// when it is the last frame of the active segment; anywhere
				// else it is corruption.
				if errors.Is(err, ErrChecksumMismatch) && path == activePath {
					if _, nextErr := readFrame(cr); errors.Is(nextErr, io.EOF) {
						tornAt = before
						break
					}
				}
				closeFn()
				return fmt.Errorf("wal: replaying %s: %w", path, err)
			}
			if rec.LSN > highWater {
				highWater = rec.LSN
			}
			if err := fn(rec); err != nil {
				closeFn()
				return fmt.Errorf("wal: applying record lsn=%d: %w", rec.LSN, err)
			}
		}
		closeFn()

		if tornAt >= 0 && path == activePath {
			if err := s.truncateActiveSegment(tornAt); err != nil {
				return fmt.Errorf("wal: truncating torn tail of %s: %w", path, err)
			}
		}
	}

	s.mu.Lock()
	if highWater > s.lsn {
		s.lsn = highWater
	}
	s.mu.Unlock()

	return nil
}

// truncateActiveSegment drops everything in the active segment after size
// bytes, discarding a leftover torn frame so the next Append starts exactly
// where durable history ended.
func (s *Store) truncateActiveSegment(size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.file.Truncate(size); err != nil {
		return err
	}
	if _, err := s.file.Seek(size, io.SeekStart); err != nil {
		return err
	}
	s.activeBytes = size
	s.logger.Warn("wal: truncated torn tail from active segment", zap.Int64("offset", size))
	return nil
}
