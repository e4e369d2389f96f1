package wal

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

// Rotate closes the active segment, renames it to a sequence-numbered
// archival segment, optionally zstd-compresses it, and opens a fresh active
// segment. This is the conforming optimization spec.md section 9 allows
// ("a periodic snapshot-plus-tail-log scheme... provided the replay
// contract still holds") applied to the log itself rather than a separate
// snapshot file.
func (s *Store) Rotate(compress bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("wal: flushing before rotate: %w", err)
	}
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("wal: closing active segment before rotate: %w", err)
	}

	oldPath := filepath.Join(s.cfg.Dir, activeSegmentName)
	name := s.seq.next() + ".wal"
	newPath := filepath.Join(s.cfg.Dir, name)
	if err := os.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("wal: renaming rotated segment: %w", err)
	}

	if compress {
		if err := compressSegment(newPath); err != nil {
			s.logger.Warn("wal: rotated segment compression failed, keeping uncompressed", zap.Error(err))
		}
	}

	f, err := os.OpenFile(oldPath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("wal: opening fresh active segment: %w", err)
	}
	s.file = f
	s.writer = bufio.NewWriter(f)
	s.activeBytes = 0

	s.logger.Info("wal: rotated segment", zap.String("archived_as", name))
	return nil
}

// compressSegment zstd-compresses path in place, replacing it with a
// same-named file plus a .zst suffix and removing the uncompressed original
// once the compressed copy is fully written.
func compressSegment(path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()

	outPath := path + ".zst"
	out, err := os.Create(outPath)
	if err != nil {
		return err
	}

	enc, err := zstd.NewWriter(out)
	if err != nil {
		out.Close()
		os.Remove(outPath)
		return err
	}

	if _, err := io.Copy(enc, in); err != nil {
		enc.Close()
		out.Close()
		os.Remove(outPath)
		return err
	}
	if err := enc.Close(); err != nil {
		out.Close()
		os.Remove(outPath)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(outPath)
		return err
	}

	return os.Remove(path)
}

// openSegmentForRead opens a segment for Replay, transparently
// decompressing .zst archival segments as it streams them.
func openSegmentForRead(path string) (io.Reader, func() error, error) {
	if strings.HasSuffix(path, ".zst") {
		f, err := os.Open(path)
		if err != nil {
			return nil, nil, err
		}
		dec, err := zstd.NewReader(f)
		if err != nil {
			f.Close()
			return nil, nil, err
		}
		return dec.IOReadCloser(), func() error {
			dec.Close()
			return f.Close()
		}, nil
	}

	// Rotation may have produced path+".zst" after the caller already
	// enumerated the uncompressed name; check for that first.
	if _, err := os.Stat(path + ".zst"); err == nil {
		return openSegmentForRead(path + ".zst")
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, f.Close, nil
}
