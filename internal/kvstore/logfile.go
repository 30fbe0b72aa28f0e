package kvstore

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

const (
	defaultLogName     = "kvls.ser"
	defaultCompactName = "kvls.compact.ser"
	defaultLockName    = "kvls.lock"
)

// logFile is the append-only active log plus the machinery to atomically
// replace it during compaction. It owns exactly two file handles over the
// active log: a buffered append-mode writer (whose logical position is
// tracked in size, not asked of the OS) and a separate, independently
// positioned handle used only for sequential scans, so a scan never
// disturbs the writer's EOF position. Random reads use ReadAt (pread),
// which touches neither handle's position.
type logFile struct {
	mu sync.Mutex

	dir        string
	logName    string
	compactTmp string

	writer *os.File
	buf    *bufio.Writer
	reader *os.File // independent handle, used only by scanFrom

	size uint64

	lock   *flock.Flock
	logger *zap.SugaredLogger
}

func openLogFile(dir string, logger *zap.SugaredLogger) (*logFile, error) {
	fi, err := os.Stat(dir)
	if err != nil || !fi.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrBadPath, dir)
	}

	lock := flock.New(filepath.Join(dir, defaultLockName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("kvstore: acquiring lock: %w", err)
	}
	if !locked {
		return nil, ErrLocked
	}

	lf := &logFile{
		dir:        dir,
		logName:    defaultLogName,
		compactTmp: defaultCompactName,
		lock:       lock,
		logger:     logger,
	}

	if err := lf.openHandles(); err != nil {
		_ = lock.Unlock()
		return nil, err
	}

	// A stale compaction temp file left over from a crash between step 3
	// (flush) and step 4 (rename) is harmless garbage: the active log is
	// still the pre-compaction one, untouched. Clear it without asking.
	if err := os.Remove(filepath.Join(dir, lf.compactTmp)); err != nil && !os.IsNotExist(err) {
		lf.logger.Warnw("failed to remove stale compaction temp file", "error", err)
	}

	return lf, nil
}

// openHandles (re)opens the writer and reader handles against the active
// log's current on-disk contents and establishes size from its length.
func (l *logFile) openHandles() error {
	path := filepath.Join(l.dir, l.logName)

	writer, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("kvstore: opening log for append: %w", err)
	}
	fi, err := writer.Stat()
	if err != nil {
		_ = writer.Close()
		return err
	}

	reader, err := os.Open(path)
	if err != nil {
		_ = writer.Close()
		return fmt.Errorf("kvstore: opening log for scan: %w", err)
	}

	l.writer = writer
	l.reader = reader
	l.buf = bufio.NewWriter(writer)
	l.size = uint64(fi.Size())
	return nil
}

// append writes rec and returns the byte offset of its first byte, which is
// exactly where the next scan would find it: the writer is flushed after
// every append, the simplest correct durability policy available.
func (l *logFile) append(rec Record) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := Encode(rec)
	if err != nil {
		return 0, err
	}

	off := l.size
	n, err := l.buf.Write(data)
	if err != nil {
		return 0, fmt.Errorf("kvstore: append: %w", err)
	}
	if err := l.buf.Flush(); err != nil {
		return 0, fmt.Errorf("kvstore: flush: %w", err)
	}
	l.size += uint64(n)
	return off, nil
}

// scanFrom sequentially decodes every record starting at byte start using
// the dedicated reader handle, invoking fn for each one. It stops at a clean
// EOF. A torn trailing record (io.ErrUnexpectedEOF partway through the final
// JSON value) is reported back via the documented truncate-and-continue
// policy: scanFrom returns the offset to truncate to and a nil error.
// Any other decode failure is fatal and returned wrapped in ErrCorruption.
func (l *logFile) scanFrom(start uint64, fn func(rec Record, off uint64) error) (truncateTo uint64, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.reader.Seek(int64(start), io.SeekStart); err != nil {
		return 0, fmt.Errorf("kvstore: seek: %w", err)
	}

	dec := NewDecoder(l.reader)
	pos := start
	for {
		rec, recStart, recEnd, decErr := dec.Next()
		if decErr == io.EOF {
			return pos, nil
		}
		if decErr != nil {
			if errors.Is(decErr, io.ErrUnexpectedEOF) {
				l.logger.Warnw("truncating torn trailing record on open",
					"offset", recStart, "error", decErr)
				return recStart, nil
			}
			return 0, fmt.Errorf("%w: %v", ErrCorruption, decErr)
		}
		if err := fn(rec, recStart); err != nil {
			return 0, err
		}
		pos = recEnd
	}
}

// truncateTo shrinks the active log to off bytes, discarding everything
// after it. Used once, right after replay, to drop a torn trailing record
// that scanFrom detected but did not itself remove: leaving it in place
// would corrupt every offset a subsequent append would otherwise be
// entitled to assume is clean end-of-file.
func (l *logFile) truncateTo(off uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if off >= l.size {
		return nil
	}
	if err := l.writer.Truncate(int64(off)); err != nil {
		return fmt.Errorf("kvstore: truncating torn trailing record: %w", err)
	}
	l.size = off
	return nil
}

// readAt reads the single record starting at off and verifies it is a Set
// whose key equals expectedKey, so a stale or miscomputed offset surfaces as
// corruption rather than a silently wrong value.
func (l *logFile) readAt(expectedKey string, off uint64) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.buf.Flush(); err != nil {
		return "", fmt.Errorf("kvstore: flush before read: %w", err)
	}

	sr := io.NewSectionReader(l.writer, int64(off), int64(l.size-off))
	rec, err := decodeOne(sr)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruption, err)
	}
	if rec.Kind != KindSet {
		return "", &CorruptionError{Offset: off, Expected: expectedKey, Reason: "record is not a Set"}
	}
	if rec.Key != expectedKey {
		return "", &CorruptionError{Offset: off, Expected: expectedKey, Reason: fmt.Sprintf("found key %q", rec.Key)}
	}
	return rec.Value, nil
}

// replaceWith writes every (key, value) pair yielded by pairs as a Set record
// to a fresh temp file, flushes it, and atomically renames it over the
// active log. cb is invoked with each pair's new offset so the caller (Store)
// can rebuild its index in lockstep as the new log is written.
func (l *logFile) replaceWith(pairs func(yield func(key, value string) error) error, cb func(key string, newOff uint64)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tmpPath := filepath.Join(l.dir, l.compactTmp)
	tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("kvstore: opening compaction temp file: %w", err)
	}
	buf := bufio.NewWriter(tmp)

	var pos uint64
	writeErr := pairs(func(key, value string) error {
		data, err := Encode(Record{Kind: KindSet, Key: key, Value: value})
		if err != nil {
			return err
		}
		off := pos
		n, err := buf.Write(data)
		if err != nil {
			return err
		}
		pos += uint64(n)
		cb(key, off)
		return nil
	})
	if writeErr != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("kvstore: writing compacted log: %w", writeErr)
	}

	if err := buf.Flush(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("kvstore: flushing compacted log: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("kvstore: syncing compacted log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("kvstore: closing compacted log: %w", err)
	}

	// The rename is the commit point: a crash before this line leaves the
	// pre-compaction log fully intact; a crash after leaves the compacted
	// one. Close the old handles first so Windows-style rename-over-open-
	// file restrictions never bite even though this implementation targets
	// POSIX, where the rename below is already atomic.
	if err := l.closeHandles(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("kvstore: closing old log before replace: %w", err)
	}
	activePath := filepath.Join(l.dir, l.logName)
	if err := os.Rename(tmpPath, activePath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("kvstore: renaming compacted log into place: %w", err)
	}
	if err := fsyncDir(l.dir); err != nil {
		l.logger.Warnw("failed to fsync directory after compaction rename", "error", err)
	}

	return l.openHandles()
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func (l *logFile) closeHandles() error {
	var result *multierror.Error
	if l.buf != nil {
		if err := l.buf.Flush(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if l.writer != nil {
		if err := l.writer.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if l.reader != nil {
		if err := l.reader.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// close releases both file handles and the advisory directory lock.
func (l *logFile) close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var result *multierror.Error
	if err := l.closeHandles(); err != nil {
		result = multierror.Append(result, err)
	}
	if l.lock != nil {
		if err := l.lock.Unlock(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
