package kvstore

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// DefaultCompactThreshold is the initial record-count threshold T: compaction
// runs once the log holds at least this many records (live or dead).
const DefaultCompactThreshold = 1024

// Config configures a Store. Open fills a nil Logger with a no-op logger and
// a zero Threshold with DefaultCompactThreshold, so the zero value behaves
// like DefaultConfig. Fields follow the nested-Config
// convention (Config.Segment.MaxStoreBytes, etc.) this package's design was
// adapted from.
type Config struct {
	Compaction struct {
		// Threshold is this Store's initial T. Kept as per-instance state
		// (never a package-level global) so independently opened stores in
		// the same process never share or race on compaction cadence.
		Threshold uint64
	}
	Logger *zap.SugaredLogger
}

// DefaultConfig returns a Config with the reference compaction threshold and
// a no-op logger.
func DefaultConfig() Config {
	var c Config
	c.Compaction.Threshold = DefaultCompactThreshold
	c.Logger = zap.NewNop().Sugar()
	return c
}

// Store is the public engine: the in-memory index plus the log it is built
// from. All exported methods are safe for concurrent use; they share one
// mutex with the compaction path so a compaction is always seen as a single
// atomic step by every other operation.
type Store struct {
	mu  sync.Mutex
	log *logFile
	idx *index

	threshold uint64 // current T
	total     uint64 // records appended to or replayed from the current log
	logger    *zap.SugaredLogger
}

// Open opens or creates the log in dir, replays it into the index, and
// returns a ready Store. Failure modes: ErrBadPath (dir missing or not a
// directory), ErrLocked (another process holds dir's advisory lock), or a
// wrapped ErrCorruption if replay finds a malformed record other than a
// trailing record cut off before its end (which is truncated instead).
func Open(dir string, cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop().Sugar()
	}
	if cfg.Compaction.Threshold == 0 {
		cfg.Compaction.Threshold = DefaultCompactThreshold
	}

	lf, err := openLogFile(dir, cfg.Logger)
	if err != nil {
		return nil, err
	}

	s := &Store{
		log:       lf,
		idx:       newIndex(),
		threshold: cfg.Compaction.Threshold,
		logger:    cfg.Logger,
	}

	if err := s.replay(); err != nil {
		_ = lf.close()
		return nil, err
	}

	s.logger.Infow("store opened", "dir", dir, "records", s.total, "live_keys", s.idx.len())
	return s, nil
}

// replay rebuilds the index from the log, byte 0 to EOF (invariant I4).
func (s *Store) replay() error {
	var count uint64
	truncateTo, err := s.log.scanFrom(0, func(rec Record, off uint64) error {
		count++
		switch rec.Kind {
		case KindSet:
			s.idx.set(rec.Key, off)
		case KindRemove:
			s.idx.delete(rec.Key)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if err := s.log.truncateTo(truncateTo); err != nil {
		return err
	}
	s.total = count
	return nil
}

// Set appends Set{key,value}, updates the index, and then evaluates the
// compaction policy.
func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	off, err := s.log.append(Record{Kind: KindSet, Key: key, Value: value})
	if err != nil {
		return fmt.Errorf("kvstore: set %q: %w", key, err)
	}
	s.idx.set(key, off)
	s.total++

	s.logger.Debugw("set", "key", key, "offset", off)
	return s.maybeCompact()
}

// Get looks up key and, if present, reads its value back from the log. The
// bool return is false when the key was never set or its last record is a
// Remove; a missing key is a successful lookup with no result, not an error.
func (s *Store) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	off, ok := s.idx.get(key)
	if !ok {
		return "", false, nil
	}
	value, err := s.log.readAt(key, off)
	if err != nil {
		return "", false, fmt.Errorf("kvstore: get %q: %w", key, err)
	}
	return value, true, nil
}

// Remove appends a tombstone for key and erases it from the index.
// ErrKeyNotFound is returned, and no tombstone is written, if key is already
// absent.
func (s *Store) Remove(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.idx.get(key); !ok {
		return fmt.Errorf("kvstore: remove %q: %w", key, ErrKeyNotFound)
	}

	if _, err := s.log.append(Record{Kind: KindRemove, Key: key}); err != nil {
		return fmt.Errorf("kvstore: remove %q: %w", key, err)
	}
	// The tombstone is durable before the index forgets the key: a crash
	// right here just replays to the same end state on the next Open.
	s.idx.delete(key)
	s.total++

	s.logger.Debugw("remove", "key", key)
	return s.maybeCompact()
}

// maybeCompact runs compaction synchronously if the policy says so. It never
// fires more than once per Set/Remove call.
func (s *Store) maybeCompact() error {
	if s.total < s.threshold {
		return nil
	}
	return s.compact()
}

// Compact forces a compaction regardless of the policy threshold. Exposed so
// the CLI's `compact` subcommand can run one out of band.
func (s *Store) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compact()
}

// compact rewrites the active log to contain exactly one Set per live key,
// building the new index in lockstep with the new file: every value is read
// from the OLD log at its OLD offset before any new offset is assigned, and
// the new log is not visible to readers until replaceWith's rename commits.
//
// Every live value is resolved up front, before replaceWith is called:
// replaceWith holds logFile's mutex for the whole rewrite, and readAt takes
// that same mutex, so calling readAt from inside the pairs callback would
// deadlock against its own goroutine.
func (s *Store) compact() error {
	before := s.total
	liveKeys := s.idx.len()
	s.logger.Infow("compaction starting", "records", before, "live_keys", liveKeys)

	newIdx := newIndex()

	type liveEntry struct {
		key, value string
	}
	entries := make([]liveEntry, 0, liveKeys)
	var readErr error
	s.idx.each(func(key string, off uint64) {
		if readErr != nil {
			return
		}
		value, err := s.log.readAt(key, off)
		if err != nil {
			readErr = err
			return
		}
		entries = append(entries, liveEntry{key, value})
	})
	if readErr != nil {
		return fmt.Errorf("kvstore: compact: %w", readErr)
	}

	yieldPairs := func(yield func(key, value string) error) error {
		for _, e := range entries {
			if err := yield(e.key, e.value); err != nil {
				return err
			}
		}
		return nil
	}

	if err := s.log.replaceWith(yieldPairs, func(key string, newOff uint64) {
		newIdx.set(key, newOff)
	}); err != nil {
		return fmt.Errorf("kvstore: compact: %w", err)
	}

	s.idx = newIdx
	s.total = uint64(s.idx.len())
	s.threshold = maxUint64(s.threshold, s.total*2)

	s.logger.Infow("compaction finished", "records_before", before, "records_after", s.total, "next_threshold", s.threshold)
	return nil
}

func maxUint64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

// Stats reports the current live key count and the active log's size in
// bytes, for the CLI's diagnostic `stats` subcommand.
func (s *Store) Stats() (liveKeys int, logBytes uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idx.len(), s.log.size
}

// Close flushes and releases the store's file handles and advisory lock.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.log.close()
}
