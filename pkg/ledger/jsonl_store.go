package ledger

import (
	"bufio"
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/devkiln/kiln/pkg/engine"
)

const maxLineSize = 16 << 20

// JSONLStore implements Store on a newline-delimited JSON file. Writers hold
// an exclusive flock for the duration of an append and fsync before
// releasing it, so several processes may share one file.
type JSONLStore struct {
	mu      sync.Mutex
	f       *os.File
	path    string
	offset  int64
	lastSeq int64
	lastTS  time.Time
	phases  map[pairKey]engine.Phase
}

// OpenJSONL opens or creates the ledger file at path.
func OpenJSONL(path string) (*JSONLStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, storageError("open", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, storageError("open", err)
	}

	s := &JSONLStore{f: f, path: path, phases: make(map[pairKey]engine.Phase)}
	if err := lockFile(f, false); err != nil {
		_ = f.Close()
		return nil, storageError("lock", err)
	}
	defer unlockFile(f) //nolint:errcheck
	if err := s.catchUp(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the ledger file path.
func (s *JSONLStore) Path() string {
	return s.path
}

// Append writes ev as one line and syncs the file. Timestamps are bumped
// past the newest one in the file so file order and time order agree.
func (s *JSONLStore) Append(_ context.Context, ev *engine.Event, check CheckFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := lockFile(s.f, true); err != nil {
		return storageError("lock", err)
	}
	defer unlockFile(s.f) //nolint:errcheck

	// Another process may have appended since we last looked.
	if err := s.catchUp(); err != nil {
		return err
	}

	key := pairKey{ev.Target, ev.Extension}
	prev, ok := s.phases[key]
	if !ok {
		prev = engine.PhaseNotRequested
	}
	if check != nil {
		if err := check(prev); err != nil {
			return err
		}
	}

	ev.Previous = prev
	ev.Seq = s.lastSeq + 1
	if !ev.Timestamp.After(s.lastTS) {
		ev.Timestamp = s.lastTS.Add(time.Nanosecond)
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return storageError("append", fmt.Errorf("failed to encode event: %w", err))
	}
	line = append(line, '\n')

	n, err := s.f.Write(line)
	if err != nil {
		return storageError("append", fmt.Errorf("failed to write event: %w", err))
	}
	if err := s.f.Sync(); err != nil {
		return storageError("append", fmt.Errorf("failed to sync ledger: %w", err))
	}

	s.offset += int64(n)
	s.lastSeq = ev.Seq
	s.lastTS = ev.Timestamp
	s.phases[key] = ev.Phase
	return nil
}

// Events reads the whole file and returns matching events.
func (s *JSONLStore) Events(_ context.Context, filter Filter) ([]engine.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := lockFile(s.f, false); err != nil {
		return nil, storageError("lock", err)
	}
	defer unlockFile(s.f) //nolint:errcheck

	var events []engine.Event
	_, err := s.scan(0, func(ev engine.Event) {
		if filter.matches(&ev) {
			events = append(events, ev)
		}
	})
	if err != nil {
		return nil, err
	}

	slices.SortStableFunc(events, func(a, b engine.Event) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.Seq, b.Seq)
	})
	return events, nil
}

// LastTimestamp returns the newest timestamp written to the file.
func (s *JSONLStore) LastTimestamp(_ context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := lockFile(s.f, false); err != nil {
		return time.Time{}, storageError("lock", err)
	}
	defer unlockFile(s.f) //nolint:errcheck

	if err := s.catchUp(); err != nil {
		return time.Time{}, err
	}
	return s.lastTS, nil
}

// Close closes the file.
func (s *JSONLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}

// catchUp consumes lines written after the known offset, including those of
// other processes. The caller holds a flock.
func (s *JSONLStore) catchUp() error {
	end, err := s.scan(s.offset, func(ev engine.Event) {
		s.phases[pairKey{ev.Target, ev.Extension}] = ev.Phase
		if ev.Seq > s.lastSeq {
			s.lastSeq = ev.Seq
		}
		if ev.Timestamp.After(s.lastTS) {
			s.lastTS = ev.Timestamp
		}
	})
	if err != nil {
		return err
	}
	s.offset = end
	return nil
}

// scan decodes every complete line from offset and returns the offset after
// the last one.
func (s *JSONLStore) scan(offset int64, fn func(engine.Event)) (int64, error) {
	info, err := s.f.Stat()
	if err != nil {
		return offset, storageError("query", err)
	}
	if info.Size() <= offset {
		return offset, nil
	}

	scanner := bufio.NewScanner(io.NewSectionReader(s.f, offset, info.Size()-offset))
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	pos := offset
	for scanner.Scan() {
		line := scanner.Bytes()
		next := pos + int64(len(line)) + 1
		if next > info.Size() {
			// Unterminated tail of a write in progress.
			break
		}
		if len(bytes.TrimSpace(line)) > 0 {
			var ev engine.Event
			if err := json.Unmarshal(line, &ev); err != nil {
				return pos, storageError("query", fmt.Errorf("corrupt ledger record at offset %d: %w", pos, err))
			}
			fn(ev)
		}
		pos = next
	}
	if err := scanner.Err(); err != nil {
		return pos, storageError("query", err)
	}
	return pos, nil
}
