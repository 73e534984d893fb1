package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// MemoryStore keeps entries in an in-memory slice. Readers copy out of the
// slice under the read lock so they never observe a partially written entry.
type MemoryStore struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemoryStore creates an empty in-memory audit store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Append persists an entry. Seq must be the next in sequence.
func (s *MemoryStore) Append(ctx context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.Seq != uint64(len(s.entries)) {
		return fmt.Errorf("out-of-order append: got seq %d, want %d", entry.Seq, len(s.entries))
	}
	s.entries = append(s.entries, entry)
	return nil
}

// Range returns entries with seq in [from, to] inclusive
func (s *MemoryStore) Range(ctx context.Context, from, to uint64) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := uint64(len(s.entries))
	if from >= n {
		return nil, nil
	}
	if to >= n {
		to = n - 1
	}
	out := make([]Entry, to-from+1)
	copy(out, s.entries[from:to+1])
	return out, nil
}

// Len returns the number of stored entries
func (s *MemoryStore) Len(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.entries)), nil
}

// Corrupt overwrites the stored hash of one entry. Test hook for chain
// verification; no production code path calls it.
func (s *MemoryStore) Corrupt(seq uint64, hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq < uint64(len(s.entries)) {
		s.entries[seq].EntryHash = hash
	}
}

// FileStore mirrors a MemoryStore to an append-only JSONL file so the chain
// survives restarts. Writes go to memory first; the file is flushed per
// entry under the same lock.
type FileStore struct {
	mu   sync.Mutex
	mem  *MemoryStore
	file *os.File
}

// NewFileStore opens (or creates) the JSONL file at path and loads any
// existing entries into memory.
func NewFileStore(path string) (*FileStore, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}

	mem := NewMemoryStore()
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			file.Close()
			return nil, fmt.Errorf("corrupt audit file line: %w", err)
		}
		if err := mem.Append(context.Background(), entry); err != nil {
			file.Close()
			return nil, fmt.Errorf("corrupt audit file order: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		file.Close()
		return nil, fmt.Errorf("read audit file: %w", err)
	}

	return &FileStore{mem: mem, file: file}, nil
}

// Append persists the entry to memory and the JSONL mirror
func (s *FileStore) Append(ctx context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.mem.Append(ctx, entry); err != nil {
		return err
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	if _, err := s.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	return s.file.Sync()
}

// Range returns entries with seq in [from, to] inclusive
func (s *FileStore) Range(ctx context.Context, from, to uint64) ([]Entry, error) {
	return s.mem.Range(ctx, from, to)
}

// Len returns the number of stored entries
func (s *FileStore) Len(ctx context.Context) (uint64, error) {
	return s.mem.Len(ctx)
}

// Close closes the underlying file
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
