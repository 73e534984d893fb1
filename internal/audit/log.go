package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"keymint/internal/infrastructure"
)

// genesisHash anchors the chain so entry 0 verifies like any other
const genesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Store persists entries in seq order. Implementations must never expose a
// partially written entry to readers.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	Range(ctx context.Context, from, to uint64) ([]Entry, error)
	Len(ctx context.Context) (uint64, error)
}

// Log is the append-only, hash-chained audit log. A single mutex serializes
// appends so seq advances monotonically with no gaps and the chain tail is
// always consistent under concurrent callers.
type Log struct {
	mu       sync.Mutex
	nextSeq  uint64
	tailHash string
	store    Store
	logger   *slog.Logger
	now      func() time.Time
}

// NewLog creates an audit log over the given store. The store must be empty
// or the log must be rebuilt with Resume.
func NewLog(store Store, logger *slog.Logger) *Log {
	return &Log{
		tailHash: genesisHash,
		store:    store,
		logger:   infrastructure.WithComponent(logger, "audit"),
		now:      time.Now,
	}
}

// Resume rebuilds the in-memory tail from a non-empty store. The existing
// chain is re-verified first; a log that does not verify refuses to resume
// rather than extending a tampered chain.
func (l *Log) Resume(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	n, err := l.store.Len(ctx)
	if err != nil {
		return fmt.Errorf("audit resume: %w", err)
	}
	if n == 0 {
		return nil
	}
	ok, err := l.verifyChainLocked(ctx, 0, n-1)
	if err != nil {
		return fmt.Errorf("audit resume: %w", err)
	}
	if !ok {
		return fmt.Errorf("audit resume: existing chain failed verification")
	}
	entries, err := l.store.Range(ctx, n-1, n-1)
	if err != nil {
		return fmt.Errorf("audit resume: %w", err)
	}
	l.nextSeq = n
	l.tailHash = entries[0].EntryHash
	return nil
}

// Append records an action against a subject and returns the committed entry.
// The entry hash chains over the previous entry so any later edit or gap is
// detectable by VerifyChain.
func (l *Log) Append(ctx context.Context, action Action, subjectID, actor string) (Entry, error) {
	return l.AppendDetail(ctx, action, subjectID, actor, "")
}

// AppendDetail is Append with an extra free-form detail field (e.g. the
// denial reason). Details must never contain key material.
func (l *Log) AppendDetail(ctx context.Context, action Action, subjectID, actor, detail string) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		Seq:       l.nextSeq,
		Timestamp: l.now().UTC(),
		Actor:     actor,
		Action:    action,
		SubjectID: subjectID,
		Detail:    detail,
		PrevHash:  l.tailHash,
	}
	entry.EntryHash = hashEntry(entry)

	if err := l.store.Append(ctx, entry); err != nil {
		return Entry{}, fmt.Errorf("audit append: %w", err)
	}

	l.nextSeq++
	l.tailHash = entry.EntryHash

	l.logger.DebugContext(ctx, "audit entry appended",
		slog.Uint64("seq", entry.Seq),
		slog.String("action", string(action)),
		slog.String("subject_id", subjectID),
	)
	return entry, nil
}

// VerifyChain re-verifies the hash chain over [from, to] inclusive.
// It returns false on any recomputed hash mismatch or broken linkage.
func (l *Log) VerifyChain(ctx context.Context, from, to uint64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.verifyChainLocked(ctx, from, to)
}

func (l *Log) verifyChainLocked(ctx context.Context, from, to uint64) (bool, error) {
	if from > to {
		return false, fmt.Errorf("invalid range [%d, %d]", from, to)
	}
	entries, err := l.store.Range(ctx, from, to)
	if err != nil {
		return false, err
	}
	if uint64(len(entries)) != to-from+1 {
		return false, nil // gap in the sequence
	}

	prevHash := genesisHash
	if from > 0 {
		prior, err := l.store.Range(ctx, from-1, from-1)
		if err != nil || len(prior) != 1 {
			return false, err
		}
		prevHash = prior[0].EntryHash
	}

	for i, entry := range entries {
		if entry.Seq != from+uint64(i) {
			return false, nil
		}
		if entry.PrevHash != prevHash {
			return false, nil
		}
		if hashEntry(entry) != entry.EntryHash {
			return false, nil
		}
		prevHash = entry.EntryHash
	}
	return true, nil
}

// Export returns a verified range for external consumers. The range is
// re-verified before it is handed out; a tampered store yields an error,
// never silently corrupt data.
func (l *Log) Export(ctx context.Context, from, to uint64) ([]Entry, error) {
	ok, err := l.VerifyChain(ctx, from, to)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("audit chain [%d, %d] failed verification", from, to)
	}
	return l.store.Range(ctx, from, to)
}

// Len returns the number of committed entries
func (l *Log) Len(ctx context.Context) (uint64, error) {
	return l.store.Len(ctx)
}

// hashEntry computes sha256(prev_hash || canonical(entry)). The canonical
// form is a fixed-order pipe-joined string; timestamps use RFC3339Nano so
// re-verification is byte-exact.
func hashEntry(e Entry) string {
	canonical := fmt.Sprintf("%d|%s|%s|%s|%s|%s",
		e.Seq,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.Actor,
		e.Action,
		e.SubjectID,
		e.Detail,
	)
	h := sha256.New()
	h.Write([]byte(e.PrevHash))
	h.Write([]byte(canonical))
	return hex.EncodeToString(h.Sum(nil))
}
