// Package audit provides the append-only evidence log. Every incident
// state transition writes exactly one entry; entries are never updated
// or deleted, and per-entity insertion order is preserved so incident
// history can be reconstructed for legal defensibility.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shizukutanaka/mamori/internal/vault"
)

// Entry is a single write-once audit record
type Entry struct {
	ID        string    `json:"id"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	EntityRef string    `json:"entity_ref"`

	// Details holds structured context. When ContainsSensitiveData is
	// set, Details is cleared before storage and EncryptedDetails holds
	// the sealed payload instead.
	Details               map[string]interface{} `json:"details,omitempty"`
	ContainsSensitiveData bool                   `json:"contains_sensitive_data"`
	EncryptedDetails      *vault.EncryptedBlob   `json:"encrypted_details,omitempty"`
}

// Store persists entries in insertion order. Implementations must never
// overwrite or delete prior entries.
type Store interface {
	AppendEntry(ctx context.Context, entry *Entry) error

	// LastSequence returns the highest sequence already persisted, or 0
	// for an empty store. The recorder resumes from it on startup so a
	// restart never collides with prior entries.
	LastSequence(ctx context.Context) (uint64, error)
}

// Recorder assigns identity and ordering to entries and appends them to
// the store and the dedicated audit log sink.
type Recorder struct {
	logger *zap.Logger
	store  Store
	vault  *vault.KeyVault

	// mu serializes stamping and appending so stored insertion order
	// always matches sequence order, even when timestamps collide.
	mu     sync.Mutex
	seq    uint64
	seeded bool
}

// NewRecorder creates an audit recorder. The vault may be nil when no
// sensitive-detail encryption is needed (tests, dry runs).
func NewRecorder(logger *zap.Logger, store Store, kv *vault.KeyVault) *Recorder {
	return &Recorder{
		logger: logger,
		store:  store,
		vault:  kv,
	}
}

// Append stamps and persists an entry. Sensitive details are sealed
// through the vault before anything leaves this process.
func (r *Recorder) Append(ctx context.Context, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("nil audit entry")
	}

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	if entry.ContainsSensitiveData && len(entry.Details) > 0 {
		if r.vault == nil {
			return fmt.Errorf("audit entry %s carries sensitive data but no vault is configured", entry.ID)
		}
		plaintext, err := json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("failed to marshal sensitive details: %w", err)
		}
		blob, err := r.vault.Encrypt(plaintext)
		if err != nil {
			return fmt.Errorf("failed to encrypt sensitive details: %w", err)
		}
		entry.EncryptedDetails = blob
		entry.Details = nil
	}

	r.mu.Lock()
	if !r.seeded {
		last, err := r.store.LastSequence(ctx)
		if err != nil {
			r.mu.Unlock()
			return fmt.Errorf("failed to resume audit sequence: %w", err)
		}
		r.seq = last
		r.seeded = true
	}
	r.seq++
	entry.Sequence = r.seq
	err := r.store.AppendEntry(ctx, entry)
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}

	if r.logger != nil {
		r.logger.Info("AuditEvent",
			zap.String("entry_id", entry.ID),
			zap.Uint64("sequence", entry.Sequence),
			zap.String("actor", entry.Actor),
			zap.String("action", entry.Action),
			zap.String("entity_ref", entry.EntityRef),
			zap.Bool("sensitive", entry.ContainsSensitiveData),
		)
	}

	return nil
}

// DecryptDetails recovers the sensitive details of a stored entry
func (r *Recorder) DecryptDetails(entry *Entry) (map[string]interface{}, error) {
	if entry.EncryptedDetails == nil {
		return entry.Details, nil
	}
	if r.vault == nil {
		return nil, fmt.Errorf("no vault configured")
	}

	plaintext, err := r.vault.Decrypt(entry.EncryptedDetails)
	if err != nil {
		return nil, err
	}

	details := make(map[string]interface{})
	if err := json.Unmarshal(plaintext, &details); err != nil {
		return nil, fmt.Errorf("failed to unmarshal audit details: %w", err)
	}
	return details, nil
}

// MemoryStore is an in-memory append-only Store
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// AppendEntry appends the entry; prior entries are never touched
func (s *MemoryStore) AppendEntry(_ context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *entry
	s.entries = append(s.entries, &copied)
	return nil
}

// Entries returns a snapshot of all entries in insertion order
func (s *MemoryStore) Entries() []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// LastSequence returns the highest sequence held in memory
func (s *MemoryStore) LastSequence(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.entries) == 0 {
		return 0, nil
	}
	return s.entries[len(s.entries)-1].Sequence, nil
}

// EntriesFor returns the entries referencing one entity, in order
func (s *MemoryStore) EntriesFor(entityRef string) []*Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Entry, 0)
	for _, e := range s.entries {
		if e.EntityRef == entityRef {
			out = append(out, e)
		}
	}
	return out
}
