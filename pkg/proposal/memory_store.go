package proposal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryRecord struct {
	mu    sync.Mutex
	p     *Proposal
	audit []AuditEntry
}

// MemoryStore keeps proposals in process. Records are locked individually so
// writes to different proposals never serialize.
type MemoryStore struct {
	records sync.Map // id -> *memoryRecord
	now     func() time.Time
	newID   func() string
}

// MemoryStoreOption configures a MemoryStore.
type MemoryStoreOption func(*MemoryStore)

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryStore) { s.now = now }
}

// WithIDGenerator overrides proposal id generation.
func WithIDGenerator(gen func() string) MemoryStoreOption {
	return func(s *MemoryStore) { s.newID = gen }
}

func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) Create(_ context.Context, in CreateInput) (*Proposal, error) {
	p := newProposal(s.newID(), in, s.now())
	rec := &memoryRecord{p: p, audit: []AuditEntry{createdEntry(p)}}
	if _, loaded := s.records.LoadOrStore(p.ID, rec); loaded {
		return nil, fmt.Errorf("proposal id %q already exists", p.ID)
	}
	return p.Clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Proposal, error) {
	rec, ok := s.load(id)
	if !ok {
		return nil, ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.p.Clone(), nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id string, next Status, u Update) (*Proposal, error) {
	rec, ok := s.load(id)
	if !ok {
		return nil, ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	// Work on a copy so a rejected transition leaves the record untouched.
	draft := rec.p.Clone()
	entry, err := applyUpdate(draft, next, u, s.now())
	if err != nil {
		return nil, err
	}
	rec.p = draft
	rec.audit = append(rec.audit, entry)
	return draft.Clone(), nil
}

func (s *MemoryStore) Audit(_ context.Context, id string) ([]AuditEntry, error) {
	rec, ok := s.load(id)
	if !ok {
		return nil, ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]AuditEntry(nil), rec.audit...), nil
}

func (s *MemoryStore) load(id string) (*memoryRecord, bool) {
	v, ok := s.records.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*memoryRecord), true
}
