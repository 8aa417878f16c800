package messages

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrNotFound     = errors.New("message not found")
	ErrDuplicateKey = errors.New("message key already exists")
)

// Store is the persistent collection of message records. Every method is
// atomic for a single record; callers never lock across calls.
type Store interface {
	// Upsert inserts rec unless a record with the same idempotency key (or
	// the same non-empty message id) exists, in which case the stored record
	// is returned unchanged and created is false.
	Upsert(ctx context.Context, rec *Record) (stored *Record, created bool, err error)
	// Insert stores rec and fails with ErrDuplicateKey on any collision.
	Insert(ctx context.Context, rec *Record) error
	GetByMessageID(ctx context.Context, messageID string) (*Record, error)
	// UpdateStatus sets the status of the record with the given key. When
	// allowedFrom is non-nil the write only happens if the current status is
	// one of its members; applied reports whether it happened.
	UpdateStatus(ctx context.Context, key string, to Status, allowedFrom []Status) (rec *Record, applied bool, err error)
	// ListByContact returns records for a contact ordered by CreatedAt
	// ascending, ties broken by idempotency key.
	ListByContact(ctx context.Context, contactID string) ([]*Record, error)
	ListAll(ctx context.Context) ([]*Record, error)
	Count(ctx context.Context) (int, error)
}

// InMemoryStore is a threadsafe Store used by tests and the memory backend.
type InMemoryStore struct {
	mu        sync.RWMutex
	byKey     map[string]*Record
	byMessage map[string]string
	byContact map[string][]string
	now       func() time.Time
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byKey:     make(map[string]*Record),
		byMessage: make(map[string]string),
		byContact: make(map[string][]string),
		now:       time.Now,
	}
}

func (s *InMemoryStore) Upsert(ctx context.Context, rec *Record) (*Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.byKey[rec.IdempotencyKey]; ok {
		return cloneRecord(existing), false, nil
	}
	if rec.MessageID != "" {
		if key, ok := s.byMessage[rec.MessageID]; ok {
			return cloneRecord(s.byKey[key]), false, nil
		}
	}

	s.put(rec)
	return cloneRecord(s.byKey[rec.IdempotencyKey]), true, nil
}

func (s *InMemoryStore) Insert(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byKey[rec.IdempotencyKey]; ok {
		return ErrDuplicateKey
	}
	if rec.MessageID != "" {
		if _, ok := s.byMessage[rec.MessageID]; ok {
			return ErrDuplicateKey
		}
	}

	s.put(rec)
	return nil
}

// put stores a copy of rec; s.mu must be held.
func (s *InMemoryStore) put(rec *Record) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	s.byKey[rec.IdempotencyKey] = cloneRecord(rec)
	if rec.MessageID != "" {
		s.byMessage[rec.MessageID] = rec.IdempotencyKey
	}
	s.byContact[rec.ContactID] = append(s.byContact[rec.ContactID], rec.IdempotencyKey)
}

func (s *InMemoryStore) GetByMessageID(ctx context.Context, messageID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.byMessage[messageID]
	if !ok || messageID == "" {
		return nil, ErrNotFound
	}
	return cloneRecord(s.byKey[key]), nil
}

func (s *InMemoryStore) UpdateStatus(ctx context.Context, key string, to Status, allowedFrom []Status) (*Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byKey[key]
	if !ok {
		return nil, false, ErrNotFound
	}
	if allowedFrom != nil && !containsStatus(allowedFrom, rec.Status) {
		return cloneRecord(rec), false, nil
	}
	rec.Status = to
	return cloneRecord(rec), true, nil
}

func (s *InMemoryStore) ListByContact(ctx context.Context, contactID string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := s.byContact[contactID]
	out := make([]*Record, 0, len(keys))
	for _, k := range keys {
		out = append(out, cloneRecord(s.byKey[k]))
	}
	sortChronological(out)
	return out, nil
}

func (s *InMemoryStore) ListAll(ctx context.Context) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Record, 0, len(s.byKey))
	for _, rec := range s.byKey {
		out = append(out, cloneRecord(rec))
	}
	sortChronological(out)
	return out, nil
}

func (s *InMemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byKey), nil
}

func sortChronological(recs []*Record) {
	sort.SliceStable(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].IdempotencyKey < recs[j].IdempotencyKey
	})
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
