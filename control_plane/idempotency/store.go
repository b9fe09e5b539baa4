// Package idempotency caches the response of a mutating request under a
// client supplied key so a retried request is answered without repeating the
// side effect.
package idempotency

import (
	"context"
	"sync"
	"time"
)

const (
	// LockTTL bounds how long a key stays reserved by a request in flight.
	LockTTL = 30 * time.Second
	// ResultTTL is how long a stored response is replayed.
	ResultTTL = 24 * time.Hour
)

// Response is a stored reply.
type Response struct {
	StatusCode int       `json:"status_code"`
	Body       []byte    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store reserves keys and keeps responses. Get returns nil, nil for an
// unknown key. Lock reports false when another request holds the key.
// Save stores the response and releases the lock.
type Store interface {
	Get(ctx context.Context, key string) (*Response, error)
	Lock(ctx context.Context, key string) (bool, error)
	Save(ctx context.Context, key string, resp Response) error
	Unlock(ctx context.Context, key string) error
}

type entry struct {
	resp    Response
	expires time.Time
}

// MemoryStore keeps keys in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	results map[string]entry
	locks   map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		results: make(map[string]entry),
		locks:   make(map[string]time.Time),
		ttl:     ResultTTL,
		now:     time.Now,
	}
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.results[key]
	if !ok {
		return nil, nil
	}
	if s.now().After(e.expires) {
		delete(s.results, key)
		return nil, nil
	}
	resp := e.resp
	return &resp, nil
}

func (s *MemoryStore) Lock(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if until, held := s.locks[key]; held && now.Before(until) {
		return false, nil
	}
	s.locks[key] = now.Add(LockTTL)
	return true, nil
}

func (s *MemoryStore) Save(ctx context.Context, key string, resp Response) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if resp.CreatedAt.IsZero() {
		resp.CreatedAt = now
	}
	s.results[key] = entry{resp: resp, expires: now.Add(s.ttl)}
	delete(s.locks, key)
	return nil
}

func (s *MemoryStore) Unlock(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.locks, key)
	return nil
}
