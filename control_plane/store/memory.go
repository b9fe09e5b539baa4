package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore holds fleet state in process memory.
// It implements the Store interface. Every mutation runs under the write
// lock, which makes each method one atomic unit.
type MemoryStore struct {
	mu          sync.RWMutex
	servers     map[string]*Server
	inventories map[string][]*Inventory // by server, in insertion order
	jobs        map[string]*Job
	jobOrder    []string
	results     map[string][]*JobResult // by job
	audit       []*AuditLog
	users       map[string]*User // by email
}

// NewMemoryStore initializes a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		servers:     make(map[string]*Server),
		inventories: make(map[string][]*Inventory),
		jobs:        make(map[string]*Job),
		results:     make(map[string][]*JobResult),
		users:       make(map[string]*User),
	}
}

func (s *MemoryStore) Close() {}

func ensureID(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}

func (s *MemoryStore) appendAuditLocked(entry *AuditLog) {
	if entry == nil {
		return
	}
	ensureID(&entry.ID)
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	e := *entry
	s.audit = append(s.audit, &e)
}

// --- Server Operations ---

func (s *MemoryStore) CreateServer(ctx context.Context, srv *Server, entry *AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ensureID(&srv.ID)
	for _, existing := range s.servers {
		if existing.AgentToken == srv.AgentToken {
			return ErrConflict
		}
	}
	c := *srv
	s.servers[srv.ID] = &c
	s.appendAuditLocked(entry)
	return nil
}

func (s *MemoryStore) ReRegisterServer(ctx context.Context, srv *Server, entry *AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.servers[srv.ID]
	if !ok {
		return ErrNotFound
	}
	existing.AgentToken = srv.AgentToken
	existing.OSName = srv.OSName
	existing.OSVersion = srv.OSVersion
	existing.KernelVersion = srv.KernelVersion
	existing.PackageManager = srv.PackageManager
	existing.UpdatedAt = srv.UpdatedAt
	s.appendAuditLocked(entry)
	return nil
}

func (s *MemoryStore) GetServer(ctx context.Context, id string) (*Server, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	srv, ok := s.servers[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *srv
	return &c, nil
}

func (s *MemoryStore) GetServerByToken(ctx context.Context, token string) (*Server, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if token == "" {
		return nil, ErrNotFound
	}
	for _, srv := range s.servers {
		if srv.AgentToken == token {
			c := *srv
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) FindServerByHost(ctx context.Context, hostname, ip string) (*Server, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, srv := range s.servers {
		if srv.Hostname == hostname && srv.IP == ip {
			c := *srv
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListServers(ctx context.Context) ([]*Server, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Server, 0, len(s.servers))
	for _, srv := range s.servers {
		c := *srv
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *MemoryStore) RotateServerToken(ctx context.Context, id, oldToken, newToken string, at time.Time, entry *AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	srv, ok := s.servers[id]
	if !ok {
		return ErrNotFound
	}
	if oldToken != "" && srv.AgentToken != oldToken {
		return ErrConflict
	}
	srv.AgentToken = newToken
	srv.UpdatedAt = at
	s.appendAuditLocked(entry)
	return nil
}

func (s *MemoryStore) TouchServer(ctx context.Context, id string, seen time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	srv, ok := s.servers[id]
	if !ok {
		return ErrNotFound
	}
	t := seen
	srv.LastSeen = &t
	return nil
}

// --- Inventory Operations ---

func (s *MemoryStore) SaveInventory(ctx context.Context, inv *Inventory, seen *time.Time, entry *AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.saveInventoryLocked(inv, seen); err != nil {
		return err
	}
	s.appendAuditLocked(entry)
	return nil
}

func (s *MemoryStore) saveInventoryLocked(inv *Inventory, seen *time.Time) error {
	srv, ok := s.servers[inv.ServerID]
	if !ok {
		return ErrNotFound
	}
	ensureID(&inv.ID)
	for i := range inv.Updates {
		ensureID(&inv.Updates[i].ID)
		inv.Updates[i].InventoryID = inv.ID
	}

	c := *inv
	c.Updates = append([]Update(nil), inv.Updates...)
	s.inventories[inv.ServerID] = append(s.inventories[inv.ServerID], &c)

	srv.Hostname = inv.Hostname
	srv.IP = inv.IP
	srv.OSName = inv.OSName
	srv.OSVersion = inv.OSVersion
	srv.KernelVersion = inv.KernelVersion
	srv.PackageManager = inv.PackageManager
	srv.LastUpdateTime = inv.LastUpdateTime
	srv.UpdatedAt = inv.CollectedAt
	if seen != nil {
		t := *seen
		srv.LastSeen = &t
	}
	return nil
}

func (s *MemoryStore) latestLocked(serverID string) *Inventory {
	var latest *Inventory
	for _, inv := range s.inventories[serverID] {
		if latest == nil || !inv.CollectedAt.Before(latest.CollectedAt) {
			latest = inv
		}
	}
	return latest
}

func (s *MemoryStore) LatestInventory(ctx context.Context, serverID string) (*Inventory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := s.latestLocked(serverID)
	if latest == nil {
		return nil, ErrNotFound
	}
	c := *latest
	c.Updates = append([]Update(nil), latest.Updates...)
	return &c, nil
}

func (s *MemoryStore) LatestInventories(ctx context.Context) (map[string]*Inventory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]*Inventory, len(s.inventories))
	for serverID := range s.inventories {
		if latest := s.latestLocked(serverID); latest != nil {
			c := *latest
			c.Updates = nil
			result[serverID] = &c
		}
	}
	return result, nil
}

// --- Job Operations ---

func (s *MemoryStore) CreateJob(ctx context.Context, job *Job, entry *AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.servers[job.ServerID]; !ok {
		return ErrNotFound
	}
	ensureID(&job.ID)
	if _, dup := s.jobs[job.ID]; dup {
		return ErrConflict
	}
	c := *job
	s.jobs[job.ID] = &c
	s.jobOrder = append(s.jobOrder, job.ID)
	s.appendAuditLocked(entry)
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *j
	return &c, nil
}

// ListJobs returns matching jobs newest first.
func (s *MemoryStore) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Job
	for i := len(s.jobOrder) - 1; i >= 0; i-- {
		j := s.jobs[s.jobOrder[i]]
		if filter.ServerID != "" && j.ServerID != filter.ServerID {
			continue
		}
		if filter.Status != "" && j.Status != filter.Status {
			continue
		}
		c := *j
		result = append(result, &c)
	}
	sort.SliceStable(result, func(a, b int) bool { return result[a].CreatedAt.After(result[b].CreatedAt) })
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *MemoryStore) TransitionJob(ctx context.Context, id string, from JobStatus, mutate func(*Job), entry *AuditLog) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if j.Status != from {
		return nil, ErrConflict
	}
	mutate(j)
	s.appendAuditLocked(entry)
	c := *j
	return &c, nil
}

func isDue(j *Job, now time.Time) bool {
	return j.ScheduledAt == nil || !j.ScheduledAt.After(now)
}

func (s *MemoryStore) QueueDueJobs(ctx context.Context, now time.Time, audit AuditFunc) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var queued []*Job
	for _, id := range s.jobOrder {
		j := s.jobs[id]
		if j.Status != JobApproved || !isDue(j, now) {
			continue
		}
		j.Status = JobQueued
		j.UpdatedAt = now
		c := *j
		if audit != nil {
			s.appendAuditLocked(audit(&c))
		}
		queued = append(queued, &c)
	}
	return queued, nil
}

func (s *MemoryStore) ClaimNextJob(ctx context.Context, serverID string, now time.Time, audit AuditFunc) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *Job
	for _, id := range s.jobOrder {
		j := s.jobs[id]
		if j.ServerID != serverID || j.Status != JobQueued {
			continue
		}
		if next == nil || j.CreatedAt.Before(next.CreatedAt) {
			next = j
		}
	}
	if next == nil {
		return nil, nil
	}
	next.Status = JobRunning
	next.UpdatedAt = now
	c := *next
	if audit != nil {
		s.appendAuditLocked(audit(&c))
	}
	return &c, nil
}

func (s *MemoryStore) CompleteJob(ctx context.Context, c JobCompletion) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[c.JobID]
	if !ok || j.ServerID != c.ServerID {
		return nil, ErrNotFound
	}
	if j.Status != JobRunning {
		return nil, ErrConflict
	}
	srv, ok := s.servers[c.ServerID]
	if !ok {
		return nil, ErrNotFound
	}

	if c.Inventory != nil {
		if err := s.saveInventoryLocked(c.Inventory, &c.SeenAt); err != nil {
			return nil, err
		}
	} else {
		t := c.SeenAt
		srv.LastSeen = &t
	}

	res := *c.Result
	ensureID(&res.ID)
	res.JobID = j.ID
	c.Result.ID = res.ID
	s.results[j.ID] = append(s.results[j.ID], &res)

	j.Status = res.Status
	j.UpdatedAt = c.SeenAt
	s.appendAuditLocked(c.Audit)

	out := *j
	return &out, nil
}

// ListJobResults returns results newest first.
func (s *MemoryStore) ListJobResults(ctx context.Context, jobID string) ([]*JobResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rs := s.results[jobID]
	result := make([]*JobResult, 0, len(rs))
	for i := len(rs) - 1; i >= 0; i-- {
		c := *rs[i]
		result = append(result, &c)
	}
	return result, nil
}

// --- Audit Operations ---

func (s *MemoryStore) AppendAudit(ctx context.Context, entry *AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appendAuditLocked(entry)
	return nil
}

// ListAudit returns the most recent entries first.
func (s *MemoryStore) ListAudit(ctx context.Context, limit int) ([]*AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*AuditLog, 0, max(0, min(limit, len(s.audit))))
	for i := len(s.audit) - 1; i >= 0; i-- {
		if limit > 0 && len(result) >= limit {
			break
		}
		c := *s.audit[i]
		result = append(result, &c)
	}
	return result, nil
}

// --- User Operations ---

func (s *MemoryStore) CreateUser(ctx context.Context, u *User, entry *AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[u.Email]; exists {
		return ErrConflict
	}
	ensureID(&u.ID)
	c := *u
	s.users[u.Email] = &c
	s.appendAuditLocked(entry)
	return nil
}

func (s *MemoryStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[email]
	if !ok {
		return nil, ErrNotFound
	}
	c := *u
	return &c, nil
}

func (s *MemoryStore) ListUsers(ctx context.Context) ([]*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*User, 0, len(s.users))
	for _, u := range s.users {
		c := *u
		result = append(result, &c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}
