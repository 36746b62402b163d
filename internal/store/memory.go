package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used by tests and local development
// without Postgres. It enforces the same uniqueness rules as the schema.
type MemoryStore struct {
	mu      sync.Mutex
	users   map[string]*User
	jobs    map[string]*Job
	events  map[string][]JobEvent
	usage   map[string]*Usage // userID|month
	cache   map[string]*CacheEntry
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		users:  make(map[string]*User),
		jobs:   make(map[string]*Job),
		events: make(map[string][]JobEvent),
		usage:  make(map[string]*Usage),
		cache:  make(map[string]*CacheEntry),
	}
}

func (s *MemoryStore) CreateUser(ctx context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.users {
		if existing.Email == u.Email {
			return fmt.Errorf("create user: email %s already exists", u.Email)
		}
	}
	if u.ID == "" {
		u.ID = uuid.New().String()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	if u.MonthlyLimitUSD == 0 {
		u.MonthlyLimitUSD = 200.0
	}
	if u.PerJobMaxUSD == 0 {
		u.PerJobMaxUSD = 50.0
	}
	clone := *u
	s.users[u.ID] = &clone
	return nil
}

func (s *MemoryStore) UserByID(ctx context.Context, id string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *u
	return &clone, nil
}

func (s *MemoryStore) UserByEmail(ctx context.Context, email string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			clone := *u
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ActiveUsers(ctx context.Context) ([]User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var users []User
	for _, u := range s.users {
		if u.IsActive {
			users = append(users, *u)
		}
	}
	return users, nil
}

func (s *MemoryStore) UpdateUserKey(ctx context.Context, id, hash, hint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	u.APIKeyHash = hash
	u.APIKeyHint = hint
	return nil
}

func (s *MemoryStore) CreateJob(ctx context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.ID == "" {
		j.ID = uuid.New().String()
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now().UTC()
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = 3
	}
	clone := *j
	s.jobs[j.ID] = &clone
	return nil
}

func (s *MemoryStore) JobByID(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *j
	return &clone, nil
}

func (s *MemoryStore) JobForUser(ctx context.Context, id, userID string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.UserID != userID {
		return nil, ErrNotFound
	}
	clone := *j
	return &clone, nil
}

func (s *MemoryStore) UpdateJob(ctx context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; !ok {
		return ErrNotFound
	}
	clone := *j
	s.jobs[j.ID] = &clone
	return nil
}

func (s *MemoryStore) RecentJobs(ctx context.Context, userID string, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var jobs []Job
	for _, j := range s.jobs {
		if j.UserID == userID {
			jobs = append(jobs, *j)
		}
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].CreatedAt.After(jobs[k].CreatedAt) })
	if len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, e *JobEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	s.events[e.JobID] = append(s.events[e.JobID], *e)
	return nil
}

func (s *MemoryStore) EventsForJob(ctx context.Context, jobID string) ([]JobEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := make([]JobEvent, len(s.events[jobID]))
	copy(events, s.events[jobID])
	return events, nil
}

func (s *MemoryStore) UsageFor(ctx context.Context, userID, month string) (*Usage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.usage[userID+"|"+month]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *u
	return &clone, nil
}

func (s *MemoryStore) AddUsage(ctx context.Context, userID, month string, costUSD, minutes float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := userID + "|" + month
	u, ok := s.usage[key]
	if !ok {
		u = &Usage{ID: uuid.New().String(), UserID: userID, Month: month}
		s.usage[key] = u
	}
	u.CostUSD += costUSD
	u.Minutes += minutes
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) CacheLookup(ctx context.Context, manifestHash, preset string) (*CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.cache[manifestHash+"|"+preset]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *e
	return &clone, nil
}

func (s *MemoryStore) InsertCacheEntry(ctx context.Context, e *CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := e.ManifestHash + "|" + e.Preset
	if _, ok := s.cache[key]; ok {
		// unique (manifest_hash, preset): first writer wins
		return nil
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	clone := *e
	s.cache[key] = &clone
	return nil
}
