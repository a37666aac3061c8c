package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store with in-process maps. It is intended for
// tests and single-node development; every operation takes the store lock,
// giving the same atomicity guarantees the Redis scripts provide.
type MemoryStore struct {
	mu sync.Mutex

	envelopes   map[string]map[string]*Envelope // tenant -> id -> envelope
	queues      map[string][]queueEntry         // tenant/channel -> ordered entries
	processing  map[string]map[string]int64     // tenant/channel -> id -> dequeue ms
	deadLetters map[string][]*Envelope          // tenant -> newest first
	counters    map[string]map[string]int64     // tenant/channel -> name -> value

	seq int64
}

type queueEntry struct {
	id      string
	scoreMs int64
	seq     int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		envelopes:   make(map[string]map[string]*Envelope),
		queues:      make(map[string][]queueEntry),
		processing:  make(map[string]map[string]int64),
		deadLetters: make(map[string][]*Envelope),
		counters:    make(map[string]map[string]int64),
	}
}

// Connect is a no-op for the in-memory store.
func (s *MemoryStore) Connect(ctx context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

// Ping always succeeds.
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func qkey(tenant string, channel Channel) string {
	return tenant + "/" + string(channel)
}

func copyEnvelope(env *Envelope) *Envelope {
	dup := *env
	if env.Payload != nil {
		dup.Payload = append([]byte(nil), env.Payload...)
	}
	if env.Attempts != nil {
		dup.Attempts = append([]Attempt(nil), env.Attempts...)
	}
	return &dup
}

// PutEnvelope writes or overwrites an envelope record.
func (s *MemoryStore) PutEnvelope(ctx context.Context, env *Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tenant := s.envelopes[env.TenantID]
	if tenant == nil {
		tenant = make(map[string]*Envelope)
		s.envelopes[env.TenantID] = tenant
	}
	tenant[env.ID] = copyEnvelope(env)
	return nil
}

// GetEnvelope retrieves one envelope by id.
func (s *MemoryStore) GetEnvelope(ctx context.Context, tenant, id string) (*Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, ok := s.envelopes[tenant][id]
	if !ok {
		return nil, ErrEnvelopeNotFound
	}
	return copyEnvelope(env), nil
}

// DeleteEnvelope removes an envelope record.
func (s *MemoryStore) DeleteEnvelope(ctx context.Context, tenant, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.envelopes[tenant], id)
	return nil
}

// ListEnvelopes returns every envelope for a tenant.
func (s *MemoryStore) ListEnvelopes(ctx context.Context, tenant string) ([]*Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	envs := make([]*Envelope, 0, len(s.envelopes[tenant]))
	for _, env := range s.envelopes[tenant] {
		envs = append(envs, copyEnvelope(env))
	}
	return envs, nil
}

// AddToQueue inserts an id at the given eligible time.
func (s *MemoryStore) AddToQueue(ctx context.Context, tenant string, channel Channel, id string, eligibleAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := qkey(tenant, channel)

	// Replace any existing entry for the id, matching ZADD semantics
	entries := s.queues[key]
	for i := range entries {
		if entries[i].id == id {
			entries[i].scoreMs = eligibleAt.UnixMilli()
			return nil
		}
	}

	s.seq++
	s.queues[key] = append(entries, queueEntry{
		id:      id,
		scoreMs: eligibleAt.UnixMilli(),
		seq:     s.seq,
	})
	return nil
}

// PopEligible atomically pops the next eligible id and records it as
// processing. Ties on eligible time resolve in insertion order.
func (s *MemoryStore) PopEligible(ctx context.Context, tenant string, channel Channel, now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := qkey(tenant, channel)
	entries := s.queues[key]
	nowMs := now.UnixMilli()

	best := -1
	for i, e := range entries {
		if e.scoreMs > nowMs {
			continue
		}
		if best == -1 || e.scoreMs < entries[best].scoreMs ||
			(e.scoreMs == entries[best].scoreMs && e.seq < entries[best].seq) {
			best = i
		}
	}
	if best == -1 {
		return "", nil
	}

	id := entries[best].id
	s.queues[key] = append(entries[:best], entries[best+1:]...)

	procs := s.processing[key]
	if procs == nil {
		procs = make(map[string]int64)
		s.processing[key] = procs
	}
	procs[id] = nowMs

	return id, nil
}

// RemoveFromQueue deletes an id from a channel's queue.
func (s *MemoryStore) RemoveFromQueue(ctx context.Context, tenant string, channel Channel, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := qkey(tenant, channel)
	entries := s.queues[key]
	for i := range entries {
		if entries[i].id == id {
			s.queues[key] = append(entries[:i], entries[i+1:]...)
			return nil
		}
	}
	return nil
}

// InQueue reports whether an id is present in a channel's queue.
func (s *MemoryStore) InQueue(ctx context.Context, tenant string, channel Channel, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.queues[qkey(tenant, channel)] {
		if e.id == id {
			return true, nil
		}
	}
	return false, nil
}

// QueueLength returns a channel's queue depth.
func (s *MemoryStore) QueueLength(ctx context.Context, tenant string, channel Channel) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return int64(len(s.queues[qkey(tenant, channel)])), nil
}

// RemoveProcessing drops an id from the processing index.
func (s *MemoryStore) RemoveProcessing(ctx context.Context, tenant string, channel Channel, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.processing[qkey(tenant, channel)], id)
	return nil
}

// StuckProcessing returns ids dequeued before the cutoff and never resolved.
func (s *MemoryStore) StuckProcessing(ctx context.Context, tenant string, channel Channel, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoffMs := cutoff.UnixMilli()
	var ids []string
	for id, ms := range s.processing[qkey(tenant, channel)] {
		if ms <= cutoffMs {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// PushDeadLetter prepends a snapshot to the dead letter list.
func (s *MemoryStore) PushDeadLetter(ctx context.Context, tenant string, env *Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deadLetters[tenant] = append([]*Envelope{copyEnvelope(env)}, s.deadLetters[tenant]...)
	return nil
}

// DeadLetters returns up to limit snapshots, newest first.
func (s *MemoryStore) DeadLetters(ctx context.Context, tenant string, limit int64) ([]*Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}

	list := s.deadLetters[tenant]
	if int64(len(list)) < limit {
		limit = int64(len(list))
	}

	envs := make([]*Envelope, 0, limit)
	for _, env := range list[:limit] {
		envs = append(envs, copyEnvelope(env))
	}
	return envs, nil
}

// ClaimDeadLetter atomically removes and returns the snapshot at index.
func (s *MemoryStore) ClaimDeadLetter(ctx context.Context, tenant string, index int64) (*Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.deadLetters[tenant]
	if index < 0 || index >= int64(len(list)) {
		return nil, ErrEnvelopeNotFound
	}

	env := list[index]
	s.deadLetters[tenant] = append(list[:index], list[index+1:]...)
	return copyEnvelope(env), nil
}

// DeadLetterLength returns the dead letter backlog size.
func (s *MemoryStore) DeadLetterLength(ctx context.Context, tenant string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return int64(len(s.deadLetters[tenant])), nil
}

// IncrCounter increments a stats counter.
func (s *MemoryStore) IncrCounter(ctx context.Context, tenant string, channel Channel, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := qkey(tenant, channel)
	counters := s.counters[key]
	if counters == nil {
		counters = make(map[string]int64)
		s.counters[key] = counters
	}
	counters[name]++
	return nil
}

// Counters returns all stats counters for a channel.
func (s *MemoryStore) Counters(ctx context.Context, tenant string, channel Channel) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counters := make(map[string]int64, len(s.counters[qkey(tenant, channel)]))
	for name, n := range s.counters[qkey(tenant, channel)] {
		counters[name] = n
	}
	return counters, nil
}
