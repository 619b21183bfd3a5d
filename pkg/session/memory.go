package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps staged submissions in process memory. Entries are stored
// encoded so callers never share slices with the store.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]map[string][]byte
	limits   Limits
	now      func() time.Time
	discard  DiscardFunc
}

// NewMemoryStore creates an in-memory store.
func NewMemoryStore(limits Limits) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]map[string][]byte),
		limits:   limits,
		now:      time.Now,
	}
}

func (s *MemoryStore) Put(ctx context.Context, sessionID, key string, sub *StagedSubmission) error {
	if err := validateKeys(sessionID, key); err != nil {
		return err
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = s.now()
	}
	data, err := encode(sub)
	if err != nil {
		return err
	}

	s.mu.Lock()
	entries, ok := s.sessions[sessionID]
	if !ok {
		entries = make(map[string][]byte)
		s.sessions[sessionID] = entries
	}
	entries[key] = data
	evicted := s.evictLocked(sessionID, entries)
	discard := s.discard
	s.mu.Unlock()

	discard.notify(ctx, evicted)
	return nil
}

// OnDiscard implements Discarder.
func (s *MemoryStore) OnDiscard(fn DiscardFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discard = fn
}

func (s *MemoryStore) Get(ctx context.Context, sessionID, key string) (*StagedSubmission, error) {
	s.mu.Lock()
	data, ok := s.sessions[sessionID][key]
	s.mu.Unlock()
	if !ok {
		return nil, nil
	}

	sub, err := decode(data)
	if err != nil {
		return nil, err
	}
	if s.limits.expired(sub, s.now()) {
		return nil, nil
	}
	return sub, nil
}

func (s *MemoryStore) List(ctx context.Context, sessionID string) ([]*StagedSubmission, error) {
	s.mu.Lock()
	raw := make([][]byte, 0, len(s.sessions[sessionID]))
	for _, data := range s.sessions[sessionID] {
		raw = append(raw, data)
	}
	s.mu.Unlock()

	now := s.now()
	subs := make([]*StagedSubmission, 0, len(raw))
	for _, data := range raw {
		sub, err := decode(data)
		if err != nil {
			return nil, err
		}
		if s.limits.expired(sub, now) {
			continue
		}
		subs = append(subs, sub)
	}
	sortOldestFirst(subs)
	return subs, nil
}

func (s *MemoryStore) Delete(ctx context.Context, sessionID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	delete(entries, key)
	if len(entries) == 0 {
		delete(s.sessions, sessionID)
	}
	return nil
}

// Reap drops expired entries from every session.
func (s *MemoryStore) Reap(ctx context.Context) (int, error) {
	now := s.now()
	removed := 0
	var reaped []*StagedSubmission

	s.mu.Lock()
	for sessionID, entries := range s.sessions {
		for key, data := range entries {
			sub, err := decode(data)
			if err != nil || s.limits.expired(sub, now) {
				delete(entries, key)
				removed++
				if sub != nil {
					reaped = append(reaped, sub)
				}
			}
		}
		if len(entries) == 0 {
			delete(s.sessions, sessionID)
		}
	}
	discard := s.discard
	s.mu.Unlock()

	discard.notify(ctx, reaped)
	if removed > 0 {
		slog.Info("session_reaped", "backend", "memory", "removed", removed)
	}
	return removed, nil
}

func (s *MemoryStore) Close() error { return nil }

// evictLocked drops the oldest entries once a session exceeds MaxEntries
// and returns the ones it could decode.
func (s *MemoryStore) evictLocked(sessionID string, entries map[string][]byte) []*StagedSubmission {
	if s.limits.MaxEntries <= 0 || len(entries) <= s.limits.MaxEntries {
		return nil
	}

	type aged struct {
		key string
		sub *StagedSubmission
		at  time.Time
	}
	all := make([]aged, 0, len(entries))
	for key, data := range entries {
		a := aged{key: key}
		if sub, err := decode(data); err == nil {
			a.sub, a.at = sub, sub.CreatedAt
		}
		all = append(all, a)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })

	var evicted []*StagedSubmission
	for _, a := range all[:len(all)-s.limits.MaxEntries] {
		delete(entries, a.key)
		if a.sub != nil {
			evicted = append(evicted, a.sub)
		}
		slog.Info("session_entry_evicted", "backend", "memory", "session", ShortID(sessionID))
	}
	return evicted
}

func sortOldestFirst(subs []*StagedSubmission) {
	sort.SliceStable(subs, func(i, j int) bool { return subs[i].CreatedAt.Before(subs[j].CreatedAt) })
}

// ShortID keeps identifiers out of logs in full.
func ShortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
