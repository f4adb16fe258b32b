// Package users tracks per-user moderation state: accumulated pressure,
// the previous message fingerprint, and silence status. The whole map is
// snapshotted to storage on every committed update.
package users

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"warden/internal/storage"
	logx "warden/pkg/logx"
)

// State is one tracked user. Pressure never goes negative.
type State struct {
	Username        string    `json:"username,omitempty"`
	Pressure        float64   `json:"pressure"`
	LastMessageAt   time.Time `json:"last_message_at"`
	PreviousMessage string    `json:"previous_message,omitempty"`
	Silenced        bool      `json:"silenced,omitempty"`

	// LastMonitoredPostAt gates the monitored-channel cooldown.
	LastMonitoredPostAt time.Time `json:"last_monitored_post_at,omitempty"`
}

const stripeCount = 64

// Store owns the per-user state map. Updates to a single user are
// serialized through a striped lock so concurrent message handling never
// loses a pressure write.
type Store struct {
	log logx.Logger
	db  storage.Store

	stripes [stripeCount]sync.Mutex

	mu     sync.Mutex
	states map[int64]State
}

func NewStore(db storage.Store, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Store{
		log:    log.With(logx.String("svc", "users")),
		db:     db,
		states: map[int64]State{},
	}
}

// Load replaces the in-memory map with the persisted snapshot. A missing
// document is a fresh start, not an error.
func (s *Store) Load(ctx context.Context) error {
	data, err := s.db.LoadDocument(ctx, storage.DocUsers)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	states := map[int64]State{}
	if err := json.Unmarshal(data, &states); err != nil {
		return err
	}
	s.mu.Lock()
	s.states = states
	s.mu.Unlock()
	s.log.Info("loaded user state", logx.Int("users", len(states)))
	return nil
}

func (s *Store) stripe(userID int64) *sync.Mutex {
	idx := userID % stripeCount
	if idx < 0 {
		idx += stripeCount
	}
	return &s.stripes[idx]
}

// Get returns a copy of the user's state.
func (s *Store) Get(userID int64) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[userID]
	return st, ok
}

// Count reports how many users are tracked.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}

// Update applies fn to a copy of the user's state, persists the full
// snapshot, and only then commits the copy. If fn or the persist fails the
// previous committed state stays intact.
func (s *Store) Update(ctx context.Context, userID int64, fn func(*State) error) (State, error) {
	ul := s.stripe(userID)
	ul.Lock()
	defer ul.Unlock()

	s.mu.Lock()
	next := s.states[userID]
	s.mu.Unlock()

	if err := fn(&next); err != nil {
		return State{}, err
	}
	if next.Pressure < 0 {
		next.Pressure = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	prev, hadPrev := s.states[userID]
	s.states[userID] = next
	if err := s.persistLocked(ctx); err != nil {
		s.restoreLocked(userID, prev, hadPrev)
		return State{}, err
	}
	return next, nil
}

// persistLocked marshals and writes the whole snapshot while holding
// s.mu. Keeping the write under the lock means snapshots reach storage in
// commit order; a write done outside it could land after a fresher one
// and silently drop a committed update from the restart source of truth.
func (s *Store) persistLocked(ctx context.Context) error {
	data, err := json.Marshal(s.states)
	if err != nil {
		return err
	}
	return s.db.SaveDocument(ctx, storage.DocUsers, data)
}

func (s *Store) restoreLocked(userID int64, prev State, hadPrev bool) {
	if hadPrev {
		s.states[userID] = prev
	} else {
		delete(s.states, userID)
	}
}

// PruneStale drops users whose last message is older than cutoff and who
// carry no pressure and no silence. Returns how many were removed.
func (s *Store) PruneStale(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := make(map[int64]State)
	for id, st := range s.states {
		if st.Silenced || st.Pressure > 0 {
			continue
		}
		if st.LastMessageAt.Before(cutoff) {
			dropped[id] = st
		}
	}
	if len(dropped) == 0 {
		return 0, nil
	}
	for id := range dropped {
		delete(s.states, id)
	}
	if err := s.persistLocked(ctx); err != nil {
		for id, st := range dropped {
			s.states[id] = st
		}
		return 0, err
	}
	return len(dropped), nil
}
