package users

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"warden/internal/storage"
	logx "warden/pkg/logx"
)

func newTestStore(t *testing.T) (*Store, storage.Store) {
	t.Helper()
	db, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "warden.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db, logx.Nop()), db
}

func TestUpdatePersistsAndReloads(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()

	now := time.Now()
	st, err := s.Update(ctx, 7, func(u *State) error {
		u.Pressure = 12.5
		u.LastMessageAt = now
		u.PreviousMessage = "hello"
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if st.Pressure != 12.5 {
		t.Fatalf("pressure: %v", st.Pressure)
	}

	reloaded := NewStore(db, logx.Nop())
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	got, ok := reloaded.Get(7)
	if !ok {
		t.Fatal("user missing after reload")
	}
	if got.Pressure != 12.5 || got.PreviousMessage != "hello" {
		t.Fatalf("reloaded state: %+v", got)
	}
}

func TestUpdateRollsBackOnError(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Update(ctx, 7, func(u *State) error {
		u.Pressure = 5
		return nil
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	boom := errors.New("boom")
	if _, err := s.Update(ctx, 7, func(u *State) error {
		u.Pressure = 99
		return boom
	}); !errors.Is(err, boom) {
		t.Fatalf("want boom, got %v", err)
	}

	got, _ := s.Get(7)
	if got.Pressure != 5 {
		t.Fatalf("state mutated despite error: %+v", got)
	}
}

func TestUpdateFloorsPressureAtZero(t *testing.T) {
	s, _ := newTestStore(t)
	st, err := s.Update(context.Background(), 1, func(u *State) error {
		u.Pressure = -3
		return nil
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if st.Pressure != 0 {
		t.Fatalf("pressure: %v", st.Pressure)
	}
}

// slowFirstWriteStore stalls the first snapshot write until released and
// records every document it receives in arrival order.
type slowFirstWriteStore struct {
	mu            sync.Mutex
	calls         int
	saves         [][]byte
	firstInFlight chan struct{}
	release       chan struct{}
}

func (f *slowFirstWriteStore) SaveDocument(ctx context.Context, name string, data []byte) error {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	if call == 1 {
		close(f.firstInFlight)
		<-f.release
	}
	cp := append([]byte(nil), data...)
	f.mu.Lock()
	f.saves = append(f.saves, cp)
	f.mu.Unlock()
	return nil
}

func (f *slowFirstWriteStore) LoadDocument(ctx context.Context, name string) ([]byte, error) {
	return nil, storage.ErrNotFound
}

func (f *slowFirstWriteStore) AppendAudit(ctx context.Context, e storage.AuditEntry) error {
	return nil
}

func (f *slowFirstWriteStore) Close() error { return nil }

func TestConcurrentUpdatesPersistInCommitOrder(t *testing.T) {
	fake := &slowFirstWriteStore{
		firstInFlight: make(chan struct{}),
		release:       make(chan struct{}),
	}
	s := NewStore(fake, logx.Nop())
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if _, err := s.Update(ctx, 1, func(u *State) error { u.Pressure = 1; return nil }); err != nil {
			t.Errorf("update user 1: %v", err)
		}
	}()
	<-fake.firstInFlight

	go func() {
		defer wg.Done()
		if _, err := s.Update(ctx, 2, func(u *State) error { u.Pressure = 2; return nil }); err != nil {
			t.Errorf("update user 2: %v", err)
		}
	}()
	time.Sleep(20 * time.Millisecond)
	close(fake.release)
	wg.Wait()

	fake.mu.Lock()
	last := fake.saves[len(fake.saves)-1]
	fake.mu.Unlock()

	var snap map[int64]State
	if err := json.Unmarshal(last, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	for _, id := range []int64{1, 2} {
		if _, ok := snap[id]; !ok {
			t.Fatalf("committed update for user %d missing from final snapshot", id)
		}
	}
}

func TestPruneStale(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-60 * 24 * time.Hour)

	seed := func(id int64, fn func(*State) error) {
		t.Helper()
		if _, err := s.Update(ctx, id, fn); err != nil {
			t.Fatalf("seed %d: %v", id, err)
		}
	}
	seed(1, func(u *State) error { u.LastMessageAt = old; return nil })
	seed(2, func(u *State) error { u.LastMessageAt = old; u.Silenced = true; return nil })
	seed(3, func(u *State) error { u.LastMessageAt = old; u.Pressure = 4; return nil })
	seed(4, func(u *State) error { u.LastMessageAt = time.Now(); return nil })

	n, err := s.PruneStale(ctx, time.Now().Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d, want 1", n)
	}
	if _, ok := s.Get(1); ok {
		t.Fatal("stale idle user should be gone")
	}
	for _, id := range []int64{2, 3, 4} {
		if _, ok := s.Get(id); !ok {
			t.Fatalf("user %d should survive prune", id)
		}
	}
}
