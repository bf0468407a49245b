package store_test

import (
	"testing"
	"time"

	"github.com/lecternhq/lectern/internal/store"
)

// testStore creates a Store on a throwaway database.
func testStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s := store.NewStore(db)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// fakeClock lets tests move store time forward deterministically.
type fakeClock struct {
	now time.Time
}

func newFakeClock(s *store.Store) *fakeClock {
	c := &fakeClock{now: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
	s.SetNow(func() time.Time { return c.now })
	return c
}

func (c *fakeClock) advance(d time.Duration) {
	c.now = c.now.Add(d)
}
