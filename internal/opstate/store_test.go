package opstate

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.Get(context.Background(), "strava", "refresh_token")
	if err != nil || ok {
		t.Errorf("Get missing = ok %v, err %v", ok, err)
	}
}

func TestSetOverwrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 4, 1, 8, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	if err := s.Set(ctx, "strava", "refresh_token", "r1"); err != nil {
		t.Fatal(err)
	}
	now = now.Add(time.Hour)
	if err := s.Set(ctx, "strava", "refresh_token", "r2"); err != nil {
		t.Fatal(err)
	}

	e, ok, err := s.Get(ctx, "strava", "refresh_token")
	if err != nil || !ok {
		t.Fatalf("Get = ok %v, err %v", ok, err)
	}
	if e.Value != "r2" || !e.UpdatedAt.Equal(now) {
		t.Errorf("entry = %+v, want r2 at %v", e, now)
	}
}

func TestNamespacesIsolated(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s.Set(ctx, "a", "k", "1")
	s.Set(ctx, "b", "k", "2")

	if err := s.Delete(ctx, "a", "k"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := s.Get(ctx, "a", "k"); ok {
		t.Error("a/k survived delete")
	}
	if e, ok, _ := s.Get(ctx, "b", "k"); !ok || e.Value != "2" {
		t.Errorf("b/k = %+v %v", e, ok)
	}
	if err := s.Delete(ctx, "a", "missing"); err != nil {
		t.Errorf("delete missing: %v", err)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	s.Set(context.Background(), "strava", "refresh_token", "kept")
	s.Close()

	s, err = NewStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if e, ok, _ := s.Get(context.Background(), "strava", "refresh_token"); !ok || e.Value != "kept" {
		t.Errorf("after reopen = %+v %v", e, ok)
	}
}
