package store

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "attempts.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndGet(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	a := &Attempt{
		BundleHash:   sha256.Sum256([]byte("bundle")),
		CandidateMD5: md5.Sum([]byte("ARKAV{guess}")),
		Accepted:     false,
		Steps:        4321,
		Created:      time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC),
	}
	if err := s.Record(ctx, a); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if a.ID == uuid.Nil {
		t.Fatal("Record did not assign an ID")
	}

	got, err := s.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if diff := cmp.Diff(a, got); diff != "" {
		t.Errorf("Get() mismatch (-want +got):\n%s", diff)
	}
}

func TestRecordFillsCreated(t *testing.T) {
	s := openStore(t)
	a := &Attempt{Error: "dwexpr: stack underflow"}
	before := time.Now()
	if err := s.Record(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	if a.Created.Before(before.Add(-time.Second)) {
		t.Errorf("Created = %v, want about %v", a.Created, before)
	}
}

func TestRecordDuplicateID(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	a := &Attempt{ID: uuid.New()}
	if err := s.Record(ctx, a); err != nil {
		t.Fatal(err)
	}
	if err := s.Record(ctx, &Attempt{ID: a.ID}); err == nil {
		t.Error("Record() with a duplicate ID should fail")
	}
}

func TestGetNotFound(t *testing.T) {
	s := openStore(t)
	_, err := s.Get(context.Background(), uuid.New())
	if !errors.Is(err, ErrAttemptNotFound) {
		t.Errorf("Get(unknown) error = %v, want ErrAttemptNotFound", err)
	}
}

func TestListAndStats(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	h1 := sha256.Sum256([]byte("one"))
	h2 := sha256.Sum256([]byte("two"))
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	attempts := []*Attempt{
		{BundleHash: h1, Created: start},
		{BundleHash: h1, Created: start.Add(time.Minute), Error: "dwexpr: step limit exceeded"},
		{BundleHash: h1, Created: start.Add(2 * time.Minute), Accepted: true},
		{BundleHash: h2, Created: start.Add(3 * time.Minute), Accepted: true},
	}
	for _, a := range attempts {
		if err := s.Record(ctx, a); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.List(ctx, h1, 0)
	if err != nil {
		t.Fatal(err)
	}
	var ids []uuid.UUID
	for _, a := range got {
		ids = append(ids, a.ID)
	}
	want := []uuid.UUID{attempts[2].ID, attempts[1].ID, attempts[0].ID}
	if diff := cmp.Diff(want, ids); diff != "" {
		t.Errorf("List() order mismatch (-want +got):\n%s", diff)
	}

	got, err = s.List(ctx, h1, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || !got[0].Accepted {
		t.Errorf("List(limit 1) = %v, want the newest attempt", got)
	}

	st, err := s.Stats(ctx, h1)
	if err != nil {
		t.Fatal(err)
	}
	if want := (Stats{Total: 3, Accepted: 1, Failed: 1}); st != want {
		t.Errorf("Stats() = %+v, want %+v", st, want)
	}

	st, err = s.Stats(ctx, sha256.Sum256([]byte("none")))
	if err != nil {
		t.Fatal(err)
	}
	if st != (Stats{}) {
		t.Errorf("Stats(unknown bundle) = %+v, want zero", st)
	}
}

func TestOpenInMemory(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.Record(context.Background(), &Attempt{}); err != nil {
		t.Fatal(err)
	}
	st, err := s.Stats(context.Background(), [32]byte{})
	if err != nil {
		t.Fatal(err)
	}
	if st.Total != 1 {
		t.Errorf("Stats().Total = %d, want 1", st.Total)
	}
}
