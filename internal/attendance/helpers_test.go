package attendance

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"rollcall/internal/store"
)

type env struct {
	repo       *Repository
	resolver   *Resolver
	reconciler *Reconciler
	registry   *Registry
	transfer   *Transfer
	reports    *Reports
	service    *Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvWithStore(t, store.NewMemory())
}

func newEnvWithStore(t *testing.T, s store.Store) *env {
	t.Helper()
	log := zerolog.Nop()
	repo := NewRepository(s, log)
	reconciler := NewReconciler(repo, time.UTC, 15, log)
	registry := NewRegistry(repo, log)
	return &env{
		repo:       repo,
		resolver:   NewResolver(repo),
		reconciler: reconciler,
		registry:   registry,
		transfer:   NewTransfer(repo, log),
		reports:    NewReports(repo),
		service:    NewService(repo, reconciler, registry, log),
	}
}

// freezeClock pins nowFunc for the duration of the test.
func freezeClock(t *testing.T, at time.Time) {
	t.Helper()
	prev := nowFunc
	nowFunc = func() time.Time { return at }
	t.Cleanup(func() { nowFunc = prev })
}

func at(hhmm string) time.Time {
	t, err := time.ParseInLocation("2006-01-02 15:04", "2026-03-02 "+hhmm, time.UTC)
	if err != nil {
		panic(err)
	}
	return t
}

func mustStudent(t *testing.T, e *env, id string) Student {
	t.Helper()
	st, err := e.repo.GetStudent(context.Background(), id)
	if err != nil {
		t.Fatalf("GetStudent(%s) error = %v", id, err)
	}
	if st == nil {
		t.Fatalf("GetStudent(%s) = nil, want student", id)
	}
	return *st
}

func checkConsistency(t *testing.T, e *env) {
	t.Helper()
	students, err := e.repo.AllStudents(context.Background())
	if err != nil {
		t.Fatalf("AllStudents() error = %v", err)
	}
	for _, st := range students {
		seen := map[string]bool{}
		for _, rec := range st.AttendanceHistory {
			if seen[rec.SessionID] {
				t.Errorf("%s has more than one record for %s", st.ID, rec.SessionID)
			}
			seen[rec.SessionID] = true
		}
		if got := st.PresentCount + st.LateCount + st.AbsentCount; got != len(seen) {
			t.Errorf("%s counters sum to %d, history has %d sessions", st.ID, got, len(seen))
		}
	}
}
