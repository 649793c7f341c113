package attendance

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"rollcall/internal/store"
)

// flakyStore fails Put on one collection while failing is set.
type flakyStore struct {
	store.Store
	collection string

	mu      sync.Mutex
	failing bool
}

func (s *flakyStore) setFailing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = v
}

func (s *flakyStore) Put(ctx context.Context, collection string, rec store.Record) error {
	s.mu.Lock()
	fail := s.failing && collection == s.collection
	s.mu.Unlock()
	if fail {
		return errors.New("quota exceeded")
	}
	return s.Store.Put(ctx, collection, rec)
}

func TestRegisterTagAlreadyBound(t *testing.T) {
	freezeClock(t, at("08:00"))
	e := newEnv(t)
	ctx := context.Background()

	first, _, err := e.registry.RegisterTag(ctx, "teacher@x", "04:A1:B2", "Jane Doe", "BSCS")
	if err != nil {
		t.Fatalf("RegisterTag() error = %v", err)
	}

	tests := []string{"04:A1:B2", "04a1b2", "04-A1-B2"}
	for _, raw := range tests {
		_, _, err := e.registry.RegisterTag(ctx, "other@x", raw, "John Roe", "BSIT")
		if !errors.Is(err, ErrAlreadyBound) {
			t.Errorf("RegisterTag(%q) error = %v, want ErrAlreadyBound", raw, err)
		}
	}

	got, err := e.registry.LookupTag(ctx, "04A1B2")
	if err != nil {
		t.Fatalf("LookupTag() error = %v", err)
	}
	if got.NFCID != first.NFCID || got.StudentID != first.StudentID || got.Owner != first.Owner ||
		!got.RegisteredAt.Equal(first.RegisteredAt) {
		t.Errorf("binding changed: got %+v, want %+v", got, first)
	}
	if st, _ := e.repo.GetStudent(ctx, "JOHN_ROE"); st != nil {
		t.Error("rejected registration created a student")
	}
}

func TestRegisterTagStudentWriteFails(t *testing.T) {
	freezeClock(t, at("08:00"))
	fs := &flakyStore{Store: store.NewMemory(), collection: store.Students, failing: true}
	e := newEnvWithStore(t, fs)
	ctx := context.Background()

	if _, _, err := e.registry.RegisterTag(ctx, "teacher@x", "04:A1", "Jane Doe", "BSCS"); !errors.Is(err, ErrStorageFailure) {
		t.Fatalf("RegisterTag() error = %v, want ErrStorageFailure", err)
	}
	if tag, err := e.repo.GetTag(ctx, "04A1"); err != nil || tag != nil {
		t.Fatalf("binding left behind after failed registration: %+v, %v", tag, err)
	}

	fs.setFailing(false)
	tag, st, err := e.registry.RegisterTag(ctx, "teacher@x", "04:A1", "Jane Doe", "BSCS")
	if err != nil {
		t.Fatalf("retry RegisterTag() error = %v", err)
	}
	if tag.NFCID != "04A1" || st.ID != "JANE_DOE" {
		t.Errorf("retry = %+v, %+v", tag, st)
	}
}

func TestRegisterTagWithoutSerial(t *testing.T) {
	e := newEnv(t)
	tag, st, err := e.registry.RegisterTag(context.Background(), "teacher@x", "", "Jane Doe", "BSCS")
	if err != nil {
		t.Fatalf("RegisterTag() error = %v", err)
	}
	if !strings.HasPrefix(tag.NFCID, "NFC-") {
		t.Errorf("synthesized id = %q", tag.NFCID)
	}
	if st.ID != "JANE_DOE" {
		t.Errorf("student = %+v", st)
	}
}

func TestSaveClassEdit(t *testing.T) {
	freezeClock(t, at("08:00"))
	e := newEnv(t)
	ctx := context.Background()

	class, sum, err := e.registry.SaveClass(ctx, ClassInput{
		Name:  "Math 101",
		Owner: "teacher@x",
		Students: []RosterEntry{
			{Name: "Ana Reyes", Program: "BSCS"},
			{Name: "Ben Cruz", Program: "BSCS"},
		},
	})
	if err != nil {
		t.Fatalf("SaveClass(create) error = %v", err)
	}
	if sum.Created != 2 || !strings.HasPrefix(class.ClassID, "math_101_") {
		t.Fatalf("SaveClass(create) = %+v, %+v", class, sum)
	}

	sess, _, err := e.reconciler.Start(ctx, SessionParams{Owner: "teacher@x", ClassID: class.ClassID, Date: "2026-03-02", ClassTime: "09:00"})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := e.reconciler.Mark(ctx, sess, "ANA_REYES", at("09:01")); err != nil {
		t.Fatalf("Mark() error = %v", err)
	}

	freezeClock(t, at("12:00"))
	edited, sum, err := e.registry.SaveClass(ctx, ClassInput{
		ClassID:  class.ClassID,
		Name:     "Math 101 A",
		Students: []RosterEntry{{ID: "ANA_REYES", Name: "Ana Reyes", Program: "BSCS"}},
	})
	if err != nil {
		t.Fatalf("SaveClass(edit) error = %v", err)
	}
	if !edited.CreatedAt.Equal(class.CreatedAt) || !edited.UpdatedAt.Equal(at("12:00")) {
		t.Errorf("edit timestamps = %v / %v", edited.CreatedAt, edited.UpdatedAt)
	}
	if edited.Owner != "teacher@x" {
		t.Errorf("edit dropped owner: %q", edited.Owner)
	}
	if sum.Updated != 1 || sum.Cleared != 1 {
		t.Errorf("edit summary = %+v", sum)
	}

	ana := mustStudent(t, e, "ANA_REYES")
	if ana.ClassName != "Math 101 A" || len(ana.AttendanceHistory) != 1 || ana.PresentCount != 1 {
		t.Errorf("member after edit = %+v", ana)
	}
	ben := mustStudent(t, e, "BEN_CRUZ")
	if ben.ClassID != "" || ben.ClassName != "" {
		t.Errorf("dropped member still points at class: %+v", ben)
	}

	if _, _, err := e.registry.SaveClass(ctx, ClassInput{ClassID: "missing_1", Name: "X"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("SaveClass(unknown id) error = %v", err)
	}
}

func TestSaveClassSameNameSameInstant(t *testing.T) {
	freezeClock(t, at("08:00"))
	e := newEnv(t)
	ctx := context.Background()

	a, _, err := e.registry.SaveClass(ctx, ClassInput{Name: "Algebra", Owner: "a@x", Students: []RosterEntry{{Name: "Jane Doe", Program: "BSCS"}}})
	if err != nil {
		t.Fatalf("SaveClass(a) error = %v", err)
	}
	b, _, err := e.registry.SaveClass(ctx, ClassInput{Name: "Algebra", Owner: "b@x", Students: []RosterEntry{{Name: "John Roe", Program: "BSIT"}}})
	if err != nil {
		t.Fatalf("SaveClass(b) error = %v", err)
	}
	if a.ClassID == b.ClassID {
		t.Fatalf("both creates got class id %s", a.ClassID)
	}

	stored, err := e.registry.GetClass(ctx, a.ClassID)
	if err != nil {
		t.Fatalf("GetClass() error = %v", err)
	}
	if stored.Owner != "a@x" || len(stored.Students) != 1 || stored.Students[0].ID != "JANE_DOE" {
		t.Errorf("first class overwritten: %+v", stored)
	}
	if jane := mustStudent(t, e, "JANE_DOE"); jane.ClassID != a.ClassID {
		t.Errorf("JANE_DOE.ClassID = %q, want %q", jane.ClassID, a.ClassID)
	}
	if john := mustStudent(t, e, "JOHN_ROE"); john.ClassID != b.ClassID {
		t.Errorf("JOHN_ROE.ClassID = %q, want %q", john.ClassID, b.ClassID)
	}
}

func TestSaveClassEditKeepsOwner(t *testing.T) {
	freezeClock(t, at("08:00"))
	e := newEnv(t)
	ctx := context.Background()

	class, _, err := e.registry.SaveClass(ctx, ClassInput{Name: "Algebra", Owner: "a@x"})
	if err != nil {
		t.Fatalf("SaveClass(create) error = %v", err)
	}
	edited, _, err := e.registry.SaveClass(ctx, ClassInput{ClassID: class.ClassID, Name: "Algebra II", Owner: "b@x"})
	if err != nil {
		t.Fatalf("SaveClass(edit) error = %v", err)
	}
	if edited.Owner != "a@x" {
		t.Errorf("edit by b@x changed owner to %q", edited.Owner)
	}
	mine, err := e.registry.ListClasses(ctx, "b@x")
	if err != nil || len(mine) != 0 {
		t.Errorf("ListClasses(b@x) = %+v, %v", mine, err)
	}
}

func TestDeleteClassKeepsHistory(t *testing.T) {
	freezeClock(t, at("08:00"))
	e := newEnv(t)
	ctx := context.Background()
	sess := startClassSession(t, e, "Ana Reyes", "Ben Cruz")
	if _, err := e.reconciler.Mark(ctx, sess, "ANA_REYES", at("09:02")); err != nil {
		t.Fatalf("Mark() error = %v", err)
	}

	if err := e.registry.DeleteClass(ctx, sess.ClassID); err != nil {
		t.Fatalf("DeleteClass() error = %v", err)
	}
	if err := e.registry.DeleteClass(ctx, sess.ClassID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteClass() error = %v", err)
	}

	ana := mustStudent(t, e, "ANA_REYES")
	if ana.ClassID != sess.ClassID || len(ana.AttendanceHistory) != 1 {
		t.Errorf("member after class delete = %+v", ana)
	}
	history, err := e.reports.ClassHistory(ctx, sess.ClassID)
	if err != nil {
		t.Fatalf("ClassHistory() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("ClassHistory() = %d entries, want 2", len(history))
	}
	tally, err := e.reconciler.Tally(ctx, sess.SessionID)
	if err != nil || tally.Present != 1 || tally.Absent != 1 {
		t.Errorf("Tally() after delete = %+v, %v", tally, err)
	}
}

func TestStudentCRUD(t *testing.T) {
	freezeClock(t, time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC))
	e := newEnv(t)
	ctx := context.Background()

	st, err := e.registry.AddStudent(ctx, StudentInput{Name: "Jane Doe", Program: "BSCS", Owner: "teacher@x"})
	if err != nil || st.ID != "JANE_DOE" {
		t.Fatalf("AddStudent() = %+v, %v", st, err)
	}
	if _, err := e.registry.AddStudent(ctx, StudentInput{Name: "jane doe", Program: "BSIT"}); !errors.Is(err, ErrConflict) {
		t.Errorf("AddStudent(duplicate) error = %v, want ErrConflict", err)
	}
	if _, err := e.registry.AddStudent(ctx, StudentInput{Name: "Ben", Program: "BSIT", ClassID: "nope"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("AddStudent(unknown class) error = %v", err)
	}
	if _, err := e.registry.AddStudent(ctx, StudentInput{Name: "Ben Cruz", Program: "BSIT", Owner: "other@x"}); err != nil {
		t.Fatalf("AddStudent() error = %v", err)
	}

	program := "BSIS"
	updated, err := e.registry.UpdateStudent(ctx, "JANE_DOE", StudentUpdate{Program: &program})
	if err != nil || updated.Program != "BSIS" || updated.ID != "JANE_DOE" {
		t.Errorf("UpdateStudent() = %+v, %v", updated, err)
	}
	if _, err := e.registry.UpdateStudent(ctx, "NOBODY", StudentUpdate{Program: &program}); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateStudent(missing) error = %v", err)
	}

	mine, err := e.registry.ListStudents(ctx, "teacher@x")
	if err != nil || len(mine) != 1 {
		t.Errorf("ListStudents(owner) = %d, %v", len(mine), err)
	}
	all, err := e.registry.ListStudents(ctx, "")
	if err != nil || len(all) != 2 || all[0].Name != "Ben Cruz" {
		t.Errorf("ListStudents(all) = %+v, %v", all, err)
	}

	tests := map[string]int{"jane": 1, "bsi": 2, "BEN_": 1, "zzz": 0}
	for term, want := range tests {
		got, err := e.registry.SearchStudents(ctx, "", term)
		if err != nil || len(got) != want {
			t.Errorf("SearchStudents(%q) = %d, %v; want %d", term, len(got), err, want)
		}
	}

	if err := e.registry.DeleteStudent(ctx, "JANE_DOE"); err != nil {
		t.Fatalf("DeleteStudent() error = %v", err)
	}
	if err := e.registry.DeleteStudent(ctx, "JANE_DOE"); !errors.Is(err, ErrNotFound) {
		t.Errorf("DeleteStudent(again) error = %v", err)
	}
}
