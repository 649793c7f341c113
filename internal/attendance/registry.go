package attendance

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var slugInvalid = regexp.MustCompile(`[^a-z0-9]+`)

const maxClassIDAttempts = 4

// Registry manages NFC bindings, class rosters and student records.
type Registry struct {
	repo *Repository
	log  zerolog.Logger
}

// NewRegistry builds a registry over repo.
func NewRegistry(repo *Repository, log zerolog.Logger) *Registry {
	return &Registry{repo: repo, log: log.With().Str("component", "registry").Logger()}
}

// RegisterTag binds nfcID to the student named by name and course. A tag that
// is already registered, under its normalized or raw form, is left untouched
// and ErrAlreadyBound is returned. An empty nfcID gets a synthesized id.
func (g *Registry) RegisterTag(ctx context.Context, owner, nfcID, name, course string) (NFCTag, Student, error) {
	name, course = strings.TrimSpace(name), strings.TrimSpace(course)
	if name == "" || course == "" {
		return NFCTag{}, Student{}, invalid("name and course required")
	}
	norm := NormalizeTagID(nfcID)
	if norm == "" {
		norm = FallbackTagID()
	}

	unlock := g.repo.locks.Lock("tag:" + norm)
	defer unlock()

	for _, key := range []string{norm, nfcID} {
		if key == "" {
			continue
		}
		existing, err := g.repo.GetTag(ctx, key)
		if err != nil {
			return NFCTag{}, Student{}, err
		}
		if existing != nil {
			return *existing, Student{}, ErrAlreadyBound
		}
	}

	now := nowFunc().UTC()
	tag := NFCTag{
		NFCID:        norm,
		StudentID:    CanonicalID(name),
		Name:         name,
		Course:       course,
		Owner:        owner,
		RegisteredAt: now,
	}
	// The binding goes in last: a failed student write leaves no tag behind.
	st, err := g.repo.MutateStudent(ctx, tag.StudentID, func(st *Student, exists bool) error {
		if exists {
			return errUnchanged
		}
		*st = NewStudent(name, course, owner, now)
		return nil
	})
	if err != nil {
		return NFCTag{}, Student{}, err
	}
	if err := g.repo.PutTag(ctx, tag); err != nil {
		return NFCTag{}, Student{}, err
	}
	g.log.Info().Str("nfc_id", norm).Str("student", tag.StudentID).Msg("nfc tag registered")
	return tag, st, nil
}

// LookupTag finds a binding by normalized then raw id.
func (g *Registry) LookupTag(ctx context.Context, raw string) (NFCTag, error) {
	tag, err := NewResolver(g.repo).lookupTag(ctx, raw)
	if err != nil {
		return NFCTag{}, err
	}
	if tag == nil {
		return NFCTag{}, ErrUnregisteredTag
	}
	return *tag, nil
}

// ClassInput is a create (empty ClassID) or edit of a class.
type ClassInput struct {
	ClassID  string        `json:"classId"`
	Name     string        `json:"name" binding:"required"`
	Owner    string        `json:"owner"`
	Students []RosterEntry `json:"students"`
}

// RosterSyncSummary reports how member students were reconciled.
type RosterSyncSummary struct {
	Created   int         `json:"created"`
	Updated   int         `json:"updated"`
	Unchanged int         `json:"unchanged"`
	Cleared   int         `json:"cleared"`
	Failed    []ItemError `json:"failed,omitempty"`
}

// NewClassID builds "<slug>_<unix millis>".
func NewClassID(name string) string {
	slug := strings.Trim(slugInvalid.ReplaceAllString(strings.ToLower(strings.TrimSpace(name)), "_"), "_")
	if slug == "" {
		slug = "class"
	}
	return fmt.Sprintf("%s_%d", slug, nowFunc().UnixMilli())
}

// SaveClass creates or edits a class. The roster is replaced and every listed
// student's class fields are brought in line without touching history;
// students dropped from the roster lose their class fields if they still
// point at this class. Per-student failures land in the summary.
func (g *Registry) SaveClass(ctx context.Context, in ClassInput) (Class, RosterSyncSummary, error) {
	var sum RosterSyncSummary
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return Class{}, sum, invalid("class name required")
	}
	now := nowFunc().UTC()

	classID, existing, unlock, err := g.lockClass(ctx, in.ClassID, name)
	if err != nil {
		return Class{}, sum, err
	}
	defer unlock()

	owner := in.Owner
	if existing != nil {
		owner = existing.Owner
	}
	class := Class{
		ClassID:   classID,
		Name:      name,
		Owner:     owner,
		Students:  normalizeRoster(in.Students, owner),
		CreatedAt: now,
		UpdatedAt: now,
	}
	var dropped []string
	if existing != nil {
		class.CreatedAt = existing.CreatedAt
		keep := make(map[string]bool, len(class.Students))
		for _, e := range class.Students {
			keep[e.ID] = true
		}
		for _, e := range existing.Students {
			if !keep[e.ID] {
				dropped = append(dropped, e.ID)
			}
		}
	}
	if err := g.repo.PutClass(ctx, class); err != nil {
		return Class{}, sum, err
	}

	for _, entry := range class.Students {
		g.syncMember(ctx, class, entry, &sum)
	}
	for _, id := range dropped {
		g.clearMember(ctx, classID, id, &sum)
	}
	g.log.Info().
		Str("class", classID).
		Int("roster", len(class.Students)).
		Int("failed", len(sum.Failed)).
		Msg("class saved")
	return class, sum, nil
}

// lockClass takes the class lock. An edit (classID set) returns the stored
// class or ErrNotFound. A create never returns an existing class: a generated
// id that is already taken gets a random suffix.
func (g *Registry) lockClass(ctx context.Context, classID, name string) (string, *Class, func(), error) {
	if classID != "" {
		unlock := g.repo.locks.Lock("class:" + classID)
		existing, err := g.repo.GetClass(ctx, classID)
		if err == nil && existing == nil {
			err = ErrNotFound
		}
		if err != nil {
			unlock()
			return "", nil, nil, err
		}
		return classID, existing, unlock, nil
	}

	base := NewClassID(name)
	classID = base
	for attempt := 0; attempt < maxClassIDAttempts; attempt++ {
		unlock := g.repo.locks.Lock("class:" + classID)
		taken, err := g.repo.GetClass(ctx, classID)
		if err != nil {
			unlock()
			return "", nil, nil, err
		}
		if taken == nil {
			return classID, nil, unlock, nil
		}
		unlock()
		classID = base + "_" + uuid.NewString()[:8]
	}
	return "", nil, nil, fmt.Errorf("%w: no free class id for %q", ErrConflict, name)
}

func normalizeRoster(entries []RosterEntry, owner string) []RosterEntry {
	out := make([]RosterEntry, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		e.Name = strings.TrimSpace(e.Name)
		e.Program = strings.TrimSpace(e.Program)
		if e.ID == "" {
			e.ID = CanonicalID(e.Name)
		}
		if e.ID == "" || seen[e.ID] {
			continue
		}
		if e.Owner == "" {
			e.Owner = owner
		}
		seen[e.ID] = true
		out = append(out, e)
	}
	return out
}

func (g *Registry) syncMember(ctx context.Context, class Class, entry RosterEntry, sum *RosterSyncSummary) {
	var created, changed bool
	_, err := g.repo.MutateStudent(ctx, entry.ID, func(st *Student, exists bool) error {
		if !exists {
			name := entry.Name
			if name == "" {
				name = entry.ID
			}
			*st = NewStudent(name, entry.Program, entry.Owner, nowFunc().UTC())
			st.ID = entry.ID
			created = true
		}
		if st.ClassID == class.ClassID && st.ClassName == class.Name && !created {
			return errUnchanged
		}
		st.ClassID, st.ClassName = class.ClassID, class.Name
		changed = true
		return nil
	})
	switch {
	case err != nil:
		sum.Failed = append(sum.Failed, ItemError{Key: entry.ID, Error: err.Error()})
	case created:
		sum.Created++
	case changed:
		sum.Updated++
	default:
		sum.Unchanged++
	}
}

func (g *Registry) clearMember(ctx context.Context, classID, studentID string, sum *RosterSyncSummary) {
	cleared := false
	_, err := g.repo.MutateStudent(ctx, studentID, func(st *Student, exists bool) error {
		if !exists || st.ClassID != classID {
			return errUnchanged
		}
		st.ClassID, st.ClassName = "", ""
		cleared = true
		return nil
	})
	if err != nil {
		sum.Failed = append(sum.Failed, ItemError{Key: studentID, Error: err.Error()})
		return
	}
	if cleared {
		sum.Cleared++
	}
}

// GetClass returns ErrNotFound for an unknown class.
func (g *Registry) GetClass(ctx context.Context, classID string) (Class, error) {
	c, err := g.repo.GetClass(ctx, classID)
	if err != nil {
		return Class{}, err
	}
	if c == nil {
		return Class{}, ErrNotFound
	}
	return *c, nil
}

// ListClasses lists an owner's classes by name, or every class when owner is
// empty.
func (g *Registry) ListClasses(ctx context.Context, owner string) ([]Class, error) {
	var (
		classes []Class
		err     error
	)
	if owner == "" {
		classes, err = g.repo.AllClasses(ctx)
	} else {
		classes, err = g.repo.ClassesByOwner(ctx, owner)
	}
	if err != nil {
		return nil, err
	}
	sort.Slice(classes, func(i, j int) bool { return classes[i].Name < classes[j].Name })
	return classes, nil
}

// DeleteClass removes the class record. Members and their history stay.
func (g *Registry) DeleteClass(ctx context.Context, classID string) error {
	unlock := g.repo.locks.Lock("class:" + classID)
	defer unlock()
	c, err := g.repo.GetClass(ctx, classID)
	if err != nil {
		return err
	}
	if c == nil {
		return ErrNotFound
	}
	return g.repo.DeleteClass(ctx, classID)
}

// StudentInput creates a student by hand.
type StudentInput struct {
	Name    string `json:"name" binding:"required"`
	Program string `json:"program" binding:"required"`
	Owner   string `json:"owner"`
	ClassID string `json:"classId"`
}

// StudentUpdate edits mutable student fields. Nil fields are kept.
type StudentUpdate struct {
	Name    *string `json:"name"`
	Program *string `json:"program"`
	ClassID *string `json:"classId"`
}

func (g *Registry) className(ctx context.Context, classID string) (string, error) {
	if classID == "" {
		return "", nil
	}
	c, err := g.repo.GetClass(ctx, classID)
	if err != nil {
		return "", err
	}
	if c == nil {
		return "", fmt.Errorf("class %s: %w", classID, ErrNotFound)
	}
	return c.Name, nil
}

// AddStudent stores a new student. ErrConflict means the canonical id is taken.
func (g *Registry) AddStudent(ctx context.Context, in StudentInput) (Student, error) {
	name, program := strings.TrimSpace(in.Name), strings.TrimSpace(in.Program)
	if name == "" || program == "" {
		return Student{}, invalid("name and program required")
	}
	className, err := g.className(ctx, in.ClassID)
	if err != nil {
		return Student{}, err
	}
	return g.repo.MutateStudent(ctx, CanonicalID(name), func(st *Student, exists bool) error {
		if exists {
			return ErrConflict
		}
		*st = NewStudent(name, program, in.Owner, nowFunc().UTC())
		st.ClassID, st.ClassName = in.ClassID, className
		return nil
	})
}

// UpdateStudent edits a student. The id never changes.
func (g *Registry) UpdateStudent(ctx context.Context, id string, in StudentUpdate) (Student, error) {
	if err := mustKey("student", id); err != nil {
		return Student{}, err
	}
	var className string
	if in.ClassID != nil {
		name, err := g.className(ctx, *in.ClassID)
		if err != nil {
			return Student{}, err
		}
		className = name
	}
	return g.repo.MutateStudent(ctx, id, func(st *Student, exists bool) error {
		if !exists {
			return ErrNotFound
		}
		if in.Name != nil && strings.TrimSpace(*in.Name) != "" {
			st.Name = strings.TrimSpace(*in.Name)
		}
		if in.Program != nil && strings.TrimSpace(*in.Program) != "" {
			st.Program = strings.TrimSpace(*in.Program)
		}
		if in.ClassID != nil {
			st.ClassID, st.ClassName = *in.ClassID, className
		}
		return nil
	})
}

// GetStudent returns ErrNotFound for an unknown id.
func (g *Registry) GetStudent(ctx context.Context, id string) (Student, error) {
	st, err := g.repo.GetStudent(ctx, id)
	if err != nil {
		return Student{}, err
	}
	if st == nil {
		return Student{}, ErrNotFound
	}
	return *st, nil
}

// DeleteStudent removes a student and its history. Tag bindings are kept.
func (g *Registry) DeleteStudent(ctx context.Context, id string) error {
	st, err := g.repo.GetStudent(ctx, id)
	if err != nil {
		return err
	}
	if st == nil {
		return ErrNotFound
	}
	return g.repo.DeleteStudent(ctx, id)
}

// ListStudents lists students by name, for one owner or for all when owner is
// empty.
func (g *Registry) ListStudents(ctx context.Context, owner string) ([]Student, error) {
	var (
		students []Student
		err      error
	)
	if owner == "" {
		students, err = g.repo.AllStudents(ctx)
	} else {
		students, err = g.repo.StudentsBy(ctx, "owner", owner)
	}
	if err != nil {
		return nil, err
	}
	sortStudents(students)
	return students, nil
}

// SearchStudents matches term case-insensitively against name, program and id.
func (g *Registry) SearchStudents(ctx context.Context, owner, term string) ([]Student, error) {
	students, err := g.ListStudents(ctx, owner)
	if err != nil {
		return nil, err
	}
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return students, nil
	}
	out := students[:0]
	for _, st := range students {
		if strings.Contains(strings.ToLower(st.Name), term) ||
			strings.Contains(strings.ToLower(st.Program), term) ||
			strings.Contains(strings.ToLower(st.ID), term) {
			out = append(out, st)
		}
	}
	return out, nil
}

func sortStudents(students []Student) {
	sort.Slice(students, func(i, j int) bool {
		if students[i].Name != students[j].Name {
			return students[i].Name < students[j].Name
		}
		return students[i].ID < students[j].ID
	})
}
