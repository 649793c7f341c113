package attendance

import (
	"context"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var (
	whitespaceRun = regexp.MustCompile(`\s+`)
	tagSeparators = regexp.MustCompile(`[:\s-]`)
)

// Identity is the name/program pair carried by a QR badge.
type Identity struct {
	Name    string
	Program string
}

// ParseQR reads "<Full Name>,<Program>[,,]". Trailing empty fields are ignored.
func ParseQR(payload string) (Identity, error) {
	parts := strings.Split(payload, ",")
	if len(parts) < 2 {
		return Identity{}, ErrMalformedPayload
	}
	id := Identity{
		Name:    strings.TrimSpace(parts[0]),
		Program: strings.TrimSpace(parts[1]),
	}
	if id.Name == "" || id.Program == "" {
		return Identity{}, ErrMalformedPayload
	}
	return id, nil
}

// CanonicalID upper-cases name and joins whitespace runs with "_".
func CanonicalID(name string) string {
	return whitespaceRun.ReplaceAllString(strings.ToUpper(strings.TrimSpace(name)), "_")
}

// NormalizeTagID strips separators from a reader serial and upper-cases it.
func NormalizeTagID(raw string) string {
	return strings.ToUpper(tagSeparators.ReplaceAllString(raw, ""))
}

// FallbackTagID names a tag whose reader exposes no serial number.
func FallbackTagID() string {
	return "NFC-" + uuid.NewString()
}

// Resolver maps scan payloads to stored students.
type Resolver struct {
	repo *Repository
}

// NewResolver builds a resolver over repo.
func NewResolver(repo *Repository) *Resolver {
	return &Resolver{repo: repo}
}

// ResolveQR returns the student named by payload, creating it for owner when
// no student with that id exists. created reports whether a write happened.
func (r *Resolver) ResolveQR(ctx context.Context, owner, payload string) (st Student, created bool, err error) {
	ident, err := ParseQR(payload)
	if err != nil {
		return Student{}, false, err
	}
	return r.ensure(ctx, owner, ident.Name, ident.Program)
}

// ResolveTag looks a tag up by normalized then raw id. An unknown tag changes
// nothing and yields ErrUnregisteredTag.
func (r *Resolver) ResolveTag(ctx context.Context, owner, raw string) (Student, NFCTag, error) {
	tag, err := r.lookupTag(ctx, raw)
	if err != nil {
		return Student{}, NFCTag{}, err
	}
	if tag == nil {
		return Student{}, NFCTag{}, ErrUnregisteredTag
	}
	tagOwner := tag.Owner
	if tagOwner == "" {
		tagOwner = owner
	}
	studentID := tag.StudentID
	if studentID == "" {
		studentID = CanonicalID(tag.Name)
	}
	st, _, err := r.ensureID(ctx, studentID, tagOwner, tag.Name, tag.Course)
	if err != nil {
		return Student{}, *tag, err
	}
	return st, *tag, nil
}

func (r *Resolver) lookupTag(ctx context.Context, raw string) (*NFCTag, error) {
	norm := NormalizeTagID(raw)
	if norm != "" {
		tag, err := r.repo.GetTag(ctx, norm)
		if err != nil || tag != nil {
			return tag, err
		}
	}
	if raw == norm || raw == "" {
		return nil, nil
	}
	return r.repo.GetTag(ctx, raw)
}

func (r *Resolver) ensure(ctx context.Context, owner, name, program string) (Student, bool, error) {
	return r.ensureID(ctx, CanonicalID(name), owner, name, program)
}

func (r *Resolver) ensureID(ctx context.Context, id, owner, name, program string) (Student, bool, error) {
	if existing, err := r.repo.GetStudent(ctx, id); err != nil {
		return Student{}, false, err
	} else if existing != nil {
		return *existing, false, nil
	}
	created := false
	st, err := r.repo.MutateStudent(ctx, id, func(st *Student, exists bool) error {
		if exists {
			return errUnchanged
		}
		*st = NewStudent(name, program, owner, nowFunc().UTC())
		st.ID = id
		created = true
		return nil
	})
	return st, created, err
}
