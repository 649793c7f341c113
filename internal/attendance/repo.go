package attendance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"rollcall/internal/store"
)

// nowFunc is swapped by tests that need a fixed clock.
var nowFunc = time.Now

// Repository persists attendance documents in a store.Store.
type Repository struct {
	store store.Store
	locks *keyedMutex
	log   zerolog.Logger
}

// NewRepository creates a repo.
func NewRepository(s store.Store, log zerolog.Logger) *Repository {
	return &Repository{
		store: s,
		locks: newKeyedMutex(),
		log:   log.With().Str("component", "repository").Logger(),
	}
}

// Store exposes the underlying store for bulk callers.
func (r *Repository) Store() store.Store { return r.store }

func studentRecord(st Student) (store.Record, error) {
	doc, err := json.Marshal(st)
	if err != nil {
		return store.Record{}, err
	}
	idx := map[string]string{
		"owner":   st.Owner,
		"name":    st.Name,
		"program": st.Program,
	}
	if st.ClassID != "" {
		idx["classId"] = st.ClassID
	}
	return store.Record{Key: st.ID, Indexes: idx, Doc: doc}, nil
}

func (r *Repository) get(ctx context.Context, collection, key string, v any) (bool, error) {
	doc, found, err := r.store.Get(ctx, collection, key)
	if err != nil {
		return false, storageErr("get", collection, key, err)
	}
	if !found {
		return false, nil
	}
	if err := json.Unmarshal(doc, v); err != nil {
		return false, storageErr("decode", collection, key, err)
	}
	return true, nil
}

func (r *Repository) put(ctx context.Context, collection string, rec store.Record) error {
	if err := r.store.Put(ctx, collection, rec); err != nil {
		return storageErr("put", collection, rec.Key, err)
	}
	return nil
}

func decodeAll[T any](r *Repository, collection string, docs [][]byte) []T {
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		var v T
		if err := json.Unmarshal(doc, &v); err != nil {
			r.log.Warn().Err(err).Str("collection", collection).Msg("skipping unreadable record")
			continue
		}
		out = append(out, v)
	}
	return out
}

// GetStudent returns nil, nil when the student does not exist.
func (r *Repository) GetStudent(ctx context.Context, id string) (*Student, error) {
	var st Student
	found, err := r.get(ctx, store.Students, id, &st)
	if err != nil || !found {
		return nil, err
	}
	return &st, nil
}

// PutStudent writes a student as-is after recounting.
func (r *Repository) PutStudent(ctx context.Context, st Student) error {
	unlock := r.locks.Lock("student:" + st.ID)
	defer unlock()
	return r.writeStudent(ctx, &st)
}

func (r *Repository) writeStudent(ctx context.Context, st *Student) error {
	if st.AttendanceHistory == nil {
		st.AttendanceHistory = []AttendanceRecord{}
	}
	st.SchemaVersion = SchemaVersion
	st.Recount()
	rec, err := studentRecord(*st)
	if err != nil {
		return storageErr("encode", store.Students, st.ID, err)
	}
	return r.put(ctx, store.Students, rec)
}

// MutateStudent runs fn on the current document under the student's lock and
// writes the result. exists is false when no document is stored, in which
// case fn receives a zero Student with ID set. A non-nil error from fn aborts
// the write.
func (r *Repository) MutateStudent(ctx context.Context, id string, fn func(st *Student, exists bool) error) (Student, error) {
	unlock := r.locks.Lock("student:" + id)
	defer unlock()

	var st Student
	exists, err := r.get(ctx, store.Students, id, &st)
	if err != nil {
		return Student{}, err
	}
	if !exists {
		st = Student{ID: id, AttendanceHistory: []AttendanceRecord{}}
	}
	if err := fn(&st, exists); err != nil {
		if errors.Is(err, errUnchanged) {
			return st, nil
		}
		return st, err
	}
	st.ID = id
	st.UpdatedAt = nowFunc().UTC()
	if st.CreatedAt.IsZero() {
		st.CreatedAt = st.UpdatedAt
	}
	if err := r.writeStudent(ctx, &st); err != nil {
		return Student{}, err
	}
	return st, nil
}

// InsertStudent writes st only when no student with its id exists.
func (r *Repository) InsertStudent(ctx context.Context, st Student) (bool, error) {
	unlock := r.locks.Lock("student:" + st.ID)
	defer unlock()
	existing, err := r.GetStudent(ctx, st.ID)
	if err != nil || existing != nil {
		return false, err
	}
	if err := r.writeStudent(ctx, &st); err != nil {
		return false, err
	}
	return true, nil
}

// DeleteStudent removes a student document.
func (r *Repository) DeleteStudent(ctx context.Context, id string) error {
	unlock := r.locks.Lock("student:" + id)
	defer unlock()
	if err := r.store.Delete(ctx, store.Students, id); err != nil {
		return storageErr("delete", store.Students, id, err)
	}
	return nil
}

// AllStudents lists every student across owners.
func (r *Repository) AllStudents(ctx context.Context) ([]Student, error) {
	docs, err := r.store.GetAll(ctx, store.Students)
	if err != nil {
		return nil, storageErr("getAll", store.Students, "", err)
	}
	return decodeAll[Student](r, store.Students, docs), nil
}

// StudentsBy lists students whose index matches value.
func (r *Repository) StudentsBy(ctx context.Context, index, value string) ([]Student, error) {
	docs, err := r.store.GetByIndex(ctx, store.Students, index, value)
	if err != nil {
		return nil, storageErr("getByIndex", store.Students, index+"="+value, err)
	}
	return decodeAll[Student](r, store.Students, docs), nil
}

// GetTag returns nil, nil when the tag is not registered.
func (r *Repository) GetTag(ctx context.Context, nfcID string) (*NFCTag, error) {
	var tag NFCTag
	found, err := r.get(ctx, store.NFCRegistry, nfcID, &tag)
	if err != nil || !found {
		return nil, err
	}
	return &tag, nil
}

// PutTag upserts a binding. Callers enforce one-shot semantics.
func (r *Repository) PutTag(ctx context.Context, tag NFCTag) error {
	doc, err := json.Marshal(tag)
	if err != nil {
		return storageErr("encode", store.NFCRegistry, tag.NFCID, err)
	}
	return r.put(ctx, store.NFCRegistry, store.Record{
		Key:     tag.NFCID,
		Indexes: map[string]string{"studentId": tag.StudentID},
		Doc:     doc,
	})
}

// InsertTag writes tag only when its id is not yet bound.
func (r *Repository) InsertTag(ctx context.Context, tag NFCTag) (bool, error) {
	unlock := r.locks.Lock("tag:" + tag.NFCID)
	defer unlock()
	existing, err := r.GetTag(ctx, tag.NFCID)
	if err != nil || existing != nil {
		return false, err
	}
	if err := r.PutTag(ctx, tag); err != nil {
		return false, err
	}
	return true, nil
}

// AllTags lists every binding.
func (r *Repository) AllTags(ctx context.Context) ([]NFCTag, error) {
	docs, err := r.store.GetAll(ctx, store.NFCRegistry)
	if err != nil {
		return nil, storageErr("getAll", store.NFCRegistry, "", err)
	}
	return decodeAll[NFCTag](r, store.NFCRegistry, docs), nil
}

// TagsForStudent lists the bindings pointing at a student.
func (r *Repository) TagsForStudent(ctx context.Context, studentID string) ([]NFCTag, error) {
	docs, err := r.store.GetByIndex(ctx, store.NFCRegistry, "studentId", studentID)
	if err != nil {
		return nil, storageErr("getByIndex", store.NFCRegistry, studentID, err)
	}
	return decodeAll[NFCTag](r, store.NFCRegistry, docs), nil
}

// GetClass returns nil, nil when the class does not exist.
func (r *Repository) GetClass(ctx context.Context, classID string) (*Class, error) {
	var c Class
	found, err := r.get(ctx, store.Classes, classID, &c)
	if err != nil || !found {
		return nil, err
	}
	return &c, nil
}

// PutClass upserts a class document.
func (r *Repository) PutClass(ctx context.Context, c Class) error {
	doc, err := json.Marshal(c)
	if err != nil {
		return storageErr("encode", store.Classes, c.ClassID, err)
	}
	return r.put(ctx, store.Classes, store.Record{
		Key:     c.ClassID,
		Indexes: map[string]string{"owner": c.Owner},
		Doc:     doc,
	})
}

// DeleteClass removes a class document only.
func (r *Repository) DeleteClass(ctx context.Context, classID string) error {
	if err := r.store.Delete(ctx, store.Classes, classID); err != nil {
		return storageErr("delete", store.Classes, classID, err)
	}
	return nil
}

// ClassesByOwner lists an owner's classes.
func (r *Repository) ClassesByOwner(ctx context.Context, owner string) ([]Class, error) {
	docs, err := r.store.GetByIndex(ctx, store.Classes, "owner", owner)
	if err != nil {
		return nil, storageErr("getByIndex", store.Classes, owner, err)
	}
	return decodeAll[Class](r, store.Classes, docs), nil
}

// AllClasses lists every class.
func (r *Repository) AllClasses(ctx context.Context) ([]Class, error) {
	docs, err := r.store.GetAll(ctx, store.Classes)
	if err != nil {
		return nil, storageErr("getAll", store.Classes, "", err)
	}
	return decodeAll[Class](r, store.Classes, docs), nil
}

// GetSession returns nil, nil when no descriptor is stored.
func (r *Repository) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var s Session
	found, err := r.get(ctx, store.Sessions, sessionID, &s)
	if err != nil || !found {
		return nil, err
	}
	return &s, nil
}

// PutSession upserts a session descriptor.
func (r *Repository) PutSession(ctx context.Context, s Session) error {
	doc, err := json.Marshal(s)
	if err != nil {
		return storageErr("encode", store.Sessions, s.SessionID, err)
	}
	return r.put(ctx, store.Sessions, store.Record{
		Key:     s.SessionID,
		Indexes: map[string]string{"owner": s.Owner, "date": s.Date},
		Doc:     doc,
	})
}

// AllSessions lists every session descriptor.
func (r *Repository) AllSessions(ctx context.Context) ([]Session, error) {
	docs, err := r.store.GetAll(ctx, store.Sessions)
	if err != nil {
		return nil, storageErr("getAll", store.Sessions, "", err)
	}
	return decodeAll[Session](r, store.Sessions, docs), nil
}

// SessionsByOwner lists an owner's session descriptors.
func (r *Repository) SessionsByOwner(ctx context.Context, owner string) ([]Session, error) {
	docs, err := r.store.GetByIndex(ctx, store.Sessions, "owner", owner)
	if err != nil {
		return nil, storageErr("getByIndex", store.Sessions, owner, err)
	}
	return decodeAll[Session](r, store.Sessions, docs), nil
}

func mustKey(kind, key string) error {
	if key == "" {
		return fmt.Errorf("%w: %s id required", ErrInvalidInput, kind)
	}
	return nil
}
