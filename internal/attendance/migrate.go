package attendance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"rollcall/internal/store"
)

type legacyRecord struct {
	SessionID string `json:"sessionId"`
	Status    Status `json:"status"`
	IsLate    *bool  `json:"isLate"`
	ClassID   string `json:"classId"`
	ClassName string `json:"className"`
	ClassTime string `json:"classTime"`
	Course    string `json:"course"`
	Semester  string `json:"semester"`
	Timestamp string `json:"timestamp"`
}

type legacyStudent struct {
	SchemaVersion     int            `json:"schemaVersion"`
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Program           string         `json:"program"`
	Owner             string         `json:"owner"`
	ClassID           string         `json:"classId"`
	ClassName         string         `json:"className"`
	AbsentCount       *int           `json:"absentCount"`
	AttendanceHistory []legacyRecord `json:"attendanceHistory"`
	CreatedAt         string         `json:"createdAt"`
	UpdatedAt         string         `json:"updatedAt"`
}

// MigrationSummary reports a migration pass.
type MigrationSummary struct {
	Scanned  int         `json:"scanned"`
	Upgraded int         `json:"upgraded"`
	Failed   []ItemError `json:"failed,omitempty"`
}

func parseTime(s string, fallback time.Time) time.Time {
	if s == "" {
		return fallback
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000Z07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return fallback
}

// upgradeStudent decodes a student document of any known version and returns
// it in the current shape. upgraded is false when raw was already current.
func upgradeStudent(raw []byte, now time.Time) (st Student, upgraded bool, err error) {
	var in legacyStudent
	if err := json.Unmarshal(raw, &in); err != nil {
		return Student{}, false, fmt.Errorf("decode student: %w", err)
	}
	if strings.TrimSpace(in.Name) == "" && in.ID == "" {
		return Student{}, false, invalid("student without id or name")
	}
	upgraded = in.SchemaVersion < SchemaVersion || in.AbsentCount == nil

	st = Student{
		SchemaVersion: SchemaVersion,
		ID:            in.ID,
		Name:          in.Name,
		Program:       in.Program,
		Owner:         in.Owner,
		ClassID:       in.ClassID,
		ClassName:     in.ClassName,
		CreatedAt:     parseTime(in.CreatedAt, now),
		UpdatedAt:     parseTime(in.UpdatedAt, now),
	}
	if st.ID == "" {
		st.ID = CanonicalID(in.Name)
		upgraded = true
	}
	if st.Name == "" {
		st.Name = st.ID
	}

	seen := make(map[string]int, len(in.AttendanceHistory))
	st.AttendanceHistory = make([]AttendanceRecord, 0, len(in.AttendanceHistory))
	for _, lr := range in.AttendanceHistory {
		rec := AttendanceRecord{
			SessionID: lr.SessionID,
			Status:    lr.Status,
			ClassID:   lr.ClassID,
			ClassName: lr.ClassName,
			ClassTime: lr.ClassTime,
			Course:    lr.Course,
			Semester:  lr.Semester,
			Timestamp: parseTime(lr.Timestamp, now),
		}
		if lr.Timestamp == "" {
			upgraded = true
		}
		if lr.IsLate != nil && rec.Status == "" {
			rec.Status = StatusPresent
			if *lr.IsLate {
				rec.Status = StatusLate
			}
			upgraded = true
		}
		if !rec.Status.Valid() || rec.SessionID == "" {
			upgraded = true
			continue
		}
		if i, dup := seen[rec.SessionID]; dup {
			upgraded = true
			// an arrival beats a seeded absence for the same session
			if st.AttendanceHistory[i].Status == StatusAbsent && rec.Status != StatusAbsent {
				st.AttendanceHistory[i] = rec
			}
			continue
		}
		seen[rec.SessionID] = len(st.AttendanceHistory)
		st.AttendanceHistory = append(st.AttendanceHistory, rec)
	}
	st.Recount()
	return st, upgraded, nil
}

// rekeyStudent writes st under its canonical id and drops the document stored
// under oldKey when the two differ. A different student already holding the
// id is left alone and reported as a conflict.
func (r *Repository) rekeyStudent(ctx context.Context, oldKey string, st Student) error {
	if st.ID == oldKey {
		return r.PutStudent(ctx, st)
	}
	unlock := r.locks.Lock("student:" + st.ID)
	defer unlock()
	_, taken, err := r.store.Get(ctx, store.Students, st.ID)
	if err != nil {
		return storageErr("get", store.Students, st.ID, err)
	}
	if taken {
		return fmt.Errorf("%w: %s already stored, legacy copy kept under %s", ErrConflict, st.ID, oldKey)
	}
	if err := r.writeStudent(ctx, &st); err != nil {
		return err
	}
	if err := r.store.Delete(ctx, store.Students, oldKey); err != nil {
		return storageErr("delete", store.Students, oldKey, err)
	}
	return nil
}

// Migrate upgrades every stored student to the current schema. Students
// already current are left untouched; a document stored under a key other
// than its canonical id is moved there.
func (r *Repository) Migrate(ctx context.Context) (MigrationSummary, error) {
	var sum MigrationSummary
	keys, err := r.store.Keys(ctx, store.Students)
	if err != nil {
		return sum, storageErr("keys", store.Students, "", err)
	}
	now := nowFunc().UTC()
	for _, key := range keys {
		raw, found, err := r.store.Get(ctx, store.Students, key)
		if err != nil {
			sum.Failed = append(sum.Failed, ItemError{Key: key, Error: storageErr("get", store.Students, key, err).Error()})
			continue
		}
		if !found {
			continue
		}
		sum.Scanned++
		st, upgraded, err := upgradeStudent(raw, now)
		if err != nil {
			sum.Failed = append(sum.Failed, ItemError{Key: key, Error: err.Error()})
			continue
		}
		if !upgraded && st.ID == key {
			continue
		}
		if err := r.rekeyStudent(ctx, key, st); err != nil {
			sum.Failed = append(sum.Failed, ItemError{Key: key, Error: err.Error()})
			continue
		}
		sum.Upgraded++
	}
	if sum.Upgraded > 0 || len(sum.Failed) > 0 {
		r.log.Info().Int("scanned", sum.Scanned).Int("upgraded", sum.Upgraded).Int("failed", len(sum.Failed)).Msg("student migration finished")
	}
	return sum, nil
}
