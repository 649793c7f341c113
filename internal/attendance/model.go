package attendance

import (
	"time"
)

// Status is the outcome recorded for a student in one session.
type Status string

const (
	StatusPresent Status = "Present"
	StatusLate    Status = "Late"
	StatusAbsent  Status = "Absent"
)

// Valid reports whether s is one of the three recorded statuses.
func (s Status) Valid() bool {
	return s == StatusPresent || s == StatusLate || s == StatusAbsent
}

// SchemaVersion is the current Student document version. Version 1 documents
// carry boolean isLate history entries and no absentCount.
const SchemaVersion = 2

// AttendanceRecord is a student's single entry for one session.
type AttendanceRecord struct {
	SessionID string    `json:"sessionId"`
	Status    Status    `json:"status"`
	ClassID   string    `json:"classId,omitempty"`
	ClassName string    `json:"className,omitempty"`
	ClassTime string    `json:"classTime,omitempty"`
	Course    string    `json:"course,omitempty"`
	Semester  string    `json:"semester,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Student is keyed by its canonical id. The three counters are a cache of
// AttendanceHistory and are rebuilt by Recount on every write.
type Student struct {
	SchemaVersion     int                `json:"schemaVersion"`
	ID                string             `json:"id"`
	Name              string             `json:"name"`
	Program           string             `json:"program"`
	Owner             string             `json:"owner"`
	ClassID           string             `json:"classId,omitempty"`
	ClassName         string             `json:"className,omitempty"`
	PresentCount      int                `json:"presentCount"`
	LateCount         int                `json:"lateCount"`
	AbsentCount       int                `json:"absentCount"`
	AttendanceHistory []AttendanceRecord `json:"attendanceHistory"`
	CreatedAt         time.Time          `json:"createdAt"`
	UpdatedAt         time.Time          `json:"updatedAt"`
}

// NewStudent builds a student with zero counters and empty history.
func NewStudent(name, program, owner string, now time.Time) Student {
	return Student{
		SchemaVersion:     SchemaVersion,
		ID:                CanonicalID(name),
		Name:              name,
		Program:           program,
		Owner:             owner,
		AttendanceHistory: []AttendanceRecord{},
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// Recount rebuilds the counters from history.
func (s *Student) Recount() {
	s.PresentCount, s.LateCount, s.AbsentCount = 0, 0, 0
	for _, rec := range s.AttendanceHistory {
		switch rec.Status {
		case StatusPresent:
			s.PresentCount++
		case StatusLate:
			s.LateCount++
		case StatusAbsent:
			s.AbsentCount++
		}
	}
}

// RecordFor returns the index of the record for sessionID, or -1.
func (s *Student) RecordFor(sessionID string) int {
	for i := range s.AttendanceHistory {
		if s.AttendanceHistory[i].SessionID == sessionID {
			return i
		}
	}
	return -1
}

// ResolveClass returns the class a record belongs to. Values on the record
// win over the student's current class assignment.
func ResolveClass(rec AttendanceRecord, st Student) (id, name string) {
	id, name = rec.ClassID, rec.ClassName
	if id == "" {
		id = st.ClassID
		if name == "" {
			name = st.ClassName
		}
	}
	return id, name
}

// RosterEntry is a student snapshot stored on a Class.
type RosterEntry struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Program string `json:"program"`
	Owner   string `json:"owner,omitempty"`
}

// Class is a named roster.
type Class struct {
	ClassID   string        `json:"classId"`
	Name      string        `json:"name"`
	Owner     string        `json:"owner"`
	Students  []RosterEntry `json:"students"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// NFCTag binds a tag identifier to a student for the tag's lifetime.
type NFCTag struct {
	NFCID        string    `json:"nfcId"`
	StudentID    string    `json:"studentId"`
	Name         string    `json:"name"`
	Course       string    `json:"course"`
	Owner        string    `json:"owner,omitempty"`
	RegisteredAt time.Time `json:"registeredAt"`
}
