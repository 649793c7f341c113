package attendance

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"rollcall/internal/config"
)

// SessionParams describes a session to start. ClassID selects a class-based
// session; otherwise Course and Semester scope a quick session.
type SessionParams struct {
	Owner                string `json:"owner"`
	ClassID              string `json:"classId,omitempty"`
	Course               string `json:"course,omitempty"`
	Semester             string `json:"semester,omitempty"`
	Date                 string `json:"date,omitempty"`
	ClassTime            string `json:"classTime"`
	LateThresholdMinutes int    `json:"lateThresholdMinutes,omitempty"`
	WithRoster           bool   `json:"withRoster"`
}

// Session is the context every mark is reconciled against.
type Session struct {
	SessionID            string     `json:"sessionId"`
	Owner                string     `json:"owner"`
	ClassID              string     `json:"classId,omitempty"`
	ClassName            string     `json:"className,omitempty"`
	Course               string     `json:"course,omitempty"`
	Semester             string     `json:"semester,omitempty"`
	Date                 string     `json:"date"`
	ClassTime            string     `json:"classTime"`
	StartsAt             time.Time  `json:"startsAt"`
	LateThresholdMinutes int        `json:"lateThresholdMinutes"`
	WithRoster           bool       `json:"withRoster"`
	StartedAt            time.Time  `json:"startedAt"`
	EndedAt              *time.Time `json:"endedAt,omitempty"`
}

// SessionID derives "<scope>-<YYYY-MM-DD>-<HHMM>". The scope is classID when
// set, else "<course>-<semester>" with whitespace replaced by "_".
func SessionID(classID, course, semester, date, classTime string) string {
	scope := classID
	if scope == "" {
		scope = underscore(course) + "-" + underscore(semester)
	}
	return fmt.Sprintf("%s-%s-%s", scope, date, strings.Replace(classTime, ":", "", 1))
}

func underscore(s string) string {
	return whitespaceRun.ReplaceAllString(strings.TrimSpace(s), "_")
}

// DetermineStatus is Late when now is strictly after startsAt plus the
// threshold.
func DetermineStatus(now, startsAt time.Time, thresholdMinutes int) Status {
	if now.After(startsAt.Add(time.Duration(thresholdMinutes) * time.Minute)) {
		return StatusLate
	}
	return StatusPresent
}

// StatusAt evaluates the status of a scan arriving at now.
func (s Session) StatusAt(now time.Time) Status {
	return DetermineStatus(now, s.StartsAt, s.LateThresholdMinutes)
}

// Record builds the history entry for this session.
func (s Session) Record(status Status, at time.Time) AttendanceRecord {
	return AttendanceRecord{
		SessionID: s.SessionID,
		Status:    status,
		ClassID:   s.ClassID,
		ClassName: s.ClassName,
		ClassTime: s.ClassTime,
		Course:    s.Course,
		Semester:  s.Semester,
		Timestamp: at.UTC(),
	}
}

// buildSession validates params and resolves the start instant in loc.
func buildSession(p SessionParams, className string, loc *time.Location, now time.Time) (Session, error) {
	if p.Owner == "" {
		return Session{}, invalid("owner required")
	}
	if p.ClassID == "" && (strings.TrimSpace(p.Course) == "" || strings.TrimSpace(p.Semester) == "") {
		return Session{}, invalid("classId or course and semester required")
	}
	threshold := p.LateThresholdMinutes
	if threshold == 0 {
		threshold = config.DefaultLateThreshold
	}
	if err := config.ValidateLateThreshold(threshold); err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	clock, err := time.ParseInLocation("15:04", p.ClassTime, loc)
	if err != nil {
		return Session{}, invalid("classTime must be HH:MM")
	}
	date := p.Date
	if date == "" {
		date = now.In(loc).Format("2006-01-02")
	}
	day, err := time.ParseInLocation("2006-01-02", date, loc)
	if err != nil {
		return Session{}, invalid("date must be YYYY-MM-DD")
	}
	startsAt := time.Date(day.Year(), day.Month(), day.Day(), clock.Hour(), clock.Minute(), 0, 0, loc)
	hhmm := clock.Format("15:04")

	return Session{
		SessionID:            SessionID(p.ClassID, p.Course, p.Semester, date, hhmm),
		Owner:                p.Owner,
		ClassID:              p.ClassID,
		ClassName:            className,
		Course:               strings.TrimSpace(p.Course),
		Semester:             strings.TrimSpace(p.Semester),
		Date:                 date,
		ClassTime:            hhmm,
		StartsAt:             startsAt,
		LateThresholdMinutes: threshold,
		WithRoster:           p.WithRoster && p.ClassID != "",
		StartedAt:            now.UTC(),
	}, nil
}

// activeSessions tracks at most one running session per owner.
type activeSessions struct {
	mu     sync.RWMutex
	byUser map[string]Session
}

func newActiveSessions() *activeSessions {
	return &activeSessions{byUser: make(map[string]Session)}
}

func (a *activeSessions) get(owner string) (Session, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.byUser[owner]
	return s, ok
}

func (a *activeSessions) set(s Session) (previous Session, replaced bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	previous, replaced = a.byUser[s.Owner]
	a.byUser[s.Owner] = s
	return previous, replaced
}

func (a *activeSessions) clear(owner string) (Session, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.byUser[owner]
	delete(a.byUser, owner)
	return s, ok
}
