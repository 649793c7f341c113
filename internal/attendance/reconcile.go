package attendance

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"rollcall/internal/config"
	"rollcall/internal/metrics"
)

// PrepopulateSummary reports roster seeding at session start.
type PrepopulateSummary struct {
	Seeded          int         `json:"seeded"`
	AlreadyRecorded int         `json:"alreadyRecorded"`
	Failed          []ItemError `json:"failed,omitempty"`
}

// MarkResult is the outcome of applying a scan to a session.
type MarkResult struct {
	Student  Student `json:"student"`
	Status   Status  `json:"status"`
	Previous Status  `json:"previous,omitempty"`
}

// Tally is a session's status breakdown, computed from stored history.
type Tally struct {
	SessionID string `json:"sessionId"`
	Present   int    `json:"present"`
	Late      int    `json:"late"`
	Absent    int    `json:"absent"`
	Total     int    `json:"total"`
}

// Reconciler applies scans to sessions exactly once per student.
type Reconciler struct {
	repo      *Repository
	active    *activeSessions
	loc       *time.Location
	threshold int
	log       zerolog.Logger
}

// NewReconciler builds a reconciler. threshold is used for sessions started
// without an explicit late threshold.
func NewReconciler(repo *Repository, loc *time.Location, threshold int, log zerolog.Logger) *Reconciler {
	if loc == nil {
		loc = time.Local
	}
	return &Reconciler{
		repo:      repo,
		active:    newActiveSessions(),
		loc:       loc,
		threshold: config.LateThreshold(threshold),
		log:       log.With().Str("component", "reconciler").Logger(),
	}
}

// Start opens a session for p.Owner, replacing any session the owner had
// running. Roster members are seeded Absent when p.WithRoster is set on a
// class session. Seeding failures are reported in the summary and do not
// fail the start.
func (r *Reconciler) Start(ctx context.Context, p SessionParams) (Session, PrepopulateSummary, error) {
	var sum PrepopulateSummary
	if p.LateThresholdMinutes == 0 {
		p.LateThresholdMinutes = r.threshold
	}

	var class *Class
	if p.ClassID != "" {
		c, err := r.repo.GetClass(ctx, p.ClassID)
		if err != nil {
			return Session{}, sum, err
		}
		if c == nil {
			return Session{}, sum, ErrNotFound
		}
		class = c
	}
	className := ""
	if class != nil {
		className = class.Name
	}

	now := nowFunc()
	sess, err := buildSession(p, className, r.loc, now)
	if err != nil {
		return Session{}, sum, err
	}
	if err := r.repo.PutSession(ctx, sess); err != nil {
		return Session{}, sum, err
	}
	if prev, replaced := r.active.set(sess); replaced {
		if prev.SessionID != sess.SessionID {
			r.stampEnded(ctx, prev, now)
		}
	} else {
		metrics.ActiveSessions.Inc()
	}

	if sess.WithRoster && class != nil {
		sum = r.seedRoster(ctx, sess, *class, now)
	}
	r.log.Info().
		Str("session", sess.SessionID).
		Str("owner", sess.Owner).
		Bool("with_roster", sess.WithRoster).
		Int("seeded", sum.Seeded).
		Int("failed", len(sum.Failed)).
		Msg("session started")
	return sess, sum, nil
}

func (r *Reconciler) seedRoster(ctx context.Context, sess Session, class Class, now time.Time) PrepopulateSummary {
	var sum PrepopulateSummary
	for _, entry := range class.Students {
		if entry.ID == "" {
			continue
		}
		seeded := false
		_, err := r.repo.MutateStudent(ctx, entry.ID, func(st *Student, exists bool) error {
			if !exists {
				owner := entry.Owner
				if owner == "" {
					owner = class.Owner
				}
				*st = NewStudent(entry.Name, entry.Program, owner, now.UTC())
				st.ID = entry.ID
				st.ClassID, st.ClassName = class.ClassID, class.Name
			}
			if st.RecordFor(sess.SessionID) >= 0 {
				return errUnchanged
			}
			st.AttendanceHistory = append(st.AttendanceHistory, sess.Record(StatusAbsent, now))
			seeded = true
			return nil
		})
		switch {
		case err != nil:
			sum.Failed = append(sum.Failed, ItemError{Key: entry.ID, Error: err.Error()})
		case seeded:
			sum.Seeded++
			metrics.Marks.WithLabelValues(string(StatusAbsent)).Inc()
		default:
			sum.AlreadyRecorded++
		}
	}
	return sum
}

// Active returns the owner's running session.
func (r *Reconciler) Active(owner string) (Session, bool) {
	return r.active.get(owner)
}

// End stops the owner's running session and stamps its end time.
func (r *Reconciler) End(ctx context.Context, owner string) (Session, error) {
	sess, ok := r.active.clear(owner)
	if !ok {
		return Session{}, ErrNoActiveSession
	}
	metrics.ActiveSessions.Dec()
	return r.stampEnded(ctx, sess, nowFunc()), nil
}

func (r *Reconciler) stampEnded(ctx context.Context, sess Session, at time.Time) Session {
	ended := at.UTC()
	sess.EndedAt = &ended
	if err := r.repo.PutSession(ctx, sess); err != nil {
		r.log.Warn().Err(err).Str("session", sess.SessionID).Msg("could not stamp session end")
	}
	return sess
}

// Mark applies a scan arriving at now. A student already Present or Late in
// the session is left as is and ErrDuplicateScan is returned alongside the
// recorded status. A seeded Absent is corrected in place.
func (r *Reconciler) Mark(ctx context.Context, sess Session, studentID string, now time.Time) (MarkResult, error) {
	var res MarkResult
	st, err := r.repo.MutateStudent(ctx, studentID, func(st *Student, exists bool) error {
		if !exists {
			return ErrNotFound
		}
		status := sess.StatusAt(now)
		idx := st.RecordFor(sess.SessionID)
		if idx < 0 {
			st.AttendanceHistory = append(st.AttendanceHistory, sess.Record(status, now))
			res.Status = status
			return nil
		}
		existing := st.AttendanceHistory[idx].Status
		res.Previous = existing
		if existing != StatusAbsent {
			res.Status = existing
			return ErrDuplicateScan
		}
		st.AttendanceHistory[idx].Status = status
		st.AttendanceHistory[idx].Timestamp = now.UTC()
		res.Status = status
		return nil
	})
	res.Student = st
	if err != nil {
		if errors.Is(err, ErrDuplicateScan) {
			return res, err
		}
		return MarkResult{}, err
	}
	metrics.Marks.WithLabelValues(string(res.Status)).Inc()
	return res, nil
}

// Tally recomputes a session's counts from the stored students.
func (r *Reconciler) Tally(ctx context.Context, sessionID string) (Tally, error) {
	students, err := r.repo.AllStudents(ctx)
	if err != nil {
		return Tally{}, err
	}
	t := Tally{SessionID: sessionID}
	for _, st := range students {
		idx := st.RecordFor(sessionID)
		if idx < 0 {
			continue
		}
		switch st.AttendanceHistory[idx].Status {
		case StatusPresent:
			t.Present++
		case StatusLate:
			t.Late++
		case StatusAbsent:
			t.Absent++
		}
		t.Total++
	}
	return t, nil
}
