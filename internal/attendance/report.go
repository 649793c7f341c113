package attendance

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

// ReportRow is one student's line in a session report.
type ReportRow struct {
	StudentID string    `json:"studentId"`
	Name      string    `json:"name"`
	Program   string    `json:"program"`
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Report is a session's attendance read back from the store.
type Report struct {
	SessionID   string      `json:"sessionId"`
	Title       string      `json:"title"`
	ClassTime   string      `json:"classTime,omitempty"`
	GeneratedAt time.Time   `json:"generatedAt"`
	Tally       Tally       `json:"tally"`
	Rows        []ReportRow `json:"rows"`
}

// Reports derives read-only views from stored history.
type Reports struct {
	repo *Repository
}

// NewReports builds a report source over repo.
func NewReports(repo *Repository) *Reports {
	return &Reports{repo: repo}
}

// SessionReport collects every record of sessionID, sorted by student name.
// ErrNotFound means neither a descriptor nor any record exists.
func (r *Reports) SessionReport(ctx context.Context, sessionID string) (Report, error) {
	sess, err := r.repo.GetSession(ctx, sessionID)
	if err != nil {
		return Report{}, err
	}
	students, err := r.repo.AllStudents(ctx)
	if err != nil {
		return Report{}, err
	}
	rep := Report{
		SessionID:   sessionID,
		Title:       sessionID,
		GeneratedAt: nowFunc().UTC(),
		Tally:       Tally{SessionID: sessionID},
	}
	for _, st := range students {
		idx := st.RecordFor(sessionID)
		if idx < 0 {
			continue
		}
		rec := st.AttendanceHistory[idx]
		rep.Rows = append(rep.Rows, ReportRow{
			StudentID: st.ID,
			Name:      st.Name,
			Program:   st.Program,
			Status:    rec.Status,
			Timestamp: rec.Timestamp,
		})
		switch rec.Status {
		case StatusPresent:
			rep.Tally.Present++
		case StatusLate:
			rep.Tally.Late++
		case StatusAbsent:
			rep.Tally.Absent++
		}
		rep.Tally.Total++
		if rep.ClassTime == "" {
			rep.ClassTime = rec.ClassTime
		}
	}
	if sess == nil && len(rep.Rows) == 0 {
		return Report{}, ErrNotFound
	}
	if sess != nil {
		rep.ClassTime = sess.ClassTime
		switch {
		case sess.ClassName != "":
			rep.Title = sess.ClassName
		case sess.Course != "":
			rep.Title = fmt.Sprintf("%s (%s)", sess.Course, sess.Semester)
		}
	}
	sort.Slice(rep.Rows, func(i, j int) bool {
		if rep.Rows[i].Name != rep.Rows[j].Name {
			return rep.Rows[i].Name < rep.Rows[j].Name
		}
		return rep.Rows[i].StudentID < rep.Rows[j].StudentID
	})
	return rep, nil
}

var reportHeader = []string{"Student ID", "Full Name", "Program", "Status", "Timestamp"}

func (rep Report) preamble() [][]string {
	return [][]string{
		{"Attendance Report for " + rep.Title},
		{"Session: " + rep.SessionID},
		{"Class Time: " + rep.ClassTime},
		{"Report Generated: " + rep.GeneratedAt.Format(time.RFC3339)},
		{},
		{"SUMMARY"},
		{"Total Students", fmt.Sprint(rep.Tally.Total)},
		{"Present", fmt.Sprint(rep.Tally.Present)},
		{"Late", fmt.Sprint(rep.Tally.Late)},
		{"Absent", fmt.Sprint(rep.Tally.Absent)},
		{},
		{"DETAILED ATTENDANCE"},
		reportHeader,
	}
}

func (row ReportRow) cells() []string {
	return []string{row.StudentID, row.Name, row.Program, string(row.Status), row.Timestamp.Format(time.RFC3339)}
}

// WriteCSV renders the report as CSV.
func (rep Report) WriteCSV(w io.Writer) error {
	cw := csv.NewWriter(w)
	for _, line := range rep.preamble() {
		if err := cw.Write(line); err != nil {
			return err
		}
	}
	for _, row := range rep.Rows {
		if err := cw.Write(row.cells()); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteXLSX renders the report as a single "Attendance" worksheet.
func (rep Report) WriteXLSX(w io.Writer) error {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Attendance"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return err
	}
	lines := rep.preamble()
	for _, row := range rep.Rows {
		lines = append(lines, row.cells())
	}
	for i, line := range lines {
		if len(line) == 0 {
			continue
		}
		cells := make([]any, len(line))
		for j, v := range line {
			cells[j] = v
		}
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &cells); err != nil {
			return err
		}
	}
	if err := f.SetColWidth(sheet, "A", "E", 22); err != nil {
		return err
	}
	return f.Write(w)
}

// HistoryEntry is one record attributed to a class.
type HistoryEntry struct {
	StudentID string           `json:"studentId"`
	Name      string           `json:"name"`
	Record    AttendanceRecord `json:"record"`
}

// ClassHistory returns every record that resolves to classID, including those
// of classes that no longer exist.
func (r *Reports) ClassHistory(ctx context.Context, classID string) ([]HistoryEntry, error) {
	if strings.TrimSpace(classID) == "" {
		return nil, invalid("class id required")
	}
	students, err := r.repo.AllStudents(ctx)
	if err != nil {
		return nil, err
	}
	var out []HistoryEntry
	for _, st := range students {
		for _, rec := range st.AttendanceHistory {
			if id, _ := ResolveClass(rec, st); id == classID {
				out = append(out, HistoryEntry{StudentID: st.ID, Name: st.Name, Record: rec})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Record.Timestamp.Equal(out[j].Record.Timestamp) {
			return out[i].Record.Timestamp.Before(out[j].Record.Timestamp)
		}
		return out[i].StudentID < out[j].StudentID
	})
	return out, nil
}
