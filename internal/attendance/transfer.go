package attendance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"rollcall/internal/metrics"
	"rollcall/internal/store"
)

// ExportVersion is written to every export document.
const ExportVersion = "1.0"

// Document is the portable export format. User accounts are never included.
type Document struct {
	ExportDate  time.Time `json:"exportDate"`
	Version     string    `json:"version"`
	Students    []Student `json:"students"`
	NFCRegistry []NFCTag  `json:"nfcRegistry"`
	Sessions    []Session `json:"sessions"`
}

// CollectionSummary counts one collection's outcome during import.
type CollectionSummary struct {
	Added   int         `json:"added"`
	Skipped int         `json:"skipped"`
	Failed  []ItemError `json:"failed,omitempty"`
}

// ImportSummary reports an import per collection.
type ImportSummary struct {
	Students    CollectionSummary `json:"students"`
	NFCRegistry CollectionSummary `json:"nfcRegistry"`
	Sessions    CollectionSummary `json:"sessions"`
}

// Transfer exports and imports the whole store.
type Transfer struct {
	repo *Repository
	log  zerolog.Logger
}

// NewTransfer builds an export/import coordinator.
func NewTransfer(repo *Repository, log zerolog.Logger) *Transfer {
	return &Transfer{repo: repo, log: log.With().Str("component", "transfer").Logger()}
}

// Export snapshots every student, tag binding and session descriptor.
func (t *Transfer) Export(ctx context.Context) (Document, error) {
	students, err := t.repo.AllStudents(ctx)
	if err != nil {
		return Document{}, err
	}
	tags, err := t.repo.AllTags(ctx)
	if err != nil {
		return Document{}, err
	}
	sessions, err := t.repo.AllSessions(ctx)
	if err != nil {
		return Document{}, err
	}
	sort.Slice(students, func(i, j int) bool { return students[i].ID < students[j].ID })
	sort.Slice(tags, func(i, j int) bool { return tags[i].NFCID < tags[j].NFCID })
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].SessionID < sessions[j].SessionID })

	return Document{
		ExportDate:  nowFunc().UTC(),
		Version:     ExportVersion,
		Students:    students,
		NFCRegistry: tags,
		Sessions:    sessions,
	}, nil
}

type ownedRaw struct {
	owner string
	doc   json.RawMessage
}

// Import merges an export document into the store. Records whose key already
// exists locally are skipped; failures are collected per record. Only a
// document without a students field is rejected outright.
func (t *Transfer) Import(ctx context.Context, data []byte) (ImportSummary, error) {
	var sum ImportSummary
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return sum, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	rawStudents, ok := top["students"]
	if !ok || isNull(rawStudents) {
		return sum, fmt.Errorf("%w: missing students", ErrInvalidFormat)
	}
	students, err := decodeStudents(rawStudents)
	if err != nil {
		return sum, err
	}
	tags, err := decodeTags(top["nfcRegistry"])
	if err != nil {
		return sum, err
	}
	var sessions []json.RawMessage
	if raw, ok := top["sessions"]; ok && !isNull(raw) {
		if err := json.Unmarshal(raw, &sessions); err != nil {
			return sum, fmt.Errorf("%w: sessions: %v", ErrInvalidFormat, err)
		}
	}

	now := nowFunc().UTC()
	for _, in := range students {
		t.importStudent(ctx, in, now, &sum.Students)
	}
	for _, raw := range tags {
		t.importTag(ctx, raw, now, &sum.NFCRegistry)
	}
	for _, raw := range sessions {
		t.importSession(ctx, raw, &sum.Sessions)
	}

	for name, c := range map[string]CollectionSummary{
		store.Students:    sum.Students,
		store.NFCRegistry: sum.NFCRegistry,
		store.Sessions:    sum.Sessions,
	} {
		metrics.Imported.WithLabelValues(name, "added").Add(float64(c.Added))
		metrics.Imported.WithLabelValues(name, "skipped").Add(float64(c.Skipped))
		metrics.Imported.WithLabelValues(name, "failed").Add(float64(len(c.Failed)))
	}
	t.log.Info().
		Int("students_added", sum.Students.Added).
		Int("students_skipped", sum.Students.Skipped).
		Int("tags_added", sum.NFCRegistry.Added).
		Int("sessions_added", sum.Sessions.Added).
		Msg("import finished")
	return sum, nil
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// decodeStudents accepts an array or the older owner-keyed object of arrays.
func decodeStudents(raw json.RawMessage) ([]ownedRaw, error) {
	trimmed := bytes.TrimSpace(raw)
	switch trimmed[0] {
	case '[':
		var list []json.RawMessage
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("%w: students: %v", ErrInvalidFormat, err)
		}
		out := make([]ownedRaw, 0, len(list))
		for _, doc := range list {
			out = append(out, ownedRaw{doc: doc})
		}
		return out, nil
	case '{':
		var byOwner map[string][]json.RawMessage
		if err := json.Unmarshal(trimmed, &byOwner); err != nil {
			return nil, fmt.Errorf("%w: students: %v", ErrInvalidFormat, err)
		}
		owners := make([]string, 0, len(byOwner))
		for owner := range byOwner {
			owners = append(owners, owner)
		}
		sort.Strings(owners)
		var out []ownedRaw
		for _, owner := range owners {
			for _, doc := range byOwner[owner] {
				out = append(out, ownedRaw{owner: owner, doc: doc})
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: students must be an array or an owner map", ErrInvalidFormat)
}

// decodeTags accepts an array or an object keyed by tag id.
func decodeTags(raw json.RawMessage) ([]NFCTag, error) {
	if isNull(raw) {
		return nil, nil
	}
	trimmed := bytes.TrimSpace(raw)
	switch trimmed[0] {
	case '[':
		var list []NFCTag
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("%w: nfcRegistry: %v", ErrInvalidFormat, err)
		}
		return list, nil
	case '{':
		var byID map[string]NFCTag
		if err := json.Unmarshal(trimmed, &byID); err != nil {
			return nil, fmt.Errorf("%w: nfcRegistry: %v", ErrInvalidFormat, err)
		}
		ids := make([]string, 0, len(byID))
		for id := range byID {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		out := make([]NFCTag, 0, len(byID))
		for _, id := range ids {
			tag := byID[id]
			if tag.NFCID == "" {
				tag.NFCID = id
			}
			out = append(out, tag)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: nfcRegistry must be an array or an object", ErrInvalidFormat)
}

func (t *Transfer) importStudent(ctx context.Context, in ownedRaw, now time.Time, sum *CollectionSummary) {
	st, _, err := upgradeStudent(in.doc, now)
	if err != nil {
		sum.Failed = append(sum.Failed, ItemError{Error: err.Error()})
		return
	}
	if st.Owner == "" {
		st.Owner = in.owner
	}
	added, err := t.repo.InsertStudent(ctx, st)
	switch {
	case err != nil:
		sum.Failed = append(sum.Failed, ItemError{Key: st.ID, Error: err.Error()})
	case added:
		sum.Added++
	default:
		sum.Skipped++
	}
}

func (t *Transfer) importTag(ctx context.Context, tag NFCTag, now time.Time, sum *CollectionSummary) {
	raw := tag.NFCID
	tag.NFCID = NormalizeTagID(raw)
	if tag.NFCID == "" || tag.Name == "" {
		sum.Failed = append(sum.Failed, ItemError{Key: raw, Error: "tag without id or name"})
		return
	}
	if tag.StudentID == "" {
		tag.StudentID = CanonicalID(tag.Name)
	}
	if tag.RegisteredAt.IsZero() {
		tag.RegisteredAt = now
	}
	if raw != tag.NFCID {
		// a local binding stored under the raw form also wins
		if existing, err := t.repo.GetTag(ctx, raw); err != nil {
			sum.Failed = append(sum.Failed, ItemError{Key: raw, Error: err.Error()})
			return
		} else if existing != nil {
			sum.Skipped++
			return
		}
	}
	added, err := t.repo.InsertTag(ctx, tag)
	switch {
	case err != nil:
		sum.Failed = append(sum.Failed, ItemError{Key: tag.NFCID, Error: err.Error()})
	case added:
		sum.Added++
	default:
		sum.Skipped++
	}
}

func (t *Transfer) importSession(ctx context.Context, raw json.RawMessage, sum *CollectionSummary) {
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil || s.SessionID == "" {
		msg := "session without id"
		if err != nil {
			msg = err.Error()
		}
		sum.Failed = append(sum.Failed, ItemError{Error: msg})
		return
	}
	existing, err := t.repo.GetSession(ctx, s.SessionID)
	if err != nil {
		sum.Failed = append(sum.Failed, ItemError{Key: s.SessionID, Error: err.Error()})
		return
	}
	if existing != nil {
		sum.Skipped++
		return
	}
	if err := t.repo.PutSession(ctx, s); err != nil {
		sum.Failed = append(sum.Failed, ItemError{Key: s.SessionID, Error: err.Error()})
		return
	}
	sum.Added++
}
