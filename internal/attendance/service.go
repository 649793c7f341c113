package attendance

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"rollcall/internal/metrics"
)

// ScanKind names the reader that produced a payload.
type ScanKind string

const (
	KindQR  ScanKind = "qr"
	KindNFC ScanKind = "nfc"
)

// Scan is a decoded identifier to reconcile for an owner.
type Scan struct {
	Kind    ScanKind
	Owner   string
	Payload string
	At      time.Time
}

// Outcome classifies what a scan did.
type Outcome string

const (
	OutcomeMarked       Outcome = "marked"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeNoSession    Outcome = "no_session"
	OutcomeUnregistered Outcome = "unregistered"
	OutcomeTagBound     Outcome = "tag_bound"
	OutcomeSuppressed   Outcome = "suppressed"
	OutcomeRejected     Outcome = "rejected"
	OutcomeFailed       Outcome = "failed"
)

// ScanResult is reported back to whoever fed the scan in.
type ScanResult struct {
	Outcome   Outcome  `json:"outcome"`
	Student   *Student `json:"student,omitempty"`
	Tag       *NFCTag  `json:"tag,omitempty"`
	SessionID string   `json:"sessionId,omitempty"`
	Status    Status   `json:"status,omitempty"`
	Previous  Status   `json:"previous,omitempty"`
}

// OutcomeOf maps a HandleScan error to its outcome.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeMarked
	case errors.Is(err, ErrDuplicateScan):
		return OutcomeDuplicate
	case errors.Is(err, ErrNoActiveSession):
		return OutcomeNoSession
	case errors.Is(err, ErrUnregisteredTag):
		return OutcomeUnregistered
	case errors.Is(err, ErrMalformedPayload), errors.Is(err, ErrAlreadyBound), errors.Is(err, ErrInvalidInput):
		return OutcomeRejected
	}
	return OutcomeFailed
}

// Service ties identity resolution, tag registration and reconciliation
// together for incoming scans.
type Service struct {
	resolver   *Resolver
	reconciler *Reconciler
	registry   *Registry
	log        zerolog.Logger

	mu      sync.Mutex
	pending map[string]string
}

// NewService creates a service backed by a repository.
func NewService(repo *Repository, reconciler *Reconciler, registry *Registry, log zerolog.Logger) *Service {
	return &Service{
		resolver:   NewResolver(repo),
		reconciler: reconciler,
		registry:   registry,
		log:        log.With().Str("component", "scans").Logger(),
		pending:    make(map[string]string),
	}
}

// PendingTag returns the unregistered tag the owner scanned last, if any.
func (s *Service) PendingTag(owner string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tag, ok := s.pending[owner]
	return tag, ok
}

// CancelPending forgets the owner's pending tag.
func (s *Service) CancelPending(owner string) {
	s.mu.Lock()
	delete(s.pending, owner)
	s.mu.Unlock()
}

func (s *Service) takePending(owner string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tag, ok := s.pending[owner]
	delete(s.pending, owner)
	return tag, ok
}

// HandleScan resolves a scan and marks it against the owner's active session.
// An unknown NFC tag becomes the owner's pending tag and the next QR scan
// binds it instead of marking attendance. ErrNoActiveSession and
// ErrDuplicateScan come back with a populated result.
func (s *Service) HandleScan(ctx context.Context, scan Scan) (ScanResult, error) {
	start := time.Now()
	defer func() { metrics.ReconcileSeconds.Observe(time.Since(start).Seconds()) }()

	if scan.Owner == "" {
		return ScanResult{Outcome: OutcomeRejected}, invalid("owner required")
	}
	at := scan.At
	if at.IsZero() {
		at = nowFunc()
	}

	var (
		st  Student
		res ScanResult
	)
	switch scan.Kind {
	case KindNFC:
		student, tag, err := s.resolver.ResolveTag(ctx, scan.Owner, scan.Payload)
		if errors.Is(err, ErrUnregisteredTag) {
			s.mu.Lock()
			s.pending[scan.Owner] = scan.Payload
			s.mu.Unlock()
			s.log.Info().Str("owner", scan.Owner).Str("nfc_id", scan.Payload).Msg("unregistered tag held for registration")
			return ScanResult{Outcome: OutcomeUnregistered}, err
		}
		if err != nil {
			return ScanResult{Outcome: OutcomeOf(err)}, err
		}
		st, res.Tag = student, &tag
	case KindQR:
		ident, err := ParseQR(scan.Payload)
		if err != nil {
			return ScanResult{Outcome: OutcomeRejected}, err
		}
		if raw, ok := s.takePending(scan.Owner); ok {
			tag, student, err := s.registry.RegisterTag(ctx, scan.Owner, raw, ident.Name, ident.Program)
			if err != nil {
				return ScanResult{Outcome: OutcomeOf(err), Tag: &tag}, err
			}
			return ScanResult{Outcome: OutcomeTagBound, Student: &student, Tag: &tag}, nil
		}
		student, _, err := s.resolver.ResolveQR(ctx, scan.Owner, scan.Payload)
		if err != nil {
			return ScanResult{Outcome: OutcomeOf(err)}, err
		}
		st = student
	default:
		return ScanResult{Outcome: OutcomeRejected}, invalid("unknown scan kind %q", scan.Kind)
	}

	sess, ok := s.reconciler.Active(scan.Owner)
	if !ok {
		res.Outcome, res.Student = OutcomeNoSession, &st
		return res, ErrNoActiveSession
	}
	res.SessionID = sess.SessionID

	mark, err := s.reconciler.Mark(ctx, sess, st.ID, at)
	res.Outcome = OutcomeOf(err)
	if err != nil && !errors.Is(err, ErrDuplicateScan) {
		return res, err
	}
	res.Student, res.Status, res.Previous = &mark.Student, mark.Status, mark.Previous
	if err == nil {
		s.log.Debug().Str("session", sess.SessionID).Str("student", st.ID).Str("status", string(mark.Status)).Msg("scan marked")
	}
	return res, err
}
