package scan

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"rollcall/internal/attendance"
	"rollcall/internal/metrics"
	"rollcall/internal/queue"
)

// Handler reconciles a scan. *attendance.Service satisfies it.
type Handler interface {
	HandleScan(ctx context.Context, scan attendance.Scan) (attendance.ScanResult, error)
}

// Processor debounces events before handing them to a Handler.
type Processor struct {
	debouncer Debouncer
	handler   Handler
	log       zerolog.Logger
}

// NewProcessor builds a processor. A nil debouncer disables suppression.
func NewProcessor(d Debouncer, h Handler, log zerolog.Logger) *Processor {
	return &Processor{debouncer: d, handler: h, log: log.With().Str("component", "scan").Logger()}
}

// Process applies one event. Suppressed repeats return OutcomeSuppressed with
// a nil error. A failing debouncer lets the event through, and an event whose
// reconciliation failed is released from the window.
func (p *Processor) Process(ctx context.Context, e Event) (attendance.ScanResult, error) {
	if err := e.Validate(); err != nil {
		metrics.Scans.WithLabelValues(string(e.Kind), string(attendance.OutcomeRejected)).Inc()
		return attendance.ScanResult{Outcome: attendance.OutcomeRejected}, err
	}
	if p.debouncer != nil {
		ok, err := p.debouncer.Allow(ctx, e.Key())
		if err != nil {
			p.log.Warn().Err(err).Msg("debounce check failed, processing scan anyway")
		} else if !ok {
			metrics.Scans.WithLabelValues(string(e.Kind), string(attendance.OutcomeSuppressed)).Inc()
			return attendance.ScanResult{Outcome: attendance.OutcomeSuppressed}, nil
		}
	}

	at := e.ReceivedAt
	if at.IsZero() {
		at = time.Now()
	}
	res, err := p.handler.HandleScan(ctx, attendance.Scan{Kind: e.Kind, Owner: e.Owner, Payload: e.Payload, At: at})
	if res.Outcome == attendance.OutcomeFailed && p.debouncer != nil {
		// a read that was not applied must not block the operator's retry
		if rerr := p.debouncer.Release(ctx, e.Key()); rerr != nil {
			p.log.Warn().Err(rerr).Msg("debounce release failed")
		}
	}
	metrics.Scans.WithLabelValues(string(e.Kind), string(res.Outcome)).Inc()
	return res, err
}

// Pump feeds queued scan events to a Processor.
type Pump struct {
	q    queue.Queue
	proc *Processor
	log  zerolog.Logger
}

// NewPump builds a pump over q.
func NewPump(q queue.Queue, proc *Processor, log zerolog.Logger) *Pump {
	return &Pump{q: q, proc: proc, log: log.With().Str("component", "pump").Logger()}
}

// Run consumes until ctx ends. Cancelling ctx stops intake only; the event
// being reconciled at that moment completes.
func (p *Pump) Run(ctx context.Context) error {
	messages, err := p.q.Consume(ctx)
	if err != nil {
		return err
	}
	work := context.WithoutCancel(ctx)
	p.log.Info().Msg("scan pump started")
	for msg := range messages {
		if msg.Type != queue.TypeScan {
			continue
		}
		e, err := Decode(msg)
		if err != nil {
			p.log.Warn().Err(err).Msg("dropping unreadable scan message")
			continue
		}
		res, err := p.proc.Process(work, e)
		evt := p.log.Debug()
		if err != nil && res.Outcome == attendance.OutcomeFailed {
			evt = p.log.Error().Err(err)
		}
		evt.Str("owner", e.Owner).Str("kind", string(e.Kind)).Str("outcome", string(res.Outcome)).Msg("scan processed")
	}
	p.log.Info().Msg("scan pump stopped")
	return nil
}
