package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/roach88/mutq/internal/kv"
	"github.com/roach88/mutq/internal/request"
)

// Queue is the dispatcher-facing side of the queue manager.
type Queue interface {
	TakeNext(ctx context.Context) (request.Request, bool, error)
	Complete(ctx context.Context, r request.Request) error
	ReturnToHead(ctx context.Context, r request.Request) error
	Ready() <-chan struct{}
}

// Sender delivers one request to the server.
// Return Permanent(err) for failures that retrying cannot fix.
type Sender interface {
	Send(ctx context.Context, r request.Request) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, r request.Request) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, r request.Request) error {
	return f(ctx, r)
}

// Outcome is how a single request was settled.
type Outcome string

const (
	OutcomeSent     Outcome = "sent"
	OutcomeRejected Outcome = "rejected"
	OutcomeRetry    Outcome = "retry"
)

// Stats counts settled requests.
type Stats struct {
	Sent     int `json:"sent"`
	Rejected int `json:"rejected"`
	Retried  int `json:"retried"`
}

func (s *Stats) merge(o Stats) {
	s.Sent += o.Sent
	s.Rejected += o.Rejected
	s.Retried += o.Retried
}

func (s *Stats) add(o Outcome) {
	switch o {
	case OutcomeSent:
		s.Sent++
	case OutcomeRejected:
		s.Rejected++
	case OutcomeRetry:
		s.Retried++
	}
}

// Dispatcher drains a Queue through a Sender, one request at a time.
type Dispatcher struct {
	queue  Queue
	sender Sender
	store  kv.Store
	logger *slog.Logger
	retry  kv.Backoff
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithStore sets the store that SuccessData and FailureData are applied to.
// Without a store, updates are skipped.
func WithStore(s kv.Store) Option {
	return func(d *Dispatcher) {
		d.store = s
	}
}

// WithRetryBackoff sets how long Run waits after a transient failure.
func WithRetryBackoff(b kv.Backoff) Option {
	return func(d *Dispatcher) {
		d.retry = b
	}
}

// New creates a dispatcher.
func New(q Queue, s Sender, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		queue:  q,
		sender: s,
		logger: slog.Default(),
		retry: kv.Backoff{
			Initial:    time.Second,
			Max:        time.Hour,
			Multiplier: 2,
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "dispatch")
	return d
}

// Step dispatches the head of the queue. It returns false when the queue
// is empty. A transient send failure is returned after the request has
// been put back.
func (d *Dispatcher) Step(ctx context.Context) (Outcome, bool, error) {
	r, ok, err := d.queue.TakeNext(ctx)
	if err != nil || !ok {
		return "", false, err
	}

	// Settle even if ctx ends mid-send; the request must leave the slot.
	settle := context.WithoutCancel(ctx)
	log := d.logger.With("request_id", r.RequestID, "command", r.Command)

	sendErr := d.sender.Send(ctx, r)
	switch {
	case sendErr == nil:
		d.apply(settle, log, "success", r.SuccessData)
		if err := d.queue.Complete(settle, r); err != nil {
			return "", true, err
		}
		log.Info("request sent")
		return OutcomeSent, true, nil

	case IsPermanent(sendErr):
		d.apply(settle, log, "failure", r.FailureData)
		if err := d.queue.Complete(settle, r); err != nil {
			return "", true, err
		}
		log.Warn("request rejected", "error", sendErr)
		return OutcomeRejected, true, nil

	default:
		if err := d.queue.ReturnToHead(settle, r); err != nil {
			return "", true, err
		}
		log.Warn("request failed; will retry", "error", sendErr)
		return OutcomeRetry, true, sendErr
	}
}

// apply writes updates to the store. Failures are logged: the server
// already accepted or rejected the request.
func (d *Dispatcher) apply(ctx context.Context, log *slog.Logger, kind string, updates []request.Update) {
	if d.store == nil || len(updates) == 0 {
		return
	}
	if err := kv.Apply(ctx, d.store, updates); err != nil {
		log.Error("apply "+kind+" data", "error", err)
	}
}

// Drain dispatches until the queue is empty or a send fails transiently.
func (d *Dispatcher) Drain(ctx context.Context) (Stats, error) {
	var stats Stats
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		outcome, ok, err := d.Step(ctx)
		stats.add(outcome)
		if err != nil {
			return stats, err
		}
		if !ok {
			return stats, nil
		}
	}
}

// Run dispatches until ctx ends, waiting for new work when the queue is
// empty and backing off after transient failures. It returns the outcomes
// of every step it ran.
func (d *Dispatcher) Run(ctx context.Context) (Stats, error) {
	var total Stats
	failures := 0
	for {
		stats, err := d.Drain(ctx)
		total.merge(stats)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return total, ctxErr
		}

		if err != nil {
			failures++
			wait := d.retry.Delay(failures)
			d.logger.Debug("backing off", "failures", failures, "wait", wait)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return total, ctx.Err()
			case <-timer.C:
			}
			continue
		}

		failures = 0
		select {
		case <-ctx.Done():
			return total, ctx.Err()
		case <-d.queue.Ready():
		}
	}
}
