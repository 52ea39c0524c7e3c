package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Broker is the minimal transport the Adapter needs: publish a serialized
// command to workers, and a channel of serialized results flowing back.
// Concrete brokers (in-memory channel, a real queue) satisfy this;
// pkg/bus ships an in-memory one for tests and single-process deployments
// and defers the real transport to whatever the deployment wires in.
type Broker interface {
	PublishCommand(ctx context.Context, cmd Command) error
	PublishCancel(ctx context.Context, msg CancelMessage) error
	Results() <-chan Result
}

// DeadlineIndex tracks PendingCommands and reports which have expired.
// The default implementation is an in-process map; RedisDeadlineIndex
// backs it with a sorted set for a clustered adapter.
type DeadlineIndex interface {
	Track(ctx context.Context, pc PendingCommand) error
	Clear(ctx context.Context, correlationID string) error
	ReapExpired(ctx context.Context, now time.Time) ([]PendingCommand, error)
	Get(ctx context.Context, correlationID string) (PendingCommand, bool, error)
}

// Adapter is the Message Bus Adapter of spec.md §4.5. One Adapter serves
// every execution; delivery to a given execution's scheduler queue is
// serialized by routing through a per-execution channel registered via
// Subscribe.
type Adapter struct {
	broker   Broker
	deadline DeadlineIndex
	log      *slog.Logger

	mu       sync.Mutex
	queues   map[string]chan SchedulerEvent // executionId -> event queue
	seen     map[string]struct{}            // correlationId -> delivered, for duplicate-result no-op

	reapInterval time.Duration
	stop         chan struct{}
	stopped      sync.Once
}

// SchedulerEvent is what the Adapter hands to a Branch Scheduler: either a
// genuine Result or a synthetic timeout failure manufactured from an
// expired PendingCommand, per spec.md §4.5's "surface timeouts as
// synthetic failure events".
type SchedulerEvent struct {
	Result  *Result
	Timeout *PendingCommand
}

// Option configures an Adapter at construction time.
type Option func(*Adapter)

// WithReapInterval overrides the default 1s deadline-reaping cadence,
// used by tests to avoid waiting on the real default.
func WithReapInterval(d time.Duration) Option {
	return func(a *Adapter) { a.reapInterval = d }
}

// NewAdapter wires a Broker and DeadlineIndex into a running Adapter and
// starts its result-consumption and deadline-reaping loops. Callers must
// call Stop to release goroutines.
func NewAdapter(broker Broker, deadline DeadlineIndex, log *slog.Logger, opts ...Option) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	a := &Adapter{
		broker:       broker,
		deadline:     deadline,
		log:          log,
		queues:       make(map[string]chan SchedulerEvent),
		seen:         make(map[string]struct{}),
		reapInterval: time.Second,
		stop:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	go a.consumeResults()
	go a.reapLoop()
	return a
}

// Subscribe registers (or returns the existing) event queue for an
// execution. The Branch Scheduler for that execution reads from the
// returned channel.
func (a *Adapter) Subscribe(executionID string) <-chan SchedulerEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	q, ok := a.queues[executionID]
	if !ok {
		q = make(chan SchedulerEvent, 256)
		a.queues[executionID] = q
	}
	return q
}

// Unsubscribe releases an execution's event queue, called from the
// scheduler's completion/cleanup sequence.
func (a *Adapter) Unsubscribe(executionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if q, ok := a.queues[executionID]; ok {
		close(q)
		delete(a.queues, executionID)
	}
}

// Dispatch publishes cmd and registers its PendingCommand. Component
// ("component", "bus") is stamped by the caller's logger scope, per the
// structured-logging convention carried from the reference.
func (a *Adapter) Dispatch(ctx context.Context, cmd Command) error {
	if err := a.deadline.Track(ctx, PendingCommand{
		CorrelationID:      cmd.CorrelationID,
		ExecutionID:        cmd.ExecutionID,
		ExpectedResultKind: cmd.ExpectedResultKind(),
		TargetStepID:       cmd.StepID,
		Deadline:           cmd.Deadline,
	}); err != nil {
		return fmt.Errorf("bus: track pending command: %w", err)
	}
	if err := a.broker.PublishCommand(ctx, cmd); err != nil {
		return fmt.Errorf("bus: publish command: %w", err)
	}
	return nil
}

// Cancel publishes a cancellation for correlationID and clears its
// pending-command record; cancellation does not wait for acknowledgement
// (spec.md §5: "does not block on in-flight workers").
func (a *Adapter) Cancel(ctx context.Context, executionID, correlationID, reason string) error {
	if err := a.broker.PublishCancel(ctx, CancelMessage{
		CorrelationID: correlationID,
		ExecutionID:   executionID,
		Reason:        reason,
	}); err != nil {
		return fmt.Errorf("bus: publish cancel: %w", err)
	}
	return a.deadline.Clear(ctx, correlationID)
}

func (a *Adapter) consumeResults() {
	for {
		select {
		case <-a.stop:
			return
		case res, ok := <-a.broker.Results():
			if !ok {
				return
			}
			a.deliverResult(res)
		}
	}
}

func (a *Adapter) deliverResult(res Result) {
	ctx := context.Background()

	a.mu.Lock()
	_, duplicate := a.seen[res.CorrelationID]
	if !duplicate {
		a.seen[res.CorrelationID] = struct{}{}
	}
	a.mu.Unlock()
	if duplicate {
		// spec.md §8: "Handling duplicate results (same correlationId) is
		// a no-op after the first."
		return
	}

	if err := a.deadline.Clear(ctx, res.CorrelationID); err != nil {
		a.log.Warn("bus: failed clearing pending command", "component", "bus", "correlationId", res.CorrelationID, "error", err)
	}

	a.mu.Lock()
	q, ok := a.queues[res.ExecutionID]
	a.mu.Unlock()
	if !ok {
		a.log.Warn("bus: result for unknown execution queue", "component", "bus", "executionId", res.ExecutionID, "correlationId", res.CorrelationID)
		return
	}
	q <- SchedulerEvent{Result: &res}
}

func (a *Adapter) reapLoop() {
	ticker := time.NewTicker(a.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case now := <-ticker.C:
			a.reapOnce(now)
		}
	}
}

func (a *Adapter) reapOnce(now time.Time) {
	expired, err := a.deadline.ReapExpired(context.Background(), now)
	if err != nil {
		a.log.Error("bus: deadline reap failed", "component", "bus", "error", err)
		return
	}
	for _, pc := range expired {
		a.mu.Lock()
		q, ok := a.queues[pc.ExecutionID]
		a.mu.Unlock()
		if !ok {
			continue
		}
		pcCopy := pc
		q <- SchedulerEvent{Timeout: &pcCopy}
	}
}

// Stop halts the background loops. Safe to call multiple times.
func (a *Adapter) Stop() {
	a.stopped.Do(func() { close(a.stop) })
}
