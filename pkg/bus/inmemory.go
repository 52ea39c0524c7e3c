package bus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// InMemoryBroker is a channel-based Broker for tests and single-process
// deployments: PublishCommand hands the command straight to a registered
// worker function, which is expected to push its Result back via Results.
type InMemoryBroker struct {
	results chan Result

	mu      sync.Mutex
	workers map[CommandKind]func(Command) Result
}

// NewInMemoryBroker builds an empty InMemoryBroker. Register worker
// functions with RegisterWorker before publishing commands of that kind.
func NewInMemoryBroker() *InMemoryBroker {
	return &InMemoryBroker{
		results: make(chan Result, 256),
		workers: make(map[CommandKind]func(Command) Result),
	}
}

// RegisterWorker installs a synchronous handler for a CommandKind,
// simulating a stateless worker service for local tests.
func (b *InMemoryBroker) RegisterWorker(kind CommandKind, fn func(Command) Result) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.workers[kind] = fn
}

func (b *InMemoryBroker) PublishCommand(_ context.Context, cmd Command) error {
	b.mu.Lock()
	fn, ok := b.workers[cmd.Kind]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("bus: no worker registered for command kind %s", cmd.Kind)
	}
	go func() {
		b.results <- fn(cmd)
	}()
	return nil
}

func (b *InMemoryBroker) PublishCancel(_ context.Context, _ CancelMessage) error {
	return nil
}

func (b *InMemoryBroker) Results() <-chan Result { return b.results }

// InMemoryDeadlineIndex is a mutex-guarded DeadlineIndex for tests and
// single-process deployments.
type InMemoryDeadlineIndex struct {
	mu      sync.Mutex
	pending map[string]PendingCommand
}

// NewInMemoryDeadlineIndex builds an empty InMemoryDeadlineIndex.
func NewInMemoryDeadlineIndex() *InMemoryDeadlineIndex {
	return &InMemoryDeadlineIndex{pending: make(map[string]PendingCommand)}
}

func (d *InMemoryDeadlineIndex) Track(_ context.Context, pc PendingCommand) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending[pc.CorrelationID] = pc
	return nil
}

func (d *InMemoryDeadlineIndex) Clear(_ context.Context, correlationID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.pending, correlationID)
	return nil
}

func (d *InMemoryDeadlineIndex) Get(_ context.Context, correlationID string) (PendingCommand, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	pc, ok := d.pending[correlationID]
	return pc, ok, nil
}

func (d *InMemoryDeadlineIndex) ReapExpired(_ context.Context, now time.Time) ([]PendingCommand, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var expired []PendingCommand
	for id, pc := range d.pending {
		if now.After(pc.Deadline) {
			expired = append(expired, pc)
			delete(d.pending, id)
		}
	}
	return expired, nil
}
