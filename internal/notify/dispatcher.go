// Package notify delivers settlement events outside the request path.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"wallet-ledger/internal/domain"
)

// ErrQueueFull is returned when an event is dropped because every worker is
// busy and the queue is at capacity.
var ErrQueueFull = errors.New("notification queue full")

// ErrClosed is returned for events offered after Close.
var ErrClosed = errors.New("dispatcher closed")

// Event is one settled transaction.
type Event struct {
	AccountID uuid.UUID                `json:"account_id"`
	Reference string                   `json:"reference"`
	Status    domain.TransactionStatus `json:"status"`
	SettledAt time.Time                `json:"settled_at"`
}

// Sink receives events from the dispatcher workers.
type Sink interface {
	Deliver(ctx context.Context, event Event) error
}

// Dispatcher is a SettlementHook that queues events for a pool of workers.
// Enqueueing never blocks the ledger.
type Dispatcher struct {
	sink    Sink
	queue   chan Event
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

var _ domain.SettlementHook = (*Dispatcher)(nil)

func NewDispatcher(sink Sink, workers, queueSize int, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	d := &Dispatcher{
		sink:    sink,
		queue:   make(chan Event, queueSize),
		logger:  logger,
		timeout: timeout,
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.work(i)
	}
	return d
}

func (d *Dispatcher) OnTransactionSettled(ctx context.Context, accountID uuid.UUID, reference string, outcome domain.TransactionStatus) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	event := Event{
		AccountID: accountID,
		Reference: reference,
		Status:    outcome,
		SettledAt: time.Now().UTC(),
	}
	select {
	case d.queue <- event:
		return nil
	default:
		d.logger.Warn("Dropping settlement notification", "reference", reference, "queue_size", cap(d.queue))
		return ErrQueueFull
	}
}

func (d *Dispatcher) work(id int) {
	defer d.wg.Done()
	for event := range d.queue {
		d.deliver(id, event)
	}
}

func (d *Dispatcher) deliver(worker int, event Event) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("Notification sink panicked", "worker", worker, "reference", event.Reference, "panic", p)
		}
	}()

	ctx := context.Background()
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	if err := d.sink.Deliver(ctx, event); err != nil {
		d.logger.Warn("Notification delivery failed", "worker", worker, "reference", event.Reference, "error", err)
	}
}

// Close stops accepting events and waits for queued ones to drain, or for
// ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
