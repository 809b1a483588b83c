// Package bulk implements the batched persistence engine. It decouples the
// high-frequency per-device mutation stream from the document store's
// optimal bulk write shape while giving every caller a ticket that resolves
// only when its specific mutation is durably applied.
package bulk

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/devicehub/docstore"
	"github.com/c360/devicehub/errors"
	"github.com/c360/devicehub/metric"
)

// BackpressureMode selects the behavior when the in-flight bound is hit.
type BackpressureMode string

const (
	// Block suspends the enqueuing caller until capacity frees. Suits
	// fire-and-forget device uplink paths.
	Block BackpressureMode = "block"
	// Reject fails Enqueue immediately with a capacity error. Suits
	// synchronous API handlers that must answer quickly.
	Reject BackpressureMode = "reject"
)

// Config configures the writer.
type Config struct {
	// FlushInterval is the maximum time a mutation waits before flushing.
	FlushInterval time.Duration `json:"flushInterval"`
	// MaxBatch flushes early once this many mutations are pending.
	MaxBatch int `json:"maxBatch"`
	// MaxInFlight bounds mutations enqueued but not yet flushed.
	MaxInFlight int `json:"maxInFlight"`
	// Mode selects Block or Reject backpressure. Defaults to Block.
	Mode BackpressureMode `json:"mode"`
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.FlushInterval <= 0 {
		c.FlushInterval = 50 * time.Millisecond
	}
	if c.MaxBatch <= 0 {
		c.MaxBatch = 500
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = 2000
	}
	switch c.Mode {
	case "":
		c.Mode = Block
	case Block, Reject:
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "backpressure mode validation")
	}
	return nil
}

// Ticket is the promise-like handle returned by Enqueue. It resolves exactly
// once, after the bulk write containing its mutation completes.
type Ticket struct {
	ch chan docstore.WriteResult
}

func newTicket() *Ticket {
	return &Ticket{ch: make(chan docstore.WriteResult, 1)}
}

func (t *Ticket) resolve(res docstore.WriteResult) {
	t.ch <- res
	close(t.ch)
}

// Wait blocks until the mutation is durably applied or the context expires.
// The returned result carries the per-item outcome of the bulk write.
func (t *Ticket) Wait(ctx context.Context) (docstore.WriteResult, error) {
	select {
	case res, ok := <-t.ch:
		if !ok {
			return docstore.WriteResult{}, errors.ErrWriterClosed
		}
		return res, nil
	case <-ctx.Done():
		return docstore.WriteResult{}, ctx.Err()
	}
}

// Done exposes the resolution channel for select-based callers.
func (t *Ticket) Done() <-chan docstore.WriteResult {
	return t.ch
}

type pending struct {
	write  docstore.Write
	ticket *Ticket
}

// Writer coalesces individual document mutations into bulk store writes.
// A single background flusher drains the queue on a timer or when the batch
// threshold is reached, whichever comes first. Mutations to the same
// document are applied in enqueue order: the queue is strictly FIFO and the
// store applies bulk slices in order.
type Writer struct {
	config Config
	store  docstore.Store
	logger *slog.Logger

	queue chan pending
	sem   chan struct{}

	mu      sync.Mutex
	started bool
	stopped bool
	done    chan struct{}

	metrics *writerMetrics
}

// NewWriter creates a writer flushing to the given store.
func NewWriter(store docstore.Store, config Config, logger *slog.Logger, registry *metric.Registry) (*Writer, error) {
	if store == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Writer", "NewWriter", "store validation")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	w := &Writer{
		config: config,
		store:  store,
		logger: logger.With("component", "bulk-writer"),
		queue:  make(chan pending, config.MaxInFlight),
		sem:    make(chan struct{}, config.MaxInFlight),
		done:   make(chan struct{}),
	}
	if registry != nil {
		m, err := newWriterMetrics(registry)
		if err != nil {
			return nil, err
		}
		w.metrics = m
	}
	return w, nil
}

// Start launches the background flusher.
func (w *Writer) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return errors.ErrAlreadyStarted
	}
	w.started = true
	go w.flushLoop(ctx)
	return nil
}

// Stop drains the queue, flushes what remains and waits for the flusher to
// exit, up to the timeout.
func (w *Writer) Stop(timeout time.Duration) error {
	w.mu.Lock()
	if !w.started || w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	close(w.queue)
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrShuttingDown, "Writer", "Stop", "flush drain")
	}
}

// Enqueue hands one mutation to the writer and returns its ticket. Under
// backpressure the call either suspends until capacity frees (Block) or
// fails with a capacity error (Reject), per configuration.
func (w *Writer) Enqueue(ctx context.Context, write docstore.Write) (*Ticket, error) {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return nil, errors.ErrNotStarted
	}
	if w.stopped {
		w.mu.Unlock()
		return nil, errors.ErrWriterClosed
	}
	w.mu.Unlock()

	switch w.config.Mode {
	case Reject:
		select {
		case w.sem <- struct{}{}:
		default:
			if w.metrics != nil {
				w.metrics.rejected.Inc()
			}
			return nil, errors.WrapInvalid(errors.ErrCapacityExceeded, "Writer", "Enqueue", "capacity check")
		}
	default: // Block
		select {
		case w.sem <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// Re-check under the lock: Stop may have closed the queue since the
	// capacity wait began. The queue has one slot per semaphore token, so
	// this send never blocks while the lock is held.
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		<-w.sem
		return nil, errors.ErrWriterClosed
	}
	ticket := newTicket()
	w.queue <- pending{write: write, ticket: ticket}
	w.mu.Unlock()

	if w.metrics != nil {
		w.metrics.enqueued.Inc()
		w.metrics.inFlight.Set(float64(len(w.sem)))
	}
	return ticket, nil
}

// flushLoop drains the queue, flushing on the interval timer or when the
// batch threshold fills, whichever comes first.
func (w *Writer) flushLoop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]pending, 0, w.config.MaxBatch)
	for {
		select {
		case <-ctx.Done():
			// Resolve whatever is pending so no caller hangs.
			w.failBatch(batch, ctx.Err())
			w.drainAndFail(ctx.Err())
			return
		case item, ok := <-w.queue:
			if !ok {
				w.flush(context.Background(), batch)
				return
			}
			batch = append(batch, item)
			if len(batch) >= w.config.MaxBatch {
				w.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

// flush submits one bulk write for the window and resolves every ticket
// according to its own per-item outcome.
func (w *Writer) flush(ctx context.Context, batch []pending) {
	if len(batch) == 0 {
		return
	}
	start := time.Now()

	writes := make([]docstore.Write, len(batch))
	for i, item := range batch {
		writes[i] = item.write
	}
	results := w.store.BulkWrite(ctx, writes)

	failures := 0
	for i, item := range batch {
		res := results[i]
		if res.Err != nil {
			failures++
		}
		item.ticket.resolve(res)
		<-w.sem
	}

	if w.metrics != nil {
		w.metrics.flushes.Inc()
		w.metrics.batchSize.Observe(float64(len(batch)))
		w.metrics.flushDuration.Observe(time.Since(start).Seconds())
		w.metrics.failed.Add(float64(failures))
		w.metrics.inFlight.Set(float64(len(w.sem)))
	}
	if failures > 0 {
		w.logger.Warn("bulk flush completed with item failures",
			"batch", len(batch), "failed", failures)
	}
}

func (w *Writer) failBatch(batch []pending, err error) {
	for _, item := range batch {
		item.ticket.resolve(docstore.WriteResult{ID: item.write.ID, Err: err})
		<-w.sem
	}
}

func (w *Writer) drainAndFail(err error) {
	for {
		select {
		case item, ok := <-w.queue:
			if !ok {
				return
			}
			item.ticket.resolve(docstore.WriteResult{ID: item.write.ID, Err: err})
			<-w.sem
		default:
			return
		}
	}
}
