package ingest

import (
	"context"
	"errors"
	"sync"

	"github.com/sweeney/callstats/internal/record"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("dispatcher closed")

// Sink consumes raw record lines. *aggregator.Aggregator satisfies it.
type Sink interface {
	OnRecord(line string)
}

// Dispatcher fans raw lines out to a fixed set of workers. Lines are routed
// by call id, so every record of a call is handled by the same worker in
// arrival order while different calls proceed in parallel.
type Dispatcher struct {
	sink   Sink
	queues []chan string
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewDispatcher starts workers goroutines, each with a queue of queueSize.
func NewDispatcher(sink Sink, workers, queueSize int) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	d := &Dispatcher{
		sink:   sink,
		queues: make([]chan string, workers),
	}
	d.wg.Add(workers)
	for i := range d.queues {
		d.queues[i] = make(chan string, queueSize)
		go d.worker(d.queues[i])
	}
	return d
}

func (d *Dispatcher) worker(q <-chan string) {
	defer d.wg.Done()
	for line := range q {
		d.sink.OnRecord(line)
	}
}

// Shard returns the worker index for line. Lines without a parseable call id
// go to shard 0; the sink will discard them.
func (d *Dispatcher) Shard(line string) int {
	id, ok := record.CallIDPrefix(line)
	if !ok {
		return 0
	}
	return int(uint64(id) % uint64(len(d.queues)))
}

// Submit queues line for its worker, blocking while the queue is full.
func (d *Dispatcher) Submit(ctx context.Context, line string) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	select {
	case d.queues[d.Shard(line)] <- line:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting lines and waits for queued lines to be processed.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, q := range d.queues {
		close(q)
	}
	d.mu.Unlock()
	d.wg.Wait()
}
