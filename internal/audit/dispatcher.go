package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Dispatcher decouples event emission from delivery. Record never blocks the
// caller: events queue into a bounded channel and a single goroutine forwards
// them to the sink. When the buffer is full the event is dropped and counted,
// never the mutation failed.
type Dispatcher struct {
	sink    Recorder
	logger  *slog.Logger
	ch      chan Event
	done    chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Uint64
	closed  atomic.Bool
	once    sync.Once
}

// NewDispatcher starts the delivery goroutine. A buffer of zero or less falls
// back to 1.
func NewDispatcher(sink Recorder, buffer int, logger *slog.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = 1
	}
	if sink == nil {
		sink = NopRecorder{}
	}
	d := &Dispatcher{
		sink:   sink,
		logger: logger,
		ch:     make(chan Event, buffer),
		done:   make(chan struct{}),
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case event := <-d.ch:
			d.sink.Record(context.Background(), event)
		case <-d.done:
			d.flush()
			return
		}
	}
}

// flush delivers everything currently queued.
func (d *Dispatcher) flush() {
	for {
		select {
		case event := <-d.ch:
			d.sink.Record(context.Background(), event)
		default:
			return
		}
	}
}

// Record implements Recorder.
func (d *Dispatcher) Record(_ context.Context, event Event) {
	if d == nil || d.closed.Load() {
		return
	}
	select {
	case d.ch <- event:
	case <-d.done:
		// Intake has stopped; anything that still made the buffer is
		// delivered by Close's final flush.
	default:
		n := d.dropped.Add(1)
		if d.logger != nil {
			d.logger.Warn("audit event dropped",
				slog.String("kind", string(event.Kind)),
				slog.Uint64("dropped_total", n),
			)
		}
	}
}

// Dropped returns how many events were discarded due to a full buffer.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

// Close stops accepting events, drains the queue and waits for delivery.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.once.Do(func() {
		d.closed.Store(true)
		close(d.done)
		d.wg.Wait()
		// A Record racing Close can enqueue after the delivery goroutine took
		// its drain pass; pick those up too.
		d.flush()
	})
}
