package audit

import (
	"context"
	"sync"
	"sync/atomic"
)

// Config controls how a Dispatcher buffers events.
type Config struct {
	Async      bool
	BufferSize int
	// DropIfFull makes Record non-blocking in async mode. Otherwise Record waits
	// for buffer space until its context ends.
	DropIfFull bool
}

// Dispatcher relays events to a Sink, inline or through one background worker.
// A panicking sink loses that event only; the worker keeps running.
type Dispatcher struct {
	cfg  Config
	sink Sink

	queue chan Event
	stop  chan struct{}
	idle  sync.WaitGroup

	dropped  atomic.Uint64
	panics   atomic.Uint64
	shutdown atomic.Bool
	once     sync.Once
}

// NewDispatcher returns a Dispatcher for sink. A nil sink discards events.
func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if sink == nil {
		sink = NoOpSink{}
	}
	d := &Dispatcher{cfg: cfg, sink: sink}
	if !cfg.Async {
		return d
	}

	size := cfg.BufferSize
	if size <= 0 {
		size = 1
	}
	d.queue = make(chan Event, size)
	d.stop = make(chan struct{})
	d.idle.Add(1)
	go d.worker()
	return d
}

func (d *Dispatcher) worker() {
	defer d.idle.Done()
	for {
		select {
		case ev := <-d.queue:
			d.deliver(context.Background(), ev)
		case <-d.stop:
			d.drain()
			return
		}
	}
}

// drain delivers what is already buffered at shutdown.
func (d *Dispatcher) drain() {
	for {
		select {
		case ev := <-d.queue:
			d.deliver(context.Background(), ev)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev Event) {
	defer func() {
		if recover() != nil {
			d.panics.Add(1)
		}
	}()
	d.sink.Record(ctx, ev)
}

// Record hands event to the sink. Events recorded after Close are ignored.
func (d *Dispatcher) Record(ctx context.Context, event Event) {
	if d == nil || d.shutdown.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if d.queue == nil {
		d.deliver(ctx, event)
		return
	}

	if d.cfg.DropIfFull {
		select {
		case d.queue <- event:
		case <-d.stop:
		default:
			d.dropped.Add(1)
		}
		return
	}

	select {
	case d.queue <- event:
	case <-ctx.Done():
		d.dropped.Add(1)
	case <-d.stop:
	}
}

// Close stops accepting events and waits for buffered ones to reach the sink.
// Calling it more than once is safe.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.once.Do(func() {
		d.shutdown.Store(true)
		if d.stop != nil {
			close(d.stop)
			d.idle.Wait()
		}
	})
}

// Dropped counts events lost to a full buffer or an expired context.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

// SinkPanics counts events whose delivery panicked inside the sink.
func (d *Dispatcher) SinkPanics() uint64 {
	if d == nil {
		return 0
	}
	return d.panics.Load()
}
