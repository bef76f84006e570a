package persist

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Debouncer batches per-key writes: repeated Schedule calls within the
// window replace the pending payload, and only the last one is written
// when the window closes. A key that keeps getting rescheduled still
// fires at most maxWait after its first Schedule, so a steady stream of
// updates cannot starve the write forever. Flush forces the pending
// write immediately.
type Debouncer struct {
	window  time.Duration
	maxWait time.Duration
	write   func(key string, payload interface{})

	mu      sync.Mutex
	pending map[string]*pendingWrite
	closed  bool
}

type pendingWrite struct {
	payload interface{}
	timer   *time.Timer
	firstAt time.Time
}

type DebouncerOption func(*Debouncer)

// WithMaxWait caps how long rescheduling can delay a pending write past
// its first Schedule call.
func WithMaxWait(maxWait time.Duration) DebouncerOption {
	return func(d *Debouncer) {
		if maxWait > 0 {
			d.maxWait = maxWait
		}
	}
}

func NewDebouncer(window time.Duration, write func(key string, payload interface{}), options ...DebouncerOption) *Debouncer {
	d := &Debouncer{
		window:  window,
		maxWait: 10 * window,
		write:   write,
		pending: make(map[string]*pendingWrite),
	}
	for _, opt := range options {
		opt(d)
	}
	return d
}

// Schedule queues payload for key. A pending payload for the same key is
// replaced and the timer restarts, so the write lands one quiet window
// after the last call, bounded by maxWait since the first.
func (d *Debouncer) Schedule(key string, payload interface{}) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	p, ok := d.pending[key]
	if !ok {
		p = &pendingWrite{payload: payload, firstAt: time.Now()}
		p.timer = time.AfterFunc(d.window, func() {
			d.fire(key)
		})
		d.pending[key] = p
		d.mu.Unlock()
		return
	}

	p.payload = payload
	delay := d.window
	if remaining := d.maxWait - time.Since(p.firstAt); remaining < delay {
		delay = remaining
	}
	if delay > 0 {
		p.timer.Reset(delay)
		d.mu.Unlock()
		return
	}

	// deadline passed: write now instead of extending the window again
	p.timer.Stop()
	delete(d.pending, key)
	d.mu.Unlock()
	d.write(key, p.payload)
}

// Flush writes the pending payload for key immediately. Flushing a key
// with nothing pending is a no-op.
func (d *Debouncer) Flush(key string) {
	d.mu.Lock()
	p, ok := d.pending[key]
	if ok {
		p.timer.Stop()
		delete(d.pending, key)
	}
	d.mu.Unlock()
	if ok {
		d.write(key, p.payload)
	}
}

// Close flushes every pending write and rejects further scheduling.
func (d *Debouncer) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	drained := make(map[string]interface{}, len(d.pending))
	for key, p := range d.pending {
		p.timer.Stop()
		drained[key] = p.payload
	}
	d.pending = make(map[string]*pendingWrite)
	d.mu.Unlock()

	for key, payload := range drained {
		d.write(key, payload)
	}
	log.Debug().Int("drained", len(drained)).Msg("debouncer closed")
}

func (d *Debouncer) fire(key string) {
	d.mu.Lock()
	p, ok := d.pending[key]
	if ok {
		delete(d.pending, key)
	}
	d.mu.Unlock()
	if ok {
		d.write(key, p.payload)
	}
}
