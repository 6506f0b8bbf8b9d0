// Package dispatch delivers inbound messages to the session's
// registered callback on a dedicated worker, so a slow handler cannot
// starve the receive loop.
package dispatch

import (
	"sync"

	"mellium.im/xmpp/jid"

	"github.com/peerchat/peerchat/internal/logging"
)

// Callback handles an inbound message.
type Callback func(from jid.JID, body string)

type delivery struct {
	from jid.JID
	body string
}

// Dispatcher owns a bounded delivery queue consumed by one worker
// goroutine. At most one callback is registered at a time; setting a
// new one replaces the old one atomically.
type Dispatcher struct {
	mu    sync.RWMutex
	cb    Callback
	queue chan delivery
	done  chan struct{}
	once  sync.Once
	log   *logging.Logger
}

// New creates a dispatcher and starts its worker. size bounds the
// number of undelivered messages; deliveries beyond it are dropped
// with a log line rather than blocking the enqueuer.
func New(size int, log *logging.Logger) *Dispatcher {
	if size <= 0 {
		size = 64
	}
	d := &Dispatcher{
		queue: make(chan delivery, size),
		done:  make(chan struct{}),
		log:   log,
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	for {
		select {
		case <-d.done:
			return
		case dv := <-d.queue:
			d.mu.RLock()
			cb := d.cb
			d.mu.RUnlock()
			if cb != nil {
				cb(dv.from, dv.body)
			}
		}
	}
}

// SetCallback registers the message handler, replacing any previous
// one. A nil callback drops subsequent deliveries.
func (d *Dispatcher) SetCallback(cb Callback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cb = cb
}

// Dispatch enqueues a delivery for the worker. Having no callback
// registered is a valid configuration: the message is simply dropped.
func (d *Dispatcher) Dispatch(from jid.JID, body string) {
	select {
	case <-d.done:
		return
	default:
	}
	select {
	case d.queue <- delivery{from: from, body: body}:
	default:
		d.log.Warn("dispatch queue full, dropping message from %s", from)
	}
}

// Close stops the worker. Queued deliveries are discarded.
func (d *Dispatcher) Close() {
	d.once.Do(func() { close(d.done) })
}
