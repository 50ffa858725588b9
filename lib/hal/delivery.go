package hal

import (
	"sync"
	"time"

	"github.com/go-nan/go-nan/lib/util/logger"
)

// deliverer runs callbacks for one radio, in order, on its own goroutine.
type deliverer struct {
	mu      sync.Mutex
	items   []func()
	closed  bool
	signal  chan struct{}
	done    chan struct{}
	latency time.Duration
}

func newDeliverer(latency time.Duration) *deliverer {
	d := &deliverer{
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		latency: latency,
	}
	go d.loop()
	return d
}

func (d *deliverer) push(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.items = append(d.items, fn)
	select {
	case d.signal <- struct{}{}:
	default:
	}
}

func (d *deliverer) loop() {
	defer close(d.done)
	for range d.signal {
		for {
			d.mu.Lock()
			if d.closed {
				d.mu.Unlock()
				return
			}
			if len(d.items) == 0 {
				d.mu.Unlock()
				break
			}
			fn := d.items[0]
			d.items = d.items[1:]
			d.mu.Unlock()

			if d.latency > 0 {
				time.Sleep(d.latency)
			}
			d.run(fn)
		}
	}
}

func (d *deliverer) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logger.Fields{
				"at":    "hal.deliverer.run",
				"panic": r,
			}).Error("callback_panicked")
		}
	}()
	fn()
}

func (d *deliverer) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.items = nil
	close(d.signal)
	d.mu.Unlock()
	<-d.done
}
