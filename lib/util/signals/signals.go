// Package signals dispatches process signals to registered handlers:
// SIGHUP runs reload handlers, SIGINT and SIGTERM run the shutdown chain.
package signals

import (
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/go-nan/go-nan/lib/util/logger"
)

var log = logger.GetNanLogger()

// sigChan is buffered to avoid missing signals delivered while no receiver is ready.
var sigChan = make(chan os.Signal, 1)

// Handler is a function called when a signal is received.
type Handler func()

// HandlerID identifies a registered handler for deregistration.
type HandlerID int

type registeredHandler struct {
	id HandlerID
	fn Handler
}

// DefaultShutdownTimeout bounds how long the drain handlers may run before
// the interrupt handlers are invoked anyway.
const DefaultShutdownTimeout = 10 * time.Second

var (
	mu              sync.RWMutex
	reloaders       []registeredHandler
	drainers        []registeredHandler
	interrupters    []registeredHandler
	nextID          HandlerID
	shutdownTimeout = DefaultShutdownTimeout
	stopOnce        sync.Once
)

func register(list *[]registeredHandler, f Handler) HandlerID {
	if f == nil {
		return -1
	}
	mu.Lock()
	defer mu.Unlock()
	id := nextID
	nextID++
	*list = append(*list, registeredHandler{id: id, fn: f})
	return id
}

func deregister(list *[]registeredHandler, id HandlerID) {
	mu.Lock()
	defer mu.Unlock()
	for i, h := range *list {
		if h.id == id {
			*list = append((*list)[:i], (*list)[i+1:]...)
			return
		}
	}
}

func snapshot(list []registeredHandler) []registeredHandler {
	mu.RLock()
	defer mu.RUnlock()
	return append([]registeredHandler(nil), list...)
}

// RegisterReloadHandler registers a handler called on SIGHUP. Nil handlers
// are ignored and return -1.
func RegisterReloadHandler(f Handler) HandlerID { return register(&reloaders, f) }

// DeregisterReloadHandler removes a reload handler.
func DeregisterReloadHandler(id HandlerID) { deregister(&reloaders, id) }

// RegisterDrainHandler registers a handler that runs first on shutdown,
// e.g. to stop accepting clients before the broker goes away.
func RegisterDrainHandler(f Handler) HandlerID { return register(&drainers, f) }

// DeregisterDrainHandler removes a drain handler.
func DeregisterDrainHandler(id HandlerID) { deregister(&drainers, id) }

// RegisterInterruptHandler registers a handler called on SIGINT/SIGTERM
// after the drain handlers.
func RegisterInterruptHandler(f Handler) HandlerID { return register(&interrupters, f) }

// DeregisterInterruptHandler removes an interrupt handler.
func DeregisterInterruptHandler(id HandlerID) { deregister(&interrupters, id) }

// SetShutdownTimeout bounds the drain phase. Non-positive values restore
// DefaultShutdownTimeout.
func SetShutdownTimeout(d time.Duration) {
	mu.Lock()
	defer mu.Unlock()
	if d <= 0 {
		d = DefaultShutdownTimeout
	}
	shutdownTimeout = d
}

func run(kind string, h registeredHandler) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logger.Fields{
				"at":      "signals.run",
				"handler": kind,
				"id":      h.id,
				"panic":   r,
			}).Error("signal_handler_panicked")
		}
	}()
	h.fn()
}

func handleReload() {
	for _, h := range snapshot(reloaders) {
		run("reload", h)
	}
}

// drain runs the drain handlers in order and reports whether they all
// finished within the shutdown timeout.
func drain() bool {
	handlers := snapshot(drainers)
	if len(handlers) == 0 {
		return true
	}
	mu.RLock()
	timeout := shutdownTimeout
	mu.RUnlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, h := range handlers {
			run("drain", h)
		}
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		log.WithFields(logger.Fields{
			"at":      "signals.drain",
			"timeout": timeout,
		}).Warn("drain_handlers_timed_out")
		return false
	}
}

func handleInterrupted() {
	drain()
	for _, h := range snapshot(interrupters) {
		run("interrupt", h)
	}
}

// Shutdown runs the shutdown chain as if SIGTERM had been received.
func Shutdown() {
	handleInterrupted()
}

// StopHandle stops signal delivery and makes Handle return. Safe to call
// multiple times.
func StopHandle() {
	stopOnce.Do(func() {
		signal.Stop(sigChan)
		close(sigChan)
	})
}
