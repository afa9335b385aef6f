// Package interrupt holds the process-wide stop signal polled by the
// collection engine and the worker pipelines at their safe points.
package interrupt

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
)

// ErrInterrupted is the cause of a context cancelled through Cancel.
var ErrInterrupted = errors.New("interrupted")

// Coordinator is a cancellable flag with a reason. The first Cancel wins;
// later calls are ignored.
type Coordinator struct {
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu     sync.Mutex
	reason string
}

// New creates a coordinator derived from parent. Cancelling parent also
// interrupts the coordinator.
func New(parent context.Context) *Coordinator {
	ctx, cancel := context.WithCancelCause(parent)
	return &Coordinator{ctx: ctx, cancel: cancel}
}

// Context is cancelled once an interrupt is requested.
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// Done mirrors Context().Done().
func (c *Coordinator) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Cancel requests an interrupt.
func (c *Coordinator) Cancel(reason string) {
	c.mu.Lock()
	if c.reason == "" && c.ctx.Err() == nil {
		c.reason = reason
	}
	c.mu.Unlock()
	c.cancel(fmt.Errorf("%w: %s", ErrInterrupted, reason))
}

// Interrupted reports whether an interrupt was requested.
func (c *Coordinator) Interrupted() bool {
	return c.ctx.Err() != nil
}

// Reason returns the reason given to the first Cancel, or "" when the
// parent context ended the coordinator or nothing happened yet.
func (c *Coordinator) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reason == "" && c.ctx.Err() != nil {
		return "context cancelled"
	}
	return c.reason
}

// NotifyOnSignal installs the only OS signal handler in the process.
// The first signal requests a graceful stop; a second one calls force.
// The returned func uninstalls the handler.
func (c *Coordinator) NotifyOnSignal(force func(os.Signal), signals ...os.Signal) func() {
	if len(signals) == 0 {
		signals = []os.Signal{os.Interrupt}
	}
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, signals...)

	stop := make(chan struct{})
	var once sync.Once

	go func() {
		count := 0
		for {
			select {
			case sig := <-ch:
				count++
				if count == 1 {
					c.Cancel("signal: " + sig.String())
					continue
				}
				if force != nil {
					force(sig)
				}
			case <-stop:
				return
			}
		}
	}()

	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(stop)
		})
	}
}
