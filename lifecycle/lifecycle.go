// Package lifecycle provides the relay-wide shutdown signal: a cancellable
// context that every loop selects on.
package lifecycle

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"

	"github.com/c360/oscrelay/errors"
)

// Controller owns the relay context. Shutdown cancels it exactly once.
type Controller struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	logger *slog.Logger
	once   sync.Once
}

// New derives a controller from parent. Cancelling parent also shuts down.
func New(parent context.Context, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancelCause(parent)
	return &Controller{
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With("component", "lifecycle"),
	}
}

// Context returns the relay context.
func (c *Controller) Context() context.Context {
	return c.ctx
}

// Done is closed once shutdown has begun.
func (c *Controller) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Shutdown begins shutdown. Later calls are no-ops.
func (c *Controller) Shutdown(reason string) {
	c.once.Do(func() {
		c.logger.Info("Shutdown requested", "reason", reason)
		c.cancel(fmt.Errorf("%w: %s", errors.ErrShuttingDown, reason))
	})
}

// ShuttingDown reports whether shutdown has begun.
func (c *Controller) ShuttingDown() bool {
	return c.ctx.Err() != nil
}

// Reason returns why shutdown began, or "" while running.
func (c *Controller) Reason() string {
	cause := context.Cause(c.ctx)
	if cause == nil {
		return ""
	}
	if stderrors.Is(cause, errors.ErrShuttingDown) {
		return cause.Error()
	}
	return "parent context: " + cause.Error()
}

// NotifySignals shuts down on the first of sigs. The returned func stops
// listening and must be called when the controller is no longer needed.
func (c *Controller) NotifySignals(sigs ...os.Signal) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)

	quit := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case sig := <-ch:
			c.Shutdown("signal " + sig.String())
		case <-c.ctx.Done():
		case <-quit:
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(quit)
			wg.Wait()
		})
	}
}
