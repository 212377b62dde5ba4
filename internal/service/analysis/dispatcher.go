package analysis

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

// Dispatcher runs best-effort background tasks detached from the request
// that scheduled them. Errors and panics are logged and dropped.
type Dispatcher struct {
	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger
}

// NewDispatcher returns a ready dispatcher. Call Close on shutdown.
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{ctx: ctx, cancel: cancel, logger: logger.Named("dispatcher")}
}

// Go schedules task and reports whether it was accepted. Tasks submitted
// after Close are rejected.
func (d *Dispatcher) Go(name string, task func(ctx context.Context) error) bool {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger.Debug("dispatcher closed, task dropped", zap.String("task", name))
		return false
	}
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("background task panicked",
					zap.String("task", name),
					zap.String("panic", fmt.Sprint(r)),
					zap.ByteString("stack", debug.Stack()))
			}
		}()

		if err := task(d.ctx); err != nil {
			d.logger.Warn("background task failed", zap.String("task", name), zap.Error(err))
		}
	}()
	return true
}

// Close stops accepting tasks and waits for running ones. When ctx expires
// first, running tasks see their context canceled and Close returns ctx.Err().
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}
