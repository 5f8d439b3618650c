// Package tasks runs cancellable background work on behalf of table events.
//
// Two policies are offered per resource key: TakeLatest cancels the in-flight
// predecessor before starting, Enqueue runs tasks one after another. Either way
// the task's cleanup always runs, cancellation is never reported, and other
// failures are turned into cell errors or user notifications.
package tasks

import (
	"context"
	"errors"
	"sync"

	"greenbudget/internal/core"
	"greenbudget/internal/log"
	"greenbudget/internal/notify"
)

// Task describes one unit of work.
type Task struct {
	Key string
	// Domain labels notifications raised by the task.
	Domain string
	// Message is the notification text used when Run fails.
	Message string
	Run     func(ctx context.Context) error
	// Cleanup runs after Run regardless of its outcome.
	Cleanup func()
	// OnValidation receives server field errors. It reports whether it could
	// attribute them to cells; otherwise a notification is raised.
	OnValidation func(*core.ValidationError) bool
}

// Handle tracks a started task.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Done is closed when the task and its cleanup have finished.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the task's error once Done is closed.
func (h *Handle) Err() error {
	<-h.done
	return h.err
}

// Wait blocks until the task finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handle) Cancel() { h.cancel() }

type Runner struct {
	notifier notify.Notifier
	logger   *log.Logger

	mu     sync.Mutex
	latest map[string]*Handle
	queues map[string]*Handle
	wg     sync.WaitGroup
}

func NewRunner(notifier notify.Notifier, logger *log.Logger) *Runner {
	return &Runner{
		notifier: notifier,
		logger:   log.OrDiscard(logger).WithComponent(log.ComponentTasks),
		latest:   make(map[string]*Handle),
		queues:   make(map[string]*Handle),
	}
}

// TakeLatest cancels the running task registered under t.Key, waits for it to
// wind down, then runs t.
func (r *Runner) TakeLatest(ctx context.Context, t Task) *Handle {
	h, taskCtx := newHandle(ctx)

	r.mu.Lock()
	prev := r.latest[t.Key]
	r.latest[t.Key] = h
	r.mu.Unlock()

	if prev != nil {
		prev.cancel()
	}
	r.start(taskCtx, h, t, prev, func() {
		r.mu.Lock()
		if r.latest[t.Key] == h {
			delete(r.latest, t.Key)
		}
		r.mu.Unlock()
	})
	return h
}

// Enqueue runs t after every task previously enqueued under t.Key.
func (r *Runner) Enqueue(ctx context.Context, t Task) *Handle {
	h, taskCtx := newHandle(ctx)

	r.mu.Lock()
	prev := r.queues[t.Key]
	r.queues[t.Key] = h
	r.mu.Unlock()

	r.start(taskCtx, h, t, prev, func() {
		r.mu.Lock()
		if r.queues[t.Key] == h {
			delete(r.queues, t.Key)
		}
		r.mu.Unlock()
	})
	return h
}

// Cancel cancels the latest task registered under key, if any.
func (r *Runner) Cancel(key string) {
	r.mu.Lock()
	h := r.latest[key]
	r.mu.Unlock()
	if h != nil {
		h.cancel()
	}
}

// Wait blocks until every started task has finished or ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newHandle(parent context.Context) (*Handle, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	return &Handle{cancel: cancel, done: make(chan struct{})}, ctx
}

func (r *Runner) start(ctx context.Context, h *Handle, t Task, prev *Handle, release func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(h.done)
		defer release()
		defer h.cancel()

		if prev != nil {
			select {
			case <-prev.done:
			case <-ctx.Done():
			}
		}
		h.err = r.run(ctx, t)
	}()
}

func (r *Runner) run(ctx context.Context, t Task) (err error) {
	if t.Cleanup != nil {
		defer t.Cleanup()
	}
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("task panicked", log.FieldTask, t.Key, "panic", p)
			err = errors.New("task panicked")
			r.report(ctx, t, err)
		}
	}()

	if err = ctx.Err(); err == nil {
		err = t.Run(ctx)
	}
	if err != nil {
		r.report(ctx, t, err)
	}
	return err
}

// report routes a task failure: cancellation is dropped, field errors go to
// OnValidation, everything else becomes a notification.
func (r *Runner) report(ctx context.Context, t Task, err error) {
	if errors.Is(err, context.Canceled) {
		r.logger.Debug("task cancelled", log.FieldTask, t.Key)
		return
	}

	var ve *core.ValidationError
	if errors.As(err, &ve) && t.OnValidation != nil && t.OnValidation(ve) {
		r.logger.Info("task rejected with field errors", log.FieldTask, t.Key, log.FieldCount, len(ve.Errors))
		return
	}

	errType := log.ErrorTypeInternal
	var re *core.RequestError
	switch {
	case errors.As(err, &re):
		errType = log.ErrorTypeNetwork
	case ve != nil:
		errType = log.ErrorTypeValidation
	}
	r.logger.Error("task failed", log.FieldTask, t.Key, log.FieldError, err, "error_type", errType)

	if r.notifier == nil {
		return
	}
	msg := t.Message
	if msg == "" {
		msg = "There was a problem saving your changes."
	}
	// The task context may already be done; delivery must not depend on it.
	if nerr := r.notifier.Notify(context.WithoutCancel(ctx), notify.FromError(t.Domain, msg, err)); nerr != nil {
		r.logger.Warn("notification not delivered", log.FieldError, nerr)
	}
}
