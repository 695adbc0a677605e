package api

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// backgroundTaskTimeout bounds every detached task; the request that spawned
// it is long gone, so nothing waits on the result.
const backgroundTaskTimeout = 2 * time.Minute

// Runner executes background tasks detached from any request lifecycle.
// Failures are logged, never surfaced: by the time a task runs, its caller
// has already responded. Wait exists for shutdown and for tests.
type Runner struct {
	wg     sync.WaitGroup
	logger *slog.Logger
}

func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{logger: logger}
}

// Go runs fn on its own goroutine with a fresh bounded context. Errors and
// panics are logged under name and otherwise swallowed.
func (r *Runner) Go(name string, fn func(ctx context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("background task panicked", "task", name, "panic", rec)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), backgroundTaskTimeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			r.logger.Warn("background task failed", "task", name, "error", err)
		}
	}()
}

// Wait blocks until all spawned tasks have settled.
func (r *Runner) Wait() {
	r.wg.Wait()
}

type deferredCtxKey struct{}

type deferredTask struct {
	name string
	fn   func(ctx context.Context) error
}

type deferredTasks struct {
	mu    sync.Mutex
	tasks []deferredTask
}

func (d *deferredTasks) add(name string, fn func(ctx context.Context) error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks = append(d.tasks, deferredTask{name: name, fn: fn})
}

func (d *deferredTasks) drain() []deferredTask {
	d.mu.Lock()
	defer d.mu.Unlock()
	tasks := d.tasks
	d.tasks = nil
	return tasks
}

// DeferAfterResponse schedules fn to run once the handler has written its
// response. Tasks scheduled outside the AfterResponse middleware run
// immediately as ordinary background tasks — there is no response to wait
// for, and dropping them would be worse.
func DeferAfterResponse(r *http.Request, runner *Runner, name string, fn func(ctx context.Context) error) {
	if d, ok := r.Context().Value(deferredCtxKey{}).(*deferredTasks); ok {
		d.add(name, fn)
		return
	}
	runner.Go(name, fn)
}

// AfterResponse collects tasks deferred during a request and hands them to
// the runner after the handler returns, i.e. after the response is written.
// There is no durability: a crash between response and execution drops the
// deferred work.
func AfterResponse(runner *Runner) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := &deferredTasks{}
			r = r.WithContext(context.WithValue(r.Context(), deferredCtxKey{}, d))
			next.ServeHTTP(w, r)

			for _, task := range d.drain() {
				runner.Go(task.name, task.fn)
			}
		})
	}
}
