package clone

import (
	"context"

	"gopkg.in/tomb.v2"
)

// Task is an entry point running in the background.
type Task struct {
	t tomb.Tomb
}

// Start runs fn, typically one of the Clone entry points, in its own
// goroutine. The context fn receives is cancelled by Cancel or by parent.
func Start(parent context.Context, fn func(ctx context.Context) error) *Task {
	task := &Task{}
	ctx := task.t.Context(parent)
	task.t.Go(func() error { return fn(ctx) })
	return task
}

// Cancel asks the task to stop. It does not wait.
func (t *Task) Cancel() { t.t.Kill(nil) }

// Wait blocks until the task has returned and reports its error. A
// cancelled task reports the error of the interrupted entry point.
func (t *Task) Wait() error { return t.t.Wait() }

// Dying is closed once the task is cancelled or has finished.
func (t *Task) Dying() <-chan struct{} { return t.t.Dying() }

// Dead is closed once the task has returned.
func (t *Task) Dead() <-chan struct{} { return t.t.Dead() }
