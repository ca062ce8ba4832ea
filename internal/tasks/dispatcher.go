package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Task is one unit of background work.
type Task interface {
	// Name identifies the task kind in logs.
	Name() string
	Run(ctx context.Context) error
}

// Func adapts a plain function to the Task interface.
type Func struct {
	TaskName string
	Fn       func(ctx context.Context) error
}

func (f Func) Name() string { return f.TaskName }

func (f Func) Run(ctx context.Context) error { return f.Fn(ctx) }

// Queue is an unbounded FIFO of pending tasks. Safe for concurrent use.
type Queue struct {
	mu    sync.Mutex
	items []Task
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Push appends a task to the queue.
func (q *Queue) Push(t Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, t)
}

// Pop removes and returns the oldest task, or false when empty.
func (q *Queue) Pop() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	t := q.items[0]
	q.items = q.items[1:]
	return t, true
}

// Len returns the number of pending tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Observer receives queue depth and failure signals for export.
type Observer interface {
	SetTasksQueued(size int)
	RecordTaskFailed()
}

// Stats holds cumulative dispatcher counters.
type Stats struct {
	Processed int64
	Failed    int64
	Panicked  int64
}

// Dispatcher drains a Queue on a single background goroutine, one task at a
// time, sleeping briefly whenever the queue is empty. Task errors and panics
// are logged and contained; they never stop the dispatcher.
type Dispatcher struct {
	queue     *Queue
	logger    *slog.Logger
	idleDelay time.Duration
	observer  Observer

	mu    sync.Mutex
	stats Stats

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewDispatcher creates a dispatcher for the queue. Call Start to begin
// draining.
func NewDispatcher(queue *Queue, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		queue:     queue,
		logger:    logger.With(slog.String("component", "tasks")),
		idleDelay: 50 * time.Millisecond,
		done:      make(chan struct{}),
	}
}

// SetObserver attaches an observer for queue depth and failures. Must be
// called before Start.
func (d *Dispatcher) SetObserver(o Observer) {
	d.observer = o
}

// Start launches the consumer goroutine.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.loop()
	d.logger.Info("Task dispatcher started")
}

// Stop terminates the consumer after the in-flight task finishes. Pending
// tasks remain queued and are dropped with the process.
func (d *Dispatcher) Stop() {
	d.once.Do(func() { close(d.done) })
	d.wg.Wait()

	if n := d.queue.Len(); n > 0 {
		d.logger.Warn("Task dispatcher stopped with pending tasks", slog.Int("pending", n))
	} else {
		d.logger.Info("Task dispatcher stopped")
	}
}

// Stats returns a snapshot of the dispatcher counters.
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stats
}

func (d *Dispatcher) loop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.done:
			return
		default:
		}

		task, ok := d.queue.Pop()
		if d.observer != nil {
			d.observer.SetTasksQueued(d.queue.Len())
		}
		if !ok {
			select {
			case <-d.done:
				return
			case <-time.After(d.idleDelay):
			}
			continue
		}
		d.runTask(task)
	}
}

func (d *Dispatcher) runTask(task Task) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			d.mu.Lock()
			d.stats.Processed++
			d.stats.Panicked++
			d.mu.Unlock()
			if d.observer != nil {
				d.observer.RecordTaskFailed()
			}
			d.logger.Error("Task panicked",
				slog.String("task", task.Name()),
				slog.String("panic", fmt.Sprint(r)))
		}
	}()

	err := task.Run(context.Background())

	d.mu.Lock()
	d.stats.Processed++
	if err != nil {
		d.stats.Failed++
	}
	d.mu.Unlock()

	if err != nil {
		if d.observer != nil {
			d.observer.RecordTaskFailed()
		}
		d.logger.Error("Task failed",
			slog.String("task", task.Name()),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("error", err.Error()))
		return
	}
	d.logger.Debug("Task completed",
		slog.String("task", task.Name()),
		slog.Duration("elapsed", time.Since(start)))
}
