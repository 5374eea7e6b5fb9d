package sched

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ---------------------------------------------------------------------------
// Cooperative scheduler
// Every periodic concern in a stage (poll ticks, heartbeats) registers here
// so shutdown cancels all of them uniformly instead of each owning a timer.
// ---------------------------------------------------------------------------

// Task is a named periodic job. Run receives the scheduler's context and is
// expected to return promptly when it is cancelled.
type Task struct {
	Name     string
	Interval time.Duration
	// RunImmediately fires the task once at startup before the first tick.
	RunImmediately bool
	Run            func(ctx context.Context)
}

// Scheduler runs registered tasks on their intervals until cancelled.
type Scheduler struct {
	mu    sync.Mutex
	tasks []Task
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{}
}

// Every registers a periodic task. Must be called before Run.
func (s *Scheduler) Every(name string, interval time.Duration, fn func(ctx context.Context)) {
	s.Add(Task{Name: name, Interval: interval, Run: fn})
}

// Add registers a task. Must be called before Run.
func (s *Scheduler) Add(task Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
}

// Run starts every task and blocks until ctx is cancelled and all task
// goroutines have drained. A slow task run delays only its own next tick,
// never other tasks.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	tasks := make([]Task, len(s.tasks))
	copy(tasks, s.tasks)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, task := range tasks {
		task := task
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runTask(ctx, task)
		}()
	}

	wg.Wait()
	log.Debug().Int("tasks", len(tasks)).Msg("sched: all tasks stopped")
}

func (s *Scheduler) runTask(ctx context.Context, task Task) {
	if task.RunImmediately {
		s.invoke(ctx, task)
	}

	ticker := time.NewTicker(task.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.invoke(ctx, task)
		}
	}
}

// invoke runs one task invocation. Recovery is per invocation so a panicking
// tick does not stop the task's schedule.
func (s *Scheduler) invoke(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("task", task.Name).
				Msg("sched: task panic recovered")
		}
	}()
	task.Run(ctx)
}
