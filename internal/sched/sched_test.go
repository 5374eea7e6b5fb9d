package sched

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScheduler_RunsTasksOnInterval(t *testing.T) {
	s := New()
	var ticks atomic.Int64
	s.Every("tick", 10*time.Millisecond, func(context.Context) {
		ticks.Add(1)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	assert.GreaterOrEqual(t, ticks.Load(), int64(3))
}

func TestScheduler_RunImmediatelyFiresBeforeFirstTick(t *testing.T) {
	s := New()
	var ran atomic.Bool
	s.Add(Task{
		Name:           "eager",
		Interval:       time.Hour,
		RunImmediately: true,
		Run:            func(context.Context) { ran.Store(true) },
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	assert.True(t, ran.Load())
}

func TestScheduler_SlowTaskDoesNotBlockOthers(t *testing.T) {
	s := New()
	var fast atomic.Int64
	s.Every("slow", 10*time.Millisecond, func(ctx context.Context) {
		select {
		case <-ctx.Done():
		case <-time.After(time.Hour):
		}
	})
	s.Every("fast", 10*time.Millisecond, func(context.Context) {
		fast.Add(1)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	assert.GreaterOrEqual(t, fast.Load(), int64(3))
}

func TestScheduler_PanickingTaskKeepsItsSchedule(t *testing.T) {
	s := New()
	var calls atomic.Int64
	s.Every("crashy", 10*time.Millisecond, func(context.Context) {
		calls.Add(1)
		panic("boom")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	// Recovery is per invocation: the task keeps ticking after each panic.
	assert.GreaterOrEqual(t, calls.Load(), int64(3))
}

func TestScheduler_PanicInOneTaskLeavesOthersRunning(t *testing.T) {
	s := New()
	var survivor atomic.Int64
	s.Add(Task{
		Name:           "crashy",
		Interval:       time.Hour,
		RunImmediately: true,
		Run:            func(context.Context) { panic("boom") },
	})
	s.Every("survivor", 10*time.Millisecond, func(context.Context) {
		survivor.Add(1)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	assert.GreaterOrEqual(t, survivor.Load(), int64(3))
}
