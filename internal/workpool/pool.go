// Package workpool runs short-lived tasks with bounded concurrency.
package workpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/chatpilot/chatpilot/internal/logging"
)

var poolLog = logging.ForComponent(logging.CompPilot)

// DefaultSize is used when New is given a non-positive size.
const DefaultSize = 4

// Pool bounds how many submitted tasks run at once.
type Pool struct {
	sem     *semaphore.Weighted
	size    int64
	wg      sync.WaitGroup
	running atomic.Int64
}

func New(size int) *Pool {
	if size <= 0 {
		size = DefaultSize
	}
	return &Pool{sem: semaphore.NewWeighted(int64(size)), size: int64(size)}
}

// Go schedules fn without blocking the caller. fn starts once a slot is free;
// if ctx ends first it never runs. The returned channel yields fn's error
// (or ctx's) and is closed.
func (p *Pool) Go(ctx context.Context, name string, fn func(ctx context.Context) error) <-chan error {
	done := make(chan error, 1)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(done)

		if err := p.sem.Acquire(ctx, 1); err != nil {
			done <- err
			return
		}
		defer p.sem.Release(1)

		p.running.Add(1)
		defer p.running.Add(-1)
		done <- p.run(ctx, name, fn)
	}()
	return done
}

func (p *Pool) run(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			poolLog.Error("task_panic", "task", name, "panic", fmt.Sprint(r))
			err = fmt.Errorf("task %s panicked: %v", name, r)
		}
	}()
	return fn(ctx)
}

// Running returns how many tasks hold a slot.
func (p *Pool) Running() int { return int(p.running.Load()) }

// Size returns the concurrency bound.
func (p *Pool) Size() int { return int(p.size) }

// Wait blocks until every submitted task has finished or given up.
func (p *Pool) Wait() { p.wg.Wait() }
