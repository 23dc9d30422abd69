// Package serial runs work items one at a time per key.
//
// Every key owns a lane: a goroutine draining a mailbox. Items submitted for
// the same key run in submission order and never overlap; items for
// different keys run concurrently. A lane's goroutine exits once its mailbox
// is empty, so idle keys cost nothing.
package serial

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

var ErrClosed = errors.New("serial executor closed")

const mailboxSize = 64

type job struct {
	fn   func()
	done chan struct{}
}

type lane struct {
	jobs    chan job
	pending int
}

type Executor struct {
	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
	wg     sync.WaitGroup
}

func New() *Executor {
	return &Executor{lanes: make(map[string]*lane)}
}

// Do runs fn on key's lane and waits for it to finish. If ctx ends before fn
// was handed to the lane, fn never runs and ctx.Err() is returned. Once
// handed over fn always runs to completion, even if the caller stops waiting.
func (e *Executor) Do(ctx context.Context, key string, fn func()) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	l, ok := e.lanes[key]
	if !ok {
		l = &lane{jobs: make(chan job, mailboxSize)}
		e.lanes[key] = l
		e.wg.Add(1)
		go e.run(key, l)
	}
	l.pending++
	e.mu.Unlock()

	j := job{fn: fn, done: make(chan struct{})}
	select {
	case l.jobs <- j:
	case <-ctx.Done():
		e.abandon(key, l)
		return ctx.Err()
	}

	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// abandon releases the slot reserved by a Do call that never enqueued.
func (e *Executor) abandon(key string, l *lane) {
	e.mu.Lock()
	defer e.mu.Unlock()
	l.pending--
	if l.pending == 0 {
		delete(e.lanes, key)
		close(l.jobs)
	}
}

func (e *Executor) run(key string, l *lane) {
	defer e.wg.Done()
	for j := range l.jobs {
		e.exec(key, j)

		e.mu.Lock()
		l.pending--
		if l.pending == 0 {
			delete(e.lanes, key)
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()
	}
}

func (e *Executor) exec(key string, j job) {
	defer close(j.done)
	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("serial.job_panic", zap.String("key", key), zap.Any("panic", r))
		}
	}()
	j.fn()
}

// Close rejects new work and waits for queued work to drain or ctx to end.
func (e *Executor) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Lanes reports how many keys currently have queued or running work.
func (e *Executor) Lanes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.lanes)
}
