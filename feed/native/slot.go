package native

import (
	"context"
	"errors"
	"runtime"
	"sync"
)

var errSlotClosed = errors.New("native: slot closed")

// Slot runs every library call on one goroutine locked to one OS thread, in
// the order submitted. COM apartments require this.
type Slot struct {
	jobs chan func()
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

// NewSlot starts the slot thread. setup runs first on that thread and
// teardown runs last. A setup error is returned and the slot is not started.
func NewSlot(setup func() error, teardown func()) (*Slot, error) {
	s := &Slot{
		jobs: make(chan func()),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	ready := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		defer close(s.done)
		if setup != nil {
			if err := setup(); err != nil {
				ready <- err
				return
			}
		}
		if teardown != nil {
			defer teardown()
		}
		ready <- nil
		for {
			select {
			case job := <-s.jobs:
				job()
			case <-s.quit:
				return
			}
		}
	}()
	if err := <-ready; err != nil {
		return nil, err
	}
	return s, nil
}

// Do runs fn on the slot thread and waits for it or for ctx. When ctx ends
// first fn still runs to completion and later calls queue behind it.
func (s *Slot) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	job := func() {
		defer close(finished)
		fn()
	}
	select {
	case s.jobs <- job:
	case <-s.quit:
		return errSlotClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the thread after the running call returns.
func (s *Slot) Close() {
	s.once.Do(func() { close(s.quit) })
	<-s.done
}
