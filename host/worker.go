// Package host drives a VM from a single goroutine at a fixed frame rate.
package host

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chazu/tickvm/vm"
)

// ErrStopped is returned by Do once the worker's Run loop has ended.
var ErrStopped = errors.New("host: worker stopped")

// request is a unit of work to be executed on the VM goroutine.
type request struct {
	fn   func(*vm.VM) any
	done chan result
}

type result struct {
	value any
	err   error
}

// Worker serializes all VM access through the goroutine calling Run.
// The VM is single-threaded; other goroutines must go through Do.
type Worker struct {
	vm       *vm.VM
	frame    time.Duration
	requests chan request
	stopped  chan struct{}
}

// NewWorker creates a worker that calls Update fps times a second.
func NewWorker(v *vm.VM, fps int) (*Worker, error) {
	if fps <= 0 {
		return nil, fmt.Errorf("host: fps must be positive, got %d", fps)
	}
	return &Worker{
		vm:       v,
		frame:    time.Second / time.Duration(fps),
		requests: make(chan request),
		stopped:  make(chan struct{}),
	}, nil
}

// Run advances the VM one frame per tick of the frame clock, serving Do
// requests in between. It returns the number of frames run once no
// programs are live, after limit frames (0 for no limit), or when ctx is
// done. Run may be called once.
func (w *Worker) Run(ctx context.Context, limit int) (int, error) {
	defer close(w.stopped)
	ticker := time.NewTicker(w.frame)
	defer ticker.Stop()

	n := 0
	for {
		if len(w.vm.Programs()) == 0 || (limit > 0 && n >= limit) {
			return n, nil
		}
		select {
		case <-ctx.Done():
			return n, ctx.Err()
		case req := <-w.requests:
			req.done <- w.execute(req.fn)
		case <-ticker.C:
			w.vm.Update()
			n++
		}
	}
}

// execute runs a function on the VM, recovering from panics.
func (w *Worker) execute(fn func(*vm.VM) any) (res result) {
	defer func() {
		if r := recover(); r != nil {
			res.err = fmt.Errorf("host: %v", r)
		}
	}()
	res.value = fn(w.vm)
	return res
}

// Do runs fn on the VM goroutine between frames and blocks until it
// completes. Panics in fn are returned as errors.
func (w *Worker) Do(ctx context.Context, fn func(*vm.VM) any) (any, error) {
	req := request{fn: fn, done: make(chan result, 1)}
	select {
	case w.requests <- req:
	case <-w.stopped:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	res := <-req.done
	return res.value, res.err
}

// VM returns the underlying VM. Only the goroutine calling Run, or code
// running inside Do, may use it while Run is active.
func (w *Worker) VM() *vm.VM {
	return w.vm
}
