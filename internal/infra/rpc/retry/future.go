package retry

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
)

// ErrCanceled completes a Future that was canceled before it finished.
var ErrCanceled = errors.New("retry canceled")

// Future is the handle of an asynchronous call chain.
type Future struct {
	mu        sync.Mutex
	done      chan struct{}
	finished  bool
	canceled  bool
	resp      *http.Response
	err       error
	stopTimer func() bool

	cancelCtx context.CancelFunc
	stopWatch func() bool

	onDone   func(*http.Response, error)
	executor Executor
}

func newFuture(ctx context.Context, onDone func(*http.Response, error), executor Executor) (*Future, context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	f := &Future{
		done:      make(chan struct{}),
		cancelCtx: cancel,
		onDone:    onDone,
		executor:  executor,
	}
	f.stopWatch = context.AfterFunc(ctx, func() {
		f.complete(nil, context.Cause(ctx))
	})
	return f, ctx
}

// Done is closed once the chain has a result.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result returns the outcome. It is only meaningful after Done is closed.
func (f *Future) Result() (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resp, f.err
}

// Wait blocks until the chain completes or ctx is done.
func (f *Future) Wait(ctx context.Context) (*http.Response, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Canceled reports whether Cancel won against completion.
func (f *Future) Canceled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.canceled
}

// Cancel stops any pending retry and aborts the in-flight attempt. It
// returns false if the chain had already completed. A response that still
// arrives afterwards is drained and closed.
func (f *Future) Cancel() bool {
	return f.finish(nil, ErrCanceled, true)
}

func (f *Future) isFinished() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finished
}

// track remembers the stop func of the pending retry so Cancel can stop it.
func (f *Future) track(stop func() bool) {
	f.mu.Lock()
	if f.finished {
		f.mu.Unlock()
		stop()
		return
	}
	f.stopTimer = stop
	f.mu.Unlock()
}

// complete delivers the chain outcome. Results arriving after the future
// finished are discarded, releasing their body.
func (f *Future) complete(resp *http.Response, err error) {
	if !f.finish(resp, err, false) {
		discard(resp)
	}
}

func (f *Future) finish(resp *http.Response, err error, canceled bool) bool {
	f.mu.Lock()
	if f.finished {
		f.mu.Unlock()
		return false
	}
	f.finished = true
	f.canceled = canceled
	if resp != nil && resp.Body != nil {
		resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: f.cancelCtx}
	} else {
		defer f.cancelCtx()
	}
	f.resp, f.err = resp, err
	stop := f.stopTimer
	f.stopTimer = nil
	f.mu.Unlock()

	if stop != nil {
		stop()
	}
	f.stopWatch()
	close(f.done)

	if f.onDone != nil {
		f.executor(func() { f.onDone(resp, err) })
	}
	return true
}

// cancelOnClose releases the chain context once the caller is done with
// the response body.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func discard(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}
