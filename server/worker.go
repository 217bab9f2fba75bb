package server

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
)

// ErrWorkerStopped is returned by Do after Stop.
var ErrWorkerStopped = errors.New("worker stopped")

// checkRequest represents a candidate waiting for a free goroutine.
type checkRequest struct {
	candidate []byte
	done      chan checkResult
}

// checkResult holds the outcome of one Check.
type checkResult struct {
	verdict Verdict
	err     error
}

// Worker bounds concurrent evaluation to a fixed set of goroutines so a
// burst of requests cannot start an unbounded number of machines.
type Worker struct {
	verifier *Verifier
	requests chan checkRequest
	quit     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewWorker starts n evaluation goroutines. n <= 0 uses GOMAXPROCS.
func NewWorker(v *Verifier, n int) *Worker {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	w := &Worker{
		verifier: v,
		requests: make(chan checkRequest, 64),
		quit:     make(chan struct{}),
	}
	w.wg.Add(n)
	for i := 0; i < n; i++ {
		go w.loop()
	}
	log.Debugf("started %d evaluation workers", n)
	return w
}

// loop processes requests until Stop.
func (w *Worker) loop() {
	defer w.wg.Done()
	for {
		select {
		case req := <-w.requests:
			req.done <- w.execute(req.candidate)
		case <-w.quit:
			return
		}
	}
}

// execute runs one check, recovering from panics.
func (w *Worker) execute(candidate []byte) checkResult {
	var result checkResult
	func() {
		defer func() {
			if r := recover(); r != nil {
				result.err = fmt.Errorf("%v", r)
			}
		}()
		result.verdict, result.err = w.verifier.Check(candidate)
	}()
	return result
}

// Do submits candidate and blocks until it is evaluated, ctx is done or
// the worker stops.
func (w *Worker) Do(ctx context.Context, candidate []byte) (Verdict, error) {
	if err := ctx.Err(); err != nil {
		return Verdict{}, err
	}
	select {
	case <-w.quit:
		return Verdict{}, ErrWorkerStopped
	default:
	}

	req := checkRequest{
		candidate: candidate,
		done:      make(chan checkResult, 1),
	}
	select {
	case w.requests <- req:
	case <-ctx.Done():
		return Verdict{}, ctx.Err()
	case <-w.quit:
		return Verdict{}, ErrWorkerStopped
	}
	select {
	case result := <-req.done:
		return result.verdict, result.err
	case <-ctx.Done():
		return Verdict{}, ctx.Err()
	case <-w.quit:
		return Verdict{}, ErrWorkerStopped
	}
}

// Stop shuts down the worker goroutines and waits for in-flight checks.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.quit)
		w.wg.Wait()
	})
}

// Verifier returns the verifier the worker evaluates with.
func (w *Worker) Verifier() *Verifier {
	return w.verifier
}
