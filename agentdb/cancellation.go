package agentdb

import (
	"context"
	"sync"
)

// CancellableHandle tracks one spawned goroutine's lifetime so the
// client supervisor can stop a partition worker on repartition or
// shutdown and wait for it to actually exit before reassigning the
// partition elsewhere. Cancellation is cooperative: the spawned
// function must return promptly once its context is done.
type CancellableHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// spawnCancellable starts fn in its own goroutine with a context
// derived from parent, returning a handle that can Cancel and Wait for
// it. fn must return promptly once its context is done.
func spawnCancellable(parent context.Context, fn func(ctx context.Context)) *CancellableHandle {
	ctx, cancel := context.WithCancel(parent)
	h := &CancellableHandle{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		fn(ctx)
	}()
	return h
}

// Cancel signals fn's context as done. It does not block; call Wait
// (or WaitContext) to observe actual exit.
func (h *CancellableHandle) Cancel() {
	h.cancel()
}

// Wait blocks until fn has returned.
func (h *CancellableHandle) Wait() {
	<-h.done
}

// WaitContext blocks until fn has returned or ctx is done, whichever
// comes first, reporting which happened.
func (h *CancellableHandle) WaitContext(ctx context.Context) bool {
	select {
	case <-h.done:
		return true
	case <-ctx.Done():
		return false
	}
}

// CancelAndWait is the common shutdown/reassignment sequence.
func (h *CancellableHandle) CancelAndWait() {
	h.cancel()
	<-h.done
}

// handleSet is a mutex-guarded map of running partition workers, one
// per (root, partition index), mirroring the worker-owns-a-shared-map
// idiom this codebase uses for live container state.
type handleSet struct {
	mu      sync.Mutex
	workers map[uint32]*CancellableHandle
}

func newHandleSet() *handleSet {
	return &handleSet{workers: make(map[uint32]*CancellableHandle)}
}

func (hs *handleSet) has(idx uint32) bool {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	_, ok := hs.workers[idx]
	return ok
}

func (hs *handleSet) indices() []uint32 {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	out := make([]uint32, 0, len(hs.workers))
	for idx := range hs.workers {
		out = append(out, idx)
	}
	return out
}

func (hs *handleSet) start(parent context.Context, idx uint32, fn func(ctx context.Context)) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if _, ok := hs.workers[idx]; ok {
		return
	}
	hs.workers[idx] = spawnCancellable(parent, fn)
}

// stop cancels and waits for the worker at idx, if running, outside
// the lock so it doesn't block start/has calls for other indices.
func (hs *handleSet) stop(idx uint32) {
	hs.mu.Lock()
	h, ok := hs.workers[idx]
	if ok {
		delete(hs.workers, idx)
	}
	hs.mu.Unlock()
	if ok {
		h.CancelAndWait()
	}
}

func (hs *handleSet) stopAll() {
	for _, idx := range hs.indices() {
		hs.stop(idx)
	}
}
