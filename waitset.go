package rmwadapter

import (
	"context"
	"sync"
)

// WaitSet is a {mutex, condition, triggered} triple that lets the host
// framework's wait primitive block on many heterogeneous event sources
// with one condition variable. Every engine with a queue can attach at
// most one WaitSet at a time; a trigger on any attached engine wakes
// every waiter blocked in Wait.
//
// Modeled on the readLevelCond pattern used elsewhere in the corpus for
// fanning a single condition variable across state changes observed on
// arbitrary goroutines, generalized here to many independent trigger
// sources instead of one monotonic level.
type WaitSet struct {
	mu        sync.Mutex
	cond      *sync.Cond
	triggered bool
}

// NewWaitSet allocates a WaitSet ready to be attached to engines.
func NewWaitSet() *WaitSet {
	ws := &WaitSet{}
	ws.cond = sync.NewCond(&ws.mu)
	return ws
}

// trigger sets triggered and wakes every goroutine blocked in Wait. Safe
// to call from any goroutine, including transport callbacks.
func (ws *WaitSet) trigger() {
	ws.mu.Lock()
	ws.triggered = true
	ws.mu.Unlock()
	ws.cond.Broadcast()
}

// Wait blocks until an attached engine triggers or ctx is done,
// whichever happens first, then clears the triggered flag so the next
// Wait call re-arms.
func (ws *WaitSet) Wait(ctx context.Context) error {
	stop := make(chan struct{})
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				ws.mu.Lock()
				ws.cond.Broadcast()
				ws.mu.Unlock()
			case <-stop:
			}
		}()
		defer close(stop)
	}

	ws.mu.Lock()
	defer ws.mu.Unlock()
	for !ws.triggered {
		if ctx != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		ws.cond.Wait()
	}
	ws.triggered = false
	return nil
}

// guardCondition is the graph-cache-specific WaitSet raised on every
// membership change (§4.10).
type guardCondition = WaitSet

func newGuardCondition() *guardCondition {
	return NewWaitSet()
}

// waiterAttachment is embedded by every queue-owning engine
// (Subscription, Service, Client). An engine holds at most one WaitSet
// pointer; attach is idempotent per caller and detach zeros the pointer
// before any WaitSet destruction, so a late trigger after detach is a
// silent no-op.
type waiterAttachment struct {
	mu sync.Mutex
	ws *WaitSet
}

func (w *waiterAttachment) attach(ws *WaitSet) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ws = ws
}

func (w *waiterAttachment) detach() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ws = nil
}

func (w *waiterAttachment) notify() {
	w.mu.Lock()
	ws := w.ws
	w.mu.Unlock()
	if ws != nil {
		ws.trigger()
	}
}
