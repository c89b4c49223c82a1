package bus

import "sync"

// waker fans a publish wakeup out to blocked pollers. Wakeups carry no data;
// a woken poller re-reads its cursor from storage, so a dropped signal only
// costs one fallback interval.
type waker struct {
	mu          sync.RWMutex
	subscribers map[chan struct{}]struct{}
}

func newWaker() *waker {
	return &waker{subscribers: make(map[chan struct{}]struct{})}
}

func (w *waker) subscribe() chan struct{} {
	ch := make(chan struct{}, 1)
	w.mu.Lock()
	w.subscribers[ch] = struct{}{}
	w.mu.Unlock()
	return ch
}

func (w *waker) unsubscribe(ch chan struct{}) {
	w.mu.Lock()
	delete(w.subscribers, ch)
	w.mu.Unlock()
}

func (w *waker) wake() {
	w.mu.RLock()
	defer w.mu.RUnlock()

	for ch := range w.subscribers {
		select {
		case ch <- struct{}{}:
		default:
			// Poller already has a pending wakeup.
		}
	}
}
