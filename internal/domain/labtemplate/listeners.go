package labtemplate

import (
	"sync"
)

// listenerSet is an ordered set of subscriber callbacks. Notification runs
// over a snapshot, so a callback may unsubscribe itself (or others) while
// being notified.
type listenerSet struct {
	mu     sync.Mutex
	nextID uint64
	order  []uint64
	fns    map[uint64]func(State)
}

func newListenerSet() *listenerSet {
	return &listenerSet{fns: make(map[uint64]func(State))}
}

// add registers fn and returns its remover. Calling the remover more than
// once is a no-op.
func (l *listenerSet) add(fn func(State)) func() {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.order = append(l.order, id)
	l.fns[id] = fn
	l.mu.Unlock()

	return func() { l.remove(id) }
}

func (l *listenerSet) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.fns[id]; !ok {
		return
	}
	delete(l.fns, id)
	for i, v := range l.order {
		if v == id {
			l.order = append(l.order[:i:i], l.order[i+1:]...)
			break
		}
	}
}

// notify calls every listener registered at the time of the call, in
// registration order. A listener removed by an earlier callback in the same
// round is skipped.
func (l *listenerSet) notify(st State) {
	l.mu.Lock()
	ids := append([]uint64(nil), l.order...)
	l.mu.Unlock()

	for _, id := range ids {
		l.mu.Lock()
		fn, ok := l.fns[id]
		l.mu.Unlock()
		if !ok {
			continue
		}
		fn(st.clone())
	}
}
