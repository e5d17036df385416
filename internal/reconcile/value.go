package reconcile

import (
	"sync"
	"sync/atomic"
)

// Value is a read-mostly reactive cell. Load never blocks; Set publishes to
// every subscriber in subscription order before returning.
type Value[T any] struct {
	current atomic.Pointer[T]

	mu     sync.Mutex
	nextID int
	subs   []valueSub[T]
}

type valueSub[T any] struct {
	id int
	fn func(T)
}

func NewValue[T any](initial T) *Value[T] {
	v := &Value[T]{}
	v.current.Store(&initial)
	return v
}

func (v *Value[T]) Load() T {
	return *v.current.Load()
}

// Set stores next and calls subscribers synchronously. Concurrent Set calls
// must be serialized by the caller; subscribers must not call Set.
func (v *Value[T]) Set(next T) {
	v.current.Store(&next)
	v.mu.Lock()
	subs := make([]valueSub[T], len(v.subs))
	copy(subs, v.subs)
	v.mu.Unlock()
	for _, sub := range subs {
		sub.fn(next)
	}
}

// Subscribe registers fn for future values and returns a func that removes it.
func (v *Value[T]) Subscribe(fn func(T)) (cancel func()) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.nextID++
	id := v.nextID
	v.subs = append(v.subs, valueSub[T]{id: id, fn: fn})
	var once sync.Once
	return func() {
		once.Do(func() {
			v.mu.Lock()
			defer v.mu.Unlock()
			for i, sub := range v.subs {
				if sub.id == id {
					v.subs = append(v.subs[:i:i], v.subs[i+1:]...)
					return
				}
			}
		})
	}
}
