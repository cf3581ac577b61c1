package events

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Listener receives events synchronously on the emitting goroutine.
type Listener[T any] func(T)

// Bus fans events out to subscribers. A panicking listener is logged and
// skipped; the remaining listeners still run.
type Bus[T any] struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[int]Listener[T]
	order     []int
	log       *zap.Logger
}

func NewBus[T any](logger *zap.Logger) *Bus[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus[T]{
		listeners: make(map[int]Listener[T]),
		log:       logger,
	}
}

// Subscribe registers fn and returns a function that removes it. The
// returned function is safe to call more than once.
func (b *Bus[T]) Subscribe(fn Listener[T]) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	b.order = append(b.order, id)
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.listeners, id)
			for i, v := range b.order {
				if v == id {
					b.order = append(b.order[:i], b.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Emit delivers evt to every listener in subscription order.
func (b *Bus[T]) Emit(evt T) {
	b.mu.RLock()
	snapshot := make([]Listener[T], 0, len(b.order))
	for _, id := range b.order {
		snapshot = append(snapshot, b.listeners[id])
	}
	b.mu.RUnlock()

	for _, fn := range snapshot {
		b.call(fn, evt)
	}
}

func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.order)
}

func (b *Bus[T]) call(fn Listener[T], evt T) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("event listener panicked",
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	fn(evt)
}
