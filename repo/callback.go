package repo

import (
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// makes a copy of the list on update
// callbacks are not comparable, so each registration gets an id used to remove it
type CallbackList[T any] struct {
	mutex     sync.Mutex
	nextId    int
	callbacks map[int]T
	ordered   []T
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{
		callbacks: map[int]T{},
	}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.ordered
}

// returns the remove function. Remove is idempotent.
func (self *CallbackList[T]) Add(callback T) func() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	callbackId := self.nextId
	self.nextId += 1
	self.callbacks[callbackId] = callback
	self.reorder()

	return func() {
		self.remove(callbackId)
	}
}

func (self *CallbackList[T]) remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if _, ok := self.callbacks[callbackId]; !ok {
		// not present
		return
	}
	delete(self.callbacks, callbackId)
	self.reorder()
}

func (self *CallbackList[T]) Clear() {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	self.callbacks = map[int]T{}
	self.ordered = nil
}

func (self *CallbackList[T]) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.ordered)
}

// callbacks run in registration order
func (self *CallbackList[T]) reorder() {
	callbackIds := maps.Keys(self.callbacks)
	slices.Sort(callbackIds)
	ordered := make([]T, 0, len(callbackIds))
	for _, callbackId := range callbackIds {
		ordered = append(ordered, self.callbacks[callbackId])
	}
	self.ordered = ordered
}
