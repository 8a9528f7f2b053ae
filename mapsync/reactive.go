package mapsync

import (
	"sync"
)

// the reactive provider is the only path through which shared client state is mutated.
// every `Set` and `Delete` on a value or map created with a provider is reported to the
// provider's mutation callbacks after the mutation is visible to readers.
//
// values and maps are safe to read from any goroutine.
// observers are called on the goroutine that performed the mutation,
// which for client state is the client event loop.

type MutationType int

const (
	MutationSet MutationType = iota
	MutationDelete
)

func (self MutationType) String() string {
	switch self {
	case MutationSet:
		return "set"
	case MutationDelete:
		return "delete"
	default:
		return "unknown"
	}
}

type Mutation struct {
	// the `*ReactiveValue` or `*ReactiveMap` that was mutated
	Target any
	Type   MutationType
	// nil for values
	Key   any
	Value any
}

type MutationFunction func(mutation *Mutation)

type ReactiveProvider struct {
	stateLock         sync.RWMutex
	mutationCallbacks *CallbackList[MutationFunction]
}

func NewReactiveProvider() *ReactiveProvider {
	return &ReactiveProvider{
		mutationCallbacks: NewCallbackList[MutationFunction](),
	}
}

// returns a function that removes the callback
func (self *ReactiveProvider) AddMutationCallback(mutationCallback MutationFunction) func() {
	callbackId := self.mutationCallbacks.Add(mutationCallback)
	return func() {
		self.mutationCallbacks.Remove(callbackId)
	}
}

func (self *ReactiveProvider) notify(mutation *Mutation) {
	for _, mutationCallback := range self.mutationCallbacks.Get() {
		HandleError(func() {
			mutationCallback(mutation)
		})
	}
}

type ReactiveValue[T any] struct {
	provider *ReactiveProvider
	value    T
}

func NewReactiveValue[T any](provider *ReactiveProvider, value T) *ReactiveValue[T] {
	return &ReactiveValue[T]{
		provider: provider,
		value:    value,
	}
}

func (self *ReactiveValue[T]) Get() T {
	self.provider.stateLock.RLock()
	defer self.provider.stateLock.RUnlock()
	return self.value
}

func (self *ReactiveValue[T]) Set(value T) {
	func() {
		self.provider.stateLock.Lock()
		defer self.provider.stateLock.Unlock()
		self.value = value
	}()
	self.provider.notify(&Mutation{
		Target: self,
		Type:   MutationSet,
		Value:  value,
	})
}

type ReactiveMap[K comparable, V any] struct {
	provider *ReactiveProvider
	values   map[K]V
}

func NewReactiveMap[K comparable, V any](provider *ReactiveProvider) *ReactiveMap[K, V] {
	return &ReactiveMap[K, V]{
		provider: provider,
		values:   map[K]V{},
	}
}

func (self *ReactiveMap[K, V]) Get(key K) (V, bool) {
	self.provider.stateLock.RLock()
	defer self.provider.stateLock.RUnlock()
	value, ok := self.values[key]
	return value, ok
}

func (self *ReactiveMap[K, V]) Has(key K) bool {
	_, ok := self.Get(key)
	return ok
}

func (self *ReactiveMap[K, V]) Len() int {
	self.provider.stateLock.RLock()
	defer self.provider.stateLock.RUnlock()
	return len(self.values)
}

func (self *ReactiveMap[K, V]) Keys() []K {
	self.provider.stateLock.RLock()
	defer self.provider.stateLock.RUnlock()
	keys := make([]K, 0, len(self.values))
	for key := range self.values {
		keys = append(keys, key)
	}
	return keys
}

// a copy of the current contents
func (self *ReactiveMap[K, V]) Snapshot() map[K]V {
	self.provider.stateLock.RLock()
	defer self.provider.stateLock.RUnlock()
	values := make(map[K]V, len(self.values))
	for key, value := range self.values {
		values[key] = value
	}
	return values
}

func (self *ReactiveMap[K, V]) Set(key K, value V) {
	func() {
		self.provider.stateLock.Lock()
		defer self.provider.stateLock.Unlock()
		self.values[key] = value
	}()
	self.provider.notify(&Mutation{
		Target: self,
		Type:   MutationSet,
		Key:    key,
		Value:  value,
	})
}

func (self *ReactiveMap[K, V]) Delete(key K) bool {
	deleted := func() bool {
		self.provider.stateLock.Lock()
		defer self.provider.stateLock.Unlock()
		if _, ok := self.values[key]; !ok {
			return false
		}
		delete(self.values, key)
		return true
	}()
	if deleted {
		self.provider.notify(&Mutation{
			Target: self,
			Type:   MutationDelete,
			Key:    key,
		})
	}
	return deleted
}
