package mapsync

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestReactiveValue(t *testing.T) {
	provider := NewReactiveProvider()
	value := NewReactiveValue(provider, 1)

	mutations := []*Mutation{}
	remove := provider.AddMutationCallback(func(mutation *Mutation) {
		// visible to readers before observers run
		assert.Equal(t, value.Get(), mutation.Value)
		mutations = append(mutations, mutation)
	})

	value.Set(2)
	assert.Equal(t, value.Get(), 2)
	assert.Equal(t, len(mutations), 1)
	assert.Equal(t, mutations[0].Target, any(value))
	assert.Equal(t, mutations[0].Type, MutationSet)

	remove()
	value.Set(3)
	assert.Equal(t, len(mutations), 1)
}

func TestReactiveMap(t *testing.T) {
	provider := NewReactiveProvider()
	values := NewReactiveMap[string, int](provider)

	mutations := []*Mutation{}
	provider.AddMutationCallback(func(mutation *Mutation) {
		mutations = append(mutations, mutation)
	})

	values.Set("a", 1)
	values.Set("b", 2)
	assert.Equal(t, values.Len(), 2)
	assert.Equal(t, values.Has("a"), true)
	assert.Equal(t, values.Snapshot(), map[string]int{"a": 1, "b": 2})

	assert.Equal(t, values.Delete("a"), true)
	// no mutation for a missing key
	assert.Equal(t, values.Delete("a"), false)
	_, ok := values.Get("a")
	assert.Equal(t, ok, false)

	assert.Equal(t, len(mutations), 3)
	assert.Equal(t, mutations[2].Type, MutationDelete)
	assert.Equal(t, mutations[2].Key, any("a"))
}

func TestReactiveObserverPanic(t *testing.T) {
	provider := NewReactiveProvider()
	value := NewReactiveValue(provider, "")

	calls := 0
	provider.AddMutationCallback(func(mutation *Mutation) {
		panic("observer")
	})
	provider.AddMutationCallback(func(mutation *Mutation) {
		calls += 1
	})

	value.Set("a")
	assert.Equal(t, value.Get(), "a")
	assert.Equal(t, calls, 1)
}
