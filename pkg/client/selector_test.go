package client

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimburion/kvbridge/pkg/kv"
	"github.com/nimburion/kvbridge/pkg/loop"
)

func TestNativeSelector(t *testing.T) {
	assert.Nil(t, NativeSelector().Select(newLoop(t, "caller")))
}

func TestNextSelector_RoundRobin(t *testing.T) {
	g := newGroup(t, "store", 3)
	s := NextSelector(g)
	caller := newLoop(t, "caller")

	seen := map[string]int{}
	for i := 0; i < 6; i++ {
		seen[s.Select(caller).ID()]++
	}
	require.Len(t, seen, 3)
	for id, n := range seen {
		assert.Equal(t, 2, n, id)
	}
}

func TestContextSelector(t *testing.T) {
	shared := newGroup(t, "shared", 2)
	other := newLoop(t, "outsider")
	fallback := newLoop(t, "fallback")

	s := ContextSelector(shared, SelectorFunc(func(loop.Context) *loop.EventLoop { return fallback }))
	for _, l := range shared.Loops() {
		assert.Same(t, l, s.Select(l), "caller on the group must be served by its own loop")
	}
	assert.Same(t, fallback, s.Select(other))

	defaulted := ContextSelector(shared, nil)
	picked := defaulted.Select(other)
	require.NotNil(t, picked)
	_, owned := shared.Owner(picked)
	assert.True(t, owned)
}

func TestClient_SharedGroupServesCallerLoop(t *testing.T) {
	shared := newGroup(t, "shared", 2)
	caller := shared.Get(1)

	var served *loop.EventLoop
	stub := &stubNative{
		get: func(_ context.Context, el *loop.EventLoop, key *kv.Key, l kv.Listener[*kv.KeyRecord]) error {
			served = el
			return el.Execute(func() { l(&kv.KeyRecord{Key: key}, nil) })
		},
	}
	c, err := New(stub, WithEventLoopSelector(ContextSelector(shared, nil)))
	require.NoError(t, err)

	var f interface{ IsComplete() bool }
	onLoop(t, caller, func() {
		f = c.Get(context.Background(), caller, nil, mustKey(t, "x"))
	})
	assert.Same(t, caller, served)
	onLoop(t, caller, func() {})
	onLoop(t, caller, func() { assert.True(t, f.IsComplete()) })
}

func TestWithOptionsIgnoreNil(t *testing.T) {
	c, err := New(&stubNative{}, WithLogger(nil), WithEventLoopSelector(nil))
	require.NoError(t, err)
	assert.NotNil(t, c.log)
	assert.Nil(t, c.selector.Select(newLoop(t, "caller")))
}
