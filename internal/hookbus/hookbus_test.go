package hookbus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus(t *testing.T, conv Convention) *Bus {
	t.Helper()
	b := New()
	b.AddSpec(Spec{Name: "test_hook", Convention: conv})
	return b
}

func TestAddSpecPanicsOnDuplicate(t *testing.T) {
	b := New()
	b.AddSpec(Spec{Name: "dup", Convention: FirstNonNil})
	assert.Panics(t, func() {
		b.AddSpec(Spec{Name: "dup", Convention: CollectAll})
	})
}

func TestRegisterRequiresSpec(t *testing.T) {
	b := New()
	err := b.Register("missing", "l", func(context.Context, Args) (any, error) { return nil, nil })
	require.Error(t, err)
}

func TestFirstNonNilStopsAtFirstResult(t *testing.T) {
	b := newTestBus(t, FirstNonNil)
	var calls []string

	listener := func(name string, value any) ListenerFunc {
		return func(context.Context, Args) (any, error) {
			calls = append(calls, name)
			return value, nil
		}
	}
	require.NoError(t, b.Register("test_hook", "a", listener("a", nil)))
	require.NoError(t, b.Register("test_hook", "b", listener("b", "won")))
	require.NoError(t, b.Register("test_hook", "c", listener("c", "never")))

	res, err := b.Call(context.Background(), "test_hook", nil)
	require.NoError(t, err)
	assert.Equal(t, "won", res.Value)
	assert.Equal(t, []string{"a", "b"}, calls)
}

func TestFirstNonNilSurfacesListenerError(t *testing.T) {
	b := newTestBus(t, FirstNonNil)
	boom := errors.New("boom")
	require.NoError(t, b.Register("test_hook", "bad", func(context.Context, Args) (any, error) {
		return nil, boom
	}))

	_, err := b.Call(context.Background(), "test_hook", nil)
	require.ErrorIs(t, err, boom)
}

func TestCollectAllGathersPartialResults(t *testing.T) {
	b := newTestBus(t, CollectAll)
	boom := errors.New("boom")
	require.NoError(t, b.Register("test_hook", "ok", func(context.Context, Args) (any, error) {
		return 1, nil
	}))
	require.NoError(t, b.Register("test_hook", "bad", func(context.Context, Args) (any, error) {
		return nil, boom
	}))
	require.NoError(t, b.Register("test_hook", "ok2", func(context.Context, Args) (any, error) {
		return 2, nil
	}))

	res, err := b.Call(context.Background(), "test_hook", nil)
	require.NoError(t, err)
	require.Len(t, res.Results, 3)
	assert.Equal(t, 1, res.Results[0].Value)
	assert.ErrorIs(t, res.Results[1].Err, boom)
	assert.Equal(t, 2, res.Results[2].Value)
}

func TestOrderingBuckets(t *testing.T) {
	b := newTestBus(t, CollectAll)
	record := func(name string) ListenerFunc {
		return func(context.Context, Args) (any, error) { return name, nil }
	}
	require.NoError(t, b.Register("test_hook", "plain1", record("plain1")))
	require.NoError(t, b.Register("test_hook", "last", record("last"), TryLast()))
	require.NoError(t, b.Register("test_hook", "first", record("first"), TryFirst()))
	require.NoError(t, b.Register("test_hook", "plain2", record("plain2")))

	assert.Equal(t, []string{"first", "plain1", "plain2", "last"}, b.Listeners("test_hook"))
}

func TestBlockMakesCallNoOp(t *testing.T) {
	b := newTestBus(t, FirstNonNil)
	called := false
	require.NoError(t, b.Register("test_hook", "l", func(context.Context, Args) (any, error) {
		called = true
		return "x", nil
	}))

	b.Block("test_hook")
	res, err := b.Call(context.Background(), "test_hook", nil)
	require.NoError(t, err)
	assert.Nil(t, res.Value)
	assert.False(t, called)

	b.Unblock("test_hook")
	res, err = b.Call(context.Background(), "test_hook", nil)
	require.NoError(t, err)
	assert.Equal(t, "x", res.Value)
}

func TestUnregister(t *testing.T) {
	b := newTestBus(t, FirstNonNil)
	require.NoError(t, b.Register("test_hook", "l", func(context.Context, Args) (any, error) {
		return "x", nil
	}))
	assert.True(t, b.Unregister("test_hook", "l"))
	assert.False(t, b.Unregister("test_hook", "l"))
	assert.Empty(t, b.Listeners("test_hook"))
}

func TestWrapperObservesInnerResults(t *testing.T) {
	b := newTestBus(t, Wrapped)
	require.NoError(t, b.Register("test_hook", "inner", func(context.Context, Args) (any, error) {
		return "inner-value", nil
	}))

	var observed []Result
	require.NoError(t, b.RegisterWrapper("test_hook", "wrap", func(_ context.Context, _ Args, next Next) (any, error) {
		results, err := next()
		observed = results
		return nil, err
	}))

	res, err := b.Call(context.Background(), "test_hook", nil)
	require.NoError(t, err)
	require.Len(t, observed, 1)
	assert.Equal(t, "inner-value", observed[0].Value)
	assert.Equal(t, "inner-value", res.Value)
}

func TestWrapperMayReplaceResult(t *testing.T) {
	b := newTestBus(t, Wrapped)
	require.NoError(t, b.Register("test_hook", "inner", func(context.Context, Args) (any, error) {
		return "inner-value", nil
	}))
	require.NoError(t, b.RegisterWrapper("test_hook", "wrap", func(_ context.Context, _ Args, next Next) (any, error) {
		if _, err := next(); err != nil {
			return nil, err
		}
		return "replaced", nil
	}))

	res, err := b.Call(context.Background(), "test_hook", nil)
	require.NoError(t, err)
	assert.Equal(t, "replaced", res.Value)
}

func TestWrapperFailingBeforeNextAbortsCall(t *testing.T) {
	b := newTestBus(t, Wrapped)
	innerCalled := false
	require.NoError(t, b.Register("test_hook", "inner", func(context.Context, Args) (any, error) {
		innerCalled = true
		return nil, nil
	}))
	require.NoError(t, b.RegisterWrapper("test_hook", "wrap", func(context.Context, Args, Next) (any, error) {
		return nil, errors.New("refused")
	}))

	_, err := b.Call(context.Background(), "test_hook", nil)
	require.Error(t, err)
	assert.False(t, innerCalled)
}

func TestNestedWrappersOutermostFirst(t *testing.T) {
	b := newTestBus(t, Wrapped)
	var order []string
	wrapper := func(name string) WrapperFunc {
		return func(_ context.Context, _ Args, next Next) (any, error) {
			order = append(order, name+"-before")
			_, err := next()
			order = append(order, name+"-after")
			return nil, err
		}
	}
	require.NoError(t, b.RegisterWrapper("test_hook", "outer", wrapper("outer")))
	require.NoError(t, b.RegisterWrapper("test_hook", "middle", wrapper("middle")))

	_, err := b.Call(context.Background(), "test_hook", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"outer-before", "middle-before", "middle-after", "outer-after"}, order)
}
