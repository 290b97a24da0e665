package server

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownHooks_AddContext(t *testing.T) {
	t.Run("adds hook successfully", func(t *testing.T) {
		hooks := &ShutdownHooks{}
		called := false

		hooks.AddContext("test", func(ctx context.Context) error {
			called = true
			return nil
		})

		require.Len(t, hooks.hooks, 1)
		assert.Equal(t, "test", hooks.hooks[0].name)

		hooks.Execute(context.Background())
		assert.True(t, called, "hook should have been called")
	})

	t.Run("ignores nil hook", func(t *testing.T) {
		hooks := &ShutdownHooks{}
		hooks.AddContext("nil-hook", nil)
		require.Len(t, hooks.hooks, 0, "nil hook should not be added")
	})
}

func TestShutdownHooks_Add(t *testing.T) {
	hooks := &ShutdownHooks{}
	called := false

	hooks.Add("test", func() error {
		called = true
		return nil
	})

	hooks.Execute(context.Background())
	assert.True(t, called, "hook should have been called")
}

type closeable struct {
	closed bool
}

func (c *closeable) Close() { c.closed = true }

func TestShutdownHooks_AddClose(t *testing.T) {
	hooks := &ShutdownHooks{}
	c := &closeable{}

	hooks.AddClose("closer", c)
	hooks.Execute(context.Background())

	assert.True(t, c.closed)
}

func TestShutdownHooks_ExecutionContinuesOnFailure(t *testing.T) {
	hooks := &ShutdownHooks{}

	var order []string
	hooks.AddContext("first", func(ctx context.Context) error {
		order = append(order, "first")
		return errors.New("first hook failed")
	})
	hooks.AddContext("second", func(ctx context.Context) error {
		order = append(order, "second")
		return nil
	})

	hooks.Execute(context.Background())

	assert.Equal(t, []string{"first", "second"}, order, "failure must not halt later hooks")
}
