package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closer struct{ closed bool }

func (c *closer) Close() error {
	c.closed = true
	return nil
}

func TestShutdownRunsStepsInReverse(t *testing.T) {
	m := New(time.Second, nil)
	var order []string
	m.Register("store", func(context.Context) error {
		order = append(order, "store")
		return nil
	})
	m.Register("jobs", func(context.Context) error {
		order = append(order, "jobs")
		return nil
	})
	c := &closer{}
	m.Register("closer", CloseResource(c))

	require.NoError(t, m.Shutdown())
	assert.Equal(t, []string{"jobs", "store"}, order)
	assert.True(t, c.closed)

	select {
	case <-m.Done():
	default:
		t.Fatal("Done not closed")
	}
}

func TestShutdownReportsFailures(t *testing.T) {
	m := New(time.Second, nil)
	boom := errors.New("boom")
	ran := false
	m.Register("first", func(context.Context) error {
		ran = true
		return nil
	})
	m.Register("broken", func(context.Context) error { return boom })

	err := m.Shutdown()
	assert.ErrorIs(t, err, boom)
	assert.True(t, ran, "later steps still run after a failure")
}

func TestWaitWithContext(t *testing.T) {
	m := New(time.Second, nil)
	called := false
	m.Register("step", func(context.Context) error {
		called = true
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, m.WaitWithContext(ctx))
	assert.True(t, called)
}
