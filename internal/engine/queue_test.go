package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zookeeper-run/zoo/internal/engine"
)

func TestQueuePushPopFIFO(t *testing.T) {
	q := engine.NewQueue(0)
	require.True(t, q.Push(engine.Request{Message: engine.Message{Content: "a"}}))
	require.True(t, q.Push(engine.Request{Message: engine.Message{Content: "b"}}))

	first, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "a", first.Message.Content)

	second, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, "b", second.Message.Content)
}

func TestQueueBoundedPushRejectsWhenFull(t *testing.T) {
	q := engine.NewQueue(1)
	require.True(t, q.Push(engine.Request{}))
	assert.False(t, q.Push(engine.Request{}), "second push should be rejected once at capacity")
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	q := engine.NewQueue(0)
	done := make(chan engine.Request, 1)

	go func() {
		req, ok := q.Pop()
		if ok {
			done <- req
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Push(engine.Request{Message: engine.Message{Content: "late"}})

	select {
	case req := <-done:
		assert.Equal(t, "late", req.Message.Content)
	case <-time.After(time.Second):
		t.Fatal("Pop never returned the pushed request")
	}
}

func TestQueuePopForTimesOut(t *testing.T) {
	q := engine.NewQueue(0)
	_, ok := q.PopFor(10 * time.Millisecond)
	assert.False(t, ok)
}

func TestQueueShutdownDrainsThenStops(t *testing.T) {
	q := engine.NewQueue(0)
	require.True(t, q.Push(engine.Request{Message: engine.Message{Content: "x"}}))
	q.Shutdown()

	assert.False(t, q.Push(engine.Request{}), "push after shutdown must fail")

	req, ok := q.Pop()
	require.True(t, ok, "already-enqueued items remain poppable after shutdown")
	assert.Equal(t, "x", req.Message.Content)

	_, ok = q.Pop()
	assert.False(t, ok, "Pop returns false once drained and shut down")
}

func TestQueueSizeAndEmpty(t *testing.T) {
	q := engine.NewQueue(0)
	assert.True(t, q.Empty())
	q.Push(engine.Request{})
	assert.Equal(t, 1, q.Size())
	assert.False(t, q.Empty())
}
