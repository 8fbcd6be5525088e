package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/mediaflow/internal/runtime/logging"
)

func TestEmitCallsHandlersInOrder(t *testing.T) {
	e := New(nil)
	var got []string
	e.On("score", func(p any) { got = append(got, "a:"+p.(string)) })
	e.On("score", func(p any) { got = append(got, "b:"+p.(string)) })
	e.On("other", func(any) { got = append(got, "other") })

	assert.True(t, e.Emit("score", "10"))
	assert.Equal(t, []string{"a:10", "b:10"}, got)
	assert.False(t, e.Emit("missing", nil))
}

func TestOffRemovesOnlyThatHandler(t *testing.T) {
	e := New(nil)
	calls := map[string]int{}
	offA := e.On("close", func(any) { calls["a"]++ })
	e.On("close", func(any) { calls["b"]++ })

	offA()
	offA()
	e.Emit("close", nil)
	assert.Equal(t, map[string]int{"b": 1}, calls)
	assert.Equal(t, 1, e.ListenerCount("close"))
}

func TestOnceFiresOnce(t *testing.T) {
	e := New(nil)
	n := 0
	e.Once("close", func(any) { n++ })
	e.Emit("close", nil)
	e.Emit("close", nil)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, e.ListenerCount("close"))
}

func TestOnceUnderConcurrentEmitFiresOnce(t *testing.T) {
	e := New(nil)
	var mu sync.Mutex
	n := 0
	e.Once("close", func(any) {
		mu.Lock()
		n++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Emit("close", nil)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, n)
}

func TestPanickingHandlerIsLoggedAndContained(t *testing.T) {
	rec := logging.NewRecorder()
	e := New(rec)
	reached := false
	e.On("trace", func(any) { panic("boom") })
	e.On("trace", func(any) { reached = true })

	require.NotPanics(t, func() { e.Emit("trace", nil) })
	assert.True(t, reached)
	require.Equal(t, 1, rec.Count("error", "Event handler panicked"))
	assert.Equal(t, "trace", rec.Entries()[0].Fields["event"])
}

func TestOnAnySeesEveryEventAfterSpecificHandlers(t *testing.T) {
	e := New(nil)
	var got []string
	e.On("newproducer", func(any) { got = append(got, "specific") })
	off := e.OnAny(func(event string, payload any) { got = append(got, "any:"+event) })

	e.Emit("newproducer", nil)
	e.Emit("close", nil)
	off()
	e.Emit("close", nil)

	assert.Equal(t, []string{"specific", "any:newproducer", "any:close"}, got)
}

func TestHandlersMayUnsubscribeDuringEmit(t *testing.T) {
	e := New(nil)
	n := 0
	var off func()
	off = e.On("score", func(any) {
		n++
		off()
	})
	e.Emit("score", nil)
	e.Emit("score", nil)
	assert.Equal(t, 1, n)
}

func TestRemoveAll(t *testing.T) {
	e := New(nil)
	e.On("a", func(any) {})
	e.OnAny(func(string, any) {})
	e.RemoveAll()
	assert.False(t, e.Emit("a", nil))
}

func TestNilHandlersAreIgnored(t *testing.T) {
	e := New(nil)
	e.On("a", nil)()
	e.OnAny(nil)()
	assert.Equal(t, 0, e.ListenerCount("a"))
}
