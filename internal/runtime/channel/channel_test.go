package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/drblury/mediaflow/internal/runtime/channel/channeltest"
	errspkg "github.com/drblury/mediaflow/internal/runtime/errors"
	"github.com/drblury/mediaflow/internal/runtime/logging"
	"github.com/drblury/mediaflow/internal/runtime/netstring"
)

func newTestChannel(t *testing.T, opts Options) (*Channel, *channeltest.Worker, *logging.Recorder) {
	t.Helper()
	rec := logging.NewRecorder()
	if opts.Logger == nil {
		opts.Logger = rec
	}
	host, worker := channeltest.NewPipe()
	ch, err := NewConn(host, opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = ch.Close()
		_ = worker.Close()
	})
	return ch, worker, rec
}

func waitForRequest(t *testing.T, w *channeltest.Worker, method string) channeltest.Request {
	t.Helper()
	var found channeltest.Request
	require.Eventually(t, func() bool {
		for _, r := range w.Requests() {
			if r.Method == method {
				found = r
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
	return found
}

func TestNewRequiresConnAndLogger(t *testing.T) {
	_, err := NewConn(nil, Options{Logger: logging.NewNopLogger()})
	require.ErrorIs(t, err, errspkg.ErrConnRequired)

	host, worker := channeltest.NewPipe()
	defer worker.Close()
	defer host.Close()
	_, err = NewConn(host, Options{})
	require.ErrorIs(t, err, errspkg.ErrLoggerRequired)
}

func TestChannelRequestReply(t *testing.T) {
	ch, w, _ := newTestChannel(t, Options{})
	w.Handle("router.dump", func(req channeltest.Request) (any, error) {
		return map[string]any{"id": "r1", "transportIds": []string{}}, nil
	})

	out, err := ch.Request(context.Background(), "router.dump", map[string]string{"routerId": "r1"}, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"r1","transportIds":[]}`, string(out))

	req := waitForRequest(t, w, "router.dump")
	assert.Equal(t, uint32(1), req.ID)
	assert.JSONEq(t, `{"routerId":"r1"}`, string(req.Internal))
	assert.Empty(t, req.Data, "nil data is omitted on the wire")
	assert.Equal(t, 0, ch.PendingCount())
}

func TestChannelConcurrentRequestsGetTheirOwnReplies(t *testing.T) {
	ch, w, _ := newTestChannel(t, Options{})
	w.Handle("echo", func(req channeltest.Request) (any, error) {
		// Reply out of order.
		var body struct{ N int }
		_ = json.Unmarshal(req.Data, &body)
		time.Sleep(time.Duration(body.N%5) * time.Millisecond)
		return req.Data, nil
	})

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := ch.Request(context.Background(), "echo", nil, map[string]int{"n": i})
			if err != nil {
				errs <- err
				return
			}
			var body struct{ N int }
			if err := json.Unmarshal(out, &body); err != nil {
				errs <- err
				return
			}
			if body.N != i {
				errs <- fmt.Errorf("request %d got reply for %d", i, body.N)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	assert.Equal(t, 0, ch.PendingCount())
}

func TestChannelRejectionsMapToTaxonomy(t *testing.T) {
	ch, w, _ := newTestChannel(t, Options{})

	cases := []struct {
		name   string
		errKey string
		want   error
	}{
		{name: "invalid state", errKey: ErrorNameInvalidState, want: errspkg.ErrInvalidState},
		{name: "type error", errKey: ErrorNameType, want: errspkg.ErrInvalidParameters},
		{name: "generic", errKey: ErrorNameGeneric, want: errspkg.ErrWorkerFailure},
		{name: "unknown name", errKey: "RangeError", want: errspkg.ErrWorkerFailure},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			method := "reject." + strings.ReplaceAll(tc.name, " ", "_")
			w.Handle(method, func(channeltest.Request) (any, error) {
				return nil, &channeltest.Rejection{Name: tc.errKey, Reason: "nope"}
			})
			_, err := ch.Request(context.Background(), method, nil, nil)
			require.ErrorIs(t, err, tc.want)
			assert.Contains(t, err.Error(), "nope")
			assert.Contains(t, err.Error(), method)
		})
	}
}

func TestChannelDuplicateReplyIsLoggedAndDiscarded(t *testing.T) {
	ch, w, rec := newTestChannel(t, Options{})

	for i := 0; i < 6; i++ {
		_, err := ch.Request(context.Background(), "warmup", nil, nil)
		require.NoError(t, err)
	}
	w.Handle("held", func(channeltest.Request) (any, error) { return nil, channeltest.ErrHold })

	type result struct {
		data json.RawMessage
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := ch.Request(context.Background(), "held", nil, nil)
		done <- result{data, err}
	}()

	req := waitForRequest(t, w, "held")
	require.Equal(t, uint32(7), req.ID)
	require.NoError(t, w.Reply(7, "first"))
	require.NoError(t, w.Reply(7, "second"))

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, `"first"`, string(res.data))

	require.Eventually(t, func() bool {
		return rec.Count("error", "Received reply does not match any sent request") == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, uint64(1), ch.Stats().UnmatchedReplies)

	_, err := ch.Request(context.Background(), "after", nil, nil)
	require.NoError(t, err, "channel keeps working after a stray reply")
}

func TestChannelRequestTimeout(t *testing.T) {
	ch, w, rec := newTestChannel(t, Options{
		RequestTimeout:           30 * time.Millisecond,
		RequestTimeoutPerPending: -1,
	})
	w.Handle("slow", func(channeltest.Request) (any, error) { return nil, channeltest.ErrHold })

	started := time.Now()
	_, err := ch.Request(context.Background(), "slow", nil, nil)
	require.ErrorIs(t, err, errspkg.ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(started), 30*time.Millisecond)

	var te *errspkg.TimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "slow", te.Method)
	assert.Equal(t, 0, ch.PendingCount())

	require.NoError(t, w.Reply(te.ID, nil))
	require.Eventually(t, func() bool {
		return rec.Count("error", "Received reply does not match any sent request") == 1
	}, time.Second, time.Millisecond)
}

func TestChannelTimeoutGrowsWithPendingRequests(t *testing.T) {
	var infos []RequestInfo
	var mu sync.Mutex
	ch, w, _ := newTestChannel(t, Options{
		RequestTimeout:           time.Second,
		RequestTimeoutPerPending: 100 * time.Millisecond,
		Hooks: Hooks{OnRequestStart: func(info RequestInfo) {
			mu.Lock()
			infos = append(infos, info)
			mu.Unlock()
		}},
	})
	w.Handle("held", func(channeltest.Request) (any, error) { return nil, channeltest.ErrHold })

	for i := 0; i < 3; i++ {
		go func() { _, _ = ch.Request(context.Background(), "held", nil, nil) }()
		require.Eventually(t, func() bool { return ch.PendingCount() == i+1 }, time.Second, time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, infos, 3)
	assert.Equal(t, time.Second, infos[0].Timeout)
	assert.Equal(t, 1100*time.Millisecond, infos[1].Timeout)
	assert.Equal(t, 1200*time.Millisecond, infos[2].Timeout)
}

func TestChannelContextCancel(t *testing.T) {
	ch, w, _ := newTestChannel(t, Options{})
	w.Handle("held", func(channeltest.Request) (any, error) { return nil, channeltest.ErrHold })

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := ch.Request(ctx, "held", nil, nil)
		errs <- err
	}()
	waitForRequest(t, w, "held")
	cancel()
	require.ErrorIs(t, <-errs, context.Canceled)
	assert.Equal(t, 0, ch.PendingCount())
}

func TestChannelCloseFailsInFlightAndRejectsLater(t *testing.T) {
	var closedCalls atomic.Int32
	ch, w, _ := newTestChannel(t, Options{OnClosed: func(error) { closedCalls.Add(1) }})
	w.Handle("held", func(channeltest.Request) (any, error) { return nil, channeltest.ErrHold })

	errs := make(chan error, 1)
	go func() {
		_, err := ch.Request(context.Background(), "held", nil, nil)
		errs <- err
	}()
	waitForRequest(t, w, "held")

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close(), "close is idempotent")

	select {
	case err := <-errs:
		require.ErrorIs(t, err, errspkg.ErrChannelClosed)
	case <-time.After(time.Second):
		t.Fatal("in-flight request not failed by close")
	}

	_, err := ch.Request(context.Background(), "later", nil, nil)
	require.ErrorIs(t, err, errspkg.ErrInvalidState)
	assert.True(t, ch.Closed())
	<-ch.Done()

	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("worker pipe not closed")
	}
	assert.Equal(t, int32(0), closedCalls.Load(), "explicit close is not a worker death")
}

func TestChannelWorkerDeath(t *testing.T) {
	closedErrs := make(chan error, 2)
	ch, w, _ := newTestChannel(t, Options{OnClosed: func(err error) { closedErrs <- err }})
	w.Handle("held", func(channeltest.Request) (any, error) { return nil, channeltest.ErrHold })

	errs := make(chan error, 1)
	go func() {
		_, err := ch.Request(context.Background(), "held", nil, nil)
		errs <- err
	}()
	waitForRequest(t, w, "held")

	require.NoError(t, w.Close())

	select {
	case err := <-errs:
		require.ErrorIs(t, err, errspkg.ErrChannelClosed)
	case <-time.After(time.Second):
		t.Fatal("in-flight request not failed when the worker died")
	}
	select {
	case <-ch.Done():
	case <-time.After(time.Second):
		t.Fatal("channel not torn down")
	}
	select {
	case <-closedErrs:
	case <-time.After(time.Second):
		t.Fatal("OnClosed not called")
	}
	_ = ch.Close()
	assert.Empty(t, closedErrs, "OnClosed runs once")
}

func TestChannelOversizedFrameFromWorkerTearsDown(t *testing.T) {
	closedErrs := make(chan error, 1)
	ch, w, _ := newTestChannel(t, Options{
		MaxMessageSize: 64,
		OnClosed:       func(err error) { closedErrs <- err },
	})

	require.NoError(t, w.WriteBytes([]byte("1000:")))
	select {
	case err := <-closedErrs:
		require.ErrorIs(t, err, netstring.ErrTooLong)
	case <-time.After(time.Second):
		t.Fatal("oversized frame did not close the channel")
	}
	assert.True(t, ch.Closed())
}

func TestChannelRequestTooBig(t *testing.T) {
	ch, w, _ := newTestChannel(t, Options{MaxMessageSize: 64})

	_, err := ch.Request(context.Background(), "transport.produce", nil, map[string]string{"blob": strings.Repeat("x", 128)})
	require.ErrorIs(t, err, errspkg.ErrInvalidParameters)
	assert.Contains(t, err.Error(), "request too big")
	assert.Equal(t, 0, ch.PendingCount())

	_, err = ch.Request(context.Background(), "ok", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, w.Count("transport.produce"))
}

func TestChannelNotificationsRouteByTarget(t *testing.T) {
	ch, w, _ := newTestChannel(t, Options{})

	gotX := make(chan string, 4)
	gotY := make(chan string, 4)
	ch.Subscribe("X", func(n Notification) { gotX <- n.Event })
	ch.Subscribe("Y", func(n Notification) { gotY <- n.Event + " " + string(n.Data) })

	require.NoError(t, w.Notify("X", "score", map[string]int{"score": 10}))
	select {
	case ev := <-gotX:
		assert.Equal(t, "score", ev)
	case <-time.After(time.Second):
		t.Fatal("X never notified")
	}

	ch.Unsubscribe("X")
	require.NoError(t, w.Notify("X", "score", nil))
	require.NoError(t, w.Notify("Y", "trace", map[string]string{"type": "rtp"}))

	select {
	case ev := <-gotY:
		assert.Equal(t, `trace {"type":"rtp"}`, ev)
	case <-time.After(time.Second):
		t.Fatal("Y never notified")
	}
	assert.Empty(t, gotX, "unsubscribed target receives nothing")

	stats := ch.Stats()
	assert.Equal(t, uint64(2), stats.NotificationsDelivered)
	assert.Equal(t, uint64(1), stats.NotificationsDropped)
}

func TestChannelNotificationOrderPerTarget(t *testing.T) {
	ch, w, _ := newTestChannel(t, Options{})

	const n = 100
	got := make(chan int, n)
	ch.Subscribe("P", func(n Notification) {
		var v int
		_ = json.Unmarshal(n.Data, &v)
		got <- v
	})
	for i := 0; i < n; i++ {
		require.NoError(t, w.Notify("P", "score", i))
	}
	for i := 0; i < n; i++ {
		select {
		case v := <-got:
			require.Equal(t, i, v)
		case <-time.After(time.Second):
			t.Fatalf("notification %d missing", i)
		}
	}
}

func TestChannelSlowListenerDoesNotBlockOthers(t *testing.T) {
	ch, w, _ := newTestChannel(t, Options{})

	release := make(chan struct{})
	defer close(release)
	ch.Subscribe("slow", func(Notification) { <-release })
	fast := make(chan struct{}, 1)
	ch.Subscribe("fast", func(Notification) { fast <- struct{}{} })

	for i := 0; i < 10; i++ {
		require.NoError(t, w.Notify("slow", "trace", nil))
	}
	require.NoError(t, w.Notify("fast", "trace", nil))

	select {
	case <-fast:
	case <-time.After(time.Second):
		t.Fatal("fast listener starved by slow one")
	}

	_, err := ch.Request(context.Background(), "worker.dump", nil, nil)
	require.NoError(t, err, "replies are not blocked by a slow listener")
}

func TestChannelListenerReplacedLogsWarning(t *testing.T) {
	ch, w, rec := newTestChannel(t, Options{})

	first := make(chan struct{}, 1)
	second := make(chan struct{}, 1)
	ch.Subscribe("dup", func(Notification) { first <- struct{}{} })
	ch.Subscribe("dup", func(Notification) { second <- struct{}{} })
	assert.Equal(t, 1, rec.Count("warn", "Listener replaced for target id, ids should never be reused"))

	require.NoError(t, w.Notify("dup", "score", nil))
	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("replacement listener not called")
	}
	assert.Empty(t, first)
}

func TestChannelListenerPanicIsContained(t *testing.T) {
	ch, w, rec := newTestChannel(t, Options{})

	calls := make(chan string, 2)
	ch.Subscribe("p", func(n Notification) {
		calls <- n.Event
		if n.Event == "boom" {
			panic("listener exploded")
		}
	})

	require.NoError(t, w.Notify("p", "boom", nil))
	require.NoError(t, w.Notify("p", "after", nil))
	for _, want := range []string{"boom", "after"} {
		select {
		case got := <-calls:
			assert.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatalf("%s not delivered", want)
		}
	}
	require.Eventually(t, func() bool {
		return rec.Count("error", "Notification listener panicked") == 1
	}, time.Second, time.Millisecond)
}

func TestChannelRoutesWorkerLogLines(t *testing.T) {
	_, w, rec := newTestChannel(t, Options{})

	require.NoError(t, w.Log('D', "RTC::Transport | debug line"))
	require.NoError(t, w.Log('W', "warn line"))
	require.NoError(t, w.Log('E', "error line"))
	require.NoError(t, w.Log('X', "dump line"))
	require.NoError(t, w.SendRaw([]byte("?what")))

	require.Eventually(t, func() bool {
		return rec.Count("debug", "RTC::Transport | debug line") == 1 &&
			rec.Count("warn", "warn line") == 1 &&
			rec.Count("error", "error line") == 1 &&
			rec.Count("info", "dump line") == 1 &&
			rec.Count("error", "Received unexpected message from worker") == 1
	}, time.Second, time.Millisecond)

	for _, e := range rec.Entries() {
		if e.Msg == "warn line" {
			assert.Equal(t, "worker", e.Fields["source"])
			assert.Equal(t, "channel", e.Fields["component"])
		}
	}
}

func TestChannelMalformedMessagesAreDropped(t *testing.T) {
	ch, w, rec := newTestChannel(t, Options{})

	require.NoError(t, w.SendRaw([]byte(`{not json`)))
	require.NoError(t, w.SendJSON(map[string]any{"foo": 1}))

	require.Eventually(t, func() bool {
		return rec.Count("error", "Received invalid JSON from worker") == 1 &&
			rec.Count("error", "Received message is neither a reply nor a notification") == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, uint64(2), ch.Stats().NotificationsDropped)

	_, err := ch.Request(context.Background(), "worker.dump", nil, nil)
	require.NoError(t, err)
}

func TestChannelDetachedRequest(t *testing.T) {
	ch, w, rec := newTestChannel(t, Options{})
	w.Handle("transport.close", func(channeltest.Request) (any, error) {
		return nil, &channeltest.Rejection{Name: ErrorNameGeneric, Reason: "already gone"}
	})

	ch.RequestDetached("transport.close", map[string]string{"transportId": "t1"}, nil)
	waitForRequest(t, w, "transport.close")

	require.Eventually(t, func() bool {
		return rec.Count("error", "Detached request failed") == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, ch.Close())
	ch.RequestDetached("transport.close", nil, nil)
	assert.Equal(t, 1, rec.Count("debug", "Detached request dropped"))
}

func TestChannelMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NoError(t, m.Register())
	require.NoError(t, m.Register())

	ch, w, _ := newTestChannel(t, Options{Metrics: m})
	w.Handle("bad", func(channeltest.Request) (any, error) {
		return nil, &channeltest.Rejection{Name: ErrorNameType, Reason: "bad"}
	})
	ch.Subscribe("t", func(Notification) {})

	_, err := ch.Request(context.Background(), "ok", nil, nil)
	require.NoError(t, err)
	_, err = ch.Request(context.Background(), "bad", nil, nil)
	require.Error(t, err)
	require.NoError(t, w.Notify("t", "score", nil))
	require.NoError(t, w.Notify("nobody", "score", nil))
	require.NoError(t, w.Reply(999, nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("ok", OutcomeOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues("bad", OutcomeInvalidParameters)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.pendingRequests))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.notificationsTotal.WithLabelValues("score")) == 1 &&
			testutil.ToFloat64(m.notificationsDropped.WithLabelValues(DropNoListener)) == 1 &&
			testutil.ToFloat64(m.repliesUnmatched) == 1
	}, time.Second, time.Millisecond)
}

func TestMetricsShareCollectorsAcrossChannels(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := NewMetrics(reg)
	b := NewMetrics(reg)
	require.NoError(t, a.Register())
	require.NoError(t, b.Register())

	a.RecordUnmatchedReply()
	b.RecordUnmatchedReply()
	assert.Equal(t, 2.0, testutil.ToFloat64(a.repliesUnmatched))

	var nilMetrics *Metrics
	assert.NotPanics(t, func() {
		nilMetrics.RecordRequest("x", OutcomeOK, time.Millisecond)
		nilMetrics.SetPending(1)
		nilMetrics.RecordNotification("x")
		nilMetrics.RecordDropped(DropMalformed)
		nilMetrics.RecordUnmatchedReply()
	})
}

func TestOutcomeLabel(t *testing.T) {
	assert.Equal(t, OutcomeOK, OutcomeLabel(nil))
	assert.Equal(t, OutcomeInvalidState, OutcomeLabel(errspkg.NewInvalidStateError("m", "closed")))
	assert.Equal(t, OutcomeTimeout, OutcomeLabel(&errspkg.TimeoutError{}))
	assert.Equal(t, OutcomeChannelClosed, OutcomeLabel(&errspkg.ChannelClosedError{}))
	assert.Equal(t, OutcomeCanceled, OutcomeLabel(context.Canceled))
	assert.Equal(t, OutcomeWorkerError, OutcomeLabel(errors.New("boom")))
}

func TestChannelTracing(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ch, w, _ := newTestChannel(t, Options{TracerProvider: tp})
	w.Handle("bad", func(channeltest.Request) (any, error) {
		return nil, &channeltest.Rejection{Name: ErrorNameInvalidState, Reason: "closed"}
	})

	_, err := ch.Request(context.Background(), "worker.dump", nil, nil)
	require.NoError(t, err)
	_, err = ch.Request(context.Background(), "bad", nil, nil)
	require.Error(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "Channel.Request", spans[0].Name())
	assert.Contains(t, spans[0].Attributes(), attribute.String("channel.method", "worker.dump"))
	assert.Contains(t, spans[0].Attributes(), attribute.Int64("channel.request_id", 1))
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}

func TestChannelStats(t *testing.T) {
	ch, w, _ := newTestChannel(t, Options{})
	w.Handle("bad", func(channeltest.Request) (any, error) { return nil, errors.New("boom") })

	for i := 0; i < 3; i++ {
		_, err := ch.Request(context.Background(), "producer.getStats", nil, nil)
		require.NoError(t, err)
	}
	_, err := ch.Request(context.Background(), "bad", nil, nil)
	require.ErrorIs(t, err, errspkg.ErrWorkerFailure)

	stats := ch.Stats()
	assert.Equal(t, uint64(4), stats.Requests)
	assert.Equal(t, uint64(1), stats.Failures)
	assert.Equal(t, uint64(3), stats.Methods["producer.getStats"].Requests)
	assert.Equal(t, 3, stats.Methods["producer.getStats"].Latency.SampleSize)
	assert.Equal(t, uint64(1), stats.Methods["bad"].Failures)
	assert.False(t, stats.CollectedAt.IsZero())
}

func TestSubscriptionsInstalledBeforeFirstRead(t *testing.T) {
	host, worker := channeltest.NewPipe()
	defer worker.Close()

	// Queued before the channel exists; net.Pipe blocks the write until the
	// read loop picks it up.
	sent := make(chan error, 1)
	go func() { sent <- worker.Notify("1234", "running", nil) }()

	got := make(chan string, 1)
	ch, err := NewConn(host, Options{
		Logger: logging.NewNopLogger(),
		Subscriptions: map[string]Listener{
			"1234": func(n Notification) { got <- n.Event },
		},
	})
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, <-sent)
	select {
	case event := <-got:
		assert.Equal(t, "running", event)
	case <-time.After(time.Second):
		t.Fatal("early notification was dropped")
	}
}

func TestChannelPairsPayloadWithNotification(t *testing.T) {
	ch, w, rec := newTestChannel(t, Options{})

	got := make(chan Notification, 2)
	ch.Subscribe("dc1", func(n Notification) { got <- n })

	require.NoError(t, w.NotifyPayload("dc1", "message", map[string]int{"ppid": 51}, []byte("hello")))
	require.NoError(t, w.Notify("dc1", "bufferedamountlow", nil))

	select {
	case n := <-got:
		assert.Equal(t, "message", n.Event)
		assert.JSONEq(t, `{"ppid":51}`, string(n.Data))
		assert.Equal(t, []byte("hello"), n.Payload)
	case <-time.After(time.Second):
		t.Fatal("message with payload not delivered")
	}
	select {
	case n := <-got:
		assert.Equal(t, "bufferedamountlow", n.Event)
		assert.Nil(t, n.Payload)
	case <-time.After(time.Second):
		t.Fatal("plain notification not delivered")
	}
	assert.Zero(t, rec.Count("error", "Received unexpected message from worker"))
}

func TestChannelPayloadWaitsAcrossOtherFrames(t *testing.T) {
	ch, w, _ := newTestChannel(t, Options{})

	got := make(chan Notification, 1)
	ch.Subscribe("dc1", func(n Notification) { got <- n })

	require.NoError(t, w.Notify("dc1", "message", map[string]int{"ppid": 53}))
	require.NoError(t, w.Log('D', "between frames"))
	_, err := ch.Request(context.Background(), "worker.dump", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, got, "held until its payload arrives")

	require.NoError(t, w.SendRaw([]byte("P\x00\x01")))
	select {
	case n := <-got:
		assert.Equal(t, []byte{0, 1}, n.Payload)
	case <-time.After(time.Second):
		t.Fatal("message not delivered once its payload arrived")
	}
}

func TestChannelStrayPayloadIsDropped(t *testing.T) {
	ch, w, rec := newTestChannel(t, Options{})

	got := make(chan Notification, 2)
	ch.Subscribe("dc1", func(n Notification) { got <- n })

	require.NoError(t, w.SendRaw([]byte("Porphan")))
	require.NoError(t, w.Notify("dc1", "message", nil))
	require.NoError(t, w.Notify("dc1", "message", nil))
	require.NoError(t, w.SendRaw([]byte("Pfirst")))

	select {
	case n := <-got:
		assert.Equal(t, []byte("first"), n.Payload)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
	assert.Equal(t, 1, rec.Count("error", "No notification awaiting payload, discarding received payload"))
	assert.Equal(t, 1, rec.Count("error", "Notification awaiting payload exists, discarding received notification"))
	assert.Equal(t, uint64(2), ch.Stats().NotificationsDropped)
	assert.Empty(t, got)
}

func TestChannelNotifyWritesPayloadFrame(t *testing.T) {
	ch, w, _ := newTestChannel(t, Options{})

	internal := map[string]string{"dataProducerId": "dp1"}
	require.NoError(t, ch.Notify("dataProducer.send", internal, map[string]int{"ppid": 51}, []byte("hi")))
	require.NoError(t, ch.Notify("dataProducer.send", internal, map[string]int{"ppid": 57}, []byte{}))

	require.Eventually(t, func() bool {
		got := w.Notifications()
		return len(got) == 2 && got[1].Payload != nil
	}, time.Second, time.Millisecond)
	got := w.Notifications()
	assert.Equal(t, "dataProducer.send", got[0].Event)
	assert.JSONEq(t, `{"dataProducerId":"dp1"}`, string(got[0].Internal))
	assert.JSONEq(t, `{"ppid":51}`, string(got[0].Data))
	assert.Equal(t, []byte("hi"), got[0].Payload)
	assert.Empty(t, got[1].Payload)
	assert.Zero(t, len(w.Requests()), "notifications are not requests")
	assert.Equal(t, uint64(2), ch.Stats().NotificationsSent)

	err := ch.Notify("dataProducer.send", internal, nil, make([]byte, netstring.DefaultMaxMessageLength))
	require.ErrorIs(t, err, errspkg.ErrInvalidParameters)

	require.NoError(t, ch.Close())
	err = ch.Notify("dataProducer.send", internal, nil, []byte("late"))
	require.ErrorIs(t, err, errspkg.ErrInvalidState)
}

func TestChannelErrReportsCause(t *testing.T) {
	ch, w, _ := newTestChannel(t, Options{})
	assert.NoError(t, ch.Err(), "open channel")
	require.NoError(t, w.Close())
	<-ch.Done()
	assert.ErrorIs(t, ch.Err(), io.EOF)

	closed, _, _ := newTestChannel(t, Options{})
	require.NoError(t, closed.Close())
	assert.NoError(t, closed.Err(), "host close has no cause")
}
