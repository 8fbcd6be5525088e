package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/drblury/mediaflow/internal/runtime/channel/channeltest"
	configpkg "github.com/drblury/mediaflow/internal/runtime/config"
	"github.com/drblury/mediaflow/internal/runtime/logging"
)

func newTestWorker(t *testing.T, conf *configpkg.Config, deps WorkerDependencies) (*Worker, *channeltest.Worker, *logging.Recorder) {
	t.Helper()
	if conf == nil {
		conf = &configpkg.Config{}
	}
	rec := logging.NewRecorder()
	host, fake := channeltest.NewPipe()
	w, err := NewWorkerWithConn(conf, host, rec, deps)
	require.NoError(t, err)
	t.Cleanup(func() {
		w.Close()
		_ = fake.Close()
	})
	return w, fake, rec
}

func webRtcSnapshot() map[string]any {
	return map[string]any{
		"iceRole":       "controlled",
		"iceParameters": map[string]any{"usernameFragment": "uf", "password": "pw", "iceLite": true},
		"iceCandidates": []map[string]any{{"foundation": "udpcandidate", "priority": 1076302079, "ip": "127.0.0.1", "protocol": "udp", "port": 40000, "type": "host"}},
		"iceState":      "new",
		"dtlsParameters": map[string]any{
			"role":         "auto",
			"fingerprints": []map[string]any{{"algorithm": "sha-256", "value": "AA:BB"}},
		},
		"dtlsState": "new",
	}
}

// newTestTree builds worker, router and a WebRTC transport against a fake
// worker that answers creation requests with plausible snapshots.
func newTestTree(t *testing.T) (*Worker, *Router, *Transport, *channeltest.Worker, *logging.Recorder) {
	t.Helper()
	w, fake, rec := newTestWorker(t, nil, WorkerDependencies{})
	fake.Handle("worker.createRouter", func(channeltest.Request) (any, error) {
		return map[string]any{"rtpCapabilities": map[string]any{"codecs": []any{}}}, nil
	})
	fake.Handle("router.createWebRtcTransport", func(channeltest.Request) (any, error) {
		return webRtcSnapshot(), nil
	})
	fake.Handle("router.createDataTransport", func(channeltest.Request) (any, error) {
		return map[string]any{
			"sctpParameters": map[string]any{"port": 5000, "OS": 1024, "MIS": 1024, "maxMessageSize": 262144},
			"sctpState":      "new",
		}, nil
	})
	fake.Handle("transport.produce", func(channeltest.Request) (any, error) {
		return map[string]any{"type": "simple"}, nil
	})
	fake.Handle("transport.consume", func(channeltest.Request) (any, error) {
		return map[string]any{"paused": false, "producerPaused": false, "type": "simple"}, nil
	})

	ctx := context.Background()
	r, err := w.CreateRouter(ctx, RouterOptions{})
	require.NoError(t, err)
	tr, err := r.CreateWebRtcTransport(ctx, WebRtcTransportOptions{
		ListenIPs: []TransportListenIP{{IP: "127.0.0.1"}},
	})
	require.NoError(t, err)
	return w, r, tr, fake, rec
}

// eventLog collects emitted event names in order.
type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(name string) {
	l.mu.Lock()
	l.events = append(l.events, name)
	l.mu.Unlock()
}

func (l *eventLog) handler(name string) func(any) {
	return func(any) { l.add(name) }
}

func (l *eventLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *eventLog) count(name string) int {
	n := 0
	for _, e := range l.snapshot() {
		if e == name {
			n++
		}
	}
	return n
}

const waitFor = time.Second
