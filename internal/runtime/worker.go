package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/mediaflow/internal/runtime/channel"
	configpkg "github.com/drblury/mediaflow/internal/runtime/config"
	errspkg "github.com/drblury/mediaflow/internal/runtime/errors"
	"github.com/drblury/mediaflow/internal/runtime/ids"
	"github.com/drblury/mediaflow/internal/runtime/logging"
	"github.com/drblury/mediaflow/sink"
	_ "github.com/drblury/mediaflow/sink/sinks"
)

var execCommand = exec.Command

// WorkerDependencies holds the optional collaborators of a Worker. Leave fields
// nil to use the defaults.
type WorkerDependencies struct {
	// Hooks run around every channel request, after the logging hooks.
	Hooks channel.Hooks
	// Registerer receives the channel and exporter collectors when metrics are
	// enabled. Defaults to prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
	// Gatherer backs /metrics. Defaults to Registerer when it is a Gatherer.
	Gatherer       prometheus.Gatherer
	TracerProvider trace.TracerProvider
	// Publisher overrides the sink selected by ObserverSink.
	Publisher message.Publisher
	// Sinks resolves ObserverSink. Defaults to sink.DefaultRegistry.
	Sinks *sink.Registry
	// ExportRetry bounds the retries of one observer publish.
	ExportRetry PublishRetryConfig
}

// Worker drives one worker process through its channel and owns the routers
// created in it.
type Worker struct {
	*entity

	conf     configpkg.Config
	ch       *channel.Channel
	cmd      *exec.Cmd
	pid      int
	exporter *ObserverExporter
	debug    *debugServer
	gatherer prometheus.Gatherer

	started      chan struct{}
	died         chan struct{}
	exited       chan struct{}
	done         chan struct{}
	diedOnce     sync.Once
	diedErr      error
	shutdownOnce sync.Once
}

// NewWorker spawns conf.WorkerBin and returns once the process reported it is
// running. The worker reads requests on fd 3 and writes on fd 4.
func NewWorker(ctx context.Context, conf *configpkg.Config, logger logging.ServiceLogger, deps WorkerDependencies) (*Worker, error) {
	c, err := prepareConfig(conf, logger)
	if err != nil {
		return nil, err
	}
	if c.WorkerBin == "" {
		return nil, errspkg.NewConfigValidationError(errors.New("worker: binary path is required"))
	}

	// producer carries requests to the worker, consumer carries its replies.
	producerR, producerW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pipe: %w", err)
	}
	consumerR, consumerW, err := os.Pipe()
	if err != nil {
		closeAll(producerR, producerW)
		return nil, fmt.Errorf("failed to create worker pipe: %w", err)
	}

	cmd := execCommand(c.WorkerBin, workerArgs(c)...)
	cmd.Env = append(os.Environ(), "MEDIASOUP_VERSION="+c.WorkerVersion)
	cmd.ExtraFiles = []*os.File{producerR, consumerW}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		closeAll(producerR, producerW, consumerR, consumerW)
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		closeAll(producerR, producerW, consumerR, consumerW)
		return nil, err
	}

	logger.Info("Spawning worker", logging.LogFields{"bin": c.WorkerBin, "version": c.WorkerVersion})
	if err := cmd.Start(); err != nil {
		closeAll(producerR, producerW, consumerR, consumerW)
		return nil, fmt.Errorf("failed to spawn worker: %w", err)
	}
	// The child holds its own copies now.
	closeAll(producerR, consumerW)

	pid := cmd.Process.Pid
	w, err := newWorker(ctx, c, strconv.Itoa(pid), logger, deps)
	if err != nil {
		_ = cmd.Process.Kill()
		closeAll(producerW, consumerR)
		_ = cmd.Wait()
		return nil, err
	}
	w.cmd = cmd
	w.pid = pid
	w.exited = make(chan struct{})
	w.supervise(stdout, stderr)

	running := make(chan struct{})
	var runningOnce sync.Once
	subs := map[string]channel.Listener{
		w.id: func(cn channel.Notification) {
			<-w.started
			switch n := decodeNotification(cn.Event, cn.Data, cn.Payload); n.(type) {
			case WorkerRunning:
				runningOnce.Do(func() { close(running) })
			default:
				w.ignore(n)
			}
		},
	}
	if err := w.attach(consumerR, producerW, deps, subs); err != nil {
		_ = cmd.Process.Kill()
		closeAll(producerW, consumerR)
		return nil, err
	}

	select {
	case <-running:
		w.logger.Info("Worker running", logging.LogFields{"pid": pid})
		return w, nil
	case <-w.died:
		return nil, &errspkg.ChannelClosedError{Cause: w.Err()}
	case <-ctx.Done():
		w.Close()
		return nil, ctx.Err()
	}
}

// NewWorkerWithConn drives a worker that is already running at the other end of
// conn. PID returns 0 for such a worker.
func NewWorkerWithConn(conf *configpkg.Config, conn io.ReadWriteCloser, logger logging.ServiceLogger, deps WorkerDependencies) (*Worker, error) {
	if conn == nil {
		return nil, errspkg.ErrConnRequired
	}
	c, err := prepareConfig(conf, logger)
	if err != nil {
		return nil, err
	}
	w, err := newWorker(context.Background(), c, ids.NewEntityID(), logger, deps)
	if err != nil {
		return nil, err
	}
	w.exited = make(chan struct{})
	close(w.exited)
	if err := w.attach(conn, conn, deps, nil); err != nil {
		return nil, err
	}
	return w, nil
}

func prepareConfig(conf *configpkg.Config, logger logging.ServiceLogger) (configpkg.Config, error) {
	if conf == nil {
		return configpkg.Config{}, errspkg.ErrConfigRequired
	}
	if logger == nil {
		return configpkg.Config{}, errspkg.ErrLoggerRequired
	}
	c := conf.WithDefaults()
	if err := c.Validate(); err != nil {
		return configpkg.Config{}, errspkg.NewConfigValidationError(err)
	}
	return c, nil
}

// workerArgs renders the worker command line.
func workerArgs(c configpkg.Config) []string {
	args := []string{"--logLevel=" + c.LogLevel}
	for _, tag := range c.LogTags {
		args = append(args, "--logTag="+tag)
	}
	args = append(args,
		"--rtcMinPort="+strconv.Itoa(c.RTCMinPort),
		"--rtcMaxPort="+strconv.Itoa(c.RTCMaxPort),
	)
	if c.DTLSCertificateFile != "" && c.DTLSPrivateKeyFile != "" {
		args = append(args,
			"--dtlsCertificateFile="+c.DTLSCertificateFile,
			"--dtlsPrivateKeyFile="+c.DTLSPrivateKeyFile,
		)
	}
	return args
}

// newWorker builds everything but the channel: the observer exporter and, when
// enabled, the metrics collectors.
func newWorker(ctx context.Context, c configpkg.Config, id string, logger logging.ServiceLogger, deps WorkerDependencies) (*Worker, error) {
	w := &Worker{
		conf:    c,
		started: make(chan struct{}),
		died:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	logger = logger.With(logging.LogFields{"worker_id": id})

	var exporterMetrics *ExporterMetrics
	if c.MetricsEnabled {
		exporterMetrics = NewExporterMetrics(deps.Registerer)
		if err := exporterMetrics.Register(); err != nil {
			return nil, fmt.Errorf("failed to register observer metrics: %w", err)
		}
	}

	publisher := deps.Publisher
	if publisher == nil && c.ObserverSink != "" {
		registry := deps.Sinks
		if registry == nil {
			registry = sink.DefaultRegistry
		}
		var err error
		publisher, err = registry.Build(ctx, &c, logging.NewWatermillAdapter(logger))
		if err != nil {
			return nil, fmt.Errorf("failed to build observer sink: %w", err)
		}
	}
	if publisher != nil {
		decorators := []message.PublisherDecorator{TracingPublisherDecorator(deps.TracerProvider)}
		if c.MetricsEnabled {
			decorators = append(decorators, MetricsPublisherDecorator(deps.Registerer))
		}
		var err error
		if publisher, err = decoratePublisher(publisher, decorators...); err != nil {
			return nil, fmt.Errorf("failed to decorate observer sink: %w", err)
		}
		topic := c.ObserverTopic
		if topic == "" {
			topic = configpkg.DefaultObserverTopic
		}
		exporter, err := NewObserverExporter(publisher, ExporterOptions{
			Topic:     topic,
			Format:    c.ObserverFormat,
			WorkerID:  id,
			QueueSize: c.ObserverQueueSize,
			Metrics:   exporterMetrics,
			Retry:     deps.ExportRetry,
		}, logger)
		if err != nil {
			return nil, err
		}
		w.exporter = exporter
	}

	var tap observerTap
	if w.exporter != nil {
		tap = w.exporter.Tap
	}
	w.entity = newEntity(entityParams{
		id:       id,
		kind:     KindWorker,
		internal: map[string]string{},
		logger:   logger,
		tap:      tap,
	})
	return w, nil
}

// attach opens the channel over r and wr and, when configured, the debug HTTP
// server.
func (w *Worker) attach(r io.ReadCloser, wr io.WriteCloser, deps WorkerDependencies, subs map[string]channel.Listener) error {
	defer close(w.started)

	opts := channel.Options{
		Logger:                   w.logger,
		RequestTimeout:           w.conf.RequestTimeout,
		RequestTimeoutPerPending: w.conf.RequestTimeoutPerPending,
		MaxMessageSize:           w.conf.MaxMessageSize,
		Hooks:                    channel.LoggingHooks(w.logger).Merge(deps.Hooks),
		TracerProvider:           deps.TracerProvider,
		Subscriptions:            subs,
		OnClosed: func(err error) {
			<-w.started
			w.handleDied(err)
		},
	}
	if w.conf.MetricsEnabled {
		opts.Metrics = channel.NewMetrics(deps.Registerer)
		if err := opts.Metrics.Register(); err != nil {
			w.shutdownExporter()
			return fmt.Errorf("failed to register channel metrics: %w", err)
		}
	}

	ch, err := channel.New(r, wr, opts)
	if err != nil {
		w.shutdownExporter()
		return err
	}
	w.ch = ch
	w.entity.channel = ch

	// A channel closed from the host side closes the worker too. A read side
	// failure goes through OnClosed instead.
	go func() {
		<-ch.Done()
		<-w.started
		if ch.Err() == nil {
			w.Close()
		}
	}()

	w.gatherer = deps.Gatherer
	if w.gatherer == nil {
		if g, ok := deps.Registerer.(prometheus.Gatherer); ok {
			w.gatherer = g
		} else {
			w.gatherer = prometheus.DefaultGatherer
		}
	}
	if w.conf.MetricsEnabled && w.conf.MetricsPort > 0 {
		w.debug = newDebugServer(w, w.gatherer, w.conf.DebugCORSAllowedOrigins)
		if err := w.debug.listen(fmt.Sprintf(":%d", w.conf.MetricsPort)); err != nil {
			w.logger.Error("Failed to start debug HTTP server", err, logging.LogFields{"port": w.conf.MetricsPort})
			w.debug = nil
		}
	}
	return nil
}

// supervise pumps the process output into the logger and reaps it.
func (w *Worker) supervise(stdout, stderr io.Reader) {
	var g errgroup.Group
	g.Go(func() error { return w.pump(stdout, false) })
	g.Go(func() error { return w.pump(stderr, true) })
	go func() {
		if err := g.Wait(); err != nil {
			w.logger.Debug("Worker output pump ended", logging.LogFields{"error": err.Error()})
		}
		if err := w.cmd.Wait(); err != nil {
			w.logger.Info("Worker process exited", logging.LogFields{"pid": w.pid, "error": err.Error()})
		} else {
			w.logger.Debug("Worker process exited", logging.LogFields{"pid": w.pid})
		}
		close(w.exited)
	}()
}

func (w *Worker) pump(r io.Reader, isStderr bool) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if isStderr {
			w.logger.Error(line, nil, logging.LogFields{"source": "worker_stderr"})
		} else {
			w.logger.Debug(line, logging.LogFields{"source": "worker_stdout"})
		}
	}
	return scanner.Err()
}

// PID is the worker process id, 0 when the worker was attached to a
// connection.
func (w *Worker) PID() int { return w.pid }

// Config returns the effective configuration, defaults applied.
func (w *Worker) Config() configpkg.Config { return w.conf }

// Channel exposes the worker's channel for stats and diagnostics.
func (w *Worker) Channel() *channel.Channel { return w.ch }

// Exporter returns the observer exporter, nil when export is disabled.
func (w *Worker) Exporter() *ObserverExporter { return w.exporter }

// DebugHandler serves /metrics and /debug/entities for this worker. It is
// available even when no debug port is configured.
func (w *Worker) DebugHandler() http.Handler {
	return newDebugServer(w, w.gatherer, w.conf.DebugCORSAllowedOrigins).mux
}

// DebugAddr is the address the debug HTTP server listens on, empty when it
// is not running.
func (w *Worker) DebugAddr() string {
	if w.debug == nil {
		return ""
	}
	return w.debug.addr()
}

// Died is closed when the worker went away without Close being called.
func (w *Worker) Died() <-chan struct{} { return w.died }

// Err is the cause of an unexpected death, nil otherwise.
func (w *Worker) Err() error {
	select {
	case <-w.died:
		return w.diedErr
	default:
		return nil
	}
}

// Done is closed once the worker is closed or died, its exporter drained and
// its process reaped.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Routers returns the live routers of the worker.
func (w *Worker) Routers() []*Router { return childrenOf[*Router](w.entity) }

// CreateRouter creates a router. The media codecs are passed to the worker as
// is.
func (w *Worker) CreateRouter(ctx context.Context, opts RouterOptions) (*Router, error) {
	const method = "worker.createRouter"
	r := newRouter(w, ids.NewEntityID(), opts.AppData)
	var data any
	if len(opts.MediaCodecs) > 0 {
		data = map[string]any{"mediaCodecs": opts.MediaCodecs}
	}
	r, err := createChild(ctx, w.entity, r, r.entity, method, data, r.applySnapshot)
	if err != nil {
		return nil, err
	}
	w.observer.Emit(EventNewRouter, r)
	return r, nil
}

// Dump returns the worker's internal view of itself.
func (w *Worker) Dump(ctx context.Context) (json.RawMessage, error) {
	return w.request(ctx, "worker.dump", nil)
}

// GetResourceUsage returns the resource usage of the worker process.
func (w *Worker) GetResourceUsage(ctx context.Context) (ResourceUsage, error) {
	var usage ResourceUsage
	err := w.requestInto(ctx, "worker.getResourceUsage", nil, &usage)
	return usage, err
}

// UpdateSettings changes the worker log level and tags at runtime.
func (w *Worker) UpdateSettings(ctx context.Context, settings WorkerSettings) error {
	const method = "worker.updateSettings"
	if settings.LogLevel != "" {
		check := configpkg.Config{LogLevel: settings.LogLevel}
		if err := check.Validate(); err != nil {
			return &errspkg.InvalidParametersError{Method: method, Reason: err.Error()}
		}
	}
	_, err := w.request(ctx, method, settings)
	return err
}

// Close closes every router, the channel and the process. Close on a closed
// or dead worker is a no-op.
func (w *Worker) Close() {
	if !w.teardown(EventClose, nil) {
		return
	}
	if w.ch != nil {
		_ = w.ch.Close()
	}
	if w.cmd != nil && w.cmd.Process != nil {
		if err := w.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			w.logger.Error("Failed to signal worker process", err, logging.LogFields{"pid": w.pid})
		}
	}
	w.shutdown()
}

func (w *Worker) handleDied(err error) {
	if !w.teardown(EventDied, err) {
		return
	}
	w.diedOnce.Do(func() {
		w.diedErr = err
		close(w.died)
	})
	w.logger.Error("Worker died", err, logging.LogFields{"pid": w.pid})
	w.shutdown()
}

// shutdown stops the exporter and the debug server once. Done closes after
// the process exited.
func (w *Worker) shutdown() {
	w.shutdownOnce.Do(func() {
		w.shutdownExporter()
		if w.debug != nil {
			if err := w.debug.close(); err != nil {
				w.logger.Error("Failed to stop debug HTTP server", err, nil)
			}
		}
		go func() {
			<-w.exited
			close(w.done)
		}()
	})
}

func (w *Worker) shutdownExporter() {
	if w.exporter == nil {
		return
	}
	if err := w.exporter.Close(); err != nil && !errors.Is(err, errspkg.ErrExporterClosed) {
		w.logger.Error("Failed to close observer exporter", err, nil)
	}
}

func closeAll(closers ...io.Closer) {
	for _, c := range closers {
		_ = c.Close()
	}
}
