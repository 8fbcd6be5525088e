package runtime

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/mediaflow/internal/runtime/channel"
	"github.com/drblury/mediaflow/internal/runtime/jsoncodec"
	"github.com/drblury/mediaflow/internal/runtime/logging"
)

const debugShutdownTimeout = 5 * time.Second

// DebugReport is the body of /debug/entities.
type DebugReport struct {
	Worker   EntitySnapshot           `json:"worker"`
	Channel  channel.Stats            `json:"channel"`
	Observer *ExporterMetricsSnapshot `json:"observer,omitempty"`
	Host     HostUsage                `json:"host"`
}

type debugServer struct {
	worker         *Worker
	allowedOrigins []string
	logger         logging.ServiceLogger
	mux            *http.ServeMux
	usage          *hostSampler

	listener net.Listener
	server   *http.Server
}

func newDebugServer(w *Worker, gatherer prometheus.Gatherer, allowedOrigins []string) *debugServer {
	d := &debugServer{
		worker:         w,
		allowedOrigins: allowedOrigins,
		logger:         w.logger.With(logging.LogFields{"component": "debug_http"}),
		mux:            http.NewServeMux(),
		usage:          newHostSampler(),
	}
	d.mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	d.mux.HandleFunc("/debug/entities", d.handleEntities)
	return d
}

func (d *debugServer) listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	d.listener = ln
	d.server = &http.Server{Handler: d.mux, ReadHeaderTimeout: 5 * time.Second}
	d.logger.Info("Starting HTTP server", logging.LogFields{"address": ln.Addr().String()})
	go func() {
		if err := d.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.logger.Error("HTTP server stopped", err, logging.LogFields{"address": ln.Addr().String()})
		}
	}()
	return nil
}

func (d *debugServer) addr() string {
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

func (d *debugServer) close() error {
	if d.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), debugShutdownTimeout)
	defer cancel()
	return d.server.Shutdown(ctx)
}

func (d *debugServer) handleEntities(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if len(d.allowedOrigins) > 0 {
		if origin := d.allowedCORSOrigin(r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet, http.MethodHead:
	default:
		w.Header().Set("Allow", "GET, HEAD, OPTIONS")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := jsoncodec.Encode(w, d.report()); err != nil {
		d.logger.Error("Failed to encode entity report", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (d *debugServer) report() DebugReport {
	rep := DebugReport{Worker: d.worker.Snapshot(), Host: d.usage.Sample()}
	if d.worker.ch != nil {
		rep.Channel = d.worker.ch.Stats()
	}
	if d.worker.exporter != nil && d.worker.exporter.Metrics() != nil {
		snap := d.worker.exporter.Metrics().Snapshot()
		rep.Observer = &snap
	}
	return rep
}

// allowedCORSOrigin returns the Access-Control-Allow-Origin value for the
// request origin, empty when it is not allowed.
func (d *debugServer) allowedCORSOrigin(requestOrigin string) string {
	for _, allowed := range d.allowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
