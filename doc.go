// Package mediaflow is the host-side control plane for an out-of-process
// media worker. It spawns the worker binary, speaks the netstring JSON
// request/notification protocol over a pipe pair and exposes the worker's
// routers, transports, producers, consumers and data channels as Go objects
// whose lifecycle mirrors the worker's state.
//
// A minimal setup fills Config, calls NewWorker and creates routers from it:
//
//	w, err := mediaflow.NewWorker(ctx, &mediaflow.Config{WorkerBin: "/usr/bin/mediasoup-worker"}, logger, mediaflow.WorkerDependencies{})
//	if err != nil {
//		return err
//	}
//	defer w.Close()
//	router, err := w.CreateRouter(ctx, mediaflow.RouterOptions{})
//
// # Lifecycle
//
// Closing any entity closes its descendants depth-first. Each descendant
// emits its parent-closed event ("routerclose", "transportclose", ...) while
// only the entity Close was called on sends a close request to the worker.
// When the worker process dies every entity emits "workerclose" and pending
// requests fail with ErrChannelClosed.
//
// # Observer export
//
// Setting Config.ObserverSink mirrors every observer event of the entity tree
// onto a Watermill publisher. Supported sinks are channel, kafka, rabbitmq,
// aws (SNS), aws-sqs, nats, nats-jetstream, http and io. Events are encoded as json,
// protojson or CloudEvents and carry entity metadata.
//
// # Debug HTTP
//
// With MetricsEnabled the worker serves Prometheus metrics on /metrics and a
// JSON dump of the entity tree, channel statistics and host usage on
// /debug/entities.
package mediaflow
