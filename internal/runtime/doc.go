/*
Package runtime implements the host side of a mediasoup worker: process
supervision, the request/notification channel and the entity tree.

# Architecture Overview

A Worker owns one child process and one channel.Channel. Every other entity
(Router, Transport, Producer, Consumer, DataProducer, DataConsumer) is created
through a request on that channel and lives in a tree rooted at the Worker.
Notifications from the process are routed by target id to the entity that
subscribed for it.

# Package Structure

## Entities (entity.go, worker.go, router.go, transport.go, ...)

The entity core carries what every node shares:
  - a closed flag flipped once by compare-and-swap
  - a direct EventEmitter and an observer EventEmitter
  - the child set used for depth-first close cascades
  - a mailbox subscription gated until the creation reply has been applied

Closing an entity sends one close request. Children are closed by cascade
without their own requests, since the worker tears them down itself.

## Notifications (notification.go, types.go)

Payload decoding for every event the worker emits, plus the option and
snapshot types exchanged on requests.

## Observer export (observer_export.go, export_publisher.go, exporter_metrics.go)

The ObserverExporter taps observer events of the whole tree and publishes
them to a Watermill publisher built from the sink registry. Taps never block:
when the queue is full the event is dropped and counted. Publishing is
retried with backoff and can be decorated with tracing and metrics.

## Debug HTTP (debug_http.go, resources.go)

/debug/entities serves a DebugReport with the entity tree, channel stats,
exporter counters and host usage. /metrics serves the Prometheus registry.

# Sub-packages

  - channel/: request correlation, mailboxes, hooks and metrics
  - channel/channeltest/: in-memory fake worker for tests
  - cloudevents/: CloudEvents envelope for exported events
  - config/: worker configuration, validation and viper loading
  - errors/: sentinel errors and the worker rejection mapping
  - events/: the EventEmitter used by every entity
  - ids/: entity ids and message ids
  - jsoncodec/: JSON encoding backed by sonic
  - logging/: ServiceLogger and its adapters
  - metadata/: metadata keys set on exported messages
  - netstring/: the netstring framing used on the worker pipes

# Usage Example

	cfg := &mediaflow.Config{WorkerBin: "/usr/local/bin/mediasoup-worker"}

	worker, err := mediaflow.NewWorker(ctx, cfg, logger, mediaflow.WorkerDependencies{})
	if err != nil {
		return err
	}
	defer worker.Close()

	router, err := worker.CreateRouter(ctx, mediaflow.RouterOptions{})
*/
package runtime
