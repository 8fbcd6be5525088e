package mediaflow

import (
	runtimepkg "github.com/drblury/mediaflow/internal/runtime"
	"github.com/drblury/mediaflow/internal/runtime/channel"
	ce "github.com/drblury/mediaflow/internal/runtime/cloudevents"
	configpkg "github.com/drblury/mediaflow/internal/runtime/config"
	errspkg "github.com/drblury/mediaflow/internal/runtime/errors"
	"github.com/drblury/mediaflow/internal/runtime/events"
	idspkg "github.com/drblury/mediaflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/mediaflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/mediaflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/mediaflow/internal/runtime/metadata"
	"github.com/drblury/mediaflow/sink"
)

type (
	Config             = configpkg.Config
	Worker             = runtimepkg.Worker
	WorkerDependencies = runtimepkg.WorkerDependencies
	WorkerSettings     = runtimepkg.WorkerSettings
	ResourceUsage      = runtimepkg.ResourceUsage

	Router       = runtimepkg.Router
	Transport    = runtimepkg.Transport
	Producer     = runtimepkg.Producer
	Consumer     = runtimepkg.Consumer
	DataProducer = runtimepkg.DataProducer
	DataConsumer = runtimepkg.DataConsumer

	EntityKind     = runtimepkg.EntityKind
	EntitySnapshot = runtimepkg.EntitySnapshot
	TransportKind  = runtimepkg.TransportKind
	MediaKind      = runtimepkg.MediaKind
	IceState       = runtimepkg.IceState
	DtlsState      = runtimepkg.DtlsState
	SctpState      = runtimepkg.SctpState
	AppData        = runtimepkg.AppData

	RouterOptions          = runtimepkg.RouterOptions
	WebRtcTransportOptions = runtimepkg.WebRtcTransportOptions
	DataTransportOptions   = runtimepkg.DataTransportOptions
	ConnectParams          = runtimepkg.ConnectParams
	ProducerOptions        = runtimepkg.ProducerOptions
	ConsumerOptions        = runtimepkg.ConsumerOptions
	DataProducerOptions    = runtimepkg.DataProducerOptions
	DataConsumerOptions    = runtimepkg.DataConsumerOptions

	TransportListenIP    = runtimepkg.TransportListenIP
	TransportTuple       = runtimepkg.TransportTuple
	TransportStat        = runtimepkg.TransportStat
	IceParameters        = runtimepkg.IceParameters
	IceCandidate         = runtimepkg.IceCandidate
	DtlsParameters       = runtimepkg.DtlsParameters
	DtlsFingerprint      = runtimepkg.DtlsFingerprint
	SctpParameters       = runtimepkg.SctpParameters
	SctpStreamParameters = runtimepkg.SctpStreamParameters
	NumSctpStreams       = runtimepkg.NumSctpStreams
	ProducerScore        = runtimepkg.ProducerScore
	ConsumerScore        = runtimepkg.ConsumerScore
	ConsumerLayers       = runtimepkg.ConsumerLayers
	TraceEventData       = runtimepkg.TraceEventData
	Message              = runtimepkg.Message
	StatsReport          = runtimepkg.StatsReport

	EventEmitter = events.EventEmitter
	EventHandler = events.Handler

	// Observer export
	ObserverEvent           = runtimepkg.ObserverEvent
	ObserverExporter        = runtimepkg.ObserverExporter
	ExporterOptions         = runtimepkg.ExporterOptions
	ExporterMetrics         = runtimepkg.ExporterMetrics
	ExporterMetricsSnapshot = runtimepkg.ExporterMetricsSnapshot
	PublishRetryConfig      = runtimepkg.PublishRetryConfig
	CloudEvent              = ce.Event
	DebugReport             = runtimepkg.DebugReport
	HostUsage               = runtimepkg.HostUsage

	// Channel
	Channel        = channel.Channel
	ChannelStats   = channel.Stats
	ChannelMetrics = channel.Metrics
	RequestHooks   = channel.Hooks
	RequestInfo    = channel.RequestInfo

	// Sinks
	SinkBuilder      = sink.Builder
	SinkConfig       = sink.Config
	SinkRegistry     = sink.Registry
	SinkCapabilities = sink.Capabilities

	Metadata = metadatapkg.Metadata

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLogger               = loggingpkg.EntryLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	InvalidStateError      = errspkg.InvalidStateError
	InvalidParametersError = errspkg.InvalidParametersError
	NotImplementedError    = errspkg.NotImplementedError
	TimeoutError           = errspkg.TimeoutError
	ChannelClosedError     = errspkg.ChannelClosedError
	WorkerError            = errspkg.WorkerError
	UnsupportedError       = errspkg.UnsupportedError
	ConfigValidationError  = errspkg.ConfigValidationError
)

var (
	NewWorker         = runtimepkg.NewWorker
	NewWorkerWithConn = runtimepkg.NewWorkerWithConn
	ValidateConfig    = configpkg.ValidateConfig
	LoadConfig        = configpkg.Load

	NewObserverExporter        = runtimepkg.NewObserverExporter
	NewExporterMetrics         = runtimepkg.NewExporterMetrics
	MetricsPublisherDecorator  = runtimepkg.MetricsPublisherDecorator
	TracingPublisherDecorator  = runtimepkg.TracingPublisherDecorator
	NewCloudEvent              = ce.New
	NewChannelMetrics          = channel.NewMetrics
	LoggingRequestHooks        = channel.LoggingHooks
	MetricsRequestHooks        = channel.MetricsHooks
	DefaultSinkRegistry        = sink.DefaultRegistry
	RegisterSink               = sink.Register
	BuildSink                  = sink.Build
	GetSinkCapabilities        = sink.GetCapabilities

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrInvalidState      = errspkg.ErrInvalidState
	ErrInvalidParameters = errspkg.ErrInvalidParameters
	ErrNotImplemented    = errspkg.ErrNotImplemented
	ErrTimeout           = errspkg.ErrTimeout
	ErrChannelClosed     = errspkg.ErrChannelClosed
	ErrWorkerFailure     = errspkg.ErrWorkerFailure
	ErrUnsupported       = errspkg.ErrUnsupported
	ErrConfigRequired    = errspkg.ErrConfigRequired
	ErrLoggerRequired    = errspkg.ErrLoggerRequired
	ErrConnRequired      = errspkg.ErrConnRequired
	ErrTopicRequired     = errspkg.ErrTopicRequired
	ErrPublisherRequired = errspkg.ErrPublisherRequired
	ErrUnknownFormat     = errspkg.ErrUnknownFormat
	ErrExporterClosed    = errspkg.ErrExporterClosed

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewNopLogger              = loggingpkg.NewNopLogger

	NewMetadata      = metadatapkg.New
	ObservedMetadata = metadatapkg.Observed

	NewEntityID = idspkg.NewEntityID
	NewULID     = idspkg.NewULID
)

// Entity kinds.
const (
	KindWorker       = runtimepkg.KindWorker
	KindRouter       = runtimepkg.KindRouter
	KindTransport    = runtimepkg.KindTransport
	KindProducer     = runtimepkg.KindProducer
	KindConsumer     = runtimepkg.KindConsumer
	KindDataProducer = runtimepkg.KindDataProducer
	KindDataConsumer = runtimepkg.KindDataConsumer
)

// Media kinds.
const (
	MediaKindAudio = runtimepkg.MediaKindAudio
	MediaKindVideo = runtimepkg.MediaKindVideo
)

// Lifecycle and notification event names.
const (
	EventClose                  = runtimepkg.EventClose
	EventDied                   = runtimepkg.EventDied
	EventWorkerClose            = runtimepkg.EventWorkerClose
	EventRouterClose            = runtimepkg.EventRouterClose
	EventTransportClose         = runtimepkg.EventTransportClose
	EventNewRouter              = runtimepkg.EventNewRouter
	EventNewTransport           = runtimepkg.EventNewTransport
	EventNewProducer            = runtimepkg.EventNewProducer
	EventNewConsumer            = runtimepkg.EventNewConsumer
	EventNewDataProducer        = runtimepkg.EventNewDataProducer
	EventNewDataConsumer        = runtimepkg.EventNewDataConsumer
	EventPause                  = runtimepkg.EventPause
	EventResume                 = runtimepkg.EventResume
	EventIceStateChange         = runtimepkg.EventIceStateChange
	EventIceSelectedTupleChange = runtimepkg.EventIceSelectedTupleChange
	EventDtlsStateChange        = runtimepkg.EventDtlsStateChange
	EventSctpStateChange        = runtimepkg.EventSctpStateChange
	EventTrace                  = runtimepkg.EventTrace
	EventScore                  = runtimepkg.EventScore
	EventLayersChange           = runtimepkg.EventLayersChange
	EventVideoOrientationChange = runtimepkg.EventVideoOrientationChange
	EventProducerClose          = runtimepkg.EventProducerClose
	EventProducerPause          = runtimepkg.EventProducerPause
	EventProducerResume         = runtimepkg.EventProducerResume
	EventDataProducerClose      = runtimepkg.EventDataProducerClose
	EventBufferedAmountLow      = runtimepkg.EventBufferedAmountLow
	EventSctpSendBufferFull     = runtimepkg.EventSctpSendBufferFull
	EventMessage                = runtimepkg.EventMessage
)

// SCTP payload protocol identifiers accepted by DataProducer.Send.
const (
	PPIDString      = runtimepkg.PPIDString
	PPIDBinary      = runtimepkg.PPIDBinary
	PPIDStringEmpty = runtimepkg.PPIDStringEmpty
	PPIDBinaryEmpty = runtimepkg.PPIDBinaryEmpty
)

// Observer export formats.
const (
	FormatJSON        = configpkg.FormatJSON
	FormatProtoJSON   = configpkg.FormatProtoJSON
	FormatCloudEvents = configpkg.FormatCloudEvents
)

// Metadata keys set on every exported observer message.
const (
	MetadataKeyEntityKind  = metadatapkg.KeyEntityKind
	MetadataKeyEntityID    = metadatapkg.KeyEntityID
	MetadataKeyEvent       = metadatapkg.KeyEvent
	MetadataKeyWorkerID    = metadatapkg.KeyWorkerID
	MetadataKeyFormat      = metadatapkg.KeyFormat
	MetadataKeyContentType = metadatapkg.KeyContentType
	MetadataKeyEmittedAt   = metadatapkg.KeyEmittedAt
)

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}
