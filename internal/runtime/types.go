package runtime

import (
	"github.com/drblury/mediaflow/internal/runtime/jsoncodec"
)

// EntityKind names the kind of a proxied worker entity.
type EntityKind string

const (
	KindWorker       EntityKind = "worker"
	KindRouter       EntityKind = "router"
	KindTransport    EntityKind = "transport"
	KindProducer     EntityKind = "producer"
	KindConsumer     EntityKind = "consumer"
	KindDataProducer EntityKind = "dataProducer"
	KindDataConsumer EntityKind = "dataConsumer"
)

// TransportKind distinguishes the transport specializations.
type TransportKind string

const (
	TransportKindWebRtc TransportKind = "webrtc"
	TransportKindData   TransportKind = "data"
)

// IceState is the ICE state of a WebRTC transport.
type IceState string

const (
	IceStateNew          IceState = "new"
	IceStateConnected    IceState = "connected"
	IceStateCompleted    IceState = "completed"
	IceStateDisconnected IceState = "disconnected"
	IceStateClosed       IceState = "closed"
)

// DtlsState is the DTLS state of a WebRTC transport.
type DtlsState string

const (
	DtlsStateNew        DtlsState = "new"
	DtlsStateConnecting DtlsState = "connecting"
	DtlsStateConnected  DtlsState = "connected"
	DtlsStateFailed     DtlsState = "failed"
	DtlsStateClosed     DtlsState = "closed"
)

// SctpState is the state of an SCTP association.
type SctpState string

const (
	SctpStateNew        SctpState = "new"
	SctpStateConnecting SctpState = "connecting"
	SctpStateConnected  SctpState = "connected"
	SctpStateFailed     SctpState = "failed"
	SctpStateClosed     SctpState = "closed"
)

// MediaKind is "audio" or "video".
type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

// AppData is opaque application data attached to an entity at creation.
type AppData map[string]any

type IceParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	IceLite          bool   `json:"iceLite,omitempty"`
}

type IceCandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Protocol   string `json:"protocol"`
	Port       uint16 `json:"port"`
	Type       string `json:"type"`
	TCPType    string `json:"tcpType,omitempty"`
}

type DtlsFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

// DtlsParameters describes one DTLS endpoint. Role is "auto", "client" or
// "server".
type DtlsParameters struct {
	Role         string            `json:"role,omitempty"`
	Fingerprints []DtlsFingerprint `json:"fingerprints"`
}

type SctpParameters struct {
	Port           uint16 `json:"port"`
	OS             uint16 `json:"OS"`
	MIS            uint16 `json:"MIS"`
	MaxMessageSize uint32 `json:"maxMessageSize"`
}

type SctpStreamParameters struct {
	StreamID          uint16 `json:"streamId"`
	Ordered           *bool  `json:"ordered,omitempty"`
	MaxPacketLifeTime uint16 `json:"maxPacketLifeTime,omitempty"`
	MaxRetransmits    uint16 `json:"maxRetransmits,omitempty"`
}

// TransportTuple is the 5-tuple selected by ICE.
type TransportTuple struct {
	LocalIP    string `json:"localIp"`
	LocalPort  uint16 `json:"localPort"`
	RemoteIP   string `json:"remoteIp,omitempty"`
	RemotePort uint16 `json:"remotePort,omitempty"`
	Protocol   string `json:"protocol"`
}

// TransportListenIP is a local address a transport binds to, with an
// optional announced address for NAT setups.
type TransportListenIP struct {
	IP          string `json:"ip"`
	AnnouncedIP string `json:"announcedIp,omitempty"`
}

// TransportStat is one entry of a transport stats report. WebRTC specific
// fields are empty for data transports.
type TransportStat struct {
	Type                     string    `json:"type"`
	TransportID              string    `json:"transportId"`
	Timestamp                int64     `json:"timestamp"`
	SctpState                SctpState `json:"sctpState,omitempty"`
	BytesReceived            uint64    `json:"bytesReceived"`
	RecvBitrate              uint64    `json:"recvBitrate"`
	BytesSent                uint64    `json:"bytesSent"`
	SendBitrate              uint64    `json:"sendBitrate"`
	RtpBytesReceived         uint64    `json:"rtpBytesReceived"`
	RtpRecvBitrate           uint64    `json:"rtpRecvBitrate"`
	RtpBytesSent             uint64    `json:"rtpBytesSent"`
	RtpSendBitrate           uint64    `json:"rtpSendBitrate"`
	RtxBytesReceived         uint64    `json:"rtxBytesReceived"`
	RtxRecvBitrate           uint64    `json:"rtxRecvBitrate"`
	RtxBytesSent             uint64    `json:"rtxBytesSent"`
	RtxSendBitrate           uint64    `json:"rtxSendBitrate"`
	ProbationBytesReceived   uint64    `json:"probationBytesReceived"`
	ProbationRecvBitrate     uint64    `json:"probationRecvBitrate"`
	ProbationBytesSent       uint64    `json:"probationBytesSent"`
	ProbationSendBitrate     uint64    `json:"probationSendBitrate"`
	AvailableOutgoingBitrate uint64    `json:"availableOutgoingBitrate,omitempty"`
	AvailableIncomingBitrate uint64    `json:"availableIncomingBitrate,omitempty"`
	MaxIncomingBitrate       uint64    `json:"maxIncomingBitrate,omitempty"`

	IceRole          string          `json:"iceRole,omitempty"`
	IceState         IceState        `json:"iceState,omitempty"`
	IceSelectedTuple *TransportTuple `json:"iceSelectedTuple,omitempty"`
	DtlsState        DtlsState       `json:"dtlsState,omitempty"`
}

// TraceEventData is the payload of a "trace" event. Info is kind specific.
type TraceEventData struct {
	Type      string               `json:"type"`
	Timestamp int64                `json:"timestamp"`
	Direction string               `json:"direction"`
	Info      jsoncodec.RawMessage `json:"info,omitempty"`
}

type ProducerScore struct {
	SSRC  uint32 `json:"ssrc"`
	RID   string `json:"rid,omitempty"`
	Score uint8  `json:"score"`
}

type ProducerVideoOrientation struct {
	Camera   bool   `json:"camera"`
	Flip     bool   `json:"flip"`
	Rotation uint16 `json:"rotation"`
}

type ConsumerScore struct {
	Score          uint8   `json:"score"`
	ProducerScore  uint8   `json:"producerScore"`
	ProducerScores []uint8 `json:"producerScores,omitempty"`
}

type ConsumerLayers struct {
	SpatialLayer  uint8  `json:"spatialLayer"`
	TemporalLayer *uint8 `json:"temporalLayer,omitempty"`
}

// RouterOptions configures CreateRouter. MediaCodecs is passed to the worker
// as is.
type RouterOptions struct {
	MediaCodecs []map[string]any
	AppData     AppData
}

// WebRtcTransportOptions configures CreateWebRtcTransport.
type WebRtcTransportOptions struct {
	ListenIPs                       []TransportListenIP
	EnableUDP                       bool
	EnableTCP                       bool
	PreferUDP                       bool
	PreferTCP                       bool
	InitialAvailableOutgoingBitrate uint32
	EnableSctp                      bool
	NumSctpStreams                  *NumSctpStreams
	MaxSctpMessageSize              uint32
	AppData                         AppData
}

type NumSctpStreams struct {
	OS  uint16 `json:"OS"`
	MIS uint16 `json:"MIS"`
}

// DataTransportOptions configures CreateDataTransport. EnableSctp defaults to
// true and MaxSctpMessageSize to 262144.
type DataTransportOptions struct {
	EnableSctp         *bool
	MaxSctpMessageSize uint32
	AppData            AppData
}

// ConnectParams carries the remote DTLS parameters. Data transports ignore it.
type ConnectParams struct {
	DtlsParameters *DtlsParameters
}

// ProducerOptions configures Produce. RtpParameters is passed to the worker as
// is.
type ProducerOptions struct {
	ID            string
	Kind          MediaKind
	RtpParameters map[string]any
	Paused        bool
	AppData       AppData
}

// ConsumerOptions configures Consume.
type ConsumerOptions struct {
	ProducerID      string
	RtpCapabilities map[string]any
	Paused          bool
	PreferredLayers *ConsumerLayers
	AppData         AppData
}

// DataProducerOptions configures ProduceData.
type DataProducerOptions struct {
	ID                   string
	SctpStreamParameters SctpStreamParameters
	Label                string
	Protocol             string
	AppData              AppData
}

// DataConsumerOptions configures ConsumeData.
type DataConsumerOptions struct {
	DataProducerID string
	AppData        AppData
}

// ResourceUsage mirrors getrusage(2) of the worker process.
type ResourceUsage struct {
	UTime    float64 `json:"ru_utime"`
	STime    float64 `json:"ru_stime"`
	MaxRSS   int64   `json:"ru_maxrss"`
	IXRSS    int64   `json:"ru_ixrss"`
	IDRSS    int64   `json:"ru_idrss"`
	ISRSS    int64   `json:"ru_isrss"`
	MinFlt   int64   `json:"ru_minflt"`
	MajFlt   int64   `json:"ru_majflt"`
	NSwap    int64   `json:"ru_nswap"`
	InBlock  int64   `json:"ru_inblock"`
	OuBlock  int64   `json:"ru_oublock"`
	MsgSnd   int64   `json:"ru_msgsnd"`
	MsgRcv   int64   `json:"ru_msgrcv"`
	NSignals int64   `json:"ru_nsignals"`
	NVCSw    int64   `json:"ru_nvcsw"`
	NIvCSw   int64   `json:"ru_nivcsw"`
}

// WorkerSettings are the settings UpdateSettings can change at runtime.
type WorkerSettings struct {
	LogLevel string   `json:"logLevel,omitempty"`
	LogTags  []string `json:"logTags,omitempty"`
}
