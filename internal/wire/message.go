package wire

// Kind identifies which variant of the control-union a Message carries.
// v1 is Login..NewProxyConn; v2 adds P2P (opaque pass-through).
type Kind uint8

const (
	KindLogin Kind = iota + 1
	KindLoginResult
	KindHeartbeat
	KindRequestNewProxyConn
	KindNewProxyConn
	KindP2P // v2: peer-to-peer hole-punching envelope, opaque to the core
)

// ProtocolVersion1 is the mandatory baseline. ProtocolVersion2 additionally
// allows KindP2P messages.
const (
	ProtocolVersion1 uint32 = 1
	ProtocolVersion2 uint32 = 2
)

// Login is sent once by a worker immediately after the control TLS
// handshake completes.
type Login struct {
	Credential        []byte
	WorkerID          string // 32 lowercase hex chars
	ProtocolVersion   uint32
	DeviceFingerprint string // optional; empty if absent
}

// LoginResult is the server's reply to Login.
type LoginResult struct {
	OK             bool
	Reason         string // populated when OK is false
	AcceptedModels []string
}

// SystemInfo summarizes a worker's host telemetry. Optional scalar fields
// use a presence flag alongside the value since the wire format has no
// native optional-float.
type SystemInfo struct {
	CPUPct      float64
	MemPct      float64
	DiskPct     float64
	HasTemp     bool
	Temperature float64
	BandwidthIn uint64
	BandwidthOut uint64
	HasPower    bool
	Power       float64
}

// DeviceInfo describes one accelerator/device a worker exposes.
type DeviceInfo struct {
	Kind           string
	ModelName      string
	MemoryBytes    uint64
	TFlopsEstimate float64
}

// ModelOffered describes one model a worker can serve.
type ModelOffered struct {
	Name             string
	Quantization     string // optional; empty if absent
	CapabilityFlags  []string
}

// Heartbeat carries liveness + telemetry + catalog in one message;
// SystemInfo/DevicesInfo may also arrive embedded here per spec §4.6.
type Heartbeat struct {
	System        *SystemInfo
	Devices       []DeviceInfo
	ModelsOffered []ModelOffered
}

// RequestNewProxyConn is sent server->worker to ask it to dial the proxy
// port for a specific rendezvous.
type RequestNewProxyConn struct {
	RendezvousID  string // 32 lowercase hex chars
	ModelHint     string // optional
	AccountingTag string // optional
}

// NewProxyConn is sent worker->server on the proxy port to claim a
// rendezvous.
type NewProxyConn struct {
	RendezvousID string
	WorkerID     string
}

// P2P is the v2 hole-punching envelope. The core never interprets
// Payload: it forwards it verbatim to TargetWorkerID's control socket (or
// drops it if that worker is not registered). UnknownFields preserves any
// trailing tagged fields this version of the codec doesn't know about, so
// that forwarding is lossless even as the P2P sub-protocol evolves.
type P2P struct {
	TargetWorkerID string
	Payload        []byte
	UnknownFields  []byte // raw, still-tagged bytes appended verbatim on re-encode
}

// Message is the tagged union carried by one frame body.
type Message struct {
	Kind Kind

	Login               *Login
	LoginResult         *LoginResult
	Heartbeat           *Heartbeat
	RequestNewProxyConn *RequestNewProxyConn
	NewProxyConn        *NewProxyConn
	P2P                 *P2P
}
