package wire

import (
	"fmt"
	"math"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"
)

// Encode serializes a Message into a frame body. It is total: every
// well-formed Message (exactly one of the Kind-selected pointers set)
// encodes without error.
func Encode(m Message) ([]byte, error) {
	var sub []byte
	switch m.Kind {
	case KindLogin:
		sub = encodeLogin(m.Login)
	case KindLoginResult:
		sub = encodeLoginResult(m.LoginResult)
	case KindHeartbeat:
		sub = encodeHeartbeat(m.Heartbeat)
	case KindRequestNewProxyConn:
		sub = encodeRequestNewProxyConn(m.RequestNewProxyConn)
	case KindNewProxyConn:
		sub = encodeNewProxyConn(m.NewProxyConn)
	case KindP2P:
		sub = encodeP2P(m.P2P)
	default:
		return nil, fmt.Errorf("wire: encode: unknown message kind %d", m.Kind)
	}
	body := protowire.AppendTag(nil, protowire.Number(m.Kind), protowire.BytesType)
	body = protowire.AppendBytes(body, sub)
	return body, nil
}

// Decode parses a frame body into a Message.
func Decode(body []byte) (Message, error) {
	num, typ, n := protowire.ConsumeTag(body)
	if n < 0 {
		return Message{}, tagError(n)
	}
	if typ != protowire.BytesType {
		return Message{}, &DecodeError{Kind: UnknownTag, Err: fmt.Errorf("unexpected wire type %d for envelope", typ)}
	}
	sub, n := protowire.ConsumeBytes(body[n:])
	if n < 0 {
		return Message{}, tagError(n)
	}

	switch Kind(num) {
	case KindLogin:
		v, err := decodeLogin(sub)
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: KindLogin, Login: v}, nil
	case KindLoginResult:
		v, err := decodeLoginResult(sub)
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: KindLoginResult, LoginResult: v}, nil
	case KindHeartbeat:
		v, err := decodeHeartbeat(sub)
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: KindHeartbeat, Heartbeat: v}, nil
	case KindRequestNewProxyConn:
		v, err := decodeRequestNewProxyConn(sub)
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: KindRequestNewProxyConn, RequestNewProxyConn: v}, nil
	case KindNewProxyConn:
		v, err := decodeNewProxyConn(sub)
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: KindNewProxyConn, NewProxyConn: v}, nil
	case KindP2P:
		v, err := decodeP2P(sub)
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: KindP2P, P2P: v}, nil
	default:
		return Message{}, &DecodeError{Kind: UnknownTag, Err: fmt.Errorf("unknown message kind tag %d", num)}
	}
}

func tagError(n int) error {
	pe := protowire.ParseError(n)
	return &DecodeError{Kind: Truncated, Err: pe}
}

// --- Login ---

func encodeLogin(l *Login) []byte {
	var b []byte
	b = appendBytesField(b, 1, l.Credential)
	b = appendStringField(b, 2, l.WorkerID)
	b = appendVarintField(b, 3, uint64(l.ProtocolVersion))
	b = appendStringField(b, 4, l.DeviceFingerprint)
	return b
}

func decodeLogin(b []byte) (*Login, error) {
	out := &Login{}
	for len(b) > 0 {
		num, n, typ, rest, err := consumeTagValueTyped(b)
		if err != nil {
			return nil, err
		}
		switch {
		case num == 1 && typ == protowire.BytesType:
			out.Credential = append([]byte(nil), n.bytes...)
		case num == 2 && typ == protowire.BytesType:
			if !utf8.Valid(n.bytes) {
				return nil, &DecodeError{Kind: InvalidUtf8, Err: fmt.Errorf("login.worker_id")}
			}
			out.WorkerID = string(n.bytes)
		case num == 3 && typ == protowire.VarintType:
			out.ProtocolVersion = uint32(n.varint)
		case num == 4 && typ == protowire.BytesType:
			if !utf8.Valid(n.bytes) {
				return nil, &DecodeError{Kind: InvalidUtf8, Err: fmt.Errorf("login.device_fingerprint")}
			}
			out.DeviceFingerprint = string(n.bytes)
		}
		b = rest
	}
	if out.ProtocolVersion != ProtocolVersion1 && out.ProtocolVersion != ProtocolVersion2 {
		return nil, &DecodeError{Kind: VersionMismatch, Err: fmt.Errorf("login.protocol_version %d unsupported", out.ProtocolVersion)}
	}
	return out, nil
}

// --- LoginResult ---

func encodeLoginResult(l *LoginResult) []byte {
	var b []byte
	b = appendBoolField(b, 1, l.OK)
	b = appendStringField(b, 2, l.Reason)
	for _, m := range l.AcceptedModels {
		b = appendStringField(b, 3, m)
	}
	return b
}

func decodeLoginResult(b []byte) (*LoginResult, error) {
	out := &LoginResult{}
	for len(b) > 0 {
		num, n, _, rest, err := consumeTagValueTyped(b)
		if err != nil {
			return nil, err
		}
		switch num {
		case 1:
			out.OK = n.varint != 0
		case 2:
			if !utf8.Valid(n.bytes) {
				return nil, &DecodeError{Kind: InvalidUtf8, Err: fmt.Errorf("login_result.reason")}
			}
			out.Reason = string(n.bytes)
		case 3:
			if !utf8.Valid(n.bytes) {
				return nil, &DecodeError{Kind: InvalidUtf8, Err: fmt.Errorf("login_result.accepted_models")}
			}
			out.AcceptedModels = append(out.AcceptedModels, string(n.bytes))
		}
		b = rest
	}
	return out, nil
}

// --- SystemInfo (embedded) ---

func encodeSystemInfo(s *SystemInfo) []byte {
	if s == nil {
		return nil
	}
	var b []byte
	b = appendFixed64Field(b, 1, math.Float64bits(s.CPUPct))
	b = appendFixed64Field(b, 2, math.Float64bits(s.MemPct))
	b = appendFixed64Field(b, 3, math.Float64bits(s.DiskPct))
	if s.HasTemp {
		b = appendFixed64Field(b, 4, math.Float64bits(s.Temperature))
	}
	b = appendVarintField(b, 5, s.BandwidthIn)
	b = appendVarintField(b, 6, s.BandwidthOut)
	if s.HasPower {
		b = appendFixed64Field(b, 7, math.Float64bits(s.Power))
	}
	return b
}

func decodeSystemInfo(b []byte) (*SystemInfo, error) {
	out := &SystemInfo{}
	for len(b) > 0 {
		num, n, _, rest, err := consumeTagValueTyped(b)
		if err != nil {
			return nil, err
		}
		switch num {
		case 1:
			out.CPUPct = math.Float64frombits(n.fixed64)
		case 2:
			out.MemPct = math.Float64frombits(n.fixed64)
		case 3:
			out.DiskPct = math.Float64frombits(n.fixed64)
		case 4:
			out.HasTemp = true
			out.Temperature = math.Float64frombits(n.fixed64)
		case 5:
			out.BandwidthIn = n.varint
		case 6:
			out.BandwidthOut = n.varint
		case 7:
			out.HasPower = true
			out.Power = math.Float64frombits(n.fixed64)
		}
		b = rest
	}
	return out, nil
}

// --- DeviceInfo (embedded, repeated) ---

func encodeDeviceInfo(d DeviceInfo) []byte {
	var b []byte
	b = appendStringField(b, 1, d.Kind)
	b = appendStringField(b, 2, d.ModelName)
	b = appendVarintField(b, 3, d.MemoryBytes)
	b = appendFixed64Field(b, 4, math.Float64bits(d.TFlopsEstimate))
	return b
}

func decodeDeviceInfo(b []byte) (DeviceInfo, error) {
	out := DeviceInfo{}
	for len(b) > 0 {
		num, n, _, rest, err := consumeTagValueTyped(b)
		if err != nil {
			return out, err
		}
		switch num {
		case 1:
			if !utf8.Valid(n.bytes) {
				return out, &DecodeError{Kind: InvalidUtf8, Err: fmt.Errorf("device_info.kind")}
			}
			out.Kind = string(n.bytes)
		case 2:
			if !utf8.Valid(n.bytes) {
				return out, &DecodeError{Kind: InvalidUtf8, Err: fmt.Errorf("device_info.model_name")}
			}
			out.ModelName = string(n.bytes)
		case 3:
			out.MemoryBytes = n.varint
		case 4:
			out.TFlopsEstimate = math.Float64frombits(n.fixed64)
		}
		b = rest
	}
	return out, nil
}

// --- ModelOffered (embedded, repeated) ---

func encodeModelOffered(m ModelOffered) []byte {
	var b []byte
	b = appendStringField(b, 1, m.Name)
	b = appendStringField(b, 2, m.Quantization)
	for _, f := range m.CapabilityFlags {
		b = appendStringField(b, 3, f)
	}
	return b
}

func decodeModelOffered(b []byte) (ModelOffered, error) {
	out := ModelOffered{}
	for len(b) > 0 {
		num, n, _, rest, err := consumeTagValueTyped(b)
		if err != nil {
			return out, err
		}
		switch num {
		case 1:
			if !utf8.Valid(n.bytes) {
				return out, &DecodeError{Kind: InvalidUtf8, Err: fmt.Errorf("model_offered.name")}
			}
			out.Name = string(n.bytes)
		case 2:
			if !utf8.Valid(n.bytes) {
				return out, &DecodeError{Kind: InvalidUtf8, Err: fmt.Errorf("model_offered.quantization")}
			}
			out.Quantization = string(n.bytes)
		case 3:
			if !utf8.Valid(n.bytes) {
				return out, &DecodeError{Kind: InvalidUtf8, Err: fmt.Errorf("model_offered.capability_flags")}
			}
			out.CapabilityFlags = append(out.CapabilityFlags, string(n.bytes))
		}
		b = rest
	}
	return out, nil
}

// --- Heartbeat ---

// compressThreshold is the plain-encoded devices-list size above which the
// encoder switches to zstd (see compress.go).
const compressThreshold = 256

func encodeHeartbeat(h *Heartbeat) []byte {
	var b []byte
	if h.System != nil {
		b = appendBytesField(b, 1, encodeSystemInfo(h.System))
	}

	var devicesPlain []byte
	for _, d := range h.Devices {
		devicesPlain = protowire.AppendTag(devicesPlain, 1, protowire.BytesType)
		devicesPlain = protowire.AppendBytes(devicesPlain, encodeDeviceInfo(d))
	}
	if len(devicesPlain) > compressThreshold {
		compressed := compressBlob(devicesPlain)
		b = appendBytesField(b, 4, compressed)
		b = appendVarintField(b, 5, 1) // compression codec: 1=zstd
	} else if len(devicesPlain) > 0 {
		b = appendBytesField(b, 2, devicesPlain)
	}

	for _, m := range h.ModelsOffered {
		b = appendBytesField(b, 3, encodeModelOffered(m))
	}
	return b
}

func decodeHeartbeat(b []byte) (*Heartbeat, error) {
	out := &Heartbeat{}
	var devicesBlob []byte
	var devicesCompressed bool
	for len(b) > 0 {
		num, n, typ, rest, err := consumeTagValueTyped(b)
		if err != nil {
			return nil, err
		}
		switch num {
		case 1:
			si, err := decodeSystemInfo(n.bytes)
			if err != nil {
				return nil, err
			}
			out.System = si
		case 2:
			if typ == protowire.BytesType {
				devicesBlob = n.bytes
			}
		case 3:
			mo, err := decodeModelOffered(n.bytes)
			if err != nil {
				return nil, err
			}
			out.ModelsOffered = append(out.ModelsOffered, mo)
		case 4:
			devicesBlob = n.bytes
			devicesCompressed = true
		case 5:
			// compression codec; only zstd(1) is defined, ignore otherwise
		}
		b = rest
	}

	if devicesCompressed && len(devicesBlob) > 0 {
		plain, err := decompressBlob(devicesBlob)
		if err != nil {
			return nil, &DecodeError{Kind: Truncated, Err: fmt.Errorf("decompress devices: %w", err)}
		}
		devicesBlob = plain
	}
	for len(devicesBlob) > 0 {
		_, n, _, rest, err := consumeTagValueTyped(devicesBlob)
		if err != nil {
			return nil, err
		}
		di, err := decodeDeviceInfo(n.bytes)
		if err != nil {
			return nil, err
		}
		out.Devices = append(out.Devices, di)
		devicesBlob = rest
	}
	return out, nil
}

// --- RequestNewProxyConn ---

func encodeRequestNewProxyConn(r *RequestNewProxyConn) []byte {
	var b []byte
	b = appendStringField(b, 1, r.RendezvousID)
	b = appendStringField(b, 2, r.ModelHint)
	b = appendStringField(b, 3, r.AccountingTag)
	return b
}

func decodeRequestNewProxyConn(b []byte) (*RequestNewProxyConn, error) {
	out := &RequestNewProxyConn{}
	for len(b) > 0 {
		num, n, _, rest, err := consumeTagValueTyped(b)
		if err != nil {
			return nil, err
		}
		switch num {
		case 1:
			if !utf8.Valid(n.bytes) {
				return nil, &DecodeError{Kind: InvalidUtf8, Err: fmt.Errorf("request_new_proxy_conn.rendezvous_id")}
			}
			out.RendezvousID = string(n.bytes)
		case 2:
			if !utf8.Valid(n.bytes) {
				return nil, &DecodeError{Kind: InvalidUtf8, Err: fmt.Errorf("request_new_proxy_conn.model_hint")}
			}
			out.ModelHint = string(n.bytes)
		case 3:
			if !utf8.Valid(n.bytes) {
				return nil, &DecodeError{Kind: InvalidUtf8, Err: fmt.Errorf("request_new_proxy_conn.accounting_tag")}
			}
			out.AccountingTag = string(n.bytes)
		}
		b = rest
	}
	return out, nil
}

// --- NewProxyConn ---

func encodeNewProxyConn(r *NewProxyConn) []byte {
	var b []byte
	b = appendStringField(b, 1, r.RendezvousID)
	b = appendStringField(b, 2, r.WorkerID)
	return b
}

func decodeNewProxyConn(b []byte) (*NewProxyConn, error) {
	out := &NewProxyConn{}
	for len(b) > 0 {
		num, n, _, rest, err := consumeTagValueTyped(b)
		if err != nil {
			return nil, err
		}
		switch num {
		case 1:
			if !utf8.Valid(n.bytes) {
				return nil, &DecodeError{Kind: InvalidUtf8, Err: fmt.Errorf("new_proxy_conn.rendezvous_id")}
			}
			out.RendezvousID = string(n.bytes)
		case 2:
			if !utf8.Valid(n.bytes) {
				return nil, &DecodeError{Kind: InvalidUtf8, Err: fmt.Errorf("new_proxy_conn.worker_id")}
			}
			out.WorkerID = string(n.bytes)
		}
		b = rest
	}
	return out, nil
}

// --- P2P (v2, opaque) ---

func encodeP2P(p *P2P) []byte {
	var b []byte
	b = appendStringField(b, 1, p.TargetWorkerID)
	b = appendBytesField(b, 2, p.Payload)
	b = append(b, p.UnknownFields...)
	return b
}

func decodeP2P(b []byte) (*P2P, error) {
	out := &P2P{}
	for len(b) > 0 {
		start := len(b)
		num, typ, tagLen := protowire.ConsumeTag(b)
		if tagLen < 0 {
			return nil, tagError(tagLen)
		}
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b[tagLen:])
			if n < 0 {
				return nil, tagError(n)
			}
			if !utf8.Valid(v) {
				return nil, &DecodeError{Kind: InvalidUtf8, Err: fmt.Errorf("p2p.target_worker_id")}
			}
			out.TargetWorkerID = string(v)
			b = b[tagLen+n:]
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b[tagLen:])
			if n < 0 {
				return nil, tagError(n)
			}
			out.Payload = append([]byte(nil), v...)
			b = b[tagLen+n:]
		default:
			// Unknown field: preserve the raw tagged bytes verbatim for
			// forwarding, per spec §4.1 ("unknown trailing tags ...
			// preserved for forwarding").
			valLen := protowire.ConsumeFieldValue(num, typ, b[tagLen:])
			if valLen < 0 {
				return nil, tagError(valLen)
			}
			total := tagLen + valLen
			out.UnknownFields = append(out.UnknownFields, b[:total]...)
			b = b[total:]
		}
		_ = start
	}
	return out, nil
}
