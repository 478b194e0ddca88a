package pipeline

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// ProtocolVersion is carried in every control and data frame. A mismatch is
// fatal and surfaces as KindProtocolMismatch.
const ProtocolVersion = 1

const (
	// MaxControlPayload bounds control-frame payloads (1 MiB).
	MaxControlPayload = 1 << 20
	// MaxTensorPayload bounds tensor-frame payloads (64 MiB).
	MaxTensorPayload = 64 << 20
	// MaxRank bounds the number of tensor dimensions on the wire.
	MaxRank = 8
)

// MsgTag discriminates control messages.
type MsgTag uint8

const (
	TagInit                 MsgTag = 0x01
	TagReady                MsgTag = 0x02
	TagEstablishDataChans   MsgTag = 0x03
	TagDataChannelsUp       MsgTag = 0x04
	TagStartRequest         MsgTag = 0x05
	TagRequestComplete      MsgTag = 0x06
	TagHealthCheck          MsgTag = 0x07
	TagHealthAck            MsgTag = 0x08
	TagPing                 MsgTag = 0x09
	TagShutdown             MsgTag = 0x0A
	TagStageError           MsgTag = 0xFE
)

func (t MsgTag) String() string {
	switch t {
	case TagInit:
		return "Init"
	case TagReady:
		return "Ready"
	case TagEstablishDataChans:
		return "EstablishDataChannels"
	case TagDataChannelsUp:
		return "DataChannelsUp"
	case TagStartRequest:
		return "StartRequest"
	case TagRequestComplete:
		return "RequestComplete"
	case TagHealthCheck:
		return "HealthCheck"
	case TagHealthAck:
		return "HealthAck"
	case TagPing:
		return "Ping"
	case TagShutdown:
		return "Shutdown"
	case TagStageError:
		return "StageError"
	default:
		return fmt.Sprintf("MsgTag(0x%02x)", uint8(t))
	}
}

// === Control message payloads ===

// InitMsg configures a stage before it may serve requests.
type InitMsg struct {
	StageSpec      StageSpec      `json:"stage_spec"`
	ActivationSpec ActivationSpec `json:"activation_spec"`
	NumStages      int            `json:"num_stages"`
	// PeerMeasurements carries the expected measurements of the adjacent
	// stages ("upstream"/"downstream"), so a stage can authenticate its data
	// channel peers end-to-end through the untrusted relay.
	PeerMeasurements map[string]map[int]string `json:"peer_measurements,omitempty"`
}

// ReadyMsg acknowledges Init.
type ReadyMsg struct {
	StageIdx        uint32 `json:"stage_idx"`
	AttestationEcho string `json:"attestation_echo,omitempty"`
}

// StartRequestMsg begins one inference request on every stage.
type StartRequestMsg struct {
	RequestID       uint64 `json:"request_id"`
	MicroBatchCount uint32 `json:"micro_batch_count"`
	SeqLen          uint32 `json:"seq_len"`
	Schedule        []Op   `json:"schedule"`
}

// RequestCompleteMsg acknowledges that a stage finished all micro-batches.
type RequestCompleteMsg struct {
	RequestID uint64 `json:"request_id"`
}

// HealthCheckMsg probes a stage's liveness.
type HealthCheckMsg struct {
	Nonce uint64 `json:"nonce"`
}

// HealthAckMsg answers a HealthCheckMsg with the same nonce.
type HealthAckMsg struct {
	Nonce  uint64 `json:"nonce"`
	Status string `json:"status"`
}

// PingMsg is a keep-alive either side may send; the receiver answers with the
// same nonce and Reply set.
type PingMsg struct {
	Nonce uint64 `json:"nonce"`
	Reply bool   `json:"reply,omitempty"`
}

// StageErrorMsg reports a stage failure on the control channel.
type StageErrorMsg struct {
	RequestID *uint64        `json:"request_id,omitempty"`
	StageIdx  uint32         `json:"stage_idx"`
	Kind      StageErrorKind `json:"kind"`
	Detail    string         `json:"detail"`
}

// EncodeControl frames a control message: 4-byte big-endian payload length,
// version byte, tag byte, then the JSON payload. Pass nil for empty payloads
// (EstablishDataChannels, Shutdown).
func EncodeControl(tag MsgTag, payload any) ([]byte, error) {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, Errorf(KindInvalidMessage, "encoding %s payload: %v", tag, err)
		}
	}
	if len(body) > MaxControlPayload {
		return nil, Errorf(KindInvalidMessage, "%s payload is %d bytes, max %d", tag, len(body), MaxControlPayload)
	}
	frame := make([]byte, 6+len(body))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(body)))
	frame[4] = ProtocolVersion
	frame[5] = byte(tag)
	copy(frame[6:], body)
	return frame, nil
}

// DecodeControl splits a control frame into tag and raw payload, enforcing
// the version byte and the declared length.
func DecodeControl(frame []byte) (MsgTag, json.RawMessage, error) {
	if len(frame) < 6 {
		return 0, nil, Errorf(KindInvalidMessage, "control frame truncated: %d bytes", len(frame))
	}
	declared := binary.BigEndian.Uint32(frame[0:4])
	if declared > MaxControlPayload {
		return 0, nil, Errorf(KindInvalidMessage, "control payload %d exceeds max %d", declared, MaxControlPayload)
	}
	if frame[4] != ProtocolVersion {
		return 0, nil, Errorf(KindProtocolMismatch, "protocol version %d, want %d", frame[4], ProtocolVersion)
	}
	if uint32(len(frame)-6) != declared {
		return 0, nil, Errorf(KindInvalidMessage,
			"control frame declares %d payload bytes, carries %d", declared, len(frame)-6)
	}
	return MsgTag(frame[5]), json.RawMessage(frame[6:]), nil
}

// DecodePayload unmarshals a control payload into out.
func DecodePayload(tag MsgTag, payload json.RawMessage, out any) error {
	if err := json.Unmarshal(payload, out); err != nil {
		return Errorf(KindInvalidMessage, "decoding %s payload: %v", tag, err)
	}
	return nil
}

// === Data-channel frames ===

// tagTensor is the data-channel frame tag. The error sentinel reuses it with
// the reserved dtype byte.
const tagTensor = 0x01

// EncodeTensor frames a tensor for the data channel:
// [version][tag][dtype][rank][shape: rank×4 BE][payload len: 4 BE][payload].
func EncodeTensor(t *Tensor) ([]byte, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if len(t.Shape) > MaxRank {
		return nil, Errorf(KindInvalidRequest, "tensor rank %d exceeds max %d", len(t.Shape), MaxRank)
	}
	if len(t.Data) > MaxTensorPayload {
		return nil, Errorf(KindInvalidRequest, "tensor payload %d exceeds max %d", len(t.Data), MaxTensorPayload)
	}
	frame := make([]byte, 4+4*len(t.Shape)+4+len(t.Data))
	frame[0] = ProtocolVersion
	frame[1] = tagTensor
	frame[2] = byte(t.DType)
	frame[3] = byte(len(t.Shape))
	off := 4
	for _, d := range t.Shape {
		binary.BigEndian.PutUint32(frame[off:], d)
		off += 4
	}
	binary.BigEndian.PutUint32(frame[off:], uint32(len(t.Data)))
	off += 4
	copy(frame[off:], t.Data)
	return frame, nil
}

// EncodeErrorSentinel frames an error sentinel: the reserved dtype 0xFF with
// rank 0 and a structured payload {stage_idx:4 BE, kind:1, detail_len:2 BE,
// detail}.
func EncodeErrorSentinel(s ErrorSentinel) []byte {
	detail := []byte(s.Detail)
	if len(detail) > 0xFFFF {
		detail = detail[:0xFFFF]
	}
	payload := make([]byte, 7+len(detail))
	binary.BigEndian.PutUint32(payload[0:4], s.StageIdx)
	payload[4] = byte(s.Kind)
	binary.BigEndian.PutUint16(payload[5:7], uint16(len(detail)))
	copy(payload[7:], detail)

	frame := make([]byte, 8+len(payload))
	frame[0] = ProtocolVersion
	frame[1] = tagTensor
	frame[2] = byte(dtypeErrorSentinel)
	frame[3] = 0
	binary.BigEndian.PutUint32(frame[4:8], uint32(len(payload)))
	copy(frame[8:], payload)
	return frame
}

// DecodeData parses a data-channel frame. Exactly one of the returns is
// non-nil on success: a tensor or an error sentinel.
func DecodeData(frame []byte) (*Tensor, *ErrorSentinel, error) {
	if len(frame) < 8 {
		return nil, nil, Errorf(KindInvalidMessage, "data frame truncated: %d bytes", len(frame))
	}
	if frame[0] != ProtocolVersion {
		return nil, nil, Errorf(KindProtocolMismatch, "protocol version %d, want %d", frame[0], ProtocolVersion)
	}
	if frame[1] != tagTensor {
		return nil, nil, Errorf(KindInvalidMessage, "unexpected data frame tag 0x%02x", frame[1])
	}
	dtype := DType(frame[2])
	rank := int(frame[3])
	if rank > MaxRank {
		return nil, nil, Errorf(KindInvalidMessage, "tensor rank %d exceeds max %d", rank, MaxRank)
	}
	off := 4
	if len(frame) < off+4*rank+4 {
		return nil, nil, Errorf(KindInvalidMessage, "data frame truncated in shape header")
	}
	shape := make([]uint32, rank)
	for i := range shape {
		shape[i] = binary.BigEndian.Uint32(frame[off:])
		off += 4
	}
	payloadLen := binary.BigEndian.Uint32(frame[off:])
	off += 4
	if payloadLen > MaxTensorPayload {
		return nil, nil, Errorf(KindInvalidMessage, "data payload %d exceeds max %d", payloadLen, MaxTensorPayload)
	}
	if uint32(len(frame)-off) != payloadLen {
		return nil, nil, Errorf(KindInvalidMessage,
			"data frame declares %d payload bytes, carries %d", payloadLen, len(frame)-off)
	}
	payload := frame[off:]

	if dtype == dtypeErrorSentinel {
		return nil, decodeErrorSentinel(payload), nil
	}

	t := &Tensor{DType: dtype, Shape: shape, Data: payload}
	if err := t.Validate(); err != nil {
		return nil, nil, Errorf(KindInvalidMessage, "malformed tensor frame: %v", err)
	}
	return t, nil, nil
}

// decodeErrorSentinel never fails: a malformed sentinel payload still
// unblocks the receiver, reporting StageUnknown as the origin.
func decodeErrorSentinel(payload []byte) *ErrorSentinel {
	if len(payload) < 7 {
		return &ErrorSentinel{StageIdx: StageUnknown, Kind: StageErrInternal, Detail: "malformed error sentinel"}
	}
	s := &ErrorSentinel{
		StageIdx: binary.BigEndian.Uint32(payload[0:4]),
		Kind:     StageErrorKind(payload[4]),
	}
	detailLen := int(binary.BigEndian.Uint16(payload[5:7]))
	if len(payload) >= 7+detailLen {
		s.Detail = string(payload[7 : 7+detailLen])
	}
	return s
}
