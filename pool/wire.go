package pool

import (
	"bytes"
	"encoding/json"

	"github.com/amphibian-ai/amphibian/engine"
	"github.com/amphibian-ai/amphibian/types"
)

// FrameType tags a wire payload. The catalogue is closed; unknown tags are
// logged by the receiver, never silently ignored.
type FrameType string

const (
	FrameAuthRequired FrameType = "AUTH_REQUIRED"
	FrameAuth         FrameType = "AUTH"
	FrameAuthSuccess  FrameType = "AUTH_SUCCESS"
	FrameAuthFail     FrameType = "AUTH_FAIL"
	FrameChunk        FrameType = "CHUNK"
	FrameChunkToken   FrameType = "CHUNK_TOKEN"
	FrameChunkDone    FrameType = "CHUNK_DONE"
	FrameChunkFail    FrameType = "CHUNK_FAIL"
	FrameHeartbeat    FrameType = "HEARTBEAT"
	FrameCancel       FrameType = "CANCEL"
	FramePeerJoined   FrameType = "PEER_JOINED"
	FramePeerLeft     FrameType = "PEER_LEFT"
)

// Frame is the tagged union over all wire payloads. Transport payloads are
// newline-delimited UTF-8 JSON objects with a top-level "type" tag.
type Frame interface {
	frameType() FrameType
}

// PeerInfo describes a pool member in handshake and membership frames.
type PeerInfo struct {
	DeviceID   string `json:"deviceId"`
	Capability string `json:"capability"`
}

// AuthRequiredFrame opens the handshake (coordinator to candidate).
type AuthRequiredFrame struct {
	Type      FrameType `json:"type"`
	Challenge string    `json:"challenge"`
}

// AuthFrame answers the challenge (candidate to coordinator). PublicKey
// and Signature are hex-encoded.
type AuthFrame struct {
	Type       FrameType `json:"type"`
	ID         string    `json:"id"`
	PublicKey  string    `json:"publicKey"`
	Capability string    `json:"capability"`
	Secret     string    `json:"secret"`
	Timestamp  int64     `json:"timestamp"`
	Signature  string    `json:"signature"`
}

// AuthSuccessFrame completes a successful handshake.
type AuthSuccessFrame struct {
	Type     FrameType  `json:"type"`
	DeviceID string     `json:"deviceId"`
	PoolName string     `json:"poolName"`
	Peers    []PeerInfo `json:"peers"`
}

// AuthFailFrame rejects a handshake.
type AuthFailFrame struct {
	Type   FrameType `json:"type"`
	Reason string    `json:"reason"`
}

// ChunkFrame assigns one window of output positions to a worker. Prefix
// carries the full prompt context plus the cumulative tokens produced so
// far, so workers stay stateless.
type ChunkFrame struct {
	Type      FrameType        `json:"type"`
	TaskID    string           `json:"taskId"`
	ChunkID   string           `json:"chunkId"`
	Seq       int              `json:"seq"`
	Prefix    string           `json:"prefix"`
	Messages  []engine.Message `json:"messages,omitempty"`
	MaxTokens int              `json:"maxTokens"`
	Model     string           `json:"model,omitempty"`
}

// ChunkTokenFrame streams one token back.
type ChunkTokenFrame struct {
	Type    FrameType `json:"type"`
	ChunkID string    `json:"chunkId"`
	Seq     int       `json:"seq"`
	Text    string    `json:"text"`
}

// ChunkDoneFrame finalizes a chunk.
type ChunkDoneFrame struct {
	Type    FrameType `json:"type"`
	ChunkID string    `json:"chunkId"`
}

// ChunkFailFrame reports a failed chunk.
type ChunkFailFrame struct {
	Type    FrameType `json:"type"`
	ChunkID string    `json:"chunkId"`
	Reason  string    `json:"reason"`
}

// HeartbeatFrame reports worker liveness and load.
type HeartbeatFrame struct {
	Type         FrameType `json:"type"`
	Load         float64   `json:"load"`
	ActiveChunks int       `json:"activeChunks"`
}

// CancelFrame aborts a chunk or a whole task.
type CancelFrame struct {
	Type    FrameType `json:"type"`
	ChunkID string    `json:"chunkId,omitempty"`
	TaskID  string    `json:"taskId,omitempty"`
}

// PeerJoinedFrame announces a new pool member.
type PeerJoinedFrame struct {
	Type   FrameType `json:"type"`
	Device PeerInfo  `json:"device"`
}

// PeerLeftFrame announces a departed pool member.
type PeerLeftFrame struct {
	Type   FrameType `json:"type"`
	Device PeerInfo  `json:"device"`
}

func (AuthRequiredFrame) frameType() FrameType { return FrameAuthRequired }
func (AuthFrame) frameType() FrameType         { return FrameAuth }
func (AuthSuccessFrame) frameType() FrameType  { return FrameAuthSuccess }
func (AuthFailFrame) frameType() FrameType     { return FrameAuthFail }
func (ChunkFrame) frameType() FrameType        { return FrameChunk }
func (ChunkTokenFrame) frameType() FrameType   { return FrameChunkToken }
func (ChunkDoneFrame) frameType() FrameType    { return FrameChunkDone }
func (ChunkFailFrame) frameType() FrameType    { return FrameChunkFail }
func (HeartbeatFrame) frameType() FrameType    { return FrameHeartbeat }
func (CancelFrame) frameType() FrameType       { return FrameCancel }
func (PeerJoinedFrame) frameType() FrameType   { return FramePeerJoined }
func (PeerLeftFrame) frameType() FrameType     { return FramePeerLeft }

// EncodeFrame marshals a frame, stamping its type tag and appending the
// newline delimiter.
func EncodeFrame(f Frame) ([]byte, error) {
	f = withType(f)
	data, err := json.Marshal(f)
	if err != nil {
		return nil, types.NewError(types.ErrIntegrity, "encode frame").WithCause(err)
	}
	return append(data, '\n'), nil
}

// withType returns a copy of f with its Type field populated, so callers
// can build frames without repeating the tag.
func withType(f Frame) Frame {
	switch v := f.(type) {
	case AuthRequiredFrame:
		v.Type = FrameAuthRequired
		return v
	case AuthFrame:
		v.Type = FrameAuth
		return v
	case AuthSuccessFrame:
		v.Type = FrameAuthSuccess
		return v
	case AuthFailFrame:
		v.Type = FrameAuthFail
		return v
	case ChunkFrame:
		v.Type = FrameChunk
		return v
	case ChunkTokenFrame:
		v.Type = FrameChunkToken
		return v
	case ChunkDoneFrame:
		v.Type = FrameChunkDone
		return v
	case ChunkFailFrame:
		v.Type = FrameChunkFail
		return v
	case HeartbeatFrame:
		v.Type = FrameHeartbeat
		return v
	case CancelFrame:
		v.Type = FrameCancel
		return v
	case PeerJoinedFrame:
		v.Type = FramePeerJoined
		return v
	case PeerLeftFrame:
		v.Type = FramePeerLeft
		return v
	}
	return f
}

// DecodeFrame parses the type tag once and dispatches into the concrete
// frame. Unknown tags and malformed payloads return an INTEGRITY error.
func DecodeFrame(data []byte) (Frame, error) {
	data = bytes.TrimRight(data, "\n")

	var envelope struct {
		Type FrameType `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, types.NewError(types.ErrIntegrity, "malformed frame").WithCause(err)
	}

	switch envelope.Type {
	case FrameAuthRequired:
		return decodeAs[AuthRequiredFrame](data)
	case FrameAuth:
		return decodeAs[AuthFrame](data)
	case FrameAuthSuccess:
		return decodeAs[AuthSuccessFrame](data)
	case FrameAuthFail:
		return decodeAs[AuthFailFrame](data)
	case FrameChunk:
		return decodeAs[ChunkFrame](data)
	case FrameChunkToken:
		return decodeAs[ChunkTokenFrame](data)
	case FrameChunkDone:
		return decodeAs[ChunkDoneFrame](data)
	case FrameChunkFail:
		return decodeAs[ChunkFailFrame](data)
	case FrameHeartbeat:
		return decodeAs[HeartbeatFrame](data)
	case FrameCancel:
		return decodeAs[CancelFrame](data)
	case FramePeerJoined:
		return decodeAs[PeerJoinedFrame](data)
	case FramePeerLeft:
		return decodeAs[PeerLeftFrame](data)
	default:
		return nil, types.Errorf(types.ErrIntegrity, "unknown frame type %q", envelope.Type)
	}
}

func decodeAs[T Frame](data []byte) (Frame, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, types.Errorf(types.ErrIntegrity, "decode %s frame", v.frameType()).WithCause(err)
	}
	return v, nil
}
