// Package feedproto implements Protocol v1, the binary contract between the
// vigil edge agent and the inference worker: length-prefixed protobuf
// envelopes with capability negotiation, credit-based flow control,
// heartbeats, and codec degradation.
//
// The schema lives in proto/feedwire.proto; the encoding here is maintained
// by hand on top of protowire and must stay in sync with that file.
package feedproto

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion1 is the only protocol version this package speaks.
const ProtocolVersion1 = 1

// MsgType tags the payload carried by an Envelope.
type MsgType int32

const (
	MsgUnspecified  MsgType = 0
	MsgInit         MsgType = 1
	MsgInitOk       MsgType = 2
	MsgFrame        MsgType = 3
	MsgResult       MsgType = 4
	MsgWindowUpdate MsgType = 5
	MsgHeartbeat    MsgType = 6
	MsgError        MsgType = 7
	MsgEnd          MsgType = 8
)

func (m MsgType) String() string {
	switch m {
	case MsgInit:
		return "INIT"
	case MsgInitOk:
		return "INIT_OK"
	case MsgFrame:
		return "FRAME"
	case MsgResult:
		return "RESULT"
	case MsgWindowUpdate:
		return "WINDOW_UPDATE"
	case MsgHeartbeat:
		return "HEARTBEAT"
	case MsgError:
		return "ERROR"
	case MsgEnd:
		return "END"
	default:
		return fmt.Sprintf("MSG_TYPE(%d)", int32(m))
	}
}

// PixelFormat identifies the pixel layout of a raw frame payload.
type PixelFormat int32

const (
	PixelFormatUnspecified PixelFormat = 0
	PixelFormatNV12        PixelFormat = 1
	PixelFormatI420        PixelFormat = 2
	PixelFormatRGB8        PixelFormat = 3
)

func (p PixelFormat) String() string {
	switch p {
	case PixelFormatNV12:
		return "nv12"
	case PixelFormatI420:
		return "i420"
	case PixelFormatRGB8:
		return "rgb8"
	default:
		return fmt.Sprintf("pixel_format(%d)", int32(p))
	}
}

// Codec identifies the compression applied to a frame payload. The wire name
// for CodecRaw is CODEC_NONE.
type Codec int32

const (
	CodecRaw  Codec = 0
	CodecJPEG Codec = 1
)

func (c Codec) String() string {
	switch c {
	case CodecRaw:
		return "raw"
	case CodecJPEG:
		return "jpeg"
	default:
		return fmt.Sprintf("codec(%d)", int32(c))
	}
}

// DropPolicy selects the edge behavior when the flow-control window is full.
type DropPolicy int32

const (
	PolicyUnspecified DropPolicy = 0
	PolicyLatestWins  DropPolicy = 1
	PolicyOldestFirst DropPolicy = 2
)

func (p DropPolicy) String() string {
	switch p {
	case PolicyLatestWins:
		return "latest_wins"
	case PolicyOldestFirst:
		return "oldest_first"
	default:
		return fmt.Sprintf("drop_policy(%d)", int32(p))
	}
}

// Capabilities advertises what the edge can produce.
type Capabilities struct {
	AcceptedPixelFormats []PixelFormat
	AcceptedCodecs       []Codec // order expresses preference
	MaxWidth             uint32
	MaxHeight            uint32
	MaxInflight          uint32
	DesiredMaxFrameBytes uint64
	Letterbox            bool
	Normalize            bool
	Layout               string // "CHW"
	Dtype                string // "fp32"
}

// Init is the first message on every connection (edge to worker).
type Init struct {
	Model               string
	Caps                *Capabilities
	ClassesFilter       []string
	ConfidenceThreshold float32
}

// Format is the contract the worker commits to in InitOk.
type Format struct {
	PixelFormat    PixelFormat
	Codec          Codec
	Width          uint32
	Height         uint32
	FPSTarget      float32
	Policy         DropPolicy
	InitialCredits uint32
	ColorSpace     string
	ColorRange     string
}

// InitOk acknowledges Init (worker to edge).
type InitOk struct {
	Chosen        *Format
	MaxFrameBytes uint64
}

// Plane locates one plane inside a raw frame payload.
type Plane struct {
	Stride uint32
	Offset uint64
	Size   uint64
}

// Frame carries one captured image.
type Frame struct {
	FrameID     uint64 // strictly increasing per TCP connection
	TsMonoNS    int64
	TsUTCNS     int64
	SessionID   string // empty outside recording sessions
	Width       uint32
	Height      uint32
	PixelFormat PixelFormat
	Codec       Codec
	Planes      []Plane // required for raw, empty for JPEG
	Data        []byte
}

// Detection is one detected object in frame pixel space.
type Detection struct {
	BBoxXYXY   [4]float32
	Confidence float32
	ClassName  string
	TrackID    string
}

// Result answers one Frame.
type Result struct {
	FrameID    uint64
	Detections []Detection
	PreMS      float32
	InferMS    float32
	PostMS     float32
	TotalMS    float32
	SessionID  string
}

// WindowUpdate replaces the flow-control window size. Absolute, not a delta.
type WindowUpdate struct {
	NewSize uint32
}

// Heartbeat is emitted by both sides roughly every two seconds.
type Heartbeat struct {
	LastFrameID uint64
	TxCount     uint64
	RxCount     uint64
}

// ErrorInfo reports a protocol or backend error.
type ErrorInfo struct {
	Code         ErrorCode
	Message      string
	RetryAfterMS uint32
}

// End terminates the current recording session without closing the
// connection.
type End struct {
	SessionID string // empty = current session
}

// Envelope is the wire-level container for one protocol message. Exactly one
// payload pointer must be set and its kind must agree with Type.
type Envelope struct {
	ProtocolVersion uint32
	StreamID        string
	Type            MsgType

	Init         *Init
	InitOk       *InitOk
	Frame        *Frame
	Result       *Result
	WindowUpdate *WindowUpdate
	Heartbeat    *Heartbeat
	Error        *ErrorInfo
	End          *End
}

// payloadType reports the message type implied by the set payload pointers
// and how many of them are set.
func (e *Envelope) payloadType() (MsgType, int) {
	kind := MsgUnspecified
	n := 0
	if e.Init != nil {
		kind, n = MsgInit, n+1
	}
	if e.InitOk != nil {
		kind, n = MsgInitOk, n+1
	}
	if e.Frame != nil {
		kind, n = MsgFrame, n+1
	}
	if e.Result != nil {
		kind, n = MsgResult, n+1
	}
	if e.WindowUpdate != nil {
		kind, n = MsgWindowUpdate, n+1
	}
	if e.Heartbeat != nil {
		kind, n = MsgHeartbeat, n+1
	}
	if e.Error != nil {
		kind, n = MsgError, n+1
	}
	if e.End != nil {
		kind, n = MsgEnd, n+1
	}
	return kind, n
}

// Validate checks the envelope-level contract: supported version and a
// single payload agreeing with the message type. END is permitted with an
// empty payload for compatibility with minimal senders.
func (e *Envelope) Validate() error {
	if e.ProtocolVersion != ProtocolVersion1 {
		return &ProtocolError{
			Code:    CodeVersionUnsupported,
			Message: fmt.Sprintf("protocol version %d not supported", e.ProtocolVersion),
		}
	}
	kind, n := e.payloadType()
	if n == 0 && e.Type == MsgEnd {
		return nil
	}
	if n != 1 {
		return &ProtocolError{
			Code:    CodeBadMessage,
			Message: fmt.Sprintf("envelope carries %d payloads", n),
		}
	}
	if kind != e.Type {
		return &ProtocolError{
			Code:    CodeBadMessage,
			Message: fmt.Sprintf("msg_type %s disagrees with payload %s", e.Type, kind),
		}
	}
	return nil
}

// RawFrameSize returns the expected payload size of one raw frame.
func RawFrameSize(format PixelFormat, width, height uint32) uint64 {
	switch format {
	case PixelFormatNV12, PixelFormatI420:
		return uint64(width) * uint64(height) * 3 / 2
	case PixelFormatRGB8:
		return uint64(width) * uint64(height) * 3
	default:
		return 0
	}
}

// ValidatePayload checks the frame body against the negotiated contract.
func (f *Frame) ValidatePayload(maxFrameBytes uint64) error {
	if maxFrameBytes > 0 && uint64(len(f.Data)) > maxFrameBytes {
		return &ProtocolError{
			Code:    CodeFrameTooLarge,
			Message: fmt.Sprintf("frame %d: %d bytes exceeds limit %d", f.FrameID, len(f.Data), maxFrameBytes),
		}
	}
	switch f.Codec {
	case CodecJPEG:
		if len(f.Planes) != 0 {
			return &ProtocolError{
				Code:    CodeInvalidFrame,
				Message: fmt.Sprintf("frame %d: jpeg payload must not carry planes", f.FrameID),
			}
		}
	case CodecRaw:
		want := RawFrameSize(f.PixelFormat, f.Width, f.Height)
		if want == 0 {
			return &ProtocolError{
				Code:    CodeUnsupportedFormat,
				Message: fmt.Sprintf("frame %d: unsupported pixel format %s", f.FrameID, f.PixelFormat),
			}
		}
		if uint64(len(f.Data)) != want {
			return &ProtocolError{
				Code:    CodeInvalidFrame,
				Message: fmt.Sprintf("frame %d: raw %s payload is %d bytes, want %d", f.FrameID, f.PixelFormat, len(f.Data), want),
			}
		}
		if len(f.Planes) == 0 {
			return &ProtocolError{
				Code:    CodeInvalidFrame,
				Message: fmt.Sprintf("frame %d: raw payload requires plane layout", f.FrameID),
			}
		}
		var sum uint64
		for _, p := range f.Planes {
			sum += p.Size
		}
		if sum != uint64(len(f.Data)) {
			return &ProtocolError{
				Code:    CodeInvalidFrame,
				Message: fmt.Sprintf("frame %d: plane sizes sum to %d, payload is %d", f.FrameID, sum, len(f.Data)),
			}
		}
	default:
		return &ProtocolError{
			Code:    CodeUnsupportedFormat,
			Message: fmt.Sprintf("frame %d: unsupported codec %s", f.FrameID, f.Codec),
		}
	}
	return nil
}

// NewStreamID returns a fresh per-connection stream identifier in the
// protocol's "edge-<unix-ts>-<rand>" form.
func NewStreamID() string {
	return fmt.Sprintf("edge-%d-%s", time.Now().Unix(), uuid.NewString()[:8])
}

// NewEnvelope returns an envelope shell with the version and stream set.
func NewEnvelope(streamID string, msgType MsgType) *Envelope {
	return &Envelope{
		ProtocolVersion: ProtocolVersion1,
		StreamID:        streamID,
		Type:            msgType,
	}
}

// NewInitEnvelope wraps an Init message.
func NewInitEnvelope(streamID string, init *Init) *Envelope {
	e := NewEnvelope(streamID, MsgInit)
	e.Init = init
	return e
}

// NewInitOkEnvelope wraps an InitOk message.
func NewInitOkEnvelope(streamID string, ok *InitOk) *Envelope {
	e := NewEnvelope(streamID, MsgInitOk)
	e.InitOk = ok
	return e
}

// NewFrameEnvelope wraps a Frame message.
func NewFrameEnvelope(streamID string, frame *Frame) *Envelope {
	e := NewEnvelope(streamID, MsgFrame)
	e.Frame = frame
	return e
}

// NewResultEnvelope wraps a Result message.
func NewResultEnvelope(streamID string, result *Result) *Envelope {
	e := NewEnvelope(streamID, MsgResult)
	e.Result = result
	return e
}

// NewWindowUpdateEnvelope wraps a WindowUpdate message.
func NewWindowUpdateEnvelope(streamID string, newSize uint32) *Envelope {
	e := NewEnvelope(streamID, MsgWindowUpdate)
	e.WindowUpdate = &WindowUpdate{NewSize: newSize}
	return e
}

// NewHeartbeatEnvelope wraps a Heartbeat message.
func NewHeartbeatEnvelope(streamID string, hb *Heartbeat) *Envelope {
	e := NewEnvelope(streamID, MsgHeartbeat)
	e.Heartbeat = hb
	return e
}

// NewErrorEnvelope wraps an ErrorInfo message.
func NewErrorEnvelope(streamID string, code ErrorCode, message string) *Envelope {
	e := NewEnvelope(streamID, MsgError)
	e.Error = &ErrorInfo{Code: code, Message: message}
	return e
}

// NewEndEnvelope wraps an End message.
func NewEndEnvelope(streamID, sessionID string) *Envelope {
	e := NewEnvelope(streamID, MsgEnd)
	e.End = &End{SessionID: sessionID}
	return e
}
