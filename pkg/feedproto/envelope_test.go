package feedproto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeValidate(t *testing.T) {
	tests := []struct {
		name     string
		env      *Envelope
		wantCode ErrorCode
	}{
		{
			name: "valid init",
			env:  NewInitEnvelope("edge-1-a", &Init{Model: "yolo11n"}),
		},
		{
			name: "valid end without payload",
			env:  NewEnvelope("edge-1-a", MsgEnd),
		},
		{
			name:     "unsupported version",
			env:      &Envelope{ProtocolVersion: 2, StreamID: "edge-1-a", Type: MsgInit, Init: &Init{}},
			wantCode: CodeVersionUnsupported,
		},
		{
			name:     "zero version",
			env:      &Envelope{StreamID: "edge-1-a", Type: MsgHeartbeat, Heartbeat: &Heartbeat{}},
			wantCode: CodeVersionUnsupported,
		},
		{
			name:     "missing payload",
			env:      NewEnvelope("edge-1-a", MsgFrame),
			wantCode: CodeBadMessage,
		},
		{
			name: "payload disagrees with type",
			env: &Envelope{
				ProtocolVersion: ProtocolVersion1,
				StreamID:        "edge-1-a",
				Type:            MsgFrame,
				Heartbeat:       &Heartbeat{},
			},
			wantCode: CodeBadMessage,
		},
		{
			name: "two payloads",
			env: &Envelope{
				ProtocolVersion: ProtocolVersion1,
				StreamID:        "edge-1-a",
				Type:            MsgInit,
				Init:            &Init{},
				Heartbeat:       &Heartbeat{},
			},
			wantCode: CodeBadMessage,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.Validate()
			if tt.wantCode == CodeUnspecified {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			pe, ok := AsProtocolError(err)
			require.True(t, ok)
			assert.Equal(t, tt.wantCode, pe.Code)
		})
	}
}

func TestRawFrameSize(t *testing.T) {
	tests := []struct {
		format PixelFormat
		w, h   uint32
		want   uint64
	}{
		{PixelFormatNV12, 640, 640, 614400},
		{PixelFormatI420, 640, 480, 460800},
		{PixelFormatRGB8, 640, 640, 1228800},
		{PixelFormatUnspecified, 640, 640, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RawFrameSize(tt.format, tt.w, tt.h), "%s %dx%d", tt.format, tt.w, tt.h)
	}
}

func validRawFrame() *Frame {
	return &Frame{
		FrameID:     1,
		Width:       4,
		Height:      4,
		PixelFormat: PixelFormatNV12,
		Codec:       CodecRaw,
		Planes: []Plane{
			{Stride: 4, Offset: 0, Size: 16},
			{Stride: 4, Offset: 16, Size: 8},
		},
		Data: make([]byte, 24),
	}
}

func TestFrameValidatePayload(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Frame)
		maxBytes uint64
		wantCode ErrorCode
	}{
		{
			name:   "valid nv12",
			mutate: func(*Frame) {},
		},
		{
			name: "valid jpeg",
			mutate: func(f *Frame) {
				f.Codec = CodecJPEG
				f.Planes = nil
				f.Data = []byte{0xff, 0xd8, 0xff, 0xd9}
			},
		},
		{
			name: "valid rgb8",
			mutate: func(f *Frame) {
				f.PixelFormat = PixelFormatRGB8
				f.Planes = []Plane{{Stride: 12, Offset: 0, Size: 48}}
				f.Data = make([]byte, 48)
			},
		},
		{
			name:     "payload over limit",
			mutate:   func(*Frame) {},
			maxBytes: 10,
			wantCode: CodeFrameTooLarge,
		},
		{
			name: "raw size mismatch",
			mutate: func(f *Frame) {
				f.Data = make([]byte, 23)
			},
			wantCode: CodeInvalidFrame,
		},
		{
			name: "raw without planes",
			mutate: func(f *Frame) {
				f.Planes = nil
			},
			wantCode: CodeInvalidFrame,
		},
		{
			name: "plane sizes disagree with payload",
			mutate: func(f *Frame) {
				f.Planes[1].Size = 9
			},
			wantCode: CodeInvalidFrame,
		},
		{
			name: "jpeg with planes",
			mutate: func(f *Frame) {
				f.Codec = CodecJPEG
				f.Data = []byte{0xff, 0xd8}
			},
			wantCode: CodeInvalidFrame,
		},
		{
			name: "unknown pixel format",
			mutate: func(f *Frame) {
				f.PixelFormat = PixelFormat(99)
			},
			wantCode: CodeUnsupportedFormat,
		},
		{
			name: "unknown codec",
			mutate: func(f *Frame) {
				f.Codec = Codec(99)
			},
			wantCode: CodeUnsupportedFormat,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := validRawFrame()
			tt.mutate(f)
			err := f.ValidatePayload(tt.maxBytes)
			if tt.wantCode == CodeUnspecified {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			pe, ok := AsProtocolError(err)
			require.True(t, ok)
			assert.Equal(t, tt.wantCode, pe.Code)
		})
	}
}

func TestNewStreamID(t *testing.T) {
	id := NewStreamID()
	assert.True(t, strings.HasPrefix(id, "edge-"), "got %q", id)
	parts := strings.SplitN(id, "-", 3)
	require.Len(t, parts, 3)
	assert.NotEmpty(t, parts[1])
	assert.Len(t, parts[2], 8)

	assert.NotEqual(t, id, NewStreamID())
}

func TestEnumStrings(t *testing.T) {
	assert.Equal(t, "INIT", MsgInit.String())
	assert.Equal(t, "WINDOW_UPDATE", MsgWindowUpdate.String())
	assert.Equal(t, "nv12", PixelFormatNV12.String())
	assert.Equal(t, "jpeg", CodecJPEG.String())
	assert.Equal(t, "raw", CodecRaw.String())
	assert.Equal(t, "latest_wins", PolicyLatestWins.String())
	assert.Contains(t, MsgType(42).String(), "42")
}
