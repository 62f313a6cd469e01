package feedproto

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// The encoders below emit canonical proto3: fields in ascending number
// order, zero-valued scalars omitted, repeated numerics packed. Field
// numbers mirror proto/feedwire.proto; change them there first.

// Marshal encodes the envelope into proto3 wire format.
func (e *Envelope) Marshal() []byte {
	size := 64
	if e.Frame != nil {
		size += len(e.Frame.Data) + 128
	}
	b := make([]byte, 0, size)
	if e.ProtocolVersion != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.ProtocolVersion))
	}
	if e.StreamID != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, e.StreamID)
	}
	if e.Type != MsgUnspecified {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.Type))
	}
	switch {
	case e.Init != nil:
		b = appendEmbedded(b, 10, appendInit(nil, e.Init))
	case e.InitOk != nil:
		b = appendEmbedded(b, 11, appendInitOk(nil, e.InitOk))
	case e.Frame != nil:
		sub := make([]byte, 0, len(e.Frame.Data)+96)
		b = appendEmbedded(b, 12, appendFrame(sub, e.Frame))
	case e.Result != nil:
		b = appendEmbedded(b, 13, appendResult(nil, e.Result))
	case e.WindowUpdate != nil:
		b = appendEmbedded(b, 14, appendWindowUpdate(nil, e.WindowUpdate))
	case e.Heartbeat != nil:
		b = appendEmbedded(b, 15, appendHeartbeat(nil, e.Heartbeat))
	case e.Error != nil:
		b = appendEmbedded(b, 16, appendErrorInfo(nil, e.Error))
	case e.End != nil:
		b = appendEmbedded(b, 17, appendEnd(nil, e.End))
	}
	return b
}

// UnmarshalEnvelope decodes one envelope from proto3 wire format. Unknown
// fields are skipped for forward compatibility.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	e := &Envelope{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("envelope: %w", protowire.ParseError(n))
		}
		data = data[n:]
		var err error
		switch num {
		case 1:
			var v uint64
			v, n, err = consumeVarint(data, typ)
			e.ProtocolVersion = uint32(v)
		case 2:
			e.StreamID, n, err = consumeString(data, typ)
		case 3:
			var v uint64
			v, n, err = consumeVarint(data, typ)
			e.Type = MsgType(v)
		case 10:
			var sub []byte
			sub, n, err = consumeBytes(data, typ)
			if err == nil {
				e.Init, err = parseInit(sub)
			}
		case 11:
			var sub []byte
			sub, n, err = consumeBytes(data, typ)
			if err == nil {
				e.InitOk, err = parseInitOk(sub)
			}
		case 12:
			var sub []byte
			sub, n, err = consumeBytes(data, typ)
			if err == nil {
				e.Frame, err = parseFrame(sub)
			}
		case 13:
			var sub []byte
			sub, n, err = consumeBytes(data, typ)
			if err == nil {
				e.Result, err = parseResult(sub)
			}
		case 14:
			var sub []byte
			sub, n, err = consumeBytes(data, typ)
			if err == nil {
				e.WindowUpdate, err = parseWindowUpdate(sub)
			}
		case 15:
			var sub []byte
			sub, n, err = consumeBytes(data, typ)
			if err == nil {
				e.Heartbeat, err = parseHeartbeat(sub)
			}
		case 16:
			var sub []byte
			sub, n, err = consumeBytes(data, typ)
			if err == nil {
				e.Error, err = parseErrorInfo(sub)
			}
		case 17:
			var sub []byte
			sub, n, err = consumeBytes(data, typ)
			if err == nil {
				e.End, err = parseEnd(sub)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				err = protowire.ParseError(n)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("envelope field %d: %w", num, err)
		}
		data = data[n:]
	}
	return e, nil
}

func appendInit(b []byte, m *Init) []byte {
	if m.Model != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, m.Model)
	}
	if m.Caps != nil {
		b = appendEmbedded(b, 2, appendCapabilities(nil, m.Caps))
	}
	for _, c := range m.ClassesFilter {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, c)
	}
	b = appendFloat(b, 4, m.ConfidenceThreshold)
	return b
}

func parseInit(data []byte) (*Init, error) {
	m := &Init{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		var err error
		switch num {
		case 1:
			m.Model, n, err = consumeString(data, typ)
		case 2:
			var sub []byte
			sub, n, err = consumeBytes(data, typ)
			if err == nil {
				m.Caps, err = parseCapabilities(sub)
			}
		case 3:
			var s string
			s, n, err = consumeString(data, typ)
			if err == nil {
				m.ClassesFilter = append(m.ClassesFilter, s)
			}
		case 4:
			m.ConfidenceThreshold, n, err = consumeFloat(data, typ)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				err = protowire.ParseError(n)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("init field %d: %w", num, err)
		}
		data = data[n:]
	}
	return m, nil
}

func appendCapabilities(b []byte, m *Capabilities) []byte {
	if len(m.AcceptedPixelFormats) > 0 {
		var packed []byte
		for _, p := range m.AcceptedPixelFormats {
			packed = protowire.AppendVarint(packed, uint64(p))
		}
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	if len(m.AcceptedCodecs) > 0 {
		var packed []byte
		for _, c := range m.AcceptedCodecs {
			packed = protowire.AppendVarint(packed, uint64(c))
		}
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	b = appendUint(b, 3, uint64(m.MaxWidth))
	b = appendUint(b, 4, uint64(m.MaxHeight))
	b = appendUint(b, 5, uint64(m.MaxInflight))
	b = appendUint(b, 6, m.DesiredMaxFrameBytes)
	b = appendBool(b, 7, m.Letterbox)
	b = appendBool(b, 8, m.Normalize)
	if m.Layout != "" {
		b = protowire.AppendTag(b, 9, protowire.BytesType)
		b = protowire.AppendString(b, m.Layout)
	}
	if m.Dtype != "" {
		b = protowire.AppendTag(b, 10, protowire.BytesType)
		b = protowire.AppendString(b, m.Dtype)
	}
	return b
}

func parseCapabilities(data []byte) (*Capabilities, error) {
	m := &Capabilities{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		var err error
		switch num {
		case 1:
			n, err = consumeEnums(data, typ, func(v uint64) {
				m.AcceptedPixelFormats = append(m.AcceptedPixelFormats, PixelFormat(v))
			})
		case 2:
			n, err = consumeEnums(data, typ, func(v uint64) {
				m.AcceptedCodecs = append(m.AcceptedCodecs, Codec(v))
			})
		case 3:
			var v uint64
			v, n, err = consumeVarint(data, typ)
			m.MaxWidth = uint32(v)
		case 4:
			var v uint64
			v, n, err = consumeVarint(data, typ)
			m.MaxHeight = uint32(v)
		case 5:
			var v uint64
			v, n, err = consumeVarint(data, typ)
			m.MaxInflight = uint32(v)
		case 6:
			m.DesiredMaxFrameBytes, n, err = consumeVarint(data, typ)
		case 7:
			var v uint64
			v, n, err = consumeVarint(data, typ)
			m.Letterbox = protowire.DecodeBool(v)
		case 8:
			var v uint64
			v, n, err = consumeVarint(data, typ)
			m.Normalize = protowire.DecodeBool(v)
		case 9:
			m.Layout, n, err = consumeString(data, typ)
		case 10:
			m.Dtype, n, err = consumeString(data, typ)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				err = protowire.ParseError(n)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("caps field %d: %w", num, err)
		}
		data = data[n:]
	}
	return m, nil
}

func appendInitOk(b []byte, m *InitOk) []byte {
	if m.Chosen != nil {
		b = appendEmbedded(b, 1, appendFormat(nil, m.Chosen))
	}
	b = appendUint(b, 2, m.MaxFrameBytes)
	return b
}

func parseInitOk(data []byte) (*InitOk, error) {
	m := &InitOk{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		var err error
		switch num {
		case 1:
			var sub []byte
			sub, n, err = consumeBytes(data, typ)
			if err == nil {
				m.Chosen, err = parseFormat(sub)
			}
		case 2:
			m.MaxFrameBytes, n, err = consumeVarint(data, typ)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				err = protowire.ParseError(n)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("init_ok field %d: %w", num, err)
		}
		data = data[n:]
	}
	return m, nil
}

func appendFormat(b []byte, m *Format) []byte {
	b = appendUint(b, 1, uint64(m.PixelFormat))
	b = appendUint(b, 2, uint64(m.Codec))
	b = appendUint(b, 3, uint64(m.Width))
	b = appendUint(b, 4, uint64(m.Height))
	b = appendFloat(b, 5, m.FPSTarget)
	b = appendUint(b, 6, uint64(m.Policy))
	b = appendUint(b, 7, uint64(m.InitialCredits))
	if m.ColorSpace != "" {
		b = protowire.AppendTag(b, 8, protowire.BytesType)
		b = protowire.AppendString(b, m.ColorSpace)
	}
	if m.ColorRange != "" {
		b = protowire.AppendTag(b, 9, protowire.BytesType)
		b = protowire.AppendString(b, m.ColorRange)
	}
	return b
}

func parseFormat(data []byte) (*Format, error) {
	m := &Format{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		var err error
		switch num {
		case 1:
			var v uint64
			v, n, err = consumeVarint(data, typ)
			m.PixelFormat = PixelFormat(v)
		case 2:
			var v uint64
			v, n, err = consumeVarint(data, typ)
			m.Codec = Codec(v)
		case 3:
			var v uint64
			v, n, err = consumeVarint(data, typ)
			m.Width = uint32(v)
		case 4:
			var v uint64
			v, n, err = consumeVarint(data, typ)
			m.Height = uint32(v)
		case 5:
			m.FPSTarget, n, err = consumeFloat(data, typ)
		case 6:
			var v uint64
			v, n, err = consumeVarint(data, typ)
			m.Policy = DropPolicy(v)
		case 7:
			var v uint64
			v, n, err = consumeVarint(data, typ)
			m.InitialCredits = uint32(v)
		case 8:
			m.ColorSpace, n, err = consumeString(data, typ)
		case 9:
			m.ColorRange, n, err = consumeString(data, typ)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				err = protowire.ParseError(n)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("format field %d: %w", num, err)
		}
		data = data[n:]
	}
	return m, nil
}

func appendFrame(b []byte, m *Frame) []byte {
	b = appendUint(b, 1, m.FrameID)
	b = appendInt(b, 2, m.TsMonoNS)
	b = appendInt(b, 3, m.TsUTCNS)
	if m.SessionID != "" {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendString(b, m.SessionID)
	}
	b = appendUint(b, 5, uint64(m.Width))
	b = appendUint(b, 6, uint64(m.Height))
	b = appendUint(b, 7, uint64(m.PixelFormat))
	b = appendUint(b, 8, uint64(m.Codec))
	for i := range m.Planes {
		b = appendEmbedded(b, 9, appendPlane(nil, &m.Planes[i]))
	}
	if len(m.Data) > 0 {
		b = protowire.AppendTag(b, 10, protowire.BytesType)
		b = protowire.AppendBytes(b, m.Data)
	}
	return b
}

func parseFrame(data []byte) (*Frame, error) {
	m := &Frame{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		var err error
		switch num {
		case 1:
			m.FrameID, n, err = consumeVarint(data, typ)
		case 2:
			var v uint64
			v, n, err = consumeVarint(data, typ)
			m.TsMonoNS = int64(v)
		case 3:
			var v uint64
			v, n, err = consumeVarint(data, typ)
			m.TsUTCNS = int64(v)
		case 4:
			m.SessionID, n, err = consumeString(data, typ)
		case 5:
			var v uint64
			v, n, err = consumeVarint(data, typ)
			m.Width = uint32(v)
		case 6:
			var v uint64
			v, n, err = consumeVarint(data, typ)
			m.Height = uint32(v)
		case 7:
			var v uint64
			v, n, err = consumeVarint(data, typ)
			m.PixelFormat = PixelFormat(v)
		case 8:
			var v uint64
			v, n, err = consumeVarint(data, typ)
			m.Codec = Codec(v)
		case 9:
			var sub []byte
			sub, n, err = consumeBytes(data, typ)
			if err == nil {
				var p Plane
				p, err = parsePlane(sub)
				m.Planes = append(m.Planes, p)
			}
		case 10:
			var v []byte
			v, n, err = consumeBytes(data, typ)
			if err == nil {
				m.Data = append([]byte(nil), v...)
			}
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				err = protowire.ParseError(n)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("frame field %d: %w", num, err)
		}
		data = data[n:]
	}
	return m, nil
}

func appendPlane(b []byte, m *Plane) []byte {
	b = appendUint(b, 1, uint64(m.Stride))
	b = appendUint(b, 2, m.Offset)
	b = appendUint(b, 3, m.Size)
	return b
}

func parsePlane(data []byte) (Plane, error) {
	var m Plane
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return m, protowire.ParseError(n)
		}
		data = data[n:]
		var err error
		switch num {
		case 1:
			var v uint64
			v, n, err = consumeVarint(data, typ)
			m.Stride = uint32(v)
		case 2:
			m.Offset, n, err = consumeVarint(data, typ)
		case 3:
			m.Size, n, err = consumeVarint(data, typ)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				err = protowire.ParseError(n)
			}
		}
		if err != nil {
			return m, fmt.Errorf("plane field %d: %w", num, err)
		}
		data = data[n:]
	}
	return m, nil
}

func appendResult(b []byte, m *Result) []byte {
	b = appendUint(b, 1, m.FrameID)
	for i := range m.Detections {
		b = appendEmbedded(b, 2, appendDetection(nil, &m.Detections[i]))
	}
	b = appendFloat(b, 3, m.PreMS)
	b = appendFloat(b, 4, m.InferMS)
	b = appendFloat(b, 5, m.PostMS)
	b = appendFloat(b, 6, m.TotalMS)
	if m.SessionID != "" {
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendString(b, m.SessionID)
	}
	return b
}

func parseResult(data []byte) (*Result, error) {
	m := &Result{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		var err error
		switch num {
		case 1:
			m.FrameID, n, err = consumeVarint(data, typ)
		case 2:
			var sub []byte
			sub, n, err = consumeBytes(data, typ)
			if err == nil {
				var d Detection
				d, err = parseDetection(sub)
				m.Detections = append(m.Detections, d)
			}
		case 3:
			m.PreMS, n, err = consumeFloat(data, typ)
		case 4:
			m.InferMS, n, err = consumeFloat(data, typ)
		case 5:
			m.PostMS, n, err = consumeFloat(data, typ)
		case 6:
			m.TotalMS, n, err = consumeFloat(data, typ)
		case 7:
			m.SessionID, n, err = consumeString(data, typ)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				err = protowire.ParseError(n)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("result field %d: %w", num, err)
		}
		data = data[n:]
	}
	return m, nil
}

func appendDetection(b []byte, m *Detection) []byte {
	var packed []byte
	for _, f := range m.BBoxXYXY {
		packed = protowire.AppendFixed32(packed, math.Float32bits(f))
	}
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)
	b = appendFloat(b, 2, m.Confidence)
	if m.ClassName != "" {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, m.ClassName)
	}
	if m.TrackID != "" {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendString(b, m.TrackID)
	}
	return b
}

func parseDetection(data []byte) (Detection, error) {
	var m Detection
	bboxIdx := 0
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return m, protowire.ParseError(n)
		}
		data = data[n:]
		var err error
		switch num {
		case 1:
			n, err = consumeFloats(data, typ, func(f float32) {
				if bboxIdx < len(m.BBoxXYXY) {
					m.BBoxXYXY[bboxIdx] = f
					bboxIdx++
				}
			})
		case 2:
			m.Confidence, n, err = consumeFloat(data, typ)
		case 3:
			m.ClassName, n, err = consumeString(data, typ)
		case 4:
			m.TrackID, n, err = consumeString(data, typ)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				err = protowire.ParseError(n)
			}
		}
		if err != nil {
			return m, fmt.Errorf("detection field %d: %w", num, err)
		}
		data = data[n:]
	}
	return m, nil
}

func appendWindowUpdate(b []byte, m *WindowUpdate) []byte {
	return appendUint(b, 1, uint64(m.NewSize))
}

func parseWindowUpdate(data []byte) (*WindowUpdate, error) {
	m := &WindowUpdate{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		var err error
		switch num {
		case 1:
			var v uint64
			v, n, err = consumeVarint(data, typ)
			m.NewSize = uint32(v)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				err = protowire.ParseError(n)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("window_update field %d: %w", num, err)
		}
		data = data[n:]
	}
	return m, nil
}

func appendHeartbeat(b []byte, m *Heartbeat) []byte {
	b = appendUint(b, 1, m.LastFrameID)
	b = appendUint(b, 2, m.TxCount)
	b = appendUint(b, 3, m.RxCount)
	return b
}

func parseHeartbeat(data []byte) (*Heartbeat, error) {
	m := &Heartbeat{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		var err error
		switch num {
		case 1:
			m.LastFrameID, n, err = consumeVarint(data, typ)
		case 2:
			m.TxCount, n, err = consumeVarint(data, typ)
		case 3:
			m.RxCount, n, err = consumeVarint(data, typ)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				err = protowire.ParseError(n)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("heartbeat field %d: %w", num, err)
		}
		data = data[n:]
	}
	return m, nil
}

func appendErrorInfo(b []byte, m *ErrorInfo) []byte {
	b = appendUint(b, 1, uint64(m.Code))
	if m.Message != "" {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, m.Message)
	}
	b = appendUint(b, 3, uint64(m.RetryAfterMS))
	return b
}

func parseErrorInfo(data []byte) (*ErrorInfo, error) {
	m := &ErrorInfo{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		var err error
		switch num {
		case 1:
			var v uint64
			v, n, err = consumeVarint(data, typ)
			m.Code = ErrorCode(v)
		case 2:
			m.Message, n, err = consumeString(data, typ)
		case 3:
			var v uint64
			v, n, err = consumeVarint(data, typ)
			m.RetryAfterMS = uint32(v)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				err = protowire.ParseError(n)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("error field %d: %w", num, err)
		}
		data = data[n:]
	}
	return m, nil
}

func appendEnd(b []byte, m *End) []byte {
	if m.SessionID != "" {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, m.SessionID)
	}
	return b
}

func parseEnd(data []byte) (*End, error) {
	m := &End{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = data[n:]
		var err error
		switch num {
		case 1:
			m.SessionID, n, err = consumeString(data, typ)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				err = protowire.ParseError(n)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("end field %d: %w", num, err)
		}
		data = data[n:]
	}
	return m, nil
}

func appendEmbedded(b []byte, num protowire.Number, sub []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(len(sub)))
	return append(b, sub...)
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	return appendUint(b, num, uint64(v))
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}

func appendFloat(b []byte, num protowire.Number, v float32) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed32Type)
	return protowire.AppendFixed32(b, math.Float32bits(v))
}

func consumeVarint(data []byte, typ protowire.Type) (uint64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, fmt.Errorf("unexpected wire type %d, want varint", typ)
	}
	v, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeString(data []byte, typ protowire.Type) (string, int, error) {
	if typ != protowire.BytesType {
		return "", 0, fmt.Errorf("unexpected wire type %d, want bytes", typ)
	}
	v, n := protowire.ConsumeString(data)
	if n < 0 {
		return "", 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeBytes(data []byte, typ protowire.Type) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, fmt.Errorf("unexpected wire type %d, want bytes", typ)
	}
	v, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeFloat(data []byte, typ protowire.Type) (float32, int, error) {
	if typ != protowire.Fixed32Type {
		return 0, 0, fmt.Errorf("unexpected wire type %d, want fixed32", typ)
	}
	v, n := protowire.ConsumeFixed32(data)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return math.Float32frombits(v), n, nil
}

// consumeEnums handles a repeated enum field in either packed or unpacked
// encoding.
func consumeEnums(data []byte, typ protowire.Type, emit func(uint64)) (int, error) {
	switch typ {
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		for len(packed) > 0 {
			v, vn := protowire.ConsumeVarint(packed)
			if vn < 0 {
				return 0, protowire.ParseError(vn)
			}
			emit(v)
			packed = packed[vn:]
		}
		return n, nil
	case protowire.VarintType:
		v, n := protowire.ConsumeVarint(data)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		emit(v)
		return n, nil
	default:
		return 0, fmt.Errorf("unexpected wire type %d for repeated enum", typ)
	}
}

// consumeFloats handles a repeated float field in either packed or unpacked
// encoding.
func consumeFloats(data []byte, typ protowire.Type, emit func(float32)) (int, error) {
	switch typ {
	case protowire.BytesType:
		packed, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		for len(packed) > 0 {
			v, vn := protowire.ConsumeFixed32(packed)
			if vn < 0 {
				return 0, protowire.ParseError(vn)
			}
			emit(math.Float32frombits(v))
			packed = packed[vn:]
		}
		return n, nil
	case protowire.Fixed32Type:
		v, n := protowire.ConsumeFixed32(data)
		if n < 0 {
			return 0, protowire.ParseError(n)
		}
		emit(math.Float32frombits(v))
		return n, nil
	default:
		return 0, fmt.Errorf("unexpected wire type %d for repeated float", typ)
	}
}
