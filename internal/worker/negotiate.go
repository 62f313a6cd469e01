// Package worker implements the inference side of the feed protocol: a TCP
// server that negotiates a frame contract with each edge, runs frames through
// the decode-infer-track pipeline, and persists tracked sessions to disk.
package worker

import (
	"github.com/vigil-video/vigil/internal/config"
	"github.com/vigil-video/vigil/pkg/feedproto"
)

const (
	// defaultFrameEdge bounds the negotiated frame dimensions when the edge
	// does not state limits of its own.
	defaultFrameEdge = 640

	// defaultFPSTarget is the rate hint returned in InitOk; the edge treats
	// it as the ceiling its adaptive frame rate converges to.
	defaultFPSTarget = 5.0
)

// Formats the pipeline can decode. Negotiation works down the edge's
// preference list, so these only gate what the worker will accept.
var (
	supportedPixelFormats = map[feedproto.PixelFormat]bool{
		feedproto.PixelFormatNV12: true,
		feedproto.PixelFormatI420: true,
		feedproto.PixelFormatRGB8: true,
	}
	supportedCodecs = map[feedproto.Codec]bool{
		feedproto.CodecRaw:  true,
		feedproto.CodecJPEG: true,
	}
)

// negotiate resolves one Init against the worker's limits and returns the
// InitOk the connection should answer with. The error, when non-nil, is a
// *feedproto.ProtocolError describing why no contract exists.
func negotiate(init *feedproto.Init, cfg config.WorkerConfig) (*feedproto.InitOk, error) {
	if init == nil || init.Caps == nil {
		return nil, feedproto.Errorf(feedproto.CodeBadMessage, "init carries no capabilities")
	}
	if init.Model == "" {
		return nil, feedproto.Errorf(feedproto.CodeBadMessage, "init names no model")
	}
	caps := init.Caps

	pixel, err := choosePixelFormat(caps.AcceptedPixelFormats)
	if err != nil {
		return nil, err
	}
	codec, err := chooseCodec(caps.AcceptedCodecs)
	if err != nil {
		return nil, err
	}

	width := uint32(defaultFrameEdge)
	if caps.MaxWidth > 0 {
		width = caps.MaxWidth
	}
	height := uint32(defaultFrameEdge)
	if caps.MaxHeight > 0 {
		height = caps.MaxHeight
	}

	credits := cfg.Window.InitialCredits
	if credits < 1 {
		credits = 1
	}
	if caps.MaxInflight > 0 && credits > int(caps.MaxInflight) {
		credits = int(caps.MaxInflight)
	}
	if cfg.Window.Max > 0 && credits > cfg.Window.Max {
		credits = cfg.Window.Max
	}

	return &feedproto.InitOk{
		Chosen: &feedproto.Format{
			PixelFormat:    pixel,
			Codec:          codec,
			Width:          width,
			Height:         height,
			FPSTarget:      defaultFPSTarget,
			Policy:         feedproto.PolicyLatestWins,
			InitialCredits: uint32(credits),
			ColorSpace:     "bt601",
			ColorRange:     "full",
		},
		MaxFrameBytes: frameByteBudget(cfg, caps, pixel, width, height),
	}, nil
}

// choosePixelFormat walks the edge's preference list and returns the first
// format the pipeline can decode. An empty list means the edge has no
// preference and gets NV12, the capture bridge native layout.
func choosePixelFormat(accepted []feedproto.PixelFormat) (feedproto.PixelFormat, error) {
	if len(accepted) == 0 {
		return feedproto.PixelFormatNV12, nil
	}
	for _, pf := range accepted {
		if supportedPixelFormats[pf] {
			return pf, nil
		}
	}
	return 0, feedproto.Errorf(feedproto.CodeUnsupportedFormat,
		"no common pixel format among %v", accepted)
}

// chooseCodec mirrors choosePixelFormat for the payload codec. The edge
// reorders its list when degrading, so position one is always its current
// wish; an empty list falls back to raw.
func chooseCodec(accepted []feedproto.Codec) (feedproto.Codec, error) {
	if len(accepted) == 0 {
		return feedproto.CodecRaw, nil
	}
	for _, c := range accepted {
		if supportedCodecs[c] {
			return c, nil
		}
	}
	return 0, feedproto.Errorf(feedproto.CodeUnsupportedFormat,
		"no common codec among %v", accepted)
}

// frameByteBudget grants the per-frame byte ceiling: what the edge asked for,
// or one raw frame at the chosen geometry when it asked for nothing, never
// exceeding the worker's own configured limit.
func frameByteBudget(cfg config.WorkerConfig, caps *feedproto.Capabilities, pixel feedproto.PixelFormat, width, height uint32) uint64 {
	want := caps.DesiredMaxFrameBytes
	if want == 0 {
		want = feedproto.RawFrameSize(pixel, width, height)
	}
	limit := uint64(cfg.MaxFrameBytes.Bytes())
	if limit > 0 && want > limit {
		want = limit
	}
	if want == 0 {
		want = feedproto.DefaultMaxMessageBytes
	}
	return want
}
