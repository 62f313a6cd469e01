package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vigil-video/vigil/internal/config"
	"github.com/vigil-video/vigil/pkg/feedproto"
)

func workerTestConfig() config.WorkerConfig {
	return config.WorkerConfig{
		Listen:        "127.0.0.1:0",
		OutDir:        "./sessions",
		MaxFrameBytes: config.ByteSize(64 << 20),
		Window: config.WindowConfig{
			InitialCredits: 4,
			Min:            2,
			Max:            16,
			Autotune:       true,
		},
	}
}

func testInit(model string) *feedproto.Init {
	return &feedproto.Init{
		Model: model,
		Caps: &feedproto.Capabilities{
			AcceptedPixelFormats: []feedproto.PixelFormat{feedproto.PixelFormatNV12},
			AcceptedCodecs:       []feedproto.Codec{feedproto.CodecRaw, feedproto.CodecJPEG},
			MaxWidth:             640,
			MaxHeight:            480,
			MaxInflight:          8,
			Letterbox:            true,
			Normalize:            true,
			Layout:               "CHW",
			Dtype:                "fp32",
		},
	}
}

func TestNegotiateDefaults(t *testing.T) {
	ok, err := negotiate(testInit("yolo11n"), workerTestConfig())
	require.NoError(t, err)
	require.NotNil(t, ok.Chosen)

	assert.Equal(t, feedproto.PixelFormatNV12, ok.Chosen.PixelFormat)
	assert.Equal(t, feedproto.CodecRaw, ok.Chosen.Codec)
	assert.Equal(t, uint32(640), ok.Chosen.Width)
	assert.Equal(t, uint32(480), ok.Chosen.Height)
	assert.Equal(t, feedproto.PolicyLatestWins, ok.Chosen.Policy)
	assert.Equal(t, uint32(4), ok.Chosen.InitialCredits)
	assert.InDelta(t, 5.0, ok.Chosen.FPSTarget, 0.001)
	assert.Equal(t, "bt601", ok.Chosen.ColorSpace)
	assert.Equal(t, "full", ok.Chosen.ColorRange)

	// One raw NV12 frame at 640x480.
	assert.Equal(t, uint64(640*480*3/2), ok.MaxFrameBytes)
}

func TestNegotiateHonorsCodecPreferenceOrder(t *testing.T) {
	// A degraded edge lists JPEG first; the worker must follow.
	init := testInit("yolo11n")
	init.Caps.AcceptedCodecs = []feedproto.Codec{feedproto.CodecJPEG, feedproto.CodecRaw}
	init.Caps.DesiredMaxFrameBytes = 80_000

	ok, err := negotiate(init, workerTestConfig())
	require.NoError(t, err)
	assert.Equal(t, feedproto.CodecJPEG, ok.Chosen.Codec)
	assert.Equal(t, uint64(80_000), ok.MaxFrameBytes)
}

func TestNegotiateEmptyListsFallBack(t *testing.T) {
	init := testInit("yolo11n")
	init.Caps.AcceptedPixelFormats = nil
	init.Caps.AcceptedCodecs = nil

	ok, err := negotiate(init, workerTestConfig())
	require.NoError(t, err)
	assert.Equal(t, feedproto.PixelFormatNV12, ok.Chosen.PixelFormat)
	assert.Equal(t, feedproto.CodecRaw, ok.Chosen.Codec)
}

func TestNegotiateCreditsCappedByInflight(t *testing.T) {
	init := testInit("yolo11n")
	init.Caps.MaxInflight = 2

	ok, err := negotiate(init, workerTestConfig())
	require.NoError(t, err)
	assert.Equal(t, uint32(2), ok.Chosen.InitialCredits)
}

func TestNegotiateFrameBudgetCappedByWorker(t *testing.T) {
	cfg := workerTestConfig()
	cfg.MaxFrameBytes = config.ByteSize(100_000)
	init := testInit("yolo11n")
	init.Caps.DesiredMaxFrameBytes = 10 << 20

	ok, err := negotiate(init, cfg)
	require.NoError(t, err)
	assert.Equal(t, uint64(100_000), ok.MaxFrameBytes)
}

func TestNegotiateRejectsMissingCaps(t *testing.T) {
	_, err := negotiate(&feedproto.Init{Model: "yolo11n"}, workerTestConfig())
	require.Error(t, err)
	assert.Equal(t, feedproto.CodeBadMessage, feedproto.CodeOf(err))

	_, err = negotiate(nil, workerTestConfig())
	require.Error(t, err)
	assert.Equal(t, feedproto.CodeBadMessage, feedproto.CodeOf(err))
}

func TestNegotiateRejectsEmptyModel(t *testing.T) {
	init := testInit("")
	_, err := negotiate(init, workerTestConfig())
	require.Error(t, err)
	assert.Equal(t, feedproto.CodeBadMessage, feedproto.CodeOf(err))
}

func TestNegotiateNoCommonFormat(t *testing.T) {
	init := testInit("yolo11n")
	init.Caps.AcceptedPixelFormats = []feedproto.PixelFormat{feedproto.PixelFormat(99)}

	_, err := negotiate(init, workerTestConfig())
	require.Error(t, err)
	assert.Equal(t, feedproto.CodeUnsupportedFormat, feedproto.CodeOf(err))

	init = testInit("yolo11n")
	init.Caps.AcceptedCodecs = []feedproto.Codec{feedproto.Codec(99)}

	_, err = negotiate(init, workerTestConfig())
	require.Error(t, err)
	assert.Equal(t, feedproto.CodeUnsupportedFormat, feedproto.CodeOf(err))
}
