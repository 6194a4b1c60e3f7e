package audio

import (
	"context"
	"fmt"
	"runtime"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"

	"github.com/quicksoap/quicksoap/internal/domain/capture"
)

// MicrophoneSource captures from the host's default input device.
type MicrophoneSource struct {
	format   Format
	maxBytes int
	logger   zerolog.Logger
}

func NewMicrophoneSource(f Format, maxBytes int, logger zerolog.Logger) *MicrophoneSource {
	return &MicrophoneSource{format: f, maxBytes: maxBytes, logger: logger}
}

func backends() []malgo.Backend {
	switch runtime.GOOS {
	case "linux":
		return []malgo.Backend{malgo.BackendAlsa}
	case "windows":
		return []malgo.Backend{malgo.BackendWasapi}
	case "darwin":
		return []malgo.Backend{malgo.BackendCoreaudio}
	}
	return nil
}

// Acquire opens and starts the device. Any failure here means no usable
// microphone; the device is released by the recorder's Stop.
func (s *MicrophoneSource) Acquire(ctx context.Context) (capture.Recorder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mctx, err := malgo.InitContext(backends(), malgo.ContextConfig{}, func(message string) {
		s.logger.Debug().Str("component", "malgo").Msg(message)
	})
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(s.format.Channels)
	cfg.SampleRate = uint32(s.format.SampleRate)
	cfg.Alsa.NoMMap = 1

	var rec *bufferRecorder
	var device *malgo.Device
	release := func() error {
		if device != nil {
			device.Uninit()
		}
		_ = mctx.Uninit()
		mctx.Free()
		return nil
	}
	rec = newBufferRecorder(s.format, s.maxBytes, release)

	device, err = malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			if _, err := rec.WriteFrames(input); err != nil && err != ErrRecorderClosed {
				s.logger.Warn().Err(err).Msg("drop microphone frames")
			}
		},
	})
	if err != nil {
		device = nil
		release()
		return nil, fmt.Errorf("init capture device: %w", err)
	}
	if err := device.Start(); err != nil {
		release()
		return nil, fmt.Errorf("start capture device: %w", err)
	}

	s.logger.Info().Int("sample_rate", s.format.SampleRate).Msg("microphone capture started")
	return rec, nil
}
