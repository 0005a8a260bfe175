package audio

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"
	"go.uber.org/zap"
)

// MalgoSystem System backed by miniaudio.
type MalgoSystem struct {
	mu     sync.Mutex
	ctx    *malgo.AllocatedContext
	closed bool
	log    *zap.Logger
}

func NewMalgoSystem(logger *zap.Logger) (*MalgoSystem, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("audio")
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		log.Debug("miniaudio", zap.String("message", strings.TrimSpace(message)))
	})
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}
	return &MalgoSystem{ctx: ctx, log: log}, nil
}

func (s *MalgoSystem) context() (*malgo.AllocatedContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return s.ctx, nil
}

// Capabilities probes for at least one capture and one playback device.
func (s *MalgoSystem) Capabilities() (Capabilities, error) {
	ctx, err := s.context()
	if err != nil {
		return Capabilities{}, err
	}
	capture, err := ctx.Devices(malgo.Capture)
	if err != nil {
		return Capabilities{}, fmt.Errorf("enumerate capture devices: %w", err)
	}
	playback, err := ctx.Devices(malgo.Playback)
	if err != nil {
		return Capabilities{}, fmt.Errorf("enumerate playback devices: %w", err)
	}
	return Capabilities{
		Capture:  len(capture) > 0,
		Playback: len(playback) > 0,
		Decode:   true,
	}, nil
}

// CaptureDevices lists microphones.
func (s *MalgoSystem) CaptureDevices() ([]DeviceInfo, error) {
	return s.devices(malgo.Capture)
}

func (s *MalgoSystem) PlaybackDevices() ([]DeviceInfo, error) {
	return s.devices(malgo.Playback)
}

func (s *MalgoSystem) devices(kind malgo.DeviceType) ([]DeviceInfo, error) {
	ctx, err := s.context()
	if err != nil {
		return nil, err
	}
	infos, err := ctx.Devices(kind)
	if err != nil {
		return nil, fmt.Errorf("failed to get device list: %w", err)
	}
	out := make([]DeviceInfo, 0, len(infos))
	for i, info := range infos {
		out = append(out, DeviceInfo{Index: i, Name: info.Name(), Default: info.IsDefault != 0})
	}
	return out, nil
}

// OpenCapture starts the default microphone delivering float32 frames.
func (s *MalgoSystem) OpenCapture(format Format, onFrame FrameFunc) (Stream, error) {
	if !format.Valid() {
		return nil, fmt.Errorf("invalid capture format %+v", format)
	}
	ctx, err := s.context()
	if err != nil {
		return nil, err
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = uint32(format.Channels)
	cfg.SampleRate = uint32(format.SampleRate)
	cfg.PeriodSizeInMilliseconds = uint32(format.FrameMs)
	cfg.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			if len(input) == 0 {
				return
			}
			onFrame(float32sFromLE(input))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open capture device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, fmt.Errorf("start capture device: %w", err)
	}
	s.log.Info("capture started", zap.Int("sampleRate", format.SampleRate), zap.Int("channels", format.Channels))
	return &deviceStream{device: device, log: s.log}, nil
}

// OpenPlayback starts the default speaker pulling PCM16 from q.
func (s *MalgoSystem) OpenPlayback(format Format, q *PCMQueue) (Stream, error) {
	if !format.Valid() {
		return nil, fmt.Errorf("invalid playback format %+v", format)
	}
	ctx, err := s.context()
	if err != nil {
		return nil, err
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = uint32(format.Channels)
	cfg.SampleRate = uint32(format.SampleRate)
	cfg.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(output, _ []byte, _ uint32) {
			q.Read(output)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open playback device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return nil, fmt.Errorf("start playback device: %w", err)
	}
	return &deviceStream{device: device, log: s.log}, nil
}

// Close releases the audio context. Open streams must be closed first.
func (s *MalgoSystem) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	err := s.ctx.Uninit()
	s.ctx.Free()
	return err
}

type deviceStream struct {
	once   sync.Once
	device *malgo.Device
	log    *zap.Logger
}

func (d *deviceStream) Close() error {
	var err error
	d.once.Do(func() {
		err = d.device.Stop()
		d.device.Uninit()
		d.log.Debug("audio device released")
	})
	return err
}
