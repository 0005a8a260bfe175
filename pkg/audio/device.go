package audio

import "errors"

var (
	ErrNoCaptureDevice  = errors.New("no audio capture device")
	ErrNoPlaybackDevice = errors.New("no audio playback device")
	ErrClosed           = errors.New("audio system closed")
)

// Format PCM stream layout shared by capture and playback.
type Format struct {
	SampleRate int
	Channels   int
	FrameMs    int
}

// FrameSamples samples per frame across all channels.
func (f Format) FrameSamples() int {
	return f.SampleRate * f.Channels * f.FrameMs / 1000
}

func (f Format) Valid() bool {
	return f.SampleRate > 0 && f.Channels > 0 && f.FrameMs > 0
}

// Capabilities reported by the host audio stack.
type Capabilities struct {
	Capture  bool
	Playback bool
	Decode   bool
}

// FrameFunc receives one capture frame. It runs on the device thread and
// must return quickly.
type FrameFunc func(samples []float32)

// Stream an open device; Close stops it and releases the hardware.
type Stream interface {
	Close() error
}

// System the host audio stack.
type System interface {
	Capabilities() (Capabilities, error)
	OpenCapture(format Format, onFrame FrameFunc) (Stream, error)
}

// DeviceInfo one entry of a device listing.
type DeviceInfo struct {
	Index   int
	Name    string
	Default bool
}
