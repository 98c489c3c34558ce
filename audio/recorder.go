package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

var ErrNotRecording = errors.New("audio: not recording")

// Recorder accumulates one clip of 16 kHz mono PCM per Start/Stop cycle. The
// capture device is opened on first use and reused across cycles.
type Recorder struct {
	ctx    Context
	device *DeviceInfo
	gain   float32

	mu        sync.Mutex
	capture   CaptureDevice
	pcm       []int16
	recording bool
}

func NewRecorder(ctx Context, device *DeviceInfo, gain float32) *Recorder {
	return &Recorder{ctx: ctx, device: device, gain: gain}
}

func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recording {
		return nil
	}
	if r.capture == nil {
		c, err := r.ctx.NewCapture(r.device, CaptureConfig{
			SampleRate: SampleRate,
			Channels:   Channels,
			Gain:       r.gain,
		})
		if err != nil {
			return fmt.Errorf("open capture: %w", err)
		}
		r.capture = c
	}

	r.pcm = r.pcm[:0]
	r.capture.SetCallback(r.onData)
	if err := r.capture.Start(); err != nil {
		r.capture.ClearCallback()
		return fmt.Errorf("start capture: %w", err)
	}
	r.recording = true
	return nil
}

func (r *Recorder) onData(data []byte, _ uint32) {
	n := len(data) / 2
	r.mu.Lock()
	for i := 0; i < n; i++ {
		r.pcm = append(r.pcm, int16(binary.LittleEndian.Uint16(data[i*2:])))
	}
	r.mu.Unlock()
}

// Stop ends the cycle and returns what was captured. Zero-length clips are
// valid.
func (r *Recorder) Stop() (Clip, error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return Clip{}, ErrNotRecording
	}
	capture := r.capture
	r.recording = false
	r.mu.Unlock()

	// Stop outside the lock: backends may deliver a final callback while
	// shutting the stream down.
	capture.Stop()
	capture.ClearCallback()

	r.mu.Lock()
	samples := make([]int16, len(r.pcm))
	copy(samples, r.pcm)
	r.pcm = r.pcm[:0]
	r.mu.Unlock()

	return Clip{Samples: samples, SampleRate: SampleRate, Channels: Channels}, nil
}

func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.capture != nil {
		r.capture.ClearCallback()
		r.capture.Close()
		r.capture = nil
	}
	r.recording = false
}
