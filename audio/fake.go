package audio

import (
	"encoding/binary"
	"sync"
	"time"
)

const fakeFrameSize = 1024

// FakeContext replays fixed PCM through every capture it creates.
type FakeContext struct {
	pcm      []int16
	realtime bool

	mu     sync.Mutex
	starts int
}

// NewFakeContext builds a context from a clip (mono, any rate is passed
// through untouched). With realtime, frames are paced at 16 kHz.
func NewFakeContext(clip Clip, realtime bool) *FakeContext {
	return &FakeContext{pcm: clip.Samples, realtime: realtime}
}

// NewFakeContextFromWAV loads the replayed audio from a WAV file.
func NewFakeContextFromWAV(path string, realtime bool) (*FakeContext, error) {
	clip, err := ReadWAV(path)
	if err != nil {
		return nil, err
	}
	return NewFakeContext(clip, realtime), nil
}

func (f *FakeContext) Devices() ([]DeviceInfo, error) {
	return []DeviceInfo{{ID: "fake", Name: "Fake Microphone"}}, nil
}

func (f *FakeContext) Close() {}

func (f *FakeContext) NewCapture(_ *DeviceInfo, _ CaptureConfig) (CaptureDevice, error) {
	return &FakeCapture{ctx: f, pcm: f.pcm, realtime: f.realtime}, nil
}

// Starts reports how many times any capture from this context was started.
func (f *FakeContext) Starts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

type FakeCapture struct {
	ctx      *FakeContext
	pcm      []int16
	realtime bool

	mu       sync.Mutex
	cb       DataCallback
	stopCh   chan struct{}
	feedDone chan struct{}
}

func (f *FakeCapture) SetCallback(cb DataCallback) {
	f.mu.Lock()
	f.cb = cb
	f.mu.Unlock()
}

func (f *FakeCapture) ClearCallback() {
	f.mu.Lock()
	f.cb = nil
	f.mu.Unlock()
}

func (f *FakeCapture) emit(samples []int16) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	if cb == nil || len(samples) == 0 {
		return
	}
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
	}
	cb(data, uint32(len(samples)))
}

// Start delivers the whole clip once. Without realtime it is delivered before
// Start returns, so a Stop right after sees all of it.
func (f *FakeCapture) Start() error {
	f.ctx.mu.Lock()
	f.ctx.starts++
	f.ctx.mu.Unlock()

	f.stopCh = make(chan struct{})
	f.feedDone = make(chan struct{})

	if !f.realtime {
		for pos := 0; pos < len(f.pcm); pos += fakeFrameSize {
			f.emit(f.pcm[pos:min(pos+fakeFrameSize, len(f.pcm))])
		}
		close(f.feedDone)
		return nil
	}

	interval := time.Duration(fakeFrameSize) * time.Second / SampleRate
	go func() {
		defer close(f.feedDone)
		for pos := 0; pos < len(f.pcm); pos += fakeFrameSize {
			f.emit(f.pcm[pos:min(pos+fakeFrameSize, len(f.pcm))])
			select {
			case <-f.stopCh:
				return
			case <-time.After(interval):
			}
		}
	}()
	return nil
}

func (f *FakeCapture) Stop() {
	if f.stopCh == nil {
		return
	}
	select {
	case <-f.stopCh:
	default:
		close(f.stopCh)
	}
	<-f.feedDone
}

func (f *FakeCapture) Close() {}
