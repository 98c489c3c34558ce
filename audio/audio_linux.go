//go:build linux

package audio

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"
)

type pulseContext struct {
	client *pulse.Client
}

func NewContext() (Context, error) {
	c, err := pulse.NewClient(pulse.ClientApplicationName("murmur"))
	if err != nil {
		return nil, fmt.Errorf("pulse: %w", err)
	}
	return &pulseContext{client: c}, nil
}

func (p *pulseContext) Devices() ([]DeviceInfo, error) {
	sources, err := p.client.ListSources()
	if err != nil {
		return nil, fmt.Errorf("pulse list sources: %w", err)
	}
	devices := make([]DeviceInfo, 0, len(sources))
	for _, s := range sources {
		devices = append(devices, DeviceInfo{ID: s.ID(), Name: s.Name()})
	}
	return devices, nil
}

func (p *pulseContext) NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error) {
	var source *pulse.Source
	if device != nil {
		s, err := p.client.SourceByID(device.ID)
		if err != nil {
			return nil, fmt.Errorf("pulse source %q: %w", device.Name, err)
		}
		source = s
	}
	return &pulseCapture{client: p.client, source: source, config: config}, nil
}

func (p *pulseContext) Close() {
	p.client.Close()
}

// pulseCapture opens a fresh record stream on every Start; the server side
// resamples to the requested rate.
type pulseCapture struct {
	client   *pulse.Client
	source   *pulse.Source
	config   CaptureConfig
	callback atomic.Pointer[DataCallback]

	mu     sync.Mutex
	stream *pulse.RecordStream
}

func (c *pulseCapture) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream != nil {
		return nil
	}

	writer := pulse.Int16Writer(func(buf []int16) (int, error) {
		cb := c.callback.Load()
		if cb == nil || len(buf) == 0 {
			return len(buf), nil
		}
		amplify(buf, c.config.Gain)
		data := make([]byte, len(buf)*2)
		for i, s := range buf {
			binary.LittleEndian.PutUint16(data[i*2:], uint16(s))
		}
		(*cb)(data, uint32(len(buf)))
		return len(buf), nil
	})

	opts := []pulse.RecordOption{
		pulse.RecordMono,
		pulse.RecordSampleRate(int(c.config.SampleRate)),
		pulse.RecordLatency(0.05),
		pulse.RecordRawOption(func(r *proto.CreateRecordStream) {
			r.ChannelVolumes = proto.ChannelVolumes{uint32(proto.VolumeNorm)}
		}),
	}
	if c.source != nil {
		opts = append(opts, pulse.RecordSource(c.source))
	}

	stream, err := c.client.NewRecord(writer, opts...)
	if err != nil {
		return fmt.Errorf("pulse record: %w", err)
	}
	stream.Start()
	c.stream = stream
	return nil
}

func (c *pulseCapture) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return
	}
	c.stream.Stop()
	c.stream.Close()
	c.stream = nil
}

func (c *pulseCapture) Close() {
	c.Stop()
}

func (c *pulseCapture) SetCallback(cb DataCallback) {
	c.callback.Store(&cb)
}

func (c *pulseCapture) ClearCallback() {
	c.callback.Store(nil)
}
