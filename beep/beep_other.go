//go:build !linux

package beep

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
)

const channels = 1

var (
	ctxOnce sync.Once
	ctx     *malgo.AllocatedContext
	playMu  sync.Mutex
)

func play(samples []int16) {
	ctxOnce.Do(func() {
		c, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
		if err == nil {
			ctx = c
		}
	})
	if ctx == nil {
		return
	}
	playMu.Lock()
	defer playMu.Unlock()

	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = channels
	cfg.SampleRate = sampleRate

	done := make(chan struct{})
	var once sync.Once
	pos := 0
	dev, err := malgo.InitDevice(ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(out, _ []byte, _ uint32) {
			n := copy(out, pcm[pos:])
			pos += n
			clear(out[n:])
			if pos >= len(pcm) {
				once.Do(func() { close(done) })
			}
		},
	})
	if err != nil {
		return
	}
	defer dev.Uninit()
	if err := dev.Start(); err != nil {
		return
	}
	select {
	case <-done:
		// let the device drain its last period
		time.Sleep(50 * time.Millisecond)
	case <-time.After(time.Second):
	}
	dev.Stop()
}
