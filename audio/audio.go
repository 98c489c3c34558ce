package audio

import "strings"

// Format delivered to the inference worker.
const (
	SampleRate    = 16000
	Channels      = 1
	BitsPerSample = 16
)

const WAVHeaderSize = 44

var btKeywords = []string{
	"airpods", "beats", "bose", "wh-1000", "wf-1000",
	"sony wh-", "sony wf-",
	"jabra", "galaxy buds", "pixel buds", "powerbeats",
	"jbl ", "sennheiser momentum", "plantronics",
	"bluetooth", " bt ", " bt)", " bt]",
}

// IsBluetooth guesses from the device name whether capture goes over a
// narrow-band headset profile.
func IsBluetooth(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range btKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// DataCallback receives little-endian signed 16-bit frames.
type DataCallback func(data []byte, frameCount uint32)

type CaptureConfig struct {
	SampleRate uint32
	Channels   uint32
	Gain       float32 // linear input gain, 0 means unity
}

// amplify scales 16-bit samples by gain in place, saturating.
func amplify(buf []int16, gain float32) {
	if gain == 0 || gain == 1 {
		return
	}
	for i, s := range buf {
		v := float32(s) * gain
		switch {
		case v > 32767:
			v = 32767
		case v < -32768:
			v = -32768
		}
		buf[i] = int16(v)
	}
}

type DeviceInfo struct {
	ID   string // opaque platform-specific identifier
	Name string
}

type Context interface {
	Devices() ([]DeviceInfo, error)
	NewCapture(device *DeviceInfo, config CaptureConfig) (CaptureDevice, error)
	Close()
}

type CaptureDevice interface {
	Start() error
	Stop()
	Close()
	SetCallback(cb DataCallback)
	ClearCallback()
}
