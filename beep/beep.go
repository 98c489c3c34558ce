// Package beep plays short audible cues for dictation state changes.
package beep

import (
	"math"
	"sync/atomic"
)

const sampleRate = 44100

type Cue int

const (
	CueStart Cue = iota
	CueStop
	CueError
)

type tone struct {
	freq     float64
	duration float64
	volume   float64
	decay    float64
	repeat   int
	gap      float64
}

var tones = map[Cue]tone{
	// high, short
	CueStart: {freq: 1200, duration: 0.04, volume: 0.5, decay: 60, repeat: 1},
	// lower, slightly longer
	CueStop: {freq: 900, duration: 0.06, volume: 0.5, decay: 40, repeat: 1},
	// low double beep
	CueError: {freq: 350, duration: 0.08, volume: 0.6, decay: 30, repeat: 2, gap: 0.05},
}

var disabled atomic.Bool

func Disable() { disabled.Store(true) }

// Play renders the cue asynchronously. Playback failures are silent.
func Play(c Cue) {
	if disabled.Load() {
		return
	}
	samples := Synth(c, channels)
	if len(samples) == 0 {
		return
	}
	go play(samples)
}

// Synth renders the cue as interleaved 16-bit PCM at 44.1 kHz.
func Synth(c Cue, ch int) []int16 {
	t, ok := tones[c]
	if !ok {
		return nil
	}
	tick := generateTick(t.freq, t.duration, t.volume, t.decay, ch)
	gap := make([]int16, int(sampleRate*t.gap)*ch)
	out := make([]int16, 0, t.repeat*(len(tick)+len(gap)))
	for i := 0; i < t.repeat; i++ {
		if i > 0 {
			out = append(out, gap...)
		}
		out = append(out, tick...)
	}
	return out
}

func generateTick(freq, duration, volume, decay float64, ch int) []int16 {
	n := int(sampleRate * duration)
	samples := make([]int16, n*ch)
	for i := 0; i < n; i++ {
		t := float64(i) / sampleRate
		envelope := math.Exp(-t * decay)
		s := int16(math.Sin(2*math.Pi*freq*t) * 32767 * volume * envelope)
		for c := 0; c < ch; c++ {
			samples[i*ch+c] = s
		}
	}
	return samples
}
