package audio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

// Clip is decoded PCM audio.
type Clip struct {
	Samples    []int16 // interleaved when Channels > 1
	SampleRate int
	Channels   int
}

// Duration in seconds.
func (c Clip) Duration() float64 {
	if c.SampleRate == 0 || c.Channels == 0 {
		return 0
	}
	return float64(len(c.Samples)/c.Channels) / float64(c.SampleRate)
}

// WriteWAV writes mono 16-bit PCM samples as a canonical 44-byte-header WAV.
func WriteWAV(path string, samples []int16, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := EncodeWAV(w, samples, sampleRate); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

// EncodeWAV writes a mono 16-bit PCM WAV stream to w.
func EncodeWAV(w io.Writer, samples []int16, sampleRate int) error {
	dataSize := uint32(len(samples) * 2)
	byteRate := uint32(sampleRate * Channels * BitsPerSample / 8)

	hdr := make([]byte, WAVHeaderSize)
	copy(hdr[0:4], "RIFF")
	binary.LittleEndian.PutUint32(hdr[4:8], 36+dataSize)
	copy(hdr[8:12], "WAVE")
	copy(hdr[12:16], "fmt ")
	binary.LittleEndian.PutUint32(hdr[16:20], 16)
	binary.LittleEndian.PutUint16(hdr[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(hdr[22:24], Channels)
	binary.LittleEndian.PutUint32(hdr[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(hdr[28:32], byteRate)
	binary.LittleEndian.PutUint16(hdr[32:34], Channels*BitsPerSample/8)
	binary.LittleEndian.PutUint16(hdr[34:36], BitsPerSample)
	copy(hdr[36:40], "data")
	binary.LittleEndian.PutUint32(hdr[40:44], dataSize)
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, samples)
}

// ReadWAV decodes a 16-bit PCM WAV file. Chunks other than fmt and data are
// skipped.
func ReadWAV(path string) (Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return Clip{}, err
	}
	defer f.Close()
	return DecodeWAV(bufio.NewReader(f))
}

func DecodeWAV(r io.Reader) (Clip, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return Clip{}, fmt.Errorf("wav header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return Clip{}, errors.New("not a RIFF/WAVE file")
	}

	var clip Clip
	var haveFmt bool
	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			return Clip{}, fmt.Errorf("wav chunk: %w", err)
		}
		id := string(chunk[0:4])
		size := binary.LittleEndian.Uint32(chunk[4:8])

		switch id {
		case "fmt ":
			if size < 16 {
				return Clip{}, fmt.Errorf("fmt chunk too short: %d", size)
			}
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return Clip{}, fmt.Errorf("fmt chunk: %w", err)
			}
			format := binary.LittleEndian.Uint16(body[0:2])
			bits := binary.LittleEndian.Uint16(body[14:16])
			if format != 1 || bits != 16 {
				return Clip{}, fmt.Errorf("unsupported wav encoding: format=%d bits=%d", format, bits)
			}
			clip.Channels = int(binary.LittleEndian.Uint16(body[2:4]))
			clip.SampleRate = int(binary.LittleEndian.Uint32(body[4:8]))
			if clip.Channels == 0 || clip.SampleRate == 0 {
				return Clip{}, errors.New("wav fmt chunk has zero channels or rate")
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return Clip{}, errors.New("wav data before fmt chunk")
			}
			data, err := io.ReadAll(io.LimitReader(r, int64(size)))
			if err != nil {
				return Clip{}, fmt.Errorf("wav data: %w", err)
			}
			clip.Samples = make([]int16, len(data)/2)
			for i := range clip.Samples {
				clip.Samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
			}
			return clip, nil
		default:
			if _, err := io.CopyN(io.Discard, r, int64(size)+int64(size&1)); err != nil {
				return Clip{}, fmt.Errorf("skip %q chunk: %w", id, err)
			}
		}
	}
}

// Normalize returns the clip as mono float32 at 16 kHz in [-1, 1].
func Normalize(c Clip) []float32 {
	mono := Downmix(c.Samples, c.Channels)
	return Resample(mono, c.SampleRate, SampleRate)
}

// Downmix averages interleaved channels into mono float32 samples.
func Downmix(samples []int16, channels int) []float32 {
	if channels < 1 {
		channels = 1
	}
	frames := len(samples) / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			sum += float32(samples[i*channels+ch]) / 32768
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Resample converts between rates by linear interpolation.
func Resample(in []float32, from, to int) []float32 {
	if from == to || len(in) == 0 || from <= 0 || to <= 0 {
		return in
	}
	ratio := float64(from) / float64(to)
	n := int(int64(len(in)) * int64(to) / int64(from))
	out := make([]float32, n)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))
		next := idx + 1
		if next >= len(in) {
			next = len(in) - 1
		}
		out[i] = in[idx]*(1-frac) + in[next]*frac
	}
	return out
}

// ToInt16 converts float samples back to 16-bit PCM, clamping.
func ToInt16(in []float32) []int16 {
	out := make([]int16, len(in))
	for i, s := range in {
		v := s * 32767
		switch {
		case v > 32767:
			v = 32767
		case v < -32768:
			v = -32768
		}
		out[i] = int16(v)
	}
	return out
}

// RMS of float samples.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}
