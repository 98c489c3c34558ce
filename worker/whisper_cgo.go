//go:build cgo

package worker

import (
	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

// InProcess reports whether the model runs inside the worker process.
const InProcess = true

// NewDecoder returns the whisper.cpp decoder. The model is loaded into the
// worker process, so a native fault takes the worker down with it. bin is
// only used by builds without cgo.
func NewDecoder(bin string, threads int) Decoder {
	return newModelDecoder(openBinding, threads)
}

// DecoderInfo describes the decoder for diagnostics.
func DecoderInfo(bin string) (string, error) {
	return "whisper.cpp linked in-process", nil
}

func openBinding(path string) (whisperModel, error) {
	m, err := whisper.New(path)
	if err != nil {
		return nil, err
	}
	return bindingModel{m: m}, nil
}

type bindingModel struct {
	m whisper.Model
}

func (b bindingModel) NewContext() (whisperContext, error) {
	c, err := b.m.NewContext()
	if err != nil {
		return nil, err
	}
	return bindingContext{c: c}, nil
}

func (b bindingModel) Close() error { return b.m.Close() }

type bindingContext struct {
	c whisper.Context
}

func (b bindingContext) SetLanguage(lang string) error { return b.c.SetLanguage(lang) }
func (b bindingContext) SetThreads(n uint)             { b.c.SetThreads(n) }
func (b bindingContext) SetMaxTokensPerSegment(n uint) { b.c.SetMaxTokensPerSegment(n) }

func (b bindingContext) Process(samples []float32) error {
	return b.c.Process(samples, nil, nil)
}

func (b bindingContext) NextSegment() (segment, error) {
	s, err := b.c.NextSegment()
	if err != nil {
		return segment{}, err
	}
	seg := segment{Text: s.Text, Tokens: make([]Token, len(s.Tokens))}
	for i, t := range s.Tokens {
		seg.Tokens[i] = Token{Text: t.Text, P: t.P}
	}
	return seg, nil
}
