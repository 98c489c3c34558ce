package worker

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"time"
)

// First-sample markers understood by fakeDecoder.
const (
	markCrash int16 = 30000
	markFail  int16 = -30000
	markSlow  int16 = 20000
	level     int16 = 1000
)

type fakeDecoder struct {
	scores map[string]float32

	mu     sync.Mutex
	calls  []DecodeOptions
	leadIn []int
}

func newFakeDecoder() *fakeDecoder {
	return &fakeDecoder{scores: map[string]float32{"es": 0.9, "en": 0.4, "pt": 0.3, "fr": 0.2, "de": 0.2, "it": 0.25}}
}

func (f *fakeDecoder) Load(path string) error {
	if strings.Contains(path, "bad") {
		return errors.New("not a ggml model")
	}
	return nil
}

func (f *fakeDecoder) Decode(ctx context.Context, samples []float32, opts DecodeOptions) (Decoding, error) {
	f.mu.Lock()
	f.calls = append(f.calls, opts)
	f.leadIn = append(f.leadIn, len(samples))
	f.mu.Unlock()

	if len(samples) > 0 {
		switch s := samples[0]; {
		case s > 0.9:
			os.Exit(3)
		case s < -0.9:
			return Decoding{}, errors.New("decoder exploded")
		case s > 0.55 && s < 0.7:
			time.Sleep(30 * time.Second)
		}
	}
	if opts.SingleSegment {
		p := f.scores[opts.Language]
		return Decoding{Tokens: []Token{{"[_BEG_]", 1}, {" hola", p}, {" mundo", p}, {"<|endoftext|>", 1}}}, nil
	}
	return Decoding{Text: " dictated in " + opts.Language + " "}, nil
}

func (f *fakeDecoder) Close() error { return nil }

func (f *fakeDecoder) Calls() []DecodeOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]DecodeOptions(nil), f.calls...)
}
