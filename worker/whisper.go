package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// whisperModel is a loaded model that hands out decoding contexts.
type whisperModel interface {
	NewContext() (whisperContext, error)
	Close() error
}

// whisperContext holds the state of one decode.
type whisperContext interface {
	SetLanguage(lang string) error
	SetThreads(n uint)
	SetMaxTokensPerSegment(n uint)
	Process(samples []float32) error
	// NextSegment returns io.EOF after the last segment.
	NextSegment() (segment, error)
}

var errNotLoaded = errors.New("decoder not loaded")

// ModelDecoder keeps one whisper model in memory for the life of the worker
// and opens a fresh context per decode.
type ModelDecoder struct {
	open    func(path string) (whisperModel, error)
	threads int

	mu    sync.Mutex
	model whisperModel
}

func newModelDecoder(open func(string) (whisperModel, error), threads int) *ModelDecoder {
	return &ModelDecoder{open: open, threads: threads}
}

func (d *ModelDecoder) Load(modelPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.model != nil {
		return errors.New("model already loaded")
	}
	// whisper.cpp aborts the process on some malformed files
	if err := CheckModelFile(modelPath); err != nil {
		return err
	}
	m, err := d.open(modelPath)
	if err != nil {
		return fmt.Errorf("load %s: %w", modelPath, err)
	}
	d.model = m
	return nil
}

func (d *ModelDecoder) Decode(ctx context.Context, samples []float32, opts DecodeOptions) (Decoding, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.model == nil {
		return Decoding{}, errNotLoaded
	}
	if err := ctx.Err(); err != nil {
		return Decoding{}, err
	}

	wc, err := d.model.NewContext()
	if err != nil {
		return Decoding{}, fmt.Errorf("new context: %w", err)
	}
	if opts.Language != "" {
		if err := wc.SetLanguage(opts.Language); err != nil {
			return Decoding{}, fmt.Errorf("language %s: %w", opts.Language, err)
		}
	}
	if d.threads > 0 {
		wc.SetThreads(uint(d.threads))
	}
	if opts.MaxTokens > 0 {
		wc.SetMaxTokensPerSegment(uint(opts.MaxTokens))
	}
	if err := wc.Process(samples); err != nil {
		return Decoding{}, fmt.Errorf("process: %w", err)
	}

	var segs []segment
	for {
		s, err := wc.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Decoding{}, fmt.Errorf("read segment: %w", err)
		}
		segs = append(segs, s)
		if opts.SingleSegment {
			break
		}
	}
	return collect(segs, opts), ctx.Err()
}

func (d *ModelDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.model == nil {
		return nil
	}
	err := d.model.Close()
	d.model = nil
	return err
}
