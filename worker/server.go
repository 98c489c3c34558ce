package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"murmur/apperr"
	"murmur/audio"
	"murmur/log"
)

// ServeOptions configures the worker side of the protocol.
type ServeOptions struct {
	// Fallback is the language used when detection has nothing to go on.
	Fallback string
}

// Serve loads the model, writes the handshake and answers requests read
// from in until it reaches EOF. It is the body of "murmur -worker".
func Serve(ctx context.Context, dec Decoder, modelPath string, in io.Reader, out io.Writer, opts ServeOptions) error {
	if opts.Fallback == "" {
		opts.Fallback = "en"
	}
	w := &lineWriter{w: out}

	if err := dec.Load(modelPath); err != nil {
		w.write(handshake{Error: toWire(apperr.CodeModelLoadFailed, err)})
		return fmt.Errorf("load model: %w", err)
	}
	defer dec.Close()
	if err := w.write(handshake{Ready: true, PID: os.Getpid()}); err != nil {
		return err
	}
	log.Infof("worker ready: model=%s", modelPath)

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var req request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			w.write(response{Error: toWire(apperr.CodeTranscriptionFailed, fmt.Errorf("bad request: %w", err))})
			continue
		}
		if err := w.write(handle(ctx, dec, req, opts)); err != nil {
			return err
		}
	}
	return sc.Err()
}

func handle(ctx context.Context, dec Decoder, req request, opts ServeOptions) response {
	start := time.Now()
	resp := response{ID: req.ID}

	clip, err := audio.ReadWAV(req.WAV)
	if err != nil {
		resp.Error = toWire(apperr.CodeTranscriptionFailed, err)
		return resp
	}
	samples := sanitize(audio.Normalize(clip))

	text, lang, err := transcribe(ctx, dec, samples, req.Language, opts.Fallback)
	if err != nil {
		resp.Error = toWire(apperr.CodeTranscriptionFailed, err)
		return resp
	}
	resp.Text = text
	resp.Language = lang
	resp.DurationMs = time.Since(start).Milliseconds()
	return resp
}

func transcribe(ctx context.Context, dec Decoder, samples []float32, hint, fallback string) (string, string, error) {
	lang := hint
	auto := lang == "" || lang == "auto"
	if auto {
		lang = fallback
	}
	if len(samples) < minSamples {
		return "", lang, nil
	}
	if auto {
		lang = DetectLanguage(ctx, dec, samples, fallback)
	}
	d, err := dec.Decode(ctx, samples, DecodeOptions{Language: lang})
	if err != nil {
		return "", lang, err
	}
	return strings.TrimSpace(d.Text), lang, nil
}

type lineWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lineWriter) write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err = l.w.Write(append(b, '\n'))
	return err
}
