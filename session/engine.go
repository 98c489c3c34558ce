// Package session sequences one dictation: capture, transcription and
// delivery of the result, driven by a single toggle.
package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"murmur/apperr"
	"murmur/audio"
	"murmur/entitlement"
	"murmur/events"
	"murmur/hotkey"
	"murmur/log"
	"murmur/models"
	"murmur/worker"
)

type State string

const (
	StateIdle       State = "idle"
	StateRecording  State = "recording"
	StateProcessing State = "processing"
	StateError      State = "error"
)

// Status is published on every state transition.
type Status struct {
	State   State       `json:"state"`
	Code    apperr.Code `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
}

// Result is a finished transcription.
type Result struct {
	Text       string `json:"text"`
	ModelID    string `json:"modelId"`
	DurationMs int64  `json:"durationMs"`
	Language   string `json:"language,omitempty"`
}

// Capture records microphone audio between Start and Stop.
type Capture interface {
	Start() error
	Stop() (audio.Clip, error)
}

// Transcriber turns a WAV file into text and removes the file.
type Transcriber interface {
	Transcribe(ctx context.Context, req worker.Request) (worker.Result, error)
	Close()
}

type Options struct {
	Config      *ConfigStore
	Capture     Capture
	Models      *models.Store
	Transcriber Transcriber
	Gate        *entitlement.Gate
	// TempDir holds recordings in flight; defaults to os.TempDir().
	TempDir string
	// CloseTimeout bounds how long Close waits for a running transcription
	// before cancelling it.
	CloseTimeout time.Duration
}

// Engine is the dictation state machine. All transitions happen under one
// lock and are published in order.
type Engine struct {
	cfgStore     *ConfigStore
	capture      Capture
	models       *models.Store
	transcriber  Transcriber
	gate         *entitlement.Gate
	tempDir      string
	closeTimeout time.Duration

	status  *events.Stream[Status]
	results *events.Stream[Result]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	cur       Status
	cfg       Config
	sessionID string
	count     int
	closed    bool
}

func New(opts Options) (*Engine, error) {
	if opts.Config == nil || opts.Capture == nil || opts.Models == nil || opts.Transcriber == nil || opts.Gate == nil {
		return nil, errors.New("session: missing dependency")
	}
	cfg, err := opts.Config.Load()
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfgStore:     opts.Config,
		capture:      opts.Capture,
		models:       opts.Models,
		transcriber:  opts.Transcriber,
		gate:         opts.Gate,
		tempDir:      opts.TempDir,
		closeTimeout: opts.CloseTimeout,
		status:       events.NewStream[Status](),
		results:      events.NewStream[Result](),
		cur:          Status{State: StateIdle},
		cfg:          cfg,
	}
	if e.tempDir == "" {
		e.tempDir = os.TempDir()
	}
	if e.closeTimeout <= 0 {
		e.closeTimeout = 10 * time.Second
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e, nil
}

// StatusStream carries every state transition in order.
func (e *Engine) StatusStream() *events.Stream[Status] { return e.status }

// Results carries finished transcriptions.
func (e *Engine) Results() *events.Stream[Result] { return e.results }

// Progress carries model download progress.
func (e *Engine) Progress() *events.Stream[models.Progress] { return e.models.Progress() }

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cur
}

// Count is the number of transcriptions completed since start.
func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}

func (e *Engine) set(s Status) {
	e.cur = s
	e.status.Publish(s)
}

func (e *Engine) fail(err error) {
	ae := apperr.From(err, apperr.CodeInternal)
	log.Errorf("session %s: %v", e.sessionID, err)
	e.set(Status{State: StateError, Code: ae.Code, Message: ae.Message})
}

// Toggle advances the state machine and returns the resulting status.
// While a transcription is processing it does nothing.
func (e *Engine) Toggle() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return e.cur
	}

	switch e.cur.State {
	case StateError:
		// Error clears through idle so each toggle from error is observable.
		e.set(Status{State: StateIdle})
		e.startLocked()
	case StateIdle:
		e.startLocked()
	case StateRecording:
		e.stopLocked()
	case StateProcessing:
	}
	return e.cur
}

func (e *Engine) startLocked() {
	if err := e.gate.CheckQuota(); err != nil {
		e.fail(err)
		return
	}
	e.sessionID = uuid.NewString()
	if err := e.capture.Start(); err != nil {
		e.fail(apperr.Wrap(apperr.CodeRecordingFailed, err))
		return
	}
	e.set(Status{State: StateRecording})
}

func (e *Engine) stopLocked() {
	clip, err := e.capture.Stop()
	if err != nil {
		e.fail(apperr.Wrap(apperr.CodeRecordingFailed, err))
		return
	}
	e.set(Status{State: StateProcessing})

	j := job{
		id:       e.sessionID,
		clip:     clip,
		language: e.cfg.Language,
		stopped:  time.Now(),
	}
	e.wg.Add(1)
	go e.process(j)
}

type job struct {
	id       string
	clip     audio.Clip
	language string
	stopped  time.Time
}

func (e *Engine) process(j job) {
	defer e.wg.Done()

	wav := filepath.Join(e.tempDir, "rec-"+j.id+".wav")
	defer os.Remove(wav)

	modelID, res, err := e.transcribe(j, wav)

	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.fail(err)
		return
	}
	if res.Text != "" {
		if err := e.gate.RecordUsage(); err != nil {
			log.Warnf("record usage: %v", err)
		}
		e.count++
	}
	log.TranscriptionMetrics(log.Metrics{
		SessionID:  j.id,
		ModelID:    modelID,
		Language:   res.Language,
		AudioS:     j.clip.Duration(),
		InferMs:    float64(res.DurationMs),
		TotalMs:    float64(time.Since(j.stopped).Milliseconds()),
		WorkerPID:  res.WorkerPID,
		Respawned:  res.Respawned,
		TextLength: len(res.Text),
	})
	log.TranscriptionText(res.Text)
	e.results.Publish(Result{Text: res.Text, ModelID: modelID, DurationMs: res.DurationMs, Language: res.Language})
	e.set(Status{State: StateIdle})
}

func (e *Engine) transcribe(j job, wav string) (string, worker.Result, error) {
	samples := j.clip.Samples
	if j.clip.SampleRate != audio.SampleRate || j.clip.Channels != audio.Channels {
		samples = audio.ToInt16(audio.Normalize(j.clip))
	}
	if err := audio.WriteWAV(wav, samples, audio.SampleRate); err != nil {
		return "", worker.Result{}, apperr.Wrap(apperr.CodeRecordingFailed, err)
	}
	d, path, err := e.models.Resolve()
	if err != nil {
		return d.ID, worker.Result{}, err
	}
	res, err := e.transcriber.Transcribe(e.ctx, worker.Request{
		ModelID:   d.ID,
		ModelPath: path,
		WAVPath:   wav,
		Language:  j.language,
	})
	if err != nil {
		return d.ID, res, apperr.From(err, apperr.CodeTranscriptionFailed)
	}
	return d.ID, res, nil
}

// Config returns the current configuration.
func (e *Engine) Config() Config {
	e.mu.Lock()
	cfg := e.cfg
	e.mu.Unlock()
	cfg.ActiveModel = e.models.Active()
	return cfg
}

func (e *Engine) update(fn func(*Config)) error {
	cfg, err := e.cfgStore.Update(fn)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
	return nil
}

// SetShortcut validates and stores a new shortcut, returning its canonical
// form. Re-registering the hotkey is up to the caller.
func (e *Engine) SetShortcut(s string) (hotkey.Shortcut, error) {
	sc, err := hotkey.Parse(s)
	if err != nil {
		return hotkey.Shortcut{}, apperr.Newf(apperr.CodeInvalidConfig, "Invalid setting: %v", err).WithCause(err)
	}
	return sc, e.update(func(c *Config) { c.Shortcut = sc.String() })
}

// SetLanguage accepts "auto" or a supported language code.
func (e *Engine) SetLanguage(lang string) error {
	return e.update(func(c *Config) { c.Language = lang })
}

func (e *Engine) SetActiveModel(id string) error {
	return e.models.SetActive(id)
}

func (e *Engine) Models() []models.Record { return e.models.List() }

// DownloadModel blocks until the transfer ends. An installed model counts as
// done.
func (e *Engine) DownloadModel(ctx context.Context, id string) error {
	err := e.models.Download(ctx, id)
	if apperr.Is(err, apperr.CodeAlreadyInstalled) {
		return nil
	}
	return err
}

func (e *Engine) DeleteModel(id string) error { return e.models.Delete(id) }

func (e *Engine) ImportLicense(path string) error { return e.gate.ImportLicense(path) }

func (e *Engine) RemoveLicense() error { return e.gate.RemoveLicense() }

func (e *Engine) Checkout(ctx context.Context) (entitlement.Checkout, error) {
	return e.gate.CreateCheckoutSession(ctx)
}

func (e *Engine) Entitlement() entitlement.State { return e.gate.State() }

// Close stops a recording in progress, waits for a running transcription,
// stops the worker and closes the streams.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	if e.cur.State == StateRecording {
		if _, err := e.capture.Stop(); err != nil {
			log.Warnf("stop capture: %v", err)
		}
		e.set(Status{State: StateIdle})
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.closeTimeout):
		log.Warn("transcription still running at shutdown, cancelling")
		e.cancel()
		<-done
	}
	e.cancel()
	e.transcriber.Close()
	e.status.Close()
	e.results.Close()
	log.SessionEnd(e.Count())
}
