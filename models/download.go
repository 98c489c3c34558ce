package models

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"murmur/apperr"
	"murmur/log"
)

const (
	progressInterval = 250 * time.Millisecond
	progressStepPct  = 2
)

var errStalled = errors.New("no data received within stall timeout")

// Download fetches model id into the model directory and makes it active.
// It blocks until the transfer ends; progress goes to the Progress stream.
// An installed model yields CodeAlreadyInstalled, which callers may treat as
// success.
func (s *Store) Download(ctx context.Context, id string) error {
	d, ok := s.lookup(id)
	if !ok {
		return apperr.Newf(apperr.CodeUnknownModel, "Unknown model %q", id)
	}

	s.mu.Lock()
	if s.downloading[id] {
		s.mu.Unlock()
		return apperr.New(apperr.CodeDownloadInProgress).WithDetail("model", id)
	}
	if s.installed(d) {
		s.mu.Unlock()
		return apperr.New(apperr.CodeAlreadyInstalled).WithDetail("model", id)
	}
	s.downloading[id] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.downloading, id)
		s.mu.Unlock()
	}()

	start := time.Now()
	n, total, err := s.fetch(ctx, d)
	log.Download(id, n, time.Since(start), err)
	if err != nil {
		s.progress.Publish(Progress{ID: id, Downloaded: n, Total: total, Done: true, Err: err})
		return err
	}

	if err := s.setActive(id); err != nil {
		log.Warnf("persist active model %s: %v", id, err)
	}
	s.progress.Publish(Progress{ID: id, Downloaded: n, Total: n, Done: true})
	return nil
}

// Downloading reports whether a transfer for id is running.
func (s *Store) Downloading(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.downloading[id]
}

func (s *Store) fetch(ctx context.Context, d Descriptor) (n, total int64, err error) {
	partial := s.partialPath(d)
	total = d.Size
	if err := os.Remove(partial); err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, total, downloadFailed(err)
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.URL(s.baseURL), nil)
	if err != nil {
		return 0, total, downloadFailed(err)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, total, downloadFailed(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, total, downloadFailed(fmt.Errorf("download %s: %s", d.ID, resp.Status))
	}
	if resp.ContentLength > 0 {
		total = resp.ContentLength
	}

	f, err := os.Create(partial)
	if err != nil {
		return 0, total, downloadFailed(err)
	}

	body := newStallReader(resp.Body, s.stall, func() { cancel(errStalled) })
	src := &progressReader{
		r:    body,
		id:   d.ID,
		c:    newCoalescer(total),
		emit: s.progress.Publish,
	}
	n, err = io.Copy(f, src)
	body.stop()
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(partial)
		if cause := context.Cause(ctx); cause != nil {
			err = fmt.Errorf("%w: %w", cause, err)
		}
		return n, total, downloadFailed(err)
	}

	if n < d.MinSize {
		os.Remove(partial)
		return n, total, apperr.Newf(apperr.CodeDownloadIncomplete,
			"Model download incomplete: got %d bytes, need at least %d", n, d.MinSize).
			WithDetail("model", d.ID)
	}

	// Same directory, so the rename is atomic.
	if err := os.Rename(partial, s.finalPath(d)); err != nil {
		os.Remove(partial)
		return n, total, downloadFailed(err)
	}
	return n, total, nil
}

func downloadFailed(err error) error {
	return apperr.Wrap(apperr.CodeDownloadFailed, err)
}

// stallReader cancels the transfer when no bytes arrive for timeout.
type stallReader struct {
	r     io.Reader
	d     time.Duration
	timer *time.Timer
	once  sync.Once
}

func newStallReader(r io.Reader, d time.Duration, onStall func()) *stallReader {
	return &stallReader{r: r, d: d, timer: time.AfterFunc(d, onStall)}
}

func (s *stallReader) Read(b []byte) (int, error) {
	n, err := s.r.Read(b)
	if n > 0 {
		s.timer.Reset(s.d)
	}
	return n, err
}

func (s *stallReader) stop() {
	s.once.Do(func() { s.timer.Stop() })
}

type progressReader struct {
	r    io.Reader
	id   string
	read int64
	c    *coalescer
	emit func(Progress)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if n > 0 && p.c.ready(p.read) {
		p.emit(Progress{ID: p.id, Downloaded: p.read, Total: p.c.total})
	}
	return n, err
}

// coalescer limits progress events to one per interval or per step of the
// total, whichever comes first.
type coalescer struct {
	total    int64
	step     int64
	interval time.Duration
	now      func() time.Time

	lastAt time.Time
	lastN  int64
}

func newCoalescer(total int64) *coalescer {
	c := &coalescer{total: total, interval: progressInterval, now: time.Now}
	c.step = total * progressStepPct / 100
	if c.step <= 0 {
		c.step = 1
	}
	c.lastAt = c.now()
	return c
}

func (c *coalescer) ready(n int64) bool {
	now := c.now()
	if n-c.lastN < c.step && now.Sub(c.lastAt) < c.interval {
		return false
	}
	c.lastAt = now
	c.lastN = n
	return true
}
