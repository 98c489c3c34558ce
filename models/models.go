// Package models manages the speech model files on disk: listing, fetching,
// deleting and choosing the active one.
package models

import (
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"murmur/apperr"
	"murmur/events"
	"murmur/log"
)

const (
	defaultStallTimeout   = 30 * time.Second
	defaultConnectTimeout = 15 * time.Second
)

// Record is the on-disk state of one catalog entry.
type Record struct {
	Descriptor
	Installed bool   `json:"installed"`
	Partial   bool   `json:"partial"`
	Active    bool   `json:"active"`
	Path      string `json:"path,omitempty"`
}

// Progress reports a running transfer. The last event for a transfer has
// Done set; Err is non-nil when it failed.
type Progress struct {
	ID         string `json:"id"`
	Downloaded int64  `json:"downloaded"`
	Total      int64  `json:"total"`
	Done       bool   `json:"done"`
	Err        error  `json:"-"`
}

type Options struct {
	Dir     string
	BaseURL string
	// Active is the persisted active id; empty means DefaultModel.
	Active string
	// Persist is called with the new active id whenever it changes.
	Persist func(id string) error

	Client       *http.Client
	StallTimeout time.Duration
	Catalog      []Descriptor
}

// Store owns the model directory and the active model id.
type Store struct {
	dir      string
	baseURL  string
	catalog  []Descriptor
	client   *http.Client
	stall    time.Duration
	persist  func(string) error
	progress *events.Stream[Progress]

	mu          sync.Mutex
	active      string
	downloading map[string]bool
}

func New(opts Options) (*Store, error) {
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, err
	}
	s := &Store{
		dir:         opts.Dir,
		baseURL:     opts.BaseURL,
		catalog:     opts.Catalog,
		client:      opts.Client,
		stall:       opts.StallTimeout,
		persist:     opts.Persist,
		progress:    events.NewStream[Progress](),
		active:      opts.Active,
		downloading: make(map[string]bool),
	}
	if s.catalog == nil {
		s.catalog = Catalog()
	}
	if s.client == nil {
		s.client = newHTTPClient()
	}
	if s.stall <= 0 {
		s.stall = defaultStallTimeout
	}
	if s.active == "" {
		s.active = DefaultModel
	}
	s.removeStalePartials()
	return s, nil
}

func newHTTPClient() *http.Client {
	dialer := &net.Dialer{Timeout: defaultConnectTimeout, KeepAlive: 30 * time.Second}
	return &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           dialer.DialContext,
			TLSHandshakeTimeout:   defaultConnectTimeout,
			ResponseHeaderTimeout: defaultStallTimeout,
		},
	}
}

// removeStalePartials clears partial files left behind by a killed process.
func (s *Store) removeStalePartials() {
	for _, d := range s.catalog {
		p := filepath.Join(s.dir, d.PartialName())
		if err := os.Remove(p); err == nil {
			log.Infof("removed stale partial download %s", p)
		}
	}
}

func (s *Store) Dir() string { return s.dir }

// Progress is the download progress stream.
func (s *Store) Progress() *events.Stream[Progress] { return s.progress }

func (s *Store) Close() { s.progress.Close() }

func (s *Store) lookup(id string) (Descriptor, bool) {
	return lookupIn(s.catalog, id)
}

func (s *Store) finalPath(d Descriptor) string   { return filepath.Join(s.dir, d.FileName()) }
func (s *Store) partialPath(d Descriptor) string { return filepath.Join(s.dir, d.PartialName()) }

func (s *Store) installed(d Descriptor) bool {
	fi, err := os.Stat(s.finalPath(d))
	return err == nil && fi.Mode().IsRegular() && fi.Size() >= d.MinSize
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// List checks the model directory for every catalog entry.
func (s *Store) List() []Record {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()

	out := make([]Record, 0, len(s.catalog))
	for _, d := range s.catalog {
		r := Record{Descriptor: d}
		r.Installed = s.installed(d)
		if r.Installed {
			r.Path = s.finalPath(d)
		} else {
			r.Partial = exists(s.partialPath(d))
		}
		r.Active = r.Installed && d.ID == active
		out = append(out, r)
	}
	return out
}

// Active returns the active model id, installed or not.
func (s *Store) Active() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// SetActive makes an installed model the active one.
func (s *Store) SetActive(id string) error {
	d, ok := s.lookup(id)
	if !ok {
		return apperr.Newf(apperr.CodeUnknownModel, "Unknown model %q", id)
	}
	if !s.installed(d) {
		return apperr.New(apperr.CodeModelNotInstalled).WithDetail("model", id)
	}
	return s.setActive(id)
}

func (s *Store) setActive(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == id {
		return nil
	}
	prev := s.active
	s.active = id
	if s.persist != nil {
		if err := s.persist(id); err != nil {
			s.active = prev
			return err
		}
	}
	log.Infof("active model: %s", id)
	return nil
}

// Delete removes the finished and partial files for id. Deleting the active
// model resets the active id to DefaultModel.
func (s *Store) Delete(id string) error {
	d, ok := s.lookup(id)
	if !ok {
		return apperr.Newf(apperr.CodeUnknownModel, "Unknown model %q", id)
	}
	for _, p := range []string{s.finalPath(d), s.partialPath(d)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	log.Infof("deleted model %s", id)
	if s.Active() == id && id != DefaultModel {
		if err := s.setActive(DefaultModel); err != nil {
			log.Warnf("reset active model: %v", err)
		}
	}
	return nil
}

// Resolve returns the active model and its file path.
func (s *Store) Resolve() (Descriptor, string, error) {
	id := s.Active()
	d, ok := s.lookup(id)
	if !ok {
		return Descriptor{}, "", apperr.Newf(apperr.CodeUnknownModel, "Unknown model %q", id)
	}
	if !s.installed(d) {
		return d, "", apperr.New(apperr.CodeModelNotInstalled).WithDetail("model", id)
	}
	return d, s.finalPath(d), nil
}

// EnsureActive falls back to DefaultModel when the active model's file is
// missing and returns the resulting active id.
func (s *Store) EnsureActive() string {
	id := s.Active()
	if d, ok := s.lookup(id); ok && s.installed(d) {
		return id
	}
	if id != DefaultModel {
		log.Warnf("active model %s not installed, falling back to %s", id, DefaultModel)
		if err := s.setActive(DefaultModel); err != nil {
			log.Warnf("persist active model: %v", err)
		}
	}
	return s.Active()
}
