package models

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"murmur/apperr"
)

var testCatalog = []Descriptor{
	{ID: "tiny", Title: "Tiny", Size: 1000, MinSize: 800},
	{ID: "base", Title: "Base", Size: 2000, MinSize: 1500},
}

type persisted struct {
	mu  sync.Mutex
	ids []string
}

func (p *persisted) save(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, id)
	return nil
}

func (p *persisted) last() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.ids) == 0 {
		return ""
	}
	return p.ids[len(p.ids)-1]
}

func newTestStore(t *testing.T, baseURL string) (*Store, *persisted) {
	t.Helper()
	p := &persisted{}
	s, err := New(Options{
		Dir:          t.TempDir(),
		BaseURL:      baseURL,
		Persist:      p.save,
		Catalog:      testCatalog,
		StallTimeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)
	return s, p
}

func writeSized(t *testing.T, path string, n int) {
	t.Helper()
	if err := os.WriteFile(path, make([]byte, n), 0o644); err != nil {
		t.Fatal(err)
	}
}

func record(t *testing.T, s *Store, id string) Record {
	t.Helper()
	for _, r := range s.List() {
		if r.ID == id {
			return r
		}
	}
	t.Fatalf("no record for %s", id)
	return Record{}
}

func serveBytes(n int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(n))
		w.Write(make([]byte, n))
	}
}

func collect(s *Store) (func() []Progress, func()) {
	ch, cancel := s.Progress().Subscribe()
	var mu sync.Mutex
	var got []Progress
	done := make(chan struct{})
	go func() {
		defer close(done)
		for p := range ch {
			mu.Lock()
			got = append(got, p)
			mu.Unlock()
		}
	}()
	return func() []Progress {
			// Let the pump drain before reading.
			time.Sleep(50 * time.Millisecond)
			mu.Lock()
			defer mu.Unlock()
			return append([]Progress(nil), got...)
		}, func() {
			cancel()
			<-done
		}
}

func TestCatalogURLs(t *testing.T) {
	d, ok := Lookup("small")
	if !ok {
		t.Fatal("small missing from catalog")
	}
	want := "https://huggingface.co/ggerganov/whisper.cpp/resolve/main/ggml-small.bin"
	if got := d.URL(""); got != want {
		t.Errorf("URL = %q, want %q", got, want)
	}
	if got := d.URL("http://mirror/models/"); got != "http://mirror/models/ggml-small.bin" {
		t.Errorf("URL with base = %q", got)
	}
	for _, d := range Catalog() {
		if d.URLTemplate == "" {
			t.Errorf("%s has no source template", d.ID)
		}
	}
	if d.PartialName() != "ggml-small.bin.partial" {
		t.Errorf("PartialName = %q", d.PartialName())
	}
	for _, d := range Catalog() {
		if d.MinSize >= d.Size {
			t.Errorf("%s: min size %d not below size %d", d.ID, d.MinSize, d.Size)
		}
	}
}

func TestDescriptorURLTemplate(t *testing.T) {
	tests := []struct {
		name string
		d    Descriptor
		base string
		want string
	}{
		{"no template", Descriptor{ID: "tiny"}, "http://m/", "http://m/ggml-tiny.bin"},
		{"base expanded", Descriptor{ID: "tiny", URLTemplate: "{base}/q5/tiny.bin"}, "http://m/", "http://m/q5/tiny.bin"},
		{"default base", Descriptor{ID: "tiny", URLTemplate: "{base}/x.bin"}, "", DefaultBaseURL + "/x.bin"},
		{"absolute", Descriptor{ID: "tiny", URLTemplate: "https://cdn.example/tiny.bin"}, "http://m", "https://cdn.example/tiny.bin"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.d.URL(tt.base); got != tt.want {
				t.Errorf("URL = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDownloadUsesTemplate(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		serveBytes(1000)(w, r)
	}))
	defer srv.Close()
	s, err := New(Options{
		Dir:     t.TempDir(),
		BaseURL: srv.URL,
		Catalog: []Descriptor{{ID: "tiny", Size: 1000, MinSize: 800, URLTemplate: "{base}/mirror/tiny-q5.bin"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.Download(context.Background(), "tiny"); err != nil {
		t.Fatal(err)
	}
	if path != "/mirror/tiny-q5.bin" {
		t.Errorf("requested %q", path)
	}
	if !exists(filepath.Join(s.Dir(), "ggml-tiny.bin")) {
		t.Error("model not stored under its file name")
	}
}

func TestListStates(t *testing.T) {
	s, _ := newTestStore(t, "")
	writeSized(t, filepath.Join(s.Dir(), "ggml-base.bin"), 1600)
	writeSized(t, filepath.Join(s.Dir(), "ggml-tiny.bin.partial"), 10)

	base := record(t, s, "base")
	if !base.Installed || !base.Active || base.Partial {
		t.Errorf("base = %+v, want installed active", base)
	}
	tiny := record(t, s, "tiny")
	if tiny.Installed || !tiny.Partial || tiny.Active {
		t.Errorf("tiny = %+v, want partial only", tiny)
	}
}

func TestListTruncatedFileNotInstalled(t *testing.T) {
	s, _ := newTestStore(t, "")
	writeSized(t, filepath.Join(s.Dir(), "ggml-base.bin"), 100)
	if r := record(t, s, "base"); r.Installed || r.Active {
		t.Errorf("base = %+v, truncated file must not count", r)
	}
}

func TestStalePartialRemovedAtOpen(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "ggml-tiny.bin.partial")
	writeSized(t, p, 10)
	s, err := New(Options{Dir: dir, Catalog: testCatalog})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if exists(p) {
		t.Error("stale partial still present")
	}
}

func TestDownloadSuccess(t *testing.T) {
	srv := httptest.NewServer(serveBytes(1000))
	defer srv.Close()
	s, p := newTestStore(t, srv.URL)
	events, stop := collect(s)
	defer stop()

	if err := s.Download(context.Background(), "tiny"); err != nil {
		t.Fatalf("Download: %v", err)
	}

	r := record(t, s, "tiny")
	if !r.Installed || !r.Active || r.Partial {
		t.Errorf("tiny = %+v", r)
	}
	if p.last() != "tiny" {
		t.Errorf("persisted %q, want tiny", p.last())
	}

	got := events()
	if len(got) == 0 {
		t.Fatal("no progress events")
	}
	last := got[len(got)-1]
	if !last.Done || last.Err != nil || last.Downloaded != 1000 || last.Total != 1000 {
		t.Errorf("final event = %+v", last)
	}
	var prev int64
	for _, e := range got {
		if e.Downloaded < prev {
			t.Errorf("progress went backwards: %d after %d", e.Downloaded, prev)
		}
		prev = e.Downloaded
	}
}

func TestDownloadAlreadyInstalled(t *testing.T) {
	s, _ := newTestStore(t, "http://127.0.0.1:1")
	writeSized(t, filepath.Join(s.Dir(), "ggml-tiny.bin"), 900)
	err := s.Download(context.Background(), "tiny")
	if !apperr.Is(err, apperr.CodeAlreadyInstalled) {
		t.Errorf("err = %v, want ALREADY_INSTALLED", err)
	}
}

func TestDownloadUnknownModel(t *testing.T) {
	s, _ := newTestStore(t, "")
	for _, op := range []func() error{
		func() error { return s.Download(context.Background(), "huge") },
		func() error { return s.Delete("huge") },
		func() error { return s.SetActive("huge") },
	} {
		if err := op(); !apperr.Is(err, apperr.CodeUnknownModel) {
			t.Errorf("err = %v, want UNKNOWN_MODEL", err)
		}
	}
}

func TestDownloadIncomplete(t *testing.T) {
	srv := httptest.NewServer(serveBytes(500))
	defer srv.Close()
	s, p := newTestStore(t, srv.URL)

	err := s.Download(context.Background(), "tiny")
	if !apperr.Is(err, apperr.CodeDownloadIncomplete) {
		t.Fatalf("err = %v, want DOWNLOAD_INCOMPLETE", err)
	}
	r := record(t, s, "tiny")
	if r.Installed || r.Partial {
		t.Errorf("tiny = %+v, want nothing on disk", r)
	}
	if p.last() != "" {
		t.Errorf("active persisted as %q after failure", p.last())
	}
}

func TestDownloadInterrupted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.Write(make([]byte, 300))
	}))
	defer srv.Close()
	s, _ := newTestStore(t, srv.URL)
	events, stop := collect(s)
	defer stop()

	err := s.Download(context.Background(), "tiny")
	if !apperr.Is(err, apperr.CodeDownloadFailed) {
		t.Fatalf("err = %v, want DOWNLOAD_FAILED", err)
	}
	if r := record(t, s, "tiny"); r.Partial || r.Installed {
		t.Errorf("tiny = %+v, partial must be deleted", r)
	}
	got := events()
	if len(got) == 0 || !got[len(got)-1].Done || got[len(got)-1].Err == nil {
		t.Errorf("want a terminal error event, got %+v", got)
	}
}

func TestDownloadHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	s, _ := newTestStore(t, srv.URL)
	err := s.Download(context.Background(), "tiny")
	if !apperr.Is(err, apperr.CodeDownloadFailed) || !strings.Contains(err.Error(), "404") {
		t.Errorf("err = %v, want DOWNLOAD_FAILED with status", err)
	}
}

func TestDownloadStall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.Write(make([]byte, 100))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()
	s, _ := newTestStore(t, srv.URL)

	start := time.Now()
	err := s.Download(context.Background(), "tiny")
	if !apperr.Is(err, apperr.CodeDownloadFailed) {
		t.Fatalf("err = %v, want DOWNLOAD_FAILED", err)
	}
	if !strings.Contains(err.Error(), "stall") {
		t.Errorf("err = %v, want stall cause", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("stall watchdog did not fire")
	}
}

func TestDownloadCancel(t *testing.T) {
	entered := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.Write(make([]byte, 10))
		w.(http.Flusher).Flush()
		close(entered)
		<-r.Context().Done()
	}))
	defer srv.Close()
	s, _ := newTestStore(t, srv.URL)
	s.stall = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-entered
		cancel()
	}()
	err := s.Download(ctx, "tiny")
	if !apperr.Is(err, apperr.CodeDownloadFailed) {
		t.Fatalf("err = %v, want DOWNLOAD_FAILED", err)
	}
	if exists(filepath.Join(s.Dir(), "ggml-tiny.bin.partial")) {
		t.Error("partial left after cancel")
	}
}

func TestDownloadInProgress(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		<-release
		w.Header().Set("Content-Length", "1000")
		w.Write(make([]byte, 1000))
	}))
	defer srv.Close()
	s, _ := newTestStore(t, srv.URL)

	errc := make(chan error, 1)
	go func() { errc <- s.Download(context.Background(), "tiny") }()
	<-entered

	if !s.Downloading("tiny") {
		t.Error("Downloading(tiny) = false during transfer")
	}
	if err := s.Download(context.Background(), "tiny"); !apperr.Is(err, apperr.CodeDownloadInProgress) {
		t.Errorf("second Download err = %v, want DOWNLOAD_IN_PROGRESS", err)
	}
	close(release)
	if err := <-errc; err != nil {
		t.Fatalf("first Download: %v", err)
	}
	if s.Downloading("tiny") {
		t.Error("Downloading(tiny) still true")
	}
}

func TestDownloadRetryAfterInterruption(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		w.Header().Set("Content-Length", "1000")
		if n == 1 {
			w.Write(make([]byte, 300))
			return
		}
		w.Write(make([]byte, 1000))
	}))
	defer srv.Close()
	s, p := newTestStore(t, srv.URL)

	if err := s.Download(context.Background(), "tiny"); !apperr.Is(err, apperr.CodeDownloadFailed) {
		t.Fatalf("first Download err = %v, want DOWNLOAD_FAILED", err)
	}
	if err := s.Download(context.Background(), "tiny"); err != nil {
		t.Fatalf("retry: %v", err)
	}
	r := record(t, s, "tiny")
	if !r.Installed || !r.Active || r.Partial {
		t.Errorf("tiny = %+v, want installed and active", r)
	}
	if p.last() != "tiny" {
		t.Errorf("active persisted as %q", p.last())
	}
}

func TestDownloadDifferentModelsConcurrently(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "ggml-tiny.bin") {
			close(entered)
			<-release
			serveBytes(1000)(w, r)
			return
		}
		serveBytes(2000)(w, r)
	}))
	defer srv.Close()
	s, _ := newTestStore(t, srv.URL)

	errc := make(chan error, 1)
	go func() { errc <- s.Download(context.Background(), "tiny") }()
	<-entered

	if err := s.Download(context.Background(), "base"); err != nil {
		t.Fatalf("base while tiny in flight: %v", err)
	}
	if !s.Downloading("tiny") {
		t.Error("tiny transfer ended early")
	}
	if r := record(t, s, "base"); !r.Installed {
		t.Errorf("base = %+v, want installed", r)
	}
	close(release)
	if err := <-errc; err != nil {
		t.Fatalf("tiny: %v", err)
	}
	if r := record(t, s, "tiny"); !r.Installed {
		t.Errorf("tiny = %+v, want installed", r)
	}
}

func TestDeleteActiveResetsToDefault(t *testing.T) {
	s, p := newTestStore(t, "")
	writeSized(t, filepath.Join(s.Dir(), "ggml-tiny.bin"), 900)
	writeSized(t, filepath.Join(s.Dir(), "ggml-base.bin"), 1600)
	if err := s.SetActive("tiny"); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("tiny"); err != nil {
		t.Fatal(err)
	}
	if s.Active() != DefaultModel || p.last() != DefaultModel {
		t.Errorf("active = %q persisted = %q", s.Active(), p.last())
	}
	if r := record(t, s, "tiny"); r.Installed {
		t.Error("tiny still installed")
	}
	// Missing files are fine.
	if err := s.Delete("tiny"); err != nil {
		t.Errorf("second Delete: %v", err)
	}
}

func TestSetActive(t *testing.T) {
	s, p := newTestStore(t, "")
	if err := s.SetActive("tiny"); !apperr.Is(err, apperr.CodeModelNotInstalled) {
		t.Errorf("err = %v, want MODEL_NOT_INSTALLED", err)
	}
	writeSized(t, filepath.Join(s.Dir(), "ggml-tiny.bin"), 900)
	if err := s.SetActive("tiny"); err != nil {
		t.Fatal(err)
	}
	if p.last() != "tiny" {
		t.Errorf("persisted %q", p.last())
	}
	d, path, err := s.Resolve()
	if err != nil || d.ID != "tiny" || filepath.Base(path) != "ggml-tiny.bin" {
		t.Errorf("Resolve = %v %q %v", d.ID, path, err)
	}
}

func TestResolveNotInstalled(t *testing.T) {
	s, _ := newTestStore(t, "")
	if _, _, err := s.Resolve(); !apperr.Is(err, apperr.CodeModelNotInstalled) {
		t.Errorf("err = %v, want MODEL_NOT_INSTALLED", err)
	}
}

func TestEnsureActiveFallsBack(t *testing.T) {
	p := &persisted{}
	s, err := New(Options{Dir: t.TempDir(), Active: "tiny", Persist: p.save, Catalog: testCatalog})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if got := s.EnsureActive(); got != DefaultModel {
		t.Errorf("EnsureActive = %q", got)
	}
	if p.last() != DefaultModel {
		t.Errorf("fallback not persisted: %q", p.last())
	}
}

func TestCoalescer(t *testing.T) {
	now := time.Unix(0, 0)
	c := &coalescer{total: 1000, step: 20, interval: progressInterval, now: func() time.Time { return now }, lastAt: now}

	emitted := 0
	for n := int64(1); n <= 1000; n++ {
		if c.ready(n) {
			emitted++
		}
	}
	if emitted != 50 {
		t.Errorf("emitted %d events with a frozen clock, want 50", emitted)
	}

	c = &coalescer{total: 1000, step: 1000, interval: progressInterval, now: func() time.Time { return now }, lastAt: now}
	if c.ready(1) {
		t.Error("ready before interval")
	}
	now = now.Add(progressInterval)
	if !c.ready(2) {
		t.Error("not ready after interval")
	}
}
