package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"murmur/apperr"
	"murmur/audio"
)

func TestMain(m *testing.M) {
	if os.Getenv("MURMUR_TEST_WORKER") == "1" {
		model := os.Getenv("MURMUR_TEST_MODEL")
		if strings.Contains(model, "die") {
			fmt.Fprintln(os.Stderr, "dying before handshake")
			os.Exit(1)
		}
		err := Serve(context.Background(), newFakeDecoder(), model, os.Stdin, os.Stdout, ServeOptions{Fallback: "en"})
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func helperCommand(modelPath string) *exec.Cmd {
	cmd := exec.Command(os.Args[0], "-test.run=^$")
	cmd.Env = append(os.Environ(), "MURMUR_TEST_WORKER=1", "MURMUR_TEST_MODEL="+modelPath)
	return cmd
}

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	s := NewSupervisor(Options{Command: helperCommand, HandshakeTimeout: 20 * time.Second})
	t.Cleanup(s.Close)
	return s
}

// writeClip writes n samples at a constant level with first as the marker.
func writeClip(t *testing.T, first int16, n int) string {
	t.Helper()
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = level
	}
	if n > 0 {
		samples[0] = first
	}
	f, err := os.CreateTemp(t.TempDir(), "rec-*.wav")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	if err := audio.WriteWAV(f.Name(), samples, audio.SampleRate); err != nil {
		t.Fatal(err)
	}
	return f.Name()
}

func req(model, wav, lang string) Request {
	return Request{ModelID: model, ModelPath: "/models/ggml-" + model + ".bin", WAVPath: wav, Language: lang}
}

func assertRemoved(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("%s still exists (err=%v)", filepath.Base(path), err)
	}
}

func TestTranscribeReusesWorker(t *testing.T) {
	s := newTestSupervisor(t)

	wav := writeClip(t, level, audio.SampleRate)
	res, err := s.Transcribe(context.Background(), req("base", wav, "auto"))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text != "dictated in es" || res.Language != "es" {
		t.Errorf("result = %+v, want spanish detection", res)
	}
	if res.Respawned {
		t.Error("first spawn reported as respawn")
	}
	assertRemoved(t, wav)
	pid := s.PID()
	if pid == 0 || pid != res.WorkerPID {
		t.Fatalf("PID = %d, result pid = %d", pid, res.WorkerPID)
	}

	res, err = s.Transcribe(context.Background(), req("base", writeClip(t, level, audio.SampleRate), "fr"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "dictated in fr" {
		t.Errorf("text = %q", res.Text)
	}
	if s.PID() != pid || s.Spawns() != 1 {
		t.Errorf("worker restarted: pid %d -> %d, spawns %d", pid, s.PID(), s.Spawns())
	}
}

func TestWorkerCrashRespawns(t *testing.T) {
	s := newTestSupervisor(t)
	if _, err := s.Transcribe(context.Background(), req("base", writeClip(t, level, 8000), "en")); err != nil {
		t.Fatal(err)
	}
	first := s.PID()

	wav := writeClip(t, markCrash, 8000)
	_, err := s.Transcribe(context.Background(), req("base", wav, "en"))
	if !apperr.Is(err, apperr.CodeWorkerCrashed) {
		t.Fatalf("err = %v, want WORKER_CRASHED", err)
	}
	assertRemoved(t, wav)
	if s.PID() != 0 {
		t.Errorf("PID = %d after crash, want 0", s.PID())
	}

	res, err := s.Transcribe(context.Background(), req("base", writeClip(t, level, 8000), "en"))
	if err != nil {
		t.Fatalf("after crash: %v", err)
	}
	if !res.Respawned || res.WorkerPID == first || s.Spawns() != 2 {
		t.Errorf("result = %+v spawns = %d, want a fresh worker", res, s.Spawns())
	}
}

func TestDecodeFailureKeepsWorker(t *testing.T) {
	s := newTestSupervisor(t)
	if _, err := s.Transcribe(context.Background(), req("base", writeClip(t, level, 8000), "en")); err != nil {
		t.Fatal(err)
	}
	pid := s.PID()

	_, err := s.Transcribe(context.Background(), req("base", writeClip(t, markFail, 8000), "en"))
	if !apperr.Is(err, apperr.CodeTranscriptionFailed) {
		t.Fatalf("err = %v, want TRANSCRIPTION_FAILED", err)
	}
	if s.PID() != pid {
		t.Errorf("worker replaced after decode failure: %d -> %d", pid, s.PID())
	}
}

func TestMissingWAVFails(t *testing.T) {
	s := newTestSupervisor(t)
	_, err := s.Transcribe(context.Background(), req("base", filepath.Join(t.TempDir(), "gone.wav"), "en"))
	if !apperr.Is(err, apperr.CodeTranscriptionFailed) {
		t.Errorf("err = %v, want TRANSCRIPTION_FAILED", err)
	}
}

func TestModelChangeRestartsWorker(t *testing.T) {
	s := newTestSupervisor(t)
	a, err := s.Transcribe(context.Background(), req("base", writeClip(t, level, 8000), "en"))
	if err != nil {
		t.Fatal(err)
	}
	b, err := s.Transcribe(context.Background(), req("small", writeClip(t, level, 8000), "en"))
	if err != nil {
		t.Fatal(err)
	}
	if a.WorkerPID == b.WorkerPID {
		t.Errorf("same worker %d served two models", a.WorkerPID)
	}
	if s.Spawns() != 2 {
		t.Errorf("spawns = %d", s.Spawns())
	}
}

func TestModelLoadFailed(t *testing.T) {
	for _, model := range []string{"bad", "die"} {
		t.Run(model, func(t *testing.T) {
			s := newTestSupervisor(t)
			wav := writeClip(t, level, 8000)
			_, err := s.Transcribe(context.Background(), req(model, wav, "en"))
			if !apperr.Is(err, apperr.CodeModelLoadFailed) {
				t.Fatalf("err = %v, want MODEL_LOAD_FAILED", err)
			}
			assertRemoved(t, wav)
			if s.PID() != 0 {
				t.Errorf("PID = %d, want no worker", s.PID())
			}
		})
	}
}

func TestCancelKillsWorker(t *testing.T) {
	s := newTestSupervisor(t)
	if _, err := s.Transcribe(context.Background(), req("base", writeClip(t, level, 8000), "en")); err != nil {
		t.Fatal(err)
	}
	first := s.PID()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	wav := writeClip(t, markSlow, 8000)
	start := time.Now()
	_, err := s.Transcribe(ctx, req("base", wav, "en"))
	if !apperr.Is(err, apperr.CodeWorkerCrashed) {
		t.Fatalf("err = %v, want WORKER_CRASHED", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Error("cancellation did not interrupt the worker")
	}
	assertRemoved(t, wav)

	res, err := s.Transcribe(context.Background(), req("base", writeClip(t, level, 8000), "en"))
	if err != nil {
		t.Fatal(err)
	}
	if res.WorkerPID == first {
		t.Error("cancelled worker was reused")
	}
}

func TestShortClipSkipsDecode(t *testing.T) {
	s := newTestSupervisor(t)
	for _, n := range []int{0, 1000} {
		res, err := s.Transcribe(context.Background(), req("base", writeClip(t, level, n), "auto"))
		if err != nil {
			t.Fatalf("%d samples: %v", n, err)
		}
		if res.Text != "" || res.Language != "en" {
			t.Errorf("%d samples: result = %+v, want empty text in fallback language", n, res)
		}
	}
}

func TestClosedSupervisor(t *testing.T) {
	s := NewSupervisor(Options{Command: helperCommand})
	s.Close()
	wav := writeClip(t, level, 8000)
	_, err := s.Transcribe(context.Background(), req("base", wav, "en"))
	if !apperr.Is(err, apperr.CodeWorkerCrashed) {
		t.Errorf("err = %v", err)
	}
	assertRemoved(t, wav)
}
