// Package doctor runs the `murmur -doctor` system diagnostics.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"murmur/audio"
	"murmur/clipboard"
	"murmur/config"
	"murmur/entitlement"
	"murmur/hotkey"
	"murmur/models"
	"murmur/shutdown"
	"murmur/store"
	"murmur/worker"
)

// Check is one diagnostic. Run returns a short detail line on success.
type Check struct {
	Name string
	Run  func() (string, error)
}

// errSkipped marks a check that does not apply on this setup.
var errSkipped = errors.New("skipped")

type Options struct {
	Config *config.Config
	// Active is the configured active model id.
	Active string
	LogDir string
	// Live records a short clip and transcribes it with the active model.
	Live bool
}

// Run executes checks in order and returns an exit code
// (0 = all pass, 1 = any fail).
func Run(w io.Writer, checks []Check) int {
	fmt.Fprintln(w, "murmur doctor - system diagnostics")
	fmt.Fprintln(w, "==================================")

	failed := 0
	for i, c := range checks {
		fmt.Fprintf(w, "\n[%d/%d] %s\n", i+1, len(checks), c.Name)
		detail, err := c.Run()
		switch {
		case errors.Is(err, errSkipped):
			fmt.Fprintf(w, "  SKIP: %s\n", detail)
		case err != nil:
			failed++
			fmt.Fprintf(w, "  FAIL: %v\n", err)
			if detail != "" {
				fmt.Fprintf(w, "  %s\n", detail)
			}
		default:
			fmt.Fprintf(w, "  PASS: %s\n", detail)
		}
	}

	fmt.Fprintln(w)
	if failed == 0 {
		fmt.Fprintln(w, "All checks passed!")
		return 0
	}
	fmt.Fprintf(w, "%d check(s) failed. See details above.\n", failed)
	return 1
}

// Checks builds the standard diagnostic list.
func Checks(opts Options) []Check {
	cfg := opts.Config
	checks := []Check{
		{"Directories", func() (string, error) { return checkDirs(cfg.DataDir, cfg.ModelsDir(), cfg.RunDir(), opts.LogDir) }},
		{"Installed models", func() (string, error) { return checkModels(cfg.ModelsDir(), opts.Active) }},
		{"Whisper decoder", func() (string, error) { return checkDecoder(cfg.WhisperBin, cfg.ModelsDir(), opts.Active) }},
		{"Keyboard access", hotkey.Diagnose},
		{"Clipboard copy", checkClipboardCopy},
		{"Keystroke paste", clipboard.Verify},
		{"Capture devices", checkDevices},
		{"License", func() (string, error) { return checkLicense(cfg) }},
	}
	if opts.Live {
		checks = append(checks, Check{"Microphone and transcription", func() (string, error) {
			return checkLive(cfg, opts.Active)
		}})
	}
	return checks
}

func checkDirs(dirs ...string) (string, error) {
	var ok []string
	for _, d := range dirs {
		if d == "" {
			continue
		}
		if err := os.MkdirAll(d, 0755); err != nil {
			return "", fmt.Errorf("create %s: %w", d, err)
		}
		f, err := os.CreateTemp(d, ".doctor-*")
		if err != nil {
			return "", fmt.Errorf("%s is not writable: %w", d, err)
		}
		f.Close()
		os.Remove(f.Name())
		ok = append(ok, d)
	}
	return strings.Join(ok, ", "), nil
}

func checkModels(dir, active string) (string, error) {
	store, err := models.New(models.Options{Dir: dir, Active: active})
	if err != nil {
		return "", err
	}
	defer store.Close()

	var installed []string
	for _, r := range store.List() {
		if !r.Installed {
			continue
		}
		name := r.ID
		if r.Active {
			name += " (active)"
		}
		installed = append(installed, name)
	}
	if len(installed) == 0 {
		return "download one with: murmur -ctl download " + models.DefaultModel, errors.New("no models installed")
	}
	return strings.Join(installed, ", "), nil
}

func checkDecoder(bin, dir, active string) (string, error) {
	path, err := worker.DecoderInfo(bin)
	if err != nil {
		return path, err
	}
	d, ok := models.Lookup(active)
	if !ok {
		return path, fmt.Errorf("active model %q is unknown", active)
	}
	modelPath := filepath.Join(dir, d.FileName())
	if _, err := os.Stat(modelPath); err != nil {
		return path + "; active model not downloaded", errSkipped
	}
	if err := worker.CheckModelFile(modelPath); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s, model %s ok", path, active), nil
}

func checkClipboardCopy() (string, error) {
	testStr := fmt.Sprintf("murmur-doctor-%d", time.Now().UnixNano())

	type cbResult struct {
		readback string
		err      error
		phase    string
	}
	ch := make(chan cbResult, 1)
	go func() {
		prev, _ := clipboard.Read()
		defer clipboard.Copy(prev)
		if err := clipboard.Copy(testStr); err != nil {
			ch <- cbResult{err: err, phase: "write"}
			return
		}
		got, err := clipboard.Read()
		if err != nil {
			ch <- cbResult{err: err, phase: "read"}
			return
		}
		ch <- cbResult{readback: got}
	}()

	select {
	case res := <-ch:
		if res.err != nil {
			return "", fmt.Errorf("clipboard %s failed: %w", res.phase, res.err)
		}
		if res.readback != testStr {
			return "", fmt.Errorf("clipboard mismatch: wrote %q, got %q", testStr, res.readback)
		}
		return "clipboard write/read verified", nil
	case <-time.After(3 * time.Second):
		return "", errors.New("clipboard timed out (clipboard tool hung, compositor not accessible?)")
	}
}

func checkDevices() (string, error) {
	ctx, err := audio.NewContext()
	if err != nil {
		return "", fmt.Errorf("cannot connect to audio: %w", err)
	}
	defer ctx.Close()
	devices, err := ctx.Devices()
	if err != nil {
		return "", fmt.Errorf("cannot list devices: %w", err)
	}
	if len(devices) == 0 {
		return "", errors.New("no capture devices found")
	}
	names := make([]string, len(devices))
	for i, d := range devices {
		names[i] = d.Name
	}
	return fmt.Sprintf("%d device(s): %s", len(devices), strings.Join(names, "; ")), nil
}

func checkLicense(cfg *config.Config) (string, error) {
	keys, err := cfg.ReadLicenseKeys()
	if err != nil {
		return "", err
	}
	v := entitlement.NewVerifier(keys, cfg.LicenseIssuer)
	kv, err := store.Open(cfg.StatePath())
	if err != nil {
		return "", err
	}
	gate, err := entitlement.Open(entitlement.Options{Store: kv, FreeQuota: cfg.FreeQuota, Verifier: v})
	if err != nil {
		return "", err
	}
	st := gate.State()
	if st.LicensePath == "" {
		if v.Keys() == 0 {
			return "free plan; no license keys configured", errSkipped
		}
		return fmt.Sprintf("free plan, %d transcription(s) left", st.FreeLeft), nil
	}
	p, err := v.VerifyFile(st.LicensePath)
	if err != nil {
		return "re-import a license with: murmur -ctl license import <file>", err
	}
	return fmt.Sprintf("valid license for %s on %s", p.Email, entitlement.DeviceMAC()), nil
}

// onInterrupt runs cleanup and exits if the user interrupts a live check.
func onInterrupt(cleanup func()) (stop func()) {
	sig := make(chan os.Signal, 1)
	shutdown.Notify(sig)
	done := make(chan struct{})
	go func() {
		select {
		case <-sig:
			cleanup()
			fmt.Fprintln(os.Stderr, "\nInterrupted")
			os.Exit(1)
		case <-done:
		}
	}()
	return func() {
		signal.Stop(sig)
		close(done)
	}
}

func checkLive(cfg *config.Config, active string) (string, error) {
	restoreTerminal()

	d, ok := models.Lookup(active)
	if !ok {
		return "", fmt.Errorf("active model %q is unknown", active)
	}
	modelPath := filepath.Join(cfg.ModelsDir(), d.FileName())
	wav := filepath.Join(os.TempDir(), fmt.Sprintf("murmur-doctor-%d.wav", os.Getpid()))
	defer onInterrupt(func() { os.Remove(wav) })()

	actx, err := audio.NewContext()
	if err != nil {
		return "", fmt.Errorf("cannot connect to audio: %w", err)
	}
	defer actx.Close()
	rec := audio.NewRecorder(actx, nil, 1)
	defer rec.Close()

	fmt.Print("  Speak for 3 seconds")
	if err := rec.Start(); err != nil {
		return "", fmt.Errorf("recording error: %w", err)
	}
	for i := 0; i < 6; i++ {
		time.Sleep(500 * time.Millisecond)
		fmt.Print(".")
	}
	fmt.Println(" done")
	clip, err := rec.Stop()
	if err != nil {
		return "", fmt.Errorf("recording error: %w", err)
	}
	if len(clip.Samples) == 0 {
		return "", errors.New("no audio captured")
	}

	if err := audio.WriteWAV(wav, clip.Samples, clip.SampleRate); err != nil {
		return "", err
	}
	defer os.Remove(wav)
	sup := worker.NewSupervisor(worker.Options{Command: worker.SelfCommand()})
	defer sup.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	res, err := sup.Transcribe(ctx, worker.Request{ModelID: active, ModelPath: modelPath, WAVPath: wav, Language: "auto"})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(res.Text)
	if text == "" {
		text = "(no speech detected)"
	}
	return fmt.Sprintf("[%s, %dms] %s", res.Language, res.DurationMs, text), nil
}
