package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"murmur/apperr"
	"murmur/entitlement"
	"murmur/hotkey"
	"murmur/models"
	"murmur/session"
)

type fakeEngine struct {
	mu        sync.Mutex
	calls     []string
	status    session.Status
	cfg       session.Config
	ent       entitlement.State
	records   []models.Record
	err       error
	download  chan struct{}
	checkout  entitlement.Checkout
	toggleErr bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		status: session.Status{State: session.StateIdle},
		cfg:    session.DefaultConfig(),
		ent:    entitlement.State{Plan: entitlement.PlanFree, FreeLeft: 5},
	}
}

func (f *fakeEngine) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeEngine) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeEngine) Toggle() session.Status {
	f.record("toggle")
	if f.toggleErr {
		return session.Status{State: session.StateError, Code: apperr.CodeFreeLimitReached, Message: "Free plan limit reached"}
	}
	return session.Status{State: session.StateRecording}
}
func (f *fakeEngine) Status() session.Status  { return f.status }
func (f *fakeEngine) Count() int              { return 0 }
func (f *fakeEngine) Config() session.Config  { return f.cfg }
func (f *fakeEngine) Models() []models.Record { return f.records }
func (f *fakeEngine) SetShortcut(s string) (hotkey.Shortcut, error) {
	if err := f.record("shortcut " + s); err != nil {
		return hotkey.Shortcut{}, err
	}
	sc, err := hotkey.Parse(s)
	if err != nil {
		return sc, apperr.Wrap(apperr.CodeInvalidConfig, err)
	}
	return sc, nil
}
func (f *fakeEngine) SetLanguage(lang string) error  { return f.record("language " + lang) }
func (f *fakeEngine) SetActiveModel(id string) error { return f.record("use " + id) }
func (f *fakeEngine) DownloadModel(ctx context.Context, id string) error {
	if err := f.record("download " + id); err != nil {
		return err
	}
	if f.download != nil {
		select {
		case <-f.download:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
func (f *fakeEngine) DeleteModel(id string) error     { return f.record("delete " + id) }
func (f *fakeEngine) ImportLicense(path string) error { return f.record("import " + path) }
func (f *fakeEngine) RemoveLicense() error            { return f.record("remove") }
func (f *fakeEngine) Checkout(ctx context.Context) (entitlement.Checkout, error) {
	return f.checkout, f.record("checkout")
}
func (f *fakeEngine) Entitlement() entitlement.State { return f.ent }

func newTestController(t *testing.T, eng engineAPI, rebind func(hotkey.Shortcut) error) (*controller, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	c := newController(ctx, eng, t.TempDir(), rebind)
	t.Cleanup(func() {
		cancel()
		c.Wait()
	})
	return c, cancel
}

func TestExecuteDispatch(t *testing.T) {
	eng := newFakeEngine()
	c, _ := newTestController(t, eng, nil)

	tests := []struct {
		args []string
		call string
	}{
		{[]string{"toggle"}, "toggle"},
		{[]string{"use", "small"}, "use small"},
		{[]string{"delete", "tiny"}, "delete tiny"},
		{[]string{"language", "es"}, "language es"},
		{[]string{"license", "remove"}, "remove"},
		{[]string{"checkout"}, "checkout"},
	}
	for _, tt := range tests {
		if _, err := c.execute(tt.args); err != nil {
			t.Errorf("execute %v: %v", tt.args, err)
		}
	}
	var want []string
	for _, tt := range tests {
		want = append(want, tt.call)
	}
	if got := eng.Calls(); !reflect.DeepEqual(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
}

func TestExecuteUsageErrors(t *testing.T) {
	c, _ := newTestController(t, newFakeEngine(), nil)
	for _, args := range [][]string{
		nil,
		{"bogus"},
		{"use"},
		{"use", "a", "b"},
		{"license"},
		{"license", "import"},
		{"license", "renew"},
		{"shortcut"},
	} {
		_, err := c.execute(args)
		if !apperr.Is(err, apperr.CodeInvalidConfig) {
			t.Errorf("execute %q: err = %v, want INVALID_CONFIG", args, err)
		}
	}
}

func TestExecuteErrorKeepsCode(t *testing.T) {
	eng := newFakeEngine()
	eng.err = apperr.New(apperr.CodeModelNotInstalled)
	c, _ := newTestController(t, eng, nil)
	if _, err := c.execute([]string{"use", "large"}); !apperr.Is(err, apperr.CodeModelNotInstalled) {
		t.Errorf("err = %v", err)
	}
}

func TestExecuteToggleError(t *testing.T) {
	eng := newFakeEngine()
	eng.toggleErr = true
	c, _ := newTestController(t, eng, nil)
	out, err := c.execute([]string{"toggle"})
	if !apperr.Is(err, apperr.CodeFreeLimitReached) {
		t.Fatalf("err = %v", err)
	}
	if st, ok := out.(session.Status); !ok || st.State != session.StateError {
		t.Errorf("output = %#v", out)
	}
}

func TestExecuteShortcutRebinds(t *testing.T) {
	var bound []string
	c, _ := newTestController(t, newFakeEngine(), func(sc hotkey.Shortcut) error {
		bound = append(bound, sc.String())
		return nil
	})
	out, err := c.execute([]string{"shortcut", "ctrl+shift+d"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out != "Ctrl+Shift+D" {
		t.Errorf("output = %v", out)
	}
	if !reflect.DeepEqual(bound, []string{"Ctrl+Shift+D"}) {
		t.Errorf("bound = %v", bound)
	}

	if _, err := c.execute([]string{"shortcut", "ctrl+nope"}); !apperr.Is(err, apperr.CodeInvalidConfig) {
		t.Errorf("bad shortcut err = %v", err)
	}
	if len(bound) != 1 {
		t.Errorf("rebind called for invalid shortcut: %v", bound)
	}
}

func TestExecuteLicenseImportAbsolutePath(t *testing.T) {
	eng := newFakeEngine()
	c, _ := newTestController(t, eng, nil)
	if _, err := c.execute([]string{"license", "import", "lic.json"}); err != nil {
		t.Fatal(err)
	}
	want, _ := filepath.Abs("lic.json")
	if got := eng.Calls(); len(got) != 1 || got[0] != "import "+want {
		t.Errorf("calls = %v", got)
	}
}

func TestDownloadReportsEarlyError(t *testing.T) {
	eng := newFakeEngine()
	eng.err = apperr.New(apperr.CodeUnknownModel)
	c, _ := newTestController(t, eng, nil)
	if _, err := c.execute([]string{"download", "huge"}); !apperr.Is(err, apperr.CodeUnknownModel) {
		t.Errorf("err = %v", err)
	}
}

func TestDownloadRunsInBackground(t *testing.T) {
	eng := newFakeEngine()
	eng.download = make(chan struct{})
	c, _ := newTestController(t, eng, nil)
	out, err := c.execute([]string{"download", "small"})
	if err != nil || out != "started" {
		t.Fatalf("execute = %v, %v", out, err)
	}
	close(eng.download)
	c.Wait()
}

func writeCommand(t *testing.T, dir string, cmd ctlCommand) {
	t.Helper()
	data, _ := json.Marshal(cmd)
	if err := os.WriteFile(filepath.Join(dir, cmdPrefix+cmd.ID+cmdSuffix), data, 0644); err != nil {
		t.Fatal(err)
	}
}

func TestDrainRunsOldestFirstAndRemovesFiles(t *testing.T) {
	eng := newFakeEngine()
	c, _ := newTestController(t, eng, nil)
	now := time.Now()
	writeCommand(t, c.dir, ctlCommand{ID: "b", Args: []string{"language", "fr"}, Sent: now.Add(time.Second)})
	writeCommand(t, c.dir, ctlCommand{ID: "a", Args: []string{"use", "tiny"}, Sent: now})
	os.WriteFile(filepath.Join(c.dir, cmdPrefix+"bad"+cmdSuffix), []byte("{"), 0644)
	os.WriteFile(filepath.Join(c.dir, ".cmd-x.json-123.tmp"), []byte("{}"), 0644)

	c.drain()

	if got, want := eng.Calls(), []string{"use tiny", "language fr"}; !reflect.DeepEqual(got, want) {
		t.Errorf("calls = %v, want %v", got, want)
	}
	entries, _ := os.ReadDir(c.dir)
	for _, e := range entries {
		if isCommandFile(e.Name()) {
			t.Errorf("command file left: %s", e.Name())
		}
	}

	snap, err := readStatus(c.statusPath())
	if err != nil {
		t.Fatalf("readStatus: %v", err)
	}
	for _, id := range []string{"a", "b"} {
		if res := snap.command(id); res == nil || !res.OK {
			t.Errorf("result for %s = %+v", id, res)
		}
	}
	if n := len(snap.RecentCommands); n != 2 || snap.RecentCommands[1].ID != "b" {
		t.Errorf("recent = %+v, want a then b", snap.RecentCommands)
	}
}

func TestRecentCommandsBounded(t *testing.T) {
	eng := newFakeEngine()
	c, _ := newTestController(t, eng, nil)
	for i := 0; i < recentCommands+4; i++ {
		c.handle(ctlCommand{ID: fmt.Sprintf("c%d", i), Args: []string{"status"}})
	}
	snap, err := readStatus(c.statusPath())
	if err != nil {
		t.Fatal(err)
	}
	if len(snap.RecentCommands) != recentCommands {
		t.Fatalf("kept %d results, want %d", len(snap.RecentCommands), recentCommands)
	}
	if snap.command("c3") != nil {
		t.Error("oldest result not evicted")
	}
	if snap.command("c4") == nil || snap.command(fmt.Sprintf("c%d", recentCommands+3)) == nil {
		t.Error("recent results missing")
	}
}

func TestStatusSnapshotContents(t *testing.T) {
	eng := newFakeEngine()
	eng.records = []models.Record{{Descriptor: models.Descriptor{ID: "base"}, Installed: true, Active: true}}
	c, _ := newTestController(t, eng, nil)

	c.noteProgress(models.Progress{ID: "small", Downloaded: 10, Total: 100})
	c.noteProgress(models.Progress{ID: "tiny", Downloaded: 5, Total: 50, Done: true, Err: apperr.New(apperr.CodeDownloadIncomplete)})
	c.noteTranscript(session.Result{Text: "hola", ModelID: "base", DurationMs: 120, Language: "es"}, "keystroke", nil)

	snap, err := readStatus(c.statusPath())
	if err != nil {
		t.Fatal(err)
	}
	if snap.PID != os.Getpid() || snap.Status.State != session.StateIdle {
		t.Errorf("pid/state = %d/%s", snap.PID, snap.Status.State)
	}
	if len(snap.Models) != 1 || !snap.Models[0].Active {
		t.Errorf("models = %+v", snap.Models)
	}
	if d := snap.Downloads["small"]; d.Downloaded != 10 || d.Done {
		t.Errorf("small = %+v", d)
	}
	if d := snap.Downloads["tiny"]; d.Error == "" || !d.Done {
		t.Errorf("tiny = %+v", d)
	}
	if lt := snap.LastTranscript; lt == nil || lt.Length != 4 || lt.Path != "keystroke" || lt.Language != "es" {
		t.Errorf("last transcript = %+v", lt)
	}
	if snap.Entitlement.FreeLeft != 5 {
		t.Errorf("entitlement = %+v", snap.Entitlement)
	}
}

func TestSendCommandRoundTrip(t *testing.T) {
	eng := newFakeEngine()
	c, cancel := newTestController(t, eng, nil)
	done := make(chan struct{})
	go func() {
		c.watch()
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	res, err := sendCommand(c.dir, []string{"language", "de"}, 5*time.Second)
	if err != nil {
		t.Fatalf("sendCommand: %v", err)
	}
	if !res.OK || res.Command != "language de" {
		t.Errorf("result = %+v", res)
	}

	eng.mu.Lock()
	eng.err = apperr.New(apperr.CodeModelNotInstalled)
	eng.mu.Unlock()
	res, err = sendCommand(c.dir, []string{"use", "medium"}, 5*time.Second)
	if err != nil {
		t.Fatalf("sendCommand: %v", err)
	}
	if res.OK || res.Code != apperr.CodeModelNotInstalled || res.Message == "" {
		t.Errorf("result = %+v", res)
	}
}

func TestSendCommandConcurrentClients(t *testing.T) {
	eng := newFakeEngine()
	c, cancel := newTestController(t, eng, nil)
	done := make(chan struct{})
	go func() {
		c.watch()
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	langs := []string{"de", "fr", "it", "pt"}
	var wg sync.WaitGroup
	errs := make(chan error, len(langs))
	for _, lang := range langs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := sendCommand(c.dir, []string{"language", lang}, 5*time.Second)
			if err != nil {
				errs <- err
				return
			}
			if res.Command != "language "+lang {
				errs <- fmt.Errorf("got result for %q, want language %s", res.Command, lang)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestSendCommandTimesOut(t *testing.T) {
	dir := t.TempDir()
	if _, err := sendCommand(dir, []string{"toggle"}, 300*time.Millisecond); err == nil {
		t.Fatal("expected timeout")
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if isCommandFile(e.Name()) {
			t.Errorf("unanswered command left behind: %s", e.Name())
		}
	}
}
