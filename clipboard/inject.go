package clipboard

import (
	"sync"
	"time"

	"murmur/log"
)

// Path names the mechanism that delivered text.
type Path string

const (
	PathKeystroke Path = "keystroke"
	PathClipboard Path = "clipboard"
	PathTyped     Path = "typed"
)

// restoreDelay is how long the pasted text stays on the clipboard before the
// user's previous clipboard contents come back.
const restoreDelay = 600 * time.Millisecond

// Injector delivers finished text to wherever the user is typing.
type Injector interface {
	Inject(text string) (Path, error)
}

// Backend is the set of primitives an Inject call is built from.
type Backend struct {
	Copy  func(string) error
	Read  func() (string, error)
	Paste func() error
	Type  func(string) error
}

// System returns the backend for the running OS.
func System() Backend {
	return Backend{Copy: Copy, Read: Read, Paste: Paste, Type: Type}
}

// Desktop injects text using a Backend. With Autopaste off the text is only
// copied. With Restore on, a successful paste is followed by restoring the
// previous clipboard contents.
type Desktop struct {
	Backend   Backend
	Autopaste bool
	Restore   bool

	wg sync.WaitGroup
}

func NewDesktop(autopaste bool) *Desktop {
	return &Desktop{Backend: System(), Autopaste: autopaste, Restore: true}
}

// Inject copies text to the clipboard and, if enabled, pastes it. A failed
// keystroke leaves the text on the clipboard and reports PathClipboard.
// When the clipboard itself is unavailable the text is typed key by key.
func (d *Desktop) Inject(text string) (Path, error) {
	var prev string
	var havePrev bool
	if d.Restore && d.Autopaste && d.Backend.Read != nil {
		if p, err := d.Backend.Read(); err == nil {
			prev, havePrev = p, true
		}
	}

	if err := d.Backend.Copy(text); err != nil {
		log.Warnf("clipboard copy failed: %v", err)
		if !d.Autopaste || d.Backend.Type == nil {
			return "", err
		}
		if terr := d.Backend.Type(text); terr != nil {
			return "", terr
		}
		return PathTyped, nil
	}
	if !d.Autopaste {
		return PathClipboard, nil
	}
	if err := d.Backend.Paste(); err != nil {
		log.Warnf("paste keystroke failed, text left on clipboard: %v", err)
		return PathClipboard, nil
	}
	if havePrev && prev != text {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			time.Sleep(restoreDelay)
			d.Backend.Copy(prev)
		}()
	}
	return PathKeystroke, nil
}

// Wait blocks until pending clipboard restores finish.
func (d *Desktop) Wait() {
	d.wg.Wait()
}

// Fake records injected text.
type Fake struct {
	mu    sync.Mutex
	Texts []string
	Path  Path
	Err   error
}

func (f *Fake) Inject(text string) (Path, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return "", f.Err
	}
	f.Texts = append(f.Texts, text)
	if f.Path == "" {
		return PathKeystroke, nil
	}
	return f.Path, nil
}

func (f *Fake) Injected() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Texts...)
}
