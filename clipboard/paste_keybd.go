//go:build darwin || windows

package clipboard

import (
	"errors"
	"runtime"
	"sync"

	"github.com/micmonay/keybd_event"
)

var (
	kb     keybd_event.KeyBonding
	kbOnce sync.Once
	kbErr  error
)

func Init() error {
	kbOnce.Do(func() {
		kb, kbErr = keybd_event.NewKeyBonding()
	})
	return kbErr
}

func pasteCombo() string {
	if runtime.GOOS == "darwin" {
		return "Cmd+V"
	}
	return "Ctrl+V"
}

func Paste() error {
	if err := Init(); err != nil {
		return err
	}
	kb.Clear()
	kb.SetKeys(keybd_event.VK_V)
	if runtime.GOOS == "darwin" {
		kb.HasSuper(true)
	} else {
		kb.HasCTRL(true)
	}
	return kb.Launching()
}

// Type is only available through uinput on Linux.
func Type(text string) error {
	return errors.New("direct typing not supported on " + runtime.GOOS)
}

// Verify checks that the keyboard event binding is initialized.
func Verify() (string, error) {
	if err := Init(); err != nil {
		return "", err
	}
	return "keyboard event binding OK (" + pasteCombo() + ")", nil
}
