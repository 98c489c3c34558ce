//go:build linux

package hotkey

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	evKey      = 1
	keyPress   = 1
	keyRelease = 0
	keySpace   = 57
)

const inputEventSize = 24

// evdev codes for each modifier, left and right.
var modCodes = map[Modifier][2]uint16{
	ModCtrl:  {29, 97},
	ModAlt:   {56, 100},
	ModShift: {42, 54},
	ModSuper: {125, 126},
}

// a..z and 0..9 in evdev order
var letterCodes = [26]uint16{
	30, 48, 46, 32, 18, 33, 34, 35, 23, 36,
	37, 38, 50, 49, 24, 25, 16, 19, 31, 20,
	22, 47, 17, 45, 21, 44,
}
var digitCodes = [10]uint16{11, 2, 3, 4, 5, 6, 7, 8, 9, 10}
var fnCodes = [12]uint16{59, 60, 61, 62, 63, 64, 65, 66, 67, 68, 87, 88}

func keyCode(key string) (uint16, error) {
	switch {
	case key == "space":
		return keySpace, nil
	case len(key) == 1 && key[0] >= 'a' && key[0] <= 'z':
		return letterCodes[key[0]-'a'], nil
	case len(key) == 1 && key[0] >= '0' && key[0] <= '9':
		return digitCodes[key[0]-'0'], nil
	case len(key) > 1 && key[0] == 'f':
		var n int
		if _, err := fmt.Sscanf(key, "f%d", &n); err == nil && n >= 1 && n <= 12 {
			return fnCodes[n-1], nil
		}
	}
	return 0, fmt.Errorf("no evdev code for key %q", key)
}

// linuxHotkey reads every keyboard under /dev/input directly, which works
// on both X11 and Wayland but needs membership in the input group.
type linuxHotkey struct {
	sc      Shortcut
	keydown chan struct{}
	keyup   chan struct{}
	files   []*os.File
	stop    chan struct{}
	once    sync.Once
}

func New(sc Shortcut) (Hotkey, error) {
	if _, err := keyCode(sc.Key); err != nil {
		return nil, err
	}
	return &linuxHotkey{
		sc:      sc,
		keydown: make(chan struct{}, 1),
		keyup:   make(chan struct{}, 1),
	}, nil
}

func (h *linuxHotkey) Register() error {
	keyboards, err := findKeyboards()
	if err != nil {
		return fmt.Errorf("finding keyboards: %w", err)
	}
	if len(keyboards) == 0 {
		return fmt.Errorf("no keyboard devices found (is user in 'input' group?)")
	}

	h.stop = make(chan struct{})
	code, _ := keyCode(h.sc.Key)

	for _, path := range keyboards {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		h.files = append(h.files, f)
		go h.readEvents(f, code)
	}

	if len(h.files) == 0 {
		return fmt.Errorf("could not open any keyboard device (run: sudo usermod -aG input $USER, then re-login)")
	}
	return nil
}

func (h *linuxHotkey) readEvents(f *os.File, target uint16) {
	buf := make([]byte, inputEventSize*16)
	held := make(map[Modifier]bool, len(modCodes))
	var keyHeld bool

	modsHeld := func() bool {
		for m := range modCodes {
			if h.sc.Mods&m != 0 && !held[m] {
				return false
			}
		}
		return true
	}

	for {
		select {
		case <-h.stop:
			return
		default:
		}

		n, err := f.Read(buf)
		if err != nil {
			return
		}

		for i := 0; i+inputEventSize <= n; i += inputEventSize {
			evType := binary.LittleEndian.Uint16(buf[i+16:])
			evCode := binary.LittleEndian.Uint16(buf[i+18:])
			evValue := int32(binary.LittleEndian.Uint32(buf[i+20:]))
			if evType != evKey {
				continue
			}

			// value 2 is auto-repeat and never changes state
			pressed := evValue == keyPress
			released := evValue == keyRelease

			for m, codes := range modCodes {
				if evCode == codes[0] || evCode == codes[1] {
					held[m] = pressed || (!released && held[m])
				}
			}

			if evCode != target {
				continue
			}
			if pressed && !keyHeld && modsHeld() {
				keyHeld = true
				select {
				case h.keydown <- struct{}{}:
				default:
				}
			} else if released && keyHeld {
				keyHeld = false
				select {
				case h.keyup <- struct{}{}:
				default:
				}
			}
		}
	}
}

func (h *linuxHotkey) Unregister() {
	h.once.Do(func() {
		if h.stop != nil {
			close(h.stop)
		}
		for _, f := range h.files {
			f.Close()
		}
	})
}

func (h *linuxHotkey) Keydown() <-chan struct{} {
	return h.keydown
}

func (h *linuxHotkey) Keyup() <-chan struct{} {
	return h.keyup
}

func findKeyboards() ([]string, error) {
	entries, err := os.ReadDir("/dev/input")
	if err != nil {
		return nil, err
	}

	var keyboards []string
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "event") {
			continue
		}
		if isKeyboard(e.Name()) {
			keyboards = append(keyboards, filepath.Join("/dev/input", e.Name()))
		}
	}
	return keyboards, nil
}

func isKeyboard(eventName string) bool {
	capsPath := filepath.Join("/sys/class/input", eventName, "device", "capabilities", "key")
	data, err := os.ReadFile(capsPath)
	if err != nil {
		return false
	}
	return len(strings.TrimSpace(string(data))) > 10
}

// Diagnose checks that at least one keyboard device can be opened.
func Diagnose() (string, error) {
	keyboards, err := findKeyboards()
	if err != nil {
		return "", fmt.Errorf("cannot scan input devices: %w", err)
	}
	if len(keyboards) == 0 {
		return "", fmt.Errorf("no keyboard devices found (is user in 'input' group?)")
	}
	for _, path := range keyboards {
		if f, err := os.Open(path); err == nil {
			f.Close()
			return fmt.Sprintf("%d keyboard(s) found, opened %s", len(keyboards), path), nil
		}
	}
	return "", fmt.Errorf("found %d keyboard(s) but cannot open any (run: sudo usermod -aG input $USER)", len(keyboards))
}
