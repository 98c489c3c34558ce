//go:build linux

package clipboard

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
)

// linux/uinput.h
const (
	uiSetEvbit  = 0x40045564
	uiSetKeybit = 0x40045565
	uiDevCreate = 0x5501
)

const (
	evSyn = 0x00
	evKey = 0x01
)

// linux/input-event-codes.h
const (
	keyTab       uint16 = 15
	keyEnter     uint16 = 28
	keyLeftCtrl  uint16 = 29
	keyLeftShift uint16 = 42
	keyV         uint16 = 47
	keySpace     uint16 = 57
)

const (
	vkName       = "murmur-paste"
	vkEventSize  = 24
	vkSettle     = 200 * time.Millisecond
	vkModDelay   = 5 * time.Millisecond
	verifyWindow = 500 * time.Millisecond
)

type inputEvent struct {
	Time  syscall.Timeval
	Type  uint16
	Code  uint16
	Value int32
}

type uinputSetup struct {
	Name         [80]byte
	Bustype      uint16
	Vendor       uint16
	Product      uint16
	Version      uint16
	FfEffectsMax uint32
	Abs          [4][64]int32
}

// virtualKeyboard is a uinput device that can emit key chords.
type virtualKeyboard struct {
	mu sync.Mutex
	f  *os.File
}

var (
	vk     *virtualKeyboard
	vkOnce sync.Once
	vkErr  error
)

// Init creates the virtual keyboard used for paste keystrokes. The device is
// created once per process; later calls return the first result.
func Init() error {
	vkOnce.Do(func() {
		vk, vkErr = openVirtualKeyboard()
	})
	return vkErr
}

func uinputPath() (string, error) {
	for _, p := range []string{"/dev/uinput", "/dev/input/uinput"} {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", errors.New("uinput device not found, try: sudo modprobe uinput")
}

func ioctl(f *os.File, req, arg uintptr) error {
	if _, _, errno := syscall.Syscall(syscall.SYS_IOCTL, f.Fd(), req, arg); errno != 0 {
		return errno
	}
	return nil
}

func openVirtualKeyboard() (*virtualKeyboard, error) {
	path, err := uinputPath()
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|syscall.O_NONBLOCK, os.ModeDevice)
	if err != nil {
		return nil, err
	}
	if err := setupDevice(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("uinput setup: %w", err)
	}
	// the compositor needs a moment to pick up a new input device
	time.Sleep(vkSettle)
	return &virtualKeyboard{f: f}, nil
}

func setupDevice(f *os.File) error {
	for _, ev := range []uintptr{evKey, evSyn} {
		if err := ioctl(f, uiSetEvbit, ev); err != nil {
			return err
		}
	}
	// a full key range makes udev classify the device as a keyboard
	for code := uintptr(0); code < 256; code++ {
		if err := ioctl(f, uiSetKeybit, code); err != nil {
			return err
		}
	}
	setup := uinputSetup{Bustype: 0x03, Vendor: 0x1234, Product: 0x5678, Version: 1}
	copy(setup.Name[:], vkName)
	if err := binary.Write(f, binary.LittleEndian, &setup); err != nil {
		return err
	}
	return ioctl(f, uiDevCreate, 0)
}

func (k *virtualKeyboard) emit(typ, code uint16, value int32) error {
	return binary.Write(k.f, binary.LittleEndian, &inputEvent{Type: typ, Code: code, Value: value})
}

func (k *virtualKeyboard) key(code uint16, down bool) error {
	var v int32
	if down {
		v = 1
	}
	if err := k.emit(evKey, code, v); err != nil {
		return err
	}
	return k.emit(evSyn, 0, 0)
}

// chord presses keys in order and releases them in reverse. A non-zero pause
// is inserted between steps so modifier state registers.
func (k *virtualKeyboard) chord(pause time.Duration, keys ...uint16) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for i, code := range keys {
		if err := k.key(code, true); err != nil {
			return err
		}
		if pause > 0 && i < len(keys)-1 {
			time.Sleep(pause)
		}
	}
	for i := len(keys) - 1; i >= 0; i-- {
		if pause > 0 {
			time.Sleep(pause)
		}
		if err := k.key(keys[i], false); err != nil {
			return err
		}
	}
	return nil
}

// Paste sends Ctrl+V through the virtual keyboard.
func Paste() error {
	if err := Init(); err != nil {
		return err
	}
	return vk.chord(vkModDelay, keyLeftCtrl, keyV)
}

// evdevNode finds the /dev/input node the kernel assigned to our device.
func evdevNode() (string, error) {
	entries, err := os.ReadDir("/sys/class/input")
	if err != nil {
		return "", fmt.Errorf("cannot scan input devices: %w", err)
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), "event") {
			continue
		}
		data, err := os.ReadFile(filepath.Join("/sys/class/input", e.Name(), "device", "name"))
		if err == nil && strings.TrimSpace(string(data)) == vkName {
			return filepath.Join("/dev/input", e.Name()), nil
		}
	}
	return "", fmt.Errorf("%s evdev device not found", vkName)
}

// keysSeen decodes a batch of raw input events and reports which of want
// appeared as key events.
func keysSeen(buf []byte, want ...uint16) map[uint16]bool {
	seen := make(map[uint16]bool, len(want))
	for i := 0; i+vkEventSize <= len(buf); i += vkEventSize {
		if binary.LittleEndian.Uint16(buf[i+16:]) != evKey {
			continue
		}
		code := binary.LittleEndian.Uint16(buf[i+18:])
		for _, w := range want {
			if code == w {
				seen[w] = true
			}
		}
	}
	return seen
}

// Verify sends Ctrl+V and reads it back from the kernel input layer.
func Verify() (string, error) {
	if err := Init(); err != nil {
		return "", fmt.Errorf("uinput init: %w", err)
	}
	node, err := evdevNode()
	if err != nil {
		return "", err
	}
	dev, err := os.Open(node)
	if err != nil {
		return "", fmt.Errorf("cannot open %s: %w", node, err)
	}
	defer dev.Close()

	if err := Paste(); err != nil {
		return "", fmt.Errorf("paste send: %w", err)
	}

	type readback struct {
		buf []byte
		err error
	}
	ch := make(chan readback, 1)
	go func() {
		buf := make([]byte, vkEventSize*32)
		n, err := dev.Read(buf)
		ch <- readback{buf: buf[:max(n, 0)], err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return "", fmt.Errorf("reading events: %w", r.err)
		}
		seen := keysSeen(r.buf, keyLeftCtrl, keyV)
		if !seen[keyLeftCtrl] || !seen[keyV] {
			return "", fmt.Errorf("missing events (ctrl=%v, v=%v)", seen[keyLeftCtrl], seen[keyV])
		}
		return "Ctrl+V keystroke verified via " + node, nil
	case <-time.After(verifyWindow):
		return "", errors.New("timed out waiting for keystroke events")
	}
}
