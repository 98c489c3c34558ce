//go:build darwin || windows

package hotkey

import (
	"fmt"

	"golang.design/x/hotkey"
)

var letterKeys = [26]hotkey.Key{
	hotkey.KeyA, hotkey.KeyB, hotkey.KeyC, hotkey.KeyD, hotkey.KeyE, hotkey.KeyF,
	hotkey.KeyG, hotkey.KeyH, hotkey.KeyI, hotkey.KeyJ, hotkey.KeyK, hotkey.KeyL,
	hotkey.KeyM, hotkey.KeyN, hotkey.KeyO, hotkey.KeyP, hotkey.KeyQ, hotkey.KeyR,
	hotkey.KeyS, hotkey.KeyT, hotkey.KeyU, hotkey.KeyV, hotkey.KeyW, hotkey.KeyX,
	hotkey.KeyY, hotkey.KeyZ,
}

var digitKeys = [10]hotkey.Key{
	hotkey.Key0, hotkey.Key1, hotkey.Key2, hotkey.Key3, hotkey.Key4,
	hotkey.Key5, hotkey.Key6, hotkey.Key7, hotkey.Key8, hotkey.Key9,
}

var fnKeys = [12]hotkey.Key{
	hotkey.KeyF1, hotkey.KeyF2, hotkey.KeyF3, hotkey.KeyF4, hotkey.KeyF5, hotkey.KeyF6,
	hotkey.KeyF7, hotkey.KeyF8, hotkey.KeyF9, hotkey.KeyF10, hotkey.KeyF11, hotkey.KeyF12,
}

func toKey(key string) (hotkey.Key, error) {
	switch {
	case key == "space":
		return hotkey.KeySpace, nil
	case len(key) == 1 && key[0] >= 'a' && key[0] <= 'z':
		return letterKeys[key[0]-'a'], nil
	case len(key) == 1 && key[0] >= '0' && key[0] <= '9':
		return digitKeys[key[0]-'0'], nil
	case len(key) > 1 && key[0] == 'f':
		var n int
		if _, err := fmt.Sscanf(key, "f%d", &n); err == nil && n >= 1 && n <= 12 {
			return fnKeys[n-1], nil
		}
	}
	return 0, fmt.Errorf("unsupported key %q", key)
}

type xHotkey struct {
	sc      Shortcut
	hk      *hotkey.Hotkey
	keydown chan struct{}
	keyup   chan struct{}
	stop    chan struct{}
}

// New creates a hotkey using golang.design/x/hotkey (Cocoa/Win32).
func New(sc Shortcut) (Hotkey, error) {
	key, err := toKey(sc.Key)
	if err != nil {
		return nil, err
	}
	return &xHotkey{
		sc:      sc,
		hk:      hotkey.New(platformMods(sc.Mods), key),
		keydown: make(chan struct{}, 1),
		keyup:   make(chan struct{}, 1),
	}, nil
}

func (h *xHotkey) Register() error {
	if err := h.hk.Register(); err != nil {
		return fmt.Errorf("register %s: %w", h.sc, err)
	}
	h.stop = make(chan struct{})
	go h.forward(h.hk.Keydown(), h.keydown)
	go h.forward(h.hk.Keyup(), h.keyup)
	return nil
}

func (h *xHotkey) forward(in <-chan hotkey.Event, out chan struct{}) {
	for {
		select {
		case <-h.stop:
			return
		case _, ok := <-in:
			if !ok {
				return
			}
			select {
			case out <- struct{}{}:
			default:
			}
		}
	}
}

func (h *xHotkey) Unregister() {
	if h.stop != nil {
		close(h.stop)
		h.stop = nil
	}
	h.hk.Unregister()
}

func (h *xHotkey) Keydown() <-chan struct{} {
	return h.keydown
}

func (h *xHotkey) Keyup() <-chan struct{} {
	return h.keyup
}

func Diagnose() (string, error) {
	return "hotkey support available (system hotkey API)", nil
}
