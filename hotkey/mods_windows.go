//go:build windows

package hotkey

import "golang.design/x/hotkey"

func platformMods(m Modifier) []hotkey.Modifier {
	var mods []hotkey.Modifier
	if m&ModCtrl != 0 {
		mods = append(mods, hotkey.ModCtrl)
	}
	if m&ModAlt != 0 {
		mods = append(mods, hotkey.ModAlt)
	}
	if m&ModShift != 0 {
		mods = append(mods, hotkey.ModShift)
	}
	if m&ModSuper != 0 {
		mods = append(mods, hotkey.ModWin)
	}
	return mods
}
