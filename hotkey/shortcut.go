package hotkey

import (
	"fmt"
	"strings"
)

type Modifier int

const (
	ModCtrl Modifier = 1 << iota
	ModAlt
	ModShift
	ModSuper
)

// DefaultShortcut is used until the user picks another combination.
const DefaultShortcut = "Ctrl+Alt+Space"

// Shortcut is a parsed key combination: at least one modifier plus one key.
type Shortcut struct {
	Mods Modifier
	Key  string // "space", "a".."z", "0".."9", "f1".."f12"
}

var modNames = map[string]Modifier{
	"ctrl":    ModCtrl,
	"control": ModCtrl,
	"alt":     ModAlt,
	"option":  ModAlt,
	"shift":   ModShift,
	"super":   ModSuper,
	"cmd":     ModSuper,
	"command": ModSuper,
	"win":     ModSuper,
	"meta":    ModSuper,
}

// Parse reads strings such as "Ctrl+Alt+Space" or "ctrl + shift + d".
func Parse(s string) (Shortcut, error) {
	var sc Shortcut
	parts := strings.Split(s, "+")
	for i, p := range parts {
		tok := strings.ToLower(strings.TrimSpace(p))
		if tok == "" {
			return Shortcut{}, fmt.Errorf("shortcut %q: empty key name", s)
		}
		if m, ok := modNames[tok]; ok {
			if i == len(parts)-1 {
				return Shortcut{}, fmt.Errorf("shortcut %q: missing key after modifiers", s)
			}
			sc.Mods |= m
			continue
		}
		if i != len(parts)-1 {
			return Shortcut{}, fmt.Errorf("shortcut %q: %q must be the last key", s, p)
		}
		if !validKey(tok) {
			return Shortcut{}, fmt.Errorf("shortcut %q: unsupported key %q", s, p)
		}
		sc.Key = tok
	}
	if sc.Mods == 0 {
		return Shortcut{}, fmt.Errorf("shortcut %q: needs at least one modifier", s)
	}
	return sc, nil
}

func validKey(k string) bool {
	if k == "space" {
		return true
	}
	if len(k) == 1 {
		c := k[0]
		return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
	}
	if k[0] == 'f' {
		var n int
		if _, err := fmt.Sscanf(k, "f%d", &n); err == nil && n >= 1 && n <= 12 && fmt.Sprintf("f%d", n) == k {
			return true
		}
	}
	return false
}

// String renders the canonical form, e.g. "Ctrl+Alt+Space".
func (s Shortcut) String() string {
	var parts []string
	if s.Mods&ModCtrl != 0 {
		parts = append(parts, "Ctrl")
	}
	if s.Mods&ModAlt != 0 {
		parts = append(parts, "Alt")
	}
	if s.Mods&ModShift != 0 {
		parts = append(parts, "Shift")
	}
	if s.Mods&ModSuper != 0 {
		parts = append(parts, "Super")
	}
	if s.Key == "space" {
		parts = append(parts, "Space")
	} else {
		parts = append(parts, strings.ToUpper(s.Key))
	}
	return strings.Join(parts, "+")
}
