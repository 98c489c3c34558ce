//go:build linux

package clipboard

type keyStroke struct {
	code  uint16
	shift bool
}

// US layout. Letters run a..z, digits run 0..9.
var (
	letterCodes = [26]uint16{30, 48, 46, 32, 18, 33, 34, 35, 23, 36, 37, 38, 50, 49, 24, 25, 16, 19, 31, 20, 22, 47, 17, 45, 21, 44}
	digitCodes  = [10]uint16{11, 2, 3, 4, 5, 6, 7, 8, 9, 10}
)

// symbolKeys maps each key to its unshifted and shifted characters.
var symbolKeys = map[uint16][2]byte{
	2: {0, '!'}, 3: {0, '@'}, 4: {0, '#'}, 5: {0, '$'}, 6: {0, '%'},
	7: {0, '^'}, 8: {0, '&'}, 9: {0, '*'}, 10: {0, '('}, 11: {0, ')'},
	12: {'-', '_'}, 13: {'=', '+'}, 26: {'[', '{'}, 27: {']', '}'},
	39: {';', ':'}, 40: {'\'', '"'}, 41: {'`', '~'}, 43: {'\\', '|'},
	51: {',', '<'}, 52: {'.', '>'}, 53: {'/', '?'},
}

var strokes = buildStrokes()

func buildStrokes() map[byte]keyStroke {
	m := map[byte]keyStroke{
		' ':  {code: keySpace},
		'\n': {code: keyEnter},
		'\t': {code: keyTab},
	}
	for i, code := range letterCodes {
		m['a'+byte(i)] = keyStroke{code: code}
		m['A'+byte(i)] = keyStroke{code: code, shift: true}
	}
	for i, code := range digitCodes {
		m['0'+byte(i)] = keyStroke{code: code}
	}
	for code, chars := range symbolKeys {
		if chars[0] != 0 {
			m[chars[0]] = keyStroke{code: code}
		}
		m[chars[1]] = keyStroke{code: code, shift: true}
	}
	return m
}

// Type sends each ASCII character of text as a keystroke via uinput.
// Characters without a key on the US layout are skipped.
func Type(text string) error {
	if err := Init(); err != nil {
		return err
	}
	for i := 0; i < len(text); i++ {
		s, ok := strokes[text[i]]
		if !ok {
			continue
		}
		keys := []uint16{s.code}
		if s.shift {
			keys = []uint16{keyLeftShift, s.code}
		}
		if err := vk.chord(0, keys...); err != nil {
			return err
		}
	}
	return nil
}
