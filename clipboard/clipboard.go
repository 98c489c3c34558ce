// Package clipboard delivers transcribed text to the focused application,
// either by pasting it with a synthetic keystroke or by leaving it on the
// system clipboard.
package clipboard

import cb "github.com/atotto/clipboard"

func Read() (string, error) {
	return cb.ReadAll()
}

func Copy(text string) error {
	return cb.WriteAll(text)
}
