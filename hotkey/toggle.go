package hotkey

import "time"

// repeatGap bounds how long a held key may go without a keydown before the
// next keydown counts as a new press. It covers providers that never report
// keyup.
const repeatGap = 500 * time.Millisecond

// Toggles converts a Hotkey's press events into one toggle per physical
// press. Auto-repeat keydowns while the key is held are ignored, and a press
// within debounce of the previous toggle is dropped as contact bounce.
// The returned channel is closed once stop is closed.
func Toggles(hk Hotkey, debounce time.Duration, stop <-chan struct{}) <-chan struct{} {
	out := make(chan struct{}, 1)
	go func() {
		defer close(out)
		var held bool
		var lastDown, lastToggle time.Time
		for {
			select {
			case <-stop:
				return
			case <-hk.Keyup():
				held = false
			case <-hk.Keydown():
				now := time.Now()
				repeat := held && now.Sub(lastDown) < repeatGap
				held = true
				lastDown = now
				if repeat {
					continue
				}
				if !lastToggle.IsZero() && now.Sub(lastToggle) < debounce {
					continue
				}
				lastToggle = now
				select {
				case out <- struct{}{}:
				case <-stop:
					return
				}
			}
		}
	}()
	return out
}
