//go:build !windows

package doctor

import "os/exec"

// restoreTerminal undoes raw mode left behind by an interrupted device picker.
func restoreTerminal() {
	_ = exec.Command("stty", "sane").Run()
}
