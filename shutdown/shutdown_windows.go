//go:build windows

package shutdown

import (
	"os"
	"os/signal"
	"syscall"
)

func Notify(ch chan os.Signal) {
	signal.Notify(ch, os.Interrupt)
}

const stillActive = 259

func alive(pid int) bool {
	h, err := syscall.OpenProcess(syscall.PROCESS_QUERY_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer syscall.CloseHandle(h)
	var code uint32
	if err := syscall.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == stillActive
}
