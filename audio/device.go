package audio

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
)

// FindDevice returns the capture device whose name contains name
// (case-insensitive), or nil for the system default when name is empty.
func FindDevice(ctx Context, name string) (*DeviceInfo, error) {
	if name == "" {
		return nil, nil
	}
	devices, err := ctx.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerating devices: %w", err)
	}
	want := strings.ToLower(name)
	for i := range devices {
		if strings.Contains(strings.ToLower(devices[i].Name), want) {
			return &devices[i], nil
		}
	}
	return nil, fmt.Errorf("no capture device matching %q", name)
}

// SelectDevice presents an interactive device picker on the terminal.
// If only one device is available, it returns that device without prompting.
func SelectDevice(ctx Context) (*DeviceInfo, error) {
	devices, err := ctx.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerating devices: %w", err)
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("no capture devices found")
	}
	if len(devices) == 1 {
		return &devices[0], nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("device picker needs a terminal")
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("setting raw mode: %w", err)
	}
	defer term.Restore(fd, oldState)

	cursor := 0
	render := func() {
		fmt.Print("\r\x1b[J")
		fmt.Print("Select input device (↑/↓, Enter to confirm, q to cancel):\r\n\r\n")
		for i, d := range devices {
			tag := ""
			if IsBluetooth(d.Name) {
				tag = " \x1b[33m[headset profile, lower quality]\x1b[0m"
			}
			if i == cursor {
				fmt.Printf("  \x1b[1;36m▶ %s%s\x1b[0m\r\n", d.Name, tag)
			} else {
				fmt.Printf("    %s%s\r\n", d.Name, tag)
			}
		}
	}
	render()

	buf := make([]byte, 3)
	for {
		n, err := os.Stdin.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("reading input: %w", err)
		}
		switch {
		case n == 1 && buf[0] == 13: // Enter
			fmt.Print("\r\n")
			return &devices[cursor], nil
		case n == 1 && (buf[0] == 3 || buf[0] == 'q'): // Ctrl+C
			fmt.Print("\r\n")
			return nil, fmt.Errorf("device selection cancelled")
		case n == 1 && buf[0] == 'j', n == 3 && buf[0] == 0x1b && buf[1] == '[' && buf[2] == 'B':
			if cursor < len(devices)-1 {
				cursor++
			}
		case n == 1 && buf[0] == 'k', n == 3 && buf[0] == 0x1b && buf[1] == '[' && buf[2] == 'A':
			if cursor > 0 {
				cursor--
			}
		}
		fmt.Printf("\x1b[%dA", len(devices)+2)
		render()
	}
}
