package entitlement

import (
	"fmt"
	"net"
	"strings"
)

const unknownMAC = "UNKNOWN"

// NormalizeMAC reduces a MAC address to 12 uppercase hex digits. "unknown"
// in any case normalizes to UNKNOWN.
func NormalizeMAC(s string) (string, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, unknownMAC) {
		return unknownMAC, nil
	}
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r >= 'A' && r <= 'F':
			b.WriteRune(r)
		case r >= 'a' && r <= 'f':
			b.WriteRune(r - 'a' + 'A')
		}
	}
	if b.Len() != 12 {
		return "", fmt.Errorf("invalid mac address %q", s)
	}
	return b.String(), nil
}

// DeviceMACs lists the hardware addresses of this machine's non-loopback
// interfaces, normalized, interfaces that are up first.
func DeviceMACs() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var up, down []string
	seen := make(map[string]bool)
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagLoopback != 0 || len(ifc.HardwareAddr) != 6 {
			continue
		}
		mac, err := NormalizeMAC(ifc.HardwareAddr.String())
		if err != nil || mac == "000000000000" || seen[mac] {
			continue
		}
		seen[mac] = true
		if ifc.Flags&net.FlagUp != 0 {
			up = append(up, mac)
		} else {
			down = append(down, mac)
		}
	}
	return append(up, down...)
}

// DeviceMAC is the primary hardware address as AA:BB:CC:DD:EE:FF, or
// UNKNOWN when the machine has none.
func DeviceMAC() string {
	macs := DeviceMACs()
	if len(macs) == 0 {
		return unknownMAC
	}
	return formatMAC(macs[0])
}

func formatMAC(norm string) string {
	if len(norm) != 12 {
		return norm
	}
	parts := make([]string, 0, 6)
	for i := 0; i < 12; i += 2 {
		parts = append(parts, norm[i:i+2])
	}
	return strings.Join(parts, ":")
}
