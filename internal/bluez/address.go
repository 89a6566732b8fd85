package bluez

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Address is a Bluetooth device address in display order (AA:BB:CC:DD:EE:FF).
type Address [6]byte

// ParseAddress parses a colon- or underscore-separated device address.
func ParseAddress(s string) (Address, error) {
	var a Address
	sep := ":"
	if !strings.Contains(s, sep) {
		sep = "_"
	}
	parts := strings.Split(s, sep)
	if len(parts) != len(a) {
		return Address{}, fmt.Errorf("bluez: invalid address %q", s)
	}
	for i, p := range parts {
		if len(p) != 2 {
			return Address{}, fmt.Errorf("bluez: invalid address %q", s)
		}
		b, err := hex.DecodeString(p)
		if err != nil {
			return Address{}, fmt.Errorf("bluez: invalid address %q", s)
		}
		a[i] = b[0]
	}
	return a, nil
}

func (a Address) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[0], a[1], a[2], a[3], a[4], a[5])
}

// bdaddr returns the address in the little-endian order the kernel expects.
func (a Address) bdaddr() [6]uint8 {
	var b [6]uint8
	for i := range a {
		b[i] = a[len(a)-1-i]
	}
	return b
}

func addressFromBdaddr(b [6]uint8) Address {
	var a Address
	for i := range b {
		a[i] = b[len(b)-1-i]
	}
	return a
}
