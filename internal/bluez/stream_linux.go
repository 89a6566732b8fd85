//go:build linux

package bluez

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"bluetooth-serial/internal/connmgr"
)

// newStream takes ownership of an RFCOMM socket FD. The FD is switched to
// non-blocking mode so the runtime poller manages it and Close interrupts
// blocked I/O.
func newStream(fd int, name string) (connmgr.Stream, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("bluez: set nonblock: %w", err)
	}
	f := os.NewFile(uintptr(fd), name)
	if f == nil {
		return nil, fmt.Errorf("bluez: invalid fd %d", fd)
	}
	return f, nil
}
