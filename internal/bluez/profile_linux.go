//go:build linux

package bluez

import (
	"errors"
	"sync"

	dbus "github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"
)

// profile implements org.bluez.Profile1 and forwards NewConnection FDs to the
// goroutine waiting for them.
type profile struct {
	mu      sync.Mutex
	waiters map[dbus.ObjectPath]chan acceptResult // pending Dial per device
	any     chan acceptResult                     // pending Accept, any device
}

type acceptResult struct {
	fd  int
	dev dbus.ObjectPath
}

func newProfile() *profile {
	return &profile{waiters: make(map[dbus.ObjectPath]chan acceptResult)}
}

// Release is called by BlueZ when the profile is being released.
func (p *profile) Release() *dbus.Error { return nil }

// Cancel may be called to indicate a canceled request.
func (p *profile) Cancel() *dbus.Error { return nil }

// RequestDisconnection is ignored; sessions end by closing their stream.
func (p *profile) RequestDisconnection(_ dbus.ObjectPath) *dbus.Error { return nil }

// NewConnection delivers the RFCOMM socket FD to the goroutine waiting for dev,
// or to a pending Accept. Unclaimed FDs are closed and the connection rejected.
func (p *profile) NewConnection(dev dbus.ObjectPath, fd dbus.UnixFD, _ map[string]dbus.Variant) *dbus.Error {
	res := acceptResult{fd: int(fd), dev: dev}

	p.mu.Lock()
	ch, ok := p.waiters[dev]
	if ok {
		delete(p.waiters, dev)
	} else if p.any != nil {
		ch, ok = p.any, true
		p.any = nil
	}
	p.mu.Unlock()

	if !ok {
		_ = unix.Close(res.fd)
		return &dbus.Error{Name: "org.bluez.Error.Rejected", Body: []interface{}{"no receiver"}}
	}
	// Buffered and removed from the table above, so this never blocks.
	ch <- res
	return nil
}

// expect registers interest in the next connection from dev.
func (p *profile) expect(dev dbus.ObjectPath) (chan acceptResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.waiters[dev]; busy {
		return nil, errors.New("bluez: connect already pending for device")
	}
	ch := make(chan acceptResult, 1)
	p.waiters[dev] = ch
	return ch, nil
}

// expectAny registers interest in the next connection from any device.
func (p *profile) expectAny() (chan acceptResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.any != nil {
		return nil, errors.New("bluez: accept already pending")
	}
	p.any = make(chan acceptResult, 1)
	return p.any, nil
}

// forget withdraws ch and closes an FD that was delivered but never claimed.
func (p *profile) forget(dev dbus.ObjectPath, ch chan acceptResult) {
	p.mu.Lock()
	if p.waiters[dev] == ch {
		delete(p.waiters, dev)
	}
	if p.any == ch {
		p.any = nil
	}
	p.mu.Unlock()

	select {
	case res := <-ch:
		_ = unix.Close(res.fd)
	default:
	}
}
