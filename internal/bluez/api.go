// Package bluez implements connmgr.Transport on Linux, either through BlueZ
// D-Bus profiles (Transport) or through raw RFCOMM sockets (RFCOMMTransport).
//
// Both hand out streams backed by a non-blocking RFCOMM socket wrapped in an
// *os.File, so Close from any goroutine unblocks a pending Read or Write.
//
// Thread-safety: all exported methods are safe for concurrent use. Dial may run
// concurrently for different devices; at most one Accept may be pending per
// transport.
package bluez

import (
	"errors"

	"go.uber.org/zap"
)

const (
	// SPPUUID is the Serial Port Profile UUID used for RFCOMM connections.
	SPPUUID = "00001101-0000-1000-8000-00805f9b34fb"

	// DefaultRFCOMMChannel is the fixed RFCOMM channel for the server-side profile.
	DefaultRFCOMMChannel uint8 = 22
)

// ErrNoAdapter is returned when no BlueZ adapter matches the configured one.
var ErrNoAdapter = errors.New("bluez: no adapter")

// Device represents the minimum information needed to display and connect.
//
// Path is required (BlueZ Device1 object path as string). Other fields are optional
// and may be empty depending on discovery results.
type Device struct {
	Path  string // required: D-Bus object path of the device (e.g. /org/bluez/hci0/dev_XX_XX_XX_XX_XX_XX)
	MAC   string // optional: Bluetooth device address
	Name  string // optional: Device1.Name
	Alias string // optional: Device1.Alias
}

// DisplayName returns the best human-readable name for d.
func (d Device) DisplayName() string {
	switch {
	case d.Alias != "":
		return d.Alias
	case d.Name != "":
		return d.Name
	default:
		return d.MAC
	}
}

// Options configures both transports.
type Options struct {
	// Adapter restricts discovery and device lookup to one adapter (e.g. "hci0").
	// Empty means every adapter.
	Adapter string

	// ServiceUUID is the profile UUID to connect to and to serve. Defaults to SPPUUID.
	ServiceUUID string

	// ServiceName is advertised by the server profile. Required for Accept on Transport.
	ServiceName string

	// Channel is the RFCOMM channel. The D-Bus server profile registers it; the raw
	// RFCOMM transport dials and listens on it. Defaults to DefaultRFCOMMChannel.
	Channel uint8

	Logger *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.ServiceUUID == "" {
		o.ServiceUUID = SPPUUID
	}
	if o.Channel == 0 {
		o.Channel = DefaultRFCOMMChannel
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}
