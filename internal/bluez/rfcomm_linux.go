//go:build linux

package bluez

import (
	"context"
	"errors"
	"fmt"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"bluetooth-serial/internal/connmgr"
)

// pollIntervalMs bounds how long a poll waits before re-checking cancellation.
const pollIntervalMs = 200

// DiscoveryCanceler stops device discovery on the local adapter.
type DiscoveryCanceler interface {
	CancelDiscovery(ctx context.Context) error
}

// RFCOMMTransport dials and listens on a fixed RFCOMM channel with raw kernel
// sockets, bypassing SDP and BlueZ profiles. D-Bus is only used, through
// discovery, to stop scanning before a dial.
type RFCOMMTransport struct {
	opts      Options
	log       *zap.Logger
	discovery DiscoveryCanceler
}

var _ connmgr.Transport = (*RFCOMMTransport)(nil)

// NewRFCOMM creates a raw RFCOMM transport. discovery may be nil, in which case
// CancelDiscovery is a no-op.
func NewRFCOMM(opts Options, discovery DiscoveryCanceler) *RFCOMMTransport {
	opts = opts.withDefaults()
	return &RFCOMMTransport{opts: opts, log: opts.Logger, discovery: discovery}
}

// CancelDiscovery delegates to the configured DiscoveryCanceler.
func (t *RFCOMMTransport) CancelDiscovery(ctx context.Context) error {
	if t.discovery == nil {
		return nil
	}
	return t.discovery.CancelDiscovery(ctx)
}

// Dial connects to address (AA:BB:CC:DD:EE:FF) on the configured channel.
// Cancelling ctx aborts a pending connect and closes the socket.
func (t *RFCOMMTransport) Dial(ctx context.Context, address string) (connmgr.Stream, connmgr.Peer, error) {
	addr, err := ParseAddress(address)
	if err != nil {
		return nil, connmgr.Peer{}, err
	}
	fd, err := rfcommSocket()
	if err != nil {
		return nil, connmgr.Peer{}, err
	}
	sa := &unix.SockaddrRFCOMM{Addr: addr.bdaddr(), Channel: t.opts.Channel}
	if err := connectFD(ctx, fd, sa); err != nil {
		_ = unix.Close(fd)
		return nil, connmgr.Peer{}, fmt.Errorf("bluez: rfcomm connect %s ch%d: %w", addr, t.opts.Channel, err)
	}
	s, err := newStream(fd, "rfcomm:"+addr.String())
	if err != nil {
		return nil, connmgr.Peer{}, err
	}
	return s, connmgr.Peer{Address: addr.String()}, nil
}

// Accept listens on the configured channel until one peer connects, then stops
// listening.
func (t *RFCOMMTransport) Accept(ctx context.Context) (connmgr.Stream, connmgr.Peer, error) {
	lfd, err := rfcommSocket()
	if err != nil {
		return nil, connmgr.Peer{}, err
	}
	defer unix.Close(lfd)

	if err := unix.Bind(lfd, &unix.SockaddrRFCOMM{Channel: t.opts.Channel}); err != nil {
		return nil, connmgr.Peer{}, fmt.Errorf("bluez: rfcomm bind ch%d: %w", t.opts.Channel, err)
	}
	if err := unix.Listen(lfd, 1); err != nil {
		return nil, connmgr.Peer{}, fmt.Errorf("bluez: rfcomm listen: %w", err)
	}
	t.log.Debug("bluez: rfcomm listening", zap.Uint8("channel", t.opts.Channel))

	for {
		if err := waitFD(ctx, lfd, unix.POLLIN); err != nil {
			return nil, connmgr.Peer{}, fmt.Errorf("bluez: rfcomm accept: %w", err)
		}
		nfd, sa, err := unix.Accept4(lfd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return nil, connmgr.Peer{}, fmt.Errorf("bluez: rfcomm accept: %w", err)
		}
		peer := connmgr.Peer{}
		if rsa, ok := sa.(*unix.SockaddrRFCOMM); ok {
			peer.Address = addressFromBdaddr(rsa.Addr).String()
		}
		s, err := newStream(nfd, "rfcomm:"+peer.Address)
		if err != nil {
			return nil, connmgr.Peer{}, err
		}
		return s, peer, nil
	}
}

func rfcommSocket() (int, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return -1, fmt.Errorf("bluez: rfcomm socket: %w", err)
	}
	return fd, nil
}

// connectFD runs a non-blocking connect on fd, waiting for completion or ctx.
func connectFD(ctx context.Context, fd int, sa unix.Sockaddr) error {
	err := unix.Connect(fd, sa)
	if err == nil {
		return nil
	}
	if !errors.Is(err, unix.EINPROGRESS) && !errors.Is(err, unix.EINTR) {
		return err
	}
	if err := waitFD(ctx, fd, unix.POLLOUT); err != nil {
		return err
	}
	soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if soErr != 0 {
		return syscall.Errno(soErr)
	}
	return nil
}

// waitFD polls fd for events until they are ready or ctx ends.
func waitFD(ctx context.Context, fd int, events int16) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		fds[0].Revents = 0
		n, err := unix.Poll(fds, pollIntervalMs)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
	}
}
