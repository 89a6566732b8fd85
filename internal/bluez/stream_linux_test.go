//go:build linux

package bluez

import (
	"context"
	"io"
	"testing"
	"time"

	dbus "github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	return fds[0], fds[1]
}

func fdClosed(fd int) bool {
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	return err == unix.EBADF
}

func TestStreamCloseUnblocksRead(t *testing.T) {
	local, remote := socketpair(t)
	defer unix.Close(remote)

	s, err := newStream(local, "test")
	require.NoError(t, err)

	readErr := make(chan error, 1)
	go func() {
		_, err := s.Read(make([]byte, 16))
		readErr <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Close())

	select {
	case err := <-readErr:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Read not unblocked by Close")
	}
}

func TestStreamRoundTrip(t *testing.T) {
	local, remote := socketpair(t)
	defer unix.Close(remote)

	s, err := newStream(local, "test")
	require.NoError(t, err)
	defer s.Close()

	_, err = unix.Write(remote, []byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(s, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	_, err = s.Write([]byte{0x02, 'h', 'i'})
	require.NoError(t, err)
	n, err := unix.Read(remote, buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 'h', 'i'}, buf[:n])
}

func TestProfileDeliversToWaiter(t *testing.T) {
	p := newProfile()
	dev := dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF")
	ch, err := p.expect(dev)
	require.NoError(t, err)

	_, err = p.expect(dev)
	assert.Error(t, err, "one pending dial per device")

	local, remote := socketpair(t)
	defer unix.Close(remote)
	require.Nil(t, p.NewConnection(dev, dbus.UnixFD(local), nil))

	res := <-ch
	assert.Equal(t, local, res.fd)
	assert.Equal(t, dev, res.dev)
	p.forget(dev, ch)
	assert.False(t, fdClosed(local), "claimed fd stays open")
	_ = unix.Close(local)
}

func TestProfileRejectsUnclaimed(t *testing.T) {
	p := newProfile()
	local, remote := socketpair(t)
	defer unix.Close(remote)

	derr := p.NewConnection("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF", dbus.UnixFD(local), nil)
	require.NotNil(t, derr)
	assert.Equal(t, "org.bluez.Error.Rejected", derr.Name)
	assert.True(t, fdClosed(local))
}

func TestProfileAcceptsAnyDevice(t *testing.T) {
	p := newProfile()
	ch, err := p.expectAny()
	require.NoError(t, err)
	_, err = p.expectAny()
	assert.Error(t, err)

	local, remote := socketpair(t)
	defer unix.Close(remote)
	dev := dbus.ObjectPath("/org/bluez/hci0/dev_11_22_33_44_55_66")
	require.Nil(t, p.NewConnection(dev, dbus.UnixFD(local), nil))

	res := <-ch
	assert.Equal(t, dev, res.dev)
	_ = unix.Close(res.fd)
}

func TestProfileForgetClosesLateDelivery(t *testing.T) {
	p := newProfile()
	dev := dbus.ObjectPath("/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF")
	ch, err := p.expect(dev)
	require.NoError(t, err)

	local, remote := socketpair(t)
	defer unix.Close(remote)
	require.Nil(t, p.NewConnection(dev, dbus.UnixFD(local), nil))

	// The dialer gave up before reading the result.
	p.forget(dev, ch)
	assert.True(t, fdClosed(local))
}

func TestWaitFDHonorsCancel(t *testing.T) {
	local, remote := socketpair(t)
	defer unix.Close(local)
	defer unix.Close(remote)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	err := waitFD(ctx, local, unix.POLLIN)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = unix.Write(remote, []byte{1})
	require.NoError(t, err)
	assert.NoError(t, waitFD(context.Background(), local, unix.POLLIN))
}
