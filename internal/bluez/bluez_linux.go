//go:build linux

package bluez

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	dbus "github.com/godbus/dbus/v5"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"bluetooth-serial/internal/connmgr"
)

var pathCounter uint64

// Transport connects through BlueZ: it registers Profile1 objects for the
// configured service UUID and receives RFCOMM FDs via NewConnection.
//
// Pairing, if required, is handled by a BlueZ Agent registered elsewhere.
type Transport struct {
	opts Options
	log  *zap.Logger

	mu     sync.Mutex
	closed bool
	bus    *dbus.Conn

	cliProf    *profile
	clientPath dbus.ObjectPath
	srvProf    *profile
	serverPath dbus.ObjectPath

	// cleanup functions to release resources in Close (executed once, in reverse order).
	cleanup []func()
}

var _ connmgr.Transport = (*Transport)(nil)

// New creates a BlueZ transport. The system bus is connected lazily.
func New(opts Options) *Transport {
	opts = opts.withDefaults()
	return &Transport{opts: opts, log: opts.Logger}
}

// ensureBusLocked connects to the system bus if not yet connected.
func (t *Transport) ensureBusLocked() error {
	if t.closed {
		return errors.New("bluez: closed")
	}
	if t.bus != nil {
		return nil
	}
	c, err := dbus.SystemBus()
	if err != nil {
		return fmt.Errorf("bluez: connect system bus: %w", err)
	}
	t.bus = c
	// Close the bus last during cleanup.
	t.cleanup = append(t.cleanup, func() { _ = c.Close() })
	return nil
}

func (t *Transport) conn() (*dbus.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureBusLocked(); err != nil {
		return nil, err
	}
	return t.bus, nil
}

// registerLocked exports prof at a fresh object path and registers it with
// BlueZ using opts. Unregistration is queued for Close.
func (t *Transport) registerLocked(prof *profile, kind string, opts map[string]dbus.Variant) (dbus.ObjectPath, error) {
	id := atomic.AddUint64(&pathCounter, 1)
	path := dbus.ObjectPath("/org/bluetooth_serial/bluez/" + kind + "/p" + strconv.FormatUint(id, 10))
	if err := t.bus.Export(prof, path, profileInterfaceName); err != nil {
		return "", fmt.Errorf("bluez: export %s profile: %w", kind, err)
	}
	pm := t.bus.Object(bluezService, dbus.ObjectPath("/org/bluez"))
	if call := pm.Call(profileManagerIface+".RegisterProfile", 0, path, t.opts.ServiceUUID, opts); call.Err != nil {
		_ = t.bus.Export(nil, path, profileInterfaceName)
		return "", fmt.Errorf("bluez: RegisterProfile(%s): %w", kind, call.Err)
	}
	bus := t.bus
	t.cleanup = append(t.cleanup, func() {
		_ = pm.Call(profileManagerIface+".UnregisterProfile", 0, path).Err
		// Unexport the object path (best-effort).
		_ = bus.Export(nil, path, profileInterfaceName)
	})
	return path, nil
}

func (t *Transport) clientProfile() (*dbus.Conn, *profile, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureBusLocked(); err != nil {
		return nil, nil, err
	}
	if t.cliProf == nil {
		prof := newProfile()
		path, err := t.registerLocked(prof, "client", map[string]dbus.Variant{
			"Role": dbus.MakeVariant("client"),
		})
		if err != nil {
			return nil, nil, err
		}
		t.cliProf, t.clientPath = prof, path
	}
	return t.bus, t.cliProf, nil
}

func (t *Transport) serverProfile() (*dbus.Conn, *profile, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.ensureBusLocked(); err != nil {
		return nil, nil, err
	}
	if t.srvProf == nil {
		if t.opts.ServiceName == "" {
			return nil, nil, errors.New("bluez: ServiceName required")
		}
		prof := newProfile()
		path, err := t.registerLocked(prof, "server", map[string]dbus.Variant{
			"Name": dbus.MakeVariant(t.opts.ServiceName),
			"Role": dbus.MakeVariant("server"),
			// BlueZ expects Channel as a uint16 (not byte).
			"Channel": dbus.MakeVariant(uint16(t.opts.Channel)),
		})
		if err != nil {
			return nil, nil, err
		}
		t.srvProf, t.serverPath = prof, path
		t.log.Info("bluez: server profile registered",
			zap.String("name", t.opts.ServiceName),
			zap.Uint8("channel", t.opts.Channel))
	}
	return t.bus, t.srvProf, nil
}

// CancelDiscovery stops discovery on every adapter currently discovering.
func (t *Transport) CancelDiscovery(ctx context.Context) error {
	bus, err := t.conn()
	if err != nil {
		return err
	}
	objs, err := getManagedObjects(ctx, bus)
	if err != nil {
		return err
	}
	for _, a := range objs.adapters(t.opts.Adapter) {
		if !a.discovering {
			continue
		}
		if call := bus.Object(bluezService, a.path).CallWithContext(ctx, adapterIface+".StopDiscovery", 0); call.Err != nil {
			err = multierr.Append(err, fmt.Errorf("bluez: StopDiscovery %s: %w", a.path, call.Err))
			continue
		}
		t.log.Debug("bluez: discovery stopped", zap.String("adapter", string(a.path)))
	}
	return err
}

// Dial connects the client profile to the device at address, which is either a
// device address or a Device1 object path.
func (t *Transport) Dial(ctx context.Context, address string) (connmgr.Stream, connmgr.Peer, error) {
	if address == "" {
		return nil, connmgr.Peer{}, errors.New("bluez: device address required")
	}
	bus, prof, err := t.clientProfile()
	if err != nil {
		return nil, connmgr.Peer{}, err
	}
	dev, err := t.resolveDevice(ctx, bus, address)
	if err != nil {
		return nil, connmgr.Peer{}, err
	}
	devPath := dbus.ObjectPath(dev.Path)

	// Listen for the FD before asking BlueZ to connect; it may arrive before
	// ConnectProfile returns.
	ch, err := prof.expect(devPath)
	if err != nil {
		return nil, connmgr.Peer{}, err
	}
	defer prof.forget(devPath, ch)

	devObj := bus.Object(bluezService, devPath)
	if err := ensurePaired(ctx, devObj); err != nil {
		return nil, connmgr.Peer{}, err
	}
	if call := devObj.CallWithContext(ctx, deviceIface+".ConnectProfile", 0, t.opts.ServiceUUID); call.Err != nil {
		return nil, connmgr.Peer{}, fmt.Errorf("bluez: ConnectProfile: %w", call.Err)
	}

	select {
	case <-ctx.Done():
		return nil, connmgr.Peer{}, fmt.Errorf("bluez: connect canceled: %w", ctx.Err())
	case res := <-ch:
		s, err := newStream(res.fd, "rfcomm:"+dev.MAC)
		if err != nil {
			return nil, connmgr.Peer{}, err
		}
		return s, connmgr.Peer{Address: address, Name: dev.DisplayName()}, nil
	}
}

// Accept waits for one inbound connection to the server profile.
func (t *Transport) Accept(ctx context.Context) (connmgr.Stream, connmgr.Peer, error) {
	bus, prof, err := t.serverProfile()
	if err != nil {
		return nil, connmgr.Peer{}, err
	}
	ch, err := prof.expectAny()
	if err != nil {
		return nil, connmgr.Peer{}, err
	}
	defer prof.forget("", ch)

	select {
	case <-ctx.Done():
		return nil, connmgr.Peer{}, fmt.Errorf("bluez: accept canceled: %w", ctx.Err())
	case res := <-ch:
		s, err := newStream(res.fd, "rfcomm:"+string(res.dev))
		if err != nil {
			return nil, connmgr.Peer{}, err
		}
		peer := connmgr.Peer{Address: macFromPath(res.dev)}
		// Best-effort: the name is cosmetic.
		if dev, err := deviceProperties(ctx, bus, res.dev); err == nil {
			peer.Address = dev.MAC
			peer.Name = dev.DisplayName()
		}
		return s, peer, nil
	}
}

// Scan discovers nearby devices advertising the service UUID until ctx is done
// and returns a snapshot list. Each returned Device has a non-empty Path.
func (t *Transport) Scan(ctx context.Context) ([]Device, error) {
	bus, err := t.conn()
	if err != nil {
		return nil, err
	}
	objs, err := getManagedObjects(ctx, bus)
	if err != nil {
		return nil, err
	}
	adapters := objs.adapters(t.opts.Adapter)
	if len(adapters) == 0 {
		return nil, ErrNoAdapter
	}
	// Start discovery on all adapters (best-effort); stop when done.
	for _, a := range adapters {
		_ = bus.Object(bluezService, a.path).Call(adapterIface+".StartDiscovery", 0).Err
		defer func(p dbus.ObjectPath) { _ = bus.Object(bluezService, p).Call(adapterIface+".StopDiscovery", 0).Err }(a.path)
	}

	// Prime from current managed objects.
	devMap := objs.devices(t.opts.ServiceUUID)

	// Subscribe to InterfacesAdded to catch new devices until ctx is done.
	sigCh := make(chan *dbus.Signal, 16)
	bus.Signal(sigCh)
	defer bus.RemoveSignal(sigCh)
	match := []dbus.MatchOption{
		dbus.WithMatchInterface(objManagerIface),
		dbus.WithMatchMember("InterfacesAdded"),
	}
	if err := bus.AddMatchSignal(match...); err != nil {
		return nil, fmt.Errorf("bluez: AddMatchSignal: %w", err)
	}
	defer func() { _ = bus.RemoveMatchSignal(match...) }()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case sig := <-sigCh:
			if sig == nil || len(sig.Body) < 2 {
				continue
			}
			path, _ := sig.Body[0].(dbus.ObjectPath)
			ifaces, _ := sig.Body[1].(map[string]map[string]dbus.Variant)
			if ifaces == nil {
				continue
			}
			if dev, ok := deviceFromIfaces(path, ifaces, t.opts.ServiceUUID); ok {
				devMap[dev.Path] = dev
			}
		}
	}

	out := make([]Device, 0, len(devMap))
	for _, d := range devMap {
		out = append(out, d)
	}
	return out, nil
}

// SetDiscoverable lets nearby devices find the local adapter for timeout, so
// they can connect to a listening session. Zero keeps it discoverable until
// changed.
func (t *Transport) SetDiscoverable(ctx context.Context, timeout time.Duration) error {
	bus, err := t.conn()
	if err != nil {
		return err
	}
	objs, err := getManagedObjects(ctx, bus)
	if err != nil {
		return err
	}
	calls := objs.discoverableCalls(t.opts.Adapter, timeout)
	if len(calls) == 0 {
		return ErrNoAdapter
	}
	for _, c := range calls {
		if call := bus.Object(bluezService, c.path).CallWithContext(ctx, propsIface+".Set", 0, c.iface, c.name, c.value); call.Err != nil {
			err = multierr.Append(err, fmt.Errorf("bluez: set %s on %s: %w", c.name, c.path, call.Err))
		}
	}
	if err == nil {
		t.log.Info("bluez: adapter discoverable", zap.Duration("timeout", timeout))
	}
	return err
}

// Close releases D-Bus objects and the bus connection. Safe for concurrent and
// redundant calls.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cleanup := t.cleanup
	t.cleanup = nil
	t.mu.Unlock()

	// Run cleanup outside the lock in reverse order of registration.
	for i := len(cleanup) - 1; i >= 0; i-- {
		cleanup[i]()
	}
	return nil
}

// resolveDevice maps an address or object path to a known Device1.
func (t *Transport) resolveDevice(ctx context.Context, bus *dbus.Conn, address string) (Device, error) {
	if strings.HasPrefix(address, "/") {
		dev, err := deviceProperties(ctx, bus, dbus.ObjectPath(address))
		if err != nil {
			return Device{}, err
		}
		return dev, nil
	}
	addr, err := ParseAddress(address)
	if err != nil {
		return Device{}, err
	}
	objs, err := getManagedObjects(ctx, bus)
	if err != nil {
		return Device{}, err
	}
	if dev, ok := objs.findDevice(addr, t.opts.Adapter); ok {
		return dev, nil
	}
	if t.opts.Adapter != "" {
		// Unknown to BlueZ yet; ConnectProfile on the derived path reports why.
		return Device{Path: string(devicePath(t.opts.Adapter, addr)), MAC: addr.String()}, nil
	}
	return Device{}, fmt.Errorf("bluez: device %s not found", addr)
}

func getManagedObjects(ctx context.Context, bus *dbus.Conn) (managedObjects, error) {
	var objs managedObjects
	obj := bus.Object(bluezService, dbus.ObjectPath("/"))
	if call := obj.CallWithContext(ctx, objManagerIface+".GetManagedObjects", 0); call.Err != nil {
		return nil, fmt.Errorf("bluez: GetManagedObjects: %w", call.Err)
	} else if err := call.Store(&objs); err != nil {
		return nil, fmt.Errorf("bluez: decode GetManagedObjects: %w", err)
	}
	return objs, nil
}

func deviceProperties(ctx context.Context, bus *dbus.Conn, path dbus.ObjectPath) (Device, error) {
	var props map[string]dbus.Variant
	call := bus.Object(bluezService, path).CallWithContext(ctx, propsIface+".GetAll", 0, deviceIface)
	if call.Err != nil {
		return Device{}, fmt.Errorf("bluez: device %s: %w", path, call.Err)
	}
	if err := call.Store(&props); err != nil {
		return Device{}, fmt.Errorf("bluez: decode device %s: %w", path, err)
	}
	dev, _ := deviceFromIfaces(path, map[string]map[string]dbus.Variant{deviceIface: props}, "")
	return dev, nil
}

// ensurePaired pairs the device if BlueZ reports it unpaired.
func ensurePaired(ctx context.Context, devObj dbus.BusObject) error {
	var paired dbus.Variant
	call := devObj.CallWithContext(ctx, propsIface+".Get", 0, deviceIface, "Paired")
	if call.Err != nil {
		return nil
	}
	if err := call.Store(&paired); err != nil {
		return nil
	}
	if b, ok := paired.Value().(bool); ok && !b {
		if err := devObj.CallWithContext(ctx, deviceIface+".Pair", 0).Err; err != nil {
			return fmt.Errorf("bluez: Pair: %w", err)
		}
	}
	return nil
}
