package bluez

import (
	"sort"
	"strings"
	"time"

	dbus "github.com/godbus/dbus/v5"
)

const (
	bluezService         = "org.bluez"
	profileInterfaceName = "org.bluez.Profile1"
	profileManagerIface  = "org.bluez.ProfileManager1"
	deviceIface          = "org.bluez.Device1"
	adapterIface         = "org.bluez.Adapter1"
	objManagerIface      = "org.freedesktop.DBus.ObjectManager"
	propsIface           = "org.freedesktop.DBus.Properties"
)

// managedObjects is the reply shape of ObjectManager.GetManagedObjects.
type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

type adapterInfo struct {
	path        dbus.ObjectPath
	discovering bool
}

// adapters lists Adapter1 objects, restricted to name (e.g. "hci0") when set.
func (objs managedObjects) adapters(name string) []adapterInfo {
	var out []adapterInfo
	for path, ifaces := range objs {
		props, ok := ifaces[adapterIface]
		if !ok {
			continue
		}
		if name != "" && path != adapterPath(name) {
			continue
		}
		a := adapterInfo{path: path}
		if v, ok := props["Discovering"]; ok {
			a.discovering, _ = v.Value().(bool)
		}
		out = append(out, a)
	}
	return out
}

// propertySet is one org.freedesktop.DBus.Properties.Set call.
type propertySet struct {
	path  dbus.ObjectPath
	iface string
	name  string
	value dbus.Variant
}

// discoverableCalls makes the selected adapters visible to inquiry scans for
// timeout, rounded down to whole seconds; zero means until changed. The timeout
// goes first because BlueZ starts the countdown when Discoverable flips.
func (objs managedObjects) discoverableCalls(adapter string, timeout time.Duration) []propertySet {
	adapters := objs.adapters(adapter)
	sort.Slice(adapters, func(i, j int) bool { return adapters[i].path < adapters[j].path })

	secs := uint32(timeout / time.Second)
	var out []propertySet
	for _, a := range adapters {
		out = append(out,
			propertySet{path: a.path, iface: adapterIface, name: "DiscoverableTimeout", value: dbus.MakeVariant(secs)},
			propertySet{path: a.path, iface: adapterIface, name: "Discoverable", value: dbus.MakeVariant(true)},
		)
	}
	return out
}

// devices returns every Device1 advertising uuid, keyed by path. An empty uuid
// matches every device.
func (objs managedObjects) devices(uuid string) map[string]Device {
	out := make(map[string]Device)
	for path, ifaces := range objs {
		if dev, ok := deviceFromIfaces(path, ifaces, uuid); ok {
			out[dev.Path] = dev
		}
	}
	return out
}

// findDevice resolves a device address to its Device1 object. When adapter is
// set, only devices under that adapter qualify.
func (objs managedObjects) findDevice(addr Address, adapter string) (Device, bool) {
	prefix := string(adapterPath(adapter)) + "/"
	for path, ifaces := range objs {
		dev, ok := deviceFromIfaces(path, ifaces, "")
		if !ok || !strings.EqualFold(dev.MAC, addr.String()) {
			continue
		}
		if adapter != "" && !strings.HasPrefix(dev.Path, prefix) {
			continue
		}
		return dev, true
	}
	return Device{}, false
}

func deviceFromIfaces(path dbus.ObjectPath, ifaces map[string]map[string]dbus.Variant, uuid string) (Device, bool) {
	props, ok := ifaces[deviceIface]
	if !ok {
		return Device{}, false
	}
	if uuid != "" {
		vUUIDs, ok := props["UUIDs"]
		if !ok {
			return Device{}, false
		}
		uu, _ := vUUIDs.Value().([]string)
		if !containsUUID(uu, uuid) {
			return Device{}, false
		}
	}
	var mac, name, alias string
	if v, ok := props["Address"]; ok {
		mac, _ = v.Value().(string)
	}
	if v, ok := props["Name"]; ok {
		name, _ = v.Value().(string)
	}
	if v, ok := props["Alias"]; ok {
		alias, _ = v.Value().(string)
	}
	if mac == "" {
		mac = macFromPath(path)
	}
	return Device{
		Path:  string(path),
		MAC:   mac,
		Name:  name,
		Alias: alias,
	}, true
}

func containsUUID(list []string, target string) bool {
	for _, s := range list {
		if strings.EqualFold(s, target) {
			return true
		}
	}
	return false
}

func macFromPath(p dbus.ObjectPath) string {
	s := string(p)
	// Expect .../dev_XX_XX_XX_XX_XX_XX
	idx := strings.LastIndex(s, "/dev_")
	if idx < 0 {
		return ""
	}
	return strings.ReplaceAll(s[idx+5:], "_", ":")
}

func adapterPath(name string) dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + name)
}

// devicePath builds the object path BlueZ uses for addr under adapter.
func devicePath(adapter string, addr Address) dbus.ObjectPath {
	return dbus.ObjectPath(string(adapterPath(adapter)) + "/dev_" + strings.ReplaceAll(addr.String(), ":", "_"))
}
