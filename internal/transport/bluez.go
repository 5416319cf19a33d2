package transport

import (
	"fmt"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	bluezBus          = "org.bluez"
	bluezAdapter1     = "org.bluez.Adapter1"
	bluezDevice1      = "org.bluez.Device1"
	dbusObjectManager = "org.freedesktop.DBus.ObjectManager"
)

// BlueZ reads adapter and device state from the BlueZ daemon over the
// system DBus. Discovery and pairing are left to the platform.
type BlueZ struct {
	adapter string
}

// Device is a Bluetooth device known to BlueZ.
type Device struct {
	Address   string `json:"address"`
	Name      string `json:"name"`
	Paired    bool   `json:"paired"`
	Connected bool   `json:"connected"`
	SPP       bool   `json:"spp"` // Advertises the serial port profile
}

// NewBlueZ returns a BlueZ reader for the named adapter (default hci0).
func NewBlueZ(adapter string) *BlueZ {
	if adapter == "" {
		adapter = "hci0"
	}
	return &BlueZ{adapter: adapter}
}

func (b *BlueZ) adapterPath() dbus.ObjectPath {
	return dbus.ObjectPath("/org/bluez/" + b.adapter)
}

// Powered reports the adapter's Powered property.
func (b *BlueZ) Powered() (bool, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return false, fmt.Errorf("bluez: system bus: %w", err)
	}
	v, err := conn.Object(bluezBus, b.adapterPath()).GetProperty(bluezAdapter1 + ".Powered")
	if err != nil {
		return false, fmt.Errorf("bluez: %s powered: %w", b.adapter, err)
	}
	powered, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("bluez: %s powered has type %s", b.adapter, v.Signature())
	}
	return powered, nil
}

// PairedDevices lists the paired devices on the adapter, sorted by address.
func (b *BlueZ) PairedDevices() ([]Device, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("bluez: system bus: %w", err)
	}
	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	if err := conn.Object(bluezBus, "/").Call(dbusObjectManager+".GetManagedObjects", 0).Store(&objects); err != nil {
		return nil, fmt.Errorf("bluez: managed objects: %w", err)
	}
	return devicesFromObjects(objects, b.adapterPath()), nil
}

func devicesFromObjects(objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant, adapter dbus.ObjectPath) []Device {
	var out []Device
	prefix := string(adapter) + "/"
	for path, ifaces := range objects {
		props, ok := ifaces[bluezDevice1]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		d := Device{
			Address:   variantString(props["Address"]),
			Name:      variantString(props["Alias"]),
			Paired:    variantBool(props["Paired"]),
			Connected: variantBool(props["Connected"]),
		}
		if d.Name == "" {
			d.Name = variantString(props["Name"])
		}
		if !d.Paired {
			continue
		}
		if uuids, ok := props["UUIDs"].Value().([]string); ok {
			for _, u := range uuids {
				if strings.EqualFold(u, SerialPortProfileUUID) {
					d.SPP = true
				}
			}
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func variantString(v dbus.Variant) string {
	s, _ := v.Value().(string)
	return s
}

func variantBool(v dbus.Variant) bool {
	b, _ := v.Value().(bool)
	return b
}
