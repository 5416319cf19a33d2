package transport

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// SerialPortProfileUUID is the Bluetooth SPP service class.
const SerialPortProfileUUID = "00001101-0000-1000-8000-00805f9b34fb"

// RFCOMMConfig holds configuration for direct RFCOMM sockets.
type RFCOMMConfig struct {
	Adapter string `yaml:"adapter" json:"adapter"` // BlueZ adapter, e.g. hci0
	Channel int    `yaml:"channel" json:"channel"` // SPP channel, 1-30
}

// RFCOMMCapability dials a paired receiver's serial port profile over an
// RFCOMM socket. The device id is its Bluetooth address (AA:BB:CC:DD:EE:FF).
type RFCOMMCapability struct {
	cfg   RFCOMMConfig
	bluez *BlueZ
	log   *zap.Logger
}

// NewRFCOMM creates an RFCOMM capability.
func NewRFCOMM(cfg RFCOMMConfig, bluez *BlueZ, log *zap.Logger) *RFCOMMCapability {
	if cfg.Adapter == "" {
		cfg.Adapter = "hci0"
	}
	if cfg.Channel <= 0 || cfg.Channel > 30 {
		cfg.Channel = 1
	}
	return &RFCOMMCapability{cfg: cfg, bluez: bluez, log: log}
}

func (c *RFCOMMCapability) Name() string { return "rfcomm" }

// ListenEnabled asks BlueZ whether the adapter is powered. Without a
// reachable system bus it falls back to the adapter's sysfs entry.
func (c *RFCOMMCapability) ListenEnabled() bool {
	if c.bluez != nil {
		powered, err := c.bluez.Powered()
		if err == nil {
			return powered
		}
		c.log.Debug("rfcomm: bluez unavailable, checking sysfs", zap.Error(err))
	}
	_, err := os.Stat("/sys/class/bluetooth/" + c.cfg.Adapter)
	return err == nil
}

func (c *RFCOMMCapability) Connect(ctx context.Context, deviceID string) (Stream, error) {
	addr, err := ParseAddress(deviceID)
	if err != nil {
		return nil, &Error{Op: "connect", Device: deviceID, Err: err}
	}
	f, err := dialRFCOMM(ctx, addr, uint8(c.cfg.Channel))
	if err != nil {
		return nil, &Error{Op: "connect", Device: deviceID, Err: err}
	}
	c.log.Info("rfcomm: connected", zap.String("device", deviceID), zap.Int("channel", c.cfg.Channel))
	return f, nil
}

// ParseAddress parses a colon-separated Bluetooth address into its six
// bytes, most significant first.
func ParseAddress(s string) ([6]byte, error) {
	var addr [6]byte
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 6 {
		return addr, fmt.Errorf("bad bluetooth address %q", s)
	}
	for i, p := range parts {
		if len(p) != 2 {
			return addr, fmt.Errorf("bad bluetooth address %q", s)
		}
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return addr, fmt.Errorf("bad bluetooth address %q", s)
		}
		addr[i] = byte(v)
	}
	return addr, nil
}
