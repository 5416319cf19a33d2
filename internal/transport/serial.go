package transport

import (
	"context"
	"fmt"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

// SerialConfig holds configuration for serial-port receivers.
type SerialConfig struct {
	BaudRate    int           `yaml:"baud_rate" json:"baudRate"`
	ReadTimeout time.Duration `yaml:"read_timeout" json:"readTimeout"`
}

// SerialCapability opens receivers exposed as serial ports: an RFCOMM
// binding such as /dev/rfcomm0, or a USB/UART GPS. The device id is the
// port path.
type SerialCapability struct {
	cfg SerialConfig
	log *zap.Logger
}

// NewSerial creates a serial capability.
func NewSerial(cfg SerialConfig, log *zap.Logger) *SerialCapability {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600 // Standard NMEA default
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 200 * time.Millisecond
	}
	return &SerialCapability{cfg: cfg, log: log}
}

func (c *SerialCapability) Name() string { return "serial" }

func (c *SerialCapability) ListenEnabled() bool {
	ports, err := serial.GetPortsList()
	if err != nil {
		c.log.Warn("serial: list ports", zap.Error(err))
		return false
	}
	return len(ports) > 0
}

func (c *SerialCapability) Connect(ctx context.Context, deviceID string) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Op: "connect", Device: deviceID, Err: err}
	}
	mode := &serial.Mode{
		BaudRate: c.cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(deviceID, mode)
	if err != nil {
		return nil, &Error{Op: "connect", Device: deviceID, Err: fmt.Errorf("open at %d baud: %w", c.cfg.BaudRate, err)}
	}
	// Reads return (0, nil) on timeout; the link layer treats that as no data.
	if err := port.SetReadTimeout(c.cfg.ReadTimeout); err != nil {
		_ = port.Close()
		return nil, &Error{Op: "connect", Device: deviceID, Err: err}
	}
	c.log.Info("serial: opened", zap.String("port", deviceID), zap.Int("baud", c.cfg.BaudRate))
	return port, nil
}
