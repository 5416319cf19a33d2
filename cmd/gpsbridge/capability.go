package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/shaunagostinho/gpsbridge/internal/config"
	"github.com/shaunagostinho/gpsbridge/internal/server"
	"github.com/shaunagostinho/gpsbridge/internal/transport"
)

// newCapability builds the transport named by name. devices is nil unless
// the transport can list paired receivers.
func newCapability(name string, cfg *config.Config, log *zap.Logger) (transport.Capability, server.DeviceLister, error) {
	switch name {
	case "rfcomm":
		bluez := transport.NewBlueZ(cfg.GPS.Bluetooth.Adapter)
		return transport.NewRFCOMM(cfg.GPS.Bluetooth, bluez, log.Named("rfcomm")), bluez, nil
	case "serial":
		return transport.NewSerial(cfg.GPS.Serial, log.Named("serial")), nil, nil
	case "demo":
		return transport.NewDemo(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown gps transport %q (want rfcomm, serial or demo)", name)
	}
}
