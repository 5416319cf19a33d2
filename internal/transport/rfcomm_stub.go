//go:build !linux

package transport

import (
	"context"
	"fmt"
	"os"
)

func dialRFCOMM(ctx context.Context, addr [6]byte, channel uint8) (*os.File, error) {
	return nil, fmt.Errorf("rfcomm sockets not supported on this platform")
}
