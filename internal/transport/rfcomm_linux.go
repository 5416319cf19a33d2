//go:build linux

package transport

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// dialRFCOMM connects a non-blocking RFCOMM socket. The returned file is
// registered with the runtime poller, so Close interrupts a blocked Read.
func dialRFCOMM(ctx context.Context, addr [6]byte, channel uint8) (*os.File, error) {
	fd, err := unix.Socket(unix.AF_BLUETOOTH, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.BTPROTO_RFCOMM)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	ok := false
	defer func() {
		if !ok {
			_ = unix.Close(fd)
		}
	}()

	// The kernel wants the address least significant byte first.
	sa := &unix.SockaddrRFCOMM{Channel: channel}
	for i := range addr {
		sa.Addr[i] = addr[len(addr)-1-i]
	}

	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err == unix.EINPROGRESS {
		if err := waitWritable(ctx, fd); err != nil {
			return nil, err
		}
		soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			return nil, fmt.Errorf("getsockopt: %w", err)
		}
		if soErr != 0 {
			return nil, fmt.Errorf("connect: %w", unix.Errno(soErr))
		}
	}

	f := os.NewFile(uintptr(fd), fmt.Sprintf("rfcomm:%02X:%02X:%02X:%02X:%02X:%02X/%d",
		addr[0], addr[1], addr[2], addr[3], addr[4], addr[5], channel))
	if f == nil {
		return nil, fmt.Errorf("os.NewFile failed")
	}
	ok = true
	return f, nil
}

// waitWritable polls in short slices so ctx cancellation is noticed.
func waitWritable(ctx context.Context, fd int) error {
	const slice = 100 * time.Millisecond
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := unix.Poll(fds, int(slice/time.Millisecond))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}
		if n > 0 {
			return nil
		}
	}
}
