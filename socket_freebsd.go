//go:build freebsd

package netbroker

import "golang.org/x/sys/unix"

// tuneListenFd mirrors socket_linux.go; FreeBSD spells the
// keepalive-idle-time option TCP_KEEPIDLE as Linux does, but with its
// own numeric value, taken from the freebsd-specific unix build.
func tuneListenFd(fd uintptr) error {
	if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return err
	}
	if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, 60); err != nil {
		return err
	}
	return nil
}
