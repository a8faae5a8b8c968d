//go:build linux

package netbroker

import "golang.org/x/sys/unix"

// tuneListenFd sets SO_REUSEADDR (fast restart after a crash) and a
// 60-second TCP keepalive idle time (TCP_KEEPIDLE) on the listening
// socket. It does not set SO_KEEPALIVE itself.
func tuneListenFd(fd uintptr) error {
	if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return err
	}
	if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, 60); err != nil {
		return err
	}
	return nil
}
