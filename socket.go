package netbroker

import "syscall"

// tuneListenControl is passed as net.ListenConfig.Control for the
// Manager's listening socket. The per-OS tuning itself lives in
// socket_linux.go/socket_freebsd.go, continuing the teacher's own
// build-tag split (system-linux.go/system-freebsd.go) but applied to
// listener setup instead of a monotonic clock syscall.
func tuneListenControl(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = tuneListenFd(fd)
	})
	if err != nil {
		return err
	}
	return sockErr
}
