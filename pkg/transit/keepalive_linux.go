package transit

import (
	"net"

	"golang.org/x/sys/unix"
)

// SetKeepAlive enables keepalive probes on c with the parameters used on the
// transit socket and accepted downstream TCP flows: first probe after 35s,
// then every 30s, giving up after 10 failures (roughly 5 minutes total).
func SetKeepAlive(c *net.TCPConn) error {
	if err := c.SetKeepAlive(true); err != nil {
		return err
	}
	raw, err := c.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	err = raw.Control(func(fd uintptr) {
		if serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, 35); serr != nil {
			return
		}
		if serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, 30); serr != nil {
			return
		}
		serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_KEEPCNT, 10)
	})
	if err != nil {
		return err
	}
	return serr
}
