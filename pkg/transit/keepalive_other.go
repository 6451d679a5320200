//go:build !linux

package transit

import (
	"net"
	"time"
)

// SetKeepAlive enables keepalive probes on c. The per-probe parameters are
// only tunable through the portable API as a single period.
func SetKeepAlive(c *net.TCPConn) error {
	if err := c.SetKeepAlive(true); err != nil {
		return err
	}
	return c.SetKeepAlivePeriod(35 * time.Second)
}
