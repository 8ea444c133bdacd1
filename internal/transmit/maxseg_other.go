//go:build !linux

package transmit

import "net"

// setSmallMaxSegment is a no-op outside Linux: TCP_MAXSEG is not
// exposed in a portable way, so ForceSmallMSS relies on SetNoDelay and
// fragment pacing alone on these platforms.
func setSmallMaxSegment(conn *net.TCPConn) error {
	return nil
}
