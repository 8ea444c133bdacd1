//go:build linux

package transmit

import (
	"net"

	"golang.org/x/sys/unix"
)

// smallMaxSegment is small enough to force the SNI split point into
// its own TCP segment on typical network-path MTUs, without being so
// small that it fragments unrelated small requests pathologically.
const smallMaxSegment = 40

// setSmallMaxSegment clamps the connection's TCP_MAXSEG so the kernel
// cannot pack a full fragment's worth of the first flight into one
// segment, even if SetNoDelay alone would have let it.
func setSmallMaxSegment(conn *net.TCPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_MAXSEG, smallMaxSegment)
	})
	if err != nil {
		return err
	}
	return sockErr
}
