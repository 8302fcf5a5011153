package transport

import (
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// setUDPEncap lets the kernel decapsulate ESP in UDP received on the NAT-T
// socket and pass the IKE packets (non-ESP marker) up to us.
func setUDPEncap(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return errors.Wrap(err, "Setting UDP encap flag failed")
	}
	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_UDP, unix.UDP_ENCAP, unix.UDP_ENCAP_ESPINUDP)
	}); err != nil {
		return errors.Wrap(err, "Setting UDP encap flag failed")
	}
	if sockErr != nil {
		return errors.Wrap(sockErr, "Set socket options failed")
	}
	return nil
}
