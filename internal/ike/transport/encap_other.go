//go:build !linux

package transport

import "net"

func setUDPEncap(conn *net.UDPConn) error {
	return nil
}
