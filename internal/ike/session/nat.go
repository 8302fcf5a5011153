package session

import (
	"crypto/hmac"

	"github.com/pkg/errors"

	"github.com/syujy/ikesess/internal/ike/ikeerr"
	"github.com/syujy/ikesess/internal/ike/message"
	"github.com/syujy/ikesess/internal/ike/transport"
	"github.com/syujy/ikesess/internal/ike/types"
)

// detectNat compares the NAT detection notifies of the IKE_SA_INIT response
// with the addresses we know, and moves to NAT-T when they differ.
func (s *Session) detectNat(resp *message.Message) error {
	sc := s.sc
	srcs := resp.Payloads.NotifiesOf(types.NAT_DETECTION_SOURCE_IP)
	dst := resp.Payloads.Notify(types.NAT_DETECTION_DESTINATION_IP)
	if len(srcs) == 0 && dst == nil {
		s.log.Debug("Peer does not support NAT detection")
		return nil
	}
	ispi, rspi := resp.InitiatorSPI, resp.ResponderSPI

	if dst != nil {
		local := message.NatDetectionData(ispi, rspi, sc.localAddr.IP, uint16(sc.localAddr.Port))
		sc.localNat = !hmac.Equal(local, dst.NotificationData)
	}
	remote := message.NatDetectionData(ispi, rspi, sc.remoteAddr.IP, uint16(sc.remoteAddr.Port))
	sc.remoteNat = len(srcs) > 0
	for _, n := range srcs {
		if hmac.Equal(remote, n.NotificationData) {
			sc.remoteNat = false
			break
		}
	}
	if !sc.localNat && !sc.remoteNat {
		return nil
	}
	s.log.Infof("NAT detected, local: %t, remote: %t", sc.localNat, sc.remoteNat)
	if sc.remoteAddr.IP.To4() == nil {
		// NAT-T is only done over IPv4
		return nil
	}
	return s.switchToEncap()
}

// switchToEncap moves every IKE SA of the session to the NAT-T socket.
func (s *Session) switchToEncap() error {
	sc := s.sc
	encap, err := s.deps.Provider.Get(true)
	if err != nil {
		return ikeerr.Internal(errors.Wrap(err, "NAT-T socket"))
	}
	old := sc.socket
	var moved []uint64
	for spi := range sc.records {
		if err := encap.RegisterSPI(spi, s.receive); err != nil {
			for _, m := range moved {
				encap.UnregisterSPI(m)
			}
			s.deps.Provider.Release(encap)
			return ikeerr.Internal(err)
		}
		moved = append(moved, spi)
	}
	for spi := range sc.records {
		old.UnregisterSPI(spi)
	}
	s.deps.Provider.Release(old)
	sc.socket = encap

	sc.remoteAddr.Port = types.NATTPort
	sc.localAddr.Port = int(encap.LocalPort())
	sc.ikeCtx.Encap = true
	sc.ikeCtx.LocalPort = sc.localAddr.Port
	sc.ikeCtx.RemotePort = types.NATTPort

	sc.keepalive = transport.NewKeepalive(encap, sc.remoteAddr, s.sched, s.params.NattKeepaliveDelay)
	sc.keepalive.Start()
	return nil
}
