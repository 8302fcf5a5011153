package session

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/syujy/ikesess/internal/ike/codec"
	"github.com/syujy/ikesess/internal/ike/eap"
	"github.com/syujy/ikesess/internal/ike/ikeerr"
	"github.com/syujy/ikesess/internal/ike/message"
	"github.com/syujy/ikesess/internal/ike/sa"
	"github.com/syujy/ikesess/internal/ike/scheduler"
	"github.com/syujy/ikesess/internal/ike/security"
	"github.com/syujy/ikesess/internal/ike/types"
)

const (
	resolveTimeout = 10 * time.Second
	maxCookieTries = 2
)

// initExchange holds what IKE_SA_INIT needs until the IKE SA exists.
type initExchange struct {
	spi     uint64
	ni      []byte
	ke      security.KeyExchange
	reqSA   *message.SecurityAssociation
	cookie  []byte
	request []byte

	keRetried   bool
	cookieTries int
}

// authExchange holds what IKE_AUTH needs across its round trips.
type authExchange struct {
	rec          *sa.IkeSaRecord
	initRequest  []byte
	initResponse []byte
	idi          *message.Identification
	idr          *message.Identification
	eap          eap.Authenticator
}

func (s *Session) startCreateIke() {
	if err := s.setupTransport(); err != nil {
		s.quit(err)
		return
	}
	init, err := s.newInitExchange()
	if err != nil {
		s.quit(err)
		return
	}
	s.transitionTo(&stateCreateIkeLocalIkeInit{init: init})
	if err := s.sendInitRequest(init); err != nil {
		s.fatal(err)
	}
}

// setupTransport resolves the server and binds the session to the plain IKE
// socket.
func (s *Session) setupTransport() error {
	host, port := s.params.Server, types.IKEPort
	if h, p, err := net.SplitHostPort(s.params.Server); err == nil {
		n, err := strconv.Atoi(p)
		if err != nil {
			return ikeerr.Internal(errors.Wrapf(err, "server port %q", p))
		}
		host, port = h, n
	}
	remote, err := s.resolve(host)
	if err != nil {
		return ikeerr.Internal(err)
	}
	local, err := s.deps.LocalAddress(remote)
	if err != nil {
		return ikeerr.Internal(errors.Wrapf(err, "no route to %s", remote))
	}
	socket, err := s.deps.Provider.Get(false)
	if err != nil {
		return ikeerr.Internal(errors.Wrap(err, "IKE socket"))
	}
	sc := s.sc
	sc.socket = socket
	sc.remoteAddr = &net.UDPAddr{IP: remote, Port: port}
	sc.localAddr = &net.UDPAddr{IP: local, Port: int(socket.LocalPort())}
	sc.ikeCtx.LocalAddr = local
	sc.ikeCtx.RemoteAddr = remote
	sc.ikeCtx.LocalPort = sc.localAddr.Port
	sc.ikeCtx.RemotePort = port
	s.log.Infof("Connecting to %s from %s", sc.remoteAddr, sc.localAddr)
	return nil
}

// resolve prefers an IPv4 address of host.
func (s *Session) resolve(host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return ip, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), resolveTimeout)
	defer cancel()
	ips, err := s.deps.Resolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", host)
	}
	if len(ips) == 0 {
		return nil, errors.Errorf("no address for %s", host)
	}
	for _, ip := range ips {
		if ip.To4() != nil {
			return ip, nil
		}
	}
	return ips[0], nil
}

func (s *Session) newInitExchange() (*initExchange, error) {
	if len(s.params.Proposals) == 0 || len(s.params.Proposals[0].DiffieHellmanGroup) == 0 {
		return nil, ikeerr.Internalf("no IKE proposal with DH group configured")
	}
	spi, err := s.allocateSPI()
	if err != nil {
		return nil, err
	}
	ni, err := security.GenerateNonce(s.deps.Rand)
	if err != nil {
		return nil, ikeerr.Internal(err)
	}
	ke, err := security.NewKeyExchange(s.params.Proposals[0].DiffieHellmanGroup[0].ID, s.deps.Rand)
	if err != nil {
		return nil, ikeerr.Internal(err)
	}
	reqSA := new(message.SecurityAssociation)
	for i, p := range s.params.Proposals {
		reqSA.Proposals = append(reqSA.Proposals, p.Clone(uint8(i+1), nil))
	}
	return &initExchange{spi: spi, ni: ni, ke: ke, reqSA: reqSA}, nil
}

func (s *Session) sendInitRequest(init *initExchange) error {
	sc := s.sc
	var payloads message.Payloads
	if init.cookie != nil {
		payloads = append(payloads, message.NewNotify(types.COOKIE, init.cookie))
	}
	payloads = append(payloads,
		init.reqSA,
		&message.KeyExchange{DiffieHellmanGroup: init.ke.Group(), KeyExchangeData: init.ke.PublicValue()},
		&message.Nonce{NonceData: init.ni},
		message.NewNotify(types.NAT_DETECTION_SOURCE_IP,
			message.NatDetectionData(init.spi, 0, sc.localAddr.IP, uint16(sc.localAddr.Port))),
		message.NewNotify(types.NAT_DETECTION_DESTINATION_IP,
			message.NatDetectionData(init.spi, 0, sc.remoteAddr.IP, uint16(sc.remoteAddr.Port))),
	)
	if s.params.Fragmentation {
		payloads = append(payloads, message.NewNotify(types.FRAGMENTATION_SUPPORTED, nil))
	}
	msg := message.NewMessage(init.spi, 0, types.IKE_SA_INIT, false, true, 0, payloads...)
	packet, err := codec.EncodeUnencrypted(msg)
	if err != nil {
		return ikeerr.Internal(err)
	}
	init.request = packet
	s.log.Debug("Send IKE_SA_INIT request")
	s.startRetransmitter(func() { s.sc.socket.Send(packet, s.sc.remoteAddr) })
	return nil
}

func (s *Session) handleInitResponse(st *stateCreateIkeLocalIkeInit, packet []byte) {
	init := st.init
	msg, err := codec.DecodeUnencrypted(packet)
	if err != nil {
		s.log.Warnf("Drop IKE_SA_INIT response: %v", err)
		return
	}
	s.stopRetransmitter()
	resp := msg.Payloads

	if n := resp.Notify(types.COOKIE); n != nil {
		if init.cookieTries >= maxCookieTries {
			s.fatal(ikeerr.Internalf("peer keeps requesting cookies"))
			return
		}
		init.cookieTries++
		init.cookie = n.NotificationData
		s.log.Info("Retry IKE_SA_INIT with cookie")
		if err := s.sendInitRequest(init); err != nil {
			s.fatal(err)
		}
		return
	}
	if n := resp.Notify(types.INVALID_KE_PAYLOAD); n != nil {
		s.retryInitWithGroup(init, n.NotificationData)
		return
	}
	if errs := resp.ErrorNotifies(); len(errs) > 0 {
		s.fatal(ikeerr.FromNotify(errs[0].NotifyType, errs[0].NotificationData))
		return
	}
	rec, err := s.makeFirstIkeSa(init, msg)
	if err != nil {
		s.fatal(err)
		return
	}
	sc := s.sc
	if err := sc.addIkeSaRecord(rec); err != nil {
		rec.Close()
		s.fatal(err)
		return
	}
	sc.current = rec
	sc.fragmentation = s.params.Fragmentation && resp.Notify(types.FRAGMENTATION_SUPPORTED) != nil
	sc.vendorIDs = resp.VendorIDs()
	sc.ikeCtx.Prf = rec.Suite.Prf
	if err := s.detectNat(msg); err != nil {
		s.fatal(err)
		return
	}
	s.sendAuthRequest(&authExchange{rec: rec, initRequest: init.request, initResponse: packet})
}

func (s *Session) retryInitWithGroup(init *initExchange, data []byte) {
	if init.keRetried || len(data) != 2 {
		s.fatal(ikeerr.InvalidSyntax("unexpected INVALID_KE_PAYLOAD"))
		return
	}
	group := uint16(data[0])<<8 | uint16(data[1])
	offered := false
	for _, p := range init.reqSA.Proposals {
		for _, t := range p.DiffieHellmanGroup {
			offered = offered || t.ID == group
		}
	}
	if !offered || !security.IsSupportedGroup(group) {
		s.fatal(ikeerr.NoProposalChosen("peer asked for DH group %d that was not offered", group))
		return
	}
	ke, err := security.NewKeyExchange(group, s.deps.Rand)
	if err != nil {
		s.fatal(ikeerr.Internal(err))
		return
	}
	s.log.Infof("Retry IKE_SA_INIT with DH group %d", group)
	init.ke = ke
	init.keRetried = true
	if err := s.sendInitRequest(init); err != nil {
		s.fatal(err)
	}
}

func (s *Session) makeFirstIkeSa(init *initExchange, msg *message.Message) (*sa.IkeSaRecord, error) {
	resp := msg.Payloads
	if msg.ResponderSPI == 0 {
		return nil, ikeerr.InvalidSyntax("IKE_SA_INIT response without responder SPI")
	}
	if resp.SA() == nil || resp.KE() == nil || resp.Nonce() == nil {
		return nil, ikeerr.InvalidSyntax("IKE_SA_INIT response misses SA, KE or Nonce")
	}
	chosen, err := security.ValidateResponseProposal(resp.SA(), init.reqSA)
	if err != nil {
		return nil, err
	}
	suite, err := security.NewSuite(chosen)
	if err != nil {
		return nil, err
	}
	ke := resp.KE()
	if ke.DiffieHellmanGroup != suite.DhGroup || init.ke.Group() != suite.DhGroup {
		return nil, ikeerr.InvalidSyntax("KE group %d does not match the chosen group %d",
			ke.DiffieHellmanGroup, suite.DhGroup)
	}
	shared, err := init.ke.SharedSecret(ke.KeyExchangeData)
	if err != nil {
		return nil, ikeerr.InvalidSyntax("%v", err)
	}
	rec, err := sa.MakeFirstIkeSaRecord(&sa.IkeSaParams{
		IsLocalInit:  true,
		InitiatorSPI: init.spi,
		ResponderSPI: msg.ResponderSPI,
		Ni:           init.ni,
		Nr:           resp.Nonce().NonceData,
		SharedKey:    shared,
		Suite:        suite,
		OnClose:      s.releaseSPI(init.spi),
	})
	if err != nil {
		return nil, ikeerr.Internal(err)
	}
	// IKE_SA_INIT used message ID 0
	rec.IncrementLocalRequestMessageID()
	return rec, nil
}

func (s *Session) sendAuthRequest(auth *authExchange) {
	sc, rec := s.sc, auth.rec
	auth.idi = s.params.LocalID.payload(true)
	payloads := message.Payloads{auth.idi}
	if s.params.RemoteID.Type != IDAny {
		payloads = append(payloads, s.params.RemoteID.payload(false))
	}
	switch s.params.Auth {
	case AuthEAP:
		if s.deps.EapFactory == nil {
			s.fatal(ikeerr.Internalf("EAP authentication without EAP method"))
			return
		}
		auth.eap = s.deps.EapFactory()
		payloads = append(payloads, message.NewNotify(types.EAP_ONLY_AUTHENTICATION, nil))
	default:
		payloads = append(payloads, s.localAuth(auth, s.params.PSK, rec.LocalSkP()))
	}
	if len(s.params.ConfigRequests) > 0 {
		cp := &message.Configuration{ConfigurationType: types.CFG_REQUEST}
		for _, t := range s.params.ConfigRequests {
			cp.BuildAttribute(t, nil)
		}
		payloads = append(payloads, cp)
	}
	childPayloads, err := sc.firstChild.FirstChildRequestPayloads(sc.ikeCtx, rec.SkD)
	if err != nil {
		s.fatal(ikeerr.Internal(err))
		return
	}
	payloads = append(payloads, childPayloads...)

	s.transitionTo(&stateCreateIkeLocalIkeAuth{auth: auth})
	if err := s.sendRequest(rec, types.IKE_AUTH, payloads); err != nil {
		s.fatal(err)
	}
}

// localAuth signs our IKE_SA_INIT request with secret. skP keys the
// identity MAC, it's SK_pi unless an MSK replaces it.
func (s *Session) localAuth(auth *authExchange, secret, skP []byte) *message.Authentication {
	prf := auth.rec.Suite.Prf
	octets := security.SignedOctets(prf, auth.initRequest, auth.rec.Nr, skP, auth.idi.Body())
	return &message.Authentication{
		AuthenticationMethod: types.SharedKeyMesageIntegrityCode,
		AuthenticationData:   security.SharedKeyAuth(prf, secret, octets),
	}
}

func (s *Session) verifyRemoteAuth(auth *authExchange, a *message.Authentication, secret, skP []byte) error {
	if a == nil {
		return ikeerr.AuthenticationFailed("AUTH payload missing")
	}
	if a.AuthenticationMethod != types.SharedKeyMesageIntegrityCode {
		return ikeerr.AuthenticationFailed("unsupported AUTH method %d", a.AuthenticationMethod)
	}
	prf := auth.rec.Suite.Prf
	octets := security.SignedOctets(prf, auth.initResponse, auth.rec.Ni, skP, auth.idr.Body())
	if !security.VerifySharedKeyAuth(prf, secret, octets, a.AuthenticationData) {
		return ikeerr.AuthenticationFailed("AUTH payload mismatch")
	}
	return nil
}

// fatalAuthError returns the first error notify that fails the IKE SA.
// Child errors only fail the first Child SA.
func fatalAuthError(resp message.Payloads) error {
	for _, n := range resp.ErrorNotifies() {
		switch n.NotifyType {
		case types.NO_PROPOSAL_CHOSEN, types.TS_UNACCEPTABLE, types.SINGLE_PAIR_REQUIRED,
			types.INTERNAL_ADDRESS_FAILURE, types.FAILED_CP_REQUIRED:
		default:
			return ikeerr.FromNotify(n.NotifyType, n.NotificationData)
		}
	}
	return nil
}

func (s *Session) handleAuthResponse(auth *authExchange, msg *message.Message) {
	resp := msg.Payloads
	if err := fatalAuthError(resp); err != nil {
		s.fatal(err)
		return
	}
	idr := resp.IDr()
	if idr == nil {
		s.fatal(ikeerr.AuthenticationFailed("IDr payload missing"))
		return
	}
	want := s.params.RemoteID
	if want.Type != IDAny && (idr.IDType != want.Type || !bytes.Equal(idr.IDData, want.Data)) {
		s.fatal(ikeerr.AuthenticationFailed("unexpected peer identity"))
		return
	}
	auth.idr = idr

	if auth.eap != nil {
		s.transitionTo(&stateCreateIkeLocalIkeAuthInEap{auth: auth})
		s.processEap(auth, resp)
		return
	}
	if err := s.verifyRemoteAuth(auth, resp.Auth(), s.params.PSK, auth.rec.RemoteSkP()); err != nil {
		s.fatal(err)
		return
	}
	s.completeIkeAuth(auth, resp)
}

func (s *Session) handleEapResponse(auth *authExchange, msg *message.Message) {
	if err := fatalAuthError(msg.Payloads); err != nil {
		s.fatal(err)
		return
	}
	s.processEap(auth, msg.Payloads)
}

func (s *Session) processEap(auth *authExchange, resp message.Payloads) {
	p := resp.EAP()
	if p == nil {
		s.fatal(ikeerr.AuthenticationFailed("EAP payload missing"))
		return
	}
	res := auth.eap.Process(p.Data)
	switch res.Kind {
	case eap.KindResponse:
		if err := s.sendRequest(auth.rec, types.IKE_AUTH, message.Payloads{&message.EAP{Data: res.Response}}); err != nil {
			s.fatal(err)
		}
	case eap.KindSuccess:
		s.log.Info("EAP authentication succeeded")
		st := &stateCreateIkeLocalIkeAuthPostEap{auth: auth, msk: res.MSK}
		secret, skP := st.secret(auth.rec.LocalSkP())
		s.transitionTo(st)
		if err := s.sendRequest(auth.rec, types.IKE_AUTH, message.Payloads{s.localAuth(auth, secret, skP)}); err != nil {
			s.fatal(err)
		}
	case eap.KindFailure:
		s.fatal(ikeerr.AuthenticationFailed("EAP authentication failed"))
	default:
		s.fatal(ikeerr.Internal(errors.Wrap(res.Err, "EAP")))
	}
}

// secret returns the AUTH key and the identity MAC key after EAP. Methods
// without an MSK fall back to SK_p for both.
func (st *stateCreateIkeLocalIkeAuthPostEap) secret(skP []byte) ([]byte, []byte) {
	if len(st.msk) == 0 {
		return skP, skP
	}
	return st.msk, skP
}

func (s *Session) handlePostEapResponse(st *stateCreateIkeLocalIkeAuthPostEap, msg *message.Message) {
	resp := msg.Payloads
	if err := fatalAuthError(resp); err != nil {
		s.fatal(err)
		return
	}
	secret, skP := st.secret(st.auth.rec.RemoteSkP())
	if err := s.verifyRemoteAuth(st.auth, resp.Auth(), secret, skP); err != nil {
		s.fatal(err)
		return
	}
	s.completeIkeAuth(st.auth, resp)
}

func (s *Session) completeIkeAuth(auth *authExchange, resp message.Payloads) {
	sc, rec := s.sc, auth.rec
	sc.config = s.buildConfiguration(auth, resp)
	s.startIkeLifetime(rec)
	s.log.Infof("IKE SA 0x%016x established", rec.LocalSPI())
	s.cb.OnOpened(sc.config)
	sc.firstChild.HandleFirstChildExchange(resp, rec.Ni, rec.Nr, rec.SkD)
	s.transitionTo(&stateIdle{})
}

func (s *Session) buildConfiguration(auth *authExchange, resp message.Payloads) *Configuration {
	sc := s.sc
	c := &Configuration{
		LocalAddr:     sc.localAddr,
		RemoteAddr:    sc.remoteAddr,
		LocalNat:      sc.localNat,
		RemoteNat:     sc.remoteNat,
		VendorIDs:     sc.vendorIDs,
		Fragmentation: sc.fragmentation,
		Proposal:      auth.rec.Suite.Proposal,
		RemoteID:      Identity{Type: auth.idr.IDType, Data: auth.idr.IDData},
	}
	cp := resp.CP()
	if cp == nil || cp.ConfigurationType != types.CFG_REPLY {
		return c
	}
	for _, v := range cp.AttributesOf(types.INTERNAL_IP4_ADDRESS) {
		if len(v) == net.IPv4len {
			c.InternalAddresses = append(c.InternalAddresses, net.IP(v))
		}
	}
	for _, v := range cp.AttributesOf(types.INTERNAL_IP4_NETMASK) {
		if len(v) == net.IPv4len {
			c.InternalNetmasks = append(c.InternalNetmasks, net.IPMask(v))
		}
	}
	for _, v := range cp.AttributesOf(types.INTERNAL_IP4_DNS) {
		if len(v) == net.IPv4len {
			c.DNSServers = append(c.DNSServers, net.IP(v))
		}
	}
	// The IPv6 address attribute carries a trailing prefix length
	for _, v := range cp.AttributesOf(types.INTERNAL_IP6_ADDRESS) {
		if len(v) >= net.IPv6len {
			c.InternalAddresses = append(c.InternalAddresses, net.IP(v[:net.IPv6len]))
		}
	}
	for _, v := range cp.AttributesOf(types.INTERNAL_IP6_DNS) {
		if len(v) == net.IPv6len {
			c.DNSServers = append(c.DNSServers, net.IP(v))
		}
	}
	return c
}

// startIkeLifetime arms the rekey and the hard expiry of rec.
func (s *Session) startIkeLifetime(rec *sa.IkeSaRecord) {
	spi := rec.LocalSPI()
	rec.StartLifetime(s.sched, s.params.SoftLifetime, s.params.HardLifetime,
		func() {
			s.post(&evLocalRequest{req: &scheduler.LocalRequest{Procedure: scheduler.ProcedureRekeyIke, TargetIkeSPI: spi}})
		},
		func() {
			s.post(&evLocalRequest{req: &scheduler.LocalRequest{Procedure: scheduler.ProcedureDeleteIke, TargetIkeSPI: spi}})
		})
}
