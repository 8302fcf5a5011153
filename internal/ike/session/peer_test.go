package session

import (
	"bytes"
	"crypto/md5"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"net"
	"sync"

	"github.com/syujy/ikesess/internal/ike/codec"
	"github.com/syujy/ikesess/internal/ike/eap"
	"github.com/syujy/ikesess/internal/ike/ikeerr"
	"github.com/syujy/ikesess/internal/ike/message"
	"github.com/syujy/ikesess/internal/ike/sa"
	"github.com/syujy/ikesess/internal/ike/security"
	"github.com/syujy/ikesess/internal/ike/transport"
	"github.com/syujy/ikesess/internal/ike/types"
)

const peerChildSPI uint32 = 0xcafe0001

var (
	localIP  = net.ParseIP("192.0.2.1").To4()
	serverIP = net.ParseIP("198.51.100.1").To4()
	natIP    = net.ParseIP("203.0.113.9").To4()
)

// fakeSocket hands every packet sent to the server to a fakePeer and routes
// the answers back by SPI.
type fakeSocket struct {
	port  uint16
	encap bool
	peer  *fakePeer

	mu         sync.Mutex
	receivers  map[uint64]transport.Receiver
	sent       [][]byte
	keepalives int
	// capacity limits the registered SPIs when non-zero.
	capacity   int
}

func newFakeSocket(port uint16, encap bool, peer *fakePeer) *fakeSocket {
	return &fakeSocket{port: port, encap: encap, peer: peer, receivers: make(map[uint64]transport.Receiver)}
}

func (s *fakeSocket) RegisterSPI(spi uint64, r transport.Receiver) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.receivers[spi]; ok {
		return ikeerr.ErrSpiCollision
	}
	if s.capacity > 0 && len(s.receivers) >= s.capacity {
		return errors.New("socket full")
	}
	s.receivers[spi] = r
	return nil
}

func (s *fakeSocket) UnregisterSPI(spi uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.receivers, spi)
}

func (s *fakeSocket) Send(payload []byte, remote *net.UDPAddr) {
	s.mu.Lock()
	s.sent = append(s.sent, payload)
	s.mu.Unlock()
	for _, resp := range s.peer.handle(s, payload) {
		s.deliver(resp)
	}
}

func (s *fakeSocket) SendKeepalive(remote *net.UDPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keepalives++
}

func (s *fakeSocket) LocalPort() uint16    { return s.port }
func (s *fakeSocket) IsEncapsulated() bool { return s.encap }

func (s *fakeSocket) deliver(packet []byte) {
	spi, ok := message.PeekReceiverSPI(packet)
	if !ok {
		return
	}
	s.mu.Lock()
	r := s.receivers[spi]
	s.mu.Unlock()
	if r != nil {
		port := types.IKEPort
		if s.encap {
			port = types.NATTPort
		}
		r(&transport.Packet{LocalPort: s.port, RemoteAddr: &net.UDPAddr{IP: serverIP, Port: port}, Payload: packet})
	}
}

func (s *fakeSocket) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func (s *fakeSocket) keepaliveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keepalives
}

func (s *fakeSocket) registered() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var spis []uint64
	for spi := range s.receivers {
		spis = append(spis, spi)
	}
	return spis
}

type fakeProvider struct {
	plain, encap *fakeSocket

	mu       sync.Mutex
	gets     map[bool]int
	releases map[*fakeSocket]int
}

func newFakeProvider(peer *fakePeer) *fakeProvider {
	return &fakeProvider{
		plain:    newFakeSocket(types.IKEPort, false, peer),
		encap:    newFakeSocket(types.NATTPort, true, peer),
		gets:     make(map[bool]int),
		releases: make(map[*fakeSocket]int),
	}
}

func (p *fakeProvider) Get(encap bool) (transport.Socket, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gets[encap]++
	if encap {
		return p.encap, nil
	}
	return p.plain, nil
}

func (p *fakeProvider) Release(s transport.Socket) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releases[s.(*fakeSocket)]++
}

func (p *fakeProvider) released(s *fakeSocket) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.releases[s]
}

// ownRekey is a rekey of the IKE SA started by the peer.
type ownRekey struct {
	spi uint64
	ni  []byte
	ke  security.KeyExchange
	old *sa.IkeSaRecord
}

// fakePeer is an IKEv2 responder good enough to drive a session through
// its procedures.
type fakePeer struct {
	mu sync.Mutex

	psk         []byte
	idr         *message.Identification
	wantGroup   uint16
	natted      bool
	drop        bool
	eapPassword []byte
	acceptRekey bool
	simulRekey  bool
	holdAuth    bool
	// rekeyNotify refuses IKE rekeys with this notify instead of
	// NO_PROPOSAL_CHOSEN.
	rekeyNotify types.NotifyType
	childResp   func(req message.Payloads) message.Payloads

	initCount  int
	eapStep    int
	challenge  []byte
	authReq    message.Payloads
	initReq    []byte
	initResp   []byte
	lastAuth   []byte
	sock       *fakeSocket
	rec        *sa.IkeSaRecord
	records    map[uint64]*sa.IkeSaRecord
	rekeyed    *sa.IkeSaRecord
	own        *ownRekey
	ownRec     *sa.IkeSaRecord
	received   []*message.Message
	responses  []*message.Message
	rawResps   [][]byte
	lastReq    []byte
	deletedIke []*sa.IkeSaRecord
}

func newFakePeer() *fakePeer {
	return &fakePeer{
		psk:     []byte("correct horse battery staple"),
		idr:     &message.Identification{IDType: types.ID_FQDN, IDData: []byte("vpn.example.com")},
		records: make(map[uint64]*sa.IkeSaRecord),
	}
}

func (p *fakePeer) handle(sock *fakeSocket, packet []byte) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.drop {
		return nil
	}
	p.sock = sock
	h, err := message.ParseHeader(packet)
	if err != nil {
		return nil
	}
	if h.ExchangeType == types.IKE_SA_INIT {
		return p.handleInit(packet)
	}
	rec := p.records[h.ReceiverSPI()]
	if rec == nil {
		return nil
	}
	if h.IsResponse() {
		res := codec.Decode(h.MessageID, rec.Keys(), packet, &rec.ResponseFragments)
		if res.Status == codec.StatusOK {
			p.responses = append(p.responses, res.Message)
			p.rawResps = append(p.rawResps, packet)
			p.completeOwnRekey(rec, res.Message)
		}
		return nil
	}
	res := codec.Decode(h.MessageID, rec.Keys(), packet, &rec.RequestFragments)
	if res.Status != codec.StatusOK {
		return nil
	}
	p.received = append(p.received, res.Message)

	var out [][]byte
	var payloads message.Payloads
	switch res.Message.Subtype() {
	case message.SubtypeIkeAuth:
		if p.holdAuth {
			return nil
		}
		payloads = p.handleAuth(rec, res.Message.Payloads)
	case message.SubtypeDeleteIke:
		p.deletedIke = append(p.deletedIke, rec)
	case message.SubtypeDeleteChild:
		payloads = message.Payloads{message.NewDeleteChild(peerChildSPI)}
	case message.SubtypeRekeyIke:
		payloads = p.handleRekeyIke(rec, res.Message.Payloads)
		if p.simulRekey && p.rekeyed != nil {
			out = append(out, p.startOwnRekey(rec))
		}
	case message.SubtypeCreateChild, message.SubtypeRekeyChild:
		if p.childResp != nil {
			payloads = p.childResp(res.Message.Payloads)
		} else {
			payloads = message.Payloads{message.NewNotify(types.TEMPORARY_FAILURE, nil)}
		}
	}
	resp := p.encode(rec, res.Message.ExchangeType, true, h.MessageID, payloads)
	if res.Message.ExchangeType == types.IKE_AUTH {
		p.lastAuth = resp
	}
	return append(out, resp)
}

func (p *fakePeer) encode(rec *sa.IkeSaRecord, exchange types.ExchangeType, isResp bool, id uint32,
	payloads message.Payloads) []byte {
	msg := message.NewMessage(rec.InitiatorSPI, rec.ResponderSPI, exchange, isResp, rec.IsLocalInit, id, payloads...)
	packets, err := codec.EncodeEncrypted(msg, rec.Keys(), rand.Reader, codec.DefaultFragmentSize, false)
	if err != nil {
		panic(err)
	}
	return packets[0]
}

func (p *fakePeer) handleInit(packet []byte) [][]byte {
	p.initCount++
	msg, err := codec.DecodeUnencrypted(packet)
	if err != nil {
		return nil
	}
	req := msg.Payloads
	ke := req.KE()
	if p.wantGroup != 0 && ke.DiffieHellmanGroup != p.wantGroup {
		data := binary.BigEndian.AppendUint16(nil, p.wantGroup)
		resp := message.NewMessage(msg.InitiatorSPI, 0, types.IKE_SA_INIT, true, false, 0,
			message.NewNotify(types.INVALID_KE_PAYLOAD, data))
		b, _ := codec.EncodeUnencrypted(resp)
		return [][]byte{b}
	}

	offered := req.SA().Proposals[0]
	chosen := offered.Clone(offered.Number, nil)
	chosen.DiffieHellmanGroup = []*message.Transform{{Type: types.TypeDiffieHellmanGroup, ID: ke.DiffieHellmanGroup}}
	suite, err := security.NewSuite(chosen)
	if err != nil {
		panic(err)
	}
	own, _ := security.NewKeyExchange(ke.DiffieHellmanGroup, rand.Reader)
	shared, err := own.SharedSecret(ke.KeyExchangeData)
	if err != nil {
		panic(err)
	}
	nr, _ := security.GenerateNonce(rand.Reader)
	rspi, _ := security.GenerateIkeSPI(rand.Reader)
	rec, err := sa.MakeFirstIkeSaRecord(&sa.IkeSaParams{
		InitiatorSPI: msg.InitiatorSPI,
		ResponderSPI: rspi,
		Ni:           req.Nonce().NonceData,
		Nr:           nr,
		SharedKey:    shared,
		Suite:        suite,
	})
	if err != nil {
		panic(err)
	}

	observedIP, observedPort := localIP, uint16(types.IKEPort)
	if p.natted {
		observedIP, observedPort = natIP, 31000
	}
	payloads := message.Payloads{
		&message.SecurityAssociation{Proposals: []*message.Proposal{chosen}},
		&message.KeyExchange{DiffieHellmanGroup: own.Group(), KeyExchangeData: own.PublicValue()},
		&message.Nonce{NonceData: nr},
		message.NewNotify(types.NAT_DETECTION_SOURCE_IP,
			message.NatDetectionData(msg.InitiatorSPI, rspi, serverIP, types.IKEPort)),
		message.NewNotify(types.NAT_DETECTION_DESTINATION_IP,
			message.NatDetectionData(msg.InitiatorSPI, rspi, observedIP, observedPort)),
	}
	if req.Notify(types.FRAGMENTATION_SUPPORTED) != nil {
		payloads = append(payloads, message.NewNotify(types.FRAGMENTATION_SUPPORTED, nil))
	}
	resp, _ := codec.EncodeUnencrypted(message.NewMessage(msg.InitiatorSPI, rspi, types.IKE_SA_INIT, true, false, 0, payloads...))

	p.initReq, p.initResp = packet, resp
	p.rec = rec
	p.records[rspi] = rec
	return [][]byte{resp}
}

func (p *fakePeer) handleAuth(rec *sa.IkeSaRecord, req message.Payloads) message.Payloads {
	prf := rec.Suite.Prf
	if p.eapPassword != nil {
		return p.handleEap(rec, req)
	}
	octets := security.SignedOctets(prf, p.initReq, rec.Nr, rec.SkPi, req.IDi().Body())
	if a := req.Auth(); a == nil || !security.VerifySharedKeyAuth(prf, p.psk, octets, a.AuthenticationData) {
		return message.Payloads{message.NewNotify(types.AUTHENTICATION_FAILED, nil)}
	}
	return p.authSuccess(rec, req, p.psk)
}

func (p *fakePeer) handleEap(rec *sa.IkeSaRecord, req message.Payloads) message.Payloads {
	prf := rec.Suite.Prf
	p.eapStep++
	switch p.eapStep {
	case 1:
		p.authReq = req
		return message.Payloads{p.idr, &message.EAP{Data: eap.BuildRequest(1, eap.TypeIdentity, nil)}}
	case 2:
		p.challenge = []byte("0123456789abcdef")
		data := append([]byte{byte(len(p.challenge))}, p.challenge...)
		return message.Payloads{&message.EAP{Data: eap.BuildRequest(2, eap.TypeMD5Challenge, data)}}
	case 3:
		h := md5.New()
		h.Write([]byte{2})
		h.Write(p.eapPassword)
		h.Write(p.challenge)
		want := append([]byte{md5.Size}, h.Sum(nil)...)
		e := req.EAP()
		if e == nil || len(e.Data) < 5 || !bytes.Equal(e.Data[5:], want) {
			return message.Payloads{&message.EAP{Data: eap.BuildResult(eap.CodeFailure, 2)}}
		}
		return message.Payloads{&message.EAP{Data: eap.BuildResult(eap.CodeSuccess, 2)}}
	default:
		// MD5-Challenge has no MSK, both sides sign with SK_p
		octets := security.SignedOctets(prf, p.initReq, rec.Nr, rec.SkPi, p.authReq.IDi().Body())
		if a := req.Auth(); a == nil || !security.VerifySharedKeyAuth(prf, rec.SkPi, octets, a.AuthenticationData) {
			return message.Payloads{message.NewNotify(types.AUTHENTICATION_FAILED, nil)}
		}
		return p.authSuccess(rec, p.authReq, rec.SkPr)
	}
}

func (p *fakePeer) authSuccess(rec *sa.IkeSaRecord, req message.Payloads, secret []byte) message.Payloads {
	prf := rec.Suite.Prf
	octets := security.SignedOctets(prf, p.initResp, rec.Ni, rec.SkPr, p.idr.Body())
	offered := req.SA().Proposals[0]
	cp := &message.Configuration{ConfigurationType: types.CFG_REPLY}
	cp.BuildAttribute(types.INTERNAL_IP4_ADDRESS, net.ParseIP("10.1.1.2").To4())
	cp.BuildAttribute(types.INTERNAL_IP4_DNS, net.ParseIP("10.1.1.53").To4())
	return message.Payloads{
		p.idr,
		&message.Authentication{
			AuthenticationMethod: types.SharedKeyMesageIntegrityCode,
			AuthenticationData:   security.SharedKeyAuth(prf, secret, octets),
		},
		cp,
		&message.SecurityAssociation{Proposals: []*message.Proposal{
			offered.Clone(offered.Number, binary.BigEndian.AppendUint32(nil, peerChildSPI)),
		}},
		req.TSi(),
		req.TSr(),
	}
}

func (p *fakePeer) handleRekeyIke(rec *sa.IkeSaRecord, req message.Payloads) message.Payloads {
	if !p.acceptRekey {
		refuse := types.NO_PROPOSAL_CHOSEN
		if p.rekeyNotify != 0 {
			refuse = p.rekeyNotify
		}
		return message.Payloads{message.NewNotify(refuse, nil)}
	}
	offered := req.SA().Proposals[0]
	rspi, _ := security.GenerateIkeSPI(rand.Reader)
	chosen := offered.Clone(offered.Number, sa.IkeSaProposalSPI(rspi))
	suite, err := security.NewSuite(chosen)
	if err != nil {
		panic(err)
	}
	own, _ := security.NewKeyExchange(req.KE().DiffieHellmanGroup, rand.Reader)
	shared, err := own.SharedSecret(req.KE().KeyExchangeData)
	if err != nil {
		panic(err)
	}
	nr, _ := security.GenerateNonce(rand.Reader)
	next, err := sa.MakeRekeyedIkeSaRecord(rec, &sa.IkeSaParams{
		InitiatorSPI: offered.IkeSPI(),
		ResponderSPI: rspi,
		Ni:           req.Nonce().NonceData,
		Nr:           nr,
		SharedKey:    shared,
		Suite:        suite,
	})
	if err != nil {
		panic(err)
	}
	p.records[rspi] = next
	p.rekeyed = next
	return message.Payloads{
		&message.SecurityAssociation{Proposals: []*message.Proposal{chosen}},
		&message.Nonce{NonceData: nr},
		&message.KeyExchange{DiffieHellmanGroup: own.Group(), KeyExchangeData: own.PublicValue()},
	}
}

// startOwnRekey builds the peer's own rekey request of rec, colliding with
// the session's.
func (p *fakePeer) startOwnRekey(rec *sa.IkeSaRecord) []byte {
	spi, _ := security.GenerateIkeSPI(rand.Reader)
	ni, _ := security.GenerateNonce(rand.Reader)
	ke, _ := security.NewKeyExchange(rec.Suite.DhGroup, rand.Reader)
	p.own = &ownRekey{spi: spi, ni: ni, ke: ke, old: rec}
	payloads := message.Payloads{
		&message.SecurityAssociation{Proposals: []*message.Proposal{rec.Suite.Proposal.Clone(1, sa.IkeSaProposalSPI(spi))}},
		&message.Nonce{NonceData: ni},
		&message.KeyExchange{DiffieHellmanGroup: ke.Group(), KeyExchangeData: ke.PublicValue()},
	}
	return p.nextRequest(rec, types.CREATE_CHILD_SA, payloads)
}

func (p *fakePeer) completeOwnRekey(rec *sa.IkeSaRecord, resp *message.Message) {
	if p.own == nil || rec != p.own.old || resp.ExchangeType != types.CREATE_CHILD_SA || resp.Payloads.SA() == nil {
		return
	}
	chosen := resp.Payloads.SA().Proposals[0]
	suite, err := security.NewSuite(chosen)
	if err != nil {
		panic(err)
	}
	shared, err := p.own.ke.SharedSecret(resp.Payloads.KE().KeyExchangeData)
	if err != nil {
		panic(err)
	}
	next, err := sa.MakeRekeyedIkeSaRecord(rec, &sa.IkeSaParams{
		IsLocalInit:  true,
		InitiatorSPI: p.own.spi,
		ResponderSPI: chosen.IkeSPI(),
		Ni:           p.own.ni,
		Nr:           resp.Payloads.Nonce().NonceData,
		SharedKey:    shared,
		Suite:        suite,
	})
	if err != nil {
		panic(err)
	}
	p.records[p.own.spi] = next
	p.ownRec = next
	p.own = nil
}

// nextRequest encodes a peer request on rec and consumes its message ID.
func (p *fakePeer) nextRequest(rec *sa.IkeSaRecord, exchange types.ExchangeType, payloads message.Payloads) []byte {
	packet := p.encode(rec, exchange, false, rec.LocalRequestMessageID(), payloads)
	rec.IncrementLocalRequestMessageID()
	p.lastReq = packet
	return packet
}

// request sends a peer request on rec to the session.
func (p *fakePeer) request(rec *sa.IkeSaRecord, exchange types.ExchangeType, payloads ...message.Payload) {
	p.mu.Lock()
	packet := p.nextRequest(rec, exchange, payloads)
	sock := p.sock
	p.mu.Unlock()
	sock.deliver(packet)
}

// encodeRequest builds the next peer request on rec without sending it.
// A non-zero fragSize splits it into SKF fragments of that size.
func (p *fakePeer) encodeRequest(rec *sa.IkeSaRecord, exchange types.ExchangeType, fragSize int,
	payloads ...message.Payload) [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	msg := message.NewMessage(rec.InitiatorSPI, rec.ResponderSPI, exchange, false, rec.IsLocalInit,
		rec.LocalRequestMessageID(), payloads...)
	size, frag := codec.DefaultFragmentSize, false
	if fragSize > 0 {
		size, frag = fragSize, true
	}
	packets, err := codec.EncodeEncrypted(msg, rec.Keys(), rand.Reader, size, frag)
	if err != nil {
		panic(err)
	}
	rec.IncrementLocalRequestMessageID()
	return packets
}

// deliver hands raw packets to the session.
func (p *fakePeer) deliver(packets ...[]byte) {
	p.mu.Lock()
	sock := p.sock
	p.mu.Unlock()
	for _, packet := range packets {
		sock.deliver(packet)
	}
}

// resend delivers the last peer request again.
func (p *fakePeer) resend() {
	p.mu.Lock()
	packet, sock := p.lastReq, p.sock
	p.mu.Unlock()
	sock.deliver(packet)
}

func (p *fakePeer) setDrop(drop bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.drop = drop
}

func (p *fakePeer) receivedOf(subtype message.ExchangeSubtype) []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*message.Message
	for _, m := range p.received {
		if m.Subtype() == subtype {
			out = append(out, m)
		}
	}
	return out
}

func (p *fakePeer) responseList() ([]*message.Message, [][]byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*message.Message(nil), p.responses...), append([][]byte(nil), p.rawResps...)
}

func (p *fakePeer) deleted() []*sa.IkeSaRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*sa.IkeSaRecord(nil), p.deletedIke...)
}
