package child_test

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syujy/ikesess/internal/ike/alarm"
	"github.com/syujy/ikesess/internal/ike/child"
	"github.com/syujy/ikesess/internal/ike/ikeerr"
	"github.com/syujy/ikesess/internal/ike/message"
	"github.com/syujy/ikesess/internal/ike/scheduler"
	"github.com/syujy/ikesess/internal/ike/security"
	"github.com/syujy/ikesess/internal/ike/types"
)

const (
	peerSPI     uint32 = 0xaabb0001
	peerNextSPI uint32 = 0xaabb0002
)

type recorder struct {
	mu     sync.Mutex
	events []child.Event
	calls  []string
	opened *child.Configuration
	err    error
}

func (r *recorder) post(ev child.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) call(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
}

func (r *recorder) OnOpened(conf *child.Configuration) {
	r.opened = conf
	r.call("opened")
}

func (r *recorder) OnClosed() { r.call("closed") }

func (r *recorder) OnClosedExceptionally(err error) {
	r.err = err
	r.call("closedExceptionally")
}

func (r *recorder) OnTransformCreated(t *child.Transform, dir child.Direction) {
	r.call("created-" + dir.String())
}

func (r *recorder) OnTransformDeleted(t *child.Transform, dir child.Direction) {
	r.call("deleted-" + dir.String())
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events, r.calls = nil, nil
}

func (r *recorder) kinds() []child.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var kinds []child.EventKind
	for _, ev := range r.events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func (r *recorder) eventsOf(kind child.EventKind) []child.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []child.Event
	for _, ev := range r.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) callList() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type harness struct {
	t     *testing.T
	rec   *recorder
	clock clockwork.FakeClock
	ike   *child.IkeContext
	skD   []byte
	c     *child.Session
}

func espProposal(dh uint16) *message.Proposal {
	p := &message.Proposal{Number: 1, ProtocolID: types.TypeESP}
	p.EncryptionAlgorithm = []*message.Transform{{Type: types.TypeEncryptionAlgorithm, ID: types.ENCR_AES_CBC, KeyLength: 128}}
	p.IntegrityAlgorithm = []*message.Transform{{Type: types.TypeIntegrityAlgorithm, ID: types.AUTH_HMAC_SHA2_256_128}}
	p.ExtendedSequenceNumbers = []*message.Transform{{Type: types.TypeExtendedSequenceNumbers, ID: types.ESN_DISABLE}}
	if dh != types.DH_NONE {
		p.DiffieHellmanGroup = []*message.Transform{{Type: types.TypeDiffieHellmanGroup, ID: dh}}
	}
	return p
}

func selector(start, end string) *message.IndividualTrafficSelector {
	return &message.IndividualTrafficSelector{
		TSType:       types.TS_IPV4_ADDR_RANGE,
		StartPort:    0,
		EndPort:      65535,
		StartAddress: net.ParseIP(start).To4(),
		EndAddress:   net.ParseIP(end).To4(),
	}
}

func newHarness(t *testing.T, dh uint16) *harness {
	prf, err := security.NewPrf(types.PRF_HMAC_SHA2_256)
	require.NoError(t, err)
	h := &harness{
		t:     t,
		rec:   new(recorder),
		clock: clockwork.NewFakeClock(),
		skD:   make([]byte, 32),
		ike: &child.IkeContext{
			Prf:        prf,
			LocalAddr:  net.ParseIP("192.0.2.1"),
			RemoteAddr: net.ParseIP("198.51.100.1"),
		},
	}
	_, _ = rand.Read(h.skD)
	params := (&child.Params{
		Proposals: []*message.Proposal{espProposal(dh)},
		LocalTS:   []*message.IndividualTrafficSelector{selector("10.0.0.1", "10.0.0.1")},
		RemoteTS:  []*message.IndividualTrafficSelector{selector("0.0.0.0", "255.255.255.255")},
	}).WithDefaults()
	h.c = child.New(child.Deps{
		Sched:  alarm.NewScheduler(h.clock),
		Rand:   rand.Reader,
		Events: h.rec.post,
	}, params, h.rec)
	return h
}

func spiBytes(spi uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, spi)
	return b
}

func newNonce(t *testing.T) *message.Nonce {
	n, err := security.GenerateNonce(rand.Reader)
	require.NoError(t, err)
	return &message.Nonce{NonceData: n}
}

// lastOutbound returns the last message the child asked to send.
func (h *harness) lastOutbound() child.Event {
	evs := h.rec.eventsOf(child.EventOutboundPayloads)
	require.NotEmpty(h.t, evs)
	return evs[len(evs)-1]
}

// accept answers a CREATE_CHILD_SA request the way a peer accepting the
// first proposal would.
func (h *harness) accept(req message.Payloads, spi uint32) message.Payloads {
	offered := req.SA().Proposals[0]
	chosen := offered.Clone(offered.Number, spiBytes(spi))
	resp := message.Payloads{
		&message.SecurityAssociation{Proposals: []*message.Proposal{chosen}},
		newNonce(h.t),
	}
	if ke := req.KE(); ke != nil {
		peer, err := security.NewKeyExchange(ke.DiffieHellmanGroup, rand.Reader)
		require.NoError(h.t, err)
		resp = append(resp, &message.KeyExchange{DiffieHellmanGroup: ke.DiffieHellmanGroup, KeyExchangeData: peer.PublicValue()})
	}
	return append(resp, req.TSi(), req.TSr())
}

func (h *harness) establish() {
	h.c.CreateChildSession(h.ike, h.skD)
	req := h.lastOutbound()
	h.c.ReceiveResponse(types.CREATE_CHILD_SA, h.accept(req.Payloads, peerSPI))
	require.Equal(h.t, "Idle", h.c.State())
	h.rec.reset()
}

// peerRekey builds a rekey request of the peer for the current Child SA.
func (h *harness) peerRekey(spi uint32, withKE bool) message.Payloads {
	p := espProposal(types.DH_NONE).Clone(1, spiBytes(spi))
	req := message.Payloads{&message.SecurityAssociation{Proposals: []*message.Proposal{p}}, newNonce(h.t)}
	if withKE {
		ke, err := security.NewKeyExchange(types.DH_CURVE_25519, rand.Reader)
		require.NoError(h.t, err)
		p.DiffieHellmanGroup = []*message.Transform{{Type: types.TypeDiffieHellmanGroup, ID: types.DH_CURVE_25519}}
		req = append(req, &message.KeyExchange{DiffieHellmanGroup: types.DH_CURVE_25519, KeyExchangeData: ke.PublicValue()})
	}
	return append(req,
		&message.TrafficSelector{Initiator: true, Selectors: []*message.IndividualTrafficSelector{selector("0.0.0.0", "255.255.255.255")}},
		&message.TrafficSelector{Initiator: false, Selectors: []*message.IndividualTrafficSelector{selector("10.0.0.1", "10.0.0.1")}},
		message.NewChildNotify(types.REKEY_SA, h.c.RemoteSPI(), nil))
}

func TestCreateChildSession(t *testing.T) {
	h := newHarness(t, types.DH_CURVE_25519)
	h.c.CreateChildSession(h.ike, h.skD)

	req := h.lastOutbound()
	assert.Equal(t, types.CREATE_CHILD_SA, req.Exchange)
	assert.False(t, req.IsResp)
	require.NotNil(t, req.Payloads.SA())
	require.NotNil(t, req.Payloads.Nonce())
	require.NotNil(t, req.Payloads.KE())
	assert.Equal(t, types.DH_CURVE_25519, req.Payloads.KE().DiffieHellmanGroup)
	assert.NotNil(t, req.Payloads.TSi())
	assert.NotNil(t, req.Payloads.TSr())
	assert.Equal(t, "CreateChildLocalCreate", h.c.State())

	h.c.ReceiveResponse(types.CREATE_CHILD_SA, h.accept(req.Payloads, peerSPI))
	assert.Equal(t, "Idle", h.c.State())
	assert.Equal(t, peerSPI, h.c.RemoteSPI())
	assert.Equal(t, req.Payloads.SA().Proposals[0].ChildSPI(), h.c.LocalSPI())

	created := h.rec.eventsOf(child.EventSaCreated)
	require.Len(t, created, 1)
	assert.Equal(t, peerSPI, created[0].RemoteSPI)
	assert.Equal(t, []string{"created-in", "created-out", "opened"}, h.rec.callList())
	require.NotNil(t, h.rec.opened)
	assert.Equal(t, peerSPI, h.rec.opened.OutboundSPI)
	assert.Equal(t, child.EventProcedureFinished, h.rec.kinds()[len(h.rec.kinds())-1])
}

func TestCreateChildErrorNotify(t *testing.T) {
	h := newHarness(t, types.DH_NONE)
	h.c.CreateChildSession(h.ike, h.skD)
	h.c.ReceiveResponse(types.CREATE_CHILD_SA, message.Payloads{message.NewNotify(types.NO_PROPOSAL_CHOSEN, nil)})

	assert.Empty(t, h.rec.eventsOf(child.EventSaCreated))
	assert.True(t, ikeerr.IsNotify(h.rec.err, types.NO_PROPOSAL_CHOSEN))
	assert.Equal(t, []string{"closedExceptionally"}, h.rec.callList())
	kinds := h.rec.kinds()
	assert.Equal(t, []child.EventKind{child.EventOutboundPayloads, child.EventProcedureFinished, child.EventChildClosed}, kinds)
	assert.True(t, h.c.Closed())
}

func TestCreateChildMissingNonce(t *testing.T) {
	h := newHarness(t, types.DH_NONE)
	h.c.CreateChildSession(h.ike, h.skD)
	resp := h.accept(h.lastOutbound().Payloads, peerSPI).Without(types.TypeNiNr)
	h.c.ReceiveResponse(types.CREATE_CHILD_SA, resp)

	require.Len(t, h.rec.eventsOf(child.EventSaCreated), 1)
	deleted := h.rec.eventsOf(child.EventSaDeleted)
	require.Len(t, deleted, 1)
	assert.Equal(t, peerSPI, deleted[0].RemoteSPI)
	assert.True(t, ikeerr.IsNotify(h.rec.err, types.INVALID_SYNTAX))
	assert.True(t, h.c.Closed())
}

func TestCreateChildUnexpectedKe(t *testing.T) {
	h := newHarness(t, types.DH_NONE)
	h.c.CreateChildSession(h.ike, h.skD)
	resp := h.accept(h.lastOutbound().Payloads, peerSPI)
	ke, err := security.NewKeyExchange(types.DH_CURVE_25519, rand.Reader)
	require.NoError(t, err)
	resp = append(resp, &message.KeyExchange{DiffieHellmanGroup: types.DH_CURVE_25519, KeyExchangeData: ke.PublicValue()})
	h.c.ReceiveResponse(types.CREATE_CHILD_SA, resp)
	assert.True(t, ikeerr.IsNotify(h.rec.err, types.INVALID_SYNTAX))
}

func TestCreateChildMissingKe(t *testing.T) {
	h := newHarness(t, types.DH_CURVE_25519)
	h.c.CreateChildSession(h.ike, h.skD)
	resp := h.accept(h.lastOutbound().Payloads, peerSPI).Without(types.TypeKE)
	h.c.ReceiveResponse(types.CREATE_CHILD_SA, resp)
	assert.True(t, ikeerr.IsNotify(h.rec.err, types.INVALID_SYNTAX))
}

func TestFirstChildInIkeAuth(t *testing.T) {
	h := newHarness(t, types.DH_CURVE_25519)
	payloads, err := h.c.FirstChildRequestPayloads(h.ike, h.skD)
	require.NoError(t, err)
	assert.Nil(t, payloads.Nonce())
	assert.Nil(t, payloads.KE())
	require.NotNil(t, payloads.SA())
	assert.Empty(t, payloads.SA().Proposals[0].DiffieHellmanGroup)
	assert.Empty(t, h.rec.eventsOf(child.EventOutboundPayloads))

	resp := h.accept(payloads, peerSPI).Without(types.TypeNiNr)
	h.c.HandleFirstChildExchange(resp, newNonce(t).NonceData, newNonce(t).NonceData, h.skD)
	assert.Equal(t, "Idle", h.c.State())
	assert.Equal(t, peerSPI, h.c.RemoteSPI())

	// Rekeying the first child keeps it without PFS.
	h.rec.reset()
	h.c.RekeyChildSession()
	req := h.lastOutbound()
	require.Len(t, req.Payloads.SA().Proposals, 1)
	assert.Equal(t, uint8(1), req.Payloads.SA().Proposals[0].Number)
	assert.Empty(t, req.Payloads.SA().Proposals[0].DiffieHellmanGroup)
	assert.Nil(t, req.Payloads.KE())
}

func TestLocalDelete(t *testing.T) {
	h := newHarness(t, types.DH_NONE)
	h.establish()
	localSPI := h.c.LocalSPI()

	h.c.DeleteChildSession()
	req := h.lastOutbound()
	assert.Equal(t, types.INFORMATIONAL, req.Exchange)
	require.Len(t, req.Payloads.Deletes(), 1)
	assert.Equal(t, []uint32{localSPI}, req.Payloads.Deletes()[0].ChildSPIs())
	assert.Equal(t, "DeleteChildLocalDelete", h.c.State())

	h.c.ReceiveResponse(types.INFORMATIONAL, message.Payloads{message.NewDeleteChild(peerSPI)})
	assert.Equal(t, []string{"deleted-in", "deleted-out", "closed"}, h.rec.callList())
	assert.True(t, h.c.Closed())
	kinds := h.rec.kinds()
	assert.Equal(t, child.EventChildClosed, kinds[len(kinds)-1])
	assert.Contains(t, kinds, child.EventProcedureFinished)
}

func TestLocalDeleteResponseWithoutDelete(t *testing.T) {
	h := newHarness(t, types.DH_NONE)
	h.establish()
	h.c.DeleteChildSession()
	h.c.ReceiveResponse(types.INFORMATIONAL, nil)

	assert.True(t, ikeerr.IsNotify(h.rec.err, types.INVALID_SYNTAX))
	assert.Equal(t, []string{"deleted-in", "deleted-out", "closedExceptionally"}, h.rec.callList())
}

func TestDeleteBeforeCreation(t *testing.T) {
	h := newHarness(t, types.DH_NONE)
	h.c.DeleteChildSession()
	assert.Equal(t, []string{"closed"}, h.rec.callList())
	assert.Equal(t, []child.EventKind{child.EventProcedureFinished, child.EventChildClosed}, h.rec.kinds())
}

func TestSimultaneousDelete(t *testing.T) {
	h := newHarness(t, types.DH_NONE)
	h.establish()
	h.c.DeleteChildSession()

	h.c.ReceiveRequest(message.SubtypeDeleteChild, types.INFORMATIONAL, message.Payloads{message.NewDeleteChild(peerSPI)})
	resp := h.lastOutbound()
	assert.True(t, resp.IsResp)
	assert.Empty(t, resp.Payloads)
	assert.False(t, h.c.Closed())

	h.c.ReceiveResponse(types.INFORMATIONAL, nil)
	assert.True(t, h.c.Closed())
	assert.Nil(t, h.rec.err)
	assert.Contains(t, h.rec.callList(), "closed")
}

func TestRekeyRequestDuringDelete(t *testing.T) {
	h := newHarness(t, types.DH_NONE)
	h.establish()
	h.c.DeleteChildSession()

	h.c.ReceiveRequest(message.SubtypeRekeyChild, types.CREATE_CHILD_SA, h.peerRekey(peerNextSPI, false))
	resp := h.lastOutbound()
	assert.True(t, resp.IsResp)
	require.Len(t, resp.Payloads, 1)
	n := resp.Payloads.Notify(types.TEMPORARY_FAILURE)
	require.NotNil(t, n)
	assert.Empty(t, n.NotificationData)
	assert.Equal(t, "DeleteChildLocalDelete", h.c.State())
}

func TestRemoteDelete(t *testing.T) {
	h := newHarness(t, types.DH_NONE)
	h.establish()
	localSPI := h.c.LocalSPI()

	h.c.ReceiveRequest(message.SubtypeDeleteChild, types.INFORMATIONAL, message.Payloads{message.NewDeleteChild(peerSPI)})
	resp := h.lastOutbound()
	assert.True(t, resp.IsResp)
	require.Len(t, resp.Payloads.Deletes(), 1)
	assert.Equal(t, []uint32{localSPI}, resp.Payloads.Deletes()[0].ChildSPIs())
	assert.True(t, h.c.Closed())
	assert.Equal(t, []string{"deleted-in", "deleted-out", "closed"}, h.rec.callList())
	assert.NotContains(t, h.rec.kinds(), child.EventProcedureFinished)
}

func TestLocalRekey(t *testing.T) {
	h := newHarness(t, types.DH_NONE)
	h.establish()
	oldLocal := h.c.LocalSPI()

	h.c.RekeyChildSession()
	req := h.lastOutbound()
	assert.Equal(t, types.CREATE_CHILD_SA, req.Exchange)
	rekey := req.Payloads.Notify(types.REKEY_SA)
	require.NotNil(t, rekey)
	assert.Equal(t, types.TypeESP, rekey.ProtocolID)
	assert.Equal(t, oldLocal, rekey.ChildSPI())
	newLocal := req.Payloads.SA().Proposals[0].ChildSPI()

	h.c.ReceiveResponse(types.CREATE_CHILD_SA, h.accept(req.Payloads, peerNextSPI))
	created := h.rec.eventsOf(child.EventSaCreated)
	require.Len(t, created, 1)
	assert.Equal(t, peerNextSPI, created[0].RemoteSPI)
	assert.Equal(t, "RekeyChildLocalDelete", h.c.State())
	del := h.lastOutbound()
	assert.False(t, del.IsResp)
	require.Len(t, del.Payloads.Deletes(), 1)
	assert.Equal(t, []uint32{oldLocal}, del.Payloads.Deletes()[0].ChildSPIs())
	assert.Equal(t, []string{"created-in", "created-out"}, h.rec.callList())

	// An empty response still completes the rekey.
	h.c.ReceiveResponse(types.INFORMATIONAL, nil)
	assert.Equal(t, "Idle", h.c.State())
	assert.Equal(t, newLocal, h.c.LocalSPI())
	assert.Equal(t, peerNextSPI, h.c.RemoteSPI())
	deleted := h.rec.eventsOf(child.EventSaDeleted)
	require.Len(t, deleted, 1)
	assert.Equal(t, peerSPI, deleted[0].RemoteSPI)
	assert.Len(t, h.rec.eventsOf(child.EventProcedureFinished), 1)
	assert.Equal(t, []string{"created-in", "created-out", "deleted-in", "deleted-out"}, h.rec.callList())
}

func TestLocalRekeyRefusedIsRetried(t *testing.T) {
	h := newHarness(t, types.DH_NONE)
	h.establish()
	remote := h.c.RemoteSPI()

	h.c.RekeyChildSession()
	h.c.ReceiveResponse(types.CREATE_CHILD_SA, message.Payloads{message.NewNotify(types.TEMPORARY_FAILURE, nil)})
	assert.Equal(t, "Idle", h.c.State())
	assert.Empty(t, h.rec.eventsOf(child.EventSaCreated))
	assert.Len(t, h.rec.eventsOf(child.EventProcedureFinished), 1)
	assert.False(t, h.c.Closed())

	h.clock.Advance(child.RetryInterval)
	require.Eventually(t, func() bool {
		return len(h.rec.eventsOf(child.EventLocalRequest)) == 1
	}, time.Second, 5*time.Millisecond)
	req := h.rec.eventsOf(child.EventLocalRequest)[0].Request
	assert.Equal(t, scheduler.ProcedureRekeyChild, req.Procedure)
	assert.Equal(t, remote, req.TargetChildSPI)
}

func TestInvalidSyntaxResponseIsFatal(t *testing.T) {
	cases := []struct {
		name  string
		start func(h *harness)
		state string
	}{
		{"create", func(h *harness) { h.c.CreateChildSession(h.ike, h.skD) }, "CreateChildLocalCreate"},
		{"rekey", func(h *harness) { h.establish(); h.c.RekeyChildSession() }, "RekeyChildLocalCreate"},
		{"delete", func(h *harness) { h.establish(); h.c.DeleteChildSession() }, "DeleteChildLocalDelete"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, types.DH_NONE)
			tc.start(h)
			require.Equal(t, tc.state, h.c.State())
			exchange := h.lastOutbound().Exchange
			h.rec.reset()

			h.c.ReceiveResponse(exchange, message.Payloads{message.NewNotify(types.INVALID_SYNTAX, nil)})
			fatal := h.rec.eventsOf(child.EventFatalIkeError)
			require.Len(t, fatal, 1)
			assert.True(t, ikeerr.IsNotify(fatal[0].Err, types.INVALID_SYNTAX))
			assert.Same(t, h.c, fatal[0].Child)
			assert.Empty(t, h.rec.eventsOf(child.EventLocalRequest))
			assert.Empty(t, h.rec.callList())
		})
	}
}

func TestLocalRekeyMissingSa(t *testing.T) {
	h := newHarness(t, types.DH_NONE)
	h.establish()
	h.c.RekeyChildSession()
	resp := h.accept(h.lastOutbound().Payloads, peerNextSPI).Without(types.TypeSA)
	h.c.ReceiveResponse(types.CREATE_CHILD_SA, resp)

	assert.True(t, h.c.Closed())
	assert.True(t, ikeerr.IsNotify(h.rec.err, types.INVALID_SYNTAX))
	assert.Empty(t, h.rec.eventsOf(child.EventLocalRequest))
}

func TestRemoteRekey(t *testing.T) {
	h := newHarness(t, types.DH_NONE)
	h.establish()
	oldLocal := h.c.LocalSPI()

	h.c.ReceiveRequest(message.SubtypeRekeyChild, types.CREATE_CHILD_SA, h.peerRekey(peerNextSPI, false))
	resp := h.lastOutbound()
	assert.True(t, resp.IsResp)
	assert.Equal(t, types.CREATE_CHILD_SA, resp.Exchange)
	require.NotNil(t, resp.Payloads.SA())
	assert.Equal(t, uint8(1), resp.Payloads.SA().Proposals[0].Number)
	assert.NotNil(t, resp.Payloads.Nonce())
	assert.NotNil(t, resp.Payloads.TSi())
	assert.NotNil(t, resp.Payloads.TSr())
	rekey := resp.Payloads.Notify(types.REKEY_SA)
	require.NotNil(t, rekey)
	assert.Equal(t, oldLocal, rekey.ChildSPI())
	assert.Equal(t, "RekeyChildRemoteDelete", h.c.State())
	assert.Equal(t, []string{"created-in"}, h.rec.callList())
	created := h.rec.eventsOf(child.EventSaCreated)
	require.Len(t, created, 1)
	assert.Equal(t, peerNextSPI, created[0].RemoteSPI)

	h.c.ReceiveRequest(message.SubtypeDeleteChild, types.INFORMATIONAL, message.Payloads{message.NewDeleteChild(peerSPI)})
	del := h.lastOutbound()
	assert.True(t, del.IsResp)
	assert.Equal(t, []uint32{oldLocal}, del.Payloads.Deletes()[0].ChildSPIs())
	assert.Equal(t, "Idle", h.c.State())
	assert.Equal(t, peerNextSPI, h.c.RemoteSPI())
	assert.Equal(t, resp.Payloads.SA().Proposals[0].ChildSPI(), h.c.LocalSPI())
	assert.Equal(t, []string{"created-in", "created-out", "deleted-in", "deleted-out"}, h.rec.callList())
	deleted := h.rec.eventsOf(child.EventSaDeleted)
	require.Len(t, deleted, 1)
	assert.Equal(t, peerSPI, deleted[0].RemoteSPI)
}

func TestRemoteRekeyDeleteTimeout(t *testing.T) {
	h := newHarness(t, types.DH_NONE)
	h.establish()
	h.c.ReceiveRequest(message.SubtypeRekeyChild, types.CREATE_CHILD_SA, h.peerRekey(peerNextSPI, false))
	sent := len(h.rec.eventsOf(child.EventOutboundPayloads))

	h.clock.Advance(child.RekeyDeleteTimeout)
	require.Eventually(t, func() bool {
		return len(h.rec.eventsOf(child.EventRekeyDeleteTimeout)) == 1
	}, time.Second, 5*time.Millisecond)
	h.c.RekeyDeleteTimeout(h.rec.eventsOf(child.EventRekeyDeleteTimeout)[0].Token)

	assert.Equal(t, "Idle", h.c.State())
	assert.Equal(t, peerNextSPI, h.c.RemoteSPI())
	assert.Len(t, h.rec.eventsOf(child.EventOutboundPayloads), sent)

	// A stale token changes nothing.
	h.c.RekeyDeleteTimeout(nil)
	assert.Equal(t, "Idle", h.c.State())
}

func TestRemoteRekeyDeletingNewSa(t *testing.T) {
	h := newHarness(t, types.DH_NONE)
	h.establish()
	h.c.ReceiveRequest(message.SubtypeRekeyChild, types.CREATE_CHILD_SA, h.peerRekey(peerNextSPI, false))
	newLocal := h.lastOutbound().Payloads.SA().Proposals[0].ChildSPI()

	h.c.ReceiveRequest(message.SubtypeDeleteChild, types.INFORMATIONAL, message.Payloads{message.NewDeleteChild(peerNextSPI)})
	del := h.lastOutbound()
	assert.Equal(t, []uint32{newLocal}, del.Payloads.Deletes()[0].ChildSPIs())
	assert.True(t, h.c.Closed())
	assert.Equal(t, []string{"created-in", "deleted-in", "deleted-out", "deleted-in", "closed"}, h.rec.callList())
}

func TestRemoteRekeyUnacceptable(t *testing.T) {
	h := newHarness(t, types.DH_NONE)
	h.establish()
	req := h.peerRekey(peerNextSPI, false)
	req.SA().Proposals[0].EncryptionAlgorithm[0].KeyLength = 192

	h.c.ReceiveRequest(message.SubtypeRekeyChild, types.CREATE_CHILD_SA, req)
	resp := h.lastOutbound()
	assert.NotNil(t, resp.Payloads.Notify(types.NO_PROPOSAL_CHOSEN))
	assert.Equal(t, "Idle", h.c.State())
	assert.Empty(t, h.rec.eventsOf(child.EventSaCreated))
}

func TestRemoteRekeyMissingKe(t *testing.T) {
	h := newHarness(t, types.DH_CURVE_25519)
	h.establish()
	req := h.peerRekey(peerNextSPI, false)
	req.SA().Proposals[0].DiffieHellmanGroup = []*message.Transform{
		{Type: types.TypeDiffieHellmanGroup, ID: types.DH_CURVE_25519},
	}

	h.c.ReceiveRequest(message.SubtypeRekeyChild, types.CREATE_CHILD_SA, req)
	n := h.lastOutbound().Payloads.Notify(types.INVALID_KE_PAYLOAD)
	require.NotNil(t, n)
	assert.Equal(t, types.DH_CURVE_25519, binary.BigEndian.Uint16(n.NotificationData))
	assert.Equal(t, "Idle", h.c.State())
}

func TestRemoteRekeyWithKe(t *testing.T) {
	h := newHarness(t, types.DH_CURVE_25519)
	h.establish()
	h.c.ReceiveRequest(message.SubtypeRekeyChild, types.CREATE_CHILD_SA, h.peerRekey(peerNextSPI, true))
	resp := h.lastOutbound()
	require.NotNil(t, resp.Payloads.KE())
	assert.Equal(t, types.DH_CURVE_25519, resp.Payloads.KE().DiffieHellmanGroup)
	assert.Equal(t, "RekeyChildRemoteDelete", h.c.State())
}

func TestRekeyDeferredWhileBusy(t *testing.T) {
	h := newHarness(t, types.DH_NONE)
	h.establish()
	h.c.ReceiveRequest(message.SubtypeRekeyChild, types.CREATE_CHILD_SA, h.peerRekey(peerNextSPI, false))
	h.rec.reset()

	h.c.RekeyChildSession()
	retries := h.rec.eventsOf(child.EventScheduleRetry)
	require.Len(t, retries, 1)
	assert.Equal(t, child.RetryInterval, retries[0].Delay)
	assert.Equal(t, scheduler.ProcedureRekeyChild, retries[0].Request.Procedure)
	assert.Equal(t, []child.EventKind{child.EventScheduleRetry, child.EventProcedureFinished}, h.rec.kinds())
}

func TestKillSession(t *testing.T) {
	h := newHarness(t, types.DH_NONE)
	h.establish()
	h.c.KillSession()
	assert.True(t, h.c.Closed())
	assert.Equal(t, []string{"deleted-in", "deleted-out", "closed"}, h.rec.callList())
	assert.Empty(t, h.rec.eventsOf(child.EventOutboundPayloads))
}
