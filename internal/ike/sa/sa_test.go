package sa_test

import (
	"crypto/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syujy/ikesess/internal/ike/alarm"
	"github.com/syujy/ikesess/internal/ike/codec"
	"github.com/syujy/ikesess/internal/ike/message"
	"github.com/syujy/ikesess/internal/ike/sa"
	"github.com/syujy/ikesess/internal/ike/security"
	"github.com/syujy/ikesess/internal/ike/types"
)

func ikeSuite(t *testing.T) *security.Suite {
	p := &message.Proposal{Number: 1, ProtocolID: types.TypeIKE}
	p.EncryptionAlgorithm = []*message.Transform{{Type: types.TypeEncryptionAlgorithm, ID: types.ENCR_AES_CBC, KeyLength: 128}}
	p.PseudorandomFunction = []*message.Transform{{Type: types.TypePseudorandomFunction, ID: types.PRF_HMAC_SHA2_256}}
	p.IntegrityAlgorithm = []*message.Transform{{Type: types.TypeIntegrityAlgorithm, ID: types.AUTH_HMAC_SHA2_256_128}}
	p.DiffieHellmanGroup = []*message.Transform{{Type: types.TypeDiffieHellmanGroup, ID: types.DH_2048_BIT_MODP}}
	s, err := security.NewSuite(p)
	require.NoError(t, err)
	return s
}

func nonce(b byte) []byte {
	n := make([]byte, 32)
	n[0] = b
	return n
}

func makePair(t *testing.T) (*sa.IkeSaRecord, *sa.IkeSaRecord) {
	shared := make([]byte, 256)
	_, _ = rand.Read(shared)
	params := func(localInit bool) *sa.IkeSaParams {
		return &sa.IkeSaParams{
			IsLocalInit: localInit, InitiatorSPI: 0x1111, ResponderSPI: 0x2222,
			Ni: nonce(1), Nr: nonce(2), SharedKey: shared, Suite: ikeSuite(t),
		}
	}
	i, err := sa.MakeFirstIkeSaRecord(params(true))
	require.NoError(t, err)
	r, err := sa.MakeFirstIkeSaRecord(params(false))
	require.NoError(t, err)
	return i, r
}

func TestIkeSaKeysMatchAcrossPeers(t *testing.T) {
	i, r := makePair(t)
	assert.Equal(t, i.SkD, r.SkD)
	assert.Equal(t, uint64(0x1111), i.LocalSPI())
	assert.Equal(t, uint64(0x1111), r.RemoteSPI())
	assert.Equal(t, i.LocalSkP(), r.RemoteSkP())

	msg := message.NewMessage(0x1111, 0x2222, types.INFORMATIONAL, false, true, 0)
	packets, err := codec.EncodeEncrypted(msg, i.Keys(), rand.Reader, codec.DefaultFragmentSize, false)
	require.NoError(t, err)
	res := codec.Decode(0, r.Keys(), packets[0], &r.RequestFragments)
	assert.Equal(t, codec.StatusOK, res.Status)
}

func TestRekeyedIkeSaDiffers(t *testing.T) {
	i, _ := makePair(t)
	shared := make([]byte, 256)
	rekeyed, err := sa.MakeRekeyedIkeSaRecord(i, &sa.IkeSaParams{
		IsLocalInit: true, InitiatorSPI: 0x3333, ResponderSPI: 0x4444,
		Ni: nonce(3), Nr: nonce(4), SharedKey: shared, Suite: ikeSuite(t),
	})
	require.NoError(t, err)
	assert.NotEqual(t, i.SkD, rekeyed.SkD)
	assert.Equal(t, uint64(0x3333), rekeyed.LocalSPI())
}

func TestMessageIDsAndRetransmissionCache(t *testing.T) {
	_, r := makePair(t)
	assert.False(t, r.IsRetransmittedRequest(0, []byte{1}))

	r.UpdateLastReceivedRequest([]byte{1, 2, 3})
	r.IncrementRemoteRequestMessageID()
	r.UpdateLastSentResponse([][]byte{{9}})

	assert.True(t, r.IsRetransmittedRequest(0, []byte{1, 2, 3}))
	assert.False(t, r.IsRetransmittedRequest(0, []byte{1, 2, 4}))
	assert.False(t, r.IsRetransmittedRequest(1, []byte{1, 2, 3}))
	assert.Equal(t, [][]byte{{9}}, r.LastSentResponse())

	assert.False(t, r.IsDuplicateResponse(0))
	r.IncrementLocalRequestMessageID()
	assert.True(t, r.IsDuplicateResponse(0))
	assert.Equal(t, uint32(1), r.LocalRequestMessageID())
	assert.Equal(t, uint32(1), r.RemoteRequestMessageID())
}

func TestCompareNonce(t *testing.T) {
	assert.Equal(t, -1, sa.CompareNonce([]byte{0x01, 0x00}, []byte{0x02, 0x00}))
	assert.Equal(t, 1, sa.CompareNonce([]byte{0x80}, []byte{0x7f}))
	// Shorter nonce is left padded
	assert.Equal(t, -1, sa.CompareNonce([]byte{0xff}, []byte{0x01, 0x00}))
	assert.Equal(t, -1, sa.CompareNonce([]byte{0x01}, []byte{0x00, 0x01}))
	assert.Equal(t, 0, sa.CompareNonce([]byte{0x01}, []byte{0x01}))
}

func TestCompareToIsSymmetric(t *testing.T) {
	// SA a holds the lowest nonce of both
	a := &sa.IkeSaRecord{Ni: nonce(5), Nr: nonce(1)}
	b := &sa.IkeSaRecord{Ni: nonce(3), Nr: nonce(4)}
	assert.Less(t, a.CompareTo(b), 0)
	assert.Greater(t, b.CompareTo(a), 0)

	// The peer sees the same SAs with Ni and Nr swapped
	peerA := &sa.IkeSaRecord{Ni: nonce(1), Nr: nonce(5)}
	peerB := &sa.IkeSaRecord{Ni: nonce(4), Nr: nonce(3)}
	assert.Less(t, peerA.CompareTo(peerB), 0)
}

func TestLifetimeAlarms(t *testing.T) {
	clock := clockwork.NewFakeClock()
	sched := alarm.NewScheduler(clock)
	i, _ := makePair(t)

	var soft, hard atomic.Int32
	i.StartLifetime(sched, time.Hour, 2*time.Hour, func() { soft.Add(1) }, func() { hard.Add(1) })

	clock.Advance(time.Hour)
	require.Eventually(t, func() bool { return soft.Load() == 1 }, time.Second, time.Millisecond)

	i.RescheduleRekey(15 * time.Second)
	clock.Advance(15 * time.Second)
	require.Eventually(t, func() bool { return soft.Load() == 2 }, time.Second, time.Millisecond)

	clock.Advance(time.Hour)
	require.Eventually(t, func() bool { return hard.Load() == 1 }, time.Second, time.Millisecond)
}

func TestCloseReleasesSpiAndZeroesKeys(t *testing.T) {
	clock := clockwork.NewFakeClock()
	released := 0
	i, err := sa.MakeFirstIkeSaRecord(&sa.IkeSaParams{
		IsLocalInit: true, InitiatorSPI: 1, ResponderSPI: 2, Ni: nonce(1), Nr: nonce(2),
		SharedKey: []byte{1}, Suite: ikeSuite(t), OnClose: func() { released++ },
	})
	require.NoError(t, err)
	var hard atomic.Int32
	i.StartLifetime(alarm.NewScheduler(clock), time.Minute, 2*time.Minute, func() {}, func() { hard.Add(1) })

	i.Close()
	i.Close()
	assert.True(t, i.Closed())
	assert.Equal(t, 1, released)
	assert.Equal(t, make([]byte, len(i.SkD)), i.SkD)

	clock.Advance(time.Hour)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(0), hard.Load())
}

func TestChildSaKeysMirror(t *testing.T) {
	i, _ := makePair(t)
	p := &message.Proposal{Number: 1, ProtocolID: types.TypeESP}
	p.EncryptionAlgorithm = []*message.Transform{{Type: types.TypeEncryptionAlgorithm, ID: types.ENCR_AES_GCM_16, KeyLength: 128}}
	suite, err := security.NewSuite(p)
	require.NoError(t, err)

	params := func(localInit bool, local, remote uint32) *sa.ChildSaParams {
		return &sa.ChildSaParams{
			IsLocalInit: localInit, LocalSPI: local, RemoteSPI: remote,
			Ni: nonce(1), Nr: nonce(2), Prf: i.Suite.Prf, SkD: i.SkD, Suite: suite,
		}
	}
	ours, err := sa.MakeChildSaRecord(params(true, 0x100, 0x200))
	require.NoError(t, err)
	theirs, err := sa.MakeChildSaRecord(params(false, 0x200, 0x100))
	require.NoError(t, err)

	assert.Len(t, ours.OutboundEncrKey, 20)
	assert.Empty(t, ours.OutboundIntegKey)
	assert.Equal(t, ours.OutboundEncrKey, theirs.InboundEncrKey)
	assert.Equal(t, ours.InboundEncrKey, theirs.OutboundEncrKey)
	assert.NotEqual(t, ours.InboundEncrKey, ours.OutboundEncrKey)
}
