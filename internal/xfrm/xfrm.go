package xfrm

import (
	"encoding/binary"
	"math"
	"math/bits"
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"

	"github.com/syujy/ikesess/internal/ike/child"
	"github.com/syujy/ikesess/internal/ike/message"
	"github.com/syujy/ikesess/internal/ike/security"
	"github.com/syujy/ikesess/internal/ike/types"
)

// Kernel is the part of netlink the installer drives. *netlink.Handle
// satisfies it.
type Kernel interface {
	XfrmStateAdd(state *netlink.XfrmState) error
	XfrmStateDel(state *netlink.XfrmState) error
	XfrmPolicyAdd(policy *netlink.XfrmPolicy) error
	XfrmPolicyDel(policy *netlink.XfrmPolicy) error
}

// defaultKernel uses the package level netlink functions.
type defaultKernel struct{}

func (defaultKernel) XfrmStateAdd(s *netlink.XfrmState) error   { return netlink.XfrmStateAdd(s) }
func (defaultKernel) XfrmStateDel(s *netlink.XfrmState) error   { return netlink.XfrmStateDel(s) }
func (defaultKernel) XfrmPolicyAdd(p *netlink.XfrmPolicy) error { return netlink.XfrmPolicyAdd(p) }
func (defaultKernel) XfrmPolicyDel(p *netlink.XfrmPolicy) error { return netlink.XfrmPolicyDel(p) }

type installed struct {
	state    *netlink.XfrmState
	policies []*netlink.XfrmPolicy
}

// Installer mirrors Child SA transforms into the Linux XFRM tables. It
// implements child.TransformSink and is safe for concurrent use, every IKE
// session may share one.
type Installer struct {
	Log *logrus.Entry
	// Mark and IfID select the states and policies of one tunnel, 0 means
	// unset.
	Mark   uint32
	IfID   int
	Kernel Kernel

	mu   sync.Mutex
	sas  map[key]*installed
	reqs int
}

type key struct {
	spi uint32
	dir child.Direction
}

func NewInstaller(log *logrus.Entry, mark uint32, ifID int) *Installer {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Installer{Log: log.WithField("category", "XFRM"), Mark: mark, IfID: ifID, Kernel: defaultKernel{}}
}

func (x *Installer) kernel() Kernel {
	if x.Kernel == nil {
		return defaultKernel{}
	}
	return x.Kernel
}

// TransformCreated adds the state of t, and its policies in tunnel mode.
func (x *Installer) TransformCreated(t *child.Transform) error {
	state, err := x.buildState(t)
	if err != nil {
		return err
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.sas == nil {
		x.sas = make(map[key]*installed)
	}
	k := key{spi: t.SPI, dir: t.Direction}
	if _, ok := x.sas[k]; ok {
		return errors.Errorf("transform 0x%08x %s already installed", t.SPI, t.Direction)
	}

	x.reqs++
	state.Reqid = x.reqs
	if err := x.kernel().XfrmStateAdd(state); err != nil {
		return errors.Wrapf(err, "add XFRM state 0x%08x", t.SPI)
	}
	in := &installed{state: state}
	if !t.Transport {
		for _, p := range x.buildPolicies(t, state.Reqid) {
			if err := x.kernel().XfrmPolicyAdd(p); err != nil {
				// Another Child SA may cover the same selectors.
				x.Log.Warnf("Add XFRM policy %s -> %s failed: %+v", p.Src, p.Dst, err)
				continue
			}
			in.policies = append(in.policies, p)
		}
	}
	x.sas[k] = in
	x.Log.Debugf("Installed %s transform 0x%08x %s -> %s", t.Direction, t.SPI, t.Src, t.Dst)
	return nil
}

// TransformDeleted removes what TransformCreated added for t.
func (x *Installer) TransformDeleted(t *child.Transform) {
	x.mu.Lock()
	k := key{spi: t.SPI, dir: t.Direction}
	in, ok := x.sas[k]
	delete(x.sas, k)
	x.mu.Unlock()
	if !ok {
		return
	}
	x.remove(in)
	x.Log.Debugf("Removed %s transform 0x%08x", t.Direction, t.SPI)
}

func (x *Installer) remove(in *installed) {
	for _, p := range in.policies {
		if err := x.kernel().XfrmPolicyDel(p); err != nil {
			x.Log.Warnf("Delete XFRM policy %s -> %s failed: %+v", p.Src, p.Dst, err)
		}
	}
	if err := x.kernel().XfrmStateDel(in.state); err != nil {
		x.Log.Warnf("Delete XFRM state 0x%08x failed: %+v", in.state.Spi, err)
	}
}

// Flush removes everything still installed. Entries of other programs are
// left alone.
func (x *Installer) Flush() {
	x.mu.Lock()
	sas := x.sas
	x.sas = nil
	x.mu.Unlock()
	for _, in := range sas {
		x.remove(in)
	}
	if len(sas) > 0 {
		x.Log.Infof("Flushed %d XFRM states", len(sas))
	}
}

// Len is the number of installed states.
func (x *Installer) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.sas)
}

func (x *Installer) mark() *netlink.XfrmMark {
	if x.Mark == 0 {
		return nil
	}
	return &netlink.XfrmMark{Value: x.Mark, Mask: math.MaxUint32}
}

func (x *Installer) buildState(t *child.Transform) (*netlink.XfrmState, error) {
	state := &netlink.XfrmState{
		Src:          t.Src,
		Dst:          t.Dst,
		Proto:        netlink.XFRM_PROTO_ESP,
		Mode:         netlink.XFRM_MODE_TUNNEL,
		Spi:          int(t.SPI),
		ReplayWindow: 32,
		Mark:         x.mark(),
		Ifid:         x.IfID,
		ESN:          t.Suite.ESN,
	}
	if t.Transport {
		state.Mode = netlink.XFRM_MODE_TRANSPORT
	}
	if err := setAlgorithms(state, t.Suite, t.EncrKey, t.IntegKey); err != nil {
		return nil, err
	}
	if t.Encap {
		state.Encap = &netlink.XfrmStateEncap{
			Type:    netlink.XFRM_ENCAP_ESPINUDP,
			SrcPort: t.SrcPort,
			DstPort: t.DstPort,
		}
	}
	return state, nil
}

// setAlgorithms maps negotiated transforms to the kernel crypto names.
func setAlgorithms(state *netlink.XfrmState, suite *security.Suite, encr, integ []byte) error {
	switch id := suite.Cipher.TransformID(); id {
	case types.ENCR_AES_CBC:
		state.Crypt = &netlink.XfrmStateAlgo{Name: "cbc(aes)", Key: encr}
	case types.ENCR_AES_GCM_16:
		state.Aead = &netlink.XfrmStateAlgo{Name: "rfc4106(gcm(aes))", Key: encr, ICVLen: 128}
	case types.ENCR_CHACHA20_POLY1305:
		state.Aead = &netlink.XfrmStateAlgo{Name: "rfc7539esp(chacha20,poly1305)", Key: encr, ICVLen: 128}
	default:
		return errors.Errorf("no XFRM algorithm for encryption transform %d", id)
	}
	if suite.Integrity == nil {
		return nil
	}
	switch id := suite.Integrity.TransformID(); id {
	case types.AUTH_HMAC_SHA1_96:
		state.Auth = &netlink.XfrmStateAlgo{Name: "hmac(sha1)", Key: integ, TruncateLen: 96}
	case types.AUTH_HMAC_SHA2_256_128:
		state.Auth = &netlink.XfrmStateAlgo{Name: "hmac(sha256)", Key: integ, TruncateLen: 128}
	case types.AUTH_HMAC_SHA2_384_192:
		state.Auth = &netlink.XfrmStateAlgo{Name: "hmac(sha384)", Key: integ, TruncateLen: 192}
	default:
		return errors.Errorf("no XFRM algorithm for integrity transform %d", id)
	}
	return nil
}

// buildPolicies pairs every local selector with every remote one. Inbound
// traffic goes remote -> local.
func (x *Installer) buildPolicies(t *child.Transform, reqid int) []*netlink.XfrmPolicy {
	var policies []*netlink.XfrmPolicy
	for _, l := range t.LocalTS {
		for _, r := range t.RemoteTS {
			src, dst := l, r
			dir := netlink.XFRM_DIR_OUT
			if t.Direction == child.DirectionIn {
				src, dst = r, l
				dir = netlink.XFRM_DIR_IN
			}
			if src.IPProtocolID != dst.IPProtocolID && src.IPProtocolID != 0 && dst.IPProtocolID != 0 {
				continue
			}
			p := &netlink.XfrmPolicy{
				Src:   rangeToNet(src.StartAddress, src.EndAddress),
				Dst:   rangeToNet(dst.StartAddress, dst.EndAddress),
				Proto: netlink.Proto(src.IPProtocolID | dst.IPProtocolID),
				Dir:   dir,
				Mark:  x.mark(),
				Ifid:  x.IfID,
				Tmpls: []netlink.XfrmPolicyTmpl{{
					Src:   t.Src,
					Dst:   t.Dst,
					Proto: netlink.XFRM_PROTO_ESP,
					Mode:  netlink.XFRM_MODE_TUNNEL,
					Reqid: reqid,
				}},
			}
			p.SrcPort = singlePort(src)
			p.DstPort = singlePort(dst)
			policies = append(policies, p)
		}
	}
	return policies
}

func singlePort(ts *message.IndividualTrafficSelector) int {
	if ts.StartPort == ts.EndPort {
		return int(ts.StartPort)
	}
	return 0
}

// rangeToNet returns the smallest prefix holding the address range.
func rangeToNet(start, end net.IP) *net.IPNet {
	if s4, e4 := start.To4(), end.To4(); s4 != nil && e4 != nil {
		sAddr := binary.BigEndian.Uint32(s4)
		eAddr := binary.BigEndian.Uint32(e4)
		ones := 32 - bits.Len32(sAddr^eAddr)
		mask := net.CIDRMask(ones, 32)
		return &net.IPNet{IP: s4.Mask(mask), Mask: mask}
	}
	s16, e16 := start.To16(), end.To16()
	ones := 128
	for i := 0; i < net.IPv6len; i++ {
		if diff := s16[i] ^ e16[i]; diff != 0 {
			ones = i*8 + bits.LeadingZeros8(diff)
			break
		}
	}
	mask := net.CIDRMask(ones, 128)
	return &net.IPNet{IP: s16.Mask(mask), Mask: mask}
}
