package context

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/syujy/ikesess/internal/config"
	"github.com/syujy/ikesess/internal/ike/child"
	"github.com/syujy/ikesess/internal/ike/message"
	"github.com/syujy/ikesess/internal/ike/session"
	"github.com/syujy/ikesess/internal/ike/types"
	"github.com/syujy/ikesess/internal/projenv"
)

const (
	defaultWorkers     = 20
	defaultQueueLength = 100
)

type cipher struct {
	id      uint16
	keyBits uint16
	aead    bool
}

var (
	ciphers = map[string]cipher{
		"aes128":           {types.ENCR_AES_CBC, 128, false},
		"aes192":           {types.ENCR_AES_CBC, 192, false},
		"aes256":           {types.ENCR_AES_CBC, 256, false},
		"aes128gcm16":      {types.ENCR_AES_GCM_16, 128, true},
		"aes256gcm16":      {types.ENCR_AES_GCM_16, 256, true},
		"chacha20poly1305": {types.ENCR_CHACHA20_POLY1305, 0, true},
	}
	integrities = map[string]uint16{
		"sha1":   types.AUTH_HMAC_SHA1_96,
		"sha256": types.AUTH_HMAC_SHA2_256_128,
		"sha384": types.AUTH_HMAC_SHA2_384_192,
	}
	prfs = map[string]uint16{
		"sha1":   types.PRF_HMAC_SHA1,
		"sha256": types.PRF_HMAC_SHA2_256,
		"sha384": types.PRF_HMAC_SHA2_384,
	}
	dhGroups = map[string]uint16{
		"modp2048":   types.DH_2048_BIT_MODP,
		"ecp256":     types.DH_256_BIT_ECP,
		"curve25519": types.DH_CURVE_25519,
	}
	configRequests = map[string]uint16{
		"ipv4-address": types.INTERNAL_IP4_ADDRESS,
		"ipv4-netmask": types.INTERNAL_IP4_NETMASK,
		"ipv4-dns":     types.INTERNAL_IP4_DNS,
		"ipv6-address": types.INTERNAL_IP6_ADDRESS,
		"ipv6-dns":     types.INTERNAL_IP6_DNS,
	}

	defaultIkeProposals = []*config.Proposal{{
		Encryption: []string{"aes256", "aes128"},
		Integrity:  []string{"sha256"},
		Prf:        []string{"sha256"},
		DhGroup:    []string{"curve25519", "ecp256", "modp2048"},
	}}
	defaultChildProposals = []*config.Proposal{
		{Encryption: []string{"aes128gcm16", "aes256gcm16"}},
		{Encryption: []string{"aes128", "aes256"}, Integrity: []string{"sha256"}},
	}
)

func invalid(name string) error {
	return fmt.Errorf("Config \"%s\" is not valid", name)
}

func (c *IKESessContext) Init(conf *config.Config) error {
	if conf.Log != nil {
		c.Log = new(Log)
		// Log path
		if len(conf.Log.LogPath) != 0 {
			c.Log.LogPath = conf.Log.LogPath
		} else {
			c.Log.LogPath = projenv.DefaultLogFile
		}
		// Debug level
		if l, err := logrus.ParseLevel(conf.Log.DebugLevel); err != nil {
			c.Log.DebugLevel = logrus.InfoLevel
		} else {
			c.Log.DebugLevel = l
		}
		// Report caller
		c.Log.ReportCaller = conf.Log.ReportCaller
	} else {
		c.Log = &Log{
			LogPath:      projenv.DefaultLogFile,
			DebugLevel:   logrus.InfoLevel,
			ReportCaller: false,
		}
	}

	if conf.Configuration == nil {
		return errors.New("Config \"Configuration\" is missing")
	}
	cfg := conf.Configuration
	if cfg.BindAddress == "" {
		c.BindAddress = "0.0.0.0"
	} else if addr := net.ParseIP(cfg.BindAddress); addr == nil {
		return invalid("BindAddress")
	} else {
		c.BindAddress = cfg.BindAddress
	}
	var err error
	if c.IKEPort, err = port("IKEPort", cfg.IKEPort, types.IKEPort); err != nil {
		return err
	}
	if c.NATTPort, err = port("NATTPort", cfg.NATTPort, types.NATTPort); err != nil {
		return err
	}

	c.TM = TaskManager{Workers: defaultWorkers, QueueLength: defaultQueueLength}
	if tm := cfg.TaskManager; tm != nil {
		if tm.Workers < 0 || tm.QueueLength < 0 {
			return invalid("TaskManager")
		}
		if tm.Workers > 0 {
			c.TM.Workers = tm.Workers
		}
		if tm.QueueLength > 0 {
			c.TM.QueueLength = tm.QueueLength
		}
	}

	c.Sessions = nil
	names := make(map[string]bool)
	for i, s := range cfg.Sessions {
		sc, err := newSessionContext(s)
		if err != nil {
			return fmt.Errorf("Session %d: %w", i, err)
		}
		if names[sc.Name] {
			return invalid("Sessions.Name")
		}
		names[sc.Name] = true
		c.Sessions = append(c.Sessions, sc)
	}
	return nil
}

func port(name string, v int, def uint16) (uint16, error) {
	switch {
	case v < 0 || v > 65535:
		return 0, invalid(name)
	case v == 0:
		return def, nil
	default:
		return uint16(v), nil
	}
}

func newSessionContext(s *config.Session) (*SessionContext, error) {
	if s.Name == "" {
		return nil, invalid("Name")
	}
	if s.Server == "" {
		return nil, invalid("Server")
	}
	sc := &SessionContext{Name: s.Name}
	p := &session.Params{
		Server:        s.Server,
		Fragmentation: true,
	}
	if s.Fragmentation != nil {
		p.Fragmentation = *s.Fragmentation
	}

	if s.LocalID == nil {
		return nil, invalid("LocalID")
	}
	var err error
	if p.LocalID, err = identity("LocalID", s.LocalID, false); err != nil {
		return nil, err
	}
	p.RemoteID = session.Identity{Type: session.IDAny}
	if s.RemoteID != nil {
		if p.RemoteID, err = identity("RemoteID", s.RemoteID, true); err != nil {
			return nil, err
		}
	}

	if s.Auth == nil {
		return nil, invalid("Auth")
	}
	switch strings.ToLower(s.Auth.Method) {
	case "psk", "":
		if s.Auth.PSK == "" {
			return nil, invalid("Auth.PSK")
		}
		p.Auth = session.AuthPSK
		p.PSK = []byte(s.Auth.PSK)
	case "eap":
		if s.Auth.EAP == nil || s.Auth.EAP.Identity == "" {
			return nil, invalid("Auth.EAP")
		}
		p.Auth = session.AuthEAP
		sc.EapIdentity = []byte(s.Auth.EAP.Identity)
		sc.EapPassword = []byte(s.Auth.EAP.Password)
	default:
		return nil, invalid("Auth.Method")
	}

	proposals := s.Proposals
	if len(proposals) == 0 {
		proposals = defaultIkeProposals
	}
	if p.Proposals, err = buildProposals(proposals, types.TypeIKE); err != nil {
		return nil, err
	}

	for _, ms := range s.RetransmitTimeoutsMs {
		if ms <= 0 {
			return nil, invalid("RetransmitTimeoutsMs")
		}
		p.RetransmitTimeouts = append(p.RetransmitTimeouts, time.Duration(ms)*time.Millisecond)
	}
	if p.DpdDelay, err = seconds("DpdDelaySec", s.DpdDelaySec); err != nil {
		return nil, err
	}
	if p.NattKeepaliveDelay, err = seconds("NattKeepaliveDelaySec", s.NattKeepaliveDelaySec); err != nil {
		return nil, err
	}
	if p.SoftLifetime, err = seconds("SoftLifetimeSec", s.SoftLifetimeSec); err != nil {
		return nil, err
	}
	if p.HardLifetime, err = seconds("HardLifetimeSec", s.HardLifetimeSec); err != nil {
		return nil, err
	}
	for _, name := range s.ConfigRequests {
		t, ok := configRequests[strings.ToLower(name)]
		if !ok {
			return nil, invalid("ConfigRequests")
		}
		p.ConfigRequests = append(p.ConfigRequests, t)
	}
	sc.Params = p.WithDefaults()
	if sc.Params.SoftLifetime >= sc.Params.HardLifetime {
		return nil, invalid("SoftLifetimeSec")
	}

	if len(s.ChildSessions) == 0 {
		return nil, invalid("ChildSessions")
	}
	for _, c := range s.ChildSessions {
		cc, err := newChildContext(c)
		if err != nil {
			return nil, err
		}
		sc.Children = append(sc.Children, cc)
	}
	return sc, nil
}

func seconds(name string, v int) (time.Duration, error) {
	if v < 0 {
		return 0, invalid(name)
	}
	return time.Duration(v) * time.Second, nil
}

func identity(name string, id *config.Identity, remote bool) (session.Identity, error) {
	var out session.Identity
	switch strings.ToLower(id.Type) {
	case "fqdn":
		out.Type = types.ID_FQDN
		out.Data = []byte(id.Value)
	case "email":
		out.Type = types.ID_RFC822_ADDR
		out.Data = []byte(id.Value)
	case "keyid":
		out.Type = types.ID_KEY_ID
		out.Data = []byte(id.Value)
	case "ipv4":
		ip := net.ParseIP(id.Value).To4()
		if ip == nil {
			return out, invalid(name)
		}
		out.Type = types.ID_IPV4_ADDR
		out.Data = ip
	case "ipv6":
		ip := net.ParseIP(id.Value)
		if ip == nil || ip.To4() != nil {
			return out, invalid(name)
		}
		out.Type = types.ID_IPV6_ADDR
		out.Data = ip.To16()
	case "any":
		if !remote {
			return out, invalid(name)
		}
		out.Type = session.IDAny
		return out, nil
	default:
		return out, invalid(name)
	}
	if len(out.Data) == 0 {
		return out, invalid(name)
	}
	return out, nil
}

// buildProposals numbers proposals from 1. Child proposals carry ESN
// disabled and no DH group unless one is configured.
func buildProposals(ps []*config.Proposal, protocol types.ProtocolID) ([]*message.Proposal, error) {
	var out []*message.Proposal
	for i, cp := range ps {
		p := &message.Proposal{Number: uint8(i + 1), ProtocolID: protocol}
		if len(cp.Encryption) == 0 {
			return nil, invalid("Proposals.Encryption")
		}
		aead := false
		for j, name := range cp.Encryption {
			c, ok := ciphers[strings.ToLower(name)]
			if !ok || (j > 0 && c.aead != aead) {
				return nil, invalid("Proposals.Encryption")
			}
			aead = c.aead
			p.EncryptionAlgorithm = append(p.EncryptionAlgorithm,
				&message.Transform{Type: types.TypeEncryptionAlgorithm, ID: c.id, KeyLength: c.keyBits})
		}
		if aead && len(cp.Integrity) > 0 {
			return nil, invalid("Proposals.Integrity")
		}
		if !aead && len(cp.Integrity) == 0 {
			return nil, invalid("Proposals.Integrity")
		}
		for _, name := range cp.Integrity {
			id, ok := integrities[strings.ToLower(name)]
			if !ok {
				return nil, invalid("Proposals.Integrity")
			}
			p.IntegrityAlgorithm = append(p.IntegrityAlgorithm,
				&message.Transform{Type: types.TypeIntegrityAlgorithm, ID: id})
		}
		for _, name := range cp.DhGroup {
			if strings.ToLower(name) == "none" && protocol == types.TypeESP {
				continue
			}
			id, ok := dhGroups[strings.ToLower(name)]
			if !ok {
				return nil, invalid("Proposals.DhGroup")
			}
			p.DiffieHellmanGroup = append(p.DiffieHellmanGroup,
				&message.Transform{Type: types.TypeDiffieHellmanGroup, ID: id})
		}

		if protocol == types.TypeIKE {
			prf := cp.Prf
			if len(prf) == 0 {
				prf = []string{"sha256"}
			}
			for _, name := range prf {
				id, ok := prfs[strings.ToLower(name)]
				if !ok {
					return nil, invalid("Proposals.Prf")
				}
				p.PseudorandomFunction = append(p.PseudorandomFunction,
					&message.Transform{Type: types.TypePseudorandomFunction, ID: id})
			}
			if len(p.DiffieHellmanGroup) == 0 {
				return nil, invalid("Proposals.DhGroup")
			}
		} else {
			if len(cp.Prf) > 0 {
				return nil, invalid("Proposals.Prf")
			}
			p.ExtendedSequenceNumbers = []*message.Transform{
				{Type: types.TypeExtendedSequenceNumbers, ID: types.ESN_DISABLE},
			}
		}
		out = append(out, p)
	}
	return out, nil
}

func newChildContext(c *config.ChildSession) (*ChildContext, error) {
	if c.Name == "" {
		return nil, invalid("ChildSessions.Name")
	}
	cc := &ChildContext{Name: c.Name}
	p := &child.Params{}
	switch strings.ToLower(c.Mode) {
	case "", "tunnel":
	case "transport":
		p.Transport = true
	default:
		return nil, invalid("ChildSessions.Mode")
	}
	proposals := c.Proposals
	if len(proposals) == 0 {
		proposals = defaultChildProposals
	}
	var err error
	if p.Proposals, err = buildProposals(proposals, types.TypeESP); err != nil {
		return nil, err
	}
	if p.LocalTS, err = selectors("ChildSessions.LocalTS", c.LocalTS); err != nil {
		return nil, err
	}
	if p.RemoteTS, err = selectors("ChildSessions.RemoteTS", c.RemoteTS); err != nil {
		return nil, err
	}
	if p.SoftLifetime, err = seconds("ChildSessions.SoftLifetimeSec", c.SoftLifetimeSec); err != nil {
		return nil, err
	}
	if p.HardLifetime, err = seconds("ChildSessions.HardLifetimeSec", c.HardLifetimeSec); err != nil {
		return nil, err
	}
	cc.Params = p.WithDefaults()
	if cc.Params.SoftLifetime >= cc.Params.HardLifetime {
		return nil, invalid("ChildSessions.SoftLifetimeSec")
	}
	if c.Xfrm != nil && c.Xfrm.Enable {
		cc.Xfrm = &XfrmContext{Mark: c.Xfrm.Mark, IfID: c.Xfrm.IfID}
	}
	return cc, nil
}

func selectors(name string, in []*config.TrafficSelector) ([]*message.IndividualTrafficSelector, error) {
	if len(in) == 0 {
		return nil, invalid(name)
	}
	var out []*message.IndividualTrafficSelector
	for _, ts := range in {
		start, end := net.ParseIP(ts.StartAddr), net.ParseIP(ts.EndAddr)
		if start == nil || end == nil || (start.To4() == nil) != (end.To4() == nil) {
			return nil, invalid(name)
		}
		s := &message.IndividualTrafficSelector{
			IPProtocolID: uint8(ts.Protocol),
			StartPort:    uint16(ts.StartPort),
			EndPort:      uint16(ts.EndPort),
		}
		if ts.Protocol < 0 || ts.Protocol > 255 || ts.StartPort < 0 || ts.EndPort > 65535 {
			return nil, invalid(name)
		}
		if ts.EndPort == 0 {
			s.EndPort = 65535
		}
		if s.StartPort > s.EndPort {
			return nil, invalid(name)
		}
		if v4 := start.To4(); v4 != nil {
			s.TSType = types.TS_IPV4_ADDR_RANGE
			s.StartAddress, s.EndAddress = v4, end.To4()
		} else {
			s.TSType = types.TS_IPV6_ADDR_RANGE
			s.StartAddress, s.EndAddress = start.To16(), end.To16()
		}
		out = append(out, s)
	}
	return out, nil
}
