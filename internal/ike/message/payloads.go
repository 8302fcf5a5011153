package message

import (
	"encoding/binary"

	"github.com/syujy/ikesess/internal/ike/ikeerr"
	"github.com/syujy/ikesess/internal/ike/types"
)

// Key exchange

type KeyExchange struct {
	DiffieHellmanGroup uint16
	KeyExchangeData    []byte
}

func (ke *KeyExchange) Type() types.PayloadType { return types.TypeKE }

func (ke *KeyExchange) marshal() ([]byte, error) {
	b := make([]byte, 4)
	binary.BigEndian.PutUint16(b[0:2], ke.DiffieHellmanGroup)
	return append(b, ke.KeyExchangeData...), nil
}

func (ke *KeyExchange) unmarshal(b []byte) error {
	if len(b) < 4 {
		return ikeerr.InvalidSyntax("KE payload too short")
	}
	ke.DiffieHellmanGroup = binary.BigEndian.Uint16(b[0:2])
	ke.KeyExchangeData = append([]byte(nil), b[4:]...)
	return nil
}

// Nonce

const (
	MinNonceLen = 16
	MaxNonceLen = 256
)

type Nonce struct {
	NonceData []byte
}

func (n *Nonce) Type() types.PayloadType { return types.TypeNiNr }

func (n *Nonce) marshal() ([]byte, error) {
	return append([]byte(nil), n.NonceData...), nil
}

func (n *Nonce) unmarshal(b []byte) error {
	if len(b) < MinNonceLen || len(b) > MaxNonceLen {
		return ikeerr.InvalidSyntax("invalid nonce length %d", len(b))
	}
	n.NonceData = append([]byte(nil), b...)
	return nil
}

// Identification

type Identification struct {
	Initiator bool
	IDType    uint8
	IDData    []byte
}

func (id *Identification) Type() types.PayloadType {
	if id.Initiator {
		return types.TypeIDi
	}
	return types.TypeIDr
}

// Body returns the payload body that is covered by AUTH signatures.
func (id *Identification) Body() []byte {
	b, _ := id.marshal()
	return b
}

func (id *Identification) marshal() ([]byte, error) {
	b := make([]byte, 4)
	b[0] = id.IDType
	return append(b, id.IDData...), nil
}

func (id *Identification) unmarshal(b []byte) error {
	if len(b) < 4 {
		return ikeerr.InvalidSyntax("ID payload too short")
	}
	id.IDType = b[0]
	id.IDData = append([]byte(nil), b[4:]...)
	return nil
}

// Certificate

type Certificate struct {
	CertificateEncoding uint8
	CertificateData     []byte
}

func (c *Certificate) Type() types.PayloadType { return types.TypeCERT }

func (c *Certificate) marshal() ([]byte, error) {
	return append([]byte{c.CertificateEncoding}, c.CertificateData...), nil
}

func (c *Certificate) unmarshal(b []byte) error {
	if len(b) < 1 {
		return ikeerr.InvalidSyntax("CERT payload too short")
	}
	c.CertificateEncoding = b[0]
	c.CertificateData = append([]byte(nil), b[1:]...)
	return nil
}

type CertificateRequest struct {
	CertificateEncoding    uint8
	CertificationAuthority []byte
}

func (c *CertificateRequest) Type() types.PayloadType { return types.TypeCERTreq }

func (c *CertificateRequest) marshal() ([]byte, error) {
	return append([]byte{c.CertificateEncoding}, c.CertificationAuthority...), nil
}

func (c *CertificateRequest) unmarshal(b []byte) error {
	if len(b) < 1 {
		return ikeerr.InvalidSyntax("CERTREQ payload too short")
	}
	c.CertificateEncoding = b[0]
	c.CertificationAuthority = append([]byte(nil), b[1:]...)
	return nil
}

// Authentication

type Authentication struct {
	AuthenticationMethod uint8
	AuthenticationData   []byte
}

func (a *Authentication) Type() types.PayloadType { return types.TypeAUTH }

func (a *Authentication) marshal() ([]byte, error) {
	b := make([]byte, 4)
	b[0] = a.AuthenticationMethod
	return append(b, a.AuthenticationData...), nil
}

func (a *Authentication) unmarshal(b []byte) error {
	if len(b) < 4 {
		return ikeerr.InvalidSyntax("AUTH payload too short")
	}
	a.AuthenticationMethod = b[0]
	a.AuthenticationData = append([]byte(nil), b[4:]...)
	return nil
}

// Notify

type Notify struct {
	ProtocolID       types.ProtocolID
	SPI              []byte
	NotifyType       types.NotifyType
	NotificationData []byte
}

func NewNotify(t types.NotifyType, data []byte) *Notify {
	return &Notify{ProtocolID: types.TypeNone, NotifyType: t, NotificationData: data}
}

// NewChildNotify builds a notification bound to an ESP Child SA SPI.
func NewChildNotify(t types.NotifyType, spi uint32, data []byte) *Notify {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, spi)
	return &Notify{ProtocolID: types.TypeESP, SPI: b, NotifyType: t, NotificationData: data}
}

func (n *Notify) Type() types.PayloadType { return types.TypeN }

func (n *Notify) ChildSPI() uint32 {
	if len(n.SPI) != types.ChildSpiSize {
		return 0
	}
	return binary.BigEndian.Uint32(n.SPI)
}

func (n *Notify) marshal() ([]byte, error) {
	b := make([]byte, 4)
	b[0] = uint8(n.ProtocolID)
	b[1] = uint8(len(n.SPI))
	binary.BigEndian.PutUint16(b[2:4], uint16(n.NotifyType))
	b = append(b, n.SPI...)
	return append(b, n.NotificationData...), nil
}

func (n *Notify) unmarshal(b []byte) error {
	if len(b) < 4 {
		return ikeerr.InvalidSyntax("Notify payload too short")
	}
	n.ProtocolID = types.ProtocolID(b[0])
	spiSize := int(b[1])
	n.NotifyType = types.NotifyType(binary.BigEndian.Uint16(b[2:4]))
	if 4+spiSize > len(b) {
		return ikeerr.InvalidSyntax("invalid Notify SPI size %d", spiSize)
	}
	if spiSize > 0 {
		n.SPI = append([]byte(nil), b[4:4+spiSize]...)
	}
	n.NotificationData = append([]byte(nil), b[4+spiSize:]...)
	return nil
}

// Delete

type Delete struct {
	ProtocolID types.ProtocolID
	SPIs       [][]byte
}

func NewDeleteIKE() *Delete {
	return &Delete{ProtocolID: types.TypeIKE}
}

func NewDeleteChild(spis ...uint32) *Delete {
	d := &Delete{ProtocolID: types.TypeESP}
	for _, spi := range spis {
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, spi)
		d.SPIs = append(d.SPIs, b)
	}
	return d
}

func (d *Delete) Type() types.PayloadType { return types.TypeD }

func (d *Delete) ChildSPIs() []uint32 {
	var spis []uint32
	for _, spi := range d.SPIs {
		if len(spi) == types.ChildSpiSize {
			spis = append(spis, binary.BigEndian.Uint32(spi))
		}
	}
	return spis
}

func (d *Delete) marshal() ([]byte, error) {
	b := make([]byte, 4)
	b[0] = uint8(d.ProtocolID)
	spiSize := 0
	if len(d.SPIs) > 0 {
		spiSize = len(d.SPIs[0])
	}
	b[1] = uint8(spiSize)
	binary.BigEndian.PutUint16(b[2:4], uint16(len(d.SPIs)))
	for _, spi := range d.SPIs {
		if len(spi) != spiSize {
			return nil, ikeerr.Internalf("inconsistent SPI sizes in Delete payload")
		}
		b = append(b, spi...)
	}
	return b, nil
}

func (d *Delete) unmarshal(b []byte) error {
	if len(b) < 4 {
		return ikeerr.InvalidSyntax("Delete payload too short")
	}
	d.ProtocolID = types.ProtocolID(b[0])
	spiSize := int(b[1])
	num := int(binary.BigEndian.Uint16(b[2:4]))
	switch d.ProtocolID {
	case types.TypeIKE:
		if spiSize != 0 || num != 0 {
			return ikeerr.InvalidSyntax("Delete IKE payload must not carry SPIs")
		}
	case types.TypeAH, types.TypeESP:
		if spiSize != types.ChildSpiSize {
			return ikeerr.InvalidSyntax("invalid Delete Child SPI size %d", spiSize)
		}
	default:
		return ikeerr.InvalidSyntax("invalid Delete protocol ID %d", d.ProtocolID)
	}
	if len(b)-4 != spiSize*num {
		return ikeerr.InvalidSyntax("Delete payload length mismatch")
	}
	for i := 0; i < num; i++ {
		off := 4 + i*spiSize
		d.SPIs = append(d.SPIs, append([]byte(nil), b[off:off+spiSize]...))
	}
	return nil
}

// Vendor ID

type VendorID struct {
	Data []byte
}

func (v *VendorID) Type() types.PayloadType { return types.TypeV }

func (v *VendorID) marshal() ([]byte, error) {
	return append([]byte(nil), v.Data...), nil
}

func (v *VendorID) unmarshal(b []byte) error {
	v.Data = append([]byte(nil), b...)
	return nil
}

// EAP carries a raw EAP packet.
type EAP struct {
	Data []byte
}

func (e *EAP) Type() types.PayloadType { return types.TypeEAP }

func (e *EAP) marshal() ([]byte, error) {
	return append([]byte(nil), e.Data...), nil
}

func (e *EAP) unmarshal(b []byte) error {
	if len(b) < 4 {
		return ikeerr.InvalidSyntax("EAP payload too short")
	}
	if int(binary.BigEndian.Uint16(b[2:4])) != len(b) {
		return ikeerr.InvalidSyntax("EAP length mismatch")
	}
	e.Data = append([]byte(nil), b...)
	return nil
}

// Unknown holds a payload this implementation doesn't handle. Decoded ones
// are never critical.
type Unknown struct {
	PayloadType types.PayloadType
	Critical    bool
	Data        []byte
}

func (u *Unknown) Type() types.PayloadType { return u.PayloadType }

func (u *Unknown) marshal() ([]byte, error) {
	return append([]byte(nil), u.Data...), nil
}

func (u *Unknown) unmarshal(b []byte) error {
	u.Data = append([]byte(nil), b...)
	return nil
}
