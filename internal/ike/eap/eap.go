package eap

import (
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"
)

// EAP codes
const (
	CodeRequest  uint8 = 1
	CodeResponse uint8 = 2
	CodeSuccess  uint8 = 3
	CodeFailure  uint8 = 4
)

// EAP method types
const (
	TypeIdentity     uint8 = 1
	TypeNotification uint8 = 2
	TypeNak          uint8 = 3
	TypeMD5Challenge uint8 = 4
)

const headerLen = 4

type Kind int

const (
	KindResponse Kind = iota
	KindSuccess
	KindFailure
	KindError
)

func (k Kind) String() string {
	switch k {
	case KindResponse:
		return "Response"
	case KindSuccess:
		return "Success"
	case KindFailure:
		return "Failure"
	default:
		return "Error"
	}
}

// Result is the outcome of processing one inbound EAP packet.
type Result struct {
	Kind     Kind
	Response []byte
	// MSK and EMSK are set on success by key generating methods only.
	MSK  []byte
	EMSK []byte
	Err  error
}

// Authenticator is the peer side of an EAP conversation. Process is given
// each EAP packet received from the server, in order.
type Authenticator interface {
	Process(packet []byte) *Result
}

// Peer answers Identity requests and runs EAP-MD5-Challenge (RFC 3748
// Section 5.4). Any other method is refused with a Nak proposing MD5.
type Peer struct {
	Identity []byte
	Password []byte

	answered bool
}

func NewPeer(identity, password []byte) *Peer {
	return &Peer{Identity: identity, Password: password}
}

func (p *Peer) Process(packet []byte) *Result {
	if len(packet) < headerLen {
		return errorResult(errors.New("EAP packet too short"))
	}
	code := packet[0]
	identifier := packet[1]
	length := int(binary.BigEndian.Uint16(packet[2:4]))
	if length != len(packet) {
		return errorResult(fmt.Errorf("EAP length %d mismatched with packet size %d", length, len(packet)))
	}

	switch code {
	case CodeSuccess:
		if !p.answered {
			return errorResult(errors.New("EAP success before any response"))
		}
		return &Result{Kind: KindSuccess}
	case CodeFailure:
		return &Result{Kind: KindFailure}
	case CodeRequest:
	default:
		return errorResult(fmt.Errorf("Unexpected EAP code %d", code))
	}

	if length < headerLen+1 {
		return errorResult(errors.New("EAP request without type"))
	}
	typeData := packet[headerLen+1:]
	var resp []byte
	switch packet[headerLen] {
	case TypeIdentity:
		resp = build(CodeResponse, identifier, TypeIdentity, p.Identity)
	case TypeNotification:
		resp = build(CodeResponse, identifier, TypeNotification, nil)
	case TypeMD5Challenge:
		value, err := p.md5Response(identifier, typeData)
		if err != nil {
			return errorResult(err)
		}
		resp = build(CodeResponse, identifier, TypeMD5Challenge, value)
	default:
		resp = build(CodeResponse, identifier, TypeNak, []byte{TypeMD5Challenge})
	}
	p.answered = true
	return &Result{Kind: KindResponse, Response: resp}
}

// md5Response computes Value-Size | MD5(Identifier | password | challenge).
func (p *Peer) md5Response(identifier uint8, data []byte) ([]byte, error) {
	if len(data) < 1 {
		return nil, errors.New("MD5-Challenge without value size")
	}
	size := int(data[0])
	if size == 0 || 1+size > len(data) {
		return nil, fmt.Errorf("Invalid MD5-Challenge value size %d", size)
	}
	challenge := data[1 : 1+size]

	h := md5.New()
	_, _ = h.Write([]byte{identifier}) // hash.Hash.Write() never return an error
	_, _ = h.Write(p.Password)
	_, _ = h.Write(challenge)
	return append([]byte{md5.Size}, h.Sum(nil)...), nil
}

func build(code, identifier, eapType uint8, data []byte) []byte {
	b := make([]byte, headerLen+1, headerLen+1+len(data))
	b[0] = code
	b[1] = identifier
	binary.BigEndian.PutUint16(b[2:4], uint16(headerLen+1+len(data)))
	b[4] = eapType
	return append(b, data...)
}

// BuildRequest builds a server request, used by tests and fake peers.
func BuildRequest(identifier, eapType uint8, data []byte) []byte {
	return build(CodeRequest, identifier, eapType, data)
}

// BuildResult builds an EAP Success or Failure packet.
func BuildResult(code, identifier uint8) []byte {
	b := make([]byte, headerLen)
	b[0] = code
	b[1] = identifier
	binary.BigEndian.PutUint16(b[2:4], headerLen)
	return b
}

func errorResult(err error) *Result {
	return &Result{Kind: KindError, Err: err}
}
