package security

import (
	"bytes"
	"crypto/hmac"
)

const keyPad = "Key Pad for IKEv2"

// SignedOctets builds the octets covered by the AUTH payload (RFC 7296
// Section 2.15): RealMessage | NonceOther | prf(SK_p, IDBody)
func SignedOctets(prf Prf, realMessage, nonceOther, skP, idBody []byte) []byte {
	var buf bytes.Buffer
	buf.Write(realMessage)
	buf.Write(nonceOther)
	buf.Write(prf.Sign(skP, idBody))
	return buf.Bytes()
}

// SharedKeyAuth computes prf(prf(secret, "Key Pad for IKEv2"), signedOctets).
// secret is the PSK, or the MSK after EAP.
func SharedKeyAuth(prf Prf, secret, signedOctets []byte) []byte {
	return prf.Sign(prf.Sign(secret, []byte(keyPad)), signedOctets)
}

// VerifySharedKeyAuth compares a received AUTH value in constant time.
func VerifySharedKeyAuth(prf Prf, secret, signedOctets, received []byte) bool {
	return hmac.Equal(SharedKeyAuth(prf, secret, signedOctets), received)
}
