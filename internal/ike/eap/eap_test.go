package eap_test

import (
	"crypto/md5"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syujy/ikesess/internal/ike/eap"
)

func TestIdentityAndMD5Challenge(t *testing.T) {
	p := eap.NewPeer([]byte("alice@example.com"), []byte("secret"))

	res := p.Process(eap.BuildRequest(1, eap.TypeIdentity, nil))
	require.Equal(t, eap.KindResponse, res.Kind)
	assert.Equal(t, eap.CodeResponse, res.Response[0])
	assert.Equal(t, uint8(1), res.Response[1])
	assert.Equal(t, eap.TypeIdentity, res.Response[4])
	assert.Equal(t, []byte("alice@example.com"), res.Response[5:])

	challenge := []byte("0123456789abcdef")
	res = p.Process(eap.BuildRequest(2, eap.TypeMD5Challenge, append([]byte{16}, challenge...)))
	require.Equal(t, eap.KindResponse, res.Kind)
	want := md5.Sum(append(append([]byte{2}, []byte("secret")...), challenge...))
	assert.Equal(t, eap.TypeMD5Challenge, res.Response[4])
	assert.Equal(t, uint8(md5.Size), res.Response[5])
	assert.Equal(t, want[:], res.Response[6:])

	res = p.Process(eap.BuildResult(eap.CodeSuccess, 2))
	assert.Equal(t, eap.KindSuccess, res.Kind)
	assert.Empty(t, res.MSK)
}

func TestUnsupportedMethodIsNaked(t *testing.T) {
	p := eap.NewPeer([]byte("id"), []byte("pw"))
	res := p.Process(eap.BuildRequest(7, 23, []byte{1, 2, 3}))
	require.Equal(t, eap.KindResponse, res.Kind)
	assert.Equal(t, eap.TypeNak, res.Response[4])
	assert.Equal(t, []byte{eap.TypeMD5Challenge}, res.Response[5:])
}

func TestFailureAndMalformed(t *testing.T) {
	p := eap.NewPeer([]byte("id"), []byte("pw"))

	assert.Equal(t, eap.KindError, p.Process([]byte{1, 2}).Kind)
	assert.Equal(t, eap.KindError, p.Process(eap.BuildResult(eap.CodeSuccess, 1)).Kind)

	bad := eap.BuildRequest(1, eap.TypeMD5Challenge, []byte{32, 1, 2})
	res := p.Process(bad)
	assert.Equal(t, eap.KindError, res.Kind)
	assert.Error(t, res.Err)

	assert.Equal(t, eap.KindFailure, p.Process(eap.BuildResult(eap.CodeFailure, 3)).Kind)
}
