package rest

import (
	"crypto/ecdsa"
	"testing"
	"time"

	"gridbot/internal/logger"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type keySigner struct {
	key *ecdsa.PrivateKey
}

func newKeySigner(t *testing.T) *keySigner {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return &keySigner{key: key}
}

func (s *keySigner) Address() string {
	return crypto.PubkeyToAddress(s.key.PublicKey).Hex()
}

func (s *keySigner) Sign(digest []byte) ([]byte, error) {
	return crypto.Sign(digest, s.key)
}

func (s *keySigner) ExpiresAt() time.Time {
	return time.Now().Add(time.Hour)
}

func sampleAction() orderAction {
	return orderAction{
		Type: "order",
		Orders: []orderWire{{
			Asset:     4,
			IsBuy:     true,
			LimitPx:   "99",
			Size:      "0.01",
			OrderType: orderTypeWire{Limit: &limitWire{Tif: "Gtc"}},
			Cloid:     "0x0123456789abcdef0123456789abcdef",
		}},
		Grouping: "na",
	}
}

func TestActionHashDependsOnNonceAndVault(t *testing.T) {
	action := sampleAction()

	h1, err := actionHash(action, 1700000000000, "")
	require.NoError(t, err)
	h2, err := actionHash(action, 1700000000000, "")
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 32)

	h3, err := actionHash(action, 1700000000001, "")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)

	h4, err := actionHash(action, 1700000000000, "0x1111111111111111111111111111111111111111")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h4)
}

func TestSignActionRecoversSigner(t *testing.T) {
	signer := newKeySigner(t)
	c := New(Config{BaseURL: "http://localhost"}, logger.Discard())

	action := sampleAction()
	nonce := int64(1700000000000)
	sig, err := c.signAction(signer, action, nonce)
	require.NoError(t, err)
	assert.Contains(t, []byte{27, 28}, sig.V)

	hash, err := actionHash(action, nonce, "")
	require.NoError(t, err)
	digest, err := l1Digest(hash, false)
	require.NoError(t, err)

	raw := append(hexutil.MustDecode(sig.R), hexutil.MustDecode(sig.S)...)
	raw = append(raw, sig.V-27)
	pub, err := crypto.SigToPub(digest, raw)
	require.NoError(t, err)
	assert.Equal(t, signer.Address(), crypto.PubkeyToAddress(*pub).Hex())

	mainnet, err := l1Digest(hash, true)
	require.NoError(t, err)
	assert.NotEqual(t, digest, mainnet)
}

func TestNonceIsStrictlyIncreasing(t *testing.T) {
	c := New(Config{BaseURL: "http://localhost"}, logger.Discard())
	fixed := time.UnixMilli(1700000000000)
	c.now = func() time.Time { return fixed }

	first := c.nextNonce()
	second := c.nextNonce()
	assert.Equal(t, int64(1700000000000), first)
	assert.Equal(t, first+1, second)
}
