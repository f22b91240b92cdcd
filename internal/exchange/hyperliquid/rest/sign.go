package rest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"gridbot/internal/exchange"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/vmihailenco/msgpack/v5"
)

const l1ChainID = 1337

// actionHash: keccak256(msgpack(action) || nonce || vault).
func actionHash(action any, nonce int64, vault string) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.UseCompactInts(true)
	if err := enc.Encode(action); err != nil {
		return nil, fmt.Errorf("Не удалось упаковать действие: %w", err)
	}

	var nonceBytes [8]byte
	binary.BigEndian.PutUint64(nonceBytes[:], uint64(nonce))
	buf.Write(nonceBytes[:])

	if vault == "" {
		buf.WriteByte(0x00)
	} else {
		buf.WriteByte(0x01)
		buf.Write(common.HexToAddress(vault).Bytes())
	}
	return crypto.Keccak256(buf.Bytes()), nil
}

// l1Digest: EIP-712 хеш фантомного агента, которым подписываются действия на /exchange.
func l1Digest(connectionID []byte, mainnet bool) ([]byte, error) {
	source := "b"
	if mainnet {
		source = "a"
	}

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Agent": []apitypes.Type{
				{Name: "source", Type: "string"},
				{Name: "connectionId", Type: "bytes32"},
			},
		},
		PrimaryType: "Agent",
		Domain: apitypes.TypedDataDomain{
			Name:              "Exchange",
			Version:           "1",
			ChainId:           math.NewHexOrDecimal256(l1ChainID),
			VerifyingContract: common.Address{}.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"source":       source,
			"connectionId": connectionID,
		},
	}

	digest, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, fmt.Errorf("Не удалось посчитать EIP-712 хеш: %w", err)
	}
	return digest, nil
}

func (c *Client) signAction(signer exchange.Signer, action any, nonce int64) (Signature, error) {
	hash, err := actionHash(action, nonce, c.vault)
	if err != nil {
		return Signature{}, err
	}
	digest, err := l1Digest(hash, c.mainnet)
	if err != nil {
		return Signature{}, err
	}

	sig, err := signer.Sign(digest)
	if err != nil {
		return Signature{}, err
	}
	if len(sig) != crypto.SignatureLength {
		return Signature{}, fmt.Errorf("Некорректная длина подписи: %d", len(sig))
	}

	v := sig[64]
	if v < 27 {
		v += 27
	}
	return Signature{
		R: hexutil.Encode(sig[:32]),
		S: hexutil.Encode(sig[32:64]),
		V: v,
	}, nil
}

func (c *Client) vaultPtr() *string {
	if c.vault == "" {
		return nil
	}
	vault := strings.ToLower(c.vault)
	return &vault
}
