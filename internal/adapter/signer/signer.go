// Package signer turns transaction requests into relayable payloads.
package signer

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	"sherpa/internal/adapter"
)

// digest is the keccak256 of the canonical JSON payload.
func digest(req adapter.TxRequest) ([]byte, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return crypto.Keccak256(b), nil
}

// Delegated leaves signing to the relayer, which holds the session key's
// delegated authority. The payload names the session key it spends.
type Delegated struct{}

var _ adapter.Signer = Delegated{}

func (Delegated) Sign(ctx context.Context, req adapter.TxRequest) (adapter.SignedTx, error) {
	if strings.TrimSpace(req.SessionKeyID) == "" {
		return adapter.SignedTx{}, errors.New("signer: delegated signing needs a session key")
	}
	h, err := digest(req)
	if err != nil {
		return adapter.SignedTx{}, err
	}
	return adapter.SignedTx{
		TxRequest: req,
		Signer:    "delegated:" + req.SessionKeyID,
		Digest:    "0x" + hex.EncodeToString(h),
	}, nil
}

// Local signs the payload digest with an operator key. It serves manually
// approved executions that run without a session key.
type Local struct {
	key     *ecdsa.PrivateKey
	address string
}

var _ adapter.Signer = (*Local)(nil)

func NewLocal(hexKey string) (*Local, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, errors.New("signer.private_key is required for signer.mode=local")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse signer key: %w", err)
	}
	return &Local{key: key, address: strings.ToLower(crypto.PubkeyToAddress(key.PublicKey).Hex())}, nil
}

func (l *Local) Address() string { return l.address }

func (l *Local) Sign(ctx context.Context, req adapter.TxRequest) (adapter.SignedTx, error) {
	h, err := digest(req)
	if err != nil {
		return adapter.SignedTx{}, err
	}
	sig, err := crypto.Sign(h, l.key)
	if err != nil {
		return adapter.SignedTx{}, err
	}
	return adapter.SignedTx{
		TxRequest: req,
		Signer:    l.address,
		Digest:    "0x" + hex.EncodeToString(h),
		Signature: "0x" + hex.EncodeToString(sig),
	}, nil
}

// Fallback prefers Primary and uses Secondary for requests without a session key.
type Fallback struct {
	Primary   adapter.Signer
	Secondary adapter.Signer
}

func (f Fallback) Sign(ctx context.Context, req adapter.TxRequest) (adapter.SignedTx, error) {
	if strings.TrimSpace(req.SessionKeyID) == "" && f.Secondary != nil {
		return f.Secondary.Sign(ctx, req)
	}
	if f.Primary == nil {
		return adapter.SignedTx{}, errors.New("signer: not configured")
	}
	return f.Primary.Sign(ctx, req)
}
