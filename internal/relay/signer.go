package relay

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer produces the smart account owner's signature over a user operation
// hash. Key custody lives behind this interface.
type Signer interface {
	Address() common.Address
	SignUserOpHash(ctx context.Context, hash common.Hash) ([]byte, error)
}

// LocalSigner signs with an in-memory key. Development only.
type LocalSigner struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// NewLocalSigner parses a hex private key, with or without 0x.
func NewLocalSigner(hexKey string) (*LocalSigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("parsing signer key: %w", err)
	}
	return &LocalSigner{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

func (s *LocalSigner) Address() common.Address { return s.addr }

// SignUserOpHash signs the EIP-191 personal message digest of hash, the form
// LightAccount validates.
func (s *LocalSigner) SignUserOpHash(_ context.Context, hash common.Hash) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(hash.Bytes()), s.key)
	if err != nil {
		return nil, fmt.Errorf("signing user operation: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}
