package crypto

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/flasharb/internal/domain"
)

var _ domain.Signer = (*LocalSigner)(nil)

// LocalSigner signs EIP-1559 transactions with an in-memory key.
type LocalSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID *big.Int
	signer  types.Signer
}

// NewLocalSigner creates a signer for chainID.
func NewLocalSigner(key *ecdsa.PrivateKey, chainID *big.Int) *LocalSigner {
	return &LocalSigner{
		key:     key,
		address: ethcrypto.PubkeyToAddress(key.PublicKey),
		chainID: new(big.Int).Set(chainID),
		signer:  types.LatestSignerForChainID(chainID),
	}
}

// Address returns the checksummed signing address.
func (s *LocalSigner) Address() string {
	return s.address.Hex()
}

// Sign builds and signs a dynamic-fee transaction from tx. Nonce, TipCap and
// FeeCap must already be set.
func (s *LocalSigner) Sign(_ context.Context, tx domain.PreparedTransaction) (domain.SignedTransaction, error) {
	if tx.TipCap == nil || tx.FeeCap == nil {
		return domain.SignedTransaction{}, fmt.Errorf("%w: fee caps not set", domain.ErrSigningFailed)
	}
	if !common.IsHexAddress(tx.To) {
		return domain.SignedTransaction{}, fmt.Errorf("%w: bad recipient %q", domain.ErrSigningFailed, tx.To)
	}
	to := common.HexToAddress(tx.To)
	value := tx.Value
	if value == nil {
		value = new(big.Int)
	}

	signed, err := types.SignNewTx(s.key, s.signer, &types.DynamicFeeTx{
		ChainID:   s.chainID,
		Nonce:     tx.Nonce,
		GasTipCap: tx.TipCap,
		GasFeeCap: tx.FeeCap,
		Gas:       tx.GasLimit,
		To:        &to,
		Value:     value,
		Data:      tx.Data,
	})
	if err != nil {
		return domain.SignedTransaction{}, fmt.Errorf("%w: %w", domain.ErrSigningFailed, err)
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return domain.SignedTransaction{}, fmt.Errorf("%w: encode: %w", domain.ErrSigningFailed, err)
	}
	return domain.SignedTransaction{
		Hash:  signed.Hash().Hex(),
		Nonce: tx.Nonce,
		Raw:   raw,
	}, nil
}
