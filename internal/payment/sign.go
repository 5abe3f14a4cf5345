package payment

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Validation errors, returned before any cryptographic work.
var (
	ErrZeroChannel   = errors.New("zero channel id")
	ErrZeroPayee     = errors.New("zero payee address")
	ErrInvalidAmount = errors.New("amount must be a non-negative uint256")
)

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

func validate(channelID common.Hash, payee common.Address, amount *big.Int) error {
	if channelID == (common.Hash{}) {
		return ErrZeroChannel
	}
	if payee == (common.Address{}) {
		return ErrZeroPayee
	}
	if amount == nil || amount.Sign() < 0 || amount.Cmp(maxUint256) > 0 {
		return ErrInvalidAmount
	}
	return nil
}

// Digest computes the EIP-191 prefixed hash of the packed authorization tuple:
//
//	keccak256("\x19Ethereum Signed Message:\n32" ||
//	          keccak256(channelId || uint256(requestId) || payee || uint256(amount) || uint256(nonce)))
//
// The inner encoding is solidity abi.encodePacked: bytes32 as-is, uint256
// left-padded to 32 bytes, address as raw 20 bytes. It must match the
// contract's verifySignature exactly; any field change flips the digest.
func Digest(channelID common.Hash, requestID uint64, payee common.Address, amount *big.Int, nonce uint64) (common.Hash, error) {
	if err := validate(channelID, payee, amount); err != nil {
		return common.Hash{}, err
	}

	packed := make([]byte, 0, 32+32+20+32+32)
	packed = append(packed, channelID[:]...)
	packed = appendUint256(packed, new(big.Int).SetUint64(requestID))
	packed = append(packed, payee.Bytes()...)
	packed = appendUint256(packed, amount)
	packed = appendUint256(packed, new(big.Int).SetUint64(nonce))

	inner := crypto.Keccak256(packed)
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(inner))
	return crypto.Keccak256Hash([]byte(prefixed), inner), nil
}

func appendUint256(b []byte, v *big.Int) []byte {
	var word [32]byte
	v.FillBytes(word[:])
	return append(b, word[:]...)
}

// Sign produces the 65-byte authorization signature over the tuple digest.
// V is converted from 0/1 to 27/28 for Solidity ecrecover.
func Sign(channelID common.Hash, requestID uint64, payee common.Address, amount *big.Int, nonce uint64, key *ecdsa.PrivateKey) ([]byte, error) {
	digest, err := Digest(channelID, requestID, payee, amount, nonce)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return nil, fmt.Errorf("sign authorization: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// RecoverSigner extracts the address that signed the authorization tuple.
// sig must be 65 bytes (R || S || V), with V in {0,1} or {27,28}.
func RecoverSigner(channelID common.Hash, requestID uint64, payee common.Address, amount *big.Int, nonce uint64, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, errors.New("invalid signature length")
	}
	digest, err := Digest(channelID, requestID, payee, amount, nonce)
	if err != nil {
		return common.Address{}, err
	}

	sigCopy := make([]byte, 65)
	copy(sigCopy, sig)
	if sigCopy[64] >= 27 {
		sigCopy[64] -= 27
	}

	pub, err := crypto.SigToPub(digest[:], sigCopy)
	if err != nil {
		return common.Address{}, fmt.Errorf("ecrecover: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Verify reports whether sig is a valid authorization for the exact tuple,
// produced by signer. A mismatched or undecodable signature is a false
// result, not an error; only malformed tuple inputs error.
func Verify(channelID common.Hash, requestID uint64, payee common.Address, amount *big.Int, nonce uint64, sig []byte, signer common.Address) (bool, error) {
	if err := validate(channelID, payee, amount); err != nil {
		return false, err
	}
	recovered, err := RecoverSigner(channelID, requestID, payee, amount, nonce, sig)
	if err != nil {
		return false, nil
	}
	return recovered == signer, nil
}
