package payment

import (
	"crypto/ecdsa"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	testChannelID = common.Hash{0xab, 0xcd, 0x01}
	testPayee     = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func newTestKey(t *testing.T) (*ecdsa.PrivateKey, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return key, crypto.PubkeyToAddress(key.PublicKey)
}

// ── Digest ───────────────────────────────────────────────────────────────────

func TestDigest_Deterministic(t *testing.T) {
	d1, err := Digest(testChannelID, 1, testPayee, big.NewInt(300_000), 0)
	if err != nil {
		t.Fatalf("Digest: %v", err)
	}
	d2, _ := Digest(testChannelID, 1, testPayee, big.NewInt(300_000), 0)
	if d1 != d2 {
		t.Fatal("Digest is not deterministic")
	}
}

func TestDigest_FieldSensitivity(t *testing.T) {
	base, _ := Digest(testChannelID, 1, testPayee, big.NewInt(100), 5)

	otherChannel := common.Hash{0xff}
	cases := map[string]common.Hash{}

	d, _ := Digest(otherChannel, 1, testPayee, big.NewInt(100), 5)
	cases["channelID"] = d
	d, _ = Digest(testChannelID, 2, testPayee, big.NewInt(100), 5)
	cases["requestID"] = d
	d, _ = Digest(testChannelID, 1, common.HexToAddress("0x3333333333333333333333333333333333333333"), big.NewInt(100), 5)
	cases["payee"] = d
	d, _ = Digest(testChannelID, 1, testPayee, big.NewInt(101), 5)
	cases["amount"] = d
	d, _ = Digest(testChannelID, 1, testPayee, big.NewInt(100), 6)
	cases["nonce"] = d

	for field, got := range cases {
		if got == base {
			t.Errorf("changing %s did not change the digest", field)
		}
	}
}

func TestDigest_RejectsMalformedInput(t *testing.T) {
	if _, err := Digest(common.Hash{}, 1, testPayee, big.NewInt(1), 0); !errors.Is(err, ErrZeroChannel) {
		t.Errorf("zero channel: got %v, want ErrZeroChannel", err)
	}
	if _, err := Digest(testChannelID, 1, common.Address{}, big.NewInt(1), 0); !errors.Is(err, ErrZeroPayee) {
		t.Errorf("zero payee: got %v, want ErrZeroPayee", err)
	}
	if _, err := Digest(testChannelID, 1, testPayee, big.NewInt(-1), 0); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("negative amount: got %v, want ErrInvalidAmount", err)
	}
	if _, err := Digest(testChannelID, 1, testPayee, nil, 0); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("nil amount: got %v, want ErrInvalidAmount", err)
	}
	over := new(big.Int).Lsh(big.NewInt(1), 256)
	if _, err := Digest(testChannelID, 1, testPayee, over, 0); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("overflowing amount: got %v, want ErrInvalidAmount", err)
	}
}

// ── Sign + Verify ────────────────────────────────────────────────────────────

func TestSign_SignatureLength(t *testing.T) {
	key, _ := newTestKey(t)
	sig, err := Sign(testChannelID, 1, testPayee, big.NewInt(300_000), 0, key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if len(sig) != 65 {
		t.Fatalf("expected 65-byte signature, got %d", len(sig))
	}
	if sig[64] != 27 && sig[64] != 28 {
		t.Errorf("V not normalized to 27/28: %d", sig[64])
	}
}

func TestSign_RecoverAddress(t *testing.T) {
	key, signer := newTestKey(t)

	sig, err := Sign(testChannelID, 1, testPayee, big.NewInt(300_000), 0, key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	recovered, err := RecoverSigner(testChannelID, 1, testPayee, big.NewInt(300_000), 0, sig)
	if err != nil {
		t.Fatalf("RecoverSigner: %v", err)
	}
	if recovered != signer {
		t.Errorf("recovered %s, want %s", recovered.Hex(), signer.Hex())
	}
}

func TestVerify_ExactTupleOnly(t *testing.T) {
	key, signer := newTestKey(t)
	sig, err := Sign(testChannelID, 7, testPayee, big.NewInt(100), 2, key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	ok, err := Verify(testChannelID, 7, testPayee, big.NewInt(100), 2, sig, signer)
	if err != nil || !ok {
		t.Fatalf("exact tuple should verify: ok=%v err=%v", ok, err)
	}

	// Each mutated field must flip verification to false.
	if ok, _ := Verify(testChannelID, 7, testPayee, big.NewInt(101), 2, sig, signer); ok {
		t.Error("amount 100→101 should invalidate the signature")
	}
	if ok, _ := Verify(testChannelID, 8, testPayee, big.NewInt(100), 2, sig, signer); ok {
		t.Error("changed requestID should invalidate the signature")
	}
	if ok, _ := Verify(testChannelID, 7, testPayee, big.NewInt(100), 3, sig, signer); ok {
		t.Error("changed nonce should invalidate the signature")
	}
	other := common.Hash{0x01}
	if ok, _ := Verify(other, 7, testPayee, big.NewInt(100), 2, sig, signer); ok {
		t.Error("changed channelID should invalidate the signature")
	}
}

func TestVerify_WrongSigner(t *testing.T) {
	key, _ := newTestKey(t)
	_, other := newTestKey(t)

	sig, err := Sign(testChannelID, 1, testPayee, big.NewInt(100), 0, key)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	ok, err := Verify(testChannelID, 1, testPayee, big.NewInt(100), 0, sig, other)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if ok {
		t.Error("signature should not verify against a different signer")
	}
}

func TestVerify_GarbageSignatureIsFalseNotError(t *testing.T) {
	_, signer := newTestKey(t)
	garbage := make([]byte, 65)
	ok, err := Verify(testChannelID, 1, testPayee, big.NewInt(100), 0, garbage, signer)
	if err != nil {
		t.Fatalf("garbage signature should not error: %v", err)
	}
	if ok {
		t.Error("garbage signature verified")
	}
}

func TestSign_DifferentNoncesDifferentSignatures(t *testing.T) {
	key, _ := newTestKey(t)
	s1, _ := Sign(testChannelID, 1, testPayee, big.NewInt(100), 1, key)
	s2, _ := Sign(testChannelID, 1, testPayee, big.NewInt(100), 2, key)
	if string(s1) == string(s2) {
		t.Error("different nonces should produce different signatures")
	}
}
