package signing

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"creditrail/internal/ledger"
)

const testKeyHex = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

func testDomain() Domain {
	return Domain{
		Name:              "CreditRail",
		Version:           "1",
		ChainID:           big.NewInt(31337),
		VerifyingContract: common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"),
	}
}

func testTerms() ledger.OfferTerms {
	return ledger.OfferTerms{
		Borrower:     common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8"),
		Nonce:        7,
		Principal:    big.NewInt(5_000_000_000_000_000),
		RateBps:      500,
		DueAt:        1_700_003_600,
		ExpiresAt:    1_700_000_300,
		Action:       1,
		MetadataHash: [32]byte{0xab},
	}
}

func TestSignOfferRoundTrip(t *testing.T) {
	signer, err := NewSigner(testKeyHex, testDomain())
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	sig, err := signer.SignOffer(testTerms())
	if err != nil {
		t.Fatalf("sign offer: %v", err)
	}
	if len(sig) != crypto.SignatureLength {
		t.Fatalf("expected %d byte signature, got %d", crypto.SignatureLength, len(sig))
	}
	if sig[64] != 27 && sig[64] != 28 {
		t.Fatalf("expected v in {27,28}, got %d", sig[64])
	}

	recovered, err := RecoverOfferSigner(testDomain(), testTerms(), sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != signer.Address() {
		t.Fatalf("recovered %s, want %s", recovered.Hex(), signer.Address().Hex())
	}
}

func TestDigestBindsDomain(t *testing.T) {
	base, err := OfferDigest(testDomain(), testTerms())
	if err != nil {
		t.Fatalf("digest: %v", err)
	}

	otherChain := testDomain()
	otherChain.ChainID = big.NewInt(1)
	crossChain, err := OfferDigest(otherChain, testTerms())
	if err != nil {
		t.Fatalf("digest other chain: %v", err)
	}
	if bytes.Equal(base, crossChain) {
		t.Fatal("digest must change with chain id")
	}

	otherContract := testDomain()
	otherContract.VerifyingContract = common.HexToAddress("0x000000000000000000000000000000000000dEaD")
	crossContract, err := OfferDigest(otherContract, testTerms())
	if err != nil {
		t.Fatalf("digest other contract: %v", err)
	}
	if bytes.Equal(base, crossContract) {
		t.Fatal("digest must change with verifying contract")
	}
}

func TestDigestBindsTerms(t *testing.T) {
	base, err := OfferDigest(testDomain(), testTerms())
	if err != nil {
		t.Fatalf("digest: %v", err)
	}

	bumped := testTerms()
	bumped.Nonce++
	other, err := OfferDigest(testDomain(), bumped)
	if err != nil {
		t.Fatalf("digest bumped nonce: %v", err)
	}
	if bytes.Equal(base, other) {
		t.Fatal("digest must change with nonce")
	}
}

func TestRecoverPolicySigner(t *testing.T) {
	signer, err := NewSigner(testKeyHex, testDomain())
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	borrower := common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")

	digest, err := PolicyRegistrationDigest(testDomain(), borrower, 100, 200)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	sig, err := signer.sign(digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	recovered, err := RecoverPolicySigner(testDomain(), borrower, 100, 200, sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != signer.Address() {
		t.Fatalf("recovered %s, want %s", recovered.Hex(), signer.Address().Hex())
	}
}

func TestRecoverRejectsShortSignature(t *testing.T) {
	if _, err := RecoverOfferSigner(testDomain(), testTerms(), []byte{0x01}); err == nil {
		t.Fatal("expected error for malformed signature")
	}
}
