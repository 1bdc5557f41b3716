// Package signing produces and verifies the typed structured-data
// signatures that bind loan offers to one protocol, chain and pool
// contract, preventing cross-context replay.
package signing

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	xerrors "creditrail/internal/errors"
	"creditrail/internal/ledger"
)

// Domain pins signatures to (protocol, version, chain, pool contract).
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

var offerType = []apitypes.Type{
	{Name: "borrower", Type: "address"},
	{Name: "nonce", Type: "uint64"},
	{Name: "principal", Type: "uint256"},
	{Name: "rateBps", Type: "uint32"},
	{Name: "dueAt", Type: "uint64"},
	{Name: "expiresAt", Type: "uint64"},
	{Name: "action", Type: "uint8"},
	{Name: "metadataHash", Type: "bytes32"},
}

var policyRegistrationType = []apitypes.Type{
	{Name: "borrower", Type: "address"},
	{Name: "issuedAt", Type: "uint64"},
	{Name: "expiresAt", Type: "uint64"},
}

// Signer holds the issuer's off-chain key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	domain  Domain
}

// NewSigner parses a hex private key (with or without 0x) and binds it to
// the domain.
func NewSigner(privateKeyHex string, domain Domain) (*Signer, error) {
	keyHex := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if keyHex == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "signer private key is empty")
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "parse signer private key")
	}
	return &Signer{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
		domain:  domain,
	}, nil
}

// Address returns the issuer address derived from the key.
func (s *Signer) Address() common.Address {
	return s.address
}

// Domain returns the bound signing domain.
func (s *Signer) Domain() Domain {
	return s.domain
}

// SignOffer produces the 65-byte issuer authorization for the offer terms.
func (s *Signer) SignOffer(terms ledger.OfferTerms) ([]byte, error) {
	digest, err := OfferDigest(s.domain, terms)
	if err != nil {
		return nil, err
	}
	return s.sign(digest)
}

func (s *Signer) sign(digest []byte) ([]byte, error) {
	signature, err := crypto.Sign(digest, s.key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSigningFailure, err, "sign digest")
	}
	// Recovery id 0/1 becomes 27/28 on chain.
	signature[64] += 27
	return signature, nil
}

// OfferDigest computes the EIP-712 digest of the offer terms under domain.
func OfferDigest(domain Domain, terms ledger.OfferTerms) ([]byte, error) {
	message := apitypes.TypedDataMessage{
		"borrower":     terms.Borrower.Hex(),
		"nonce":        fmt.Sprintf("%d", terms.Nonce),
		"principal":    terms.Principal.String(),
		"rateBps":      fmt.Sprintf("%d", terms.RateBps),
		"dueAt":        fmt.Sprintf("%d", terms.DueAt),
		"expiresAt":    fmt.Sprintf("%d", terms.ExpiresAt),
		"action":       fmt.Sprintf("%d", terms.Action),
		"metadataHash": hexutil.Encode(terms.MetadataHash[:]),
	}
	return digest(domain, "LoanOffer", offerType, message)
}

// PolicyRegistrationDigest computes the digest a borrower signs to register
// a policy.
func PolicyRegistrationDigest(domain Domain, borrower common.Address, issuedAt, expiresAt uint64) ([]byte, error) {
	message := apitypes.TypedDataMessage{
		"borrower":  borrower.Hex(),
		"issuedAt":  fmt.Sprintf("%d", issuedAt),
		"expiresAt": fmt.Sprintf("%d", expiresAt),
	}
	return digest(domain, "PolicyRegistration", policyRegistrationType, message)
}

func digest(domain Domain, primaryType string, fields []apitypes.Type, message apitypes.TypedDataMessage) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			primaryType: fields,
		},
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: domain.VerifyingContract.Hex(),
		},
		Message: message,
	}

	structHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSigningFailure, err, "hash struct")
	}
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeSigningFailure, err, "hash domain")
	}

	raw := make([]byte, 0, 2+len(domainSeparator)+len(structHash))
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domainSeparator...)
	raw = append(raw, structHash...)
	return crypto.Keccak256(raw), nil
}

// RecoverOfferSigner returns the address that produced signature over the
// offer terms. Used to verify borrower countersignatures before spending a
// submission on them.
func RecoverOfferSigner(domain Domain, terms ledger.OfferTerms, signature []byte) (common.Address, error) {
	dig, err := OfferDigest(domain, terms)
	if err != nil {
		return common.Address{}, err
	}
	return recoverAddress(dig, signature)
}

// RecoverPolicySigner returns the address that signed a policy
// registration.
func RecoverPolicySigner(domain Domain, borrower common.Address, issuedAt, expiresAt uint64, signature []byte) (common.Address, error) {
	dig, err := PolicyRegistrationDigest(domain, borrower, issuedAt, expiresAt)
	if err != nil {
		return common.Address{}, err
	}
	return recoverAddress(dig, signature)
}

func recoverAddress(digest, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("signature must be %d bytes, got %d", crypto.SignatureLength, len(signature)))
	}
	sig := make([]byte, crypto.SignatureLength)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "recover signer")
	}
	return crypto.PubkeyToAddress(*pub), nil
}
