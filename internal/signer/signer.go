// Package signer implements C2: the deterministic ECDSA signer over the
// packed mint-authorization message. It plays the role the teacher's
// consensus/openssl_signer.go plays for block/transaction signatures, but
// targets the same secp256k1 + Keccak256 + personal-message-prefix scheme
// the on-chain verifier contract expects, via go-ethereum's crypto package
// rather than the teacher's cgo/OpenSSL backend — there is no OpenSSL
// primitive this scheme needs that go-ethereum's pure-Go secp256k1 doesn't
// already provide.
package signer

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// personalPrefix is the standard Ethereum signed-message prefix applied
// before ECDSA-signing the 32-byte packed digest (spec.md "Signed message
// layout").
const personalPrefix = "\x19Ethereum Signed Message:\n32"

type Signer struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

// New loads the backend verifier key once from its hex encoding. Absence
// or malformedness of the key is fatal per spec.md §4.2/§7 — callers
// should treat a non-nil error here as a startup failure.
func New(privateKeyHex string) (*Signer, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if trimmed == "" {
		return nil, fmt.Errorf("signer: BACKEND_VERIFIER_PRIVATE_KEY is empty")
	}
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("signer: invalid private key: %w", err)
	}
	return &Signer{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address returns the backend verifier's on-chain address (useful for
// diagnostics, never part of the signed payload itself).
func (s *Signer) Address() common.Address { return s.addr }

// PackedDigest computes the 32-byte Keccak256 digest of the packed tuple
// (address creator, bytes32 contentHash, bytes32 keccak(ipURI),
// bytes32 keccak(nftURI), uint256 nonce, uint256 expiresAt) — bit-exact
// with the on-chain verifier's packed encoding (spec.md §4.2, §6).
func PackedDigest(creator common.Address, contentHash [32]byte, ipURI, nftURI string, nonce uint64, expiresAt int64) [32]byte {
	ipHash := crypto.Keccak256Hash([]byte(ipURI))
	nftHash := crypto.Keccak256Hash([]byte(nftURI))

	buf := make([]byte, 0, 20+32+32+32+32+32)
	buf = append(buf, creator.Bytes()...)
	buf = append(buf, contentHash[:]...)
	buf = append(buf, ipHash.Bytes()...)
	buf = append(buf, nftHash.Bytes()...)
	buf = append(buf, uint256Bytes(nonce)...)
	buf = append(buf, int256Bytes(expiresAt)...)

	return crypto.Keccak256Hash(buf)
}

func uint256Bytes(v uint64) []byte {
	b := make([]byte, 32)
	big.NewInt(0).SetUint64(v).FillBytes(b)
	return b
}

func int256Bytes(v int64) []byte {
	b := make([]byte, 32)
	big.NewInt(v).FillBytes(b)
	return b
}

// Sign produces the (message, signature) pair for a mint authorization:
// message is the packed digest, signature is the 65-byte ECDSA signature
// over the personal-message-prefixed digest. Callers must pass already
// well-formed URIs — the packed tuple hashes their UTF-8 bytes directly,
// never a caller-supplied hash, so a caller that pre-hashes a URI before
// calling Sign would silently double-hash it.
func (s *Signer) Sign(creator common.Address, contentHash [32]byte, ipURI, nftURI string, nonce uint64, expiresAt int64) (message [32]byte, signature [65]byte, err error) {
	if s == nil || s.key == nil {
		return message, signature, fmt.Errorf("signer: not initialized")
	}
	digest := PackedDigest(creator, contentHash, ipURI, nftURI, nonce, expiresAt)
	prefixed := crypto.Keccak256Hash(append([]byte(personalPrefix), digest[:]...))

	sig, err := crypto.Sign(prefixed.Bytes(), s.key)
	if err != nil {
		return message, signature, fmt.Errorf("signer: sign: %w", err)
	}
	if len(sig) != 65 {
		return message, signature, fmt.Errorf("signer: unexpected signature length %d", len(sig))
	}
	// go-ethereum's recovery id is 0/1; the standard Ethereum v value
	// expected by personal-message verifiers is 27/28.
	sig[64] += 27

	message = digest
	copy(signature[:], sig)
	return message, signature, nil
}

// ContentHash computes keccak(ipURI || nftURI) as spec.md §4.6 step 1
// defines it: the content-identity key derived from the packed pair of
// metadata URIs.
func ContentHash(ipURI, nftURI string) [32]byte {
	return crypto.Keccak256Hash([]byte(ipURI), []byte(nftURI))
}
