// Package attest produces BLS12-381 receipts over execution digests.
// Each node signs the digest of every proposal it executes; receipts
// from multiple nodes over the same digest aggregate into a single
// signature verifiable against the aggregate public key.
package attest

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
	"github.com/zeebo/blake3"
)

const (
	// PublicKeySize is the size of a compressed BLS public key in bytes.
	PublicKeySize = 48

	// SignatureSize is the size of a compressed BLS signature in bytes.
	SignatureSize = 96
)

// dst is the domain separation tag for attestation signatures.
var dst = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")

// Attestor holds a BLS key pair and signs execution digests.
// It implements governance.Attestor.
type Attestor struct {
	secret *blst.SecretKey
	public *blst.P1Affine
}

// New creates an attestor with a fresh random BLS key.
func New() (*Attestor, error) {
	var ikm [32]byte
	if _, err := rand.Read(ikm[:]); err != nil {
		return nil, fmt.Errorf("read random seed:\n%w", err)
	}

	return FromSeed(ikm[:])
}

// FromED25519 derives a deterministic attestor from a node's ed25519
// signing key, binding the BLS identity to the node identity via
// blake3("conclave-attest-keygen" || seed).
func FromED25519(privKey ed25519.PrivateKey) (*Attestor, error) {
	h := blake3.New()
	h.Write([]byte("conclave-attest-keygen"))
	h.Write(privKey.Seed())

	var derived [32]byte
	h.Sum(derived[:0])

	return FromSeed(derived[:])
}

// FromSeed creates an attestor from a deterministic seed.
// The seed must be at least 32 bytes.
func FromSeed(seed []byte) (*Attestor, error) {
	if len(seed) < 32 {
		return nil, fmt.Errorf("seed must be at least 32 bytes")
	}

	secret := blst.KeyGen(seed)
	if secret == nil {
		return nil, fmt.Errorf("BLS key generation failed")
	}

	return &Attestor{
		secret: secret,
		public: new(blst.P1Affine).From(secret),
	}, nil
}

// Attest signs an execution digest.
func (a *Attestor) Attest(digest [32]byte) ([]byte, error) {
	sig := new(blst.P2Affine).Sign(a.secret, digest[:], dst)
	return sig.Compress(), nil
}

// PublicKey returns the compressed public key bytes.
func (a *Attestor) PublicKey() []byte {
	return a.public.Compress()
}

// Verify checks a receipt against a digest and a compressed public key.
func Verify(receipt []byte, digest [32]byte, publicKey []byte) bool {
	if len(receipt) != SignatureSize || len(publicKey) != PublicKeySize {
		return false
	}

	sig := new(blst.P2Affine).Uncompress(receipt)
	if sig == nil {
		return false
	}

	pk := new(blst.P1Affine).Uncompress(publicKey)
	if pk == nil {
		return false
	}

	return sig.Verify(true, pk, true, digest[:], dst)
}

// Aggregate combines receipts over the same digest into one signature.
func Aggregate(receipts [][]byte) ([]byte, error) {
	if len(receipts) == 0 {
		return nil, fmt.Errorf("no receipts to aggregate")
	}

	sigs := make([]*blst.P2Affine, len(receipts))

	for i, data := range receipts {
		if len(data) != SignatureSize {
			return nil, fmt.Errorf("invalid receipt size at index %d", i)
		}

		sig := new(blst.P2Affine).Uncompress(data)
		if sig == nil {
			return nil, fmt.Errorf("invalid receipt at index %d", i)
		}

		sigs[i] = sig
	}

	agg := new(blst.P2Aggregate)
	if !agg.Aggregate(sigs, true) {
		return nil, fmt.Errorf("receipt aggregation failed")
	}

	return agg.ToAffine().Compress(), nil
}

// VerifyAggregate verifies an aggregated receipt against a digest and
// the signers' compressed public keys.
func VerifyAggregate(receipt []byte, digest [32]byte, publicKeys [][]byte) bool {
	if len(receipt) != SignatureSize || len(publicKeys) == 0 {
		return false
	}

	sig := new(blst.P2Affine).Uncompress(receipt)
	if sig == nil {
		return false
	}

	pks := make([]*blst.P1Affine, len(publicKeys))

	for i, data := range publicKeys {
		if len(data) != PublicKeySize {
			return false
		}

		pk := new(blst.P1Affine).Uncompress(data)
		if pk == nil {
			return false
		}

		pks[i] = pk
	}

	aggPk := new(blst.P1Aggregate)
	if !aggPk.Aggregate(pks, true) {
		return false
	}

	return sig.Verify(true, aggPk.ToAffine(), true, digest[:], dst)
}
