// Copyright 2025 Certen Protocol

// Package cryptobls adapts the validator's BLS12-381 primitives
// (pkg/crypto/bls) to the quorum store's signing surface: signing and
// verifying a BatchInfo's canonical bytes, and aggregating a quorum's
// signatures and public keys into a ProofOfStore.
package cryptobls

import (
	"fmt"

	"github.com/certen/quorumstore/pkg/crypto/bls"

	"github.com/certen/quorumstore"
)

// DomainQuorumStoreDigest domain-separates quorum store signatures from
// the validator's other attestation kinds (DomainAttestation, etc).
const DomainQuorumStoreDigest = "QUORUMSTORE_DIGEST_V1"

// PrivateKey signs a validator's own BatchInfo attestations.
type PrivateKey struct {
	inner *bls.PrivateKey
}

// PublicKey verifies attestations and participates in aggregation.
type PublicKey struct {
	inner *bls.PublicKey
}

// GenerateKeyPair creates a fresh BLS12-381 key pair for a validator.
func GenerateKeyPair() (*PrivateKey, *PublicKey, error) {
	sk, pk, err := bls.GenerateKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("generate quorum store signing key: %w", err)
	}
	return &PrivateKey{inner: sk}, &PublicKey{inner: pk}, nil
}

// PrivateKeyFromBytes deserializes a 32-byte BLS scalar.
func PrivateKeyFromBytes(data []byte) (*PrivateKey, error) {
	sk, err := bls.PrivateKeyFromBytes(data)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{inner: sk}, nil
}

// PublicKeyFromBytes deserializes a 96-byte BLS G2 point.
func PublicKeyFromBytes(data []byte) (*PublicKey, error) {
	if err := bls.ValidateBLSPublicKeySubgroup(data); err != nil {
		return nil, fmt.Errorf("validate public key: %w", err)
	}
	pk, err := bls.PublicKeyFromBytes(data)
	if err != nil {
		return nil, err
	}
	return &PublicKey{inner: pk}, nil
}

// Bytes returns the serialized public key.
func (pk *PublicKey) Bytes() []byte { return pk.inner.Bytes() }

// Public derives the public key for sk.
func (sk *PrivateKey) Public() *PublicKey {
	return &PublicKey{inner: sk.inner.PublicKey()}
}

// SignBatchInfo signs the canonical bytes of info with domain separation.
func (sk *PrivateKey) SignBatchInfo(info quorumstore.BatchInfo) []byte {
	sig := sk.inner.SignWithDomain(info.CanonicalBytes(), DomainQuorumStoreDigest)
	return sig.Bytes()
}

// VerifyBatchInfo checks signature against info under this public key.
func (pk *PublicKey) VerifyBatchInfo(info quorumstore.BatchInfo, signature []byte) bool {
	if err := bls.ValidateBLSSignatureSubgroup(signature); err != nil {
		return false
	}
	sig, err := bls.SignatureFromBytes(signature)
	if err != nil {
		return false
	}
	return pk.inner.VerifyWithDomain(sig, info.CanonicalBytes(), DomainQuorumStoreDigest)
}

// Aggregate combines a quorum's individual signatures over the same
// BatchInfo into a single aggregate signature, per ProofOfStore.
func Aggregate(signatures [][]byte) ([]byte, error) {
	sigs := make([]*bls.Signature, 0, len(signatures))
	for i, s := range signatures {
		sig, err := bls.SignatureFromBytes(s)
		if err != nil {
			return nil, fmt.Errorf("signature %d: %w", i, err)
		}
		sigs = append(sigs, sig)
	}
	agg, err := bls.AggregateSignatures(sigs)
	if err != nil {
		return nil, err
	}
	return agg.Bytes(), nil
}

// VerifyAggregate checks an aggregate signature against the same BatchInfo
// signed by every one of publicKeys.
func VerifyAggregate(info quorumstore.BatchInfo, aggregateSignature []byte, publicKeys []*PublicKey) bool {
	sig, err := bls.SignatureFromBytes(aggregateSignature)
	if err != nil {
		return false
	}
	inner := make([]*bls.PublicKey, 0, len(publicKeys))
	for _, pk := range publicKeys {
		inner = append(inner, pk.inner)
	}
	return bls.VerifyAggregateSignatureWithDomain(sig, inner, info.CanonicalBytes(), DomainQuorumStoreDigest)
}
