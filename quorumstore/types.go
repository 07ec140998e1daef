// Copyright 2025 Certen Protocol

// Package quorumstore holds the wire and storage types shared by every
// quorum store component: the fragment/digest/proof data model, the
// external-collaborator interfaces (Hasher, KV, MempoolClient, Sender) that
// concrete adapters implement, and the sentinel error taxonomy.
package quorumstore

import (
	"context"
	"encoding/binary"
	"fmt"
)

// PeerID identifies a validator. Validator-network addressing itself is an
// external collaborator; this repo only needs a stable, comparable key.
type PeerID string

// Epoch is a monotonically increasing identifier of the current validator
// set. All messages carry it; mismatches are discarded.
type Epoch uint64

// Round is a consensus-time coordinate used for expiry deadlines.
type Round uint64

// LogicalTime is the (epoch, round) pair used as a durable deadline.
type LogicalTime struct {
	Epoch Epoch `json:"epoch"`
	Round Round `json:"round"`
}

// BatchId is unique per originator per epoch: the author plus a local
// monotonic counter assigned by the caller (the ordering layer), never
// generated inside the quorum store.
type BatchId struct {
	Author PeerID `json:"author"`
	Nonce  uint64 `json:"nonce"`
}

func (b BatchId) String() string {
	return fmt.Sprintf("%s/%d", b.Author, b.Nonce)
}

// Digest is the canonical hash identifying a batch end-to-end.
type Digest [32]byte

func (d Digest) String() string {
	return fmt.Sprintf("%x", d[:])
}

// IsZero reports whether d is the zero digest (never a valid batch hash in
// practice, used as a "no digest yet" sentinel).
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// SerializedTransaction is an opaque byte blob the aggregator hashes and
// length-accounts but never interprets.
type SerializedTransaction []byte

// Fragment is a chunk of a batch shipped on the wire. fragment_id starts at
// 0 and increments by 1 within a batch; only the final fragment carries a
// non-nil Expiry.
type Fragment struct {
	Epoch      Epoch          `json:"epoch"`
	BatchId    BatchId        `json:"batch_id"`
	FragmentID uint64         `json:"fragment_id"`
	Payload    []SerializedTransaction `json:"payload"`
	Expiry     *LogicalTime   `json:"expiry,omitempty"`
	Author     PeerID         `json:"author"`
}

// BatchInfo is the metadata bound to a signature: author, expiry, payload
// size, and batch_id, so a signer binds to complete metadata rather than
// the bare hash.
type BatchInfo struct {
	Author   PeerID      `json:"author"`
	Digest   Digest      `json:"digest"`
	Expiry   LogicalTime `json:"expiry"`
	NumBytes uint64      `json:"num_bytes"`
	BatchId  BatchId     `json:"batch_id"`
}

// CanonicalBytes returns the deterministic encoding signed over by
// SignedDigest and verified by ProofBuilder. Signature inputs are always
// the canonical serialization of BatchInfo, never the raw payload.
func (bi BatchInfo) CanonicalBytes() []byte {
	buf := make([]byte, 0, len(bi.Author)+32+16+8+len(bi.BatchId.Author)+8)
	buf = append(buf, []byte(bi.Author)...)
	buf = append(buf, bi.Digest[:]...)
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], uint64(bi.Expiry.Epoch))
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint64(tmp[:], uint64(bi.Expiry.Round))
	buf = append(buf, tmp[:]...)
	binary.BigEndian.PutUint64(tmp[:], bi.NumBytes)
	buf = append(buf, tmp[:]...)
	buf = append(buf, []byte(bi.BatchId.Author)...)
	binary.BigEndian.PutUint64(tmp[:], bi.BatchId.Nonce)
	buf = append(buf, tmp[:]...)
	return buf
}

// PersistedBatch is a complete, durably stored batch. Memory-resident
// payload may be evicted under quota pressure while the durable copy
// remains until expiry; Payload is nil when not loaded in memory.
type PersistedBatch struct {
	Info    BatchInfo               `json:"info"`
	Payload []SerializedTransaction `json:"payload,omitempty"`
}

// SignedDigest is one validator's attestation that it durably stored the
// batch identified by BatchInfo.Digest.
type SignedDigest struct {
	Signer    PeerID    `json:"signer"`
	Info      BatchInfo `json:"info"`
	Signature []byte    `json:"signature"`
}

// ProofOfStore is the aggregate signature over a quorum of SignedDigest
// entries for one batch.
type ProofOfStore struct {
	Info               BatchInfo `json:"info"`
	AggregateSignature []byte    `json:"aggregate_signature"`
	Signers            []PeerID  `json:"signers"`
}

// BatchRequest asks a peer to serve a batch payload by digest.
type BatchRequest struct {
	Epoch     Epoch  `json:"epoch"`
	Digest    Digest `json:"digest"`
	Requester PeerID `json:"requester"`
}

// BatchResponse fulfills a BatchRequest.
type BatchResponse struct {
	Epoch   Epoch                   `json:"epoch"`
	Digest  Digest                  `json:"digest"`
	Payload []SerializedTransaction `json:"payload"`
}

// Hasher computes the canonical digest of an assembled batch. The hash
// primitive itself is an external collaborator; this is the seam a caller
// plugs a different algorithm into.
type Hasher interface {
	// BatchDigest hashes the framing (epoch, author, batch_id, total byte
	// length) followed by each fragment payload in fragment order.
	BatchDigest(epoch Epoch, author PeerID, batchID BatchId, payloads []SerializedTransaction) Digest
}

// KV is the byte-level persistent key-value store keyed by digest bytes
// (QuorumStoreDB's storage contract, spec §4.2).
type KV interface {
	Put(key []byte, value []byte) error
	Get(key []byte) ([]byte, error)
	Delete(key []byte) error
	// IterAll visits every stored key/value pair; iteration order is
	// unspecified. Returning an error from fn stops iteration early.
	IterAll(fn func(key, value []byte) error) error
	Close() error
}

// MempoolClient pulls pending transactions for inclusion in a new batch.
// Out of scope per spec.md §1; only the interface lives here so the
// worker/aggregator have a seam to depend on.
type MempoolClient interface {
	PullTransactions(ctx context.Context, maxCount int) ([]SerializedTransaction, error)
}
