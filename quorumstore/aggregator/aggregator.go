// Copyright 2025 Certen Protocol

// Package aggregator streams the fragments of one in-progress batch per
// author and computes its rolling digest, translating the BatchAggregator
// state machine driven by QuorumStore::handle_append_to_batch and
// handle_end_batch in the original quorum_store.rs.
package aggregator

import (
	"github.com/certen/quorumstore"
)

// Aggregator tracks exactly one in-progress batch at a time. It is not
// safe for concurrent use; the worker owns one Aggregator per author (its
// own and each peer's) and drives them all from its single command loop,
// per the no-shared-mutable-state concurrency model.
type Aggregator struct {
	hasher quorumstore.Hasher

	hasBatch      bool
	currentBatch  quorumstore.BatchId
	nextFragment  uint64
	accumBytes    uint64
	accumPayload  []quorumstore.SerializedTransaction

	maxBatchBytes uint64
}

// New creates an Aggregator bounded by maxBatchBytes (spec's
// max_batch_bytes). hasher computes the final digest on EndBatch.
func New(hasher quorumstore.Hasher, maxBatchBytes uint64) *Aggregator {
	return &Aggregator{
		hasher:        hasher,
		maxBatchBytes: maxBatchBytes,
	}
}

// Reset drops any in-progress batch, invoked when an incoming fragment
// signals a new batch_id from the same author.
func (a *Aggregator) Reset() {
	a.hasBatch = false
	a.currentBatch = quorumstore.BatchId{}
	a.nextFragment = 0
	a.accumBytes = 0
	a.accumPayload = nil
}

// resetOnNewBatch implements the original's append_transactions behavior:
// a fragment_id==0 for a batch_id different from the one in progress starts
// a fresh batch rather than being rejected, so a lost terminal fragment
// cannot permanently wedge this author's aggregator against every batch it
// ever ships afterward (spec §4.1 invariant 4).
func (a *Aggregator) resetOnNewBatch(batchID quorumstore.BatchId, fragmentID uint64) {
	if a.hasBatch && batchID != a.currentBatch && fragmentID == 0 {
		a.Reset()
	}
}

func (a *Aggregator) accept(batchID quorumstore.BatchId, fragmentID uint64) error {
	if a.hasBatch && batchID != a.currentBatch {
		return quorumstore.ErrWrongBatch
	}
	if fragmentID != a.nextFragment {
		return quorumstore.ErrOutOfOrder
	}
	return nil
}

func payloadBytes(payload []quorumstore.SerializedTransaction) uint64 {
	var n uint64
	for _, tx := range payload {
		n += uint64(len(tx))
	}
	return n
}

// AppendTransactions ingests one non-terminal fragment. It accepts only if
// batchID matches the in-progress batch (or none is in progress yet) and
// fragmentID is exactly the next expected one; otherwise the batch is
// rejected without mutating state, per spec §4.1.
func (a *Aggregator) AppendTransactions(batchID quorumstore.BatchId, fragmentID uint64, payload []quorumstore.SerializedTransaction) error {
	a.resetOnNewBatch(batchID, fragmentID)
	if err := a.accept(batchID, fragmentID); err != nil {
		return err
	}
	size := payloadBytes(payload)
	if a.accumBytes+size > a.maxBatchBytes {
		return quorumstore.ErrSizeExceeded
	}

	a.hasBatch = true
	a.currentBatch = batchID
	a.accumBytes += size
	a.accumPayload = append(a.accumPayload, payload...)
	a.nextFragment = fragmentID + 1
	return nil
}

// Result is the outcome of a successful EndBatch call.
type Result struct {
	NumBytes uint64
	Payload  []quorumstore.SerializedTransaction
	Digest   quorumstore.Digest
}

// EndBatch ingests the terminal fragment, finalizes the batch, and resets
// internal state so the aggregator is ready for the next batch_id from
// this author.
func (a *Aggregator) EndBatch(epoch quorumstore.Epoch, author quorumstore.PeerID, batchID quorumstore.BatchId, fragmentID uint64, payload []quorumstore.SerializedTransaction) (Result, error) {
	a.resetOnNewBatch(batchID, fragmentID)
	if err := a.accept(batchID, fragmentID); err != nil {
		return Result{}, err
	}
	size := payloadBytes(payload)
	if a.accumBytes+size > a.maxBatchBytes {
		return Result{}, quorumstore.ErrSizeExceeded
	}

	full := append(append([]quorumstore.SerializedTransaction{}, a.accumPayload...), payload...)
	numBytes := a.accumBytes + size
	digest := a.hasher.BatchDigest(epoch, author, batchID, full)

	a.Reset()

	return Result{NumBytes: numBytes, Payload: full, Digest: digest}, nil
}

// CurrentBatch reports the batch_id currently in progress and whether one
// exists.
func (a *Aggregator) CurrentBatch() (quorumstore.BatchId, bool) {
	return a.currentBatch, a.hasBatch
}
