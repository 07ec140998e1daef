// Copyright 2025 Certen Protocol

package aggregator

import (
	"errors"
	"testing"

	"github.com/certen/quorumstore"
)

// ============================================================================
// Happy Path
// ============================================================================

func tx(s string) quorumstore.SerializedTransaction {
	return quorumstore.SerializedTransaction(s)
}

func TestAggregator_HappyPath(t *testing.T) {
	a := New(quorumstore.Sha256Hasher{}, 1<<20)
	batchID := quorumstore.BatchId{Author: "validator-1", Nonce: 7}

	if err := a.AppendTransactions(batchID, 0, []quorumstore.SerializedTransaction{tx("a"), tx("b")}); err != nil {
		t.Fatalf("append fragment 0: %v", err)
	}
	if err := a.AppendTransactions(batchID, 1, []quorumstore.SerializedTransaction{tx("c")}); err != nil {
		t.Fatalf("append fragment 1: %v", err)
	}

	result, err := a.EndBatch(1, "validator-1", batchID, 2, []quorumstore.SerializedTransaction{tx("d")})
	if err != nil {
		t.Fatalf("end batch: %v", err)
	}
	if result.NumBytes != 4 {
		t.Errorf("expected 4 accumulated bytes, got %d", result.NumBytes)
	}
	if len(result.Payload) != 4 {
		t.Errorf("expected 4 transactions assembled, got %d", len(result.Payload))
	}

	want := quorumstore.Sha256Hasher{}.BatchDigest(1, "validator-1", batchID, result.Payload)
	if result.Digest != want {
		t.Errorf("digest round-trip mismatch: incremental %x != recomputed %x", result.Digest, want)
	}

	if _, has := a.CurrentBatch(); has {
		t.Error("aggregator should have no in-progress batch after EndBatch")
	}
}

// ============================================================================
// Out-of-order and wrong-batch rejection
// ============================================================================

func TestAggregator_OutOfOrderFragmentResets(t *testing.T) {
	a := New(quorumstore.Sha256Hasher{}, 1<<20)
	batch7 := quorumstore.BatchId{Author: "validator-1", Nonce: 7}

	err := a.AppendTransactions(batch7, 1, []quorumstore.SerializedTransaction{tx("x")})
	if !errors.Is(err, quorumstore.ErrOutOfOrder) {
		t.Fatalf("expected ErrOutOfOrder, got %v", err)
	}
	if _, has := a.CurrentBatch(); has {
		t.Error("a rejected fragment must not start a batch")
	}

	batch8 := quorumstore.BatchId{Author: "validator-1", Nonce: 8}
	if err := a.AppendTransactions(batch8, 0, []quorumstore.SerializedTransaction{tx("y")}); err != nil {
		t.Fatalf("fresh batch after rejection should succeed: %v", err)
	}
}

func TestAggregator_WrongBatchRejected(t *testing.T) {
	a := New(quorumstore.Sha256Hasher{}, 1<<20)
	batchA := quorumstore.BatchId{Author: "validator-1", Nonce: 1}
	batchB := quorumstore.BatchId{Author: "validator-1", Nonce: 2}

	if err := a.AppendTransactions(batchA, 0, []quorumstore.SerializedTransaction{tx("x")}); err != nil {
		t.Fatalf("first fragment: %v", err)
	}
	err := a.AppendTransactions(batchB, 1, []quorumstore.SerializedTransaction{tx("y")})
	if !errors.Is(err, quorumstore.ErrWrongBatch) {
		t.Fatalf("expected ErrWrongBatch, got %v", err)
	}
}

// ============================================================================
// Size limit
// ============================================================================

func TestAggregator_SizeExceeded(t *testing.T) {
	a := New(quorumstore.Sha256Hasher{}, 4)
	batchID := quorumstore.BatchId{Author: "validator-1", Nonce: 1}

	if err := a.AppendTransactions(batchID, 0, []quorumstore.SerializedTransaction{tx("abcd")}); err != nil {
		t.Fatalf("fragment at limit should succeed: %v", err)
	}
	err := a.AppendTransactions(batchID, 1, []quorumstore.SerializedTransaction{tx("e")})
	if !errors.Is(err, quorumstore.ErrSizeExceeded) {
		t.Fatalf("expected ErrSizeExceeded, got %v", err)
	}
}

// ============================================================================
// Implicit reset (lost terminal fragment)
// ============================================================================

// TestAggregator_NewBatchAtFragmentZeroResets covers spec §4.1 invariant 4:
// if this author's terminal fragment for the in-progress batch is lost, the
// aggregator must not reject every fragment of the author's next batch
// forever. A fragment_id==0 for a different batch_id implicitly resets and
// starts the new batch instead.
func TestAggregator_NewBatchAtFragmentZeroResets(t *testing.T) {
	a := New(quorumstore.Sha256Hasher{}, 1<<20)
	stuck := quorumstore.BatchId{Author: "validator-1", Nonce: 1}

	if err := a.AppendTransactions(stuck, 0, []quorumstore.SerializedTransaction{tx("x")}); err != nil {
		t.Fatalf("first fragment of stuck batch: %v", err)
	}
	// stuck's terminal fragment never arrives.

	next := quorumstore.BatchId{Author: "validator-1", Nonce: 2}
	if err := a.AppendTransactions(next, 0, []quorumstore.SerializedTransaction{tx("y")}); err != nil {
		t.Fatalf("fragment 0 of next batch should reset and succeed, got: %v", err)
	}
	current, has := a.CurrentBatch()
	if !has || current != next {
		t.Fatalf("expected in-progress batch to be %v, got %v (has=%v)", next, current, has)
	}

	result, err := a.EndBatch(1, "validator-1", next, 1, []quorumstore.SerializedTransaction{tx("z")})
	if err != nil {
		t.Fatalf("end next batch: %v", err)
	}
	if len(result.Payload) != 2 {
		t.Errorf("expected next batch's own 2 fragments only, got %d", len(result.Payload))
	}
}

// TestAggregator_NewBatchAtFragmentZeroResetsViaEndBatch covers the
// single-fragment case: the next batch's only fragment is itself terminal,
// still at fragment_id==0, and still must reset rather than being rejected
// as ErrWrongBatch.
func TestAggregator_NewBatchAtFragmentZeroResetsViaEndBatch(t *testing.T) {
	a := New(quorumstore.Sha256Hasher{}, 1<<20)
	stuck := quorumstore.BatchId{Author: "validator-1", Nonce: 1}

	if err := a.AppendTransactions(stuck, 0, []quorumstore.SerializedTransaction{tx("x")}); err != nil {
		t.Fatalf("first fragment of stuck batch: %v", err)
	}

	next := quorumstore.BatchId{Author: "validator-1", Nonce: 2}
	result, err := a.EndBatch(1, "validator-1", next, 0, []quorumstore.SerializedTransaction{tx("y")})
	if err != nil {
		t.Fatalf("single-fragment next batch should reset and succeed, got: %v", err)
	}
	if len(result.Payload) != 1 || string(result.Payload[0]) != "y" {
		t.Errorf("expected only next batch's own fragment, got %v", result.Payload)
	}
}

// ============================================================================
// Explicit reset (new batch_id observed from the same author)
// ============================================================================

func TestAggregator_Reset(t *testing.T) {
	a := New(quorumstore.Sha256Hasher{}, 1<<20)
	batchID := quorumstore.BatchId{Author: "validator-1", Nonce: 1}

	if err := a.AppendTransactions(batchID, 0, []quorumstore.SerializedTransaction{tx("x")}); err != nil {
		t.Fatalf("append: %v", err)
	}
	a.Reset()
	if _, has := a.CurrentBatch(); has {
		t.Error("Reset should clear the in-progress batch")
	}

	next := quorumstore.BatchId{Author: "validator-1", Nonce: 2}
	if err := a.AppendTransactions(next, 0, []quorumstore.SerializedTransaction{tx("y")}); err != nil {
		t.Fatalf("append after reset: %v", err)
	}
}
