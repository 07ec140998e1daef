// Copyright 2025 Certen Protocol

package worker

import (
	"testing"
	"time"

	"github.com/certen/quorumstore"
	"github.com/certen/quorumstore/batchstore"
	"github.com/certen/quorumstore/cryptobls"
	"github.com/certen/quorumstore/proofbuilder"
	"github.com/certen/quorumstore/storekv"
)

type recordingSender struct {
	broadcasts []any
}

func (s *recordingSender) BroadcastExceptSelf(msg any) error {
	s.broadcasts = append(s.broadcasts, msg)
	return nil
}
func (s *recordingSender) SendTo(peer quorumstore.PeerID, msg any) error { return nil }

func newHarness(t *testing.T, validatorCount int, proofTimeout time.Duration) (*Worker, *recordingSender, []*cryptobls.PrivateKey) {
	t.Helper()
	sender := &recordingSender{}

	selfSK, selfPK, err := cryptobls.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate self key: %v", err)
	}

	validators := []proofbuilder.Validator{{ID: "validator-1", PublicKey: selfPK, VotingPower: 1}}
	sks := []*cryptobls.PrivateKey{selfSK}
	for i := 2; i <= validatorCount; i++ {
		sk, pk, err := cryptobls.GenerateKeyPair()
		if err != nil {
			t.Fatalf("generate validator %d key: %v", i, err)
		}
		id := quorumstore.PeerID("validator-" + string(rune('0'+i)))
		validators = append(validators, proofbuilder.Validator{ID: id, PublicKey: pk, VotingPower: 1})
		sks = append(sks, sk)
	}

	pbCfg := proofbuilder.DefaultConfig()
	pbCfg.ProofTimeout = proofTimeout
	pb := proofbuilder.New(pbCfg, validators)
	go pb.Run()

	store := batchstore.New(batchstore.DefaultConfig(), storekv.OpenMem(), quorumstore.Sha256Hasher{}, selfSK, "validator-1", sender)
	go store.Run()

	cfg := DefaultConfig()
	cfg.Epoch = 1
	cfg.SelfID = "validator-1"
	w := New(cfg, sender, quorumstore.Sha256Hasher{}, store, pb)
	go w.Run()
	// Worker shutdown also shuts down the store and the proof builder.
	t.Cleanup(w.Shutdown)

	return w, sender, sks
}

func finalFragmentFrom(t *testing.T, sender *recordingSender) quorumstore.Fragment {
	t.Helper()
	for _, msg := range sender.broadcasts {
		if f, ok := msg.(quorumstore.Fragment); ok && f.Expiry != nil {
			return f
		}
	}
	t.Fatal("expected a final fragment broadcast")
	return quorumstore.Fragment{}
}

func TestWorker_EndBatchReachesQuorum(t *testing.T) {
	w, sender, sks := newHarness(t, 4, time.Second)

	batchID := quorumstore.BatchId{Author: "validator-1", Nonce: 1}
	payload := []quorumstore.SerializedTransaction{[]byte("tx1"), []byte("tx2")}
	expiry := quorumstore.LogicalTime{Epoch: 1, Round: 50}

	outcome := w.EndBatch(batchID, payload, expiry)
	time.Sleep(20 * time.Millisecond)

	finalFragment := finalFragmentFrom(t, sender)
	digest := quorumstore.Sha256Hasher{}.BatchDigest(1, "validator-1", batchID, finalFragment.Payload)
	info := quorumstore.BatchInfo{Author: "validator-1", Digest: digest, Expiry: expiry, BatchId: batchID, NumBytes: 6}

	// Two peer validators attest, reaching quorum (3 of 4) together with
	// the worker's own self-signature.
	for i := 1; i < 3; i++ {
		id := quorumstore.PeerID("validator-" + string(rune('0'+i+1)))
		sig := sks[i].SignBatchInfo(info)
		w.proof.AppendSignature(quorumstore.SignedDigest{Signer: id, Info: info, Signature: sig})
	}

	select {
	case result := <-outcome:
		if result.Err != nil {
			t.Fatalf("unexpected error: %v", result.Err)
		}
		if result.Proof == nil || len(result.Proof.Signers) < 3 {
			t.Fatalf("expected quorum proof, got %+v", result)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for EndBatch outcome")
	}
}

func TestWorker_EndBatchTimesOutWithoutQuorum(t *testing.T) {
	w, _, _ := newHarness(t, 4, 20*time.Millisecond)

	batchID := quorumstore.BatchId{Author: "validator-1", Nonce: 1}
	payload := []quorumstore.SerializedTransaction{[]byte("tx1")}
	expiry := quorumstore.LogicalTime{Epoch: 1, Round: 50}

	outcome := w.EndBatch(batchID, payload, expiry)

	select {
	case result := <-outcome:
		var timeout *quorumstore.Timeout
		if result.Err == nil {
			t.Fatalf("expected Timeout, got proof %+v", result.Proof)
		}
		if !asTimeout(result.Err, &timeout) {
			t.Fatalf("expected Timeout error, got %v", result.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("worker never resolved EndBatch outcome")
	}
}

func asTimeout(err error, target **quorumstore.Timeout) bool {
	t, ok := err.(*quorumstore.Timeout)
	if !ok {
		return false
	}
	*target = t
	return true
}

func TestWorker_AppendToBatchBroadcastsNonFinalFragment(t *testing.T) {
	w, sender, _ := newHarness(t, 4, time.Second)

	batchID := quorumstore.BatchId{Author: "validator-1", Nonce: 1}
	w.AppendToBatch(batchID, []quorumstore.SerializedTransaction{[]byte("tx1")})
	time.Sleep(20 * time.Millisecond)

	if len(sender.broadcasts) != 1 {
		t.Fatalf("expected 1 broadcast, got %d", len(sender.broadcasts))
	}
	f, ok := sender.broadcasts[0].(quorumstore.Fragment)
	if !ok {
		t.Fatalf("expected Fragment broadcast, got %T", sender.broadcasts[0])
	}
	if f.Expiry != nil {
		t.Fatal("non-final fragment must not carry expiry")
	}
}

func TestWorker_PeerFragmentOutOfOrderIsDropped(t *testing.T) {
	w, _, _ := newHarness(t, 4, time.Second)

	batchID := quorumstore.BatchId{Author: "validator-2", Nonce: 7}
	w.HandleFragment(quorumstore.Fragment{
		Epoch: 1, BatchId: batchID, FragmentID: 1, Author: "validator-2",
		Payload: []quorumstore.SerializedTransaction{[]byte("tx1")},
	})
	time.Sleep(10 * time.Millisecond)

	// A fresh batch_id starting at fragment_id=0 must still succeed after
	// the prior out-of-order rejection reset that author's aggregator.
	batchID8 := quorumstore.BatchId{Author: "validator-2", Nonce: 8}
	w.HandleFragment(quorumstore.Fragment{
		Epoch: 1, BatchId: batchID8, FragmentID: 0, Author: "validator-2",
		Payload: []quorumstore.SerializedTransaction{[]byte("tx2")},
	})
	time.Sleep(10 * time.Millisecond)
}

// TestWorker_PeerNewBatchAfterLostTerminalFragmentResets covers the case
// TestWorker_PeerFragmentOutOfOrderIsDropped misses: an author's batch is
// already in progress (hasBatch==true) when its terminal fragment never
// arrives, and the author's next batch begins at fragment_id=0. That must
// reset and persist rather than being rejected as ErrWrongBatch forever
// (spec §4.1 invariant 4).
func TestWorker_PeerNewBatchAfterLostTerminalFragmentResets(t *testing.T) {
	w, _, _ := newHarness(t, 4, time.Second)

	stuck := quorumstore.BatchId{Author: "validator-2", Nonce: 1}
	w.HandleFragment(quorumstore.Fragment{
		Epoch: 1, BatchId: stuck, FragmentID: 0, Author: "validator-2",
		Payload: []quorumstore.SerializedTransaction{[]byte("lost")},
	})
	time.Sleep(10 * time.Millisecond)
	// stuck's terminal fragment never arrives.

	next := quorumstore.BatchId{Author: "validator-2", Nonce: 2}
	payload := []quorumstore.SerializedTransaction{[]byte("ok")}
	expiry := quorumstore.LogicalTime{Epoch: 1, Round: 50}
	digest := quorumstore.Sha256Hasher{}.BatchDigest(1, "validator-2", next, payload)
	w.HandleFragment(quorumstore.Fragment{
		Epoch: 1, BatchId: next, FragmentID: 0, Author: "validator-2",
		Payload: payload, Expiry: &expiry,
	})
	time.Sleep(10 * time.Millisecond)

	if _, _, found := w.store.Lookup(digest); !found {
		t.Fatal("expected next batch to be persisted after implicit reset, but it was rejected")
	}
}
