// Copyright 2025 Certen Protocol

package listener

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/certen/quorumstore"
	"github.com/certen/quorumstore/batchstore"
	"github.com/certen/quorumstore/cryptobls"
	"github.com/certen/quorumstore/netio"
	"github.com/certen/quorumstore/proofbuilder"
	"github.com/certen/quorumstore/storekv"
)

type fakeSender struct{}

func (fakeSender) BroadcastExceptSelf(msg any) error             { return nil }
func (fakeSender) SendTo(peer quorumstore.PeerID, msg any) error { return nil }

type fakeFragmentSink struct {
	got []quorumstore.Fragment
}

func (f *fakeFragmentSink) HandleFragment(fr quorumstore.Fragment) {
	f.got = append(f.got, fr)
}

func envelope(t *testing.T, epoch quorumstore.Epoch, kind netio.Kind, v any) netio.Envelope {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return netio.Envelope{Version: 1, Epoch: epoch, Kind: kind, Payload: raw}
}

func TestListener_RoutesFragment(t *testing.T) {
	sink := &fakeFragmentSink{}
	l := New(DefaultConfig(1), sink, nil, nil, nil)

	ch := make(chan netio.Envelope, 1)
	ch <- envelope(t, 1, netio.KindFragment, quorumstore.Fragment{Epoch: 1, Author: "validator-1"})
	close(ch)
	l.Run(ch)

	if len(sink.got) != 1 {
		t.Fatalf("expected 1 fragment routed, got %d", len(sink.got))
	}
}

func TestListener_DropsStaleEpoch(t *testing.T) {
	sink := &fakeFragmentSink{}
	l := New(DefaultConfig(5), sink, nil, nil, nil)

	ch := make(chan netio.Envelope, 1)
	ch <- envelope(t, 1, netio.KindFragment, quorumstore.Fragment{Epoch: 1, Author: "validator-1"})
	close(ch)
	l.Run(ch)

	if len(sink.got) != 0 {
		t.Fatalf("expected stale-epoch fragment dropped, got %d", len(sink.got))
	}
}

func TestListener_RoutesSignedDigestToProofBuilder(t *testing.T) {
	sk, pk, err := cryptobls.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	peerSK, peerPK, err := cryptobls.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate peer key: %v", err)
	}
	// With two validators of equal power, the self-signature alone is short
	// of quorum: the proof completes only once the routed signed digest from
	// validator-2 reaches the builder.
	validators := []proofbuilder.Validator{
		{ID: "validator-1", PublicKey: pk, VotingPower: 1},
		{ID: "validator-2", PublicKey: peerPK, VotingPower: 1},
	}
	b := proofbuilder.New(proofbuilder.DefaultConfig(), validators)
	go b.Run()
	t.Cleanup(b.Shutdown)

	info := quorumstore.BatchInfo{
		Author:  "validator-1",
		Digest:  quorumstore.Digest{1},
		Expiry:  quorumstore.LogicalTime{Epoch: 1, Round: 10},
		BatchId: quorumstore.BatchId{Author: "validator-1", Nonce: 1},
	}
	outcome := b.InitProof(quorumstore.SignedDigest{Signer: "validator-1", Info: info, Signature: sk.SignBatchInfo(info)})

	l := New(DefaultConfig(1), &fakeFragmentSink{}, b, nil, nil)
	ch := make(chan netio.Envelope, 1)
	ch <- envelope(t, 1, netio.KindSignedDigest, quorumstore.SignedDigest{Signer: "validator-2", Info: info, Signature: peerSK.SignBatchInfo(info)})
	close(ch)
	l.Run(ch)

	select {
	case result := <-outcome:
		if result.Err != nil {
			t.Fatalf("unexpected error: %v", result.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("proof builder never resolved")
	}
}

func TestListener_RoutesBatchRequestToStore(t *testing.T) {
	sk, _, err := cryptobls.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	s := batchstore.New(batchstore.DefaultConfig(), storekv.OpenMem(), quorumstore.Sha256Hasher{}, sk, "validator-1", fakeSender{})
	go s.Run()
	t.Cleanup(s.Shutdown)

	hasher := quorumstore.Sha256Hasher{}
	batchID := quorumstore.BatchId{Author: "validator-1", Nonce: 1}
	payload := []quorumstore.SerializedTransaction{[]byte("tx1")}
	digest := hasher.BatchDigest(1, "validator-1", batchID, payload)
	info := quorumstore.BatchInfo{Author: "validator-1", Digest: digest, Expiry: quorumstore.LogicalTime{Epoch: 1, Round: 10}, BatchId: batchID}
	if _, err := s.Persist(batchstore.PersistRequest{Info: info, Payload: payload, IsOwnBatch: false}); err != nil {
		t.Fatalf("persist: %v", err)
	}

	l := New(DefaultConfig(1), &fakeFragmentSink{}, nil, s, nil)
	ch := make(chan netio.Envelope, 1)
	ch <- envelope(t, 1, netio.KindBatchRequest, quorumstore.BatchRequest{Epoch: 1, Digest: digest, Requester: "validator-2"})
	close(ch)
	l.Run(ch)

	time.Sleep(10 * time.Millisecond)
}
