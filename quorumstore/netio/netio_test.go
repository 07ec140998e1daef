// Copyright 2025 Certen Protocol

package netio

import (
	"context"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/certen/quorumstore"
)

// book resolves peers discovered only after both nodes exist, since each
// node's listen address is only known once libp2p has bound a socket.
type book struct {
	addrs map[quorumstore.PeerID]peer.AddrInfo
}

func (b *book) Lookup(p quorumstore.PeerID) (peer.AddrInfo, bool) {
	info, ok := b.addrs[p]
	return info, ok
}

func newTestNode(t *testing.T, ctx context.Context, selfID quorumstore.PeerID, peers *book) *Node {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ListenAddr = "/ip4/127.0.0.1/tcp/0"
	n, err := New(ctx, cfg, selfID, quorumstore.Epoch(1), peers)
	if err != nil {
		t.Fatalf("new node %s: %v", selfID, err)
	}
	t.Cleanup(func() { n.Close() })
	return n
}

func waitForEnvelope(t *testing.T, inbound <-chan Envelope, wantKind Kind) Envelope {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case env, ok := <-inbound:
			if !ok {
				t.Fatal("inbound channel closed before expected envelope arrived")
			}
			if env.Kind == wantKind {
				return env
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s envelope", wantKind)
		}
	}
}

func TestNode_BroadcastExceptSelfDeliversToPeer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	peers := &book{addrs: map[quorumstore.PeerID]peer.AddrInfo{}}
	a := newTestNode(t, ctx, "validator-a", peers)
	b := newTestNode(t, ctx, "validator-b", peers)

	infoA := peer.AddrInfo{ID: a.host.ID(), Addrs: a.host.Addrs()}
	infoB := peer.AddrInfo{ID: b.host.ID(), Addrs: b.host.Addrs()}
	peers.addrs["validator-a"] = infoA
	peers.addrs["validator-b"] = infoB

	if err := a.host.Connect(ctx, infoB); err != nil {
		t.Fatalf("connect a->b: %v", err)
	}

	// Gossipsub mesh formation is asynchronous; give both sides time to see
	// each other as a topic peer before publishing.
	time.Sleep(500 * time.Millisecond)

	fragment := quorumstore.Fragment{
		Epoch:      1,
		BatchId:    quorumstore.BatchId{Author: "validator-a", Nonce: 1},
		FragmentID: 0,
		Author:     "validator-a",
		Payload:    []quorumstore.SerializedTransaction{[]byte("tx1")},
	}
	if err := a.BroadcastExceptSelf(fragment); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	env := waitForEnvelope(t, b.Inbound(), KindFragment)
	if env.Epoch != 1 {
		t.Fatalf("expected epoch 1, got %d", env.Epoch)
	}
}

func TestNode_SendToDeliversDirectUnicast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	peers := &book{addrs: map[quorumstore.PeerID]peer.AddrInfo{}}
	a := newTestNode(t, ctx, "validator-a", peers)
	b := newTestNode(t, ctx, "validator-b", peers)

	peers.addrs["validator-a"] = peer.AddrInfo{ID: a.host.ID(), Addrs: a.host.Addrs()}
	peers.addrs["validator-b"] = peer.AddrInfo{ID: b.host.ID(), Addrs: b.host.Addrs()}

	req := quorumstore.BatchRequest{Epoch: 1, Digest: quorumstore.Digest{0xAA}, Requester: "validator-a"}
	if err := a.SendTo("validator-b", req); err != nil {
		t.Fatalf("send to b: %v", err)
	}

	env := waitForEnvelope(t, b.Inbound(), KindBatchRequest)
	if env.Epoch != 1 {
		t.Fatalf("expected epoch 1, got %d", env.Epoch)
	}
}

func TestNode_SendToUnknownPeerFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	peers := &book{addrs: map[quorumstore.PeerID]peer.AddrInfo{}}
	a := newTestNode(t, ctx, "validator-a", peers)

	err := a.SendTo("validator-ghost", quorumstore.BatchRequest{Epoch: 1})
	if err == nil {
		t.Fatal("expected error for unknown peer")
	}
}
