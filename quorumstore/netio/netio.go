// Copyright 2025 Certen Protocol

// Package netio implements the validator-network transport's send side
// (quorumstore.Sender) and inbound message stream, the one external
// collaborator from spec §1 this repo gives a concrete wiring. Grounded on
// the Synnergy pack's libp2p Node (gossipsub broadcast, protocol-stream
// unicast) and on the teacher's pkg/batch/peer_manager.go JSON envelope
// style.
package netio

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/certen/quorumstore"
)

// ProtocolID is the libp2p protocol used for direct (unicast) sends.
const ProtocolID = protocol.ID("/quorumstore/1.0.0")

// Kind tags an Envelope's payload so the receiver can decode it into the
// right wire type without dynamic dispatch (spec §9: closed tagged union,
// routed by exhaustive case analysis).
type Kind string

const (
	KindFragment      Kind = "fragment"
	KindSignedDigest  Kind = "signed_digest"
	KindProofOfStore  Kind = "proof_of_store"
	KindBatchRequest  Kind = "batch_request"
	KindBatchResponse Kind = "batch_response"
)

// Envelope is the versioned wrapper every wire message travels in. It is
// framed as one JSON object per line (newline-delimited, read back with
// bufio.Scanner); there is no length prefix. Every message carries a
// monotonic epoch; NetworkListener drops mismatched-epoch envelopes.
type Envelope struct {
	Version int             `json:"version"`
	Epoch   quorumstore.Epoch `json:"epoch"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

const envelopeVersion = 1

func encode(epoch quorumstore.Epoch, kind Kind, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	env := Envelope{Version: envelopeVersion, Epoch: epoch, Kind: kind, Payload: payload}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return append(raw, '\n'), nil
}

func envelopeFor(epoch quorumstore.Epoch, msg any) ([]byte, error) {
	switch v := msg.(type) {
	case quorumstore.Fragment:
		return encode(epoch, KindFragment, v)
	case quorumstore.SignedDigest:
		return encode(epoch, KindSignedDigest, v)
	case quorumstore.ProofOfStore:
		return encode(epoch, KindProofOfStore, v)
	case quorumstore.BatchRequest:
		return encode(epoch, KindBatchRequest, v)
	case quorumstore.BatchResponse:
		return encode(epoch, KindBatchResponse, v)
	default:
		return nil, fmt.Errorf("netio: unsupported message type %T", msg)
	}
}

// PeerBook resolves a PeerID to a dialable libp2p address. An external
// collaborator (membership/discovery is out of scope); the worker wiring
// supplies a static book built from validator-set configuration.
type PeerBook interface {
	Lookup(p quorumstore.PeerID) (peer.AddrInfo, bool)
}

// Node is the concrete Sender: a libp2p host with one gossipsub topic for
// broadcast and direct protocol streams for unicast.
type Node struct {
	cfg    Config
	host   host.Host
	pubsub *pubsub.PubSub
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	peers  PeerBook
	selfID quorumstore.PeerID
	epoch  quorumstore.Epoch

	logger *log.Logger

	inbound chan Envelope
}

// Config bounds the libp2p node.
type Config struct {
	ListenAddr string
	TopicName  string
	Logger     *log.Logger
}

// DefaultConfig follows the teacher's Default*Config convention.
func DefaultConfig() Config {
	return Config{
		ListenAddr: "/ip4/0.0.0.0/tcp/0",
		TopicName:  "quorumstore-fragments",
		Logger:     log.New(log.Writer(), "[Netio] ", log.LstdFlags),
	}
}

// New creates a libp2p host, joins the gossip topic, and registers the
// unicast stream handler.
func New(ctx context.Context, cfg Config, selfID quorumstore.PeerID, epoch quorumstore.Epoch, peers PeerBook) (*Node, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[Netio] ", log.LstdFlags)
	}

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddr))
	if err != nil {
		return nil, fmt.Errorf("create libp2p host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("create gossipsub: %w", err)
	}

	topic, err := ps.Join(cfg.TopicName)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("join topic %s: %w", cfg.TopicName, err)
	}
	sub, err := topic.Subscribe()
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("subscribe topic %s: %w", cfg.TopicName, err)
	}

	n := &Node{
		cfg:     cfg,
		host:    h,
		pubsub:  ps,
		topic:   topic,
		sub:     sub,
		peers:   peers,
		selfID:  selfID,
		epoch:   epoch,
		logger:  cfg.Logger,
		inbound: make(chan Envelope, 256),
	}

	h.SetStreamHandler(ProtocolID, n.handleStream)
	go n.readLoop(ctx)

	return n, nil
}

var _ quorumstore.Sender = (*Node)(nil)

// BroadcastExceptSelf implements quorumstore.Sender via the gossip topic.
// Gossipsub also hands a node's own publish to its own subscription;
// readLoop skips those messages, so the sender never receives its own
// broadcast.
func (n *Node) BroadcastExceptSelf(msg any) error {
	raw, err := envelopeFor(n.epoch, msg)
	if err != nil {
		return err
	}
	return n.topic.Publish(context.Background(), raw)
}

// SendTo implements quorumstore.Sender via a direct protocol stream.
func (n *Node) SendTo(peerID quorumstore.PeerID, msg any) error {
	addr, ok := n.peers.Lookup(peerID)
	if !ok {
		return fmt.Errorf("netio: unknown peer %s", peerID)
	}
	raw, err := envelopeFor(n.epoch, msg)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := n.host.Connect(ctx, addr); err != nil {
		return fmt.Errorf("connect to %s: %w", peerID, err)
	}
	stream, err := n.host.NewStream(ctx, addr.ID, ProtocolID)
	if err != nil {
		return fmt.Errorf("open stream to %s: %w", peerID, err)
	}
	defer stream.Close()

	if _, err := stream.Write(raw); err != nil {
		return fmt.Errorf("write to %s: %w", peerID, err)
	}
	return nil
}

// Inbound returns the channel NetworkListener reads decoded envelopes
// from, merging both the gossip topic and direct unicast streams.
func (n *Node) Inbound() <-chan Envelope {
	return n.inbound
}

func (n *Node) readLoop(ctx context.Context) {
	for {
		msg, err := n.sub.Next(ctx)
		if err != nil {
			close(n.inbound)
			return
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}
		n.decodeAndDeliver(msg.Data)
	}
}

func (n *Node) handleStream(s network.Stream) {
	defer s.Close()
	scanner := bufio.NewScanner(s)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		n.decodeAndDeliver(scanner.Bytes())
	}
}

func (n *Node) decodeAndDeliver(raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		n.logger.Printf("discard malformed envelope: %v", err)
		return
	}
	select {
	case n.inbound <- env:
	default:
		n.logger.Printf("inbound queue full, dropping %s envelope", env.Kind)
	}
}

// Close tears down the host and its subscriptions.
func (n *Node) Close() error {
	n.sub.Cancel()
	return n.host.Close()
}
