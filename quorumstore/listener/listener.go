// Copyright 2025 Certen Protocol

// Package listener implements NetworkListener (spec §4.5): it demultiplexes
// inbound wire envelopes to the component each message type belongs to.
// Grounded on the teacher's pkg/batch/peer_manager.go BLSAttestationHandler
// dispatch-by-type idiom, adapted from an HTTP handler to a channel demux
// fed by netio.Node.Inbound().
package listener

import (
	"encoding/json"
	"log"

	"github.com/certen/quorumstore"
	"github.com/certen/quorumstore/batchstore"
	"github.com/certen/quorumstore/netio"
	"github.com/certen/quorumstore/proofbuilder"
)

// FragmentSink receives inbound fragments, destined for the worker's
// AppendToBatch/EndBatch handling (spec §4.6 owns fragment assembly, not
// BatchStore directly).
type FragmentSink interface {
	HandleFragment(f quorumstore.Fragment)
}

// Config bounds the listener's behavior.
type Config struct {
	Epoch  quorumstore.Epoch
	Logger *log.Logger
}

// DefaultConfig follows the teacher's Default*Config convention.
func DefaultConfig(epoch quorumstore.Epoch) Config {
	return Config{Epoch: epoch, Logger: log.New(log.Writer(), "[NetworkListener] ", log.LstdFlags)}
}

// Listener routes each inbound envelope to exactly one destination:
//
//	Fragment      -> worker (fragment assembly)
//	SignedDigest   -> proofbuilder (AppendSignature)
//	ProofOfStore   -> batchstore (HandleProofObserved)
//	BatchRequest   -> batchstore (HandleBatchRequest)
//	BatchResponse  -> batchstore reader (HandleBatchResponse)
//
// Any envelope whose epoch does not match the current one is dropped
// without cost, per spec §4.5's stale-epoch rule.
type Listener struct {
	cfg Config

	fragments FragmentSink
	proofs    *proofbuilder.Builder
	store     *batchstore.Store
	reader    *batchstore.Reader
}

// New wires a Listener to the four components it demultiplexes to.
func New(cfg Config, fragments FragmentSink, proofs *proofbuilder.Builder, store *batchstore.Store, reader *batchstore.Reader) *Listener {
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[NetworkListener] ", log.LstdFlags)
	}
	return &Listener{cfg: cfg, fragments: fragments, proofs: proofs, store: store, reader: reader}
}

// Run consumes inbound envelopes until the channel closes (the netio.Node
// shutting down).
func (l *Listener) Run(inbound <-chan netio.Envelope) {
	for env := range inbound {
		l.dispatch(env)
	}
}

func (l *Listener) dispatch(env netio.Envelope) {
	if env.Epoch != l.cfg.Epoch {
		l.cfg.Logger.Printf("dropping %s from stale epoch %d (current %d)", env.Kind, env.Epoch, l.cfg.Epoch)
		return
	}

	switch env.Kind {
	case netio.KindFragment:
		var f quorumstore.Fragment
		if err := json.Unmarshal(env.Payload, &f); err != nil {
			l.cfg.Logger.Printf("malformed fragment: %v", err)
			return
		}
		l.fragments.HandleFragment(f)

	case netio.KindSignedDigest:
		var s quorumstore.SignedDigest
		if err := json.Unmarshal(env.Payload, &s); err != nil {
			l.cfg.Logger.Printf("malformed signed digest: %v", err)
			return
		}
		l.proofs.AppendSignature(s)

	case netio.KindProofOfStore:
		var p quorumstore.ProofOfStore
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			l.cfg.Logger.Printf("malformed proof of store: %v", err)
			return
		}
		l.store.HandleProofObserved(p)

	case netio.KindBatchRequest:
		var r quorumstore.BatchRequest
		if err := json.Unmarshal(env.Payload, &r); err != nil {
			l.cfg.Logger.Printf("malformed batch request: %v", err)
			return
		}
		l.store.HandleBatchRequest(r.Digest, r.Requester)

	case netio.KindBatchResponse:
		var r quorumstore.BatchResponse
		if err := json.Unmarshal(env.Payload, &r); err != nil {
			l.cfg.Logger.Printf("malformed batch response: %v", err)
			return
		}
		l.reader.HandleBatchResponse(r)

	default:
		l.cfg.Logger.Printf("unknown envelope kind %q", env.Kind)
	}
}
