// Copyright 2025 Certen Protocol

package batchstore

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/certen/quorumstore"
	"github.com/certen/quorumstore/metrics"
)

// ReaderConfig bounds BatchReader's on-demand fetch subprotocol.
type ReaderConfig struct {
	BatchRequestNumPeers   int
	BatchRequestTimeout    time.Duration
	MaxFetchRounds         int
	Logger                 *log.Logger
	Metrics                *metrics.Registry
}

// DefaultReaderConfig mirrors the teacher's Default*Config pattern.
func DefaultReaderConfig() ReaderConfig {
	return ReaderConfig{
		BatchRequestNumPeers: 3,
		BatchRequestTimeout:  2 * time.Second,
		MaxFetchRounds:       3,
		Logger:               log.New(log.Writer(), "[BatchReader] ", log.LstdFlags),
	}
}

type waiter struct {
	digest  quorumstore.Digest
	epoch   quorumstore.Epoch
	author  quorumstore.PeerID
	batchID quorumstore.BatchId
	result  chan fetchResult
}

type fetchResult struct {
	payload []quorumstore.SerializedTransaction
	err     error
}

// Reader is BatchReader: the read-side facade exposed to the ordering
// layer. It owns its own fetch-waiter table, independent of BatchStore's
// command loop, per spec §4.5 ("BatchResponse -> BatchReader").
type Reader struct {
	cfg    ReaderConfig
	store  *Store
	sender quorumstore.Sender
	hasher quorumstore.Hasher
	selfID quorumstore.PeerID

	mu      sync.Mutex
	waiters map[quorumstore.Digest]*waiter
}

// NewReader wires a BatchReader to its backing Store and network sender.
func NewReader(cfg ReaderConfig, store *Store, sender quorumstore.Sender, hasher quorumstore.Hasher, selfID quorumstore.PeerID) *Reader {
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[BatchReader] ", log.LstdFlags)
	}
	return &Reader{
		cfg:     cfg,
		store:   store,
		sender:  sender,
		hasher:  hasher,
		selfID:  selfID,
		waiters: make(map[quorumstore.Digest]*waiter),
	}
}

// GetBatch returns the payload for digest, checking memory/durable storage
// first and falling back to a bounded number of peer-fetch rounds. epoch,
// author and batchID identify the batch being fetched so an inbound
// BatchResponse's digest can be recomputed and verified; knownAuthor, if
// non-empty, is queried first (spec: "pick the author first if known;
// otherwise uniform random without replacement").
func (r *Reader) GetBatch(ctx context.Context, epoch quorumstore.Epoch, author quorumstore.PeerID, batchID quorumstore.BatchId, digest quorumstore.Digest, peers []quorumstore.PeerID, knownAuthor quorumstore.PeerID) ([]quorumstore.SerializedTransaction, error) {
	if payload, _, found := r.store.Lookup(digest); found {
		return payload, nil
	}

	for round := 0; round < r.cfg.MaxFetchRounds; round++ {
		payload, err := r.fetchRound(ctx, epoch, author, batchID, digest, peers, knownAuthor)
		if err == nil {
			return payload, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, &quorumstore.Timeout{BatchId: batchID}
}

func (r *Reader) fetchRound(ctx context.Context, epoch quorumstore.Epoch, author quorumstore.PeerID, batchID quorumstore.BatchId, digest quorumstore.Digest, peers []quorumstore.PeerID, knownAuthor quorumstore.PeerID) ([]quorumstore.SerializedTransaction, error) {
	targets := choosePeers(peers, knownAuthor, r.cfg.BatchRequestNumPeers)
	if len(targets) == 0 {
		return nil, quorumstore.ErrNotFound
	}

	result := make(chan fetchResult, 1)
	w := &waiter{digest: digest, epoch: epoch, author: author, batchID: batchID, result: result}

	r.mu.Lock()
	r.waiters[digest] = w
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.waiters, digest)
		r.mu.Unlock()
	}()

	r.cfg.Metrics.IncFetchRequests()
	for _, peer := range targets {
		req := quorumstore.BatchRequest{Digest: digest, Requester: r.selfID}
		if err := r.sender.SendTo(peer, req); err != nil {
			r.cfg.Logger.Printf("send batch request to %s: %v", peer, err)
		}
	}

	timer := time.NewTimer(r.cfg.BatchRequestTimeout)
	defer timer.Stop()

	select {
	case res := <-result:
		return res.payload, res.err
	case <-timer.C:
		r.cfg.Metrics.IncFetchTimeouts()
		return nil, &quorumstore.Timeout{BatchId: batchID}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// choosePeers picks up to n peers, the known author first if present,
// followed by a uniform-random selection from the remainder without
// replacement.
func choosePeers(peers []quorumstore.PeerID, knownAuthor quorumstore.PeerID, n int) []quorumstore.PeerID {
	var chosen []quorumstore.PeerID
	var rest []quorumstore.PeerID
	for _, p := range peers {
		if p == knownAuthor {
			chosen = append(chosen, p)
		} else {
			rest = append(rest, p)
		}
	}
	rand.Shuffle(len(rest), func(i, j int) { rest[i], rest[j] = rest[j], rest[i] })
	for _, p := range rest {
		if len(chosen) >= n {
			break
		}
		chosen = append(chosen, p)
	}
	if len(chosen) > n {
		chosen = chosen[:n]
	}
	return chosen
}

// HandleBatchResponse fulfills any outstanding waiter for the response's
// digest, verifying the digest matches the payload before accepting;
// duplicate responses for an already-satisfied waiter are dropped.
func (r *Reader) HandleBatchResponse(resp quorumstore.BatchResponse) {
	r.mu.Lock()
	w, ok := r.waiters[resp.Digest]
	r.mu.Unlock()
	if !ok {
		return
	}

	computed := r.hasher.BatchDigest(w.epoch, w.author, w.batchID, resp.Payload)
	if computed != resp.Digest {
		return
	}

	select {
	case w.result <- fetchResult{payload: resp.Payload}:
	default:
	}
}

// FetchAsync resolves a pin left by Store.handleProofObserved: it fetches
// the payload from the batch's own author in the background and adopts it
// into Store once obtained, implementing batchstore.BatchFetcher.
func (r *Reader) FetchAsync(info quorumstore.BatchInfo) {
	go func() {
		payload, err := r.GetBatch(context.Background(), info.Expiry.Epoch, info.Author, info.BatchId, info.Digest, []quorumstore.PeerID{info.Author}, info.Author)
		if err != nil {
			r.cfg.Logger.Printf("fetch pinned batch %s from author %s: %v", info.Digest, info.Author, err)
			return
		}
		r.store.AdoptFetched(info, payload)
	}()
}

// UpdateCommittedRound triggers BatchStore's Clean command.
func (r *Reader) UpdateCommittedRound(round quorumstore.Round) {
	r.store.Clean(round)
}
