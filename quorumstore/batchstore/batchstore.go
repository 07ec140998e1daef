// Copyright 2025 Certen Protocol

// Package batchstore implements BatchStore and BatchReader (spec §4.3):
// the durable store of complete batches with quota accounting, an expiry
// scheduler, and the on-demand fetch subprotocol. BatchStore is a
// single-consumer actor grounded on the quorum_store.rs BatchStoreCommand
// enum; its quota-counter and ticker-driven sweep idioms follow the
// teacher's pkg/batch/cost_tracker.go and pkg/batch/confirmation_tracker.go.
package batchstore

import (
	"container/list"
	"encoding/json"
	"fmt"
	"log"

	"github.com/certen/quorumstore"
	"github.com/certen/quorumstore/cryptobls"
	"github.com/certen/quorumstore/metrics"
)

// Config bounds BatchStore's durable and in-memory footprint.
type Config struct {
	ChannelSize            int
	MemoryQuota            uint64
	DBQuota                uint64
	BatchExpiryGraceRounds quorumstore.Round
	Logger                 *log.Logger
	Metrics                *metrics.Registry
}

// DefaultConfig returns sane defaults, following the teacher's
// Default*Config constructor idiom.
func DefaultConfig() Config {
	return Config{
		ChannelSize:            1024,
		MemoryQuota:            256 << 20,
		DBQuota:                4 << 30,
		BatchExpiryGraceRounds: 10,
		Logger:                 log.New(log.Writer(), "[BatchStore] ", log.LstdFlags),
	}
}

// entry is one batch's state. Payload is nil when evicted from memory; the
// durable copy always survives until expiry.
type entry struct {
	info     quorumstore.BatchInfo
	payload  []quorumstore.SerializedTransaction
	pinned   bool // ProofOfStore observed for a batch this node never hosted
	durable  bool // has a row in db and counts against dbUsed
	listElem *list.Element
}

// persisted wire format: metadata header followed by payload bytes,
// matching spec §6's persisted-layout description.
type persisted struct {
	Info    quorumstore.BatchInfo               `json:"info"`
	Payload []quorumstore.SerializedTransaction `json:"payload"`
}

// PersistRequest is the command payload for Persist.
type PersistRequest struct {
	Info    quorumstore.BatchInfo
	Payload []quorumstore.SerializedTransaction
	// IsOwnBatch requests a self-signed SignedDigest back on Ack.
	IsOwnBatch bool
}

type persistCmd struct {
	req PersistRequest
	ack chan persistAck
}

type persistAck struct {
	signed *quorumstore.SignedDigest
	err    error
}

type cleanCmd struct {
	committedRound quorumstore.Round
}

type batchRequestCmd struct {
	digest    quorumstore.Digest
	requester quorumstore.PeerID
}

type lookupCmd struct {
	digest quorumstore.Digest
	result chan lookupResult
}

type lookupResult struct {
	payload []quorumstore.SerializedTransaction
	info    quorumstore.BatchInfo
	found   bool
}

type proofObservedCmd struct {
	proof quorumstore.ProofOfStore
}

type shutdownCmd struct {
	ack chan struct{}
}

// BatchFetcher triggers an asynchronous peer fetch for a batch this node
// learned about via ProofOfStore but never hosted, so the pin left by
// handleProofObserved can eventually be filled in. Implemented by
// batchstore.Reader.
type BatchFetcher interface {
	FetchAsync(info quorumstore.BatchInfo)
}

// Store is BatchStore: the single owner of durable storage and the only
// component that mutates mem_used/db_used.
type Store struct {
	cfg     Config
	db      quorumstore.KV
	hasher  quorumstore.Hasher
	signer  *cryptobls.PrivateKey
	selfID  quorumstore.PeerID
	sender  quorumstore.Sender
	fetcher BatchFetcher

	cmds chan any

	entries  map[quorumstore.Digest]*entry
	byExpiry *list.List // ordered oldest-expiry-first, in-memory entries only
	memUsed  uint64
	dbUsed   uint64
}

// New constructs a BatchStore. sender is used to serve BatchRequest
// replies and to broadcast nothing directly (the worker owns fragment
// broadcast); signer/selfID produce the self-signed SignedDigest returned
// from Persist for own-authored batches.
func New(cfg Config, db quorumstore.KV, hasher quorumstore.Hasher, signer *cryptobls.PrivateKey, selfID quorumstore.PeerID, sender quorumstore.Sender) *Store {
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[BatchStore] ", log.LstdFlags)
	}
	return &Store{
		cfg:      cfg,
		db:       db,
		hasher:   hasher,
		signer:   signer,
		selfID:   selfID,
		sender:   sender,
		cmds:     make(chan any, cfg.ChannelSize),
		entries:  make(map[quorumstore.Digest]*entry),
		byExpiry: list.New(),
	}
}

// Run processes commands strictly in arrival order until Shutdown. It is
// meant to be the body of the store's dedicated goroutine.
func (s *Store) Run() {
	for c := range s.cmds {
		switch cmd := c.(type) {
		case persistCmd:
			signed, err := s.handlePersist(cmd.req)
			cmd.ack <- persistAck{signed: signed, err: err}
		case cleanCmd:
			s.handleClean(cmd.committedRound)
		case batchRequestCmd:
			s.handleBatchRequest(cmd.digest, cmd.requester)
		case lookupCmd:
			payload, info, found := s.handleLookup(cmd.digest)
			cmd.result <- lookupResult{payload: payload, info: info, found: found}
		case proofObservedCmd:
			s.handleProofObserved(cmd.proof)
		case shutdownCmd:
			close(cmd.ack)
			return
		default:
			s.cfg.Logger.Printf("unknown command %T", c)
		}
	}
}

// Persist sends a Persist command and blocks for its ack, per spec §4.3.
func (s *Store) Persist(req PersistRequest) (*quorumstore.SignedDigest, error) {
	ack := make(chan persistAck, 1)
	s.cmds <- persistCmd{req: req, ack: ack}
	result := <-ack
	return result.signed, result.err
}

// Clean schedules eviction of batches past their expiry grace window.
func (s *Store) Clean(committedRound quorumstore.Round) {
	s.cmds <- cleanCmd{committedRound: committedRound}
}

// HandleBatchRequest is invoked by NetworkListener when an inbound
// BatchRequest arrives.
func (s *Store) HandleBatchRequest(digest quorumstore.Digest, requester quorumstore.PeerID) {
	s.cmds <- batchRequestCmd{digest: digest, requester: requester}
}

// HandleProofObserved is invoked by NetworkListener when an inbound
// ProofOfStore arrives; BatchStore pins the digest so a later fetch-behind
// peer's BatchRequest can still be served once the payload is obtained.
func (s *Store) HandleProofObserved(proof quorumstore.ProofOfStore) {
	s.cmds <- proofObservedCmd{proof: proof}
}

// Lookup returns the in-memory-or-durable payload for digest without
// triggering a network fetch, used by BatchReader before it falls back to
// peers.
func (s *Store) Lookup(digest quorumstore.Digest) (payload []quorumstore.SerializedTransaction, info quorumstore.BatchInfo, found bool) {
	result := make(chan lookupResult, 1)
	s.cmds <- lookupCmd{digest: digest, result: result}
	r := <-result
	return r.payload, r.info, r.found
}

// AdoptFetched stores a payload obtained via peer fetch, e.g. to fulfill a
// pinned-but-never-hosted batch once BatchReader resolves it.
func (s *Store) AdoptFetched(info quorumstore.BatchInfo, payload []quorumstore.SerializedTransaction) {
	_, _ = s.Persist(PersistRequest{Info: info, Payload: payload, IsOwnBatch: false})
}

// SetFetcher wires the BatchReader used to resolve pins left by
// handleProofObserved. Reader depends on Store, so this is set after both
// are constructed, breaking the construction cycle between them.
func (s *Store) SetFetcher(f BatchFetcher) {
	s.fetcher = f
}

// Shutdown drains, persists any volatile state (none is volatile here:
// every Persist already fsyncs), and acknowledges.
func (s *Store) Shutdown() {
	ack := make(chan struct{})
	s.cmds <- shutdownCmd{ack: ack}
	<-ack
}

func digestKey(d quorumstore.Digest) []byte {
	return d[:]
}

func (s *Store) handlePersist(req PersistRequest) (*quorumstore.SignedDigest, error) {
	computed := s.hasher.BatchDigest(req.Info.Expiry.Epoch, req.Info.Author, req.Info.BatchId, req.Payload)
	if computed != req.Info.Digest {
		return nil, quorumstore.ErrDigestMismatch
	}

	// An existing durable entry is a genuine duplicate Persist; an existing
	// pinned-only entry (handleProofObserved's placeholder) has no payload
	// yet and must still fall through to actually store one.
	if existing, ok := s.entries[req.Info.Digest]; ok && existing.durable {
		return s.maybeSign(existing.info, req.IsOwnBatch)
	}

	size := uint64(req.Info.NumBytes)
	if s.dbUsed+size > s.cfg.DBQuota {
		return nil, quorumstore.ErrQuotaExceeded
	}

	raw, err := json.Marshal(persisted{Info: req.Info, Payload: req.Payload})
	if err != nil {
		return nil, fmt.Errorf("marshal persisted batch: %w", err)
	}
	if err := s.db.Put(digestKey(req.Info.Digest), raw); err != nil {
		return nil, fmt.Errorf("write batch to durable store: %w", err)
	}
	s.dbUsed += size

	s.evictUntilFits(size)

	e, ok := s.entries[req.Info.Digest]
	if !ok {
		e = &entry{}
		s.entries[req.Info.Digest] = e
	}
	e.info = req.Info
	e.payload = req.Payload
	e.durable = true
	e.listElem = s.insertByExpiry(e)
	s.memUsed += size
	s.cfg.Metrics.SetBytesStored(float64(s.memUsed))
	s.cfg.Metrics.IncBatchesPersisted()

	return s.maybeSign(req.Info, req.IsOwnBatch)
}

func (s *Store) maybeSign(info quorumstore.BatchInfo, isOwn bool) (*quorumstore.SignedDigest, error) {
	if !isOwn {
		return nil, nil
	}
	if s.signer == nil {
		return nil, fmt.Errorf("persist own batch: no signer configured")
	}
	sig := s.signer.SignBatchInfo(info)
	return &quorumstore.SignedDigest{Signer: s.selfID, Info: info, Signature: sig}, nil
}

// insertByExpiry inserts e keeping byExpiry ordered earliest-round-first,
// so evictUntilFits's Front()-based eviction always drops the
// soonest-to-expire batch first regardless of persist order (spec §4.3).
func (s *Store) insertByExpiry(e *entry) *list.Element {
	for el := s.byExpiry.Back(); el != nil; el = el.Prev() {
		other, ok := s.entries[el.Value.(quorumstore.Digest)]
		if ok && other.info.Expiry.Round <= e.info.Expiry.Round {
			return s.byExpiry.InsertAfter(e.info.Digest, el)
		}
	}
	return s.byExpiry.PushFront(e.info.Digest)
}

// evictUntilFits evicts in-memory payloads, earliest expiry first, until
// there is room for size more bytes under MemoryQuota. Metadata and the
// durable copy are preserved; only the in-memory payload is dropped.
func (s *Store) evictUntilFits(size uint64) {
	for s.memUsed+size > s.cfg.MemoryQuota {
		front := s.byExpiry.Front()
		if front == nil {
			return
		}
		digest := front.Value.(quorumstore.Digest)
		e, ok := s.entries[digest]
		if !ok || e.payload == nil {
			s.byExpiry.Remove(front)
			continue
		}
		evicted := uint64(e.info.NumBytes)
		e.payload = nil
		e.listElem = nil
		s.byExpiry.Remove(front)
		if evicted > s.memUsed {
			s.memUsed = 0
		} else {
			s.memUsed -= evicted
		}
		s.cfg.Metrics.IncQuotaEvictions()
	}
}

func (s *Store) handleLookup(digest quorumstore.Digest) ([]quorumstore.SerializedTransaction, quorumstore.BatchInfo, bool) {
	e, ok := s.entries[digest]
	if !ok {
		return nil, quorumstore.BatchInfo{}, false
	}
	if e.payload != nil {
		return e.payload, e.info, true
	}

	raw, err := s.db.Get(digestKey(digest))
	if err != nil || raw == nil {
		return nil, e.info, false
	}
	var p persisted
	if err := json.Unmarshal(raw, &p); err != nil {
		s.cfg.Logger.Printf("corrupt durable entry for %s: %v", digest, err)
		return nil, e.info, false
	}
	return p.Payload, e.info, true
}

func (s *Store) handleBatchRequest(digest quorumstore.Digest, requester quorumstore.PeerID) {
	payload, info, found := s.handleLookup(digest)
	if !found {
		return
	}
	resp := quorumstore.BatchResponse{Epoch: info.Expiry.Epoch, Digest: digest, Payload: payload}
	if err := s.sender.SendTo(requester, resp); err != nil {
		s.cfg.Logger.Printf("reply to batch request from %s: %v", requester, err)
	}
}

// handleProofObserved pins the digest of a batch this node never hosted so
// a later fetch-behind peer's BatchRequest can still be served, and kicks
// off a fetch of the payload from the batch's author (spec §9: "treat it
// as a hint to pin the digest for fetch-behind peers and trigger a
// BatchRequest to obtain the payload").
func (s *Store) handleProofObserved(proof quorumstore.ProofOfStore) {
	if e, ok := s.entries[proof.Info.Digest]; ok {
		e.pinned = true
		return
	}
	s.entries[proof.Info.Digest] = &entry{info: proof.Info, pinned: true}
	if s.fetcher != nil {
		s.fetcher.FetchAsync(proof.Info)
	}
}

func (s *Store) handleClean(committedRound quorumstore.Round) {
	for digest, e := range s.entries {
		if e.info.Expiry.Round+s.cfg.BatchExpiryGraceRounds >= committedRound {
			continue
		}
		if e.listElem != nil {
			s.byExpiry.Remove(e.listElem)
			if uint64(e.info.NumBytes) > s.memUsed {
				s.memUsed = 0
			} else {
				s.memUsed -= uint64(e.info.NumBytes)
			}
		}
		if !e.durable {
			// Pinned-only placeholder: never had a durable row or a
			// counted dbUsed share, so there is nothing to delete or
			// subtract.
			delete(s.entries, digest)
			continue
		}
		if err := s.db.Delete(digestKey(digest)); err != nil {
			s.cfg.Logger.Printf("evict durable entry %s: %v", digest, err)
			continue
		}
		if uint64(e.info.NumBytes) > s.dbUsed {
			s.dbUsed = 0
		} else {
			s.dbUsed -= uint64(e.info.NumBytes)
		}
		delete(s.entries, digest)
	}
	s.cfg.Metrics.SetBytesStored(float64(s.memUsed))
}
