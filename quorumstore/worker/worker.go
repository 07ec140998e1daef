// Copyright 2025 Certen Protocol

// Package worker implements the QuorumStore orchestrator (spec §4.6): the
// single-consumer actor that owns the locally-authored batch flow
// (AppendToBatch -> EndBatch -> Persist -> self-sign -> InitProof ->
// broadcast-final-fragment) and routes inbound fragments from peers into
// their per-author aggregator. Grounded on quorum_store.rs's
// QuorumStore::start() tokio::select! loop and on the teacher's
// pkg/batch/attestation_broadcaster.go actor shape.
package worker

import (
	"fmt"
	"log"
	"time"

	"github.com/certen/quorumstore"
	"github.com/certen/quorumstore/aggregator"
	"github.com/certen/quorumstore/batchstore"
	"github.com/certen/quorumstore/metrics"
	"github.com/certen/quorumstore/proofbuilder"
)

// Config bounds the worker's behavior.
type Config struct {
	Epoch            quorumstore.Epoch
	SelfID           quorumstore.PeerID
	MaxBatchBytes    uint64
	EndBatchInterval time.Duration
	ChannelSize      int
	Logger           *log.Logger
	Metrics          *metrics.Registry
}

// DefaultConfig follows the teacher's Default*Config convention.
func DefaultConfig() Config {
	return Config{
		MaxBatchBytes:    4 * 1024 * 1024,
		EndBatchInterval: 250 * time.Millisecond,
		ChannelSize:      1024,
		Logger:           log.New(log.Writer(), "[QuorumStore] ", log.LstdFlags),
	}
}

type appendToBatchCmd struct {
	batchID quorumstore.BatchId
	payload []quorumstore.SerializedTransaction
}

type endBatchCmd struct {
	batchID  quorumstore.BatchId
	payload  []quorumstore.SerializedTransaction
	expiry   quorumstore.LogicalTime
	returnCh chan Outcome
}

type fragmentReceivedCmd struct {
	fragment quorumstore.Fragment
}

type selfSignCompleteCmd struct {
	digest quorumstore.Digest
	signed *quorumstore.SignedDigest
	err    error
}

type proofResolvedCmd struct {
	digest  quorumstore.Digest
	outcome proofbuilder.Outcome
}

type endBatchTimerCmd struct{}

type shutdownCmd struct {
	ack chan struct{}
}

// Outcome is delivered on EndBatch's return channel.
type Outcome struct {
	Proof *quorumstore.ProofOfStore
	Err   error
}

type pendingFinal struct {
	fragment quorumstore.Fragment
	returnCh chan Outcome
	batchID  quorumstore.BatchId
}

// Worker is the QuorumStore orchestrator.
type Worker struct {
	cfg    Config
	sender quorumstore.Sender
	hasher quorumstore.Hasher

	// aggregators holds one Aggregator per author (spec invariant 4: "for
	// any peer, the aggregator state for author A holds fragments of
	// exactly one batch_id at a time"). The worker's own author entry is
	// created lazily on its first AppendToBatch/EndBatch.
	aggregators map[quorumstore.PeerID]*aggregator.Aggregator

	store *batchstore.Store
	proof *proofbuilder.Builder

	cmds chan any

	fragmentID   uint64
	currentBatch quorumstore.BatchId
	haveBatch    bool

	// pendingFinals stashes the final fragment + return channel for a
	// digest awaiting self-sign-then-InitProof, per spec §4.6 step 2/3.
	pendingFinals map[quorumstore.Digest]pendingFinal

	endBatchTimer *time.Timer
}

// New constructs a worker for one epoch, wired to its BatchStore and
// ProofBuilder peers and the shared network sender. Self-signing is
// BatchStore's responsibility (it holds the signer); the worker only
// orchestrates the Persist -> InitProof -> broadcast sequence.
func New(cfg Config, sender quorumstore.Sender, hasher quorumstore.Hasher, store *batchstore.Store, proof *proofbuilder.Builder) *Worker {
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[QuorumStore] ", log.LstdFlags)
	}
	return &Worker{
		cfg:           cfg,
		sender:        sender,
		hasher:        hasher,
		aggregators:   make(map[quorumstore.PeerID]*aggregator.Aggregator),
		store:         store,
		proof:         proof,
		cmds:          make(chan any, cfg.ChannelSize),
		pendingFinals: make(map[quorumstore.Digest]pendingFinal),
	}
}

// aggregatorFor returns (creating if necessary) the per-author aggregator.
func (w *Worker) aggregatorFor(author quorumstore.PeerID) *aggregator.Aggregator {
	agg, ok := w.aggregators[author]
	if !ok {
		agg = aggregator.New(w.hasher, w.cfg.MaxBatchBytes)
		w.aggregators[author] = agg
	}
	return agg
}

// Run processes commands strictly in arrival order.
func (w *Worker) Run() {
	for c := range w.cmds {
		switch cmd := c.(type) {
		case appendToBatchCmd:
			w.handleAppendToBatch(cmd.batchID, cmd.payload)
		case endBatchCmd:
			w.handleEndBatch(cmd.batchID, cmd.payload, cmd.expiry, cmd.returnCh)
		case fragmentReceivedCmd:
			w.handleFragmentReceived(cmd.fragment)
		case selfSignCompleteCmd:
			w.handleSelfSignComplete(cmd.digest, cmd.signed, cmd.err)
		case proofResolvedCmd:
			w.handleProofResolved(cmd.digest, cmd.outcome)
		case endBatchTimerCmd:
			w.handleEndBatchTimerElapsed()
		case shutdownCmd:
			w.handleShutdown()
			close(cmd.ack)
			return
		default:
			w.cfg.Logger.Printf("unknown command %T", c)
		}
	}
}

// AppendToBatch feeds payload into the in-progress batch and broadcasts a
// non-final fragment to every peer.
func (w *Worker) AppendToBatch(batchID quorumstore.BatchId, payload []quorumstore.SerializedTransaction) {
	w.cmds <- appendToBatchCmd{batchID: batchID, payload: payload}
}

// EndBatch finalizes the in-progress batch. The returned channel resolves
// with a ProofOfStore on quorum or a Timeout on failure.
func (w *Worker) EndBatch(batchID quorumstore.BatchId, payload []quorumstore.SerializedTransaction, expiry quorumstore.LogicalTime) <-chan Outcome {
	ch := make(chan Outcome, 1)
	w.cmds <- endBatchCmd{batchID: batchID, payload: payload, expiry: expiry, returnCh: ch}
	return ch
}

// HandleFragment routes an inbound peer fragment into the worker's
// per-author aggregator state (NetworkListener -> worker per spec §4.5).
func (w *Worker) HandleFragment(f quorumstore.Fragment) {
	w.cmds <- fragmentReceivedCmd{fragment: f}
}

// Shutdown propagates to BatchStore and ProofBuilder, awaits their acks,
// then stops the worker.
func (w *Worker) Shutdown() {
	ack := make(chan struct{})
	w.cmds <- shutdownCmd{ack: ack}
	<-ack
}

func (w *Worker) resetEndBatchTimer() {
	if w.endBatchTimer != nil {
		w.endBatchTimer.Stop()
	}
	w.endBatchTimer = time.AfterFunc(w.cfg.EndBatchInterval, func() {
		w.cmds <- endBatchTimerCmd{}
	})
}

func (w *Worker) handleAppendToBatch(batchID quorumstore.BatchId, payload []quorumstore.SerializedTransaction) {
	if err := w.aggregatorFor(w.cfg.SelfID).AppendTransactions(batchID, w.fragmentID, payload); err != nil {
		w.cfg.Logger.Printf("own aggregation failed for %s: %v", batchID, err)
		panic(fmt.Sprintf("fatal: own aggregation failed for %s: %v", batchID, err))
	}
	w.currentBatch, w.haveBatch = batchID, true

	fragment := quorumstore.Fragment{
		Epoch:      w.cfg.Epoch,
		BatchId:    batchID,
		FragmentID: w.fragmentID,
		Payload:    payload,
		Author:     w.cfg.SelfID,
	}
	if err := w.sender.BroadcastExceptSelf(fragment); err != nil {
		panic(fmt.Sprintf("fatal: fragment broadcast failed for %s: %v", batchID, err))
	}
	w.fragmentID++
	w.resetEndBatchTimer()
}

func (w *Worker) handleEndBatchTimerElapsed() {
	// The timer never ends a batch: every EndBatch comes from the ordering
	// layer with its own expiry, since the worker cannot invent an expiry
	// round. When the timer elapses with a batch in progress it only logs
	// that batch; otherwise it does nothing.
	if w.haveBatch {
		w.cfg.Logger.Printf("batch %s exceeded end_batch interval without EndBatch", w.currentBatch)
	}
}

func (w *Worker) handleEndBatch(batchID quorumstore.BatchId, payload []quorumstore.SerializedTransaction, expiry quorumstore.LogicalTime, returnCh chan Outcome) {
	result, err := w.aggregatorFor(w.cfg.SelfID).EndBatch(w.cfg.Epoch, w.cfg.SelfID, batchID, w.fragmentID, payload)
	if err != nil {
		w.cfg.Logger.Printf("own aggregation failed finalizing %s: %v", batchID, err)
		panic(fmt.Sprintf("fatal: own aggregation failed finalizing %s: %v", batchID, err))
	}
	w.haveBatch = false
	if w.endBatchTimer != nil {
		w.endBatchTimer.Stop()
	}

	info := quorumstore.BatchInfo{
		Author:   w.cfg.SelfID,
		Digest:   result.Digest,
		Expiry:   expiry,
		NumBytes: result.NumBytes,
		BatchId:  batchID,
	}

	finalFragment := quorumstore.Fragment{
		Epoch:      w.cfg.Epoch,
		BatchId:    batchID,
		FragmentID: w.fragmentID,
		Payload:    payload,
		Expiry:     &expiry,
		Author:     w.cfg.SelfID,
	}
	w.pendingFinals[result.Digest] = pendingFinal{fragment: finalFragment, returnCh: returnCh, batchID: batchID}

	// Broadcast of the final fragment is deferred until self-sign returns,
	// per spec §4.6 step 2: peers must not vote on a digest before the
	// author can prove ownership. Persist runs synchronously here because
	// BatchStore's command loop already serializes it; the "future" the
	// spec describes is simply this call completing.
	signed, err := w.store.Persist(batchstore.PersistRequest{Info: info, Payload: result.Payload, IsOwnBatch: true})
	w.cmds <- selfSignCompleteCmd{digest: result.Digest, signed: signed, err: err}

	w.fragmentID = 0
}

func (w *Worker) handleSelfSignComplete(digest quorumstore.Digest, signed *quorumstore.SignedDigest, err error) {
	pending, ok := w.pendingFinals[digest]
	if !ok {
		w.cfg.Logger.Printf("self-sign completed for unknown digest %s", digest)
		return
	}
	if err != nil || signed == nil {
		w.cfg.Logger.Printf("own persist failed for %s: %v", digest, err)
		panic(fmt.Sprintf("fatal: own persist failed for %s: %v", digest, err))
	}

	outcome := w.proof.InitProof(*signed)
	go func() {
		result := <-outcome
		w.cmds <- proofResolvedCmd{digest: digest, outcome: result}
	}()

	if err := w.sender.BroadcastExceptSelf(pending.fragment); err != nil {
		panic(fmt.Sprintf("fatal: final fragment broadcast failed for %s: %v", digest, err))
	}
}

func (w *Worker) handleProofResolved(digest quorumstore.Digest, outcome proofbuilder.Outcome) {
	pending, ok := w.pendingFinals[digest]
	if !ok {
		return
	}
	delete(w.pendingFinals, digest)
	pending.returnCh <- Outcome{Proof: outcome.Proof, Err: outcome.Err}
}

func (w *Worker) handleFragmentReceived(f quorumstore.Fragment) {
	if f.Expiry != nil {
		// Final fragment: complete the aggregation and hand the assembled
		// payload + info to BatchStore for peer-originated persistence.
		result, err := w.aggregatorFor(f.Author).EndBatch(f.Epoch, f.Author, f.BatchId, f.FragmentID, f.Payload)
		if err != nil {
			w.cfg.Metrics.IncAggregationErrors("peer_end_batch")
			w.cfg.Logger.Printf("peer aggregation failed for %s from %s: %v", f.BatchId, f.Author, err)
			w.aggregatorFor(f.Author).Reset()
			return
		}
		info := quorumstore.BatchInfo{
			Author:   f.Author,
			Digest:   result.Digest,
			Expiry:   *f.Expiry,
			NumBytes: result.NumBytes,
			BatchId:  f.BatchId,
		}
		if _, err := w.store.Persist(batchstore.PersistRequest{Info: info, Payload: result.Payload, IsOwnBatch: false}); err != nil {
			w.cfg.Logger.Printf("persist peer batch %s from %s: %v", f.BatchId, f.Author, err)
		}
		return
	}

	if err := w.aggregatorFor(f.Author).AppendTransactions(f.BatchId, f.FragmentID, f.Payload); err != nil {
		w.cfg.Metrics.IncAggregationErrors("peer_append")
		w.cfg.Logger.Printf("peer fragment rejected for %s from %s: %v", f.BatchId, f.Author, err)
		w.aggregatorFor(f.Author).Reset()
	}
}

func (w *Worker) handleShutdown() {
	if w.endBatchTimer != nil {
		w.endBatchTimer.Stop()
	}
	w.store.Shutdown()
	w.proof.Shutdown()
	for digest, pending := range w.pendingFinals {
		pending.returnCh <- Outcome{Err: &quorumstore.Timeout{BatchId: pending.batchID}}
		delete(w.pendingFinals, digest)
	}
}
