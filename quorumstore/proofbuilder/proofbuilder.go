// Copyright 2025 Certen Protocol

// Package proofbuilder implements ProofBuilder (spec §4.4): per-digest
// signature aggregation with quorum/timeout. Grounded on the teacher's
// pkg/batch/attestation_broadcaster.go (fan-out collection with a timeout
// race) and on pkg/consensus/types.go's voting-power/threshold helpers,
// translating quorum_store.rs's InitProof/AppendSignature/TimerElapsed
// command set into a single-consumer Go actor.
package proofbuilder

import (
	"log"
	"time"

	"github.com/certen/quorumstore/pkg/consensus"

	"github.com/certen/quorumstore"
	"github.com/certen/quorumstore/cryptobls"
	"github.com/certen/quorumstore/metrics"
)

// QuorumThreshold is the fraction of total voting power required for a
// ProofOfStore, matching BFT consensus's classic > 2/3 bound.
const QuorumThreshold = 0.667

// Validator is one entry in the current epoch's validator set.
type Validator struct {
	ID          quorumstore.PeerID
	PublicKey   *cryptobls.PublicKey
	VotingPower int64
}

// Config bounds ProofBuilder's behavior.
type Config struct {
	ChannelSize    int
	ProofTimeout   time.Duration
	Logger         *log.Logger
	Metrics        *metrics.Registry
}

// DefaultConfig follows the teacher's Default*Config pattern.
func DefaultConfig() Config {
	return Config{
		ChannelSize:  1024,
		ProofTimeout: 2 * time.Second,
		Logger:       log.New(log.Writer(), "[ProofBuilder] ", log.LstdFlags),
	}
}

type incompleteProof struct {
	info        quorumstore.BatchInfo
	signatures  map[quorumstore.PeerID][]byte
	votingPower int64
	returnCh    chan Outcome
	timer       *time.Timer
}

// pendingSignature is an AppendSignature that arrived before its InitProof.
type pendingSignature struct {
	signed    quorumstore.SignedDigest
	expiresAt time.Time
}

// Outcome is delivered on a batch's return channel: exactly one of Proof
// or Err is set.
type Outcome struct {
	Proof *quorumstore.ProofOfStore
	Err   error
}

type initProofCmd struct {
	selfSigned quorumstore.SignedDigest
	returnCh   chan Outcome
}

type appendSignatureCmd struct {
	signed quorumstore.SignedDigest
}

type timerElapsedCmd struct {
	digest quorumstore.Digest
}

type shutdownCmd struct {
	ack chan struct{}
}

// Builder is ProofBuilder.
type Builder struct {
	cfg        Config
	validators map[quorumstore.PeerID]Validator
	totalPower int64

	cmds   chan any
	proofs map[quorumstore.Digest]*incompleteProof
	// pending holds AppendSignature commands that arrived before their
	// InitProof, per spec §9's open-question recommendation: buffered for
	// a bounded window (bufferedSignatureWindow, 2/10 of ProofTimeout),
	// dropped after.
	pending map[quorumstore.Digest][]pendingSignature

	bufferedSignatureWindow time.Duration
}

// New constructs a ProofBuilder for one epoch's validator set. Per spec
// §9, every component is instantiated fresh per epoch; there is no
// process-wide validator-set state to leak across epochs.
func New(cfg Config, validators []Validator) *Builder {
	if cfg.Logger == nil {
		cfg.Logger = log.New(log.Writer(), "[ProofBuilder] ", log.LstdFlags)
	}
	m := make(map[quorumstore.PeerID]Validator, len(validators))
	var total int64
	for _, v := range validators {
		m[v.ID] = v
		total += v.VotingPower
	}
	return &Builder{
		cfg:                     cfg,
		validators:              m,
		totalPower:              total,
		cmds:                    make(chan any, cfg.ChannelSize),
		proofs:                  make(map[quorumstore.Digest]*incompleteProof),
		pending:                 make(map[quorumstore.Digest][]pendingSignature),
		bufferedSignatureWindow: 2 * cfg.ProofTimeout / 10,
	}
}

// Run processes commands strictly in arrival order, matching the single
// command queue the spec requires.
func (b *Builder) Run() {
	for c := range b.cmds {
		switch cmd := c.(type) {
		case initProofCmd:
			b.handleInitProof(cmd.selfSigned, cmd.returnCh)
		case appendSignatureCmd:
			b.handleAppendSignature(cmd.signed)
		case timerElapsedCmd:
			b.handleTimerElapsed(cmd.digest)
		case shutdownCmd:
			b.handleShutdown()
			close(cmd.ack)
			return
		default:
			b.cfg.Logger.Printf("unknown command %T", c)
		}
	}
}

// InitProof seeds a new entry with the author's own signature and starts
// the quorum timer.
func (b *Builder) InitProof(selfSigned quorumstore.SignedDigest) <-chan Outcome {
	ch := make(chan Outcome, 1)
	b.cmds <- initProofCmd{selfSigned: selfSigned, returnCh: ch}
	return ch
}

// AppendSignature feeds one peer's attestation into the appropriate entry.
func (b *Builder) AppendSignature(signed quorumstore.SignedDigest) {
	b.cmds <- appendSignatureCmd{signed: signed}
}

// Shutdown drops all entries and acknowledges.
func (b *Builder) Shutdown() {
	ack := make(chan struct{})
	b.cmds <- shutdownCmd{ack: ack}
	<-ack
}

func (b *Builder) handleInitProof(selfSigned quorumstore.SignedDigest, returnCh chan Outcome) {
	digest := selfSigned.Info.Digest
	validator, ok := b.validators[selfSigned.Signer]
	if !ok {
		returnCh <- Outcome{Err: quorumstore.ErrVerification}
		return
	}

	entry := &incompleteProof{
		info:        selfSigned.Info,
		signatures:  map[quorumstore.PeerID][]byte{selfSigned.Signer: selfSigned.Signature},
		votingPower: validator.VotingPower,
		returnCh:    returnCh,
	}
	entry.timer = time.AfterFunc(b.cfg.ProofTimeout, func() {
		b.cmds <- timerElapsedCmd{digest: digest}
	})
	b.proofs[digest] = entry

	now := time.Now()
	for _, buffered := range b.pending[digest] {
		if buffered.expiresAt.After(now) {
			b.applySignature(entry, buffered.signed)
		}
	}
	delete(b.pending, digest)

	b.tryComplete(digest, entry)
}

func (b *Builder) handleAppendSignature(signed quorumstore.SignedDigest) {
	validator, ok := b.validators[signed.Signer]
	if !ok {
		b.cfg.Logger.Printf("signature from unknown validator %s rejected", signed.Signer)
		return
	}
	if !validator.PublicKey.VerifyBatchInfo(signed.Info, signed.Signature) {
		b.cfg.Logger.Printf("invalid signature from %s for %s rejected", signed.Signer, signed.Info.Digest)
		return
	}

	entry, ok := b.proofs[signed.Info.Digest]
	if !ok {
		b.pending[signed.Info.Digest] = append(b.pending[signed.Info.Digest], pendingSignature{
			signed:    signed,
			expiresAt: time.Now().Add(b.bufferedSignatureWindow),
		})
		return
	}
	if entry.info.Author != signed.Info.Author || entry.info.BatchId != signed.Info.BatchId {
		b.cfg.Logger.Printf("batch_info mismatch for %s from %s rejected", signed.Info.Digest, signed.Signer)
		return
	}

	b.applySignature(entry, signed)
	b.tryComplete(signed.Info.Digest, entry)
}

func (b *Builder) applySignature(entry *incompleteProof, signed quorumstore.SignedDigest) {
	if _, dup := entry.signatures[signed.Signer]; dup {
		return
	}
	validator := b.validators[signed.Signer]
	entry.signatures[signed.Signer] = signed.Signature
	entry.votingPower += validator.VotingPower
}

func (b *Builder) tryComplete(digest quorumstore.Digest, entry *incompleteProof) {
	if !consensus.ValidateThreshold(int(entry.votingPower), int(b.totalPower), QuorumThreshold) {
		return
	}

	signers := make([]quorumstore.PeerID, 0, len(entry.signatures))
	sigs := make([][]byte, 0, len(entry.signatures))
	for signer, sig := range entry.signatures {
		signers = append(signers, signer)
		sigs = append(sigs, sig)
	}

	agg, err := cryptobls.Aggregate(sigs)
	if err != nil {
		b.cfg.Logger.Printf("aggregate signatures for %s: %v", digest, err)
		return
	}

	proof := &quorumstore.ProofOfStore{Info: entry.info, AggregateSignature: agg, Signers: signers}
	entry.timer.Stop()
	entry.returnCh <- Outcome{Proof: proof}
	b.cfg.Metrics.IncProofsCompleted()
	delete(b.proofs, digest)
}

func (b *Builder) handleTimerElapsed(digest quorumstore.Digest) {
	entry, ok := b.proofs[digest]
	if !ok {
		return
	}
	entry.returnCh <- Outcome{Err: &quorumstore.Timeout{BatchId: entry.info.BatchId}}
	b.cfg.Metrics.IncProofTimeouts()
	delete(b.proofs, digest)
}

func (b *Builder) handleShutdown() {
	for digest, entry := range b.proofs {
		entry.timer.Stop()
		delete(b.proofs, digest)
	}
	b.pending = make(map[quorumstore.Digest][]pendingSignature)
}
