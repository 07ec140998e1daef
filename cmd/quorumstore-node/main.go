// Copyright 2025 Certen Protocol

// quorumstore-node wires one epoch's worker, BatchStore, ProofBuilder,
// NetworkListener and libp2p transport together and runs until a shutdown
// signal arrives. Follows the teacher's main.go entrypoint idiom: flags,
// a loaded config, signal-driven graceful shutdown.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/certen/quorumstore"
	"github.com/certen/quorumstore/batchstore"
	"github.com/certen/quorumstore/config"
	"github.com/certen/quorumstore/cryptobls"
	"github.com/certen/quorumstore/listener"
	"github.com/certen/quorumstore/metrics"
	"github.com/certen/quorumstore/netio"
	"github.com/certen/quorumstore/proofbuilder"
	"github.com/certen/quorumstore/storekv"
	"github.com/certen/quorumstore/worker"
)

var (
	configPath = flag.String("config", "", "Path to quorumstore.yaml")
	epochFlag  = flag.Uint64("epoch", 1, "Current epoch number")
	showHelp   = flag.Bool("help", false, "Show help message")
)

// staticPeerBook resolves peer addresses from config, since membership and
// discovery are out of scope (spec §1).
type staticPeerBook struct {
	addrs map[quorumstore.PeerID]peer.AddrInfo
}

func newStaticPeerBook(peers []config.PeerSettings) (*staticPeerBook, error) {
	addrs := make(map[quorumstore.PeerID]peer.AddrInfo, len(peers))
	for _, p := range peers {
		maddr, err := ma.NewMultiaddr(p.Multiaddr)
		if err != nil {
			return nil, fmt.Errorf("parse multiaddr for %s: %w", p.ValidatorID, err)
		}
		info, err := peer.AddrInfoFromP2pAddr(maddr)
		if err != nil {
			return nil, fmt.Errorf("resolve peer info for %s: %w", p.ValidatorID, err)
		}
		addrs[quorumstore.PeerID(p.ValidatorID)] = *info
	}
	return &staticPeerBook{addrs: addrs}, nil
}

func (b *staticPeerBook) Lookup(p quorumstore.PeerID) (peer.AddrInfo, bool) {
	info, ok := b.addrs[p]
	return info, ok
}

func main() {
	flag.Parse()
	if *showHelp {
		flag.Usage()
		return
	}
	if *configPath == "" {
		log.Fatal("-config is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	epoch := quorumstore.Epoch(*epochFlag)
	selfID := quorumstore.PeerID(cfg.Node.ValidatorID)

	keyBytes, err := os.ReadFile(cfg.Node.BLSKeyPath)
	if err != nil {
		log.Fatalf("read BLS key: %v", err)
	}
	signer, err := cryptobls.PrivateKeyFromBytes(keyBytes)
	if err != nil {
		log.Fatalf("parse BLS key: %v", err)
	}

	metricsReg := metrics.New(prometheus.DefaultRegisterer)
	hasher := quorumstore.Sha256Hasher{}

	db, err := storekv.Open("quorumstore", cfg.Node.DataDir)
	if err != nil {
		log.Fatalf("open durable store: %v", err)
	}

	storeCfg := batchstore.DefaultConfig()
	storeCfg.ChannelSize = cfg.Store.ChannelSize
	storeCfg.MemoryQuota = cfg.Store.MemoryQuotaBytes
	storeCfg.DBQuota = cfg.Store.DBQuotaBytes
	storeCfg.BatchExpiryGraceRounds = quorumstore.Round(cfg.Store.BatchExpiryGraceRounds)
	storeCfg.Metrics = metricsReg

	peerBook, err := newStaticPeerBook(cfg.Network.Peers)
	if err != nil {
		log.Fatalf("build peer book: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	netioCfg := netio.DefaultConfig()
	netioCfg.ListenAddr = cfg.Network.ListenAddr
	netioCfg.TopicName = cfg.Network.TopicName
	node, err := netio.New(ctx, netioCfg, selfID, epoch, peerBook)
	if err != nil {
		log.Fatalf("start network node: %v", err)
	}

	store := batchstore.New(storeCfg, db, hasher, signer, selfID, node)
	go store.Run()

	readerCfg := batchstore.DefaultReaderConfig()
	readerCfg.BatchRequestNumPeers = cfg.Store.BatchRequestNumPeers
	readerCfg.BatchRequestTimeout = cfg.Store.BatchRequestTimeout.Duration()
	readerCfg.MaxFetchRounds = cfg.Store.MaxFetchRounds
	readerCfg.Metrics = metricsReg
	reader := batchstore.NewReader(readerCfg, store, node, hasher, selfID)
	store.SetFetcher(reader)

	validators, err := loadValidatorSet(cfg.Network.Peers, selfID, signer)
	if err != nil {
		log.Fatalf("load validator set: %v", err)
	}
	proofCfg := proofbuilder.DefaultConfig()
	proofCfg.ChannelSize = cfg.Proof.ChannelSize
	proofCfg.ProofTimeout = cfg.Proof.ProofTimeout.Duration()
	proofCfg.Metrics = metricsReg
	proofBuilder := proofbuilder.New(proofCfg, validators)
	go proofBuilder.Run()

	workerCfg := worker.DefaultConfig()
	workerCfg.Epoch = epoch
	workerCfg.SelfID = selfID
	workerCfg.MaxBatchBytes = cfg.Aggregator.MaxBatchBytes
	workerCfg.EndBatchInterval = cfg.Aggregator.EndBatchInterval.Duration()
	workerCfg.Metrics = metricsReg
	w := worker.New(workerCfg, node, hasher, store, proofBuilder)
	go w.Run()

	lst := listener.New(listener.DefaultConfig(epoch), w, proofBuilder, store, reader)
	go lst.Run(node.Inbound())

	if cfg.Metrics.Enabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle(cfg.Metrics.Path, promhttp.Handler())
			log.Printf("metrics listening on %s%s", cfg.Metrics.Addr, cfg.Metrics.Path)
			if err := http.ListenAndServe(cfg.Metrics.Addr, mux); err != nil && err != http.ErrServerClosed {
				log.Printf("metrics server error: %v", err)
			}
		}()
	}

	log.Printf("quorumstore-node %s ready (epoch %d)", selfID, epoch)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Printf("shutting down quorumstore-node")
	cancel()

	shutdownDone := make(chan struct{})
	go func() {
		w.Shutdown()
		node.Close()
		close(shutdownDone)
	}()
	select {
	case <-shutdownDone:
	case <-time.After(30 * time.Second):
		log.Printf("shutdown timed out after 30s")
	}
}

// loadValidatorSet builds ProofBuilder's validator table from the static
// peer book plus this node's own key, since validator-set membership is
// config-driven (no on-chain registry in scope).
func loadValidatorSet(peers []config.PeerSettings, selfID quorumstore.PeerID, selfSigner *cryptobls.PrivateKey) ([]proofbuilder.Validator, error) {
	validators := []proofbuilder.Validator{{ID: selfID, PublicKey: selfSigner.Public(), VotingPower: 1}}
	for _, p := range peers {
		keyBytes, err := os.ReadFile(p.BLSPublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read public key for %s: %w", p.ValidatorID, err)
		}
		pk, err := cryptobls.PublicKeyFromBytes(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("parse public key for %s: %w", p.ValidatorID, err)
		}
		votingPower := p.VotingPower
		if votingPower == 0 {
			votingPower = 1
		}
		validators = append(validators, proofbuilder.Validator{ID: quorumstore.PeerID(p.ValidatorID), PublicKey: pk, VotingPower: votingPower})
	}
	return validators, nil
}
