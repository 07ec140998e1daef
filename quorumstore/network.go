// Copyright 2025 Certen Protocol

package quorumstore

// Sender is the validator-network transport's send side (an external
// collaborator per spec §1). It is safe for concurrent use by every
// component: the network send side is shared by read-only broadcast and
// by all components per spec §5.
type Sender interface {
	// BroadcastExceptSelf delivers msg to every peer in the current
	// validator set other than this node.
	BroadcastExceptSelf(msg any) error
	// SendTo delivers msg to exactly one peer.
	SendTo(peer PeerID, msg any) error
}
