package protocol

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// NonceTracker hands out authorization nonces per signer. The venue's
// nonce is authoritative but may lag behind requests this client already
// signed, so the next nonce is the greater of the venue's and the last
// local one plus one.
type NonceTracker struct {
	mu   sync.Mutex
	last map[common.Address]uint64
}

func NewNonceTracker() *NonceTracker {
	return &NonceTracker{last: make(map[common.Address]uint64)}
}

// Next reserves and returns the nonce to sign with.
func (n *NonceTracker) Next(signer common.Address, venueNonce uint64) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	next := venueNonce
	if last, ok := n.last[signer]; ok && last+1 > next {
		next = last + 1
	}
	n.last[signer] = next
	return next
}

// Last returns the last nonce reserved for signer.
func (n *NonceTracker) Last(signer common.Address) (uint64, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	v, ok := n.last[signer]
	return v, ok
}
