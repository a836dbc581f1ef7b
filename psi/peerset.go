package psi

import (
	"fmt"
	"math/bits"
)

// MaxPeerCount is the number of peers a single task may declare.
const MaxPeerCount = 63

// PeerSet is a set of peer indices in [0, MaxPeerCount). Adding an index
// outside that range panics; admission keeps tasks within it.
type PeerSet uint64

func (s PeerSet) With(idx int) PeerSet {
	if idx < 0 || idx >= MaxPeerCount {
		panic(fmt.Sprintf("peer index %d out of range [0, %d)", idx, MaxPeerCount))
	}
	return s | PeerSet(1)<<uint(idx)
}

func (s PeerSet) Has(idx int) bool {
	if idx < 0 || idx >= MaxPeerCount {
		return false
	}
	return s&(PeerSet(1)<<uint(idx)) != 0
}

func (s PeerSet) Count() int {
	return bits.OnesCount64(uint64(s))
}
