package psi

import (
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/bits-and-blooms/bitset"
	"github.com/rs/zerolog"

	"ecdh_mpsi/protocol"
)

type masterCipherRef struct {
	refInfo  PeerSet
	refCount int
	// plainIndex points into the calculator's dataset, -1 when unknown.
	plainIndex int64
}

// MasterCache collects the blinded sets of the calculator and the partners
// on the master and selects the ciphertexts every one of them holds.
type MasterCache struct {
	logger     zerolog.Logger
	peerIndex  map[string]int
	peerIDs    []string
	calculator int

	mu            sync.Mutex
	state         CacheState
	merged        bool
	refs          map[string]*masterCipherRef
	peerSeqs      []*roaring.Bitmap
	peerBatches   []uint32
	finishedPeers *bitset.BitSet

	intersecCipher [][]byte
	intersecIndex  []int64
}

// NewMasterCache indexes the calculator first, then the partners in task
// order.
func NewMasterCache(task *protocol.Task, logger zerolog.Logger) *MasterCache {
	c := &MasterCache{
		logger:     logger,
		peerIndex:  make(map[string]int),
		calculator: -1,
		refs:       make(map[string]*masterCipherRef),
	}
	for _, role := range []protocol.Role{protocol.Calculator, protocol.Partner} {
		for _, p := range task.PeersByRole(role) {
			if role == protocol.Calculator && c.calculator < 0 {
				c.calculator = len(c.peerIDs)
			}
			c.peerIndex[p.ID] = len(c.peerIDs)
			c.peerIDs = append(c.peerIDs, p.ID)
			c.peerSeqs = append(c.peerSeqs, roaring.New())
		}
	}
	c.peerBatches = make([]uint32, len(c.peerIDs))
	c.finishedPeers = bitset.New(uint(len(c.peerIDs)))
	return c
}

func (c *MasterCache) PeerCount() int {
	return len(c.peerIDs)
}

func (c *MasterCache) State() CacheState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Size is the number of distinct ciphertexts currently tracked.
func (c *MasterCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.refs)
}

func (c *MasterCache) PeerFinished(peerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	idx, ok := c.peerIndex[peerID]
	return ok && c.finishedPeers.Test(uint(idx))
}

// Ref returns the tracked membership of cipher.
func (c *MasterCache) Ref(cipher []byte) (PeerSet, int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ref, ok := c.refs[string(cipher)]
	if !ok {
		return 0, 0, false
	}
	return ref.refInfo, ref.refCount, true
}

// #############################################################################

func (c *MasterCache) AddCalculatorCipher(msg *protocol.Message) {
	c.addCipher(msg, true)
}

func (c *MasterCache) AddPartnerCipher(msg *protocol.Message) {
	c.addCipher(msg, false)
}

func (c *MasterCache) addCipher(msg *protocol.Message, withIndex bool) {
	log := c.logger.With().Str("peer", msg.From).Uint32("seq", msg.Seq).Logger()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Evaluating {
		log.Warn().Str("state", c.state.String()).Msg("cipher after evaluation dropped")
		return
	}
	idx, ok := c.peerIndex[msg.From]
	if !ok {
		log.Warn().Msg("cipher from unknown peer dropped")
		return
	}
	if withIndex != (idx == c.calculator) {
		log.Warn().Str("packet", msg.PacketType.String()).Msg("cipher from peer of wrong role dropped")
		return
	}
	if c.finishedPeers.Test(uint(idx)) {
		log.Warn().Msg("cipher from finished peer dropped")
		return
	}
	if !c.peerSeqs[idx].CheckedAdd(msg.Seq) {
		log.Warn().Msg("duplicate batch dropped")
		return
	}
	if msg.DataBatchCount > 0 {
		c.peerBatches[idx] = msg.DataBatchCount
	}

	for i, cipher := range msg.Data {
		key := string(cipher)
		ref, ok := c.refs[key]
		if !ok {
			// A finished peer lacks this value so it cannot be common.
			if c.merged {
				continue
			}
			ref = &masterCipherRef{plainIndex: -1}
			c.refs[key] = ref
		}
		if !ref.refInfo.Has(idx) {
			ref.refInfo = ref.refInfo.With(idx)
			ref.refCount = ref.refInfo.Count()
		}
		if withIndex && ref.plainIndex < 0 {
			ref.plainIndex = msg.Index(i)
		}
	}

	if c.peerBatches[idx] > 0 && c.peerSeqs[idx].GetCardinality() >= uint64(c.peerBatches[idx]) {
		c.finishedPeers.Set(uint(idx))
		log.Debug().Uint32("batches", c.peerBatches[idx]).Msg("peer finished")
		c.merge(idx)
	}
}

// merge drops every ciphertext the finished peer did not send and rebuilds
// the reference counts from the membership bits.
func (c *MasterCache) merge(finished int) {
	kept := make(map[string]*masterCipherRef, len(c.refs))
	for key, ref := range c.refs {
		if !ref.refInfo.Has(finished) {
			continue
		}
		ref.refCount = ref.refInfo.Count()
		kept[key] = ref
	}
	c.logger.Debug().Int("before", len(c.refs)).Int("after", len(kept)).Msg("cache merged")
	c.refs = kept
	c.merged = true
}

// #############################################################################

// TryToIntersection selects the common ciphertexts once every peer has
// finished. It reports true exactly once.
func (c *MasterCache) TryToIntersection() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Evaluating || c.finishedPeers.Count() != uint(len(c.peerIDs)) {
		return false
	}
	c.state = IntersectionProgressing

	type entry struct {
		cipher []byte
		index  int64
	}
	var sel []entry
	for key, ref := range c.refs {
		if ref.refCount == len(c.peerIDs) && ref.plainIndex >= 0 {
			sel = append(sel, entry{cipher: []byte(key), index: ref.plainIndex})
		}
	}
	sort.Slice(sel, func(i, j int) bool { return sel[i].index < sel[j].index })

	c.intersecCipher = make([][]byte, len(sel))
	c.intersecIndex = make([]int64, len(sel))
	for i, e := range sel {
		c.intersecCipher[i] = e.cipher
		c.intersecIndex[i] = e.index
	}
	c.releaseCache()
	c.state = Intersectioned
	c.logger.Info().Int("size", len(sel)).Msg("intersection selected")
	return true
}

// Intersection returns the selected ciphertexts and their plaintext indices.
func (c *MasterCache) Intersection() ([][]byte, []int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.intersecCipher, c.intersecIndex
}

func (c *MasterCache) releaseCache() {
	c.refs = make(map[string]*masterCipherRef)
	for _, s := range c.peerSeqs {
		s.Clear()
	}
}

// ReleaseIntersection drops the selection once it has been sent.
func (c *MasterCache) ReleaseIntersection() {
	c.mu.Lock()
	c.intersecCipher = nil
	c.intersecIndex = nil
	c.state = Finalized
	c.mu.Unlock()
}
