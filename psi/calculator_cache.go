package psi

import (
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring"
	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

type cipherRefDetail struct {
	refCount   int
	plainIndex int64
}

// cipherStream tracks the batches of one inbound stream.
type cipherStream struct {
	seqs       *roaring.Bitmap
	batchCount uint32
	receiveAll bool
}

func newCipherStream() *cipherStream {
	return &cipherStream{seqs: roaring.New()}
}

// add records seq and reports false for a duplicate.
func (s *cipherStream) add(seq, count uint32) bool {
	if s.receiveAll || !s.seqs.CheckedAdd(seq) {
		return false
	}
	if count > 0 {
		s.batchCount = count
	}
	return true
}

// settle marks the stream complete once every declared batch is in. It runs
// after a batch's values are recorded.
func (s *cipherStream) settle() {
	if s.batchCount > 0 && s.seqs.GetCardinality() >= uint64(s.batchCount) {
		s.receiveAll = true
	}
}

// #############################################################################

// CalculatorCache matches the master's doubly blinded set against the doubly
// blinded intersection of the other parties. A value present in both streams
// is common to every party.
type CalculatorCache struct {
	logger zerolog.Logger

	mu        sync.Mutex
	state     CacheState
	refs      map[string]*cipherRefDetail
	master    *cipherStream
	intersect *cipherStream

	// plain is the local dataset in the order it was streamed; offsets[i] is
	// the global index of plain[i][0].
	plain    [][][]byte
	offsets  []int64
	plainLen int64
}

func NewCalculatorCache(logger zerolog.Logger) *CalculatorCache {
	return &CalculatorCache{
		logger:    logger,
		refs:      make(map[string]*cipherRefDetail),
		master:    newCipherStream(),
		intersect: newCipherStream(),
	}
}

func (c *CalculatorCache) State() CacheState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Advance moves the cache forward to s. Earlier states are ignored.
func (c *CalculatorCache) Advance(s CacheState) {
	c.mu.Lock()
	if s > c.state {
		c.state = s
	}
	c.mu.Unlock()
}

func (c *CalculatorCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.refs)
}

// Ref returns the combined reference count and plaintext index of cipher.
func (c *CalculatorCache) Ref(cipher []byte) (int, int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ref, ok := c.refs[string(cipher)]
	if !ok {
		return 0, -1, false
	}
	return ref.refCount, ref.plainIndex, true
}

// AppendPlainData keeps a streamed batch and returns the global index of its
// first record.
func (c *CalculatorCache) AppendPlainData(data [][]byte) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	base := c.plainLen
	if len(data) == 0 {
		return base
	}
	c.plain = append(c.plain, data)
	c.offsets = append(c.offsets, base)
	c.plainLen += int64(len(data))
	return base
}

func (c *CalculatorCache) plainAt(idx int64) ([]byte, bool) {
	if idx < 0 || idx >= c.plainLen {
		return nil, false
	}
	i := sort.Search(len(c.offsets), func(i int) bool { return c.offsets[i] > idx }) - 1
	return c.plain[i][idx-c.offsets[i]], true
}

// #############################################################################

// AddMasterCipher records a batch of the master's set, already blinded by
// both keys.
func (c *CalculatorCache) AddMasterCipher(ciphers [][]byte, seq, count uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Evaluating {
		return
	}
	if !c.master.add(seq, count) {
		c.logger.Warn().Uint32("seq", seq).Msg("duplicate master batch dropped")
		return
	}
	for _, cipher := range ciphers {
		c.updateCipherRef(cipher, -1)
	}
	c.master.settle()
}

// AddIntersectionCipher records a batch of the intersection stream with the
// local plaintext index of each value.
func (c *CalculatorCache) AddIntersectionCipher(ciphers [][]byte, index func(i int) int64, seq, count uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Evaluating {
		return
	}
	if !c.intersect.add(seq, count) {
		c.logger.Warn().Uint32("seq", seq).Msg("duplicate intersection batch dropped")
		return
	}
	for i, cipher := range ciphers {
		c.updateCipherRef(cipher, index(i))
	}
	c.intersect.settle()
}

// updateCipherRef counts one more sighting of cipher. Once either stream is
// complete, a value it did not contain cannot match and is not stored.
func (c *CalculatorCache) updateCipherRef(cipher []byte, plainIndex int64) {
	key := string(cipher)
	ref, ok := c.refs[key]
	if !ok {
		if c.master.receiveAll || c.intersect.receiveAll {
			return
		}
		c.refs[key] = &cipherRefDetail{refCount: 1, plainIndex: plainIndex}
		return
	}
	ref.refCount++
	if ref.plainIndex < 0 && plainIndex >= 0 {
		ref.plainIndex = plainIndex
	}
}

// ReceivedAll reports whether both streams are complete.
func (c *CalculatorCache) ReceivedAll() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.master.receiveAll && c.intersect.receiveAll
}

// TryToFinalize resolves the common values to plaintext once both streams
// are complete. It returns ok exactly once; the records are ordered by their
// position in the local dataset.
func (c *CalculatorCache) TryToFinalize() (result [][]byte, ok bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Evaluating || !c.master.receiveAll || !c.intersect.receiveAll {
		return nil, false, nil
	}
	c.state = Finalizing

	indices := make([]int64, 0)
	for _, ref := range c.refs {
		if ref.refCount >= 2 && ref.plainIndex >= 0 {
			indices = append(indices, ref.plainIndex)
		}
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	result = make([][]byte, 0, len(indices))
	var last int64 = -1
	for _, idx := range indices {
		if idx == last {
			continue
		}
		last = idx
		rec, found := c.plainAt(idx)
		if !found {
			err = errors.Newf("plaintext index %d out of range [0, %d)", idx, c.plainLen)
			break
		}
		result = append(result, rec)
	}
	c.release()
	c.state = Finalized
	if err != nil {
		return nil, true, err
	}
	c.logger.Info().Int("size", len(result)).Msg("intersection finalized")
	return result, true, nil
}

func (c *CalculatorCache) release() {
	c.refs = make(map[string]*cipherRefDetail)
	c.plain = nil
	c.offsets = nil
	c.master.seqs.Clear()
	c.intersect.seqs.Clear()
}
