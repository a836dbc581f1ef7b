package psi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecdh_mpsi/protocol"
)

func masterTask() *protocol.Task {
	self := newParty("m", protocol.Master)
	return taskFor("t1", false, self,
		newParty("c", protocol.Calculator),
		newParty("p1", protocol.Partner),
		newParty("p2", protocol.Partner),
	)
}

func cipherMsg(t protocol.PacketType, from string, seq, count uint32, index []int64, data ...string) *protocol.Message {
	msg := protocol.NewMessage(t)
	msg.From = from
	msg.Seq = seq
	msg.DataBatchCount = count
	msg.Data = toBytes(data...)
	msg.DataIndex = index
	return msg
}

func calcMsg(seq, count uint32, index []int64, data ...string) *protocol.Message {
	return cipherMsg(protocol.SendEncryptedSetToMasterFromCalculator, "c", seq, count, index, data...)
}

func partnerMsg(from string, seq, count uint32, data ...string) *protocol.Message {
	return cipherMsg(protocol.SendEncryptedSetToMasterFromPartner, from, seq, count, nil, data...)
}

// #############################################################################

func TestMasterCacheMerge(t *testing.T) {
	c := NewMasterCache(masterTask(), testLogger(t))
	require.Equal(t, 3, c.PeerCount())

	c.AddPartnerCipher(partnerMsg("p1", 1, 0, "x", "y", "w"))
	assert.False(t, c.PeerFinished("p1"))
	assert.Equal(t, 3, c.Size())

	c.AddPartnerCipher(partnerMsg("p1", 2, 2, "u"))
	assert.True(t, c.PeerFinished("p1"))
	assert.Equal(t, 4, c.Size())

	// z was never sent by the finished partner.
	c.AddCalculatorCipher(calcMsg(1, 1, []int64{0, 1, 2}, "x", "y", "z"))
	assert.True(t, c.PeerFinished("c"))
	_, _, ok := c.Ref([]byte("z"))
	assert.False(t, ok)
	_, _, ok = c.Ref([]byte("w"))
	assert.False(t, ok)

	refInfo, refCount, ok := c.Ref([]byte("y"))
	require.True(t, ok)
	assert.Equal(t, 2, refCount)
	assert.Equal(t, refInfo.Count(), refCount)

	assert.False(t, c.TryToIntersection())

	c.AddPartnerCipher(partnerMsg("p2", 1, 1, "x", "u"))
	refInfo, refCount, ok = c.Ref([]byte("x"))
	require.True(t, ok)
	assert.Equal(t, 3, refCount)
	for i := 0; i < 3; i++ {
		assert.True(t, refInfo.Has(i))
	}
	assert.Equal(t, 1, c.Size())

	require.True(t, c.TryToIntersection())
	assert.False(t, c.TryToIntersection())
	ciphers, index := c.Intersection()
	assert.Equal(t, []string{"x"}, toStrings(ciphers))
	assert.Equal(t, []int64{0}, index)
	assert.Equal(t, Intersectioned, c.State())
	assert.Equal(t, 0, c.Size())

	c.ReleaseIntersection()
	ciphers, _ = c.Intersection()
	assert.Empty(t, ciphers)
	assert.Equal(t, Finalized, c.State())
}

func TestMasterCacheRequiresKnownIndex(t *testing.T) {
	self := newParty("m", protocol.Master)
	task := taskFor("t1", false, self, newParty("c", protocol.Calculator), newParty("p1", protocol.Partner))
	c := NewMasterCache(task, testLogger(t))

	c.AddCalculatorCipher(calcMsg(1, 1, []int64{-1, 4}, "a", "b"))
	c.AddPartnerCipher(partnerMsg("p1", 1, 1, "a", "b"))
	require.True(t, c.TryToIntersection())

	ciphers, index := c.Intersection()
	assert.Equal(t, []string{"b"}, toStrings(ciphers))
	assert.Equal(t, []int64{4}, index)
}

func TestMasterCacheSortsByIndex(t *testing.T) {
	self := newParty("m", protocol.Master)
	task := taskFor("t1", false, self, newParty("c", protocol.Calculator))
	c := NewMasterCache(task, testLogger(t))

	c.AddCalculatorCipher(calcMsg(2, 0, []int64{7, 3}, "h", "d"))
	c.AddCalculatorCipher(calcMsg(1, 2, []int64{0, 5}, "a", "f"))
	require.True(t, c.TryToIntersection())

	_, index := c.Intersection()
	assert.Equal(t, []int64{0, 3, 5, 7}, index)
}

func TestMasterCacheUnknownBatchCount(t *testing.T) {
	self := newParty("m", protocol.Master)
	task := taskFor("t1", false, self, newParty("c", protocol.Calculator))
	c := NewMasterCache(task, testLogger(t))

	c.AddCalculatorCipher(calcMsg(1, 0, []int64{0}, "a"))
	c.AddCalculatorCipher(calcMsg(3, 3, []int64{2}, "c"))
	assert.False(t, c.PeerFinished("c"))
	assert.False(t, c.TryToIntersection())

	c.AddCalculatorCipher(calcMsg(2, 0, []int64{1}, "b"))
	assert.True(t, c.PeerFinished("c"))
	require.True(t, c.TryToIntersection())
	ciphers, _ := c.Intersection()
	assert.Equal(t, []string{"a", "b", "c"}, toStrings(ciphers))
}

func TestMasterCacheDropsUnexpected(t *testing.T) {
	c := NewMasterCache(masterTask(), testLogger(t))

	c.AddPartnerCipher(partnerMsg("stranger", 1, 1, "x"))
	assert.Equal(t, 0, c.Size())

	// The calculator stream must not arrive as partner data.
	c.AddPartnerCipher(partnerMsg("c", 1, 1, "x"))
	assert.Equal(t, 0, c.Size())

	c.AddPartnerCipher(partnerMsg("p1", 1, 0, "x"))
	c.AddPartnerCipher(partnerMsg("p1", 1, 0, "x"))
	_, refCount, ok := c.Ref([]byte("x"))
	require.True(t, ok)
	assert.Equal(t, 1, refCount)

	c.AddPartnerCipher(partnerMsg("p1", 2, 2))
	assert.True(t, c.PeerFinished("p1"))
	c.AddPartnerCipher(partnerMsg("p1", 3, 3, "late"))
	_, _, ok = c.Ref([]byte("late"))
	assert.False(t, ok)
}
