package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageCodec(t *testing.T) {
	m := NewMessage(SendEncryptedSetToMasterFromCalculator)
	m.DataBatchCount = 4
	m.Data = [][]byte{[]byte("p1"), {}, []byte("p3-longer")}
	m.DataIndex = []int64{0, -1, 1 << 40}

	buf, err := m.Encode()
	require.NoError(t, err)

	got, err := DecodeMessage(buf)
	require.NoError(t, err)
	assert.Equal(t, m.PacketType, got.PacketType)
	assert.Equal(t, uint32(4), got.DataBatchCount)
	assert.Equal(t, m.Data, got.Data)
	assert.Equal(t, m.DataIndex, got.DataIndex)
	assert.Equal(t, int64(-1), got.Index(1))
}

func TestMessageCodecNotice(t *testing.T) {
	m := NewMessage(SyncFinalResultToAll)
	m.Version = ResultNotice

	buf, err := m.Encode()
	require.NoError(t, err)
	got, err := DecodeMessage(buf)
	require.NoError(t, err)
	assert.Equal(t, ResultNotice, got.Version)
	assert.Empty(t, got.Data)
	assert.Equal(t, int64(-1), got.Index(0))
}

func TestDecodeMalformed(t *testing.T) {
	m := NewMessage(SendEncryptedSetToCalculator)
	m.Data = [][]byte{[]byte("abc")}
	buf, err := m.Encode()
	require.NoError(t, err)

	for name, payload := range map[string][]byte{
		"short":     buf[:5],
		"truncated": buf[:len(buf)-2],
		"trailing":  append(append([]byte{}, buf...), 0x00, 0x00),
		"huge count": append(append([]byte{}, buf[:headerLen]...),
			0xff, 0xff, 0xff, 0xff, 0x0f),
	} {
		_, err := DecodeMessage(payload)
		assert.ErrorIs(t, err, ErrMalformedMessage, name)
	}
}

func TestEncodeRejectsIndexMismatch(t *testing.T) {
	m := NewMessage(SendEncryptedSetToMasterFromCalculator)
	m.Data = [][]byte{[]byte("a"), []byte("b")}
	m.DataIndex = []int64{0}
	_, err := m.Encode()
	assert.Error(t, err)
}

func TestPacketTypeNames(t *testing.T) {
	assert.Equal(t, "SYNC_FINAL_RESULT_TO_ALL", SyncFinalResultToAll.String())
	assert.False(t, PacketType(99).Known())
	assert.Equal(t, "PACKET(99)", PacketType(99).String())
	assert.NoError(t, SyncFinalResultToAll.Check())
	err := PacketType(99).Check()
	assert.ErrorIs(t, err, ErrUnknownPacketType)
	assert.Contains(t, err.Error(), "99")
}

func TestTaskHelpers(t *testing.T) {
	task := &Task{
		ID:   "t",
		Self: &Party{ID: "c", Role: Calculator},
		Peers: []*Party{
			{ID: "m", Role: Master},
			{ID: "p1", Role: Partner},
			{ID: "p2", Role: Partner},
		},
		ReceiverList: []string{"m"},
	}
	assert.Len(t, task.PeersByRole(Partner), 2)
	assert.Equal(t, "m", task.Peer("m").ID)
	assert.Nil(t, task.Peer("x"))
	assert.True(t, task.IsReceiver("m"))
	assert.False(t, task.IsReceiver("p1"))

	role, err := ParseRole("master")
	require.NoError(t, err)
	assert.Equal(t, Master, role)
	_, err = ParseRole("3")
	assert.ErrorIs(t, err, ErrUnknownRole)
	assert.False(t, Role(3).Valid())
}
