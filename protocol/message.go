package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/errors"
)

// #############################################################################

type PacketType uint32

const (
	GenerateRandomToPartner PacketType = iota + 1
	SendEncryptedSetToMasterFromCalculator
	SendEncryptedSetToMasterFromPartner
	SendEncryptedSetToCalculator
	SendEncryptedIntersectionSetToCalculator
	ReturnEncryptedIntersectionSetFromCalculatorToMaster
	SyncFinalResultToAll
)

var packetNames = map[PacketType]string{
	GenerateRandomToPartner:                              "GENERATE_RANDOM_TO_PARTNER",
	SendEncryptedSetToMasterFromCalculator:               "SEND_ENCRYPTED_SET_TO_MASTER_FROM_CALCULATOR",
	SendEncryptedSetToMasterFromPartner:                  "SEND_ENCRYPTED_SET_TO_MASTER_FROM_PARTNER",
	SendEncryptedSetToCalculator:                         "SEND_ENCRYPTED_SET_TO_CALCULATOR",
	SendEncryptedIntersectionSetToCalculator:             "SEND_ENCRYPTED_INTERSECTION_SET_TO_CALCULATOR",
	ReturnEncryptedIntersectionSetFromCalculatorToMaster: "RETURN_ENCRYPTED_INTERSECTION_SET_FROM_CALCULATOR_TO_MASTER",
	SyncFinalResultToAll:                                 "SYNC_FINAL_RESULT_TO_ALL",
}

func (t PacketType) String() string {
	if name, ok := packetNames[t]; ok {
		return name
	}
	return fmt.Sprintf("PACKET(%d)", uint32(t))
}

func (t PacketType) Known() bool {
	_, ok := packetNames[t]
	return ok
}

// Check fails with ErrUnknownPacketType for values outside the protocol.
func (t PacketType) Check() error {
	if t.Known() {
		return nil
	}
	return errors.Wrapf(ErrUnknownPacketType, "%d", uint32(t))
}

// #############################################################################

// Version values carried by SyncFinalResultToAll.
const (
	ResultWithData int32 = 0
	ResultNotice   int32 = -1
)

// Message is a decoded PSI protocol message. From, TaskID, Seq and UUID are
// carried by the envelope; the remaining fields travel in the payload.
type Message struct {
	PacketType     PacketType
	From           string
	TaskID         string
	Seq            uint32
	UUID           string
	Version        int32
	DataBatchCount uint32
	Data           [][]byte
	DataIndex      []int64
}

func NewMessage(packetType PacketType) *Message {
	return &Message{PacketType: packetType}
}

// Index returns the plaintext index of Data[i], or -1 when unknown.
func (m *Message) Index(i int) int64 {
	if i < len(m.DataIndex) {
		return m.DataIndex[i]
	}
	return -1
}

const headerLen = 12

func (m *Message) Encode() ([]byte, error) {
	if len(m.DataIndex) != 0 && len(m.DataIndex) != len(m.Data) {
		return nil, errors.Newf("data index length %d does not match data length %d",
			len(m.DataIndex), len(m.Data))
	}
	sz := headerLen + 2*binary.MaxVarintLen64
	for _, d := range m.Data {
		sz += binary.MaxVarintLen64 + len(d)
	}
	sz += len(m.DataIndex) * binary.MaxVarintLen64

	buf := make([]byte, headerLen, sz)
	binary.BigEndian.PutUint32(buf[0:], uint32(m.PacketType))
	binary.BigEndian.PutUint32(buf[4:], uint32(m.Version))
	binary.BigEndian.PutUint32(buf[8:], m.DataBatchCount)
	buf = binary.AppendUvarint(buf, uint64(len(m.Data)))
	for _, d := range m.Data {
		buf = binary.AppendUvarint(buf, uint64(len(d)))
		buf = append(buf, d...)
	}
	buf = binary.AppendUvarint(buf, uint64(len(m.DataIndex)))
	for _, idx := range m.DataIndex {
		buf = binary.AppendVarint(buf, idx)
	}
	return buf, nil
}

func DecodeMessage(payload []byte) (*Message, error) {
	if len(payload) < headerLen {
		return nil, errors.Wrapf(ErrMalformedMessage, "payload too short: %d bytes", len(payload))
	}
	m := &Message{
		PacketType:     PacketType(binary.BigEndian.Uint32(payload[0:])),
		Version:        int32(binary.BigEndian.Uint32(payload[4:])),
		DataBatchCount: binary.BigEndian.Uint32(payload[8:]),
	}
	d := decoder{buf: payload[headerLen:]}

	n := d.count()
	if n > 0 {
		m.Data = make([][]byte, n)
	}
	for i := range m.Data {
		m.Data[i] = d.bytes()
	}
	n = d.count()
	if n > 0 {
		m.DataIndex = make([]int64, n)
	}
	for i := range m.DataIndex {
		m.DataIndex[i] = d.varint()
	}
	if d.err != nil {
		return nil, d.err
	}
	if len(d.buf) != 0 {
		return nil, errors.Wrapf(ErrMalformedMessage, "%d trailing bytes", len(d.buf))
	}
	if len(m.DataIndex) != 0 && len(m.DataIndex) != len(m.Data) {
		return nil, errors.Wrapf(ErrMalformedMessage, "data index length %d, data length %d",
			len(m.DataIndex), len(m.Data))
	}
	return m, nil
}

// #############################################################################

type decoder struct {
	buf []byte
	err error
}

func (d *decoder) uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf)
	if n <= 0 {
		d.err = errors.Wrap(ErrMalformedMessage, "bad uvarint")
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

func (d *decoder) varint() int64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Varint(d.buf)
	if n <= 0 {
		d.err = errors.Wrap(ErrMalformedMessage, "bad varint")
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

// count reads an element count; every element takes at least one byte, so a
// count beyond the remaining input is rejected before allocating.
func (d *decoder) count() int {
	v := d.uvarint()
	if d.err == nil && v > uint64(len(d.buf)) {
		d.err = errors.Wrapf(ErrMalformedMessage, "count %d exceeds payload", v)
		return 0
	}
	return int(v)
}

func (d *decoder) bytes() []byte {
	l := d.uvarint()
	if d.err != nil {
		return nil
	}
	if l > uint64(len(d.buf)) {
		d.err = errors.Wrapf(ErrMalformedMessage, "blob of %d bytes exceeds payload", l)
		return nil
	}
	ret := make([]byte, l)
	copy(ret, d.buf[:l])
	d.buf = d.buf[l:]
	return ret
}
