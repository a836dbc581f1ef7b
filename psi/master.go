package psi

import (
	"github.com/cockroachdb/errors"

	"ecdh_mpsi/protocol"
)

// Master owns key B. It sends H(z)·B to the calculator, selects the values
// every other party holds and returns them blinded by B.
type Master struct {
	*roleBase
	keyB  []byte
	cache *MasterCache
}

func NewMaster(base *roleBase) (*Master, error) {
	key, err := base.cfg.Crypto.GenerateRandomScalar()
	if err != nil {
		return nil, errors.Wrap(err, "generate master key")
	}
	return &Master{
		roleBase: base,
		keyB:     key,
		cache:    NewMasterCache(base.task, base.logger),
	}, nil
}

func (m *Master) Cache() *MasterCache {
	return m.cache
}

func (m *Master) AsyncStartRunTask() error {
	m.goStream("blind local data", func() error {
		return m.blindData(m.keyB, protocol.SendEncryptedSetToCalculator,
			[]*protocol.Party{m.calculator}, nil)
	})
	return nil
}

func (m *Master) OnReceiveCalCipher(msg *protocol.Message) error {
	m.cache.AddCalculatorCipher(msg)
	return m.tryToIntersection()
}

func (m *Master) OnReceiveCipherFromPartner(msg *protocol.Message) error {
	m.cache.AddPartnerCipher(msg)
	return m.tryToIntersection()
}

func (m *Master) tryToIntersection() error {
	if !m.cache.TryToIntersection() {
		return nil
	}
	return m.encryptIntersection()
}

// encryptIntersection blinds the selection by B and streams it to the
// calculator. An empty selection is sent as one empty final batch.
func (m *Master) encryptIntersection() error {
	defer m.cache.ReleaseIntersection()
	ciphers, index := m.cache.Intersection()
	blinded, err := m.cfg.multiplyAll(m.ctx, ciphers, m.keyB)
	if err != nil {
		return errors.Wrap(err, "blind intersection")
	}

	size := m.ts.ReaderParam()
	if size <= 0 {
		size = m.cfg.DataBatchSize
	}
	batches := max((len(blinded)+size-1)/size, 1)
	for b := 0; b < batches; b++ {
		lo := b * size
		hi := min(lo+size, len(blinded))
		msg := protocol.NewMessage(protocol.SendEncryptedIntersectionSetToCalculator)
		msg.Data = blinded[lo:hi]
		msg.DataIndex = index[lo:hi]
		if b == batches-1 {
			msg.DataBatchCount = uint32(batches)
		}
		seq := uint32(b + 1)
		m.send(m.calculator, msg, seq, func(err error) {
			if err != nil {
				m.ts.OnTaskException(errors.Wrapf(err, "send intersection batch %d", seq))
			}
		})
	}
	m.logger.Info().Int("size", len(blinded)).Int("batches", batches).Msg("intersection sent")
	return nil
}

func (m *Master) OnReceivePSIResult(msg *protocol.Message) error {
	return m.receiveResult(msg)
}
