package psi

import (
	"sync"

	"github.com/cockroachdb/errors"

	"ecdh_mpsi/protocol"
)

// Partner waits for the calculator's key A and sends H(y)·A to the master.
type Partner struct {
	*roleBase
	once sync.Once
	keyA []byte
}

func NewPartner(base *roleBase) *Partner {
	return &Partner{roleBase: base}
}

// AsyncStartRunTask does nothing until the key arrives.
func (p *Partner) AsyncStartRunTask() error {
	return nil
}

func (p *Partner) OnReceiveRandomA(msg *protocol.Message) error {
	if !p.expectFrom(msg, protocol.Calculator) {
		return nil
	}
	if len(msg.Data) != 1 || len(msg.Data[0]) == 0 {
		return errors.Wrapf(protocol.ErrMalformedMessage, "expected one key, got %d values", len(msg.Data))
	}
	started := false
	p.once.Do(func() {
		p.keyA = msg.Data[0]
		started = true
	})
	if !started {
		p.logger.Warn().Msg("repeated key ignored")
		return nil
	}
	p.goStream("blind local data", func() error {
		return p.blindData(p.keyA, protocol.SendEncryptedSetToMasterFromPartner,
			[]*protocol.Party{p.master}, nil)
	})
	return nil
}

func (p *Partner) OnReceivePSIResult(msg *protocol.Message) error {
	return p.receiveResult(msg)
}
