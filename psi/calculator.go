package psi

import (
	"github.com/cockroachdb/errors"

	"ecdh_mpsi/protocol"
)

// Calculator owns key A. It hands A to the partners, sends H(x)·A to the
// master and matches the two doubly blinded streams it gets back.
type Calculator struct {
	*roleBase
	keyA  []byte
	cache *CalculatorCache
}

func NewCalculator(base *roleBase) (*Calculator, error) {
	key, err := base.cfg.Crypto.GenerateRandomScalar()
	if err != nil {
		return nil, errors.Wrap(err, "generate calculator key")
	}
	return &Calculator{
		roleBase: base,
		keyA:     key,
		cache:    NewCalculatorCache(base.logger),
	}, nil
}

func (c *Calculator) Cache() *CalculatorCache {
	return c.cache
}

func (c *Calculator) AsyncStartRunTask() error {
	for _, p := range c.partners {
		msg := protocol.NewMessage(protocol.GenerateRandomToPartner)
		msg.Data = [][]byte{c.keyA}
		msg.DataBatchCount = 1
		to := p.ID
		c.send(p, msg, 0, func(err error) {
			if err != nil {
				c.ts.OnTaskException(errors.Wrapf(err, "send key to partner %s", to))
			}
		})
	}
	c.goStream("blind local data", func() error {
		return c.blindData(c.keyA, protocol.SendEncryptedSetToMasterFromCalculator,
			[]*protocol.Party{c.master}, c.cache.AppendPlainData)
	})
	return nil
}

// OnReceiveMasterCipher blinds the master's H(z)·B with A.
func (c *Calculator) OnReceiveMasterCipher(msg *protocol.Message) error {
	if !c.expectFrom(msg, protocol.Master) {
		return nil
	}
	ciphers, err := c.cfg.multiplyAll(c.ctx, msg.Data, c.keyA)
	if err != nil {
		return errors.Wrapf(err, "blind master batch %d", msg.Seq)
	}
	c.cache.AddMasterCipher(ciphers, msg.Seq, msg.DataBatchCount)
	return c.tryToFinalize()
}

// OnReceiveIntersecCipher records the intersection stream. Its values are
// already blinded by both keys.
func (c *Calculator) OnReceiveIntersecCipher(msg *protocol.Message) error {
	if !c.expectFrom(msg, protocol.Master) {
		return nil
	}
	c.cache.AddIntersectionCipher(msg.Data, msg.Index, msg.Seq, msg.DataBatchCount)

	ack := protocol.NewMessage(protocol.ReturnEncryptedIntersectionSetFromCalculatorToMaster)
	c.send(c.master, ack, msg.Seq, func(err error) {
		if err != nil {
			c.logger.Debug().Err(err).Uint32("seq", msg.Seq).Msg("ack not delivered")
		}
	})
	return c.tryToFinalize()
}

func (c *Calculator) tryToFinalize() error {
	result, ok, err := c.cache.TryToFinalize()
	if !ok {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "finalize")
	}

	c.cache.Advance(Syncing)
	c.syncResultToPeers(result)
	c.cache.Advance(Synced)

	c.cache.Advance(StoreProgressing)
	if err := c.ts.StoreResult(result); err != nil {
		return err
	}
	c.cache.Advance(Stored)

	c.ts.SetFinished()
	c.ts.OnTaskFinished()
	return nil
}

// syncResultToPeers publishes the result to the receivers when syncing is
// on. Every other peer gets a notice without data so it can finish.
func (c *Calculator) syncResultToPeers(result [][]byte) {
	peers := append([]*protocol.Party{c.master}, c.partners...)
	for _, p := range peers {
		msg := protocol.NewMessage(protocol.SyncFinalResultToAll)
		msg.DataBatchCount = 1
		if c.task.SyncResultToPeer && c.task.IsReceiver(p.ID) {
			msg.Version = protocol.ResultWithData
			msg.Data = result
		} else {
			msg.Version = protocol.ResultNotice
		}
		to := p.ID
		c.send(p, msg, 0, func(err error) {
			if err != nil {
				c.logger.Warn().Err(err).Str("peer", to).Msg("result sync failed")
			}
		})
	}
}
