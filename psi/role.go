package psi

import (
	"context"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"ecdh_mpsi/dataio"
	"ecdh_mpsi/protocol"
)

// roleEngine is the protocol logic of one party in one task.
type roleEngine interface {
	TaskID() string
	Role() protocol.Role
	AsyncStartRunTask() error
}

// resultReceiver is implemented by the roles that wait for the final
// result.
type resultReceiver interface {
	OnReceivePSIResult(msg *protocol.Message) error
}

// #############################################################################

type roleBase struct {
	ctx    context.Context
	cfg    *Config
	ts     *TaskState
	task   *protocol.Task
	role   protocol.Role
	logger zerolog.Logger

	calculator *protocol.Party
	master     *protocol.Party
	partners   []*protocol.Party
}

func newRoleBase(ctx context.Context, cfg *Config, ts *TaskState, role protocol.Role) *roleBase {
	task := ts.Task()
	r := &roleBase{
		ctx:      ctx,
		cfg:      cfg,
		ts:       ts,
		task:     task,
		role:     role,
		logger:   ts.logger.With().Str("role", role.String()).Logger(),
		partners: task.PeersByRole(protocol.Partner),
	}
	if ps := task.PeersByRole(protocol.Calculator); len(ps) > 0 {
		r.calculator = ps[0]
	}
	if ps := task.PeersByRole(protocol.Master); len(ps) > 0 {
		r.master = ps[0]
	}
	return r
}

func (r *roleBase) TaskID() string {
	return r.task.ID
}

func (r *roleBase) Role() protocol.Role {
	return r.role
}

// onTaskError finishes the task with a local failure.
func (r *roleBase) onTaskError(desc string, err error) {
	result := protocol.NewTaskResult(r.task.ID)
	result.SetError(errors.Wrapf(err, "%s %s", r.role, desc))
	r.ts.OnTaskFinishedWithResult(result, r.cfg.NotifyPeerOnError)
}

// expectFrom drops messages whose sender does not hold role in the task.
func (r *roleBase) expectFrom(msg *protocol.Message, role protocol.Role) bool {
	if p := r.task.Peer(msg.From); p != nil && p.Role == role {
		return true
	}
	r.logger.Warn().Str("from", msg.From).Str("packet", msg.PacketType.String()).
		Msg("message from unexpected sender dropped")
	return false
}

// goStream runs the local data stream off the worker pool.
func (r *roleBase) goStream(desc string, fn func() error) {
	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.onTaskError(desc, errors.Newf("panic: %v", p))
			}
		}()
		if err := fn(); err != nil {
			r.onTaskError(desc, err)
		}
	}()
}

func (r *roleBase) send(to *protocol.Party, msg *protocol.Message, seq uint32, onSent func(error)) {
	r.cfg.generateAndSendMessage(to.ID, r.task.ID, msg, seq, onSent)
}

// #############################################################################

// blindData streams the local dataset to targets, one batch at a time, each
// record blinded by key. Every batch carries a fresh sequence number; the
// last one also carries the batch count. An empty dataset still produces one
// empty final batch. When keepPlain is set the plaintext is retained and
// every cipher is tagged with its record index.
func (r *roleBase) blindData(key []byte, packetType protocol.PacketType, targets []*protocol.Party,
	keepPlain func(data [][]byte) int64) error {

	batches := 0
	for {
		if r.ts.TaskDone() {
			return nil
		}
		var (
			batch *dataio.DataBatch
			last  bool
			seq   uint32
			base  int64
		)
		ok, err := r.ts.ReadBatch(func(b *dataio.DataBatch, l bool) {
			batch, last = b, l
			seq = r.ts.AllocateSeq()
			if keepPlain != nil {
				base = keepPlain(b.Data())
			}
		})
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		ciphers, err := r.cfg.blindBatch(r.ctx, batch, key)
		if err != nil {
			r.ts.EraseFinishedTaskSeq(seq, false)
			return err
		}
		msg := protocol.NewMessage(packetType)
		msg.Data = ciphers
		if keepPlain != nil {
			msg.DataIndex = make([]int64, len(ciphers))
			for i := range msg.DataIndex {
				msg.DataIndex[i] = base + int64(i)
			}
		}
		if last {
			msg.DataBatchCount = seq
		}
		r.sendBatch(msg, seq, targets)
		batch.Release()
		batches++

		if last {
			r.logger.Debug().Int("batches", batches).Str("packet", packetType.String()).Msg("local data sent")
			r.ts.SetFinished()
			return nil
		}
	}
}

// sendBatch sends msg to every target. The sequence number completes when
// all of them have been attempted; any failure aborts the task.
func (r *roleBase) sendBatch(msg *protocol.Message, seq uint32, targets []*protocol.Party) {
	if len(targets) == 0 {
		r.ts.EraseFinishedTaskSeq(seq, true)
		return
	}
	payload, err := msg.Encode()
	if err != nil {
		r.ts.EraseFinishedTaskSeq(seq, false)
		r.ts.OnTaskException(errors.Wrapf(err, "encode %s", msg.PacketType))
		return
	}
	var pending atomic.Int32
	var failed atomic.Bool
	pending.Store(int32(len(targets)))
	for _, p := range targets {
		to := p.ID
		r.cfg.sendPayload(to, r.task.ID, payload, seq, func(err error) {
			if err != nil {
				failed.Store(true)
				r.ts.OnTaskException(errors.Wrapf(err, "send %s seq %d to %s", msg.PacketType, seq, to))
			}
			if pending.Add(-1) == 0 {
				r.ts.EraseFinishedTaskSeq(seq, !failed.Load())
			}
		})
	}
}

// #############################################################################

// receiveResult completes a master or partner once the calculator has
// published the result.
func (r *roleBase) receiveResult(msg *protocol.Message) error {
	if !r.expectFrom(msg, protocol.Calculator) {
		return nil
	}
	if msg.Version == protocol.ResultWithData && r.task.SyncResultToPeer && r.task.IsReceiver(r.task.Self.ID) {
		if err := r.ts.StoreResult(msg.Data); err != nil {
			return err
		}
		r.logger.Info().Int("size", len(msg.Data)).Msg("result stored")
	}
	r.ts.SetFinished()
	r.ts.OnTaskFinished()
	return nil
}
