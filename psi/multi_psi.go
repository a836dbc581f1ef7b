package psi

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"ecdh_mpsi/protocol"
)

// MultiPSI runs the ECDH multi-party PSI tasks of one party. Inbound
// envelopes are queued and decoded by a single pump; the protocol handlers
// run on a worker pool.
type MultiPSI struct {
	*TaskGuarder

	cfg    Config
	logger zerolog.Logger
	pool   *WorkerPool
	queue  *mailbox
	roles  *roleRegistry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	start  sync.Once
	stop   sync.Once
}

func NewMultiPSI(cfg Config) (*MultiPSI, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.setDefaults()
	cfg.Logger = cfg.Logger.With().Str("party", cfg.SelfParty).Logger()

	ctx, cancel := context.WithCancel(context.Background())
	p := &MultiPSI{
		cfg:    cfg,
		logger: cfg.Logger,
		pool:   NewWorkerPool(cfg.ThreadPoolSize, cfg.PoolQueueSize),
		queue:  newMailbox(),
		ctx:    ctx,
		cancel: cancel,
	}
	p.TaskGuarder = NewTaskGuarder(&p.cfg)
	p.roles = newRoleRegistry(cfg.ParkTTL, cfg.MaxParkedPerTask, cfg.Logger)
	cfg.Transport.RegisterHandler(p.OnReceiveMessage)
	return p, nil
}

func (p *MultiPSI) Start() {
	p.start.Do(func() {
		p.pool.Start()
		p.StartPingTimer(p.cfg.PingPeriod)
		p.wg.Add(1)
		go p.run()
		p.logger.Info().Int("workers", p.cfg.ThreadPoolSize).Msg("psi dispatcher started")
	})
}

// Stop halts the pump and waits for queued handlers. Running tasks are not
// completed.
func (p *MultiPSI) Stop() {
	p.stop.Do(func() {
		p.cancel()
		p.wg.Wait()
		p.StopPingTimer()
		p.pool.Stop()
		p.logger.Info().Msg("psi dispatcher stopped")
	})
}

// OnReceiveMessage queues an envelope from the transport.
func (p *MultiPSI) OnReceiveMessage(env *protocol.Envelope) {
	p.queue.push(env)
}

// WakeupWorker releases the pump from its wait.
func (p *MultiPSI) WakeupWorker() {
	p.queue.wakeup()
}

// #############################################################################

func (p *MultiPSI) run() {
	defer p.wg.Done()
	for p.ctx.Err() == nil {
		p.executeWorker()
	}
}

func (p *MultiPSI) executeWorker() {
	p.checkFinishedTask()
	p.roles.expire(time.Now())
	env := p.queue.tryPop(p.ctx, p.cfg.PopWait)
	if env == nil {
		return
	}
	p.handleEnvelope(env)
}

// checkFinishedTask reclaims tasks that completed without running their
// finalize hook.
func (p *MultiPSI) checkFinishedTask() {
	for _, ts := range p.PendingTasks() {
		if ts.TaskDone() {
			p.roles.remove(ts.TaskID())
			p.RemovePendingTask(ts.TaskID())
		}
	}
}

func (p *MultiPSI) handleEnvelope(env *protocol.Envelope) {
	log := p.logger.With().Str("task", env.TaskID).Str("from", env.Sender).Logger()
	defer func() {
		if r := recover(); r != nil {
			log.Error().Msgf("envelope handling panicked: %v", r)
		}
	}()

	switch env.Type {
	case protocol.PingPeer:
	case protocol.ErrorNotification:
		p.onReceivedErrorNotification(env)
	case protocol.PSIMessage:
		msg, err := protocol.DecodeMessage(env.Payload)
		env.Payload = nil
		if err != nil {
			log.Warn().Err(err).Msg("undecodable message dropped")
			return
		}
		msg.From = env.Sender
		msg.TaskID = env.TaskID
		msg.Seq = env.Seq
		msg.UUID = env.UUID
		if err := msg.PacketType.Check(); err != nil {
			log.Warn().Err(err).Msg("message dropped")
			return
		}
		if msg.PacketType == protocol.ReturnEncryptedIntersectionSetFromCalculatorToMaster {
			return
		}
		p.dispatchAsync(msg)
	default:
		log.Warn().Str("type", env.Type.String()).Msg("unknown envelope dropped")
	}
}

func (p *MultiPSI) onReceivedErrorNotification(env *protocol.Envelope) {
	ts := p.FindPendingTask(env.TaskID)
	if ts == nil {
		p.logger.Debug().Str("task", env.TaskID).Msg("error notification for unknown task")
		return
	}
	if ts.Task().Peer(env.Sender) == nil {
		p.logger.Warn().Str("task", env.TaskID).Str("from", env.Sender).
			Msg("error notification from outside the task dropped")
		return
	}
	ts.OnPeerNotifyFinish(env.Sender)
	p.WakeupWorker()
}

func (p *MultiPSI) dispatchAsync(msg *protocol.Message) {
	engine := p.roles.findOrPark(msg)
	if engine == nil {
		return
	}
	if err := p.pool.Enqueue(func() { p.handlerPSIReceiveMessage(engine, msg) }); err != nil {
		p.logger.Warn().Err(err).Str("task", msg.TaskID).Msg("message not dispatched")
	}
}

func (p *MultiPSI) handlerPSIReceiveMessage(engine roleEngine, msg *protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			p.onSelfError(msg.TaskID, errors.Newf("panic handling %s: %v", msg.PacketType, r))
		}
	}()

	var err error
	switch msg.PacketType {
	case protocol.GenerateRandomToPartner:
		if r, ok := engine.(*Partner); ok {
			err = r.OnReceiveRandomA(msg)
		} else {
			p.wrongRole(engine, msg)
		}
	case protocol.SendEncryptedSetToMasterFromCalculator:
		if r, ok := engine.(*Master); ok {
			err = r.OnReceiveCalCipher(msg)
		} else {
			p.wrongRole(engine, msg)
		}
	case protocol.SendEncryptedSetToMasterFromPartner:
		if r, ok := engine.(*Master); ok {
			err = r.OnReceiveCipherFromPartner(msg)
		} else {
			p.wrongRole(engine, msg)
		}
	case protocol.SendEncryptedSetToCalculator:
		if r, ok := engine.(*Calculator); ok {
			err = r.OnReceiveMasterCipher(msg)
		} else {
			p.wrongRole(engine, msg)
		}
	case protocol.SendEncryptedIntersectionSetToCalculator:
		if r, ok := engine.(*Calculator); ok {
			err = r.OnReceiveIntersecCipher(msg)
		} else {
			p.wrongRole(engine, msg)
		}
	case protocol.SyncFinalResultToAll:
		if r, ok := engine.(resultReceiver); ok {
			err = r.OnReceivePSIResult(msg)
		} else {
			p.wrongRole(engine, msg)
		}
	default:
		p.logger.Warn().Str("packet", msg.PacketType.String()).Msg("unhandled packet dropped")
	}
	if err != nil {
		p.onSelfError(msg.TaskID, errors.Wrapf(err, "handle %s", msg.PacketType))
	}
}

func (p *MultiPSI) wrongRole(engine roleEngine, msg *protocol.Message) {
	p.logger.Warn().Str("task", msg.TaskID).Str("role", engine.Role().String()).
		Str("packet", msg.PacketType.String()).Msg("packet not meant for this role dropped")
}

func (p *MultiPSI) onSelfError(taskID string, err error) {
	ts := p.FindPendingTask(taskID)
	if ts == nil {
		p.logger.Warn().Err(err).Str("task", taskID).Msg("error for unknown task")
		return
	}
	result := protocol.NewTaskResult(taskID)
	result.SetError(err)
	ts.OnTaskFinishedWithResult(result, p.cfg.NotifyPeerOnError)
}

// #############################################################################

// AsyncRunTask admits task and starts this party's role in it. cb is called
// exactly once with the outcome, also when admission fails; the admission
// error is returned as well.
func (p *MultiPSI) AsyncRunTask(task *protocol.Task, cb TaskCallback) error {
	if task == nil || task.ID == "" || task.Self == nil {
		err := errors.Wrap(ErrTaskParams, "task, task id and self party are required")
		if cb != nil {
			result := protocol.NewTaskResult("")
			if task != nil {
				result.TaskID = task.ID
			}
			result.SetError(err)
			cb(result)
		}
		return err
	}
	ts := NewTaskState(task, &p.cfg, cb, false)
	if !p.AddPendingTask(ts) {
		// ts is not registered; failing it leaves the running task alone.
		err := errors.Wrapf(ErrTaskExists, "task %s", task.ID)
		result := protocol.NewTaskResult(task.ID)
		result.SetError(err)
		ts.fire(result)
		return err
	}
	ts.SetFinalizeHook(func() error {
		p.roles.remove(task.ID)
		p.RemovePendingTask(task.ID)
		p.WakeupWorker()
		return nil
	})
	ts.SetPeerNotifyHook(func() error {
		return p.NoticePeerToFinish(task)
	})

	reject := func(err error) error {
		result := protocol.NewTaskResult(task.ID)
		result.SetError(err)
		ts.OnTaskFinishedWithResult(result, false)
		return err
	}

	if len(task.Peers) > MaxPeerCount {
		return reject(errors.Wrapf(ErrOverPeerLimit, "task %s declares %d peers, at most %d are supported",
			task.ID, len(task.Peers), MaxPeerCount))
	}
	if err := p.CheckTask(task, 0, true, false, false, true); err != nil {
		return reject(err)
	}
	if err := p.checkRoster(task); err != nil {
		return reject(err)
	}

	reader, err := p.LoadReader(task.Self.Resource)
	if err != nil {
		return reject(errors.Wrapf(err, "task %s", task.ID))
	}
	batchSize := p.cfg.DataBatchSize
	if task.MaxBatchSize > 0 {
		batchSize = min(batchSize, task.MaxBatchSize)
	}
	ts.SetReader(reader, batchSize)

	self := task.Self
	if self.Role == protocol.Calculator || (task.SyncResultToPeer && task.IsReceiver(self.ID)) {
		w, err := p.LoadWriter(ts.OutputDesc())
		if err != nil {
			return reject(errors.Wrapf(err, "task %s", task.ID))
		}
		ts.SetWriter(w)
	}

	base := newRoleBase(p.ctx, &p.cfg, ts, self.Role)
	var engine roleEngine
	switch self.Role {
	case protocol.Calculator:
		engine, err = NewCalculator(base)
	case protocol.Master:
		engine, err = NewMaster(base)
	case protocol.Partner:
		engine = NewPartner(base)
	default:
		err = errors.Wrapf(ErrUnsupportedRole, "%s", self.Role)
	}
	if err != nil {
		return reject(errors.Wrapf(err, "task %s", task.ID))
	}

	parked, ok := p.roles.add(engine)
	if !ok {
		return reject(errors.Wrapf(ErrTaskExists, "task %s already has a %s", task.ID, self.Role))
	}
	p.logger.Info().Str("task", task.ID).Str("role", self.Role.String()).Int("peers", len(task.Peers)).
		Int("batch_size", batchSize).Msg("task started")
	if err := engine.AsyncStartRunTask(); err != nil {
		return reject(errors.Wrapf(err, "task %s start", task.ID))
	}
	for _, msg := range parked {
		p.dispatchAsync(msg)
	}
	return nil
}

// checkRoster requires exactly one calculator and one master among the
// parties, unique party IDs, and that this process is the self party.
func (p *MultiPSI) checkRoster(task *protocol.Task) error {
	if task.Self.ID != p.cfg.SelfParty {
		return errors.Wrapf(ErrTaskParams, "task %s: self party %s is not %s", task.ID, task.Self.ID, p.cfg.SelfParty)
	}
	seen := map[string]bool{task.Self.ID: true}
	counts := map[protocol.Role]int{task.Self.Role: 1}
	for _, peer := range task.Peers {
		if seen[peer.ID] {
			return errors.Wrapf(ErrTaskParams, "task %s: party %s listed twice", task.ID, peer.ID)
		}
		seen[peer.ID] = true
		counts[peer.Role]++
	}
	if counts[protocol.Calculator] != 1 || counts[protocol.Master] != 1 {
		return errors.Wrapf(ErrTaskParams, "task %s: need one calculator and one master, got %d and %d",
			task.ID, counts[protocol.Calculator], counts[protocol.Master])
	}
	return nil
}

// RunningTasks is the number of admitted tasks that have not completed.
func (p *MultiPSI) RunningTasks() int {
	return len(p.PendingTasks())
}
