package psi

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"ecdh_mpsi/dataio"
	"ecdh_mpsi/protocol"
)

// #############################################################################

// TaskGuarder keeps the pending tasks of one party and watches the peers
// they depend on.
type TaskGuarder struct {
	cfg    *Config
	logger zerolog.Logger

	mu      sync.RWMutex
	pending map[string]*TaskState

	timerMu  sync.Mutex
	stopPing chan struct{}
	pingWg   sync.WaitGroup
}

func NewTaskGuarder(cfg *Config) *TaskGuarder {
	return &TaskGuarder{
		cfg:     cfg,
		logger:  cfg.Logger.With().Str("component", "guarder").Logger(),
		pending: make(map[string]*TaskState),
	}
}

// AddPendingTask registers ts and reports false if its task ID is taken.
func (g *TaskGuarder) AddPendingTask(ts *TaskState) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.pending[ts.TaskID()]; ok {
		return false
	}
	g.pending[ts.TaskID()] = ts
	return true
}

func (g *TaskGuarder) FindPendingTask(taskID string) *TaskState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.pending[taskID]
}

func (g *TaskGuarder) RemovePendingTask(taskID string) {
	g.mu.Lock()
	delete(g.pending, taskID)
	g.mu.Unlock()
}

func (g *TaskGuarder) PendingTasks() []*TaskState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ret := make([]*TaskState, 0, len(g.pending))
	for _, ts := range g.pending {
		ret = append(ret, ts)
	}
	return ret
}

// #############################################################################

// StartPingTimer pings the peers of all running tasks every period.
func (g *TaskGuarder) StartPingTimer(period time.Duration) {
	if period <= 0 {
		return
	}
	g.timerMu.Lock()
	defer g.timerMu.Unlock()
	if g.stopPing != nil {
		return
	}
	stop := make(chan struct{})
	g.stopPing = stop
	g.pingWg.Add(1)
	go func() {
		defer g.pingWg.Done()
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				g.CheckPeerActivity()
			}
		}
	}()
}

func (g *TaskGuarder) StopPingTimer() {
	g.timerMu.Lock()
	stop := g.stopPing
	g.stopPing = nil
	g.timerMu.Unlock()
	if stop != nil {
		close(stop)
		g.pingWg.Wait()
	}
}

// CheckPeerActivity pings every peer of every unfinished task once. A peer
// that cannot be reached fails all tasks depending on it.
func (g *TaskGuarder) CheckPeerActivity() {
	owners := make(map[string][]*TaskState)
	for _, ts := range g.PendingTasks() {
		if ts.TaskDone() {
			continue
		}
		for _, p := range ts.Task().Peers {
			owners[p.ID] = append(owners[p.ID], ts)
		}
	}
	for peer, tasks := range owners {
		peer, tasks := peer, tasks
		g.cfg.sendControl(peer, tasks[0].TaskID(), protocol.PingPeer, g.cfg.PingTimeout, func(err error) {
			if err == nil {
				return
			}
			g.logger.Warn().Err(err).Str("peer", peer).Msg("peer is not reachable")
			for _, ts := range tasks {
				ts.OnTaskException(errors.Wrapf(ErrPeerUnreachable, "peer %s: %v", peer, err))
			}
		})
	}
}

// NoticePeerToFinish tells every peer of task that this party gave up.
func (g *TaskGuarder) NoticePeerToFinish(task *protocol.Task) error {
	for _, p := range task.Peers {
		peer := p.ID
		g.cfg.sendControl(peer, task.ID, protocol.ErrorNotification, g.cfg.SendTimeout, func(err error) {
			if err != nil {
				g.logger.Warn().Err(err).Str("task", task.ID).Str("peer", peer).
					Msg("cannot notify peer")
			}
		})
	}
	return nil
}

// #############################################################################

// CheckTask validates a task before admission.
func (g *TaskGuarder) CheckTask(task *protocol.Task, partiesCount int, enforceSelfInput, enforceSelfOutput,
	enforcePeerResource, enforceSelfResource bool) error {

	if task == nil || task.ID == "" {
		return errors.Wrap(ErrTaskParams, "missing task id")
	}
	if task.Self == nil || task.Self.ID == "" {
		return errors.Wrapf(ErrTaskParams, "task %s: missing self party", task.ID)
	}
	if !task.Self.Role.Valid() {
		return errors.Wrapf(ErrTaskParams, "task %s: invalid role %s", task.ID, task.Self.Role)
	}
	if partiesCount > 0 && len(task.Peers)+1 != partiesCount {
		return errors.Wrapf(ErrTaskParams, "task %s: expected %d parties, got %d",
			task.ID, partiesCount, len(task.Peers)+1)
	}
	res := task.Self.Resource
	if enforceSelfResource && res == nil {
		return errors.Wrapf(ErrTaskParams, "task %s: missing self resource", task.ID)
	}
	if enforceSelfInput && (res == nil || (res.Input == nil && res.RawData == nil)) {
		return errors.Wrapf(ErrTaskParams, "task %s: missing self input", task.ID)
	}
	if enforceSelfOutput && (res == nil || res.Output == nil) {
		return errors.Wrapf(ErrTaskParams, "task %s: missing self output", task.ID)
	}
	for _, p := range task.Peers {
		if p == nil || p.ID == "" {
			return errors.Wrapf(ErrTaskParams, "task %s: peer without id", task.ID)
		}
		if !p.Role.Valid() {
			return errors.Wrapf(ErrTaskParams, "task %s: peer %s has invalid role", task.ID, p.ID)
		}
		if enforcePeerResource && p.Resource == nil {
			return errors.Wrapf(ErrTaskParams, "task %s: peer %s has no resource", task.ID, p.ID)
		}
	}
	return nil
}

func (g *TaskGuarder) LoadReader(res *protocol.DataResource) (dataio.Reader, error) {
	r, err := g.cfg.Loader.LoadReader(res)
	return r, errors.Wrap(err, "load reader")
}

func (g *TaskGuarder) LoadWriter(desc *protocol.ResourceDesc) (dataio.Writer, error) {
	w, err := g.cfg.Loader.LoadWriter(desc, g.cfg.EnableOutputExists)
	return w, errors.Wrap(err, "load writer")
}
