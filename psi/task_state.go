package psi

import (
	"path"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring"
	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"ecdh_mpsi/dataio"
	"ecdh_mpsi/protocol"
)

// DefaultResultDir holds results of tasks that declare no output.
const DefaultResultDir = "result"

type TaskCallback func(result *protocol.TaskResult)

// #############################################################################

// TaskState is the run state of one task on this party.
type TaskState struct {
	task        *protocol.Task
	callback    TaskCallback
	onlySelfRun bool
	cfg         *Config
	logger      zerolog.Logger

	readMu       sync.Mutex // guards reader and readerClosed
	reader       dataio.Reader
	readerParam  int
	readerClosed bool

	mu     sync.Mutex // guards writer
	writer dataio.Writer

	seqMu      sync.RWMutex
	currentSeq uint32
	seqs       *roaring.Bitmap
	success    int64
	failed     int64

	finished   atomic.Bool
	taskDone   atomic.Bool
	outputDone atomic.Bool
	cleanOnce  sync.Once

	hookMu       sync.Mutex
	finalizeHook func() error
	notifyHook   func() error
}

func NewTaskState(task *protocol.Task, cfg *Config, callback TaskCallback, onlySelfRun bool) *TaskState {
	return &TaskState{
		task:        task,
		callback:    callback,
		onlySelfRun: onlySelfRun,
		cfg:         cfg,
		logger:      cfg.Logger.With().Str("task", task.ID).Logger(),
		seqs:        roaring.New(),
	}
}

func (ts *TaskState) Task() *protocol.Task {
	return ts.task
}

func (ts *TaskState) TaskID() string {
	return ts.task.ID
}

func (ts *TaskState) ReaderParam() int {
	return ts.readerParam
}

func (ts *TaskState) SetReader(r dataio.Reader, batchSize int) {
	ts.readMu.Lock()
	defer ts.readMu.Unlock()
	ts.reader = r
	ts.readerParam = batchSize
}

// ReadBatch reads the next batch and hands it to fn while still holding the
// read lock, so whatever fn allocates follows read order. A missing batch is
// passed as an empty one; last is set on the final batch. ok is false once
// the reader has been cleaned up.
func (ts *TaskState) ReadBatch(fn func(batch *dataio.DataBatch, last bool)) (ok bool, err error) {
	ts.readMu.Lock()
	defer ts.readMu.Unlock()
	if ts.readerClosed {
		return false, nil
	}
	if ts.reader == nil {
		return false, errors.Wrap(dataio.ErrMissingResource, "no reader")
	}
	batch, err := ts.reader.Next(ts.readerParam)
	if err != nil {
		return false, errors.Wrap(err, "read batch")
	}
	if batch == nil {
		batch = dataio.NewDataBatch(nil)
	}
	fn(batch, batch.Size() == 0 || ts.reader.ReadFinished())
	return true, nil
}

func (ts *TaskState) SetWriter(w dataio.Writer) {
	ts.mu.Lock()
	ts.writer = w
	ts.mu.Unlock()
}

func (ts *TaskState) SetFinalizeHook(fn func() error) {
	ts.hookMu.Lock()
	ts.finalizeHook = fn
	ts.hookMu.Unlock()
}

func (ts *TaskState) SetPeerNotifyHook(fn func() error) {
	ts.hookMu.Lock()
	ts.notifyHook = fn
	ts.hookMu.Unlock()
}

// #############################################################################

// AllocateSeq returns the next batch sequence number, starting at 1, and
// marks it in flight.
func (ts *TaskState) AllocateSeq() uint32 {
	ts.seqMu.Lock()
	defer ts.seqMu.Unlock()
	ts.currentSeq++
	ts.seqs.Add(ts.currentSeq)
	return ts.currentSeq
}

// AllocatedSeqs is the number of sequence numbers handed out so far.
func (ts *TaskState) AllocatedSeqs() uint32 {
	ts.seqMu.RLock()
	defer ts.seqMu.RUnlock()
	return ts.currentSeq
}

func (ts *TaskState) EraseFinishedTaskSeq(seq uint32, success bool) {
	ts.seqMu.Lock()
	defer ts.seqMu.Unlock()
	if !ts.seqs.CheckedRemove(seq) {
		return
	}
	if success {
		ts.success++
	} else {
		ts.failed++
	}
}

func (ts *TaskState) Counters() (success, failed int64) {
	ts.seqMu.RLock()
	defer ts.seqMu.RUnlock()
	return ts.success, ts.failed
}

// Finished reports whether all local data is loaded and no batch is in
// flight.
func (ts *TaskState) Finished() bool {
	if !ts.finished.Load() {
		return false
	}
	ts.seqMu.RLock()
	defer ts.seqMu.RUnlock()
	return ts.seqs.IsEmpty()
}

func (ts *TaskState) LoadFinished() bool {
	return ts.finished.Load()
}

func (ts *TaskState) SetFinished() {
	ts.finished.Store(true)
}

func (ts *TaskState) TaskDone() bool {
	return ts.taskDone.Load()
}

// #############################################################################

// OnTaskFinished completes the task from its counters. Only the first
// completion of a task has any effect.
func (ts *TaskState) OnTaskFinished() {
	if !ts.taskDone.CompareAndSwap(false, true) {
		return
	}
	result := protocol.NewTaskResult(ts.task.ID)
	if err := ts.upload(); err != nil {
		result.SetError(err)
	}
	ts.runHook("finalize", ts.finalize())
	if _, failed := ts.Counters(); failed > 0 && result.Success() {
		result.SetError(errors.Wrapf(ErrTaskFailed, "task %s: %d batches failed", ts.task.ID, failed))
	}
	ts.clean()
	ts.fire(result)
}

// OnTaskFinishedWithResult completes the task with a prepared result. When
// noticePeer is set and the result is a failure, peers are told to stop.
func (ts *TaskState) OnTaskFinishedWithResult(result *protocol.TaskResult, noticePeer bool) {
	if !ts.taskDone.CompareAndSwap(false, true) {
		return
	}
	if noticePeer && !ts.onlySelfRun && !result.Success() {
		ts.runHook("peer notify", ts.notify())
	}
	ts.SetFinished()
	if result.Success() {
		if err := ts.upload(); err != nil {
			result.SetError(err)
		}
	} else {
		ts.discard()
	}
	ts.runHook("finalize", ts.finalize())
	ts.clean()
	ts.fire(result)
}

// OnTaskException aborts the task. In-flight batches are forgotten and both
// hooks run.
func (ts *TaskState) OnTaskException(cause error) {
	if !ts.taskDone.CompareAndSwap(false, true) {
		return
	}
	ts.SetFinished()
	ts.seqMu.Lock()
	ts.seqs.Clear()
	ts.seqMu.Unlock()

	ts.discard()
	ts.runHook("finalize", ts.finalize())
	if !ts.onlySelfRun {
		ts.runHook("peer notify", ts.notify())
	}
	ts.clean()

	err := errors.Mark(errors.Wrapf(cause, "task %s exception", ts.task.ID), ErrTaskException)
	ts.logger.Error().Err(err).Msg("task aborted")
	result := protocol.NewTaskResult(ts.task.ID)
	result.SetError(err)
	ts.fire(result)
}

// OnPeerNotifyFinish fails the task after a peer reported an error. Peers
// are not notified back.
func (ts *TaskState) OnPeerNotifyFinish(from string) {
	result := protocol.NewTaskResult(ts.task.ID)
	result.SetError(errors.Wrapf(ErrPeerNotifyFinish, "task %s: peer %s", ts.task.ID, from))
	ts.OnTaskFinishedWithResult(result, false)
}

// #############################################################################

// OutputDesc returns where this party stores the result.
func (ts *TaskState) OutputDesc() *protocol.ResourceDesc {
	if res := ts.task.Self.Resource; res != nil && res.Output != nil {
		return res.Output
	}
	return &protocol.ResourceDesc{
		Type: protocol.FileResource,
		Path: path.Join(DefaultResultDir, ts.task.ID+".result"),
	}
}

// StoreResult appends records to the output. Writers are not safe for
// concurrent use so all calls serialize on one lock.
func (ts *TaskState) StoreResult(data [][]byte) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.outputDone.Load() {
		return errors.Wrapf(ErrTaskDone, "task %s: output already closed", ts.task.ID)
	}
	if ts.writer == nil {
		w, err := ts.cfg.Loader.LoadWriter(ts.OutputDesc(), ts.cfg.EnableOutputExists)
		if err != nil {
			return errors.Wrapf(err, "task %s: open output", ts.task.ID)
		}
		ts.writer = w
	}
	if err := ts.writer.WriteLine(dataio.NewDataBatch(data)); err != nil {
		return errors.Wrapf(err, "task %s: write result", ts.task.ID)
	}
	return errors.Wrapf(ts.writer.Flush(), "task %s: flush result", ts.task.ID)
}

func (ts *TaskState) upload() error {
	if !ts.outputDone.CompareAndSwap(false, true) {
		return nil
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.writer == nil {
		return nil
	}
	return errors.Wrapf(ts.writer.Upload(), "task %s: upload result", ts.task.ID)
}

// discard drops the staged output of a failed task.
func (ts *TaskState) discard() {
	if !ts.outputDone.CompareAndSwap(false, true) {
		return
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.writer == nil {
		return
	}
	if err := ts.writer.Discard(); err != nil {
		ts.logger.Warn().Err(err).Msg("output discard failed")
	}
}

// clean waits for an in-progress read before releasing the reader.
func (ts *TaskState) clean() {
	ts.cleanOnce.Do(func() {
		ts.readMu.Lock()
		defer ts.readMu.Unlock()
		ts.readerClosed = true
		if ts.reader == nil {
			return
		}
		if err := ts.reader.Clean(); err != nil {
			ts.logger.Warn().Err(err).Msg("reader cleanup failed")
		}
	})
}

func (ts *TaskState) finalize() func() error {
	ts.hookMu.Lock()
	defer ts.hookMu.Unlock()
	return ts.finalizeHook
}

func (ts *TaskState) notify() func() error {
	ts.hookMu.Lock()
	defer ts.hookMu.Unlock()
	return ts.notifyHook
}

// runHook never lets a hook failure escape.
func (ts *TaskState) runHook(name string, hook func() error) {
	if hook == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			ts.logger.Error().Str("hook", name).Msgf("hook panicked: %v", r)
		}
	}()
	if err := hook(); err != nil {
		ts.logger.Warn().Err(err).Str("hook", name).Msg("hook failed")
	}
}

func (ts *TaskState) fire(result *protocol.TaskResult) {
	if result.Success() {
		ts.logger.Info().Msg("task completed")
	} else {
		ts.logger.Warn().Err(result.Err).Msg("task failed")
	}
	if ts.callback == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			ts.logger.Error().Msgf("task callback panicked: %v", r)
		}
	}()
	ts.callback(result)
}
