package psi

import (
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecdh_mpsi/dataio"
	"ecdh_mpsi/protocol"
)

type resultRecorder struct {
	mu      sync.Mutex
	results []*protocol.TaskResult
}

func (r *resultRecorder) callback(result *protocol.TaskResult) {
	r.mu.Lock()
	r.results = append(r.results, result)
	r.mu.Unlock()
}

func (r *resultRecorder) all() []*protocol.TaskResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*protocol.TaskResult(nil), r.results...)
}

func newTestTaskState(t *testing.T, rec *resultRecorder) (*TaskState, *dataio.Loader) {
	loader := dataio.NewLoader(afero.NewMemMapFs())
	cfg := &Config{Loader: loader, Logger: testLogger(t)}
	self := newParty("c", protocol.Calculator, "a", "b")
	task := taskFor("t1", true, self, newParty("m", protocol.Master))
	return NewTaskState(task, cfg, rec.callback, false), loader
}

// #############################################################################

func TestTaskStateFinishOnce(t *testing.T) {
	rec := &resultRecorder{}
	ts, _ := newTestTaskState(t, rec)

	ts.OnTaskFinished()
	ts.OnTaskFinished()
	ts.OnTaskException(errors.New("late failure"))
	ts.OnPeerNotifyFinish("m")

	results := rec.all()
	require.Len(t, results, 1)
	assert.True(t, results[0].Success())
	assert.Equal(t, protocol.TaskCompleted, results[0].Status)
	assert.True(t, ts.TaskDone())
}

func TestTaskStateSequence(t *testing.T) {
	ts, _ := newTestTaskState(t, &resultRecorder{})

	const n = 1000
	seqs := make(chan uint32, n)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for seq := range seqs {
			ts.EraseFinishedTaskSeq(seq, seq%10 != 0)
		}
	}()

	var last uint32
	for i := 0; i < n; i++ {
		seq := ts.AllocateSeq()
		require.Greater(t, seq, last)
		last = seq
		seqs <- seq
	}
	close(seqs)
	wg.Wait()

	assert.Equal(t, uint32(n), ts.AllocatedSeqs())
	success, failed := ts.Counters()
	assert.Equal(t, int64(n-n/10), success)
	assert.Equal(t, int64(n/10), failed)

	assert.False(t, ts.Finished())
	ts.SetFinished()
	assert.True(t, ts.Finished())

	// Erasing twice does not count twice.
	ts.EraseFinishedTaskSeq(1, true)
	success, _ = ts.Counters()
	assert.Equal(t, int64(n-n/10), success)
}

func TestTaskStateInFlightBlocksFinished(t *testing.T) {
	ts, _ := newTestTaskState(t, &resultRecorder{})
	seq := ts.AllocateSeq()
	ts.SetFinished()
	assert.True(t, ts.LoadFinished())
	assert.False(t, ts.Finished())
	ts.EraseFinishedTaskSeq(seq, true)
	assert.True(t, ts.Finished())
}

func TestTaskStateFailedBatches(t *testing.T) {
	rec := &resultRecorder{}
	ts, _ := newTestTaskState(t, rec)
	ts.EraseFinishedTaskSeq(ts.AllocateSeq(), false)
	ts.OnTaskFinished()

	results := rec.all()
	require.Len(t, results, 1)
	assert.True(t, errors.Is(results[0].Err, ErrTaskFailed))
}

func TestTaskStateException(t *testing.T) {
	rec := &resultRecorder{}
	ts, _ := newTestTaskState(t, rec)

	var finalized, notified int
	ts.SetFinalizeHook(func() error {
		finalized++
		panic("finalize exploded")
	})
	ts.SetPeerNotifyHook(func() error {
		notified++
		return errors.New("peer gone")
	})
	ts.AllocateSeq()

	ts.OnTaskException(errors.New("crypto failure"))
	ts.OnTaskException(errors.New("again"))

	assert.Equal(t, 1, finalized)
	assert.Equal(t, 1, notified)
	assert.True(t, ts.Finished())

	results := rec.all()
	require.Len(t, results, 1)
	assert.Equal(t, protocol.TaskFailed, results[0].Status)
	assert.True(t, errors.Is(results[0].Err, ErrTaskException))
	assert.Contains(t, results[0].Err.Error(), "crypto failure")
}

func TestTaskStateNoticePeer(t *testing.T) {
	for _, tc := range []struct {
		name       string
		err        error
		noticePeer bool
		notified   int
	}{
		{"failure with notice", errors.New("boom"), true, 1},
		{"failure without notice", errors.New("boom"), false, 0},
		{"success with notice", nil, true, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rec := &resultRecorder{}
			ts, _ := newTestTaskState(t, rec)
			notified := 0
			ts.SetPeerNotifyHook(func() error {
				notified++
				return nil
			})
			result := protocol.NewTaskResult(ts.TaskID())
			result.SetError(tc.err)
			ts.OnTaskFinishedWithResult(result, tc.noticePeer)

			assert.Equal(t, tc.notified, notified)
			assert.True(t, ts.LoadFinished())
			require.Len(t, rec.all(), 1)
		})
	}
}

func TestTaskStatePeerNotifyFinish(t *testing.T) {
	rec := &resultRecorder{}
	ts, _ := newTestTaskState(t, rec)
	notified := 0
	ts.SetPeerNotifyHook(func() error {
		notified++
		return nil
	})
	ts.OnPeerNotifyFinish("m")

	assert.Zero(t, notified)
	results := rec.all()
	require.Len(t, results, 1)
	assert.True(t, errors.Is(results[0].Err, ErrPeerNotifyFinish))
}

func TestTaskStateStoreResult(t *testing.T) {
	rec := &resultRecorder{}
	ts, loader := newTestTaskState(t, rec)

	require.NoError(t, ts.StoreResult(toBytes("b")))
	require.NoError(t, ts.StoreResult(toBytes("c")))
	out := loader.MemoryOutput(outputPath("c"))
	require.NotNil(t, out)
	assert.Equal(t, toBytes("b", "c"), out.Lines())
	assert.False(t, out.Uploaded())

	ts.OnTaskFinished()
	assert.True(t, out.Uploaded())
	require.Len(t, rec.all(), 1)
}

func TestTaskStateDefaultOutput(t *testing.T) {
	ts, _ := newTestTaskState(t, &resultRecorder{})
	ts.Task().Self.Resource.Output = nil
	desc := ts.OutputDesc()
	assert.Equal(t, protocol.FileResource, desc.Type)
	assert.Equal(t, "result/t1.result", desc.Path)
}

func TestTaskStateDiscardsOutputOnFailure(t *testing.T) {
	for name, fail := range map[string]func(ts *TaskState){
		"peer notify": func(ts *TaskState) { ts.OnPeerNotifyFinish("m") },
		"exception":   func(ts *TaskState) { ts.OnTaskException(errors.New("send failed")) },
		"local error": func(ts *TaskState) {
			result := protocol.NewTaskResult("t1")
			result.SetError(errors.New("bad batch"))
			ts.OnTaskFinishedWithResult(result, false)
		},
	} {
		t.Run(name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			cfg := &Config{Loader: dataio.NewLoader(fs), Logger: testLogger(t)}
			self := newParty("c", protocol.Calculator, "a")
			self.Resource.Output = &protocol.ResourceDesc{Type: protocol.FileResource, Path: "out/c.result"}
			rec := &resultRecorder{}
			ts := NewTaskState(taskFor("t1", false, self, newParty("m", protocol.Master)), cfg, rec.callback, true)

			require.NoError(t, ts.StoreResult(toBytes("a")))
			exists, _ := afero.Exists(fs, "out/c.result.tmp")
			require.True(t, exists)

			fail(ts)
			require.Len(t, rec.all(), 1)
			for _, p := range []string{"out/c.result", "out/c.result.tmp"} {
				exists, _ := afero.Exists(fs, p)
				assert.False(t, exists, p)
			}
			assert.True(t, errors.Is(ts.StoreResult(toBytes("b")), ErrTaskDone))
			exists, _ = afero.Exists(fs, "out/c.result.tmp")
			assert.False(t, exists)
		})
	}
}

func TestTaskStateReadBatch(t *testing.T) {
	ts, _ := newTestTaskState(t, &resultRecorder{})
	ts.SetReader(dataio.NewMemoryReader(toBytes("a", "b", "c")), 2)

	var got [][]byte
	var lasts []bool
	read := func(b *dataio.DataBatch, last bool) {
		got = append(got, b.Data()...)
		lasts = append(lasts, last)
	}
	ok, err := ts.ReadBatch(read)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = ts.ReadBatch(read)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, toBytes("a", "b", "c"), got)
	assert.Equal(t, []bool{false, true}, lasts)

	ts.OnTaskException(errors.New("abort"))
	ok, err = ts.ReadBatch(read)
	assert.NoError(t, err)
	assert.False(t, ok)
}

// Cleanup from another goroutine must wait for the read in progress.
func TestTaskStateCleanWhileReading(t *testing.T) {
	records := make([]string, 20000)
	for i := range records {
		records[i] = string(rune('a' + i%26))
	}
	ts, _ := newTestTaskState(t, &resultRecorder{})
	ts.SetReader(dataio.NewMemoryReader(toBytes(records...)), 1)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			ok, err := ts.ReadBatch(func(b *dataio.DataBatch, last bool) {
				_ = b.Data()
			})
			if err != nil || !ok {
				return
			}
		}
	}()
	ts.OnPeerNotifyFinish("m")
	wg.Wait()

	ok, err := ts.ReadBatch(func(*dataio.DataBatch, bool) {})
	assert.NoError(t, err)
	assert.False(t, ok)
}
