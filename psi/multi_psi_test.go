package psi

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ecdh_mpsi/dataio"
	"ecdh_mpsi/protocol"
)

func TestRoundTrip(t *testing.T) {
	c := newCluster(t, 2, "c", "m")
	calc := newParty("c", protocol.Calculator, "a", "b", "c")
	master := newParty("m", protocol.Master, "b", "c", "d")

	results := c.submit(t,
		taskFor("rt", true, calc, calc, master),
		taskFor("rt", true, master, calc, master),
	)
	for id, ch := range results {
		r := waitResult(t, ch)
		require.NoError(t, r.Err, "party %s", id)
		assert.Equal(t, "rt", r.TaskID)
	}

	for _, id := range []string{"c", "m"} {
		out := c.loader.MemoryOutput(outputPath(id))
		require.NotNil(t, out, "party %s", id)
		assert.Equal(t, []string{"b", "c"}, toStrings(out.Lines()), "party %s", id)
		assert.True(t, out.Uploaded())
	}
	require.Eventually(t, func() bool {
		return c.nodes["c"].RunningTasks() == 0 && c.nodes["m"].RunningTasks() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestRoundTripWithoutSync(t *testing.T) {
	c := newCluster(t, 10, "c", "m")
	calc := newParty("c", protocol.Calculator, "a", "b", "c")
	master := newParty("m", protocol.Master, "c", "a")

	results := c.submit(t,
		taskFor("nosync", false, calc, calc, master),
		taskFor("nosync", false, master, calc, master),
	)
	for _, ch := range results {
		require.NoError(t, waitResult(t, ch).Err)
	}
	assert.Equal(t, []string{"a", "c"}, toStrings(c.loader.MemoryOutput(outputPath("c")).Lines()))
	assert.Nil(t, c.loader.MemoryOutput(outputPath("m")))
}

func TestPartners(t *testing.T) {
	sample, err := dataio.NewSampleData(4, 30, 25, 7, 42)
	require.NoError(t, err)

	ids := []string{"c", "m", "p1", "p2"}
	roles := []protocol.Role{protocol.Calculator, protocol.Master, protocol.Partner, protocol.Partner}
	c := newCluster(t, 4, ids...)

	parties := make([]*protocol.Party, len(ids))
	for i, id := range ids {
		parties[i] = newParty(id, roles[i], sample.Xs[i]...)
	}
	var tasks []*protocol.Task
	for _, p := range parties {
		task := taskFor("partners", true, p, parties...)
		task.ReceiverList = []string{"c", "p2"}
		tasks = append(tasks, task)
	}
	results := c.submit(t, tasks...)
	for id, ch := range results {
		require.NoError(t, waitResult(t, ch).Err, "party %s", id)
	}

	want := sample.Intersection()
	require.Len(t, want, 7)
	assert.Equal(t, want, toStrings(c.loader.MemoryOutput(outputPath("c")).Lines()))
	assert.Equal(t, want, toStrings(c.loader.MemoryOutput(outputPath("p2")).Lines()))
	assert.Nil(t, c.loader.MemoryOutput(outputPath("p1")))
	assert.Nil(t, c.loader.MemoryOutput(outputPath("m")))
}

func TestEmptyDataset(t *testing.T) {
	c := newCluster(t, 2, "c", "m", "p")
	calc := newParty("c", protocol.Calculator, "a", "b")
	master := newParty("m", protocol.Master, "a", "b")
	partner := newParty("p", protocol.Partner)

	results := c.submit(t,
		taskFor("empty", true, calc, calc, master, partner),
		taskFor("empty", true, master, calc, master, partner),
		taskFor("empty", true, partner, calc, master, partner),
	)
	for id, ch := range results {
		require.NoError(t, waitResult(t, ch).Err, "party %s", id)
	}
	assert.Empty(t, c.loader.MemoryOutput(outputPath("c")).Lines())
}

// Messages for a task this party has not submitted yet wait for it.
func TestEarlyMessagesParked(t *testing.T) {
	c := newCluster(t, 1, "c", "m")
	calc := newParty("c", protocol.Calculator, "x", "y")
	master := newParty("m", protocol.Master, "y", "z")

	mres := c.submit(t, taskFor("early", true, master, calc, master))
	require.Eventually(t, func() bool {
		return c.nodes["c"].roles.parkedCount("early") == 2
	}, 5*time.Second, 5*time.Millisecond)

	cres := c.submit(t, taskFor("early", true, calc, calc, master))
	require.NoError(t, waitResult(t, cres["c"]).Err)
	require.NoError(t, waitResult(t, mres["m"]).Err)
	assert.Equal(t, []string{"y"}, toStrings(c.loader.MemoryOutput(outputPath("c")).Lines()))
}

func TestPeerErrorNotification(t *testing.T) {
	c := newCluster(t, 1, "c", "m")
	calc := newParty("c", protocol.Calculator, "a", "b")
	master := newParty("m", protocol.Master, "a")

	results := c.submit(t, taskFor("fail", true, calc, calc, master))
	c.net.Endpoint("m").AsyncSendMessage(context.Background(), &protocol.Envelope{
		Type:     protocol.ErrorNotification,
		Receiver: "c",
		TaskID:   "fail",
	}, nil)

	r := waitResult(t, results["c"])
	assert.Equal(t, protocol.TaskFailed, r.Status)
	assert.True(t, errors.Is(r.Err, ErrPeerNotifyFinish), "%v", r.Err)
	require.Eventually(t, func() bool { return c.nodes["c"].RunningTasks() == 0 }, time.Second, 5*time.Millisecond)
}

// A peer failing while the calculator is still streaming stops the stream,
// releases the input and leaves no staged output behind.
func TestPeerErrorDuringStream(t *testing.T) {
	c := newCluster(t, 1, "c")
	c.net.Endpoint("m").RegisterHandler(func(*protocol.Envelope) {})

	records := make([]string, 20000)
	for i := range records {
		records[i] = fmt.Sprintf("r%05d", i)
	}
	calc := newParty("c", protocol.Calculator, records...)
	calc.Resource.Output = &protocol.ResourceDesc{Type: protocol.FileResource, Path: "out/c.result"}
	results := c.submit(t, taskFor("stream", false, calc, calc, newParty("m", protocol.Master)))

	require.Eventually(t, func() bool { return c.net.Endpoint("c").Sent() > 0 }, 5*time.Second, time.Millisecond)
	exists, _ := afero.Exists(c.loader.Fs(), "out/c.result.tmp")
	require.True(t, exists)

	time.Sleep(20 * time.Millisecond)
	c.net.Endpoint("m").AsyncSendMessage(context.Background(), &protocol.Envelope{
		Type:     protocol.ErrorNotification,
		Receiver: "c",
		TaskID:   "stream",
	}, nil)

	r := waitResult(t, results["c"])
	assert.True(t, errors.Is(r.Err, ErrPeerNotifyFinish), "%v", r.Err)
	for _, p := range []string{"out/c.result", "out/c.result.tmp"} {
		exists, _ := afero.Exists(c.loader.Fs(), p)
		assert.False(t, exists, p)
	}
	require.Eventually(t, func() bool { return c.nodes["c"].RunningTasks() == 0 }, time.Second, 5*time.Millisecond)

	sent := c.net.Endpoint("c").Sent()
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, c.net.Endpoint("c").Sent(), sent+1, "stream keeps sending after the task failed")
}

func TestOverPeerLimit(t *testing.T) {
	c := newCluster(t, 1, "c")
	calc := newParty("c", protocol.Calculator, "a")
	parties := []*protocol.Party{calc, newParty("m", protocol.Master)}
	for i := 0; i < MaxPeerCount; i++ {
		parties = append(parties, newParty(fmt.Sprintf("p%d", i), protocol.Partner))
	}
	task := taskFor("big", false, calc, parties...)
	require.Len(t, task.Peers, MaxPeerCount+1)

	var got *protocol.TaskResult
	err := c.nodes["c"].AsyncRunTask(task, func(r *protocol.TaskResult) { got = r })
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOverPeerLimit))
	assert.Contains(t, err.Error(), "at most 63")
	require.NotNil(t, got)
	assert.True(t, errors.Is(got.Err, ErrOverPeerLimit))
	assert.Zero(t, c.net.Endpoint("c").Sent())
	assert.Zero(t, c.nodes["c"].RunningTasks())
}

func TestAdmission(t *testing.T) {
	c := newCluster(t, 1, "c", "m")
	calc := newParty("c", protocol.Calculator, "a")
	master := newParty("m", protocol.Master, "a")

	err := c.nodes["c"].AsyncRunTask(nil, nil)
	assert.True(t, errors.Is(err, ErrTaskParams))

	twoCalcs := taskFor("two", false, calc, calc, newParty("c2", protocol.Calculator))
	assert.True(t, errors.Is(c.nodes["c"].AsyncRunTask(twoCalcs, nil), ErrTaskParams))

	noMaster := taskFor("nomaster", false, calc, calc, newParty("p", protocol.Partner))
	assert.True(t, errors.Is(c.nodes["c"].AsyncRunTask(noMaster, nil), ErrTaskParams))

	wrongSelf := taskFor("wrongself", false, master, calc, master)
	assert.True(t, errors.Is(c.nodes["c"].AsyncRunTask(wrongSelf, nil), ErrTaskParams))

	badRole := taskFor("badrole", false, newParty("c", protocol.Role(7), "a"), master)
	assert.True(t, errors.Is(c.nodes["c"].AsyncRunTask(badRole, nil), ErrTaskParams))

	_, err = c.loader.LoadWriter(&protocol.ResourceDesc{Type: protocol.MemoryResource, Path: outputPath("c")}, false)
	require.NoError(t, err)
	exists := taskFor("exists", false, calc, calc, master)
	assert.True(t, errors.Is(c.nodes["c"].AsyncRunTask(exists, nil), dataio.ErrOutputExists))

	assert.Zero(t, c.net.Endpoint("c").Sent())
	assert.Zero(t, c.nodes["c"].RunningTasks())
}

func TestDuplicateTask(t *testing.T) {
	c := newCluster(t, 1, "c", "m")
	calc := newParty("c", protocol.Calculator, "a")
	master := newParty("m", protocol.Master, "a")

	running := &resultRecorder{}
	task := taskFor("dup", false, calc, calc, master)
	require.NoError(t, c.nodes["c"].AsyncRunTask(task, running.callback))

	rejected := &resultRecorder{}
	err := c.nodes["c"].AsyncRunTask(task, rejected.callback)
	assert.True(t, errors.Is(err, ErrTaskExists))
	require.Len(t, rejected.all(), 1)
	assert.True(t, errors.Is(rejected.all()[0].Err, ErrTaskExists))
	assert.Equal(t, "dup", rejected.all()[0].TaskID)
	assert.Empty(t, running.all())
	assert.Equal(t, 1, c.nodes["c"].RunningTasks())
}

func TestNewMultiPSIValidates(t *testing.T) {
	_, err := NewMultiPSI(Config{SelfParty: "c"})
	assert.Error(t, err)
}
