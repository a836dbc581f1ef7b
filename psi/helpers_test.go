package psi

import (
	"os"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"ecdh_mpsi/dataio"
	"ecdh_mpsi/ecc"
	"ecdh_mpsi/protocol"
	"ecdh_mpsi/transport/memnet"
)

// testLogger writes to stderr rather than t.Log; stream goroutines may
// still log after a test returns.
func testLogger(t *testing.T) zerolog.Logger {
	level := zerolog.WarnLevel
	if testing.Verbose() {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, NoColor: true}).Level(level).
		With().Timestamp().Str("test", t.Name()).Logger()
}

func toBytes(strs ...string) [][]byte {
	ret := make([][]byte, len(strs))
	for i, s := range strs {
		ret[i] = []byte(s)
	}
	return ret
}

func toStrings(data [][]byte) []string {
	ret := make([]string, len(data))
	for i, d := range data {
		ret[i] = string(d)
	}
	sort.Strings(ret)
	return ret
}

func outputPath(id string) string {
	return "out/" + id
}

// newParty declares a party whose input is held in memory and whose output
// goes to a memory writer.
func newParty(id string, role protocol.Role, records ...string) *protocol.Party {
	return &protocol.Party{
		ID:   id,
		Role: role,
		Resource: &protocol.DataResource{
			RawData: toBytes(records...),
			Output:  &protocol.ResourceDesc{Type: protocol.MemoryResource, Path: outputPath(id)},
		},
	}
}

// taskFor builds the task as seen by self.
func taskFor(taskID string, sync bool, self *protocol.Party, parties ...*protocol.Party) *protocol.Task {
	task := &protocol.Task{ID: taskID, Self: self, SyncResultToPeer: sync}
	for _, p := range parties {
		if p.ID == self.ID {
			continue
		}
		task.Peers = append(task.Peers, &protocol.Party{ID: p.ID, Role: p.Role})
	}
	return task
}

// #############################################################################

type cluster struct {
	net    *memnet.Network
	loader *dataio.Loader
	nodes  map[string]*MultiPSI
}

func newCluster(t *testing.T, batchSize int, ids ...string) *cluster {
	suite, err := ecc.SuiteByCurve("P256")
	require.NoError(t, err)

	c := &cluster{
		net:    memnet.NewNetwork(),
		loader: dataio.NewLoader(afero.NewMemMapFs()),
		nodes:  make(map[string]*MultiPSI),
	}
	for _, id := range ids {
		node, err := NewMultiPSI(Config{
			SelfParty:      id,
			Crypto:         suite,
			Hasher:         suite,
			Transport:      c.net.Endpoint(id),
			Loader:         c.loader,
			Logger:         testLogger(t),
			DataBatchSize:  batchSize,
			ThreadPoolSize: 4,
			PopWait:        10 * time.Millisecond,
		})
		require.NoError(t, err)
		node.Start()
		c.nodes[id] = node
	}
	t.Cleanup(func() {
		for _, node := range c.nodes {
			node.Stop()
		}
	})
	return c
}

// submit runs every task and returns a channel per party delivering its
// single result.
func (c *cluster) submit(t *testing.T, tasks ...*protocol.Task) map[string]chan *protocol.TaskResult {
	results := make(map[string]chan *protocol.TaskResult)
	for _, task := range tasks {
		ch := make(chan *protocol.TaskResult, 2)
		results[task.Self.ID] = ch
		require.NoError(t, c.nodes[task.Self.ID].AsyncRunTask(task, func(r *protocol.TaskResult) {
			ch <- r
		}))
	}
	return results
}

func waitResult(t *testing.T, ch chan *protocol.TaskResult) *protocol.TaskResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(20 * time.Second):
		t.Fatal("timed out waiting for the task result")
	}
	return nil
}
