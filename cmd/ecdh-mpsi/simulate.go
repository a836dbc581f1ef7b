package main

import (
	"fmt"
	"path"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/fatih/color"
	"github.com/pkg/profile"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ecdh_mpsi/dataio"
	"ecdh_mpsi/protocol"
	"ecdh_mpsi/psi"
	"ecdh_mpsi/transport/memnet"
)

type simParams struct {
	nParties, n0, ni, intCard int
	seed                      int64
	dataDir, resDir           string
	eProfile                  bool
}

func loadSimParams() (simParams, error) {
	p := simParams{
		nParties: viper.GetInt("n"),
		n0:       viper.GetInt("x0"),
		ni:       viper.GetInt("xi"),
		intCard:  viper.GetInt("i"),
		seed:     viper.GetInt64("seed"),
		dataDir:  viper.GetString("data_dir"),
		resDir:   viper.GetString("result_dir"),
		eProfile: viper.GetBool("profile"),
	}
	switch {
	case p.nParties < 2:
		return p, errors.Newf("n must be at least 2, got %d", p.nParties)
	case p.nParties > psi.MaxPeerCount+1:
		return p, errors.Newf("n must be at most %d, got %d", psi.MaxPeerCount+1, p.nParties)
	case p.intCard > p.n0 || p.intCard > p.ni:
		return p, errors.Newf("intersection size %d exceeds a dataset", p.intCard)
	case p.dataDir == "" || p.resDir == "":
		return p, errors.New("data_dir and result_dir are required")
	}
	return p, nil
}

// roleOf assigns party 0 the calculator, party 1 the master and the rest
// partners.
func roleOf(i int) protocol.Role {
	switch i {
	case 0:
		return protocol.Calculator
	case 1:
		return protocol.Master
	}
	return protocol.Partner
}

func partyID(i int) string {
	return "party" + strconv.Itoa(i)
}

func newSimulateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run every party in one process over an in-memory network",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulation()
		},
	}
	cmd.Flags().Bool("profile", false, "write a CPU profile to the result directory")
	_ = viper.BindPFlag("profile", cmd.Flags().Lookup("profile"))
	return cmd
}

func runSimulation() error {
	params, err := loadSimParams()
	if err != nil {
		return err
	}
	fs := afero.NewOsFs()
	if err := fs.MkdirAll(params.resDir, 0o755); err != nil {
		return errors.Wrapf(err, "create %s", params.resDir)
	}
	if params.eProfile {
		defer profile.Start(profile.ProfilePath(params.resDir)).Stop()
	}

	var watch Stopwatch
	var phases []phase

	watch.Reset()
	data, err := dataio.NewSampleData(params.nParties, params.n0, params.ni, params.intCard, params.seed)
	if err != nil {
		return err
	}
	if err := data.Write(fs, params.dataDir); err != nil {
		return err
	}
	trueCard := len(data.Intersection())
	phases = append(phases, phase{"Data generation", watch.Elapsed()})

	PrintInfo([]configLine{
		{"Curve", viper.GetString("curve")},
		{"Data directory", params.dataDir},
		{"Result directory", params.resDir},
		{"Parties", strconv.Itoa(params.nParties)},
		{"Calculator set size", strconv.Itoa(params.n0)},
		{"Peer set size", strconv.Itoa(params.ni)},
		{"Intersection size", strconv.Itoa(params.intCard)},
		{"Batch size", strconv.Itoa(viper.GetInt("batch_size"))},
		{"Profiling", strconv.FormatBool(params.eProfile)},
	})
	fmt.Println("")

	logger, closer, err := newLogger(fs, params.resDir, viper.GetBool("debug"))
	if err != nil {
		return err
	}
	defer closer.Close()

	watch.Reset()
	net := memnet.NewNetwork()
	loader := dataio.NewLoader(fs)
	parties := make([]*protocol.Party, params.nParties)
	nodes := make([]*psi.MultiPSI, params.nParties)
	for i := range parties {
		id := partyID(i)
		parties[i] = &protocol.Party{
			ID:   id,
			Role: roleOf(i),
			Resource: &protocol.DataResource{
				Input:  &protocol.ResourceDesc{Type: protocol.FileResource, Path: data.Path(params.dataDir, i)},
				Output: &protocol.ResourceDesc{Type: protocol.FileResource, Path: path.Join(params.resDir, id+".result")},
			},
		}
		cfg, err := baseConfig(id)
		if err != nil {
			return err
		}
		cfg.Transport = net.Endpoint(id)
		cfg.Loader = loader
		cfg.Logger = logger
		cfg.EnableOutputExists = true
		if nodes[i], err = psi.NewMultiPSI(cfg); err != nil {
			return err
		}
		nodes[i].Start()
		defer nodes[i].Stop()
	}
	phases = append(phases, phase{"Setup", watch.Elapsed()})

	watch.Reset()
	bar := NewProgressBar(params.nParties, "cyan", "Running PSI")
	var wg sync.WaitGroup
	var mu sync.Mutex
	var failures []error
	for i := range parties {
		task := &protocol.Task{
			ID:               "simulation",
			Self:             parties[i],
			SyncResultToPeer: true,
			MaxBatchSize:     viper.GetInt("batch_size"),
		}
		for j, p := range parties {
			if j != i {
				task.Peers = append(task.Peers, &protocol.Party{ID: p.ID, Role: p.Role})
			}
		}
		wg.Add(1)
		err := nodes[i].AsyncRunTask(task, func(r *protocol.TaskResult) {
			defer wg.Done()
			mu.Lock()
			defer mu.Unlock()
			_ = bar.Add(1)
			if r.Err != nil {
				failures = append(failures, errors.Wrapf(r.Err, "%s", task.Self.ID))
			}
		})
		if err != nil {
			return err
		}
	}
	wg.Wait()
	_ = bar.Finish()
	fmt.Println("")
	phases = append(phases, phase{"PSI", watch.Elapsed()})
	var failed error
	for _, e := range failures {
		failed = errors.CombineErrors(failed, e)
	}
	if failed != nil {
		return failed
	}

	watch.Reset()
	result, err := dataio.ReadLines(fs, path.Join(params.resDir, partyID(0)+".result"))
	if err != nil {
		return err
	}
	cardComputed, mismatches := verify(result, data.Intersection())
	phases = append(phases, phase{"Verification", watch.Elapsed()})

	fmt.Println("")
	color.Set(color.FgMagenta, color.Bold)
	fmt.Printf("{RESULT}\tCount => %d (True: %d / Mismatches: %d)\n", cardComputed, trueCard, mismatches)
	color.Unset()
	fmt.Println("")

	PrintTimings(phases)

	bench := path.Join(params.resDir, "bench.csv")
	if err := Save(fs, bench, params.nParties, params.n0, params.ni, trueCard, cardComputed, phases); err != nil {
		return err
	}
	color.Set(color.FgBlue)
	fmt.Printf("\nBenchmark written to %s\n", bench)
	color.Unset()

	if mismatches > 0 {
		return errors.Newf("computed intersection differs from the expected one in %d records", mismatches)
	}
	return nil
}

// verify counts the records present in exactly one of got and want.
func verify(got, want []string) (int, int) {
	expected := dataio.NewSet(want)
	computed := dataio.NewSet(got)
	mismatches := computed.Difference(expected).Size() + expected.Difference(computed).Size()
	return computed.Size(), mismatches
}
