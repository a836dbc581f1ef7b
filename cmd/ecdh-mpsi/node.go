package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fatih/color"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ecdh_mpsi/dataio"
	"ecdh_mpsi/protocol"
	"ecdh_mpsi/psi"
	"ecdh_mpsi/transport/httpnet"
)

type peerConfig struct {
	ID   string `mapstructure:"id"`
	Role string `mapstructure:"role"`
	URL  string `mapstructure:"url"`
}

type nodeConfig struct {
	Party        string       `mapstructure:"party"`
	Role         string       `mapstructure:"role"`
	Listen       string       `mapstructure:"listen"`
	Input        string       `mapstructure:"input"`
	Output       string       `mapstructure:"output"`
	Peers        []peerConfig `mapstructure:"peers"`
	TaskID       string       `mapstructure:"task_id"`
	Sync         bool         `mapstructure:"sync"`
	Receivers    []string     `mapstructure:"receivers"`
	MaxBatchSize int          `mapstructure:"max_batch_size"`
}

func newNodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run one party of a task over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd.Context())
		},
	}
	cmd.Flags().String("party", "", "override node.party")
	_ = viper.BindPFlag("node.party", cmd.Flags().Lookup("party"))
	viper.SetDefault("node.wait_peers", 30*time.Second)
	return cmd
}

func (c *nodeConfig) task() (*protocol.Task, error) {
	role, err := protocol.ParseRole(c.Role)
	if err != nil {
		return nil, err
	}
	task := &protocol.Task{
		ID: c.TaskID,
		Self: &protocol.Party{
			ID:   c.Party,
			Role: role,
			Resource: &protocol.DataResource{
				Input: &protocol.ResourceDesc{Type: protocol.FileResource, Path: c.Input},
			},
		},
		SyncResultToPeer: c.Sync,
		ReceiverList:     c.Receivers,
		MaxBatchSize:     c.MaxBatchSize,
	}
	if c.Output != "" {
		task.Self.Resource.Output = &protocol.ResourceDesc{Type: protocol.FileResource, Path: c.Output}
	}
	for _, p := range c.Peers {
		role, err := protocol.ParseRole(p.Role)
		if err != nil {
			return nil, errors.Wrapf(err, "peer %s", p.ID)
		}
		task.Peers = append(task.Peers, &protocol.Party{ID: p.ID, Role: role})
	}
	return task, nil
}

func runNode(ctx context.Context) error {
	var nc nodeConfig
	if err := viper.UnmarshalKey("node", &nc); err != nil {
		return errors.Wrap(err, "parse node config")
	}
	if nc.Party == "" || nc.Listen == "" {
		return errors.New("node.party and node.listen are required")
	}
	task, err := nc.task()
	if err != nil {
		return err
	}

	fs := afero.NewOsFs()
	logger, closer, err := newLogger(fs, "", viper.GetBool("debug"))
	if err != nil {
		return err
	}
	defer closer.Close()

	peers := make(map[string]string, len(nc.Peers))
	for _, p := range nc.Peers {
		peers[p.ID] = p.URL
	}
	node := httpnet.New(nc.Party, httpnet.Config{
		ListenAddr:  nc.Listen,
		Peers:       peers,
		SendTimeout: viper.GetDuration("send_timeout"),
		Logger:      logger,
	})

	cfg, err := baseConfig(nc.Party)
	if err != nil {
		return err
	}
	cfg.Transport = node
	cfg.Loader = dataio.NewLoader(fs)
	cfg.Logger = logger
	cfg.SendTimeout = viper.GetDuration("send_timeout")
	mpsi, err := psi.NewMultiPSI(cfg)
	if err != nil {
		return err
	}

	if err := node.Start(); err != nil {
		return err
	}
	defer func() {
		// Lets the result reach the peers before the process exits.
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.SendTimeout)
		defer cancel()
		if err := node.Stop(stopCtx); err != nil {
			logger.Warn().Err(err).Msg("transport stop")
		}
	}()
	mpsi.Start()
	defer mpsi.Stop()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	waitCtx, cancel := context.WithTimeout(ctx, viper.GetDuration("node.wait_peers"))
	err = node.WaitForPeers(waitCtx, 200*time.Millisecond)
	cancel()
	if err != nil {
		return err
	}

	var watch Stopwatch
	watch.Reset()
	done := make(chan *protocol.TaskResult, 1)
	if err := mpsi.AsyncRunTask(task, func(r *protocol.TaskResult) { done <- r }); err != nil {
		return err
	}

	select {
	case r := <-done:
		if r.Err != nil {
			return errors.Wrapf(r.Err, "task %s", r.TaskID)
		}
		color.Set(color.FgMagenta, color.Bold)
		fmt.Printf("{RESULT}\tTask %s %s in %s\n", r.TaskID, r.Status, watch.Elapsed())
		color.Unset()
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "interrupted")
	}
}
