package psi

import (
	"context"
	"runtime"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ecdh_mpsi/dataio"
	"ecdh_mpsi/protocol"
	"ecdh_mpsi/transport"
)

// #############################################################################

type Hasher interface {
	Hash(data []byte) []byte
}

// Crypto works on encoded points and big-endian scalars.
type Crypto interface {
	GenerateRandomScalar() ([]byte, error)
	HashToCurve(data []byte) ([]byte, error)
	ECMultiply(point, scalar []byte) ([]byte, error)
}

type ResourceLoader interface {
	LoadReader(res *protocol.DataResource) (dataio.Reader, error)
	LoadWriter(desc *protocol.ResourceDesc, enableOutputExists bool) (dataio.Writer, error)
}

// #############################################################################

const (
	DefaultDataBatchSize    = 10000
	DefaultPoolQueueSize    = 1024
	DefaultPopWait          = 100 * time.Millisecond
	DefaultPingPeriod       = 60 * time.Second
	DefaultPingTimeout      = 10 * time.Second
	DefaultSendTimeout      = 60 * time.Second
	DefaultParkTTL          = 5 * time.Minute
	DefaultMaxParkedPerTask = 4096
)

type Config struct {
	SelfParty string
	Crypto    Crypto
	Hasher    Hasher
	Transport transport.Transport
	Loader    ResourceLoader
	Logger    zerolog.Logger

	DataBatchSize  int
	ThreadPoolSize int
	PoolQueueSize  int
	// Parallelism bounds the fan-out of one batch's crypto.
	Parallelism int

	PopWait     time.Duration
	PingPeriod  time.Duration // <= 0 disables the liveness timer
	PingTimeout time.Duration
	SendTimeout time.Duration

	ParkTTL          time.Duration
	MaxParkedPerTask int

	EnableOutputExists bool
	NotifyPeerOnError  bool
}

func (c *Config) setDefaults() {
	if c.DataBatchSize <= 0 {
		c.DataBatchSize = DefaultDataBatchSize
	}
	if c.ThreadPoolSize <= 0 {
		c.ThreadPoolSize = runtime.NumCPU()
	}
	if c.PoolQueueSize <= 0 {
		c.PoolQueueSize = DefaultPoolQueueSize
	}
	if c.Parallelism <= 0 {
		c.Parallelism = runtime.NumCPU()
	}
	if c.PopWait <= 0 {
		c.PopWait = DefaultPopWait
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = DefaultPingTimeout
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.ParkTTL <= 0 {
		c.ParkTTL = DefaultParkTTL
	}
	if c.MaxParkedPerTask <= 0 {
		c.MaxParkedPerTask = DefaultMaxParkedPerTask
	}
}

func (c *Config) validate() error {
	switch {
	case c.SelfParty == "":
		return errors.New("config: self party is required")
	case c.Crypto == nil:
		return errors.New("config: crypto is required")
	case c.Hasher == nil:
		return errors.New("config: hasher is required")
	case c.Transport == nil:
		return errors.New("config: transport is required")
	case c.Loader == nil:
		return errors.New("config: loader is required")
	}
	return nil
}

// #############################################################################

func (c *Config) send(env *protocol.Envelope, timeout time.Duration, onSent func(error)) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	c.Transport.AsyncSendMessage(ctx, env, func(err error) {
		cancel()
		if onSent != nil {
			onSent(err)
		}
	})
}

func (c *Config) sendPayload(to, taskID string, payload []byte, seq uint32, onSent func(error)) {
	c.send(&protocol.Envelope{
		Type:     protocol.PSIMessage,
		Sender:   c.SelfParty,
		Receiver: to,
		TaskID:   taskID,
		Seq:      seq,
		UUID:     uuid.NewString(),
		Payload:  payload,
	}, c.SendTimeout, onSent)
}

func (c *Config) generateAndSendMessage(to, taskID string, msg *protocol.Message, seq uint32, onSent func(error)) {
	payload, err := msg.Encode()
	if err != nil {
		if onSent != nil {
			onSent(errors.Wrapf(err, "encode %s", msg.PacketType))
		}
		return
	}
	c.sendPayload(to, taskID, payload, seq, onSent)
}

func (c *Config) sendControl(to, taskID string, t protocol.MessageType, timeout time.Duration, onSent func(error)) {
	c.send(&protocol.Envelope{
		Type:     t,
		Sender:   c.SelfParty,
		Receiver: to,
		TaskID:   taskID,
		UUID:     uuid.NewString(),
	}, timeout, onSent)
}

// #############################################################################

// blindBatch computes H(record)·key for every record of the batch.
func (c *Config) blindBatch(ctx context.Context, batch *dataio.DataBatch, key []byte) ([][]byte, error) {
	out := make([][]byte, batch.Size())
	err := parallelFor(ctx, batch.Size(), c.Parallelism, func(ctx context.Context, lo, hi int) error {
		for i := lo; i < hi; i++ {
			point, err := c.Crypto.HashToCurve(c.Hasher.Hash(batch.Get(i)))
			if err != nil {
				return errors.Wrapf(err, "hash record %d to curve", i)
			}
			if out[i], err = c.Crypto.ECMultiply(point, key); err != nil {
				return errors.Wrapf(err, "blind record %d", i)
			}
		}
		return nil
	})
	return out, err
}

// multiplyAll computes point·key for every point.
func (c *Config) multiplyAll(ctx context.Context, points [][]byte, key []byte) ([][]byte, error) {
	out := make([][]byte, len(points))
	err := parallelFor(ctx, len(points), c.Parallelism, func(ctx context.Context, lo, hi int) error {
		for i := lo; i < hi; i++ {
			var err error
			if out[i], err = c.Crypto.ECMultiply(points[i], key); err != nil {
				return errors.Wrapf(err, "multiply cipher %d", i)
			}
		}
		return nil
	})
	return out, err
}
