// Package memnet connects parties living in one process.
package memnet

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"ecdh_mpsi/protocol"
	"ecdh_mpsi/transport"
)

type Network struct {
	mu    sync.RWMutex
	nodes map[string]*Endpoint
	down  map[string]bool
}

func NewNetwork() *Network {
	return &Network{
		nodes: make(map[string]*Endpoint),
		down:  make(map[string]bool),
	}
}

// Endpoint returns the endpoint of partyID, creating it on first use.
func (n *Network) Endpoint(partyID string) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	if e, ok := n.nodes[partyID]; ok {
		return e
	}
	e := &Endpoint{net: n, id: partyID}
	n.nodes[partyID] = e
	return e
}

// SetDown makes every delivery to partyID fail until it is brought back up.
func (n *Network) SetDown(partyID string, down bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[partyID] = down
}

func (n *Network) deliver(env *protocol.Envelope) error {
	n.mu.RLock()
	e, ok := n.nodes[env.Receiver]
	down := n.down[env.Receiver]
	n.mu.RUnlock()
	if !ok {
		return errors.Wrapf(transport.ErrUnknownPeer, "%s", env.Receiver)
	}
	if down {
		return errors.Wrapf(transport.ErrPeerUnreachable, "%s", env.Receiver)
	}
	h := e.handler()
	if h == nil {
		return errors.Wrapf(transport.ErrPeerUnreachable, "%s has no handler", env.Receiver)
	}
	cp := *env
	e.received.Add(1)
	h(&cp)
	return nil
}

// #############################################################################

type Endpoint struct {
	net *Network
	id  string

	mu sync.RWMutex
	h  transport.Handler

	sent     atomic.Int64
	received atomic.Int64
}

func (e *Endpoint) ID() string {
	return e.id
}

func (e *Endpoint) RegisterHandler(h transport.Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.h = h
}

func (e *Endpoint) handler() transport.Handler {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.h
}

// AsyncSendMessage hands the envelope straight to the receiver's handler,
// which only queues it.
func (e *Endpoint) AsyncSendMessage(ctx context.Context, env *protocol.Envelope, onSent func(error)) {
	var err error
	if ctx.Err() != nil {
		err = ctx.Err()
	} else {
		if env.Sender == "" {
			env.Sender = e.id
		}
		e.sent.Add(1)
		err = e.net.deliver(env)
	}
	if onSent != nil {
		onSent(err)
	}
}

func (e *Endpoint) Sent() int64 {
	return e.sent.Load()
}

func (e *Endpoint) Received() int64 {
	return e.received.Load()
}
