package transport

import (
	"context"

	"github.com/cockroachdb/errors"

	"ecdh_mpsi/protocol"
)

var (
	ErrPeerUnreachable = errors.New("peer unreachable")
	ErrUnknownPeer     = errors.New("unknown peer")
)

// Handler receives inbound envelopes. It must not block.
type Handler func(env *protocol.Envelope)

// Transport moves envelopes between parties. AsyncSendMessage never blocks on
// delivery; onSent is called exactly once with the delivery outcome.
type Transport interface {
	AsyncSendMessage(ctx context.Context, env *protocol.Envelope, onSent func(error))
	RegisterHandler(h Handler)
}
