package memnet

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"ecdh_mpsi/protocol"
	"ecdh_mpsi/transport"
)

func TestDeliverAndPartition(t *testing.T) {
	net := NewNetwork()
	a := net.Endpoint("a")
	b := net.Endpoint("b")

	var got []*protocol.Envelope
	b.RegisterHandler(func(env *protocol.Envelope) { got = append(got, env) })

	var sendErr error
	a.AsyncSendMessage(context.Background(), &protocol.Envelope{Receiver: "b", TaskID: "t"}, func(err error) { sendErr = err })
	assert.NoError(t, sendErr)
	if assert.Len(t, got, 1) {
		assert.Equal(t, "a", got[0].Sender)
	}

	net.SetDown("b", true)
	a.AsyncSendMessage(context.Background(), &protocol.Envelope{Receiver: "b"}, func(err error) { sendErr = err })
	assert.ErrorIs(t, sendErr, transport.ErrPeerUnreachable)

	a.AsyncSendMessage(context.Background(), &protocol.Envelope{Receiver: "nobody"}, func(err error) { sendErr = err })
	assert.ErrorIs(t, sendErr, transport.ErrUnknownPeer)

	assert.Equal(t, int64(3), a.Sent())
	assert.Equal(t, int64(1), b.Received())
	assert.Same(t, a, net.Endpoint("a"))
}
