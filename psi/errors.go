package psi

import (
	"github.com/cockroachdb/errors"

	"ecdh_mpsi/transport"
)

var (
	ErrTaskParams       = errors.New("invalid task parameters")
	ErrOverPeerLimit    = errors.New("over the peer limit")
	ErrUnsupportedRole  = errors.New("unsupported role")
	ErrTaskExists       = errors.New("task already exists")
	ErrPeerNotifyFinish = errors.New("job participant sent an error")
	ErrTaskException    = errors.New("task exception")
	ErrTaskFailed       = errors.New("task failed")
	ErrTaskDone         = errors.New("task already completed")
	ErrPoolStopped      = errors.New("worker pool stopped")
	ErrPeerUnreachable  = transport.ErrPeerUnreachable
)
