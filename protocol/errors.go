package protocol

import (
	"github.com/cockroachdb/errors"
)

var (
	ErrMalformedMessage  = errors.New("malformed psi message")
	ErrUnknownPacketType = errors.New("unknown packet type")
	ErrUnknownRole       = errors.New("unknown role")
)
