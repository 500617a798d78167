package protocol

import "errors"

var (
	ErrMissingMsgType      = errors.New("protocol: missing msg type")
	ErrMissingTag          = errors.New("protocol: missing tag")
	ErrInvalidSeqNum       = errors.New("protocol: invalid sequence number")
	ErrBeginStringMismatch = errors.New("protocol: begin string mismatch")
)
