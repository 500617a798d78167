package session

import (
	"time"

	"github.com/danmuck/slowbreak/internal/protocol"
)

// Command is one unit of session work consumed by whichever goroutine
// currently owns the queue.
type Command interface {
	isCommand()
}

// Send transmits Msg. Conn is empty for application sends; admin replies
// from a receiver carry its connection id and are dropped once stale.
type Send struct {
	Msg  protocol.Message
	Conn string
}

// SendAndDisconnect transmits Msg then collapses the connection.
type SendAndDisconnect struct {
	Msg protocol.Message
}

// StopRequest logs out if possible and ends the session for good.
type StopRequest struct{}

// StopThread collapses connection Conn if it is still the live one.
type StopThread struct {
	Conn string
}

type SetHeartbeat struct {
	Interval time.Duration
}

// GapFill answers a resend request for everything from From onward.
type GapFill struct {
	From uint64
	Conn string
}

type logonAccepted struct {
	Conn  string
	Reply *protocol.Message
	Reset bool
}

type confirmed struct {
	Seq  uint64
	Conn string
}

func (Send) isCommand()              {}
func (SendAndDisconnect) isCommand() {}
func (StopRequest) isCommand()       {}
func (StopThread) isCommand()        {}
func (SetHeartbeat) isCommand()      {}
func (GapFill) isCommand()           {}
func (logonAccepted) isCommand()     {}
func (confirmed) isCommand()         {}
