package session

import (
	"fmt"
	"time"

	"github.com/danmuck/slowbreak/internal/auth"
	"github.com/danmuck/slowbreak/internal/protocol"
)

// role is the connect-time behavior that differs between the two ends.
// onConnect runs on the sender, onMessageIn on the receiver before
// sequence validation. handled stops further processing of msg.
type role interface {
	name() string
	onConnect(c *conn) error
	onMessageIn(c *conn, msg protocol.Message) (handled bool, err error)
}

func heartbeatSeconds(d time.Duration) int {
	secs := int((d + time.Second/2) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// initiator logs on as soon as the transport is up.
type initiator struct{}

func (initiator) name() string { return "initiator" }

func (initiator) onConnect(c *conn) error {
	cfg := c.s.cfg
	logon := protocol.Logon(protocol.LogonFields{
		HeartBtInt:  heartbeatSeconds(c.s.HeartbeatTime()),
		ResetSeqNum: cfg.ResetSeqNums,
		Username:    cfg.Username,
		Password:    cfg.Password,
		AppVersion:  cfg.AppVersion,
		TestMode:    cfg.TestMode,
	})
	c.log.Info().Msg("sending logon")
	return c.transmit(logon)
}

func (initiator) onMessageIn(c *conn, msg protocol.Message) (bool, error) {
	isLogon := msg.Type() == protocol.MsgLogon
	if c.logonSeen {
		if isLogon {
			return true, fmt.Errorf("%w: duplicate logon", ErrHandshake)
		}
		return false, nil
	}
	if !isLogon {
		return true, fmt.Errorf("%w: first message was %s", ErrHandshake, msg.Type())
	}
	c.logonSeen = true
	if msg.Flag(protocol.TagResetSeqNumFlag) {
		c.s.nextIn.Store(1)
	}
	c.s.queue.Put(logonAccepted{Conn: c.id}, false)
	return false, nil
}

// acceptor waits for the peer's Logon and answers it. claim, when set,
// refuses a second concurrent logon for the same SenderCompID.
type acceptor struct {
	claim   func(compID string) bool
	claimed string
}

func (*acceptor) name() string { return "acceptor" }

func (*acceptor) onConnect(c *conn) error {
	c.log.Info().Msg("awaiting logon")
	return nil
}

func (a *acceptor) onMessageIn(c *conn, msg protocol.Message) (bool, error) {
	cfg := c.s.cfg
	isLogon := msg.Type() == protocol.MsgLogon
	if c.logonSeen {
		if isLogon {
			return true, c.rejectLogon(msg, "already logged on")
		}
		return false, nil
	}
	if !isLogon {
		return true, c.rejectLogon(msg, "first message must be logon")
	}
	if sender, _ := msg.Get(protocol.TagSenderCompID); sender != cfg.TargetCompID {
		return true, c.rejectLogon(msg, "unknown sender comp id "+sender)
	}
	if target, _ := msg.Get(protocol.TagTargetCompID); target != cfg.SenderCompID {
		return true, c.rejectLogon(msg, "wrong target comp id "+target)
	}
	if method, _ := msg.Get(protocol.TagEncryptMethod); method != "0" {
		return true, c.rejectLogon(msg, "unsupported encrypt method "+method)
	}
	user, _ := msg.Get(protocol.TagUsername)
	pass, _ := msg.Get(protocol.TagPassword)
	creds := auth.Credentials{Username: cfg.Username, Password: cfg.Password}
	if err := creds.Check(user, pass); err != nil {
		return true, c.rejectLogon(msg, "invalid credentials")
	}
	if a.claim != nil {
		if !a.claim(cfg.TargetCompID) {
			return true, c.rejectLogon(msg, "already logged on")
		}
		a.claimed = cfg.TargetCompID
	}
	c.logonSeen = true

	heartbeat := c.s.HeartbeatTime()
	if secs, err := msg.GetUint(protocol.TagHeartBtInt); err == nil && secs > 0 {
		heartbeat = time.Duration(secs) * time.Second
		c.s.queue.Put(SetHeartbeat{Interval: heartbeat}, false)
	}
	reset := msg.Flag(protocol.TagResetSeqNumFlag)
	if reset {
		c.s.nextIn.Store(1)
	}
	reply := protocol.Logon(protocol.LogonFields{
		HeartBtInt:  heartbeatSeconds(heartbeat),
		ResetSeqNum: reset,
	})
	c.s.queue.Put(logonAccepted{Conn: c.id, Reply: &reply, Reset: reset}, false)
	return false, nil
}

func (c *conn) rejectLogon(msg protocol.Message, reason string) error {
	seq, _ := msg.SeqNum()
	c.log.Error().Uint64("ref_seq", seq).Str("reason", reason).Msg("rejecting logon")
	c.enqueueAdmin(protocol.Reject(seq, reason))
	return fmt.Errorf("%w: %s", ErrLogonRejected, reason)
}
