package session

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/danmuck/slowbreak/internal/observability"
	"github.com/danmuck/slowbreak/internal/protocol"
	"github.com/danmuck/slowbreak/internal/protocol/frame"
)

// runReceiver reads until the link dies, a protocol violation occurs, or
// the sender closes the transport. Its exit always collapses the sender.
func (c *conn) runReceiver() error {
	defer c.s.queue.Put(StopThread{Conn: c.id}, false)
	err := c.receive()
	if c.closed.Load() {
		return nil
	}
	return err
}

func (c *conn) receive() error {
	s := c.s
	reader := frame.NewReader(c.tr, s.cfg.FrameLimits)
	timeouts := 0
	for {
		timeout := s.cfg.readTimeout(s.HeartbeatTime())
		if err := c.tr.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
		fr, err := reader.Next()
		switch {
		case errors.Is(err, frame.ErrTimeout):
			if !c.logonSeen {
				return fmt.Errorf("%w: no logon within %s", ErrHandshake, timeout)
			}
			timeouts++
			if timeouts >= 2 {
				return fmt.Errorf("%w: %s", ErrDeadLink, 2*timeout)
			}
			observability.RecordSessionEvent(s.cfg.Name, observability.EventTestRequest)
			c.log.Debug().Dur("timeout", timeout).Msg("read timeout, probing peer")
			c.enqueueAdmin(protocol.TestRequest("probe:" + strconv.FormatInt(time.Now().UnixMilli(), 10)))
			continue
		case errors.Is(err, frame.ErrMalformed):
			observability.RecordSessionEvent(s.cfg.Name, observability.EventMalformed)
			c.log.Warn().Err(err).Msg("skipping malformed frame")
			continue
		case err != nil:
			return err
		}
		timeouts = 0

		msg, err := protocol.Decode(fr, s.cfg.BeginString)
		if errors.Is(err, protocol.ErrBeginStringMismatch) {
			return err
		}
		if err != nil {
			observability.RecordSessionEvent(s.cfg.Name, observability.EventMalformed)
			c.log.Warn().Err(err).Msg("skipping invalid message")
			continue
		}
		observability.RecordMessageReceived(s.cfg.Name, msg.Type().String())
		c.log.Trace().Str("msg", msg.String()).Msg("in")

		done, err := c.handleInbound(msg)
		if err != nil || done {
			return err
		}
	}
}

// handleInbound validates the sequence number of msg and dispatches it.
// done reports a clean end of the connection.
func (c *conn) handleInbound(msg protocol.Message) (bool, error) {
	s := c.s
	handled, err := s.role.onMessageIn(c, msg)
	if err != nil || handled {
		return false, err
	}

	seq, err := msg.SeqNum()
	if err != nil {
		c.log.Warn().Err(err).Msg("skipping message without sequence number")
		return false, nil
	}
	typ := msg.Type()
	expected := s.nextIn.Load()

	if typ == protocol.MsgSequenceReset && !msg.Flag(protocol.TagGapFillFlag) {
		return false, c.sequenceReset(msg, expected)
	}

	switch {
	case seq < expected:
		if msg.PossDup() {
			c.log.Debug().Uint64("seq", seq).Uint64("expected", expected).Msg("ignoring possible duplicate")
			return false, nil
		}
		return false, fmt.Errorf("%w: got=%d expected=%d", ErrSeqRegression, seq, expected)
	case seq > expected:
		if expected > c.resendUntil {
			c.resendUntil = seq
			observability.RecordSessionEvent(s.cfg.Name, observability.EventResendRequested)
			c.log.Info().Uint64("from", expected).Uint64("seen", seq).Msg("gap detected, requesting resend")
			c.enqueueAdmin(protocol.ResendRequest(expected))
		}
		return false, nil
	}

	s.nextIn.Store(expected + 1)
	return c.dispatch(msg, typ)
}

func (c *conn) dispatch(msg protocol.Message, typ protocol.MsgType) (bool, error) {
	s := c.s
	switch typ {
	case protocol.MsgTestRequest:
		id, _ := msg.Get(protocol.TagTestReqID)
		c.enqueueAdmin(protocol.Heartbeat(id))
	case protocol.MsgHeartbeat:
		id, _ := msg.Get(protocol.TagTestReqID)
		if seq, ok := parseConfirmToken(id); ok {
			s.ledger.Drop(seq)
			s.queue.Put(confirmed{Seq: seq, Conn: c.id}, false)
		}
	case protocol.MsgResendRequest:
		from, err := msg.GetUint(protocol.TagBeginSeqNo)
		if err != nil {
			c.log.Warn().Err(err).Msg("resend request without begin seq")
			return false, nil
		}
		s.queue.Put(GapFill{From: from, Conn: c.id}, false)
	case protocol.MsgSequenceReset:
		return false, c.sequenceReset(msg, s.nextIn.Load())
	case protocol.MsgLogout:
		text, _ := msg.Get(protocol.TagText)
		c.log.Info().Str("text", text).Msg("peer logged out")
		c.enqueueAdmin(protocol.Logout(""))
		return true, nil
	case protocol.MsgReject:
		ref, _ := msg.Get(protocol.TagRefSeqNum)
		text, _ := msg.Get(protocol.TagText)
		c.log.Warn().Str("ref_seq", ref).Str("text", text).Msg("peer rejected message")
	case protocol.MsgLogon:
	default:
		s.app.OnMessage(s.cfg.Name, msg)
	}
	return false, nil
}

// sequenceReset moves the expected inbound number forward to NewSeqNo.
func (c *conn) sequenceReset(msg protocol.Message, expected uint64) error {
	newSeq, err := msg.GetUint(protocol.TagNewSeqNo)
	if err != nil {
		c.log.Warn().Err(err).Msg("sequence reset without new seq")
		return nil
	}
	if newSeq < expected {
		c.log.Warn().Uint64("new_seq", newSeq).Uint64("expected", expected).Msg("ignoring backwards sequence reset")
		return nil
	}
	c.s.nextIn.Store(newSeq)
	c.log.Info().Uint64("new_seq", newSeq).Bool("gap_fill", msg.Flag(protocol.TagGapFillFlag)).Msg("inbound sequence reset")
	return nil
}
