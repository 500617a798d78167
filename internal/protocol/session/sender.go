package session

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/slowbreak/internal/observability"
	"github.com/danmuck/slowbreak/internal/protocol"
	"github.com/danmuck/slowbreak/internal/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const confirmPrefix = "confirm:"

func confirmToken(seq uint64) string {
	return confirmPrefix + strconv.FormatUint(seq, 10)
}

func parseConfirmToken(id string) (uint64, bool) {
	raw, ok := strings.CutPrefix(id, confirmPrefix)
	if !ok {
		return 0, false
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	return seq, err == nil
}

// conn is one connection attempt: a transport plus its sender and
// receiver goroutines.
type conn struct {
	id      string
	s       *Session
	tr      transport.Transport
	log     zerolog.Logger
	started time.Time

	closed    atomic.Bool
	closeOnce sync.Once

	// sender goroutine only
	established bool
	parked      []queueItem
	appSent     int
	waiting     bool

	// receiver goroutine only
	logonSeen   bool
	resendUntil uint64
}

func newConn(s *Session, tr transport.Transport) *conn {
	id := uuid.NewString()
	return &conn{
		id:      id,
		s:       s,
		tr:      tr,
		log:     s.log.With().Str("conn", id).Logger(),
		started: time.Now(),
	}
}

// run starts the sender and receiver and waits for both.
func (c *conn) run() error {
	var g errgroup.Group
	g.Go(c.runSender)
	g.Go(c.runReceiver)
	return g.Wait()
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if err := c.tr.Close(); err != nil {
			c.log.Debug().Err(err).Msg("transport close")
		}
	})
}

func (c *conn) runSender() error {
	s := c.s
	defer c.close()
	defer func() {
		for _, item := range c.parked {
			s.queue.requeue(item)
		}
		c.parked = nil
	}()

	// Commands queued before this connection existed run once against it.
	limit := s.queue.lastCounter()
	for {
		item, err := s.queue.get(0, true)
		if err != nil {
			break
		}
		if item.counter > limit {
			s.queue.requeue(item)
			break
		}
		if err := c.execute(item); err != nil {
			return stopResult(err)
		}
	}

	if err := s.role.onConnect(c); err != nil {
		return err
	}

	for {
		item, err := s.queue.get(s.HeartbeatTime(), false)
		if errors.Is(err, ErrEmpty) {
			if !c.established {
				continue
			}
			observability.RecordSessionEvent(s.cfg.Name, observability.EventHeartbeat)
			if err := c.transmit(protocol.Heartbeat("")); err != nil {
				return err
			}
			continue
		}
		if err := c.execute(item); err != nil {
			return stopResult(err)
		}
	}
}

func stopResult(err error) error {
	if errors.Is(err, errSignalStop) {
		return nil
	}
	return err
}

func (c *conn) execute(item queueItem) error {
	s := c.s
	switch cmd := item.cmd.(type) {
	case Send:
		if cmd.Conn != "" {
			if cmd.Conn != c.id {
				c.log.Debug().Str("stale_conn", cmd.Conn).Str("type", cmd.Msg.Type().String()).Msg("dropping stale admin send")
				return nil
			}
			return c.transmit(cmd.Msg)
		}
		if !c.established {
			c.parked = append(c.parked, item)
			return nil
		}
		return c.sendApplication(cmd.Msg)
	case SendAndDisconnect:
		if !c.established {
			c.parked = append(c.parked, item)
			return nil
		}
		if err := c.transmit(cmd.Msg); err != nil {
			return err
		}
		c.log.Info().Msg("disconnect after send")
		return errSignalStop
	case StopRequest:
		s.gtfo.Store(true)
		if c.established {
			if err := c.transmit(protocol.Logout("")); err != nil {
				c.log.Warn().Err(err).Msg("logout on stop")
			}
		}
		c.log.Info().Msg("stop requested")
		return errSignalStop
	case StopThread:
		if cmd.Conn == c.id {
			return errSignalStop
		}
	case SetHeartbeat:
		s.applyHeartbeat(cmd.Interval)
	case GapFill:
		if cmd.Conn != "" && cmd.Conn != c.id {
			return nil
		}
		if !c.established {
			c.parked = append(c.parked, item)
			return nil
		}
		return c.gapFill(cmd.From)
	case logonAccepted:
		if cmd.Conn != c.id {
			return nil
		}
		return c.onLogonAccepted(cmd)
	case confirmed:
		if cmd.Conn == c.id {
			c.waiting = false
			observability.RecordSessionEvent(s.cfg.Name, observability.EventConfirmed)
			observability.SetLedgerSize(s.cfg.Name, s.ledger.Len())
		}
	default:
		return fmt.Errorf("session: unknown command %T", cmd)
	}
	return nil
}

func (c *conn) onLogonAccepted(cmd logonAccepted) error {
	s := c.s
	if cmd.Reset {
		s.ledger.Reset(1)
	}
	if cmd.Reply != nil {
		if err := c.transmit(*cmd.Reply); err != nil {
			return err
		}
	}
	c.established = true
	s.loggedOn.Store(true)
	s.setState(StateEstablished)
	observability.RecordSessionEvent(s.cfg.Name, observability.EventLogon)
	c.log.Info().Uint64("next_in", s.NextInSeqNum()).Uint64("next_out", s.NextOutSeqNum()).Msg("logged on")
	s.app.OnLogon(s.cfg.Name)

	parked := c.parked
	c.parked = nil
	for i, item := range parked {
		if err := c.execute(item); err != nil {
			c.parked = append(c.parked, parked[i+1:]...)
			return err
		}
	}
	return nil
}

// sendApplication transmits msg and asks for confirmation every
// ConfirmRequestMsgCount messages while none is outstanding.
func (c *conn) sendApplication(msg protocol.Message) error {
	s := c.s
	if err := c.transmit(msg); err != nil {
		return err
	}
	c.appSent++
	n := s.cfg.ConfirmRequestMsgCount
	if n <= 0 || c.appSent < n || c.waiting {
		return nil
	}
	c.appSent = 0
	c.waiting = true
	last := s.ledger.NextSeqNum() - 1
	observability.RecordSessionEvent(s.cfg.Name, observability.EventTestRequest)
	return c.transmit(protocol.TestRequest(confirmToken(last)))
}

// gapFill skips the peer past everything sent from `from` onward with one
// SequenceReset. Skipped application messages are reported undelivered.
func (c *conn) gapFill(from uint64) error {
	s := c.s
	newSeq := s.ledger.NextSeqNum()
	if from >= newSeq {
		c.log.Warn().Uint64("from", from).Uint64("next_out", newSeq).Msg("resend request beyond sent range")
		return nil
	}
	for _, e := range s.ledger.Snapshot() {
		if e.Seq < from {
			continue
		}
		if e.Msg.Type() == protocol.MsgApplication {
			s.notDelivered(e.Msg)
		}
	}
	s.ledger.Reset(from)
	reset := protocol.SequenceReset(newSeq, true)
	reset.SetHeader(protocol.TagPossDupFlag, "Y")
	out := s.ledger.Decorate(c.stamp(reset))
	if err := c.write(out); err != nil {
		return err
	}
	s.ledger.Reset(newSeq)
	observability.RecordSessionEvent(s.cfg.Name, observability.EventGapFill)
	observability.SetLedgerSize(s.cfg.Name, 0)
	c.log.Info().Uint64("from", from).Uint64("new_seq", newSeq).Msg("gap filled")
	return nil
}

// stamp sets the identity and time header fields on a copy of msg.
func (c *conn) stamp(msg protocol.Message) protocol.Message {
	out := msg.Clone()
	out.SetHeader(protocol.TagSendingTime, protocol.FormatSendingTime(time.Now()))
	out.SetHeader(protocol.TagTargetCompID, c.s.cfg.TargetCompID)
	out.SetHeader(protocol.TagSenderCompID, c.s.cfg.SenderCompID)
	return out
}

// transmit registers msg in the ledger and writes it.
func (c *conn) transmit(msg protocol.Message) error {
	out := c.s.ledger.DecorateAndRegister(c.stamp(msg))
	observability.SetLedgerSize(c.s.cfg.Name, c.s.ledger.Len())
	return c.write(out)
}

func (c *conn) write(msg protocol.Message) error {
	buf, err := msg.Encode(c.s.cfg.BeginString)
	if err != nil {
		return err
	}
	if err := c.tr.SetWriteDeadline(time.Now().Add(c.s.cfg.WriteTimeout)); err != nil {
		return err
	}
	if _, err := c.tr.Write(buf); err != nil {
		return fmt.Errorf("session: write %s: %w", msg.Type(), err)
	}
	observability.RecordMessageSent(c.s.cfg.Name, msg.Type().String())
	c.log.Trace().Str("msg", msg.String()).Msg("out")
	return nil
}

// enqueueAdmin hands an admin reply to the sender for this connection.
func (c *conn) enqueueAdmin(msg protocol.Message) {
	c.s.queue.Put(Send{Msg: msg, Conn: c.id}, false)
}
