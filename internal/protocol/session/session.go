package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/danmuck/slowbreak/internal/observability"
	"github.com/danmuck/slowbreak/internal/protocol"
	"github.com/danmuck/slowbreak/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// State is the connection phase reported by Status.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshakeInFlight
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshakeInFlight:
		return "handshake"
	case StateEstablished:
		return "established"
	default:
		return "disconnected"
	}
}

// Application receives inbound application messages and delivery failures.
// Callbacks run on session goroutines and must not block for long.
type Application interface {
	OnLogon(session string)
	OnMessage(session string, msg protocol.Message)
	OnNotDelivered(session string, msg protocol.Message)
}

// NopApplication ignores every callback; embed it to implement a subset.
type NopApplication struct{}

func (NopApplication) OnLogon(string)                          {}
func (NopApplication) OnMessage(string, protocol.Message)      {}
func (NopApplication) OnNotDelivered(string, protocol.Message) {}

// Status is a point-in-time view of a session.
type Status struct {
	Name          string `json:"name"`
	Role          string `json:"role"`
	State         string `json:"state"`
	Conn          string `json:"conn,omitempty"`
	LoggedOn      bool   `json:"logged_on"`
	NextInSeqNum  uint64 `json:"next_in_seq_num"`
	NextOutSeqNum uint64 `json:"next_out_seq_num"`
	LedgerLen     int    `json:"ledger_len"`
	Queued        int    `json:"queued"`
	Heartbeat     string `json:"heartbeat"`
	Stopping      bool   `json:"stopping"`
}

// Session supervises one logical FIX session across reconnects.
type Session struct {
	cfg       Config
	connector transport.Connector
	app       Application
	role      role
	queue     *ActionQueue
	ledger    *SentLedger
	log       zerolog.Logger

	nextIn    atomic.Uint64
	heartbeat atomic.Int64
	state     atomic.Int32
	loggedOn  atomic.Bool
	gtfo      atomic.Bool
	running   atomic.Bool
	connID    atomic.Value

	// seeded is touched only by the supervisor goroutine.
	seeded bool
}

// NewInitiator builds a session that connects out and logs on first.
func NewInitiator(cfg Config, connector transport.Connector, app Application) (*Session, error) {
	return newSession(cfg, connector, app, initiator{})
}

// NewAcceptor builds a single-connection session that waits for the peer's
// Logon. It never reconnects.
func NewAcceptor(cfg Config, connector transport.Connector, app Application) (*Session, error) {
	cfg.Reconnect = false
	return newSession(cfg, connector, app, &acceptor{})
}

func newSession(cfg Config, connector transport.Connector, app Application, r role) (*Session, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if connector == nil {
		return nil, fmt.Errorf("%w: connector required", ErrInvalidConfig)
	}
	if app == nil {
		app = NopApplication{}
	}
	s := &Session{
		cfg:       cfg,
		connector: connector,
		app:       app,
		role:      r,
		queue:     NewActionQueue(cfg.SendPeriod),
		ledger:    NewSentLedger(1),
		log:       log.With().Str("session", cfg.Name).Str("role", r.name()).Logger(),
	}
	s.nextIn.Store(1)
	s.heartbeat.Store(int64(cfg.HeartbeatTime))
	s.connID.Store("")
	return s, nil
}

func (s *Session) Name() string { return s.cfg.Name }

func (s *Session) Config() Config { return s.cfg }

// Send queues an application message; LowPriority decides its tier.
func (s *Session) Send(msg protocol.Message) {
	low := s.cfg.LowPriority != nil && s.cfg.LowPriority(msg)
	s.queue.Put(Send{Msg: msg}, low)
}

func (s *Session) SendAndDisconnect(msg protocol.Message) {
	s.queue.Put(SendAndDisconnect{Msg: msg}, false)
}

func (s *Session) StopRequest() {
	s.queue.Put(StopRequest{}, false)
}

func (s *Session) StopThread(conn string) {
	s.queue.Put(StopThread{Conn: conn}, false)
}

func (s *Session) SetHeartbeat(d time.Duration) {
	s.queue.Put(SetHeartbeat{Interval: d}, false)
}

// GapFill queues a gap fill from seq against the live connection.
func (s *Session) GapFill(seq uint64) {
	s.queue.Put(GapFill{From: seq}, false)
}

func (s *Session) NextInSeqNum() uint64 { return s.nextIn.Load() }

func (s *Session) NextOutSeqNum() uint64 { return s.ledger.NextSeqNum() }

func (s *Session) HeartbeatTime() time.Duration {
	return time.Duration(s.heartbeat.Load())
}

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) Status() Status {
	return Status{
		Name:          s.cfg.Name,
		Role:          s.role.name(),
		State:         s.State().String(),
		Conn:          s.connID.Load().(string),
		LoggedOn:      s.loggedOn.Load(),
		NextInSeqNum:  s.NextInSeqNum(),
		NextOutSeqNum: s.NextOutSeqNum(),
		LedgerLen:     s.ledger.Len(),
		Queued:        s.queue.Len(),
		Heartbeat:     s.HeartbeatTime().String(),
		Stopping:      s.gtfo.Load(),
	}
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

func (s *Session) applyHeartbeat(d time.Duration) {
	if d <= 0 {
		s.log.Warn().Dur("interval", d).Msg("ignoring non-positive heartbeat")
		return
	}
	s.heartbeat.Store(int64(d))
	s.log.Info().Dur("interval", d).Msg("heartbeat updated")
}

func (s *Session) notDelivered(msg protocol.Message) {
	observability.RecordSessionEvent(s.cfg.Name, observability.EventNotDelivered)
	s.app.OnNotDelivered(s.cfg.Name, msg)
}

// Run is the supervisor loop. It returns after StopRequest, ctx
// cancellation, a protocol violation, or the first collapsed connection
// when reconnect is off.
// The returned error is the cause of the last collapse, nil when clean.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrSessionRunning
	}
	defer s.running.Store(false)
	s.gtfo.Store(false)
	stop := context.AfterFunc(ctx, s.StopRequest)
	defer stop()

	var held []queueItem
	var lastErr error
	defer func() { s.flushUndelivered(held) }()

	for {
		for _, item := range held {
			s.queue.requeue(item)
		}
		held = nil

		s.setState(StateConnecting)
		tr, err := s.connector.Connect(ctx)
		if err != nil {
			lastErr = err
			observability.RecordSessionEvent(s.cfg.Name, observability.EventConnectFailure)
			if isViolation(err) {
				observability.RecordSessionEvent(s.cfg.Name, observability.EventViolation)
				s.log.Error().Err(err).Msg("connect rejected")
			} else {
				s.log.Warn().Err(err).Msg("connect failed")
			}
		} else {
			lastErr = s.runConnection(tr)
		}
		s.setState(StateDisconnected)

		if s.gtfo.Load() {
			s.log.Info().Msg("session stopped")
			return nil
		}
		if !s.cfg.Reconnect {
			return lastErr
		}
		// Redialing would resume at the sequence state the peer just broke.
		if isViolation(lastErr) {
			s.log.Error().Err(lastErr).Msg("not reconnecting after protocol violation")
			return lastErr
		}
		held = s.waitReconnect(held)
		if s.gtfo.Load() {
			s.log.Info().Msg("session stopped while disconnected")
			return nil
		}
	}
}

func (s *Session) runConnection(tr transport.Transport) error {
	if s.cfg.ResetSeqNums || !s.seeded {
		s.ledger.Reset(1)
		s.nextIn.Store(1)
		s.seeded = true
	}
	c := newConn(s, tr)
	s.connID.Store(c.id)
	s.setState(StateHandshakeInFlight)
	observability.RecordSessionEvent(s.cfg.Name, observability.EventConnect)
	c.log.Info().Msg("connected")

	err := c.run()

	s.loggedOn.Store(false)
	s.connID.Store("")
	observability.RecordConnection(s.cfg.Name, time.Since(c.started), err)
	if isViolation(err) {
		observability.RecordSessionEvent(s.cfg.Name, observability.EventViolation)
		c.log.Error().Err(err).Msg("connection closed on protocol violation")
	} else if err != nil {
		c.log.Warn().Err(err).Msg("connection collapsed")
	} else {
		c.log.Info().Msg("connection closed")
	}
	return err
}

// waitReconnect consumes the queue for ReconnectTime while no connection
// exists. Application sends are held for the next attempt.
func (s *Session) waitReconnect(held []queueItem) []queueItem {
	observability.RecordSessionEvent(s.cfg.Name, observability.EventReconnectWait)
	s.log.Debug().Dur("wait", s.cfg.ReconnectTime).Msg("waiting to reconnect")
	deadline := time.Now().Add(s.cfg.ReconnectTime)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return held
		}
		item, err := s.queue.get(remaining, true)
		if err != nil {
			return held
		}
		switch cmd := item.cmd.(type) {
		case StopRequest:
			s.gtfo.Store(true)
			return held
		case SetHeartbeat:
			s.applyHeartbeat(cmd.Interval)
		case Send:
			if cmd.Conn == "" {
				held = append(held, item)
			}
		case SendAndDisconnect:
			held = append(held, item)
		default:
			s.log.Debug().Str("command", fmt.Sprintf("%T", cmd)).Msg("discarding stale command while disconnected")
		}
	}
}

// flushUndelivered reports held and still-queued application sends once
// the session is over.
func (s *Session) flushUndelivered(held []queueItem) {
	for {
		item, err := s.queue.get(0, true)
		if err != nil {
			break
		}
		held = append(held, item)
	}
	for _, item := range held {
		switch cmd := item.cmd.(type) {
		case Send:
			if cmd.Conn == "" {
				s.notDelivered(cmd.Msg)
			}
		case SendAndDisconnect:
			s.notDelivered(cmd.Msg)
		}
	}
}

func isViolation(err error) bool {
	return errors.Is(err, ErrSeqRegression) ||
		errors.Is(err, ErrLogonRejected) ||
		errors.Is(err, ErrHandshake) ||
		errors.Is(err, protocol.ErrBeginStringMismatch) ||
		errors.Is(err, transport.ErrFingerprintMismatch)
}
