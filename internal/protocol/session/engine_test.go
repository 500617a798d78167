package session

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/slowbreak/internal/protocol"
	"github.com/danmuck/slowbreak/internal/protocol/frame"
	"github.com/danmuck/slowbreak/internal/testutil/testlog"
	"github.com/danmuck/slowbreak/internal/transport"
)

// recordingTransport keeps every write and never yields inbound bytes.
type recordingTransport struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (r *recordingTransport) Read([]byte) (int, error) { return 0, io.EOF }
func (r *recordingTransport) Write(b []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Write(b)
}
func (r *recordingTransport) SetReadDeadline(time.Time) error  { return nil }
func (r *recordingTransport) SetWriteDeadline(time.Time) error { return nil }
func (r *recordingTransport) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recordingTransport) messages(t *testing.T) []protocol.Message {
	t.Helper()
	r.mu.Lock()
	raw := append([]byte(nil), r.buf.Bytes()...)
	r.mu.Unlock()
	reader := frame.NewReader(bytes.NewReader(raw), frame.DefaultLimits())
	var out []protocol.Message
	for {
		fr, err := reader.Next()
		if err != nil {
			return out
		}
		msg, err := protocol.Decode(fr, "FIX.4.4")
		if err != nil {
			t.Fatalf("decode written frame: %v", err)
		}
		out = append(out, msg)
	}
}

type recordingApp struct {
	mu           sync.Mutex
	logons       int
	received     []string
	notDelivered []string
}

func (a *recordingApp) OnLogon(string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logons++
}

func (a *recordingApp) OnMessage(_ string, msg protocol.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, _ := msg.Get(11)
	a.received = append(a.received, id)
}

func (a *recordingApp) OnNotDelivered(_ string, msg protocol.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, _ := msg.Get(11)
	a.notDelivered = append(a.notDelivered, id)
}

func (a *recordingApp) snapshot() (logons int, received, notDelivered []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.logons, append([]string(nil), a.received...), append([]string(nil), a.notDelivered...)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SenderCompID = "BUY"
	cfg.TargetCompID = "SELL"
	cfg.HeartbeatTime = time.Second
	cfg.ReconnectTime = 200 * time.Millisecond
	cfg.ConfirmRequestMsgCount = 0
	return cfg
}

func offlineConnector() transport.Connector {
	return transport.ConnectorFunc(func(context.Context) (transport.Transport, error) {
		return nil, errors.New("offline")
	})
}

func newTestConn(t *testing.T, cfg Config, r role) (*Session, *conn, *recordingTransport, *recordingApp) {
	t.Helper()
	app := &recordingApp{}
	s, err := newSession(cfg, offlineConnector(), app, r)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	tr := &recordingTransport{}
	return s, newConn(s, tr), tr, app
}

func order(id string) protocol.Message {
	return protocol.NewMessage("D", protocol.F(11, id))
}

// inbound stamps msg as if the counterparty sent it with seq.
func inbound(msg protocol.Message, seq uint64, possDup bool) protocol.Message {
	out := msg.Clone()
	if possDup {
		out.SetHeader(protocol.TagPossDupFlag, "Y")
	}
	out.SetHeader(protocol.TagTargetCompID, "BUY")
	out.SetHeader(protocol.TagSenderCompID, "SELL")
	out.SetHeader(protocol.TagMsgSeqNum, strconv.FormatUint(seq, 10))
	return out
}

func drainQueue(s *Session) []Command {
	var out []Command
	for {
		cmd, err := s.queue.Get(0, true)
		if err != nil {
			return out
		}
		out = append(out, cmd)
	}
}

func onlyAdminSend(t *testing.T, s *Session, c *conn, want protocol.MsgType) protocol.Message {
	t.Helper()
	cmds := drainQueue(s)
	if len(cmds) != 1 {
		t.Fatalf("expected one queued command, got %d: %#v", len(cmds), cmds)
	}
	send, ok := cmds[0].(Send)
	if !ok || send.Conn != c.id || send.Msg.Type() != want {
		t.Fatalf("expected %s admin send for conn, got %#v", want, cmds[0])
	}
	return send.Msg
}

func TestReceiverSequenceValidation(t *testing.T) {
	testlog.Start(t)
	s, c, _, app := newTestConn(t, testConfig(), initiator{})
	c.logonSeen = true
	s.nextIn.Store(3)

	if _, err := c.handleInbound(inbound(order("o-3"), 3, false)); err != nil {
		t.Fatalf("in-order message: %v", err)
	}
	if s.NextInSeqNum() != 4 {
		t.Fatalf("expected=4 after in-order message, got %d", s.NextInSeqNum())
	}
	if _, received, _ := app.snapshot(); len(received) != 1 || received[0] != "o-3" {
		t.Fatalf("application delivery: %v", received)
	}

	if _, err := c.handleInbound(inbound(order("o-6"), 6, false)); err != nil {
		t.Fatalf("gap message: %v", err)
	}
	if s.NextInSeqNum() != 4 {
		t.Fatalf("gap moved expected to %d", s.NextInSeqNum())
	}
	resend := onlyAdminSend(t, s, c, protocol.MsgResendRequest)
	if from, _ := resend.GetUint(protocol.TagBeginSeqNo); from != 4 {
		t.Fatalf("resend from=%d want 4", from)
	}

	if _, err := c.handleInbound(inbound(order("o-7"), 7, false)); err != nil {
		t.Fatalf("second gap message: %v", err)
	}
	if cmds := drainQueue(s); len(cmds) != 0 {
		t.Fatalf("duplicate resend request queued: %#v", cmds)
	}

	if _, err := c.handleInbound(inbound(order("o-2"), 2, true)); err != nil {
		t.Fatalf("possible duplicate should be ignored: %v", err)
	}
	if _, err := c.handleInbound(inbound(order("o-1"), 1, false)); !errors.Is(err, ErrSeqRegression) {
		t.Fatalf("expected ErrSeqRegression, got %v", err)
	}
	if _, received, _ := app.snapshot(); len(received) != 1 {
		t.Fatalf("out-of-order messages reached the application: %v", received)
	}
}

func TestReceiverAdminDispatch(t *testing.T) {
	testlog.Start(t)
	s, c, _, _ := newTestConn(t, testConfig(), initiator{})
	c.logonSeen = true
	s.nextIn.Store(2)

	if _, err := c.handleInbound(inbound(protocol.TestRequest("ping-1"), 2, false)); err != nil {
		t.Fatalf("test request: %v", err)
	}
	hb := onlyAdminSend(t, s, c, protocol.MsgHeartbeat)
	if id, _ := hb.Get(protocol.TagTestReqID); id != "ping-1" {
		t.Fatalf("heartbeat echo id=%q", id)
	}

	if _, err := c.handleInbound(inbound(protocol.ResendRequest(5), 3, false)); err != nil {
		t.Fatalf("resend request: %v", err)
	}
	cmds := drainQueue(s)
	if len(cmds) != 1 || cmds[0] != (GapFill{From: 5, Conn: c.id}) {
		t.Fatalf("expected gap fill command, got %#v", cmds)
	}

	if _, err := c.handleInbound(inbound(protocol.SequenceReset(10, true), 4, false)); err != nil {
		t.Fatalf("gap fill reset: %v", err)
	}
	if s.NextInSeqNum() != 10 {
		t.Fatalf("gap fill reset expected=%d want 10", s.NextInSeqNum())
	}
	if _, err := c.handleInbound(inbound(protocol.SequenceReset(20, false), 1, false)); err != nil {
		t.Fatalf("reset mode ignores its own seq: %v", err)
	}
	if s.NextInSeqNum() != 20 {
		t.Fatalf("reset mode expected=%d want 20", s.NextInSeqNum())
	}

	done, err := c.handleInbound(inbound(protocol.Logout("bye"), 20, false))
	if err != nil || !done {
		t.Fatalf("logout done=%v err=%v", done, err)
	}
	onlyAdminSend(t, s, c, protocol.MsgLogout)
}

func TestReceiverConfirmationDropsLedger(t *testing.T) {
	testlog.Start(t)
	s, c, _, _ := newTestConn(t, testConfig(), initiator{})
	c.logonSeen = true
	for i := 0; i < 4; i++ {
		s.ledger.DecorateAndRegister(order("x"))
	}
	if _, err := c.handleInbound(inbound(protocol.Heartbeat(confirmToken(3)), 1, false)); err != nil {
		t.Fatalf("confirm heartbeat: %v", err)
	}
	if s.ledger.FirstSeqNum() != 4 || s.ledger.Len() != 1 {
		t.Fatalf("ledger after confirm: first=%d len=%d", s.ledger.FirstSeqNum(), s.ledger.Len())
	}
	cmds := drainQueue(s)
	if len(cmds) != 1 || cmds[0] != (confirmed{Seq: 3, Conn: c.id}) {
		t.Fatalf("expected confirmed command, got %#v", cmds)
	}
}

func TestInitiatorRequiresLogonFirst(t *testing.T) {
	testlog.Start(t)
	s, c, _, _ := newTestConn(t, testConfig(), initiator{})
	if _, err := c.handleInbound(inbound(order("early"), 1, false)); !errors.Is(err, ErrHandshake) {
		t.Fatalf("expected ErrHandshake, got %v", err)
	}

	c2 := newConn(s, &recordingTransport{})
	if _, err := c2.handleInbound(inbound(protocol.Logon(protocol.LogonFields{HeartBtInt: 1}), 1, false)); err != nil {
		t.Fatalf("logon: %v", err)
	}
	if s.NextInSeqNum() != 2 {
		t.Fatalf("expected=%d after logon, want 2", s.NextInSeqNum())
	}
	cmds := drainQueue(s)
	if len(cmds) != 1 {
		t.Fatalf("expected logonAccepted, got %#v", cmds)
	}
	if accepted, ok := cmds[0].(logonAccepted); !ok || accepted.Conn != c2.id || accepted.Reply != nil {
		t.Fatalf("unexpected command %#v", cmds[0])
	}
}

func TestAcceptorValidatesLogon(t *testing.T) {
	testlog.Start(t)
	s, c, _, _ := newTestConn(t, testConfig(), &acceptor{})
	bad := protocol.Logon(protocol.LogonFields{HeartBtInt: 5})
	bad.SetHeader(protocol.TagSenderCompID, "MALLORY")
	bad.SetHeader(protocol.TagMsgSeqNum, "1")
	if _, err := c.handleInbound(bad); !errors.Is(err, ErrLogonRejected) {
		t.Fatalf("expected ErrLogonRejected, got %v", err)
	}
	reject := onlyAdminSend(t, s, c, protocol.MsgReject)
	if ref, _ := reject.Get(protocol.TagRefSeqNum); ref != "1" {
		t.Fatalf("reject ref seq=%q", ref)
	}

	encrypted := inbound(protocol.Logon(protocol.LogonFields{HeartBtInt: 5, EncryptMethod: 1}), 1, false)
	if _, err := c.handleInbound(encrypted); !errors.Is(err, ErrLogonRejected) {
		t.Fatalf("expected ErrLogonRejected for encryption, got %v", err)
	}
	drainQueue(s)

	good := inbound(protocol.Logon(protocol.LogonFields{HeartBtInt: 5, ResetSeqNum: true}), 1, false)
	if _, err := c.handleInbound(good); err != nil {
		t.Fatalf("valid logon: %v", err)
	}
	cmds := drainQueue(s)
	if len(cmds) != 2 || cmds[0] != (SetHeartbeat{Interval: 5 * time.Second}) {
		t.Fatalf("expected heartbeat adoption then logonAccepted, got %#v", cmds)
	}
	accepted, ok := cmds[1].(logonAccepted)
	if !ok || accepted.Reply == nil || !accepted.Reset {
		t.Fatalf("unexpected logonAccepted %#v", cmds[1])
	}
	if got := accepted.Reply.String(); got != "35=A|98=0|108=5|141=Y" {
		t.Fatalf("logon reply: %s", got)
	}
	if s.NextInSeqNum() != 2 {
		t.Fatalf("expected=%d after logon, want 2", s.NextInSeqNum())
	}

	if _, err := c.handleInbound(inbound(protocol.Logon(protocol.LogonFields{HeartBtInt: 5}), 2, false)); !errors.Is(err, ErrLogonRejected) {
		t.Fatalf("expected second logon rejected, got %v", err)
	}
}

func TestSenderParksApplicationUntilLogon(t *testing.T) {
	testlog.Start(t)
	s, c, tr, app := newTestConn(t, testConfig(), initiator{})
	if err := c.execute(queueItem{cmd: Send{Msg: order("parked")}}); err != nil {
		t.Fatalf("park: %v", err)
	}
	if msgs := tr.messages(t); len(msgs) != 0 {
		t.Fatalf("sent before logon: %v", msgs)
	}
	if err := c.execute(queueItem{cmd: Send{Msg: protocol.Heartbeat(""), Conn: "stale"}}); err != nil {
		t.Fatalf("stale admin: %v", err)
	}
	if err := c.execute(queueItem{cmd: logonAccepted{Conn: c.id}}); err != nil {
		t.Fatalf("logon accepted: %v", err)
	}
	msgs := tr.messages(t)
	if len(msgs) != 1 || msgs[0].Type() != protocol.MsgApplication {
		t.Fatalf("expected parked order after logon, got %v", msgs)
	}
	if got := msgs[0].String(); !strings.HasPrefix(got, "35=D|34=1|49=BUY|56=SELL|52=") {
		t.Fatalf("header layout: %s", got)
	}
	if logons, _, _ := app.snapshot(); logons != 1 || s.State() != StateEstablished || !s.loggedOn.Load() {
		t.Fatalf("logon not recorded: logons=%d state=%s", logons, s.State())
	}
	if err := c.execute(queueItem{cmd: StopThread{Conn: "other"}}); err != nil {
		t.Fatalf("stale stop thread: %v", err)
	}
	if err := c.execute(queueItem{cmd: StopThread{Conn: c.id}}); !errors.Is(err, errSignalStop) {
		t.Fatalf("expected errSignalStop, got %v", err)
	}
}

func TestSenderConfirmRequestCadence(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig()
	cfg.ConfirmRequestMsgCount = 2
	_, c, tr, _ := newTestConn(t, cfg, initiator{})
	c.established = true
	for _, id := range []string{"a", "b", "c", "d"} {
		if err := c.sendApplication(order(id)); err != nil {
			t.Fatalf("send %s: %v", id, err)
		}
	}
	msgs := tr.messages(t)
	var layout []string
	for _, m := range msgs {
		layout = append(layout, m.RawType())
	}
	if got := len(msgs); got != 5 {
		t.Fatalf("expected 5 messages, got %v", layout)
	}
	if msgs[2].Type() != protocol.MsgTestRequest {
		t.Fatalf("expected confirm request third, got %v", layout)
	}
	if id, _ := msgs[2].Get(protocol.TagTestReqID); id != "confirm:2" {
		t.Fatalf("confirm token=%q", id)
	}

	if err := c.execute(queueItem{cmd: confirmed{Seq: 2, Conn: c.id}}); err != nil {
		t.Fatalf("confirmed: %v", err)
	}
	if err := c.sendApplication(order("e")); err != nil {
		t.Fatalf("send e: %v", err)
	}
	msgs = tr.messages(t)
	last := msgs[len(msgs)-1]
	if last.Type() != protocol.MsgTestRequest {
		t.Fatalf("expected confirm request after confirmation, got %s", last)
	}
	if id, _ := last.Get(protocol.TagTestReqID); id != "confirm:6" {
		t.Fatalf("second confirm token=%q", id)
	}
}

func TestGapFillSkipsAndReportsUnconfirmed(t *testing.T) {
	testlog.Start(t)
	s, c, tr, app := newTestConn(t, testConfig(), initiator{})
	c.established = true
	if err := c.transmit(protocol.Logon(protocol.LogonFields{HeartBtInt: 1})); err != nil {
		t.Fatalf("logon: %v", err)
	}
	for _, id := range []string{"a", "b", "c"} {
		if err := c.sendApplication(order(id)); err != nil {
			t.Fatalf("send %s: %v", id, err)
		}
	}
	if err := c.execute(queueItem{cmd: GapFill{From: 3, Conn: c.id}}); err != nil {
		t.Fatalf("gap fill: %v", err)
	}
	if _, _, notDelivered := app.snapshot(); len(notDelivered) != 2 || notDelivered[0] != "b" || notDelivered[1] != "c" {
		t.Fatalf("not delivered: %v", notDelivered)
	}
	if s.ledger.Len() != 0 || s.NextOutSeqNum() != 5 {
		t.Fatalf("ledger after gap fill: len=%d next=%d", s.ledger.Len(), s.NextOutSeqNum())
	}
	msgs := tr.messages(t)
	reset := msgs[len(msgs)-1]
	if reset.Type() != protocol.MsgSequenceReset {
		t.Fatalf("expected sequence reset, got %s", reset)
	}
	if seq, _ := reset.SeqNum(); seq != 3 {
		t.Fatalf("sequence reset seq=%d want 3", seq)
	}
	if newSeq, _ := reset.GetUint(protocol.TagNewSeqNo); newSeq != 5 {
		t.Fatalf("sequence reset new seq=%d want 5", newSeq)
	}
	if !reset.PossDup() || !reset.Flag(protocol.TagGapFillFlag) {
		t.Fatalf("sequence reset flags: %s", reset)
	}

	if err := c.sendApplication(order("d")); err != nil {
		t.Fatalf("send after gap fill: %v", err)
	}
	msgs = tr.messages(t)
	if seq, _ := msgs[len(msgs)-1].SeqNum(); seq != 5 {
		t.Fatalf("next message seq=%d want 5", seq)
	}

	if err := c.execute(queueItem{cmd: GapFill{From: 9, Conn: c.id}}); err != nil {
		t.Fatalf("gap fill beyond range: %v", err)
	}
	if s.NextOutSeqNum() != 6 {
		t.Fatalf("gap fill beyond range moved next to %d", s.NextOutSeqNum())
	}
}

func TestConfigValidate(t *testing.T) {
	testlog.Start(t)
	cfg := DefaultConfig()
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig without comp ids, got %v", err)
	}
	cfg = testConfig().WithDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config: %v", err)
	}
	if cfg.Name != "BUY->SELL" {
		t.Fatalf("default name=%q", cfg.Name)
	}
	if got := cfg.readTimeout(10 * time.Second); got < 12*time.Second-time.Millisecond || got > 12*time.Second+time.Millisecond {
		t.Fatalf("read timeout=%v", got)
	}
	cfg.ReadTimeoutFactor = 1
	if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for factor, got %v", err)
	}
}
