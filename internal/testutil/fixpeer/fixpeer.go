// Package fixpeer is a scripted FIX counterparty for session tests.
package fixpeer

import (
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/danmuck/slowbreak/internal/protocol"
	"github.com/danmuck/slowbreak/internal/protocol/frame"
)

const BeginString = "FIX.4.4"

// Peer speaks raw FIX over one connection. It does no session logic of its
// own: tests decide every sequence number it sends.
type Peer struct {
	t            testing.TB
	conn         net.Conn
	reader       *frame.Reader
	SenderCompID string
	TargetCompID string
	NextOut      uint64
}

func New(t testing.TB, conn net.Conn, senderCompID, targetCompID string) *Peer {
	t.Helper()
	return &Peer{
		t:            t,
		conn:         conn,
		reader:       frame.NewReader(conn, frame.DefaultLimits()),
		SenderCompID: senderCompID,
		TargetCompID: targetCompID,
		NextOut:      1,
	}
}

// Listen opens a loopback listener closed at test cleanup.
func Listen(t testing.TB) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	return ln
}

// Accept waits for one connection on ln.
func Accept(t testing.TB, ln net.Listener, timeout time.Duration, senderCompID, targetCompID string) *Peer {
	t.Helper()
	type result struct {
		conn net.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := ln.Accept()
		done <- result{conn, err}
	}()
	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("accept: %v", r.err)
		}
		p := New(t, r.conn, senderCompID, targetCompID)
		t.Cleanup(p.Close)
		return p
	case <-time.After(timeout):
		t.Fatalf("accept: no connection within %s", timeout)
		return nil
	}
}

// Dial connects to addr.
func Dial(t testing.TB, addr string, senderCompID, targetCompID string) *Peer {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	p := New(t, conn, senderCompID, targetCompID)
	t.Cleanup(p.Close)
	return p
}

func (p *Peer) Close() {
	_ = p.conn.Close()
}

// Send stamps msg with the next outbound sequence number and writes it.
func (p *Peer) Send(msg protocol.Message) {
	p.t.Helper()
	p.SendSeq(msg, p.NextOut, false)
	p.NextOut++
}

// SendSeq writes msg with an explicit sequence number and PossDupFlag.
func (p *Peer) SendSeq(msg protocol.Message, seq uint64, possDup bool) {
	p.t.Helper()
	out := msg.Clone()
	if possDup {
		out.SetHeader(protocol.TagPossDupFlag, "Y")
	}
	out.SetHeader(protocol.TagSendingTime, protocol.FormatSendingTime(time.Now()))
	out.SetHeader(protocol.TagTargetCompID, p.TargetCompID)
	out.SetHeader(protocol.TagSenderCompID, p.SenderCompID)
	out.SetHeader(protocol.TagMsgSeqNum, strconv.FormatUint(seq, 10))
	p.SendRaw(out, BeginString)
}

// SendRaw writes msg exactly as given.
func (p *Peer) SendRaw(msg protocol.Message, beginString string) {
	p.t.Helper()
	buf, err := msg.Encode(beginString)
	if err != nil {
		p.t.Fatalf("encode %s: %v", msg, err)
	}
	if _, err := p.conn.Write(buf); err != nil {
		p.t.Fatalf("write %s: %v", msg, err)
	}
}

// Next reads one message, returning frame.ErrTimeout when none arrives.
func (p *Peer) Next(timeout time.Duration) (protocol.Message, error) {
	_ = p.conn.SetReadDeadline(time.Now().Add(timeout))
	fr, err := p.reader.Next()
	if err != nil {
		return protocol.Message{}, err
	}
	return protocol.Decode(fr, BeginString)
}

// Expect reads the next message and requires its type.
func (p *Peer) Expect(timeout time.Duration, want protocol.MsgType) protocol.Message {
	p.t.Helper()
	msg, err := p.Next(timeout)
	if err != nil {
		p.t.Fatalf("expect %s: %v", want, err)
	}
	if got := msg.Type(); got != want {
		p.t.Fatalf("expect %s: got %s (%s)", want, got, msg)
	}
	return msg
}

// ExpectSkipping reads until a message of type want arrives, discarding
// heartbeats and test requests on the way.
func (p *Peer) ExpectSkipping(timeout time.Duration, want protocol.MsgType) protocol.Message {
	p.t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.t.Fatalf("expect %s: none within %s", want, timeout)
		}
		msg, err := p.Next(remaining)
		if err != nil {
			p.t.Fatalf("expect %s: %v", want, err)
		}
		typ := msg.Type()
		if typ == want {
			return msg
		}
		if typ != protocol.MsgHeartbeat && typ != protocol.MsgTestRequest {
			p.t.Fatalf("expect %s: got %s (%s)", want, typ, msg)
		}
	}
}

// ExpectSilence requires that nothing arrives for d.
func (p *Peer) ExpectSilence(d time.Duration) {
	p.t.Helper()
	msg, err := p.Next(d)
	if err == nil {
		p.t.Fatalf("expected silence, got %s", msg)
	}
	if !errors.Is(err, frame.ErrTimeout) {
		p.t.Fatalf("expected silence, got %v", err)
	}
}

// ExpectClosed requires the connection to be closed by the other side.
func (p *Peer) ExpectClosed(timeout time.Duration) {
	p.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		_, err := p.Next(time.Until(deadline))
		if err == nil {
			continue
		}
		if errors.Is(err, frame.ErrTimeout) {
			break
		}
		return
	}
	p.t.Fatalf("connection still open after %s", timeout)
}

// Logon answers or opens a logon exchange with the given heartbeat.
func (p *Peer) Logon(heartbeat int, reset bool) {
	p.t.Helper()
	p.Send(protocol.Logon(protocol.LogonFields{HeartBtInt: heartbeat, ResetSeqNum: reset}))
}
