package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/danmuck/slowbreak/internal/protocol/frame"
	"github.com/danmuck/slowbreak/internal/protocol/schema"
	"github.com/danmuck/slowbreak/internal/testutil/testlog"
)

func stamped(msg Message, seq string) Message {
	msg.SetHeader(TagMsgSeqNum, seq)
	msg.SetHeader(TagSenderCompID, "BUY")
	msg.SetHeader(TagTargetCompID, "SELL")
	return msg
}

func TestRoundTripEncodeDecode(t *testing.T) {
	testlog.Start(t)
	in := stamped(NewMessage("D", F(11, "order-1"), F(55, "ACME")), "7")

	buf, err := in.Encode("FIX.4.4")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	fr, err := frame.NewReader(bytes.NewReader(buf), frame.DefaultLimits()).Next()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	out, err := Decode(fr, "FIX.4.4")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.String() != in.String() {
		t.Fatalf("round-trip mismatch: got=%s want=%s", out, in)
	}
	if out.Type() != MsgApplication {
		t.Fatalf("unexpected type: %s", out.Type())
	}
	if seq, err := out.SeqNum(); err != nil || seq != 7 {
		t.Fatalf("seq got=%d err=%v", seq, err)
	}
}

func TestSetHeaderInsertsAfterMsgType(t *testing.T) {
	testlog.Start(t)
	msg := NewMessage("D", F(11, "order-1"))
	msg.SetHeader(TagMsgSeqNum, "1")
	msg.SetHeader(TagMsgSeqNum, "2")
	if msg.String() != "35=D|34=2|11=order-1" {
		t.Fatalf("unexpected layout: %s", msg)
	}
}

func TestDecodeBeginStringMismatch(t *testing.T) {
	testlog.Start(t)
	fr := frame.Frame{BeginString: "FIX.4.2", Body: stamped(Heartbeat(""), "1").Fields}
	if _, err := Decode(fr, "FIX.4.4"); !errors.Is(err, ErrBeginStringMismatch) {
		t.Fatalf("expected ErrBeginStringMismatch, got %v", err)
	}
}

func TestDecodeRunsSchema(t *testing.T) {
	testlog.Start(t)
	msg := stamped(NewMessage(MsgTestRequest.Wire()), "3")
	_, err := Decode(frame.Frame{BeginString: "FIX.4.4", Body: msg.Fields}, "FIX.4.4")
	var ve schema.ValidationError
	if !errors.As(err, &ve) || ve.Tag != TagTestReqID {
		t.Fatalf("expected missing TestReqID, got %v", err)
	}
}

func TestParseMsgTypeClosedSet(t *testing.T) {
	testlog.Start(t)
	cases := map[string]MsgType{
		"0": MsgHeartbeat,
		"1": MsgTestRequest,
		"2": MsgResendRequest,
		"3": MsgReject,
		"4": MsgSequenceReset,
		"5": MsgLogout,
		"A": MsgLogon,
		"D": MsgApplication,
		"":  MsgUnknown,
	}
	for raw, want := range cases {
		if got := ParseMsgType(raw); got != want {
			t.Fatalf("ParseMsgType(%q)=%s want %s", raw, got, want)
		}
	}
	if MsgApplication.IsAdmin() || !MsgLogon.IsAdmin() {
		t.Fatalf("admin classification wrong")
	}
}

func TestAdminConstructors(t *testing.T) {
	testlog.Start(t)
	if got := ResendRequest(3).String(); got != "35=2|7=3|16=0" {
		t.Fatalf("resend request: %s", got)
	}
	if got := SequenceReset(9, true).String(); got != "35=4|123=Y|36=9" {
		t.Fatalf("sequence reset: %s", got)
	}
	logon := Logon(LogonFields{HeartBtInt: 10, ResetSeqNum: true, Username: "u", Password: "p", AppVersion: "9", TestMode: true})
	if got := logon.String(); got != "35=A|98=0|108=10|141=Y|553=u|554=p|1137=9|464=Y" {
		t.Fatalf("logon: %s", got)
	}
	if Heartbeat("x").Type() != MsgHeartbeat {
		t.Fatalf("heartbeat type")
	}
	if v, _ := Heartbeat("x").Get(TagTestReqID); v != "x" {
		t.Fatalf("heartbeat test req id: %q", v)
	}
}

func TestEncodeRequiresMsgType(t *testing.T) {
	testlog.Start(t)
	if _, err := (Message{}).Encode("FIX.4.4"); !errors.Is(err, ErrMissingMsgType) {
		t.Fatalf("expected ErrMissingMsgType, got %v", err)
	}
}
