package protocol

import "strconv"

func yn(v bool) string {
	if v {
		return "Y"
	}
	return "N"
}

// Heartbeat echoes testReqID when answering a TestRequest; empty otherwise.
func Heartbeat(testReqID string) Message {
	msg := NewMessage(MsgHeartbeat.Wire())
	if testReqID != "" {
		msg.Set(TagTestReqID, testReqID)
	}
	return msg
}

func TestRequest(testReqID string) Message {
	return NewMessage(MsgTestRequest.Wire(), F(TagTestReqID, testReqID))
}

// ResendRequest asks for everything from `from` onward (EndSeqNo 0).
func ResendRequest(from uint64) Message {
	return NewMessage(MsgResendRequest.Wire(),
		F(TagBeginSeqNo, strconv.FormatUint(from, 10)),
		F(TagEndSeqNo, "0"),
	)
}

func Reject(refSeq uint64, text string) Message {
	msg := NewMessage(MsgReject.Wire(), F(TagRefSeqNum, strconv.FormatUint(refSeq, 10)))
	if text != "" {
		msg.Set(TagText, text)
	}
	return msg
}

// SequenceReset in gap-fill mode announces newSeq as the next sequence number.
func SequenceReset(newSeq uint64, gapFill bool) Message {
	return NewMessage(MsgSequenceReset.Wire(),
		F(TagGapFillFlag, yn(gapFill)),
		F(TagNewSeqNo, strconv.FormatUint(newSeq, 10)),
	)
}

func Logout(text string) Message {
	msg := NewMessage(MsgLogout.Wire())
	if text != "" {
		msg.Set(TagText, text)
	}
	return msg
}

// LogonFields are the body values of a Logon.
type LogonFields struct {
	HeartBtInt    int
	ResetSeqNum   bool
	Username      string
	Password      string
	AppVersion    string
	TestMode      bool
	EncryptMethod int
}

func Logon(f LogonFields) Message {
	msg := NewMessage(MsgLogon.Wire(),
		F(TagEncryptMethod, strconv.Itoa(f.EncryptMethod)),
		F(TagHeartBtInt, strconv.Itoa(f.HeartBtInt)),
	)
	if f.ResetSeqNum {
		msg.Set(TagResetSeqNumFlag, "Y")
	}
	if f.Username != "" {
		msg.Set(TagUsername, f.Username)
	}
	if f.Password != "" {
		msg.Set(TagPassword, f.Password)
	}
	if f.AppVersion != "" {
		msg.Set(TagDefaultApplVerID, f.AppVersion)
	}
	if f.TestMode {
		msg.Set(TagTestMessageIndicator, "Y")
	}
	return msg
}
