package protocol

import "github.com/danmuck/slowbreak/internal/protocol/schema"

// Standard header and session-level tags.
const (
	TagBeginSeqNo           = schema.TagBeginSeqNo
	TagEndSeqNo             = schema.TagEndSeqNo
	TagMsgSeqNum            = schema.TagMsgSeqNum
	TagMsgType              = schema.TagMsgType
	TagNewSeqNo             = schema.TagNewSeqNo
	TagPossDupFlag          = 43
	TagRefSeqNum            = schema.TagRefSeqNum
	TagSenderCompID         = schema.TagSenderCompID
	TagSendingTime          = 52
	TagTargetCompID         = schema.TagTargetCompID
	TagText                 = 58
	TagEncryptMethod        = schema.TagEncryptMethod
	TagHeartBtInt           = schema.TagHeartBtInt
	TagTestReqID            = schema.TagTestReqID
	TagOrigSendingTime      = 122
	TagGapFillFlag          = schema.TagGapFillFlag
	TagResetSeqNumFlag      = schema.TagResetSeqNumFlag
	TagSessionRejectReason  = 373
	TagTestMessageIndicator = 464
	TagUsername             = 553
	TagPassword             = 554
	TagDefaultApplVerID     = 1137
)

// SendingTimeLayout is the UTC timestamp format of tag 52.
const SendingTimeLayout = "20060102-15:04:05.000"

// MsgType is the closed set of message kinds the session layer reacts to.
// Everything that is not administrative is Application.
type MsgType uint8

const (
	MsgUnknown MsgType = iota
	MsgHeartbeat
	MsgTestRequest
	MsgResendRequest
	MsgReject
	MsgSequenceReset
	MsgLogout
	MsgLogon
	MsgApplication
)

var msgTypeWire = map[MsgType]string{
	MsgHeartbeat:     schema.MsgHeartbeat,
	MsgTestRequest:   schema.MsgTestRequest,
	MsgResendRequest: schema.MsgResendRequest,
	MsgReject:        schema.MsgReject,
	MsgSequenceReset: schema.MsgSequenceReset,
	MsgLogout:        schema.MsgLogout,
	MsgLogon:         schema.MsgLogon,
}

var msgTypeNames = map[MsgType]string{
	MsgUnknown:       "unknown",
	MsgHeartbeat:     "heartbeat",
	MsgTestRequest:   "test_request",
	MsgResendRequest: "resend_request",
	MsgReject:        "reject",
	MsgSequenceReset: "sequence_reset",
	MsgLogout:        "logout",
	MsgLogon:         "logon",
	MsgApplication:   "application",
}

// ParseMsgType maps a raw tag 35 value onto the closed set.
func ParseMsgType(raw string) MsgType {
	if raw == "" {
		return MsgUnknown
	}
	for t, wire := range msgTypeWire {
		if wire == raw {
			return t
		}
	}
	return MsgApplication
}

// Wire returns the tag 35 value of an administrative type.
func (t MsgType) Wire() string {
	return msgTypeWire[t]
}

func (t MsgType) String() string {
	if name, ok := msgTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// IsAdmin reports whether t is a session-level message.
func (t MsgType) IsAdmin() bool {
	_, ok := msgTypeWire[t]
	return ok
}
