package schema

import (
	"fmt"
	"strconv"

	"github.com/danmuck/slowbreak/internal/protocol/tagvalue"
	"github.com/rs/zerolog/log"
)

// Raw MsgType (35) values of the administrative messages.
const (
	MsgHeartbeat     = "0"
	MsgTestRequest   = "1"
	MsgResendRequest = "2"
	MsgReject        = "3"
	MsgSequenceReset = "4"
	MsgLogout        = "5"
	MsgLogon         = "A"
)

// Tags referenced by the administrative schema.
const (
	TagBeginSeqNo      = 7
	TagEndSeqNo        = 16
	TagMsgSeqNum       = 34
	TagMsgType         = 35
	TagNewSeqNo        = 36
	TagRefSeqNum       = 45
	TagSenderCompID    = 49
	TagTargetCompID    = 56
	TagEncryptMethod   = 98
	TagHeartBtInt      = 108
	TagTestReqID       = 112
	TagGapFillFlag     = 123
	TagResetSeqNumFlag = 141
)

// Kind is the value shape a required tag must carry.
type Kind uint8

const (
	KindString Kind = iota + 1
	KindUint
	KindFlag
)

type Requirement struct {
	Tag  int
	Kind Kind
}

type ValidationError struct {
	MsgType string
	Tag     int
	Reason  string
}

func (e ValidationError) Error() string {
	if e.Tag == 0 {
		return fmt.Sprintf("schema: msg_type=%s: %s", e.MsgType, e.Reason)
	}
	return fmt.Sprintf("schema: msg_type=%s tag=%d: %s", e.MsgType, e.Tag, e.Reason)
}

// Every session-level message carries these.
var header = []Requirement{
	{TagMsgType, KindString},
	{TagMsgSeqNum, KindUint},
	{TagSenderCompID, KindString},
	{TagTargetCompID, KindString},
}

var requirements = map[string][]Requirement{
	MsgHeartbeat:   {},
	MsgTestRequest: {{TagTestReqID, KindString}},
	MsgResendRequest: {
		{TagBeginSeqNo, KindUint},
		{TagEndSeqNo, KindUint},
	},
	MsgReject:        {{TagRefSeqNum, KindUint}},
	MsgSequenceReset: {{TagNewSeqNo, KindUint}},
	MsgLogout:        {},
	MsgLogon: {
		{TagEncryptMethod, KindUint},
		{TagHeartBtInt, KindUint},
	},
}

// IsAdmin reports whether msgType is one of the session-level types.
func IsAdmin(msgType string) bool {
	_, ok := requirements[msgType]
	return ok
}

// Validate enforces the header plus the per-type required tags. Application
// message types only get header checks; unknown tags are ignored.
func Validate(msgType string, fields []tagvalue.Field) error {
	log.Trace().Str("msg_type", msgType).Int("fields", len(fields)).Msg("schema.Validate")
	if err := check(msgType, fields, header); err != nil {
		return err
	}
	if err := check(msgType, fields, requirements[msgType]); err != nil {
		return err
	}
	if flag, ok := tagvalue.GetField(fields, TagGapFillFlag); ok {
		if err := checkKind(msgType, flag, KindFlag); err != nil {
			return err
		}
	}
	if flag, ok := tagvalue.GetField(fields, TagResetSeqNumFlag); ok {
		if err := checkKind(msgType, flag, KindFlag); err != nil {
			return err
		}
	}
	return nil
}

func check(msgType string, fields []tagvalue.Field, reqs []Requirement) error {
	for _, req := range reqs {
		f, found := tagvalue.GetField(fields, req.Tag)
		if !found {
			log.Debug().Str("msg_type", msgType).Int("tag", req.Tag).Msg("schema.Validate missing tag")
			return ValidationError{MsgType: msgType, Tag: req.Tag, Reason: "missing required tag"}
		}
		if err := checkKind(msgType, f, req.Kind); err != nil {
			return err
		}
	}
	return nil
}

func checkKind(msgType string, f tagvalue.Field, kind Kind) error {
	switch kind {
	case KindUint:
		if _, err := strconv.ParseUint(f.Value, 10, 64); err != nil {
			return ValidationError{MsgType: msgType, Tag: f.Tag, Reason: "not an unsigned integer"}
		}
	case KindFlag:
		if f.Value != "Y" && f.Value != "N" {
			return ValidationError{MsgType: msgType, Tag: f.Tag, Reason: "not a Y/N flag"}
		}
	default:
		if f.Value == "" {
			return ValidationError{MsgType: msgType, Tag: f.Tag, Reason: "empty value"}
		}
	}
	return nil
}
