package protocol

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/slowbreak/internal/protocol/frame"
	"github.com/danmuck/slowbreak/internal/protocol/schema"
	"github.com/danmuck/slowbreak/internal/protocol/tagvalue"
)

// Message is an ordered sequence of tag/value pairs. The first field
// conventionally carries MsgType. The 8/9/10 envelope is never stored here.
type Message struct {
	Fields []tagvalue.Field
}

// NewMessage builds a message whose first field is MsgType.
func NewMessage(msgType string, fields ...tagvalue.Field) Message {
	out := make([]tagvalue.Field, 0, len(fields)+6)
	out = append(out, tagvalue.Field{Tag: TagMsgType, Value: msgType})
	out = append(out, fields...)
	return Message{Fields: out}
}

// F is shorthand for building a field.
func F(tag int, value string) tagvalue.Field {
	return tagvalue.Field{Tag: tag, Value: value}
}

// Clone returns a deep copy safe to stamp.
func (m Message) Clone() Message {
	out := make([]tagvalue.Field, len(m.Fields))
	copy(out, m.Fields)
	return Message{Fields: out}
}

func (m Message) Get(tag int) (string, bool) {
	f, ok := tagvalue.GetField(m.Fields, tag)
	return f.Value, ok
}

func (m Message) GetUint(tag int) (uint64, error) {
	f, ok := tagvalue.GetField(m.Fields, tag)
	if !ok {
		return 0, fmt.Errorf("%w: %d", ErrMissingTag, tag)
	}
	return tagvalue.ParseUint(f)
}

// Flag reports whether tag is present with value Y.
func (m Message) Flag(tag int) bool {
	v, ok := m.Get(tag)
	return ok && v == "Y"
}

// Set replaces the first occurrence of tag or appends it.
func (m *Message) Set(tag int, value string) {
	for i := range m.Fields {
		if m.Fields[i].Tag == tag {
			m.Fields[i].Value = value
			return
		}
	}
	m.Fields = append(m.Fields, tagvalue.Field{Tag: tag, Value: value})
}

func (m *Message) SetUint(tag int, value uint64) {
	m.Set(tag, strconv.FormatUint(value, 10))
}

// SetHeader replaces tag or inserts it right after MsgType.
func (m *Message) SetHeader(tag int, value string) {
	for i := range m.Fields {
		if m.Fields[i].Tag == tag {
			m.Fields[i].Value = value
			return
		}
	}
	at := 0
	if len(m.Fields) > 0 && m.Fields[0].Tag == TagMsgType {
		at = 1
	}
	m.Fields = append(m.Fields, tagvalue.Field{})
	copy(m.Fields[at+1:], m.Fields[at:])
	m.Fields[at] = tagvalue.Field{Tag: tag, Value: value}
}

// RawType returns the tag 35 value.
func (m Message) RawType() string {
	v, _ := m.Get(TagMsgType)
	return v
}

// Type decodes tag 35 into the closed MsgType set.
func (m Message) Type() MsgType {
	return ParseMsgType(m.RawType())
}

func (m Message) SeqNum() (uint64, error) {
	seq, err := m.GetUint(TagMsgSeqNum)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidSeqNum, err)
	}
	return seq, nil
}

func (m Message) PossDup() bool {
	return m.Flag(TagPossDupFlag)
}

func (m Message) String() string {
	parts := make([]string, 0, len(m.Fields))
	for _, f := range m.Fields {
		parts = append(parts, f.String())
	}
	return strings.Join(parts, "|")
}

// Encode renders m as a complete frame.
func (m Message) Encode(beginString string) ([]byte, error) {
	if m.RawType() == "" {
		return nil, ErrMissingMsgType
	}
	return frame.Encode(beginString, m.Fields)
}

// Decode converts a frame into a Message. A frame carrying a different
// BeginString than expected is rejected with ErrBeginStringMismatch.
func Decode(fr frame.Frame, beginString string) (Message, error) {
	if beginString != "" && fr.BeginString != beginString {
		return Message{}, fmt.Errorf("%w: got=%q want=%q", ErrBeginStringMismatch, fr.BeginString, beginString)
	}
	msg := Message{Fields: fr.Body}
	raw := msg.RawType()
	if raw == "" {
		return Message{}, ErrMissingMsgType
	}
	if err := schema.Validate(raw, fr.Body); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// FormatSendingTime renders t in the tag 52 layout.
func FormatSendingTime(t time.Time) string {
	return t.UTC().Format(SendingTimeLayout)
}
