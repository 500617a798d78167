package tagvalue

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

// SOH terminates every tag=value field on the wire.
const SOH byte = 0x01

var (
	ErrMissingSeparator = errors.New("tagvalue: missing '=' separator")
	ErrInvalidTag       = errors.New("tagvalue: invalid tag")
	ErrUnterminated     = errors.New("tagvalue: unterminated field")
	ErrInvalidValue     = errors.New("tagvalue: value contains SOH")
)

// Field is one decoded tag=value pair.
type Field struct {
	Tag   int
	Value string
}

func (f Field) String() string {
	return fmt.Sprintf("%d=%s", f.Tag, f.Value)
}

// AppendField appends the wire form of f (including the trailing SOH) to dst.
func AppendField(dst []byte, f Field) []byte {
	dst = strconv.AppendInt(dst, int64(f.Tag), 10)
	dst = append(dst, '=')
	dst = append(dst, f.Value...)
	return append(dst, SOH)
}

func EncodeField(f Field) []byte {
	return AppendField(make([]byte, 0, len(f.Value)+8), f)
}

func EncodeFields(fields []Field) []byte {
	out := make([]byte, 0, 16*len(fields))
	for _, f := range fields {
		out = AppendField(out, f)
	}
	return out
}

// ValidateField rejects fields that cannot be represented on the wire.
func ValidateField(f Field) error {
	if f.Tag <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidTag, f.Tag)
	}
	if bytes.IndexByte([]byte(f.Value), SOH) >= 0 {
		return fmt.Errorf("%w: tag %d", ErrInvalidValue, f.Tag)
	}
	return nil
}

// DecodeFields splits a SOH-terminated run of tag=value fields.
func DecodeFields(payload []byte) ([]Field, error) {
	fields := make([]Field, 0, 8)
	i := 0
	for i < len(payload) {
		end := bytes.IndexByte(payload[i:], SOH)
		if end < 0 {
			return nil, ErrUnterminated
		}
		raw := payload[i : i+end]
		i += end + 1

		eq := bytes.IndexByte(raw, '=')
		if eq < 0 {
			return nil, ErrMissingSeparator
		}
		tag, err := strconv.Atoi(string(raw[:eq]))
		if err != nil || tag <= 0 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidTag, raw[:eq])
		}
		fields = append(fields, Field{Tag: tag, Value: string(raw[eq+1:])})
	}
	return fields, nil
}

func GetField(fields []Field, tag int) (Field, bool) {
	for _, f := range fields {
		if f.Tag == tag {
			return f, true
		}
	}
	return Field{}, false
}

func ParseUint(f Field) (uint64, error) {
	v, err := strconv.ParseUint(f.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("tagvalue: tag %d not an unsigned int: %q", f.Tag, f.Value)
	}
	return v, nil
}

func ParseBool(f Field) (bool, error) {
	switch f.Value {
	case "Y":
		return true, nil
	case "N":
		return false, nil
	default:
		return false, fmt.Errorf("tagvalue: tag %d not a Y/N flag: %q", f.Tag, f.Value)
	}
}
