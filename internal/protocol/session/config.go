package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/slowbreak/internal/protocol"
	"github.com/danmuck/slowbreak/internal/protocol/frame"
)

// Config defines one session's identity and reliability behavior.
type Config struct {
	Name         string
	BeginString  string
	SenderCompID string
	TargetCompID string
	// Username and Password are sent in the Logon by an initiator. An
	// acceptor with a Password set requires the peer to present them.
	Username     string
	Password     string
	AppVersion   string
	TestMode     bool
	ResetSeqNums bool

	HeartbeatTime time.Duration
	// ConfirmRequestMsgCount application messages trigger one confirm
	// request; zero disables confirmation.
	ConfirmRequestMsgCount int
	Reconnect              bool
	ReconnectTime          time.Duration
	// SendPeriod is the minimum spacing of low-priority deliveries.
	SendPeriod time.Duration
	// LowPriority classifies outgoing application messages; nil means all
	// application messages are high priority.
	LowPriority       func(protocol.Message) bool
	WriteTimeout      time.Duration
	ReadTimeoutFactor float64
	FrameLimits       frame.Limits
}

// DefaultConfig returns session defaults; identity fields are left empty.
func DefaultConfig() Config {
	return Config{
		BeginString:            "FIX.4.4",
		ResetSeqNums:           true,
		HeartbeatTime:          30 * time.Second,
		ConfirmRequestMsgCount: 100,
		Reconnect:              true,
		ReconnectTime:          10 * time.Second,
		WriteTimeout:           10 * time.Second,
		ReadTimeoutFactor:      1.2,
		FrameLimits:            frame.DefaultLimits(),
	}
}

// WithDefaults fills zero-valued timing fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if strings.TrimSpace(c.BeginString) == "" {
		c.BeginString = d.BeginString
	}
	if c.HeartbeatTime <= 0 {
		c.HeartbeatTime = d.HeartbeatTime
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadTimeoutFactor <= 0 {
		c.ReadTimeoutFactor = d.ReadTimeoutFactor
	}
	if c.FrameLimits.MaxBodyBytes <= 0 || c.FrameLimits.ReadChunk <= 0 {
		c.FrameLimits = d.FrameLimits
	}
	if strings.TrimSpace(c.Name) == "" {
		c.Name = c.SenderCompID + "->" + c.TargetCompID
	}
	return c
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.SenderCompID) == "" {
		return fmt.Errorf("%w: sender_comp_id required", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.TargetCompID) == "" {
		return fmt.Errorf("%w: target_comp_id required", ErrInvalidConfig)
	}
	if c.HeartbeatTime <= 0 {
		return fmt.Errorf("%w: heartbeat_time must be > 0", ErrInvalidConfig)
	}
	if c.ConfirmRequestMsgCount < 0 {
		return fmt.Errorf("%w: confirm_request_msg_count must be >= 0", ErrInvalidConfig)
	}
	if c.ReconnectTime < 0 || c.SendPeriod < 0 {
		return fmt.Errorf("%w: reconnect_time and send_period must be >= 0", ErrInvalidConfig)
	}
	if c.ReadTimeoutFactor <= 1 {
		return fmt.Errorf("%w: read_timeout_factor must be > 1", ErrInvalidConfig)
	}
	return nil
}

func (c Config) readTimeout(heartbeat time.Duration) time.Duration {
	return time.Duration(float64(heartbeat) * c.ReadTimeoutFactor)
}
