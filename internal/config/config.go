package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/slowbreak/internal/protocol"
	"github.com/danmuck/slowbreak/internal/protocol/session"
	"github.com/danmuck/slowbreak/internal/transport"
)

// File is a resolved slowbreakctl configuration.
type File struct {
	Admin      AdminConfig
	Initiators []SessionFile
	// Acceptor is nil when the file has no [acceptor] section.
	Acceptor *SessionFile
}

type AdminConfig struct {
	// Listen is the admin HTTP address; empty disables the admin surface.
	Listen      string
	CorsOrigins []string
	// Token, when set, is required as a bearer token on session actions.
	Token string
}

// SessionFile is one configured session with its resolved transport. For
// an acceptor, Transport.Address is the listen address.
type SessionFile struct {
	Session   session.Config
	Transport transport.Config
}

type fileConfig struct {
	Admin      adminSection     `toml:"admin"`
	Transport  transportSection `toml:"transport"`
	Initiators []sessionSection `toml:"initiator"`
	Acceptor   sessionSection   `toml:"acceptor"`
}

type adminSection struct {
	Listen      string   `toml:"listen"`
	CorsOrigins []string `toml:"cors_origins"`
	Token       string   `toml:"token"`
}

type transportSection struct {
	SecurityMode     string     `toml:"security_mode"`
	ConnectTimeout   string     `toml:"connect_timeout"`
	HandshakeTimeout string     `toml:"handshake_timeout"`
	TLS              tlsSection `toml:"tls"`
}

type tlsSection struct {
	Enabled            *bool    `toml:"enabled"`
	CertFile           string   `toml:"cert_file"`
	KeyFile            string   `toml:"key_file"`
	CAFile             string   `toml:"ca_file"`
	Fingerprints       []string `toml:"fingerprints"`
	ServerName         string   `toml:"server_name"`
	InsecureSkipVerify *bool    `toml:"insecure_skip_verify"`
}

type sessionSection struct {
	Name                   string   `toml:"name"`
	Address                string   `toml:"address"`
	BeginString            string   `toml:"begin_string"`
	SenderCompID           string   `toml:"sender_comp_id"`
	TargetCompID           string   `toml:"target_comp_id"`
	Username               string   `toml:"username"`
	Password               string   `toml:"password"`
	AppVersion             string   `toml:"app_version"`
	TestMode               *bool    `toml:"test_mode"`
	ResetSeqNums           *bool    `toml:"reset_seq_nums"`
	Heartbeat              string   `toml:"heartbeat"`
	ConfirmRequestMsgCount *int     `toml:"confirm_request_msg_count"`
	Reconnect              *bool    `toml:"reconnect"`
	ReconnectTime          string   `toml:"reconnect_time"`
	SendPeriod             string   `toml:"send_period"`
	LowPriorityTypes       []string `toml:"low_priority_types"`
	WriteTimeout           string   `toml:"write_timeout"`
	ReadTimeoutFactor      *float64 `toml:"read_timeout_factor"`
	MaxBodyBytes           *int     `toml:"max_body_bytes"`
	// TLS overrides the shared [transport.tls] section for this session.
	TLS *tlsSection `toml:"tls"`
}

// LoadSessionFile reads path, applies it over session and transport
// defaults and validates the result.
func LoadSessionFile(path string) (File, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return File{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return File{}, fmt.Errorf("config parse failed (%s): unknown key %q", path, undecoded[0].String())
	}

	out := File{
		Admin: AdminConfig{
			Listen:      strings.TrimSpace(raw.Admin.Listen),
			CorsOrigins: normalizeList(raw.Admin.CorsOrigins),
			Token:       strings.TrimSpace(raw.Admin.Token),
		},
	}

	base := transport.DefaultConfig()
	if meta.IsDefined("transport") {
		if base, err = applyTransport(base, raw.Transport); err != nil {
			return File{}, fmt.Errorf("transport: %w", err)
		}
	}

	for i, entry := range raw.Initiators {
		sf, err := resolveSession(entry, base)
		if err != nil {
			return File{}, fmt.Errorf("initiator[%d]: %w", i, err)
		}
		out.Initiators = append(out.Initiators, sf)
	}

	if meta.IsDefined("acceptor") {
		sf, err := resolveSession(raw.Acceptor, base)
		if err != nil {
			return File{}, fmt.Errorf("acceptor: %w", err)
		}
		sf.Session.Reconnect = false
		out.Acceptor = &sf
	}

	if err := ValidateFile(out); err != nil {
		return File{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return out, nil
}

// ValidateFile checks that at least one session is configured, that
// session names are unique and that every transport suits its role.
func ValidateFile(f File) error {
	if len(f.Initiators) == 0 && f.Acceptor == nil {
		return fmt.Errorf("no [[initiator]] or [acceptor] sessions configured")
	}
	seen := make(map[string]bool)
	for i, sf := range f.Initiators {
		if err := ValidateSessionFile(sf); err != nil {
			return fmt.Errorf("initiator[%d] invalid: %w", i, err)
		}
		if err := sf.Transport.ValidateClient(); err != nil {
			return fmt.Errorf("initiator[%d] invalid: %w", i, err)
		}
		if seen[sf.Session.Name] {
			return fmt.Errorf("initiator[%d] invalid: duplicate session name %q", i, sf.Session.Name)
		}
		seen[sf.Session.Name] = true
	}
	if f.Acceptor != nil {
		if err := ValidateSessionFile(*f.Acceptor); err != nil {
			return fmt.Errorf("acceptor invalid: %w", err)
		}
		if err := f.Acceptor.Transport.ValidateServer(); err != nil {
			return fmt.Errorf("acceptor invalid: %w", err)
		}
		if seen[f.Acceptor.Session.Name] {
			return fmt.Errorf("acceptor invalid: duplicate session name %q", f.Acceptor.Session.Name)
		}
	}
	return nil
}

func ValidateSessionFile(sf SessionFile) error {
	if strings.TrimSpace(sf.Transport.Address) == "" {
		return fmt.Errorf("address is required")
	}
	return sf.Session.Validate()
}

func resolveSession(raw sessionSection, base transport.Config) (SessionFile, error) {
	cfg := session.DefaultConfig()
	cfg.Name = strings.TrimSpace(raw.Name)
	cfg.SenderCompID = strings.TrimSpace(raw.SenderCompID)
	cfg.TargetCompID = strings.TrimSpace(raw.TargetCompID)
	cfg.Username = raw.Username
	cfg.Password = raw.Password
	cfg.AppVersion = strings.TrimSpace(raw.AppVersion)

	if v := strings.TrimSpace(raw.BeginString); v != "" {
		cfg.BeginString = v
	}
	if raw.TestMode != nil {
		cfg.TestMode = *raw.TestMode
	}
	if raw.ResetSeqNums != nil {
		cfg.ResetSeqNums = *raw.ResetSeqNums
	}
	if raw.ConfirmRequestMsgCount != nil {
		cfg.ConfirmRequestMsgCount = *raw.ConfirmRequestMsgCount
	}
	if raw.Reconnect != nil {
		cfg.Reconnect = *raw.Reconnect
	}
	if raw.ReadTimeoutFactor != nil {
		cfg.ReadTimeoutFactor = *raw.ReadTimeoutFactor
	}
	if raw.MaxBodyBytes != nil {
		cfg.FrameLimits.MaxBodyBytes = *raw.MaxBodyBytes
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"heartbeat", raw.Heartbeat, &cfg.HeartbeatTime},
		{"reconnect_time", raw.ReconnectTime, &cfg.ReconnectTime},
		{"send_period", raw.SendPeriod, &cfg.SendPeriod},
		{"write_timeout", raw.WriteTimeout, &cfg.WriteTimeout},
	}
	for _, d := range durations {
		if err := parseDuration(d.key, d.raw, d.dst); err != nil {
			return SessionFile{}, err
		}
	}

	if types := normalizeList(raw.LowPriorityTypes); len(types) > 0 {
		cfg.LowPriority = lowPriorityTypes(types)
	}

	tc := base
	tc.Address = strings.TrimSpace(raw.Address)
	if raw.TLS != nil {
		tc.TLS = applyTLS(tc.TLS, *raw.TLS)
	}

	return SessionFile{Session: cfg.WithDefaults(), Transport: tc.WithDefaults()}, nil
}

func applyTransport(cfg transport.Config, raw transportSection) (transport.Config, error) {
	if v := strings.TrimSpace(raw.SecurityMode); v != "" {
		cfg.SecurityMode = transport.SecurityMode(v)
	}
	if err := parseDuration("connect_timeout", raw.ConnectTimeout, &cfg.ConnectTimeout); err != nil {
		return transport.Config{}, err
	}
	if err := parseDuration("handshake_timeout", raw.HandshakeTimeout, &cfg.HandshakeTimeout); err != nil {
		return transport.Config{}, err
	}
	cfg.TLS = applyTLS(cfg.TLS, raw.TLS)
	return cfg.WithDefaults(), nil
}

func applyTLS(cfg transport.TLSConfig, raw tlsSection) transport.TLSConfig {
	if raw.Enabled != nil {
		cfg.Enabled = *raw.Enabled
	}
	if v := strings.TrimSpace(raw.CertFile); v != "" {
		cfg.CertFile = v
	}
	if v := strings.TrimSpace(raw.KeyFile); v != "" {
		cfg.KeyFile = v
	}
	if v := strings.TrimSpace(raw.CAFile); v != "" {
		cfg.CAFile = v
	}
	if pins := normalizeList(raw.Fingerprints); len(pins) > 0 {
		cfg.Fingerprints = pins
	}
	if v := strings.TrimSpace(raw.ServerName); v != "" {
		cfg.ServerName = v
	}
	if raw.InsecureSkipVerify != nil {
		cfg.InsecureSkipVerify = *raw.InsecureSkipVerify
	}
	return cfg
}

func parseDuration(key, raw string, dst *time.Duration) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = d
	return nil
}

// lowPriorityTypes classifies messages by their raw MsgType value.
func lowPriorityTypes(types []string) func(protocol.Message) bool {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return func(msg protocol.Message) bool {
		return set[msg.RawType()]
	}
}

func normalizeList(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
