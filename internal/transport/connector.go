package transport

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrFingerprintMismatch = errors.New("transport: peer certificate fingerprint not allowed")
	ErrNoPeerCertificate   = errors.New("transport: peer presented no certificate")
	ErrConnectorExhausted  = errors.New("transport: connector exhausted")
)

// Transport is the live byte stream a session runs over.
type Transport interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Connector produces a fresh Transport for each connection attempt. An
// error means "retry later" to the caller.
type Connector interface {
	Connect(ctx context.Context) (Transport, error)
}

// ConnectorFunc adapts a function into a Connector.
type ConnectorFunc func(ctx context.Context) (Transport, error)

func (f ConnectorFunc) Connect(ctx context.Context) (Transport, error) {
	return f(ctx)
}

// NewConnector picks the TLS or plain TCP connector for cfg.
func NewConnector(cfg Config) (Connector, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.ValidateClient(); err != nil {
		return nil, err
	}
	if cfg.TLS.Enabled {
		return &TLSConnector{cfg: cfg}, nil
	}
	return &TCPConnector{Address: cfg.Address, Timeout: cfg.ConnectTimeout}, nil
}

type TCPConnector struct {
	Address string
	Timeout time.Duration
}

func (c *TCPConnector) Connect(ctx context.Context) (Transport, error) {
	dialer := net.Dialer{Timeout: c.Timeout}
	return dialer.DialContext(ctx, "tcp", c.Address)
}

// TLSConnector dials TLS and pins the peer leaf certificate.
type TLSConnector struct {
	cfg Config
}

func NewTLSConnector(cfg Config) (*TLSConnector, error) {
	cfg = cfg.WithDefaults()
	cfg.TLS.Enabled = true
	if err := cfg.ValidateClient(); err != nil {
		return nil, err
	}
	return &TLSConnector{cfg: cfg}, nil
}

func (c *TLSConnector) Connect(ctx context.Context) (Transport, error) {
	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	rawConn, err := dialer.DialContext(ctx, "tcp", c.cfg.Address)
	if err != nil {
		return nil, err
	}

	tlsCfg, err := c.clientTLSConfig()
	if err != nil {
		_ = rawConn.Close()
		return nil, err
	}
	conn := tls.Client(rawConn, tlsCfg)
	handshakeCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(handshakeCtx); err != nil {
		_ = rawConn.Close()
		return nil, err
	}

	if len(c.cfg.TLS.Fingerprints) > 0 {
		if err := CheckFingerprint(conn.ConnectionState(), c.cfg.TLS.Fingerprints); err != nil {
			log.Error().Err(err).Str("addr", c.cfg.Address).Msg("transport.TLSConnector rejected peer")
			_ = conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

func (c *TLSConnector) clientTLSConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.cfg.TLS.InsecureSkipVerify,
	}

	serverName := strings.TrimSpace(c.cfg.TLS.ServerName)
	if serverName == "" {
		host, _, err := net.SplitHostPort(c.cfg.Address)
		if err != nil {
			return nil, err
		}
		serverName = host
	}
	cfg.ServerName = serverName

	if caPath := strings.TrimSpace(c.cfg.TLS.CAFile); caPath != "" {
		pool, err := loadCertPool(caPath)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	} else if len(c.cfg.TLS.Fingerprints) > 0 {
		// the pin replaces chain verification
		cfg.InsecureSkipVerify = true
	}

	if strings.TrimSpace(c.cfg.TLS.CertFile) != "" {
		cert, err := tls.LoadX509KeyPair(c.cfg.TLS.CertFile, c.cfg.TLS.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// Fingerprint is the lowercase hex SHA-256 of a DER certificate.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// NormalizeFingerprint strips separators and case from a pinned digest.
func NormalizeFingerprint(raw string) string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	raw = strings.TrimPrefix(raw, "sha256:")
	return strings.NewReplacer(":", "", " ", "", "-", "").Replace(raw)
}

// CheckFingerprint verifies the peer leaf certificate is in allowed.
func CheckFingerprint(state tls.ConnectionState, allowed []string) error {
	if len(state.PeerCertificates) == 0 {
		return ErrNoPeerCertificate
	}
	got := Fingerprint(state.PeerCertificates[0].Raw)
	for _, want := range allowed {
		if NormalizeFingerprint(want) == got {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrFingerprintMismatch, got)
}

// AcceptedConnector hands out one already-accepted connection exactly once.
type AcceptedConnector struct {
	mu   sync.Mutex
	conn net.Conn
}

func NewAcceptedConnector(conn net.Conn) *AcceptedConnector {
	return &AcceptedConnector{conn: conn}
}

func (c *AcceptedConnector) Connect(ctx context.Context) (Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil, ErrConnectorExhausted
	}
	conn := c.conn
	c.conn = nil
	return conn, nil
}
