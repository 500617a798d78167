package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/danmuck/slowbreak/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Server runs one acceptor session per accepted connection. At most one
// of them may be logged on for the configured counterparty at a time.
type Server struct {
	cfg Config
	app Application
	log zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	claimed  map[string]bool

	wg    sync.WaitGroup
	count atomic.Uint64
}

func NewServer(cfg Config, app Application) (*Server, error) {
	cfg = cfg.WithDefaults()
	cfg.Reconnect = false
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Server{
		cfg:      cfg,
		app:      app,
		log:      log.With().Str("server", cfg.Name).Logger(),
		sessions: make(map[string]*Session),
		claimed:  make(map[string]bool),
	}, nil
}

// Serve accepts on ln until ctx is done or the listener fails, then stops
// every live session and waits for them.
func (srv *Server) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer srv.wg.Wait()
	defer srv.stopAll()

	srv.log.Info().Str("addr", ln.Addr().String()).Msg("accepting sessions")
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		srv.wg.Add(1)
		go srv.handleConn(ctx, nc)
	}
}

func (srv *Server) handleConn(ctx context.Context, nc net.Conn) {
	defer srv.wg.Done()
	cfg := srv.cfg
	cfg.Name = fmt.Sprintf("%s#%d", srv.cfg.Name, srv.count.Add(1))
	acc := &acceptor{claim: srv.claim}
	sess, err := newSession(cfg, transport.NewAcceptedConnector(nc), srv.app, acc)
	if err != nil {
		srv.log.Error().Err(err).Msg("session setup")
		_ = nc.Close()
		return
	}
	srv.track(sess)
	defer srv.untrack(sess)
	srv.log.Info().Str("session", cfg.Name).Str("remote", nc.RemoteAddr().String()).Msg("peer connected")

	err = sess.Run(ctx)
	if acc.claimed != "" {
		srv.release(acc.claimed)
	}
	if err != nil {
		srv.log.Warn().Err(err).Str("session", cfg.Name).Msg("session ended")
		return
	}
	srv.log.Info().Str("session", cfg.Name).Msg("session ended")
}

func (srv *Server) claim(compID string) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if srv.claimed[compID] {
		return false
	}
	srv.claimed[compID] = true
	return true
}

func (srv *Server) release(compID string) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	delete(srv.claimed, compID)
}

func (srv *Server) track(sess *Session) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.sessions[sess.Name()] = sess
}

func (srv *Server) untrack(sess *Session) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	delete(srv.sessions, sess.Name())
}

func (srv *Server) stopAll() {
	for _, sess := range srv.Sessions() {
		sess.StopRequest()
	}
}

// Sessions returns the live acceptor sessions ordered by name.
func (srv *Server) Sessions() []*Session {
	srv.mu.Lock()
	out := make([]*Session, 0, len(srv.sessions))
	for _, sess := range srv.sessions {
		out = append(out, sess)
	}
	srv.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}
