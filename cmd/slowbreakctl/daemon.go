package main

import (
	"context"
	"fmt"
	"net"

	"github.com/danmuck/slowbreak/internal/admin"
	"github.com/danmuck/slowbreak/internal/config"
	"github.com/danmuck/slowbreak/internal/protocol/session"
	"github.com/danmuck/slowbreak/internal/transport"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// daemon owns every session configured in one file.
type daemon struct {
	file       config.File
	registry   *admin.Registry
	initiators []*session.Session
	server     *session.Server
	admin      *admin.Admin
	listen     func(transport.Config) (net.Listener, error)
}

func newDaemon(file config.File, app session.Application) (*daemon, error) {
	d := &daemon{
		file:     file,
		registry: admin.NewRegistry(),
		listen:   transport.Listen,
	}
	for _, sf := range file.Initiators {
		connector, err := transport.NewConnector(sf.Transport)
		if err != nil {
			return nil, fmt.Errorf("initiator %s: %w", sf.Session.Name, err)
		}
		s, err := session.NewInitiator(sf.Session, connector, app)
		if err != nil {
			return nil, fmt.Errorf("initiator %s: %w", sf.Session.Name, err)
		}
		d.initiators = append(d.initiators, s)
		d.registry.Register(s)
	}
	if file.Acceptor != nil {
		srv, err := session.NewServer(file.Acceptor.Session, app)
		if err != nil {
			return nil, fmt.Errorf("acceptor %s: %w", file.Acceptor.Session.Name, err)
		}
		d.server = srv
		d.registry.RegisterServer(srv)
	}
	if file.Admin.Listen != "" {
		d.admin = admin.New("slowbreakctl", file.Admin.Listen, file.Admin.CorsOrigins, d.registry)
		d.admin.RequireToken(file.Admin.Token)
	}
	return d, nil
}

// Run starts every session and the admin surface and returns when ctx is
// done and all of them have stopped. A failing initiator is logged and
// does not stop the others.
func (d *daemon) Run(ctx context.Context) error {
	var ln net.Listener
	if d.server != nil {
		var err error
		if ln, err = d.listen(d.file.Acceptor.Transport); err != nil {
			return fmt.Errorf("acceptor listen: %w", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, s := range d.initiators {
		g.Go(func() error {
			if err := s.Run(ctx); err != nil {
				log.Error().Err(err).Str("session", s.Name()).Msg("session stopped")
				return nil
			}
			log.Info().Str("session", s.Name()).Msg("session stopped")
			return nil
		})
	}
	if ln != nil {
		g.Go(func() error { return d.server.Serve(ctx, ln) })
	}
	if d.admin != nil {
		g.Go(func() error { return d.admin.Serve(ctx) })
	}
	return g.Wait()
}
