package main

import (
	"github.com/danmuck/slowbreak/internal/protocol"
	"github.com/rs/zerolog/log"
)

// logApplication reports session traffic to the process log.
type logApplication struct{}

func (logApplication) OnLogon(session string) {
	log.Info().Str("session", session).Msg("logged on")
}

func (logApplication) OnMessage(session string, msg protocol.Message) {
	log.Info().
		Str("session", session).
		Str("type", msg.RawType()).
		Stringer("msg", msg).
		Msg("application message")
}

func (logApplication) OnNotDelivered(session string, msg protocol.Message) {
	log.Warn().
		Str("session", session).
		Str("type", msg.RawType()).
		Stringer("msg", msg).
		Msg("message not delivered")
}
