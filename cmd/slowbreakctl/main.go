package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/slowbreak/internal/config"
	"github.com/danmuck/slowbreak/internal/logging"
	"github.com/rs/zerolog/log"
)

type options struct {
	configPath string
	initKind   string
	force      bool
	validate   bool
}

func main() {
	logging.ConfigureRuntime()

	var opts options
	flag.StringVar(&opts.configPath, "config", "slowbreak.toml", "session config file")
	flag.StringVar(&opts.initKind, "init", "", "write a config template: initiator | acceptor")
	flag.BoolVar(&opts.force, "force", false, "overwrite an existing config with -init")
	flag.BoolVar(&opts.validate, "validate", false, "validate the config and exit")
	flag.Parse()

	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "slowbreakctl: %v\n", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	if opts.initKind != "" {
		if err := config.WriteTemplate(opts.configPath, opts.initKind, opts.force); err != nil {
			return err
		}
		log.Info().Str("kind", opts.initKind).Str("path", opts.configPath).Msg("config template written")
		return nil
	}

	file, err := config.LoadSessionFile(opts.configPath)
	if err != nil {
		return err
	}
	if opts.validate {
		log.Info().
			Str("path", opts.configPath).
			Int("initiators", len(file.Initiators)).
			Bool("acceptor", file.Acceptor != nil).
			Msg("config valid")
		return nil
	}

	rt, err := newDaemon(file, logApplication{})
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rt.Run(ctx)
}
