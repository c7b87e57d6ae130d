package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"boltalka/internal/config"
	"boltalka/internal/console"
	"boltalka/internal/hub"
	"boltalka/internal/server"
	"boltalka/internal/transfer"
)

const (
	exitBindFailure   = 1
	exitInvalidConfig = 2
)

func run(ctx context.Context, cfg *config.Config) error {
	h := hub.New()
	transfers := transfer.New(h)

	var tlsConf *tls.Config
	if cfg.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertPath, cfg.TLSKeyPath)
		if err != nil {
			return fmt.Errorf("load TLS key pair: %w", err)
		}
		tlsConf = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	srv := server.New(cfg, h, transfers, tlsConf)
	if err := srv.Listen(); err != nil {
		return fmt.Errorf("bind %s: %w", cfg.Addr, err)
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Serve(gCtx)
	})

	g.Go(func() error {
		return console.New(h, os.Stdin, os.Stdout).Run(gCtx)
	})

	err := g.Wait()
	if errors.Is(err, console.ErrQuit) {
		return nil
	}
	return err
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Printf("Invalid configuration: %v", err)
		os.Exit(exitInvalidConfig)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("Application error: %v", err)
		os.Exit(exitBindFailure)
	}
}
