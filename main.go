package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(2)
	}
	log, closeLog, err := newLogger(cfg, os.Stdout)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logging:", err)
		os.Exit(2)
	}
	defer closeLog.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
		closeLog.Close()
		os.Exit(1)
	}
	log.Info().Msg("server stopped")
}

// run wires the components and serves until ctx is cancelled.
func run(ctx context.Context, cfg AppConfig, log zerolog.Logger) error {
	store, err := openStore(cfg.DB)
	if err != nil {
		return err
	}
	defer store.Close()

	clock := clockwork.NewRealClock()
	sched, err := newCronScheduler(clock, log.With().Str("component", "scheduler").Logger())
	if err != nil {
		return err
	}
	hub := newHub(log.With().Str("component", "hub").Logger())
	engine := NewEngine(store, sched, hub, clock, log.With().Str("component", "engine").Logger(), cfg.engineConfig())
	hub.SetEngine(engine)

	teller, err := newStoryteller(ctx, cfg, log)
	if err != nil {
		log.Warn().Err(err).Msg("storyteller unavailable, narration disabled")
	}
	var narrator *Narrator
	if teller != nil {
		narrator = NewNarrator(teller, log.With().Str("component", "narrator").Logger())
		engine.SetNarrator(narrator)
	}

	sched.Start()
	if err := sched.StartJanitor(engine, cfg); err != nil {
		return err
	}
	if err := engine.Resume(ctx); err != nil {
		return fmt.Errorf("resume games: %w", err)
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           newRouter(engine, hub, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Addr).Bool("dev", cfg.Dev).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		hub.Close()
		err := srv.Shutdown(shutdownCtx)
		if narrator != nil {
			narrator.Close()
		}
		if serr := sched.Shutdown(); serr != nil {
			log.Warn().Err(serr).Msg("scheduler shutdown")
		}
		return err
	})
	return g.Wait()
}
