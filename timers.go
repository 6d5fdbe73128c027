package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

const janitorTag = "janitor"

// cronScheduler arms phase deadlines as one-time gocron jobs tagged with the
// game id, so re-arming or cancelling a game only touches its own job.
type cronScheduler struct {
	cron  gocron.Scheduler
	clock clockwork.Clock
	log   zerolog.Logger
}

func newCronScheduler(clock clockwork.Clock, log zerolog.Logger) (*cronScheduler, error) {
	s, err := gocron.NewScheduler(
		gocron.WithClock(clock),
		gocron.WithLogger(cronLogger{log: log}),
	)
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return &cronScheduler{cron: s, clock: clock, log: log}, nil
}

func (c *cronScheduler) Start() {
	c.cron.Start()
}

// Schedule replaces the pending deadline of gameID. Deadlines already in the
// past fire immediately.
func (c *cronScheduler) Schedule(gameID string, at time.Time, fire func()) error {
	c.cron.RemoveByTags(gameID)
	start := gocron.OneTimeJobStartImmediately()
	if at.After(c.clock.Now()) {
		start = gocron.OneTimeJobStartDateTime(at)
	}
	_, err := c.cron.NewJob(
		gocron.OneTimeJob(start),
		gocron.NewTask(fire),
		gocron.WithTags(gameID),
		gocron.WithName("phase:"+gameID),
	)
	if err != nil {
		return fmt.Errorf("schedule phase deadline: %w", err)
	}
	return nil
}

func (c *cronScheduler) Cancel(gameID string) {
	c.cron.RemoveByTags(gameID)
}

// StartJanitor sweeps stale lobbies every interval. A sweep still running when
// the next one is due is not overlapped.
func (c *cronScheduler) StartJanitor(engine *Engine, cfg AppConfig) error {
	_, err := c.cron.NewJob(
		gocron.DurationJob(cfg.JanitorInterval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), cfg.JanitorInterval)
			defer cancel()
			if err := engine.SweepLobbies(ctx, cfg.LobbyDisconnectGrace, cfg.LobbyTimeout); err != nil {
				c.log.Error().Err(err).Msg("lobby sweep failed")
			}
		}),
		gocron.WithTags(janitorTag),
		gocron.WithName(janitorTag),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("schedule janitor: %w", err)
	}
	return nil
}

func (c *cronScheduler) Shutdown() error {
	return c.cron.Shutdown()
}

// cronLogger routes gocron's logs to zerolog.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Debug(msg string, args ...any) { l.log.Debug().Fields(args).Msg(msg) }
func (l cronLogger) Info(msg string, args ...any)  { l.log.Info().Fields(args).Msg(msg) }
func (l cronLogger) Warn(msg string, args ...any)  { l.log.Warn().Fields(args).Msg(msg) }
func (l cronLogger) Error(msg string, args ...any) { l.log.Error().Fields(args).Msg(msg) }
