// Package scheduler sends catalog messages on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"batchbot/internal/config"
	"batchbot/internal/metrics"
)

// SendFunc delivers one catalog message. Its error is only logged.
type SendFunc func(ctx context.Context, messageID string) error

// Entry is a registered schedule with its next activation.
type Entry struct {
	ID      string
	Message string
	Spec    string
	Next    time.Time
}

// Scheduler runs SendFunc for each enabled schedule. A schedule whose
// previous run is still delivering is skipped, not queued.
type Scheduler struct {
	c      *cron.Cron
	send   SendFunc
	logger *slog.Logger
	ctx    context.Context
	ids    map[cron.EntryID]config.ScheduleConfig
}

// Config configures a Scheduler. Location defaults to time.Local.
type Config struct {
	Schedules []config.ScheduleConfig
	Send      SendFunc
	Location  *time.Location // nil = time.Local
	Logger    *slog.Logger
}

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSpec validates a cron spec: 5 fields, 6 with seconds, or a
// descriptor such as "@daily" or "@every 1h".
func ParseSpec(spec string) (cron.Schedule, error) {
	return parser.Parse(spec)
}

// New registers every enabled schedule. All invalid specs are reported together.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Send == nil {
		return nil, fmt.Errorf("scheduler: send function required")
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cl := cronLogger{logger: logger}
	s := &Scheduler{
		send:   cfg.Send,
		logger: logger,
		ctx:    context.Background(),
		ids:    make(map[cron.EntryID]config.ScheduleConfig),
		c: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}

	var errs []error
	for _, sc := range cfg.Schedules {
		if !sc.Enabled {
			logger.Debug("schedule disabled", "id", sc.ID)
			continue
		}
		sched, err := ParseSpec(sc.Cron)
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule %s: invalid cron %q: %w", sc.ID, sc.Cron, err))
			continue
		}
		id := s.c.Schedule(sched, s.job(sc))
		s.ids[id] = sc
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return s, nil
}

func (s *Scheduler) job(sc config.ScheduleConfig) cron.Job {
	return cron.FuncJob(func() {
		log := s.logger.With("schedule", sc.ID, "message", sc.Message)
		log.Info("scheduled send starting")
		if err := s.send(s.ctx, sc.Message); err != nil {
			log.Error("scheduled send failed", "err", err)
		}
	})
}

// Entries returns the registered schedules ordered by next activation.
// Next is zero until the scheduler is running.
func (s *Scheduler) Entries() []Entry {
	var out []Entry
	for _, e := range s.c.Entries() {
		sc := s.ids[e.ID]
		out = append(out, Entry{ID: sc.ID, Message: sc.Message, Spec: sc.Cron, Next: e.Next})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Next.Equal(out[j].Next) {
			return out[i].ID < out[j].ID
		}
		return out[i].Next.Before(out[j].Next)
	})
	return out
}

// Run starts the scheduler and blocks until ctx is done, then waits for
// running sends to finish. Jobs receive ctx, so cancelling it also cancels
// in-flight deliveries.
func (s *Scheduler) Run(ctx context.Context) error {
	s.ctx = ctx
	s.c.Start()
	s.logger.Info("scheduler started", "schedules", len(s.ids))

	<-ctx.Done()
	<-s.c.Stop().Done()
	s.logger.Info("scheduler stopped")
	return nil
}

// cronLogger adapts slog to cron.Logger and counts skipped runs.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	if msg == "skip" {
		metrics.ScheduledSkipped.Inc()
		l.logger.Warn("scheduled run skipped, previous run still delivering")
		return
	}
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
