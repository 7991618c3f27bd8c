// Package schedule runs the send-state machine for a fixed set of campaigns
// on a cron schedule inside one long-lived process.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"leadline/internal/config"
	"leadline/internal/logging"
	"leadline/internal/sending"
)

// Runner is the part of sending.Engine the scheduler drives.
type Runner interface {
	Run(ctx context.Context, req sending.Request) (sending.Summary, error)
}

// Result is the outcome of one campaign within a tick.
type Result struct {
	Campaign string
	Summary  sending.Summary
	Err      error
}

type Scheduler struct {
	cron      *cron.Cron
	parser    cron.Parser
	spec      string
	campaigns []string
	advance   bool
	runner    Runner
	log       logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	ticks  int
}

// New validates the schedule and registers the tick. Overlapping ticks are
// skipped rather than queued.
func New(cfg config.Schedule, runner Runner, log logging.Logger) (*Scheduler, error) {
	if log == nil {
		log = logging.NewNop()
	}
	if len(cfg.Campaigns) == 0 {
		return nil, errors.New("schedule needs at least one campaign")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(cfg.Spec); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", cfg.Spec, err)
	}
	cl := cronLogger{log: log.With(logging.String("component", "schedule"))}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron:      c,
		parser:    parser,
		spec:      cfg.Spec,
		campaigns: append([]string(nil), cfg.Campaigns...),
		advance:   cfg.AdvanceState,
		runner:    runner,
		log:       cl.log,
		ctx:       ctx,
		cancel:    cancel,
	}
	if _, err := c.AddFunc(cfg.Spec, func() { s.Tick(s.ctx) }); err != nil {
		cancel()
		return nil, fmt.Errorf("register schedule: %w", err)
	}
	return s, nil
}

// Tick runs every campaign once, in configured order. A failing campaign is
// logged and does not stop the others.
func (s *Scheduler) Tick(ctx context.Context) []Result {
	s.mu.Lock()
	s.ticks++
	tick := s.ticks
	s.mu.Unlock()

	results := make([]Result, 0, len(s.campaigns))
	for _, name := range s.campaigns {
		if ctx.Err() != nil {
			break
		}
		sum, err := s.runner.Run(ctx, sending.Request{Campaign: name, AdvanceState: s.advance})
		results = append(results, Result{Campaign: name, Summary: sum, Err: err})
		if err != nil {
			s.log.Error("scheduled send failed", logging.Int("tick", tick), logging.String("campaign", name), logging.Error(err))
			continue
		}
		s.log.Info("scheduled send done", logging.Int("tick", tick), logging.String("campaign", name),
			logging.String("run_id", sum.RunID), logging.Int("due", sum.Due), logging.Int("sent", sum.Sent), logging.Int("queued", sum.Queued))
	}
	return results
}

// Next reports when the schedule fires after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	sched, err := s.parser.Parse(s.spec)
	if err != nil {
		return time.Time{}
	}
	return sched.Next(t)
}

func (s *Scheduler) Start() {
	s.log.Info("scheduler started", logging.String("spec", s.spec), logging.Strings("campaigns", s.campaigns),
		logging.Time("next_run", s.Next(time.Now())))
	s.cron.Start()
}

// Stop cancels the running tick between links and waits for it to return,
// or for ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		s.log.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger adapts the module logger to cron.Logger.
type cronLogger struct {
	log logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, fields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append(fields(keysAndValues), logging.Error(err))...)
}

func fields(kv []interface{}) []logging.Field {
	out := make([]logging.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logging.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
