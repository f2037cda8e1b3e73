package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"llmshell/internal/domain"
)

// StatsReporter periodically asks the controller for runtime stats and
// publishes them as chat.stats events.
type StatsReporter struct {
	ctrl   *Controller
	bus    domain.EventBus
	logger *slog.Logger
	cron   *cron.Cron

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// NewStatsReporter schedules the report. schedule is a five-field cron
// expression or a Go duration such as "30s".
func NewStatsReporter(ctrl *Controller, bus domain.EventBus, schedule string, logger *slog.Logger) (*StatsReporter, error) {
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return nil, fmt.Errorf("stats reporter: %w", err)
	}
	r := &StatsReporter{
		ctrl:   ctrl,
		bus:    bus,
		logger: logger,
		cron:   cron.New(),
	}
	r.cron.Schedule(sched, cron.FuncJob(r.report))
	return r, nil
}

func (r *StatsReporter) report() {
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()
	if ctx == nil {
		return
	}

	// Skip the tick rather than queue behind a long generation.
	if r.ctrl.chain.Busy() {
		r.logger.Debug("stats report skipped, controller busy")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	text, err := r.ctrl.backgroundStats(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrEngineNotLoaded) {
			r.logger.Debug("stats report skipped, no model loaded")
		} else {
			r.logger.Debug("stats report failed", "error", err)
		}
		return
	}
	r.bus.Publish(ctx, domain.NewEvent(domain.EventStatsReport, r.ctrl.Selected(), domain.StatsEventPayload{Text: text}))
}

// Start begins running the schedule.
func (r *StatsReporter) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.cron.Start()
	r.started = true
}

// Stop halts the schedule and waits for a running report to finish.
func (r *StatsReporter) Stop() {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return
	}
	r.cancel()
	r.started = false
	r.mu.Unlock()

	<-r.cron.Stop().Done()
}

// ParseSchedule accepts a five-field cron expression (or descriptor such as
// "@every 1m") and falls back to a Go duration.
func ParseSchedule(schedule string) (cron.Schedule, error) {
	if schedule == "" {
		return nil, errors.New("empty schedule")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(schedule); err == nil {
		return sched, nil
	}

	d, err := time.ParseDuration(schedule)
	if err != nil {
		return nil, fmt.Errorf("not a valid cron expression or duration: %q", schedule)
	}
	if d <= 0 {
		return nil, fmt.Errorf("duration must be positive: %q", schedule)
	}
	return constantDelay(d), nil
}

// constantDelay fires at a fixed interval. Unlike cron.Every it keeps
// sub-second precision.
type constantDelay time.Duration

func (d constantDelay) Next(t time.Time) time.Time {
	return t.Add(time.Duration(d))
}
