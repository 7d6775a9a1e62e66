package workers

import (
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// pruneScheduler gates a prune pass behind an optional cron expression
// instead of firing it on every worker tick (5-field: minute, hour, dom,
// month, dow). A zero-value pruneScheduler always fires.
type pruneScheduler struct {
	schedule cronlib.Schedule
	nextRun  time.Time
}

var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// newPruneScheduler parses expr. An empty expr yields a scheduler that
// always fires.
func newPruneScheduler(expr string) (*pruneScheduler, error) {
	if expr == "" {
		return &pruneScheduler{}, nil
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, err
	}
	return &pruneScheduler{schedule: sched}, nil
}

// due reports whether a prune pass should run at now, advancing the
// internal next-run marker when it does.
func (p *pruneScheduler) due(now time.Time) bool {
	if p.schedule == nil {
		return true
	}
	if p.nextRun.IsZero() {
		p.nextRun = p.schedule.Next(now)
		return false
	}
	if now.Before(p.nextRun) {
		return false
	}
	p.nextRun = p.schedule.Next(now)
	return true
}
