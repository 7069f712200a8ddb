package pacing

import (
	"context"
	"time"

	"github.com/x-dm-automation/pkg/config"
	"github.com/x-dm-automation/pkg/logger"
)

// WorkingHours gates activity to configured hours and weekdays.
type WorkingHours struct {
	config *config.ScheduleConfig
	log    *logger.Logger
	loc    *time.Location
	now    func() time.Time
}

func NewWorkingHours(cfg *config.ScheduleConfig) *WorkingHours {
	w := &WorkingHours{
		config: cfg,
		log:    logger.WithComponent("schedule"),
		loc:    time.Local,
		now:    time.Now,
	}

	if cfg.Timezone != "" && cfg.Timezone != "Local" {
		loc, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			w.log.Warn("Failed to load timezone %s, using local time", cfg.Timezone)
		} else {
			w.loc = loc
		}
	}

	return w
}

func (w *WorkingHours) isWorkDay(weekday time.Weekday) bool {
	for _, day := range w.config.WorkDays {
		if day == int(weekday) {
			return true
		}
	}
	return false
}

func (w *WorkingHours) IsWithin(t time.Time) bool {
	if !w.config.Enabled {
		return true
	}

	t = t.In(w.loc)
	if !w.isWorkDay(t.Weekday()) {
		return false
	}

	return t.Hour() >= w.config.StartHour && t.Hour() < w.config.EndHour
}

// NextStart returns the earliest time at or after from that falls inside working hours.
func (w *WorkingHours) NextStart(from time.Time) time.Time {
	current := from.In(w.loc)

	for i := 0; i < 8; i++ {
		if w.isWorkDay(current.Weekday()) {
			start := time.Date(current.Year(), current.Month(), current.Day(), w.config.StartHour, 0, 0, 0, w.loc)
			if current.Before(start) {
				return start
			}
			if current.Hour() < w.config.EndHour {
				return current
			}
		}

		current = time.Date(current.Year(), current.Month(), current.Day()+1, 0, 0, 0, 0, w.loc)
	}

	return current
}

func (w *WorkingHours) Wait(ctx context.Context) error {
	now := w.now()
	if w.IsWithin(now) {
		return nil
	}

	next := w.NextStart(now)
	wait := next.Sub(now)
	w.log.Info("Outside working hours, resuming at %s (in %s)", next.Format(time.RFC3339), wait.Round(time.Second))

	return Sleep(ctx, wait)
}
