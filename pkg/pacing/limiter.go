package pacing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/x-dm-automation/pkg/config"
	"github.com/x-dm-automation/pkg/logger"
)

// SendLimiter caps outgoing messages per hour with a token bucket and per
// calendar day with a plain counter.
type SendLimiter struct {
	hourly   *rate.Limiter
	dailyMax int
	log      *logger.Logger

	mu        sync.Mutex
	dailySent int
	day       string
	now       func() time.Time
}

func NewSendLimiter(cfg *config.RateLimitConfig) *SendLimiter {
	every := time.Hour / time.Duration(cfg.HourlyMessageLimit)
	return &SendLimiter{
		hourly:   rate.NewLimiter(rate.Every(every), cfg.HourlyMessageLimit),
		dailyMax: cfg.DailyMessageLimit,
		log:      logger.WithComponent("limiter"),
		now:      time.Now,
	}
}

// Seed accounts for messages already sent today, e.g. by an earlier run.
func (l *SendLimiter) Seed(sentToday int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetIfNewDay()
	l.dailySent = sentToday
}

func (l *SendLimiter) resetIfNewDay() {
	today := l.now().Format("2006-01-02")
	if today != l.day {
		l.day = today
		l.dailySent = 0
	}
}

// Wait blocks until another send is allowed. When the daily cap is reached
// it waits for the next calendar day.
func (l *SendLimiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	l.resetIfNewDay()
	if l.dailySent >= l.dailyMax {
		now := l.now()
		tomorrow := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
		l.mu.Unlock()
		l.log.Warn("Daily message limit reached (%d), waiting until %s", l.dailyMax, tomorrow.Format(time.RFC3339))
		if err := Sleep(ctx, tomorrow.Sub(now)); err != nil {
			return err
		}
		l.mu.Lock()
		l.resetIfNewDay()
	}
	l.mu.Unlock()

	if err := l.hourly.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

func (l *SendLimiter) Record() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetIfNewDay()
	l.dailySent++
}

func (l *SendLimiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetIfNewDay()
	return l.dailyMax - l.dailySent
}
