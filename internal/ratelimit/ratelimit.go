// Package ratelimit caps guest requests per IP per UTC day.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nunnarivu-labs/ishtar/internal/apperr"
	"github.com/nunnarivu-labs/ishtar/internal/messagestore"
	"github.com/nunnarivu-labs/ishtar/internal/messagestore/models"

	"github.com/sirupsen/logrus"
)

const (
	DailyLimit = 10
	dayLayout  = "2006-01-02"
	maxRetries = 3
)

var errQuotaExceeded = errors.New("daily quota exceeded")

type Store interface {
	UpdateQuota(ctx context.Context, ip string, fn func(cur *models.QuotaCounter) (*models.QuotaCounter, error)) error
}

type Limiter struct {
	store Store
	limit int
	now   func() time.Time
}

func New(store Store) *Limiter {
	return &Limiter{store: store, limit: DailyLimit, now: time.Now}
}

func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Day is the UTC calendar date used as the counter's reset key.
func Day(t time.Time) string {
	return t.UTC().Format(dayLayout)
}

// next decides the counter to store; errQuotaExceeded means the request is rejected.
func next(cur *models.QuotaCounter, today string, limit int) (*models.QuotaCounter, error) {
	if cur == nil || cur.Day != today {
		return &models.QuotaCounter{Day: today, Count: 1}, nil
	}
	if cur.Count >= limit {
		return nil, errQuotaExceeded
	}
	return &models.QuotaCounter{IP: cur.IP, Day: today, Count: cur.Count + 1}, nil
}

// Allow records one request from ip, or rejects it once the daily limit is reached.
func (l *Limiter) Allow(ctx context.Context, ip string) error {
	today := Day(l.now())

	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = l.store.UpdateQuota(ctx, ip, func(cur *models.QuotaCounter) (*models.QuotaCounter, error) {
			return next(cur, today, l.limit)
		})
		if !errors.Is(err, messagestore.ErrTxConflict) {
			break
		}
		logrus.Debugf("Rate limit transaction for %s conflicted, retrying", ip)
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, errQuotaExceeded):
		logrus.Infof("Guest quota exhausted for %s on %s", ip, today)
		return apperr.New(apperr.QuotaExceeded,
			fmt.Sprintf("You have exceeded the daily limit of %d requests.", l.limit))
	default:
		logrus.Errorf("Rate limit check for %s failed: %v", ip, err)
		return apperr.Wrap(apperr.Persistence, "Could not process rate limit check. Please try again.", err)
	}
}
