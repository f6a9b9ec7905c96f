package orchestrator

import (
	"time"

	"poflow/internal/config"
	"poflow/internal/services"
)

// Backoff computes retry delays for transient and quota errors.
type Backoff struct {
	Base      time.Duration
	Cap       time.Duration
	QuotaBase time.Duration
	QuotaCap  time.Duration
}

// BackoffFromConfig reads the retry policy from the queue settings.
func BackoffFromConfig(q config.Queues) Backoff {
	return Backoff{
		Base:      q.BackoffBase(),
		Cap:       q.BackoffCap(),
		QuotaBase: q.QuotaBackoffBase(),
		QuotaCap:  q.QuotaBackoffCap(),
	}
}

// Delay returns base*2^(attempt-1) capped, using the quota schedule for quota errors.
func (b Backoff) Delay(kind services.Kind, attempt int) time.Duration {
	base, limit := b.Base, b.Cap
	if kind == services.KindQuota {
		base, limit = b.QuotaBase, b.QuotaCap
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if limit > 0 && delay >= limit {
			return limit
		}
	}
	if limit > 0 && delay > limit {
		return limit
	}
	return delay
}
