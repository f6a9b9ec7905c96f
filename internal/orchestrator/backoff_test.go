package orchestrator

import (
	"testing"
	"time"

	"poflow/internal/services"
)

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Base: 2 * time.Second, Cap: 300 * time.Second, QuotaBase: 30 * time.Second, QuotaCap: 1800 * time.Second}
	tests := []struct {
		kind    services.Kind
		attempt int
		want    time.Duration
	}{
		{services.KindTransient, 0, 2 * time.Second},
		{services.KindTransient, 1, 2 * time.Second},
		{services.KindTransient, 2, 4 * time.Second},
		{services.KindTransient, 3, 8 * time.Second},
		{services.KindTransient, 20, 300 * time.Second},
		{services.KindQuota, 1, 30 * time.Second},
		{services.KindQuota, 3, 120 * time.Second},
		{services.KindQuota, 10, 1800 * time.Second},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.kind, tt.attempt); got != tt.want {
			t.Fatalf("Delay(%s, %d) = %s, want %s", tt.kind, tt.attempt, got, tt.want)
		}
	}
}
