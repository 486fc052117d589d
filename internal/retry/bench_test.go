package retry

import (
	"testing"
	"time"
)

// BenchmarkBackoff_Delay measures the cost of computing a capped delay
// deep into the schedule.
func BenchmarkBackoff_Delay(b *testing.B) {
	bo := &Backoff{InitialDelay: 250 * time.Millisecond, MaxDelay: 5 * time.Second, Multiplier: 2}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = bo.Delay(i%10 + 1)
	}
}

// BenchmarkCircuitBreaker_ClosedPath benchmarks the fast path when the
// circuit is closed and the operation succeeds.
func BenchmarkCircuitBreaker_ClosedPath(b *testing.B) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		cb.Execute(func() error { return nil }) //nolint:errcheck
	}
}
