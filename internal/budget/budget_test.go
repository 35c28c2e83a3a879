package budget

import (
	"sync"
	"testing"
	"time"

	"github.com/voxwire/voxwire/pkg/types"
)

func newTestLedger(limit int, p Period) *Ledger {
	return NewLedger(Config{
		Defaults: map[Resource]Budget{ResourceActions: {Limit: limit, Period: p}},
	})
}

func TestReserveCommitRefundLaw(t *testing.T) {
	t.Parallel()
	l := newTestLedger(100, PerHour)

	before := l.CheckAvailability("t1", ResourceActions)
	if before.Remaining != 100 {
		t.Fatalf("Remaining = %d, want 100", before.Remaining)
	}

	res, err := l.Reserve("t1", ResourceActions, 30)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	res.Commit()

	after := l.CheckAvailability("t1", ResourceActions)
	if got, want := before.Remaining-after.Remaining, 30; got != want {
		t.Errorf("commit decreased remaining by %d, want %d", got, want)
	}

	// Refund restores.
	res2, err := l.Reserve("t1", ResourceActions, 30)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}
	res2.Refund()
	restored := l.CheckAvailability("t1", ResourceActions)
	if restored.Remaining != after.Remaining {
		t.Errorf("Remaining after refund = %d, want %d", restored.Remaining, after.Remaining)
	}
}

func TestReservationHeldUntilResolved(t *testing.T) {
	t.Parallel()
	l := newTestLedger(10, PerHour)

	res, err := l.Reserve("t1", ResourceActions, 10)
	if err != nil {
		t.Fatalf("Reserve() error = %v", err)
	}

	// The full budget is held even though nothing is committed.
	if _, err := l.Reserve("t1", ResourceActions, 1); err == nil {
		t.Fatal("Reserve() over a full hold succeeded")
	} else if types.CodeOf(err) != types.CodeBudgetExceeded {
		t.Errorf("error code = %q, want BUDGET_EXCEEDED", types.CodeOf(err))
	}

	res.Refund()
	if _, err := l.Reserve("t1", ResourceActions, 1); err != nil {
		t.Errorf("Reserve() after refund error = %v", err)
	}
}

func TestResolveIsOnce(t *testing.T) {
	t.Parallel()
	l := newTestLedger(10, PerHour)

	res, _ := l.Reserve("t1", ResourceActions, 4)
	res.Commit()
	res.Refund() // must be a no-op
	res.Commit() // must be a no-op

	if got := l.CheckAvailability("t1", ResourceActions).Remaining; got != 6 {
		t.Errorf("Remaining = %d, want 6", got)
	}
}

func TestTenantsAreIsolated(t *testing.T) {
	t.Parallel()
	l := newTestLedger(5, PerHour)

	res, _ := l.Reserve("t1", ResourceActions, 5)
	res.Commit()

	if _, err := l.Reserve("t1", ResourceActions, 1); err == nil {
		t.Error("exhausted tenant could still reserve")
	}
	if _, err := l.Reserve("t2", ResourceActions, 5); err != nil {
		t.Errorf("other tenant affected: %v", err)
	}
}

func TestOverrides(t *testing.T) {
	t.Parallel()
	l := NewLedger(Config{
		Defaults: map[Resource]Budget{ResourceActions: {Limit: 10, Period: PerHour}},
		Overrides: map[string]map[Resource]Budget{
			"vip": {ResourceActions: {Limit: 1000, Period: PerHour}},
		},
	})

	if got := l.CheckAvailability("vip", ResourceActions).Budget; got != 1000 {
		t.Errorf("vip budget = %d, want 1000", got)
	}
	if got := l.CheckAvailability("other", ResourceActions).Budget; got != 10 {
		t.Errorf("default budget = %d, want 10", got)
	}
}

func TestWindowRollover(t *testing.T) {
	t.Parallel()
	l := newTestLedger(5, PerMinute)

	base := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)
	l.now = func() time.Time { return base }

	res, _ := l.Reserve("t1", ResourceActions, 5)
	res.Commit()
	if _, err := l.Reserve("t1", ResourceActions, 1); err == nil {
		t.Fatal("Reserve() in exhausted window succeeded")
	}

	av := l.CheckAvailability("t1", ResourceActions)
	wantReset := time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC)
	if !av.ResetAt.Equal(wantReset) {
		t.Errorf("ResetAt = %v, want %v", av.ResetAt, wantReset)
	}

	l.now = func() time.Time { return base.Add(time.Minute) }
	if _, err := l.Reserve("t1", ResourceActions, 5); err != nil {
		t.Errorf("Reserve() in new window error = %v", err)
	}
}

func TestMonthlyWindowAlignment(t *testing.T) {
	t.Parallel()
	l := NewLedger(Config{
		Defaults: map[Resource]Budget{ResourceTokens: {Limit: 100, Period: PerMonth}},
	})
	l.now = func() time.Time { return time.Date(2026, 2, 14, 9, 30, 0, 0, time.UTC) }

	av := l.CheckAvailability("t1", ResourceTokens)
	want := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if !av.ResetAt.Equal(want) {
		t.Errorf("ResetAt = %v, want %v", av.ResetAt, want)
	}
}

func TestZeroLimitIsUnlimited(t *testing.T) {
	t.Parallel()
	l := NewLedger(Config{Defaults: map[Resource]Budget{}})

	res, err := l.Reserve("t1", ResourceTokens, 1_000_000)
	if err != nil {
		t.Fatalf("Reserve() on unlimited budget error = %v", err)
	}
	res.Commit()

	av := l.CheckAvailability("t1", ResourceTokens)
	if !av.Allowed {
		t.Error("unlimited budget reported unavailable")
	}
}

func TestConcurrentReservationsSerialized(t *testing.T) {
	t.Parallel()
	l := newTestLedger(100, PerHour)

	var wg sync.WaitGroup
	granted := make(chan *Reservation, 200)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res, err := l.Reserve("t1", ResourceActions, 1); err == nil {
				granted <- res
			}
		}()
	}
	wg.Wait()
	close(granted)

	var n int
	for res := range granted {
		res.Commit()
		n++
	}
	if n != 100 {
		t.Errorf("granted %d reservations, want exactly 100", n)
	}
	if got := l.CheckAvailability("t1", ResourceActions).Remaining; got != 0 {
		t.Errorf("Remaining = %d, want 0", got)
	}
}

func TestEstimateTokens(t *testing.T) {
	t.Parallel()
	tests := []struct {
		input string
		want  int
	}{
		{"", 800},
		{"1234567", 802}, // ceil(7/3.5) = 2
		{"12345678", 803},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.input); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}
