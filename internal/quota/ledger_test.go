package quota

import (
	"testing"
	"time"

	"github.com/relayforge/taskmesh/internal/apperrors"
	"github.com/relayforge/taskmesh/internal/clock"
)

func TestTryReserve_FailsOnceLimitReached(t *testing.T) {
	l := New(nil, nil, time.Minute)
	l.SetLimit("p1", "default", 1, time.Hour)

	if _, err := l.TryReserve("p1", "default"); err != nil {
		t.Fatalf("expected first reservation to succeed: %v", err)
	}
	if _, err := l.TryReserve("p1", "default"); !apperrors.Is(err, apperrors.QuotaExhausted) {
		t.Fatalf("expected QuotaExhausted on second reservation, got %v", err)
	}
}

func TestRefund_FreesHeadroomForAnotherReservation(t *testing.T) {
	l := New(nil, nil, time.Minute)
	l.SetLimit("p1", "default", 1, time.Hour)

	tok, err := l.TryReserve("p1", "default")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	l.Refund(tok)

	if _, err := l.TryReserve("p1", "default"); err != nil {
		t.Fatalf("expected reservation to succeed after refund: %v", err)
	}
}

func TestCommit_KeepsUsageCountedAgainstTheWindow(t *testing.T) {
	l := New(nil, nil, time.Minute)
	l.SetLimit("p1", "default", 1, time.Hour)

	tok, err := l.TryReserve("p1", "default")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	l.Commit(tok)

	if _, err := l.TryReserve("p1", "default"); !apperrors.Is(err, apperrors.QuotaExhausted) {
		t.Fatalf("expected committed usage to still count against the window, got %v", err)
	}
}

func TestRollover_ResetsUsageAfterWindowExpires(t *testing.T) {
	fixed := clock.NewFixed(time.Now())
	l := New(nil, fixed, time.Minute)
	l.SetLimit("p1", "default", 1, time.Hour)

	tok, err := l.TryReserve("p1", "default")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	l.Commit(tok)

	fixed.Advance(2 * time.Hour)

	if _, err := l.TryReserve("p1", "default"); err != nil {
		t.Fatalf("expected a fresh window to allow a new reservation: %v", err)
	}
}

func TestPickSubKey_PrefersGreatestHeadroom(t *testing.T) {
	l := New(nil, nil, time.Minute)
	l.SetLimit("p1", "low-headroom", 10, time.Hour)
	l.SetLimit("p1", "high-headroom", 10, time.Hour)

	for i := 0; i < 8; i++ {
		if _, err := l.TryReserve("p1", "low-headroom"); err != nil {
			t.Fatalf("unexpected error reserving low-headroom: %v", err)
		}
	}

	got := l.PickSubKey("p1", []string{"low-headroom", "high-headroom"})
	if got != "high-headroom" {
		t.Fatalf("expected high-headroom to be picked, got %s", got)
	}
}

func TestPickSubKey_PrefersUnmeteredKeyOutright(t *testing.T) {
	l := New(nil, nil, time.Minute)
	l.SetLimit("p1", "metered", 10, time.Hour)

	got := l.PickSubKey("p1", []string{"metered", "unmetered"})
	if got != "unmetered" {
		t.Fatalf("expected the unmetered key to be preferred, got %s", got)
	}
}

func TestJanitor_AutoRefundsExpiredReservation(t *testing.T) {
	fixed := clock.NewFixed(time.Now())
	l := New(nil, fixed, 10*time.Millisecond)
	l.SetLimit("p1", "default", 1, time.Hour)

	if _, err := l.TryReserve("p1", "default"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	fixed.Advance(time.Second)
	l.sweepExpired()

	if _, err := l.TryReserve("p1", "default"); err != nil {
		t.Fatalf("expected janitor to have auto-refunded the stale reservation: %v", err)
	}
}
