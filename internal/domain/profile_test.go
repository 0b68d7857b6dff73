package domain

import (
	"fmt"
	"math"
	"testing"
	"time"
)

func TestResetDailyWindowIfDue(t *testing.T) {
	now := time.Now().UTC()

	t.Run("InsideWindow", func(t *testing.T) {
		p := &UserRiskProfile{
			DailyTransactionCount: 5,
			DailyVolumeUSD:        2500,
			LastDailyResetAt:      now.Add(-time.Hour),
		}
		if p.ResetDailyWindowIfDue(now) {
			t.Error("expected no reset inside the window")
		}
		if p.DailyTransactionCount != 5 || p.DailyVolumeUSD != 2500 {
			t.Error("counters changed without a reset")
		}
	})

	t.Run("WindowElapsed", func(t *testing.T) {
		p := &UserRiskProfile{
			DailyTransactionCount: 5,
			DailyVolumeUSD:        2500,
			LastDailyResetAt:      now.Add(-25 * time.Hour),
		}
		if !p.ResetDailyWindowIfDue(now) {
			t.Fatal("expected a reset after the window elapsed")
		}
		if p.DailyTransactionCount != 0 || p.DailyVolumeUSD != 0 {
			t.Error("expected daily counters to be zeroed")
		}
		if !p.LastDailyResetAt.Equal(now) {
			t.Error("expected reset timestamp to advance")
		}
	})

	t.Run("SecondCallIsNoop", func(t *testing.T) {
		p := &UserRiskProfile{LastDailyResetAt: now.Add(-25 * time.Hour)}
		p.ResetDailyWindowIfDue(now)
		if p.ResetDailyWindowIfDue(now) {
			t.Error("expected second call inside the fresh window to be a no-op")
		}
	})
}

func TestAddFlagBoundedHistory(t *testing.T) {
	p := &UserRiskProfile{}
	for i := 0; i < MaxProfileFlags+8; i++ {
		p.AddFlag(FraudFlag{
			Type:        FlagHighValue,
			Severity:    SeverityLow,
			Description: fmt.Sprintf("flag %d", i),
		})
	}

	if len(p.Flags) != MaxProfileFlags {
		t.Fatalf("expected %d flags, got %d", MaxProfileFlags, len(p.Flags))
	}
	// The oldest entries are dropped, the newest survive.
	if got := p.Flags[len(p.Flags)-1].Description; got != fmt.Sprintf("flag %d", MaxProfileFlags+7) {
		t.Errorf("expected newest flag last, got %q", got)
	}
	if got := p.Flags[0].Description; got != "flag 8" {
		t.Errorf("expected oldest surviving flag to be flag 8, got %q", got)
	}
}

func TestApplyScoreDeltaSaturates(t *testing.T) {
	p := &UserRiskProfile{RiskScore: math.MaxUint32 - 10}
	p.ApplyScoreDelta(50)
	if p.RiskScore != math.MaxUint32 {
		t.Errorf("expected saturated score, got %d", p.RiskScore)
	}
}

func TestRecordTransaction(t *testing.T) {
	now := time.Now().UTC()
	p := &UserRiskProfile{
		TotalVolumeUSD: math.MaxUint64 - 100,
	}

	p.RecordTransaction(500, now)

	if p.DailyTransactionCount != 1 || p.TotalTransactionCount != 1 {
		t.Error("expected counts to increment")
	}
	if p.DailyVolumeUSD != 500 {
		t.Errorf("expected daily volume 500, got %d", p.DailyVolumeUSD)
	}
	if p.TotalVolumeUSD != math.MaxUint64 {
		t.Errorf("expected lifetime volume to saturate, got %d", p.TotalVolumeUSD)
	}
	if !p.LastTransactionAt.Equal(now) {
		t.Error("expected last transaction timestamp to advance")
	}
}
