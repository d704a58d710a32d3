package ledger_test

import (
	"errors"
	"testing"

	"github.com/narivals/rivals-ledger/internal/ledger"
)

func TestComputeTournamentReward_LastPlaceGetsBase(t *testing.T) {
	for _, n := range []int{2, 3, 8, 17, 64} {
		got, err := ledger.ComputeTournamentReward(n, n, 50, 15)
		if err != nil {
			t.Fatalf("n=%d: unexpected error: %v", n, err)
		}
		if got != 50 {
			t.Errorf("n=%d: expected base 50 for last place, got %d", n, got)
		}
	}
}

func TestComputeTournamentReward_FirstPlace(t *testing.T) {
	tests := []struct {
		n            int
		base, weight int64
		want         int64
	}{
		{8, 50, 15, 170},
		{16, 100, 20, 420},
		{32, 200, 25, 1000},
		{1, 50, 15, 65},
	}
	for _, tt := range tests {
		got, err := ledger.ComputeTournamentReward(1, tt.n, tt.base, tt.weight)
		if err != nil {
			t.Fatalf("n=%d: unexpected error: %v", tt.n, err)
		}
		if got != tt.want {
			t.Errorf("n=%d: expected %d, got %d", tt.n, tt.want, got)
		}
	}
}

func TestComputeTournamentReward_Middle(t *testing.T) {
	// rank 3 of 5: ((5-3)/4)^1.5 = 0.35355...; 15*5*0.35355 = 26.52 -> ceil(76.52) = 77
	got, err := ledger.ComputeTournamentReward(3, 5, 50, 15)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 77 {
		t.Errorf("expected 77, got %d", got)
	}

	// Rewards never increase with worse placement.
	prev := int64(1 << 62)
	for rank := 1; rank <= 24; rank++ {
		r, err := ledger.ComputeTournamentReward(rank, 24, 100, 20)
		if err != nil {
			t.Fatalf("rank %d: %v", rank, err)
		}
		if r > prev {
			t.Errorf("rank %d earned %d, more than rank %d (%d)", rank, r, rank-1, prev)
		}
		prev = r
	}
}

func TestComputeTournamentReward_InvalidInput(t *testing.T) {
	tests := []struct {
		name    string
		rank, n int
	}{
		{"no participants", 1, 0},
		{"negative participants", 1, -4},
		{"rank zero", 0, 8},
		{"rank past field", 9, 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ledger.ComputeTournamentReward(tt.rank, tt.n, 50, 15)
			if !errors.Is(err, ledger.ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestTierFor(t *testing.T) {
	tests := []struct {
		name string
		want ledger.Tier
	}{
		{"ncs2024", ledger.TierNCS},
		{"NCS-finals", ledger.TierNCS},
		{"wcs12", ledger.TierRegional},
		{"ecs3", ledger.TierRegional},
		{"ccs-summer", ledger.TierRegional},
		{"weekly42", ledger.TierWeekly},
		{"", ledger.TierWeekly},
	}
	for _, tt := range tests {
		if got := ledger.TierFor(tt.name); got != tt.want {
			t.Errorf("TierFor(%q) = %+v, want %+v", tt.name, got, tt.want)
		}
	}
}

func TestReward_UsesTier(t *testing.T) {
	got, err := ledger.Reward("ncs7", 1, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 450 {
		t.Errorf("expected 200+25*10 = 450, got %d", got)
	}
}
