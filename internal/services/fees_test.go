package services

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
)

func TestFeePolicySplit(t *testing.T) {
	p := DefaultFeePolicy()
	tests := []struct {
		credits int64
		wantFee int64
		wantNet int64
	}{
		{credits: 20, wantFee: 3, wantNet: 17},
		{credits: 10, wantFee: 2, wantNet: 8}, // 1.5 rounds half up
		{credits: 100, wantFee: 15, wantNet: 85},
		{credits: 4, wantFee: 1, wantNet: 3},
		{credits: 3, wantFee: 0, wantNet: 3},
		{credits: 1, wantFee: 0, wantNet: 1},
		{credits: 7, wantFee: 1, wantNet: 6},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.credits), func(t *testing.T) {
			fee, net := p.Split(tt.credits)
			if fee != tt.wantFee || net != tt.wantNet {
				t.Errorf("Split(%d) = %d, %d; want %d, %d", tt.credits, fee, net, tt.wantFee, tt.wantNet)
			}
			if fee+net != tt.credits {
				t.Errorf("fee + net = %d, want %d", fee+net, tt.credits)
			}
		})
	}
}

func TestFeePolicySplit_ConservesCredits(t *testing.T) {
	for _, rate := range []string{"0", "0.1", "0.15", "0.333", "0.5", "0.99"} {
		p := FeePolicy{Version: "t", Rate: decimal.RequireFromString(rate)}
		for credits := int64(1); credits <= 500; credits++ {
			fee, net := p.Split(credits)
			if fee < 0 || net < 0 || fee+net != credits {
				t.Fatalf("rate %s credits %d: fee %d net %d", rate, credits, fee, net)
			}
		}
	}
}

func TestNewFeePolicy(t *testing.T) {
	if _, err := NewFeePolicy("v2", "0.10"); err != nil {
		t.Errorf("valid policy: %v", err)
	}
	bad := []struct{ version, rate string }{
		{"v1", "1"},
		{"v1", "-0.05"},
		{"v1", "fifteen"},
		{"", "0.15"},
	}
	for _, b := range bad {
		if _, err := NewFeePolicy(b.version, b.rate); err == nil {
			t.Errorf("NewFeePolicy(%q, %q) should fail", b.version, b.rate)
		}
	}
}
