package services

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// FeePolicy is the single platform fee applied by every release path.
type FeePolicy struct {
	Version string
	Rate    decimal.Decimal
}

// NewFeePolicy parses rate (e.g. "0.15"). The rate must be in [0, 1).
func NewFeePolicy(version, rate string) (FeePolicy, error) {
	r, err := decimal.NewFromString(rate)
	if err != nil {
		return FeePolicy{}, fmt.Errorf("fee rate %q: %w", rate, err)
	}
	if r.IsNegative() || r.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return FeePolicy{}, fmt.Errorf("fee rate %s out of range [0, 1)", r)
	}
	if version == "" {
		return FeePolicy{}, fmt.Errorf("fee version is required")
	}
	return FeePolicy{Version: version, Rate: r}, nil
}

// DefaultFeePolicy is v1: 15%.
func DefaultFeePolicy() FeePolicy {
	return FeePolicy{Version: "v1", Rate: decimal.RequireFromString("0.15")}
}

// Split divides credits into the platform fee and the provider's net. The fee
// is credits*rate rounded half up to a whole credit, so fee+net == credits.
func (p FeePolicy) Split(credits int64) (fee, net int64) {
	fee = decimal.NewFromInt(credits).Mul(p.Rate).Round(0).IntPart()
	return fee, credits - fee
}

func (p FeePolicy) String() string {
	return fmt.Sprintf("%s@%s%%", p.Version, p.Rate.Shift(2).String())
}
