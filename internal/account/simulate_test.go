package account

import (
	"errors"
	"fmt"
	"testing"

	"github.com/atmx/margin-engine/internal/market"
	"github.com/atmx/margin-engine/internal/pool"
	"github.com/atmx/margin-engine/internal/pricefeed"
)

func TestFailureFor(t *testing.T) {
	tests := []struct {
		err  error
		want FailureReason
	}{
		{ErrZeroSize, FailureZeroSize},
		{fmt.Errorf("%w: %w", ErrValidation, pool.ErrUnknownPair), FailureUnknownPair},
		{fmt.Errorf("pool: ETH/USD: %w", pricefeed.ErrNoPrice), FailureNoPrice},
		{market.ErrPairInactive, FailurePairInactive},
		{market.ErrReduceOnly, FailureReduceOnly},
		{market.ErrMaxShortOpenInterest, FailureMaxOpenInterest},
		{market.ErrMaxOpenInterestDiff, FailureMaxOpenInterest},
		{errors.New("decimal: division by zero"), FailureInternal},
	}
	for _, tt := range tests {
		if got := failureFor(tt.err); got != tt.want {
			t.Errorf("failureFor(%v): got %q, want %q", tt.err, got, tt.want)
		}
	}
}
