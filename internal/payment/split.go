package payment

import (
	"fmt"
	"math/big"
)

// StageAmounts divides totalAmount across the stages by integer percentage,
// truncating toward zero. Truncation dust is assigned to the last stage so
// the amounts always sum exactly to totalAmount; percentages must sum to 100.
func StageAmounts(totalAmount *big.Int, splits []int64) ([]*big.Int, error) {
	if totalAmount == nil || totalAmount.Sign() < 0 {
		return nil, ErrInvalidAmount
	}
	var sum int64
	for _, s := range splits {
		if s < 0 {
			return nil, fmt.Errorf("negative split percent: %d", s)
		}
		sum += s
	}
	if sum != 100 {
		return nil, fmt.Errorf("split percentages sum to %d, want 100", sum)
	}

	amounts := make([]*big.Int, len(splits))
	allocated := new(big.Int)
	for i, s := range splits {
		a := new(big.Int).Mul(totalAmount, big.NewInt(s))
		a.Quo(a, big.NewInt(100))
		amounts[i] = a
		allocated.Add(allocated, a)
	}

	// Remainder to the final stage.
	if n := len(amounts); n > 0 {
		rem := new(big.Int).Sub(totalAmount, allocated)
		amounts[n-1].Add(amounts[n-1], rem)
	}
	return amounts, nil
}
