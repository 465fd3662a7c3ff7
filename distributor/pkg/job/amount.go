package job

import (
	"fmt"
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

// NativeFeeReserve is kept back from a 100% native distribution to pay the fee.
const NativeFeeReserve uint64 = 5000

var (
	hundred   = decimal.NewFromInt(100)
	maxUint64 = decimal.NewFromBigInt(new(big.Int).SetUint64(math.MaxUint64), 0)
)

// Allocate resolves each entry's quantity in base units. balance is the
// sender's holding of the asset and is only consulted in percent mode.
// Entries whose quantity floors to zero or overflows are rejected.
func Allocate(entries []Entry, mode Mode, value decimal.Decimal, decimals uint8, balance uint64, native bool) ([]Recipient, []Rejection, error) {
	if !value.IsPositive() {
		return nil, nil, &ValidationError{Field: "amount", Reason: "must be greater than 0"}
	}

	var unit decimal.Decimal
	switch mode {
	case ModeFixed:
		unit = value.Shift(int32(decimals))
	case ModePercent:
		if value.GreaterThan(hundred) {
			return nil, nil, &ValidationError{Field: "amount", Reason: "percentage must not exceed 100"}
		}
		available := balance
		if native && value.Equal(hundred) {
			if available > NativeFeeReserve {
				available -= NativeFeeReserve
			} else {
				available = 0
			}
		}
		unit = fromUint64(available).Mul(value).Div(hundred).Floor()
	default:
		return nil, nil, &ValidationError{Field: "mode", Reason: fmt.Sprintf("unknown mode %q", mode)}
	}

	out := make([]Recipient, 0, len(entries))
	var rejected []Rejection
	for _, e := range entries {
		amt := unit.Mul(e.Weight).Floor()
		if !amt.IsPositive() {
			rejected = append(rejected, Rejection{Key: e.Address.String(), Reason: "amount rounds to zero"})
			continue
		}
		if amt.GreaterThan(maxUint64) {
			rejected = append(rejected, Rejection{Key: e.Address.String(), Reason: "amount overflows"})
			continue
		}
		out = append(out, Recipient{Address: e.Address, Weight: e.Weight, Amount: amt.BigInt().Uint64()})
	}
	return out, rejected, nil
}

// Total sums the quantities of rs as an exact decimal.
func Total(rs []Recipient) decimal.Decimal {
	total := decimal.Zero
	for _, r := range rs {
		total = total.Add(fromUint64(r.Amount))
	}
	return total
}

// FormatUnits renders a base-unit quantity in whole units.
func FormatUnits(amount uint64, decimals uint8) string {
	return fromUint64(amount).Shift(-int32(decimals)).String()
}

// FormatDecimalUnits renders a base-unit decimal quantity in whole units.
func FormatDecimalUnits(amount decimal.Decimal, decimals uint8) string {
	return amount.Shift(-int32(decimals)).String()
}

func fromUint64(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}
