package math

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/holiman/uint256"
)

// MaxShareSupply bounds every on-ledger amount and every price term.
const MaxShareSupply int64 = 1_000_000_000_000_000

// HundredPercent is the denominator for fee and offset percentages.
const HundredPercent = 10_000

var (
	ErrOverflow       = errors.New("arithmetic overflow")
	ErrNegativeInput  = errors.New("negative operand")
	ErrDivisionByZero = errors.New("division by zero")
)

type RoundingMode int

const (
	RoundDown RoundingMode = iota
	RoundUp
	RoundHalfEven
)

func (m RoundingMode) String() string {
	switch m {
	case RoundDown:
		return "down"
	case RoundUp:
		return "up"
	case RoundHalfEven:
		return "half_even"
	default:
		return "unknown"
	}
}

// big.Int pool for fraction reduction
var bigPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getBig() *big.Int {
	return bigPool.Get().(*big.Int)
}

func putBig(v *big.Int) {
	v.SetInt64(0)
	bigPool.Put(v)
}

// MulDiv computes a*b/c in 256-bit space and rounds the quotient with mode.
// Operands must be non-negative and c positive. The result must fit in int64.
func MulDiv(a, b, c int64, mode RoundingMode) (int64, error) {
	if a < 0 || b < 0 || c < 0 {
		return 0, ErrNegativeInput
	}
	if c == 0 {
		return 0, ErrDivisionByZero
	}

	prod := new(uint256.Int).Mul(uint256.NewInt(uint64(a)), uint256.NewInt(uint64(b)))
	den := uint256.NewInt(uint64(c))
	quo, rem := new(uint256.Int).DivMod(prod, den, new(uint256.Int))

	switch mode {
	case RoundUp:
		if !rem.IsZero() {
			quo.AddUint64(quo, 1)
		}
	case RoundHalfEven:
		twice := new(uint256.Int).Lsh(rem, 1)
		switch twice.Cmp(den) {
		case 1:
			quo.AddUint64(quo, 1)
		case 0:
			if quo.Uint64()%2 == 1 {
				quo.AddUint64(quo, 1)
			}
		}
	}

	if !quo.IsUint64() || quo.Uint64() > uint64(1<<63-1) {
		return 0, fmt.Errorf("%w: %d*%d/%d", ErrOverflow, a, b, c)
	}
	return int64(quo.Uint64()), nil
}

// CompareProducts returns the sign of a*b - c*d for non-negative operands.
func CompareProducts(a, b, c, d int64) int {
	left := new(uint256.Int).Mul(uint256.NewInt(uint64(a)), uint256.NewInt(uint64(b)))
	right := new(uint256.Int).Mul(uint256.NewInt(uint64(c)), uint256.NewInt(uint64(d)))
	return left.Cmp(right)
}

// Percent returns value*percent/HundredPercent rounded down.
func Percent(value int64, percent uint16) (int64, error) {
	if value == 0 || percent == 0 {
		return 0, nil
	}
	return MulDiv(value, int64(percent), HundredPercent, RoundDown)
}

// CheckedAdd adds two amounts and fails if the sum leaves [0, MaxShareSupply].
func CheckedAdd(a, b int64) (int64, error) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, fmt.Errorf("%w: %d+%d", ErrOverflow, a, b)
	}
	if sum < 0 || sum > MaxShareSupply {
		return 0, fmt.Errorf("%w: %d+%d outside share bounds", ErrOverflow, a, b)
	}
	return sum, nil
}
