package math_test

import (
	"math/big"
	"testing"

	fpmath "PegLedger/internal/math"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMulDiv_Rounding(t *testing.T) {
	cases := []struct {
		name    string
		a, b, c int64
		mode    fpmath.RoundingMode
		want    int64
	}{
		{"exact", 10, 21, 7, fpmath.RoundDown, 30},
		{"down", 10, 10, 3, fpmath.RoundDown, 33},
		{"up", 10, 10, 3, fpmath.RoundUp, 34},
		{"up exact", 10, 9, 3, fpmath.RoundUp, 30},
		{"half even down", 5, 1, 2, fpmath.RoundHalfEven, 2},
		{"half even up", 7, 1, 2, fpmath.RoundHalfEven, 4},
		{"half even above half", 5, 1, 3, fpmath.RoundHalfEven, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := fpmath.MulDiv(tc.a, tc.b, tc.c, tc.mode)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestMulDiv_WideIntermediate(t *testing.T) {
	// 1e15 * 1e15 overflows int64 but the quotient fits.
	got, err := fpmath.MulDiv(fpmath.MaxShareSupply, fpmath.MaxShareSupply, fpmath.MaxShareSupply, fpmath.RoundDown)
	require.NoError(t, err)
	assert.Equal(t, fpmath.MaxShareSupply, got)
}

func TestMulDiv_Errors(t *testing.T) {
	_, err := fpmath.MulDiv(1, 1, 0, fpmath.RoundDown)
	assert.ErrorIs(t, err, fpmath.ErrDivisionByZero)

	_, err = fpmath.MulDiv(-1, 1, 1, fpmath.RoundDown)
	assert.ErrorIs(t, err, fpmath.ErrNegativeInput)

	_, err = fpmath.MulDiv(fpmath.MaxShareSupply, fpmath.MaxShareSupply, 1, fpmath.RoundDown)
	assert.ErrorIs(t, err, fpmath.ErrOverflow)
}

func TestCompareProducts(t *testing.T) {
	assert.Equal(t, 0, fpmath.CompareProducts(2, 3, 3, 2))
	assert.Equal(t, -1, fpmath.CompareProducts(2, 3, 7, 1))
	assert.Equal(t, 1, fpmath.CompareProducts(fpmath.MaxShareSupply, fpmath.MaxShareSupply, fpmath.MaxShareSupply, fpmath.MaxShareSupply-1))
}

func TestPercent(t *testing.T) {
	fee, err := fpmath.Percent(12345, 100) // 1%
	require.NoError(t, err)
	assert.Equal(t, int64(123), fee)

	fee, err = fpmath.Percent(99, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(0), fee)
}

func TestCheckedAdd(t *testing.T) {
	v, err := fpmath.CheckedAdd(5, -5)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	_, err = fpmath.CheckedAdd(5, -6)
	assert.ErrorIs(t, err, fpmath.ErrOverflow)

	_, err = fpmath.CheckedAdd(fpmath.MaxShareSupply, 1)
	assert.ErrorIs(t, err, fpmath.ErrOverflow)
}

// ============================================================================
// Fractions
// ============================================================================

func TestScaleFraction_Exact(t *testing.T) {
	n, d, approx := fpmath.ScaleFraction(10, 22, 1000, 1500)
	assert.False(t, approx)
	// 10/22 * 2/3 = 20/66 = 10/33
	assert.Equal(t, int64(10), n)
	assert.Equal(t, int64(33), d)
}

func TestScaleFraction_ClampsToMax(t *testing.T) {
	n, d, approx := fpmath.ScaleFraction(fpmath.MaxShareSupply, 1, 3, 1)
	assert.True(t, approx)
	assert.Equal(t, fpmath.MaxShareSupply, n)
	assert.Equal(t, int64(1), d)
}

func TestScaleFraction_ShrinksLargeTerms(t *testing.T) {
	n, d, approx := fpmath.ScaleFraction(fpmath.MaxShareSupply-1, fpmath.MaxShareSupply-3, 1750, 1001)
	assert.True(t, approx)
	assert.LessOrEqual(t, n, fpmath.MaxShareSupply)
	assert.LessOrEqual(t, d, fpmath.MaxShareSupply)
	assert.Greater(t, n, d)
}

func TestShrinkFraction(t *testing.T) {
	num := new(big.Int).Mul(big.NewInt(fpmath.MaxShareSupply), big.NewInt(4))
	n, d := fpmath.ShrinkFraction(num, big.NewInt(3))
	assert.LessOrEqual(t, n, fpmath.MaxShareSupply)
	assert.Equal(t, int64(500_000_000_000_001), n)
	assert.Equal(t, int64(2), d)
}
