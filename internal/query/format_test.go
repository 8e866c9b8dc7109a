package query_test

import (
	"PegLedger/internal/protocol"
	"PegLedger/internal/query"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		amount    int64
		precision uint8
		want      string
	}{
		{123456, 4, "12.3456"},
		{100, 0, "100"},
		{5, 2, "0.05"},
		{-5, 2, "-0.05"},
		{0, 5, "0.00000"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, query.FormatAmount(tt.amount, tt.precision))
	}
}

func TestFormatPrice(t *testing.T) {
	// 1.00000 CORE buys 2.5000 USD
	p := protocol.NewPrice(protocol.NewAmount(100_000, protocol.CoreAssetID), protocol.NewAmount(25_000, 1))
	assert.Equal(t, "2.5", query.FormatPrice(p, 5, 4))

	// repeating decimals round to 8 places
	third := protocol.NewPrice(protocol.NewAmount(3, protocol.CoreAssetID), protocol.NewAmount(1, 1))
	assert.Equal(t, "0.33333333", query.FormatPrice(third, 0, 0))

	assert.Empty(t, query.FormatPrice(protocol.Price{}, 5, 4))
}
