package money_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/ward-supply/money"
)

func TestParseMinor_RoundsHalfUp(t *testing.T) {
	cases := map[string]int64{
		"":        0,
		"0":       0,
		"12":      1200,
		"12.5":    1250,
		"12.34":   1234,
		"0.125":   13,
		"0.124":   12,
		"1,99":    199,
		" 3.005 ": 301,
		"-0.125":  -13,
	}
	for in, want := range cases {
		got, err := money.ParseMinor(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestParseMinor_RejectsGarbage(t *testing.T) {
	_, err := money.ParseMinor("ten")
	assert.Error(t, err)
}

func TestFormatMinor(t *testing.T) {
	assert.Equal(t, "12.34", money.FormatMinor(1234))
	assert.Equal(t, "0.05", money.FormatMinor(5))
	assert.Equal(t, "3.00", money.FormatMinor(300))
}

func TestToMinor_FromMinor_Inverse(t *testing.T) {
	d := decimal.RequireFromString("150.00")
	assert.Equal(t, int64(15000), money.ToMinor(d))
	assert.True(t, money.FromMinor(15000).Equal(d))
}
