package pricing_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/technest/payment-core/internal/pricing"
)

func TestTotalSkipsNonPositiveQuantities(t *testing.T) {
	total, err := pricing.Total([]pricing.Item{
		{Qty: 2, UnitPrice: 1250},
		{Qty: 0, UnitPrice: 9999},
		{Qty: 1, UnitPrice: 4999},
	})
	require.NoError(t, err)
	require.Equal(t, pricing.Money(7499), total)
}

func TestTotalRejectsOverflow(t *testing.T) {
	_, err := pricing.Total([]pricing.Item{{Qty: 20, UnitPrice: 1e18}})
	require.ErrorIs(t, err, pricing.ErrInvalidAmount)

	_, err = pricing.Total([]pricing.Item{
		{Qty: 1, UnitPrice: math.MaxInt64},
		{Qty: 1, UnitPrice: 1},
	})
	require.ErrorIs(t, err, pricing.ErrInvalidAmount)
}

func TestMajorConversionsRejectOutOfRange(t *testing.T) {
	_, err := pricing.FromMajor(1e17)
	require.ErrorIs(t, err, pricing.ErrInvalidAmount)

	_, err = pricing.FromMajor(math.Inf(1))
	require.ErrorIs(t, err, pricing.ErrInvalidAmount)

	_, err = pricing.RoundMajor(2e17)
	require.ErrorIs(t, err, pricing.ErrInvalidAmount)

	_, err = pricing.RoundMajor(math.NaN())
	require.ErrorIs(t, err, pricing.ErrInvalidAmount)

	_, err = pricing.ParseMajor("92233720368547758.08")
	require.ErrorIs(t, err, pricing.ErrInvalidAmount)

	got, err := pricing.FromMajor(1e16)
	require.NoError(t, err)
	require.Equal(t, pricing.Money(1e18), got)
}

func TestFromMajor(t *testing.T) {
	got, err := pricing.FromMajor(49.99)
	require.NoError(t, err)
	require.Equal(t, pricing.Money(4999), got)

	got, err = pricing.FromMajor(0.1 + 0.2)
	require.Error(t, err, "float noise beyond two decimals must not be rounded silently")
	require.Zero(t, got)

	_, err = pricing.FromMajor(10.005)
	require.ErrorIs(t, err, pricing.ErrInvalidAmount)
}

func TestParseAndFormatMajor(t *testing.T) {
	got, err := pricing.ParseMajor(" 39.99 ")
	require.NoError(t, err)
	require.Equal(t, pricing.Money(3999), got)

	got, err = pricing.ParseMajor("120")
	require.NoError(t, err)
	require.Equal(t, pricing.Money(12000), got)

	_, err = pricing.ParseMajor("forty")
	require.ErrorIs(t, err, pricing.ErrInvalidAmount)

	require.Equal(t, "49.99", pricing.FormatMajor(4999))
	require.Equal(t, "0.05", pricing.FormatMajor(5))
}

func TestRoundMajor(t *testing.T) {
	got, err := pricing.RoundMajor(0.1 + 0.2)
	require.NoError(t, err)
	require.Equal(t, pricing.Money(30), got)

	got, err = pricing.RoundMajor(49.99)
	require.NoError(t, err)
	require.Equal(t, pricing.Money(4999), got)
}
