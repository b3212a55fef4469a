package settlement

import (
	"bytes"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devkekops/dropship/internal/app/apperr"
	"github.com/devkekops/dropship/internal/app/currency"
	"github.com/devkekops/dropship/internal/app/entity"
	"github.com/devkekops/dropship/internal/app/logger"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func catalog(supplierPrice, vendorPrice string) (*entity.Product, *entity.StoreProduct) {
	return &entity.Product{ID: "p1", SupplierID: "sup1", Name: "Mug", Price: d(supplierPrice), Active: true},
		&entity.StoreProduct{ID: "sp1", StoreID: "st1", ProductID: "p1", Price: d(vendorPrice), Active: true}
}

func newSettler() *Settler {
	return NewSettler(currency.NewNormalizer("USD", map[string]float64{"EUR": 0.8}))
}

func TestSettle_ProportionalSplit(t *testing.T) {
	s := newSettler()
	product, sp := catalog("10", "15")
	fees := entity.DefaultFeeSchedule(time.Now())

	line, err := s.Settle(CartLine{ProductID: "p1", StoreProductID: "sp1", Quantity: 2, UnitPrice: d("15")},
		product, sp, fees, "USD", "US")
	require.NoError(t, err)

	assert.True(t, line.LineTotal().Equal(d("30")))
	assert.True(t, line.ProcessorFeeTotal().Equal(d("0.87")), line.ProcessorFeeTotal().String())
	assert.True(t, line.ProcessorFeeSupplierShare.Equal(d("0.174")), line.ProcessorFeeSupplierShare.String())
	assert.True(t, line.ProcessorFeeVendorShare.Equal(d("0.261")), line.ProcessorFeeVendorShare.String())
	assert.True(t, line.VendorProfit.Equal(d("5")))
	assert.True(t, line.PlatformFee.Mul(decimal.NewFromInt(2)).Equal(d("0.25")))
	assert.Equal(t, "sup1", line.SupplierID)
	assert.True(t, line.ProcessorFeePercentage.Equal(d("2.9")))
	assert.True(t, line.PlatformFeePercentage.Equal(d("2.5")))
}

func TestSettle_ZeroVendorPriceFallsBackToSupplier(t *testing.T) {
	s := newSettler()
	product, sp := catalog("10", "0")
	fees := entity.DefaultFeeSchedule(time.Now())

	line, err := s.Settle(CartLine{ProductID: "p1", StoreProductID: "sp1", Quantity: 1, UnitPrice: d("10")},
		product, sp, fees, "USD", "US")
	require.NoError(t, err)

	assert.True(t, line.ProcessorFeeVendorShare.IsZero())
	assert.True(t, line.ProcessorFeeSupplierShare.Equal(d("0.29")))
	assert.True(t, line.PlatformFee.IsZero())
}

func TestAttributeFeeFallback(t *testing.T) {
	supplier, vendor := AttributeFeeFallback(d("1.23"))
	assert.True(t, supplier.Equal(d("1.23")))
	assert.True(t, vendor.IsZero())
}

func TestSettle_LossMakingLineHasNoPlatformFee(t *testing.T) {
	s := newSettler()
	product, sp := catalog("12", "9")

	line, err := s.Settle(CartLine{ProductID: "p1", StoreProductID: "sp1", Quantity: 3, UnitPrice: d("9")},
		product, sp, entity.DefaultFeeSchedule(time.Now()), "USD", "US")
	require.NoError(t, err)
	assert.True(t, line.VendorProfit.Equal(d("-3")))
	assert.True(t, line.PlatformFee.IsZero())
}

func TestSettle_ConvertsCustomerCurrency(t *testing.T) {
	s := newSettler()
	product, sp := catalog("10", "15")

	line, err := s.Settle(CartLine{ProductID: "p1", StoreProductID: "sp1", Quantity: 1, UnitPrice: d("12")},
		product, sp, entity.DefaultFeeSchedule(time.Now()), "eur", "US")
	require.NoError(t, err)
	assert.True(t, line.UnitPrice.Equal(d("15")), line.UnitPrice.String())
	assert.Equal(t, "EUR", line.DisplayCurrency)
	assert.True(t, line.ExchangeRate.Equal(d("0.8")), line.ExchangeRate.String())
	assert.True(t, line.SupplierPrice.Equal(d("10")))
}

func TestSettle_NonPositiveSubmittedPriceUsesVendorPrice(t *testing.T) {
	s := newSettler()
	product, sp := catalog("10", "15")

	line, err := s.Settle(CartLine{ProductID: "p1", StoreProductID: "sp1", Quantity: 1},
		product, sp, entity.DefaultFeeSchedule(time.Now()), "USD", "US")
	require.NoError(t, err)
	assert.True(t, line.UnitPrice.Equal(d("15")))
}

func TestSettle_SubmittedPriceIsCharged(t *testing.T) {
	var buf bytes.Buffer
	prev := logger.Logger
	logger.Logger = zerolog.New(&buf)
	t.Cleanup(func() { logger.Logger = prev })

	s := newSettler()
	product, sp := catalog("10", "15")

	line, err := s.Settle(CartLine{ProductID: "p1", StoreProductID: "sp1", Quantity: 2, UnitPrice: d("14")},
		product, sp, entity.DefaultFeeSchedule(time.Now()), "USD", "US")
	require.NoError(t, err)
	assert.True(t, line.UnitPrice.Equal(d("14")), line.UnitPrice.String())
	assert.True(t, line.LineTotal().Equal(d("28")), line.LineTotal().String())
	assert.Contains(t, buf.String(), "submitted unit price differs from store price")

	buf.Reset()
	_, err = s.Settle(CartLine{ProductID: "p1", StoreProductID: "sp1", Quantity: 1, UnitPrice: d("15")},
		product, sp, entity.DefaultFeeSchedule(time.Now()), "USD", "US")
	require.NoError(t, err)
	assert.Empty(t, buf.String())
}

func TestSettle_Errors(t *testing.T) {
	s := newSettler()
	fees := entity.DefaultFeeSchedule(time.Now())
	cart := CartLine{ProductID: "p1", StoreProductID: "sp1", Quantity: 1, UnitPrice: d("15")}

	tests := []struct {
		name    string
		mutate  func(p *entity.Product, sp *entity.StoreProduct) (*entity.Product, *entity.StoreProduct)
		country string
		code    string
	}{
		{
			name: "missing product",
			mutate: func(_ *entity.Product, sp *entity.StoreProduct) (*entity.Product, *entity.StoreProduct) {
				return nil, sp
			},
			country: "US",
			code:    apperr.CodeProductNotFound,
		},
		{
			name:    "missing store product",
			mutate:  func(p *entity.Product, _ *entity.StoreProduct) (*entity.Product, *entity.StoreProduct) { return p, nil },
			country: "US",
			code:    apperr.CodeStoreProductNotFound,
		},
		{
			name: "restricted country",
			mutate: func(p *entity.Product, sp *entity.StoreProduct) (*entity.Product, *entity.StoreProduct) {
				p.ShippingCountries = entity.CountryList{"US", "CA"}
				return p, sp
			},
			country: "DE",
			code:    apperr.CodeShippingIneligible,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			product, sp := tt.mutate(catalog("10", "15"))
			_, err := s.Settle(cart, product, sp, fees, "USD", tt.country)
			require.Error(t, err)
			assert.True(t, apperr.Is(err, tt.code), err.Error())
		})
	}
}

func TestSettle_FeeSplitConserves(t *testing.T) {
	s := newSettler()
	fees := entity.FeeSchedule{PlatformFeePercentage: d("3.3"), ProcessorFeePercentage: d("2.9")}
	prices := [][2]string{{"10", "15"}, {"3.33", "7.77"}, {"0.01", "0.02"}, {"99.99", "149.5"}, {"7", "7"}}

	for _, pr := range prices {
		for qty := 1; qty <= 7; qty++ {
			product, sp := catalog(pr[0], pr[1])
			line, err := s.Settle(CartLine{ProductID: "p1", StoreProductID: "sp1", Quantity: qty, UnitPrice: d(pr[1])},
				product, sp, fees, "USD", "US")
			require.NoError(t, err)

			direct := line.LineTotal().Mul(fees.ProcessorFeePercentage).Div(d("100"))
			drift := line.ProcessorFeeTotal().Sub(direct).Abs()
			assert.True(t, drift.LessThanOrEqual(d("0.01")), "prices %v qty %d drift %s", pr, qty, drift)
		}
	}
}
