// Package settlement decomposes a cart line into the amounts each party is
// owed, in the canonical currency.
package settlement

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/devkekops/dropship/internal/app/apperr"
	"github.com/devkekops/dropship/internal/app/currency"
	"github.com/devkekops/dropship/internal/app/entity"
	"github.com/devkekops/dropship/internal/app/logger"
)

const sharePrecision = 6

var (
	hundred      = decimal.NewFromInt(100)
	oneCent      = decimal.New(1, -2)
	unitPriceDPs = int32(2)
)

// CartLine is one line as the customer submitted it. UnitPrice is in the
// customer's currency and only advisory.
type CartLine struct {
	ProductID      string          `json:"product_id" validate:"required"`
	StoreProductID string          `json:"store_product_id" validate:"required"`
	Quantity       int             `json:"quantity" validate:"gte=1"`
	UnitPrice      decimal.Decimal `json:"unit_price"`
}

type Settler struct {
	normalizer *currency.Normalizer
}

func NewSettler(normalizer *currency.Normalizer) *Settler {
	return &Settler{normalizer: normalizer}
}

// AttributeFeeFallback is the policy applied when a line has no vendor price
// or no total to split against: the supplier carries the whole processor fee.
func AttributeFeeFallback(fee decimal.Decimal) (supplierShare, vendorShare decimal.Decimal) {
	return fee, decimal.Zero
}

// Settle computes the frozen settlement record for line. product and
// storeProduct are the authoritative catalog rows (nil when unresolved) and
// country is the shipping destination.
func (s *Settler) Settle(line CartLine, product *entity.Product, storeProduct *entity.StoreProduct,
	fees entity.FeeSchedule, customerCurrency, country string) (entity.OrderLine, error) {
	if product == nil || !product.Active {
		return entity.OrderLine{}, apperr.NotFoundf(apperr.CodeProductNotFound,
			"product %s not found", line.ProductID)
	}
	if storeProduct == nil || !storeProduct.Active {
		return entity.OrderLine{}, apperr.NotFoundf(apperr.CodeStoreProductNotFound,
			"store product %s not found", line.StoreProductID)
	}
	if !product.ShipsTo(country) {
		return entity.OrderLine{}, apperr.Eligibilityf(apperr.CodeShippingIneligible,
			"cannot ship to country %s for product %s", country, product.Name)
	}
	if line.Quantity < 1 {
		return entity.OrderLine{}, apperr.Validationf(apperr.CodeInvalidField, "quantity",
			"quantity must be at least 1")
	}

	cur := s.displayCurrency(customerCurrency)
	supplierPrice := product.Price
	vendorPrice := storeProduct.Price
	qty := decimal.NewFromInt(int64(line.Quantity))

	unitPrice := s.normalizer.ToCanonical(line.UnitPrice, cur).Round(unitPriceDPs)
	if !unitPrice.IsPositive() {
		unitPrice = vendorPrice
	} else if !unitPrice.Equal(vendorPrice) {
		logger.Logger.Warn().
			Str("store_product_id", storeProduct.ID).
			Str("submitted", unitPrice.String()).
			Str("listed", vendorPrice.String()).
			Msg("submitted unit price differs from store price")
	}
	lineTotal := unitPrice.Mul(qty)

	processorFee := lineTotal.Mul(fees.ProcessorFeePercentage).Div(hundred)

	var supplierFee, vendorFee decimal.Decimal
	combined := supplierPrice.Add(vendorPrice)
	if vendorPrice.IsPositive() && lineTotal.IsPositive() && combined.IsPositive() {
		supplierFee = processorFee.Mul(supplierPrice).Div(combined)
		vendorFee = processorFee.Sub(supplierFee)
	} else {
		supplierFee, vendorFee = AttributeFeeFallback(processorFee)
	}

	supplierShare := supplierFee.Div(qty).Round(sharePrecision)
	vendorShare := vendorFee.Div(qty).Round(sharePrecision)
	if drift := supplierShare.Add(vendorShare).Mul(qty).Sub(processorFee).Abs(); drift.GreaterThan(oneCent) {
		logger.Logger.Error().
			Str("product_id", product.ID).
			Str("fee", processorFee.String()).
			Str("drift", drift.String()).
			Msg("processor fee split does not conserve the fee")
		return entity.OrderLine{}, apperr.Invariantf(apperr.CodeFeeSplitMismatch,
			"processor fee split drifts by %s", drift)
	}

	vendorProfit := vendorPrice.Sub(supplierPrice)
	platformFee := decimal.Zero
	if vendorProfit.IsPositive() {
		platformFee = vendorProfit.Mul(fees.PlatformFeePercentage).Div(hundred).Round(sharePrecision)
	}

	return entity.OrderLine{
		ProductID:                 product.ID,
		StoreProductID:            storeProduct.ID,
		SupplierID:                product.SupplierID,
		Quantity:                  line.Quantity,
		UnitPrice:                 unitPrice,
		SupplierPrice:             supplierPrice,
		VendorPrice:               vendorPrice,
		VendorProfit:              vendorProfit,
		ProcessorFeeSupplierShare: supplierShare,
		ProcessorFeeVendorShare:   vendorShare,
		PlatformFee:               platformFee,
		ProcessorFeePercentage:    fees.ProcessorFeePercentage,
		PlatformFeePercentage:     fees.PlatformFeePercentage,
		DisplayCurrency:           cur,
		ExchangeRate:              s.normalizer.Rate(s.normalizer.Canonical(), cur),
	}, nil
}

func (s *Settler) displayCurrency(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return s.normalizer.Canonical()
	}
	return code
}
