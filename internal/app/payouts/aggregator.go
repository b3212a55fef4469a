// Package payouts aggregates settled order lines per beneficiary and moves
// the resulting payouts through the transfer lifecycle.
package payouts

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/devkekops/dropship/internal/app/apperr"
	"github.com/devkekops/dropship/internal/app/entity"
	"github.com/devkekops/dropship/internal/app/storage"
)

// Pending is what a beneficiary would be paid right now, and for which lines.
type Pending struct {
	entity.PayoutAmounts
	BeneficiaryID   string                 `json:"beneficiary_id"`
	BeneficiaryKind entity.BeneficiaryKind `json:"beneficiary_kind"`
	OrderLineIDs    []string               `json:"order_line_ids"`
}

type Aggregator struct {
	repo storage.Repository
}

func NewAggregator(repo storage.Repository) *Aggregator {
	return &Aggregator{repo: repo}
}

// PendingAmount sums every paid, not yet covered line of the beneficiary.
// It never mutates and is not cached.
func (a *Aggregator) PendingAmount(ctx context.Context, beneficiaryID string, kind entity.BeneficiaryKind) (Pending, error) {
	if !kind.Valid() {
		return Pending{}, apperr.Validationf(apperr.CodeInvalidField, "kind", "unknown beneficiary kind %q", kind)
	}
	lines, err := a.repo.EligibleLines(ctx, beneficiaryID, kind)
	if err != nil {
		return Pending{}, fmt.Errorf("eligible lines: %w", err)
	}

	ids := make([]string, 0, len(lines))
	for _, l := range lines {
		ids = append(ids, l.OrderLineID)
	}
	return Pending{
		PayoutAmounts:   Sum(lines, kind),
		BeneficiaryID:   beneficiaryID,
		BeneficiaryKind: kind,
		OrderLineIDs:    ids,
	}, nil
}

// Sum aggregates per-unit line amounts for kind and rounds to cents.
// Suppliers are paid their cost basis less their processor fee share; vendors
// their margin less their processor fee share and the platform commission.
func Sum(lines []entity.PayableLine, kind entity.BeneficiaryKind) entity.PayoutAmounts {
	base, processorFee, platformFee := decimal.Zero, decimal.Zero, decimal.Zero
	for _, l := range lines {
		qty := decimal.NewFromInt(int64(l.Quantity))
		switch kind {
		case entity.BeneficiarySupplier:
			base = base.Add(l.SupplierPrice.Mul(qty))
			processorFee = processorFee.Add(l.ProcessorFeeSupplierShare.Mul(qty))
		case entity.BeneficiaryVendor:
			base = base.Add(l.VendorProfit.Mul(qty))
			processorFee = processorFee.Add(l.ProcessorFeeVendorShare.Mul(qty))
			platformFee = platformFee.Add(l.PlatformFee.Mul(qty))
		}
	}

	base, processorFee, platformFee = base.Round(2), processorFee.Round(2), platformFee.Round(2)
	return entity.PayoutAmounts{
		Base:         base,
		ProcessorFee: processorFee,
		PlatformFee:  platformFee,
		Net:          base.Sub(processorFee).Sub(platformFee),
	}
}
