package payouts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/devkekops/dropship/internal/app/apperr"
	"github.com/devkekops/dropship/internal/app/client"
	"github.com/devkekops/dropship/internal/app/entity"
	"github.com/devkekops/dropship/internal/app/logger"
	"github.com/devkekops/dropship/internal/app/storage"
)

// Engine creates payouts and requests the matching transfers. A failed
// transfer request leaves the payout FAILED with its covered lines kept.
type Engine struct {
	repo      storage.Repository
	processor client.Processor
	currency  string
	now       func() time.Time
}

func NewEngine(repo storage.Repository, processor client.Processor, canonicalCurrency string) *Engine {
	return &Engine{
		repo:      repo,
		processor: processor,
		currency:  canonicalCurrency,
		now:       time.Now,
	}
}

// CreatePayout pays beneficiaryID for exactly orderLineIDs. Either every line
// is still eligible and gets covered, or the call fails with no_eligible_lines.
func (e *Engine) CreatePayout(ctx context.Context, beneficiaryID string, kind entity.BeneficiaryKind, orderLineIDs []string) (entity.Payout, error) {
	if !kind.Valid() {
		return entity.Payout{}, apperr.Validationf(apperr.CodeInvalidField, "beneficiary_kind",
			"unknown beneficiary kind %q", kind)
	}

	user, err := e.repo.GetUser(ctx, beneficiaryID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return entity.Payout{}, apperr.NotFoundf(apperr.CodeBeneficiaryNotFound, "beneficiary %s not found", beneficiaryID)
		}
		return entity.Payout{}, fmt.Errorf("get beneficiary: %w", err)
	}
	if err := checkAccount(user, kind); err != nil {
		return entity.Payout{}, err
	}

	lineIDs := dedupe(orderLineIDs)
	if len(lineIDs) == 0 {
		return entity.Payout{}, apperr.Eligibilityf(apperr.CodeNoEligibleLines, "no order lines given")
	}

	now := e.now()
	payout := entity.Payout{
		ID:                   uuid.NewString(),
		BeneficiaryID:        user.ID,
		BeneficiaryKind:      kind,
		Currency:             e.currency,
		DestinationAccountID: *user.ExternalAccountID,
		Status:               entity.PayoutProcessing,
		CreatedAt:            now,
		UpdatedAt:            now,
		CoveredOrderLineIDs:  lineIDs,
	}

	err = e.repo.CreatePayout(ctx, &payout, func(lines []entity.PayableLine) (entity.PayoutAmounts, error) {
		amounts := Sum(lines, kind)
		if amounts.Net.IsNegative() {
			logger.Logger.Error().
				Str("beneficiary_id", user.ID).
				Str("kind", string(kind)).
				Str("base", amounts.Base.String()).
				Str("net", amounts.Net.String()).
				Msg("negative net payout rejected")
			return amounts, apperr.Invariantf(apperr.CodeNegativeNetPayout,
				"net payout %s for %s is negative", amounts.Net, user.ID)
		}
		return amounts, nil
	})
	if err != nil {
		if errors.Is(err, storage.ErrLinesUnavailable) {
			return entity.Payout{}, apperr.Eligibilityf(apperr.CodeNoEligibleLines,
				"order lines are not all paid and uncovered for %s", user.ID)
		}
		var appErr *apperr.Error
		if errors.As(err, &appErr) {
			return entity.Payout{}, appErr
		}
		return entity.Payout{}, fmt.Errorf("create payout: %w", err)
	}

	logger.Logger.Info().
		Str("payout_id", payout.ID).
		Str("beneficiary_id", payout.BeneficiaryID).
		Str("net", payout.NetAmount.String()).
		Int("lines", len(payout.CoveredOrderLineIDs)).
		Msg("payout created")

	if !payout.NetAmount.IsPositive() {
		if _, err := e.repo.TransitionPayout(ctx, payout.ID, entity.PayoutCompleted, now); err != nil {
			return payout, fmt.Errorf("complete empty payout: %w", err)
		}
		return e.repo.GetPayout(ctx, payout.ID)
	}

	return e.transfer(ctx, payout)
}

func (e *Engine) transfer(ctx context.Context, payout entity.Payout) (entity.Payout, error) {
	metadata := map[string]string{
		"payout_id":        payout.ID,
		"beneficiary_id":   payout.BeneficiaryID,
		"beneficiary_kind": string(payout.BeneficiaryKind),
	}
	ref, err := e.processor.CreateTransfer(ctx, payout.NetAmount, payout.DestinationAccountID, payout.Currency, metadata)
	if err != nil {
		reason := err.Error()
		at := e.now()
		if failErr := e.repo.FailPayout(ctx, payout.ID, reason, at); failErr != nil {
			logger.Logger.Error().Err(failErr).Str("payout_id", payout.ID).Msg("mark payout failed")
		}
		payout.Status = entity.PayoutFailed
		payout.FailureReason = &reason
		payout.UpdatedAt = at

		logger.Logger.Error().Err(err).
			Str("payout_id", payout.ID).
			Str("destination", payout.DestinationAccountID).
			Str("net", payout.NetAmount.String()).
			Msg("transfer request failed")
		appErr := apperr.Wrap(apperr.ExternalService, apperr.CodeTransferFailed, err, "transfer request failed")
		appErr.PayoutID = payout.ID
		return payout, appErr
	}

	if _, err := e.repo.SetPayoutTransfer(ctx, payout.ID, ref); err != nil {
		return payout, fmt.Errorf("record transfer %s: %w", ref, err)
	}
	payout.TransferReference = &ref
	return payout, nil
}

func (e *Engine) GetPayout(ctx context.Context, payoutID string) (entity.Payout, error) {
	payout, err := e.repo.GetPayout(ctx, payoutID)
	if errors.Is(err, storage.ErrNotFound) {
		return payout, apperr.NotFoundf(apperr.CodePayoutNotFound, "payout %s not found", payoutID)
	}
	return payout, err
}

func (e *Engine) ListPayouts(ctx context.Context, beneficiaryID string) ([]entity.Payout, error) {
	return e.repo.ListPayouts(ctx, beneficiaryID)
}

func checkAccount(user entity.User, kind entity.BeneficiaryKind) error {
	if user.Role != kind.Role() {
		return apperr.Eligibilityf(apperr.CodeRoleMismatch, "user %s is %s, not %s", user.ID, user.Role, kind)
	}
	if user.PayoutCapable() {
		return nil
	}
	if user.ExternalAccountID == nil || *user.ExternalAccountID == "" {
		return apperr.Eligibilityf(apperr.CodeAccountNotPayoutCapable, "user %s has no connected account", user.ID)
	}
	if user.KYCStatus != entity.KYCVerified {
		return apperr.Eligibilityf(apperr.CodeKYCIncomplete, "user %s KYC is %s", user.ID, user.KYCStatus)
	}
	return apperr.Eligibilityf(apperr.CodeAccountNotPayoutCapable, "payouts are disabled for user %s", user.ID)
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
