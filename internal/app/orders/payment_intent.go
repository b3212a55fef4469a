package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/devkekops/dropship/internal/app/apperr"
	"github.com/devkekops/dropship/internal/app/currency"
	"github.com/devkekops/dropship/internal/app/logger"
	"github.com/devkekops/dropship/internal/app/storage"
)

// IntentRequest opens a payment on the network before checkout. Amount is in
// Currency and is what the customer will be charged.
type IntentRequest struct {
	StoreID       string          `json:"store_id" validate:"required"`
	CustomerEmail string          `json:"customer_email" validate:"required,email"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency" validate:"omitempty,len=3"`

	AcceptLanguage string `json:"-"`
}

type Intent struct {
	ID           string          `json:"id"`
	ClientSecret string          `json:"client_secret"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
}

// CreatePaymentIntent creates the intent the checkout later passes as
// payment_intent_id. The order id is attached once the order exists.
func (a *Assembler) CreatePaymentIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	if err := a.validate.StructCtx(ctx, req); err != nil {
		return Intent{}, apperr.FromValidation(err)
	}
	if a.processor == nil {
		return Intent{}, apperr.New(apperr.ExternalService, apperr.CodeProcessorFailed, "no payment processor configured")
	}
	if !req.Amount.IsPositive() {
		return Intent{}, apperr.Validationf(apperr.CodeInvalidField, "amount", "amount must be positive")
	}

	store, err := a.repo.GetStore(ctx, req.StoreID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Intent{}, apperr.NotFoundf(apperr.CodeStoreUnavailable, "store %s not found", req.StoreID)
		}
		return Intent{}, fmt.Errorf("get store: %w", err)
	}
	if !store.Orderable() {
		return Intent{}, apperr.Eligibilityf(apperr.CodeStoreUnavailable, "store %s is not accepting orders", store.ID)
	}

	cur := req.Currency
	if cur == "" {
		cur = currency.DetectFromLocale(req.AcceptLanguage, a.normalizer.Canonical())
	}
	amount := req.Amount.Round(2)

	pi, err := a.processor.CreatePaymentIntent(ctx, amount, cur, map[string]string{
		"store_id":       store.ID,
		"customer_email": req.CustomerEmail,
	})
	if err != nil {
		logger.Logger.Error().Err(err).Str("store_id", store.ID).Msg("payment intent not created")
		return Intent{}, apperr.Wrap(apperr.ExternalService, apperr.CodeProcessorFailed, err, "payment intent could not be created")
	}

	logger.Logger.Info().
		Str("payment_intent_id", pi.ID).
		Str("store_id", store.ID).
		Str("amount", amount.String()).
		Str("currency", cur).
		Msg("payment intent created")
	return Intent{ID: pi.ID, ClientSecret: pi.ClientSecret, Amount: amount, Currency: cur}, nil
}
