// Package orders turns a checkout request into a persisted, fully settled
// order.
package orders

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/devkekops/dropship/internal/app/apperr"
	"github.com/devkekops/dropship/internal/app/client"
	"github.com/devkekops/dropship/internal/app/currency"
	"github.com/devkekops/dropship/internal/app/entity"
	"github.com/devkekops/dropship/internal/app/fees"
	"github.com/devkekops/dropship/internal/app/logger"
	"github.com/devkekops/dropship/internal/app/settlement"
	"github.com/devkekops/dropship/internal/app/storage"
)

const (
	numberAlphabet  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	numberSuffixLen = 5
	numberAttempts  = 5
)

type Address struct {
	Name       string `json:"name" validate:"required"`
	Line1      string `json:"line1" validate:"required"`
	Line2      string `json:"line2"`
	City       string `json:"city" validate:"required"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code" validate:"required"`
	Country    string `json:"country" validate:"required,len=2"`
}

// Request is the checkout payload. Amounts are in Currency. Each line is
// charged at its submitted unit price converted to the canonical currency,
// or at the store price when the submitted one is not positive.
type Request struct {
	StoreID         string                `json:"store_id" validate:"required"`
	CustomerEmail   string                `json:"customer_email" validate:"required,email"`
	CustomerName    string                `json:"customer_name"`
	Shipping        Address               `json:"shipping"`
	Lines           []settlement.CartLine `json:"lines" validate:"required,min=1,dive"`
	Currency        string                `json:"currency" validate:"omitempty,len=3"`
	ShippingAmount  decimal.Decimal       `json:"shipping_amount"`
	TaxAmount       decimal.Decimal       `json:"tax_amount"`
	PaymentIntentID string                `json:"payment_intent_id"`

	// AcceptLanguage picks the display currency when Currency is empty.
	AcceptLanguage string `json:"-"`
}

// Result carries the created order. Warnings lists side effects that failed
// after the order was committed.
type Result struct {
	Order    entity.Order `json:"order"`
	Warnings []string     `json:"warnings,omitempty"`
}

type Assembler struct {
	repo       storage.Repository
	fees       *fees.Provider
	settler    *settlement.Settler
	normalizer *currency.Normalizer
	processor  client.Processor
	validate   *validator.Validate
	now        func() time.Time
}

func NewAssembler(repo storage.Repository, feeProvider *fees.Provider, normalizer *currency.Normalizer,
	processor client.Processor) *Assembler {
	return &Assembler{
		repo:       repo,
		fees:       feeProvider,
		settler:    settlement.NewSettler(normalizer),
		normalizer: normalizer,
		processor:  processor,
		validate:   apperr.NewValidator(),
		now:        time.Now,
	}
}

// CreateOrder validates and settles every line, then stores the order and its
// lines in one transaction. Nothing is written if any line fails.
func (a *Assembler) CreateOrder(ctx context.Context, req Request) (Result, error) {
	if err := a.validate.StructCtx(ctx, req); err != nil {
		return Result{}, apperr.FromValidation(err)
	}

	store, err := a.repo.GetStore(ctx, req.StoreID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Result{}, apperr.NotFoundf(apperr.CodeStoreUnavailable, "store %s not found", req.StoreID)
		}
		return Result{}, fmt.Errorf("get store: %w", err)
	}
	if !store.Orderable() {
		return Result{}, apperr.Eligibilityf(apperr.CodeStoreUnavailable, "store %s is not accepting orders", store.ID)
	}

	cur := req.Currency
	if cur == "" {
		cur = currency.DetectFromLocale(req.AcceptLanguage, a.normalizer.Canonical())
	}

	schedule, err := a.fees.Current(ctx)
	if err != nil {
		return Result{}, err
	}

	now := a.now()
	order := entity.Order{
		ID:              uuid.NewString(),
		StoreID:         store.ID,
		Status:          entity.OrderPending,
		PaymentStatus:   entity.PaymentPending,
		DisplayCurrency: cur,
		CreatedAt:       now,
		UpdatedAt:       now,
		ShippingAddress: entity.ShippingAddress(req.Shipping),
	}

	subtotal := decimal.Zero
	for i, cartLine := range req.Lines {
		product, storeProduct, err := a.resolve(ctx, store.ID, cartLine)
		if err != nil {
			return Result{}, err
		}
		line, err := a.settler.Settle(cartLine, product, storeProduct, schedule, cur, req.Shipping.Country)
		if err != nil {
			var appErr *apperr.Error
			if errors.As(err, &appErr) {
				return Result{}, appErr.AtLine(i)
			}
			return Result{}, err
		}
		line.ID = uuid.NewString()
		line.OrderID = order.ID
		line.LineNo = i + 1
		order.Lines = append(order.Lines, line)
		subtotal = subtotal.Add(line.LineTotal())
	}
	order.DisplayCurrency = order.Lines[0].DisplayCurrency

	order.Subtotal = subtotal.Round(2)
	order.Shipping = a.normalizer.ToCanonical(req.ShippingAmount, cur).Round(2)
	order.Tax = a.normalizer.ToCanonical(req.TaxAmount, cur).Round(2)
	if order.Shipping.IsNegative() || order.Tax.IsNegative() {
		return Result{}, apperr.Validationf(apperr.CodeInvalidField, "shipping_amount",
			"shipping and tax must not be negative")
	}
	order.Total = order.Subtotal.Add(order.Shipping).Add(order.Tax)

	customer := entity.User{
		ID:        uuid.NewString(),
		Email:     req.CustomerEmail,
		Name:      req.CustomerName,
		Role:      entity.RoleCustomer,
		CreatedAt: now,
	}
	if err := a.persist(ctx, customer, &order); err != nil {
		return Result{}, err
	}

	logger.Logger.Info().
		Str("order_id", order.ID).
		Str("order_number", order.Number).
		Str("total", order.Total.String()).
		Int("lines", len(order.Lines)).
		Msg("order created")

	result := Result{Order: order}
	if req.PaymentIntentID != "" {
		if warning := a.linkPaymentIntent(ctx, req.PaymentIntentID, order); warning != "" {
			result.Warnings = append(result.Warnings, warning)
		}
	}
	return result, nil
}

func (a *Assembler) resolve(ctx context.Context, storeID string, line settlement.CartLine) (*entity.Product, *entity.StoreProduct, error) {
	product, err := a.repo.GetProduct(ctx, line.ProductID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, nil, fmt.Errorf("get product: %w", err)
	}
	storeProduct, spErr := a.repo.GetStoreProduct(ctx, line.StoreProductID)
	if spErr != nil && !errors.Is(spErr, storage.ErrNotFound) {
		return nil, nil, fmt.Errorf("get store product: %w", spErr)
	}

	var p *entity.Product
	if err == nil {
		p = &product
	}
	var sp *entity.StoreProduct
	if spErr == nil && storeProduct.StoreID == storeID && storeProduct.ProductID == line.ProductID {
		sp = &storeProduct
	}
	return p, sp, nil
}

// persist retries with a fresh order number while the store reports a clash.
func (a *Assembler) persist(ctx context.Context, customer entity.User, order *entity.Order) error {
	for attempt := 0; attempt < numberAttempts; attempt++ {
		number, err := newOrderNumber(order.CreatedAt)
		if err != nil {
			return err
		}
		order.Number = number

		err = a.repo.CreateOrder(ctx, customer, order)
		if err == nil {
			return nil
		}
		if !errors.Is(err, storage.ErrOrderNumberTaken) {
			return fmt.Errorf("create order: %w", err)
		}
		logger.Logger.Warn().Str("order_number", number).Msg("order number collision, regenerating")
	}
	return apperr.New(apperr.Conflict, apperr.CodeOrderNumberExhausted, "could not allocate a unique order number")
}

func (a *Assembler) linkPaymentIntent(ctx context.Context, paymentIntentID string, order entity.Order) string {
	if a.processor == nil {
		return ""
	}
	metadata := map[string]string{
		"order_id":     order.ID,
		"order_number": order.Number,
		"store_id":     order.StoreID,
	}
	if err := a.processor.UpdatePaymentIntentMetadata(ctx, paymentIntentID, metadata); err != nil {
		logger.Logger.Warn().Err(err).
			Str("order_id", order.ID).
			Str("payment_intent_id", paymentIntentID).
			Msg("payment intent metadata not updated")
		return fmt.Sprintf("payment intent %s was not linked to the order: %v", paymentIntentID, err)
	}
	return ""
}

func newOrderNumber(at time.Time) (string, error) {
	suffix := make([]byte, numberSuffixLen)
	alphabetLen := big.NewInt(int64(len(numberAlphabet)))
	for i := range suffix {
		n, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", err
		}
		suffix[i] = numberAlphabet[n.Int64()]
	}
	return fmt.Sprintf("ORD-%s-%s", at.UTC().Format("20060102"), suffix), nil
}
