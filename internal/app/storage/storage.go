package storage

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/devkekops/dropship/internal/app/entity"
)

var ErrNotFound = errors.New("record not found")
var ErrOrderNumberTaken = errors.New("order number already taken")
var ErrLinesUnavailable = errors.New("order lines are not eligible for payout")

// PayoutAmountsFunc computes payout amounts from the lines locked for a payout.
// Returning an error aborts the payout transaction.
type PayoutAmountsFunc func(lines []entity.PayableLine) (entity.PayoutAmounts, error)

// AccountMutation edits a user row while it is locked.
type AccountMutation func(user *entity.User) error

type Repository interface {
	GetStore(ctx context.Context, storeID string) (entity.Store, error)
	GetProduct(ctx context.Context, productID string) (entity.Product, error)
	GetStoreProduct(ctx context.Context, storeProductID string) (entity.StoreProduct, error)
	GetUser(ctx context.Context, userID string) (entity.User, error)
	GetUserByEmail(ctx context.Context, email string) (entity.User, error)
	SetExternalAccount(ctx context.Context, userID string, accountID string) (entity.User, error)
	UpdateAccount(ctx context.Context, externalAccountID string, mutate AccountMutation) (entity.User, error)

	// CreateOrder resolves the customer by email (creating it once), then
	// stores the order and its lines in one transaction.
	CreateOrder(ctx context.Context, customer entity.User, order *entity.Order) error
	GetOrder(ctx context.Context, orderID string) (entity.Order, error)
	// MarkOrderPayment moves a PENDING order to status. It reports false when
	// the order was no longer PENDING.
	MarkOrderPayment(ctx context.Context, orderID string, status entity.PaymentStatus, paymentIntentID string) (bool, error)

	GetFeeSchedule(ctx context.Context) (entity.FeeSchedule, error)
	UpdateFeeSchedule(ctx context.Context, platformFeePct, processorFeePct decimal.NullDecimal) (entity.FeeSchedule, error)

	EligibleLines(ctx context.Context, beneficiaryID string, kind entity.BeneficiaryKind) ([]entity.PayableLine, error)
	PayoutCandidates(ctx context.Context) ([]entity.Beneficiary, error)
	// CreatePayout locks payout.CoveredOrderLineIDs, checks they are all still
	// eligible, computes the amounts and stores the payout with its covered
	// lines in one transaction.
	CreatePayout(ctx context.Context, payout *entity.Payout, compute PayoutAmountsFunc) error
	SetPayoutTransfer(ctx context.Context, payoutID string, transferRef string) (bool, error)
	FailPayout(ctx context.Context, payoutID string, reason string, at time.Time) error
	// TransitionPayout sets status if it differs from the current one.
	// FAILED is final and never left. processed_at is stamped only on the
	// first move to COMPLETED.
	TransitionPayout(ctx context.Context, payoutID string, status entity.PayoutStatus, at time.Time) (bool, error)
	GetPayout(ctx context.Context, payoutID string) (entity.Payout, error)
	GetPayoutByTransfer(ctx context.Context, transferRef string) (entity.Payout, error)
	ListPayouts(ctx context.Context, beneficiaryID string) ([]entity.Payout, error)

	EventProcessed(ctx context.Context, eventID string) (bool, error)
	RecordEvent(ctx context.Context, event entity.WebhookEvent) error

	Close()
}
