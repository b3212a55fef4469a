package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/devkekops/dropship/internal/app/entity"
)

type coverKey struct {
	lineID string
	kind   entity.BeneficiaryKind
}

// RepoMemory keeps everything in maps behind one mutex, so each method is
// atomic the same way a single Postgres transaction is. It backs the service
// when no database URI is configured, and the tests.
type RepoMemory struct {
	mu            sync.RWMutex
	users         map[string]entity.User
	stores        map[string]entity.Store
	products      map[string]entity.Product
	storeProducts map[string]entity.StoreProduct
	orders        map[string]entity.Order
	orderNumbers  map[string]string
	fees          *entity.FeeSchedule
	payouts       map[string]entity.Payout
	covered       map[coverKey]string
	events        map[string]entity.WebhookEvent
}

func NewRepoMemory() *RepoMemory {
	return &RepoMemory{
		users:         make(map[string]entity.User),
		stores:        make(map[string]entity.Store),
		products:      make(map[string]entity.Product),
		storeProducts: make(map[string]entity.StoreProduct),
		orders:        make(map[string]entity.Order),
		orderNumbers:  make(map[string]string),
		payouts:       make(map[string]entity.Payout),
		covered:       make(map[coverKey]string),
		events:        make(map[string]entity.WebhookEvent),
	}
}

// PutUser, PutStore, PutProduct and PutStoreProduct seed catalog data, which
// is owned by systems outside settlement.
func (r *RepoMemory) PutUser(user entity.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	if user.KYCStatus == "" {
		user.KYCStatus = entity.KYCPending
	}
	r.users[user.ID] = user
}

func (r *RepoMemory) PutStore(store entity.Store) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[store.ID] = store
}

func (r *RepoMemory) PutProduct(product entity.Product) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.products[product.ID] = product
}

func (r *RepoMemory) PutStoreProduct(sp entity.StoreProduct) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.storeProducts[sp.ID] = sp
}

// CountUsersByEmail exists for invariant checks in tests.
func (r *RepoMemory) CountUsersByEmail(email string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	email = strings.ToLower(strings.TrimSpace(email))
	n := 0
	for _, u := range r.users {
		if u.Email == email {
			n++
		}
	}
	return n
}

func (r *RepoMemory) CountOrders() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.orders)
}

func (r *RepoMemory) GetStore(_ context.Context, storeID string) (entity.Store, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	store, ok := r.stores[storeID]
	if !ok {
		return entity.Store{}, ErrNotFound
	}
	return store, nil
}

func (r *RepoMemory) GetProduct(_ context.Context, productID string) (entity.Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	product, ok := r.products[productID]
	if !ok {
		return entity.Product{}, ErrNotFound
	}
	return product, nil
}

func (r *RepoMemory) GetStoreProduct(_ context.Context, storeProductID string) (entity.StoreProduct, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sp, ok := r.storeProducts[storeProductID]
	if !ok {
		return entity.StoreProduct{}, ErrNotFound
	}
	return sp, nil
}

func (r *RepoMemory) GetUser(_ context.Context, userID string) (entity.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.users[userID]
	if !ok {
		return entity.User{}, ErrNotFound
	}
	return user, nil
}

func (r *RepoMemory) userByEmail(email string) (entity.User, bool) {
	email = strings.ToLower(strings.TrimSpace(email))
	for _, u := range r.users {
		if u.Email == email {
			return u, true
		}
	}
	return entity.User{}, false
}

func (r *RepoMemory) GetUserByEmail(_ context.Context, email string) (entity.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.userByEmail(email)
	if !ok {
		return entity.User{}, ErrNotFound
	}
	return user, nil
}

func (r *RepoMemory) SetExternalAccount(_ context.Context, userID string, accountID string) (entity.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[userID]
	if !ok {
		return entity.User{}, ErrNotFound
	}
	if user.ExternalAccountID == nil {
		user.ExternalAccountID = &accountID
		r.users[userID] = user
	}
	return user, nil
}

func (r *RepoMemory) UpdateAccount(_ context.Context, externalAccountID string, mutate AccountMutation) (entity.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, user := range r.users {
		if user.ExternalAccountID == nil || *user.ExternalAccountID != externalAccountID {
			continue
		}
		if err := mutate(&user); err != nil {
			return entity.User{}, err
		}
		r.users[id] = user
		return user, nil
	}
	return entity.User{}, ErrNotFound
}

func (r *RepoMemory) CreateOrder(ctx context.Context, customer entity.User, order *entity.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.orderNumbers[order.Number]; taken {
		return fmt.Errorf("%w: %s", ErrOrderNumberTaken, order.Number)
	}

	existing, ok := r.userByEmail(customer.Email)
	if !ok {
		customer.Email = strings.ToLower(strings.TrimSpace(customer.Email))
		customer.Role = entity.RoleCustomer
		customer.KYCStatus = entity.KYCPending
		r.users[customer.ID] = customer
		existing = customer
	}
	order.CustomerID = existing.ID

	stored := *order
	stored.Lines = append([]entity.OrderLine(nil), order.Lines...)
	r.orders[order.ID] = stored
	r.orderNumbers[order.Number] = order.ID
	return nil
}

func (r *RepoMemory) GetOrder(_ context.Context, orderID string) (entity.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	order, ok := r.orders[orderID]
	if !ok {
		return entity.Order{}, ErrNotFound
	}
	order.Lines = append([]entity.OrderLine(nil), order.Lines...)
	return order, nil
}

func (r *RepoMemory) MarkOrderPayment(_ context.Context, orderID string, status entity.PaymentStatus, paymentIntentID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return false, ErrNotFound
	}
	if order.PaymentStatus != entity.PaymentPending {
		return false, nil
	}
	order.PaymentStatus = status
	if order.PaymentIntentID == nil && paymentIntentID != "" {
		order.PaymentIntentID = &paymentIntentID
	}
	order.UpdatedAt = time.Now()
	r.orders[orderID] = order
	return true, nil
}

func (r *RepoMemory) feeSchedule() entity.FeeSchedule {
	if r.fees == nil {
		def := entity.DefaultFeeSchedule(time.Now())
		r.fees = &def
	}
	return *r.fees
}

func (r *RepoMemory) GetFeeSchedule(_ context.Context) (entity.FeeSchedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.feeSchedule(), nil
}

func (r *RepoMemory) UpdateFeeSchedule(_ context.Context, platformFeePct, processorFeePct decimal.NullDecimal) (entity.FeeSchedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fees := r.feeSchedule()
	if platformFeePct.Valid {
		fees.PlatformFeePercentage = platformFeePct.Decimal
	}
	if processorFeePct.Valid {
		fees.ProcessorFeePercentage = processorFeePct.Decimal
	}
	fees.Version++
	fees.UpdatedAt = time.Now()
	r.fees = &fees
	return fees, nil
}

func (r *RepoMemory) payable(beneficiaryID string, kind entity.BeneficiaryKind) []entity.PayableLine {
	var lines []entity.PayableLine
	for _, order := range r.orders {
		if order.PaymentStatus != entity.PaymentPaid {
			continue
		}
		if kind == entity.BeneficiaryVendor {
			store, ok := r.stores[order.StoreID]
			if !ok || store.OwnerID != beneficiaryID {
				continue
			}
		}
		for _, l := range order.Lines {
			if kind == entity.BeneficiarySupplier && l.SupplierID != beneficiaryID {
				continue
			}
			if _, done := r.covered[coverKey{l.ID, kind}]; done {
				continue
			}
			lines = append(lines, entity.PayableLine{
				OrderLineID:               l.ID,
				OrderID:                   l.OrderID,
				Quantity:                  l.Quantity,
				SupplierPrice:             l.SupplierPrice,
				VendorProfit:              l.VendorProfit,
				ProcessorFeeSupplierShare: l.ProcessorFeeSupplierShare,
				ProcessorFeeVendorShare:   l.ProcessorFeeVendorShare,
				PlatformFee:               l.PlatformFee,
			})
		}
	}
	sort.Slice(lines, func(i, j int) bool {
		return lines[i].OrderLineID < lines[j].OrderLineID
	})
	return lines
}

func (r *RepoMemory) EligibleLines(_ context.Context, beneficiaryID string, kind entity.BeneficiaryKind) ([]entity.PayableLine, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown beneficiary kind %q", kind)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.payable(beneficiaryID, kind), nil
}

func (r *RepoMemory) PayoutCandidates(_ context.Context) ([]entity.Beneficiary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[entity.Beneficiary]bool)
	var out []entity.Beneficiary
	add := func(b entity.Beneficiary) {
		if !seen[b] {
			seen[b] = true
			out = append(out, b)
		}
	}
	for _, order := range r.orders {
		if order.PaymentStatus != entity.PaymentPaid {
			continue
		}
		for _, l := range order.Lines {
			if _, done := r.covered[coverKey{l.ID, entity.BeneficiarySupplier}]; !done {
				add(entity.Beneficiary{ID: l.SupplierID, Kind: entity.BeneficiarySupplier})
			}
			if _, done := r.covered[coverKey{l.ID, entity.BeneficiaryVendor}]; !done {
				if store, ok := r.stores[order.StoreID]; ok {
					add(entity.Beneficiary{ID: store.OwnerID, Kind: entity.BeneficiaryVendor})
				}
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *RepoMemory) CreatePayout(_ context.Context, payout *entity.Payout, compute PayoutAmountsFunc) error {
	if !payout.BeneficiaryKind.Valid() {
		return fmt.Errorf("unknown beneficiary kind %q", payout.BeneficiaryKind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(payout.CoveredOrderLineIDs) == 0 {
		return ErrLinesUnavailable
	}
	eligible := make(map[string]entity.PayableLine)
	for _, l := range r.payable(payout.BeneficiaryID, payout.BeneficiaryKind) {
		eligible[l.OrderLineID] = l
	}
	lines := make([]entity.PayableLine, 0, len(payout.CoveredOrderLineIDs))
	for _, id := range payout.CoveredOrderLineIDs {
		l, ok := eligible[id]
		if !ok {
			return ErrLinesUnavailable
		}
		lines = append(lines, l)
		delete(eligible, id)
	}

	amounts, err := compute(lines)
	if err != nil {
		return err
	}
	payout.BaseAmount = amounts.Base
	payout.ProcessorFeeAmount = amounts.ProcessorFee
	payout.PlatformFeeAmount = amounts.PlatformFee
	payout.NetAmount = amounts.Net

	stored := *payout
	stored.CoveredOrderLineIDs = append([]string(nil), payout.CoveredOrderLineIDs...)
	r.payouts[payout.ID] = stored
	for _, id := range payout.CoveredOrderLineIDs {
		r.covered[coverKey{id, payout.BeneficiaryKind}] = payout.ID
	}
	return nil
}

func (r *RepoMemory) SetPayoutTransfer(_ context.Context, payoutID string, transferRef string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	payout, ok := r.payouts[payoutID]
	if !ok || payout.TransferReference != nil {
		return false, nil
	}
	payout.TransferReference = &transferRef
	payout.UpdatedAt = time.Now()
	r.payouts[payoutID] = payout
	return true, nil
}

func (r *RepoMemory) FailPayout(_ context.Context, payoutID string, reason string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	payout, ok := r.payouts[payoutID]
	if !ok {
		return ErrNotFound
	}
	payout.Status = entity.PayoutFailed
	payout.FailureReason = &reason
	payout.UpdatedAt = at
	r.payouts[payoutID] = payout
	return nil
}

func (r *RepoMemory) TransitionPayout(_ context.Context, payoutID string, status entity.PayoutStatus, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	payout, ok := r.payouts[payoutID]
	if !ok || payout.Status == status || payout.Status == entity.PayoutFailed {
		return false, nil
	}
	payout.Status = status
	if status == entity.PayoutCompleted && payout.ProcessedAt == nil {
		processedAt := at
		payout.ProcessedAt = &processedAt
	}
	payout.UpdatedAt = at
	r.payouts[payoutID] = payout
	return true, nil
}

func (r *RepoMemory) GetPayout(_ context.Context, payoutID string) (entity.Payout, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	payout, ok := r.payouts[payoutID]
	if !ok {
		return entity.Payout{}, ErrNotFound
	}
	return payout, nil
}

func (r *RepoMemory) GetPayoutByTransfer(_ context.Context, transferRef string) (entity.Payout, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, payout := range r.payouts {
		if payout.TransferReference != nil && *payout.TransferReference == transferRef {
			return payout, nil
		}
	}
	return entity.Payout{}, ErrNotFound
}

func (r *RepoMemory) ListPayouts(_ context.Context, beneficiaryID string) ([]entity.Payout, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []entity.Payout
	for _, payout := range r.payouts {
		if payout.BeneficiaryID == beneficiaryID {
			out = append(out, payout)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (r *RepoMemory) EventProcessed(_ context.Context, eventID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.events[eventID]
	return ok, nil
}

func (r *RepoMemory) RecordEvent(_ context.Context, event entity.WebhookEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.events[event.ID]; !ok {
		r.events[event.ID] = event
	}
	return nil
}

func (r *RepoMemory) Close() {}
