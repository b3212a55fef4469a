package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devkekops/dropship/internal/app/entity"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// catalog seeds the rows owned by systems outside settlement.
type catalog interface {
	user(t *testing.T, u entity.User)
	store(t *testing.T, s entity.Store)
	product(t *testing.T, p entity.Product)
	storeProduct(t *testing.T, sp entity.StoreProduct)
}

type memoryCatalog struct{ repo *RepoMemory }

func (c memoryCatalog) user(_ *testing.T, u entity.User)                  { c.repo.PutUser(u) }
func (c memoryCatalog) store(_ *testing.T, s entity.Store)                { c.repo.PutStore(s) }
func (c memoryCatalog) product(_ *testing.T, p entity.Product)            { c.repo.PutProduct(p) }
func (c memoryCatalog) storeProduct(_ *testing.T, sp entity.StoreProduct) { c.repo.PutStoreProduct(sp) }

type dbCatalog struct{ repo *RepoDB }

func (c dbCatalog) user(t *testing.T, u entity.User) {
	if u.KYCStatus == "" {
		u.KYCStatus = entity.KYCPending
	}
	_, err := c.repo.db.NamedExec(`INSERT INTO users (`+userColumns+`) VALUES (
		:user_id, :email, :name, :role, :external_account_id, :kyc_status,
		:onboarding_complete, :charges_enabled, :payouts_enabled, now())`, u)
	require.NoError(t, err)
}

func (c dbCatalog) store(t *testing.T, s entity.Store) {
	_, err := c.repo.db.NamedExec(`INSERT INTO stores (store_id, owner_id, name, status)
		VALUES (:store_id, :owner_id, :name, :status)`, s)
	require.NoError(t, err)
}

func (c dbCatalog) product(t *testing.T, p entity.Product) {
	_, err := c.repo.db.NamedExec(`INSERT INTO products (product_id, supplier_id, name, price, shipping_countries, active)
		VALUES (:product_id, :supplier_id, :name, :price, :shipping_countries, :active)`, p)
	require.NoError(t, err)
}

func (c dbCatalog) storeProduct(t *testing.T, sp entity.StoreProduct) {
	_, err := c.repo.db.NamedExec(`INSERT INTO store_products (store_product_id, store_id, product_id, price, active)
		VALUES (:store_product_id, :store_id, :product_id, :price, :active)`, sp)
	require.NoError(t, err)
}

type world struct {
	repo     Repository
	supplier string
	vendor   string
	store    string
	product  string
}

// newWorld seeds one supplier, one vendor with an active store and one listed
// product. Ids are random so the suite can share a database.
func newWorld(t *testing.T, repo Repository, c catalog) world {
	t.Helper()
	suffix := uuid.NewString()[:8]
	w := world{
		repo:     repo,
		supplier: "sup-" + suffix,
		vendor:   "ven-" + suffix,
		store:    "st-" + suffix,
		product:  "p-" + suffix,
	}
	acct := func(id string) entity.BeneficiaryAccount {
		ref := "acct_" + id
		return entity.BeneficiaryAccount{ExternalAccountID: &ref, KYCStatus: entity.KYCVerified, PayoutsEnabled: true}
	}
	c.user(t, entity.User{ID: w.supplier, Email: w.supplier + "@example.com", Role: entity.RoleSupplier, BeneficiaryAccount: acct(w.supplier)})
	c.user(t, entity.User{ID: w.vendor, Email: w.vendor + "@example.com", Role: entity.RoleVendor, BeneficiaryAccount: acct(w.vendor)})
	c.store(t, entity.Store{ID: w.store, OwnerID: w.vendor, Name: "Shop", Status: entity.StoreActive})
	c.product(t, entity.Product{ID: w.product, SupplierID: w.supplier, Name: "Mug", Price: d("10"), Active: true,
		ShippingCountries: entity.CountryList{"US"}})
	c.storeProduct(t, entity.StoreProduct{ID: "sp-" + suffix, StoreID: w.store, ProductID: w.product, Price: d("15"), Active: true})
	return w
}

func (w world) order(t *testing.T, email string, qty int) entity.Order {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	orderID := uuid.NewString()
	order := entity.Order{
		ID:              orderID,
		Number:          "ORD-" + uuid.NewString()[:12],
		StoreID:         w.store,
		Subtotal:        d("15").Mul(decimal.NewFromInt(int64(qty))),
		Shipping:        decimal.Zero,
		Tax:             decimal.Zero,
		Total:           d("15").Mul(decimal.NewFromInt(int64(qty))),
		Status:          entity.OrderPending,
		PaymentStatus:   entity.PaymentPending,
		DisplayCurrency: "USD",
		CreatedAt:       now,
		UpdatedAt:       now,
		ShippingAddress: entity.ShippingAddress{Name: "B", Line1: "1 Main", City: "X", PostalCode: "1", Country: "US"},
		Lines: []entity.OrderLine{{
			ID: uuid.NewString(), OrderID: orderID, LineNo: 1, ProductID: w.product, StoreProductID: "sp",
			SupplierID: w.supplier, Quantity: qty, UnitPrice: d("15"), SupplierPrice: d("10"), VendorPrice: d("15"),
			VendorProfit: d("5"), ProcessorFeeSupplierShare: d("0.174"), ProcessorFeeVendorShare: d("0.261"),
			PlatformFee: d("0.125"), ProcessorFeePercentage: d("2.9"), PlatformFeePercentage: d("2.5"),
			DisplayCurrency: "USD", ExchangeRate: d("1"),
		}},
	}
	customer := entity.User{ID: uuid.NewString(), Email: email, Name: "Buyer", CreatedAt: now}
	require.NoError(t, w.repo.CreateOrder(context.Background(), customer, &order))
	return order
}

func (w world) paid(t *testing.T, email string, qty int) entity.Order {
	t.Helper()
	order := w.order(t, email, qty)
	changed, err := w.repo.MarkOrderPayment(context.Background(), order.ID, entity.PaymentPaid, "pi_"+order.ID)
	require.NoError(t, err)
	require.True(t, changed)
	return order
}

func sumAmounts(lines []entity.PayableLine) (entity.PayoutAmounts, error) {
	base := decimal.Zero
	for _, l := range lines {
		base = base.Add(l.SupplierPrice.Mul(decimal.NewFromInt(int64(l.Quantity))))
	}
	return entity.PayoutAmounts{Base: base, Net: base}, nil
}

func newPayout(beneficiaryID string, kind entity.BeneficiaryKind, lineIDs ...string) *entity.Payout {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &entity.Payout{
		ID:                   uuid.NewString(),
		BeneficiaryID:        beneficiaryID,
		BeneficiaryKind:      kind,
		Currency:             "USD",
		DestinationAccountID: "acct_" + beneficiaryID,
		Status:               entity.PayoutProcessing,
		CreatedAt:            now,
		UpdatedAt:            now,
		CoveredOrderLineIDs:  lineIDs,
	}
}

func runRepositorySuite(t *testing.T, repo Repository, c catalog) {
	ctx := context.Background()

	t.Run("customer resolved by email", func(t *testing.T) {
		w := newWorld(t, repo, c)
		email := "buyer-" + w.store + "@example.com"
		first := w.order(t, email, 1)
		second := w.order(t, "  "+email, 1)
		assert.Equal(t, first.CustomerID, second.CustomerID)

		user, err := repo.GetUserByEmail(ctx, email)
		require.NoError(t, err)
		assert.Equal(t, entity.RoleCustomer, user.Role)
	})

	t.Run("order round trip", func(t *testing.T) {
		w := newWorld(t, repo, c)
		order := w.order(t, "rt-"+w.store+"@example.com", 3)

		got, err := repo.GetOrder(ctx, order.ID)
		require.NoError(t, err)
		assert.Equal(t, order.Number, got.Number)
		require.Len(t, got.Lines, 1)
		assert.Equal(t, 3, got.Lines[0].Quantity)
		assert.True(t, d("0.174").Equal(got.Lines[0].ProcessorFeeSupplierShare))

		_, err = repo.GetOrder(ctx, uuid.NewString())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("order number taken", func(t *testing.T) {
		w := newWorld(t, repo, c)
		order := w.order(t, "dup-"+w.store+"@example.com", 1)

		clash := order
		clash.ID = uuid.NewString()
		clash.Lines = nil
		err := repo.CreateOrder(ctx, entity.User{ID: uuid.NewString(), Email: "other-" + w.store + "@example.com"}, &clash)
		assert.ErrorIs(t, err, ErrOrderNumberTaken)
	})

	t.Run("payment status moves once", func(t *testing.T) {
		w := newWorld(t, repo, c)
		order := w.order(t, "pay-"+w.store+"@example.com", 1)

		changed, err := repo.MarkOrderPayment(ctx, order.ID, entity.PaymentPaid, "pi_1")
		require.NoError(t, err)
		assert.True(t, changed)

		changed, err = repo.MarkOrderPayment(ctx, order.ID, entity.PaymentFailed, "pi_2")
		require.NoError(t, err)
		assert.False(t, changed)

		got, err := repo.GetOrder(ctx, order.ID)
		require.NoError(t, err)
		assert.Equal(t, entity.PaymentPaid, got.PaymentStatus)
		require.NotNil(t, got.PaymentIntentID)
		assert.Equal(t, "pi_1", *got.PaymentIntentID)
	})

	t.Run("eligible lines per kind", func(t *testing.T) {
		w := newWorld(t, repo, c)
		unpaid := w.order(t, "el-"+w.store+"@example.com", 1)
		paid := w.paid(t, "el-"+w.store+"@example.com", 2)

		for _, tc := range []struct {
			id   string
			kind entity.BeneficiaryKind
		}{{w.supplier, entity.BeneficiarySupplier}, {w.vendor, entity.BeneficiaryVendor}} {
			lines, err := repo.EligibleLines(ctx, tc.id, tc.kind)
			require.NoError(t, err)
			require.Len(t, lines, 1, tc.kind)
			assert.Equal(t, paid.Lines[0].ID, lines[0].OrderLineID)
			assert.NotEqual(t, unpaid.Lines[0].ID, lines[0].OrderLineID)
		}

		lines, err := repo.EligibleLines(ctx, w.vendor, entity.BeneficiarySupplier)
		require.NoError(t, err)
		assert.Empty(t, lines)
	})

	t.Run("payout covers line once per kind", func(t *testing.T) {
		w := newWorld(t, repo, c)
		order := w.paid(t, "po-"+w.store+"@example.com", 2)
		lineID := order.Lines[0].ID

		supplierPayout := newPayout(w.supplier, entity.BeneficiarySupplier, lineID)
		require.NoError(t, repo.CreatePayout(ctx, supplierPayout, sumAmounts))
		assert.True(t, d("20").Equal(supplierPayout.NetAmount))

		err := repo.CreatePayout(ctx, newPayout(w.supplier, entity.BeneficiarySupplier, lineID), sumAmounts)
		assert.ErrorIs(t, err, ErrLinesUnavailable)

		require.NoError(t, repo.CreatePayout(ctx, newPayout(w.vendor, entity.BeneficiaryVendor, lineID), sumAmounts))

		got, err := repo.GetPayout(ctx, supplierPayout.ID)
		require.NoError(t, err)
		assert.Equal(t, []string{lineID}, got.CoveredOrderLineIDs)
		assert.Equal(t, entity.PayoutProcessing, got.Status)
	})

	t.Run("payout is all or nothing", func(t *testing.T) {
		w := newWorld(t, repo, c)
		a := w.paid(t, "aon-"+w.store+"@example.com", 1)
		b := w.order(t, "aon-"+w.store+"@example.com", 1)

		err := repo.CreatePayout(ctx, newPayout(w.supplier, entity.BeneficiarySupplier, a.Lines[0].ID, b.Lines[0].ID), sumAmounts)
		assert.ErrorIs(t, err, ErrLinesUnavailable)

		lines, err := repo.EligibleLines(ctx, w.supplier, entity.BeneficiarySupplier)
		require.NoError(t, err)
		assert.Len(t, lines, 1)

		boom := errors.New("boom")
		err = repo.CreatePayout(ctx, newPayout(w.supplier, entity.BeneficiarySupplier, a.Lines[0].ID),
			func([]entity.PayableLine) (entity.PayoutAmounts, error) { return entity.PayoutAmounts{}, boom })
		assert.ErrorIs(t, err, boom)

		lines, err = repo.EligibleLines(ctx, w.supplier, entity.BeneficiarySupplier)
		require.NoError(t, err)
		assert.Len(t, lines, 1)
	})

	t.Run("concurrent payouts race for the same line", func(t *testing.T) {
		w := newWorld(t, repo, c)
		order := w.paid(t, "race-"+w.store+"@example.com", 1)

		var wg sync.WaitGroup
		var mu sync.Mutex
		created := 0
		for i := 0; i < 6; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := repo.CreatePayout(ctx, newPayout(w.supplier, entity.BeneficiarySupplier, order.Lines[0].ID), sumAmounts)
				if err == nil {
					mu.Lock()
					created++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, created)
	})

	t.Run("payout lifecycle", func(t *testing.T) {
		w := newWorld(t, repo, c)
		order := w.paid(t, "life-"+w.store+"@example.com", 1)
		payout := newPayout(w.supplier, entity.BeneficiarySupplier, order.Lines[0].ID)
		require.NoError(t, repo.CreatePayout(ctx, payout, sumAmounts))

		ref := "tr_" + payout.ID
		set, err := repo.SetPayoutTransfer(ctx, payout.ID, ref)
		require.NoError(t, err)
		assert.True(t, set)
		set, err = repo.SetPayoutTransfer(ctx, payout.ID, "tr_other")
		require.NoError(t, err)
		assert.False(t, set)

		byRef, err := repo.GetPayoutByTransfer(ctx, ref)
		require.NoError(t, err)
		assert.Equal(t, payout.ID, byRef.ID)

		first := time.Now().UTC().Truncate(time.Microsecond)
		moved, err := repo.TransitionPayout(ctx, payout.ID, entity.PayoutCompleted, first)
		require.NoError(t, err)
		assert.True(t, moved)
		moved, err = repo.TransitionPayout(ctx, payout.ID, entity.PayoutCompleted, first.Add(time.Hour))
		require.NoError(t, err)
		assert.False(t, moved)

		got, err := repo.GetPayout(ctx, payout.ID)
		require.NoError(t, err)
		require.NotNil(t, got.ProcessedAt)
		assert.True(t, first.Equal(*got.ProcessedAt))

		list, err := repo.ListPayouts(ctx, w.supplier)
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("fail payout keeps lines covered", func(t *testing.T) {
		w := newWorld(t, repo, c)
		order := w.paid(t, "fail-"+w.store+"@example.com", 1)
		payout := newPayout(w.supplier, entity.BeneficiarySupplier, order.Lines[0].ID)
		require.NoError(t, repo.CreatePayout(ctx, payout, sumAmounts))
		require.NoError(t, repo.FailPayout(ctx, payout.ID, "insufficient funds", time.Now()))

		moved, err := repo.TransitionPayout(ctx, payout.ID, entity.PayoutCompleted, time.Now())
		require.NoError(t, err)
		assert.False(t, moved)
		moved, err = repo.TransitionPayout(ctx, payout.ID, entity.PayoutProcessing, time.Now())
		require.NoError(t, err)
		assert.False(t, moved)

		got, err := repo.GetPayout(ctx, payout.ID)
		require.NoError(t, err)
		assert.Equal(t, entity.PayoutFailed, got.Status)
		assert.Nil(t, got.ProcessedAt)
		require.NotNil(t, got.FailureReason)
		assert.Equal(t, "insufficient funds", *got.FailureReason)

		lines, err := repo.EligibleLines(ctx, w.supplier, entity.BeneficiarySupplier)
		require.NoError(t, err)
		assert.Empty(t, lines)
	})

	t.Run("payout candidates", func(t *testing.T) {
		w := newWorld(t, repo, c)
		w.paid(t, "cand-"+w.store+"@example.com", 1)

		candidates, err := repo.PayoutCandidates(ctx)
		require.NoError(t, err)
		assert.Contains(t, candidates, entity.Beneficiary{ID: w.supplier, Kind: entity.BeneficiarySupplier})
		assert.Contains(t, candidates, entity.Beneficiary{ID: w.vendor, Kind: entity.BeneficiaryVendor})
	})

	t.Run("account updates", func(t *testing.T) {
		w := newWorld(t, repo, c)
		user, err := repo.UpdateAccount(ctx, "acct_"+w.vendor, func(u *entity.User) error {
			u.KYCStatus = entity.KYCRejected
			u.PayoutsEnabled = false
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, entity.KYCRejected, user.KYCStatus)

		got, err := repo.GetUser(ctx, w.vendor)
		require.NoError(t, err)
		assert.False(t, got.PayoutsEnabled)

		_, err = repo.UpdateAccount(ctx, "acct_missing_"+w.vendor, func(*entity.User) error { return nil })
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("webhook events", func(t *testing.T) {
		id := "evt_" + uuid.NewString()
		done, err := repo.EventProcessed(ctx, id)
		require.NoError(t, err)
		assert.False(t, done)

		ev := entity.WebhookEvent{ID: id, Type: "transfer.updated", ProcessedAt: time.Now()}
		require.NoError(t, repo.RecordEvent(ctx, ev))
		require.NoError(t, repo.RecordEvent(ctx, ev))

		done, err = repo.EventProcessed(ctx, id)
		require.NoError(t, err)
		assert.True(t, done)
	})
}

func TestRepoMemory(t *testing.T) {
	repo := NewRepoMemory()
	runRepositorySuite(t, repo, memoryCatalog{repo})
}

func TestRepoMemory_CreateOrderHonoursContext(t *testing.T) {
	repo := NewRepoMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := repo.CreateOrder(ctx, entity.User{ID: "c1", Email: "c@example.com"}, &entity.Order{ID: "o1", Number: "n1"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, repo.CountOrders())
}

func TestRepoMemory_FeeSchedule(t *testing.T) {
	repo := NewRepoMemory()
	ctx := context.Background()

	fees, err := repo.GetFeeSchedule(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), fees.Version)

	fees, err = repo.UpdateFeeSchedule(ctx, decimal.NewNullDecimal(d("3")), decimal.NullDecimal{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), fees.Version)
	assert.True(t, d("3").Equal(fees.PlatformFeePercentage))
	assert.True(t, entity.DefaultProcessorFeePercentage.Equal(fees.ProcessorFeePercentage))
}

// TestRepoDB runs the same suite against Postgres when TEST_DATABASE_URI is
// set, e.g. postgres://localhost:5432/dropship_test.
func TestRepoDB(t *testing.T) {
	uri := os.Getenv("TEST_DATABASE_URI")
	if uri == "" {
		t.Skip("TEST_DATABASE_URI not set")
	}
	repo, err := NewRepoDB(uri)
	require.NoError(t, err, fmt.Sprintf("connect %s", uri))
	t.Cleanup(repo.Close)

	runRepositorySuite(t, repo, dbCatalog{repo})

	t.Run("fee schedule", func(t *testing.T) {
		ctx := context.Background()
		before, err := repo.GetFeeSchedule(ctx)
		require.NoError(t, err)

		after, err := repo.UpdateFeeSchedule(ctx, decimal.NullDecimal{}, decimal.NewNullDecimal(before.ProcessorFeePercentage))
		require.NoError(t, err)
		assert.Equal(t, before.Version+1, after.Version)
		assert.True(t, before.PlatformFeePercentage.Equal(after.PlatformFeePercentage))
	})
}
