package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/devkekops/dropship/internal/app/entity"
	"github.com/devkekops/dropship/internal/app/logger"
)

var schema = `
CREATE TABLE IF NOT EXISTS users(
	user_id				TEXT PRIMARY KEY,
	email				TEXT NOT NULL UNIQUE,
	name				TEXT NOT NULL DEFAULT '',
	role				VARCHAR(16) NOT NULL,
	external_account_id	TEXT UNIQUE,
	kyc_status			VARCHAR(16) NOT NULL DEFAULT 'PENDING',
	onboarding_complete	BOOLEAN NOT NULL DEFAULT FALSE,
	charges_enabled		BOOLEAN NOT NULL DEFAULT FALSE,
	payouts_enabled		BOOLEAN NOT NULL DEFAULT FALSE,
	created_at			TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS stores(
	store_id		TEXT PRIMARY KEY,
	owner_id		TEXT NOT NULL REFERENCES users(user_id),
	name			TEXT NOT NULL,
	status			VARCHAR(16) NOT NULL
);

CREATE TABLE IF NOT EXISTS products(
	product_id			TEXT PRIMARY KEY,
	supplier_id			TEXT NOT NULL REFERENCES users(user_id),
	name				TEXT NOT NULL,
	price				NUMERIC(15,2) NOT NULL,
	shipping_countries	TEXT NOT NULL DEFAULT '',
	active				BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS store_products(
	store_product_id	TEXT PRIMARY KEY,
	store_id			TEXT NOT NULL REFERENCES stores(store_id),
	product_id			TEXT NOT NULL REFERENCES products(product_id),
	price				NUMERIC(15,2) NOT NULL,
	active				BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS orders(
	order_id				TEXT PRIMARY KEY,
	order_number			VARCHAR(32) NOT NULL UNIQUE,
	customer_id				TEXT NOT NULL REFERENCES users(user_id),
	store_id				TEXT NOT NULL REFERENCES stores(store_id),
	subtotal				NUMERIC(15,2) NOT NULL,
	shipping				NUMERIC(15,2) NOT NULL,
	tax						NUMERIC(15,2) NOT NULL,
	total					NUMERIC(15,2) NOT NULL,
	status					VARCHAR(16) NOT NULL,
	payment_status			VARCHAR(16) NOT NULL,
	payment_intent_id		TEXT,
	display_currency		VARCHAR(3) NOT NULL,
	shipping_name			TEXT NOT NULL,
	shipping_line1			TEXT NOT NULL,
	shipping_line2			TEXT NOT NULL DEFAULT '',
	shipping_city			TEXT NOT NULL,
	shipping_state			TEXT NOT NULL DEFAULT '',
	shipping_postal_code	TEXT NOT NULL,
	shipping_country		VARCHAR(2) NOT NULL,
	created_at				TIMESTAMP WITH TIME ZONE NOT NULL,
	updated_at				TIMESTAMP WITH TIME ZONE NOT NULL,
	CHECK (total = subtotal + shipping + tax)
);

CREATE TABLE IF NOT EXISTS order_lines(
	order_line_id					TEXT PRIMARY KEY,
	order_id						TEXT NOT NULL REFERENCES orders(order_id),
	line_no							INTEGER NOT NULL,
	product_id						TEXT NOT NULL,
	store_product_id				TEXT NOT NULL,
	supplier_id						TEXT NOT NULL,
	quantity						INTEGER NOT NULL CHECK (quantity >= 1),
	unit_price						NUMERIC(15,6) NOT NULL,
	supplier_price					NUMERIC(15,2) NOT NULL,
	vendor_price					NUMERIC(15,2) NOT NULL,
	vendor_profit					NUMERIC(15,2) NOT NULL,
	processor_fee_supplier_share	NUMERIC(15,6) NOT NULL,
	processor_fee_vendor_share		NUMERIC(15,6) NOT NULL,
	platform_fee					NUMERIC(15,6) NOT NULL,
	processor_fee_percentage		NUMERIC(7,4) NOT NULL,
	platform_fee_percentage			NUMERIC(7,4) NOT NULL,
	display_currency				VARCHAR(3) NOT NULL,
	exchange_rate					NUMERIC(18,8) NOT NULL
);

CREATE INDEX IF NOT EXISTS order_lines_supplier_idx ON order_lines(supplier_id);

CREATE TABLE IF NOT EXISTS fee_schedule(
	id							SMALLINT PRIMARY KEY CHECK (id = 1),
	platform_fee_percentage		NUMERIC(7,4) NOT NULL,
	processor_fee_percentage	NUMERIC(7,4) NOT NULL,
	version						BIGINT NOT NULL,
	updated_at					TIMESTAMP WITH TIME ZONE NOT NULL
);

CREATE TABLE IF NOT EXISTS payouts(
	payout_id				TEXT PRIMARY KEY,
	beneficiary_id			TEXT NOT NULL REFERENCES users(user_id),
	beneficiary_kind		VARCHAR(16) NOT NULL,
	base_amount				NUMERIC(15,2) NOT NULL,
	processor_fee_amount	NUMERIC(15,2) NOT NULL,
	platform_fee_amount		NUMERIC(15,2) NOT NULL,
	net_amount				NUMERIC(15,2) NOT NULL CHECK (net_amount >= 0),
	currency				VARCHAR(3) NOT NULL,
	destination_account_id	TEXT NOT NULL,
	status					VARCHAR(16) NOT NULL,
	transfer_reference		TEXT UNIQUE,
	failure_reason			TEXT,
	processed_at			TIMESTAMP WITH TIME ZONE,
	created_at				TIMESTAMP WITH TIME ZONE NOT NULL,
	updated_at				TIMESTAMP WITH TIME ZONE NOT NULL
);

CREATE TABLE IF NOT EXISTS payout_lines(
	payout_id			TEXT NOT NULL REFERENCES payouts(payout_id),
	order_line_id		TEXT NOT NULL REFERENCES order_lines(order_line_id),
	beneficiary_kind	VARCHAR(16) NOT NULL,
	UNIQUE (order_line_id, beneficiary_kind)
);

CREATE TABLE IF NOT EXISTS webhook_events(
	event_id		TEXT PRIMARY KEY,
	event_type		TEXT NOT NULL,
	processed_at	TIMESTAMP WITH TIME ZONE NOT NULL
);`

const (
	userColumns = `user_id, email, name, role, external_account_id, kyc_status,
		onboarding_complete, charges_enabled, payouts_enabled, created_at`
	orderColumns = `order_id, order_number, customer_id, store_id, subtotal, shipping, tax, total,
		status, payment_status, payment_intent_id, display_currency, shipping_name, shipping_line1,
		shipping_line2, shipping_city, shipping_state, shipping_postal_code, shipping_country,
		created_at, updated_at`
	lineColumns = `order_line_id, order_id, line_no, product_id, store_product_id, supplier_id,
		quantity, unit_price, supplier_price, vendor_price, vendor_profit, processor_fee_supplier_share,
		processor_fee_vendor_share, platform_fee, processor_fee_percentage, platform_fee_percentage,
		display_currency, exchange_rate`
	payoutColumns = `payout_id, beneficiary_id, beneficiary_kind, base_amount, processor_fee_amount,
		platform_fee_amount, net_amount, currency, destination_account_id, status, transfer_reference,
		failure_reason, processed_at, created_at, updated_at`
	payableColumns = `ol.order_line_id, ol.order_id, ol.quantity, ol.supplier_price, ol.vendor_profit,
		ol.processor_fee_supplier_share, ol.processor_fee_vendor_share, ol.platform_fee`
)

// Eligibility filters shared by aggregation and payout creation: the owning
// order is PAID and no payout of the same kind covers the line yet.
const (
	querySupplierPayable = `SELECT ` + payableColumns + `
		FROM order_lines ol
		JOIN orders o ON o.order_id = ol.order_id
		WHERE ol.supplier_id = $1
		AND o.payment_status = 'PAID'
		AND NOT EXISTS (
			SELECT 1 FROM payout_lines pl
			WHERE pl.order_line_id = ol.order_line_id AND pl.beneficiary_kind = 'SUPPLIER')`
	queryVendorPayable = `SELECT ` + payableColumns + `
		FROM order_lines ol
		JOIN orders o ON o.order_id = ol.order_id
		JOIN stores s ON s.store_id = o.store_id
		WHERE s.owner_id = $1
		AND o.payment_status = 'PAID'
		AND NOT EXISTS (
			SELECT 1 FROM payout_lines pl
			WHERE pl.order_line_id = ol.order_line_id AND pl.beneficiary_kind = 'VENDOR')`
)

type RepoDB struct {
	db *sqlx.DB
}

func NewRepoDB(databaseURI string) (*RepoDB, error) {
	db, err := sqlx.Connect("pgx", databaseURI)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &RepoDB{db: db}, nil
}

func rollback(tx *sqlx.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		logger.Logger.Err(err).Msg("rollback")
	}
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

func (r *RepoDB) GetStore(ctx context.Context, storeID string) (entity.Store, error) {
	var store entity.Store
	queryGetStore := `SELECT store_id, owner_id, name, status FROM stores WHERE store_id = ($1)`
	err := r.db.GetContext(ctx, &store, queryGetStore, storeID)
	return store, notFound(err)
}

func (r *RepoDB) GetProduct(ctx context.Context, productID string) (entity.Product, error) {
	var product entity.Product
	queryGetProduct := `SELECT product_id, supplier_id, name, price, shipping_countries, active
		FROM products WHERE product_id = ($1)`
	err := r.db.GetContext(ctx, &product, queryGetProduct, productID)
	return product, notFound(err)
}

func (r *RepoDB) GetStoreProduct(ctx context.Context, storeProductID string) (entity.StoreProduct, error) {
	var sp entity.StoreProduct
	queryGetStoreProduct := `SELECT store_product_id, store_id, product_id, price, active
		FROM store_products WHERE store_product_id = ($1)`
	err := r.db.GetContext(ctx, &sp, queryGetStoreProduct, storeProductID)
	return sp, notFound(err)
}

func (r *RepoDB) GetUser(ctx context.Context, userID string) (entity.User, error) {
	var user entity.User
	err := r.db.GetContext(ctx, &user, `SELECT `+userColumns+` FROM users WHERE user_id = ($1)`, userID)
	return user, notFound(err)
}

func (r *RepoDB) GetUserByEmail(ctx context.Context, email string) (entity.User, error) {
	var user entity.User
	err := r.db.GetContext(ctx, &user, `SELECT `+userColumns+` FROM users WHERE email = ($1)`,
		strings.ToLower(strings.TrimSpace(email)))
	return user, notFound(err)
}

func (r *RepoDB) SetExternalAccount(ctx context.Context, userID string, accountID string) (entity.User, error) {
	querySetAccount := `UPDATE users SET external_account_id = ($1)
		WHERE user_id = ($2) AND external_account_id IS NULL`
	if _, err := r.db.ExecContext(ctx, querySetAccount, accountID, userID); err != nil {
		return entity.User{}, err
	}
	return r.GetUser(ctx, userID)
}

func (r *RepoDB) UpdateAccount(ctx context.Context, externalAccountID string, mutate AccountMutation) (entity.User, error) {
	queryLockUser := `SELECT ` + userColumns + ` FROM users WHERE external_account_id = ($1) FOR UPDATE`
	queryUpdateUser := `UPDATE users SET kyc_status = ($1), onboarding_complete = ($2),
		charges_enabled = ($3), payouts_enabled = ($4) WHERE user_id = ($5)`

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return entity.User{}, err
	}
	defer rollback(tx)

	var user entity.User
	if err := tx.GetContext(ctx, &user, queryLockUser, externalAccountID); err != nil {
		return entity.User{}, notFound(err)
	}
	if err := mutate(&user); err != nil {
		return entity.User{}, err
	}
	_, err = tx.ExecContext(ctx, queryUpdateUser, user.KYCStatus, user.OnboardingComplete,
		user.ChargesEnabled, user.PayoutsEnabled, user.ID)
	if err != nil {
		return entity.User{}, err
	}

	return user, tx.Commit()
}

func (r *RepoDB) CreateOrder(ctx context.Context, customer entity.User, order *entity.Order) error {
	queryEnsureCustomer := `INSERT INTO users (user_id, email, name, role, created_at)
		VALUES ($1, $2, $3, $4, $5) ON CONFLICT (email) DO NOTHING`
	queryCustomerID := `SELECT user_id FROM users WHERE email = ($1)`
	querySaveOrder := `INSERT INTO orders (` + orderColumns + `) VALUES (
		:order_id, :order_number, :customer_id, :store_id, :subtotal, :shipping, :tax, :total,
		:status, :payment_status, :payment_intent_id, :display_currency, :shipping_name, :shipping_line1,
		:shipping_line2, :shipping_city, :shipping_state, :shipping_postal_code, :shipping_country,
		:created_at, :updated_at)`
	querySaveLine := `INSERT INTO order_lines (` + lineColumns + `) VALUES (
		:order_line_id, :order_id, :line_no, :product_id, :store_product_id, :supplier_id,
		:quantity, :unit_price, :supplier_price, :vendor_price, :vendor_profit, :processor_fee_supplier_share,
		:processor_fee_vendor_share, :platform_fee, :processor_fee_percentage, :platform_fee_percentage,
		:display_currency, :exchange_rate)`

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(tx)

	email := strings.ToLower(strings.TrimSpace(customer.Email))
	_, err = tx.ExecContext(ctx, queryEnsureCustomer, customer.ID, email, customer.Name, entity.RoleCustomer, customer.CreatedAt)
	if err != nil {
		return err
	}
	if err := tx.GetContext(ctx, &order.CustomerID, queryCustomerID, email); err != nil {
		return err
	}

	if _, err := tx.NamedExecContext(ctx, querySaveOrder, order); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", ErrOrderNumberTaken, order.Number)
		}
		return err
	}
	for i := range order.Lines {
		if _, err := tx.NamedExecContext(ctx, querySaveLine, &order.Lines[i]); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (r *RepoDB) GetOrder(ctx context.Context, orderID string) (entity.Order, error) {
	var order entity.Order
	queryGetOrder := `SELECT ` + orderColumns + ` FROM orders WHERE order_id = ($1)`
	queryGetLines := `SELECT ` + lineColumns + ` FROM order_lines WHERE order_id = ($1) ORDER BY line_no ASC`

	if err := r.db.GetContext(ctx, &order, queryGetOrder, orderID); err != nil {
		return order, notFound(err)
	}
	if err := r.db.SelectContext(ctx, &order.Lines, queryGetLines, orderID); err != nil {
		return order, err
	}
	return order, nil
}

func (r *RepoDB) MarkOrderPayment(ctx context.Context, orderID string, status entity.PaymentStatus, paymentIntentID string) (bool, error) {
	queryMarkPayment := `UPDATE orders SET payment_status = ($1),
		payment_intent_id = COALESCE(payment_intent_id, NULLIF($2, '')), updated_at = ($3)
		WHERE order_id = ($4) AND payment_status = 'PENDING'`

	res, err := r.db.ExecContext(ctx, queryMarkPayment, status, paymentIntentID, time.Now(), orderID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	var exists bool
	if err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM orders WHERE order_id = ($1))`, orderID); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func (r *RepoDB) ensureFeeSchedule(ctx context.Context, ext sqlx.ExtContext) error {
	def := entity.DefaultFeeSchedule(time.Now())
	queryEnsureFees := `INSERT INTO fee_schedule (id, platform_fee_percentage, processor_fee_percentage, version, updated_at)
		VALUES (1, $1, $2, $3, $4) ON CONFLICT (id) DO NOTHING`
	_, err := ext.ExecContext(ctx, queryEnsureFees, def.PlatformFeePercentage, def.ProcessorFeePercentage, def.Version, def.UpdatedAt)
	return err
}

func (r *RepoDB) GetFeeSchedule(ctx context.Context) (entity.FeeSchedule, error) {
	var fees entity.FeeSchedule
	if err := r.ensureFeeSchedule(ctx, r.db); err != nil {
		return fees, err
	}
	queryGetFees := `SELECT platform_fee_percentage, processor_fee_percentage, version, updated_at
		FROM fee_schedule WHERE id = 1`
	err := r.db.GetContext(ctx, &fees, queryGetFees)
	return fees, err
}

// UpdateFeeSchedule is one conditional statement, so concurrent partial
// updates never overwrite each other's untouched column.
func (r *RepoDB) UpdateFeeSchedule(ctx context.Context, platformFeePct, processorFeePct decimal.NullDecimal) (entity.FeeSchedule, error) {
	var fees entity.FeeSchedule
	if err := r.ensureFeeSchedule(ctx, r.db); err != nil {
		return fees, err
	}
	queryUpdateFees := `UPDATE fee_schedule SET
		platform_fee_percentage = COALESCE($1, platform_fee_percentage),
		processor_fee_percentage = COALESCE($2, processor_fee_percentage),
		version = version + 1, updated_at = ($3)
		WHERE id = 1
		RETURNING platform_fee_percentage, processor_fee_percentage, version, updated_at`
	err := r.db.GetContext(ctx, &fees, queryUpdateFees, platformFeePct, processorFeePct, time.Now())
	return fees, err
}

func payableQuery(kind entity.BeneficiaryKind) (string, error) {
	switch kind {
	case entity.BeneficiarySupplier:
		return querySupplierPayable, nil
	case entity.BeneficiaryVendor:
		return queryVendorPayable, nil
	}
	return "", fmt.Errorf("unknown beneficiary kind %q", kind)
}

func (r *RepoDB) EligibleLines(ctx context.Context, beneficiaryID string, kind entity.BeneficiaryKind) ([]entity.PayableLine, error) {
	query, err := payableQuery(kind)
	if err != nil {
		return nil, err
	}
	var lines []entity.PayableLine
	err = r.db.SelectContext(ctx, &lines, query+` ORDER BY ol.order_id, ol.line_no`, beneficiaryID)
	return lines, err
}

func (r *RepoDB) PayoutCandidates(ctx context.Context) ([]entity.Beneficiary, error) {
	queryCandidates := `
		SELECT DISTINCT ol.supplier_id AS beneficiary_id, 'SUPPLIER' AS beneficiary_kind
		FROM order_lines ol
		JOIN orders o ON o.order_id = ol.order_id
		WHERE o.payment_status = 'PAID'
		AND NOT EXISTS (SELECT 1 FROM payout_lines pl
			WHERE pl.order_line_id = ol.order_line_id AND pl.beneficiary_kind = 'SUPPLIER')
		UNION
		SELECT DISTINCT s.owner_id AS beneficiary_id, 'VENDOR' AS beneficiary_kind
		FROM order_lines ol
		JOIN orders o ON o.order_id = ol.order_id
		JOIN stores s ON s.store_id = o.store_id
		WHERE o.payment_status = 'PAID'
		AND NOT EXISTS (SELECT 1 FROM payout_lines pl
			WHERE pl.order_line_id = ol.order_line_id AND pl.beneficiary_kind = 'VENDOR')`

	var candidates []entity.Beneficiary
	err := r.db.SelectContext(ctx, &candidates, queryCandidates)
	return candidates, err
}

func (r *RepoDB) CreatePayout(ctx context.Context, payout *entity.Payout, compute PayoutAmountsFunc) error {
	query, err := payableQuery(payout.BeneficiaryKind)
	if err != nil {
		return err
	}
	if len(payout.CoveredOrderLineIDs) == 0 {
		return ErrLinesUnavailable
	}

	queryLockLines, args, err := sqlx.In(strings.Replace(query, "$1", "?", 1)+` AND ol.order_line_id IN (?) FOR UPDATE OF ol`,
		payout.BeneficiaryID, payout.CoveredOrderLineIDs)
	if err != nil {
		return err
	}
	queryLockLines = r.db.Rebind(queryLockLines)
	querySavePayout := `INSERT INTO payouts (` + payoutColumns + `) VALUES (
		:payout_id, :beneficiary_id, :beneficiary_kind, :base_amount, :processor_fee_amount,
		:platform_fee_amount, :net_amount, :currency, :destination_account_id, :status, :transfer_reference,
		:failure_reason, :processed_at, :created_at, :updated_at)`
	queryCoverLine := `INSERT INTO payout_lines (payout_id, order_line_id, beneficiary_kind) VALUES ($1, $2, $3)`

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(tx)

	var lines []entity.PayableLine
	if err := tx.SelectContext(ctx, &lines, queryLockLines, args...); err != nil {
		return err
	}
	if len(lines) != len(payout.CoveredOrderLineIDs) {
		return ErrLinesUnavailable
	}

	amounts, err := compute(lines)
	if err != nil {
		return err
	}
	payout.BaseAmount = amounts.Base
	payout.ProcessorFeeAmount = amounts.ProcessorFee
	payout.PlatformFeeAmount = amounts.PlatformFee
	payout.NetAmount = amounts.Net

	if _, err := tx.NamedExecContext(ctx, querySavePayout, payout); err != nil {
		return err
	}
	for _, lineID := range payout.CoveredOrderLineIDs {
		if _, err := tx.ExecContext(ctx, queryCoverLine, payout.ID, lineID, payout.BeneficiaryKind); err != nil {
			if isUniqueViolation(err) {
				return ErrLinesUnavailable
			}
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return ErrLinesUnavailable
		}
		return err
	}
	return nil
}

func (r *RepoDB) SetPayoutTransfer(ctx context.Context, payoutID string, transferRef string) (bool, error) {
	querySetTransfer := `UPDATE payouts SET transfer_reference = ($1), updated_at = ($2)
		WHERE payout_id = ($3) AND transfer_reference IS NULL`
	res, err := r.db.ExecContext(ctx, querySetTransfer, transferRef, time.Now(), payoutID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *RepoDB) FailPayout(ctx context.Context, payoutID string, reason string, at time.Time) error {
	queryFailPayout := `UPDATE payouts SET status = 'FAILED', failure_reason = ($1), updated_at = ($2)
		WHERE payout_id = ($3)`
	res, err := r.db.ExecContext(ctx, queryFailPayout, reason, at, payoutID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RepoDB) TransitionPayout(ctx context.Context, payoutID string, status entity.PayoutStatus, at time.Time) (bool, error) {
	queryTransition := `UPDATE payouts SET status = ($1),
		processed_at = CASE WHEN ($1) = 'COMPLETED' AND processed_at IS NULL THEN ($2) ELSE processed_at END,
		updated_at = ($2)
		WHERE payout_id = ($3) AND status <> ($1) AND status <> 'FAILED'`
	res, err := r.db.ExecContext(ctx, queryTransition, string(status), at, payoutID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *RepoDB) loadCoveredLines(ctx context.Context, payout *entity.Payout) error {
	queryCovered := `SELECT order_line_id FROM payout_lines WHERE payout_id = ($1) ORDER BY order_line_id`
	return r.db.SelectContext(ctx, &payout.CoveredOrderLineIDs, queryCovered, payout.ID)
}

func (r *RepoDB) GetPayout(ctx context.Context, payoutID string) (entity.Payout, error) {
	var payout entity.Payout
	err := r.db.GetContext(ctx, &payout, `SELECT `+payoutColumns+` FROM payouts WHERE payout_id = ($1)`, payoutID)
	if err != nil {
		return payout, notFound(err)
	}
	return payout, r.loadCoveredLines(ctx, &payout)
}

func (r *RepoDB) GetPayoutByTransfer(ctx context.Context, transferRef string) (entity.Payout, error) {
	var payout entity.Payout
	err := r.db.GetContext(ctx, &payout, `SELECT `+payoutColumns+` FROM payouts WHERE transfer_reference = ($1)`, transferRef)
	if err != nil {
		return payout, notFound(err)
	}
	return payout, r.loadCoveredLines(ctx, &payout)
}

func (r *RepoDB) ListPayouts(ctx context.Context, beneficiaryID string) ([]entity.Payout, error) {
	var payouts []entity.Payout
	queryListPayouts := `SELECT ` + payoutColumns + ` FROM payouts WHERE beneficiary_id = ($1) ORDER BY created_at ASC`
	if err := r.db.SelectContext(ctx, &payouts, queryListPayouts, beneficiaryID); err != nil {
		return nil, err
	}
	for i := range payouts {
		if err := r.loadCoveredLines(ctx, &payouts[i]); err != nil {
			return nil, err
		}
	}
	return payouts, nil
}

func (r *RepoDB) EventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM webhook_events WHERE event_id = ($1))`, eventID)
	return exists, err
}

func (r *RepoDB) RecordEvent(ctx context.Context, event entity.WebhookEvent) error {
	queryRecordEvent := `INSERT INTO webhook_events (event_id, event_type, processed_at) VALUES ($1, $2, $3)
		ON CONFLICT (event_id) DO NOTHING`
	_, err := r.db.ExecContext(ctx, queryRecordEvent, event.ID, event.Type, event.ProcessedAt)
	return err
}

func (r *RepoDB) Close() {
	r.db.Close()
}
