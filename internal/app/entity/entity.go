package entity

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Role string

const (
	RoleCustomer Role = "CUSTOMER"
	RoleSupplier Role = "SUPPLIER"
	RoleVendor   Role = "VENDOR"
	RoleAdmin    Role = "ADMIN"
)

type KYCStatus string

const (
	KYCPending  KYCStatus = "PENDING"
	KYCVerified KYCStatus = "VERIFIED"
	KYCRejected KYCStatus = "REJECTED"
)

// BeneficiaryAccount mirrors the processor-side state of a connected account.
// Only the webhook reconciler changes the status fields.
type BeneficiaryAccount struct {
	ExternalAccountID  *string   `json:"external_account_id,omitempty" db:"external_account_id"`
	KYCStatus          KYCStatus `json:"kyc_status" db:"kyc_status"`
	OnboardingComplete bool      `json:"onboarding_complete" db:"onboarding_complete"`
	ChargesEnabled     bool      `json:"charges_enabled" db:"charges_enabled"`
	PayoutsEnabled     bool      `json:"payouts_enabled" db:"payouts_enabled"`
}

func (a BeneficiaryAccount) PayoutCapable() bool {
	return a.ExternalAccountID != nil && *a.ExternalAccountID != "" &&
		a.KYCStatus == KYCVerified && a.PayoutsEnabled
}

type User struct {
	ID        string    `json:"id" db:"user_id"`
	Email     string    `json:"email" db:"email"`
	Name      string    `json:"name" db:"name"`
	Role      Role      `json:"role" db:"role"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	BeneficiaryAccount
}

type StoreStatus string

const (
	StoreActive    StoreStatus = "ACTIVE"
	StoreInactive  StoreStatus = "INACTIVE"
	StoreSuspended StoreStatus = "SUSPENDED"
)

type Store struct {
	ID      string      `json:"id" db:"store_id"`
	OwnerID string      `json:"owner_id" db:"owner_id"`
	Name    string      `json:"name" db:"name"`
	Status  StoreStatus `json:"status" db:"status"`
}

func (s Store) Orderable() bool {
	return s.Status == StoreActive
}

// CountryList is stored as a comma separated column of ISO country codes.
type CountryList []string

func (c CountryList) Value() (driver.Value, error) {
	return strings.Join(c, ","), nil
}

func (c *CountryList) Scan(src interface{}) error {
	var raw string
	switch v := src.(type) {
	case nil:
		*c = nil
		return nil
	case string:
		raw = v
	case []byte:
		raw = string(v)
	default:
		return fmt.Errorf("country list: unsupported type %T", src)
	}
	*c = nil
	for _, code := range strings.Split(raw, ",") {
		if code = strings.TrimSpace(code); code != "" {
			*c = append(*c, strings.ToUpper(code))
		}
	}
	return nil
}

// Product is the supplier listing. Price is the supplier cost basis in the
// canonical currency.
type Product struct {
	ID                string          `json:"id" db:"product_id"`
	SupplierID        string          `json:"supplier_id" db:"supplier_id"`
	Name              string          `json:"name" db:"name"`
	Price             decimal.Decimal `json:"price" db:"price"`
	ShippingCountries CountryList     `json:"shipping_countries" db:"shipping_countries"`
	Active            bool            `json:"active" db:"active"`
}

// ShipsTo reports whether the product may be shipped to country.
// An empty restriction list ships everywhere.
func (p Product) ShipsTo(country string) bool {
	if len(p.ShippingCountries) == 0 {
		return true
	}
	for _, c := range p.ShippingCountries {
		if strings.EqualFold(c, country) {
			return true
		}
	}
	return false
}

// StoreProduct is a vendor's resale listing. Price is the vendor sell price in
// the canonical currency.
type StoreProduct struct {
	ID        string          `json:"id" db:"store_product_id"`
	StoreID   string          `json:"store_id" db:"store_id"`
	ProductID string          `json:"product_id" db:"product_id"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Active    bool            `json:"active" db:"active"`
}

type OrderStatus string

const (
	OrderPending    OrderStatus = "PENDING"
	OrderProcessing OrderStatus = "PROCESSING"
	OrderShipped    OrderStatus = "SHIPPED"
	OrderDelivered  OrderStatus = "DELIVERED"
	OrderCancelled  OrderStatus = "CANCELLED"
)

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "PENDING"
	PaymentPaid    PaymentStatus = "PAID"
	PaymentFailed  PaymentStatus = "FAILED"
)

type ShippingAddress struct {
	Name       string `json:"name" db:"shipping_name"`
	Line1      string `json:"line1" db:"shipping_line1"`
	Line2      string `json:"line2,omitempty" db:"shipping_line2"`
	City       string `json:"city" db:"shipping_city"`
	State      string `json:"state,omitempty" db:"shipping_state"`
	PostalCode string `json:"postal_code" db:"shipping_postal_code"`
	Country    string `json:"country" db:"shipping_country"`
}

// Order amounts are in the canonical currency.
type Order struct {
	ID              string          `json:"id" db:"order_id"`
	Number          string          `json:"number" db:"order_number"`
	CustomerID      string          `json:"customer_id" db:"customer_id"`
	StoreID         string          `json:"store_id" db:"store_id"`
	Subtotal        decimal.Decimal `json:"subtotal" db:"subtotal"`
	Shipping        decimal.Decimal `json:"shipping" db:"shipping"`
	Tax             decimal.Decimal `json:"tax" db:"tax"`
	Total           decimal.Decimal `json:"total" db:"total"`
	Status          OrderStatus     `json:"status" db:"status"`
	PaymentStatus   PaymentStatus   `json:"payment_status" db:"payment_status"`
	PaymentIntentID *string         `json:"payment_intent_id,omitempty" db:"payment_intent_id"`
	DisplayCurrency string          `json:"display_currency" db:"display_currency"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
	ShippingAddress
	Lines []OrderLine `json:"lines" db:"-"`
}

// OrderLine is the frozen settlement record of one cart line. All money
// columns are per unit and canonical; fee and exchange rates are the ones in
// force when the order was created.
type OrderLine struct {
	ID                        string          `json:"id" db:"order_line_id"`
	OrderID                   string          `json:"order_id" db:"order_id"`
	LineNo                    int             `json:"line_no" db:"line_no"`
	ProductID                 string          `json:"product_id" db:"product_id"`
	StoreProductID            string          `json:"store_product_id" db:"store_product_id"`
	SupplierID                string          `json:"supplier_id" db:"supplier_id"`
	Quantity                  int             `json:"quantity" db:"quantity"`
	UnitPrice                 decimal.Decimal `json:"unit_price" db:"unit_price"`
	SupplierPrice             decimal.Decimal `json:"supplier_price" db:"supplier_price"`
	VendorPrice               decimal.Decimal `json:"vendor_price" db:"vendor_price"`
	VendorProfit              decimal.Decimal `json:"vendor_profit" db:"vendor_profit"`
	ProcessorFeeSupplierShare decimal.Decimal `json:"processor_fee_supplier_share" db:"processor_fee_supplier_share"`
	ProcessorFeeVendorShare   decimal.Decimal `json:"processor_fee_vendor_share" db:"processor_fee_vendor_share"`
	PlatformFee               decimal.Decimal `json:"platform_fee" db:"platform_fee"`
	ProcessorFeePercentage    decimal.Decimal `json:"processor_fee_percentage" db:"processor_fee_percentage"`
	PlatformFeePercentage     decimal.Decimal `json:"platform_fee_percentage" db:"platform_fee_percentage"`
	DisplayCurrency           string          `json:"display_currency" db:"display_currency"`
	ExchangeRate              decimal.Decimal `json:"exchange_rate" db:"exchange_rate"`
}

func (l OrderLine) LineTotal() decimal.Decimal {
	return l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
}

func (l OrderLine) ProcessorFeeTotal() decimal.Decimal {
	return l.ProcessorFeeSupplierShare.Add(l.ProcessorFeeVendorShare).Mul(decimal.NewFromInt(int64(l.Quantity)))
}

type FeeSchedule struct {
	PlatformFeePercentage  decimal.Decimal `json:"platform_fee_percentage" db:"platform_fee_percentage"`
	ProcessorFeePercentage decimal.Decimal `json:"processor_fee_percentage" db:"processor_fee_percentage"`
	Version                int64           `json:"version" db:"version"`
	UpdatedAt              time.Time       `json:"updated_at" db:"updated_at"`
}

var (
	DefaultPlatformFeePercentage  = decimal.RequireFromString("2.5")
	DefaultProcessorFeePercentage = decimal.RequireFromString("2.9")
)

func DefaultFeeSchedule(now time.Time) FeeSchedule {
	return FeeSchedule{
		PlatformFeePercentage:  DefaultPlatformFeePercentage,
		ProcessorFeePercentage: DefaultProcessorFeePercentage,
		Version:                1,
		UpdatedAt:              now,
	}
}

type BeneficiaryKind string

const (
	BeneficiarySupplier BeneficiaryKind = "SUPPLIER"
	BeneficiaryVendor   BeneficiaryKind = "VENDOR"
)

func (k BeneficiaryKind) Valid() bool {
	return k == BeneficiarySupplier || k == BeneficiaryVendor
}

// Role is the user role a beneficiary of this kind must hold.
func (k BeneficiaryKind) Role() Role {
	if k == BeneficiaryVendor {
		return RoleVendor
	}
	return RoleSupplier
}

type Beneficiary struct {
	ID   string          `json:"id" db:"beneficiary_id"`
	Kind BeneficiaryKind `json:"kind" db:"beneficiary_kind"`
}

type PayoutStatus string

const (
	PayoutProcessing PayoutStatus = "PROCESSING"
	PayoutCompleted  PayoutStatus = "COMPLETED"
	PayoutFailed     PayoutStatus = "FAILED"
)

type Payout struct {
	ID                   string          `json:"id" db:"payout_id"`
	BeneficiaryID        string          `json:"beneficiary_id" db:"beneficiary_id"`
	BeneficiaryKind      BeneficiaryKind `json:"beneficiary_kind" db:"beneficiary_kind"`
	BaseAmount           decimal.Decimal `json:"base_amount" db:"base_amount"`
	ProcessorFeeAmount   decimal.Decimal `json:"processor_fee_amount" db:"processor_fee_amount"`
	PlatformFeeAmount    decimal.Decimal `json:"platform_fee_amount" db:"platform_fee_amount"`
	NetAmount            decimal.Decimal `json:"net_amount" db:"net_amount"`
	Currency             string          `json:"currency" db:"currency"`
	DestinationAccountID string          `json:"destination_account_id" db:"destination_account_id"`
	Status               PayoutStatus    `json:"status" db:"status"`
	TransferReference    *string         `json:"external_transfer_reference,omitempty" db:"transfer_reference"`
	FailureReason        *string         `json:"failure_reason,omitempty" db:"failure_reason"`
	ProcessedAt          *time.Time      `json:"processed_at,omitempty" db:"processed_at"`
	CreatedAt            time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at" db:"updated_at"`
	CoveredOrderLineIDs  []string        `json:"covered_order_line_ids" db:"-"`
}

// PayableLine is the slice of an OrderLine the payout math needs.
type PayableLine struct {
	OrderLineID               string          `json:"order_line_id" db:"order_line_id"`
	OrderID                   string          `json:"order_id" db:"order_id"`
	Quantity                  int             `json:"quantity" db:"quantity"`
	SupplierPrice             decimal.Decimal `json:"supplier_price" db:"supplier_price"`
	VendorProfit              decimal.Decimal `json:"vendor_profit" db:"vendor_profit"`
	ProcessorFeeSupplierShare decimal.Decimal `json:"processor_fee_supplier_share" db:"processor_fee_supplier_share"`
	ProcessorFeeVendorShare   decimal.Decimal `json:"processor_fee_vendor_share" db:"processor_fee_vendor_share"`
	PlatformFee               decimal.Decimal `json:"platform_fee" db:"platform_fee"`
}

// PayoutAmounts is the aggregated, rounded result for a set of lines.
type PayoutAmounts struct {
	Base         decimal.Decimal `json:"base"`
	ProcessorFee decimal.Decimal `json:"processor_fee"`
	PlatformFee  decimal.Decimal `json:"platform_fee"`
	Net          decimal.Decimal `json:"net"`
}

// WebhookEvent records a processed processor event id.
type WebhookEvent struct {
	ID          string    `json:"id" db:"event_id"`
	Type        string    `json:"type" db:"event_type"`
	ProcessedAt time.Time `json:"processed_at" db:"processed_at"`
}
