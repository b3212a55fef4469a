package client

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76/webhook"
)

var ErrInvalidSignature = errors.New("invalid webhook signature")

const AccountTypeExpress = "express"

type PaymentIntent struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
}

// Event is a verified processor event. Data is the raw "data" member, with
// the affected object under "object".
type Event struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Account string          `json:"account,omitempty"`
	Created int64           `json:"created"`
	Data    json.RawMessage `json:"data"`
}

// Processor is the slice of the payment network the settlement core uses.
// Amounts are in major units of currency.
type Processor interface {
	CreatePaymentIntent(ctx context.Context, amount decimal.Decimal, currency string, metadata map[string]string) (PaymentIntent, error)
	UpdatePaymentIntentMetadata(ctx context.Context, paymentIntentID string, metadata map[string]string) error
	CreateConnectedAccount(ctx context.Context, email, country, accountType string) (string, error)
	CreateOnboardingLink(ctx context.Context, accountID, returnURL, refreshURL string) (string, error)
	CreateTransfer(ctx context.Context, amount decimal.Decimal, destinationAccountID, currency string, metadata map[string]string) (string, error)
	VerifyWebhookSignature(payload []byte, signatureHeader string) (Event, error)
}

// ParseSignedEvent checks the Stripe-Signature header against secret and
// decodes the event envelope.
func ParseSignedEvent(payload []byte, signatureHeader, secret string) (Event, error) {
	if signatureHeader == "" || secret == "" {
		return Event{}, ErrInvalidSignature
	}
	ev, err := webhook.ConstructEventWithOptions(payload, signatureHeader, secret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return Event{}, errors.Join(ErrInvalidSignature, err)
	}

	out := Event{
		ID:      ev.ID,
		Type:    string(ev.Type),
		Account: ev.Account,
		Created: ev.Created,
	}
	if ev.Data != nil {
		data, err := json.Marshal(struct {
			Object json.RawMessage `json:"object"`
		}{ev.Data.Raw})
		if err != nil {
			return Event{}, err
		}
		out.Data = data
	}
	return out, nil
}

var zeroDecimalCurrencies = map[string]bool{
	"BIF": true, "CLP": true, "DJF": true, "GNF": true, "JPY": true, "KMF": true, "KRW": true,
	"MGA": true, "PYG": true, "RWF": true, "UGX": true, "VND": true, "VUV": true, "XAF": true,
	"XOF": true, "XPF": true,
}

// MinorUnits converts a major-unit amount into the integer the processor
// expects, rounding half away from zero.
func MinorUnits(amount decimal.Decimal, currency string) int64 {
	if zeroDecimalCurrencies[strings.ToUpper(currency)] {
		return amount.Round(0).IntPart()
	}
	return amount.Shift(2).Round(0).IntPart()
}
