package client

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	stripeapi "github.com/stripe/stripe-go/v76/client"
)

type stripeCli struct {
	api           *stripeapi.API
	webhookSecret string
}

// NewStripe builds a Processor backed by the Stripe API. timeout is in seconds.
func NewStripe(apiKey, webhookSecret string, timeout int) Processor {
	httpClient := &http.Client{
		Timeout: time.Duration(timeout * int(time.Second)),
	}
	api := &stripeapi.API{}
	api.Init(apiKey, stripe.NewBackends(httpClient))
	return &stripeCli{
		api:           api,
		webhookSecret: webhookSecret,
	}
}

func (c *stripeCli) CreatePaymentIntent(ctx context.Context, amount decimal.Decimal, currency string, metadata map[string]string) (PaymentIntent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(MinorUnits(amount, currency)),
		Currency: stripe.String(strings.ToLower(currency)),
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	pi, err := c.api.PaymentIntents.New(params)
	if err != nil {
		return PaymentIntent{}, err
	}
	return PaymentIntent{ID: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

func (c *stripeCli) UpdatePaymentIntentMetadata(ctx context.Context, paymentIntentID string, metadata map[string]string) error {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	_, err := c.api.PaymentIntents.Update(paymentIntentID, params)
	return err
}

func (c *stripeCli) CreateConnectedAccount(ctx context.Context, email, country, accountType string) (string, error) {
	params := &stripe.AccountParams{
		Type:    stripe.String(accountType),
		Country: stripe.String(strings.ToUpper(country)),
		Email:   stripe.String(email),
		Capabilities: &stripe.AccountCapabilitiesParams{
			CardPayments: &stripe.AccountCapabilitiesCardPaymentsParams{Requested: stripe.Bool(true)},
			Transfers:    &stripe.AccountCapabilitiesTransfersParams{Requested: stripe.Bool(true)},
		},
	}
	params.Context = ctx
	acct, err := c.api.Accounts.New(params)
	if err != nil {
		return "", err
	}
	return acct.ID, nil
}

func (c *stripeCli) CreateOnboardingLink(ctx context.Context, accountID, returnURL, refreshURL string) (string, error) {
	params := &stripe.AccountLinkParams{
		Account:    stripe.String(accountID),
		ReturnURL:  stripe.String(returnURL),
		RefreshURL: stripe.String(refreshURL),
		Type:       stripe.String("account_onboarding"),
	}
	params.Context = ctx
	link, err := c.api.AccountLinks.New(params)
	if err != nil {
		return "", err
	}
	return link.URL, nil
}

func (c *stripeCli) CreateTransfer(ctx context.Context, amount decimal.Decimal, destinationAccountID, currency string, metadata map[string]string) (string, error) {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(MinorUnits(amount, currency)),
		Currency:    stripe.String(strings.ToLower(currency)),
		Destination: stripe.String(destinationAccountID),
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	tr, err := c.api.Transfers.New(params)
	if err != nil {
		return "", err
	}
	return tr.ID, nil
}

func (c *stripeCli) VerifyWebhookSignature(payload []byte, signatureHeader string) (Event, error) {
	return ParseSignedEvent(payload, signatureHeader, c.webhookSecret)
}
