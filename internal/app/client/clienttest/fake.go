// Package clienttest provides an in-process client.Processor for tests.
package clienttest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/devkekops/dropship/internal/app/client"
)

var ErrInjected = errors.New("injected processor failure")

type Transfer struct {
	ID          string
	Amount      decimal.Decimal
	Destination string
	Currency    string
	Metadata    map[string]string
}

type Intent struct {
	ID       string
	Amount   decimal.Decimal
	Currency string
}

// Processor records every call. The Fail* flags make the matching call
// return ErrInjected.
type Processor struct {
	Secret string

	FailIntent   bool
	FailMetadata bool
	FailTransfer bool
	FailAccount  bool

	mu        sync.Mutex
	seq       int
	Intents   []Intent
	Transfers []Transfer
	Metadata  map[string]map[string]string
	Accounts  []string
	Links     []string
}

func New(secret string) *Processor {
	return &Processor{Secret: secret, Metadata: make(map[string]map[string]string)}
}

func (p *Processor) next(prefix string) string {
	p.seq++
	return fmt.Sprintf("%s_%d", prefix, p.seq)
}

func (p *Processor) CreatePaymentIntent(_ context.Context, amount decimal.Decimal, currency string, metadata map[string]string) (client.PaymentIntent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailIntent {
		return client.PaymentIntent{}, ErrInjected
	}
	id := p.next("pi")
	p.Intents = append(p.Intents, Intent{ID: id, Amount: amount, Currency: currency})
	p.Metadata[id] = metadata
	return client.PaymentIntent{ID: id, ClientSecret: id + "_secret"}, nil
}

func (p *Processor) UpdatePaymentIntentMetadata(_ context.Context, paymentIntentID string, metadata map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailMetadata {
		return ErrInjected
	}
	p.Metadata[paymentIntentID] = metadata
	return nil
}

func (p *Processor) CreateConnectedAccount(_ context.Context, _, _, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailAccount {
		return "", ErrInjected
	}
	id := p.next("acct")
	p.Accounts = append(p.Accounts, id)
	return id, nil
}

func (p *Processor) CreateOnboardingLink(_ context.Context, accountID, _, _ string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	link := "https://connect.example.test/setup/" + accountID
	p.Links = append(p.Links, link)
	return link, nil
}

func (p *Processor) CreateTransfer(_ context.Context, amount decimal.Decimal, destination, currency string, metadata map[string]string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailTransfer {
		return "", ErrInjected
	}
	id := p.next("tr")
	p.Transfers = append(p.Transfers, Transfer{
		ID: id, Amount: amount, Destination: destination, Currency: currency, Metadata: metadata,
	})
	return id, nil
}

func (p *Processor) TransferCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Transfers)
}

func (p *Processor) VerifyWebhookSignature(payload []byte, signatureHeader string) (client.Event, error) {
	return client.ParseSignedEvent(payload, signatureHeader, p.Secret)
}

// Sign returns a Stripe-Signature header for payload.
func Sign(payload []byte, secret string) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	return signed.Header
}
