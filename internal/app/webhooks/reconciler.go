// Package webhooks applies verified payment network events to orders,
// connected accounts and payouts.
package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/devkekops/dropship/internal/app/apperr"
	"github.com/devkekops/dropship/internal/app/client"
	"github.com/devkekops/dropship/internal/app/entity"
	"github.com/devkekops/dropship/internal/app/logger"
	"github.com/devkekops/dropship/internal/app/storage"
)

type EventKind int

const (
	EventUnknown EventKind = iota
	EventPaymentSucceeded
	EventPaymentFailed
	EventPaymentCanceled
	EventAccountUpdated
	EventCapabilityUpdated
	EventTransferCreated
	EventTransferUpdated
	EventTransferReversed
)

var eventKinds = map[string]EventKind{
	"payment_intent.succeeded":      EventPaymentSucceeded,
	"payment_intent.payment_failed": EventPaymentFailed,
	"payment_intent.canceled":       EventPaymentCanceled,
	"account.updated":               EventAccountUpdated,
	"capability.updated":            EventCapabilityUpdated,
	"transfer.created":              EventTransferCreated,
	"transfer.updated":              EventTransferUpdated,
	"transfer.reversed":             EventTransferReversed,
}

// KindOf maps an event type to its kind. Types this service does not
// handle map to EventUnknown.
func KindOf(eventType string) EventKind {
	return eventKinds[eventType]
}

var errMalformed = errors.New("malformed event object")

type handlerFunc func(ctx context.Context, ev client.Event) error

// Outcome describes what Handle did with an accepted event.
type Outcome struct {
	EventID   string `json:"event_id"`
	Type      string `json:"type"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Ignored   bool   `json:"ignored,omitempty"`
}

type Reconciler struct {
	repo      storage.Repository
	processor client.Processor
	handlers  map[EventKind]handlerFunc
	now       func() time.Time
}

func NewReconciler(repo storage.Repository, processor client.Processor) *Reconciler {
	r := &Reconciler{
		repo:      repo,
		processor: processor,
		now:       time.Now,
	}
	r.handlers = map[EventKind]handlerFunc{
		EventPaymentSucceeded:  r.paymentStatus(entity.PaymentPaid),
		EventPaymentFailed:     r.paymentStatus(entity.PaymentFailed),
		EventPaymentCanceled:   r.paymentStatus(entity.PaymentFailed),
		EventAccountUpdated:    r.accountUpdated,
		EventCapabilityUpdated: r.capabilityUpdated,
		EventTransferCreated:   r.transferCreated,
		EventTransferUpdated:   r.transferUpdated,
		EventTransferReversed:  r.transferReversed,
	}
	return r
}

// Handle verifies payload before anything else. An unverified payload is
// rejected with no state touched.
func (r *Reconciler) Handle(ctx context.Context, payload []byte, signature string) (Outcome, error) {
	ev, err := r.processor.VerifyWebhookSignature(payload, signature)
	if err != nil {
		logger.Logger.Warn().Err(err).Msg("webhook signature rejected")
		return Outcome{}, apperr.Wrap(apperr.Reconciliation, apperr.CodeInvalidSignature, err, "invalid webhook signature")
	}
	if ev.ID == "" || ev.Type == "" {
		return Outcome{}, apperr.New(apperr.Reconciliation, apperr.CodeMalformedEvent, "event id and type are required")
	}
	out := Outcome{EventID: ev.ID, Type: ev.Type}

	done, err := r.repo.EventProcessed(ctx, ev.ID)
	if err != nil {
		return out, fmt.Errorf("check event %s: %w", ev.ID, err)
	}
	if done {
		out.Duplicate = true
		return out, nil
	}

	h, ok := r.handlers[KindOf(ev.Type)]
	if !ok {
		logger.Logger.Debug().Str("event_id", ev.ID).Str("type", ev.Type).Msg("event type ignored")
		out.Ignored = true
	} else if err := h(ctx, ev); err != nil {
		if errors.Is(err, errMalformed) {
			return out, apperr.Wrap(apperr.Reconciliation, apperr.CodeMalformedEvent, err, "malformed event "+ev.ID)
		}
		return out, fmt.Errorf("apply %s %s: %w", ev.Type, ev.ID, err)
	}

	if err := r.repo.RecordEvent(ctx, entity.WebhookEvent{ID: ev.ID, Type: ev.Type, ProcessedAt: r.now()}); err != nil {
		return out, fmt.Errorf("record event %s: %w", ev.ID, err)
	}
	return out, nil
}

func decodeObject(ev client.Event, v interface{}) error {
	var data struct {
		Object json.RawMessage `json:"object"`
	}
	if err := json.Unmarshal(ev.Data, &data); err != nil || len(data.Object) == 0 {
		return errMalformed
	}
	if err := json.Unmarshal(data.Object, v); err != nil {
		return fmt.Errorf("%w: %v", errMalformed, err)
	}
	return nil
}

func dropped(ev client.Event, reason string) {
	logger.Logger.Warn().Str("event_id", ev.ID).Str("type", ev.Type).Msg(reason)
}

type paymentIntentObject struct {
	ID       string            `json:"id"`
	Metadata map[string]string `json:"metadata"`
}

func (r *Reconciler) paymentStatus(status entity.PaymentStatus) handlerFunc {
	return func(ctx context.Context, ev client.Event) error {
		var pi paymentIntentObject
		if err := decodeObject(ev, &pi); err != nil {
			return err
		}
		orderID := pi.Metadata["order_id"]
		if orderID == "" {
			dropped(ev, "payment intent has no order_id, dropped")
			return nil
		}

		changed, err := r.repo.MarkOrderPayment(ctx, orderID, status, pi.ID)
		if errors.Is(err, storage.ErrNotFound) {
			dropped(ev, "order not found, dropped")
			return nil
		}
		if err != nil {
			return err
		}
		if changed {
			logger.Logger.Info().Str("order_id", orderID).Str("payment_status", string(status)).Msg("order payment updated")
		}
		return nil
	}
}

type accountObject struct {
	ID               string `json:"id"`
	ChargesEnabled   bool   `json:"charges_enabled"`
	PayoutsEnabled   bool   `json:"payouts_enabled"`
	DetailsSubmitted bool   `json:"details_submitted"`
	Requirements     struct {
		DisabledReason string `json:"disabled_reason"`
	} `json:"requirements"`
}

// kycStatus derives the KYC state from the processor's view of the account.
func kycStatus(acct accountObject) entity.KYCStatus {
	switch {
	case acct.ChargesEnabled && acct.PayoutsEnabled:
		return entity.KYCVerified
	case strings.HasPrefix(acct.Requirements.DisabledReason, "rejected"):
		return entity.KYCRejected
	default:
		return entity.KYCPending
	}
}

func (r *Reconciler) accountUpdated(ctx context.Context, ev client.Event) error {
	var acct accountObject
	if err := decodeObject(ev, &acct); err != nil {
		return err
	}
	if acct.ID == "" {
		return errMalformed
	}

	user, err := r.repo.UpdateAccount(ctx, acct.ID, func(u *entity.User) error {
		u.ChargesEnabled = acct.ChargesEnabled
		u.PayoutsEnabled = acct.PayoutsEnabled
		u.OnboardingComplete = acct.DetailsSubmitted
		u.KYCStatus = kycStatus(acct)
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		dropped(ev, "connected account not found, dropped")
		return nil
	}
	if err != nil {
		return err
	}
	logger.Logger.Info().
		Str("user_id", user.ID).
		Str("kyc_status", string(user.KYCStatus)).
		Bool("payouts_enabled", user.PayoutsEnabled).
		Msg("connected account updated")
	return nil
}

type capabilityObject struct {
	ID      string `json:"id"`
	Account string `json:"account"`
	Status  string `json:"status"`
}

func (r *Reconciler) capabilityUpdated(ctx context.Context, ev client.Event) error {
	var capability capabilityObject
	if err := decodeObject(ev, &capability); err != nil {
		return err
	}
	accountID := capability.Account
	if accountID == "" {
		accountID = ev.Account
	}
	if accountID == "" {
		return errMalformed
	}

	active := capability.Status == "active"
	var apply func(u *entity.User)
	switch capability.ID {
	case "card_payments":
		apply = func(u *entity.User) { u.ChargesEnabled = active }
	case "transfers":
		apply = func(u *entity.User) { u.PayoutsEnabled = active }
	default:
		return nil
	}

	_, err := r.repo.UpdateAccount(ctx, accountID, func(u *entity.User) error {
		apply(u)
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		dropped(ev, "connected account not found, dropped")
		return nil
	}
	return err
}

type transferObject struct {
	ID       string            `json:"id"`
	Status   string            `json:"status"`
	Reversed bool              `json:"reversed"`
	Metadata map[string]string `json:"metadata"`
}

// findPayout resolves the payout by transfer id, falling back to the
// payout_id tag for transfers whose reference was never recorded.
func (r *Reconciler) findPayout(ctx context.Context, tr transferObject) (entity.Payout, error) {
	payout, err := r.repo.GetPayoutByTransfer(ctx, tr.ID)
	if err == nil || !errors.Is(err, storage.ErrNotFound) {
		return payout, err
	}
	payoutID := tr.Metadata["payout_id"]
	if payoutID == "" {
		return entity.Payout{}, storage.ErrNotFound
	}
	payout, err = r.repo.GetPayout(ctx, payoutID)
	if err != nil {
		return payout, err
	}
	if payout.TransferReference == nil {
		if _, err := r.repo.SetPayoutTransfer(ctx, payout.ID, tr.ID); err != nil {
			return payout, err
		}
		ref := tr.ID
		payout.TransferReference = &ref
	}
	return payout, nil
}

func (r *Reconciler) transferEvent(ctx context.Context, ev client.Event, target func(tr transferObject, current entity.PayoutStatus) (entity.PayoutStatus, bool)) error {
	var tr transferObject
	if err := decodeObject(ev, &tr); err != nil {
		return err
	}
	if tr.ID == "" {
		return errMalformed
	}

	payout, err := r.findPayout(ctx, tr)
	if errors.Is(err, storage.ErrNotFound) {
		dropped(ev, "payout not found for transfer, dropped")
		return nil
	}
	if err != nil {
		return err
	}

	status, ok := target(tr, payout.Status)
	if !ok || status == payout.Status {
		return nil
	}
	changed, err := r.repo.TransitionPayout(ctx, payout.ID, status, r.now())
	if err != nil {
		return err
	}
	if changed {
		level := zerolog.InfoLevel
		if status == entity.PayoutFailed {
			level = zerolog.ErrorLevel
		}
		logger.Logger.WithLevel(level).
			Str("payout_id", payout.ID).
			Str("transfer_id", tr.ID).
			Str("from", string(payout.Status)).
			Str("to", string(status)).
			Msg("payout status changed")
	}
	return nil
}

// transferCreated only links the transfer; a payout that already moved on
// is not pulled back to PROCESSING.
func (r *Reconciler) transferCreated(ctx context.Context, ev client.Event) error {
	return r.transferEvent(ctx, ev, func(_ transferObject, current entity.PayoutStatus) (entity.PayoutStatus, bool) {
		return current, false
	})
}

func (r *Reconciler) transferUpdated(ctx context.Context, ev client.Event) error {
	return r.transferEvent(ctx, ev, func(tr transferObject, current entity.PayoutStatus) (entity.PayoutStatus, bool) {
		if tr.Reversed {
			return entity.PayoutFailed, true
		}
		switch tr.Status {
		case "paid":
			// funds reported reversed or failed stay failed
			return entity.PayoutCompleted, current != entity.PayoutFailed
		case "failed", "canceled":
			return entity.PayoutFailed, true
		case "pending":
			// a late pending must not reopen a settled payout
			return entity.PayoutProcessing, current == entity.PayoutProcessing
		default:
			return current, false
		}
	})
}

func (r *Reconciler) transferReversed(ctx context.Context, ev client.Event) error {
	return r.transferEvent(ctx, ev, func(transferObject, entity.PayoutStatus) (entity.PayoutStatus, bool) {
		return entity.PayoutFailed, true
	})
}
