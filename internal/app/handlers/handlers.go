package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/devkekops/dropship/internal/app/accounts"
	"github.com/devkekops/dropship/internal/app/apperr"
	"github.com/devkekops/dropship/internal/app/entity"
	"github.com/devkekops/dropship/internal/app/logger"
	"github.com/devkekops/dropship/internal/app/orders"
	"github.com/devkekops/dropship/internal/app/storage"
)

// Processor events carry the full object and its metadata; 1 MiB leaves
// room for large ones.
const maxWebhookBytes = 1 << 20

type errorBody struct {
	Kind     string `json:"kind"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
	Line     int    `json:"line,omitempty"`
	PayoutID string `json:"payout_id,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Logger.Err(err).Msg("encode response")
	}
}

// writeError renders err with the status of its kind. Errors outside the
// taxonomy are logged and answered with a generic body.
func writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	var appErr *apperr.Error
	if !errors.As(err, &appErr) || appErr.Kind == apperr.Internal || appErr.Kind == apperr.InvariantViolation {
		logger.Logger.Error().Err(err).Msg("request failed")
	}

	body := errorBody{Kind: apperr.Internal.String(), Code: "internal", Message: "Internal Server Error"}
	if appErr != nil {
		body = errorBody{
			Kind:     appErr.Kind.String(),
			Code:     appErr.Code,
			Message:  appErr.Message,
			Field:    appErr.Field,
			Line:     appErr.Line,
			PayoutID: appErr.PayoutID,
		}
	}
	writeJSON(w, status, map[string]errorBody{"error": body})
}

func invalidJSON(err error) error {
	return apperr.Wrap(apperr.Validation, apperr.CodeInvalidField, err, "Invalid JSON")
}

func (bh *BaseHandler) decode(req *http.Request, v interface{}) error {
	if err := json.NewDecoder(req.Body).Decode(v); err != nil {
		return invalidJSON(err)
	}
	if err := bh.validate.Struct(v); err != nil {
		return apperr.FromValidation(err)
	}
	return nil
}

func (bh *BaseHandler) createOrder() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var orderReq orders.Request
		if err := json.NewDecoder(req.Body).Decode(&orderReq); err != nil {
			writeError(w, invalidJSON(err))
			return
		}
		orderReq.AcceptLanguage = req.Header.Get("Accept-Language")

		res, err := bh.svc.Orders.CreateOrder(req.Context(), orderReq)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, res)
	}
}

func (bh *BaseHandler) createPaymentIntent() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var intentReq orders.IntentRequest
		if err := json.NewDecoder(req.Body).Decode(&intentReq); err != nil {
			writeError(w, invalidJSON(err))
			return
		}
		intentReq.AcceptLanguage = req.Header.Get("Accept-Language")

		intent, err := bh.svc.Orders.CreatePaymentIntent(req.Context(), intentReq)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, intent)
	}
}

type lineSummary struct {
	entity.OrderLine
	DisplayUnitPrice decimal.Decimal `json:"display_unit_price"`
}

type orderSummary struct {
	entity.Order
	Lines        []lineSummary   `json:"lines"`
	DisplayTotal decimal.Decimal `json:"display_total"`
}

func (bh *BaseHandler) getOrder() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		order, err := bh.svc.Repo.GetOrder(req.Context(), chi.URLParam(req, "orderID"))
		if err != nil {
			writeError(w, notFoundOr(err, apperr.CodeOrderNotFound, "order not found"))
			return
		}

		cur := order.DisplayCurrency
		summary := orderSummary{
			Order:        order,
			Lines:        make([]lineSummary, 0, len(order.Lines)),
			DisplayTotal: bh.svc.Normalizer.FromCanonical(order.Total, cur).Round(2),
		}
		for _, line := range order.Lines {
			summary.Lines = append(summary.Lines, lineSummary{
				OrderLine:        line,
				DisplayUnitPrice: bh.svc.Normalizer.FromCanonical(line.UnitPrice, cur).Round(2),
			})
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

func (bh *BaseHandler) processorWebhook() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		payload, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxWebhookBytes))
		if err != nil {
			writeError(w, apperr.Wrap(apperr.Validation, apperr.CodeInvalidField, err, "unreadable body"))
			return
		}

		out, err := bh.svc.Reconciler.Handle(req.Context(), payload, req.Header.Get("Stripe-Signature"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

type conversion struct {
	Amount    decimal.Decimal `json:"amount"`
	From      string          `json:"from"`
	To        string          `json:"to"`
	Rate      decimal.Decimal `json:"rate"`
	Converted decimal.Decimal `json:"converted"`
}

func (bh *BaseHandler) convert() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		amount, err := decimal.NewFromString(q.Get("amount"))
		if err != nil {
			writeError(w, apperr.Validationf(apperr.CodeInvalidField, "amount", "amount must be a decimal number"))
			return
		}
		from := strings.ToUpper(q.Get("from"))
		to := strings.ToUpper(q.Get("to"))
		if from == "" {
			from = bh.svc.Normalizer.Canonical()
		}
		if to == "" {
			to = bh.svc.Normalizer.Canonical()
		}
		if !bh.svc.Normalizer.Known(from) {
			writeError(w, apperr.Validationf(apperr.CodeInvalidField, "from", "unsupported currency %s", from))
			return
		}
		if !bh.svc.Normalizer.Known(to) {
			writeError(w, apperr.Validationf(apperr.CodeInvalidField, "to", "unsupported currency %s", to))
			return
		}

		writeJSON(w, http.StatusOK, conversion{
			Amount:    amount,
			From:      from,
			To:        to,
			Rate:      bh.svc.Normalizer.Rate(from, to),
			Converted: bh.svc.Normalizer.Convert(amount, from, to).Round(2),
		})
	}
}

func (bh *BaseHandler) getFees() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		schedule, err := bh.svc.Fees.Current(req.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, schedule)
	}
}

type feeUpdate struct {
	PlatformFeePercentage  *decimal.Decimal `json:"platform_fee_percentage"`
	ProcessorFeePercentage *decimal.Decimal `json:"processor_fee_percentage"`
}

func (bh *BaseHandler) updateFees() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var upd feeUpdate
		if err := json.NewDecoder(req.Body).Decode(&upd); err != nil {
			writeError(w, invalidJSON(err))
			return
		}

		schedule, err := bh.svc.Fees.Update(req.Context(), upd.PlatformFeePercentage, upd.ProcessorFeePercentage)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, schedule)
	}
}

func (bh *BaseHandler) pendingPayout() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		beneficiaryID := q.Get("beneficiary_id")
		if beneficiaryID == "" {
			writeError(w, apperr.Validationf(apperr.CodeMissingField, "beneficiary_id", "beneficiary_id is required"))
			return
		}
		kind := entity.BeneficiaryKind(strings.ToUpper(q.Get("kind")))
		if kind == "" {
			writeError(w, apperr.Validationf(apperr.CodeMissingField, "kind", "kind is required"))
			return
		}

		pending, err := bh.svc.Aggregator.PendingAmount(req.Context(), beneficiaryID, kind)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, pending)
	}
}

type payoutRequest struct {
	BeneficiaryID   string   `json:"beneficiary_id" validate:"required"`
	BeneficiaryKind string   `json:"beneficiary_kind" validate:"required,oneof=SUPPLIER VENDOR"`
	OrderLineIDs    []string `json:"order_line_ids" validate:"required,min=1,dive,required"`
}

func (bh *BaseHandler) createPayout() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var payoutReq payoutRequest
		if err := bh.decode(req, &payoutReq); err != nil {
			writeError(w, err)
			return
		}

		payout, err := bh.svc.Engine.CreatePayout(req.Context(), payoutReq.BeneficiaryID,
			entity.BeneficiaryKind(payoutReq.BeneficiaryKind), payoutReq.OrderLineIDs)
		if err != nil {
			writeError(w, err)
			return
		}
		logger.Logger.Info().
			Str("operator", operatorFrom(req.Context())).
			Str("payout_id", payout.ID).
			Msg("payout requested by operator")
		writeJSON(w, http.StatusCreated, payout)
	}
}

func (bh *BaseHandler) listPayouts() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		beneficiaryID := req.URL.Query().Get("beneficiary_id")
		if beneficiaryID == "" {
			writeError(w, apperr.Validationf(apperr.CodeMissingField, "beneficiary_id", "beneficiary_id is required"))
			return
		}

		payouts, err := bh.svc.Engine.ListPayouts(req.Context(), beneficiaryID)
		if err != nil {
			writeError(w, err)
			return
		}
		if len(payouts) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, payouts)
	}
}

func (bh *BaseHandler) getPayout() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		payout, err := bh.svc.Engine.GetPayout(req.Context(), chi.URLParam(req, "payoutID"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payout)
	}
}

func (bh *BaseHandler) startOnboarding() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		var onboardingReq accounts.OnboardingRequest
		if err := bh.decode(req, &onboardingReq); err != nil {
			writeError(w, err)
			return
		}

		onboarding, err := bh.svc.Accounts.StartOnboarding(req.Context(), chi.URLParam(req, "userID"), onboardingReq)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, onboarding)
	}
}

func notFoundOr(err error, code, message string) error {
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.Wrap(apperr.NotFound, code, err, message)
	}
	return err
}
