// Package apperr carries the error taxonomy shared by the settlement services
// and the HTTP layer.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	Internal Kind = iota
	Validation
	NotFound
	Eligibility
	ExternalService
	Reconciliation
	InvariantViolation
	Conflict
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case Eligibility:
		return "eligibility"
	case ExternalService:
		return "external_service"
	case Reconciliation:
		return "reconciliation"
	case InvariantViolation:
		return "invariant_violation"
	case Conflict:
		return "conflict"
	default:
		return "internal"
	}
}

const (
	CodeMissingField            = "missing_field"
	CodeInvalidField            = "invalid_field"
	CodeStoreUnavailable        = "store_unavailable"
	CodeShippingIneligible      = "shipping_ineligible"
	CodeProductNotFound         = "product_not_found"
	CodeStoreProductNotFound    = "store_product_not_found"
	CodeOrderNotFound           = "order_not_found"
	CodeBeneficiaryNotFound     = "beneficiary_not_found"
	CodePayoutNotFound          = "payout_not_found"
	CodeRoleMismatch            = "role_mismatch"
	CodeKYCIncomplete           = "kyc_incomplete"
	CodeAccountNotPayoutCapable = "account_not_payout_capable"
	CodeNoEligibleLines         = "no_eligible_lines"
	CodeTransferFailed          = "transfer_failed"
	CodeProcessorFailed         = "processor_failed"
	CodeInvalidSignature        = "invalid_signature"
	CodeMalformedEvent          = "malformed_event"
	CodeNegativeNetPayout       = "negative_net_payout"
	CodeFeeSplitMismatch        = "fee_split_mismatch"
	CodeOrderNumberExhausted    = "order_number_exhausted"
)

// Error is the typed failure returned by every service operation.
// Field and Line point at the offending request part when there is one.
type Error struct {
	Kind     Kind
	Code     string
	Message  string
	Field    string
	Line     int
	PayoutID string
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

func Wrap(kind Kind, code string, err error, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Err: err}
}

func Validationf(code, field, format string, args ...interface{}) *Error {
	return &Error{Kind: Validation, Code: code, Field: field, Message: fmt.Sprintf(format, args...)}
}

func NotFoundf(code, format string, args ...interface{}) *Error {
	return &Error{Kind: NotFound, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Eligibilityf(code, format string, args ...interface{}) *Error {
	return &Error{Kind: Eligibility, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Invariantf(code, format string, args ...interface{}) *Error {
	return &Error{Kind: InvariantViolation, Code: code, Message: fmt.Sprintf(format, args...)}
}

// AtLine tags the error with the request line index it refers to.
// Line is stored one-based so that zero means "no line".
func (e *Error) AtLine(index int) *Error {
	e.Line = index + 1
	return e
}

// KindOf returns Internal for errors outside the taxonomy.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return Internal
}

func Is(err error, code string) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Code == code
}

func HTTPStatus(err error) int {
	var appErr *Error
	if !errors.As(err, &appErr) {
		return http.StatusInternalServerError
	}
	switch appErr.Kind {
	case Validation, Reconciliation:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Eligibility:
		if appErr.Code == CodeRoleMismatch {
			return http.StatusForbidden
		}
		return http.StatusBadRequest
	case ExternalService:
		return http.StatusBadGateway
	case Conflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
