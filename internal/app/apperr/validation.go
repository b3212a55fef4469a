package apperr

import (
	"errors"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// NewValidator returns a validator that reports fields by their json names.
func NewValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// FromValidation turns the first validator failure into a Validation error
// naming the field, and the line when the field sits inside a list.
func FromValidation(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return Wrap(Validation, CodeInvalidField, err, "invalid request")
	}
	fe := fieldErrs[0]

	code := CodeInvalidField
	msg := fe.Field() + " is invalid"
	if fe.Tag() == "required" {
		code = CodeMissingField
		msg = fe.Field() + " is required"
	}

	out := &Error{Kind: Validation, Code: code, Field: fe.Field(), Message: msg}
	if idx, ok := listIndex(fe.Namespace()); ok {
		out.AtLine(idx)
	}
	return out
}

// listIndex extracts the first [n] from a namespace like Request.lines[2].quantity.
func listIndex(namespace string) (int, bool) {
	open := strings.IndexByte(namespace, '[')
	if open < 0 {
		return 0, false
	}
	end := strings.IndexByte(namespace[open:], ']')
	if end < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(namespace[open+1 : open+end])
	if err != nil {
		return 0, false
	}
	return n, true
}
