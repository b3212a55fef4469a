package orders

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devkekops/dropship/internal/app/apperr"
	"github.com/devkekops/dropship/internal/app/settlement"
)

func TestCreatePaymentIntent(t *testing.T) {
	f := newFixture(t)

	intent, err := f.assembler.CreatePaymentIntent(context.Background(), IntentRequest{
		StoreID: "st1", CustomerEmail: "buyer@example.com", Amount: d("36.494"), Currency: "USD",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, intent.ID)
	assert.Equal(t, intent.ID+"_secret", intent.ClientSecret)
	assert.True(t, d("36.49").Equal(intent.Amount), intent.Amount.String())

	require.Len(t, f.processor.Intents, 1)
	assert.Equal(t, "USD", f.processor.Intents[0].Currency)
	assert.Equal(t, "st1", f.processor.Metadata[intent.ID]["store_id"])
	assert.Equal(t, "buyer@example.com", f.processor.Metadata[intent.ID]["customer_email"])

	req := request("US", settlement.CartLine{ProductID: "p1", StoreProductID: "sp1", Quantity: 1, UnitPrice: d("15")})
	req.PaymentIntentID = intent.ID
	res, err := f.assembler.CreateOrder(context.Background(), req)
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
	assert.Equal(t, res.Order.ID, f.processor.Metadata[intent.ID]["order_id"])
}

func TestCreatePaymentIntent_CurrencyFromLocale(t *testing.T) {
	f := newFixture(t)

	intent, err := f.assembler.CreatePaymentIntent(context.Background(), IntentRequest{
		StoreID: "st1", CustomerEmail: "buyer@example.com", Amount: d("12"), AcceptLanguage: "de-DE",
	})
	require.NoError(t, err)
	assert.Equal(t, "EUR", intent.Currency)
}

func TestCreatePaymentIntent_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		req   IntentRequest
		fail  bool
		kind  apperr.Kind
		code  string
		field string
	}{
		{
			name: "missing email",
			req:  IntentRequest{StoreID: "st1", Amount: d("10")},
			kind: apperr.Validation, code: apperr.CodeMissingField, field: "customer_email",
		},
		{
			name: "zero amount",
			req:  IntentRequest{StoreID: "st1", CustomerEmail: "b@example.com", Amount: d("0")},
			kind: apperr.Validation, code: apperr.CodeInvalidField, field: "amount",
		},
		{
			name: "unknown store",
			req:  IntentRequest{StoreID: "nope", CustomerEmail: "b@example.com", Amount: d("10")},
			kind: apperr.NotFound, code: apperr.CodeStoreUnavailable,
		},
		{
			name: "suspended store",
			req:  IntentRequest{StoreID: "st2", CustomerEmail: "b@example.com", Amount: d("10")},
			kind: apperr.Eligibility, code: apperr.CodeStoreUnavailable,
		},
		{
			name: "processor down",
			req:  IntentRequest{StoreID: "st1", CustomerEmail: "b@example.com", Amount: d("10")},
			fail: true,
			kind: apperr.ExternalService, code: apperr.CodeProcessorFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.processor.FailIntent = tt.fail

			_, err := f.assembler.CreatePaymentIntent(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperr.KindOf(err))
			assert.True(t, apperr.Is(err, tt.code), err.Error())
			if tt.field != "" {
				var appErr *apperr.Error
				require.ErrorAs(t, err, &appErr)
				assert.Equal(t, tt.field, appErr.Field)
			}
			assert.Empty(t, f.processor.Intents)
		})
	}
}
