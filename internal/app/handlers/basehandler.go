package handlers

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/devkekops/dropship/internal/app/accounts"
	"github.com/devkekops/dropship/internal/app/apperr"
	"github.com/devkekops/dropship/internal/app/currency"
	"github.com/devkekops/dropship/internal/app/fees"
	"github.com/devkekops/dropship/internal/app/orders"
	"github.com/devkekops/dropship/internal/app/payouts"
	"github.com/devkekops/dropship/internal/app/storage"
	"github.com/devkekops/dropship/internal/app/webhooks"
)

// Services are the collaborators the HTTP surface dispatches to.
type Services struct {
	Repo       storage.Repository
	Fees       *fees.Provider
	Orders     *orders.Assembler
	Aggregator *payouts.Aggregator
	Engine     *payouts.Engine
	Accounts   *accounts.Service
	Reconciler *webhooks.Reconciler
	Normalizer *currency.Normalizer
}

type BaseHandler struct {
	*chi.Mux
	secretKey string
	svc       Services
	validate  *validator.Validate
}

func NewBaseHandler(svc Services, secretKey string) *BaseHandler {
	bh := &BaseHandler{
		Mux:       chi.NewMux(),
		secretKey: secretKey,
		svc:       svc,
		validate:  apperr.NewValidator(),
	}

	bh.Use(middleware.RequestID)
	bh.Use(middleware.RealIP)
	bh.Use(middleware.Logger)
	bh.Use(middleware.Recoverer)

	bh.Use(middleware.Compress(5))
	bh.Use(gzipHandle)

	bh.Route("/api", func(r chi.Router) {
		r.Post("/payment-intents", bh.createPaymentIntent())
		r.Post("/orders", bh.createOrder())
		r.Get("/orders/{orderID}", bh.getOrder())
		r.Post("/webhooks/processor", bh.processorWebhook())
		r.Get("/currency/convert", bh.convert())

		r.Route("/admin", func(r chi.Router) {
			r.Use(authHandle(bh.secretKey))

			r.Get("/fees", bh.getFees())
			r.Put("/fees", bh.updateFees())

			r.Route("/payouts", func(r chi.Router) {
				r.Get("/pending", bh.pendingPayout())
				r.Post("/", bh.createPayout())
				r.Get("/", bh.listPayouts())
				r.Get("/{payoutID}", bh.getPayout())
			})

			r.Post("/accounts/{userID}/onboarding", bh.startOnboarding())
		})
	})

	return bh
}
