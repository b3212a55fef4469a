// Package accounts links suppliers and vendors to connected accounts on the
// payment network.
package accounts

import (
	"context"
	"errors"
	"fmt"

	"github.com/devkekops/dropship/internal/app/apperr"
	"github.com/devkekops/dropship/internal/app/client"
	"github.com/devkekops/dropship/internal/app/entity"
	"github.com/devkekops/dropship/internal/app/logger"
	"github.com/devkekops/dropship/internal/app/storage"
)

type OnboardingRequest struct {
	Country    string `json:"country" validate:"required,len=2"`
	ReturnURL  string `json:"returnUrl" validate:"required,url"`
	RefreshURL string `json:"refreshUrl" validate:"required,url"`
}

type Onboarding struct {
	UserID            string `json:"user_id"`
	ExternalAccountID string `json:"external_account_id"`
	URL               string `json:"url"`
}

type Service struct {
	repo      storage.Repository
	processor client.Processor
}

func NewService(repo storage.Repository, processor client.Processor) *Service {
	return &Service{repo: repo, processor: processor}
}

// StartOnboarding creates the connected account on first use and returns a
// fresh onboarding link. Capability and KYC flags are left to webhooks.
func (s *Service) StartOnboarding(ctx context.Context, userID string, req OnboardingRequest) (Onboarding, error) {
	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Onboarding{}, apperr.NotFoundf(apperr.CodeBeneficiaryNotFound, "user %s not found", userID)
		}
		return Onboarding{}, fmt.Errorf("get user: %w", err)
	}
	if user.Role != entity.RoleSupplier && user.Role != entity.RoleVendor {
		return Onboarding{}, apperr.Eligibilityf(apperr.CodeRoleMismatch,
			"user %s is %s and cannot receive payouts", user.ID, user.Role)
	}

	if user.ExternalAccountID == nil {
		accountID, err := s.processor.CreateConnectedAccount(ctx, user.Email, req.Country, client.AccountTypeExpress)
		if err != nil {
			return Onboarding{}, apperr.Wrap(apperr.ExternalService, apperr.CodeProcessorFailed, err,
				"connected account was not created")
		}
		user, err = s.repo.SetExternalAccount(ctx, user.ID, accountID)
		if err != nil {
			return Onboarding{}, fmt.Errorf("save connected account: %w", err)
		}
		if *user.ExternalAccountID != accountID {
			logger.Logger.Warn().
				Str("user_id", user.ID).
				Str("orphan_account_id", accountID).
				Msg("connected account created concurrently, keeping the first one")
		} else {
			logger.Logger.Info().Str("user_id", user.ID).Str("account_id", accountID).Msg("connected account created")
		}
	}

	url, err := s.processor.CreateOnboardingLink(ctx, *user.ExternalAccountID, req.ReturnURL, req.RefreshURL)
	if err != nil {
		return Onboarding{}, apperr.Wrap(apperr.ExternalService, apperr.CodeProcessorFailed, err,
			"onboarding link was not created")
	}
	return Onboarding{UserID: user.ID, ExternalAccountID: *user.ExternalAccountID, URL: url}, nil
}
