// Package fees serves the platform-wide fee schedule.
package fees

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/devkekops/dropship/internal/app/apperr"
	"github.com/devkekops/dropship/internal/app/entity"
	"github.com/devkekops/dropship/internal/app/logger"
	"github.com/devkekops/dropship/internal/app/storage"
)

// The cache holds one entry per schedule version plus a pointer to the
// newest version seen. The pointer only moves forward, so a reader that
// loaded an old row before an update cannot shadow the new one.
const (
	pointerKey       = "fees:schedule:current"
	versionKeyFormat = "fees:schedule:v%d"
)

var raisePointer = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if tonumber(ARGV[1]) > cur then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return 1
end
return 0
`)

func versionKey(version int64) string {
	return fmt.Sprintf(versionKeyFormat, version)
}

var hundred = decimal.NewFromInt(100)

// Provider reads the singleton schedule through an optional redis cache.
// Update writes the store first and then caches the new version.
type Provider struct {
	repo  storage.Repository
	cache *redis.Client
	ttl   time.Duration
}

func NewProvider(repo storage.Repository, cache *redis.Client, ttl time.Duration) *Provider {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Provider{repo: repo, cache: cache, ttl: ttl}
}

// Current returns the schedule, materializing the default on first call.
func (p *Provider) Current(ctx context.Context) (entity.FeeSchedule, error) {
	if fees, ok := p.cached(ctx); ok {
		return fees, nil
	}

	fees, err := p.repo.GetFeeSchedule(ctx)
	if err != nil {
		return entity.FeeSchedule{}, fmt.Errorf("load fee schedule: %w", err)
	}
	if err := p.fill(ctx, fees); err != nil {
		logger.Logger.Warn().Err(err).Int64("version", fees.Version).Msg("fee cache write")
	}
	return fees, nil
}

func (p *Provider) cached(ctx context.Context) (entity.FeeSchedule, bool) {
	if p.cache == nil {
		return entity.FeeSchedule{}, false
	}
	version, err := p.cache.Get(ctx, pointerKey).Int64()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.Logger.Warn().Err(err).Msg("fee cache read")
		}
		return entity.FeeSchedule{}, false
	}
	data, err := p.cache.Get(ctx, versionKey(version)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.Logger.Warn().Err(err).Msg("fee cache read")
		}
		return entity.FeeSchedule{}, false
	}
	var fees entity.FeeSchedule
	if err := json.Unmarshal(data, &fees); err != nil {
		return entity.FeeSchedule{}, false
	}
	return fees, true
}

// fill stores fees under its version and moves the pointer to it unless a
// newer version is already current.
func (p *Provider) fill(ctx context.Context, fees entity.FeeSchedule) error {
	if p.cache == nil {
		return nil
	}
	payload, err := json.Marshal(fees)
	if err != nil {
		return err
	}
	if err := p.cache.Set(ctx, versionKey(fees.Version), payload, p.ttl).Err(); err != nil {
		return err
	}
	return raisePointer.Run(ctx, p.cache, []string{pointerKey}, fees.Version, p.ttl.Milliseconds()).Err()
}

// Update changes the given percentages atomically. A nil argument keeps the
// stored value.
func (p *Provider) Update(ctx context.Context, platformFeePct, processorFeePct *decimal.Decimal) (entity.FeeSchedule, error) {
	platform, err := percentage("platform_fee_percentage", platformFeePct)
	if err != nil {
		return entity.FeeSchedule{}, err
	}
	processor, err := percentage("processor_fee_percentage", processorFeePct)
	if err != nil {
		return entity.FeeSchedule{}, err
	}
	if !platform.Valid && !processor.Valid {
		return entity.FeeSchedule{}, apperr.Validationf(apperr.CodeMissingField, "platform_fee_percentage",
			"at least one fee percentage is required")
	}

	fees, err := p.repo.UpdateFeeSchedule(ctx, platform, processor)
	if err != nil {
		return entity.FeeSchedule{}, fmt.Errorf("update fee schedule: %w", err)
	}

	if err := p.fill(ctx, fees); err != nil {
		logger.Logger.Error().Err(err).Int64("version", fees.Version).Msg("fee cache write")
		if err := p.cache.Del(ctx, pointerKey).Err(); err != nil {
			logger.Logger.Error().Err(err).Msg("fee cache invalidate")
		}
	}

	logger.Logger.Info().
		Str("platform_fee_percentage", fees.PlatformFeePercentage.String()).
		Str("processor_fee_percentage", fees.ProcessorFeePercentage.String()).
		Int64("version", fees.Version).
		Msg("fee schedule updated")
	return fees, nil
}

func percentage(field string, value *decimal.Decimal) (decimal.NullDecimal, error) {
	if value == nil {
		return decimal.NullDecimal{}, nil
	}
	if value.IsNegative() || value.GreaterThan(hundred) {
		return decimal.NullDecimal{}, apperr.Validationf(apperr.CodeInvalidField, field,
			"%s must be between 0 and 100", field)
	}
	return decimal.NullDecimal{Decimal: *value, Valid: true}, nil
}
