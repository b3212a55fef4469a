package fees

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devkekops/dropship/internal/app/apperr"
	"github.com/devkekops/dropship/internal/app/entity"
	"github.com/devkekops/dropship/internal/app/storage"
)

func pct(s string) *decimal.Decimal {
	v := decimal.RequireFromString(s)
	return &v
}

func newCachedProvider(t *testing.T) (*Provider, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewProvider(storage.NewRepoMemory(), client, 0), mr
}

func TestCurrent_MaterializesDefault(t *testing.T) {
	p := NewProvider(storage.NewRepoMemory(), nil, 0)

	fees, err := p.Current(context.Background())
	require.NoError(t, err)
	assert.True(t, fees.PlatformFeePercentage.Equal(entity.DefaultPlatformFeePercentage))
	assert.True(t, fees.ProcessorFeePercentage.Equal(entity.DefaultProcessorFeePercentage))

	again, err := p.Current(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fees.Version, again.Version)
}

func TestUpdate_PartialKeepsOtherField(t *testing.T) {
	p := NewProvider(storage.NewRepoMemory(), nil, 0)
	ctx := context.Background()

	fees, err := p.Update(ctx, pct("5"), nil)
	require.NoError(t, err)
	assert.True(t, fees.PlatformFeePercentage.Equal(decimal.NewFromInt(5)))
	assert.True(t, fees.ProcessorFeePercentage.Equal(entity.DefaultProcessorFeePercentage))

	fees, err = p.Update(ctx, nil, pct("3.1"))
	require.NoError(t, err)
	assert.True(t, fees.PlatformFeePercentage.Equal(decimal.NewFromInt(5)))
	assert.True(t, fees.ProcessorFeePercentage.Equal(decimal.RequireFromString("3.1")))
}

func TestUpdate_Validation(t *testing.T) {
	p := NewProvider(storage.NewRepoMemory(), nil, 0)
	ctx := context.Background()

	_, err := p.Update(ctx, nil, nil)
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))

	_, err = p.Update(ctx, pct("-1"), nil)
	assert.True(t, apperr.Is(err, apperr.CodeInvalidField))

	_, err = p.Update(ctx, nil, pct("101"))
	assert.True(t, apperr.Is(err, apperr.CodeInvalidField))
}

func TestUpdate_ConcurrentPartialEditsDoNotClobber(t *testing.T) {
	p := NewProvider(storage.NewRepoMemory(), nil, 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := p.Update(ctx, pct("4"), nil)
		assert.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		_, err := p.Update(ctx, nil, pct("3.5"))
		assert.NoError(t, err)
	}()
	wg.Wait()

	fees, err := p.Current(ctx)
	require.NoError(t, err)
	assert.True(t, fees.PlatformFeePercentage.Equal(decimal.NewFromInt(4)))
	assert.True(t, fees.ProcessorFeePercentage.Equal(decimal.RequireFromString("3.5")))
	assert.Equal(t, int64(3), fees.Version)
}

func TestCurrent_ReadThroughCache(t *testing.T) {
	p, mr := newCachedProvider(t)
	ctx := context.Background()

	_, err := p.Current(ctx)
	require.NoError(t, err)
	assert.True(t, mr.Exists(versionKey(1)))
	current, err := mr.Get(pointerKey)
	require.NoError(t, err)
	assert.Equal(t, "1", current)

	_, err = p.Update(ctx, pct("1.5"), nil)
	require.NoError(t, err)
	assert.True(t, mr.Exists(versionKey(2)))
	current, err = mr.Get(pointerKey)
	require.NoError(t, err)
	assert.Equal(t, "2", current)

	fees, err := p.Current(ctx)
	require.NoError(t, err)
	assert.True(t, fees.PlatformFeePercentage.Equal(decimal.RequireFromString("1.5")))
	assert.Equal(t, int64(2), fees.Version)
}

func TestCurrent_LateStaleFillDoesNotShadowUpdate(t *testing.T) {
	p, mr := newCachedProvider(t)
	ctx := context.Background()

	// a reader loads the row, stalls, and writes it back after the update
	stale, err := p.repo.GetFeeSchedule(ctx)
	require.NoError(t, err)

	_, err = p.Update(ctx, pct("7"), nil)
	require.NoError(t, err)
	require.NoError(t, p.fill(ctx, stale))

	current, err := mr.Get(pointerKey)
	require.NoError(t, err)
	assert.Equal(t, "2", current)

	fees, err := p.Current(ctx)
	require.NoError(t, err)
	assert.True(t, fees.PlatformFeePercentage.Equal(decimal.NewFromInt(7)), fees.PlatformFeePercentage.String())
	assert.Equal(t, int64(2), fees.Version)
}

func TestCurrent_ExpiredVersionReloads(t *testing.T) {
	p, mr := newCachedProvider(t)
	ctx := context.Background()

	_, err := p.Update(ctx, pct("2"), nil)
	require.NoError(t, err)
	mr.Del(versionKey(2))

	fees, err := p.Current(ctx)
	require.NoError(t, err)
	assert.True(t, fees.PlatformFeePercentage.Equal(decimal.NewFromInt(2)))
	assert.True(t, mr.Exists(versionKey(2)))
}

func TestCurrent_CacheOutageFallsBackToStore(t *testing.T) {
	p, mr := newCachedProvider(t)
	mr.Close()

	fees, err := p.Current(context.Background())
	require.NoError(t, err)
	assert.True(t, fees.ProcessorFeePercentage.Equal(entity.DefaultProcessorFeePercentage))
}
