package payouts

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devkekops/dropship/internal/app/apperr"
	"github.com/devkekops/dropship/internal/app/entity"
	"github.com/devkekops/dropship/internal/app/logger"
	"github.com/devkekops/dropship/internal/app/storage"
)

// Scheduler periodically pays every beneficiary that has eligible lines.
// Each round fans the beneficiaries out to a fixed pool of workers.
type Scheduler struct {
	repo       storage.Repository
	aggregator *Aggregator
	engine     *Engine
	interval   time.Duration
	workers    int
}

func NewScheduler(repo storage.Repository, engine *Engine, interval time.Duration, workers int) *Scheduler {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Scheduler{
		repo:       repo,
		aggregator: NewAggregator(repo),
		engine:     engine,
		interval:   interval,
		workers:    workers,
	}
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			created, err := s.RunOnce(ctx)
			if err != nil {
				logger.Logger.Err(err).Msg("payout round")
			} else if created > 0 {
				logger.Logger.Info().Int("payouts", created).Msg("payout round finished")
			}
			timer.Reset(s.interval)
		}
	}
}

// RunOnce runs a single round and reports how many payouts were created.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	candidates, err := s.repo.PayoutCandidates(ctx)
	if err != nil {
		return 0, err
	}

	taskCh := make(chan entity.Beneficiary)
	var created int64
	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for b := range taskCh {
				if s.payOne(ctx, id, b) {
					atomic.AddInt64(&created, 1)
				}
			}
		}(i)
	}

feed:
	for _, b := range candidates {
		select {
		case taskCh <- b:
		case <-ctx.Done():
			break feed
		}
	}
	close(taskCh)
	wg.Wait()

	return int(atomic.LoadInt64(&created)), ctx.Err()
}

func (s *Scheduler) payOne(ctx context.Context, worker int, b entity.Beneficiary) bool {
	log := logger.Logger.With().
		Int("worker", worker).
		Str("beneficiary_id", b.ID).
		Str("kind", string(b.Kind)).
		Logger()

	pending, err := s.aggregator.PendingAmount(ctx, b.ID, b.Kind)
	if err != nil {
		log.Err(err).Msg("aggregate pending lines")
		return false
	}
	if len(pending.OrderLineIDs) == 0 {
		return false
	}

	payout, err := s.engine.CreatePayout(ctx, b.ID, b.Kind, pending.OrderLineIDs)
	switch apperr.KindOf(err) {
	case apperr.Internal:
		if err != nil {
			log.Err(err).Msg("create payout")
			return false
		}
	case apperr.Eligibility, apperr.NotFound:
		log.Debug().Err(err).Msg("beneficiary skipped")
		return false
	case apperr.ExternalService:
		// the payout row exists in FAILED state
		return true
	default:
		log.Err(err).Msg("create payout")
		return false
	}
	log.Info().Str("payout_id", payout.ID).Msg("scheduled payout created")
	return true
}
