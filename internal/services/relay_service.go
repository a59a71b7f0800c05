package services

import (
	"context"
	"time"

	"example.com/backstage/services/relay/config"
	"example.com/backstage/services/relay/internal/cache"
	"example.com/backstage/services/relay/internal/delivery"
	"example.com/backstage/services/relay/internal/envelope"
	"example.com/backstage/services/relay/internal/metrics"
	"example.com/backstage/services/relay/internal/models"
	"example.com/backstage/services/relay/internal/tracing"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// EventRepository is the store contract the relay depends on: predicate
// selection plus claim-guarded conditional updates.
type EventRepository interface {
	ReclaimStale(ctx context.Context, now time.Time, ttl time.Duration) (int64, error)
	SelectCandidates(ctx context.Context, limit int) ([]models.EventRecord, error)
	Claim(ctx context.Context, id uuid.UUID, claimID uuid.UUID, now time.Time) (*models.EventRecord, error)
	MarkForwarded(ctx context.Context, id uuid.UUID, claimID uuid.UUID, now time.Time) (bool, error)
	MarkFailed(ctx context.Context, id uuid.UUID, claimID uuid.UUID, forwardErr string, deadletter bool, now time.Time) (bool, error)
	ListDeadlettered(ctx context.Context, limit int) ([]models.EventRecord, error)
}

// Sender transmits one envelope to the sink, returning the outcome as a value.
type Sender interface {
	Send(ctx context.Context, env *envelope.Envelope) delivery.Result
}

// DeadletterIndexer receives records that exhausted their retry budget.
type DeadletterIndexer interface {
	IndexDeadletter(ctx context.Context, rec *models.EventRecord) error
}

// BatchResult aggregates the outcome of one relay batch. Skipped is set when
// the relay is disabled or missing required sink configuration; that is a
// deliberate no-op, not an error.
type BatchResult struct {
	Skipped      bool      `json:"skipped"`
	Attempted    int       `json:"attempted"`
	Forwarded    int       `json:"forwarded"`
	Failed       int       `json:"failed"`
	Deadlettered int       `json:"deadlettered"`
	RanAt        time.Time `json:"ran_at"`
}

// RelayService drives relay batches: reclaim stale leases, select and claim
// candidates, deliver, and record outcomes. Nothing in here may fail loudly;
// every internal failure ends up in the counters or in per-record state.
type RelayService struct {
	repo    EventRepository
	sender  Sender
	cache   *cache.RedisCache
	indexer DeadletterIndexer
	metrics *metrics.Metrics
	tracer  tracing.Tracer
	cfg     config.RelayConfig
	now     func() time.Time
}

// NewRelayService creates a new relay service
func NewRelayService(
	repo EventRepository,
	sender Sender,
	redisCache *cache.RedisCache,
	indexer DeadletterIndexer,
	metricsCollector *metrics.Metrics,
	tracer tracing.Tracer,
	cfg config.RelayConfig,
) *RelayService {
	return &RelayService{
		repo:    repo,
		sender:  sender,
		cache:   redisCache,
		indexer: indexer,
		metrics: metricsCollector,
		tracer:  tracer,
		cfg:     cfg,
		now:     time.Now,
	}
}

// RunBatch runs one relay batch over at most maxRecords records and returns
// aggregate counts. It never returns an error: a disabled or misconfigured
// relay skips, and store or sink failures are absorbed into the counts.
func (s *RelayService) RunBatch(ctx context.Context, maxRecords int) BatchResult {
	txn := s.tracer.StartTransaction("relay-batch")
	defer s.tracer.EndTransaction(txn)

	res := BatchResult{RanAt: s.now()}

	if !s.cfg.Ready() {
		log.Debug().Msg("Relay disabled or missing sink configuration, skipping batch")
		res.Skipped = true
		return res
	}

	// Free up leases abandoned by crashed workers before selecting.
	reclaimSpan := s.tracer.StartSpan("reclaim-stale", txn)
	reclaimed, err := s.repo.ReclaimStale(ctx, s.now(), s.cfg.LeaseTTL)
	reclaimSpan.End()
	if err != nil {
		log.Error().Err(err).Msg("Failed to reclaim stale claims")
		s.tracer.RecordError(txn, err)
	} else if reclaimed > 0 {
		log.Info().Int64("reclaimed", reclaimed).Msg("Reclaimed stale claims")
		s.metrics.IncrementCounterBy(metrics.CounterReclaimed, reclaimed)
	}

	limit := maxRecords
	if limit <= 0 || limit > s.cfg.BatchLimit {
		limit = s.cfg.BatchLimit
	}

	selectSpan := s.tracer.StartSpan("select-candidates", txn)
	candidates, err := s.repo.SelectCandidates(ctx, limit)
	selectSpan.End()
	if err != nil {
		log.Error().Err(err).Msg("Failed to select candidate records")
		s.tracer.RecordError(txn, err)
		return res
	}

	for i := range candidates {
		s.relayOne(ctx, &candidates[i], &res)
	}

	s.metrics.IncrementCounter(metrics.CounterBatches)
	s.storeLastRun(ctx, res)

	log.Info().
		Int("attempted", res.Attempted).
		Int("forwarded", res.Forwarded).
		Int("failed", res.Failed).
		Int("deadlettered", res.Deadlettered).
		Msg("Relay batch completed")

	return res
}

// relayOne claims a single candidate and, if the claim won, delivers it and
// records the outcome.
func (s *RelayService) relayOne(ctx context.Context, candidate *models.EventRecord, res *BatchResult) {
	claimID := uuid.New()

	record, err := s.repo.Claim(ctx, candidate.ID, claimID, s.now())
	if err != nil {
		log.Error().Err(err).Str("record_id", candidate.ID.String()).Msg("Failed to claim event record")
		return
	}
	if record == nil {
		// Lost the race to a concurrent worker; not a failure.
		s.metrics.IncrementCounter(metrics.CounterContended)
		return
	}

	res.Attempted++

	env := envelope.Build(record, s.cfg)
	result := s.sender.Send(ctx, env)

	if result.OK {
		applied, err := s.repo.MarkForwarded(ctx, record.ID, claimID, s.now())
		if err != nil {
			log.Error().Err(err).Str("record_id", record.ID.String()).Msg("Failed to mark record as forwarded")
		} else if !applied {
			log.Warn().Str("record_id", record.ID.String()).Msg("Forwarded outcome lost to a newer claim")
		}
		res.Forwarded++
		s.metrics.IncrementCounter(metrics.CounterForwarded)
		return
	}

	deadletter := record.Attempts >= s.cfg.MaxAttempts

	applied, err := s.repo.MarkFailed(ctx, record.ID, claimID, result.Err, deadletter, s.now())
	if err != nil {
		log.Error().Err(err).Str("record_id", record.ID.String()).Msg("Failed to record delivery failure")
	} else if !applied {
		log.Warn().Str("record_id", record.ID.String()).Msg("Failure outcome lost to a newer claim")
	}

	if deadletter {
		res.Deadlettered++
		s.metrics.IncrementCounter(metrics.CounterDeadlettered)
		log.Error().
			Str("record_id", record.ID.String()).
			Int("attempts", record.Attempts).
			Str("error", result.Err).
			Msg("Event record deadlettered")
		s.indexDeadletter(ctx, record, result.Err)
	} else {
		res.Failed++
		s.metrics.IncrementCounter(metrics.CounterFailed)
		log.Warn().
			Str("record_id", record.ID.String()).
			Int("attempts", record.Attempts).
			Str("error", result.Err).
			Msg("Event delivery failed, will retry")
	}
}

// indexDeadletter pushes the terminal record to the inspection index, if one
// is configured.
func (s *RelayService) indexDeadletter(ctx context.Context, record *models.EventRecord, forwardErr string) {
	if s.indexer == nil {
		return
	}

	rec := *record
	rec.ForwardError = &forwardErr
	now := s.now()
	rec.DeadletterAt = &now

	if err := s.indexer.IndexDeadletter(ctx, &rec); err != nil {
		log.Warn().Err(err).Str("record_id", record.ID.String()).Msg("Failed to index deadlettered record")
	}
}

// storeLastRun caches the batch summary for the ops status endpoint.
func (s *RelayService) storeLastRun(ctx context.Context, res BatchResult) {
	if s.cache == nil {
		return
	}
	if err := s.cache.SetLastRun(ctx, res); err != nil {
		log.Debug().Err(err).Msg("Failed to cache last run summary")
	}
}

// LastRun returns the cached summary of the most recent batch.
func (s *RelayService) LastRun(ctx context.Context) (BatchResult, bool) {
	var res BatchResult
	if s.cache == nil {
		return res, false
	}
	if err := s.cache.GetLastRun(ctx, &res); err != nil {
		return res, false
	}
	return res, true
}

// Deadletters returns recently deadlettered records for operator inspection.
func (s *RelayService) Deadletters(ctx context.Context, limit int) ([]models.EventRecord, error) {
	return s.repo.ListDeadlettered(ctx, limit)
}
