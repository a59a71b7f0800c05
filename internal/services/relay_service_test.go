package services

import (
	"context"
	"testing"
	"time"

	"example.com/backstage/services/relay/config"
	"example.com/backstage/services/relay/internal/delivery"
	"example.com/backstage/services/relay/internal/envelope"
	"example.com/backstage/services/relay/internal/metrics"
	"example.com/backstage/services/relay/internal/models"
	"example.com/backstage/services/relay/internal/tracing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// Mock repositories for testing
type MockEventRepository struct {
	mock.Mock
}

func (m *MockEventRepository) ReclaimStale(ctx context.Context, now time.Time, ttl time.Duration) (int64, error) {
	args := m.Called(ctx, now, ttl)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockEventRepository) SelectCandidates(ctx context.Context, limit int) ([]models.EventRecord, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]models.EventRecord), args.Error(1)
}

func (m *MockEventRepository) Claim(ctx context.Context, id uuid.UUID, claimID uuid.UUID, now time.Time) (*models.EventRecord, error) {
	args := m.Called(ctx, id, claimID, now)
	if rec := args.Get(0); rec != nil {
		return rec.(*models.EventRecord), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockEventRepository) MarkForwarded(ctx context.Context, id uuid.UUID, claimID uuid.UUID, now time.Time) (bool, error) {
	args := m.Called(ctx, id, claimID, now)
	return args.Bool(0), args.Error(1)
}

func (m *MockEventRepository) MarkFailed(ctx context.Context, id uuid.UUID, claimID uuid.UUID, forwardErr string, deadletter bool, now time.Time) (bool, error) {
	args := m.Called(ctx, id, claimID, forwardErr, deadletter, now)
	return args.Bool(0), args.Error(1)
}

func (m *MockEventRepository) ListDeadlettered(ctx context.Context, limit int) ([]models.EventRecord, error) {
	args := m.Called(ctx, limit)
	return args.Get(0).([]models.EventRecord), args.Error(1)
}

// Mock sender for testing
type MockSender struct {
	mock.Mock
}

func (m *MockSender) Send(ctx context.Context, env *envelope.Envelope) delivery.Result {
	args := m.Called(ctx, env)
	return args.Get(0).(delivery.Result)
}

func testRelayConfig() config.RelayConfig {
	return config.RelayConfig{
		Enabled:     true,
		SinkURL:     "https://sink.example.com/events",
		Secret:      "topsecret",
		Source:      "backstage",
		Environment: "test",
		LeaseTTL:    5 * time.Minute,
		MaxAttempts: 8,
		BatchLimit:  100,
	}
}

func newTestService(t *testing.T, repo EventRepository, sender Sender, cfg config.RelayConfig) *RelayService {
	t.Helper()

	tracer, err := tracing.NewTracer(config.TracingConfig{})
	require.NoError(t, err)

	return &RelayService{
		repo:    repo,
		sender:  sender,
		metrics: metrics.NewMetrics(),
		tracer:  tracer,
		cfg:     cfg,
		now:     time.Now,
	}
}

func unclaimedRecord(attempts int) models.EventRecord {
	return models.EventRecord{
		ID:        uuid.New(),
		CreatedAt: time.Now().Add(-time.Hour),
		TenantID:  uuid.New(),
		Kind:      "case.updated",
		Stage:     "review",
		Status:    "completed",
		Attempts:  attempts,
	}
}

func TestRunBatchSkipsWhenDisabled(t *testing.T) {
	repo := new(MockEventRepository)
	sender := new(MockSender)

	cfg := testRelayConfig()
	cfg.Enabled = false

	service := newTestService(t, repo, sender, cfg)
	result := service.RunBatch(context.Background(), 10)

	require.True(t, result.Skipped)
	require.Zero(t, result.Attempted)
	require.Zero(t, result.Forwarded)
	require.Zero(t, result.Failed)
	require.Zero(t, result.Deadlettered)

	// No store or sink interaction at all when disabled
	repo.AssertExpectations(t)
	sender.AssertExpectations(t)
}

func TestRunBatchSkipsWhenSinkConfigMissing(t *testing.T) {
	repo := new(MockEventRepository)
	sender := new(MockSender)

	cfg := testRelayConfig()
	cfg.Secret = ""

	service := newTestService(t, repo, sender, cfg)
	result := service.RunBatch(context.Background(), 10)

	require.True(t, result.Skipped)
	repo.AssertExpectations(t)
}

func TestRunBatchForwardsAllRecords(t *testing.T) {
	repo := new(MockEventRepository)
	sender := new(MockSender)

	candidates := []models.EventRecord{
		unclaimedRecord(0),
		unclaimedRecord(0),
		unclaimedRecord(0),
	}

	repo.On("ReclaimStale", mock.Anything, mock.Anything, 5*time.Minute).Return(int64(0), nil)
	repo.On("SelectCandidates", mock.Anything, mock.Anything).Return(candidates, nil)
	for i := range candidates {
		claimed := candidates[i]
		claimed.Attempts = 1
		repo.On("Claim", mock.Anything, candidates[i].ID, mock.Anything, mock.Anything).Return(&claimed, nil)
		repo.On("MarkForwarded", mock.Anything, candidates[i].ID, mock.Anything, mock.Anything).Return(true, nil)
	}
	sender.On("Send", mock.Anything, mock.AnythingOfType("*envelope.Envelope")).Return(delivery.Result{OK: true, StatusCode: 200}).Times(3)

	service := newTestService(t, repo, sender, testRelayConfig())
	result := service.RunBatch(context.Background(), 10)

	require.False(t, result.Skipped)
	require.Equal(t, 3, result.Attempted)
	require.Equal(t, 3, result.Forwarded)
	require.Zero(t, result.Failed)
	require.Zero(t, result.Deadlettered)

	repo.AssertExpectations(t)
	sender.AssertExpectations(t)
}

func TestRunBatchContentionIsNotAFailure(t *testing.T) {
	repo := new(MockEventRepository)
	sender := new(MockSender)

	candidates := []models.EventRecord{
		unclaimedRecord(0),
		unclaimedRecord(0),
	}

	repo.On("ReclaimStale", mock.Anything, mock.Anything, mock.Anything).Return(int64(0), nil)
	repo.On("SelectCandidates", mock.Anything, mock.Anything).Return(candidates, nil)

	// First claim lost to a concurrent worker, second claim wins
	repo.On("Claim", mock.Anything, candidates[0].ID, mock.Anything, mock.Anything).Return(nil, nil)
	claimed := candidates[1]
	claimed.Attempts = 1
	repo.On("Claim", mock.Anything, candidates[1].ID, mock.Anything, mock.Anything).Return(&claimed, nil)
	repo.On("MarkForwarded", mock.Anything, candidates[1].ID, mock.Anything, mock.Anything).Return(true, nil)
	sender.On("Send", mock.Anything, mock.Anything).Return(delivery.Result{OK: true, StatusCode: 200}).Once()

	service := newTestService(t, repo, sender, testRelayConfig())
	result := service.RunBatch(context.Background(), 10)

	require.Equal(t, 1, result.Attempted)
	require.Equal(t, 1, result.Forwarded)
	require.Zero(t, result.Failed)
	require.Zero(t, result.Deadlettered)

	repo.AssertExpectations(t)
	sender.AssertExpectations(t)
}

func TestRunBatchFailureReleasesForRetry(t *testing.T) {
	repo := new(MockEventRepository)
	sender := new(MockSender)

	candidate := unclaimedRecord(0)
	claimed := candidate
	claimed.Attempts = 1

	repo.On("ReclaimStale", mock.Anything, mock.Anything, mock.Anything).Return(int64(0), nil)
	repo.On("SelectCandidates", mock.Anything, mock.Anything).Return([]models.EventRecord{candidate}, nil)
	repo.On("Claim", mock.Anything, candidate.ID, mock.Anything, mock.Anything).Return(&claimed, nil)
	repo.On("MarkFailed", mock.Anything, candidate.ID, mock.Anything, "sink returned status 503", false, mock.Anything).Return(true, nil)
	sender.On("Send", mock.Anything, mock.Anything).Return(delivery.Result{StatusCode: 503, Err: "sink returned status 503"})

	service := newTestService(t, repo, sender, testRelayConfig())
	result := service.RunBatch(context.Background(), 10)

	require.Equal(t, 1, result.Attempted)
	require.Zero(t, result.Forwarded)
	require.Equal(t, 1, result.Failed)
	require.Zero(t, result.Deadlettered)

	repo.AssertExpectations(t)
}

func TestRunBatchDeadlettersOnFinalAttempt(t *testing.T) {
	repo := new(MockEventRepository)
	sender := new(MockSender)

	cfg := testRelayConfig()

	// One failed delivery away from exhausting the budget
	candidate := unclaimedRecord(cfg.MaxAttempts - 1)
	claimed := candidate
	claimed.Attempts = cfg.MaxAttempts

	repo.On("ReclaimStale", mock.Anything, mock.Anything, mock.Anything).Return(int64(0), nil)
	repo.On("SelectCandidates", mock.Anything, mock.Anything).Return([]models.EventRecord{candidate}, nil)
	repo.On("Claim", mock.Anything, candidate.ID, mock.Anything, mock.Anything).Return(&claimed, nil)
	repo.On("MarkFailed", mock.Anything, candidate.ID, mock.Anything, "sink returned status 500", true, mock.Anything).Return(true, nil)
	sender.On("Send", mock.Anything, mock.Anything).Return(delivery.Result{StatusCode: 500, Err: "sink returned status 500"})

	service := newTestService(t, repo, sender, cfg)
	result := service.RunBatch(context.Background(), 10)

	require.Equal(t, 1, result.Attempted)
	require.Zero(t, result.Forwarded)
	require.Zero(t, result.Failed)
	require.Equal(t, 1, result.Deadlettered)

	repo.AssertExpectations(t)
}

func TestRunBatchClampsLimitToConfiguredBatchLimit(t *testing.T) {
	repo := new(MockEventRepository)
	sender := new(MockSender)

	cfg := testRelayConfig()
	cfg.BatchLimit = 25

	repo.On("ReclaimStale", mock.Anything, mock.Anything, mock.Anything).Return(int64(0), nil)
	repo.On("SelectCandidates", mock.Anything, 25).Return([]models.EventRecord{}, nil)

	service := newTestService(t, repo, sender, cfg)
	result := service.RunBatch(context.Background(), 9999)

	require.False(t, result.Skipped)
	require.Zero(t, result.Attempted)
	repo.AssertExpectations(t)
}
