package fetch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/geotile-pipeline/internal/pipeline"
)

// MockStrategy is a mock implementation of the Strategy interface.
type MockStrategy struct {
	mock.Mock
	name  string
	kinds []pipeline.JobKind
}

func newMockStrategy(name string, kinds ...pipeline.JobKind) *MockStrategy {
	if len(kinds) == 0 {
		kinds = []pipeline.JobKind{pipeline.JobKindTile, pipeline.JobKindPage}
	}
	return &MockStrategy{name: name, kinds: kinds}
}

func (m *MockStrategy) Name() string { return m.name }

func (m *MockStrategy) Supports(kind pipeline.JobKind) bool {
	for _, k := range m.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func (m *MockStrategy) Attempt(ctx context.Context, job *pipeline.FetchJob) (pipeline.FetchResult, error) {
	args := m.Called(ctx, job)
	return args.Get(0).(pipeline.FetchResult), args.Error(1)
}

func transient(name string) error {
	return &pipeline.TransientNetworkError{Strategy: name, StatusCode: 503, Err: errors.New("unavailable")}
}

func blocked(name string) error {
	return &pipeline.BlockedError{Strategy: name, StatusCode: 403, Reason: "forbidden"}
}

func newTestChain(t *testing.T, policy RetryPolicy, strategies ...Strategy) *Chain {
	t.Helper()
	chain, err := NewChain(strategies, policy, nil)
	require.NoError(t, err)
	chain.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return chain
}

func pageJob() *pipeline.FetchJob {
	return &pipeline.FetchJob{ID: "p1", Kind: pipeline.JobKindPage, Target: pipeline.Target{URL: "https://example.com/ds"}}
}

func TestChainFirstStrategySucceeds(t *testing.T) {
	t.Parallel()

	httpS := newMockStrategy(StrategyHTTP)
	httpS.On("Attempt", mock.Anything, mock.Anything).
		Return(pipeline.FetchResult{Payload: []byte("ok"), URL: "https://example.com/ds"}, nil).Once()
	antibot := newMockStrategy(StrategyAntiBot)

	chain := newTestChain(t, DefaultRetryPolicy(), httpS, antibot)
	job := pageJob()
	res := chain.Fetch(context.Background(), job)

	require.True(t, res.OK)
	require.Equal(t, StrategyHTTP, res.Strategy)
	require.Equal(t, 1, res.Attempts)
	require.Equal(t, 1, job.Attempt)
	require.Equal(t, []string{StrategyAntiBot}, job.Remaining)
	antibot.AssertNotCalled(t, "Attempt", mock.Anything, mock.Anything)
	httpS.AssertExpectations(t)
}

func TestChainRetriesTransientThenEscalates(t *testing.T) {
	t.Parallel()

	httpS := newMockStrategy(StrategyHTTP)
	httpS.On("Attempt", mock.Anything, mock.Anything).Return(pipeline.FetchResult{}, transient(StrategyHTTP)).Times(3)
	antibot := newMockStrategy(StrategyAntiBot)
	antibot.On("Attempt", mock.Anything, mock.Anything).Return(pipeline.FetchResult{Payload: []byte("x")}, nil).Once()

	chain := newTestChain(t, RetryPolicy{MaxRetries: 3}, httpS, antibot)
	job := pageJob()
	res := chain.Fetch(context.Background(), job)

	require.True(t, res.OK)
	require.Equal(t, StrategyAntiBot, res.Strategy)
	require.Equal(t, 4, res.Attempts)
	require.Equal(t, 2, job.Attempt)
	httpS.AssertExpectations(t)
	antibot.AssertExpectations(t)
}

func TestChainBlockedEscalatesWithoutRetry(t *testing.T) {
	t.Parallel()

	httpS := newMockStrategy(StrategyHTTP)
	httpS.On("Attempt", mock.Anything, mock.Anything).Return(pipeline.FetchResult{}, blocked(StrategyHTTP)).Once()
	browser := newMockStrategy(StrategyBrowser, pipeline.JobKindPage)
	browser.On("Attempt", mock.Anything, mock.Anything).
		Return(pipeline.FetchResult{}, &pipeline.RenderTimeout{Strategy: StrategyBrowser, After: time.Second}).Once()

	chain := newTestChain(t, RetryPolicy{MaxRetries: 5}, httpS, browser)
	res := chain.Fetch(context.Background(), pageJob())

	require.False(t, res.OK)
	require.True(t, res.Exhausted)
	require.False(t, res.Retryable)
	require.Equal(t, 2, res.Attempts)
	require.ErrorIs(t, res.Err, pipeline.ErrFetchExhausted)
	var timeout *pipeline.RenderTimeout
	require.ErrorAs(t, res.Err, &timeout)
	httpS.AssertExpectations(t)
	browser.AssertExpectations(t)
}

func TestChainAttemptBound(t *testing.T) {
	t.Parallel()

	for _, retries := range []int{1, 2, 4} {
		strategies := []Strategy{}
		mocks := []*MockStrategy{}
		for _, name := range DefaultOrder {
			s := newMockStrategy(name)
			s.On("Attempt", mock.Anything, mock.Anything).Return(pipeline.FetchResult{}, transient(name))
			strategies = append(strategies, s)
			mocks = append(mocks, s)
		}
		chain := newTestChain(t, RetryPolicy{MaxRetries: retries}, strategies...)
		job := pageJob()
		res := chain.Fetch(context.Background(), job)

		require.True(t, res.Exhausted)
		require.True(t, res.Retryable)
		require.Equal(t, len(DefaultOrder)*retries, res.Attempts)
		require.Equal(t, chain.MaxAttempts(pipeline.JobKindPage), res.Attempts)
		require.LessOrEqual(t, job.Attempt, len(DefaultOrder))
		require.Empty(t, job.Remaining)
		for _, m := range mocks {
			m.AssertNumberOfCalls(t, "Attempt", retries)
		}
	}
}

func TestChainSkipsStrategiesThatDoNotSupportKind(t *testing.T) {
	t.Parallel()

	httpS := newMockStrategy(StrategyHTTP)
	httpS.On("Attempt", mock.Anything, mock.Anything).Return(pipeline.FetchResult{}, blocked(StrategyHTTP)).Once()
	browser := newMockStrategy(StrategyBrowser, pipeline.JobKindPage)

	chain := newTestChain(t, DefaultRetryPolicy(), httpS, browser)
	job := &pipeline.FetchJob{ID: "t1", Kind: pipeline.JobKindTile, Target: pipeline.Target{
		URL:  "https://tiles.example.com/a.tif",
		Tile: &pipeline.TileRequest{Key: pipeline.TileKey{Row: 1, Col: 2}},
	}}
	res := chain.Fetch(context.Background(), job)

	require.True(t, res.Exhausted)
	require.Equal(t, 1, res.Attempts)
	require.Contains(t, res.Err.Error(), "r0001_c0002")
	browser.AssertNotCalled(t, "Attempt", mock.Anything, mock.Anything)
}

func TestChainNoEligibleStrategy(t *testing.T) {
	t.Parallel()

	browser := newMockStrategy(StrategyBrowser, pipeline.JobKindPage)
	chain := newTestChain(t, DefaultRetryPolicy(), browser)
	res := chain.Fetch(context.Background(), &pipeline.FetchJob{Kind: pipeline.JobKindTile})

	require.True(t, res.Exhausted)
	require.False(t, res.Retryable)
	require.Zero(t, res.Attempts)
}

func TestChainCancelledBeforeAttempt(t *testing.T) {
	t.Parallel()

	httpS := newMockStrategy(StrategyHTTP)
	chain := newTestChain(t, DefaultRetryPolicy(), httpS)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := chain.Fetch(ctx, pageJob())
	require.False(t, res.OK)
	require.False(t, res.Exhausted)
	require.ErrorIs(t, res.Err, context.Canceled)
	httpS.AssertNotCalled(t, "Attempt", mock.Anything, mock.Anything)
}

func TestChainCancelledBetweenStrategies(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	httpS := newMockStrategy(StrategyHTTP)
	httpS.On("Attempt", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { cancel() }).
		Return(pipeline.FetchResult{}, blocked(StrategyHTTP)).Once()
	antibot := newMockStrategy(StrategyAntiBot)

	chain := newTestChain(t, DefaultRetryPolicy(), httpS, antibot)
	res := chain.Fetch(ctx, pageJob())

	require.False(t, res.Exhausted)
	require.ErrorIs(t, res.Err, context.Canceled)
	antibot.AssertNotCalled(t, "Attempt", mock.Anything, mock.Anything)
}

func TestSelect(t *testing.T) {
	t.Parallel()

	available := map[string]Strategy{
		StrategyHTTP:    newMockStrategy(StrategyHTTP),
		StrategyAntiBot: newMockStrategy(StrategyAntiBot),
		StrategyBrowser: newMockStrategy(StrategyBrowser),
	}

	got, err := Select(nil, available)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, StrategyHTTP, got[0].Name())

	got, err = Select([]string{StrategyBrowser, StrategyHTTP}, available)
	require.NoError(t, err)
	require.Equal(t, StrategyBrowser, got[0].Name())

	_, err = Select([]string{"carrier-pigeon"}, available)
	require.ErrorIs(t, err, pipeline.ErrInvalidConfig)

	_, err = Select([]string{StrategyHTTP, StrategyHTTP}, available)
	require.ErrorIs(t, err, pipeline.ErrInvalidConfig)
}

func TestRetryPolicy(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{MaxRetries: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}
	require.NoError(t, p.Validate())
	require.True(t, p.ShouldRetry(transient("x"), 1))
	require.False(t, p.ShouldRetry(transient("x"), 3))
	require.False(t, p.ShouldRetry(blocked("x"), 1))
	require.False(t, p.ShouldRetry(nil, 1))

	for attempt := 0; attempt < 6; attempt++ {
		d := p.Backoff(attempt)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, p.MaxDelay)
	}

	require.ErrorIs(t, RetryPolicy{MaxRetries: -1}.Validate(), pipeline.ErrInvalidConfig)
	require.ErrorIs(t, RetryPolicy{BaseDelay: time.Second, MaxDelay: time.Millisecond}.Validate(), pipeline.ErrInvalidConfig)
}

func TestNewChainRejectsEmpty(t *testing.T) {
	t.Parallel()

	_, err := NewChain(nil, DefaultRetryPolicy(), nil)
	require.ErrorIs(t, err, pipeline.ErrInvalidConfig)
}
