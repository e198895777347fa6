package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/geotile-pipeline/internal/pipeline"
)

var (
	_ pipeline.Checkpoint = (*Checkpoint)(nil)
	_ Client              = (*redis.Client)(nil)
)

type mockClient struct {
	mock.Mock
}

func (m *mockClient) SAdd(ctx context.Context, key string, members ...any) *redis.IntCmd {
	args := m.Called(ctx, key, members)
	return redis.NewIntResult(args.Get(0).(int64), args.Error(1))
}

func (m *mockClient) SMembers(ctx context.Context, key string) *redis.StringSliceCmd {
	args := m.Called(ctx, key)
	return redis.NewStringSliceResult(args.Get(0).([]string), args.Error(1))
}

func (m *mockClient) Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	args := m.Called(ctx, key, expiration)
	return redis.NewBoolResult(args.Bool(0), args.Error(1))
}

func TestMarkCompletedAddsAndRefreshesTTL(t *testing.T) {
	t.Parallel()

	client := &mockClient{}
	client.On("SAdd", mock.Anything, "geotile:checkpoint:fp1", []any{"r0001_c0002"}).Return(int64(1), nil).Once()
	client.On("Expire", mock.Anything, "geotile:checkpoint:fp1", time.Hour).Return(true, nil).Once()

	c := New(client, time.Hour, nil)
	require.NoError(t, c.MarkCompleted(context.Background(), "fp1", pipeline.TileKey{Row: 1, Col: 2}))
	client.AssertExpectations(t)
}

func TestMarkCompletedWrapsErrors(t *testing.T) {
	t.Parallel()

	client := &mockClient{}
	client.On("SAdd", mock.Anything, mock.Anything, mock.Anything).Return(int64(0), errors.New("READONLY")).Once()

	err := New(client, 0, nil).MarkCompleted(context.Background(), "fp1", pipeline.TileKey{})
	require.ErrorContains(t, err, "mark r0000_c0000 completed: READONLY")
}

func TestCompletedParsesMembers(t *testing.T) {
	t.Parallel()

	client := &mockClient{}
	client.On("SMembers", mock.Anything, "geotile:checkpoint:fp2").
		Return([]string{"r0000_c0000", "garbage", "r0003_c0001"}, nil).Once()

	done, err := New(client, 0, nil).Completed(context.Background(), "fp2")
	require.NoError(t, err)
	require.Equal(t, map[pipeline.TileKey]bool{{Row: 0, Col: 0}: true, {Row: 3, Col: 1}: true}, done)
}

func TestCompletedError(t *testing.T) {
	t.Parallel()

	client := &mockClient{}
	client.On("SMembers", mock.Anything, mock.Anything).Return([]string(nil), errors.New("down")).Once()
	_, err := New(client, 0, nil).Completed(context.Background(), "fp")
	require.Error(t, err)
}
