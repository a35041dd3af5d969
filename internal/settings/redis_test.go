package settings_test

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/waypoint/internal/settings"
)

func newStore(t *testing.T) *settings.RedisStore {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return settings.NewRedisStore(client)
}

func TestLoadDefaultsForUnknownUser(t *testing.T) {
	store := newStore(t)
	cfg, err := store.Load(context.Background(), "user-1")
	require.NoError(t, err)
	require.False(t, cfg.Enabled)
	require.Zero(t, cfg.PollIntervalSeconds)
	require.Nil(t, cfg.LastKnownLatitude)
	require.Nil(t, cfg.LastKnownLongitude)
	require.Empty(t, cfg.LastKnownPlaceName)
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	enabled := true
	interval := 15
	lat, lng := 37.0, -122.0
	place := "Santa Cruz, California, United States"
	require.NoError(t, store.Save(ctx, "user-1", settings.Patch{
		Enabled:             &enabled,
		PollIntervalSeconds: &interval,
		LastKnownLatitude:   &lat,
		LastKnownLongitude:  &lng,
		LastKnownPlaceName:  &place,
	}))

	cfg, err := store.Load(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, cfg.Enabled)
	require.Equal(t, 15, cfg.PollIntervalSeconds)
	require.NotNil(t, cfg.LastKnownLatitude)
	require.Equal(t, 37.0, *cfg.LastKnownLatitude)
	require.NotNil(t, cfg.LastKnownLongitude)
	require.Equal(t, -122.0, *cfg.LastKnownLongitude)
	require.Equal(t, place, cfg.LastKnownPlaceName)
}

func TestSavePartialPatchLeavesOtherFields(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	lat, lng := 37.0, -122.0
	require.NoError(t, store.Save(ctx, "user-1", settings.Patch{
		LastKnownLatitude:  &lat,
		LastKnownLongitude: &lng,
	}))

	place := "Davenport, California, United States"
	require.NoError(t, store.Save(ctx, "user-1", settings.Patch{LastKnownPlaceName: &place}))

	cfg, err := store.Load(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, cfg.LastKnownLatitude)
	require.Equal(t, 37.0, *cfg.LastKnownLatitude)
	require.Equal(t, place, cfg.LastKnownPlaceName)
}

func TestSaveEmptyPatchIsNoop(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Save(context.Background(), "user-1", settings.Patch{}))
}

func TestUserIDRequired(t *testing.T) {
	store := newStore(t)
	_, err := store.Load(context.Background(), "")
	require.Error(t, err)
	require.Error(t, store.Save(context.Background(), "", settings.Patch{}))
}
