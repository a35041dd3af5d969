package tracking_test

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/waypoint/internal/geo"
	"github.com/noah-isme/waypoint/internal/tracking"
)

func TestRegistryNotifiesAllSubscribers(t *testing.T) {
	r := tracking.NewRegistry(zerolog.Nop())
	first := &captureSub{}
	second := &captureSub{}
	r.Subscribe(first.callback)
	r.Subscribe(second.callback)

	sample := geo.NewSample(37, -122, nil, time.Now())
	r.Notify(&sample, geo.StatusActive)

	require.Len(t, first.snapshot(), 1)
	require.Len(t, second.snapshot(), 1)
	require.Equal(t, geo.StatusActive, first.snapshot()[0].status)
}

func TestRegistryUnsubscribeIsIdempotent(t *testing.T) {
	r := tracking.NewRegistry(zerolog.Nop())
	sub := &captureSub{}
	unsub := r.Subscribe(sub.callback)

	unsub()
	unsub()
	require.Zero(t, r.Len())

	r.Notify(nil, geo.StatusInactive)
	require.Empty(t, sub.snapshot())
}

func TestRegistryUnsubscribeFromWithinCallback(t *testing.T) {
	r := tracking.NewRegistry(zerolog.Nop())
	var unsub func()
	calls := 0
	unsub = r.Subscribe(func(_ *geo.Sample, _ geo.Status) {
		calls++
		unsub()
	})
	other := &captureSub{}
	r.Subscribe(other.callback)

	r.Notify(nil, geo.StatusLoading)
	r.Notify(nil, geo.StatusLoading)

	require.Equal(t, 1, calls, "self-unsubscribed callback must not fire again")
	require.Len(t, other.snapshot(), 2)
}

func TestRegistryPanicDoesNotBlockOthers(t *testing.T) {
	r := tracking.NewRegistry(zerolog.Nop())
	r.Subscribe(func(_ *geo.Sample, _ geo.Status) {
		panic("subscriber bug")
	})
	healthy := &captureSub{}
	r.Subscribe(healthy.callback)

	require.NotPanics(t, func() { r.Notify(nil, geo.StatusError) })
	require.Len(t, healthy.snapshot(), 1)
}

func TestRegistryClear(t *testing.T) {
	r := tracking.NewRegistry(zerolog.Nop())
	sub := &captureSub{}
	r.Subscribe(sub.callback)
	r.Clear()
	require.Zero(t, r.Len())

	r.Notify(nil, geo.StatusInactive)
	require.Empty(t, sub.snapshot())
}
