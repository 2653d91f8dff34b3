package device_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sylvester1001/zat/internal/config"
	"github.com/sylvester1001/zat/internal/device"
	"github.com/sylvester1001/zat/internal/mocks"
)

func TestThrottleDisabledReturnsDevice(t *testing.T) {
	inner := mocks.NewDevice()
	assert.Same(t, inner, device.Throttle(inner, 0, 1))
}

func TestThrottleForwardsInputs(t *testing.T) {
	m := new(mocks.MockDevice)
	m.On("Tap", mock.Anything, 10, 20).Return(nil).Once()
	m.On("Swipe", mock.Anything, 1, 2, 3, 4, 300*time.Millisecond).Return(nil).Once()
	m.On("PressBack", mock.Anything).Return(nil).Once()
	m.On("IsAttached", mock.Anything).Return(true, nil).Once()

	d := device.Throttle(m, 1000, 10)
	ctx := context.Background()
	require.NoError(t, d.Tap(ctx, 10, 20))
	require.NoError(t, d.Swipe(ctx, 1, 2, 3, 4, 300*time.Millisecond))
	require.NoError(t, d.PressBack(ctx))
	attached, err := d.IsAttached(ctx)
	require.NoError(t, err)
	assert.True(t, attached)

	m.AssertExpectations(t)
}

func TestThrottleLimitsRate(t *testing.T) {
	inner := mocks.NewDevice()
	d := device.Throttle(inner, 20, 1)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, d.PressBack(ctx))
	}
	// Burst of one: the second and third events wait ~50ms each.
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	assert.Equal(t, 3, inner.Count("back"))
}

func TestThrottleHonoursCancellation(t *testing.T) {
	m := new(mocks.MockDevice)
	m.On("Tap", mock.Anything, 0, 0).Return(nil).Once()
	d := device.Throttle(m, 0.001, 1)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, d.Tap(ctx, 0, 0))
	cancel()
	err := d.Tap(ctx, 0, 0)
	assert.Error(t, err)
	m.AssertNumberOfCalls(t, "Tap", 1)
}

func TestHumanizeDisabledReturnsDevice(t *testing.T) {
	inner := mocks.NewDevice()
	assert.Same(t, inner, device.Humanize(inner, config.HumanizeConfig{}))
}

func TestHumanizeKeepsTapsNearTarget(t *testing.T) {
	var got [][2]int
	m := new(mocks.MockDevice)
	m.On("Tap", mock.Anything, mock.AnythingOfType("int"), mock.AnythingOfType("int")).
		Run(func(args mock.Arguments) {
			got = append(got, [2]int{args.Int(1), args.Int(2)})
		}).
		Return(nil)

	d := device.Humanize(m, config.HumanizeConfig{Enabled: true, TapSigmaPx: 5, MaxOffsetPx: 6, Seed: 7})
	for i := 0; i < 200; i++ {
		require.NoError(t, d.Tap(context.Background(), 100, 3))
	}

	moved := false
	for _, p := range got {
		assert.InDelta(t, 100, p[0], 6)
		assert.GreaterOrEqual(t, p[1], 0, "coordinates are clamped to the screen")
		assert.LessOrEqual(t, p[1], 9)
		if p[0] != 100 {
			moved = true
		}
	}
	assert.True(t, moved, "taps should not all land on the same pixel")
}

func TestHumanizeStretchesSwipes(t *testing.T) {
	m := new(mocks.MockDevice)
	m.On("Swipe", mock.Anything, 640, 360, mock.AnythingOfType("int"), mock.AnythingOfType("int"),
		mock.MatchedBy(func(d time.Duration) bool { return d >= 300*time.Millisecond })).
		Return(nil)

	d := device.Humanize(m, config.HumanizeConfig{Enabled: true, TapSigmaPx: 2, SwipeJitter: 40 * time.Millisecond, Seed: 3})
	require.NoError(t, d.Swipe(context.Background(), 640, 360, 640, -140, 300*time.Millisecond))
	m.AssertExpectations(t)
}

func TestHumanizePropagatesErrors(t *testing.T) {
	inner := mocks.NewDevice()
	inner.FailWith(errors.New("transport closed"))
	d := device.Humanize(inner, config.HumanizeConfig{Enabled: true, TapSigmaPx: 1, Seed: 1})
	assert.EqualError(t, d.Tap(context.Background(), 1, 1), "transport closed")
}
