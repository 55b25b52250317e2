package license

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "picopass/internal/errors"
	"picopass/internal/retry"
)

type MockAuthority struct {
	mock.Mock
}

func (m *MockAuthority) Validate(ctx context.Context, serial string) (Info, error) {
	args := m.Called(ctx, serial)
	return args.Get(0).(Info), args.Error(1)
}

func (m *MockAuthority) Activate(ctx context.Context, req ActivationRequest) (Info, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(Info), args.Error(1)
}

func (m *MockAuthority) Deregister(ctx context.Context, serial string) (Info, error) {
	args := m.Called(ctx, serial)
	return args.Get(0).(Info), args.Error(1)
}

func fastRetry() retry.Policy {
	return retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, Timeout: time.Second}
}

func mustInfo(t *testing.T, tier Tier, max int, valid bool, serials ...string) Info {
	t.Helper()
	var devices []DeviceSummary
	for _, s := range serials {
		devices = append(devices, DeviceSummary{SerialNumber: s, BoardType: "b"})
	}
	info, err := NewInfo(tier, max, len(devices), devices, valid, nil)
	require.NoError(t, err)
	return info
}

func newTestGate(auth Authority) *Gate {
	return NewGate(auth, GateOptions{Retry: fastRetry(), CacheTTL: time.Minute, Logger: discard})
}

func TestGateValidateRetriesTransient(t *testing.T) {
	auth := new(MockAuthority)
	want := mustInfo(t, TierSingle, 1, true, "AAA")
	auth.On("Validate", mock.Anything, "AAA").Return(Info{}, apperrors.ErrAuthorityUnreachable).Once()
	auth.On("Validate", mock.Anything, "AAA").Return(want, nil).Once()

	gate := newTestGate(auth)
	defer gate.Close()

	info, err := gate.Validate(context.Background(), "AAA")
	require.NoError(t, err)
	assert.True(t, info.IsValid)
	auth.AssertNumberOfCalls(t, "Validate", 2)

	last, ok := gate.Last()
	require.True(t, ok)
	assert.Equal(t, want.RemainingSeats, last.RemainingSeats)
}

func TestGateValidateFallsBackToCache(t *testing.T) {
	auth := new(MockAuthority)
	want := mustInfo(t, TierSingle, 1, true, "AAA")
	auth.On("Validate", mock.Anything, "AAA").Return(want, nil).Once()
	auth.On("Validate", mock.Anything, "AAA").Return(Info{}, apperrors.ErrAuthorityUnreachable)

	gate := newTestGate(auth)
	defer gate.Close()

	_, err := gate.Validate(context.Background(), "AAA")
	require.NoError(t, err)

	info, err := gate.Validate(context.Background(), "AAA")
	require.NoError(t, err)
	assert.True(t, info.IsValid)

	stats := gate.CacheStats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, 1, stats.Entries)

	gate.Close()
	assert.Zero(t, gate.CacheStats().Entries)
}

func TestGateValidateUnreachableWithoutCache(t *testing.T) {
	auth := new(MockAuthority)
	auth.On("Validate", mock.Anything, "AAA").Return(Info{}, apperrors.ErrAuthorityUnreachable)

	gate := newTestGate(auth)
	defer gate.Close()

	_, err := gate.Validate(context.Background(), "AAA")
	assert.ErrorIs(t, err, apperrors.ErrAuthorityUnreachable)
	auth.AssertNumberOfCalls(t, "Validate", 3)
}

func TestGateValidateDoesNotRetryPolicy(t *testing.T) {
	auth := new(MockAuthority)
	auth.On("Validate", mock.Anything, "AAA").Return(Info{}, apperrors.ErrAuthorityRejected)

	gate := newTestGate(auth)
	defer gate.Close()

	_, err := gate.Validate(context.Background(), "AAA")
	assert.ErrorIs(t, err, apperrors.ErrAuthorityRejected)
	auth.AssertNumberOfCalls(t, "Validate", 1)
}

func TestGateActivate(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		auth := new(MockAuthority)
		after := mustInfo(t, TierMulti, 3, true, "AAA")
		auth.On("Activate", mock.Anything, ActivationRequest{SerialNumber: "AAA", BoardType: "b"}).Return(after, nil)

		gate := newTestGate(auth)
		defer gate.Close()

		info, err := gate.Activate(context.Background(), "AAA", "b", nil)
		require.NoError(t, err)
		assert.Equal(t, 2, info.RemainingSeats)
		assert.Len(t, gate.RegisteredDevices(), 1)
	})

	t.Run("seats exhausted is not retried", func(t *testing.T) {
		auth := new(MockAuthority)
		auth.On("Activate", mock.Anything, mock.Anything).Return(Info{}, apperrors.ErrSeatsExhausted)

		gate := newTestGate(auth)
		defer gate.Close()

		_, err := gate.Activate(context.Background(), "AAA", "b", nil)
		assert.ErrorIs(t, err, apperrors.ErrSeatsExhausted)
		auth.AssertNumberOfCalls(t, "Activate", 1)
	})

	t.Run("already registered on first attempt is surfaced", func(t *testing.T) {
		auth := new(MockAuthority)
		auth.On("Activate", mock.Anything, mock.Anything).Return(Info{}, apperrors.ErrDeviceAlreadyRegistered)

		gate := newTestGate(auth)
		defer gate.Close()

		_, err := gate.Activate(context.Background(), "AAA", "b", nil)
		assert.ErrorIs(t, err, apperrors.ErrDeviceAlreadyRegistered)
		auth.AssertNotCalled(t, "Validate", mock.Anything, mock.Anything)
	})

	t.Run("lost response is confirmed by validate", func(t *testing.T) {
		auth := new(MockAuthority)
		after := mustInfo(t, TierSingle, 1, true, "AAA")
		auth.On("Activate", mock.Anything, mock.Anything).Return(Info{}, apperrors.ErrAuthorityUnreachable).Once()
		auth.On("Activate", mock.Anything, mock.Anything).Return(Info{}, apperrors.ErrDeviceAlreadyRegistered).Once()
		auth.On("Validate", mock.Anything, "AAA").Return(after, nil).Once()

		gate := newTestGate(auth)
		defer gate.Close()

		info, err := gate.Activate(context.Background(), "AAA", "b", nil)
		require.NoError(t, err)
		assert.Equal(t, 1, info.UsedDevices)
		auth.AssertExpectations(t)
	})

	t.Run("answer missing the device is malformed", func(t *testing.T) {
		auth := new(MockAuthority)
		auth.On("Activate", mock.Anything, mock.Anything).Return(mustInfo(t, TierMulti, 3, true, "BBB"), nil)

		gate := newTestGate(auth)
		defer gate.Close()

		_, err := gate.Activate(context.Background(), "AAA", "b", nil)
		assert.ErrorIs(t, err, apperrors.ErrMalformed)
	})

	t.Run("no serial", func(t *testing.T) {
		gate := newTestGate(new(MockAuthority))
		defer gate.Close()

		_, err := gate.Activate(context.Background(), "", "b", nil)
		assert.ErrorIs(t, err, apperrors.ErrDeviceNotPresent)
	})
}

func TestGateActivateThenValidateRoundTrip(t *testing.T) {
	key, err := GenerateDemoKey("multi", 2)
	require.NoError(t, err)
	auth, err := OpenLocalAuthority(":memory:", key, discard)
	require.NoError(t, err)
	defer auth.Close()

	gate := newTestGate(auth)
	defer gate.Close()
	ctx := context.Background()

	activated, err := gate.Activate(ctx, "AAA", "raspberry_pi_pico2", nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		validated, err := gate.Validate(ctx, "AAA")
		require.NoError(t, err)
		assert.True(t, validated.IsValid)
		assert.Equal(t, activated.RemainingSeats, validated.RemainingSeats)
	}
}

func TestGateDeregister(t *testing.T) {
	auth := new(MockAuthority)
	auth.On("Deregister", mock.Anything, "AAA").Return(mustInfo(t, TierMulti, 3, false), nil)

	gate := newTestGate(auth)
	defer gate.Close()

	info, err := gate.Deregister(context.Background(), "AAA")
	require.NoError(t, err)
	assert.Equal(t, 3, info.RemainingSeats)
	assert.Empty(t, gate.RegisteredDevices())
}

func TestGateInstallProductKey(t *testing.T) {
	ctx := context.Background()

	t.Run("remote authority keeps its own key", func(t *testing.T) {
		gate := newTestGate(new(MockAuthority))
		defer gate.Close()

		err := gate.InstallProductKey(ctx, "PICO-ACME-M003-LIFE-0000")
		assert.ErrorIs(t, err, apperrors.ErrInvalidStateForOperation)
	})

	t.Run("local authority forgets cached answers", func(t *testing.T) {
		auth, err := OpenLocalAuthority(":memory:", "", discard)
		require.NoError(t, err)
		defer auth.Close()

		gate := newTestGate(auth)
		defer gate.Close()

		_, err = gate.Activate(ctx, "AAA", "b", nil)
		require.NoError(t, err)
		_, ok := gate.Last()
		require.True(t, ok)

		key, err := GenerateDemoKey("multi", 5)
		require.NoError(t, err)
		require.NoError(t, gate.InstallProductKey(ctx, key))

		_, ok = gate.Last()
		assert.False(t, ok)
		info, err := gate.Validate(ctx, "AAA")
		require.NoError(t, err)
		assert.Equal(t, 5, info.MaxDevices)
	})
}
