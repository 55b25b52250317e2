package license

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "picopass/internal/errors"
)

const testSecret = "test-signing-secret"

func signedHandler(t *testing.T, secret string, claims func(serial string) *Claims) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req deviceRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		token, err := SignClaims(secret, claims(req.SerialNumber))
		require.NoError(t, err)
		_ = json.NewEncoder(w).Encode(tokenResponse{Token: token})
	}
}

func TestHTTPAuthorityValidate(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	srv := httptest.NewServer(signedHandler(t, testSecret, func(serial string) *Claims {
		return &Claims{
			Tier:        "MULTI",
			MaxDevices:  3,
			UsedDevices: 1,
			Valid:       true,
			Devices:     []DeviceSummary{{SerialNumber: serial, BoardType: "raspberry_pi_pico2", ActivatedAt: now, LastSeen: now}},
			RegisteredClaims: jwt.RegisteredClaims{
				Subject: serial,
			},
		}
	}))
	defer srv.Close()

	auth := NewHTTPAuthority(srv.URL, testSecret, srv.Client())
	info, err := auth.Validate(context.Background(), "AAA")
	require.NoError(t, err)

	assert.Equal(t, TierMulti, info.Tier)
	assert.Equal(t, 2, info.RemainingSeats)
	assert.True(t, info.IsValid)
	assert.True(t, info.HasDevice("AAA"))
}

func TestHTTPAuthorityRejectsBadSignature(t *testing.T) {
	srv := httptest.NewServer(signedHandler(t, "someone-else", func(serial string) *Claims {
		return &Claims{Tier: "SINGLE", Valid: true, RegisteredClaims: jwt.RegisteredClaims{Subject: serial}}
	}))
	defer srv.Close()

	auth := NewHTTPAuthority(srv.URL, testSecret, srv.Client())
	_, err := auth.Validate(context.Background(), "AAA")
	assert.ErrorIs(t, err, apperrors.ErrMalformed)
}

func TestHTTPAuthorityRejectsWrongSubject(t *testing.T) {
	srv := httptest.NewServer(signedHandler(t, testSecret, func(string) *Claims {
		return &Claims{Tier: "SINGLE", Valid: true, RegisteredClaims: jwt.RegisteredClaims{Subject: "OTHER"}}
	}))
	defer srv.Close()

	auth := NewHTTPAuthority(srv.URL, testSecret, srv.Client())
	_, err := auth.Validate(context.Background(), "AAA")
	assert.ErrorIs(t, err, apperrors.ErrMalformed)
}

func TestHTTPAuthorityRejectsInconsistentSeats(t *testing.T) {
	srv := httptest.NewServer(signedHandler(t, testSecret, func(serial string) *Claims {
		return &Claims{Tier: "MULTI", MaxDevices: 2, UsedDevices: 3, Valid: true, RegisteredClaims: jwt.RegisteredClaims{Subject: serial}}
	}))
	defer srv.Close()

	auth := NewHTTPAuthority(srv.URL, testSecret, srv.Client())
	_, err := auth.Validate(context.Background(), "AAA")
	assert.ErrorIs(t, err, apperrors.ErrMalformed)
}

func TestHTTPAuthorityStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"server error", http.StatusBadGateway, "", apperrors.ErrAuthorityUnreachable},
		{"throttled", http.StatusTooManyRequests, "", apperrors.ErrAuthorityUnreachable},
		{"revoked", http.StatusForbidden, `{"error_code":"LICENSE_REVOKED","message":"revoked"}`, apperrors.ErrAuthorityRejected},
		{"seats", http.StatusConflict, `{"error_code":"SEATS_EXHAUSTED"}`, apperrors.ErrSeatsExhausted},
		{"already", http.StatusConflict, `{"error_code":"DEVICE_ALREADY_REGISTERED"}`, apperrors.ErrDeviceAlreadyRegistered},
		{"not registered", http.StatusNotFound, `{"error_code":"DEVICE_NOT_REGISTERED"}`, apperrors.ErrDeviceNotRegistered},
		{"teapot", http.StatusTeapot, "", apperrors.ErrMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			auth := NewHTTPAuthority(srv.URL, testSecret, srv.Client())
			_, err := auth.Activate(context.Background(), ActivationRequest{SerialNumber: "AAA", BoardType: "b"})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestHTTPAuthorityUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	auth := NewHTTPAuthority(url, testSecret, nil)
	_, err := auth.Validate(context.Background(), "AAA")
	assert.ErrorIs(t, err, apperrors.ErrAuthorityUnreachable)
	assert.True(t, apperrors.IsTransient(err))
}
