package license

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	apperrors "picopass/internal/errors"
)

// Claims is the signed license payload returned by the license server.
// Subject carries the serial the answer was computed for.
type Claims struct {
	Tier        string          `json:"tier"`
	MaxDevices  int             `json:"max_devices"`
	UsedDevices int             `json:"used_devices"`
	Valid       bool            `json:"valid"`
	ValidUntil  *int64          `json:"valid_until,omitempty"`
	Devices     []DeviceSummary `json:"devices"`
	jwt.RegisteredClaims
}

type tokenResponse struct {
	Token string `json:"token"`
}

type errorResponse struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

type deviceRequest struct {
	SerialNumber string  `json:"serial_number"`
	BoardType    string  `json:"board_type,omitempty"`
	FriendlyName *string `json:"friendly_name,omitempty"`
}

// HTTPAuthority talks to a remote license server. Every success response is
// a token signed with the shared HS256 secret; unsigned or mis-signed answers
// are treated as malformed.
type HTTPAuthority struct {
	baseURL string
	secret  []byte
	client  *http.Client
}

// NewHTTPAuthority creates a client for the server at baseURL.
func NewHTTPAuthority(baseURL, secret string, client *http.Client) *HTTPAuthority {
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &HTTPAuthority{
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  []byte(secret),
		client:  client,
	}
}

// Validate implements Authority.
func (a *HTTPAuthority) Validate(ctx context.Context, serial string) (Info, error) {
	return a.call(ctx, "/v1/licenses/validate", deviceRequest{SerialNumber: serial})
}

// Activate implements Authority.
func (a *HTTPAuthority) Activate(ctx context.Context, req ActivationRequest) (Info, error) {
	return a.call(ctx, "/v1/licenses/activate", deviceRequest{
		SerialNumber: req.SerialNumber,
		BoardType:    req.BoardType,
		FriendlyName: req.FriendlyName,
	})
}

// Deregister implements Authority.
func (a *HTTPAuthority) Deregister(ctx context.Context, serial string) (Info, error) {
	return a.call(ctx, "/v1/licenses/deregister", deviceRequest{SerialNumber: serial})
}

func (a *HTTPAuthority) call(ctx context.Context, path string, body deviceRequest) (Info, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return Info{}, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return Info{}, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Info{}, ctx.Err()
		}
		return Info{}, fmt.Errorf("%s: %v: %w", path, err, apperrors.ErrAuthorityUnreachable)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Info{}, fmt.Errorf("%s: read body: %v: %w", path, err, apperrors.ErrAuthorityUnreachable)
	}

	if resp.StatusCode != http.StatusOK {
		return Info{}, classifyStatus(path, resp.StatusCode, data)
	}

	var tr tokenResponse
	if err := json.Unmarshal(data, &tr); err != nil || tr.Token == "" {
		return Info{}, fmt.Errorf("%s: missing token: %w", path, apperrors.ErrMalformed)
	}

	claims, err := a.verify(tr.Token)
	if err != nil {
		return Info{}, fmt.Errorf("%s: %v: %w", path, err, apperrors.ErrMalformed)
	}
	if claims.Subject != body.SerialNumber {
		return Info{}, fmt.Errorf("%s: answer for %q, asked about %q: %w", path, claims.Subject, body.SerialNumber, apperrors.ErrMalformed)
	}

	return claims.info()
}

func (a *HTTPAuthority) verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

func (c *Claims) info() (Info, error) {
	tier, err := ParseTier(c.Tier)
	if err != nil {
		return Info{}, err
	}
	var until *time.Time
	if c.ValidUntil != nil {
		t := time.Unix(*c.ValidUntil, 0).UTC()
		until = &t
	}
	return NewInfo(tier, c.MaxDevices, c.UsedDevices, c.Devices, c.Valid, until)
}

func classifyStatus(path string, status int, body []byte) error {
	var er errorResponse
	_ = json.Unmarshal(body, &er)

	switch er.ErrorCode {
	case "SEATS_EXHAUSTED":
		return fmt.Errorf("%s: %s: %w", path, er.Message, apperrors.ErrSeatsExhausted)
	case "DEVICE_ALREADY_REGISTERED":
		return fmt.Errorf("%s: %s: %w", path, er.Message, apperrors.ErrDeviceAlreadyRegistered)
	case "DEVICE_NOT_REGISTERED":
		return fmt.Errorf("%s: %s: %w", path, er.Message, apperrors.ErrDeviceNotRegistered)
	}

	switch {
	case status == http.StatusTooManyRequests, status >= 500:
		return fmt.Errorf("%s: status %d: %w", path, status, apperrors.ErrAuthorityUnreachable)
	case status == http.StatusUnauthorized, status == http.StatusForbidden, status == http.StatusPaymentRequired:
		return fmt.Errorf("%s: status %d %s: %w", path, status, er.Message, apperrors.ErrAuthorityRejected)
	default:
		return fmt.Errorf("%s: unexpected status %d: %w", path, status, apperrors.ErrMalformed)
	}
}

// SignClaims produces a token the HTTPAuthority accepts. The license server
// and tests share it.
func SignClaims(secret string, claims *Claims) (string, error) {
	if claims.IssuedAt == nil {
		claims.IssuedAt = jwt.NewNumericDate(time.Now())
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
